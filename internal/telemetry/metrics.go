package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Counters for the lead intake path. Instruments are created lazily on
// first use so they bind to whichever provider Init installed.
var (
	leadOnce      sync.Once
	leadsIngested metric.Int64Counter
	leadsRejected metric.Int64Counter
)

func initLeadCounters() {
	m := Meter(instrumentationScope + "/webhook")
	leadsIngested, _ = m.Int64Counter("dispatch.leads.ingested",
		metric.WithDescription("Leads accepted by the intake webhook"),
	)
	leadsRejected, _ = m.Int64Counter("dispatch.leads.rejected",
		metric.WithDescription("Webhook deliveries rejected before ingest"),
	)
}

// CountLeadIngested records an accepted delivery, labeled by whether it
// was a repeat of an already-stored external ID.
func CountLeadIngested(ctx context.Context, duplicate bool) {
	leadOnce.Do(initLeadCounters)
	leadsIngested.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("duplicate", duplicate),
	))
}

// CountLeadRejected records a delivery turned away, labeled by reason
// (auth, validation, method).
func CountLeadRejected(ctx context.Context, reason string) {
	leadOnce.Do(initLeadCounters)
	leadsRejected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}
