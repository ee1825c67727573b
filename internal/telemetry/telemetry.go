// Package telemetry provides OpenTelemetry metrics for dispatch.
//
// Telemetry is disabled by default (zero runtime overhead when off).
//
// # Configuration
//
//	DISPATCH_OTEL_ENABLED=true   enable metrics (default: off)
//	OTEL_SERVICE_NAME=dispatchd  override service name
//
// When enabled, metrics are written to stdout every 30 seconds.
package telemetry

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const instrumentationScope = "github.com/fieldops/dispatch"

var shutdownFns []func(context.Context) error

// Enabled reports whether telemetry is active (DISPATCH_OTEL_ENABLED=true).
func Enabled() bool {
	return os.Getenv("DISPATCH_OTEL_ENABLED") == "true"
}

// Init configures the OTel meter provider. When DISPATCH_OTEL_ENABLED is
// not "true" this installs a no-op provider and returns immediately.
func Init(ctx context.Context, serviceName, version string) error {
	if !Enabled() {
		otel.SetMeterProvider(metricnoop.NewMeterProvider())
		return nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(version),
		),
		resource.WithHost(),
		resource.WithProcess(),
	)
	if err != nil {
		return fmt.Errorf("telemetry: resource: %w", err)
	}

	exp, err := stdoutmetric.New()
	if err != nil {
		return fmt.Errorf("telemetry: stdout exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(30*time.Second)),
		),
	)
	otel.SetMeterProvider(mp)
	shutdownFns = append(shutdownFns, mp.Shutdown)

	return nil
}

// Meter returns a meter with the given instrumentation name (or the global scope).
func Meter(name string) metric.Meter {
	if name == "" {
		name = instrumentationScope
	}
	return otel.Meter(name)
}

// Shutdown flushes pending metrics and shuts down the provider.
func Shutdown(ctx context.Context) {
	for _, fn := range shutdownFns {
		_ = fn(ctx)
	}
	shutdownFns = nil
}
