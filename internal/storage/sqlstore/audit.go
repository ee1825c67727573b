package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"github.com/fieldops/dispatch/internal/types"
)

// recordTicketEvent appends one ticket history row inside the caller's
// transaction.
func (s *Store) recordTicketEvent(ctx context.Context, tx *sql.Tx, ticketID int64, actorID *int64, action string, payload map[string]any) error {
	data, err := encodeJSON(payload)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO ticket_events (ticket_id, actor_id, action, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
	`), ticketID, actorID, action, data, now())
	if err != nil {
		return fmt.Errorf("failed to record ticket event %s: %w", action, err)
	}
	return nil
}

// recordAuditEvent appends one audit row inside the caller's transaction.
// Payloads are enriched with the actor, entity and timestamp so each row
// reads standalone.
func (s *Store) recordAuditEvent(ctx context.Context, tx *sql.Tx, actorID *int64, action, entityType string, entityID *string, payload map[string]any) error {
	ts := now()
	enriched := make(map[string]any, len(payload)+3)
	for k, v := range payload {
		enriched[k] = v
	}
	if actorID != nil {
		enriched["actor_id"] = *actorID
	}
	if entityID != nil {
		enriched["entity_id"] = *entityID
	}
	enriched["timestamp"] = ts.Format("2006-01-02T15:04:05Z07:00")

	data, err := encodeJSON(enriched)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO audit_events (actor_id, action, entity_type, entity_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), actorID, action, entityType, entityID, data, ts)
	if err != nil {
		return fmt.Errorf("failed to record audit event %s: %w", action, err)
	}
	return nil
}

// auditDenied writes a PERMISSION_DENIED audit row in its own transaction
// and returns ErrDenied wrapped with the operation name. Used when the
// denial happens before the operation's transaction starts.
func (s *Store) auditDenied(ctx context.Context, actorID int64, operation, entityType string, entityID *string) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		return s.recordAuditEvent(ctx, tx, &actorID, types.ActionPermissionDenied, entityType, entityID, map[string]any{
			"operation": operation,
		})
	})
	if err != nil {
		return fmt.Errorf("failed to audit denial of %s: %w", operation, err)
	}
	return nil
}

// auditInvalidTransition writes an INVALID_STATE_TRANSITION audit row
// inside the caller's transaction, capturing the observed and required
// states. Callers commit the transaction so the row survives the failed
// operation.
func (s *Store) auditInvalidTransition(ctx context.Context, tx *sql.Tx, actorID int64, ticketID int64, operation string, observed, required any) error {
	entityID := strconv.FormatInt(ticketID, 10)
	return s.recordAuditEvent(ctx, tx, &actorID, types.ActionInvalidStateTransition, types.EntityTicket, &entityID, map[string]any{
		"operation": operation,
		"observed":  observed,
		"required":  required,
	})
}

// TicketEvents returns a ticket's history, newest first.
func (s *Store) TicketEvents(ctx context.Context, ticketID int64, limit int) ([]*types.TicketEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, ticket_id, actor_id, action, payload, created_at
		FROM ticket_events
		WHERE ticket_id = ?
		ORDER BY id DESC
		LIMIT ?
	`), ticketID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list ticket events: %w", err)
	}
	defer rows.Close()

	var events []*types.TicketEvent
	for rows.Next() {
		var (
			ev      types.TicketEvent
			actorID sql.NullInt64
			payload sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ev.TicketID, &actorID, &ev.Action, &payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ticket event: %w", err)
		}
		ev.ActorID = int64OrNil(actorID)
		if ev.Payload, err = decodeJSON(payload); err != nil {
			return nil, err
		}
		ev.CreatedAt = ev.CreatedAt.UTC()
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// AuditEvents returns audit rows for one entity, newest first. An empty
// entityID matches every entity of the type.
func (s *Store) AuditEvents(ctx context.Context, entityType string, entityID string, limit int) ([]*types.AuditEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, actor_id, action, entity_type, entity_id, payload, created_at
		FROM audit_events
		WHERE entity_type = ?`
	args := []any{entityType}
	if entityID != "" {
		query += " AND entity_id = ?"
		args = append(args, entityID)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	defer rows.Close()

	var events []*types.AuditEvent
	for rows.Next() {
		var (
			ev      types.AuditEvent
			actorID sql.NullInt64
			entID   sql.NullString
			payload sql.NullString
		)
		if err := rows.Scan(&ev.ID, &actorID, &ev.Action, &ev.EntityType, &entID, &payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		ev.ActorID = int64OrNil(actorID)
		ev.EntityID = strOrNil(entID)
		if ev.Payload, err = decodeJSON(payload); err != nil {
			return nil, err
		}
		ev.CreatedAt = ev.CreatedAt.UTC()
		events = append(events, &ev)
	}
	return events, rows.Err()
}
