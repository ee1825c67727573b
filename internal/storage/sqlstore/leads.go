package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/fieldops/dispatch/internal/storage"
	"github.com/fieldops/dispatch/internal/types"
)

const leadColumns = `id, source, client_name, client_phone, preferred_datetime,
	client_age_estimate, problem_text, special_note, ad_source, status, meta,
	converted_ticket_id, created_at, updated_at`

func scanLead(row interface{ Scan(...any) error }) (*types.Lead, error) {
	var (
		l types.Lead

		id          string
		clientName  sql.NullString
		clientPhone sql.NullString
		preferredAt sql.NullTime
		ageEstimate sql.NullInt64
		specialNote sql.NullString
		meta        sql.NullString
		convertedID sql.NullInt64
	)
	err := row.Scan(&id, &l.Source, &clientName, &clientPhone, &preferredAt,
		&ageEstimate, &l.ProblemText, &specialNote, &l.AdSource, &l.Status, &meta,
		&convertedID, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if l.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("invalid lead id %q: %w", id, err)
	}
	l.ClientName = strOrNil(clientName)
	l.ClientPhone = strOrNil(clientPhone)
	l.PreferredDatetime = timeOrNil(preferredAt)
	l.ClientAgeEstimate = int64OrNil(ageEstimate)
	l.SpecialNote = strOrNil(specialNote)
	if l.Meta, err = decodeStringMap(meta); err != nil {
		return nil, err
	}
	l.ConvertedTicketID = int64OrNil(convertedID)
	l.CreatedAt = l.CreatedAt.UTC()
	l.UpdatedAt = l.UpdatedAt.UTC()
	return &l, nil
}

func (s *Store) getLeadTx(ctx context.Context, q execer, id uuid.UUID) (*types.Lead, error) {
	row := q.QueryRowContext(ctx, s.rebind(
		"SELECT "+leadColumns+" FROM leads WHERE id = ?"), id.String())
	l, err := scanLead(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("lead %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load lead %s: %w", id, err)
	}
	return l, nil
}

// GetLead returns one lead by its external UUID.
func (s *Store) GetLead(ctx context.Context, id uuid.UUID) (*types.Lead, error) {
	return s.getLeadTx(ctx, s.db, id)
}

// IngestLead is the idempotent lead intake keyed by the external UUID.
// The first call creates a NEW_RAW lead and records LEAD_CREATED; any
// later call with the same ID returns the existing record unchanged with
// duplicate=true, no matter how the payload differs.
func (s *Store) IngestLead(ctx context.Context, p storage.IngestLeadParams) (*types.Lead, bool, error) {
	if existing, err := s.GetLead(ctx, p.ExternalID); err == nil {
		return existing, true, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, false, err
	}

	source := p.Source
	if source == "" {
		source = "site"
	}
	var phone *string
	if p.ClientPhone != nil {
		normalized := types.NormalizePhone(*p.ClientPhone)
		if normalized != "" {
			phone = &normalized
		}
	}
	adSource := types.ParseAdSource(p.AdSource)
	meta, err := encodeStringMap(p.Meta)
	if err != nil {
		return nil, false, err
	}

	var lead *types.Lead
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		ts := now()
		createdAt := ts
		if p.CreatedAt != nil {
			createdAt = p.CreatedAt.UTC()
		}
		_, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO leads (id, source, client_name, client_phone, preferred_datetime,
				client_age_estimate, problem_text, special_note, ad_source, status, meta,
				created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`), p.ExternalID.String(), source, p.ClientName, phone, p.PreferredDatetime,
			p.ClientAgeEstimate, p.ProblemText, p.SpecialNote, adSource, types.LeadNewRaw, meta,
			createdAt, ts)
		if err != nil {
			return fmt.Errorf("failed to insert lead: %w", err)
		}
		leadID := p.ExternalID.String()
		if err := s.recordAuditEvent(ctx, tx, nil, types.ActionLeadCreated, types.EntityLead, &leadID, map[string]any{
			"source": source,
		}); err != nil {
			return err
		}
		lead, err = s.getLeadTx(ctx, tx, p.ExternalID)
		return err
	})
	if err != nil {
		// Lost a concurrent ingest race for the same UUID: the winner's
		// row is the canonical one.
		if isUniqueViolation(err) {
			existing, getErr := s.GetLead(ctx, p.ExternalID)
			if getErr != nil {
				return nil, false, getErr
			}
			return existing, true, nil
		}
		return nil, false, err
	}
	return lead, false, nil
}

// SetLeadStatus moves a lead between its non-final statuses. CONVERTED
// and SPAM are terminal; CONVERTED is only ever set by CreateTicket, so
// the converted-ticket link can never be missing. A nil actor is the
// system itself and skips the role gate.
func (s *Store) SetLeadStatus(ctx context.Context, id uuid.UUID, status types.LeadStatus, actorID *int64) (*types.Lead, error) {
	if !status.IsValid() {
		return nil, fmt.Errorf("unknown lead status %q: %w", status, storage.ErrValidation)
	}
	if status == types.LeadConverted {
		return nil, fmt.Errorf("leads convert only through ticket creation: %w", storage.ErrValidation)
	}
	if actorID != nil {
		actor, err := s.GetUser(ctx, *actorID)
		if err != nil {
			return nil, err
		}
		if !actor.IsActive || !isAdminTier(actor.Role) {
			leadID := id.String()
			if err := s.auditDenied(ctx, *actorID, "set_lead_status", types.EntityLead, &leadID); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("set_lead_status: %w", storage.ErrDenied)
		}
	}

	var lead *types.Lead
	var opErr error
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		cur, err := s.getLeadTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if cur.Status.IsFinal() {
			leadID := id.String()
			if err := s.recordAuditEvent(ctx, tx, actorID, types.ActionInvalidStateTransition, types.EntityLead, &leadID, map[string]any{
				"operation": "set_lead_status",
				"observed":  string(cur.Status),
				"required":  "non-final status",
			}); err != nil {
				return err
			}
			opErr = fmt.Errorf("lead %s is %s: %w", id, cur.Status, storage.ErrInvalidState)
			return nil
		}

		ts := now()
		res, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE leads SET status = ?, updated_at = ?
			WHERE id = ? AND status = ?
		`), status, ts, id.String(), cur.Status)
		if err != nil {
			return fmt.Errorf("failed to set lead status: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("lead %s changed concurrently: %w", id, storage.ErrConflict)
		}

		leadID := id.String()
		if err := s.recordAuditEvent(ctx, tx, actorID, types.ActionLeadStatusUpdated, types.EntityLead, &leadID, map[string]any{
			"before": string(cur.Status),
			"after":  string(status),
		}); err != nil {
			return err
		}
		lead, err = s.getLeadTx(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if opErr != nil {
		return nil, opErr
	}
	return lead, nil
}

// BuildTicketPrefill maps a lead's fields onto the ticket-create inputs.
// No side effects; the lead stays untouched until the create converts it.
func (s *Store) BuildTicketPrefill(lead *types.Lead) storage.TicketPrefill {
	p := storage.TicketPrefill{
		ClientName:        lead.ClientName,
		ClientAgeEstimate: lead.ClientAgeEstimate,
		ProblemText:       lead.ProblemText,
		SpecialNote:       lead.SpecialNote,
		AdSource:          lead.AdSource,
		ScheduledAt:       lead.PreferredDatetime,
	}
	if lead.ClientPhone != nil {
		p.ClientPhone = *lead.ClientPhone
	}
	return p
}
