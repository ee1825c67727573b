package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/fieldops/dispatch/internal/storage"
	"github.com/fieldops/dispatch/internal/types"
)

const ticketColumns = `id, public_id, status, category, scheduled_at, preferred_date_dm,
	client_name, client_age_estimate, client_phone, client_address, address_details,
	problem_text, special_note, ad_source, is_repeat, repeat_ticket_ids,
	created_by_admin_id, assigned_executor_id, taken_at, closed_at, closed_by_user_id,
	closed_comment, revenue, expense, net_profit, transfer_status, transfer_sent_at,
	transfer_confirmed_at, transfer_confirmed_by, junior_master_id,
	junior_master_percent_at_close, junior_master_earned_amount,
	executor_percent_at_close, admin_percent_at_close, executor_earned_amount,
	admin_earned_amount, project_take_amount, created_at, updated_at`

func scanTicket(row interface{ Scan(...any) error }) (*types.Ticket, error) {
	var (
		t types.Ticket

		scheduledAt    sql.NullTime
		preferredDM    sql.NullString
		clientName     sql.NullString
		clientAge      sql.NullInt64
		clientAddress  sql.NullString
		addressDetails sql.NullString
		specialNote    sql.NullString
		repeatIDs      sql.NullString

		assignedExecutor sql.NullInt64
		takenAt          sql.NullTime
		closedAt         sql.NullTime
		closedBy         sql.NullInt64
		closedComment    sql.NullString

		revenue   sql.NullString
		expense   sql.NullString
		netProfit sql.NullString

		transferStatus      sql.NullString
		transferSentAt      sql.NullTime
		transferConfirmedAt sql.NullTime
		transferConfirmedBy sql.NullInt64

		juniorID      sql.NullInt64
		juniorPercent sql.NullString
		juniorEarned  sql.NullString
		execPercent   sql.NullString
		adminPercent  sql.NullString
		execEarned    sql.NullString
		adminEarned   sql.NullString
		projectTake   sql.NullString
	)

	err := row.Scan(&t.ID, &t.PublicID, &t.Status, &t.Category, &scheduledAt, &preferredDM,
		&clientName, &clientAge, &t.ClientPhone, &clientAddress, &addressDetails,
		&t.ProblemText, &specialNote, &t.AdSource, &t.IsRepeat, &repeatIDs,
		&t.CreatedByAdminID, &assignedExecutor, &takenAt, &closedAt, &closedBy,
		&closedComment, &revenue, &expense, &netProfit, &transferStatus, &transferSentAt,
		&transferConfirmedAt, &transferConfirmedBy, &juniorID,
		&juniorPercent, &juniorEarned,
		&execPercent, &adminPercent, &execEarned,
		&adminEarned, &projectTake, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}

	t.ScheduledAt = timeOrNil(scheduledAt)
	t.PreferredDateDM = strOrNil(preferredDM)
	t.ClientName = strOrNil(clientName)
	t.ClientAgeEstimate = int64OrNil(clientAge)
	t.ClientAddress = strOrNil(clientAddress)
	t.AddressDetails = strOrNil(addressDetails)
	t.SpecialNote = strOrNil(specialNote)
	t.RepeatTicketIDs = decodeIDList(repeatIDs)
	t.AssignedExecutorID = int64OrNil(assignedExecutor)
	t.TakenAt = timeOrNil(takenAt)
	t.ClosedAt = timeOrNil(closedAt)
	t.ClosedByID = int64OrNil(closedBy)
	t.ClosedComment = strOrNil(closedComment)
	if transferStatus.Valid {
		ts := types.TransferStatus(transferStatus.String)
		t.TransferStatus = &ts
	}
	t.TransferSentAt = timeOrNil(transferSentAt)
	t.TransferConfirmedAt = timeOrNil(transferConfirmedAt)
	t.TransferConfirmedBy = int64OrNil(transferConfirmedBy)
	t.JuniorMasterID = int64OrNil(juniorID)

	if t.Revenue, err = decimalOrNil(revenue); err != nil {
		return nil, err
	}
	if t.Expense, err = decimalOrNil(expense); err != nil {
		return nil, err
	}
	if t.NetProfit, err = decimalOrNil(netProfit); err != nil {
		return nil, err
	}
	if t.JuniorPercentAtClose, err = decimalOrNil(juniorPercent); err != nil {
		return nil, err
	}
	if t.JuniorEarnedAmount, err = decimalOrNil(juniorEarned); err != nil {
		return nil, err
	}
	if t.ExecutorPercentAtClose, err = decimalOrNil(execPercent); err != nil {
		return nil, err
	}
	if t.AdminPercentAtClose, err = decimalOrNil(adminPercent); err != nil {
		return nil, err
	}
	if t.ExecutorEarnedAmount, err = decimalOrNil(execEarned); err != nil {
		return nil, err
	}
	if t.AdminEarnedAmount, err = decimalOrNil(adminEarned); err != nil {
		return nil, err
	}
	if t.ProjectTakeAmount, err = decimalOrNil(projectTake); err != nil {
		return nil, err
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return &t, nil
}

func (s *Store) getTicketTx(ctx context.Context, tx *sql.Tx, id int64) (*types.Ticket, error) {
	row := tx.QueryRowContext(ctx, s.rebind(
		"SELECT "+ticketColumns+" FROM tickets WHERE id = ?"), id)
	t, err := scanTicket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ticket %d: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load ticket %d: %w", id, err)
	}
	return t, nil
}

// nextDailySequence atomically bumps the per-day counter and returns the
// new value. One statement on both backends, so concurrent creates never
// observe the same sequence.
func (s *Store) nextDailySequence(ctx context.Context, tx *sql.Tx, day string) (int, error) {
	var seq int
	err := tx.QueryRowContext(ctx, s.rebind(`
		INSERT INTO daily_counters (counter_date, counter) VALUES (?, 1)
		ON CONFLICT (counter_date) DO UPDATE SET counter = daily_counters.counter + 1
		RETURNING counter
	`), day).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to advance daily counter: %w", err)
	}
	if seq > types.MaxDailySequence {
		return 0, fmt.Errorf("daily ticket limit of %d reached: %w", types.MaxDailySequence, storage.ErrExhausted)
	}
	return seq, nil
}

// CreateTicket validates and inserts a new ticket in READY_FOR_WORK,
// issuing its public ID from the daily counter. When p.LeadID is set the
// source lead flips to CONVERTED in the same transaction; a lead already
// converted or marked spam fails the whole create.
func (s *Store) CreateTicket(ctx context.Context, p storage.CreateTicketParams) (*types.Ticket, error) {
	phone := types.NormalizePhone(p.ClientPhone)
	if !types.IsValidPhone(phone) {
		return nil, fmt.Errorf("invalid phone %q: %w", p.ClientPhone, storage.ErrValidation)
	}
	if strings.TrimSpace(p.ProblemText) == "" {
		return nil, fmt.Errorf("problem text is required: %w", storage.ErrValidation)
	}
	category := types.ParseTicketCategory(p.Category)
	adSource := types.ParseAdSource(p.AdSource)

	actor, err := s.GetUser(ctx, p.ActorID)
	if err != nil {
		return nil, err
	}
	if !actor.IsActive || !canCreateTickets(actor.Role) {
		if err := s.auditDenied(ctx, p.ActorID, "create_ticket", types.EntityTicket, nil); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("create_ticket: %w", storage.ErrDenied)
	}

	// opErr commits the audit row for a dead lead while the create fails;
	// the check runs before any ticket row or counter write.
	var ticket *types.Ticket
	var opErr error
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		ts := now()
		phoneDigits := types.PhoneDigits(phone)

		if p.LeadID != nil {
			lead, err := s.getLeadTx(ctx, tx, *p.LeadID)
			if err != nil {
				return err
			}
			if lead.Status.IsFinal() {
				leadID := p.LeadID.String()
				if err := s.recordAuditEvent(ctx, tx, &p.ActorID, types.ActionInvalidStateTransition, types.EntityLead, &leadID, map[string]any{
					"operation": "create_ticket",
					"observed":  string(lead.Status),
					"required":  "convertible lead",
				}); err != nil {
					return err
				}
				opErr = fmt.Errorf("lead %s is %s: %w", p.LeadID, lead.Status, storage.ErrInvalidState)
				return nil
			}
		}

		// Repeat detection against earlier tickets for the same phone.
		var priorIDs []int64
		rows, err := tx.QueryContext(ctx, s.rebind(
			"SELECT id FROM tickets WHERE client_phone_digits = ? ORDER BY id"), phoneDigits)
		if err != nil {
			return fmt.Errorf("failed to check repeats: %w", err)
		}
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan repeat id: %w", err)
			}
			priorIDs = append(priorIDs, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		seq, err := s.nextDailySequence(ctx, tx, ts.Format("2006-01-02"))
		if err != nil {
			return err
		}
		publicID := types.PublicIDFor(ts, seq)

		var ticketID int64
		err = tx.QueryRowContext(ctx, s.rebind(`
			INSERT INTO tickets (public_id, status, category, scheduled_at, preferred_date_dm,
				client_name, client_age_estimate, client_phone, client_phone_digits,
				client_address, address_details, problem_text, special_note, ad_source,
				is_repeat, repeat_ticket_ids, created_by_admin_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			RETURNING id
		`), publicID, types.StatusReadyForWork, category, p.ScheduledAt, p.PreferredDateDM,
			p.ClientName, p.ClientAgeEstimate, phone, phoneDigits,
			p.ClientAddress, p.AddressDetails, strings.TrimSpace(p.ProblemText), p.SpecialNote, adSource,
			len(priorIDs) > 0, encodeIDList(priorIDs), p.ActorID, ts, ts).Scan(&ticketID)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("public id %s: %w", publicID, storage.ErrConflict)
			}
			return fmt.Errorf("failed to insert ticket: %w", err)
		}

		payload := map[string]any{
			"public_id": publicID,
			"category":  string(category),
			"ad_source": string(adSource),
		}
		if len(priorIDs) > 0 {
			payload["is_repeat"] = true
		}
		if err := s.recordTicketEvent(ctx, tx, ticketID, &p.ActorID, types.ActionTicketCreated, payload); err != nil {
			return err
		}

		if p.LeadID != nil {
			res, err := tx.ExecContext(ctx, s.rebind(`
				UPDATE leads SET status = ?, converted_ticket_id = ?, updated_at = ?
				WHERE id = ? AND status NOT IN (?, ?)
			`), types.LeadConverted, ticketID, ts, p.LeadID.String(), types.LeadConverted, types.LeadSpam)
			if err != nil {
				return fmt.Errorf("failed to convert lead: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 0 {
				return fmt.Errorf("lead %s already final or missing: %w", p.LeadID, storage.ErrInvalidState)
			}
			leadID := p.LeadID.String()
			if err := s.recordAuditEvent(ctx, tx, &p.ActorID, types.ActionLeadConverted, types.EntityLead, &leadID, map[string]any{
				"ticket_id": ticketID,
				"public_id": publicID,
			}); err != nil {
				return err
			}
		}

		ticket, err = s.getTicketTx(ctx, tx, ticketID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if opErr != nil {
		return nil, opErr
	}
	return ticket, nil
}

// TakeTicket assigns a free ticket to the calling executor. The first
// concurrent caller wins via the conditional update; later callers get
// ErrAlreadyTaken without an audit row, since losing the race is the
// expected outcome, not a fault.
func (s *Store) TakeTicket(ctx context.Context, ticketID, actorID int64) (*types.Ticket, error) {
	actor, err := s.GetUser(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if !actor.IsActive || !(isExecutor(actor.Role) || canManageUsers(actor.Role)) {
		entityID := strconv.FormatInt(ticketID, 10)
		if err := s.auditDenied(ctx, actorID, "take_ticket", types.EntityTicket, &entityID); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("take_ticket: %w", storage.ErrDenied)
	}

	// opErr carries a failure out of a committed transaction: when a
	// transition is invalid, nothing but the audit row has been written,
	// so the closure commits that row and returns nil.
	var ticket *types.Ticket
	var opErr error
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		ts := now()
		res, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE tickets
			SET status = ?, assigned_executor_id = ?, taken_at = ?, updated_at = ?
			WHERE id = ? AND status = ? AND assigned_executor_id IS NULL
		`), types.StatusInWork, actorID, ts, ts, ticketID, types.StatusReadyForWork)
		if err != nil {
			return fmt.Errorf("failed to take ticket: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			cur, err := s.getTicketTx(ctx, tx, ticketID)
			if err != nil {
				return err
			}
			if cur.AssignedExecutorID != nil {
				return fmt.Errorf("ticket %d: %w", ticketID, storage.ErrAlreadyTaken)
			}
			if err := s.auditInvalidTransition(ctx, tx, actorID, ticketID, "take_ticket",
				string(cur.Status), string(types.StatusReadyForWork)); err != nil {
				return err
			}
			opErr = fmt.Errorf("ticket %d in %s: %w", ticketID, cur.Status, storage.ErrInvalidState)
			return nil
		}

		if err := s.recordTicketEvent(ctx, tx, ticketID, &actorID, types.ActionTicketTaken, map[string]any{
			"before":      string(types.StatusReadyForWork),
			"after":       string(types.StatusInWork),
			"executor_id": actorID,
		}); err != nil {
			return err
		}
		ticket, err = s.getTicketTx(ctx, tx, ticketID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if opErr != nil {
		return nil, opErr
	}
	return ticket, nil
}

// SetInProgress moves a taken or waiting ticket to IN_PROGRESS. Only the
// assigned executor (or SUPER_ADMIN/SYS_ADMIN) may advance it.
func (s *Store) SetInProgress(ctx context.Context, ticketID, actorID int64) (*types.Ticket, error) {
	actor, err := s.GetUser(ctx, actorID)
	if err != nil {
		return nil, err
	}

	var ticket *types.Ticket
	var opErr error
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		cur, err := s.getTicketTx(ctx, tx, ticketID)
		if err != nil {
			return err
		}
		assigned := cur.AssignedExecutorID != nil && *cur.AssignedExecutorID == actorID
		if !actor.IsActive || (!assigned && !canManageUsers(actor.Role)) {
			entityID := strconv.FormatInt(ticketID, 10)
			if err := s.recordAuditEvent(ctx, tx, &actorID, types.ActionPermissionDenied, types.EntityTicket, &entityID, map[string]any{
				"operation": "set_in_progress",
			}); err != nil {
				return err
			}
			opErr = fmt.Errorf("set_in_progress: %w", storage.ErrDenied)
			return nil
		}

		ts := now()
		res, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE tickets SET status = ?, updated_at = ?
			WHERE id = ? AND status IN (?, ?, ?)
		`), types.StatusInProgress, ts, ticketID, types.StatusInWork, types.StatusTaken, types.StatusWaiting)
		if err != nil {
			return fmt.Errorf("failed to set in progress: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			if err := s.auditInvalidTransition(ctx, tx, actorID, ticketID, "set_in_progress",
				string(cur.Status), string(types.StatusInWork)); err != nil {
				return err
			}
			opErr = fmt.Errorf("ticket %d in %s: %w", ticketID, cur.Status, storage.ErrInvalidState)
			return nil
		}

		if err := s.recordTicketEvent(ctx, tx, ticketID, &actorID, types.ActionTicketStatusUpdate, map[string]any{
			"before": string(cur.Status),
			"after":  string(types.StatusInProgress),
		}); err != nil {
			return err
		}
		ticket, err = s.getTicketTx(ctx, tx, ticketID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if opErr != nil {
		return nil, opErr
	}
	return ticket, nil
}

// CancelTicket cancels a ticket from any status. Cancelling an already
// cancelled ticket is a no-op returning the current row, so retries stay
// idempotent and record no second event.
func (s *Store) CancelTicket(ctx context.Context, ticketID, actorID int64) (*types.Ticket, error) {
	actor, err := s.GetUser(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if !actor.IsActive || !canCreateTickets(actor.Role) {
		entityID := strconv.FormatInt(ticketID, 10)
		if err := s.auditDenied(ctx, actorID, "cancel_ticket", types.EntityTicket, &entityID); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("cancel_ticket: %w", storage.ErrDenied)
	}

	var ticket *types.Ticket
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		cur, err := s.getTicketTx(ctx, tx, ticketID)
		if err != nil {
			return err
		}
		if cur.Status == types.StatusCancelled {
			ticket = cur
			return nil
		}

		ts := now()
		res, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE tickets SET status = ?, updated_at = ?
			WHERE id = ? AND status <> ?
		`), types.StatusCancelled, ts, ticketID, types.StatusCancelled)
		if err != nil {
			return fmt.Errorf("failed to cancel ticket: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			ticket = cur
			return nil
		}

		if err := s.recordTicketEvent(ctx, tx, ticketID, &actorID, types.ActionTicketCancelled, map[string]any{
			"before": string(cur.Status),
			"after":  string(types.StatusCancelled),
		}); err != nil {
			return err
		}
		ticket, err = s.getTicketTx(ctx, tx, ticketID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ticket, nil
}
