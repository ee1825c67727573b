package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/fieldops/dispatch/internal/money"
	"github.com/fieldops/dispatch/internal/storage"
	"github.com/fieldops/dispatch/internal/types"
)

// CloseTicket closes an IN_PROGRESS ticket: computes and freezes the
// payout split, attaches photos, appends money-operation deltas and
// records TICKET_CLOSED plus TICKET_PAYOUTS_FIXED in one transaction.
//
// With AllowOverride, SUPER_ADMIN/SYS_ADMIN may re-close a CLOSED ticket;
// the ledger then receives the revenue/expense deltas against the
// previous close instead of fresh rows.
func (s *Store) CloseTicket(ctx context.Context, p storage.CloseTicketParams) (*types.Ticket, error) {
	if p.Revenue.IsNegative() || p.Expense.IsNegative() {
		return nil, fmt.Errorf("revenue and expense must be non-negative: %w", storage.ErrValidation)
	}
	if !p.Revenue.Equal(p.Revenue.Round(2)) || !p.Expense.Equal(p.Expense.Round(2)) {
		return nil, fmt.Errorf("amounts must have at most 2 decimal places: %w", storage.ErrValidation)
	}
	if len(p.Photos) > s.closePhotoLimit {
		return nil, fmt.Errorf("at most %d close photos allowed: %w", s.closePhotoLimit, storage.ErrExhausted)
	}
	if p.JuniorPercent != nil {
		if err := types.ValidatePercent(*p.JuniorPercent); err != nil {
			return nil, fmt.Errorf("%s: %w", err, storage.ErrValidation)
		}
	}

	actor, err := s.GetUser(ctx, p.ActorID)
	if err != nil {
		return nil, err
	}
	if !actor.IsActive || !(isExecutor(actor.Role) || canManageUsers(actor.Role)) {
		entityID := strconv.FormatInt(p.TicketID, 10)
		if err := s.auditDenied(ctx, p.ActorID, "close_ticket", types.EntityTicket, &entityID); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("close_ticket: %w", storage.ErrDenied)
	}
	override := p.AllowOverride && canManageUsers(actor.Role)

	// opErr carries a failure out of a committed transaction: up to the
	// point a denial or invalid transition is detected only the audit row
	// has been written, so the closure commits it and returns nil.
	var ticket *types.Ticket
	var opErr error
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		cur, err := s.getTicketTx(ctx, tx, p.TicketID)
		if err != nil {
			return err
		}
		if cur.AssignedExecutorID == nil {
			if err := s.auditInvalidTransition(ctx, tx, p.ActorID, p.TicketID, "close_ticket",
				"no executor", "assigned executor"); err != nil {
				return err
			}
			opErr = fmt.Errorf("ticket %d has no executor: %w", p.TicketID, storage.ErrInvalidState)
			return nil
		}
		isAssigned := *cur.AssignedExecutorID == p.ActorID
		if !isAssigned && !canManageUsers(actor.Role) {
			entityID := strconv.FormatInt(p.TicketID, 10)
			if err := s.recordAuditEvent(ctx, tx, &p.ActorID, types.ActionPermissionDenied, types.EntityTicket, &entityID, map[string]any{
				"operation": "close_ticket",
				"reason":    "not the assigned executor",
			}); err != nil {
				return err
			}
			opErr = fmt.Errorf("close_ticket: %w", storage.ErrDenied)
			return nil
		}

		executor, err := s.getUserTx(ctx, tx, *cur.AssignedExecutorID)
		if err != nil {
			return err
		}
		creator, err := s.getUserTx(ctx, tx, cur.CreatedByAdminID)
		if err != nil {
			return err
		}

		executorPercent := decimal.Zero
		if executor.MasterPercent != nil {
			executorPercent = *executor.MasterPercent
		}
		adminPercent := decimal.Zero
		if creator.AdminPercent != nil {
			adminPercent = *creator.AdminPercent
		}
		juniorPercent := decimal.Zero
		if p.JuniorMasterID != nil {
			if p.JuniorPercent != nil {
				juniorPercent = *p.JuniorPercent
			} else {
				link, err := s.activeLinkForJuniorTx(ctx, tx, *p.JuniorMasterID)
				if err != nil {
					return err
				}
				if link != nil {
					juniorPercent = link.Percent
				}
			}
		}

		payouts, err := money.CalculatePayouts(money.PayoutInput{
			Revenue:         p.Revenue,
			Expense:         p.Expense,
			ExecutorPercent: executorPercent,
			AdminPercent:    adminPercent,
			JuniorPercent:   juniorPercent,
		})
		if err != nil {
			if auditErr := s.auditInvalidTransition(ctx, tx, p.ActorID, p.TicketID, "close_ticket",
				"payouts_invalid", "valid payout split"); auditErr != nil {
				return auditErr
			}
			opErr = fmt.Errorf("close_ticket: %w: %w", err, storage.ErrInvalidState)
			return nil
		}

		prevRevenue := decimal.Zero
		if cur.Revenue != nil {
			prevRevenue = *cur.Revenue
		}
		prevExpense := decimal.Zero
		if cur.Expense != nil {
			prevExpense = *cur.Expense
		}

		comment := strings.TrimSpace(p.ClosedComment)
		var commentArg *string
		if comment != "" {
			commentArg = &comment
		}
		var juniorArgs struct {
			id      any
			percent any
			earned  any
		}
		if p.JuniorMasterID != nil {
			juniorArgs.id = *p.JuniorMasterID
			juniorArgs.percent = decimalArg(juniorPercent)
			juniorArgs.earned = decimalArg(payouts.JuniorEarned)
		}

		allowedStatuses := []any{types.StatusInProgress}
		if override {
			allowedStatuses = append(allowedStatuses, types.StatusClosed)
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(allowedStatuses)), ", ")

		ts := now()
		args := []any{
			types.StatusClosed, ts, p.ActorID, commentArg,
			decimalArg(p.Revenue), decimalArg(p.Expense), decimalArg(payouts.NetProfit),
			types.TransferNotSent,
			juniorArgs.id, juniorArgs.percent, juniorArgs.earned,
			decimalArg(executorPercent), decimalArg(adminPercent),
			decimalArg(payouts.ExecutorEarned), decimalArg(payouts.AdminEarned),
			decimalArg(payouts.ProjectTake), ts, p.TicketID,
		}
		args = append(args, allowedStatuses...)
		res, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE tickets SET
				status = ?, closed_at = ?, closed_by_user_id = ?, closed_comment = ?,
				revenue = ?, expense = ?, net_profit = ?,
				transfer_status = ?, transfer_sent_at = NULL,
				transfer_confirmed_at = NULL, transfer_confirmed_by = NULL,
				junior_master_id = ?, junior_master_percent_at_close = ?,
				junior_master_earned_amount = ?,
				executor_percent_at_close = ?, admin_percent_at_close = ?,
				executor_earned_amount = ?, admin_earned_amount = ?,
				project_take_amount = ?, updated_at = ?
			WHERE id = ? AND status IN (`+placeholders+`)
		`), args...)
		if err != nil {
			return fmt.Errorf("failed to close ticket: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			if err := s.auditInvalidTransition(ctx, tx, p.ActorID, p.TicketID, "close_ticket",
				string(cur.Status), string(types.StatusInProgress)); err != nil {
				return err
			}
			opErr = fmt.Errorf("ticket %d in %s: %w", p.TicketID, cur.Status, storage.ErrInvalidState)
			return nil
		}

		for _, photo := range p.Photos {
			if _, err := tx.ExecContext(ctx, s.rebind(`
				INSERT INTO ticket_close_photos (ticket_id, file_id, file_unique_id, created_at)
				VALUES (?, ?, ?, ?)
			`), p.TicketID, photo.FileID, photo.FileUniqueID, ts); err != nil {
				return fmt.Errorf("failed to insert close photo: %w", err)
			}
		}

		if err := s.appendMoneyOperations(ctx, tx, cur, p.Revenue.Sub(prevRevenue), p.Expense.Sub(prevExpense), commentArg); err != nil {
			return err
		}

		if err := s.recordTicketEvent(ctx, tx, p.TicketID, &p.ActorID, types.ActionTicketClosed, map[string]any{
			"before":     string(cur.Status),
			"after":      string(types.StatusClosed),
			"revenue":    p.Revenue.StringFixed(2),
			"expense":    p.Expense.StringFixed(2),
			"net_profit": payouts.NetProfit.StringFixed(2),
		}); err != nil {
			return err
		}
		if err := s.recordTicketEvent(ctx, tx, p.TicketID, &p.ActorID, types.ActionTicketPayoutsFixed, map[string]any{
			"executor_percent": executorPercent.StringFixed(2),
			"admin_percent":    adminPercent.StringFixed(2),
			"junior_percent":   juniorPercent.StringFixed(2),
			"executor_earned":  payouts.ExecutorEarned.StringFixed(2),
			"admin_earned":     payouts.AdminEarned.StringFixed(2),
			"junior_earned":    payouts.JuniorEarned.StringFixed(2),
			"project_take":     payouts.ProjectTake.StringFixed(2),
		}); err != nil {
			return err
		}

		ticket, err = s.getTicketTx(ctx, tx, p.TicketID)
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

// appendMoneyOperations writes the income/expense deltas of a close to
// the append-only ledger. Zero deltas produce no rows, so a re-close with
// unchanged amounts leaves the ledger alone. A negative delta lands as a
// row of the opposite type, keeping amounts non-negative while the sum
// of INCOME minus EXPENSE still matches revenue minus expense.
func (s *Store) appendMoneyOperations(ctx context.Context, tx *sql.Tx, before *types.Ticket, incomeDelta, expenseDelta decimal.Decimal, comment *string) error {
	ts := now()
	insert := func(opType types.TransactionType, amount decimal.Decimal) error {
		_, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO ticket_money_operations (ticket_id, op_type, amount, category_snapshot, comment, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`), before.ID, opType, decimalArg(amount), string(before.Category), comment, ts)
		if err != nil {
			return fmt.Errorf("failed to append %s money operation: %w", opType, err)
		}
		return nil
	}

	if d := money.Round(incomeDelta); !d.IsZero() {
		opType := types.TxIncome
		if d.IsNegative() {
			opType = types.TxExpense
		}
		if err := insert(opType, d.Abs()); err != nil {
			return err
		}
	}
	if d := money.Round(expenseDelta); !d.IsZero() {
		opType := types.TxExpense
		if d.IsNegative() {
			opType = types.TxIncome
		}
		if err := insert(opType, d.Abs()); err != nil {
			return err
		}
	}
	return nil
}

// MarkTransferSent moves a closed ticket's transfer sub-state from
// NOT_SENT to SENT. Only the assigned executor may report the hand-over.
func (s *Store) MarkTransferSent(ctx context.Context, ticketID, actorID int64) (*types.Ticket, error) {
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
		isAssigned := cur.AssignedExecutorID != nil && *cur.AssignedExecutorID == actorID
		if !actor.IsActive || !isAssigned {
			entityID := strconv.FormatInt(ticketID, 10)
			if err := s.recordAuditEvent(ctx, tx, &actorID, types.ActionPermissionDenied, types.EntityTicket, &entityID, map[string]any{
				"operation": "mark_transfer_sent",
				"reason":    "not the assigned executor",
			}); err != nil {
				return err
			}
			opErr = fmt.Errorf("mark_transfer_sent: %w", storage.ErrDenied)
			return nil
		}

		ts := now()
		res, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE tickets SET transfer_status = ?, transfer_sent_at = ?, updated_at = ?
			WHERE id = ? AND status = ? AND transfer_status = ?
		`), types.TransferSent, ts, ts, ticketID, types.StatusClosed, types.TransferNotSent)
		if err != nil {
			return fmt.Errorf("failed to mark transfer sent: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			observed := "none"
			if cur.TransferStatus != nil {
				observed = string(*cur.TransferStatus)
			}
			if err := s.auditInvalidTransition(ctx, tx, actorID, ticketID, "mark_transfer_sent",
				observed, string(types.TransferNotSent)); err != nil {
				return err
			}
			opErr = fmt.Errorf("ticket %d transfer in %s: %w", ticketID, observed, storage.ErrInvalidState)
			return nil
		}

		if err := s.recordTicketEvent(ctx, tx, ticketID, &actorID, types.ActionTransferSent, map[string]any{
			"before": string(types.TransferNotSent),
			"after":  string(types.TransferSent),
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

// ConfirmTransfer settles a SENT transfer as CONFIRMED or REJECTED.
// Requires SYS_ADMIN or above.
func (s *Store) ConfirmTransfer(ctx context.Context, ticketID, actorID int64, approved bool) (*types.Ticket, error) {
	actor, err := s.GetUser(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if !actor.IsActive || !canManageUsers(actor.Role) {
		entityID := strconv.FormatInt(ticketID, 10)
		if err := s.auditDenied(ctx, actorID, "confirm_transfer", types.EntityTicket, &entityID); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("confirm_transfer: %w", storage.ErrDenied)
	}

	target := types.TransferConfirmed
	action := types.ActionTransferConfirmed
	if !approved {
		target = types.TransferRejected
		action = types.ActionTransferRejected
	}

	var ticket *types.Ticket
	var opErr error
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		ts := now()
		res, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE tickets SET transfer_status = ?, transfer_confirmed_at = ?, transfer_confirmed_by = ?, updated_at = ?
			WHERE id = ? AND transfer_status = ?
		`), target, ts, actorID, ts, ticketID, types.TransferSent)
		if err != nil {
			return fmt.Errorf("failed to confirm transfer: %w", err)
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
			observed := "none"
			if cur.TransferStatus != nil {
				observed = string(*cur.TransferStatus)
			}
			if err := s.auditInvalidTransition(ctx, tx, actorID, ticketID, "confirm_transfer",
				observed, string(types.TransferSent)); err != nil {
				return err
			}
			opErr = fmt.Errorf("ticket %d transfer in %s: %w", ticketID, observed, storage.ErrInvalidState)
			return nil
		}

		if err := s.recordTicketEvent(ctx, tx, ticketID, &actorID, action, map[string]any{
			"before": string(types.TransferSent),
			"after":  string(target),
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

// ClosePhotos returns a ticket's close photos in insertion order.
func (s *Store) ClosePhotos(ctx context.Context, ticketID int64) ([]*types.ClosePhoto, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, ticket_id, file_id, file_unique_id, created_at
		FROM ticket_close_photos WHERE ticket_id = ? ORDER BY id
	`), ticketID)
	if err != nil {
		return nil, fmt.Errorf("failed to list close photos: %w", err)
	}
	defer rows.Close()

	var photos []*types.ClosePhoto
	for rows.Next() {
		var (
			p        types.ClosePhoto
			uniqueID sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.TicketID, &p.FileID, &uniqueID, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan close photo: %w", err)
		}
		p.FileUniqueID = strOrNil(uniqueID)
		p.CreatedAt = p.CreatedAt.UTC()
		photos = append(photos, &p)
	}
	return photos, rows.Err()
}

// TicketMoneyOperations returns a ticket's ledger rows in insertion order.
func (s *Store) TicketMoneyOperations(ctx context.Context, ticketID int64) ([]*types.MoneyOperation, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, ticket_id, op_type, amount, category_snapshot, comment, created_at
		FROM ticket_money_operations WHERE ticket_id = ? ORDER BY id
	`), ticketID)
	if err != nil {
		return nil, fmt.Errorf("failed to list money operations: %w", err)
	}
	defer rows.Close()
	return scanMoneyOperations(rows)
}

func scanMoneyOperations(rows *sql.Rows) ([]*types.MoneyOperation, error) {
	var ops []*types.MoneyOperation
	for rows.Next() {
		var (
			op      types.MoneyOperation
			amount  sql.NullString
			comment sql.NullString
		)
		if err := rows.Scan(&op.ID, &op.TicketID, &op.OpType, &amount, &op.CategorySnapshot, &comment, &op.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan money operation: %w", err)
		}
		var err error
		if op.Amount, err = decimalOrZero(amount); err != nil {
			return nil, err
		}
		op.Comment = strOrNil(comment)
		op.CreatedAt = op.CreatedAt.UTC()
		ops = append(ops, &op)
	}
	return ops, rows.Err()
}
