package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fieldops/dispatch/internal/money"
	"github.com/fieldops/dispatch/internal/storage"
	"github.com/fieldops/dispatch/internal/types"
)

// rangeClause renders a DateRange onto a timestamp column. The returned
// fragment starts with AND so it composes onto any WHERE.
func rangeClause(column string, rng storage.DateRange) (string, []any) {
	var clause strings.Builder
	var args []any
	if rng.Start != nil {
		clause.WriteString(" AND " + column + " >= ?")
		args = append(args, *rng.Start)
	}
	if rng.End != nil {
		clause.WriteString(" AND " + column + " <= ?")
		args = append(args, *rng.End)
	}
	return clause.String(), args
}

// sumColumn sums a single NUMERIC column in Go. The decimal arithmetic
// stays exact regardless of how the backend stores the values.
func (s *Store) sumColumn(ctx context.Context, query string, args ...any) (decimal.Decimal, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to query sum: %w", err)
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var v sql.NullString
		if err := rows.Scan(&v); err != nil {
			return decimal.Zero, fmt.Errorf("failed to scan sum row: %w", err)
		}
		d, err := decimalOrZero(v)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(d)
	}
	return money.Round(total), rows.Err()
}

// MasterMoney aggregates one master's earnings over a period: their cut
// as executor, their cut as creator, and their cash share of the whole
// project's net profit. NetProfit/Confirmed/Pending track the cash the
// master owes the project through the transfer sub-state machine.
func (s *Store) MasterMoney(ctx context.Context, masterID int64, rng storage.DateRange) (*storage.MasterMoney, error) {
	clause, rngArgs := rangeClause("closed_at", rng)

	args := append([]any{types.StatusClosed, masterID}, rngArgs...)
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT executor_earned_amount, net_profit, transfer_status FROM tickets
		WHERE status = ? AND assigned_executor_id = ?`+clause), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query master money: %w", err)
	}
	defer rows.Close()

	earnedExecutor := decimal.Zero
	netProfit := decimal.Zero
	confirmed := decimal.Zero
	for rows.Next() {
		var (
			earned   sql.NullString
			profit   sql.NullString
			transfer sql.NullString
		)
		if err := rows.Scan(&earned, &profit, &transfer); err != nil {
			return nil, fmt.Errorf("failed to scan master money row: %w", err)
		}
		e, err := decimalOrZero(earned)
		if err != nil {
			return nil, err
		}
		p, err := decimalOrZero(profit)
		if err != nil {
			return nil, err
		}
		earnedExecutor = earnedExecutor.Add(e)
		netProfit = netProfit.Add(p)
		if transfer.Valid && types.TransferStatus(transfer.String) == types.TransferConfirmed {
			confirmed = confirmed.Add(p)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	earnedAdmin, err := s.sumColumn(ctx, `
		SELECT admin_earned_amount FROM tickets
		WHERE status = ? AND created_by_admin_id = ?`+clause,
		append([]any{types.StatusClosed, masterID}, rngArgs...)...)
	if err != nil {
		return nil, err
	}

	cashShare := decimal.Zero
	var sharePercent sql.NullString
	err = s.db.QueryRowContext(ctx, s.rebind(
		"SELECT percent FROM project_shares WHERE user_id = ? AND is_active"), masterID).Scan(&sharePercent)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to load project share: %w", err)
	}
	if err == nil {
		percent, err := decimalOrZero(sharePercent)
		if err != nil {
			return nil, err
		}
		if percent.IsPositive() {
			totalNetCash, err := s.sumColumn(ctx,
				"SELECT net_profit FROM tickets WHERE status = ?"+clause,
				append([]any{types.StatusClosed}, rngArgs...)...)
			if err != nil {
				return nil, err
			}
			cashShare = money.Round(totalNetCash.Mul(percent).Div(decimal.NewFromInt(100)))
		}
	}

	pending := money.Round(netProfit.Sub(confirmed))
	if pending.IsNegative() {
		pending = decimal.Zero
	}
	return &storage.MasterMoney{
		Earned:          money.Round(earnedExecutor.Add(earnedAdmin).Add(cashShare)),
		NetProfit:       money.Round(netProfit),
		Confirmed:       money.Round(confirmed),
		Pending:         pending,
		CashShareAmount: cashShare,
	}, nil
}

// AdminSalary sums the creator cut of closed tickets over a period.
func (s *Store) AdminSalary(ctx context.Context, adminID int64, rng storage.DateRange) (decimal.Decimal, error) {
	clause, rngArgs := rangeClause("closed_at", rng)
	return s.sumColumn(ctx, `
		SELECT admin_earned_amount FROM tickets
		WHERE status = ? AND created_by_admin_id = ?`+clause,
		append([]any{types.StatusClosed, adminID}, rngArgs...)...)
}

// JuniorSalary sums the junior cut of closed tickets over a period.
func (s *Store) JuniorSalary(ctx context.Context, juniorID int64, rng storage.DateRange) (decimal.Decimal, error) {
	clause, rngArgs := rangeClause("closed_at", rng)
	return s.sumColumn(ctx, `
		SELECT junior_master_earned_amount FROM tickets
		WHERE status = ? AND junior_master_id = ?`+clause,
		append([]any{types.StatusClosed, juniorID}, rngArgs...)...)
}

// ProjectSummaryFor aggregates closed tickets and manual transactions over
// a period. The should/received pairs differ only by the
// confirmed-transfer filter.
func (s *Store) ProjectSummaryFor(ctx context.Context, rng storage.DateRange) (*storage.ProjectSummary, error) {
	clause, rngArgs := rangeClause("closed_at", rng)
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT net_profit, executor_earned_amount, admin_earned_amount,
			junior_master_earned_amount, project_take_amount, transfer_status, is_repeat
		FROM tickets WHERE status = ?`+clause),
		append([]any{types.StatusClosed}, rngArgs...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query project summary: %w", err)
	}
	defer rows.Close()

	sum := &storage.ProjectSummary{}
	for rows.Next() {
		var (
			profit       sql.NullString
			execEarned   sql.NullString
			adminEarned  sql.NullString
			juniorEarned sql.NullString
			projectTake  sql.NullString
			transfer     sql.NullString
			isRepeat     bool
		)
		if err := rows.Scan(&profit, &execEarned, &adminEarned, &juniorEarned, &projectTake, &transfer, &isRepeat); err != nil {
			return nil, fmt.Errorf("failed to scan project summary row: %w", err)
		}
		p, err := decimalOrZero(profit)
		if err != nil {
			return nil, err
		}
		e, err := decimalOrZero(execEarned)
		if err != nil {
			return nil, err
		}
		a, err := decimalOrZero(adminEarned)
		if err != nil {
			return nil, err
		}
		j, err := decimalOrZero(juniorEarned)
		if err != nil {
			return nil, err
		}
		t, err := decimalOrZero(projectTake)
		if err != nil {
			return nil, err
		}

		sum.TicketsNetProfitShould = sum.TicketsNetProfitShould.Add(p)
		sum.EarnedExecutor = sum.EarnedExecutor.Add(e)
		sum.EarnedAdmin = sum.EarnedAdmin.Add(a)
		sum.EarnedJunior = sum.EarnedJunior.Add(j)
		sum.ProjectTakeSum = sum.ProjectTakeSum.Add(t)
		sum.ClosedCount++
		if transfer.Valid && types.TransferStatus(transfer.String) == types.TransferConfirmed {
			sum.TicketsNetProfitReceived = sum.TicketsNetProfitReceived.Add(p)
			sum.ConfirmedCount++
		}
		if isRepeat {
			sum.RepeatsCount++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	txClause, txArgs := rangeClause("occurred_at", rng)
	sum.ManualIncomeSum, err = s.sumColumn(ctx,
		"SELECT amount FROM project_transactions WHERE type = ?"+txClause,
		append([]any{types.TxIncome}, txArgs...)...)
	if err != nil {
		return nil, err
	}
	sum.ManualExpenseSum, err = s.sumColumn(ctx,
		"SELECT amount FROM project_transactions WHERE type = ?"+txClause,
		append([]any{types.TxExpense}, txArgs...)...)
	if err != nil {
		return nil, err
	}

	sum.ProjectNetCashShould = money.Round(
		sum.TicketsNetProfitShould.Add(sum.ManualIncomeSum).Sub(sum.ManualExpenseSum))
	sum.ProjectNetCashReceived = money.Round(
		sum.TicketsNetProfitReceived.Add(sum.ManualIncomeSum).Sub(sum.ManualExpenseSum))
	return sum, nil
}

// ListTicketsForExport returns closed tickets of a period in ID order.
func (s *Store) ListTicketsForExport(ctx context.Context, rng storage.DateRange) ([]*types.Ticket, error) {
	clause, rngArgs := rangeClause("closed_at", rng)
	return s.queryTickets(ctx,
		"SELECT "+ticketColumns+" FROM tickets WHERE status = ?"+clause+" ORDER BY id",
		append([]any{types.StatusClosed}, rngArgs...)...)
}

// ListManualTransactions returns manual income/expense rows of a period
// in ID order.
func (s *Store) ListManualTransactions(ctx context.Context, rng storage.DateRange) ([]*types.ProjectTransaction, error) {
	clause, rngArgs := rangeClause("occurred_at", rng)
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, type, amount, category, comment, occurred_at, created_by, created_at, updated_at
		FROM project_transactions WHERE 1=1`+clause+` ORDER BY id`), rngArgs...)
	if err != nil {
		return nil, fmt.Errorf("failed to list manual transactions: %w", err)
	}
	defer rows.Close()

	var txs []*types.ProjectTransaction
	for rows.Next() {
		var (
			t       types.ProjectTransaction
			amount  sql.NullString
			comment sql.NullString
		)
		if err := rows.Scan(&t.ID, &t.Type, &amount, &t.Category, &comment,
			&t.OccurredAt, &t.CreatedBy, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan manual transaction: %w", err)
		}
		if t.Amount, err = decimalOrZero(amount); err != nil {
			return nil, err
		}
		t.Comment = strOrNil(comment)
		t.OccurredAt = t.OccurredAt.UTC()
		t.CreatedAt = t.CreatedAt.UTC()
		t.UpdatedAt = t.UpdatedAt.UTC()
		txs = append(txs, &t)
	}
	return txs, rows.Err()
}

// ListMoneyOperations returns ledger rows of a period in commit order,
// the input of the finance export.
func (s *Store) ListMoneyOperations(ctx context.Context, rng storage.DateRange) ([]*types.MoneyOperation, error) {
	clause, rngArgs := rangeClause("created_at", rng)
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, ticket_id, op_type, amount, category_snapshot, comment, created_at
		FROM ticket_money_operations WHERE 1=1`+clause+` ORDER BY created_at, id`), rngArgs...)
	if err != nil {
		return nil, fmt.Errorf("failed to list money operations: %w", err)
	}
	defer rows.Close()
	return scanMoneyOperations(rows)
}

// AddProjectTransaction records a manual income or expense not tied to a
// ticket. Requires SYS_ADMIN or above.
func (s *Store) AddProjectTransaction(ctx context.Context, txType types.TransactionType, amount decimal.Decimal, category string, comment *string, occurredAt time.Time, actorID int64) (*types.ProjectTransaction, error) {
	if !txType.IsValid() {
		return nil, fmt.Errorf("unknown transaction type %q: %w", txType, storage.ErrValidation)
	}
	if amount.IsNegative() || !amount.Equal(amount.Round(2)) {
		return nil, fmt.Errorf("amount must be non-negative with at most 2 decimal places: %w", storage.ErrValidation)
	}
	if strings.TrimSpace(category) == "" {
		return nil, fmt.Errorf("category is required: %w", storage.ErrValidation)
	}
	actor, err := s.GetUser(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if !actor.IsActive || !canManageUsers(actor.Role) {
		if err := s.auditDenied(ctx, actorID, "add_project_transaction", types.EntityProjectTransaction, nil); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("add_project_transaction: %w", storage.ErrDenied)
	}

	var result *types.ProjectTransaction
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		ts := now()
		var id int64
		err := tx.QueryRowContext(ctx, s.rebind(`
			INSERT INTO project_transactions (type, amount, category, comment, occurred_at, created_by, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			RETURNING id
		`), txType, decimalArg(amount), category, comment, occurredAt.UTC(), actorID, ts, ts).Scan(&id)
		if err != nil {
			return fmt.Errorf("failed to insert project transaction: %w", err)
		}
		entityID := strconv.FormatInt(id, 10)
		if err := s.recordAuditEvent(ctx, tx, &actorID, types.ActionProjectTxAdded, types.EntityProjectTransaction, &entityID, map[string]any{
			"type":        string(txType),
			"amount":      amount.StringFixed(2),
			"category":    category,
			"occurred_at": occurredAt.UTC().Format(time.RFC3339),
		}); err != nil {
			return err
		}
		result = &types.ProjectTransaction{
			ID:         id,
			Type:       txType,
			Amount:     amount,
			Category:   category,
			Comment:    comment,
			OccurredAt: occurredAt.UTC(),
			CreatedBy:  actorID,
			CreatedAt:  ts,
			UpdatedAt:  ts,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// SetProjectShare replaces a user's active cash share: the previous row
// is deactivated and the new one inserted in one transaction, keeping at
// most one active share per user. Requires SYS_ADMIN or above.
func (s *Store) SetProjectShare(ctx context.Context, userID int64, percent decimal.Decimal, actorID int64) (*types.ProjectShare, error) {
	if err := types.ValidatePercent(percent); err != nil {
		return nil, fmt.Errorf("%s: %w", err, storage.ErrValidation)
	}
	actor, err := s.GetUser(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if !actor.IsActive || !canManageUsers(actor.Role) {
		if err := s.auditDenied(ctx, actorID, "set_project_share", types.EntityProjectShare, nil); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("set_project_share: %w", storage.ErrDenied)
	}

	var share *types.ProjectShare
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.getUserTx(ctx, tx, userID); err != nil {
			return err
		}
		var before *string
		var prevPercent sql.NullString
		err := tx.QueryRowContext(ctx, s.rebind(
			"SELECT percent FROM project_shares WHERE user_id = ? AND is_active"), userID).Scan(&prevPercent)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("failed to load current share: %w", err)
		}
		ts := now()
		if err == nil {
			prev, err := decimalOrZero(prevPercent)
			if err != nil {
				return err
			}
			b := prev.StringFixed(2)
			before = &b
			if _, err := tx.ExecContext(ctx, s.rebind(
				"UPDATE project_shares SET is_active = FALSE WHERE user_id = ? AND is_active"), userID); err != nil {
				return fmt.Errorf("failed to deactivate share: %w", err)
			}
		}

		var id int64
		if err := tx.QueryRowContext(ctx, s.rebind(`
			INSERT INTO project_shares (user_id, percent, is_active, set_by, set_at)
			VALUES (?, ?, TRUE, ?, ?)
			RETURNING id
		`), userID, decimalArg(percent), actorID, ts).Scan(&id); err != nil {
			return fmt.Errorf("failed to insert share: %w", err)
		}

		entityID := strconv.FormatInt(id, 10)
		payload := map[string]any{
			"user_id": userID,
			"after":   percent.StringFixed(2),
		}
		if before != nil {
			payload["before"] = *before
		}
		if err := s.recordAuditEvent(ctx, tx, &actorID, types.ActionProjectShareSet, types.EntityProjectShare, &entityID, payload); err != nil {
			return err
		}
		share = &types.ProjectShare{
			ID:       id,
			UserID:   userID,
			Percent:  percent,
			IsActive: true,
			SetBy:    actorID,
			SetAt:    ts,
		}
		return nil
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("share for user %d raced another set: %w", userID, storage.ErrConflict)
		}
		return nil, err
	}
	return share, nil
}

// ListActiveShares returns all active cash shares ordered by user.
func (s *Store) ListActiveShares(ctx context.Context) ([]*types.ProjectShare, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, user_id, percent, is_active, set_by, set_at
		FROM project_shares WHERE is_active ORDER BY user_id`))
	if err != nil {
		return nil, fmt.Errorf("failed to list shares: %w", err)
	}
	defer rows.Close()

	var shares []*types.ProjectShare
	for rows.Next() {
		var (
			sh      types.ProjectShare
			percent sql.NullString
		)
		if err := rows.Scan(&sh.ID, &sh.UserID, &percent, &sh.IsActive, &sh.SetBy, &sh.SetAt); err != nil {
			return nil, fmt.Errorf("failed to scan share: %w", err)
		}
		if sh.Percent, err = decimalOrZero(percent); err != nil {
			return nil, err
		}
		sh.SetAt = sh.SetAt.UTC()
		shares = append(shares, &sh)
	}
	return shares, rows.Err()
}
