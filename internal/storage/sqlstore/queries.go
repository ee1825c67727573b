package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fieldops/dispatch/internal/storage"
	"github.com/fieldops/dispatch/internal/types"
)

// accessPredicate projects "what this actor may see" onto ticket queries.
// Executors see their own tickets, the admin tier sees everything, every
// other role sees nothing. The returned clause is ANDed onto the query.
func accessPredicate(actor *types.User) (clause string, args []any, visible bool) {
	if !actor.IsActive {
		return "", nil, false
	}
	if isAdminTier(actor.Role) {
		return "", nil, true
	}
	if isExecutor(actor.Role) {
		return "assigned_executor_id = ?", []any{actor.ID}, true
	}
	return "", nil, false
}

// GetTicket returns one ticket by internal ID without access filtering.
func (s *Store) GetTicket(ctx context.Context, id int64) (*types.Ticket, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
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

// GetTicketForActor returns one ticket subject to the actor's access
// filter. An out-of-scope ticket reads as not found rather than denied,
// so existence does not leak.
func (s *Store) GetTicketForActor(ctx context.Context, id, actorID int64) (*types.Ticket, error) {
	actor, err := s.GetUser(ctx, actorID)
	if err != nil {
		return nil, err
	}
	clause, args, visible := accessPredicate(actor)
	if !visible {
		return nil, fmt.Errorf("ticket %d: %w", id, storage.ErrNotFound)
	}
	query := "SELECT " + ticketColumns + " FROM tickets WHERE id = ?"
	queryArgs := []any{id}
	if clause != "" {
		query += " AND " + clause
		queryArgs = append(queryArgs, args...)
	}
	row := s.db.QueryRowContext(ctx, s.rebind(query), queryArgs...)
	t, err := scanTicket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ticket %d: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load ticket %d: %w", id, err)
	}
	return t, nil
}

func (s *Store) queryTickets(ctx context.Context, query string, args ...any) ([]*types.Ticket, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tickets: %w", err)
	}
	defer rows.Close()

	var tickets []*types.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ticket: %w", err)
		}
		tickets = append(tickets, t)
	}
	return tickets, rows.Err()
}

// ListQueue returns unassigned READY_FOR_WORK tickets, oldest first.
func (s *Store) ListQueue(ctx context.Context, limit int) ([]*types.Ticket, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryTickets(ctx, `
		SELECT `+ticketColumns+` FROM tickets
		WHERE status = ? AND assigned_executor_id IS NULL
		ORDER BY id LIMIT ?
	`, types.StatusReadyForWork, limit)
}

// ListForActor pages tickets visible to the actor, newest first. The
// total count covers the filter before paging.
func (s *Store) ListForActor(ctx context.Context, actorID int64, filter storage.ListFilter, page storage.Page) ([]*types.Ticket, int, error) {
	actor, err := s.GetUser(ctx, actorID)
	if err != nil {
		return nil, 0, err
	}
	clause, args, visible := accessPredicate(actor)
	if !visible {
		return nil, 0, nil
	}

	var conds []string
	var condArgs []any
	if clause != "" {
		conds = append(conds, clause)
		condArgs = append(condArgs, args...)
	}
	switch filter {
	case storage.FilterActive:
		placeholders := make([]string, len(types.ActiveStatuses))
		for i, st := range types.ActiveStatuses {
			placeholders[i] = "?"
			condArgs = append(condArgs, st)
		}
		conds = append(conds, "status IN ("+strings.Join(placeholders, ", ")+")")
	case storage.FilterRepeat:
		conds = append(conds, "is_repeat")
	case storage.FilterAll, "":
	default:
		return nil, 0, fmt.Errorf("unknown list filter %q: %w", filter, storage.ErrValidation)
	}

	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, s.rebind(
		"SELECT COUNT(*) FROM tickets"+where), condArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count tickets: %w", err)
	}

	size := page.Size
	if size <= 0 {
		size = 10
	}
	offset := page.Number * size
	listArgs := append(append([]any{}, condArgs...), size, offset)
	tickets, err := s.queryTickets(ctx,
		"SELECT "+ticketColumns+" FROM tickets"+where+" ORDER BY id DESC LIMIT ? OFFSET ?", listArgs...)
	if err != nil {
		return nil, 0, err
	}
	return tickets, total, nil
}

// SearchForActor searches by internal ID, public ID or digits-only phone
// substring, subject to the actor's access filter.
func (s *Store) SearchForActor(ctx context.Context, actorID int64, q storage.SearchQuery, page storage.Page) ([]*types.Ticket, int, error) {
	actor, err := s.GetUser(ctx, actorID)
	if err != nil {
		return nil, 0, err
	}
	clause, args, visible := accessPredicate(actor)
	if !visible {
		return nil, 0, nil
	}

	var conds []string
	var condArgs []any
	switch {
	case q.TicketID != nil:
		conds = append(conds, "id = ?")
		condArgs = append(condArgs, *q.TicketID)
	case q.PublicID != "":
		if len(q.PublicID) != types.PublicIDLength {
			return nil, 0, fmt.Errorf("public id must be %d digits: %w", types.PublicIDLength, storage.ErrValidation)
		}
		conds = append(conds, "public_id = ?")
		condArgs = append(condArgs, q.PublicID)
	case q.PhoneDigits != "":
		digits := types.PhoneDigits(q.PhoneDigits)
		if digits == "" {
			return nil, 0, fmt.Errorf("phone query has no digits: %w", storage.ErrValidation)
		}
		conds = append(conds, "client_phone_digits LIKE ?")
		condArgs = append(condArgs, "%"+digits+"%")
	default:
		return nil, 0, fmt.Errorf("empty search query: %w", storage.ErrValidation)
	}
	if clause != "" {
		conds = append(conds, clause)
		condArgs = append(condArgs, args...)
	}
	where := " WHERE " + strings.Join(conds, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, s.rebind(
		"SELECT COUNT(*) FROM tickets"+where), condArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count search results: %w", err)
	}

	size := page.Size
	if size <= 0 {
		size = 10
	}
	offset := page.Number * size
	listArgs := append(append([]any{}, condArgs...), size, offset)
	tickets, err := s.queryTickets(ctx,
		"SELECT "+ticketColumns+" FROM tickets"+where+" ORDER BY id DESC LIMIT ? OFFSET ?", listArgs...)
	if err != nil {
		return nil, 0, err
	}
	return tickets, total, nil
}

// ListTransferPending returns closed tickets whose transfer was sent but
// not yet settled, oldest sends first.
func (s *Store) ListTransferPending(ctx context.Context, limit int) ([]*types.Ticket, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryTickets(ctx, `
		SELECT `+ticketColumns+` FROM tickets
		WHERE status = ? AND transfer_status = ?
		ORDER BY transfer_sent_at LIMIT ?
	`, types.StatusClosed, types.TransferSent, limit)
}

// ListTransferOverdue returns closed tickets stuck in NOT_SENT or SENT
// for more than the given number of days.
func (s *Store) ListTransferOverdue(ctx context.Context, days int, limit int) ([]*types.Ticket, error) {
	if days <= 0 {
		days = types.DefaultTransferPendingDays
	}
	if limit <= 0 {
		limit = 50
	}
	cutoff := now().Add(-time.Duration(days) * 24 * time.Hour)
	return s.queryTickets(ctx, `
		SELECT `+ticketColumns+` FROM tickets
		WHERE status = ? AND transfer_status IN (?, ?) AND closed_at < ?
		ORDER BY closed_at LIMIT ?
	`, types.StatusClosed, types.TransferNotSent, types.TransferSent, cutoff, limit)
}

// ListZeroProfit returns closed tickets with zero net profit, a signal
// for review on the issues dashboard.
func (s *Store) ListZeroProfit(ctx context.Context, limit int) ([]*types.Ticket, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryTickets(ctx, `
		SELECT `+ticketColumns+` FROM tickets
		WHERE status = ? AND net_profit IS NOT NULL AND CAST(net_profit AS NUMERIC) = 0
		ORDER BY closed_at DESC LIMIT ?
	`, types.StatusClosed, limit)
}

// ListRepeatPhones returns phones appearing on more than one ticket with
// their ticket counts, most frequent first.
func (s *Store) ListRepeatPhones(ctx context.Context, limit int) ([]storage.RepeatPhone, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT client_phone, COUNT(*) AS cnt FROM tickets
		GROUP BY client_phone HAVING COUNT(*) > 1
		ORDER BY cnt DESC, client_phone LIMIT ?
	`), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list repeat phones: %w", err)
	}
	defer rows.Close()

	var result []storage.RepeatPhone
	for rows.Next() {
		var rp storage.RepeatPhone
		if err := rows.Scan(&rp.Phone, &rp.Count); err != nil {
			return nil, fmt.Errorf("failed to scan repeat phone: %w", err)
		}
		result = append(result, rp)
	}
	return result, rows.Err()
}

// ListMasterPendingTransfers sums unsettled transfer amounts per executor,
// largest debt first.
func (s *Store) ListMasterPendingTransfers(ctx context.Context, limit int) ([]storage.MasterPendingTransfer, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT assigned_executor_id, SUM(CAST(net_profit AS NUMERIC)) AS owed
		FROM tickets
		WHERE status = ? AND transfer_status IN (?, ?) AND assigned_executor_id IS NOT NULL
		GROUP BY assigned_executor_id
		ORDER BY owed DESC LIMIT ?
	`), types.StatusClosed, types.TransferNotSent, types.TransferSent, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending transfers: %w", err)
	}
	defer rows.Close()

	var result []storage.MasterPendingTransfer
	for rows.Next() {
		var (
			row    storage.MasterPendingTransfer
			amount sql.NullString
		)
		if err := rows.Scan(&row.ExecutorID, &amount); err != nil {
			return nil, fmt.Errorf("failed to scan pending transfer: %w", err)
		}
		if row.Amount, err = decimalOrZero(amount); err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	return result, rows.Err()
}
