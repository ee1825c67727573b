package sqlstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fieldops/dispatch/internal/storage"
	"github.com/fieldops/dispatch/internal/types"
)

// closeOne runs a ticket through take/progress/close under the crew.
func closeOne(t *testing.T, store *Store, revenue, expense string) *types.Ticket {
	t.Helper()
	ticket := newTicket(t, store, adminID)
	workTicket(t, store, ticket.ID)
	closed, err := store.CloseTicket(context.Background(), closeParams(ticket.ID, revenue, expense))
	require.NoError(t, err)
	return closed
}

func TestMasterMoneyTracksTransfers(t *testing.T) {
	store := setupTestStore(t)
	seedCrew(t, store)
	ctx := context.Background()

	ticket := closeOne(t, store, "1000", "250") // net 750, executor 300

	mm, err := store.MasterMoney(ctx, masterID, storage.DateRange{})
	require.NoError(t, err)
	requireDecimal(t, "750", mm.NetProfit)
	requireDecimal(t, "0", mm.Confirmed)
	requireDecimal(t, "750", mm.Pending)

	_, err = store.MarkTransferSent(ctx, ticket.ID, masterID)
	require.NoError(t, err)
	_, err = store.ConfirmTransfer(ctx, ticket.ID, superID, true)
	require.NoError(t, err)

	mm, err = store.MasterMoney(ctx, masterID, storage.DateRange{})
	require.NoError(t, err)
	requireDecimal(t, "750", mm.Confirmed)
	requireDecimal(t, "0", mm.Pending)
	requireDecimal(t, "300", mm.Earned) // executor cut only
}

func TestMasterMoneyIncludesCashShare(t *testing.T) {
	store := setupTestStore(t)
	seedCrew(t, store)
	ctx := context.Background()

	closeOne(t, store, "1000", "250") // project-wide net 750

	_, err := store.SetProjectShare(ctx, masterID, dec("10"), superID)
	require.NoError(t, err)

	mm, err := store.MasterMoney(ctx, masterID, storage.DateRange{})
	require.NoError(t, err)
	requireDecimal(t, "75", mm.CashShareAmount)
	requireDecimal(t, "375", mm.Earned) // 300 executor + 75 share
}

func TestAdminAndJuniorSalary(t *testing.T) {
	store := setupTestStore(t)
	seedCrew(t, store)
	ctx := context.Background()

	ticket := newTicket(t, store, adminID)
	workTicket(t, store, ticket.ID)
	jid := int64(juniorID)
	p := closeParams(ticket.ID, "1000", "250")
	p.JuniorMasterID = &jid
	p.JuniorPercent = decPtr("15")
	_, err := store.CloseTicket(ctx, p)
	require.NoError(t, err)

	adminSalary, err := store.AdminSalary(ctx, adminID, storage.DateRange{})
	require.NoError(t, err)
	requireDecimal(t, "75", adminSalary)

	juniorSalary, err := store.JuniorSalary(ctx, juniorID, storage.DateRange{})
	require.NoError(t, err)
	requireDecimal(t, "112.50", juniorSalary)

	// Nobody else earned junior money.
	other, err := store.JuniorSalary(ctx, masterID, storage.DateRange{})
	require.NoError(t, err)
	requireDecimal(t, "0", other)
}

func TestSalaryRangeFiltering(t *testing.T) {
	store := setupTestStore(t)
	seedCrew(t, store)
	ctx := context.Background()

	closeOne(t, store, "500", "0")

	past := time.Now().UTC().Add(-48 * time.Hour)
	cutoff := storage.DateRange{End: &past}
	salary, err := store.AdminSalary(ctx, adminID, cutoff)
	require.NoError(t, err)
	requireDecimal(t, "0", salary)
}

func TestProjectSummary(t *testing.T) {
	store := setupTestStore(t)
	seedCrew(t, store)
	ctx := context.Background()

	first := closeOne(t, store, "1000", "250") // net 750
	closeOne(t, store, "500", "0")             // net 500

	_, err := store.MarkTransferSent(ctx, first.ID, masterID)
	require.NoError(t, err)
	_, err = store.ConfirmTransfer(ctx, first.ID, superID, true)
	require.NoError(t, err)

	_, err = store.AddProjectTransaction(ctx, types.TxIncome, dec("100"), "misc", nil, time.Now().UTC(), superID)
	require.NoError(t, err)
	_, err = store.AddProjectTransaction(ctx, types.TxExpense, dec("40"), "fuel", nil, time.Now().UTC(), superID)
	require.NoError(t, err)

	sum, err := store.ProjectSummaryFor(ctx, storage.DateRange{})
	require.NoError(t, err)
	require.Equal(t, 2, sum.ClosedCount)
	require.Equal(t, 1, sum.ConfirmedCount)
	requireDecimal(t, "1250", sum.TicketsNetProfitShould)
	requireDecimal(t, "750", sum.TicketsNetProfitReceived)
	requireDecimal(t, "100", sum.ManualIncomeSum)
	requireDecimal(t, "40", sum.ManualExpenseSum)
	requireDecimal(t, "1310", sum.ProjectNetCashShould)
	requireDecimal(t, "810", sum.ProjectNetCashReceived)
	requireDecimal(t, "500", sum.EarnedExecutor) // 40% of 1250
}

func TestAddProjectTransactionRules(t *testing.T) {
	store := setupTestStore(t)
	seedCrew(t, store)
	ctx := context.Background()

	// Only SYS_ADMIN and above.
	_, err := store.AddProjectTransaction(ctx, types.TxIncome, dec("10"), "misc", nil, time.Now(), adminID)
	require.ErrorIs(t, err, storage.ErrDenied)

	_, err = store.AddProjectTransaction(ctx, types.TxIncome, dec("-10"), "misc", nil, time.Now(), superID)
	require.ErrorIs(t, err, storage.ErrValidation)
	_, err = store.AddProjectTransaction(ctx, types.TxIncome, dec("10.555"), "misc", nil, time.Now(), superID)
	require.ErrorIs(t, err, storage.ErrValidation)
	_, err = store.AddProjectTransaction(ctx, types.TxIncome, dec("10"), "  ", nil, time.Now(), superID)
	require.ErrorIs(t, err, storage.ErrValidation)
	_, err = store.AddProjectTransaction(ctx, "TRANSFER", dec("10"), "misc", nil, time.Now(), superID)
	require.ErrorIs(t, err, storage.ErrValidation)

	tx, err := store.AddProjectTransaction(ctx, types.TxExpense, dec("99.90"), "parts", strPtr("capacitors"), time.Now(), superID)
	require.NoError(t, err)
	requireDecimal(t, "99.90", tx.Amount)

	listed, err := store.ListManualTransactions(ctx, storage.DateRange{})
	require.NoError(t, err)
	require.Len(t, listed, 1)
	require.Equal(t, "parts", listed[0].Category)
}

func TestSetProjectShareReplacesActive(t *testing.T) {
	store := setupTestStore(t)
	seedCrew(t, store)
	ctx := context.Background()

	_, err := store.SetProjectShare(ctx, masterID, dec("10"), superID)
	require.NoError(t, err)
	second, err := store.SetProjectShare(ctx, masterID, dec("12.50"), superID)
	require.NoError(t, err)

	shares, err := store.ListActiveShares(ctx)
	require.NoError(t, err)
	require.Len(t, shares, 1)
	require.Equal(t, second.ID, shares[0].ID)
	requireDecimal(t, "12.50", shares[0].Percent)

	// Gated like the other money settings.
	_, err = store.SetProjectShare(ctx, masterID, dec("5"), adminID)
	require.ErrorIs(t, err, storage.ErrDenied)
}

func TestListMoneyOperationsAndExport(t *testing.T) {
	store := setupTestStore(t)
	seedCrew(t, store)
	ctx := context.Background()

	closeOne(t, store, "1000", "250")
	closeOne(t, store, "500", "0")

	ops, err := store.ListMoneyOperations(ctx, storage.DateRange{})
	require.NoError(t, err)
	require.Len(t, ops, 3) // income+expense, income

	tickets, err := store.ListTicketsForExport(ctx, storage.DateRange{})
	require.NoError(t, err)
	require.Len(t, tickets, 2)
	require.Less(t, tickets[0].ID, tickets[1].ID)
}
