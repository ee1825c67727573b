package sqlstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fieldops/dispatch/internal/storage"
	"github.com/fieldops/dispatch/internal/types"
)

func TestListQueueReturnsUnassignedOldestFirst(t *testing.T) {
	store := setupTestStore(t)
	seedCrew(t, store)
	ctx := context.Background()

	first := newTicket(t, store, adminID)
	second := newTicket(t, store, adminID)
	_, err := store.TakeTicket(ctx, second.ID, masterID)
	require.NoError(t, err)

	queue, err := store.ListQueue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	require.Equal(t, first.ID, queue[0].ID)
}

func TestAccessFilterScopesExecutors(t *testing.T) {
	store := setupTestStore(t)
	seedCrew(t, store)
	ctx := context.Background()
	seedUser(t, store, 300, types.RoleMaster)

	mine := newTicket(t, store, adminID)
	other := newTicket(t, store, adminID)
	_, err := store.TakeTicket(ctx, mine.ID, masterID)
	require.NoError(t, err)
	_, err = store.TakeTicket(ctx, other.ID, 300)
	require.NoError(t, err)

	// The executor sees only their own ticket.
	tickets, total, err := store.ListForActor(ctx, masterID, storage.FilterAll, storage.Page{Size: 10})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Equal(t, mine.ID, tickets[0].ID)

	// Admin tier sees everything.
	_, total, err = store.ListForActor(ctx, adminID, storage.FilterAll, storage.Page{Size: 10})
	require.NoError(t, err)
	require.Equal(t, 2, total)

	// Plain users see nothing.
	seedUser(t, store, userID, types.RoleUser)
	tickets, total, err = store.ListForActor(ctx, userID, storage.FilterAll, storage.Page{Size: 10})
	require.NoError(t, err)
	require.Zero(t, total)
	require.Empty(t, tickets)
}

func TestGetTicketForActorHidesExistence(t *testing.T) {
	store := setupTestStore(t)
	seedCrew(t, store)
	ctx := context.Background()
	seedUser(t, store, 310, types.RoleMaster)

	ticket := newTicket(t, store, adminID)
	_, err := store.TakeTicket(ctx, ticket.ID, masterID)
	require.NoError(t, err)

	// Out-of-scope reads as not found, not denied.
	_, err = store.GetTicketForActor(ctx, ticket.ID, 310)
	require.ErrorIs(t, err, storage.ErrNotFound)

	got, err := store.GetTicketForActor(ctx, ticket.ID, masterID)
	require.NoError(t, err)
	require.Equal(t, ticket.ID, got.ID)
}

func TestSearchForActor(t *testing.T) {
	store := setupTestStore(t)
	seedCrew(t, store)
	ctx := context.Background()

	ticket := newTicketWithPhone(t, store, adminID, "+79995551234")

	// By public ID.
	results, total, err := store.SearchForActor(ctx, adminID,
		storage.SearchQuery{PublicID: ticket.PublicID}, storage.Page{Size: 10})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Equal(t, ticket.ID, results[0].ID)

	// By phone digits substring, tolerant of formatting.
	results, total, err = store.SearchForActor(ctx, adminID,
		storage.SearchQuery{PhoneDigits: "999-555"}, storage.Page{Size: 10})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Equal(t, ticket.ID, results[0].ID)

	// By internal ID.
	results, _, err = store.SearchForActor(ctx, adminID,
		storage.SearchQuery{TicketID: &ticket.ID}, storage.Page{Size: 10})
	require.NoError(t, err)
	require.Len(t, results, 1)

	// Malformed queries.
	_, _, err = store.SearchForActor(ctx, adminID,
		storage.SearchQuery{PublicID: "123"}, storage.Page{Size: 10})
	require.ErrorIs(t, err, storage.ErrValidation)
	_, _, err = store.SearchForActor(ctx, adminID,
		storage.SearchQuery{}, storage.Page{Size: 10})
	require.ErrorIs(t, err, storage.ErrValidation)
}

func TestListForActorPaging(t *testing.T) {
	store := setupTestStore(t)
	seedCrew(t, store)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		newTicket(t, store, adminID)
	}

	page0, total, err := store.ListForActor(ctx, adminID, storage.FilterAll, storage.Page{Number: 0, Size: 2})
	require.NoError(t, err)
	require.Equal(t, 5, total)
	require.Len(t, page0, 2)

	page2, _, err := store.ListForActor(ctx, adminID, storage.FilterAll, storage.Page{Number: 2, Size: 2})
	require.NoError(t, err)
	require.Len(t, page2, 1)

	// Newest first.
	require.Greater(t, page0[0].ID, page0[1].ID)
}

func TestRepeatFilterAndDashboard(t *testing.T) {
	store := setupTestStore(t)
	seedCrew(t, store)
	ctx := context.Background()

	newTicketWithPhone(t, store, adminID, "+79995550001")
	newTicketWithPhone(t, store, adminID, "+79995550001")
	newTicket(t, store, adminID)

	repeats, total, err := store.ListForActor(ctx, adminID, storage.FilterRepeat, storage.Page{Size: 10})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.True(t, repeats[0].IsRepeat)

	phones, err := store.ListRepeatPhones(ctx, 10)
	require.NoError(t, err)
	require.Len(t, phones, 1)
	require.Equal(t, "+79995550001", phones[0].Phone)
	require.Equal(t, 2, phones[0].Count)
}

func TestPendingTransferDashboards(t *testing.T) {
	store := setupTestStore(t)
	seedCrew(t, store)
	ctx := context.Background()

	ticket := closeOne(t, store, "1000", "250")
	_, err := store.MarkTransferSent(ctx, ticket.ID, masterID)
	require.NoError(t, err)

	pending, err := store.ListTransferPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, ticket.ID, pending[0].ID)

	owed, err := store.ListMasterPendingTransfers(ctx, 10)
	require.NoError(t, err)
	require.Len(t, owed, 1)
	require.Equal(t, masterID, owed[0].ExecutorID)
	requireDecimal(t, "750", owed[0].Amount)

	// Settling clears both dashboards.
	_, err = store.ConfirmTransfer(ctx, ticket.ID, superID, true)
	require.NoError(t, err)
	pending, err = store.ListTransferPending(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, pending)
	owed, err = store.ListMasterPendingTransfers(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, owed)
}

func TestZeroProfitDashboard(t *testing.T) {
	store := setupTestStore(t)
	seedCrew(t, store)
	ctx := context.Background()

	closeOne(t, store, "250", "250")
	closeOne(t, store, "1000", "0")

	zero, err := store.ListZeroProfit(ctx, 10)
	require.NoError(t, err)
	require.Len(t, zero, 1)
	requireDecimalPtr(t, "0", zero[0].NetProfit)
}
