package sqlstore

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/fieldops/dispatch/internal/storage"
	"github.com/fieldops/dispatch/internal/types"
)

// Fixture user IDs. superID is promoted to SUPER_ADMIN via the store
// config; everyone else starts as USER and gets a role assigned by them.
const (
	superID  = int64(1)
	adminID  = int64(10)
	masterID = int64(20)
	juniorID = int64(30)
	userID   = int64(40)
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(context.Background(), Config{
		URL:          filepath.Join(t.TempDir(), "dispatch.db"),
		SuperAdminID: superID,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	_, err = store.EnsureActor(ctx, superID, strPtr("Root"), nil)
	require.NoError(t, err)
	return store
}

// seedUser creates a user and assigns the given role via the super admin.
func seedUser(t *testing.T, store *Store, id int64, role types.Role) {
	t.Helper()
	ctx := context.Background()
	_, err := store.EnsureActor(ctx, id, nil, nil)
	require.NoError(t, err)
	if role != types.RoleUser {
		_, err = store.SetRole(ctx, id, role, superID)
		require.NoError(t, err)
	}
}

// seedCrew creates the standard cast: an admin with 10%, a master with
// 40% and a junior master linked to the master at 15%.
func seedCrew(t *testing.T, store *Store) {
	t.Helper()
	ctx := context.Background()
	seedUser(t, store, adminID, types.RoleAdmin)
	seedUser(t, store, masterID, types.RoleMaster)
	seedUser(t, store, juniorID, types.RoleJuniorMaster)

	_, err := store.SetAdminPercent(ctx, adminID, decPtr("10"), superID)
	require.NoError(t, err)
	_, err = store.SetMasterPercent(ctx, masterID, decPtr("40"), superID)
	require.NoError(t, err)
	_, err = store.LinkJunior(ctx, masterID, juniorID, dec("15"), superID)
	require.NoError(t, err)
}

var phoneSeq int

// newTicket creates a READY_FOR_WORK ticket with a unique phone.
func newTicket(t *testing.T, store *Store, creatorID int64) *types.Ticket {
	t.Helper()
	phoneSeq++
	return newTicketWithPhone(t, store, creatorID, fmt.Sprintf("+7999%07d", phoneSeq))
}

func newTicketWithPhone(t *testing.T, store *Store, creatorID int64, phone string) *types.Ticket {
	t.Helper()
	ticket, err := store.CreateTicket(context.Background(), storage.CreateTicketParams{
		Category:    "TV",
		ClientPhone: phone,
		ProblemText: "no picture",
		AdSource:    "AVITO",
		ActorID:     creatorID,
	})
	require.NoError(t, err)
	return ticket
}

// workTicket advances a fresh ticket to IN_PROGRESS under the master.
func workTicket(t *testing.T, store *Store, ticketID int64) {
	t.Helper()
	ctx := context.Background()
	_, err := store.TakeTicket(ctx, ticketID, masterID)
	require.NoError(t, err)
	_, err = store.SetInProgress(ctx, ticketID, masterID)
	require.NoError(t, err)
}

func closeParams(ticketID int64, revenue, expense string) storage.CloseTicketParams {
	return storage.CloseTicketParams{
		TicketID: ticketID,
		ActorID:  masterID,
		Revenue:  dec(revenue),
		Expense:  dec(expense),
	}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func strPtr(s string) *string { return &s }

func requireDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.True(t, dec(want).Equal(got), "want %s, got %s", want, got)
}

func requireDecimalPtr(t *testing.T, want string, got *decimal.Decimal) {
	t.Helper()
	require.NotNil(t, got)
	requireDecimal(t, want, *got)
}

func TestOpenRequiresURL(t *testing.T) {
	_, err := Open(context.Background(), Config{})
	require.Error(t, err)
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dispatch.db")
	ctx := context.Background()

	store, err := Open(ctx, Config{URL: path})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	// Reopening applies migrations against the existing schema.
	store, err = Open(ctx, Config{URL: path})
	require.NoError(t, err)
	require.NoError(t, store.Close())
}

func TestRangeFromDates(t *testing.T) {
	day := time.Date(2026, 8, 25, 14, 30, 0, 0, time.UTC)
	rng := storage.RangeFromDates(&day, &day)
	require.Equal(t, time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC), *rng.Start)
	require.Equal(t, 23, rng.End.Hour())
	require.Equal(t, 25, rng.End.Day())
}
