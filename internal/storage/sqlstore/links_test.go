package sqlstore

import (
	"context"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fieldops/dispatch/internal/storage"
	"github.com/fieldops/dispatch/internal/types"
)

func TestLinkJuniorRejectsSecondActiveLink(t *testing.T) {
	store := setupTestStore(t)
	seedCrew(t, store) // links juniorID to masterID at 15%
	ctx := context.Background()
	seedUser(t, store, 200, types.RoleMaster)

	_, err := store.LinkJunior(ctx, 200, juniorID, dec("20"), superID)
	require.ErrorIs(t, err, storage.ErrInvalidState)

	link, err := store.ActiveLinkForJunior(ctx, juniorID)
	require.NoError(t, err)
	require.Equal(t, masterID, link.MasterID)
	requireDecimal(t, "15", link.Percent)
}

func TestLinkJuniorRoleChecks(t *testing.T) {
	store := setupTestStore(t)
	seedCrew(t, store)
	ctx := context.Background()
	seedUser(t, store, 210, types.RoleJuniorMaster)

	// Master slot must hold MASTER.
	_, err := store.LinkJunior(ctx, adminID, 210, dec("10"), superID)
	require.ErrorIs(t, err, storage.ErrValidation)
	// Junior slot must hold JUNIOR_MASTER.
	_, err = store.LinkJunior(ctx, masterID, adminID, dec("10"), superID)
	require.ErrorIs(t, err, storage.ErrValidation)
	// Percent range.
	_, err = store.LinkJunior(ctx, masterID, 210, dec("101"), superID)
	require.ErrorIs(t, err, storage.ErrValidation)
	// Link management needs ADMIN or above.
	_, err = store.LinkJunior(ctx, masterID, 210, dec("10"), masterID)
	require.ErrorIs(t, err, storage.ErrDenied)
}

func TestRelinkJuniorMovesActiveLink(t *testing.T) {
	store := setupTestStore(t)
	seedCrew(t, store)
	ctx := context.Background()
	seedUser(t, store, 220, types.RoleMaster)

	link, err := store.RelinkJunior(ctx, juniorID, 220, dec("25"), adminID)
	require.NoError(t, err)
	require.Equal(t, int64(220), link.MasterID)
	requireDecimal(t, "25", link.Percent)

	// The old master has no active juniors left.
	old, err := store.ActiveJuniorsForMaster(ctx, masterID)
	require.NoError(t, err)
	require.Empty(t, old)

	current, err := store.ActiveLinkForJunior(ctx, juniorID)
	require.NoError(t, err)
	require.Equal(t, link.ID, current.ID)
}

func TestSetLinkPercentPolicy(t *testing.T) {
	store := setupTestStore(t)
	seedCrew(t, store)
	ctx := context.Background()

	link, err := store.ActiveLinkForJunior(ctx, juniorID)
	require.NoError(t, err)

	// A master with a single junior may not adjust their own link;
	// that falls to ADMIN.
	_, err = store.SetLinkPercent(ctx, link.ID, dec("30"), masterID)
	require.ErrorIs(t, err, storage.ErrDenied)

	// The denial audit row committed.
	events, err := store.AuditEvents(ctx, types.EntityJuniorLink, strconv.FormatInt(link.ID, 10), 10)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	require.Equal(t, types.ActionPermissionDenied, events[0].Action)

	updated, err := store.SetLinkPercent(ctx, link.ID, dec("20"), adminID)
	require.NoError(t, err)
	requireDecimal(t, "20", updated.Percent)

	// With a second junior the master manages their own links and
	// ADMIN drops out.
	seedUser(t, store, 230, types.RoleJuniorMaster)
	_, err = store.LinkJunior(ctx, masterID, 230, dec("10"), adminID)
	require.NoError(t, err)

	updated, err = store.SetLinkPercent(ctx, link.ID, dec("30"), masterID)
	require.NoError(t, err)
	requireDecimal(t, "30", updated.Percent)

	_, err = store.SetLinkPercent(ctx, link.ID, dec("35"), adminID)
	require.ErrorIs(t, err, storage.ErrDenied)

	// SYS_ADMIN tier always may.
	updated, err = store.SetLinkPercent(ctx, link.ID, dec("35"), superID)
	require.NoError(t, err)
	requireDecimal(t, "35", updated.Percent)
}

func TestDisableLink(t *testing.T) {
	store := setupTestStore(t)
	seedCrew(t, store)
	ctx := context.Background()

	link, err := store.ActiveLinkForJunior(ctx, juniorID)
	require.NoError(t, err)

	disabled, err := store.DisableLink(ctx, link.ID, adminID)
	require.NoError(t, err)
	require.False(t, disabled.IsActive)

	_, err = store.ActiveLinkForJunior(ctx, juniorID)
	require.ErrorIs(t, err, storage.ErrNotFound)

	// A disabled junior can be linked again.
	seedUser(t, store, 240, types.RoleMaster)
	_, err = store.LinkJunior(ctx, 240, juniorID, dec("20"), adminID)
	require.NoError(t, err)
}

func TestCloseUsesActiveLinkPercent(t *testing.T) {
	store := setupTestStore(t)
	seedCrew(t, store)
	ctx := context.Background()

	ticket := newTicket(t, store, adminID)
	workTicket(t, store, ticket.ID)

	// No explicit junior percent: the active link's 15% applies.
	jid := int64(juniorID)
	p := closeParams(ticket.ID, "1000", "0")
	p.JuniorMasterID = &jid
	closed, err := store.CloseTicket(ctx, p)
	require.NoError(t, err)
	requireDecimalPtr(t, "15", closed.JuniorPercentAtClose)
	requireDecimalPtr(t, "150", closed.JuniorEarnedAmount)
}
