package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fieldops/dispatch/internal/storage"
	"github.com/fieldops/dispatch/internal/types"
)

func TestCreateTicketPublicID(t *testing.T) {
	store := setupTestStore(t)
	seedCrew(t, store)

	first := newTicket(t, store, adminID)
	second := newTicket(t, store, adminID)

	require.Len(t, first.PublicID, types.PublicIDLength)
	require.Equal(t, types.StatusReadyForWork, first.Status)
	require.Equal(t, types.CategoryTV, first.Category)
	require.Equal(t, types.AdSourceAvito, first.AdSource)

	// Same day: the sequence suffix advances.
	day := first.PublicID[:6]
	require.Equal(t, day, second.PublicID[:6])
	n1, err := strconv.Atoi(first.PublicID[6:])
	require.NoError(t, err)
	n2, err := strconv.Atoi(second.PublicID[6:])
	require.NoError(t, err)
	require.Equal(t, n1+1, n2)
}

func TestCreateTicketValidation(t *testing.T) {
	store := setupTestStore(t)
	seedCrew(t, store)
	ctx := context.Background()

	_, err := store.CreateTicket(ctx, storage.CreateTicketParams{
		Category:    "TV",
		ClientPhone: "123",
		ProblemText: "short phone",
		ActorID:     adminID,
	})
	require.ErrorIs(t, err, storage.ErrValidation)

	_, err = store.CreateTicket(ctx, storage.CreateTicketParams{
		Category:    "TV",
		ClientPhone: "+79990000001",
		ProblemText: "   ",
		ActorID:     adminID,
	})
	require.ErrorIs(t, err, storage.ErrValidation)
}

func TestCreateTicketDeniedForExecutors(t *testing.T) {
	store := setupTestStore(t)
	seedCrew(t, store)
	ctx := context.Background()

	_, err := store.CreateTicket(ctx, storage.CreateTicketParams{
		Category:    "PC",
		ClientPhone: "+79990000002",
		ProblemText: "broken fan",
		ActorID:     masterID,
	})
	require.ErrorIs(t, err, storage.ErrDenied)

	// The denial left an audit trail.
	events, err := store.AuditEvents(ctx, types.EntityTicket, "", 10)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	require.Equal(t, types.ActionPermissionDenied, events[0].Action)
}

func TestCreateTicketMarksRepeats(t *testing.T) {
	store := setupTestStore(t)
	seedCrew(t, store)

	first := newTicketWithPhone(t, store, adminID, "+79995550011")
	require.False(t, first.IsRepeat)

	second := newTicketWithPhone(t, store, adminID, "8 (999) 555-00-11")
	require.True(t, second.IsRepeat)
	require.Equal(t, []int64{first.ID}, second.RepeatTicketIDs)
}

func TestDailyCounterExhausts(t *testing.T) {
	store := setupTestStore(t)
	seedCrew(t, store)
	ctx := context.Background()

	for i := 0; i < types.MaxDailySequence; i++ {
		_, err := store.CreateTicket(ctx, storage.CreateTicketParams{
			Category:    "OTHER",
			ClientPhone: fmt.Sprintf("+7111%07d", i),
			ProblemText: "bulk",
			ActorID:     adminID,
		})
		require.NoError(t, err)
	}

	_, err := store.CreateTicket(ctx, storage.CreateTicketParams{
		Category:    "OTHER",
		ClientPhone: "+79990009999",
		ProblemText: "one too many",
		ActorID:     adminID,
	})
	require.ErrorIs(t, err, storage.ErrExhausted)
}

func TestTakeTicketSingleWinner(t *testing.T) {
	store := setupTestStore(t)
	seedCrew(t, store)
	ctx := context.Background()

	executors := []int64{100, 101, 102, 103, 104}
	for _, id := range executors {
		seedUser(t, store, id, types.RoleMaster)
	}
	ticket := newTicket(t, store, adminID)

	var wg sync.WaitGroup
	results := make(chan error, len(executors))
	for _, id := range executors {
		wg.Add(1)
		go func(executorID int64) {
			defer wg.Done()
			_, err := store.TakeTicket(ctx, ticket.ID, executorID)
			results <- err
		}(id)
	}
	wg.Wait()
	close(results)

	won, lost := 0, 0
	for err := range results {
		switch {
		case err == nil:
			won++
		case errors.Is(err, storage.ErrAlreadyTaken):
			lost++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, won)
	require.Equal(t, len(executors)-1, lost)

	cur, err := store.GetTicket(ctx, ticket.ID)
	require.NoError(t, err)
	require.Equal(t, types.StatusInWork, cur.Status)
	require.NotNil(t, cur.AssignedExecutorID)
	require.NotNil(t, cur.TakenAt)
}

func TestTakeTicketInvalidStateIsAudited(t *testing.T) {
	store := setupTestStore(t)
	seedCrew(t, store)
	ctx := context.Background()

	ticket := newTicket(t, store, adminID)
	_, err := store.CancelTicket(ctx, ticket.ID, adminID)
	require.NoError(t, err)

	_, err = store.TakeTicket(ctx, ticket.ID, masterID)
	require.ErrorIs(t, err, storage.ErrInvalidState)

	// The audit row must survive the failed operation.
	events, err := store.AuditEvents(ctx, types.EntityTicket, strconv.FormatInt(ticket.ID, 10), 10)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	require.Equal(t, types.ActionInvalidStateTransition, events[0].Action)
	require.Equal(t, "take_ticket", events[0].Payload["operation"])
}

func TestSetInProgressRequiresAssignee(t *testing.T) {
	store := setupTestStore(t)
	seedCrew(t, store)
	ctx := context.Background()
	seedUser(t, store, 110, types.RoleMaster)

	ticket := newTicket(t, store, adminID)
	_, err := store.TakeTicket(ctx, ticket.ID, masterID)
	require.NoError(t, err)

	_, err = store.SetInProgress(ctx, ticket.ID, 110)
	require.ErrorIs(t, err, storage.ErrDenied)

	// The super admin may advance on the executor's behalf.
	updated, err := store.SetInProgress(ctx, ticket.ID, superID)
	require.NoError(t, err)
	require.Equal(t, types.StatusInProgress, updated.Status)
}

func TestCancelTicketIdempotent(t *testing.T) {
	store := setupTestStore(t)
	seedCrew(t, store)
	ctx := context.Background()

	ticket := newTicket(t, store, adminID)
	first, err := store.CancelTicket(ctx, ticket.ID, adminID)
	require.NoError(t, err)
	require.Equal(t, types.StatusCancelled, first.Status)

	second, err := store.CancelTicket(ctx, ticket.ID, adminID)
	require.NoError(t, err)
	require.Equal(t, types.StatusCancelled, second.Status)

	// Only the first cancel recorded an event.
	events, err := store.TicketEvents(ctx, ticket.ID, 50)
	require.NoError(t, err)
	cancels := 0
	for _, ev := range events {
		if ev.Action == types.ActionTicketCancelled {
			cancels++
		}
	}
	require.Equal(t, 1, cancels)
}

func TestTicketEventsNewestFirst(t *testing.T) {
	store := setupTestStore(t)
	seedCrew(t, store)
	ctx := context.Background()

	ticket := newTicket(t, store, adminID)
	workTicket(t, store, ticket.ID)

	events, err := store.TicketEvents(ctx, ticket.ID, 50)
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.Equal(t, types.ActionTicketStatusUpdate, events[0].Action)
	require.Equal(t, types.ActionTicketTaken, events[1].Action)
	require.Equal(t, types.ActionTicketCreated, events[2].Action)
}
