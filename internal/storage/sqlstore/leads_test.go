package sqlstore

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/fieldops/dispatch/internal/storage"
	"github.com/fieldops/dispatch/internal/types"
)

func ingestParams(id uuid.UUID) storage.IngestLeadParams {
	phone := "+79991112233"
	name := "Ivan"
	return storage.IngestLeadParams{
		ExternalID:  id,
		Source:      "site",
		ClientName:  &name,
		ClientPhone: &phone,
		ProblemText: "TV shows no picture",
		AdSource:    "avito",
		Meta:        map[string]string{"ip": "10.0.0.1"},
	}
}

func TestIngestLeadIdempotent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	id := uuid.New()

	lead, duplicate, err := store.IngestLead(ctx, ingestParams(id))
	require.NoError(t, err)
	require.False(t, duplicate)
	require.Equal(t, id, lead.ID)
	require.Equal(t, types.LeadNewRaw, lead.Status)
	require.Equal(t, types.AdSourceAvito, lead.AdSource)
	require.Equal(t, "10.0.0.1", lead.Meta["ip"])

	// Repeat delivery with a different payload returns the original row.
	p := ingestParams(id)
	p.ProblemText = "changed text"
	again, duplicate, err := store.IngestLead(ctx, p)
	require.NoError(t, err)
	require.True(t, duplicate)
	require.Equal(t, "TV shows no picture", again.ProblemText)
}

func TestIngestLeadDefaultsAndAudit(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	id := uuid.New()

	external := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	p := ingestParams(id)
	p.Source = ""
	p.CreatedAt = &external
	lead, _, err := store.IngestLead(ctx, p)
	require.NoError(t, err)
	require.Equal(t, "site", lead.Source)
	require.True(t, external.Equal(lead.CreatedAt), "created_at %s", lead.CreatedAt)

	events, err := store.AuditEvents(ctx, types.EntityLead, id.String(), 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, types.ActionLeadCreated, events[0].Action)
	require.Nil(t, events[0].ActorID)
}

func TestSetLeadStatus(t *testing.T) {
	store := setupTestStore(t)
	seedCrew(t, store)
	ctx := context.Background()
	id := uuid.New()

	_, _, err := store.IngestLead(ctx, ingestParams(id))
	require.NoError(t, err)

	actor := adminID
	lead, err := store.SetLeadStatus(ctx, id, types.LeadNeedInfo, &actor)
	require.NoError(t, err)
	require.Equal(t, types.LeadNeedInfo, lead.Status)

	lead, err = store.SetLeadStatus(ctx, id, types.LeadNewRaw, &actor)
	require.NoError(t, err)
	require.Equal(t, types.LeadNewRaw, lead.Status)

	// CONVERTED is reachable only through ticket creation.
	_, err = store.SetLeadStatus(ctx, id, types.LeadConverted, &actor)
	require.ErrorIs(t, err, storage.ErrValidation)

	// SPAM is terminal: no way back.
	lead, err = store.SetLeadStatus(ctx, id, types.LeadSpam, &actor)
	require.NoError(t, err)
	require.Equal(t, types.LeadSpam, lead.Status)
	_, err = store.SetLeadStatus(ctx, id, types.LeadNewRaw, &actor)
	require.ErrorIs(t, err, storage.ErrInvalidState)
}

func TestSetLeadStatusRequiresAdminTier(t *testing.T) {
	store := setupTestStore(t)
	seedCrew(t, store)
	ctx := context.Background()
	id := uuid.New()

	_, _, err := store.IngestLead(ctx, ingestParams(id))
	require.NoError(t, err)

	actor := masterID
	_, err = store.SetLeadStatus(ctx, id, types.LeadSpam, &actor)
	require.ErrorIs(t, err, storage.ErrDenied)

	events, err := store.AuditEvents(ctx, types.EntityLead, id.String(), 10)
	require.NoError(t, err)
	require.Equal(t, types.ActionPermissionDenied, events[0].Action)

	lead, err := store.GetLead(ctx, id)
	require.NoError(t, err)
	require.Equal(t, types.LeadNewRaw, lead.Status)
}

func TestSpamLeadCannotConvert(t *testing.T) {
	store := setupTestStore(t)
	seedCrew(t, store)
	ctx := context.Background()
	id := uuid.New()

	lead, _, err := store.IngestLead(ctx, ingestParams(id))
	require.NoError(t, err)
	actor := adminID
	_, err = store.SetLeadStatus(ctx, id, types.LeadSpam, &actor)
	require.NoError(t, err)

	prefill := store.BuildTicketPrefill(lead)
	_, err = store.CreateTicket(ctx, storage.CreateTicketParams{
		Category:    "TV",
		ClientPhone: prefill.ClientPhone,
		ProblemText: prefill.ProblemText,
		ActorID:     adminID,
		LeadID:      &id,
	})
	require.ErrorIs(t, err, storage.ErrInvalidState)

	// The lead stays SPAM and unlinked; the failed create is audited.
	after, err := store.GetLead(ctx, id)
	require.NoError(t, err)
	require.Equal(t, types.LeadSpam, after.Status)
	require.Nil(t, after.ConvertedTicketID)

	events, err := store.AuditEvents(ctx, types.EntityLead, id.String(), 10)
	require.NoError(t, err)
	require.Equal(t, types.ActionInvalidStateTransition, events[0].Action)
	require.Equal(t, "create_ticket", events[0].Payload["operation"])

	// The counter did not burn a sequence number for the failed create.
	ticket, err := store.CreateTicket(ctx, storage.CreateTicketParams{
		Category:    "TV",
		ClientPhone: "+79991112233",
		ProblemText: "fresh request",
		ActorID:     adminID,
	})
	require.NoError(t, err)
	require.Equal(t, "01", ticket.PublicID[6:])
}

func TestLeadConversionIsFinal(t *testing.T) {
	store := setupTestStore(t)
	seedCrew(t, store)
	ctx := context.Background()
	id := uuid.New()

	lead, _, err := store.IngestLead(ctx, ingestParams(id))
	require.NoError(t, err)

	prefill := store.BuildTicketPrefill(lead)
	ticket, err := store.CreateTicket(ctx, storage.CreateTicketParams{
		Category:    "TV",
		ClientPhone: prefill.ClientPhone,
		ClientName:  prefill.ClientName,
		ProblemText: prefill.ProblemText,
		AdSource:    string(prefill.AdSource),
		ActorID:     adminID,
		LeadID:      &id,
	})
	require.NoError(t, err)

	converted, err := store.GetLead(ctx, id)
	require.NoError(t, err)
	require.Equal(t, types.LeadConverted, converted.Status)
	require.NotNil(t, converted.ConvertedTicketID)
	require.Equal(t, ticket.ID, *converted.ConvertedTicketID)

	// No status change may follow conversion; the audit row commits.
	actor := adminID
	_, err = store.SetLeadStatus(ctx, id, types.LeadSpam, &actor)
	require.ErrorIs(t, err, storage.ErrInvalidState)

	events, err := store.AuditEvents(ctx, types.EntityLead, id.String(), 10)
	require.NoError(t, err)
	require.Equal(t, types.ActionInvalidStateTransition, events[0].Action)

	// A second create from the same lead fails outright.
	_, err = store.CreateTicket(ctx, storage.CreateTicketParams{
		Category:    "TV",
		ClientPhone: prefill.ClientPhone,
		ProblemText: prefill.ProblemText,
		ActorID:     adminID,
		LeadID:      &id,
	})
	require.ErrorIs(t, err, storage.ErrInvalidState)
}

func TestBuildTicketPrefill(t *testing.T) {
	store := setupTestStore(t)
	when := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	age := int64(60)
	phone := "+79991112233"
	name := "Ivan"
	lead := &types.Lead{
		ClientName:        &name,
		ClientPhone:       &phone,
		ClientAgeEstimate: &age,
		ProblemText:       "no picture",
		AdSource:          types.AdSourceAvito,
		PreferredDatetime: &when,
	}

	p := store.BuildTicketPrefill(lead)
	require.Equal(t, phone, p.ClientPhone)
	require.Equal(t, &name, p.ClientName)
	require.Equal(t, &age, p.ClientAgeEstimate)
	require.Equal(t, types.AdSourceAvito, p.AdSource)
	require.Equal(t, &when, p.ScheduledAt)
}

func TestGetLeadNotFound(t *testing.T) {
	store := setupTestStore(t)
	_, err := store.GetLead(context.Background(), uuid.New())
	require.ErrorIs(t, err, storage.ErrNotFound)
}
