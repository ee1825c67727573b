package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/fieldops/dispatch/internal/storage/sqlstore"
	"github.com/fieldops/dispatch/internal/types"
)

func setupTestServer(t *testing.T) (*Server, *sqlstore.Store) {
	t.Helper()

	store, err := sqlstore.Open(context.Background(), sqlstore.Config{
		URL: filepath.Join(t.TempDir(), "webhook.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	server := NewServer(ServerConfig{
		Store:  store,
		Secret: "test-secret",
	})
	return server, store
}

func postLead(t *testing.T, server *Server, secret string, payload map[string]any) *httptest.ResponseRecorder {
	t.Helper()

	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/webhook/lead", bytes.NewReader(body))
	if secret != "" {
		req.Header.Set("x-webhook-secret", secret)
	}
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	return rec
}

func leadPayload(externalID string) map[string]any {
	return map[string]any{
		"external_id": externalID,
		"ts":          "2026-08-25T10:30:00Z",
		"name":        "Ivan",
		"phone":       "+7 (999) 123-45-67",
		"message":     "TV shows no picture",
		"source":      "site",
	}
}

func TestLeadWebhookAccepts(t *testing.T) {
	server, store := setupTestServer(t)
	externalID := uuid.New()

	rec := postLead(t, server, "test-secret", leadPayload(externalID.String()))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp LeadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.OK)
	require.False(t, resp.Duplicate)

	lead, err := store.GetLead(context.Background(), externalID)
	require.NoError(t, err)
	require.Equal(t, types.LeadNewRaw, lead.Status)
	require.NotNil(t, lead.ClientPhone)
	require.Equal(t, "+79991234567", *lead.ClientPhone)
	require.Equal(t, "TV shows no picture", lead.ProblemText)
	require.Equal(t, "site", lead.Source)
}

func TestLeadWebhookDuplicate(t *testing.T) {
	server, _ := setupTestServer(t)
	externalID := uuid.NewString()

	rec := postLead(t, server, "test-secret", leadPayload(externalID))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = postLead(t, server, "test-secret", leadPayload(externalID))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp LeadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.OK)
	require.True(t, resp.Duplicate)
}

func TestLeadWebhookAuth(t *testing.T) {
	server, _ := setupTestServer(t)

	rec := postLead(t, server, "", leadPayload(uuid.NewString()))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = postLead(t, server, "wrong-secret", leadPayload(uuid.NewString()))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLeadWebhookUnconfigured(t *testing.T) {
	_, store := setupTestServer(t)
	server := NewServer(ServerConfig{Store: store})

	rec := postLead(t, server, "any", leadPayload(uuid.NewString()))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestLeadWebhookInvalidPhone(t *testing.T) {
	server, _ := setupTestServer(t)

	payload := leadPayload(uuid.NewString())
	payload["phone"] = "123"
	rec := postLead(t, server, "test-secret", payload)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLeadWebhookInvalidExternalID(t *testing.T) {
	server, _ := setupTestServer(t)

	payload := leadPayload("not-a-uuid")
	rec := postLead(t, server, "test-secret", payload)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLeadWebhookMethodNotAllowed(t *testing.T) {
	server, _ := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/webhook/lead", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestLeadWebhookTruncatesMessage(t *testing.T) {
	server, store := setupTestServer(t)
	externalID := uuid.New()

	payload := leadPayload(externalID.String())
	payload["message"] = strings.Repeat("x", MessageLimit+500)
	rec := postLead(t, server, "test-secret", payload)
	require.Equal(t, http.StatusOK, rec.Code)

	lead, err := store.GetLead(context.Background(), externalID)
	require.NoError(t, err)
	require.Equal(t, MessageLimit, len([]rune(lead.ProblemText)))
	require.True(t, strings.HasSuffix(lead.ProblemText, "…"))
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}
