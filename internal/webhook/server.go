// Package webhook exposes the lead intake endpoint for the public site.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fieldops/dispatch/internal/storage"
	"github.com/fieldops/dispatch/internal/telemetry"
	"github.com/fieldops/dispatch/internal/types"
)

// MessageLimit caps the stored problem text, in runes.
const MessageLimit = 3500

// Server handles HTTP requests for lead intake webhooks.
type Server struct {
	store      storage.Storage
	secret     string
	mux        *http.ServeMux
	httpServer *http.Server
}

// ServerConfig holds configuration for the webhook server.
type ServerConfig struct {
	Store storage.Storage
	// Secret is compared against the x-webhook-secret header. An empty
	// secret disables the endpoint (503) rather than opening it up.
	Secret string
}

// NewServer creates a new webhook server.
func NewServer(cfg ServerConfig) *Server {
	s := &Server{
		store:  cfg.Store,
		secret: cfg.Secret,
		mux:    http.NewServeMux(),
	}

	s.mux.HandleFunc("/webhook/lead", s.handleLead)
	s.mux.HandleFunc("/health", s.handleHealth)

	return s
}

// Start starts the HTTP server on the given address.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Handler returns the HTTP handler for use with custom servers.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// LeadRequest is the JSON body posted by the site. Unknown fields are
// ignored.
type LeadRequest struct {
	ExternalID    string `json:"external_id"`
	TS            string `json:"ts"`
	Name          string `json:"name"`
	Phone         string `json:"phone"`
	Message       string `json:"message"`
	Source        string `json:"source"`
	CategoryID    string `json:"categoryId"`
	CategoryTitle string `json:"categoryTitle"`
	IssueTitle    string `json:"issueTitle"`
	IP            string `json:"ip"`
	UA            string `json:"ua"`
}

// LeadResponse is the JSON response body.
type LeadResponse struct {
	OK        bool   `json:"ok"`
	Duplicate bool   `json:"duplicate"`
	Error     string `json:"error,omitempty"`
}

// handleLead handles POST /webhook/lead. Idempotent on external_id: a
// repeated delivery answers {ok:true, duplicate:true} without a second row.
func (s *Server) handleLead(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		telemetry.CountLeadRejected(r.Context(), "method")
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed: use POST")
		return
	}
	if s.secret == "" {
		log.Printf("[webhook:lead] rejected: webhook secret missing")
		telemetry.CountLeadRejected(r.Context(), "unconfigured")
		s.writeError(w, http.StatusServiceUnavailable, "webhook not configured")
		return
	}
	if header := r.Header.Get("x-webhook-secret"); header == "" || header != s.secret {
		log.Printf("[webhook:lead] rejected: invalid secret")
		telemetry.CountLeadRejected(r.Context(), "auth")
		s.writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1MB limit
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	defer func() { _ = r.Body.Close() }()

	var req LeadRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	externalID, err := uuid.Parse(strings.TrimSpace(req.ExternalID))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid external_id")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		s.writeError(w, http.StatusBadRequest, "missing message")
		return
	}

	phone := types.NormalizePhone(strings.TrimSpace(req.Phone))
	if phone == "" || !types.IsValidPhone(phone) {
		log.Printf("[webhook:lead] rejected: invalid phone")
		telemetry.CountLeadRejected(r.Context(), "validation")
		s.writeError(w, http.StatusBadRequest, "invalid phone")
		return
	}

	params := buildIngestParams(req, externalID, phone)

	ctx := r.Context()
	lead, duplicate, err := s.store.IngestLead(ctx, params)
	if errors.Is(err, storage.ErrConflict) {
		// Raced another delivery of the same external_id; the row exists now.
		lead, duplicate, err = s.store.IngestLead(ctx, params)
	}
	if err != nil {
		log.Printf("[webhook:lead] failed external_id=%s: %v", externalID, err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	telemetry.CountLeadIngested(ctx, duplicate)
	if duplicate {
		log.Printf("[webhook:lead] duplicate external_id=%s", lead.ID)
	} else {
		log.Printf("[webhook:lead] accepted external_id=%s", lead.ID)
	}
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(LeadResponse{OK: true, Duplicate: duplicate})
}

// buildIngestParams maps the wire payload onto the store's ingest inputs,
// truncating the message and keeping the delivery context in meta.
func buildIngestParams(req LeadRequest, externalID uuid.UUID, phone string) storage.IngestLeadParams {
	p := storage.IngestLeadParams{
		ExternalID:  externalID,
		Source:      strings.TrimSpace(req.Source),
		ClientPhone: &phone,
		ProblemText: truncate(strings.TrimSpace(req.Message), MessageLimit),
		Meta:        map[string]string{},
	}
	if name := strings.TrimSpace(req.Name); name != "" {
		p.ClientName = &name
	}
	if ts, err := time.Parse(time.RFC3339, strings.TrimSpace(req.TS)); err == nil {
		utc := ts.UTC()
		p.CreatedAt = &utc
		p.Meta["external_ts"] = utc.Format(time.RFC3339)
	}
	for key, value := range map[string]string{
		"category_id":    req.CategoryID,
		"category_title": req.CategoryTitle,
		"issue_title":    req.IssueTitle,
		"ip":             req.IP,
		"ua":             req.UA,
		"source":         req.Source,
	} {
		if value != "" {
			p.Meta[key] = value
		}
	}
	return p
}

func truncate(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit-1]) + "…"
}

// handleHealth handles GET /health for load balancer checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(LeadResponse{
		OK:    false,
		Error: message,
	})
}
