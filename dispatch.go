// Package dispatch provides a minimal public API for embedding the
// dispatch storage layer in other Go programs.
//
// It exports only the essential types and an open function; richer
// integrations should import the internal packages' public surface
// through this facade rather than poking at the database directly.
package dispatch

import (
	"context"

	"github.com/fieldops/dispatch/internal/storage"
	"github.com/fieldops/dispatch/internal/storage/sqlstore"
	"github.com/fieldops/dispatch/internal/types"
)

// Core domain types.
type (
	Ticket         = types.Ticket
	TicketStatus   = types.TicketStatus
	TransferStatus = types.TransferStatus
	User           = types.User
	Role           = types.Role
	Lead           = types.Lead
	LeadStatus     = types.LeadStatus
	AuditEvent     = types.AuditEvent
	DateRange      = storage.DateRange
)

// Ticket status constants. StatusTaken is a legacy synonym of
// StatusInWork kept for rows written by older revisions.
const (
	StatusReadyForWork = types.StatusReadyForWork
	StatusInWork       = types.StatusInWork
	StatusTaken        = types.StatusTaken
	StatusInProgress   = types.StatusInProgress
	StatusWaiting      = types.StatusWaiting
	StatusClosed       = types.StatusClosed
	StatusCancelled    = types.StatusCancelled
)

// Role constants.
const (
	RoleMaster       = types.RoleMaster
	RoleJuniorMaster = types.RoleJuniorMaster
	RoleAdmin        = types.RoleAdmin
	RoleJuniorAdmin  = types.RoleJuniorAdmin
	RoleSysAdmin     = types.RoleSysAdmin
	RoleSuperAdmin   = types.RoleSuperAdmin
)

// Storage is the full persistence interface.
type Storage = storage.Storage

// Config configures Open.
type Config = sqlstore.Config

// Open opens a dispatch database (SQLite path or postgres:// URL),
// applying pending migrations.
func Open(ctx context.Context, cfg Config) (Storage, error) {
	return sqlstore.Open(ctx, cfg)
}
