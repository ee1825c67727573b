// Package storage provides shared types for the dispatch store.
//
// The concrete implementation lives in the sqlstore sub-package. This
// package holds the interface, the domain error taxonomy and the value
// types referenced by both the implementation and its consumers
// (cmd/dispatchd, the webhook listener, etc.).
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fieldops/dispatch/internal/types"
)

// Domain error taxonomy. Operations surface these as typed results; the
// presentation layer maps them to short user-facing messages.
var (
	// ErrDenied means the actor lacks the role for the operation.
	ErrDenied = errors.New("permission denied")
	// ErrInvalidState means the row did not match the operation's
	// preconditions (wrong status, wrong transfer state, no executor).
	ErrInvalidState = errors.New("invalid state transition")
	// ErrAlreadyTaken is the business-as-usual outcome for the losers of
	// a concurrent take. Unlike ErrInvalidState it is not audited.
	ErrAlreadyTaken = errors.New("ticket already taken")
	// ErrValidation means an input is out of domain (bad phone, percent
	// out of range, negative money, bad date).
	ErrValidation = errors.New("validation failed")
	// ErrExhausted means a hard limit was hit: the daily public-id
	// counter passed 99 or the close-photo limit was exceeded.
	ErrExhausted = errors.New("limit exhausted")
	// ErrConflict means a unique-index violation raced the operation;
	// callers retry at most once.
	ErrConflict = errors.New("conflict")
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("not found")
)

// DateRange bounds period-scoped finance queries. Nil endpoints leave the
// corresponding side unbounded.
type DateRange struct {
	Start *time.Time
	End   *time.Time
}

// RangeFromDates builds an inclusive DateRange covering whole days.
func RangeFromDates(start, end *time.Time) DateRange {
	var r DateRange
	if start != nil {
		s := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, start.Location())
		r.Start = &s
	}
	if end != nil {
		e := time.Date(end.Year(), end.Month(), end.Day(), 23, 59, 59, 999999999, end.Location())
		r.End = &e
	}
	return r
}

// ListFilter selects a ticket list flavor for ListForActor.
type ListFilter string

// List filter keys.
const (
	FilterAll    ListFilter = "all"
	FilterActive ListFilter = "active"
	FilterRepeat ListFilter = "repeat"
)

// Page is a zero-based page request.
type Page struct {
	Number int
	Size   int
}

// SearchQuery is one of: internal ID, public ID (exactly 8 digits), or a
// digits-only phone substring. Exactly one field should be set.
type SearchQuery struct {
	TicketID    *int64
	PublicID    string
	PhoneDigits string
}

// CreateTicketParams carries the inputs of the ticket create operation.
// When LeadID is set, the source lead is flipped to CONVERTED in the same
// unit of work.
type CreateTicketParams struct {
	Category          string
	ScheduledAt       *time.Time
	PreferredDateDM   *string
	ClientName        *string
	ClientAgeEstimate *int64
	ClientPhone       string
	ClientAddress     *string
	AddressDetails    *string
	ProblemText       string
	SpecialNote       *string
	AdSource          string
	ActorID           int64
	LeadID            *uuid.UUID
}

// ClosePhotoInput is one submitted close photo handle.
type ClosePhotoInput struct {
	FileID       string
	FileUniqueID *string
}

// CloseTicketParams carries the inputs of the ticket close operation.
type CloseTicketParams struct {
	TicketID       int64
	ActorID        int64
	Revenue        decimal.Decimal
	Expense        decimal.Decimal
	JuniorMasterID *int64
	JuniorPercent  *decimal.Decimal
	ClosedComment  string
	Photos         []ClosePhotoInput
	// AllowOverride lets SUPER_ADMIN/SYS_ADMIN close (or re-close) on
	// behalf of the executor.
	AllowOverride bool
}

// IngestLeadParams is the normalized webhook payload for the idempotent
// lead ingest.
type IngestLeadParams struct {
	ExternalID        uuid.UUID
	Source            string
	ClientName        *string
	ClientPhone       *string
	PreferredDatetime *time.Time
	ClientAgeEstimate *int64
	ProblemText       string
	SpecialNote       *string
	AdSource          string
	Meta              map[string]string
	CreatedAt         *time.Time
}

// TicketPrefill is the field map a lead contributes to the ticket-create
// wizard. Building it has no side effects.
type TicketPrefill struct {
	ClientPhone       string
	ClientName        *string
	ClientAgeEstimate *int64
	ProblemText       string
	SpecialNote       *string
	AdSource          types.AdSource
	ScheduledAt       *time.Time
}

// MasterMoney is the earnings breakdown of one master over a period.
type MasterMoney struct {
	Earned          decimal.Decimal
	NetProfit       decimal.Decimal
	Confirmed       decimal.Decimal
	Pending         decimal.Decimal
	CashShareAmount decimal.Decimal
}

// ProjectSummary aggregates closed tickets and manual transactions over a
// period. "Should" and "received" differ only by the confirmed-transfer
// filter.
type ProjectSummary struct {
	TicketsNetProfitShould   decimal.Decimal
	TicketsNetProfitReceived decimal.Decimal
	ManualIncomeSum          decimal.Decimal
	ManualExpenseSum         decimal.Decimal
	ProjectNetCashShould     decimal.Decimal
	ProjectNetCashReceived   decimal.Decimal
	EarnedExecutor           decimal.Decimal
	EarnedAdmin              decimal.Decimal
	EarnedJunior             decimal.Decimal
	ProjectTakeSum           decimal.Decimal
	ClosedCount              int
	ConfirmedCount           int
	RepeatsCount             int
}

// MasterPendingTransfer is one row of the pending-transfers dashboard.
type MasterPendingTransfer struct {
	ExecutorID int64
	Amount     decimal.Decimal
}

// RepeatPhone is one phone with more than one ticket.
type RepeatPhone struct {
	Phone string
	Count int
}

// Storage is the interface satisfied by *sqlstore.Store. Consumers depend
// on this interface rather than on the concrete type so that alternative
// implementations can be substituted in tests.
type Storage interface {
	// Users (permission gate)
	EnsureActor(ctx context.Context, externalID int64, displayName, username *string) (*types.User, error)
	GetUser(ctx context.Context, id int64) (*types.User, error)
	ListUsersByRoles(ctx context.Context, roles []types.Role, limit int) ([]*types.User, error)
	SetRole(ctx context.Context, userID int64, role types.Role, actorID int64) (*types.User, error)
	SetActive(ctx context.Context, userID int64, active bool, actorID int64) (*types.User, error)
	SetMasterPercent(ctx context.Context, userID int64, percent *decimal.Decimal, actorID int64) (*types.User, error)
	SetAdminPercent(ctx context.Context, userID int64, percent *decimal.Decimal, actorID int64) (*types.User, error)

	// Ticket engine
	CreateTicket(ctx context.Context, p CreateTicketParams) (*types.Ticket, error)
	TakeTicket(ctx context.Context, ticketID, actorID int64) (*types.Ticket, error)
	SetInProgress(ctx context.Context, ticketID, actorID int64) (*types.Ticket, error)
	CloseTicket(ctx context.Context, p CloseTicketParams) (*types.Ticket, error)
	MarkTransferSent(ctx context.Context, ticketID, actorID int64) (*types.Ticket, error)
	ConfirmTransfer(ctx context.Context, ticketID, actorID int64, approved bool) (*types.Ticket, error)
	CancelTicket(ctx context.Context, ticketID, actorID int64) (*types.Ticket, error)

	// Ticket queries
	GetTicket(ctx context.Context, id int64) (*types.Ticket, error)
	GetTicketForActor(ctx context.Context, id, actorID int64) (*types.Ticket, error)
	ListQueue(ctx context.Context, limit int) ([]*types.Ticket, error)
	ListForActor(ctx context.Context, actorID int64, filter ListFilter, page Page) ([]*types.Ticket, int, error)
	SearchForActor(ctx context.Context, actorID int64, q SearchQuery, page Page) ([]*types.Ticket, int, error)
	ListTransferPending(ctx context.Context, limit int) ([]*types.Ticket, error)
	ClosePhotos(ctx context.Context, ticketID int64) ([]*types.ClosePhoto, error)
	TicketMoneyOperations(ctx context.Context, ticketID int64) ([]*types.MoneyOperation, error)
	TicketEvents(ctx context.Context, ticketID int64, limit int) ([]*types.TicketEvent, error)
	AuditEvents(ctx context.Context, entityType string, entityID string, limit int) ([]*types.AuditEvent, error)

	// Issues dashboard
	ListTransferOverdue(ctx context.Context, days int, limit int) ([]*types.Ticket, error)
	ListZeroProfit(ctx context.Context, limit int) ([]*types.Ticket, error)
	ListRepeatPhones(ctx context.Context, limit int) ([]RepeatPhone, error)
	ListMasterPendingTransfers(ctx context.Context, limit int) ([]MasterPendingTransfer, error)

	// Lead pipeline
	IngestLead(ctx context.Context, p IngestLeadParams) (*types.Lead, bool, error)
	GetLead(ctx context.Context, id uuid.UUID) (*types.Lead, error)
	SetLeadStatus(ctx context.Context, id uuid.UUID, status types.LeadStatus, actorID *int64) (*types.Lead, error)
	BuildTicketPrefill(lead *types.Lead) TicketPrefill

	// Finance aggregator
	MasterMoney(ctx context.Context, masterID int64, rng DateRange) (*MasterMoney, error)
	AdminSalary(ctx context.Context, adminID int64, rng DateRange) (decimal.Decimal, error)
	JuniorSalary(ctx context.Context, juniorID int64, rng DateRange) (decimal.Decimal, error)
	ProjectSummaryFor(ctx context.Context, rng DateRange) (*ProjectSummary, error)
	ListTicketsForExport(ctx context.Context, rng DateRange) ([]*types.Ticket, error)
	ListManualTransactions(ctx context.Context, rng DateRange) ([]*types.ProjectTransaction, error)
	ListMoneyOperations(ctx context.Context, rng DateRange) ([]*types.MoneyOperation, error)
	AddProjectTransaction(ctx context.Context, txType types.TransactionType, amount decimal.Decimal, category string, comment *string, occurredAt time.Time, actorID int64) (*types.ProjectTransaction, error)
	SetProjectShare(ctx context.Context, userID int64, percent decimal.Decimal, actorID int64) (*types.ProjectShare, error)
	ListActiveShares(ctx context.Context) ([]*types.ProjectShare, error)

	// Junior-link registry
	LinkJunior(ctx context.Context, masterID, juniorID int64, percent decimal.Decimal, actorID int64) (*types.JuniorLink, error)
	RelinkJunior(ctx context.Context, juniorID, newMasterID int64, percent decimal.Decimal, actorID int64) (*types.JuniorLink, error)
	SetLinkPercent(ctx context.Context, linkID int64, percent decimal.Decimal, actorID int64) (*types.JuniorLink, error)
	DisableLink(ctx context.Context, linkID, actorID int64) (*types.JuniorLink, error)
	ActiveJuniorsForMaster(ctx context.Context, masterID int64) ([]*types.JuniorLink, error)
	ActiveLinkForJunior(ctx context.Context, juniorID int64) (*types.JuniorLink, error)

	// Project settings
	GetProjectSettings(ctx context.Context) (*types.ProjectSettings, error)
	UpdateProjectSettings(ctx context.Context, updates map[string]any, actorID int64) (*types.ProjectSettings, error)
	Threshold(ctx context.Context, key string, def int) (int, error)
	RequestsChatID(ctx context.Context, fallback int64) (int64, error)

	// Lifecycle
	Close() error
}
