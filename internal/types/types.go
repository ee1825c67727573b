// Package types defines core data structures for the dispatch core.
package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Role is a user's access role. Roles gate every state-changing operation.
type Role string

// Role constants, lowest to highest rank.
const (
	RoleUser         Role = "USER"
	RoleJuniorAdmin  Role = "JUNIOR_ADMIN"
	RoleJuniorMaster Role = "JUNIOR_MASTER"
	RoleMaster       Role = "MASTER"
	RoleAdmin        Role = "ADMIN"
	RoleSysAdmin     Role = "SYS_ADMIN"
	RoleSuperAdmin   Role = "SUPER_ADMIN"
)

// IsValid checks if the role value is valid
func (r Role) IsValid() bool {
	switch r {
	case RoleUser, RoleJuniorAdmin, RoleJuniorMaster, RoleMaster, RoleAdmin, RoleSysAdmin, RoleSuperAdmin:
		return true
	}
	return false
}

// roleRank orders roles for environment-driven promotions only.
// Explicit role assignment by admins is not rank-checked.
var roleRank = map[Role]int{
	RoleUser:         0,
	RoleJuniorAdmin:  1,
	RoleJuniorMaster: 2,
	RoleMaster:       3,
	RoleAdmin:        4,
	RoleSysAdmin:     5,
	RoleSuperAdmin:   6,
}

// Rank returns the promotion rank of the role. Unknown roles rank lowest.
func (r Role) Rank() int {
	return roleRank[r]
}

// TicketStatus represents the current state of a ticket.
type TicketStatus string

// Ticket status constants.
const (
	StatusReadyForWork TicketStatus = "READY_FOR_WORK"
	StatusInWork       TicketStatus = "IN_WORK"
	// StatusTaken is a legacy synonym of IN_WORK. It is accepted in
	// preconditions for rows written by older revisions and never emitted.
	StatusTaken      TicketStatus = "TAKEN"
	StatusInProgress TicketStatus = "IN_PROGRESS"
	StatusWaiting    TicketStatus = "WAITING"
	StatusClosed     TicketStatus = "CLOSED"
	StatusCancelled  TicketStatus = "CANCELLED"
)

// IsValid checks if the status value is valid
func (s TicketStatus) IsValid() bool {
	switch s {
	case StatusReadyForWork, StatusInWork, StatusTaken, StatusInProgress, StatusWaiting, StatusClosed, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether the ticket status admits no further
// status transitions (the transfer sub-state machine continues on CLOSED).
func (s TicketStatus) IsTerminal() bool {
	return s == StatusClosed || s == StatusCancelled
}

// ActiveStatuses are the statuses shown in the active ticket lists.
var ActiveStatuses = []TicketStatus{
	StatusReadyForWork, StatusInWork, StatusTaken, StatusInProgress, StatusWaiting,
}

// TransferStatus tracks the cash hand-over sub-state of a closed ticket.
type TransferStatus string

// Transfer status constants.
const (
	TransferNotSent   TransferStatus = "NOT_SENT"
	TransferSent      TransferStatus = "SENT"
	TransferConfirmed TransferStatus = "CONFIRMED"
	TransferRejected  TransferStatus = "REJECTED"
)

// IsValid checks if the transfer status value is valid
func (s TransferStatus) IsValid() bool {
	switch s {
	case TransferNotSent, TransferSent, TransferConfirmed, TransferRejected:
		return true
	}
	return false
}

// TicketCategory is the canonical machine code of a ticket's category.
// Free-text inputs are normalized via ParseTicketCategory.
type TicketCategory string

// Category constants.
const (
	CategoryPC      TicketCategory = "PC"
	CategoryTV      TicketCategory = "TV"
	CategoryPhone   TicketCategory = "PHONE"
	CategoryPrinter TicketCategory = "PRINTER"
	CategoryOther   TicketCategory = "OTHER"
)

// IsValid checks if the category value is valid
func (c TicketCategory) IsValid() bool {
	switch c {
	case CategoryPC, CategoryTV, CategoryPhone, CategoryPrinter, CategoryOther:
		return true
	}
	return false
}

// AdSource is the canonical machine code of an advertising channel.
type AdSource string

// Ad source constants.
const (
	AdSourceAvito        AdSource = "AVITO"
	AdSourceLeaflet      AdSource = "LEAFLET"
	AdSourceBusinessCard AdSource = "BUSINESS_CARD"
	AdSourceOther        AdSource = "OTHER"
	AdSourceUnknown      AdSource = "UNKNOWN"
)

// IsValid checks if the ad source value is valid
func (a AdSource) IsValid() bool {
	switch a {
	case AdSourceAvito, AdSourceLeaflet, AdSourceBusinessCard, AdSourceOther, AdSourceUnknown:
		return true
	}
	return false
}

// LeadStatus represents the current state of a lead.
type LeadStatus string

// Lead status constants.
const (
	LeadNewRaw    LeadStatus = "NEW_RAW"
	LeadNeedInfo  LeadStatus = "NEED_INFO"
	LeadConverted LeadStatus = "CONVERTED"
	LeadSpam      LeadStatus = "SPAM"
)

// IsValid checks if the lead status value is valid
func (s LeadStatus) IsValid() bool {
	switch s {
	case LeadNewRaw, LeadNeedInfo, LeadConverted, LeadSpam:
		return true
	}
	return false
}

// IsFinal reports whether the lead status forbids further status changes.
// Both CONVERTED and SPAM are terminal.
func (s LeadStatus) IsFinal() bool {
	return s == LeadConverted || s == LeadSpam
}

// TransactionType categorizes a money movement.
type TransactionType string

// Transaction type constants.
const (
	TxIncome  TransactionType = "INCOME"
	TxExpense TransactionType = "EXPENSE"
)

// IsValid checks if the transaction type value is valid
func (t TransactionType) IsValid() bool {
	return t == TxIncome || t == TxExpense
}

// User is an actor identified by the external numeric ID of the chat platform.
type User struct {
	ID            int64            `json:"id"`
	Role          Role             `json:"role"`
	IsActive      bool             `json:"is_active"`
	DisplayName   *string          `json:"display_name,omitempty"`
	Username      *string          `json:"username,omitempty"`
	MasterPercent *decimal.Decimal `json:"master_percent,omitempty"`
	AdminPercent  *decimal.Decimal `json:"admin_percent,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// Ticket is a trackable unit of field work.
type Ticket struct {
	ID                int64          `json:"id"`
	PublicID          string         `json:"public_id"` // DDMMYYNN
	Status            TicketStatus   `json:"status"`
	Category          TicketCategory `json:"category"`
	ScheduledAt       *time.Time     `json:"scheduled_at,omitempty"`
	PreferredDateDM   *string        `json:"preferred_date_dm,omitempty"` // "DD.MM"
	ClientName        *string        `json:"client_name,omitempty"`
	ClientAgeEstimate *int64         `json:"client_age_estimate,omitempty"`
	ClientPhone       string         `json:"client_phone"`
	ClientAddress     *string        `json:"client_address,omitempty"`
	AddressDetails    *string        `json:"address_details,omitempty"`
	ProblemText       string         `json:"problem_text"`
	SpecialNote       *string        `json:"special_note,omitempty"`
	AdSource          AdSource       `json:"ad_source"`
	IsRepeat          bool           `json:"is_repeat"`
	RepeatTicketIDs   []int64        `json:"repeat_ticket_ids,omitempty"`

	CreatedByAdminID   int64  `json:"created_by_admin_id"`
	AssignedExecutorID *int64 `json:"assigned_executor_id,omitempty"`

	TakenAt       *time.Time `json:"taken_at,omitempty"`
	ClosedAt      *time.Time `json:"closed_at,omitempty"`
	ClosedByID    *int64     `json:"closed_by_user_id,omitempty"`
	ClosedComment *string    `json:"closed_comment,omitempty"`

	Revenue   *decimal.Decimal `json:"revenue,omitempty"`
	Expense   *decimal.Decimal `json:"expense,omitempty"`
	NetProfit *decimal.Decimal `json:"net_profit,omitempty"`

	TransferStatus      *TransferStatus `json:"transfer_status,omitempty"`
	TransferSentAt      *time.Time      `json:"transfer_sent_at,omitempty"`
	TransferConfirmedAt *time.Time      `json:"transfer_confirmed_at,omitempty"`
	TransferConfirmedBy *int64          `json:"transfer_confirmed_by,omitempty"`

	// Payout fields frozen at close. Later percent edits on users never
	// touch these.
	JuniorMasterID         *int64           `json:"junior_master_id,omitempty"`
	JuniorPercentAtClose   *decimal.Decimal `json:"junior_master_percent_at_close,omitempty"`
	JuniorEarnedAmount     *decimal.Decimal `json:"junior_master_earned_amount,omitempty"`
	ExecutorPercentAtClose *decimal.Decimal `json:"executor_percent_at_close,omitempty"`
	AdminPercentAtClose    *decimal.Decimal `json:"admin_percent_at_close,omitempty"`
	ExecutorEarnedAmount   *decimal.Decimal `json:"executor_earned_amount,omitempty"`
	AdminEarnedAmount      *decimal.Decimal `json:"admin_earned_amount,omitempty"`
	ProjectTakeAmount      *decimal.Decimal `json:"project_take_amount,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ClosePhoto is an external file handle attached to a closed ticket.
type ClosePhoto struct {
	ID           int64     `json:"id"`
	TicketID     int64     `json:"ticket_id"`
	FileID       string    `json:"file_id"`
	FileUniqueID *string   `json:"file_unique_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// MoneyOperation is one append-only ledger row tied to a ticket.
// Both types store non-negative amounts; OpType encodes direction.
type MoneyOperation struct {
	ID               int64           `json:"id"`
	TicketID         int64           `json:"ticket_id"`
	OpType           TransactionType `json:"op_type"`
	Amount           decimal.Decimal `json:"amount"`
	CategorySnapshot string          `json:"category_snapshot"`
	Comment          *string         `json:"comment,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// Lead is a raw inquiry from an external channel prior to becoming a ticket.
type Lead struct {
	ID                uuid.UUID         `json:"id"`
	Source            string            `json:"source"`
	ClientName        *string           `json:"client_name,omitempty"`
	ClientPhone       *string           `json:"client_phone,omitempty"`
	PreferredDatetime *time.Time        `json:"preferred_datetime,omitempty"`
	ClientAgeEstimate *int64            `json:"client_age_estimate,omitempty"`
	ProblemText       string            `json:"problem_text"`
	SpecialNote       *string           `json:"special_note,omitempty"`
	AdSource          AdSource          `json:"ad_source"`
	Status            LeadStatus        `json:"status"`
	Meta              map[string]string `json:"meta,omitempty"`
	ConvertedTicketID *int64            `json:"converted_ticket_id,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// JuniorLink is an active master-to-junior assignment. At most one active
// link may exist per junior; the partial unique index enforces this.
type JuniorLink struct {
	ID             int64           `json:"id"`
	MasterID       int64           `json:"master_id"`
	JuniorMasterID int64           `json:"junior_master_id"`
	Percent        decimal.Decimal `json:"percent"`
	IsActive       bool            `json:"is_active"`
	CreatedBy      int64           `json:"created_by"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// TicketEvent is one append-only history record keyed by ticket.
type TicketEvent struct {
	ID        int64          `json:"id"`
	TicketID  int64          `json:"ticket_id"`
	ActorID   *int64         `json:"actor_id,omitempty"`
	Action    string         `json:"action"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditEvent is one append-only audit record keyed by (entity_type,
// entity_id). Denials and invalid transitions are recorded here.
type AuditEvent struct {
	ID         int64          `json:"id"`
	ActorID    *int64         `json:"actor_id,omitempty"`
	Action     string         `json:"action"`
	EntityType string         `json:"entity_type"`
	EntityID   *string        `json:"entity_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// ProjectTransaction is a manual income/expense not tied to a ticket.
type ProjectTransaction struct {
	ID         int64           `json:"id"`
	Type       TransactionType `json:"type"`
	Amount     decimal.Decimal `json:"amount"`
	Category   string          `json:"category"`
	Comment    *string         `json:"comment,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
	CreatedBy  int64           `json:"created_by"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// ProjectShare is the active share-of-cash percent of one user.
type ProjectShare struct {
	ID       int64           `json:"id"`
	UserID   int64           `json:"user_id"`
	Percent  decimal.Decimal `json:"percent"`
	IsActive bool            `json:"is_active"`
	SetBy    int64           `json:"set_by"`
	SetAt    time.Time       `json:"set_at"`
}

// Threshold keys stored in project_settings.thresholds.
const (
	ThresholdLargeExpense        = "large_expense"
	ThresholdTransferPendingDays = "transfer_pending_days"
)

// Default threshold values.
const (
	DefaultLargeExpense        = 10000
	DefaultTransferPendingDays = 3
)

// ProjectSettings is the singleton settings row read by the ticket engine
// and the finance aggregator.
type ProjectSettings struct {
	ID             int64          `json:"id"`
	RequestsChatID *int64         `json:"requests_chat_id,omitempty"`
	Currency       string         `json:"currency"`
	RoundingMode   string         `json:"rounding_mode"`
	Thresholds     map[string]int `json:"thresholds,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// ValidatePercent checks that a percent value is within [0, 100] with at
// most two decimal places.
func ValidatePercent(p decimal.Decimal) error {
	if p.IsNegative() || p.GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("percent must be between 0 and 100 (got %s)", p)
	}
	if p.Exponent() < -2 && !p.Equal(p.Round(2)) {
		return fmt.Errorf("percent must have at most 2 decimal places (got %s)", p)
	}
	return nil
}

// PublicIDLength is the length of the external ticket identifier DDMMYYNN.
const PublicIDLength = 8

// MaxDailySequence caps the per-day ticket counter; issuance above this
// fails the create.
const MaxDailySequence = 99

// PublicIDFor formats a public ticket ID from a creation day and a
// per-day sequence number.
func PublicIDFor(day time.Time, seq int) string {
	return fmt.Sprintf("%s%02d", day.Format("020106"), seq)
}
