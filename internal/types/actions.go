package types

// Ticket event actions. Every successful state-changing operation records
// exactly one primary event.
const (
	ActionTicketCreated      = "TICKET_CREATED"
	ActionTicketTaken        = "TICKET_TAKEN"
	ActionTicketStatusUpdate = "TICKET_STATUS_UPDATED"
	ActionTicketClosed       = "TICKET_CLOSED"
	ActionTicketPayoutsFixed = "TICKET_PAYOUTS_FIXED"
	ActionTicketCancelled    = "TICKET_CANCELLED"
	ActionTransferSent       = "TRANSFER_SENT"
	ActionTransferConfirmed  = "TRANSFER_CONFIRMED"
	ActionTransferRejected   = "TRANSFER_REJECTED"
)

// Audit actions recorded for denials, guard failures and non-ticket
// entities.
const (
	ActionPermissionDenied       = "PERMISSION_DENIED"
	ActionInvalidStateTransition = "INVALID_STATE_TRANSITION"
	ActionLeadCreated            = "LEAD_CREATED"
	ActionLeadStatusUpdated      = "LEAD_STATUS_UPDATED"
	ActionLeadConverted          = "LEAD_CONVERTED"
	ActionJuniorLinkCreated      = "JUNIOR_LINK_CREATED"
	ActionJuniorLinkChanged      = "JUNIOR_LINK_CHANGED"
	ActionJuniorLinkDisabled     = "JUNIOR_LINK_DISABLED"
	ActionJuniorPercentChanged   = "JUNIOR_PERCENT_CHANGED"
	ActionProjectShareSet        = "PROJECT_SHARE_SET"
	ActionProjectTxAdded         = "PROJECT_TX_ADDED"
	ActionUserRoleChanged        = "USER_ROLE_CHANGED"
	ActionUserPercentChanged     = "USER_PERCENT_CHANGED"
	ActionSettingsUpdated        = "PROJECT_SETTINGS_UPDATED"
)

// Audit entity types.
const (
	EntityTicket             = "ticket"
	EntityLead               = "lead"
	EntityUser               = "user"
	EntityJuniorLink         = "master_junior_link"
	EntityProjectShare       = "project_share"
	EntityProjectTransaction = "project_transaction"
	EntityProjectSettings    = "project_settings"
)
