// Package types defines the shared data model for the ERPPilot pipeline:
// intents, authorization decisions, outcomes, and the audit log entry that
// records each run. These types flow between the parser, guard, executor,
// and audit recorder and are immutable once produced.
package types

import (
	"time"
)

// ActionName identifies an entry in the closed action catalog.
// Unknown names are a parse failure, never a dynamic lookup.
type ActionName string

// Catalog action names. The catalog is versioned; adding an action here
// requires a matching executor handler or startup fails the self-check.
const (
	ActionCreateSalesOrder       ActionName = "create-sales-order"
	ActionListCustomers          ActionName = "list-customers"
	ActionGetCustomerInfo        ActionName = "get-customer-info"
	ActionCreateCustomer         ActionName = "create-customer"
	ActionCreateItem             ActionName = "create-item"
	ActionGetStockLevel          ActionName = "get-stock-level"
	ActionUpdateItemPrice        ActionName = "update-item-price"
	ActionGetSalesReport         ActionName = "get-sales-report"
	ActionGetOutstandingInvoices ActionName = "get-outstanding-invoices"
	ActionCreateWarehouse        ActionName = "create-warehouse"
	ActionCreateUser             ActionName = "create-user"
	ActionGeneralQuery           ActionName = "general-query"
)

// RoleName is a role granted to a user by the external role source.
type RoleName string

// Well-known roles mirrored from the ERP's authority model.
const (
	RoleSystemManager RoleName = "System Manager"
	RoleSalesUser     RoleName = "Sales User"
	RoleSalesManager  RoleName = "Sales Manager"
	RoleStockUser     RoleName = "Stock User"
	RoleStockManager  RoleName = "Stock Manager"
	RoleItemManager   RoleName = "Item Manager"
	RoleAccountsUser  RoleName = "Accounts User"
	RoleReadOnly      RoleName = "Read Only"
)

// RiskTier classifies an action for confirmation policy.
type RiskTier int

const (
	// TierRead has no side effects; transparently retryable.
	TierRead RiskTier = iota
	// TierWrite mutates records; at-most-once, never auto-retried.
	TierWrite
	// TierAdmin always requires an explicit confirmation turn.
	TierAdmin
)

func (t RiskTier) String() string {
	switch t {
	case TierRead:
		return "read"
	case TierWrite:
		return "write"
	case TierAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

// ErrorKind is the closed set of structured failure reasons. User-visible
// messages and audit entries carry these instead of internal detail.
type ErrorKind string

const (
	ErrInvalidInput        ErrorKind = "invalid_input"
	ErrMalformedCompletion ErrorKind = "malformed_completion"
	ErrInvalidParameters   ErrorKind = "invalid_parameters"
	ErrUnknownAction       ErrorKind = "unknown_action"
	ErrInsufficientRole    ErrorKind = "insufficient_role"
	ErrConflict            ErrorKind = "conflict"
	ErrTimeout             ErrorKind = "timeout"
	ErrUnavailable         ErrorKind = "unavailable"
	ErrThrottled           ErrorKind = "throttled"
	ErrRateLimited         ErrorKind = "rate_limited"
	ErrInternal            ErrorKind = "internal"
)

// Intent is the structured representation of what the user asked for.
// Immutable once produced by the parser.
type Intent struct {
	Action     ActionName             `json:"action"`
	Parameters map[string]interface{} `json:"parameters"`
	Confidence float64                `json:"confidence"` // [0,1]
	RawText    string                 `json:"raw_text"`
}

// Decision is the guard's verdict on an intent.
type Decision string

const (
	DecisionAllow   Decision = "allow"
	DecisionDeny    Decision = "deny"
	DecisionConfirm Decision = "confirm"
)

// Authorization is produced fresh per request; never cached across users.
type Authorization struct {
	Decision    Decision  `json:"decision"`
	Reason      string    `json:"reason"`
	Kind        ErrorKind `json:"kind,omitempty"` // set when Decision != allow
	MatchedRole RoleName  `json:"matched_role,omitempty"`
}

// OutcomeStatus reports whether an executed action succeeded.
type OutcomeStatus string

const (
	OutcomeSuccess OutcomeStatus = "success"
	OutcomeFailure OutcomeStatus = "failure"
)

// Outcome is created exactly once per executed intent; never mutated.
type Outcome struct {
	Status    OutcomeStatus          `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	ErrorKind ErrorKind              `json:"error_kind,omitempty"`
	RecordRef string                 `json:"record_ref,omitempty"` // affected domain record
}

// LatencyBreakdown captures per-stage timings for one pipeline run.
type LatencyBreakdown struct {
	Parse     time.Duration `json:"parse_ms"`
	Authorize time.Duration `json:"authorize_ms"`
	Execute   time.Duration `json:"execute_ms"`
	Total     time.Duration `json:"total_ms"`
}

// CommandLogEntry is the append-only audit unit: one per pipeline run,
// including aborted runs (Intent nil). Corrections are new entries
// referencing the original by RequestID; entries are never updated in place.
type CommandLogEntry struct {
	Timestamp      time.Time        `json:"ts"`
	RequestID      string           `json:"request_id"`
	UserID         string           `json:"user_id"`
	ConversationID string           `json:"conversation_id,omitempty"`
	RawText        string           `json:"raw_text"`
	Intent         *Intent          `json:"intent,omitempty"`        // nil if parse failed or aborted
	Authorization  *Authorization   `json:"authorization,omitempty"` // nil if aborted before guard
	Outcome        *Outcome         `json:"outcome,omitempty"`       // nil if denied before execution
	Response       string           `json:"response,omitempty"`
	Latency        LatencyBreakdown `json:"latency"`
	CorrectsID     string           `json:"corrects_id,omitempty"` // RequestID of the entry this corrects
}
