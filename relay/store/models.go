// Package store contains the GORM-backed SQLite models shared by the relay:
// the durable command outbox, projection checkpoints, diverted events and the
// read models maintained from the ledger event stream.
package store

import (
	"time"

	"gorm.io/gorm"
)

// Command lifecycle states.
const (
	StatusPending   = "PENDING"   // enqueued, not yet claimed
	StatusLocked    = "LOCKED"    // claimed by a dispatcher worker
	StatusSubmitted = "SUBMITTED" // accepted by the ledger, commit block pending
	StatusCommitted = "COMMITTED" // included in a ledger block (terminal)
	StatusFailed    = "FAILED"    // awaiting retry, or terminal once attempts are exhausted
)

// AllStatuses lists every command lifecycle state, for gauges and listings.
var AllStatuses = []string{
	StatusPending,
	StatusLocked,
	StatusSubmitted,
	StatusCommitted,
	StatusFailed,
}

// Dead letter diversion reasons.
const (
	ReasonUnregisteredEvent = "UNREGISTERED_EVENT"
	ReasonSchemaValidation  = "SCHEMA_VALIDATION"
	ReasonHandlerRejected   = "HANDLER_REJECTED"
)

// Command is one durable ledger write intent. Producers insert rows; the
// dispatcher claims and drives them to a terminal state. Rows are never
// deleted.
type Command struct {
	gorm.Model
	TenantID      string     `gorm:"uniqueIndex:idx_tenant_request;not null"` // Owning tenant
	RequestID     string     `gorm:"uniqueIndex:idx_tenant_request;not null"` // Producer-supplied idempotency key
	Service       string     // Producer service name, informational
	CommandType   string     `gorm:"index;not null"` // Key into the command registry
	Payload       []byte     // Raw JSON-encoded command arguments
	Status        string     `gorm:"index;not null;default:'PENDING'"` // One of the Status* constants
	Attempts      int        // Submission attempts consumed so far
	LockedBy      string     // Worker identity holding the claim
	LockedAt      *time.Time `gorm:"index"` // Claim time, drives stale-lock reclaim
	NextAttemptAt *time.Time `gorm:"index"` // Earliest next submission time (backoff)
	SubmittedAt   *time.Time // When the ledger accepted the transaction
	LedgerTxID    string     `gorm:"index"` // Ledger transaction ID (empty until submitted)
	CommitBlock   uint64     // Block that committed the transaction
	ErrorCode     string     // Relay error code of the last failure
	ErrorMsg      string     `gorm:"type:text"` // Message of the last failure
}

// Checkpoint records the last ledger position applied by one projector on one
// channel. An absent row means the projector starts at genesis.
type Checkpoint struct {
	gorm.Model
	TenantID       string `gorm:"uniqueIndex:idx_tenant_projector_channel;not null"`
	Projector      string `gorm:"uniqueIndex:idx_tenant_projector_channel;not null"`
	Channel        string `gorm:"uniqueIndex:idx_tenant_projector_channel;not null"`
	LastBlock      uint64 // Block of the last applied or diverted event
	LastEventIndex uint64 // Index of that event within its block
}

// DeadLetterEvent is a ledger event diverted out of the projection stream,
// either unregistered or failing schema validation. The position index makes
// diversion idempotent under redelivery.
type DeadLetterEvent struct {
	gorm.Model
	TenantID     string `gorm:"uniqueIndex:idx_dead_letter_position;not null"`
	Channel      string `gorm:"uniqueIndex:idx_dead_letter_position;not null"`
	Block        uint64 `gorm:"uniqueIndex:idx_dead_letter_position"`
	EventIndex   uint64 `gorm:"uniqueIndex:idx_dead_letter_position"`
	EventName    string `gorm:"index"`
	EventVersion string
	LedgerTxID   string
	Payload      []byte // Raw event payload as delivered
	Reason       string `gorm:"index"` // One of the Reason* constants
	ErrorMsg     string `gorm:"type:text"`
	Resolved     bool   `gorm:"index;default:false"` // Set by the operator once handled
}

// AccountBalance is the per-account read model projected from ledger events.
type AccountBalance struct {
	gorm.Model
	TenantID       string `gorm:"uniqueIndex:idx_tenant_account;not null"`
	AccountID      string `gorm:"uniqueIndex:idx_tenant_account;not null"`
	Currency       string
	Balance        int64  // Minor units
	LastLedgerTxID string // Ledger transaction that last touched this balance
}

// TransferRecord is one row of transfer history, written when a settled
// transfer event is applied.
type TransferRecord struct {
	gorm.Model
	TenantID    string `gorm:"index"`
	TransferID  string `gorm:"uniqueIndex;not null"`
	FromAccount string `gorm:"index"`
	ToAccount   string `gorm:"index"`
	Amount      int64  // Minor units moved out of FromAccount
	FeeAmount   int64  // Fee withheld from the credited amount
	Currency    string
	LedgerTxID  string `gorm:"index"`
	Block       uint64
	Memo        string
}
