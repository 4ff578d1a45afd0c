package errors

import (
	"fmt"
)

// ErrorCode classifies relay failures for retry and routing decisions
type ErrorCode string

const (
	// ErrCodeConnection indicates the ledger endpoint could not be reached
	ErrCodeConnection ErrorCode = "CONNECTION"

	// ErrCodeCircuitOpen indicates a call rejected locally by an open circuit breaker
	ErrCodeCircuitOpen ErrorCode = "CIRCUIT_OPEN"

	// ErrCodeTxRetryable indicates a transient ledger failure; resubmission may succeed
	ErrCodeTxRetryable ErrorCode = "TX_RETRYABLE"

	// ErrCodeTxRejected indicates a deterministic ledger rejection; resubmission cannot succeed
	ErrCodeTxRejected ErrorCode = "TX_REJECTED"

	// ErrCodeDuplicateRequest indicates the ledger already holds this request's effect
	ErrCodeDuplicateRequest ErrorCode = "DUPLICATE_REQUEST"

	// ErrCodeValidation indicates malformed input or event payloads
	ErrCodeValidation ErrorCode = "VALIDATION"

	// ErrCodeConfiguration indicates missing or contradictory static configuration
	ErrCodeConfiguration ErrorCode = "CONFIGURATION"

	// ErrCodeDatabase indicates local store operation errors
	ErrCodeDatabase ErrorCode = "DATABASE"

	// ErrCodeTimeout indicates a deadline expired before the operation finished
	ErrCodeTimeout ErrorCode = "TIMEOUT"

	// ErrCodeInternal indicates internal system errors
	ErrCodeInternal ErrorCode = "INTERNAL"
)

// Severity represents the severity level of an error
type Severity string

const (
	// SeverityCritical indicates errors that require immediate attention
	SeverityCritical Severity = "CRITICAL"

	// SeverityHigh indicates high priority errors
	SeverityHigh Severity = "HIGH"

	// SeverityMedium indicates medium priority errors
	SeverityMedium Severity = "MEDIUM"

	// SeverityLow indicates low priority errors
	SeverityLow Severity = "LOW"

	// SeverityInfo indicates informational errors
	SeverityInfo Severity = "INFO"
)

// RelayError is the error type crossing component boundaries. Tenant is set
// when the failure is scoped to one tenant's traffic.
type RelayError struct {
	Code     ErrorCode              `json:"code"`
	Message  string                 `json:"message"`
	Tenant   string                 `json:"tenant,omitempty"`
	Severity Severity               `json:"severity"`
	Cause    error                  `json:"-"`
	Context  map[string]interface{} `json:"context,omitempty"`
}

// New creates a RelayError with the default severity for its code
func New(code ErrorCode, tenant, message string, cause error) *RelayError {
	return &RelayError{
		Code:     code,
		Message:  message,
		Tenant:   tenant,
		Severity: defaultSeverity(code),
		Cause:    cause,
		Context:  make(map[string]interface{}),
	}
}

// Error implements the error interface
func (e *RelayError) Error() string {
	if e.Tenant != "" {
		return fmt.Sprintf("[%s:%s] %s: %s", e.Tenant, e.Code, e.Severity, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Severity, e.Message)
}

// Unwrap returns the underlying cause
func (e *RelayError) Unwrap() error {
	return e.Cause
}

// WithContext adds a key/value pair to the error context
func (e *RelayError) WithContext(key string, value interface{}) *RelayError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithSeverity overrides the default severity
func (e *RelayError) WithSeverity(severity Severity) *RelayError {
	e.Severity = severity
	return e
}

// IsRetryable reports whether retrying the same operation later can succeed.
// An open breaker counts as retryable: the condition clears once the cooldown
// elapses.
func (e *RelayError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeConnection, ErrCodeTimeout, ErrCodeTxRetryable, ErrCodeCircuitOpen:
		return true
	case ErrCodeDatabase:
		return e.Severity != SeverityCritical
	default:
		return false
	}
}

func defaultSeverity(code ErrorCode) Severity {
	switch code {
	case ErrCodeInternal:
		return SeverityCritical
	case ErrCodeDatabase, ErrCodeConfiguration:
		return SeverityHigh
	case ErrCodeTxRejected:
		return SeverityMedium
	case ErrCodeConnection, ErrCodeTxRetryable, ErrCodeTimeout, ErrCodeCircuitOpen:
		return SeverityMedium
	case ErrCodeValidation, ErrCodeDuplicateRequest:
		return SeverityLow
	default:
		return SeverityInfo
	}
}

// Constructors for the relay error taxonomy

// NewConnectionError creates a ledger connectivity error
func NewConnectionError(message string, cause error) *RelayError {
	return New(ErrCodeConnection, "", message, cause)
}

// NewCircuitOpenError creates an error for calls short-circuited by the breaker
func NewCircuitOpenError(message string) *RelayError {
	return New(ErrCodeCircuitOpen, "", message, nil)
}

// NewRetryableTxError creates a transient transaction error
func NewRetryableTxError(message string, cause error) *RelayError {
	return New(ErrCodeTxRetryable, "", message, cause)
}

// NewRejectedTxError creates a deterministic transaction rejection
func NewRejectedTxError(message string, cause error) *RelayError {
	return New(ErrCodeTxRejected, "", message, cause)
}

// NewDuplicateRequestError creates an error for requests the ledger has
// already applied
func NewDuplicateRequestError(message string) *RelayError {
	return New(ErrCodeDuplicateRequest, "", message, nil)
}

// NewValidationError creates a payload validation error
func NewValidationError(tenant, message string) *RelayError {
	return New(ErrCodeValidation, tenant, message, nil)
}

// NewConfigurationError creates a static configuration error
func NewConfigurationError(message string) *RelayError {
	return New(ErrCodeConfiguration, "", message, nil)
}

// NewDatabaseError creates a local store error
func NewDatabaseError(message string, cause error) *RelayError {
	return New(ErrCodeDatabase, "", message, cause)
}

// NewTimeoutError creates a deadline error
func NewTimeoutError(message string) *RelayError {
	return New(ErrCodeTimeout, "", message, nil)
}

// NewInternalError creates an internal error
func NewInternalError(message string, cause error) *RelayError {
	return New(ErrCodeInternal, "", message, cause)
}
