package unioauth

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Machine-readable flow error codes.
const (
	ErrorCodeProviderDisabled     = "provider_disabled"
	ErrorCodeUnknownProvider      = "unknown_provider"
	ErrorCodeStateNotFound        = "state_not_found"
	ErrorCodeStateConsumed        = "state_consumed"
	ErrorCodeStateExpired         = "state_expired"
	ErrorCodeStateMissingUser     = "state_missing_user"
	ErrorCodeStatePurposeMismatch = "state_purpose_mismatch"
	ErrorCodeRateLimitExceeded    = "rate_limit_exceeded"
	ErrorCodeExchangeFailed       = "exchange_failed"
	ErrorCodeProfileFailed        = "profile_failed"
	ErrorCodeAccountNotBound      = "account_not_bound"
	ErrorCodeBindingConflict      = "binding_conflict"
	ErrorCodeBindingNotFound      = "binding_not_found"
	ErrorCodeBindingDisabled      = "binding_disabled"
	ErrorCodeServerError          = "server_error"
)

// FlowError is the engine's user-facing failure. Description never carries
// raw provider payloads or token material; the full cause stays on Err for
// the logs. CorrelationID ties the returned error to the diagnostic log
// entries for the same flow invocation.
type FlowError struct {
	Code          string
	Description   string
	CorrelationID string
	Err           error
}

func (e *FlowError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func (e *FlowError) Unwrap() error { return e.Err }

// NewFlowError creates a flow error with a fresh correlation id.
func NewFlowError(code, description string) *FlowError {
	return &FlowError{
		Code:          code,
		Description:   description,
		CorrelationID: uuid.NewString(),
	}
}

// WrapFlowError creates a flow error carrying the underlying cause.
func WrapFlowError(code, description string, err error) *FlowError {
	fe := NewFlowError(code, description)
	fe.Err = err
	return fe
}

// Common flow errors as reusable constructors.
var (
	// ErrProviderDisabled indicates the provider has no enabled configuration.
	ErrProviderDisabled = func(provider string) *FlowError {
		return NewFlowError(ErrorCodeProviderDisabled, fmt.Sprintf("provider %q is not enabled", provider))
	}

	// ErrAccountNotBound indicates a login callback for a remote identity
	// with no local account. The caller must register or bind explicitly.
	ErrAccountNotBound = func(provider string) *FlowError {
		return NewFlowError(ErrorCodeAccountNotBound, fmt.Sprintf("no local account is associated with this %s identity; register or bind it first", provider))
	}

	// ErrBindingConflict indicates the remote identity is already bound to
	// another local user. Names the owning user so support can resolve it.
	ErrBindingConflict = func(provider string, ownerID int64) *FlowError {
		return NewFlowError(ErrorCodeBindingConflict, fmt.Sprintf("this %s identity is already bound to user %d", provider, ownerID))
	}

	// ErrBindingDisabled indicates login via a binding in disabled status.
	ErrBindingDisabled = func(provider string) *FlowError {
		return NewFlowError(ErrorCodeBindingDisabled, fmt.Sprintf("the %s binding for this account is disabled", provider))
	}
)

// ErrorCode maps any engine error to its machine-readable code, for
// embedding HTTP layers that render uniform error responses.
func ErrorCode(err error) string {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Code
	}
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return ErrorCodeRateLimitExceeded
	}
	return ErrorCodeServerError
}

// ConfigError reports an invalid engine or provider configuration. It is
// returned from constructors, never from flows.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "config: " + e.Message
	}
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// NewConfigError creates a configuration error for the named field.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message}
}

// StateError reports a state token that could not be consumed. Reason is one
// of the state error codes; the wrapped cause is the storage sentinel so
// callers may still match with errors.Is.
type StateError struct {
	Provider string
	Reason   string
	Err      error
}

func (e *StateError) Error() string {
	return fmt.Sprintf("state %s for provider %s", e.Reason, e.Provider)
}

func (e *StateError) Unwrap() error { return e.Err }

// RateLimitError reports a breached issuance window. Scope is "user" or "ip".
type RateLimitError struct {
	Provider string
	Scope    string
	Limit    int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("too many authorization attempts for provider %s (%s limit %d)", e.Provider, e.Scope, e.Limit)
}
