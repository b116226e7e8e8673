package providers

import (
	"errors"
	"fmt"

	"github.com/unioauth/unioauth/storage"
)

// Sentinel errors matched with errors.Is.
var (
	// ErrRefreshNotSupported is returned by providers whose tokens cannot be
	// refreshed (GitHub OAuth Apps issue non-expiring tokens). It is an
	// expected outcome, not a network failure.
	ErrRefreshNotSupported = errors.New("provider does not support token refresh")

	// ErrNoRemoteID is returned when a provider's user-info payload carries
	// none of the documented identifier fields.
	ErrNoRemoteID = errors.New("provider response contains no user identifier")
)

// Error is the uniform adapter failure. It carries the provider identifier,
// the operation that failed, the provider's own error code when one was
// present in the response envelope, and the underlying cause.
type Error struct {
	Provider storage.ProviderID
	// Op names the failed operation: "exchange_code", "fetch_profile",
	// "refresh_token", "resolve_openid", "app_token".
	Op string
	// Code is the provider's error code verbatim ("bad_verification_code",
	// "40029", "20001", ...), empty for transport failures.
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Code != "" && e.Message != "":
		return fmt.Sprintf("%s %s: %s (%s)", e.Provider, e.Op, e.Message, e.Code)
	case e.Message != "":
		return fmt.Sprintf("%s %s: %s", e.Provider, e.Op, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s failed", e.Provider, e.Op)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds an adapter error for a provider error envelope.
func NewError(provider storage.ProviderID, op, code, message string) *Error {
	return &Error{Provider: provider, Op: op, Code: code, Message: message}
}

// WrapError builds an adapter error around a transport or decode failure.
func WrapError(provider storage.ProviderID, op string, err error) *Error {
	return &Error{Provider: provider, Op: op, Err: err}
}
