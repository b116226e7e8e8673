package security

// Event type constants for security audit logging.
// These constants keep event names consistent across the codebase.
const (
	// State lifecycle events

	// EventStateIssued is logged when a new state token is issued
	EventStateIssued = "state_issued"

	// EventStateConsumed is logged when a state token is consumed on callback
	EventStateConsumed = "state_consumed"

	// EventStateReplayDetected is logged when an already-consumed state token
	// is presented again (replay attack or double-submit)
	EventStateReplayDetected = "state_replay_detected"

	// EventStateExpired is logged when an expired state token is presented
	EventStateExpired = "state_expired"

	// EventStateUnknown is logged when an unknown state token is presented
	EventStateUnknown = "state_unknown"

	// Binding events

	// EventBindingCreated is logged when a remote identity is bound to a user
	EventBindingCreated = "binding_created"

	// EventBindingConflict is logged when a bind attempt hits an identity
	// already bound to another user
	EventBindingConflict = "binding_conflict"

	// EventBindingRemoved is logged when a binding is unbound
	EventBindingRemoved = "binding_removed"

	// Login events

	// EventLoginSucceeded is logged when a delegated login resolves to a
	// local user
	EventLoginSucceeded = "login_succeeded"

	// EventLoginDeniedUnbound is logged when a login callback resolves to a
	// remote identity with no local binding
	EventLoginDeniedUnbound = "login_denied_unbound"

	// EventLoginDeniedDisabled is logged when the resolved binding is disabled
	EventLoginDeniedDisabled = "login_denied_disabled"

	// Provider events

	// EventProviderExchangeFailed is logged when code exchange with the
	// provider fails
	EventProviderExchangeFailed = "provider_exchange_failed"

	// EventProviderProfileFailed is logged when the profile fetch fails
	EventProviderProfileFailed = "provider_profile_failed"

	// EventTokenRefreshed is logged when a provider token is refreshed
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRefreshFailed is logged when a provider token refresh fails
	EventTokenRefreshFailed = "token_refresh_failed"

	// Throttling events

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventIssuanceLimitExceeded is logged when the state issuance window
	// limit is exceeded
	EventIssuanceLimitExceeded = "issuance_limit_exceeded"
)
