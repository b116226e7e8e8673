// Package unioauth orchestrates delegated OAuth2 login and account binding
// against GitHub, Gitee, WeChat, QQ, DingTalk, and Feishu.
//
// The engine owns the flow state machine: anti-forgery state issuance and
// one-time consumption, code-for-token exchange through uniform provider
// adapters, binding resolution with conflict detection, and background token
// refresh. HTTP framing, session storage, and user management stay with the
// embedding application and are reached through narrow interfaces.
package unioauth

import (
	"log/slog"
	"net/http"
	"time"
)

// Default flow timings.
const (
	DefaultStateTTL         = 15 * time.Minute
	DefaultStateRetention   = 30 * 24 * time.Hour
	DefaultRefreshLookahead = 24 * time.Hour
)

// Config holds the engine configuration. Structured using composition:
// rate limiting and security settings live in their own sections.
type Config struct {
	// StateTTL is how long an issued state token stays consumable.
	// Default: 15 minutes.
	StateTTL time.Duration

	// StateRetention is how long terminal (used or expired) state rows are
	// kept before maintenance hard-deletes them. The retained rows are the
	// forensic trail for replay investigations. Default: 30 days.
	StateRetention time.Duration

	// RefreshLookahead selects bindings whose access token expires within
	// this window for background refresh. Default: 24 hours.
	RefreshLookahead time.Duration

	// Rate limiting configuration.
	RateLimit RateLimitConfig

	// Security settings (secure by default).
	Security SecurityConfig

	// Logger for structured logging (optional, uses slog.Default if not provided).
	Logger *slog.Logger

	// HTTPClient is shared by all provider adapters. If not provided each
	// adapter builds its own client bounded by ProviderTimeout.
	HTTPClient *http.Client

	// ProviderTimeout bounds each provider API call. Default: 30 seconds.
	ProviderTimeout time.Duration
}

// RateLimitConfig holds the state issuance window limits. Both limits apply
// independently; breaching either rejects the request without persisting
// anything.
type RateLimitConfig struct {
	// MaxPerUser is the number of states one (user, provider) pair may issue
	// per window. Default: 10. Negative disables the user limit.
	MaxPerUser int

	// MaxPerIP is the number of states one (client IP, provider) pair may
	// issue per window. Default: 10. Negative disables the IP limit.
	MaxPerIP int

	// Window is the rolling window both limits are counted over.
	// Default: 15 minutes.
	Window time.Duration

	// CallbackPerSecond throttles callback and login completions per
	// (provider, client IP). The issuance limits never see this path: an
	// attacker holding stolen state and code parameters skips
	// BeginAuthorization entirely. Default: 10. Negative disables.
	CallbackPerSecond int

	// CallbackBurst is the token bucket size for the callback throttle.
	// Default: 20.
	CallbackBurst int

	// LocalGuard additionally tracks issuance attempts in process memory and
	// rejects before the store is queried. Unlike the store-backed limits it
	// counts attempts rather than persisted states, so it also absorbs
	// hot loops of already-rejected requests. Default: enabled; set
	// DisableLocalGuard in multi-replica deployments where only the shared
	// store count is meaningful.
	DisableLocalGuard bool
}

// SecurityConfig holds the engine security settings.
type SecurityConfig struct {
	// EncryptionSecret derives the AES-256-GCM key protecting access and
	// refresh tokens at rest. Empty leaves tokens in plaintext.
	EncryptionSecret []byte

	// EncryptionSalt namespaces the key derivation. Optional.
	EncryptionSalt []byte

	// EnableAuditLogging emits PII-hashed security events for state
	// issuance, replays, conflicts, denied logins, and refresh failures.
	EnableAuditLogging bool
}

// withDefaults returns a copy with zero fields replaced by defaults.
func (c Config) withDefaults() Config {
	if c.StateTTL <= 0 {
		c.StateTTL = DefaultStateTTL
	}
	if c.StateRetention <= 0 {
		c.StateRetention = DefaultStateRetention
	}
	if c.RefreshLookahead <= 0 {
		c.RefreshLookahead = DefaultRefreshLookahead
	}
	if c.RateLimit.MaxPerUser == 0 {
		c.RateLimit.MaxPerUser = 10
	}
	if c.RateLimit.MaxPerIP == 0 {
		c.RateLimit.MaxPerIP = 10
	}
	if c.RateLimit.Window <= 0 {
		c.RateLimit.Window = DefaultStateTTL
	}
	if c.RateLimit.CallbackPerSecond == 0 {
		c.RateLimit.CallbackPerSecond = 10
	}
	if c.RateLimit.CallbackBurst <= 0 {
		c.RateLimit.CallbackBurst = 20
	}
	if c.ProviderTimeout <= 0 {
		c.ProviderTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}
