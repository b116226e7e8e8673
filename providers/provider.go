// Package providers defines the uniform contract over the six supported
// identity providers and the normalized shapes their wire dialects are
// reduced to. Each provider lives in its own subpackage; the engine selects
// implementations through a closed factory table.
package providers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/unioauth/unioauth/storage"
)

// DefaultRequestTimeout bounds every provider network call unless the
// caller supplies a context with an earlier deadline.
const DefaultRequestTimeout = 30 * time.Second

// Provider is the uniform contract over one identity provider's dialect.
// Implementations perform network calls only; persistence belongs to the
// engine. All failures surface as *Error carrying the provider identifier
// and the underlying cause.
type Provider interface {
	// ID returns the provider identifier.
	ID() storage.ProviderID

	// AuthorizationURL assembles the provider's authorize endpoint with
	// client id, redirect URI, configured scopes (formatted per provider
	// convention), and the opaque state value, RFC 3986 encoded.
	AuthorizationURL(state string) (string, error)

	// ExchangeCode exchanges an authorization code for a token bundle using
	// the provider's required transport. Provider error envelopes are
	// detected and raised, never treated as success.
	ExchangeCode(ctx context.Context, code string) (*TokenBundle, error)

	// FetchProfile retrieves and normalizes profile data. It receives the
	// full bundle because some providers resolve session values (WeChat
	// openid, QQ openid) during the exchange that the profile call needs.
	// A bundle without a usable identifier is a failure, never a partial
	// success.
	FetchProfile(ctx context.Context, bundle *TokenBundle) (*Profile, error)

	// RefreshToken exchanges a refresh token for a fresh bundle. Providers
	// without refresh support return ErrRefreshNotSupported without
	// attempting a network call.
	RefreshToken(ctx context.Context, refreshToken string) (*TokenBundle, error)

	// SupportsRefresh reports whether RefreshToken performs a real exchange.
	SupportsRefresh() bool
}

// TokenBundle is the normalized result of a code exchange or refresh.
type TokenBundle struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	// ExpiresIn is the access token lifetime in seconds, 0 when the
	// provider issues non-expiring tokens.
	ExpiresIn int64
	Scope     string
	// Extra carries provider-session values later steps depend on, such as
	// the WeChat openid/unionid returned alongside the token.
	Extra map[string]string
}

// ExpiryAt converts ExpiresIn to an absolute instant. Returns the zero time
// for non-expiring tokens.
func (b *TokenBundle) ExpiryAt(now time.Time) time.Time {
	if b == nil || b.ExpiresIn <= 0 {
		return time.Time{}
	}
	return now.Add(time.Duration(b.ExpiresIn) * time.Second)
}

// ExtraValue returns the named extra value, empty when absent.
func (b *TokenBundle) ExtraValue(key string) string {
	if b == nil || b.Extra == nil {
		return ""
	}
	return b.Extra[key]
}

// SetExtra records a provider-session value on the bundle.
func (b *TokenBundle) SetExtra(key, value string) {
	if b.Extra == nil {
		b.Extra = make(map[string]string, 2)
	}
	b.Extra[key] = value
}

// Profile is the provider-agnostic user profile shape.
type Profile struct {
	// ID is the canonical remote subject, selected per the provider's
	// documented stable-identifier precedence.
	ID          string
	Username    string
	DisplayName string
	Email       string
	AvatarURL   string
	// Raw is the provider's unmodified user-info payload.
	Raw json.RawMessage
}
