// Package storage defines the persisted records of the OAuth flow engine and
// the interfaces its backends implement. It supports in-memory, Valkey, and
// Postgres implementations plus a read-only YAML provider-config store.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"
)

// ProviderID identifies one of the supported identity providers.
// The set is closed: configs and bindings referencing any other value
// are rejected at the registry boundary.
type ProviderID string

const (
	ProviderGitHub   ProviderID = "github"
	ProviderGitee    ProviderID = "gitee"
	ProviderWeChat   ProviderID = "wechat"
	ProviderQQ       ProviderID = "qq"
	ProviderDingTalk ProviderID = "dingtalk"
	ProviderFeishu   ProviderID = "feishu"
)

// KnownProviders lists every supported provider identifier in display order.
var KnownProviders = []ProviderID{
	ProviderGitHub,
	ProviderGitee,
	ProviderWeChat,
	ProviderQQ,
	ProviderDingTalk,
	ProviderFeishu,
}

// Valid reports whether id is one of the supported provider identifiers.
func (id ProviderID) Valid() bool {
	switch id {
	case ProviderGitHub, ProviderGitee, ProviderWeChat, ProviderQQ, ProviderDingTalk, ProviderFeishu:
		return true
	}
	return false
}

func (id ProviderID) String() string { return string(id) }

// Sentinel errors returned by storage backends.
var (
	ErrStateNotFound   = errors.New("authorization state not found")
	ErrStateConsumed   = errors.New("authorization state already consumed")
	ErrStateExpired    = errors.New("authorization state expired")
	ErrBindingNotFound = errors.New("binding not found")
	ErrBindingConflict = errors.New("remote identity already bound to another user")
	ErrConfigNotFound  = errors.New("provider config not found")
	ErrIllegalStatus   = errors.New("illegal status transition")
)

// ConfigStatus is the lifecycle status of a provider configuration.
// Deleted configs are retained so existing bindings keep their history.
type ConfigStatus string

const (
	ConfigActive  ConfigStatus = "active"
	ConfigDeleted ConfigStatus = "deleted"
)

// ProviderConfig is one configured identity provider instance.
// The identifier is immutable once created. The client secret is write-only
// towards callers: serialization goes through Redacted/MarshalJSON which
// never emit it.
type ProviderConfig struct {
	Identifier   ProviderID
	DisplayName  string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string
	// Extra carries provider-specific settings such as a DingTalk corp id
	// or a QQ unionid opt-in flag.
	Extra     map[string]string
	Enabled   bool
	Status    ConfigStatus
	SortOrder int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Redacted returns a copy safe for outbound serialization: the client secret
// is blanked and slices/maps are deep-copied so callers cannot mutate the
// stored config.
func (c *ProviderConfig) Redacted() *ProviderConfig {
	if c == nil {
		return nil
	}
	out := *c
	out.ClientSecret = ""
	out.Scopes = append([]string(nil), c.Scopes...)
	if c.Extra != nil {
		out.Extra = make(map[string]string, len(c.Extra))
		for k, v := range c.Extra {
			out.Extra[k] = v
		}
	}
	return &out
}

// MarshalJSON serializes the config without the client secret.
func (c *ProviderConfig) MarshalJSON() ([]byte, error) {
	type redacted struct {
		Identifier  ProviderID        `json:"identifier"`
		DisplayName string            `json:"display_name"`
		ClientID    string            `json:"client_id"`
		RedirectURI string            `json:"redirect_uri"`
		Scopes      []string          `json:"scopes,omitempty"`
		Extra       map[string]string `json:"extra,omitempty"`
		Enabled     bool              `json:"enabled"`
		Status      ConfigStatus      `json:"status"`
		SortOrder   int               `json:"sort_order"`
	}
	return json.Marshal(redacted{
		Identifier:  c.Identifier,
		DisplayName: c.DisplayName,
		ClientID:    c.ClientID,
		RedirectURI: c.RedirectURI,
		Scopes:      c.Scopes,
		Extra:       c.Extra,
		Enabled:     c.Enabled,
		Status:      c.Status,
		SortOrder:   c.SortOrder,
	})
}

// StateStatus is the lifecycle status of a CSRF state token.
type StateStatus string

const (
	StateValid   StateStatus = "valid"
	StateUsed    StateStatus = "used"
	StateExpired StateStatus = "expired"
)

// CanTransition reports whether moving from s to next is a legal lifecycle
// transition. Used and Expired are terminal.
func (s StateStatus) CanTransition(next StateStatus) bool {
	return s == StateValid && (next == StateUsed || next == StateExpired)
}

// AuthState is a one-time CSRF state token binding an authorization request
// to its callback. A state value is unique per (state, provider) pair and
// transitions Valid->Used exactly once on successful consumption.
type AuthState struct {
	State    string
	Provider ProviderID
	// UserID is the local user binding a new provider, nil for login flows.
	UserID    *int64
	Payload   string
	ClientIP  string
	UserAgent string
	CreatedAt time.Time
	ExpiresAt time.Time
	Status    StateStatus
}

// Expired reports whether the state is past its expiry at the given instant.
func (s *AuthState) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// BindingStatus is the lifecycle status of a user/provider binding.
type BindingStatus string

const (
	BindingNormal   BindingStatus = "normal"
	BindingDisabled BindingStatus = "disabled"
)

// Binding is the durable link between a local user and a remote identity.
// (Provider, RemoteUserID) is unique across all bindings; (UserID, Provider)
// is unique per user.
type Binding struct {
	ID             string
	UserID         int64
	Provider       ProviderID
	RemoteUserID   string
	RemoteUsername string
	DisplayName    string
	Email          string
	AvatarURL      string
	RawProfile     json.RawMessage
	AccessToken    string
	RefreshToken   string
	TokenExpiry    time.Time
	Status         BindingStatus
	LastLoginAt    time.Time
	LastLoginIP    string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IPIssuanceKey builds the issuance-rate key for an anonymous client.
func IPIssuanceKey(ip string) string { return "ip:" + ip }

// UserIssuanceKey builds the issuance-rate key for an authenticated user.
func UserIssuanceKey(userID int64) string { return "user:" + strconv.FormatInt(userID, 10) }

// IssuanceKeys returns every issuance key an auth state counts against.
func (s *AuthState) IssuanceKeys() []string {
	keys := make([]string, 0, 2)
	if s.ClientIP != "" {
		keys = append(keys, IPIssuanceKey(s.ClientIP))
	}
	if s.UserID != nil {
		keys = append(keys, UserIssuanceKey(*s.UserID))
	}
	return keys
}

// StateStore persists CSRF state tokens.
//
// ConsumeState is the linchpin of replay protection: the lookup and the
// Valid->Used transition must be one atomic unit so that of two concurrent
// callbacks racing on the same state exactly one succeeds.
type StateStore interface {
	// SaveState persists a freshly issued state in Valid status.
	SaveState(ctx context.Context, state *AuthState) error

	// ConsumeState atomically looks up (state, provider) and transitions it
	// Valid->Used. A missing pair returns ErrStateNotFound. A Valid state past
	// its expiry is transitioned to Expired and reported as ErrStateExpired.
	// A Used or Expired state returns ErrStateConsumed / ErrStateExpired.
	ConsumeState(ctx context.Context, state string, provider ProviderID) (*AuthState, error)

	// CountRecentStates counts states issued under the issuance key for the
	// provider since the given instant. Keys are user- or IP-scoped strings
	// built by the engine.
	CountRecentStates(ctx context.Context, key string, provider ProviderID, since time.Time) (int, error)

	// SweepStates marks stale Valid rows Expired and hard-deletes terminal
	// rows older than the retention cutoff. Idempotent.
	SweepStates(ctx context.Context, now, deleteBefore time.Time) (expired, deleted int, err error)
}

// BindingStore persists user/provider bindings. Implementations must enforce
// both uniqueness invariants with atomic read-modify-write (transaction or
// single-row compare-and-swap).
type BindingStore interface {
	// GetByRemote looks up a binding by (provider, remote user id).
	GetByRemote(ctx context.Context, provider ProviderID, remoteUserID string) (*Binding, error)

	// GetByUser looks up a binding by (user, provider).
	GetByUser(ctx context.Context, userID int64, provider ProviderID) (*Binding, error)

	// ListByUser returns all bindings of a user ordered by provider.
	ListByUser(ctx context.Context, userID int64) ([]*Binding, error)

	// ListRefreshable returns Normal bindings holding a refresh token whose
	// access token expires before the deadline.
	ListRefreshable(ctx context.Context, expiringBefore time.Time) ([]*Binding, error)

	// Insert creates a new binding. Returns ErrBindingConflict when the
	// (provider, remote id) pair is already owned.
	Insert(ctx context.Context, b *Binding) error

	// Update overwrites the mutable fields of an existing binding.
	Update(ctx context.Context, b *Binding) error

	// DeleteByUser removes the binding of (user, provider).
	// Returns ErrBindingNotFound when no row exists.
	DeleteByUser(ctx context.Context, userID int64, provider ProviderID) error

	// DeleteByID removes a binding by id. Missing rows are not an error:
	// this is the idempotent admin path.
	DeleteByID(ctx context.Context, id string) error
}

// ConfigStore provides read access to provider configurations. The write
// path (create/update/delete/toggle) belongs to the admin subsystem.
type ConfigStore interface {
	// GetEnabled returns the active, enabled config for the provider.
	// Disabled or soft-deleted configs return ErrConfigNotFound.
	GetEnabled(ctx context.Context, id ProviderID) (*ProviderConfig, error)

	// ListEnabled returns all active, enabled configs ordered by sort order.
	ListEnabled(ctx context.Context) ([]*ProviderConfig, error)
}
