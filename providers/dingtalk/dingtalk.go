// Package dingtalk implements the provider contract for DingTalk's v1.0
// open platform API. The token exchange is a JSON POST with camelCase
// fields, the profile call authenticates via the x-acs-dingtalk-access-token
// header, and failures carry a string code plus message.
package dingtalk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/unioauth/unioauth/providers"
	"github.com/unioauth/unioauth/storage"
)

var _ providers.Provider = (*Provider)(nil)

const (
	defaultAuthEndpoint  = "https://login.dingtalk.com/oauth2/auth"
	defaultTokenEndpoint = "https://api.dingtalk.com/v1.0/oauth2/userAccessToken"
	defaultUserEndpoint  = "https://api.dingtalk.com/v1.0/contact/users/me"
)

// Extra keys carried on the token bundle.
const (
	// ExtraCorpID is set when the token response names the authorizing
	// organization.
	ExtraCorpID = "corp_id"
)

// accessTokenHeader is DingTalk's bespoke auth header for v1.0 APIs.
const accessTokenHeader = "x-acs-dingtalk-access-token"

// Config holds DingTalk application configuration.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// Scopes defaults to ["openid"].
	Scopes []string

	// CorpID scopes the authorize page to one organization when set.
	CorpID string

	AuthEndpoint  string
	TokenEndpoint string
	UserEndpoint  string

	HTTPClient     *http.Client
	RequestTimeout time.Duration
}

// Provider implements the DingTalk adapter.
type Provider struct {
	clientID       string
	clientSecret   string
	redirectURL    string
	scopes         []string
	corpID         string
	authEndpoint   string
	tokenEndpoint  string
	userEndpoint   string
	httpClient     *http.Client
	requestTimeout time.Duration
}

// NewProvider creates a DingTalk provider.
func NewProvider(cfg *Config) (*Provider, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("dingtalk: client ID is required")
	}
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("dingtalk: client secret is required")
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"openid"}
	}

	p := &Provider{
		clientID:       cfg.ClientID,
		clientSecret:   cfg.ClientSecret,
		redirectURL:    cfg.RedirectURL,
		scopes:         append([]string(nil), scopes...),
		corpID:         cfg.CorpID,
		authEndpoint:   cfg.AuthEndpoint,
		tokenEndpoint:  cfg.TokenEndpoint,
		userEndpoint:   cfg.UserEndpoint,
		httpClient:     cfg.HTTPClient,
		requestTimeout: cfg.RequestTimeout,
	}
	if p.authEndpoint == "" {
		p.authEndpoint = defaultAuthEndpoint
	}
	if p.tokenEndpoint == "" {
		p.tokenEndpoint = defaultTokenEndpoint
	}
	if p.userEndpoint == "" {
		p.userEndpoint = defaultUserEndpoint
	}
	if p.requestTimeout <= 0 {
		p.requestTimeout = providers.DefaultRequestTimeout
	}
	if p.httpClient == nil {
		p.httpClient = &http.Client{Timeout: p.requestTimeout}
	}
	return p, nil
}

// ID returns the provider identifier.
func (p *Provider) ID() storage.ProviderID { return storage.ProviderDingTalk }

// AuthorizationURL builds the DingTalk authorize URL. The prompt=consent
// parameter is required for the authorization-code flow.
func (p *Provider) AuthorizationURL(state string) (string, error) {
	u, err := url.Parse(p.authEndpoint)
	if err != nil {
		return "", fmt.Errorf("dingtalk: parse auth endpoint: %w", err)
	}
	q := u.Query()
	q.Set("response_type", "code")
	q.Set("client_id", p.clientID)
	q.Set("redirect_uri", p.redirectURL)
	q.Set("scope", strings.Join(p.scopes, " "))
	q.Set("state", state)
	q.Set("prompt", "consent")
	if p.corpID != "" {
		q.Set("corpId", p.corpID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// dingError is the v1.0 failure envelope.
type dingError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type tokenResponse struct {
	dingError
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpireIn     int64  `json:"expireIn"`
	CorpID       string `json:"corpId"`
}

// ExchangeCode exchanges the authorization code via a JSON POST.
func (p *Provider) ExchangeCode(ctx context.Context, code string) (*providers.TokenBundle, error) {
	return p.tokenRequest(ctx, "exchange_code", map[string]string{
		"clientId":     p.clientID,
		"clientSecret": p.clientSecret,
		"code":         code,
		"grantType":    "authorization_code",
	})
}

// RefreshToken refreshes via the same endpoint with grantType refresh_token.
func (p *Provider) RefreshToken(ctx context.Context, refreshToken string) (*providers.TokenBundle, error) {
	return p.tokenRequest(ctx, "refresh_token", map[string]string{
		"clientId":     p.clientID,
		"clientSecret": p.clientSecret,
		"refreshToken": refreshToken,
		"grantType":    "refresh_token",
	})
}

// SupportsRefresh reports true: DingTalk issues refresh tokens.
func (p *Provider) SupportsRefresh() bool { return true }

func (p *Provider) tokenRequest(ctx context.Context, op string, payload map[string]string) (*providers.TokenBundle, error) {
	ctx, cancel := providers.EnsureTimeout(ctx, p.requestTimeout)
	defer cancel()

	body, _, err := providers.PostJSON(ctx, p.httpClient, p.tokenEndpoint, nil, payload)
	if err != nil {
		return nil, providers.WrapError(storage.ProviderDingTalk, op, err)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, providers.WrapError(storage.ProviderDingTalk, op, err)
	}
	if tr.Code != "" {
		return nil, providers.NewError(storage.ProviderDingTalk, op, tr.Code, tr.Message)
	}
	if tr.AccessToken == "" {
		return nil, providers.NewError(storage.ProviderDingTalk, op, "", "no accessToken in response")
	}

	bundle := &providers.TokenBundle{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    tr.ExpireIn,
	}
	if tr.CorpID != "" {
		bundle.SetExtra(ExtraCorpID, tr.CorpID)
	}
	return bundle, nil
}

// FetchProfile fetches contact/users/me. The canonical id prefers the
// cross-application unionId over openId.
func (p *Provider) FetchProfile(ctx context.Context, bundle *providers.TokenBundle) (*providers.Profile, error) {
	ctx, cancel := providers.EnsureTimeout(ctx, p.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userEndpoint, nil)
	if err != nil {
		return nil, providers.WrapError(storage.ProviderDingTalk, "fetch_profile", err)
	}
	req.Header.Set(accessTokenHeader, bundle.AccessToken)

	body, _, err := providers.DoRead(p.httpClient, req)
	if err != nil {
		return nil, providers.WrapError(storage.ProviderDingTalk, "fetch_profile", err)
	}

	var user struct {
		dingError
		UnionID   string `json:"unionId"`
		OpenID    string `json:"openId"`
		Nick      string `json:"nick"`
		AvatarURL string `json:"avatarUrl"`
		Email     string `json:"email"`
	}
	if err := json.Unmarshal(body, &user); err != nil {
		return nil, providers.WrapError(storage.ProviderDingTalk, "fetch_profile", err)
	}
	if user.Code != "" {
		return nil, providers.NewError(storage.ProviderDingTalk, "fetch_profile", user.Code, user.Message)
	}

	id := user.UnionID
	if id == "" {
		id = user.OpenID
	}
	if id == "" {
		return nil, providers.WrapError(storage.ProviderDingTalk, "fetch_profile", providers.ErrNoRemoteID)
	}

	return &providers.Profile{
		ID:          id,
		Username:    user.Nick,
		DisplayName: user.Nick,
		Email:       user.Email,
		AvatarURL:   user.AvatarURL,
		Raw:         json.RawMessage(body),
	}, nil
}
