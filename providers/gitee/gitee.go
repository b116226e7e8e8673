// Package gitee implements the provider contract for Gitee (码云).
// Gitee speaks textbook OAuth 2.0: form-encoded token exchange with an
// error/error_description envelope, and refresh_token grants are supported.
package gitee

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/unioauth/unioauth/providers"
	"github.com/unioauth/unioauth/storage"
)

var _ providers.Provider = (*Provider)(nil)

const (
	defaultAuthEndpoint  = "https://gitee.com/oauth/authorize"
	defaultTokenEndpoint = "https://gitee.com/oauth/token"
	defaultUserEndpoint  = "https://gitee.com/api/v5/user"
)

// Config holds Gitee OAuth configuration.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// Scopes defaults to ["user_info"].
	Scopes []string

	AuthEndpoint  string
	TokenEndpoint string
	UserEndpoint  string

	HTTPClient     *http.Client
	RequestTimeout time.Duration
}

// Provider implements the Gitee adapter.
type Provider struct {
	clientID       string
	clientSecret   string
	redirectURL    string
	scopes         []string
	authEndpoint   string
	tokenEndpoint  string
	userEndpoint   string
	httpClient     *http.Client
	requestTimeout time.Duration
}

// NewProvider creates a Gitee provider.
func NewProvider(cfg *Config) (*Provider, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("gitee: client ID is required")
	}
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("gitee: client secret is required")
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"user_info"}
	}

	p := &Provider{
		clientID:       cfg.ClientID,
		clientSecret:   cfg.ClientSecret,
		redirectURL:    cfg.RedirectURL,
		scopes:         append([]string(nil), scopes...),
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
func (p *Provider) ID() storage.ProviderID { return storage.ProviderGitee }

// AuthorizationURL builds the Gitee authorize URL. Scopes are space-joined.
func (p *Provider) AuthorizationURL(state string) (string, error) {
	u, err := url.Parse(p.authEndpoint)
	if err != nil {
		return "", fmt.Errorf("gitee: parse auth endpoint: %w", err)
	}
	q := u.Query()
	q.Set("client_id", p.clientID)
	q.Set("redirect_uri", p.redirectURL)
	q.Set("response_type", "code")
	q.Set("scope", strings.Join(p.scopes, " "))
	q.Set("state", state)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// tokenResponse is Gitee's token envelope. Errors arrive in the same body.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
	ErrorCode    string `json:"error"`
	ErrorDesc    string `json:"error_description"`
}

// ExchangeCode performs the form-encoded code exchange.
func (p *Provider) ExchangeCode(ctx context.Context, code string) (*providers.TokenBundle, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("client_id", p.clientID)
	form.Set("client_secret", p.clientSecret)
	form.Set("redirect_uri", p.redirectURL)
	return p.tokenRequest(ctx, "exchange_code", form)
}

// RefreshToken performs a refresh_token grant.
func (p *Provider) RefreshToken(ctx context.Context, refreshToken string) (*providers.TokenBundle, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	return p.tokenRequest(ctx, "refresh_token", form)
}

// SupportsRefresh reports true: Gitee issues refresh tokens.
func (p *Provider) SupportsRefresh() bool { return true }

func (p *Provider) tokenRequest(ctx context.Context, op string, form url.Values) (*providers.TokenBundle, error) {
	ctx, cancel := providers.EnsureTimeout(ctx, p.requestTimeout)
	defer cancel()

	body, _, err := providers.PostForm(ctx, p.httpClient, p.tokenEndpoint, form)
	if err != nil {
		return nil, providers.WrapError(storage.ProviderGitee, op, err)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, providers.WrapError(storage.ProviderGitee, op, err)
	}
	if tr.ErrorCode != "" {
		return nil, providers.NewError(storage.ProviderGitee, op, tr.ErrorCode, tr.ErrorDesc)
	}
	if tr.AccessToken == "" {
		return nil, providers.NewError(storage.ProviderGitee, op, "", "no access_token in response")
	}

	return &providers.TokenBundle{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		TokenType:    tr.TokenType,
		ExpiresIn:    tr.ExpiresIn,
		Scope:        tr.Scope,
	}, nil
}

// FetchProfile fetches the Gitee user profile. The access token travels as a
// query parameter per Gitee's API v5 convention.
func (p *Provider) FetchProfile(ctx context.Context, bundle *providers.TokenBundle) (*providers.Profile, error) {
	ctx, cancel := providers.EnsureTimeout(ctx, p.requestTimeout)
	defer cancel()

	u, err := url.Parse(p.userEndpoint)
	if err != nil {
		return nil, providers.WrapError(storage.ProviderGitee, "fetch_profile", err)
	}
	q := u.Query()
	q.Set("access_token", bundle.AccessToken)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, providers.WrapError(storage.ProviderGitee, "fetch_profile", err)
	}
	body, status, err := providers.DoRead(p.httpClient, req)
	if err != nil {
		return nil, providers.WrapError(storage.ProviderGitee, "fetch_profile", err)
	}
	if status != http.StatusOK {
		return nil, providers.NewError(storage.ProviderGitee, "fetch_profile",
			strconv.Itoa(status), "user info request failed")
	}

	var user struct {
		ID        int64  `json:"id"`
		Login     string `json:"login"`
		Name      string `json:"name"`
		Email     string `json:"email"`
		AvatarURL string `json:"avatar_url"`
	}
	if err := json.Unmarshal(body, &user); err != nil {
		return nil, providers.WrapError(storage.ProviderGitee, "fetch_profile", err)
	}
	if user.ID == 0 {
		return nil, providers.WrapError(storage.ProviderGitee, "fetch_profile", providers.ErrNoRemoteID)
	}

	profile := &providers.Profile{
		ID:          strconv.FormatInt(user.ID, 10),
		Username:    user.Login,
		DisplayName: user.Name,
		Email:       user.Email,
		AvatarURL:   user.AvatarURL,
		Raw:         json.RawMessage(body),
	}
	if profile.DisplayName == "" {
		profile.DisplayName = user.Login
	}
	return profile, nil
}
