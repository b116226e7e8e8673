// Package feishu implements the provider contract for Feishu (Lark) open
// platform. The dialect is two-step: a tenant-agnostic app_access_token is
// obtained from the app credentials first, then the user code is exchanged
// against it. Every response wraps its payload in a code/msg/data envelope
// where code 0 means success.
package feishu

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/unioauth/unioauth/providers"
	"github.com/unioauth/unioauth/storage"
)

var _ providers.Provider = (*Provider)(nil)

const (
	defaultAuthEndpoint     = "https://open.feishu.cn/open-apis/authen/v1/authorize"
	defaultAppTokenEndpoint = "https://open.feishu.cn/open-apis/auth/v3/app_access_token/internal"
	defaultTokenEndpoint    = "https://open.feishu.cn/open-apis/authen/v1/oidc/access_token"
	defaultRefreshEndpoint  = "https://open.feishu.cn/open-apis/authen/v1/oidc/refresh_access_token"
	defaultUserEndpoint     = "https://open.feishu.cn/open-apis/authen/v1/user_info"
)

// appTokenSlack is how long before its expiry a cached app_access_token is
// considered stale.
const appTokenSlack = 5 * time.Minute

// Config holds Feishu application configuration.
type Config struct {
	ClientID     string // app_id
	ClientSecret string // app_secret
	RedirectURL  string

	AuthEndpoint     string
	AppTokenEndpoint string
	TokenEndpoint    string
	RefreshEndpoint  string
	UserEndpoint     string

	HTTPClient     *http.Client
	RequestTimeout time.Duration
}

// Provider implements the Feishu adapter. The app_access_token is cached
// across calls under a mutex since Feishu rate-limits its issuance.
type Provider struct {
	clientID         string
	clientSecret     string
	redirectURL      string
	authEndpoint     string
	appTokenEndpoint string
	tokenEndpoint    string
	refreshEndpoint  string
	userEndpoint     string
	httpClient       *http.Client
	requestTimeout   time.Duration

	mu             sync.Mutex
	appToken       string
	appTokenExpiry time.Time
}

// NewProvider creates a Feishu provider.
func NewProvider(cfg *Config) (*Provider, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("feishu: app ID is required")
	}
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("feishu: app secret is required")
	}

	p := &Provider{
		clientID:         cfg.ClientID,
		clientSecret:     cfg.ClientSecret,
		redirectURL:      cfg.RedirectURL,
		authEndpoint:     cfg.AuthEndpoint,
		appTokenEndpoint: cfg.AppTokenEndpoint,
		tokenEndpoint:    cfg.TokenEndpoint,
		refreshEndpoint:  cfg.RefreshEndpoint,
		userEndpoint:     cfg.UserEndpoint,
		httpClient:       cfg.HTTPClient,
		requestTimeout:   cfg.RequestTimeout,
	}
	if p.authEndpoint == "" {
		p.authEndpoint = defaultAuthEndpoint
	}
	if p.appTokenEndpoint == "" {
		p.appTokenEndpoint = defaultAppTokenEndpoint
	}
	if p.tokenEndpoint == "" {
		p.tokenEndpoint = defaultTokenEndpoint
	}
	if p.refreshEndpoint == "" {
		p.refreshEndpoint = defaultRefreshEndpoint
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
func (p *Provider) ID() storage.ProviderID { return storage.ProviderFeishu }

// AuthorizationURL builds the Feishu authorize URL. The app credential is
// passed as app_id, not client_id.
func (p *Provider) AuthorizationURL(state string) (string, error) {
	u, err := url.Parse(p.authEndpoint)
	if err != nil {
		return "", fmt.Errorf("feishu: parse auth endpoint: %w", err)
	}
	q := u.Query()
	q.Set("app_id", p.clientID)
	q.Set("redirect_uri", p.redirectURL)
	q.Set("state", state)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// envelope is the common code/msg wrapper. Code 0 means success.
type envelope struct {
	Code int64  `json:"code"`
	Msg  string `json:"msg"`
}

func (e envelope) failed() bool { return e.Code != 0 }

func (e envelope) asError(op string) error {
	return providers.NewError(storage.ProviderFeishu, op,
		strconv.FormatInt(e.Code, 10), e.Msg)
}

// appAccessToken returns a valid app_access_token, fetching a fresh one
// when the cached token is absent or near expiry.
func (p *Provider) appAccessToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.appToken != "" && time.Now().Before(p.appTokenExpiry.Add(-appTokenSlack)) {
		return p.appToken, nil
	}

	ctx, cancel := providers.EnsureTimeout(ctx, p.requestTimeout)
	defer cancel()

	body, _, err := providers.PostJSON(ctx, p.httpClient, p.appTokenEndpoint, nil, map[string]string{
		"app_id":     p.clientID,
		"app_secret": p.clientSecret,
	})
	if err != nil {
		return "", providers.WrapError(storage.ProviderFeishu, "app_token", err)
	}

	var resp struct {
		envelope
		AppAccessToken string `json:"app_access_token"`
		Expire         int64  `json:"expire"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", providers.WrapError(storage.ProviderFeishu, "app_token", err)
	}
	if resp.failed() {
		return "", resp.asError("app_token")
	}
	if resp.AppAccessToken == "" {
		return "", providers.NewError(storage.ProviderFeishu, "app_token", "", "no app_access_token in response")
	}

	p.appToken = resp.AppAccessToken
	p.appTokenExpiry = time.Now().Add(time.Duration(resp.Expire) * time.Second)
	return p.appToken, nil
}

// userToken is the data payload of the user token endpoints.
type userToken struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	TokenType        string `json:"token_type"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshExpiresIn int64  `json:"refresh_expires_in"`
	Scope            string `json:"scope"`
}

// ExchangeCode exchanges the user code against the app_access_token.
func (p *Provider) ExchangeCode(ctx context.Context, code string) (*providers.TokenBundle, error) {
	return p.userTokenRequest(ctx, "exchange_code", p.tokenEndpoint, map[string]string{
		"grant_type": "authorization_code",
		"code":       code,
	})
}

// RefreshToken refreshes the user token, again under the app_access_token.
func (p *Provider) RefreshToken(ctx context.Context, refreshToken string) (*providers.TokenBundle, error) {
	return p.userTokenRequest(ctx, "refresh_token", p.refreshEndpoint, map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
	})
}

// SupportsRefresh reports true: Feishu issues refresh tokens.
func (p *Provider) SupportsRefresh() bool { return true }

func (p *Provider) userTokenRequest(ctx context.Context, op, endpoint string, payload map[string]string) (*providers.TokenBundle, error) {
	appToken, err := p.appAccessToken(ctx)
	if err != nil {
		return nil, err
	}

	ctx, cancel := providers.EnsureTimeout(ctx, p.requestTimeout)
	defer cancel()

	headers := map[string]string{"Authorization": "Bearer " + appToken}
	body, _, err := providers.PostJSON(ctx, p.httpClient, endpoint, headers, payload)
	if err != nil {
		return nil, providers.WrapError(storage.ProviderFeishu, op, err)
	}

	var resp struct {
		envelope
		Data userToken `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, providers.WrapError(storage.ProviderFeishu, op, err)
	}
	if resp.failed() {
		return nil, resp.asError(op)
	}
	if resp.Data.AccessToken == "" {
		return nil, providers.NewError(storage.ProviderFeishu, op, "", "no access_token in response")
	}

	tokenType := resp.Data.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return &providers.TokenBundle{
		AccessToken:  resp.Data.AccessToken,
		RefreshToken: resp.Data.RefreshToken,
		TokenType:    tokenType,
		ExpiresIn:    resp.Data.ExpiresIn,
		Scope:        resp.Data.Scope,
	}, nil
}

// FetchProfile fetches authen/v1/user_info with the user access token. The
// canonical id prefers union_id, then open_id, then user_id.
func (p *Provider) FetchProfile(ctx context.Context, bundle *providers.TokenBundle) (*providers.Profile, error) {
	ctx, cancel := providers.EnsureTimeout(ctx, p.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userEndpoint, nil)
	if err != nil {
		return nil, providers.WrapError(storage.ProviderFeishu, "fetch_profile", err)
	}
	req.Header.Set("Authorization", "Bearer "+bundle.AccessToken)

	body, _, err := providers.DoRead(p.httpClient, req)
	if err != nil {
		return nil, providers.WrapError(storage.ProviderFeishu, "fetch_profile", err)
	}

	var resp struct {
		envelope
		Data struct {
			UnionID   string `json:"union_id"`
			OpenID    string `json:"open_id"`
			UserID    string `json:"user_id"`
			Name      string `json:"name"`
			EnName    string `json:"en_name"`
			Email     string `json:"email"`
			AvatarURL string `json:"avatar_url"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, providers.WrapError(storage.ProviderFeishu, "fetch_profile", err)
	}
	if resp.failed() {
		return nil, resp.asError("fetch_profile")
	}

	id := resp.Data.UnionID
	if id == "" {
		id = resp.Data.OpenID
	}
	if id == "" {
		id = resp.Data.UserID
	}
	if id == "" {
		return nil, providers.WrapError(storage.ProviderFeishu, "fetch_profile", providers.ErrNoRemoteID)
	}

	username := resp.Data.EnName
	if username == "" {
		username = resp.Data.Name
	}

	return &providers.Profile{
		ID:          id,
		Username:    username,
		DisplayName: resp.Data.Name,
		Email:       resp.Data.Email,
		AvatarURL:   resp.Data.AvatarURL,
		Raw:         json.RawMessage(body),
	}, nil
}
