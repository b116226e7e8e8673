// Package wechat implements the provider contract for WeChat open-platform
// QR-code login. WeChat departs from stock OAuth 2.0 on every axis: the
// authorize URL takes appid instead of client_id and exactly one scope, the
// token exchange is a GET with a query string, errors arrive as
// errcode/errmsg inside 200 responses, and the profile call needs the openid
// returned alongside the token.
package wechat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/unioauth/unioauth/providers"
	"github.com/unioauth/unioauth/storage"
)

var _ providers.Provider = (*Provider)(nil)

const (
	defaultAuthEndpoint    = "https://open.weixin.qq.com/connect/qrconnect"
	defaultTokenEndpoint   = "https://api.weixin.qq.com/sns/oauth2/access_token"
	defaultRefreshEndpoint = "https://api.weixin.qq.com/sns/oauth2/refresh_token"
	defaultUserEndpoint    = "https://api.weixin.qq.com/sns/userinfo"

	// scopeLogin is the only scope the QR-code flow accepts.
	scopeLogin = "snsapi_login"
)

// Extra keys carried on the token bundle.
const (
	ExtraOpenID  = "openid"
	ExtraUnionID = "unionid"
)

// Config holds WeChat open-platform configuration. ClientID is the AppID
// and ClientSecret the AppSecret.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	AuthEndpoint    string
	TokenEndpoint   string
	RefreshEndpoint string
	UserEndpoint    string

	HTTPClient     *http.Client
	RequestTimeout time.Duration
}

// Provider implements the WeChat adapter.
type Provider struct {
	appID           string
	appSecret       string
	redirectURL     string
	authEndpoint    string
	tokenEndpoint   string
	refreshEndpoint string
	userEndpoint    string
	httpClient      *http.Client
	requestTimeout  time.Duration
}

// NewProvider creates a WeChat provider.
func NewProvider(cfg *Config) (*Provider, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("wechat: app id is required")
	}
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("wechat: app secret is required")
	}

	p := &Provider{
		appID:           cfg.ClientID,
		appSecret:       cfg.ClientSecret,
		redirectURL:     cfg.RedirectURL,
		authEndpoint:    cfg.AuthEndpoint,
		tokenEndpoint:   cfg.TokenEndpoint,
		refreshEndpoint: cfg.RefreshEndpoint,
		userEndpoint:    cfg.UserEndpoint,
		httpClient:      cfg.HTTPClient,
		requestTimeout:  cfg.RequestTimeout,
	}
	if p.authEndpoint == "" {
		p.authEndpoint = defaultAuthEndpoint
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
func (p *Provider) ID() storage.ProviderID { return storage.ProviderWeChat }

// AuthorizationURL builds the QR-connect URL. WeChat requires appid (not
// client_id), exactly the snsapi_login scope, and a trailing
// #wechat_redirect fragment.
func (p *Provider) AuthorizationURL(state string) (string, error) {
	u, err := url.Parse(p.authEndpoint)
	if err != nil {
		return "", fmt.Errorf("wechat: parse auth endpoint: %w", err)
	}
	q := u.Query()
	q.Set("appid", p.appID)
	q.Set("redirect_uri", p.redirectURL)
	q.Set("response_type", "code")
	q.Set("scope", scopeLogin)
	q.Set("state", state)
	u.RawQuery = q.Encode()
	return u.String() + "#wechat_redirect", nil
}

// wxEnvelope is the errcode/errmsg failure shape every WeChat endpoint uses.
// errcode 0 (or absent) means success.
type wxEnvelope struct {
	ErrCode int64  `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

func (e *wxEnvelope) failed() bool { return e.ErrCode != 0 }

type wxTokenResponse struct {
	wxEnvelope
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	OpenID       string `json:"openid"`
	UnionID      string `json:"unionid"`
	Scope        string `json:"scope"`
}

// ExchangeCode performs the GET-with-query-string token exchange. The
// response carries the openid (and sometimes unionid) the profile call
// depends on; both are preserved as bundle extras.
func (p *Provider) ExchangeCode(ctx context.Context, code string) (*providers.TokenBundle, error) {
	q := url.Values{}
	q.Set("appid", p.appID)
	q.Set("secret", p.appSecret)
	q.Set("code", code)
	q.Set("grant_type", "authorization_code")
	return p.tokenRequest(ctx, "exchange_code", p.tokenEndpoint, q)
}

// RefreshToken performs the GET refresh exchange.
func (p *Provider) RefreshToken(ctx context.Context, refreshToken string) (*providers.TokenBundle, error) {
	q := url.Values{}
	q.Set("appid", p.appID)
	q.Set("grant_type", "refresh_token")
	q.Set("refresh_token", refreshToken)
	return p.tokenRequest(ctx, "refresh_token", p.refreshEndpoint, q)
}

// SupportsRefresh reports true: WeChat issues 30-day refresh tokens.
func (p *Provider) SupportsRefresh() bool { return true }

func (p *Provider) tokenRequest(ctx context.Context, op, endpoint string, q url.Values) (*providers.TokenBundle, error) {
	ctx, cancel := providers.EnsureTimeout(ctx, p.requestTimeout)
	defer cancel()

	var tr wxTokenResponse
	if err := providers.GetJSON(ctx, p.httpClient, endpoint+"?"+q.Encode(), nil, &tr); err != nil {
		return nil, providers.WrapError(storage.ProviderWeChat, op, err)
	}
	if tr.failed() {
		return nil, providers.NewError(storage.ProviderWeChat, op,
			strconv.FormatInt(tr.ErrCode, 10), tr.ErrMsg)
	}
	if tr.AccessToken == "" {
		return nil, providers.NewError(storage.ProviderWeChat, op, "", "no access_token in response")
	}

	bundle := &providers.TokenBundle{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    tr.ExpiresIn,
		Scope:        tr.Scope,
	}
	bundle.SetExtra(ExtraOpenID, tr.OpenID)
	if tr.UnionID != "" {
		bundle.SetExtra(ExtraUnionID, tr.UnionID)
	}
	return bundle, nil
}

// FetchProfile fetches sns/userinfo, which needs both the access token and
// the openid from the exchange. The canonical id prefers the
// cross-application unionid and falls back to the app-scoped openid.
func (p *Provider) FetchProfile(ctx context.Context, bundle *providers.TokenBundle) (*providers.Profile, error) {
	openID := bundle.ExtraValue(ExtraOpenID)
	if openID == "" {
		return nil, providers.NewError(storage.ProviderWeChat, "fetch_profile", "", "token bundle carries no openid")
	}

	ctx, cancel := providers.EnsureTimeout(ctx, p.requestTimeout)
	defer cancel()

	q := url.Values{}
	q.Set("access_token", bundle.AccessToken)
	q.Set("openid", openID)
	q.Set("lang", "zh_CN")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userEndpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, providers.WrapError(storage.ProviderWeChat, "fetch_profile", err)
	}
	body, _, err := providers.DoRead(p.httpClient, req)
	if err != nil {
		return nil, providers.WrapError(storage.ProviderWeChat, "fetch_profile", err)
	}

	var user struct {
		wxEnvelope
		OpenID     string `json:"openid"`
		UnionID    string `json:"unionid"`
		Nickname   string `json:"nickname"`
		HeadImgURL string `json:"headimgurl"`
	}
	if err := json.Unmarshal(body, &user); err != nil {
		return nil, providers.WrapError(storage.ProviderWeChat, "fetch_profile", err)
	}
	if user.failed() {
		return nil, providers.NewError(storage.ProviderWeChat, "fetch_profile",
			strconv.FormatInt(user.ErrCode, 10), user.ErrMsg)
	}

	// Stable-identifier precedence: unionid from either response wins over
	// the app-scoped openid.
	id := user.UnionID
	if id == "" {
		id = bundle.ExtraValue(ExtraUnionID)
	}
	if id == "" {
		id = user.OpenID
	}
	if id == "" {
		id = openID
	}
	if id == "" {
		return nil, providers.WrapError(storage.ProviderWeChat, "fetch_profile", providers.ErrNoRemoteID)
	}

	return &providers.Profile{
		ID:          id,
		Username:    user.Nickname,
		DisplayName: user.Nickname,
		AvatarURL:   user.HeadImgURL,
		Raw:         json.RawMessage(body),
	}, nil
}
