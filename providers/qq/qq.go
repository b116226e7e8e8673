// Package qq implements the provider contract for QQ interconnect.
// QQ is the most baroque of the six dialects: the token exchange is a GET
// (forced to JSON with fmt=json, numeric error/error_description envelope),
// the opaque openid requires a second GET to /oauth2.0/me whose response may
// arrive wrapped in a JSONP callback, and the profile endpoint reports
// failures as numeric ret/msg.
package qq

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
	defaultAuthEndpoint  = "https://graph.qq.com/oauth2.0/authorize"
	defaultTokenEndpoint = "https://graph.qq.com/oauth2.0/token"
	defaultMeEndpoint    = "https://graph.qq.com/oauth2.0/me"
	defaultUserEndpoint  = "https://graph.qq.com/user/get_user_info"
)

// Extra keys carried on the token bundle.
const (
	ExtraOpenID  = "openid"
	ExtraUnionID = "unionid"
)

// ExtraUseUnionID is the ProviderConfig extra flag requesting unionid
// resolution (requires allow-listing by QQ interconnect).
const ExtraUseUnionID = "use_unionid"

// Config holds QQ interconnect configuration.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// Scopes defaults to ["get_user_info"].
	Scopes []string

	// UseUnionID requests the cross-application unionid from /me.
	UseUnionID bool

	AuthEndpoint  string
	TokenEndpoint string
	MeEndpoint    string
	UserEndpoint  string

	HTTPClient     *http.Client
	RequestTimeout time.Duration
}

// Provider implements the QQ adapter.
type Provider struct {
	clientID       string
	clientSecret   string
	redirectURL    string
	scopes         []string
	useUnionID     bool
	authEndpoint   string
	tokenEndpoint  string
	meEndpoint     string
	userEndpoint   string
	httpClient     *http.Client
	requestTimeout time.Duration
}

// NewProvider creates a QQ provider.
func NewProvider(cfg *Config) (*Provider, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("qq: client ID is required")
	}
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("qq: client secret is required")
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"get_user_info"}
	}

	p := &Provider{
		clientID:       cfg.ClientID,
		clientSecret:   cfg.ClientSecret,
		redirectURL:    cfg.RedirectURL,
		scopes:         append([]string(nil), scopes...),
		useUnionID:     cfg.UseUnionID,
		authEndpoint:   cfg.AuthEndpoint,
		tokenEndpoint:  cfg.TokenEndpoint,
		meEndpoint:     cfg.MeEndpoint,
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
	if p.meEndpoint == "" {
		p.meEndpoint = defaultMeEndpoint
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
func (p *Provider) ID() storage.ProviderID { return storage.ProviderQQ }

// AuthorizationURL builds the QQ authorize URL. Scopes are comma-joined per
// QQ convention.
func (p *Provider) AuthorizationURL(state string) (string, error) {
	u, err := url.Parse(p.authEndpoint)
	if err != nil {
		return "", fmt.Errorf("qq: parse auth endpoint: %w", err)
	}
	q := u.Query()
	q.Set("response_type", "code")
	q.Set("client_id", p.clientID)
	q.Set("redirect_uri", p.redirectURL)
	q.Set("scope", strings.Join(p.scopes, ","))
	q.Set("state", state)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// qqError is the numeric error envelope of the oauth2.0 endpoints.
type qqError struct {
	Error     int64  `json:"error"`
	ErrorDesc string `json:"error_description"`
}

// ExchangeCode performs the GET token exchange, resolves the openid through
// /oauth2.0/me, and records openid (and unionid when granted) as bundle
// extras for the profile step.
func (p *Provider) ExchangeCode(ctx context.Context, code string) (*providers.TokenBundle, error) {
	q := url.Values{}
	q.Set("grant_type", "authorization_code")
	q.Set("client_id", p.clientID)
	q.Set("client_secret", p.clientSecret)
	q.Set("code", code)
	q.Set("redirect_uri", p.redirectURL)
	q.Set("fmt", "json")

	bundle, err := p.tokenRequest(ctx, "exchange_code", q)
	if err != nil {
		return nil, err
	}
	if err := p.resolveOpenID(ctx, bundle); err != nil {
		return nil, err
	}
	return bundle, nil
}

// RefreshToken performs the GET refresh exchange. The refreshed bundle
// keeps no openid; the engine only persists the token fields on refresh.
func (p *Provider) RefreshToken(ctx context.Context, refreshToken string) (*providers.TokenBundle, error) {
	q := url.Values{}
	q.Set("grant_type", "refresh_token")
	q.Set("client_id", p.clientID)
	q.Set("client_secret", p.clientSecret)
	q.Set("refresh_token", refreshToken)
	q.Set("fmt", "json")
	return p.tokenRequest(ctx, "refresh_token", q)
}

// SupportsRefresh reports true: QQ issues refresh tokens.
func (p *Provider) SupportsRefresh() bool { return true }

func (p *Provider) tokenRequest(ctx context.Context, op string, q url.Values) (*providers.TokenBundle, error) {
	ctx, cancel := providers.EnsureTimeout(ctx, p.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.tokenEndpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, providers.WrapError(storage.ProviderQQ, op, err)
	}
	body, _, err := providers.DoRead(p.httpClient, req)
	if err != nil {
		return nil, providers.WrapError(storage.ProviderQQ, op, err)
	}

	return parseTokenBody(op, body)
}

// parseTokenBody handles both the fmt=json shape and the legacy
// urlencoded "access_token=..&expires_in=.." shape QQ still falls back to.
func parseTokenBody(op string, body []byte) (*providers.TokenBundle, error) {
	trimmed := strings.TrimSpace(string(body))

	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "callback(") {
		payload := stripCallback(trimmed)

		var qe qqError
		if err := json.Unmarshal([]byte(payload), &qe); err == nil && qe.Error != 0 {
			return nil, providers.NewError(storage.ProviderQQ, op,
				strconv.FormatInt(qe.Error, 10), qe.ErrorDesc)
		}

		var tr struct {
			AccessToken  string `json:"access_token"`
			RefreshToken string `json:"refresh_token"`
			ExpiresIn    any    `json:"expires_in"`
		}
		if err := json.Unmarshal([]byte(payload), &tr); err != nil {
			return nil, providers.WrapError(storage.ProviderQQ, op, err)
		}
		if tr.AccessToken == "" {
			return nil, providers.NewError(storage.ProviderQQ, op, "", "no access_token in response")
		}
		return &providers.TokenBundle{
			AccessToken:  tr.AccessToken,
			RefreshToken: tr.RefreshToken,
			TokenType:    "Bearer",
			ExpiresIn:    flexibleSeconds(tr.ExpiresIn),
		}, nil
	}

	values, err := url.ParseQuery(trimmed)
	if err != nil {
		return nil, providers.WrapError(storage.ProviderQQ, op, err)
	}
	accessToken := values.Get("access_token")
	if accessToken == "" {
		return nil, providers.NewError(storage.ProviderQQ, op, "", "no access_token in response")
	}
	expiresIn, _ := strconv.ParseInt(values.Get("expires_in"), 10, 64)
	return &providers.TokenBundle{
		AccessToken:  accessToken,
		RefreshToken: values.Get("refresh_token"),
		TokenType:    "Bearer",
		ExpiresIn:    expiresIn,
	}, nil
}

// resolveOpenID performs the /oauth2.0/me chain step. The response may be
// wrapped in a JSONP callback even when JSON was requested.
func (p *Provider) resolveOpenID(ctx context.Context, bundle *providers.TokenBundle) error {
	ctx, cancel := providers.EnsureTimeout(ctx, p.requestTimeout)
	defer cancel()

	q := url.Values{}
	q.Set("access_token", bundle.AccessToken)
	q.Set("fmt", "json")
	if p.useUnionID {
		q.Set("unionid", "1")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.meEndpoint+"?"+q.Encode(), nil)
	if err != nil {
		return providers.WrapError(storage.ProviderQQ, "resolve_openid", err)
	}
	body, _, err := providers.DoRead(p.httpClient, req)
	if err != nil {
		return providers.WrapError(storage.ProviderQQ, "resolve_openid", err)
	}

	payload := stripCallback(strings.TrimSpace(string(body)))

	var qe qqError
	if err := json.Unmarshal([]byte(payload), &qe); err == nil && qe.Error != 0 {
		return providers.NewError(storage.ProviderQQ, "resolve_openid",
			strconv.FormatInt(qe.Error, 10), qe.ErrorDesc)
	}

	var me struct {
		OpenID  string `json:"openid"`
		UnionID string `json:"unionid"`
	}
	if err := json.Unmarshal([]byte(payload), &me); err != nil {
		return providers.WrapError(storage.ProviderQQ, "resolve_openid", err)
	}
	if me.OpenID == "" {
		return providers.WrapError(storage.ProviderQQ, "resolve_openid", providers.ErrNoRemoteID)
	}

	bundle.SetExtra(ExtraOpenID, me.OpenID)
	if me.UnionID != "" {
		bundle.SetExtra(ExtraUnionID, me.UnionID)
	}
	return nil
}

// FetchProfile fetches get_user_info, which wants the app key and the
// resolved openid alongside the access token. Failures arrive as numeric
// ret/msg. The canonical id prefers unionid (when resolved) over openid.
func (p *Provider) FetchProfile(ctx context.Context, bundle *providers.TokenBundle) (*providers.Profile, error) {
	openID := bundle.ExtraValue(ExtraOpenID)
	if openID == "" {
		return nil, providers.NewError(storage.ProviderQQ, "fetch_profile", "", "token bundle carries no openid")
	}

	ctx, cancel := providers.EnsureTimeout(ctx, p.requestTimeout)
	defer cancel()

	q := url.Values{}
	q.Set("access_token", bundle.AccessToken)
	q.Set("oauth_consumer_key", p.clientID)
	q.Set("openid", openID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userEndpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, providers.WrapError(storage.ProviderQQ, "fetch_profile", err)
	}
	body, _, err := providers.DoRead(p.httpClient, req)
	if err != nil {
		return nil, providers.WrapError(storage.ProviderQQ, "fetch_profile", err)
	}

	var user struct {
		Ret          int64  `json:"ret"`
		Msg          string `json:"msg"`
		Nickname     string `json:"nickname"`
		FigureURLQQ2 string `json:"figureurl_qq_2"`
		FigureURLQQ1 string `json:"figureurl_qq_1"`
	}
	if err := json.Unmarshal(body, &user); err != nil {
		return nil, providers.WrapError(storage.ProviderQQ, "fetch_profile", err)
	}
	if user.Ret != 0 {
		return nil, providers.NewError(storage.ProviderQQ, "fetch_profile",
			strconv.FormatInt(user.Ret, 10), user.Msg)
	}

	id := bundle.ExtraValue(ExtraUnionID)
	if id == "" {
		id = openID
	}

	avatar := user.FigureURLQQ2
	if avatar == "" {
		avatar = user.FigureURLQQ1
	}

	return &providers.Profile{
		ID:          id,
		Username:    user.Nickname,
		DisplayName: user.Nickname,
		AvatarURL:   avatar,
		Raw:         json.RawMessage(body),
	}, nil
}

// stripCallback unwraps the JSONP "callback( {...} );" framing.
func stripCallback(s string) string {
	start := strings.Index(s, "(")
	end := strings.LastIndex(s, ")")
	if strings.HasPrefix(s, "callback") && start >= 0 && end > start {
		return strings.TrimSpace(s[start+1 : end])
	}
	return s
}

// flexibleSeconds parses expires_in, which QQ has served both as a JSON
// number and as a quoted string.
func flexibleSeconds(v any) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	}
	return 0
}
