// Package github implements the provider contract for GitHub OAuth Apps.
// GitHub follows plain OAuth 2.0: form-encoded token exchange, a separate
// user API call for profile data, and non-expiring tokens without refresh.
package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	oauthgithub "golang.org/x/oauth2/github"

	"github.com/unioauth/unioauth/providers"
	"github.com/unioauth/unioauth/storage"
)

// Compile-time check that Provider implements the providers.Provider interface.
var _ providers.Provider = (*Provider)(nil)

const (
	defaultUserEndpoint   = "https://api.github.com/user"
	defaultEmailsEndpoint = "https://api.github.com/user/emails"
)

const emailScope = "user:email"

// Config holds GitHub OAuth App configuration.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// Scopes defaults to ["read:user", "user:email"].
	Scopes []string

	// Endpoint overrides the authorize/token endpoints, used in tests.
	Endpoint oauth2.Endpoint

	// UserEndpoint and EmailsEndpoint override the API endpoints, used in tests.
	UserEndpoint   string
	EmailsEndpoint string

	HTTPClient     *http.Client
	RequestTimeout time.Duration
}

// Provider implements the GitHub adapter.
type Provider struct {
	conf           *oauth2.Config
	userEndpoint   string
	emailsEndpoint string
	httpClient     *http.Client
	requestTimeout time.Duration
}

// NewProvider creates a GitHub provider.
func NewProvider(cfg *Config) (*Provider, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("github: client ID is required")
	}
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("github: client secret is required")
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"read:user", emailScope}
	}
	scopes = append([]string(nil), scopes...)

	endpoint := cfg.Endpoint
	if endpoint.AuthURL == "" {
		endpoint = oauthgithub.Endpoint
	}

	userEndpoint := cfg.UserEndpoint
	if userEndpoint == "" {
		userEndpoint = defaultUserEndpoint
	}
	emailsEndpoint := cfg.EmailsEndpoint
	if emailsEndpoint == "" {
		emailsEndpoint = defaultEmailsEndpoint
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = providers.DefaultRequestTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Provider{
		conf: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint:     endpoint,
		},
		userEndpoint:   userEndpoint,
		emailsEndpoint: emailsEndpoint,
		httpClient:     httpClient,
		requestTimeout: timeout,
	}, nil
}

// ID returns the provider identifier.
func (p *Provider) ID() storage.ProviderID { return storage.ProviderGitHub }

// AuthorizationURL builds the GitHub authorize URL. Scopes are space-joined
// per GitHub convention (AuthCodeURL comma-joins only for legacy endpoints,
// GitHub accepts both; the oauth2 package encodes them correctly).
func (p *Provider) AuthorizationURL(state string) (string, error) {
	return p.conf.AuthCodeURL(state), nil
}

// ExchangeCode exchanges the authorization code. GitHub answers form POSTs
// with JSON when asked; the oauth2 package raises the error/error_description
// envelope as *oauth2.RetrieveError.
func (p *Provider) ExchangeCode(ctx context.Context, code string) (*providers.TokenBundle, error) {
	ctx, cancel := providers.EnsureTimeout(ctx, p.requestTimeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	token, err := p.conf.Exchange(ctx, code)
	if err != nil {
		return nil, exchangeError(err)
	}
	return bundleFromToken(token), nil
}

// FetchProfile fetches /user and normalizes the response. When the public
// email is empty and the granted scopes include user:email, at most one
// secondary /user/emails lookup is attempted; its failure is tolerated and
// the profile is returned without an email.
func (p *Provider) FetchProfile(ctx context.Context, bundle *providers.TokenBundle) (*providers.Profile, error) {
	ctx, cancel := providers.EnsureTimeout(ctx, p.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userEndpoint, nil)
	if err != nil {
		return nil, providers.WrapError(storage.ProviderGitHub, "fetch_profile", err)
	}
	req.Header.Set("Authorization", "Bearer "+bundle.AccessToken)
	req.Header.Set("Accept", "application/vnd.github.v3+json")

	body, status, err := providers.DoRead(p.httpClient, req)
	if err != nil {
		return nil, providers.WrapError(storage.ProviderGitHub, "fetch_profile", err)
	}
	if status != http.StatusOK {
		return nil, providers.NewError(storage.ProviderGitHub, "fetch_profile",
			strconv.Itoa(status), "user info request failed")
	}

	var ghUser struct {
		ID        int64  `json:"id"`
		Login     string `json:"login"`
		Name      string `json:"name"`
		Email     string `json:"email"`
		AvatarURL string `json:"avatar_url"`
	}
	if err := json.Unmarshal(body, &ghUser); err != nil {
		return nil, providers.WrapError(storage.ProviderGitHub, "fetch_profile", err)
	}
	if ghUser.ID == 0 {
		return nil, providers.WrapError(storage.ProviderGitHub, "fetch_profile", providers.ErrNoRemoteID)
	}

	profile := &providers.Profile{
		ID:          strconv.FormatInt(ghUser.ID, 10),
		Username:    ghUser.Login,
		DisplayName: ghUser.Name,
		Email:       ghUser.Email,
		AvatarURL:   ghUser.AvatarURL,
		Raw:         json.RawMessage(body),
	}
	if profile.DisplayName == "" {
		profile.DisplayName = ghUser.Login
	}

	if profile.Email == "" && p.hasEmailScope(bundle.Scope) {
		if email, err := p.fetchPrimaryEmail(ctx, bundle.AccessToken); err == nil && email != "" {
			profile.Email = email
		}
	}

	return profile, nil
}

// hasEmailScope checks the granted scopes from the token response; when the
// provider omitted them, the configured scopes decide.
func (p *Provider) hasEmailScope(granted string) bool {
	scopes := p.conf.Scopes
	if granted != "" {
		scopes = strings.FieldsFunc(granted, func(r rune) bool { return r == ',' || r == ' ' })
	}
	for _, s := range scopes {
		if s == emailScope {
			return true
		}
	}
	return false
}

// fetchPrimaryEmail returns the primary verified email, falling back to any
// verified email, then to the first entry.
func (p *Provider) fetchPrimaryEmail(ctx context.Context, accessToken string) (string, error) {
	var emails []struct {
		Email    string `json:"email"`
		Primary  bool   `json:"primary"`
		Verified bool   `json:"verified"`
	}
	err := providers.GetJSON(ctx, p.httpClient, p.emailsEndpoint, map[string]string{
		"Authorization": "Bearer " + accessToken,
		"Accept":        "application/vnd.github.v3+json",
	}, &emails)
	if err != nil {
		return "", err
	}

	for _, e := range emails {
		if e.Primary && e.Verified {
			return e.Email, nil
		}
	}
	for _, e := range emails {
		if e.Verified {
			return e.Email, nil
		}
	}
	if len(emails) > 0 {
		return emails[0].Email, nil
	}
	return "", nil
}

// RefreshToken reports the typed unsupported outcome. GitHub OAuth Apps
// issue non-expiring access tokens; no network call is attempted.
func (p *Provider) RefreshToken(_ context.Context, _ string) (*providers.TokenBundle, error) {
	return nil, providers.WrapError(storage.ProviderGitHub, "refresh_token", providers.ErrRefreshNotSupported)
}

// SupportsRefresh reports false: GitHub OAuth App tokens never expire.
func (p *Provider) SupportsRefresh() bool { return false }

func bundleFromToken(token *oauth2.Token) *providers.TokenBundle {
	bundle := &providers.TokenBundle{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
	}
	if !token.Expiry.IsZero() {
		if secs := int64(time.Until(token.Expiry).Seconds()); secs > 0 {
			bundle.ExpiresIn = secs
		}
	}
	if scope, ok := token.Extra("scope").(string); ok {
		bundle.Scope = scope
	}
	return bundle
}

func exchangeError(err error) error {
	var rErr *oauth2.RetrieveError
	if errors.As(err, &rErr) && rErr.ErrorCode != "" {
		return providers.NewError(storage.ProviderGitHub, "exchange_code", rErr.ErrorCode, rErr.ErrorDescription)
	}
	return providers.WrapError(storage.ProviderGitHub, "exchange_code", err)
}
