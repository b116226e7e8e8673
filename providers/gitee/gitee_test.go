package gitee

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/unioauth/unioauth/providers"
	"github.com/unioauth/unioauth/storage"
)

func newTestProvider(t *testing.T, srv *httptest.Server) *Provider {
	t.Helper()
	provider, err := NewProvider(&Config{
		ClientID:      "test-client-id",
		ClientSecret:  "test-client-secret",
		RedirectURL:   "https://example.com/callback",
		AuthEndpoint:  srv.URL + "/oauth/authorize",
		TokenEndpoint: srv.URL + "/oauth/token",
		UserEndpoint:  srv.URL + "/api/v5/user",
		HTTPClient:    srv.Client(),
	})
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	return provider
}

func TestProvider_AuthorizationURL(t *testing.T) {
	provider, err := NewProvider(&Config{
		ClientID:     "test-client-id",
		ClientSecret: "test-client-secret",
		RedirectURL:  "https://example.com/callback",
	})
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	raw, err := provider.AuthorizationURL("st-1")
	if err != nil {
		t.Fatalf("AuthorizationURL() error = %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	q := u.Query()
	if q.Get("response_type") != "code" {
		t.Errorf("response_type = %q", q.Get("response_type"))
	}
	if q.Get("scope") != "user_info" {
		t.Errorf("scope = %q, want default user_info", q.Get("scope"))
	}
	if q.Get("state") != "st-1" {
		t.Errorf("state = %q", q.Get("state"))
	}
}

func TestProvider_ExchangeCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %q, want POST", r.Method)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("ParseForm() error = %v", err)
		}
		if got := r.Form.Get("grant_type"); got != "authorization_code" {
			t.Errorf("grant_type = %q", got)
		}
		if got := r.Form.Get("client_secret"); got != "test-client-secret" {
			t.Errorf("client_secret = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "gitee-token",
			"refresh_token": "gitee-refresh",
			"token_type":    "bearer",
			"expires_in":    86400,
			"scope":         "user_info",
		})
	}))
	defer srv.Close()

	provider := newTestProvider(t, srv)
	bundle, err := provider.ExchangeCode(context.Background(), "code-1")
	if err != nil {
		t.Fatalf("ExchangeCode() error = %v", err)
	}
	if bundle.AccessToken != "gitee-token" {
		t.Errorf("AccessToken = %q", bundle.AccessToken)
	}
	if bundle.RefreshToken != "gitee-refresh" {
		t.Errorf("RefreshToken = %q", bundle.RefreshToken)
	}
	if bundle.ExpiresIn != 86400 {
		t.Errorf("ExpiresIn = %d, want 86400", bundle.ExpiresIn)
	}
}

func TestProvider_ExchangeCode_ProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{
			"error":             "invalid_grant",
			"error_description": "The authorization code is invalid",
		})
	}))
	defer srv.Close()

	provider := newTestProvider(t, srv)
	_, err := provider.ExchangeCode(context.Background(), "bad")
	var pErr *providers.Error
	if !errors.As(err, &pErr) {
		t.Fatalf("ExchangeCode() error = %T (%v), want *providers.Error", err, err)
	}
	if pErr.Code != "invalid_grant" {
		t.Errorf("Code = %q, want invalid_grant", pErr.Code)
	}
	if pErr.Op != "exchange_code" {
		t.Errorf("Op = %q", pErr.Op)
	}
}

func TestProvider_RefreshToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("ParseForm() error = %v", err)
		}
		if got := r.Form.Get("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %q", got)
		}
		if got := r.Form.Get("refresh_token"); got != "old-refresh" {
			t.Errorf("refresh_token = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "rotated-token",
			"refresh_token": "rotated-refresh",
			"expires_in":    86400,
		})
	}))
	defer srv.Close()

	provider := newTestProvider(t, srv)
	if !provider.SupportsRefresh() {
		t.Fatal("SupportsRefresh() = false, want true")
	}
	bundle, err := provider.RefreshToken(context.Background(), "old-refresh")
	if err != nil {
		t.Fatalf("RefreshToken() error = %v", err)
	}
	if bundle.AccessToken != "rotated-token" {
		t.Errorf("AccessToken = %q", bundle.AccessToken)
	}
	if bundle.RefreshToken != "rotated-refresh" {
		t.Errorf("RefreshToken = %q", bundle.RefreshToken)
	}
}

func TestProvider_FetchProfile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("access_token"); got != "gitee-token" {
			t.Errorf("access_token = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":         4242,
			"login":      "mudong",
			"name":       "Mu Dong",
			"email":      "mudong@example.com",
			"avatar_url": "https://gitee.com/assets/4242.png",
		})
	}))
	defer srv.Close()

	provider := newTestProvider(t, srv)
	profile, err := provider.FetchProfile(context.Background(), &providers.TokenBundle{AccessToken: "gitee-token"})
	if err != nil {
		t.Fatalf("FetchProfile() error = %v", err)
	}
	if profile.ID != "4242" {
		t.Errorf("ID = %q, want %q", profile.ID, "4242")
	}
	if profile.Username != "mudong" {
		t.Errorf("Username = %q", profile.Username)
	}
	if provider.ID() != storage.ProviderGitee {
		t.Errorf("ID() = %q", provider.ID())
	}
}
