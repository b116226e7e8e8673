package file

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/unioauth/unioauth/storage"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "providers.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

const validConfig = `
providers:
  - provider: github
    display_name: GitHub
    client_id: gh-client
    client_secret: gh-secret
    redirect_uri: https://example.com/callback/github
    scopes: [read:user, user:email]
    sort_order: 2
  - provider: wechat
    client_id: wx-appid
    client_secret: wx-secret
    sort_order: 1
    extra:
      use_unionid: "true"
  - provider: qq
    client_id: qq-client
    enabled: false
`

func TestNew(t *testing.T) {
	s, err := New(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx := context.Background()

	cfg, err := s.GetEnabled(ctx, storage.ProviderGitHub)
	if err != nil {
		t.Fatalf("GetEnabled() error = %v", err)
	}
	if cfg.ClientID != "gh-client" || cfg.ClientSecret != "gh-secret" {
		t.Errorf("GetEnabled() = %+v", cfg)
	}
	if len(cfg.Scopes) != 2 || cfg.Scopes[0] != "read:user" {
		t.Errorf("Scopes = %v", cfg.Scopes)
	}

	wx, err := s.GetEnabled(ctx, storage.ProviderWeChat)
	if err != nil {
		t.Fatalf("GetEnabled(wechat) error = %v", err)
	}
	if wx.Extra["use_unionid"] != "true" {
		t.Errorf("wechat Extra = %v", wx.Extra)
	}

	// Disabled providers are invisible.
	if _, err := s.GetEnabled(ctx, storage.ProviderQQ); !errors.Is(err, storage.ErrConfigNotFound) {
		t.Errorf("GetEnabled(disabled) error = %v, want ErrConfigNotFound", err)
	}
	if _, err := s.GetEnabled(ctx, storage.ProviderFeishu); !errors.Is(err, storage.ErrConfigNotFound) {
		t.Errorf("GetEnabled(absent) error = %v, want ErrConfigNotFound", err)
	}
}

func TestListEnabled_Order(t *testing.T) {
	s, err := New(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	list, err := s.ListEnabled(context.Background())
	if err != nil {
		t.Fatalf("ListEnabled() error = %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("ListEnabled() returned %d configs, want 2", len(list))
	}
	if list[0].Identifier != storage.ProviderWeChat || list[1].Identifier != storage.ProviderGitHub {
		t.Errorf("ListEnabled() order = %s, %s", list[0].Identifier, list[1].Identifier)
	}
}

func TestNew_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown provider", "providers:\n  - provider: google\n    client_id: x\n"},
		{"missing client id", "providers:\n  - provider: github\n"},
		{"duplicate provider", "providers:\n  - provider: github\n    client_id: a\n  - provider: github\n    client_id: b\n"},
		{"malformed yaml", "providers: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(writeConfig(t, tt.content)); err == nil {
				t.Error("New() error = nil, want error")
			}
		})
	}

	if _, err := New(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("New() with missing file error = nil, want error")
	}
}

func TestReload(t *testing.T) {
	path := writeConfig(t, validConfig)
	s, err := New(path)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	updated := `
providers:
  - provider: gitee
    client_id: gitee-client
`
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatalf("failed to rewrite config: %v", err)
	}
	if err := s.Reload(); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}

	ctx := context.Background()
	if _, err := s.GetEnabled(ctx, storage.ProviderGitHub); !errors.Is(err, storage.ErrConfigNotFound) {
		t.Errorf("GetEnabled(github) after reload error = %v, want ErrConfigNotFound", err)
	}
	if _, err := s.GetEnabled(ctx, storage.ProviderGitee); err != nil {
		t.Errorf("GetEnabled(gitee) after reload error = %v", err)
	}
}
