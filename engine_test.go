package unioauth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/unioauth/unioauth/providers"
	provmock "github.com/unioauth/unioauth/providers/mock"
	"github.com/unioauth/unioauth/security"
	"github.com/unioauth/unioauth/storage"
	"github.com/unioauth/unioauth/storage/memory"
)

// testClock is a mutable clock shared by the engine and its stores.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// minterFunc adapts a function to the SessionMinter interface.
type minterFunc func(ctx context.Context, userID int64, b *storage.Binding) (*Session, error)

func (f minterFunc) MintSession(ctx context.Context, userID int64, b *storage.Binding) (*Session, error) {
	return f(ctx, userID, b)
}

type testEngine struct {
	*Engine
	store *memory.Store
	clock *testClock
	mock  *provmock.MockProvider
}

// newTestEngine wires an engine over a single memory store acting as all
// three stores, with a fake clock and a mock github provider.
func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	return newTestEngineWithConfig(t, Config{})
}

func newTestEngineWithConfig(t *testing.T, cfg Config) *testEngine {
	t.Helper()

	store := memory.New()
	t.Cleanup(store.Stop)

	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	eng, err := New(cfg, store, store, store)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(eng.Close)

	clock := &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	eng.SetClock(security.ClockFunc(clock.Now))

	if err := store.PutConfig(&storage.ProviderConfig{
		Identifier:   storage.ProviderGitHub,
		DisplayName:  "GitHub",
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURI:  "https://app.example.com/callback",
		Enabled:      true,
		Status:       storage.ConfigActive,
	}); err != nil {
		t.Fatalf("PutConfig() error = %v", err)
	}

	mock := provmock.NewMockProvider()
	eng.SetProviderFactory(func(cfg *storage.ProviderConfig) (providers.Provider, error) {
		return mock, nil
	})

	return &testEngine{Engine: eng, store: store, clock: clock, mock: mock}
}

// seedProvider enables a minimal configuration for the given provider.
func (te *testEngine) seedProvider(t *testing.T, id storage.ProviderID) {
	t.Helper()
	if err := te.store.PutConfig(&storage.ProviderConfig{
		Identifier:   id,
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURI:  "https://app.example.com/callback",
		Enabled:      true,
		Status:       storage.ConfigActive,
	}); err != nil {
		t.Fatalf("PutConfig(%s) error = %v", id, err)
	}
}

func int64Ptr(v int64) *int64 { return &v }

func TestNew_RequiresStores(t *testing.T) {
	store := memory.New()
	defer store.Stop()

	tests := []struct {
		name     string
		states   storage.StateStore
		bindings storage.BindingStore
		configs  storage.ConfigStore
	}{
		{"nil states", nil, store, store},
		{"nil bindings", store, nil, store},
		{"nil configs", store, store, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(Config{}, tt.states, tt.bindings, tt.configs)
			if err == nil {
				t.Fatal("New() error = nil, want ConfigError")
			}
			var ce *ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("New() error = %v, want *ConfigError", err)
			}
		})
	}
}

func TestNew_InvalidEncryptionSecret(t *testing.T) {
	store := memory.New()
	defer store.Stop()

	// A secret is any non-empty byte string; only derivation failures are
	// configuration errors, so exercise the valid path here.
	eng, err := New(Config{
		Security: SecurityConfig{EncryptionSecret: []byte("correct horse battery staple")},
	}, store, store, store)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer eng.Close()
	if eng.Encryptor() == nil {
		t.Error("Encryptor() = nil, want configured encryptor")
	}
}

func TestEngine_CloseIdempotent(t *testing.T) {
	te := newTestEngine(t)
	te.Close()
	te.Close()
}

func TestEngine_ProviderForUnknown(t *testing.T) {
	te := newTestEngine(t)

	_, _, err := te.providerFor(context.Background(), storage.ProviderID("myspace"))
	if err == nil {
		t.Fatal("providerFor() error = nil, want ErrUnknownProvider")
	}
}

func TestEngine_ProviderForDisabled(t *testing.T) {
	te := newTestEngine(t)

	// gitee has no config seeded.
	_, _, err := te.providerFor(context.Background(), storage.ProviderGitee)
	if err == nil {
		t.Fatal("providerFor() error = nil, want ErrConfigNotFound")
	}
}
