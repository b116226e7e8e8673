// Package mock provides a mock implementation of the Provider interface for testing.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/unioauth/unioauth/providers"
	"github.com/unioauth/unioauth/storage"
)

var _ providers.Provider = (*MockProvider)(nil)

// MockProvider is a configurable fake provider for tests.
type MockProvider struct {
	// IDFunc is called when ID() is invoked
	IDFunc func() storage.ProviderID

	// AuthorizationURLFunc is called when AuthorizationURL() is invoked
	AuthorizationURLFunc func(state string) (string, error)

	// ExchangeCodeFunc is called when ExchangeCode() is invoked
	ExchangeCodeFunc func(ctx context.Context, code string) (*providers.TokenBundle, error)

	// FetchProfileFunc is called when FetchProfile() is invoked
	FetchProfileFunc func(ctx context.Context, bundle *providers.TokenBundle) (*providers.Profile, error)

	// RefreshTokenFunc is called when RefreshToken() is invoked
	RefreshTokenFunc func(ctx context.Context, refreshToken string) (*providers.TokenBundle, error)

	// SupportsRefreshFunc is called when SupportsRefresh() is invoked
	SupportsRefreshFunc func() bool

	// CallCounts tracks how many times each method was called
	CallCounts map[string]int

	// mu protects CallCounts from concurrent access
	mu sync.RWMutex
}

// NewMockProvider creates a new mock provider with default implementations.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		CallCounts: make(map[string]int),
		IDFunc: func() storage.ProviderID {
			return storage.ProviderGitHub
		},
		AuthorizationURLFunc: func(state string) (string, error) {
			return "https://mock.example.com/authorize?state=" + state, nil
		},
		ExchangeCodeFunc: func(ctx context.Context, code string) (*providers.TokenBundle, error) {
			return &providers.TokenBundle{
				AccessToken:  "mock-access-token",
				RefreshToken: "mock-refresh-token",
				TokenType:    "Bearer",
				ExpiresIn:    3600,
			}, nil
		},
		FetchProfileFunc: func(ctx context.Context, bundle *providers.TokenBundle) (*providers.Profile, error) {
			return &providers.Profile{
				ID:          "mock-remote-123",
				Username:    "mockuser",
				DisplayName: "Mock User",
				Email:       "mock@example.com",
			}, nil
		},
		RefreshTokenFunc: func(ctx context.Context, refreshToken string) (*providers.TokenBundle, error) {
			return &providers.TokenBundle{
				AccessToken:  "new-mock-access-token",
				RefreshToken: "new-mock-refresh-token",
				TokenType:    "Bearer",
				ExpiresIn:    3600,
			}, nil
		},
		SupportsRefreshFunc: func() bool {
			return true
		},
	}
}

// ID returns the provider identifier.
func (m *MockProvider) ID() storage.ProviderID {
	// Lock only to update the counter and read the function reference.
	// Release before calling the user function so it may call other
	// mock methods without deadlocking.
	m.mu.Lock()
	m.CallCounts["ID"]++
	fn := m.IDFunc
	m.mu.Unlock()

	if fn == nil {
		return storage.ProviderGitHub
	}
	return fn()
}

// AuthorizationURL builds the redirect URL for the mocked flow.
func (m *MockProvider) AuthorizationURL(state string) (string, error) {
	m.mu.Lock()
	m.CallCounts["AuthorizationURL"]++
	fn := m.AuthorizationURLFunc
	m.mu.Unlock()
	if fn == nil {
		return "https://mock.example.com/authorize?state=" + state, nil
	}
	return fn(state)
}

// ExchangeCode exchanges an authorization code for tokens.
func (m *MockProvider) ExchangeCode(ctx context.Context, code string) (*providers.TokenBundle, error) {
	m.mu.Lock()
	m.CallCounts["ExchangeCode"]++
	fn := m.ExchangeCodeFunc
	m.mu.Unlock()
	if fn == nil {
		return nil, fmt.Errorf("ExchangeCodeFunc not configured")
	}
	return fn(ctx, code)
}

// FetchProfile returns the mocked remote profile.
func (m *MockProvider) FetchProfile(ctx context.Context, bundle *providers.TokenBundle) (*providers.Profile, error) {
	m.mu.Lock()
	m.CallCounts["FetchProfile"]++
	fn := m.FetchProfileFunc
	m.mu.Unlock()
	if fn == nil {
		return nil, fmt.Errorf("FetchProfileFunc not configured")
	}
	return fn(ctx, bundle)
}

// RefreshToken refreshes an expired token using a refresh token.
func (m *MockProvider) RefreshToken(ctx context.Context, refreshToken string) (*providers.TokenBundle, error) {
	m.mu.Lock()
	m.CallCounts["RefreshToken"]++
	fn := m.RefreshTokenFunc
	m.mu.Unlock()
	if fn == nil {
		return nil, fmt.Errorf("RefreshTokenFunc not configured")
	}
	return fn(ctx, refreshToken)
}

// SupportsRefresh reports whether the mock advertises refresh support.
func (m *MockProvider) SupportsRefresh() bool {
	m.mu.Lock()
	m.CallCounts["SupportsRefresh"]++
	fn := m.SupportsRefreshFunc
	m.mu.Unlock()
	if fn == nil {
		return true
	}
	return fn()
}

// ResetCallCounts resets all call counters.
func (m *MockProvider) ResetCallCounts() {
	m.mu.Lock()
	m.CallCounts = make(map[string]int)
	m.mu.Unlock()
}

// GetCallCount returns the number of times a method was called.
func (m *MockProvider) GetCallCount(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.CallCounts[method]
}
