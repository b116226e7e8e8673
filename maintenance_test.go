package unioauth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/unioauth/unioauth/providers"
	"github.com/unioauth/unioauth/storage"
)

func TestRunMaintenance_SweepsStates(t *testing.T) {
	te := newTestEngine(t)

	beginBind(t, te, 1, "")
	beginBind(t, te, 2, "")
	te.clock.Advance(DefaultStateTTL + time.Minute)

	report, err := te.RunMaintenance(context.Background())
	if err != nil {
		t.Fatalf("RunMaintenance() error = %v", err)
	}
	if report.StatesExpired != 2 {
		t.Errorf("StatesExpired = %d, want 2", report.StatesExpired)
	}
	if report.StatesDeleted != 0 {
		t.Errorf("StatesDeleted = %d, want 0", report.StatesDeleted)
	}

	// Past retention the expired rows are hard-deleted.
	te.clock.Advance(DefaultStateRetention + time.Hour)
	report, err = te.RunMaintenance(context.Background())
	if err != nil {
		t.Fatalf("second RunMaintenance() error = %v", err)
	}
	if report.StatesDeleted != 2 {
		t.Errorf("StatesDeleted = %d, want 2", report.StatesDeleted)
	}
}

func TestRunMaintenance_RefreshesExpiringTokens(t *testing.T) {
	te := newTestEngine(t)

	te.mock.ExchangeCodeFunc = func(ctx context.Context, code string) (*providers.TokenBundle, error) {
		return &providers.TokenBundle{AccessToken: "old", RefreshToken: "ref", ExpiresIn: 1800}, nil
	}
	bindRemote(t, te, 42)

	te.mock.RefreshTokenFunc = func(ctx context.Context, refreshToken string) (*providers.TokenBundle, error) {
		if refreshToken != "ref" {
			t.Errorf("RefreshToken called with %q, want ref", refreshToken)
		}
		return &providers.TokenBundle{AccessToken: "fresh", RefreshToken: "ref2", ExpiresIn: 3600}, nil
	}

	report, err := te.RunMaintenance(context.Background())
	if err != nil {
		t.Fatalf("RunMaintenance() error = %v", err)
	}
	if report.RefreshCandidates != 1 || report.Refreshed != 1 {
		t.Errorf("report = %+v, want 1 candidate refreshed", report)
	}

	stored, err := te.store.GetByUser(context.Background(), 42, storage.ProviderGitHub)
	if err != nil {
		t.Fatalf("GetByUser() error = %v", err)
	}
	if stored.AccessToken != "fresh" || stored.RefreshToken != "ref2" {
		t.Errorf("stored tokens = %q/%q, want fresh/ref2", stored.AccessToken, stored.RefreshToken)
	}
	if want := te.clock.Now().Add(time.Hour); !stored.TokenExpiry.Equal(want) {
		t.Errorf("TokenExpiry = %v, want %v", stored.TokenExpiry, want)
	}
}

func TestRunMaintenance_SkipsDistantExpiry(t *testing.T) {
	te := newTestEngine(t)

	te.mock.ExchangeCodeFunc = func(ctx context.Context, code string) (*providers.TokenBundle, error) {
		// Expires in 48h, outside the 24h lookahead.
		return &providers.TokenBundle{AccessToken: "tok", RefreshToken: "ref", ExpiresIn: 48 * 3600}, nil
	}
	bindRemote(t, te, 42)

	report, err := te.RunMaintenance(context.Background())
	if err != nil {
		t.Fatalf("RunMaintenance() error = %v", err)
	}
	if report.RefreshCandidates != 0 {
		t.Errorf("RefreshCandidates = %d, want 0", report.RefreshCandidates)
	}
	if te.mock.GetCallCount("RefreshToken") != 0 {
		t.Error("RefreshToken called for a token outside the lookahead window")
	}
}

func TestRunMaintenance_UnsupportedProviderNeverCalled(t *testing.T) {
	te := newTestEngine(t)

	te.mock.ExchangeCodeFunc = func(ctx context.Context, code string) (*providers.TokenBundle, error) {
		return &providers.TokenBundle{AccessToken: "tok", RefreshToken: "ref", ExpiresIn: 60}, nil
	}
	bindRemote(t, te, 42)

	te.mock.SupportsRefreshFunc = func() bool { return false }
	te.mock.RefreshTokenFunc = func(ctx context.Context, refreshToken string) (*providers.TokenBundle, error) {
		t.Fatal("RefreshToken called on a provider without refresh support")
		return nil, nil
	}

	report, err := te.RunMaintenance(context.Background())
	if err != nil {
		t.Fatalf("RunMaintenance() error = %v", err)
	}
	if report.Skipped != 1 {
		t.Errorf("Skipped = %d, want 1", report.Skipped)
	}
	if report.Refreshed != 0 || len(report.Failures) != 0 {
		t.Errorf("report = %+v, want skip only", report)
	}
}

func TestRunMaintenance_FailureDoesNotAbort(t *testing.T) {
	te := newTestEngine(t)

	te.mock.ExchangeCodeFunc = func(ctx context.Context, code string) (*providers.TokenBundle, error) {
		return &providers.TokenBundle{AccessToken: "tok", RefreshToken: "ref", ExpiresIn: 60}, nil
	}
	bindRemote(t, te, 1)

	te.mock.FetchProfileFunc = func(ctx context.Context, bundle *providers.TokenBundle) (*providers.Profile, error) {
		return &providers.Profile{ID: "second-remote", Username: "two"}, nil
	}
	bindRemote(t, te, 2)

	refreshErr := providers.NewError(storage.ProviderGitHub, "refresh_token", "invalid_grant", "revoked")
	calls := 0
	te.mock.RefreshTokenFunc = func(ctx context.Context, refreshToken string) (*providers.TokenBundle, error) {
		calls++
		if calls == 1 {
			return nil, refreshErr
		}
		return &providers.TokenBundle{AccessToken: "fresh", ExpiresIn: 3600}, nil
	}

	report, err := te.RunMaintenance(context.Background())
	if err != nil {
		t.Fatalf("RunMaintenance() error = %v", err)
	}
	if report.RefreshCandidates != 2 {
		t.Fatalf("RefreshCandidates = %d, want 2", report.RefreshCandidates)
	}
	if report.Refreshed != 1 {
		t.Errorf("Refreshed = %d, want 1", report.Refreshed)
	}
	if len(report.Failures) != 1 {
		t.Fatalf("Failures = %d, want 1", len(report.Failures))
	}
	if !errors.Is(report.Failures[0].Err, refreshErr) {
		t.Errorf("failure err = %v, want the provider error", report.Failures[0].Err)
	}
}

func TestRunMaintenance_SkipsDisabledBindings(t *testing.T) {
	te := newTestEngine(t)

	te.mock.ExchangeCodeFunc = func(ctx context.Context, code string) (*providers.TokenBundle, error) {
		return &providers.TokenBundle{AccessToken: "tok", RefreshToken: "ref", ExpiresIn: 60}, nil
	}
	binding := bindRemote(t, te, 42)
	binding.Status = storage.BindingDisabled
	if err := te.store.Update(context.Background(), binding); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	report, err := te.RunMaintenance(context.Background())
	if err != nil {
		t.Fatalf("RunMaintenance() error = %v", err)
	}
	if report.RefreshCandidates != 0 {
		t.Errorf("RefreshCandidates = %d, want 0", report.RefreshCandidates)
	}
	if te.mock.GetCallCount("RefreshToken") != 0 {
		t.Error("RefreshToken called for a disabled binding")
	}
}
