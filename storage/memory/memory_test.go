package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/unioauth/unioauth/security"
	"github.com/unioauth/unioauth/storage"
)

// testClock is an advanceable time source for deterministic expiry tests.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
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

func newTestStore(t *testing.T) (*Store, *testClock) {
	t.Helper()
	s := New()
	t.Cleanup(s.Stop)
	clock := newTestClock()
	s.SetClock(clock)
	return s, clock
}

func validState(clock *testClock) *storage.AuthState {
	now := clock.Now()
	return &storage.AuthState{
		State:     "state-abc",
		Provider:  storage.ProviderGitHub,
		ClientIP:  "203.0.113.7",
		UserAgent: "test-agent",
		CreatedAt: now,
		ExpiresAt: now.Add(10 * time.Minute),
		Status:    storage.StateValid,
	}
}

func TestStore_SaveState_Validation(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		state *storage.AuthState
	}{
		{"nil state", nil},
		{"empty state value", &storage.AuthState{Provider: storage.ProviderGitHub}},
		{"unknown provider", &storage.AuthState{State: "s", Provider: "google"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.SaveState(ctx, tt.state); err == nil {
				t.Error("SaveState() error = nil, want error")
			}
		})
	}

	if err := s.SaveState(ctx, validState(clock)); err != nil {
		t.Errorf("SaveState() error = %v", err)
	}
}

func TestStore_ConsumeState(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	state := validState(clock)
	uid := int64(42)
	state.UserID = &uid
	if err := s.SaveState(ctx, state); err != nil {
		t.Fatalf("SaveState() error = %v", err)
	}

	got, err := s.ConsumeState(ctx, state.State, state.Provider)
	if err != nil {
		t.Fatalf("ConsumeState() error = %v", err)
	}
	if got.Status != storage.StateUsed {
		t.Errorf("consumed state status = %q, want %q", got.Status, storage.StateUsed)
	}
	if got.UserID == nil || *got.UserID != 42 {
		t.Errorf("consumed state UserID = %v, want 42", got.UserID)
	}

	// Second consumption is a replay.
	if _, err := s.ConsumeState(ctx, state.State, state.Provider); !errors.Is(err, storage.ErrStateConsumed) {
		t.Errorf("replayed ConsumeState() error = %v, want ErrStateConsumed", err)
	}
}

func TestStore_ConsumeState_NotFound(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	if _, err := s.ConsumeState(ctx, "missing", storage.ProviderGitHub); !errors.Is(err, storage.ErrStateNotFound) {
		t.Errorf("ConsumeState() error = %v, want ErrStateNotFound", err)
	}

	// Same state value under a different provider does not match.
	if err := s.SaveState(ctx, validState(clock)); err != nil {
		t.Fatalf("SaveState() error = %v", err)
	}
	if _, err := s.ConsumeState(ctx, "state-abc", storage.ProviderGitee); !errors.Is(err, storage.ErrStateNotFound) {
		t.Errorf("ConsumeState() with wrong provider error = %v, want ErrStateNotFound", err)
	}
}

func TestStore_ConsumeState_Expired(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveState(ctx, validState(clock)); err != nil {
		t.Fatalf("SaveState() error = %v", err)
	}

	clock.Advance(11 * time.Minute)

	if _, err := s.ConsumeState(ctx, "state-abc", storage.ProviderGitHub); !errors.Is(err, storage.ErrStateExpired) {
		t.Errorf("ConsumeState() past expiry error = %v, want ErrStateExpired", err)
	}

	// The state is now terminal; further attempts stay expired.
	if _, err := s.ConsumeState(ctx, "state-abc", storage.ProviderGitHub); !errors.Is(err, storage.ErrStateExpired) {
		t.Errorf("second ConsumeState() error = %v, want ErrStateExpired", err)
	}
}

func TestStore_ConsumeState_Concurrent(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveState(ctx, validState(clock)); err != nil {
		t.Fatalf("SaveState() error = %v", err)
	}

	const goroutines = 20
	var wg sync.WaitGroup
	results := make(chan error, goroutines)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ConsumeState(ctx, "state-abc", storage.ProviderGitHub)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	successes := 0
	for err := range results {
		if err == nil {
			successes++
		} else if !errors.Is(err, storage.ErrStateConsumed) {
			t.Errorf("concurrent ConsumeState() error = %v, want nil or ErrStateConsumed", err)
		}
	}
	if successes != 1 {
		t.Errorf("concurrent consumption succeeded %d times, want exactly 1", successes)
	}
}

func TestStore_CountRecentStates(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	uid := int64(7)
	base := clock.Now()
	save := func(state, ip string, userID *int64, age time.Duration) {
		t.Helper()
		err := s.SaveState(ctx, &storage.AuthState{
			State:     state,
			Provider:  storage.ProviderGitHub,
			UserID:    userID,
			ClientIP:  ip,
			CreatedAt: base.Add(-age),
			ExpiresAt: base.Add(10 * time.Minute),
		})
		if err != nil {
			t.Fatalf("SaveState(%s) error = %v", state, err)
		}
	}

	save("s1", "203.0.113.7", nil, time.Minute)
	save("s2", "203.0.113.7", &uid, 2*time.Minute)
	save("s3", "203.0.113.7", nil, time.Hour) // outside the window
	save("s4", "198.51.100.9", nil, time.Minute)

	since := base.Add(-15 * time.Minute)

	count, err := s.CountRecentStates(ctx, storage.IPIssuanceKey("203.0.113.7"), storage.ProviderGitHub, since)
	if err != nil {
		t.Fatalf("CountRecentStates() error = %v", err)
	}
	if count != 2 {
		t.Errorf("IP-scoped count = %d, want 2", count)
	}

	count, err = s.CountRecentStates(ctx, storage.UserIssuanceKey(7), storage.ProviderGitHub, since)
	if err != nil {
		t.Fatalf("CountRecentStates() error = %v", err)
	}
	if count != 1 {
		t.Errorf("user-scoped count = %d, want 1", count)
	}

	count, err = s.CountRecentStates(ctx, storage.IPIssuanceKey("203.0.113.7"), storage.ProviderGitee, since)
	if err != nil {
		t.Fatalf("CountRecentStates() error = %v", err)
	}
	if count != 0 {
		t.Errorf("other-provider count = %d, want 0", count)
	}
}

func TestStore_SweepStates(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	now := clock.Now()
	save := func(state string, expiresAt time.Time, status storage.StateStatus) {
		t.Helper()
		err := s.SaveState(ctx, &storage.AuthState{
			State:     state,
			Provider:  storage.ProviderGitHub,
			CreatedAt: now.Add(-time.Hour),
			ExpiresAt: expiresAt,
			Status:    status,
		})
		if err != nil {
			t.Fatalf("SaveState(%s) error = %v", state, err)
		}
	}

	save("fresh", now.Add(10*time.Minute), storage.StateValid)
	save("stale", now.Add(-5*time.Minute), storage.StateValid)
	save("old-used", now.Add(-48*time.Hour), storage.StateUsed)
	save("recent-used", now.Add(-time.Minute), storage.StateUsed)

	expired, deleted, err := s.SweepStates(ctx, now, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("SweepStates() error = %v", err)
	}
	if expired != 1 {
		t.Errorf("expired = %d, want 1", expired)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}

	// The stale state is now terminal.
	if _, err := s.ConsumeState(ctx, "stale", storage.ProviderGitHub); !errors.Is(err, storage.ErrStateExpired) {
		t.Errorf("ConsumeState(stale) error = %v, want ErrStateExpired", err)
	}
	// The fresh one still works.
	if _, err := s.ConsumeState(ctx, "fresh", storage.ProviderGitHub); err != nil {
		t.Errorf("ConsumeState(fresh) error = %v", err)
	}
	// The hard-deleted one is gone.
	if _, err := s.ConsumeState(ctx, "old-used", storage.ProviderGitHub); !errors.Is(err, storage.ErrStateNotFound) {
		t.Errorf("ConsumeState(old-used) error = %v, want ErrStateNotFound", err)
	}

	// Sweeping again finds nothing new.
	expired, deleted, err = s.SweepStates(ctx, now, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("second SweepStates() error = %v", err)
	}
	if expired != 0 || deleted != 0 {
		t.Errorf("second sweep expired=%d deleted=%d, want 0, 0", expired, deleted)
	}
}

func testBinding(userID int64, provider storage.ProviderID, remoteID string) *storage.Binding {
	return &storage.Binding{
		UserID:         userID,
		Provider:       provider,
		RemoteUserID:   remoteID,
		RemoteUsername: "octocat",
		DisplayName:    "The Octocat",
		Email:          "octo@example.com",
		AccessToken:    "gho_access",
		RefreshToken:   "ghr_refresh",
		Status:         storage.BindingNormal,
	}
}

func TestStore_InsertAndGetBinding(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	b := testBinding(1, storage.ProviderGitHub, "583231")
	if err := s.Insert(ctx, b); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if b.ID == "" {
		t.Error("Insert() did not assign an ID")
	}
	if b.CreatedAt.IsZero() || b.UpdatedAt.IsZero() {
		t.Error("Insert() did not stamp timestamps")
	}

	byRemote, err := s.GetByRemote(ctx, storage.ProviderGitHub, "583231")
	if err != nil {
		t.Fatalf("GetByRemote() error = %v", err)
	}
	if byRemote.UserID != 1 || byRemote.AccessToken != "gho_access" {
		t.Errorf("GetByRemote() = %+v", byRemote)
	}

	byUser, err := s.GetByUser(ctx, 1, storage.ProviderGitHub)
	if err != nil {
		t.Fatalf("GetByUser() error = %v", err)
	}
	if byUser.ID != byRemote.ID {
		t.Errorf("GetByUser().ID = %q, GetByRemote().ID = %q", byUser.ID, byRemote.ID)
	}

	if _, err := s.GetByRemote(ctx, storage.ProviderGitHub, "999"); !errors.Is(err, storage.ErrBindingNotFound) {
		t.Errorf("GetByRemote(unknown) error = %v, want ErrBindingNotFound", err)
	}
}

func TestStore_Insert_Conflicts(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.Insert(ctx, testBinding(1, storage.ProviderGitHub, "583231")); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	// Another user claiming the same remote identity.
	if err := s.Insert(ctx, testBinding(2, storage.ProviderGitHub, "583231")); !errors.Is(err, storage.ErrBindingConflict) {
		t.Errorf("Insert() same remote error = %v, want ErrBindingConflict", err)
	}

	// Same user adding a second binding for the same provider.
	if err := s.Insert(ctx, testBinding(1, storage.ProviderGitHub, "777")); !errors.Is(err, storage.ErrBindingConflict) {
		t.Errorf("Insert() same user+provider error = %v, want ErrBindingConflict", err)
	}

	// A different provider is fine.
	if err := s.Insert(ctx, testBinding(1, storage.ProviderGitee, "583231")); err != nil {
		t.Errorf("Insert() other provider error = %v", err)
	}
}

func TestStore_UpdateBinding(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	b := testBinding(1, storage.ProviderGitHub, "583231")
	if err := s.Insert(ctx, b); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	updated := *b
	updated.AccessToken = "gho_rotated"
	updated.RefreshToken = "ghr_rotated"
	updated.UserID = 999 // ignored
	updated.RemoteUserID = "999" // ignored
	if err := s.Update(ctx, &updated); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	got, err := s.GetByUser(ctx, 1, storage.ProviderGitHub)
	if err != nil {
		t.Fatalf("GetByUser() error = %v", err)
	}
	if got.AccessToken != "gho_rotated" {
		t.Errorf("updated AccessToken = %q, want %q", got.AccessToken, "gho_rotated")
	}
	if got.UserID != 1 || got.RemoteUserID != "583231" {
		t.Errorf("Update() changed immutable fields: %+v", got)
	}

	missing := testBinding(5, storage.ProviderQQ, "x")
	missing.ID = "nope"
	if err := s.Update(ctx, missing); !errors.Is(err, storage.ErrBindingNotFound) {
		t.Errorf("Update(missing) error = %v, want ErrBindingNotFound", err)
	}
}

func TestStore_DeleteBinding(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	b := testBinding(1, storage.ProviderGitHub, "583231")
	if err := s.Insert(ctx, b); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	if err := s.DeleteByUser(ctx, 1, storage.ProviderGitHub); err != nil {
		t.Fatalf("DeleteByUser() error = %v", err)
	}
	if _, err := s.GetByRemote(ctx, storage.ProviderGitHub, "583231"); !errors.Is(err, storage.ErrBindingNotFound) {
		t.Errorf("GetByRemote() after delete error = %v, want ErrBindingNotFound", err)
	}
	if err := s.DeleteByUser(ctx, 1, storage.ProviderGitHub); !errors.Is(err, storage.ErrBindingNotFound) {
		t.Errorf("second DeleteByUser() error = %v, want ErrBindingNotFound", err)
	}

	// The remote identity is reclaimable after deletion.
	if err := s.Insert(ctx, testBinding(2, storage.ProviderGitHub, "583231")); err != nil {
		t.Errorf("Insert() after delete error = %v", err)
	}

	// DeleteByID is idempotent.
	if err := s.DeleteByID(ctx, "does-not-exist"); err != nil {
		t.Errorf("DeleteByID(missing) error = %v", err)
	}
}

func TestStore_ListByUser_Order(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for _, p := range []storage.ProviderID{storage.ProviderFeishu, storage.ProviderGitHub, storage.ProviderWeChat} {
		if err := s.Insert(ctx, testBinding(1, p, "remote-"+string(p))); err != nil {
			t.Fatalf("Insert(%s) error = %v", p, err)
		}
	}
	if err := s.Insert(ctx, testBinding(2, storage.ProviderGitHub, "other")); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	got, err := s.ListByUser(ctx, 1)
	if err != nil {
		t.Fatalf("ListByUser() error = %v", err)
	}
	want := []storage.ProviderID{storage.ProviderGitHub, storage.ProviderWeChat, storage.ProviderFeishu}
	if len(got) != len(want) {
		t.Fatalf("ListByUser() returned %d bindings, want %d", len(got), len(want))
	}
	for i, b := range got {
		if b.Provider != want[i] {
			t.Errorf("ListByUser()[%d].Provider = %s, want %s", i, b.Provider, want[i])
		}
	}
}

func TestStore_ListRefreshable(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	now := clock.Now()
	insert := func(userID int64, remoteID, refreshToken string, expiry time.Time, status storage.BindingStatus) {
		t.Helper()
		b := testBinding(userID, storage.ProviderGitee, remoteID)
		b.RefreshToken = refreshToken
		b.TokenExpiry = expiry
		b.Status = status
		if err := s.Insert(ctx, b); err != nil {
			t.Fatalf("Insert(%s) error = %v", remoteID, err)
		}
	}

	insert(1, "due", "rt1", now.Add(5*time.Minute), storage.BindingNormal)
	insert(2, "later", "rt2", now.Add(2*time.Hour), storage.BindingNormal)
	insert(3, "no-refresh", "", now.Add(5*time.Minute), storage.BindingNormal)
	insert(4, "disabled", "rt4", now.Add(5*time.Minute), storage.BindingDisabled)
	insert(5, "no-expiry", "rt5", time.Time{}, storage.BindingNormal)

	got, err := s.ListRefreshable(ctx, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("ListRefreshable() error = %v", err)
	}
	if len(got) != 1 || got[0].RemoteUserID != "due" {
		t.Errorf("ListRefreshable() = %v bindings, want single 'due'", len(got))
	}
}

func TestStore_EncryptionAtRest(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	key, err := security.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	enc, err := security.NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}
	s.SetEncryptor(enc)

	b := testBinding(1, storage.ProviderGitHub, "583231")
	if err := s.Insert(ctx, b); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	// The stored copy must not hold plaintext tokens.
	s.mu.RLock()
	stored := s.bindings[b.ID]
	s.mu.RUnlock()
	if stored.AccessToken == "gho_access" {
		t.Error("access token stored in plaintext")
	}
	if stored.RefreshToken == "ghr_refresh" {
		t.Error("refresh token stored in plaintext")
	}

	// Reads transparently decrypt.
	got, err := s.GetByUser(ctx, 1, storage.ProviderGitHub)
	if err != nil {
		t.Fatalf("GetByUser() error = %v", err)
	}
	if got.AccessToken != "gho_access" || got.RefreshToken != "ghr_refresh" {
		t.Errorf("decrypted tokens = %q, %q", got.AccessToken, got.RefreshToken)
	}
}

func TestStore_ConfigStore(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	put := func(id storage.ProviderID, enabled bool, status storage.ConfigStatus, sortOrder int) {
		t.Helper()
		err := s.PutConfig(&storage.ProviderConfig{
			Identifier: id,
			ClientID:   "client-" + string(id),
			Enabled:    enabled,
			Status:     status,
			SortOrder:  sortOrder,
		})
		if err != nil {
			t.Fatalf("PutConfig(%s) error = %v", id, err)
		}
	}

	put(storage.ProviderGitHub, true, storage.ConfigActive, 2)
	put(storage.ProviderGitee, true, storage.ConfigActive, 1)
	put(storage.ProviderWeChat, false, storage.ConfigActive, 3)
	put(storage.ProviderQQ, true, storage.ConfigDeleted, 4)

	if err := s.PutConfig(&storage.ProviderConfig{Identifier: "google"}); err == nil {
		t.Error("PutConfig(unknown provider) error = nil, want error")
	}

	got, err := s.GetEnabled(ctx, storage.ProviderGitHub)
	if err != nil {
		t.Fatalf("GetEnabled() error = %v", err)
	}
	if got.ClientID != "client-github" {
		t.Errorf("GetEnabled().ClientID = %q", got.ClientID)
	}

	for _, id := range []storage.ProviderID{storage.ProviderWeChat, storage.ProviderQQ, storage.ProviderDingTalk} {
		if _, err := s.GetEnabled(ctx, id); !errors.Is(err, storage.ErrConfigNotFound) {
			t.Errorf("GetEnabled(%s) error = %v, want ErrConfigNotFound", id, err)
		}
	}

	list, err := s.ListEnabled(ctx)
	if err != nil {
		t.Fatalf("ListEnabled() error = %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("ListEnabled() returned %d configs, want 2", len(list))
	}
	if list[0].Identifier != storage.ProviderGitee || list[1].Identifier != storage.ProviderGitHub {
		t.Errorf("ListEnabled() order = %s, %s", list[0].Identifier, list[1].Identifier)
	}
}

func TestStore_StopIdempotent(t *testing.T) {
	s := New()
	s.Stop()
	s.Stop()
}
