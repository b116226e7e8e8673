// Package memory provides an in-memory implementation of all storage
// interfaces. It is suitable for development, testing, and single-instance
// deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/unioauth/unioauth/instrumentation"
	"github.com/unioauth/unioauth/security"
	"github.com/unioauth/unioauth/storage"
)

const backendName = "memory"

// stateKey identifies a stored auth state. State values are unique per
// (state, provider) pair.
type stateKey struct {
	state    string
	provider storage.ProviderID
}

// remoteKey identifies a binding by its remote identity.
type remoteKey struct {
	provider storage.ProviderID
	remoteID string
}

// userKey identifies a binding by its local owner.
type userKey struct {
	userID   int64
	provider storage.ProviderID
}

// Store is an in-memory implementation of StateStore, BindingStore, and
// ConfigStore.
type Store struct {
	mu sync.RWMutex

	states map[stateKey]*storage.AuthState

	// bindings is keyed by binding ID; byRemote and byUser are uniqueness
	// indexes pointing at the same IDs.
	bindings map[string]*storage.Binding
	byRemote map[remoteKey]string
	byUser   map[userKey]string

	configs map[storage.ProviderID]*storage.ProviderConfig

	// Tokens are encrypted at rest when an encryptor is set.
	encryptor *security.Encryptor

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// Atomic counters for lock-free gauge callbacks.
	statesCountAtomic   atomic.Int64
	bindingsCountAtomic atomic.Int64

	clock security.Clock

	cleanupInterval time.Duration
	stateRetention  time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

var (
	_ storage.StateStore   = (*Store)(nil)
	_ storage.BindingStore = (*Store)(nil)
	_ storage.ConfigStore  = (*Store)(nil)
)

// New creates a new in-memory store with the default cleanup interval
// (1 minute) and default state retention (24 hours).
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with a custom cleanup
// interval. If cleanupInterval is 0 or negative, 1 minute is used.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		states:          make(map[stateKey]*storage.AuthState),
		bindings:        make(map[string]*storage.Binding),
		byRemote:        make(map[remoteKey]string),
		byUser:          make(map[userKey]string),
		configs:         make(map[storage.ProviderID]*storage.ProviderConfig),
		clock:           security.SystemClock{},
		cleanupInterval: cleanupInterval,
		stateRetention:  24 * time.Hour,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetClock overrides the time source. Intended for tests.
func (s *Store) SetClock(clock security.Clock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if clock != nil {
		s.clock = clock
	}
}

// SetEncryptor sets the token encryptor for encryption at rest.
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.encryptor = enc
	if enc != nil && enc.IsEnabled() {
		s.logger.Info("Token encryption at rest enabled for storage")
	}
}

// SetStateRetention sets how long terminal states are kept before the
// background cleanup hard-deletes them.
func (s *Store) SetStateRetention(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d > 0 {
		s.stateRetention = d
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.statesCountAtomic.Store(int64(len(s.states)))
	s.bindingsCountAtomic.Store(int64(len(s.bindings)))
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.statesCountAtomic.Load() },
			func() int64 { return s.bindingsCountAtomic.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop gracefully stops the cleanup goroutine. Safe to call multiple times.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
	})
}

// ============================================================
// StateStore implementation
// ============================================================

// SaveState persists a freshly issued state in Valid status.
func (s *Store) SaveState(ctx context.Context, state *storage.AuthState) error {
	ctx, span := s.startStorageSpan(ctx, "save_state")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "save_state", err, startTime)
	}()

	if state == nil {
		err = fmt.Errorf("state cannot be nil")
		return err
	}
	if state.State == "" {
		err = fmt.Errorf("state value cannot be empty")
		return err
	}
	if !state.Provider.Valid() {
		err = fmt.Errorf("unknown provider %q", state.Provider)
		return err
	}

	stored := *state
	if stored.Status == "" {
		stored.Status = storage.StateValid
	}
	if stored.UserID != nil {
		uid := *stored.UserID
		stored.UserID = &uid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := stateKey{state: stored.State, provider: stored.Provider}
	_, existed := s.states[key]
	s.states[key] = &stored
	if !existed {
		s.statesCountAtomic.Add(1)
	}

	s.logger.Debug("Saved authorization state", "provider", stored.Provider)
	return nil
}

// ConsumeState atomically transitions a Valid state to Used. Of two
// concurrent callers racing on the same state exactly one succeeds; the
// loser sees ErrStateConsumed.
func (s *Store) ConsumeState(ctx context.Context, state string, provider storage.ProviderID) (*storage.AuthState, error) {
	ctx, span := s.startStorageSpan(ctx, "consume_state")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "consume_state", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.states[stateKey{state: state, provider: provider}]
	if !ok {
		err = storage.ErrStateNotFound
		return nil, err
	}

	switch stored.Status {
	case storage.StateUsed:
		err = storage.ErrStateConsumed
		return nil, err
	case storage.StateExpired:
		err = storage.ErrStateExpired
		return nil, err
	}

	if stored.Expired(s.clock.Now()) {
		stored.Status = storage.StateExpired
		err = storage.ErrStateExpired
		return nil, err
	}

	stored.Status = storage.StateUsed

	out := *stored
	if out.UserID != nil {
		uid := *out.UserID
		out.UserID = &uid
	}
	return &out, nil
}

// CountRecentStates counts states issued under the key since the given
// instant. The key is matched against the IP- and user-scoped keys derived
// from each stored state.
func (s *Store) CountRecentStates(ctx context.Context, key string, provider storage.ProviderID, since time.Time) (int, error) {
	ctx, span := s.startStorageSpan(ctx, "count_recent_states")
	defer span.End()

	startTime := time.Now()
	defer func() {
		s.recordStorageOperation(ctx, span, "count_recent_states", nil, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, stored := range s.states {
		if stored.Provider != provider || stored.CreatedAt.Before(since) {
			continue
		}
		for _, k := range stored.IssuanceKeys() {
			if k == key {
				count++
				break
			}
		}
	}
	return count, nil
}

// SweepStates marks stale Valid states Expired and hard-deletes terminal
// states whose expiry predates deleteBefore.
func (s *Store) SweepStates(ctx context.Context, now, deleteBefore time.Time) (int, int, error) {
	ctx, span := s.startStorageSpan(ctx, "sweep_states")
	defer span.End()

	startTime := time.Now()
	defer func() {
		s.recordStorageOperation(ctx, span, "sweep_states", nil, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	expired, deleted := 0, 0
	for key, stored := range s.states {
		if stored.Status == storage.StateValid && stored.Expired(now) {
			stored.Status = storage.StateExpired
			expired++
		}
		if stored.Status != storage.StateValid && stored.ExpiresAt.Before(deleteBefore) {
			delete(s.states, key)
			s.statesCountAtomic.Add(-1)
			deleted++
		}
	}

	if expired > 0 || deleted > 0 {
		s.logger.Debug("Swept authorization states", "expired", expired, "deleted", deleted)
	}
	return expired, deleted, nil
}

// ============================================================
// BindingStore implementation
// ============================================================

// GetByRemote looks up a binding by (provider, remote user id).
func (s *Store) GetByRemote(ctx context.Context, provider storage.ProviderID, remoteUserID string) (*storage.Binding, error) {
	ctx, span := s.startStorageSpan(ctx, "get_binding_by_remote")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "get_binding_by_remote", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byRemote[remoteKey{provider: provider, remoteID: remoteUserID}]
	if !ok {
		err = storage.ErrBindingNotFound
		return nil, err
	}

	out, derr := s.decryptBinding(s.bindings[id])
	if derr != nil {
		err = derr
		return nil, err
	}
	return out, nil
}

// GetByUser looks up a binding by (user, provider).
func (s *Store) GetByUser(ctx context.Context, userID int64, provider storage.ProviderID) (*storage.Binding, error) {
	ctx, span := s.startStorageSpan(ctx, "get_binding_by_user")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "get_binding_by_user", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byUser[userKey{userID: userID, provider: provider}]
	if !ok {
		err = storage.ErrBindingNotFound
		return nil, err
	}

	out, derr := s.decryptBinding(s.bindings[id])
	if derr != nil {
		err = derr
		return nil, err
	}
	return out, nil
}

// ListByUser returns all bindings of a user in provider display order.
func (s *Store) ListByUser(ctx context.Context, userID int64) ([]*storage.Binding, error) {
	ctx, span := s.startStorageSpan(ctx, "list_bindings_by_user")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "list_bindings_by_user", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*storage.Binding
	for _, provider := range storage.KnownProviders {
		id, ok := s.byUser[userKey{userID: userID, provider: provider}]
		if !ok {
			continue
		}
		b, derr := s.decryptBinding(s.bindings[id])
		if derr != nil {
			err = derr
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// ListRefreshable returns Normal bindings holding a refresh token whose
// access token expires before the deadline.
func (s *Store) ListRefreshable(ctx context.Context, expiringBefore time.Time) ([]*storage.Binding, error) {
	ctx, span := s.startStorageSpan(ctx, "list_refreshable_bindings")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "list_refreshable_bindings", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*storage.Binding
	for _, stored := range s.bindings {
		if stored.Status != storage.BindingNormal || stored.RefreshToken == "" {
			continue
		}
		if stored.TokenExpiry.IsZero() || !stored.TokenExpiry.Before(expiringBefore) {
			continue
		}
		b, derr := s.decryptBinding(stored)
		if derr != nil {
			err = derr
			return nil, err
		}
		out = append(out, b)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].TokenExpiry.Before(out[j].TokenExpiry)
	})
	return out, nil
}

// Insert creates a new binding enforcing both uniqueness invariants.
func (s *Store) Insert(ctx context.Context, b *storage.Binding) error {
	ctx, span := s.startStorageSpan(ctx, "insert_binding")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "insert_binding", err, startTime)
	}()

	if b == nil {
		err = fmt.Errorf("binding cannot be nil")
		return err
	}
	if !b.Provider.Valid() {
		err = fmt.Errorf("unknown provider %q", b.Provider)
		return err
	}
	if b.RemoteUserID == "" {
		err = fmt.Errorf("remote user id cannot be empty")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rk := remoteKey{provider: b.Provider, remoteID: b.RemoteUserID}
	uk := userKey{userID: b.UserID, provider: b.Provider}
	if _, taken := s.byRemote[rk]; taken {
		err = storage.ErrBindingConflict
		return err
	}
	if _, taken := s.byUser[uk]; taken {
		err = storage.ErrBindingConflict
		return err
	}

	stored, eerr := s.encryptBinding(b)
	if eerr != nil {
		err = eerr
		return err
	}
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	now := s.clock.Now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now

	s.bindings[stored.ID] = stored
	s.byRemote[rk] = stored.ID
	s.byUser[uk] = stored.ID
	s.bindingsCountAtomic.Add(1)

	// Report the generated ID back to the caller.
	b.ID = stored.ID
	b.CreatedAt = stored.CreatedAt
	b.UpdatedAt = stored.UpdatedAt

	s.logger.Debug("Created binding",
		"provider", stored.Provider,
		"user_id", stored.UserID)
	return nil
}

// Update overwrites the mutable fields of an existing binding. The owner,
// provider, and remote identity of a binding never change.
func (s *Store) Update(ctx context.Context, b *storage.Binding) error {
	ctx, span := s.startStorageSpan(ctx, "update_binding")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "update_binding", err, startTime)
	}()

	if b == nil || b.ID == "" {
		err = fmt.Errorf("binding id cannot be empty")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.bindings[b.ID]
	if !ok {
		err = storage.ErrBindingNotFound
		return err
	}

	stored, eerr := s.encryptBinding(b)
	if eerr != nil {
		err = eerr
		return err
	}
	stored.UserID = existing.UserID
	stored.Provider = existing.Provider
	stored.RemoteUserID = existing.RemoteUserID
	stored.CreatedAt = existing.CreatedAt
	stored.UpdatedAt = s.clock.Now()

	s.bindings[b.ID] = stored
	return nil
}

// DeleteByUser removes the binding of (user, provider).
func (s *Store) DeleteByUser(ctx context.Context, userID int64, provider storage.ProviderID) error {
	ctx, span := s.startStorageSpan(ctx, "delete_binding_by_user")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "delete_binding_by_user", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byUser[userKey{userID: userID, provider: provider}]
	if !ok {
		err = storage.ErrBindingNotFound
		return err
	}
	s.removeBindingLocked(id)
	return nil
}

// DeleteByID removes a binding by id. Missing bindings are not an error.
func (s *Store) DeleteByID(ctx context.Context, id string) error {
	ctx, span := s.startStorageSpan(ctx, "delete_binding_by_id")
	defer span.End()

	startTime := time.Now()
	defer func() {
		s.recordStorageOperation(ctx, span, "delete_binding_by_id", nil, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.bindings[id]; ok {
		s.removeBindingLocked(id)
	}
	return nil
}

// removeBindingLocked deletes a binding and its index entries.
// Caller must hold s.mu.
func (s *Store) removeBindingLocked(id string) {
	stored := s.bindings[id]
	delete(s.bindings, id)
	delete(s.byRemote, remoteKey{provider: stored.Provider, remoteID: stored.RemoteUserID})
	delete(s.byUser, userKey{userID: stored.UserID, provider: stored.Provider})
	s.bindingsCountAtomic.Add(-1)
}

// ============================================================
// ConfigStore implementation
// ============================================================

// PutConfig stores or replaces a provider configuration. This is the write
// path used when composing the store with an admin surface or test fixtures.
func (s *Store) PutConfig(cfg *storage.ProviderConfig) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if !cfg.Identifier.Valid() {
		return fmt.Errorf("unknown provider %q", cfg.Identifier)
	}

	stored := *cfg
	if stored.Status == "" {
		stored.Status = storage.ConfigActive
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[stored.Identifier] = &stored
	return nil
}

// GetEnabled returns the active, enabled config for the provider.
func (s *Store) GetEnabled(ctx context.Context, id storage.ProviderID) (*storage.ProviderConfig, error) {
	ctx, span := s.startStorageSpan(ctx, "get_enabled_config")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "get_enabled_config", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.configs[id]
	if !ok || !cfg.Enabled || cfg.Status != storage.ConfigActive {
		err = storage.ErrConfigNotFound
		return nil, err
	}

	out := *cfg
	return &out, nil
}

// ListEnabled returns all active, enabled configs ordered by sort order.
func (s *Store) ListEnabled(ctx context.Context) ([]*storage.ProviderConfig, error) {
	ctx, span := s.startStorageSpan(ctx, "list_enabled_configs")
	defer span.End()

	startTime := time.Now()
	defer func() {
		s.recordStorageOperation(ctx, span, "list_enabled_configs", nil, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*storage.ProviderConfig
	for _, cfg := range s.configs {
		if !cfg.Enabled || cfg.Status != storage.ConfigActive {
			continue
		}
		c := *cfg
		out = append(out, &c)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].SortOrder != out[j].SortOrder {
			return out[i].SortOrder < out[j].SortOrder
		}
		return out[i].Identifier < out[j].Identifier
	})
	return out, nil
}

// ============================================================
// Encryption at rest
// ============================================================

// encryptBinding returns a copy with provider tokens encrypted, leaving the
// original unchanged.
func (s *Store) encryptBinding(b *storage.Binding) (*storage.Binding, error) {
	out := *b
	if s.encryptor == nil || !s.encryptor.IsEnabled() {
		return &out, nil
	}

	if out.AccessToken != "" {
		enc, err := s.encryptor.Encrypt(out.AccessToken)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt access token: %w", err)
		}
		out.AccessToken = enc
	}
	if out.RefreshToken != "" {
		enc, err := s.encryptor.Encrypt(out.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
		out.RefreshToken = enc
	}
	return &out, nil
}

// decryptBinding returns a copy with provider tokens decrypted, leaving the
// stored version unchanged.
func (s *Store) decryptBinding(b *storage.Binding) (*storage.Binding, error) {
	out := *b
	if s.encryptor == nil || !s.encryptor.IsEnabled() {
		return &out, nil
	}

	if out.AccessToken != "" {
		dec, err := s.encryptor.Decrypt(out.AccessToken)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt access token: %w", err)
		}
		out.AccessToken = dec
	}
	if out.RefreshToken != "" {
		dec, err := s.encryptor.Decrypt(out.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
		}
		out.RefreshToken = dec
	}
	return &out, nil
}

// ============================================================
// Background cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.mu.RLock()
			retention := s.stateRetention
			now := s.clock.Now()
			s.mu.RUnlock()

			if _, _, err := s.SweepStates(context.Background(), now, now.Add(-retention)); err != nil {
				s.logger.Warn("State sweep failed", "error", err)
			}
		}
	}
}

// ============================================================
// Instrumentation helpers
// ============================================================

// startStorageSpan starts a span for a storage operation. Returns a no-op
// span when instrumentation is not configured.
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	return s.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation),
		trace.WithAttributes(
			attribute.String(instrumentation.AttrStorageBackend, backendName),
			attribute.String(instrumentation.AttrStorageOperation, operation),
		))
}

// recordStorageOperation records metrics for a storage operation and sets
// the span status.
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	if err != nil {
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	} else if span != nil {
		span.SetStatus(codes.Ok, "")
	}

	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, backendName, time.Since(startTime), err)
}
