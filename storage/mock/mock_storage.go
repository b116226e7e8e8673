// Package mock provides mock implementations of storage interfaces for testing.
package mock

import (
	"context"
	"strconv"
	"time"

	"github.com/unioauth/unioauth/storage"
)

// MockStateStore is a mock implementation of StateStore for testing.
// Each operation delegates to its Func field; the defaults replicate the
// real semantics on an in-memory map. Override a Func to inject failures.
type MockStateStore struct {
	states map[string]*storage.AuthState

	SaveStateFunc         func(state *storage.AuthState) error
	ConsumeStateFunc      func(state string, provider storage.ProviderID) (*storage.AuthState, error)
	CountRecentStatesFunc func(key string, provider storage.ProviderID, since time.Time) (int, error)
	SweepStatesFunc       func(now, deleteBefore time.Time) (int, int, error)
	CallCounts            map[string]int
}

var _ storage.StateStore = (*MockStateStore)(nil)

func stateKey(state string, provider storage.ProviderID) string {
	return string(provider) + ":" + state
}

// NewMockStateStore creates a new mock state store.
func NewMockStateStore() *MockStateStore {
	m := &MockStateStore{
		states:     make(map[string]*storage.AuthState),
		CallCounts: make(map[string]int),
	}

	m.SaveStateFunc = func(state *storage.AuthState) error {
		stored := *state
		if stored.Status == "" {
			stored.Status = storage.StateValid
		}
		m.states[stateKey(stored.State, stored.Provider)] = &stored
		return nil
	}

	m.ConsumeStateFunc = func(state string, provider storage.ProviderID) (*storage.AuthState, error) {
		stored, ok := m.states[stateKey(state, provider)]
		if !ok {
			return nil, storage.ErrStateNotFound
		}
		switch stored.Status {
		case storage.StateUsed:
			return nil, storage.ErrStateConsumed
		case storage.StateExpired:
			return nil, storage.ErrStateExpired
		}
		if stored.Expired(time.Now()) {
			stored.Status = storage.StateExpired
			return nil, storage.ErrStateExpired
		}
		stored.Status = storage.StateUsed
		out := *stored
		return &out, nil
	}

	m.CountRecentStatesFunc = func(key string, provider storage.ProviderID, since time.Time) (int, error) {
		count := 0
		for _, stored := range m.states {
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

	m.SweepStatesFunc = func(now, deleteBefore time.Time) (int, int, error) {
		expired, deleted := 0, 0
		for key, stored := range m.states {
			if stored.Status == storage.StateValid && stored.Expired(now) {
				stored.Status = storage.StateExpired
				expired++
			}
			if stored.Status != storage.StateValid && stored.ExpiresAt.Before(deleteBefore) {
				delete(m.states, key)
				deleted++
			}
		}
		return expired, deleted, nil
	}

	return m
}

func (m *MockStateStore) SaveState(ctx context.Context, state *storage.AuthState) error {
	m.CallCounts["SaveState"]++
	return m.SaveStateFunc(state)
}

func (m *MockStateStore) ConsumeState(ctx context.Context, state string, provider storage.ProviderID) (*storage.AuthState, error) {
	m.CallCounts["ConsumeState"]++
	return m.ConsumeStateFunc(state, provider)
}

func (m *MockStateStore) CountRecentStates(ctx context.Context, key string, provider storage.ProviderID, since time.Time) (int, error) {
	m.CallCounts["CountRecentStates"]++
	return m.CountRecentStatesFunc(key, provider, since)
}

func (m *MockStateStore) SweepStates(ctx context.Context, now, deleteBefore time.Time) (int, int, error) {
	m.CallCounts["SweepStates"]++
	return m.SweepStatesFunc(now, deleteBefore)
}

// MockBindingStore is a mock implementation of BindingStore for testing.
type MockBindingStore struct {
	bindings map[string]*storage.Binding
	nextID   int

	GetByRemoteFunc     func(provider storage.ProviderID, remoteUserID string) (*storage.Binding, error)
	GetByUserFunc       func(userID int64, provider storage.ProviderID) (*storage.Binding, error)
	ListByUserFunc      func(userID int64) ([]*storage.Binding, error)
	ListRefreshableFunc func(expiringBefore time.Time) ([]*storage.Binding, error)
	InsertFunc          func(b *storage.Binding) error
	UpdateFunc          func(b *storage.Binding) error
	DeleteByUserFunc    func(userID int64, provider storage.ProviderID) error
	DeleteByIDFunc      func(id string) error
	CallCounts          map[string]int
}

var _ storage.BindingStore = (*MockBindingStore)(nil)

// NewMockBindingStore creates a new mock binding store.
func NewMockBindingStore() *MockBindingStore {
	m := &MockBindingStore{
		bindings:   make(map[string]*storage.Binding),
		CallCounts: make(map[string]int),
	}

	m.GetByRemoteFunc = func(provider storage.ProviderID, remoteUserID string) (*storage.Binding, error) {
		for _, b := range m.bindings {
			if b.Provider == provider && b.RemoteUserID == remoteUserID {
				out := *b
				return &out, nil
			}
		}
		return nil, storage.ErrBindingNotFound
	}

	m.GetByUserFunc = func(userID int64, provider storage.ProviderID) (*storage.Binding, error) {
		for _, b := range m.bindings {
			if b.UserID == userID && b.Provider == provider {
				out := *b
				return &out, nil
			}
		}
		return nil, storage.ErrBindingNotFound
	}

	m.ListByUserFunc = func(userID int64) ([]*storage.Binding, error) {
		var out []*storage.Binding
		for _, provider := range storage.KnownProviders {
			for _, b := range m.bindings {
				if b.UserID == userID && b.Provider == provider {
					c := *b
					out = append(out, &c)
				}
			}
		}
		return out, nil
	}

	m.ListRefreshableFunc = func(expiringBefore time.Time) ([]*storage.Binding, error) {
		var out []*storage.Binding
		for _, b := range m.bindings {
			if b.Status != storage.BindingNormal || b.RefreshToken == "" {
				continue
			}
			if b.TokenExpiry.IsZero() || !b.TokenExpiry.Before(expiringBefore) {
				continue
			}
			c := *b
			out = append(out, &c)
		}
		return out, nil
	}

	m.InsertFunc = func(b *storage.Binding) error {
		for _, existing := range m.bindings {
			sameRemote := existing.Provider == b.Provider && existing.RemoteUserID == b.RemoteUserID
			sameUser := existing.UserID == b.UserID && existing.Provider == b.Provider
			if sameRemote || sameUser {
				return storage.ErrBindingConflict
			}
		}
		stored := *b
		if stored.ID == "" {
			m.nextID++
			stored.ID = "mock-binding-" + strconv.Itoa(m.nextID)
		}
		m.bindings[stored.ID] = &stored
		b.ID = stored.ID
		return nil
	}

	m.UpdateFunc = func(b *storage.Binding) error {
		if _, ok := m.bindings[b.ID]; !ok {
			return storage.ErrBindingNotFound
		}
		stored := *b
		m.bindings[b.ID] = &stored
		return nil
	}

	m.DeleteByUserFunc = func(userID int64, provider storage.ProviderID) error {
		for id, b := range m.bindings {
			if b.UserID == userID && b.Provider == provider {
				delete(m.bindings, id)
				return nil
			}
		}
		return storage.ErrBindingNotFound
	}

	m.DeleteByIDFunc = func(id string) error {
		delete(m.bindings, id)
		return nil
	}

	return m
}

func (m *MockBindingStore) GetByRemote(ctx context.Context, provider storage.ProviderID, remoteUserID string) (*storage.Binding, error) {
	m.CallCounts["GetByRemote"]++
	return m.GetByRemoteFunc(provider, remoteUserID)
}

func (m *MockBindingStore) GetByUser(ctx context.Context, userID int64, provider storage.ProviderID) (*storage.Binding, error) {
	m.CallCounts["GetByUser"]++
	return m.GetByUserFunc(userID, provider)
}

func (m *MockBindingStore) ListByUser(ctx context.Context, userID int64) ([]*storage.Binding, error) {
	m.CallCounts["ListByUser"]++
	return m.ListByUserFunc(userID)
}

func (m *MockBindingStore) ListRefreshable(ctx context.Context, expiringBefore time.Time) ([]*storage.Binding, error) {
	m.CallCounts["ListRefreshable"]++
	return m.ListRefreshableFunc(expiringBefore)
}

func (m *MockBindingStore) Insert(ctx context.Context, b *storage.Binding) error {
	m.CallCounts["Insert"]++
	return m.InsertFunc(b)
}

func (m *MockBindingStore) Update(ctx context.Context, b *storage.Binding) error {
	m.CallCounts["Update"]++
	return m.UpdateFunc(b)
}

func (m *MockBindingStore) DeleteByUser(ctx context.Context, userID int64, provider storage.ProviderID) error {
	m.CallCounts["DeleteByUser"]++
	return m.DeleteByUserFunc(userID, provider)
}

func (m *MockBindingStore) DeleteByID(ctx context.Context, id string) error {
	m.CallCounts["DeleteByID"]++
	return m.DeleteByIDFunc(id)
}

// MockConfigStore is a mock implementation of ConfigStore for testing.
type MockConfigStore struct {
	Configs map[storage.ProviderID]*storage.ProviderConfig

	GetEnabledFunc  func(id storage.ProviderID) (*storage.ProviderConfig, error)
	ListEnabledFunc func() ([]*storage.ProviderConfig, error)
	CallCounts      map[string]int
}

var _ storage.ConfigStore = (*MockConfigStore)(nil)

// NewMockConfigStore creates a new mock config store.
func NewMockConfigStore() *MockConfigStore {
	m := &MockConfigStore{
		Configs:    make(map[storage.ProviderID]*storage.ProviderConfig),
		CallCounts: make(map[string]int),
	}

	m.GetEnabledFunc = func(id storage.ProviderID) (*storage.ProviderConfig, error) {
		cfg, ok := m.Configs[id]
		if !ok || !cfg.Enabled || cfg.Status == storage.ConfigDeleted {
			return nil, storage.ErrConfigNotFound
		}
		out := *cfg
		return &out, nil
	}

	m.ListEnabledFunc = func() ([]*storage.ProviderConfig, error) {
		var out []*storage.ProviderConfig
		for _, provider := range storage.KnownProviders {
			cfg, ok := m.Configs[provider]
			if !ok || !cfg.Enabled || cfg.Status == storage.ConfigDeleted {
				continue
			}
			c := *cfg
			out = append(out, &c)
		}
		return out, nil
	}

	return m
}

// Put registers a config as active and enabled unless set otherwise.
func (m *MockConfigStore) Put(cfg *storage.ProviderConfig) {
	stored := *cfg
	if stored.Status == "" {
		stored.Status = storage.ConfigActive
	}
	m.Configs[stored.Identifier] = &stored
}

func (m *MockConfigStore) GetEnabled(ctx context.Context, id storage.ProviderID) (*storage.ProviderConfig, error) {
	m.CallCounts["GetEnabled"]++
	return m.GetEnabledFunc(id)
}

func (m *MockConfigStore) ListEnabled(ctx context.Context) ([]*storage.ProviderConfig, error) {
	m.CallCounts["ListEnabled"]++
	return m.ListEnabledFunc()
}
