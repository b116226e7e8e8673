// Package file provides a read-only, YAML-backed provider config store
// for deployments that manage provider credentials as configuration files
// rather than database rows.
package file

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/unioauth/unioauth/storage"
)

// providerYAML is the on-disk shape of one provider entry.
type providerYAML struct {
	Provider     string            `yaml:"provider"`
	DisplayName  string            `yaml:"display_name"`
	ClientID     string            `yaml:"client_id"`
	ClientSecret string            `yaml:"client_secret"`
	RedirectURI  string            `yaml:"redirect_uri"`
	Scopes       []string          `yaml:"scopes"`
	Extra        map[string]string `yaml:"extra"`
	Enabled      *bool             `yaml:"enabled"`
	SortOrder    int               `yaml:"sort_order"`
}

// fileYAML is the top-level document.
type fileYAML struct {
	Providers []providerYAML `yaml:"providers"`
}

// Store is a ConfigStore reading provider configs from a YAML file. The
// file is parsed once at construction; call Reload to pick up edits.
type Store struct {
	path string

	mu      sync.RWMutex
	configs map[storage.ProviderID]*storage.ProviderConfig
}

var _ storage.ConfigStore = (*Store)(nil)

// New loads the YAML file at path. Unknown provider identifiers and
// entries without a client ID are rejected so misconfigurations fail at
// startup rather than at the first login.
func New(path string) (*Store, error) {
	s := &Store{path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the YAML file, replacing all configs atomically.
func (s *Store) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read provider config file: %w", err)
	}

	var doc fileYAML
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse provider config file: %w", err)
	}

	now := time.Now()
	configs := make(map[storage.ProviderID]*storage.ProviderConfig, len(doc.Providers))
	for i, p := range doc.Providers {
		id := storage.ProviderID(p.Provider)
		if !id.Valid() {
			return fmt.Errorf("provider entry %d: unknown provider %q", i, p.Provider)
		}
		if p.ClientID == "" {
			return fmt.Errorf("provider %s: client_id is required", id)
		}
		if _, dup := configs[id]; dup {
			return fmt.Errorf("provider %s: duplicate entry", id)
		}

		enabled := true
		if p.Enabled != nil {
			enabled = *p.Enabled
		}
		configs[id] = &storage.ProviderConfig{
			Identifier:   id,
			DisplayName:  p.DisplayName,
			ClientID:     p.ClientID,
			ClientSecret: p.ClientSecret,
			RedirectURI:  p.RedirectURI,
			Scopes:       p.Scopes,
			Extra:        p.Extra,
			Enabled:      enabled,
			Status:       storage.ConfigActive,
			SortOrder:    p.SortOrder,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
	}

	s.mu.Lock()
	s.configs = configs
	s.mu.Unlock()
	return nil
}

// GetEnabled returns the enabled config for the provider.
func (s *Store) GetEnabled(ctx context.Context, id storage.ProviderID) (*storage.ProviderConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.configs[id]
	if !ok || !cfg.Enabled {
		return nil, storage.ErrConfigNotFound
	}
	out := *cfg
	return &out, nil
}

// ListEnabled returns all enabled configs ordered by sort order.
func (s *Store) ListEnabled(ctx context.Context) ([]*storage.ProviderConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*storage.ProviderConfig
	for _, cfg := range s.configs {
		if !cfg.Enabled {
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
