package providers

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/unioauth/unioauth/storage"
)

// ErrUnknownProvider is returned when a ProviderConfig names an identifier
// outside the closed provider set.
var ErrUnknownProvider = errors.New("unknown provider identifier")

// Factory builds a Provider from its stored configuration.
type Factory func(cfg *storage.ProviderConfig, opts Options) (Provider, error)

// Options carries the cross-provider construction knobs. The zero value
// selects the per-provider defaults.
type Options struct {
	// HTTPClient is shared by every adapter when set.
	HTTPClient *http.Client

	// RequestTimeout bounds each provider API call.
	RequestTimeout time.Duration
}

// Registry holds the constructed adapters keyed by provider identifier.
// It is immutable after NewRegistry returns and safe for concurrent use.
type Registry struct {
	providers map[storage.ProviderID]Provider
}

// NewRegistry builds one adapter per enabled configuration. Configurations
// naming an identifier outside the closed set are rejected with
// ErrUnknownProvider rather than skipped: a typo in persisted config is an
// operator error, not a runtime condition.
func NewRegistry(configs []*storage.ProviderConfig, opts Options) (*Registry, error) {
	r := &Registry{providers: make(map[storage.ProviderID]Provider, len(configs))}
	for _, cfg := range configs {
		p, err := Build(cfg, opts)
		if err != nil {
			return nil, err
		}
		r.providers[cfg.Identifier] = p
	}
	return r, nil
}

// Get returns the adapter for the identifier.
func (r *Registry) Get(id storage.ProviderID) (Provider, error) {
	p, ok := r.providers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, id)
	}
	return p, nil
}

// IDs returns the registered identifiers in lexical order.
func (r *Registry) IDs() []storage.ProviderID {
	ids := make([]storage.ProviderID, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Build constructs a single adapter from its stored configuration via the
// closed factory table.
func Build(cfg *storage.ProviderConfig, opts Options) (Provider, error) {
	factory, ok := factories[cfg.Identifier]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Identifier)
	}
	p, err := factory(cfg, opts)
	if err != nil {
		return nil, fmt.Errorf("build %s provider: %w", cfg.Identifier, err)
	}
	return p, nil
}

// factories is the closed mapping from identifier to constructor. Populated
// by the per-provider packages via RegisterFactory from their init functions
// so importing a provider package is what makes it constructible.
var factories = map[storage.ProviderID]Factory{}

// RegisterFactory installs the constructor for a provider identifier.
// Called from provider package init; not safe after program start.
func RegisterFactory(id storage.ProviderID, f Factory) {
	if _, dup := factories[id]; dup {
		panic(fmt.Sprintf("providers: duplicate factory for %q", id))
	}
	factories[id] = f
}
