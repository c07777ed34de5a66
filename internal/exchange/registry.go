package exchange

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	collerrors "github.com/johnayoung/tda-collector/internal/errors"
)

// Factory builds a Source.
type Factory func(opts Options) (Source, error)

// Registry maps exchange identifiers to Source factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry returns a registry with every built-in exchange.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(binanceID, func(opts Options) (Source, error) { return NewBinanceSource(opts) })
	r.Register(coinbaseID, func(opts Options) (Source, error) { return NewCoinbaseSource(opts) })
	return r
}

// Register adds or replaces the factory for id. Identifiers are case-insensitive.
func (r *Registry) Register(id string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[strings.ToLower(id)] = factory
}

// New builds the Source registered under id.
func (r *Registry) New(id string, opts Options) (Source, error) {
	r.mu.RLock()
	factory, ok := r.factories[strings.ToLower(id)]
	r.mu.RUnlock()

	if !ok {
		return nil, collerrors.NewConfigurationError("build_source",
			fmt.Errorf("unknown exchange %q (known: %s)", id, strings.Join(r.IDs(), ", ")))
	}

	src, err := factory(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to build exchange %s: %w", id, err)
	}
	return src, nil
}

// IDs returns the registered identifiers in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
