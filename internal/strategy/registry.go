package strategy

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ashita-ai/keiro/internal/model"
)

// MetadataKey is the routine metadata key naming a strategy.
const MetadataKey = "strategy"

// Registry holds execution strategies by name.
type Registry struct {
	mu          sync.RWMutex
	strategies  map[string]Strategy
	defaultName string
}

// NewRegistry creates a registry whose fallback selection is defaultName.
func NewRegistry(defaultName string, strategies ...Strategy) *Registry {
	r := &Registry{strategies: make(map[string]Strategy), defaultName: defaultName}
	for _, s := range strategies {
		r.Register(s)
	}
	return r
}

// Register adds or replaces s under s.Name().
func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	r.strategies[s.Name()] = s
	r.mu.Unlock()
}

// Get returns the strategy named name.
func (r *Registry) Get(name string) (Strategy, error) {
	r.mu.RLock()
	s, ok := r.strategies[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
	return s, nil
}

// Select picks the strategy for routine: its Strategy field, then its
// "strategy" metadata entry, then the registry default.
func (r *Registry) Select(routine model.Routine) (Strategy, error) {
	if routine.Strategy != "" {
		return r.Get(routine.Strategy)
	}
	if name, ok := routine.Metadata[MetadataKey].(string); ok && name != "" {
		return r.Get(name)
	}
	return r.Get(r.defaultName)
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.strategies))
	for n := range r.strategies {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
