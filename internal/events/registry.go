// Package events defines the event envelope helpers, the event type
// registry, and the in-process fan-out used for audit and observability.
package events

import (
	"cmp"
	"fmt"
	"slices"
	"sync"

	"github.com/ashita-ai/keiro/internal/model"
)

// Registry maps event type strings to their tier, category, and description.
// Construct one at process start and pass it by reference. It is read-mostly:
// lookups take a read lock, registration takes the write lock.
type Registry struct {
	mu    sync.RWMutex
	types map[string]model.EventTypeMetadata
}

// NewRegistry returns an empty registry. Call RegisterDefaults to seed the
// built-in taxonomy.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]model.EventTypeMetadata)}
}

// Register stores meta under meta.Type. Registering the same type again
// replaces the previous entry.
func (r *Registry) Register(meta model.EventTypeMetadata) {
	r.mu.Lock()
	r.types[meta.Type] = meta
	r.mu.Unlock()
}

// Get returns the metadata for eventType. ok is false when the type is unknown.
func (r *Registry) Get(eventType string) (meta model.EventTypeMetadata, ok bool) {
	r.mu.RLock()
	meta, ok = r.types[eventType]
	r.mu.RUnlock()
	return meta, ok
}

// Len returns the number of registered types.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.types)
}

// ByCategory returns every type in category c, sorted by type.
func (r *Registry) ByCategory(c model.EventCategory) []model.EventTypeMetadata {
	return r.filter(func(m model.EventTypeMetadata) bool { return m.Category == c })
}

// ByTier returns every type registered for tier t, sorted by type.
func (r *Registry) ByTier(t model.Tier) []model.EventTypeMetadata {
	return r.filter(func(m model.EventTypeMetadata) bool { return m.Tier == t })
}

// All returns every registered type, sorted by type.
func (r *Registry) All() []model.EventTypeMetadata {
	return r.filter(func(model.EventTypeMetadata) bool { return true })
}

func (r *Registry) filter(keep func(model.EventTypeMetadata) bool) []model.EventTypeMetadata {
	r.mu.RLock()
	out := make([]model.EventTypeMetadata, 0)
	for _, m := range r.types {
		if keep(m) {
			out = append(out, m)
		}
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b model.EventTypeMetadata) int { return cmp.Compare(a.Type, b.Type) })
	return out
}

// Validate returns human-readable problems with e. An empty result means the
// event is consistent with the registry. Validate never mutates the registry.
func (r *Registry) Validate(e model.Event) []string {
	var problems []string
	if e.Type == "" {
		return append(problems, "event type is missing")
	}
	meta, ok := r.Get(e.Type)
	if !ok {
		return append(problems, fmt.Sprintf("unknown event type %q", e.Type))
	}
	if e.Source.Tier != meta.Tier {
		problems = append(problems, fmt.Sprintf(
			"tier mismatch for %q: source tier %q, registered tier %q", e.Type, e.Source.Tier, meta.Tier))
	}
	return problems
}
