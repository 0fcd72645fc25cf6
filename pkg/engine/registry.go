package engine

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the set of registered engines.
//
// Registration is explicit and happens once at startup; there is no dynamic
// discovery. Reads after startup are lock-free in practice but the registry
// is safe for concurrent use regardless.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]Engine
	order   []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{engines: make(map[string]Engine)}
}

// Register adds an engine under its descriptor ID. Registering the same ID
// twice is a programming error.
func (r *Registry) Register(eng Engine) error {
	id := eng.Describe().ID
	if id == "" {
		return fmt.Errorf("engine descriptor has empty ID")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.engines[id]; dup {
		return fmt.Errorf("engine %q already registered", id)
	}
	r.engines[id] = eng
	r.order = append(r.order, id)
	return nil
}

// Get returns the engine registered under id.
func (r *Registry) Get(id string) (Engine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	eng, ok := r.engines[id]
	return eng, ok
}

// All returns the registered engines in registration order.
func (r *Registry) All() []Engine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Engine, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.engines[id])
	}
	return out
}

// Descriptors returns all descriptors sorted by priority rank.
func (r *Registry) Descriptors() []Descriptor {
	all := r.All()
	out := make([]Descriptor, 0, len(all))
	for _, eng := range all {
		out = append(out, eng.Describe())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// Close closes every registered engine, returning the first error.
func (r *Registry) Close() error {
	var first error
	for _, eng := range r.All() {
		if err := eng.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
