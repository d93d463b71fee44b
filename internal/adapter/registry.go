package adapter

import (
	"fmt"
	"sync"
)

// Registry maps source IDs to their adapters. Adapters are registered once
// at startup; lookups are concurrent.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]SourceAdapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]SourceAdapter)}
}

// Register binds an adapter to a source ID. Registering the same source
// twice is a programming error.
func (r *Registry) Register(sourceID string, a SourceAdapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.adapters[sourceID]; exists {
		return fmt.Errorf("adapter already registered for source %s", sourceID)
	}
	r.adapters[sourceID] = a
	return nil
}

// Lookup returns the adapter for a source.
func (r *Registry) Lookup(sourceID string) (SourceAdapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[sourceID]
	return a, ok
}

// Sources returns the registered source IDs.
func (r *Registry) Sources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	return ids
}
