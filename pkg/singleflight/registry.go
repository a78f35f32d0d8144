// Package singleflight tracks verification identifiers that are currently
// being processed, so concurrent submissions of the same identifier never
// trigger duplicate work.
package singleflight

import "sync"

// Registry is a set of in-flight identifiers. An identifier is a member
// for the whole span between being accepted for processing and that
// processing completing or failing.
type Registry struct {
	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		inFlight: make(map[string]struct{}),
	}
}

// TryAcquire atomically checks membership and inserts if absent. It
// returns true if the identifier was newly acquired, false if it is
// already in flight.
func (r *Registry) TryAcquire(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.inFlight[id]; exists {
		return false
	}
	r.inFlight[id] = struct{}{}
	return true
}

// Release removes membership. Safe to call for identifiers that are not
// present.
func (r *Registry) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.inFlight, id)
}

// Len returns the number of in-flight identifiers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.inFlight)
}
