package dispatch

import (
	"fmt"
	"sync"
)

// Registry is a correlation table of continuations awaiting settlement,
// keyed by correlation id. Once failed via FailAll it refuses new entries.
type Registry struct {
	mu      sync.Mutex
	pending map[string]*Continuation
	closed  error
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{pending: make(map[string]*Continuation)}
}

// Register adds c under its id. Fails if the id is already pending or the
// registry has been closed.
func (r *Registry) Register(c *Continuation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed != nil {
		return r.closed
	}
	if _, dup := r.pending[c.ID()]; dup {
		return fmt.Errorf("correlation id %q already pending", c.ID())
	}
	r.pending[c.ID()] = c
	return nil
}

// Take removes and returns the continuation for id.
func (r *Registry) Take(id string) (*Continuation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	return c, ok
}

// Len returns the number of pending continuations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// FailAll rejects every pending continuation with err and closes the
// registry. Returns the number rejected.
func (r *Registry) FailAll(err error) int {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[string]*Continuation)
	if r.closed == nil {
		r.closed = err
	}
	r.mu.Unlock()

	n := 0
	for _, c := range pending {
		if c.Reject(err) {
			n++
		}
	}
	return n
}
