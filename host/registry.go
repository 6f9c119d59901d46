package host

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNoDefault is returned by Default when none has been set.
var ErrNoDefault = errors.New("no default host")

// Registry maps instance ids to hosts. Components hold an id and resolve it
// here instead of keeping a reference. There is no implicit default: the
// caller must pick one with SetDefault.
type Registry struct {
	mu    sync.RWMutex
	hosts map[string]*Host
	def   string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{hosts: make(map[string]*Host)}
}

// Register adds h under its id. Ids are unique.
func (r *Registry) Register(h *Host) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.hosts[h.ID()]; ok {
		return fmt.Errorf("host %q already registered", h.ID())
	}
	r.hosts[h.ID()] = h
	return nil
}

// Lookup resolves id.
func (r *Registry) Lookup(id string) (*Host, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.hosts[id]
	return h, ok
}

// Remove drops id, clearing the default if it pointed there.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.hosts, id)
	if r.def == id {
		r.def = ""
	}
}

// SetDefault makes a registered id the default.
func (r *Registry) SetDefault(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.hosts[id]; !ok {
		return fmt.Errorf("host %q not registered", id)
	}
	r.def = id
	return nil
}

// Default returns the host chosen with SetDefault.
func (r *Registry) Default() (*Host, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.def == "" {
		return nil, ErrNoDefault
	}
	return r.hosts[r.def], nil
}

// IDs returns the registered ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.hosts))
	for id := range r.hosts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
