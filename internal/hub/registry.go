// Implements the Connection Registry.

package hub

import (
	"sync"

	"github.com/maruel/ksid"
)

// Registry is the set of live connections of one Hub.
type Registry struct {
	mu    sync.RWMutex
	conns map[ksid.ID]*Conn
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[ksid.ID]*Conn)}
}

// Add registers c.
func (r *Registry) Add(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.id] = c
}

// Remove deregisters the connection with the given ID. It returns false when
// it was not registered.
func (r *Registry) Remove(id ksid.ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[id]; !ok {
		return false
	}
	delete(r.conns, id)
	return true
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Snapshot returns the registered connections at the time of the call.
func (r *Registry) Snapshot() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}
