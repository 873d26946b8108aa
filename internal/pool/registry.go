package pool

import (
	"context"
	"fmt"
	"io"
	"sync"

	"singularityedge/internal/edgeerr"
)

// Entry pairs a running Pool with the resources that must be torn down
// alongside it: its HealthChecker and, for a passthrough pool, its TCP
// listener (spec §9: "Resource release on pool delete must join the
// Pool task and cancel its HealthChecker").
type Entry struct {
	Pool          *Pool
	HealthChecker io.Closer
	TCPListener   io.Closer
}

// Registry is the map pool_name → Pool handle described in spec §9,
// guarded by a read-mostly lock since lookups (one per inbound
// connection) vastly outnumber registrations.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewRegistry creates an empty pool registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Register adds a pool entry under name, rejecting edgeerr.ErrAlreadyExists
// if one is already registered.
func (r *Registry) Register(name string, e *Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; ok {
		return edgeerr.ErrAlreadyExists
	}
	r.entries[name] = e
	return nil
}

// Get returns the entry for name, if any.
func (r *Registry) Get(name string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// List returns all registered pool names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	return names
}

// Remove tears an entry down: stops its HealthChecker, closes its TCP
// passthrough listener if bound (resolving spec §9's open question in
// favor of tearing the listener down — see DESIGN.md), and joins the
// Pool actor goroutine before returning.
func (r *Registry) Remove(ctx context.Context, name string) error {
	r.mu.Lock()
	e, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return edgeerr.ErrNotFound
	}
	delete(r.entries, name)
	r.mu.Unlock()

	if e.HealthChecker != nil {
		if err := e.HealthChecker.Close(); err != nil {
			return fmt.Errorf("stopping health checker for pool %s: %w", name, err)
		}
	}
	if e.TCPListener != nil {
		if err := e.TCPListener.Close(); err != nil {
			return fmt.Errorf("closing tcp listener for pool %s: %w", name, err)
		}
	}
	return e.Pool.Close(ctx)
}
