// Package locks provides named, reference-counted critical sections keyed by
// server id and deployment id. Lock entries are created on first use and
// reclaimed when the last holder releases them, so agent churn does not leak
// lock objects.
package locks

import (
	"context"
	"sync"
)

// entry is a single keyed lock. The slot channel holds at most one token;
// sending acquires, receiving releases. Channel send order keeps waiters fair.
type entry struct {
	slot chan struct{}
	refs int
}

// Registry owns all server and deployment locks.
type Registry struct {
	mu          sync.Mutex
	servers     map[string]*entry
	deployments map[string]*entry
}

// NewRegistry creates an empty lock registry.
func NewRegistry() *Registry {
	return &Registry{
		servers:     make(map[string]*entry),
		deployments: make(map[string]*entry),
	}
}

// WithServerLock runs fn while holding the lock for the given server id.
func (r *Registry) WithServerLock(ctx context.Context, serverID string, fn func() error) error {
	return r.withLock(ctx, r.servers, serverID, fn)
}

// WithDeploymentLock runs fn while holding the lock for the given deployment id.
func (r *Registry) WithDeploymentLock(ctx context.Context, deploymentID string, fn func() error) error {
	return r.withLock(ctx, r.deployments, deploymentID, fn)
}

// Counts returns the number of live server and deployment lock entries.
// Readiness probes use these to detect leaked locks.
func (r *Registry) Counts() (serverLocks, deploymentLocks int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.servers), len(r.deployments)
}

func (r *Registry) withLock(ctx context.Context, table map[string]*entry, id string, fn func() error) error {
	r.mu.Lock()
	e, ok := table[id]
	if !ok {
		e = &entry{slot: make(chan struct{}, 1)}
		table[id] = e
	}
	e.refs++
	r.mu.Unlock()

	release := func() {
		r.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(table, id)
		}
		r.mu.Unlock()
	}

	select {
	case e.slot <- struct{}{}:
	case <-ctx.Done():
		release()
		return ctx.Err()
	}

	defer func() {
		<-e.slot
		release()
	}()

	return fn()
}
