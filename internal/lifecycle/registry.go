package lifecycle

import (
	"context"
	"sync"
	"time"
)

// managerIdleTTL is how long an owner's finished manager is kept after last use
const managerIdleTTL = 10 * time.Minute

type registryEntry struct {
	manager  *Manager
	lastUsed time.Time
}

// Registry keeps one Manager per owner so that owners never block each other
type Registry struct {
	factory    func() *Manager
	timeSource TimeSource

	mu        sync.Mutex
	managers  map[string]*registryEntry
	lastSweep time.Time
}

// NewRegistry creates a Registry that builds managers with factory
func NewRegistry(factory func() *Manager) *Registry {
	return NewRegistryWithDeps(factory, &defaultTimeSource{})
}

// NewRegistryWithDeps creates a Registry with a custom time source for testing
func NewRegistryWithDeps(factory func() *Manager, timeSrc TimeSource) *Registry {
	return &Registry{
		factory:    factory,
		timeSource: timeSrc,
		managers:   make(map[string]*registryEntry),
		lastSweep:  timeSrc.Now(),
	}
}

// For returns the owner's Manager, creating it on first use
func (r *Registry) For(ownerID string) *Manager {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.timeSource.Now()
	r.gcLocked(now)

	entry, ok := r.managers[ownerID]
	if !ok {
		entry = &registryEntry{manager: r.factory()}
		r.managers[ownerID] = entry
	}
	entry.lastUsed = now
	return entry.manager
}

// Len returns the number of managers held
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.managers)
}

// Wait blocks until no attempt is running or ctx is done
func (r *Registry) Wait(ctx context.Context) error {
	r.mu.Lock()
	managers := make([]*Manager, 0, len(r.managers))
	for _, entry := range r.managers {
		managers = append(managers, entry.manager)
	}
	r.mu.Unlock()

	for _, m := range managers {
		if _, err := m.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Drain cancels attempts still waiting for an image and then waits for
// the rest to finish, or for ctx to be done
func (r *Registry) Drain(ctx context.Context) error {
	r.mu.Lock()
	for _, entry := range r.managers {
		_ = entry.manager.Cancel()
	}
	r.mu.Unlock()
	return r.Wait(ctx)
}

// gcLocked drops managers that have been idle for managerIdleTTL. Running
// attempts are never dropped.
func (r *Registry) gcLocked(now time.Time) {
	if now.Sub(r.lastSweep) < time.Minute {
		return
	}
	r.lastSweep = now

	cutoff := now.Add(-managerIdleTTL)
	for owner, entry := range r.managers {
		if entry.lastUsed.Before(cutoff) && !entry.manager.Status().State.Running() {
			delete(r.managers, owner)
		}
	}
}
