// Package inmem provides an in-memory worker registry for tests and
// single-process deployments.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"noetl.io/noetl/runtime/registry"
)

// Registry is an in-memory implementation of registry.Registry.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]registry.WorkerInfo

	stale time.Duration
	now   func() time.Time
}

// Option configures the registry.
type Option func(*Registry)

// WithStaleThreshold overrides the heartbeat staleness threshold.
func WithStaleThreshold(d time.Duration) Option {
	return func(r *Registry) { r.stale = d }
}

// WithClock overrides the time source. Tests use this to age heartbeats
// without sleeping.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New constructs an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		workers: make(map[string]registry.WorkerInfo),
		stale:   registry.DefaultStaleThreshold,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds or replaces the worker entry and stamps its heartbeat.
func (r *Registry) Register(_ context.Context, info registry.WorkerInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	info.LastHeartbeat = r.now()
	info.Status = registry.StatusReady
	r.workers[info.Name] = info
	return nil
}

// Heartbeat refreshes the worker's liveness stamp.
func (r *Registry) Heartbeat(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[name]
	if !ok {
		return registry.ErrNotFound
	}
	w.LastHeartbeat = r.now()
	r.workers[name] = w
	return nil
}

// Deregister removes the worker.
func (r *Registry) Deregister(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.workers, name)
	return nil
}

// List returns all workers with derived status, ordered by name.
func (r *Registry) List(_ context.Context) ([]registry.WorkerInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := r.now()
	out := make([]registry.WorkerInfo, 0, len(r.workers))
	for _, w := range r.workers {
		w.Status = r.statusAt(w, now)
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Eligible reports whether a ready worker advertises the tag.
func (r *Registry) Eligible(_ context.Context, tag string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := r.now()
	for _, w := range r.workers {
		w.Status = r.statusAt(w, now)
		if w.Eligible(tag) {
			return true, nil
		}
	}
	return false, nil
}

func (r *Registry) statusAt(w registry.WorkerInfo, now time.Time) registry.Status {
	if now.Sub(w.LastHeartbeat) > r.stale {
		return registry.StatusOffline
	}
	return registry.StatusReady
}
