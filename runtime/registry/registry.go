// Package registry tracks the worker pool. Workers register with their
// capability tags, heartbeat to stay visible, and deregister on shutdown.
// The broker consults the registry for backpressure: jobs for a capability
// only flow when an eligible worker exists.
package registry

import (
	"context"
	"errors"
	"time"
)

// DefaultStaleThreshold is how long a worker may go without a heartbeat
// before it is reported offline.
const DefaultStaleThreshold = 30 * time.Second

// ErrNotFound is returned when the named worker is not registered.
var ErrNotFound = errors.New("registry: worker not found")

// Status classifies a worker's liveness.
type Status string

const (
	// StatusReady means the worker heartbeat is fresh.
	StatusReady Status = "READY"
	// StatusOffline means the heartbeat went stale.
	StatusOffline Status = "OFFLINE"
)

// WorkerInfo describes one registered worker.
type WorkerInfo struct {
	// Name uniquely identifies the worker within the pool.
	Name string `json:"name"`
	// Capabilities are the tags of queues the worker leases from.
	Capabilities []string `json:"capabilities"`
	// MaxConcurrency is the worker's slot count.
	MaxConcurrency int `json:"max_concurrency"`
	// LastHeartbeat is the time of the most recent heartbeat.
	LastHeartbeat time.Time `json:"last_heartbeat"`
	// Status is derived from heartbeat staleness at read time.
	Status Status `json:"status"`
}

// Eligible reports whether the worker is ready and advertises the tag.
func (w *WorkerInfo) Eligible(tag string) bool {
	if w.Status != StatusReady {
		return false
	}
	for _, c := range w.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}

// Registry is the worker pool membership store. Implementations derive
// Status from heartbeat age against their stale threshold; they never
// mutate stored state on read.
type Registry interface {
	// Register adds or replaces the worker entry and stamps its heartbeat.
	Register(ctx context.Context, info WorkerInfo) error

	// Heartbeat refreshes the worker's liveness stamp.
	Heartbeat(ctx context.Context, name string) error

	// Deregister removes the worker. Removing an unknown worker is not an
	// error: shutdown paths race with staleness eviction.
	Deregister(ctx context.Context, name string) error

	// List returns all registered workers with derived status, ordered by
	// name.
	List(ctx context.Context) ([]WorkerInfo, error)

	// Eligible reports whether at least one ready worker advertises the
	// capability tag.
	Eligible(ctx context.Context, tag string) (bool, error)
}
