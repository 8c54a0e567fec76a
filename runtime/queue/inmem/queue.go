// Package inmem provides the in-memory job queue used by tests and the
// local executor profile. It implements real lease semantics: exclusive
// leases with deadlines, redelivery on expiry, and idempotent enqueue by
// job key.
package inmem

import (
	"context"
	"sync"
	"time"

	"noetl.io/noetl/runtime/queue"
)

type entry struct {
	job      *queue.Job
	leasedBy string
	deadline time.Time
}

// Queue is an in-memory queue.Queue.
type Queue struct {
	mu sync.Mutex
	// pending holds job keys per capability in FIFO order. Leased jobs stay
	// in the entries map but leave pending until expiry or nack.
	pending map[string][]string
	entries map[string]*entry
	seen    map[string]struct{}
	now     func() time.Time
}

var _ queue.Queue = (*Queue)(nil)

// New creates an empty in-memory queue.
func New() *Queue {
	return &Queue{
		pending: make(map[string][]string),
		entries: make(map[string]*entry),
		seen:    make(map[string]struct{}),
		now:     time.Now,
	}
}

// SetClock replaces the queue clock. Tests use it to force lease expiry.
func (q *Queue) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}

// Enqueue implements queue.Queue.
func (q *Queue) Enqueue(_ context.Context, j *queue.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := j.Key()
	if _, dup := q.seen[key]; dup {
		return nil
	}
	q.seen[key] = struct{}{}
	stored := *j
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = q.now().UTC()
	}
	q.entries[key] = &entry{job: &stored}
	q.pending[j.Capability] = append(q.pending[j.Capability], key)
	return nil
}

// Lease implements queue.Queue.
func (q *Queue) Lease(_ context.Context, capability, workerID string, d time.Duration) (*queue.LeasedJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	q.reclaimExpired(now)

	keys := q.pending[capability]
	for i, key := range keys {
		e := q.entries[key]
		if e.job.NotBefore != nil && now.Before(*e.job.NotBefore) {
			continue
		}
		q.pending[capability] = append(keys[:i:i], keys[i+1:]...)
		e.leasedBy = workerID
		e.deadline = now.Add(d)
		return &queue.LeasedJob{Job: *e.job, LeaseDeadline: e.deadline}, nil
	}
	return nil, queue.ErrEmpty
}

// Extend implements queue.Queue.
func (q *Queue) Extend(_ context.Context, key, workerID string, d time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[key]
	if !ok {
		return queue.ErrUnknownJob
	}
	if e.leasedBy != workerID {
		return queue.ErrNotLeased
	}
	e.deadline = q.now().Add(d)
	return nil
}

// Ack implements queue.Queue.
func (q *Queue) Ack(_ context.Context, key, workerID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[key]
	if !ok {
		return queue.ErrUnknownJob
	}
	if e.leasedBy != workerID {
		return queue.ErrNotLeased
	}
	delete(q.entries, key)
	return nil
}

// Nack implements queue.Queue.
func (q *Queue) Nack(_ context.Context, key, workerID, _ string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[key]
	if !ok {
		return queue.ErrUnknownJob
	}
	if e.leasedBy != workerID {
		return queue.ErrNotLeased
	}
	e.leasedBy = ""
	e.deadline = time.Time{}
	q.pending[e.job.Capability] = append(q.pending[e.job.Capability], key)
	return nil
}

// Depth implements queue.Queue.
func (q *Queue) Depth(_ context.Context, capability string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, e := range q.entries {
		if e.job.Capability == capability {
			n++
		}
	}
	return n, nil
}

// reclaimExpired returns jobs with expired leases to their pending list.
// Callers hold the mutex.
func (q *Queue) reclaimExpired(now time.Time) {
	for key, e := range q.entries {
		if e.leasedBy != "" && now.After(e.deadline) {
			e.leasedBy = ""
			e.deadline = time.Time{}
			q.pending[e.job.Capability] = append(q.pending[e.job.Capability], key)
		}
	}
}
