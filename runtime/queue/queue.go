// Package queue defines the durable, at-least-once work queue the broker
// feeds and workers drain.
//
// Jobs are partitioned by capability tag and content-addressed by
// (execution_id, step_name, attempt, loop_index): enqueuing the same key
// twice is a no-op. Delivery is at-least-once under an exclusive lease;
// redelivered jobs are harmless because the event log rejects duplicate
// step transitions.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"noetl.io/noetl/runtime/playbook"
)

// Sentinel errors returned by Queue implementations.
var (
	// ErrEmpty signals that no job is available for the requested tag.
	ErrEmpty = errors.New("queue: no job available")
	// ErrNotLeased signals an ack, nack or extend for a job the worker does
	// not hold a lease on.
	ErrNotLeased = errors.New("queue: job not leased by worker")
	// ErrUnknownJob signals an operation on a job key the queue never saw.
	ErrUnknownJob = errors.New("queue: unknown job")
)

type (
	// Job is one scheduled unit of work. All templates except secret.*
	// fragments are resolved before the job is enqueued; the snapshot
	// carries the minimum scope the worker needs for its second resolution
	// pass.
	Job struct {
		// ExecutionID, StepName, Attempt and LoopIndex form the job key.
		ExecutionID int64 `json:"execution_id"`
		StepName    string `json:"step_name"`
		Attempt     int    `json:"attempt"`
		LoopIndex   *int   `json:"loop_index,omitempty"`
		// Capability is the worker pool tag the job routes to.
		Capability string `json:"capability"`
		// Tool is the resolved tool kind.
		Tool string `json:"tool"`
		// Spec is the tool-specific spec with templates expanded.
		Spec map[string]any `json:"spec,omitempty"`
		// Args are the resolved tool inputs.
		Args map[string]any `json:"args,omitempty"`
		// Save persists the result after a successful run.
		Save *playbook.Save `json:"save,omitempty"`
		// Snapshot is the worker-side scope.
		Snapshot Snapshot `json:"snapshot"`
		// TimeoutSeconds bounds tool execution, 0 means no limit.
		TimeoutSeconds float64 `json:"timeout_seconds,omitempty"`
		// NotBefore delays delivery for retry backoff.
		NotBefore *time.Time `json:"not_before,omitempty"`
		// CreatedAt is the enqueue time.
		CreatedAt time.Time `json:"created_at"`
	}

	// Snapshot is the minimum context a worker needs to run a job:
	// the execution inputs for the second template pass and the credential
	// aliases the tool may resolve. Step results are never shipped; the
	// broker renders references to them before enqueue.
	Snapshot struct {
		// Workload is the execution workload.
		Workload map[string]any `json:"workload,omitempty"`
		// Vars are the rendered playbook vars.
		Vars map[string]any `json:"vars,omitempty"`
		// Item is the bound iterator element, nil outside loops.
		Item any `json:"item,omitempty"`
		// Credentials maps aliases to catalog credential names.
		Credentials map[string]string `json:"credentials,omitempty"`
	}

	// LeasedJob is a job under an exclusive lease.
	LeasedJob struct {
		Job
		// LeaseDeadline is when the lease expires without an extend.
		LeaseDeadline time.Time `json:"lease_deadline"`
	}

	// Queue is the durable job transport.
	Queue interface {
		// Enqueue stores a job, idempotent by Key.
		Enqueue(ctx context.Context, j *Job) error

		// Lease delivers the next available job for the tag under an
		// exclusive lease, or ErrEmpty.
		Lease(ctx context.Context, capability, workerID string, d time.Duration) (*LeasedJob, error)

		// Extend renews the lease on a job the worker holds.
		Extend(ctx context.Context, key, workerID string, d time.Duration) error

		// Ack removes a leased job permanently.
		Ack(ctx context.Context, key, workerID string) error

		// Nack releases a leased job back to the queue for redelivery.
		Nack(ctx context.Context, key, workerID, reason string) error

		// Depth reports the number of jobs waiting or leased for the tag.
		Depth(ctx context.Context, capability string) (int, error)
	}
)

// Key returns the job's idempotency key.
func (j *Job) Key() string {
	if j.LoopIndex != nil {
		return fmt.Sprintf("e%d/%s/%d/i%d", j.ExecutionID, j.StepName, j.Attempt, *j.LoopIndex)
	}
	return fmt.Sprintf("e%d/%s/%d", j.ExecutionID, j.StepName, j.Attempt)
}
