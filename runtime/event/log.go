package event

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors returned by Log implementations. Callers match them with
// errors.Is; ConflictError additionally carries the current head position.
var (
	// ErrConflict signals a compare-and-append miss: another writer appended
	// at the expected position. Callers re-read, re-fold and retry.
	ErrConflict = errors.New("event log: sequence conflict")
	// ErrTerminal signals an append after a terminal event.
	ErrTerminal = errors.New("event log: execution already terminal")
	// ErrDuplicateTerminal signals a second step-terminal event for the same
	// (step, attempt, loop index) tuple.
	ErrDuplicateTerminal = errors.New("event log: duplicate terminal event for step attempt")
	// ErrNotFound signals an unknown execution.
	ErrNotFound = errors.New("event log: execution not found")
)

// ConflictError reports the log head observed when a compare-and-append
// missed. It matches ErrConflict under errors.Is.
type ConflictError struct {
	// ExecutionID is the execution whose append conflicted.
	ExecutionID int64
	// CurrentSeq is the next free position at the time of the conflict.
	CurrentSeq int64
}

// Error implements error.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("event log: sequence conflict on execution %d, next seq is %d", e.ExecutionID, e.CurrentSeq)
}

// Is matches ConflictError against the ErrConflict sentinel.
func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

type (
	// Log is the durable append-only event store.
	//
	// Append is a compare-and-append: e.Seq names the position the caller
	// expects to write and the log rejects the event with a ConflictError
	// when the position is taken. Transport failures must be retried by the
	// caller until the outcome is ok or conflict; the expected-seq guard
	// makes the retry idempotent.
	Log interface {
		// Append durably stores the event at position e.Seq.
		Append(ctx context.Context, e Event) error

		// Read returns the events of an execution from fromSeq onward, in
		// sequence order. An execution with no events yields ErrNotFound.
		Read(ctx context.Context, executionID, fromSeq int64) ([]Event, error)

		// LiveExecutions lists executions with no terminal event.
		LiveExecutions(ctx context.Context) ([]int64, error)

		// Executions lists all known execution ids, terminal included, in
		// ascending id order.
		Executions(ctx context.Context) ([]int64, error)

		// AllocateExecutionID reserves a new monotonic execution id.
		AllocateExecutionID(ctx context.Context) (int64, error)
	}

	// Notifier wakes brokers when an execution's log grows.
	Notifier interface {
		// Publish announces that the execution has new events.
		Publish(ctx context.Context, executionID int64) error

		// Subscribe delivers execution ids announced by any publisher until
		// the context is cancelled or the stop function is called. Delivery
		// is best-effort; brokers fall back to periodic discovery.
		Subscribe(ctx context.Context) (<-chan int64, func(), error)
	}
)

// notifyingLog decorates a Log with change notification on every successful
// append.
type notifyingLog struct {
	Log
	notifier Notifier
}

// WithNotify returns a Log that publishes to the notifier after each
// successful append. Publish failures are swallowed: notification is a
// latency optimization, discovery remains the source of liveness.
func WithNotify(log Log, n Notifier) Log {
	if n == nil {
		return log
	}
	return &notifyingLog{Log: log, notifier: n}
}

func (l *notifyingLog) Append(ctx context.Context, e Event) error {
	if err := l.Log.Append(ctx, e); err != nil {
		return err
	}
	_ = l.notifier.Publish(ctx, e.ExecutionID)
	return nil
}
