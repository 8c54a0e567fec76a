package worker

import (
	"context"
	"errors"
	"time"

	"noetl.io/noetl/runtime/catalog"
	"noetl.io/noetl/runtime/event"
	"noetl.io/noetl/runtime/projection"
)

// Control is the worker's view of the control plane: event publishing with
// server-side sequence assignment, cancellation probes and credential
// resolution. Deployments back it with the HTTP client; local profiles and
// tests wire it straight onto the log.
type Control interface {
	// PublishEvent validates and appends a step event. The sequence is
	// assigned by the implementation. Duplicate transitions return
	// projection.ErrAlreadyRecorded and terminal executions return
	// projection.ErrExecutionDone, both of which the worker treats as
	// successful outcomes of at-least-once delivery.
	PublishEvent(ctx context.Context, e *event.Event) error

	// ExecutionStatus reports the projected execution status.
	ExecutionStatus(ctx context.Context, executionID int64) (projection.ExecStatus, error)

	// Credential resolves a catalog credential by name.
	Credential(ctx context.Context, name string) (*catalog.Credential, error)
}

// LocalControl implements Control directly against the event log and
// catalog, for the local profile and tests.
type LocalControl struct {
	log  event.Log
	cat  catalog.Catalog
	now  func() time.Time
}

// NewLocalControl constructs a Control over in-process dependencies.
func NewLocalControl(log event.Log, cat catalog.Catalog) *LocalControl {
	return &LocalControl{log: log, cat: cat, now: time.Now}
}

// PublishEvent folds the log, validates the transition and compare-appends,
// retrying the race until the outcome is recorded or rejected.
func (c *LocalControl) PublishEvent(ctx context.Context, e *event.Event) error {
	for {
		events, err := c.log.Read(ctx, e.ExecutionID, 0)
		if err != nil {
			return err
		}
		st, err := projection.Project(events)
		if err != nil {
			return err
		}
		if err := projection.CheckAppend(st, e); err != nil {
			return err
		}
		e.Seq = st.NextSeq
		if e.Timestamp.IsZero() {
			e.Timestamp = c.now().UTC()
		}
		err = c.log.Append(ctx, *e)
		if errors.Is(err, event.ErrConflict) {
			continue
		}
		return err
	}
}

// ExecutionStatus projects the current execution status.
func (c *LocalControl) ExecutionStatus(ctx context.Context, executionID int64) (projection.ExecStatus, error) {
	events, err := c.log.Read(ctx, executionID, 0)
	if err != nil {
		return "", err
	}
	st, err := projection.Project(events)
	if err != nil {
		return "", err
	}
	return st.Status, nil
}

// Credential resolves a credential from the catalog.
func (c *LocalControl) Credential(ctx context.Context, name string) (*catalog.Credential, error) {
	return c.cat.Credential(ctx, name)
}
