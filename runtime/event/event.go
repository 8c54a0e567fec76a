// Package event defines the append-only event log at the heart of the
// execution plane.
//
// Every state transition of every execution is recorded as an immutable
// event. The log is the single source of truth: brokers fold it into
// execution state, workers publish step transitions to it, and the control
// API serves status from it. Appends are guarded by compare-and-append on
// (execution_id, seq); a conflict is not a failure but the concurrency
// primitive brokers converge on.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies the type of state transition an event records.
type Kind string

// Event kinds, in rough lifecycle order.
const (
	KindExecutionStarted      Kind = "execution_started"
	KindStepEnqueued          Kind = "step_enqueued"
	KindStepStarted           Kind = "step_started"
	KindStepProgress          Kind = "step_progress"
	KindStepCompleted         Kind = "step_completed"
	KindStepFailed            Kind = "step_failed"
	KindStepSkipped           Kind = "step_skipped"
	KindBranchTaken           Kind = "branch_taken"
	KindIteratorExpanded      Kind = "iterator_expanded"
	KindIteratorChildComplete Kind = "iterator_child_completed"
	KindSubPlaybookSpawned    Kind = "subplaybook_spawned"
	KindExecutionCompleted    Kind = "execution_completed"
	KindExecutionFailed       Kind = "execution_failed"
	KindExecutionCancelled    Kind = "execution_cancelled"
)

// Terminal reports whether the kind ends the execution. No event may follow
// a terminal event.
func (k Kind) Terminal() bool {
	switch k {
	case KindExecutionCompleted, KindExecutionFailed, KindExecutionCancelled:
		return true
	}
	return false
}

// StepTerminal reports whether the kind ends a step attempt. The log admits
// at most one step-terminal event per (execution, step, attempt, loop index)
// tuple; that idempotency guard is what makes at-least-once job delivery
// yield exactly-once progression.
func (k Kind) StepTerminal() bool {
	return k == KindStepCompleted || k == KindStepFailed
}

// Valid reports whether the kind is one this runtime understands.
func (k Kind) Valid() bool {
	switch k {
	case KindExecutionStarted, KindStepEnqueued, KindStepStarted,
		KindStepProgress, KindStepCompleted, KindStepFailed, KindStepSkipped,
		KindBranchTaken, KindIteratorExpanded, KindIteratorChildComplete,
		KindSubPlaybookSpawned, KindExecutionCompleted, KindExecutionFailed,
		KindExecutionCancelled:
		return true
	}
	return false
}

type (
	// Event is one atomic, durable state transition of an execution.
	//
	// Seq is the event's position in the execution's log, gap-free from 0.
	// Writers set Seq to the position they expect to write and the log
	// rejects the append with a conflict when another writer got there
	// first.
	Event struct {
		// ExecutionID identifies the execution this event belongs to.
		ExecutionID int64 `json:"execution_id"`
		// Seq is the position within the execution log, starting at 0.
		Seq int64 `json:"seq"`
		// Timestamp is the event time in UTC.
		Timestamp time.Time `json:"timestamp"`
		// Kind is the transition type.
		Kind Kind `json:"kind"`
		// StepName is set on step-scoped events, empty otherwise.
		StepName string `json:"step_name,omitempty"`
		// Attempt is the 1-based step attempt, 0 on execution-scoped events.
		Attempt int `json:"attempt,omitempty"`
		// LoopIndex is set on iterator-child events.
		LoopIndex *int `json:"loop_index,omitempty"`
		// Payload is the kind-specific structured payload.
		Payload json.RawMessage `json:"payload,omitempty"`
	}

	// Tuple is the idempotency key of a step attempt. Loop is -1 outside
	// iterators so tuples are comparable map keys.
	Tuple struct {
		Step    string
		Attempt int
		Loop    int
	}
)

// Tuple returns the step-attempt idempotency key of the event.
func (e *Event) Tuple() Tuple {
	loop := -1
	if e.LoopIndex != nil {
		loop = *e.LoopIndex
	}
	return Tuple{Step: e.StepName, Attempt: e.Attempt, Loop: loop}
}

// String renders the tuple for logs and job keys.
func (t Tuple) String() string {
	if t.Loop >= 0 {
		return fmt.Sprintf("%s/%d/i%d", t.Step, t.Attempt, t.Loop)
	}
	return fmt.Sprintf("%s/%d", t.Step, t.Attempt)
}

// LoopPtr converts a loop index to the pointer form events carry. Negative
// values mean no loop.
func LoopPtr(i int) *int {
	if i < 0 {
		return nil
	}
	return &i
}

// Encode marshals a kind-specific payload for embedding in an event.
func Encode(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	buf, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode event payload: %w", err)
	}
	return buf, nil
}

// Decode unmarshals the event payload into the kind-specific struct.
func Decode[T any](e Event) (T, error) {
	var v T
	if len(e.Payload) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(e.Payload, &v); err != nil {
		return v, fmt.Errorf("decode %s payload at seq %d: %w", e.Kind, e.Seq, err)
	}
	return v, nil
}
