// Package projection folds an execution's event log into its current state.
//
// Project is a pure, deterministic function of the event sequence: given the
// same log it always produces the same state, which is what makes concurrent
// brokers safe — losers of a compare-and-append race re-fold and converge.
// The projector is the single interpreter of event semantics; every
// scheduling decision and every status response derives from its output.
package projection

import (
	"time"

	"noetl.io/noetl/runtime/event"
)

// ExecStatus is the execution-level status projected from the log.
type ExecStatus string

// Execution statuses.
const (
	ExecRunning   ExecStatus = "running"
	ExecCompleted ExecStatus = "completed"
	ExecFailed    ExecStatus = "failed"
	ExecCancelled ExecStatus = "cancelled"
)

// Terminal reports whether the execution reached a terminal status.
func (s ExecStatus) Terminal() bool { return s != ExecRunning }

// Status is the projected status of a step or iterator child.
type Status string

// Step statuses. PENDING steps do not appear in the projection; READY is a
// scheduling decision the interpreter derives, not an event.
const (
	StatusPending   Status = "pending"
	StatusEnqueued  Status = "enqueued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Terminal reports whether the status is final for the step.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusSkipped
}

type (
	// State is the projected state of one execution.
	State struct {
		// ExecutionID identifies the execution.
		ExecutionID int64
		// Status is the execution-level status.
		Status ExecStatus
		// PlaybookPath and PlaybookVersion address the playbook definition.
		PlaybookPath    string
		PlaybookVersion string
		// Workload is the merged input recorded at execution start.
		Workload map[string]any
		// Vars are the rendered playbook vars.
		Vars map[string]any
		// Parent back-references the spawning step for sub-playbooks.
		Parent *event.ParentRef
		// Ancestry lists playbook paths from the root to this execution.
		Ancestry []string
		// Steps holds the projected state of every step that has appeared in
		// the log. Steps that never appeared are PENDING.
		Steps map[string]*StepState
		// PendingSuccessors lists steps selected by branch_taken that have
		// not materialized yet, in selection order.
		PendingSuccessors []string
		// Routed maps steps whose successor selection was recorded by a
		// branch_taken event to the selected successor names. The interpreter
		// uses it both as the routed marker and for skip propagation.
		Routed map[string][]string
		// Result is the aggregate output recorded by execution_completed.
		Result any
		// FailedStep and Error describe the failure recorded by
		// execution_failed.
		FailedStep string
		Error      string
		// CancelReason is the reason recorded by execution_cancelled.
		CancelReason string
		// NextSeq is the position the next event must be appended at.
		NextSeq int64
		// StartedAt is the execution_started timestamp.
		StartedAt time.Time
		// EndedAt is the terminal event timestamp, zero while running.
		EndedAt time.Time

		// stepOrder preserves first-appearance order of steps.
		stepOrder []string
		// pendingSet mirrors PendingSuccessors for O(1) membership checks.
		pendingSet map[string]struct{}
	}

	// StepState is the projected state of one step.
	StepState struct {
		// Name is the step name.
		Name string
		// Status is the step's aggregate status.
		Status Status
		// Attempts is the highest attempt number seen.
		Attempts int
		// Result is the data payload of the last step_completed.
		Result any
		// Failure describes the last step_failed.
		Failure *Failure
		// Live tracks the in-flight attempt of a non-iterator step. It is
		// nil before the first enqueue and after a terminal event.
		Live *AttemptInfo
		// Loop is set once iterator_expanded is recorded for the step.
		Loop *LoopState
		// Child is set once subplaybook_spawned is recorded for the step.
		Child *ChildRef
	}

	// AttemptInfo tracks one in-flight step attempt.
	AttemptInfo struct {
		// Attempt is the 1-based attempt number.
		Attempt int
		// Tool and Capability route the job.
		Tool       string
		Capability string
		// EnqueuedAt is the step_enqueued timestamp.
		EnqueuedAt time.Time
		// NotBefore delays the queue enqueue for retry backoff.
		NotBefore *time.Time
		// StartedAt is set once a worker reported step_started.
		StartedAt *time.Time
		// Worker is the executing worker's name.
		Worker string
	}

	// Failure describes a step_failed event.
	Failure struct {
		// Reason classifies the failure.
		Reason string
		// Error is the failure detail.
		Error string
		// Retryable marks failures eligible for retry.
		Retryable bool
		// Attempt is the attempt that failed.
		Attempt int
		// At is the failure timestamp.
		At time.Time
	}

	// LoopState tracks iterator fan-out and aggregation for a step.
	LoopState struct {
		// Mode is sequential, async or parallel.
		Mode string
		// Concurrency bounds in-flight children in parallel mode.
		Concurrency int
		// ContinueOnError keeps iterating past failed children.
		ContinueOnError bool
		// Items is the resolved collection.
		Items []any
		// Children is indexed by loop index.
		Children []ChildState
	}

	// ChildState is the projected state of one iterator child.
	ChildState struct {
		// Status is pending until the child's first enqueue.
		Status Status
		// Attempts is the highest attempt seen for this child.
		Attempts int
		// Result is the child's data payload once aggregated or completed.
		Result any
		// Failed and Error reflect a failed child.
		Failed bool
		Error  string
		// Aggregated is set once iterator_child_completed was recorded.
		Aggregated bool
		// Failure describes the child's last step_failed.
		Failure *Failure
		// Live tracks the child's in-flight attempt.
		Live *AttemptInfo
	}

	// ChildRef links a playbook step to its spawned child execution.
	ChildRef struct {
		// ExecutionID is the child execution.
		ExecutionID int64
		// Path and Version address the child playbook.
		Path    string
		Version string
	}
)

// Step returns the projected state of the named step, nil when the step has
// not appeared in the log.
func (s *State) Step(name string) *StepState { return s.Steps[name] }

// Cancelled reports whether the execution was cancelled.
func (s *State) Cancelled() bool { return s.Status == ExecCancelled }

// InFlight returns the tuples currently ENQUEUED or RUNNING, in stable
// step-then-loop order.
func (s *State) InFlight() []event.Tuple {
	var out []event.Tuple
	for _, name := range s.stepOrder {
		st := s.Steps[name]
		if st.Live != nil {
			out = append(out, event.Tuple{Step: name, Attempt: st.Live.Attempt, Loop: -1})
		}
		if st.Loop == nil {
			continue
		}
		for i := range st.Loop.Children {
			if live := st.Loop.Children[i].Live; live != nil {
				out = append(out, event.Tuple{Step: name, Attempt: live.Attempt, Loop: i})
			}
		}
	}
	return out
}

// stepOrder preserves first-appearance order for deterministic iteration.
func (s *State) recordStep(name string) *StepState {
	if st, ok := s.Steps[name]; ok {
		return st
	}
	st := &StepState{Name: name, Status: StatusPending}
	s.Steps[name] = st
	s.stepOrder = append(s.stepOrder, name)
	return st
}

// StepOrder returns step names in first-appearance order.
func (s *State) StepOrder() []string { return s.stepOrder }

// CompletedSteps returns the names of completed steps in appearance order.
func (s *State) CompletedSteps() []string {
	var out []string
	for _, name := range s.stepOrder {
		if s.Steps[name].Status == StatusCompleted {
			out = append(out, name)
		}
	}
	return out
}
