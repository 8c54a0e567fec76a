// Package interpreter turns projected execution state into scheduling
// actions.
//
// Plan is a pure function of the playbook definition, the projected state
// and the clock: given the same inputs it always produces the same ordered
// action list. Brokers apply the actions optimistically; when a
// compare-and-append conflict reveals a concurrent writer, the loser
// re-folds the log and plans again, converging on the same decisions. That
// determinism is the whole concurrency story — no broker leases are needed
// for correctness.
package interpreter

import (
	"time"

	"noetl.io/noetl/runtime/event"
	"noetl.io/noetl/runtime/playbook"
	"noetl.io/noetl/runtime/projection"
	"noetl.io/noetl/runtime/queue"
	"noetl.io/noetl/runtime/template"
)

// Defaults applied when the corresponding Config field is zero.
const (
	// DefaultMaxDepth bounds the sub-playbook ancestor chain.
	DefaultMaxDepth = 8
	// DefaultRunningGrace is how long a started attempt without a step
	// timeout may stay silent before the broker declares its lease lost.
	DefaultRunningGrace = 15 * time.Minute
	// DefaultEnqueueGrace is how long an enqueued attempt may wait for a
	// worker before the broker declares the job lost.
	DefaultEnqueueGrace = 30 * time.Minute
)

type (
	// Config tunes the planning decision procedure. The zero value applies
	// the defaults above.
	Config struct {
		// MaxDepth bounds the sub-playbook ancestor chain length.
		MaxDepth int
		// RunningGrace fails RUNNING attempts silent beyond the window when
		// the step declares no timeout of its own.
		RunningGrace time.Duration
		// EnqueueGrace fails ENQUEUED attempts no worker picked up.
		EnqueueGrace time.Duration
		// MaxExecutionDuration cancels executions running longer. Zero
		// disables the deadline.
		MaxExecutionDuration time.Duration
	}

	// Plan is the ordered list of actions one tick decided on, plus the
	// earliest future instant the broker must revisit the execution even
	// without new events (retry backoff, timeouts).
	Plan struct {
		Actions   []Action
		RevisitAt *time.Time
	}

	// Action is one scheduling decision. Exactly one field is set. The
	// broker applies actions in order: events are appended before the jobs
	// they announce, and a conflict on any append abandons the tick.
	Action struct {
		// Append adds an event to the execution log. Seq is assigned by the
		// broker relative to the state the plan was computed from.
		Append *AppendEvent
		// Enqueue hands a job to the queue after its announcing event.
		Enqueue *queue.Job
		// Spawn creates a child execution for a sub-playbook step.
		Spawn *ChildSpec
	}

	// AppendEvent describes an event to append. The broker fills
	// ExecutionID, Seq and Timestamp.
	AppendEvent struct {
		Kind      event.Kind
		StepName  string
		Attempt   int
		LoopIndex *int
		Payload   any
	}

	// ChildSpec describes a child execution to spawn. The broker allocates
	// the child id, appends subplaybook_spawned to the parent log and
	// execution_started to the child log.
	ChildSpec struct {
		// Step is the parent playbook step.
		Step string
		// Path and Version address the child playbook; Version may be empty
		// for latest.
		Path    string
		Version string
		// Workload is the child's resolved input.
		Workload map[string]any
		// Ancestry is the parent chain including the child path.
		Ancestry []string
	}
)

func (c Config) maxDepth() int {
	if c.MaxDepth > 0 {
		return c.MaxDepth
	}
	return DefaultMaxDepth
}

func (c Config) runningGrace() time.Duration {
	if c.RunningGrace > 0 {
		return c.RunningGrace
	}
	return DefaultRunningGrace
}

func (c Config) enqueueGrace() time.Duration {
	if c.EnqueueGrace > 0 {
		return c.EnqueueGrace
	}
	return DefaultEnqueueGrace
}

// planner carries one tick's working state.
type planner struct {
	pb    *playbook.Playbook
	graph *playbook.Graph
	st    *projection.State
	now   time.Time
	cfg   Config

	plan Plan

	// statuses and routed overlay the projection with the effects of
	// actions already planned this tick, so later decisions see them.
	statuses map[string]projection.Status
	routed   map[string][]string
	// scheduled guards against planning the same step twice in a tick.
	scheduled map[string]struct{}
	// executionFailed stops further planning once execution_failed is in
	// the plan.
	executionFailed bool
	// scopeCache memoizes the execution scope for the tick.
	scopeCache *template.Scope
}

// append records an event action and overlays its effect on the tick's
// working status view.
func (p *planner) append(a *AppendEvent) {
	p.plan.Actions = append(p.plan.Actions, Action{Append: a})
	switch a.Kind {
	case event.KindStepEnqueued:
		if a.LoopIndex == nil {
			p.statuses[a.StepName] = projection.StatusEnqueued
		}
	case event.KindStepCompleted:
		if a.LoopIndex == nil {
			p.statuses[a.StepName] = projection.StatusCompleted
		}
	case event.KindStepFailed:
		if a.LoopIndex == nil {
			p.statuses[a.StepName] = projection.StatusFailed
		}
	case event.KindStepSkipped:
		p.statuses[a.StepName] = projection.StatusSkipped
	case event.KindBranchTaken:
		if b, ok := a.Payload.(event.BranchTaken); ok && b.Step != "" {
			p.routed[b.Step] = b.Selected
		}
	}
}

// revisitAt records the earliest instant the broker must re-tick without
// waiting for new events.
func (p *planner) revisitAt(t time.Time) {
	if p.plan.RevisitAt == nil || t.Before(*p.plan.RevisitAt) {
		p.plan.RevisitAt = &t
	}
}

// status returns the tick-local status of a step: the projected status
// overlaid with the effects of actions planned so far.
func (p *planner) status(name string) projection.Status {
	if s, ok := p.statuses[name]; ok {
		return s
	}
	if st := p.st.Step(name); st != nil {
		return st.Status
	}
	return projection.StatusPending
}

// selectedOf returns the successor selection for a routed step, tick-local
// first.
func (p *planner) selectedOf(name string) ([]string, bool) {
	if sel, ok := p.routed[name]; ok {
		return sel, true
	}
	sel, ok := p.st.Routed[name]
	return sel, ok
}
