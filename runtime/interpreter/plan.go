package interpreter

import (
	"errors"
	"fmt"
	"time"

	"noetl.io/noetl/runtime/event"
	"noetl.io/noetl/runtime/playbook"
	"noetl.io/noetl/runtime/projection"
)

// ErrNoEvents signals a plan request for an execution whose log is empty.
// Brokers open every log with execution_started before planning.
var ErrNoEvents = errors.New("interpreter: execution has no events")

// ComputePlan computes the scheduling actions one tick applies to a live
// execution. It is deterministic: the same playbook, state and clock
// produce the same plan.
func ComputePlan(pb *playbook.Playbook, st *projection.State, now time.Time, cfg Config) (*Plan, error) {
	if st.NextSeq == 0 {
		return nil, ErrNoEvents
	}
	if st.Status.Terminal() {
		return &Plan{}, nil
	}

	p := &planner{
		pb:        pb,
		graph:     pb.Graph(),
		st:        st,
		now:       now,
		cfg:       cfg,
		statuses:  make(map[string]projection.Status),
		routed:    make(map[string][]string),
		scheduled: make(map[string]struct{}),
	}

	if p.checkDeadline() {
		return &p.plan, nil
	}
	p.checkStalled()
	p.planRetries()
	ready := p.routeTerminalSteps()
	p.propagateSkips()
	if err := p.scheduleReady(ready); err != nil {
		return nil, err
	}
	if err := p.advanceIterators(); err != nil {
		return nil, err
	}
	if p.propagateFailure() {
		return &p.plan, nil
	}
	p.checkCompletion()
	return &p.plan, nil
}

// checkDeadline cancels executions running past the configured maximum.
func (p *planner) checkDeadline() bool {
	if p.cfg.MaxExecutionDuration <= 0 {
		return false
	}
	deadline := p.st.StartedAt.Add(p.cfg.MaxExecutionDuration)
	if p.now.Before(deadline) {
		p.revisitAt(deadline)
		return false
	}
	p.append(&AppendEvent{
		Kind:    event.KindExecutionCancelled,
		Payload: event.ExecutionCancelled{Reason: "deadline exceeded"},
	})
	return true
}

// checkStalled fails in-flight attempts that outlived their window: RUNNING
// attempts past the step timeout (or the running grace when the step has
// none), and ENQUEUED attempts no worker picked up within the enqueue
// grace. The failures are retryable so the retry policy decides what
// happens next.
func (p *planner) checkStalled() {
	for _, name := range p.st.StepOrder() {
		st := p.st.Step(name)
		def, _ := p.pb.Step(name)
		if st.Live != nil {
			p.checkStalledAttempt(name, nil, st.Live, def)
		}
		if st.Loop == nil {
			continue
		}
		var taskDef *playbook.Step
		if def != nil {
			if it, err := def.Iterator(); err == nil {
				taskDef = it.Task
			}
		}
		for i := range st.Loop.Children {
			if live := st.Loop.Children[i].Live; live != nil {
				p.checkStalledAttempt(name, event.LoopPtr(i), live, taskDef)
			}
		}
	}
}

func (p *planner) checkStalledAttempt(name string, loop *int, live *projection.AttemptInfo, def *playbook.Step) {
	if live.StartedAt != nil {
		window := p.cfg.runningGrace()
		reason := event.ReasonLeaseExpired
		if def != nil && def.Timeout() > 0 {
			window = def.Timeout()
			reason = event.ReasonTimeout
		}
		deadline := live.StartedAt.Add(window)
		if p.now.Before(deadline) {
			p.revisitAt(deadline)
			return
		}
		p.append(&AppendEvent{
			Kind:      event.KindStepFailed,
			StepName:  name,
			Attempt:   live.Attempt,
			LoopIndex: loop,
			Payload: event.StepFailed{
				Reason:    reason,
				Error:     fmt.Sprintf("no terminal event within %s of step_started", window),
				Retryable: true,
			},
		})
		return
	}

	since := live.EnqueuedAt
	if live.NotBefore != nil && live.NotBefore.After(since) {
		since = *live.NotBefore
	}
	deadline := since.Add(p.cfg.enqueueGrace())
	if p.now.Before(deadline) {
		p.revisitAt(deadline)
		return
	}
	p.append(&AppendEvent{
		Kind:      event.KindStepFailed,
		StepName:  name,
		Attempt:   live.Attempt,
		LoopIndex: loop,
		Payload: event.StepFailed{
			Reason:    event.ReasonLeaseExpired,
			Error:     fmt.Sprintf("no worker started the job within %s", p.cfg.enqueueGrace()),
			Retryable: true,
		},
	})
}

// planRetries re-enqueues failed non-iterator steps whose retry policy has
// attempts left. Iterator children retry inside advanceIterators.
func (p *planner) planRetries() {
	for _, name := range p.st.StepOrder() {
		st := p.st.Step(name)
		if st.Loop != nil || p.status(name) != projection.StatusFailed || st.Failure == nil {
			continue
		}
		def, ok := p.pb.Step(name)
		if !ok {
			continue
		}
		p.planRetry(name, nil, st.Failure, def)
	}
}

// planRetry emits the next attempt for a failed tuple when policy allows.
// It reports whether a retry was planned (or is already recorded).
func (p *planner) planRetry(name string, loop *int, failure *projection.Failure, def *playbook.Step) bool {
	if def == nil || def.Retry == nil || !failure.Retryable {
		return false
	}
	next := failure.Attempt + 1
	if next > def.Retry.Max {
		return false
	}
	due := failure.At.Add(def.Retry.BackoffDelay(next))
	var notBefore *time.Time
	if due.After(p.now) {
		notBefore = &due
		p.revisitAt(due)
	}
	p.append(&AppendEvent{
		Kind:      event.KindStepEnqueued,
		StepName:  name,
		Attempt:   next,
		LoopIndex: loop,
		Payload: event.StepEnqueued{
			Tool:       def.ToolKind(),
			Capability: def.Capability(),
			NotBefore:  notBefore,
		},
	})
	loopIdx := -1
	item := any(nil)
	if loop != nil {
		loopIdx = *loop
		if st := p.st.Step(name); st != nil && st.Loop != nil && loopIdx < len(st.Loop.Items) {
			item = st.Loop.Items[loopIdx]
		}
	}
	job, err := p.buildJob(def, name, next, loopIdx, item, notBefore)
	if err != nil {
		// The first attempt resolved, so a resolution failure here means a
		// referenced step changed state; record it instead of retrying.
		p.append(&AppendEvent{
			Kind:      event.KindStepFailed,
			StepName:  name,
			Attempt:   next,
			LoopIndex: loop,
			Payload:   failedPayload(err),
		})
		return true
	}
	p.plan.Actions = append(p.plan.Actions, Action{Enqueue: job})
	return true
}
