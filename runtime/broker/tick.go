package broker

import (
	"errors"
	"fmt"

	"context"

	"noetl.io/noetl/runtime/catalog"
	"noetl.io/noetl/runtime/event"
	"noetl.io/noetl/runtime/interpreter"
	"noetl.io/noetl/runtime/playbook"
	"noetl.io/noetl/runtime/projection"
	"noetl.io/noetl/runtime/queue"
)

// tick advances one execution: read, fold, reconcile children, plan, apply.
// It reports whether another tick should run immediately. A compare-and-
// append conflict is not an error: the tick is abandoned and re-run against
// the fresh log.
func (b *Broker) tick(ctx context.Context, id int64) (again bool, err error) {
	if b.cfg.Leaser != nil {
		held, err := b.cfg.Leaser.Acquire(ctx, leaseKey(id), b.cfg.ID, b.cfg.LeaseTTL)
		if err != nil {
			b.cfg.Logger.Warn(ctx, "broker: lease acquire failed, proceeding", "execution_id", id, "err", err)
		} else if !held {
			return false, nil
		}
	}

	events, err := b.cfg.Log.Read(ctx, id, 0)
	if err != nil {
		if errors.Is(err, event.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("read log: %w", err)
	}
	st, err := projection.Project(events)
	if err != nil {
		return false, fmt.Errorf("project: %w", err)
	}
	if st.Status.Terminal() {
		b.release(ctx, id)
		return false, nil
	}

	if err := b.flushDeferred(ctx, id); err != nil {
		return true, err
	}

	// Reconciliation appends change the state the interpreter would plan
	// against, so a tick that reconciled anything re-runs before planning.
	reconciled, err := b.reconcileChildren(ctx, st, events)
	if err != nil {
		if errors.Is(err, event.ErrConflict) {
			return true, nil
		}
		return false, err
	}
	if reconciled {
		return true, nil
	}

	entry, err := b.cfg.Catalog.Lookup(ctx, st.PlaybookPath, st.PlaybookVersion)
	if err != nil {
		return false, fmt.Errorf("lookup playbook %s@%s: %w", st.PlaybookPath, st.PlaybookVersion, err)
	}

	plan, err := interpreter.ComputePlan(entry.Playbook, st, b.cfg.Clock(), b.cfg.Interpreter)
	if err != nil {
		return false, fmt.Errorf("plan: %w", err)
	}
	if plan.RevisitAt != nil {
		b.revisit(id, *plan.RevisitAt)
	}
	if len(plan.Actions) == 0 {
		return false, nil
	}

	return b.apply(ctx, st, plan)
}

// apply executes the plan's actions in order. Events are appended before
// the jobs they announce; the first conflict abandons the rest of the tick.
func (b *Broker) apply(ctx context.Context, st *projection.State, plan *interpreter.Plan) (bool, error) {
	seq := st.NextSeq
	for _, a := range plan.Actions {
		switch {
		case a.Append != nil:
			if err := b.appendAt(ctx, st.ExecutionID, seq, a.Append); err != nil {
				if errors.Is(err, event.ErrConflict) {
					b.cfg.Metrics.IncCounter("noetl.broker.conflicts", 1)
					return true, nil
				}
				return false, err
			}
			seq++
		case a.Enqueue != nil:
			if err := b.enqueue(ctx, st.ExecutionID, a.Enqueue); err != nil {
				return false, err
			}
		case a.Spawn != nil:
			var err error
			seq, err = b.spawn(ctx, st, seq, a.Spawn)
			if err != nil {
				if errors.Is(err, event.ErrConflict) {
					b.cfg.Metrics.IncCounter("noetl.broker.conflicts", 1)
					return true, nil
				}
				return false, err
			}
		}
	}
	// Applied actions move the execution, so plan again against the new
	// state until the tick converges to an empty plan.
	return true, nil
}

// appendAt stores one planned event at the expected position.
func (b *Broker) appendAt(ctx context.Context, executionID, seq int64, a *interpreter.AppendEvent) error {
	payload, err := event.Encode(a.Payload)
	if err != nil {
		return err
	}
	return b.cfg.Log.Append(ctx, event.Event{
		ExecutionID: executionID,
		Seq:         seq,
		Timestamp:   b.cfg.Clock().UTC(),
		Kind:        a.Kind,
		StepName:    a.StepName,
		Attempt:     a.Attempt,
		LoopIndex:   a.LoopIndex,
		Payload:     payload,
	})
}

// enqueue hands a job to the queue, deferring under backpressure. The
// announcing event is already in the log, so a deferred job is only delayed,
// never lost: the deferred list retries at the next tick and enqueues are
// idempotent by job key.
func (b *Broker) enqueue(ctx context.Context, id int64, j *queue.Job) error {
	depth, err := b.cfg.Queue.Depth(ctx, j.Capability)
	if err == nil {
		b.cfg.Metrics.RecordGauge("noetl.queue.depth", float64(depth), "capability", j.Capability)
		if depth >= b.cfg.QueueHighWater {
			b.cfg.Logger.Warn(ctx, "broker: queue backpressure, deferring job",
				"capability", j.Capability, "depth", depth, "job", j.Key())
			b.park(id, j)
			return nil
		}
	}
	if b.cfg.Registry != nil {
		if ok, err := b.cfg.Registry.Eligible(ctx, j.Capability); err == nil && !ok {
			b.cfg.Logger.Warn(ctx, "broker: no ready worker for capability", "capability", j.Capability)
		}
	}
	if err := b.cfg.Queue.Enqueue(ctx, j); err != nil {
		return fmt.Errorf("enqueue %s: %w", j.Key(), err)
	}
	b.cfg.Metrics.IncCounter("noetl.broker.jobs_enqueued", 1, "capability", j.Capability)
	return nil
}

func (b *Broker) park(id int64, j *queue.Job) {
	b.mu.Lock()
	b.deferred[id] = append(b.deferred[id], j)
	b.mu.Unlock()
	b.revisit(id, b.cfg.Clock().Add(b.cfg.DiscoveryInterval))
}

// flushDeferred retries jobs parked by backpressure.
func (b *Broker) flushDeferred(ctx context.Context, id int64) error {
	b.mu.Lock()
	jobs := b.deferred[id]
	delete(b.deferred, id)
	b.mu.Unlock()
	for i, j := range jobs {
		if err := b.enqueue(ctx, id, j); err != nil {
			b.mu.Lock()
			b.deferred[id] = append(jobs[i+1:], b.deferred[id]...)
			b.mu.Unlock()
			return err
		}
	}
	return nil
}

// spawn creates a child execution: the parent's subplaybook_spawned event
// first, then the child's execution_started. A crash between the two leaves
// a recorded child with an empty log, which reconciliation repairs from the
// parent event.
func (b *Broker) spawn(ctx context.Context, st *projection.State, seq int64, spec *interpreter.ChildSpec) (int64, error) {
	entry, err := b.cfg.Catalog.Lookup(ctx, spec.Path, spec.Version)
	if err != nil {
		// An unknown child playbook fails the step, not the tick.
		payload := event.StepFailed{Reason: event.ReasonUnresolvedRef, Error: err.Error()}
		if err := b.appendAt(ctx, st.ExecutionID, seq, &interpreter.AppendEvent{
			Kind:     event.KindStepFailed,
			StepName: spec.Step,
			Attempt:  1,
			Payload:  payload,
		}); err != nil {
			return seq, err
		}
		return seq + 1, nil
	}

	childID, err := b.cfg.Log.AllocateExecutionID(ctx)
	if err != nil {
		return seq, fmt.Errorf("allocate child execution: %w", err)
	}
	workload := mergeWorkload(entry.Playbook.Workload, spec.Workload)

	if err := b.appendAt(ctx, st.ExecutionID, seq, &interpreter.AppendEvent{
		Kind:     event.KindSubPlaybookSpawned,
		StepName: spec.Step,
		Attempt:  1,
		Payload: event.SubPlaybookSpawned{
			ChildExecutionID: childID,
			Path:             entry.Path,
			Version:          entry.Version,
			Workload:         workload,
			Ancestry:         spec.Ancestry,
		},
	}); err != nil {
		return seq, err
	}
	seq++

	if err := b.openChild(ctx, childID, entry, workload, &event.ParentRef{
		ExecutionID: st.ExecutionID,
		Step:        spec.Step,
	}, spec.Ancestry); err != nil {
		return seq, err
	}
	b.Wake(childID)
	return seq, nil
}

// openChild appends execution_started at position 0 of the child log. A
// conflict means another broker already opened it, which is fine.
func (b *Broker) openChild(ctx context.Context, childID int64, entry *catalog.Entry, workload map[string]any, parent *event.ParentRef, ancestry []string) error {
	vars, err := renderVars(entry.Playbook, workload)
	if err != nil {
		return fmt.Errorf("render vars for %s: %w", entry.Path, err)
	}
	err = b.appendAt(ctx, childID, 0, &interpreter.AppendEvent{
		Kind: event.KindExecutionStarted,
		Payload: event.ExecutionStarted{
			PlaybookPath:    entry.Path,
			PlaybookVersion: entry.Version,
			Workload:        workload,
			Vars:            vars,
			Parent:          parent,
			Ancestry:        ancestry,
		},
	})
	if errors.Is(err, event.ErrConflict) {
		return nil
	}
	return err
}

// reconcileChildren settles sub-playbook steps against their child logs:
// repairs children that were spawned but never opened, and terminalizes the
// parent step when the child finished. It reports whether anything was
// appended.
func (b *Broker) reconcileChildren(ctx context.Context, st *projection.State, events []event.Event) (bool, error) {
	seq := st.NextSeq
	appended := false
	for _, name := range st.StepOrder() {
		step := st.Step(name)
		if step.Child == nil || step.Status != projection.StatusRunning {
			continue
		}
		childEvents, err := b.cfg.Log.Read(ctx, step.Child.ExecutionID, 0)
		if errors.Is(err, event.ErrNotFound) || (err == nil && len(childEvents) == 0) {
			if err := b.repairChild(ctx, st, events, name); err != nil {
				return appended, err
			}
			continue
		}
		if err != nil {
			return appended, fmt.Errorf("read child %d: %w", step.Child.ExecutionID, err)
		}
		child, err := projection.Project(childEvents)
		if err != nil {
			return appended, fmt.Errorf("project child %d: %w", step.Child.ExecutionID, err)
		}
		if !child.Status.Terminal() {
			continue
		}

		var a *interpreter.AppendEvent
		switch child.Status {
		case projection.ExecCompleted:
			a = &interpreter.AppendEvent{
				Kind:     event.KindStepCompleted,
				StepName: name,
				Attempt:  1,
				Payload:  event.StepCompleted{Result: child.Result},
			}
		case projection.ExecFailed:
			a = &interpreter.AppendEvent{
				Kind:     event.KindStepFailed,
				StepName: name,
				Attempt:  1,
				Payload: event.StepFailed{
					Reason: event.ReasonSubPlaybook,
					Error:  childFailureDetail(child),
				},
			}
		case projection.ExecCancelled:
			a = &interpreter.AppendEvent{
				Kind:     event.KindStepFailed,
				StepName: name,
				Attempt:  1,
				Payload: event.StepFailed{
					Reason: event.ReasonSubPlaybook,
					Error:  "child execution cancelled",
				},
			}
		}
		if err := b.appendAt(ctx, st.ExecutionID, seq, a); err != nil {
			return appended, err
		}
		seq++
		appended = true
	}
	return appended, nil
}

// repairChild re-opens a child log that was allocated but never written,
// using the workload recorded in the parent's subplaybook_spawned event.
func (b *Broker) repairChild(ctx context.Context, st *projection.State, events []event.Event, step string) error {
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		if e.Kind != event.KindSubPlaybookSpawned || e.StepName != step {
			continue
		}
		p, err := event.Decode[event.SubPlaybookSpawned](e)
		if err != nil {
			return err
		}
		entry, err := b.cfg.Catalog.Lookup(ctx, p.Path, p.Version)
		if err != nil {
			return fmt.Errorf("lookup child playbook %s@%s: %w", p.Path, p.Version, err)
		}
		if err := b.openChild(ctx, p.ChildExecutionID, entry, p.Workload, &event.ParentRef{
			ExecutionID: st.ExecutionID,
			Step:        step,
		}, p.Ancestry); err != nil {
			return err
		}
		b.Wake(p.ChildExecutionID)
		return nil
	}
	return fmt.Errorf("no subplaybook_spawned event for step %q", step)
}

func (b *Broker) release(ctx context.Context, id int64) {
	if b.cfg.Leaser == nil {
		return
	}
	if err := b.cfg.Leaser.Release(ctx, leaseKey(id), b.cfg.ID); err != nil {
		b.cfg.Logger.Debug(ctx, "broker: lease release failed", "execution_id", id, "err", err)
	}
}

func leaseKey(id int64) string {
	return fmt.Sprintf("noetl:lease:exec:%d", id)
}

func childFailureDetail(child *projection.State) string {
	if child.FailedStep != "" {
		return fmt.Sprintf("step %s: %s", child.FailedStep, child.Error)
	}
	if child.Error != "" {
		return child.Error
	}
	return "child execution failed"
}

func mergeWorkload(defaults, payload map[string]any) map[string]any {
	out := make(map[string]any, len(defaults)+len(payload))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range payload {
		out[k] = v
	}
	return out
}

// renderVars resolves the playbook vars against the workload once, at
// execution start.
func renderVars(pb *playbook.Playbook, workload map[string]any) (map[string]any, error) {
	if len(pb.Vars) == 0 {
		return nil, nil
	}
	return resolveVars(pb.Vars, workload)
}
