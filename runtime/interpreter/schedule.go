package interpreter

import (
	"errors"
	"fmt"
	"time"

	"noetl.io/noetl/runtime/event"
	"noetl.io/noetl/runtime/playbook"
	"noetl.io/noetl/runtime/projection"
	"noetl.io/noetl/runtime/queue"
	"noetl.io/noetl/runtime/template"
)

// scheduleReady materializes the ready steps, in selection order.
func (p *planner) scheduleReady(ready []string) error {
	if p.executionFailed {
		return nil
	}
	for _, name := range ready {
		if err := p.scheduleStep(name); err != nil {
			return err
		}
	}
	return nil
}

// scheduleStep plans the first attempt of a step: iterator expansion,
// sub-playbook spawn, or a queue job for leaf tools. Template resolution
// failures become a non-retryable step_failed instead of an error — they
// are recorded state, not broker faults.
func (p *planner) scheduleStep(name string) error {
	if _, done := p.scheduled[name]; done {
		return nil
	}
	if p.status(name) != projection.StatusPending {
		return nil
	}
	p.scheduled[name] = struct{}{}

	def, ok := p.pb.Step(name)
	if !ok {
		return fmt.Errorf("interpreter: step %q not in playbook %s", name, p.st.PlaybookPath)
	}
	switch def.ToolKind() {
	case playbook.ToolIterator:
		return p.expandIterator(def)
	case playbook.ToolPlaybook:
		return p.spawnChild(def)
	default:
		p.enqueueLeaf(def, name, 1, -1, nil)
		return nil
	}
}

// enqueueLeaf plans one attempt of a leaf-tool step or iterator child:
// the announcing step_enqueued event followed by the queue job.
func (p *planner) enqueueLeaf(def *playbook.Step, name string, attempt, loopIdx int, item any) {
	job, err := p.buildJob(def, name, attempt, loopIdx, item, nil)
	if err != nil {
		p.append(&AppendEvent{
			Kind:      event.KindStepFailed,
			StepName:  name,
			Attempt:   attempt,
			LoopIndex: event.LoopPtr(loopIdx),
			Payload:   failedPayload(err),
		})
		return
	}
	p.append(&AppendEvent{
		Kind:      event.KindStepEnqueued,
		StepName:  name,
		Attempt:   attempt,
		LoopIndex: event.LoopPtr(loopIdx),
		Payload:   event.StepEnqueued{Tool: job.Tool, Capability: job.Capability},
	})
	p.plan.Actions = append(p.plan.Actions, Action{Enqueue: job})
}

// buildJob resolves a step's templates and assembles the queue job.
// Fragments rooted at secret.* stay unrendered; the worker resolves them
// after fetching credentials so secret material never reaches the log.
func (p *planner) buildJob(def *playbook.Step, name string, attempt, loopIdx int, item any, notBefore *time.Time) (*queue.Job, error) {
	scope := p.scope()
	if loopIdx >= 0 {
		scope = scope.Clone().WithItem(item, loopIdx)
	}
	deferSecrets := template.WithDeferredPrefixes(template.KeySecret)

	args, err := template.ResolveMap(def.Args, scope, deferSecrets)
	if err != nil {
		return nil, fmt.Errorf("args: %w", err)
	}
	spec, err := template.ResolveMap(def.Spec, scope, deferSecrets)
	if err != nil {
		return nil, fmt.Errorf("spec: %w", err)
	}
	var save *playbook.Save
	if def.Save != nil {
		saveSpec, err := template.ResolveMap(def.Save.Spec, scope, deferSecrets)
		if err != nil {
			return nil, fmt.Errorf("save: %w", err)
		}
		save = &playbook.Save{Storage: def.Save.Storage, Spec: saveSpec}
	}

	capability := playbook.DefaultCapability
	if v, ok := spec["capability"].(string); ok && v != "" {
		capability = v
	}

	creds := make(map[string]string)
	for alias, ref := range p.pb.Credentials {
		creds[alias] = ref
	}
	if loopIdx >= 0 {
		if parent, ok := p.pb.Step(name); ok {
			for alias, ref := range parent.Credentials {
				creds[alias] = ref
			}
		}
	}
	for alias, ref := range def.Credentials {
		creds[alias] = ref
	}
	if len(creds) == 0 {
		creds = nil
	}

	return &queue.Job{
		ExecutionID:    p.st.ExecutionID,
		StepName:       name,
		Attempt:        attempt,
		LoopIndex:      event.LoopPtr(loopIdx),
		Capability:     capability,
		Tool:           def.ToolKind(),
		Spec:           spec,
		Args:           args,
		Save:           save,
		TimeoutSeconds: def.TimeoutSeconds,
		Snapshot: queue.Snapshot{
			Workload:    p.st.Workload,
			Vars:        p.st.Vars,
			Item:        item,
			Credentials: creds,
		},
		NotBefore: notBefore,
		CreatedAt: p.now,
	}, nil
}

// expandIterator resolves the collection and plans the fan-out: the
// iterator_expanded event plus the initial child enqueues the mode allows.
func (p *planner) expandIterator(def *playbook.Step) error {
	it, err := def.Iterator()
	if err != nil {
		p.append(&AppendEvent{
			Kind:     event.KindStepFailed,
			StepName: def.Name,
			Attempt:  1,
			Payload:  failedPayload(err),
		})
		return nil
	}
	resolved, err := template.Resolve(it.Collection, p.scope())
	if err != nil {
		p.append(&AppendEvent{
			Kind:     event.KindStepFailed,
			StepName: def.Name,
			Attempt:  1,
			Payload:  failedPayload(err),
		})
		return nil
	}
	items, ok := resolved.([]any)
	if !ok {
		p.append(&AppendEvent{
			Kind:     event.KindStepFailed,
			StepName: def.Name,
			Attempt:  1,
			Payload: event.StepFailed{
				Reason: event.ReasonToolError,
				Error:  fmt.Sprintf("iterator collection resolved to %T, want a list", resolved),
			},
		})
		return nil
	}

	p.append(&AppendEvent{
		Kind:     event.KindIteratorExpanded,
		StepName: def.Name,
		Payload: event.IteratorExpanded{
			Count:           len(items),
			Mode:            it.Mode,
			Concurrency:     it.Concurrency,
			Items:           items,
			ContinueOnError: it.ContinueOnError,
		},
	})
	if len(items) == 0 {
		p.append(&AppendEvent{
			Kind:     event.KindStepCompleted,
			StepName: def.Name,
			Attempt:  1,
			Payload:  event.StepCompleted{Result: []any{}},
		})
		return nil
	}

	initial := 1
	switch it.Mode {
	case playbook.ModeAsync:
		initial = len(items)
	case playbook.ModeParallel:
		initial = min(it.Concurrency, len(items))
	}
	for i := 0; i < initial; i++ {
		p.enqueueChild(def.Name, it, i, items[i], 1)
	}
	return nil
}

// enqueueChild plans one iterator child attempt with item and loop_index
// bound in scope.
func (p *planner) enqueueChild(parent string, it *playbook.IteratorSpec, loopIdx int, item any, attempt int) {
	p.enqueueLeaf(it.Task, parent, attempt, loopIdx, item)
}

// spawnChild plans a child execution for a sub-playbook step. The ancestor
// chain bounds recursion: a chain longer than the configured depth fails
// the step instead of spawning.
func (p *planner) spawnChild(def *playbook.Step) error {
	spawn, failure := p.resolveSpawn(def)
	if failure != nil {
		p.append(&AppendEvent{
			Kind:     event.KindStepFailed,
			StepName: def.Name,
			Attempt:  1,
			Payload:  *failure,
		})
		return nil
	}
	p.plan.Actions = append(p.plan.Actions, Action{Spawn: spawn})
	return nil
}

func (p *planner) resolveSpawn(def *playbook.Step) (*ChildSpec, *event.StepFailed) {
	fail := func(err error) (*ChildSpec, *event.StepFailed) {
		payload := failedPayload(err)
		return nil, &payload
	}
	ps, err := def.SubPlaybook()
	if err != nil {
		return fail(err)
	}
	scope := p.scope()
	path, err := resolveScalar(ps.Path, scope)
	if err != nil {
		return fail(err)
	}
	version := ps.Version
	if version != "" {
		if version, err = resolveScalar(version, scope); err != nil {
			return fail(err)
		}
	}
	workload, err := template.ResolveMap(def.Args, scope)
	if err != nil {
		return fail(err)
	}
	if len(p.st.Ancestry)+1 > p.cfg.maxDepth() {
		return nil, &event.StepFailed{
			Reason: event.ReasonRecursionLimit,
			Error:  fmt.Sprintf("sub-playbook depth %d exceeds limit %d", len(p.st.Ancestry)+1, p.cfg.maxDepth()),
		}
	}
	return &ChildSpec{
		Step:     def.Name,
		Path:     path,
		Version:  version,
		Workload: workload,
		Ancestry: append(append([]string(nil), p.st.Ancestry...), path),
	}, nil
}

// resolveScalar renders a template expected to produce a string.
func resolveScalar(s string, scope *template.Scope) (string, error) {
	v, err := template.ResolveString(s, scope)
	if err != nil {
		return "", err
	}
	return template.Stringify(v), nil
}

// failedPayload classifies a scheduling-time error. Unresolved template
// references map to the resolution-error reason; everything else is a tool
// configuration error. Neither retries.
func failedPayload(err error) event.StepFailed {
	var unresolved *template.UnresolvedError
	if errors.As(err, &unresolved) {
		return event.StepFailed{Reason: event.ReasonUnresolvedRef, Error: err.Error()}
	}
	return event.StepFailed{Reason: event.ReasonToolError, Error: err.Error()}
}
