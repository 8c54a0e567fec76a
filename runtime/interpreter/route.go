package interpreter

import (
	"github.com/samber/lo"

	"noetl.io/noetl/runtime/event"
	"noetl.io/noetl/runtime/playbook"
	"noetl.io/noetl/runtime/projection"
	"noetl.io/noetl/runtime/template"
)

// routeTerminalSteps evaluates successor selection for steps that reached a
// terminal state and are not yet routed. It returns the ordered list of
// steps to schedule this tick: previously selected successors first, then
// the entry step on a fresh execution, then successors selected now.
// Terminal handling reads the projected state only; failures recorded this
// tick are routed on the next tick, after the log reflects them.
func (p *planner) routeTerminalSteps() []string {
	ready := append([]string(nil), p.st.PendingSuccessors...)
	inReady := make(map[string]struct{}, len(ready))
	for _, name := range ready {
		inReady[name] = struct{}{}
	}

	if len(p.st.Steps) == 0 && len(ready) == 0 {
		if entry := p.pb.EntryStep(); entry != nil {
			ready = append(ready, entry.Name)
			inReady[entry.Name] = struct{}{}
		}
		return ready
	}

	for _, name := range p.graph.Order() {
		def, ok := p.pb.Step(name)
		if !ok || def.Terminal() {
			continue
		}
		st := p.st.Step(name)
		if st == nil {
			continue
		}
		if _, routed := p.selectedOf(name); routed {
			continue
		}
		// A retry planned this tick supersedes the projected failure.
		if p.statuses[name] == projection.StatusEnqueued {
			continue
		}
		switch st.Status {
		case projection.StatusCompleted:
		case projection.StatusFailed:
			if def.OnError != "continue" {
				continue
			}
		default:
			continue
		}

		selected, via, when, err := p.selectSuccessors(def)
		if err != nil {
			p.append(&AppendEvent{
				Kind:    event.KindExecutionFailed,
				Payload: event.ExecutionFailed{Step: name, Error: err.Error()},
			})
			p.executionFailed = true
			return nil
		}
		p.append(&AppendEvent{
			Kind: event.KindBranchTaken,
			Payload: event.BranchTaken{
				Step:     name,
				Selected: selected,
				Via:      via,
				When:     when,
			},
		})
		for _, succ := range selected {
			if _, dup := inReady[succ]; dup {
				continue
			}
			if p.status(succ) != projection.StatusPending {
				continue
			}
			inReady[succ] = struct{}{}
			ready = append(ready, succ)
		}
	}
	return ready
}

// selectSuccessors applies the step's case rules (or next list) against the
// execution scope. Case rules are evaluated top to bottom; the first truthy
// when selects its then list, a trailing else applies when none matched,
// and a step without case uses next.
func (p *planner) selectSuccessors(def *playbook.Step) (selected []string, via, when string, err error) {
	if len(def.Case) == 0 {
		return targetNames(def.Next), "next", "", nil
	}
	scope := p.scope()
	for _, rule := range def.Case {
		if rule.When == "" {
			continue
		}
		ok, err := template.EvaluateWhen(rule.When, scope)
		if err != nil {
			return nil, "", "", err
		}
		if ok {
			return targetNames(rule.Then), "case", rule.When, nil
		}
	}
	last := def.Case[len(def.Case)-1]
	if len(last.Else) > 0 {
		return targetNames(last.Else), "else", "", nil
	}
	return nil, "case", "", nil
}

// propagateSkips marks steps that can never run. A step is skipped only
// when every incoming edge is dead: its predecessor is skipped, or routed
// to a selection that excludes it. The fixpoint iteration handles chains —
// skipping a step kills its outgoing edges too.
func (p *planner) propagateSkips() {
	if p.executionFailed {
		return
	}
	for {
		changed := false
		for _, name := range p.graph.Order() {
			if p.status(name) != projection.StatusPending {
				continue
			}
			preds := p.graph.Predecessors(name)
			if len(preds) == 0 {
				continue
			}
			dead := true
			for _, pred := range preds {
				if !p.edgeDead(pred, name) {
					dead = false
					break
				}
			}
			if !dead {
				continue
			}
			p.append(&AppendEvent{
				Kind:     event.KindStepSkipped,
				StepName: name,
				Payload:  event.StepSkipped{Reason: "branch_not_taken"},
			})
			changed = true
		}
		if !changed {
			return
		}
	}
}

// edgeDead reports whether the transition pred -> name can no longer fire.
func (p *planner) edgeDead(pred, name string) bool {
	switch p.status(pred) {
	case projection.StatusSkipped:
		return true
	case projection.StatusCompleted, projection.StatusFailed:
		selected, routed := p.selectedOf(pred)
		if !routed {
			return false
		}
		for _, s := range selected {
			if s == name {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// scope builds the template scope of the execution: workload, vars and one
// result view per step that reached completed or failed.
func (p *planner) scope() *template.Scope {
	if p.scopeCache != nil {
		return p.scopeCache
	}
	s := template.NewScope().
		WithWorkload(p.st.Workload).
		WithVars(p.st.Vars)
	for _, name := range p.st.StepOrder() {
		st := p.st.Step(name)
		switch st.Status {
		case projection.StatusCompleted:
			s.WithStepResult(name, st.Result, string(projection.StatusCompleted), "")
		case projection.StatusFailed:
			msg := ""
			if st.Failure != nil {
				msg = st.Failure.Error
			}
			s.WithStepResult(name, st.Result, string(projection.StatusFailed), msg)
		}
	}
	p.scopeCache = s
	return s
}

func targetNames(targets []playbook.Target) []string {
	return lo.Map(targets, func(t playbook.Target, _ int) string { return t.Step })
}
