package interpreter

import (
	"noetl.io/noetl/runtime/event"
	"noetl.io/noetl/runtime/projection"
)

// propagateFailure escalates an unhandled step failure to the execution.
// A failure is unhandled when no retry is planned, on_error does not route
// it through successor selection, and any on_failure handler has finished.
// It reports whether execution_failed was planned.
func (p *planner) propagateFailure() bool {
	if p.executionFailed {
		return false
	}
	for _, name := range p.st.StepOrder() {
		st := p.st.Step(name)
		if st.Status != projection.StatusFailed {
			continue
		}
		// A retry planned this tick supersedes the failure.
		if p.statuses[name] == projection.StatusEnqueued {
			continue
		}
		def, ok := p.pb.Step(name)
		if ok && def.OnError == "continue" {
			continue
		}
		if ok && def.OnFailure != "" {
			switch p.status(def.OnFailure) {
			case projection.StatusPending:
				if _, done := p.scheduled[def.OnFailure]; !done {
					if err := p.scheduleStep(def.OnFailure); err == nil {
						return false
					}
				}
				return false
			case projection.StatusEnqueued, projection.StatusRunning:
				// Handler still flushing.
				return false
			}
		}
		msg := ""
		if st.Failure != nil {
			msg = st.Failure.Error
		}
		p.append(&AppendEvent{
			Kind:    event.KindExecutionFailed,
			Payload: event.ExecutionFailed{Step: name, Error: msg},
		})
		p.executionFailed = true
		return true
	}
	return false
}

// checkCompletion terminalizes the execution once nothing is left to do:
// no actions planned this tick, no pending successors, and every step that
// ever appeared is terminal. The aggregate result is the data of the
// completed terminal-leaf steps — a single leaf contributes its payload
// directly, several contribute a map keyed by step name.
func (p *planner) checkCompletion() {
	if len(p.plan.Actions) > 0 || len(p.st.PendingSuccessors) > 0 || len(p.st.Steps) == 0 {
		return
	}
	for _, name := range p.st.StepOrder() {
		if !p.st.Step(name).Status.Terminal() {
			return
		}
	}
	p.append(&AppendEvent{
		Kind:    event.KindExecutionCompleted,
		Payload: event.ExecutionCompleted{Result: p.aggregateResult()},
	})
}

func (p *planner) aggregateResult() any {
	type leaf struct {
		name   string
		result any
	}
	var leaves []leaf
	for _, name := range p.st.StepOrder() {
		st := p.st.Step(name)
		if st.Status != projection.StatusCompleted {
			continue
		}
		def, ok := p.pb.Step(name)
		if !ok || !def.Terminal() {
			continue
		}
		leaves = append(leaves, leaf{name: name, result: st.Result})
	}
	switch len(leaves) {
	case 0:
		return nil
	case 1:
		return leaves[0].result
	default:
		out := make(map[string]any, len(leaves))
		for _, l := range leaves {
			out[l.name] = l.result
		}
		return out
	}
}
