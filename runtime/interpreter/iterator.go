package interpreter

import (
	"noetl.io/noetl/runtime/event"
	"noetl.io/noetl/runtime/playbook"
	"noetl.io/noetl/runtime/projection"
)

// advanceIterators drives every expanded iterator: aggregates terminal
// children in loop-index order, retries failed children per the task
// policy, enqueues the next children the mode allows, and terminalizes the
// parent step once the fan-in completes.
func (p *planner) advanceIterators() error {
	if p.executionFailed {
		return nil
	}
	for _, name := range p.st.StepOrder() {
		st := p.st.Step(name)
		if st.Loop == nil || st.Status != projection.StatusRunning {
			continue
		}
		def, ok := p.pb.Step(name)
		if !ok {
			continue
		}
		it, err := def.Iterator()
		if err != nil {
			return err
		}
		p.advanceIterator(name, st.Loop, it)
	}
	return nil
}

func (p *planner) advanceIterator(name string, loop *projection.LoopState, it *playbook.IteratorSpec) {
	n := len(loop.Children)
	var (
		inFlight    int
		retried     = make([]bool, n)
		aggregated  = make([]bool, n)
		failedFinal = false
	)

	// Aggregate terminal children, oldest index first. A failed child with
	// retry budget re-enqueues instead of aggregating.
	for i := 0; i < n; i++ {
		child := &loop.Children[i]
		aggregated[i] = child.Aggregated
		switch child.Status {
		case projection.StatusEnqueued, projection.StatusRunning:
			inFlight++
		case projection.StatusFailed:
			if !child.Aggregated && child.Failure != nil &&
				p.planRetry(name, event.LoopPtr(i), child.Failure, it.Task) {
				retried[i] = true
				inFlight++
				continue
			}
			failedFinal = true
			if !child.Aggregated {
				p.append(&AppendEvent{
					Kind:     event.KindIteratorChildComplete,
					StepName: name,
					Payload: event.IteratorChildCompleted{
						Index:  i,
						Failed: true,
						Error:  childError(child),
					},
				})
				aggregated[i] = true
			}
		case projection.StatusCompleted:
			if !child.Aggregated {
				p.append(&AppendEvent{
					Kind:     event.KindIteratorChildComplete,
					StepName: name,
					Payload:  event.IteratorChildCompleted{Index: i, Result: child.Result},
				})
				aggregated[i] = true
			}
		}
	}

	abort := failedFinal && !loop.ContinueOnError

	// Enqueue the next children the mode allows.
	if !abort {
		switch loop.Mode {
		case playbook.ModeSequential:
			if inFlight == 0 {
				if next, ok := nextPending(loop, retried); ok && allBeforeSettled(loop, next) {
					p.enqueueChild(name, it, next, loop.Items[next], 1)
					inFlight++
				}
			}
		case playbook.ModeAsync:
			for i := 0; i < n; i++ {
				if loop.Children[i].Status == projection.StatusPending && !retried[i] {
					p.enqueueChild(name, it, i, loop.Items[i], 1)
					inFlight++
				}
			}
		case playbook.ModeParallel:
			for i := 0; i < n && inFlight < loop.Concurrency; i++ {
				if loop.Children[i].Status == projection.StatusPending && !retried[i] {
					p.enqueueChild(name, it, i, loop.Items[i], 1)
					inFlight++
				}
			}
		}
	}

	if inFlight > 0 {
		return
	}

	// Fan-in: nothing runs and nothing more will be enqueued.
	if abort {
		p.append(&AppendEvent{
			Kind:     event.KindStepFailed,
			StepName: name,
			Attempt:  1,
			Payload: event.StepFailed{
				Reason: event.ReasonIterator,
				Error:  firstChildError(loop),
			},
		})
		return
	}
	for i := 0; i < n; i++ {
		if !aggregated[i] {
			return
		}
	}
	results := make([]any, n)
	for i := 0; i < n; i++ {
		results[i] = loop.Children[i].Result
	}
	p.append(&AppendEvent{
		Kind:     event.KindStepCompleted,
		StepName: name,
		Attempt:  1,
		Payload:  event.StepCompleted{Result: results},
	})
}

// nextPending returns the lowest pending child index.
func nextPending(loop *projection.LoopState, retried []bool) (int, bool) {
	for i := range loop.Children {
		if loop.Children[i].Status == projection.StatusPending && !retried[i] {
			return i, true
		}
	}
	return 0, false
}

// allBeforeSettled reports whether every child before idx reached a
// terminal state, which is what sequential mode requires before moving on.
func allBeforeSettled(loop *projection.LoopState, idx int) bool {
	for i := 0; i < idx; i++ {
		if !loop.Children[i].Status.Terminal() {
			return false
		}
	}
	return true
}

func childError(c *projection.ChildState) string {
	if c.Failure != nil {
		return c.Failure.Error
	}
	return c.Error
}

func firstChildError(loop *projection.LoopState) string {
	for i := range loop.Children {
		if loop.Children[i].Status == projection.StatusFailed {
			if msg := childError(&loop.Children[i]); msg != "" {
				return msg
			}
		}
	}
	return "iterator child failed"
}
