package projection

import (
	"errors"
	"fmt"

	"noetl.io/noetl/runtime/event"
)

// ErrCorrupt signals an event sequence that violates the log invariants:
// gaps, events after a terminal event, duplicate step-terminal tuples, or
// protocol violations such as step_started without step_enqueued. A correct
// log never produces it.
var ErrCorrupt = errors.New("projection: corrupt event log")

func corrupt(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorrupt, fmt.Sprintf(format, args...))
}

// Project folds a complete execution log (from seq 0) into its state.
// It is pure: no clocks, no I/O, no randomness.
func Project(events []event.Event) (*State, error) {
	s := &State{
		Status:     ExecRunning,
		Steps:      make(map[string]*StepState),
		Routed:     make(map[string][]string),
		pendingSet: make(map[string]struct{}),
	}
	if len(events) == 0 {
		return s, nil
	}
	s.ExecutionID = events[0].ExecutionID

	for i := range events {
		e := &events[i]
		if e.Seq != int64(i) {
			return nil, corrupt("expected seq %d, got %d", i, e.Seq)
		}
		if e.ExecutionID != s.ExecutionID {
			return nil, corrupt("event at seq %d belongs to execution %d, not %d", i, e.ExecutionID, s.ExecutionID)
		}
		if s.Status.Terminal() {
			return nil, corrupt("event %s at seq %d after terminal event", e.Kind, i)
		}
		if i == 0 && e.Kind != event.KindExecutionStarted {
			return nil, corrupt("log must open with execution_started, got %s", e.Kind)
		}
		if err := s.apply(e); err != nil {
			return nil, err
		}
	}
	s.NextSeq = int64(len(events))
	return s, nil
}

func (s *State) apply(e *event.Event) error {
	switch e.Kind {
	case event.KindExecutionStarted:
		return s.applyExecutionStarted(e)
	case event.KindStepEnqueued:
		return s.applyStepEnqueued(e)
	case event.KindStepStarted:
		return s.applyStepStarted(e)
	case event.KindStepProgress:
		return nil
	case event.KindStepCompleted:
		return s.applyStepCompleted(e)
	case event.KindStepFailed:
		return s.applyStepFailed(e)
	case event.KindStepSkipped:
		return s.applyStepSkipped(e)
	case event.KindBranchTaken:
		return s.applyBranchTaken(e)
	case event.KindIteratorExpanded:
		return s.applyIteratorExpanded(e)
	case event.KindIteratorChildComplete:
		return s.applyIteratorChildCompleted(e)
	case event.KindSubPlaybookSpawned:
		return s.applySubPlaybookSpawned(e)
	case event.KindExecutionCompleted:
		p, err := event.Decode[event.ExecutionCompleted](*e)
		if err != nil {
			return err
		}
		s.Status = ExecCompleted
		s.Result = p.Result
		s.EndedAt = e.Timestamp
		return nil
	case event.KindExecutionFailed:
		p, err := event.Decode[event.ExecutionFailed](*e)
		if err != nil {
			return err
		}
		s.Status = ExecFailed
		s.FailedStep = p.Step
		s.Error = p.Error
		s.EndedAt = e.Timestamp
		return nil
	case event.KindExecutionCancelled:
		p, err := event.Decode[event.ExecutionCancelled](*e)
		if err != nil {
			return err
		}
		s.Status = ExecCancelled
		s.CancelReason = p.Reason
		s.EndedAt = e.Timestamp
		return nil
	default:
		return corrupt("unknown event kind %q at seq %d", e.Kind, e.Seq)
	}
}

func (s *State) applyExecutionStarted(e *event.Event) error {
	if e.Seq != 0 {
		return corrupt("execution_started at seq %d", e.Seq)
	}
	p, err := event.Decode[event.ExecutionStarted](*e)
	if err != nil {
		return err
	}
	s.PlaybookPath = p.PlaybookPath
	s.PlaybookVersion = p.PlaybookVersion
	s.Workload = p.Workload
	s.Vars = p.Vars
	s.Parent = p.Parent
	s.Ancestry = p.Ancestry
	s.StartedAt = e.Timestamp
	return nil
}

func (s *State) applyStepEnqueued(e *event.Event) error {
	p, err := event.Decode[event.StepEnqueued](*e)
	if err != nil {
		return err
	}
	st := s.recordStep(e.StepName)
	s.dropPending(e.StepName)
	info := &AttemptInfo{
		Attempt:    e.Attempt,
		Tool:       p.Tool,
		Capability: p.Capability,
		EnqueuedAt: e.Timestamp,
		NotBefore:  p.NotBefore,
	}
	if e.LoopIndex != nil {
		child, err := s.loopChild(st, e)
		if err != nil {
			return err
		}
		if child.Status == StatusCompleted || child.Status == StatusSkipped {
			return corrupt("step_enqueued after terminal for %s at seq %d", e.Tuple(), e.Seq)
		}
		child.Status = StatusEnqueued
		child.Attempts = max(child.Attempts, e.Attempt)
		child.Live = info
		return nil
	}
	if st.Status == StatusCompleted || st.Status == StatusSkipped {
		return corrupt("step_enqueued after terminal for %s at seq %d", e.Tuple(), e.Seq)
	}
	st.Status = StatusEnqueued
	st.Attempts = max(st.Attempts, e.Attempt)
	st.Live = info
	return nil
}

func (s *State) applyStepStarted(e *event.Event) error {
	p, err := event.Decode[event.StepStarted](*e)
	if err != nil {
		return err
	}
	st := s.Steps[e.StepName]
	if st == nil {
		return corrupt("step_started for unknown step %q at seq %d", e.StepName, e.Seq)
	}
	live, err := s.liveAttempt(st, e)
	if err != nil {
		return err
	}
	if live == nil || live.Attempt != e.Attempt {
		return corrupt("step_started without step_enqueued for %s at seq %d", e.Tuple(), e.Seq)
	}
	if live.StartedAt != nil {
		return corrupt("duplicate step_started for %s at seq %d", e.Tuple(), e.Seq)
	}
	ts := e.Timestamp
	live.StartedAt = &ts
	live.Worker = p.Worker
	if e.LoopIndex != nil {
		st.Loop.Children[*e.LoopIndex].Status = StatusRunning
	} else {
		st.Status = StatusRunning
	}
	return nil
}

func (s *State) applyStepCompleted(e *event.Event) error {
	p, err := event.Decode[event.StepCompleted](*e)
	if err != nil {
		return err
	}
	st := s.recordStep(e.StepName)
	s.dropPending(e.StepName)
	if e.LoopIndex != nil {
		child, err := s.loopChild(st, e)
		if err != nil {
			return err
		}
		if child.Status.Terminal() {
			return corrupt("duplicate terminal for %s at seq %d", e.Tuple(), e.Seq)
		}
		child.Status = StatusCompleted
		child.Result = p.Result
		child.Attempts = max(child.Attempts, e.Attempt)
		child.Live = nil
		return nil
	}
	if st.Status.Terminal() {
		return corrupt("duplicate terminal for %s at seq %d", e.Tuple(), e.Seq)
	}
	st.Status = StatusCompleted
	st.Result = p.Result
	st.Attempts = max(st.Attempts, e.Attempt)
	st.Live = nil
	return nil
}

func (s *State) applyStepFailed(e *event.Event) error {
	p, err := event.Decode[event.StepFailed](*e)
	if err != nil {
		return err
	}
	st := s.recordStep(e.StepName)
	s.dropPending(e.StepName)
	failure := &Failure{
		Reason:    p.Reason,
		Error:     p.Error,
		Retryable: p.Retryable,
		Attempt:   e.Attempt,
		At:        e.Timestamp,
	}
	if e.LoopIndex != nil {
		child, err := s.loopChild(st, e)
		if err != nil {
			return err
		}
		if child.Status.Terminal() {
			return corrupt("duplicate terminal for %s at seq %d", e.Tuple(), e.Seq)
		}
		child.Status = StatusFailed
		child.Failed = true
		child.Error = p.Error
		child.Failure = failure
		child.Attempts = max(child.Attempts, e.Attempt)
		child.Live = nil
		return nil
	}
	if st.Status.Terminal() {
		return corrupt("duplicate terminal for %s at seq %d", e.Tuple(), e.Seq)
	}
	st.Status = StatusFailed
	st.Failure = failure
	st.Attempts = max(st.Attempts, e.Attempt)
	st.Live = nil
	return nil
}

func (s *State) applyStepSkipped(e *event.Event) error {
	st := s.recordStep(e.StepName)
	s.dropPending(e.StepName)
	if st.Status.Terminal() {
		return corrupt("step_skipped after terminal for %q at seq %d", e.StepName, e.Seq)
	}
	st.Status = StatusSkipped
	return nil
}

func (s *State) applyBranchTaken(e *event.Event) error {
	p, err := event.Decode[event.BranchTaken](*e)
	if err != nil {
		return err
	}
	if p.Step != "" {
		s.Routed[p.Step] = p.Selected
	}
	for _, name := range p.Selected {
		if st, ok := s.Steps[name]; ok && st.Status != StatusPending {
			continue
		}
		if _, pending := s.pendingSet[name]; pending {
			continue
		}
		s.pendingSet[name] = struct{}{}
		s.PendingSuccessors = append(s.PendingSuccessors, name)
	}
	return nil
}

func (s *State) applyIteratorExpanded(e *event.Event) error {
	p, err := event.Decode[event.IteratorExpanded](*e)
	if err != nil {
		return err
	}
	st := s.recordStep(e.StepName)
	s.dropPending(e.StepName)
	if st.Loop != nil {
		return corrupt("duplicate iterator_expanded for %q at seq %d", e.StepName, e.Seq)
	}
	if p.Count != len(p.Items) {
		return corrupt("iterator_expanded count %d does not match %d items at seq %d", p.Count, len(p.Items), e.Seq)
	}
	st.Status = StatusRunning
	st.Attempts = max(st.Attempts, 1)
	st.Loop = &LoopState{
		Mode:            p.Mode,
		Concurrency:     p.Concurrency,
		ContinueOnError: p.ContinueOnError,
		Items:           p.Items,
		Children:        make([]ChildState, p.Count),
	}
	for i := range st.Loop.Children {
		st.Loop.Children[i].Status = StatusPending
	}
	return nil
}

func (s *State) applyIteratorChildCompleted(e *event.Event) error {
	p, err := event.Decode[event.IteratorChildCompleted](*e)
	if err != nil {
		return err
	}
	st := s.Steps[e.StepName]
	if st == nil || st.Loop == nil {
		return corrupt("iterator_child_completed without iterator_expanded for %q at seq %d", e.StepName, e.Seq)
	}
	if p.Index < 0 || p.Index >= len(st.Loop.Children) {
		return corrupt("iterator_child_completed index %d out of range at seq %d", p.Index, e.Seq)
	}
	child := &st.Loop.Children[p.Index]
	if child.Aggregated {
		return corrupt("duplicate iterator_child_completed for %q index %d at seq %d", e.StepName, p.Index, e.Seq)
	}
	child.Aggregated = true
	child.Result = p.Result
	child.Failed = p.Failed
	if p.Error != "" {
		child.Error = p.Error
	}
	return nil
}

func (s *State) applySubPlaybookSpawned(e *event.Event) error {
	p, err := event.Decode[event.SubPlaybookSpawned](*e)
	if err != nil {
		return err
	}
	st := s.recordStep(e.StepName)
	s.dropPending(e.StepName)
	if st.Child != nil {
		return corrupt("duplicate subplaybook_spawned for %q at seq %d", e.StepName, e.Seq)
	}
	st.Status = StatusRunning
	st.Attempts = max(st.Attempts, 1)
	st.Child = &ChildRef{ExecutionID: p.ChildExecutionID, Path: p.Path, Version: p.Version}
	return nil
}

// loopChild resolves the child slot addressed by an iterator-child event.
func (s *State) loopChild(st *StepState, e *event.Event) (*ChildState, error) {
	if st.Loop == nil {
		return nil, corrupt("loop event for %q before iterator_expanded at seq %d", e.StepName, e.Seq)
	}
	idx := *e.LoopIndex
	if idx < 0 || idx >= len(st.Loop.Children) {
		return nil, corrupt("loop index %d out of range for %q at seq %d", idx, e.StepName, e.Seq)
	}
	return &st.Loop.Children[idx], nil
}

// liveAttempt resolves the in-flight attempt slot addressed by a step event.
func (s *State) liveAttempt(st *StepState, e *event.Event) (*AttemptInfo, error) {
	if e.LoopIndex == nil {
		return st.Live, nil
	}
	child, err := s.loopChild(st, e)
	if err != nil {
		return nil, err
	}
	return child.Live, nil
}

func (s *State) dropPending(name string) {
	if _, ok := s.pendingSet[name]; !ok {
		return
	}
	delete(s.pendingSet, name)
	for i, n := range s.PendingSuccessors {
		if n == name {
			s.PendingSuccessors = append(s.PendingSuccessors[:i], s.PendingSuccessors[i+1:]...)
			break
		}
	}
}
