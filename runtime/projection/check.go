package projection

import (
	"errors"
	"fmt"

	"noetl.io/noetl/runtime/event"
)

// Append rejection errors returned by CheckAppend. The server maps them to
// HTTP conflicts so redelivered jobs learn their event is already recorded.
var (
	// ErrAlreadyRecorded signals that the tuple already holds an equivalent
	// or later transition. Duplicate deliveries land here.
	ErrAlreadyRecorded = errors.New("projection: transition already recorded")
	// ErrExecutionDone signals that the execution reached a terminal state
	// and admits no further step events.
	ErrExecutionDone = errors.New("projection: execution is terminal")
	// ErrOutOfOrder signals a step event whose prerequisite transition is
	// missing, such as step_started without a live step_enqueued.
	ErrOutOfOrder = errors.New("projection: transition out of order")
)

// CheckAppend verifies that a worker-published step event is a legal next
// transition for the given state. It covers the publish protocol: started
// requires a live enqueued attempt, terminals require a started attempt,
// duplicate tuples are rejected, and nothing may follow a terminal
// execution event. The check is advisory for brokers (compare-and-append is
// their guard) and authoritative for the control API's event endpoint.
func CheckAppend(s *State, e *event.Event) error {
	if s.Status.Terminal() {
		return fmt.Errorf("%w: execution %d is %s", ErrExecutionDone, s.ExecutionID, s.Status)
	}
	switch e.Kind {
	case event.KindStepStarted, event.KindStepProgress, event.KindStepCompleted, event.KindStepFailed:
	default:
		return fmt.Errorf("%w: kind %s is broker-owned", ErrOutOfOrder, e.Kind)
	}

	st := s.Steps[e.StepName]
	if st == nil {
		return fmt.Errorf("%w: step %q was never enqueued", ErrOutOfOrder, e.StepName)
	}
	var (
		live     *AttemptInfo
		terminal bool
	)
	if e.LoopIndex != nil {
		if st.Loop == nil || *e.LoopIndex < 0 || *e.LoopIndex >= len(st.Loop.Children) {
			return fmt.Errorf("%w: no iterator child %d for step %q", ErrOutOfOrder, orZero(e.LoopIndex), e.StepName)
		}
		child := &st.Loop.Children[*e.LoopIndex]
		live = child.Live
		terminal = child.Status.Terminal()
	} else {
		live = st.Live
		terminal = st.Status.Terminal()
	}

	if live == nil || live.Attempt != e.Attempt {
		if terminal || attemptSettled(st, e) {
			return fmt.Errorf("%w: %s", ErrAlreadyRecorded, e.Tuple())
		}
		return fmt.Errorf("%w: no live attempt for %s", ErrOutOfOrder, e.Tuple())
	}

	switch e.Kind {
	case event.KindStepStarted:
		if live.StartedAt != nil {
			return fmt.Errorf("%w: %s already started", ErrAlreadyRecorded, e.Tuple())
		}
	case event.KindStepProgress, event.KindStepCompleted, event.KindStepFailed:
		if live.StartedAt == nil {
			return fmt.Errorf("%w: %s not started", ErrOutOfOrder, e.Tuple())
		}
	}
	return nil
}

// attemptSettled reports whether the event's attempt was superseded by a
// later attempt, which means its outcome is already settled.
func attemptSettled(st *StepState, e *event.Event) bool {
	if e.LoopIndex != nil {
		if st.Loop == nil || *e.LoopIndex < 0 || *e.LoopIndex >= len(st.Loop.Children) {
			return false
		}
		return st.Loop.Children[*e.LoopIndex].Attempts > e.Attempt
	}
	return st.Attempts > e.Attempt
}

func orZero(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}
