package projection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"noetl.io/noetl/runtime/event"
)

var base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type logBuilder struct {
	t      *testing.T
	events []event.Event
}

func newLog(t *testing.T) *logBuilder { return &logBuilder{t: t} }

func (b *logBuilder) add(kind event.Kind, step string, attempt int, loop *int, payload any) *logBuilder {
	b.t.Helper()
	raw, err := event.Encode(payload)
	require.NoError(b.t, err)
	b.events = append(b.events, event.Event{
		ExecutionID: 1,
		Seq:         int64(len(b.events)),
		Timestamp:   base.Add(time.Duration(len(b.events)) * time.Second),
		Kind:        kind,
		StepName:    step,
		Attempt:     attempt,
		LoopIndex:   loop,
		Payload:     raw,
	})
	return b
}

func (b *logBuilder) started() *logBuilder {
	return b.add(event.KindExecutionStarted, "", 0, nil, event.ExecutionStarted{
		PlaybookPath:    "examples/demo",
		PlaybookVersion: "1",
		Workload:        map[string]any{"env": "prod"},
		Ancestry:        []string{"examples/demo"},
	})
}

func TestProjectLinearLifecycle(t *testing.T) {
	b := newLog(t).started().
		add(event.KindStepEnqueued, "start", 1, nil, event.StepEnqueued{Tool: "noop", Capability: "cpu"}).
		add(event.KindStepStarted, "start", 1, nil, event.StepStarted{Worker: "w1"}).
		add(event.KindStepCompleted, "start", 1, nil, event.StepCompleted{Result: map[string]any{"ok": true}}).
		add(event.KindBranchTaken, "", 0, nil, event.BranchTaken{Step: "start", Selected: []string{"build"}, Via: "next"})

	s, err := Project(b.events)
	require.NoError(t, err)
	require.Equal(t, ExecRunning, s.Status)
	require.Equal(t, "examples/demo", s.PlaybookPath)
	require.Equal(t, map[string]any{"env": "prod"}, s.Workload)
	require.Equal(t, int64(5), s.NextSeq)

	start := s.Step("start")
	require.NotNil(t, start)
	require.Equal(t, StatusCompleted, start.Status)
	require.Equal(t, 1, start.Attempts)
	require.Equal(t, map[string]any{"ok": true}, start.Result)
	require.Nil(t, start.Live)

	require.Equal(t, []string{"build"}, s.PendingSuccessors)
	require.Empty(t, s.InFlight())
}

func TestProjectInFlight(t *testing.T) {
	b := newLog(t).started().
		add(event.KindStepEnqueued, "a", 1, nil, event.StepEnqueued{Tool: "shell", Capability: "cpu"}).
		add(event.KindStepStarted, "a", 1, nil, event.StepStarted{Worker: "w1"}).
		add(event.KindStepEnqueued, "b", 1, nil, event.StepEnqueued{Tool: "http", Capability: "cpu"})

	s, err := Project(b.events)
	require.NoError(t, err)
	require.Equal(t, []event.Tuple{
		{Step: "a", Attempt: 1, Loop: -1},
		{Step: "b", Attempt: 1, Loop: -1},
	}, s.InFlight())
	require.Equal(t, StatusRunning, s.Step("a").Status)
	require.Equal(t, StatusEnqueued, s.Step("b").Status)
	require.Equal(t, "w1", s.Step("a").Live.Worker)
}

func TestProjectRetryTransitions(t *testing.T) {
	notBefore := base.Add(10 * time.Second)
	b := newLog(t).started().
		add(event.KindStepEnqueued, "flaky", 1, nil, event.StepEnqueued{Tool: "http", Capability: "cpu"}).
		add(event.KindStepStarted, "flaky", 1, nil, event.StepStarted{Worker: "w1"}).
		add(event.KindStepFailed, "flaky", 1, nil, event.StepFailed{Reason: "tool_error", Error: "503", Retryable: true}).
		add(event.KindStepEnqueued, "flaky", 2, nil, event.StepEnqueued{Tool: "http", Capability: "cpu", NotBefore: &notBefore})

	s, err := Project(b.events)
	require.NoError(t, err)
	flaky := s.Step("flaky")
	require.Equal(t, StatusEnqueued, flaky.Status)
	require.Equal(t, 2, flaky.Attempts)
	require.NotNil(t, flaky.Failure)
	require.Equal(t, 1, flaky.Failure.Attempt)
	require.True(t, flaky.Failure.Retryable)
	require.NotNil(t, flaky.Live.NotBefore)
	require.Equal(t, notBefore, *flaky.Live.NotBefore)
}

func TestProjectIterator(t *testing.T) {
	items := []any{map[string]any{"id": float64(1)}, map[string]any{"id": float64(2)}, map[string]any{"id": float64(3)}}
	b := newLog(t).started().
		add(event.KindIteratorExpanded, "fan", 0, nil, event.IteratorExpanded{Count: 3, Mode: "async", Items: items}).
		add(event.KindStepEnqueued, "fan", 1, event.LoopPtr(0), event.StepEnqueued{Tool: "http", Capability: "cpu"}).
		add(event.KindStepEnqueued, "fan", 1, event.LoopPtr(1), event.StepEnqueued{Tool: "http", Capability: "cpu"}).
		add(event.KindStepEnqueued, "fan", 1, event.LoopPtr(2), event.StepEnqueued{Tool: "http", Capability: "cpu"}).
		add(event.KindStepStarted, "fan", 1, event.LoopPtr(1), event.StepStarted{Worker: "w2"}).
		add(event.KindStepCompleted, "fan", 1, event.LoopPtr(1), event.StepCompleted{Result: "r1"}).
		add(event.KindIteratorChildComplete, "fan", 0, nil, event.IteratorChildCompleted{Index: 1, Result: "r1"})

	s, err := Project(b.events)
	require.NoError(t, err)
	fan := s.Step("fan")
	require.Equal(t, StatusRunning, fan.Status)
	require.NotNil(t, fan.Loop)
	require.Len(t, fan.Loop.Children, 3)
	require.Equal(t, StatusEnqueued, fan.Loop.Children[0].Status)
	require.Equal(t, StatusCompleted, fan.Loop.Children[1].Status)
	require.True(t, fan.Loop.Children[1].Aggregated)
	require.Equal(t, "r1", fan.Loop.Children[1].Result)
	require.Equal(t, StatusEnqueued, fan.Loop.Children[2].Status)

	inflight := s.InFlight()
	require.Equal(t, []event.Tuple{
		{Step: "fan", Attempt: 1, Loop: 0},
		{Step: "fan", Attempt: 1, Loop: 2},
	}, inflight)
}

func TestProjectSubPlaybook(t *testing.T) {
	b := newLog(t).started().
		add(event.KindSubPlaybookSpawned, "child", 1, nil, event.SubPlaybookSpawned{ChildExecutionID: 42, Path: "examples/child", Version: "3"})

	s, err := Project(b.events)
	require.NoError(t, err)
	child := s.Step("child")
	require.Equal(t, StatusRunning, child.Status)
	require.NotNil(t, child.Child)
	require.Equal(t, int64(42), child.Child.ExecutionID)
	require.Equal(t, "examples/child", child.Child.Path)
}

func TestProjectTerminalStates(t *testing.T) {
	b := newLog(t).started().
		add(event.KindExecutionCompleted, "", 0, nil, event.ExecutionCompleted{Result: "done"})
	s, err := Project(b.events)
	require.NoError(t, err)
	require.Equal(t, ExecCompleted, s.Status)
	require.Equal(t, "done", s.Result)
	require.False(t, s.EndedAt.IsZero())

	b = newLog(t).started().
		add(event.KindExecutionCancelled, "", 0, nil, event.ExecutionCancelled{Reason: "operator"})
	s, err = Project(b.events)
	require.NoError(t, err)
	require.True(t, s.Cancelled())
	require.Equal(t, "operator", s.CancelReason)
}

func TestProjectCorruption(t *testing.T) {
	// Gap in sequence.
	b := newLog(t).started()
	gap := b.events[0]
	gap.Seq = 2
	_, err := Project([]event.Event{b.events[0], gap})
	require.ErrorIs(t, err, ErrCorrupt)

	// Event after terminal.
	b = newLog(t).started().
		add(event.KindExecutionCompleted, "", 0, nil, nil).
		add(event.KindStepEnqueued, "late", 1, nil, event.StepEnqueued{Tool: "noop", Capability: "cpu"})
	_, err = Project(b.events)
	require.ErrorIs(t, err, ErrCorrupt)

	// Duplicate terminal tuple.
	b = newLog(t).started().
		add(event.KindStepEnqueued, "a", 1, nil, event.StepEnqueued{Tool: "noop", Capability: "cpu"}).
		add(event.KindStepStarted, "a", 1, nil, event.StepStarted{Worker: "w"}).
		add(event.KindStepCompleted, "a", 1, nil, event.StepCompleted{}).
		add(event.KindStepFailed, "a", 1, nil, event.StepFailed{Reason: "tool_error"})
	_, err = Project(b.events)
	require.ErrorIs(t, err, ErrCorrupt)

	// Started without enqueued.
	b = newLog(t).started().
		add(event.KindStepStarted, "ghost", 1, nil, event.StepStarted{Worker: "w"})
	_, err = Project(b.events)
	require.ErrorIs(t, err, ErrCorrupt)

	// First event not execution_started.
	_, err = Project(newLog(t).add(event.KindStepEnqueued, "a", 1, nil, nil).events)
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestCheckAppendDuplicateDelivery(t *testing.T) {
	// A worker redelivers a job whose outcome is already in the log.
	b := newLog(t).started().
		add(event.KindStepEnqueued, "x", 1, nil, event.StepEnqueued{Tool: "shell", Capability: "cpu"}).
		add(event.KindStepStarted, "x", 1, nil, event.StepStarted{Worker: "w1"}).
		add(event.KindStepCompleted, "x", 1, nil, event.StepCompleted{Result: "out"})
	s, err := Project(b.events)
	require.NoError(t, err)

	started := event.Event{ExecutionID: 1, Kind: event.KindStepStarted, StepName: "x", Attempt: 1}
	err = CheckAppend(s, &started)
	require.ErrorIs(t, err, ErrAlreadyRecorded)

	completed := event.Event{ExecutionID: 1, Kind: event.KindStepCompleted, StepName: "x", Attempt: 1}
	err = CheckAppend(s, &completed)
	require.ErrorIs(t, err, ErrAlreadyRecorded)
}

func TestCheckAppendProtocol(t *testing.T) {
	b := newLog(t).started().
		add(event.KindStepEnqueued, "x", 1, nil, event.StepEnqueued{Tool: "shell", Capability: "cpu"})
	s, err := Project(b.events)
	require.NoError(t, err)

	// Started on a live enqueued attempt is legal.
	started := event.Event{ExecutionID: 1, Kind: event.KindStepStarted, StepName: "x", Attempt: 1}
	require.NoError(t, CheckAppend(s, &started))

	// Terminal before started is out of order.
	completed := event.Event{ExecutionID: 1, Kind: event.KindStepCompleted, StepName: "x", Attempt: 1}
	require.ErrorIs(t, CheckAppend(s, &completed), ErrOutOfOrder)

	// Unknown step.
	ghost := event.Event{ExecutionID: 1, Kind: event.KindStepStarted, StepName: "ghost", Attempt: 1}
	require.ErrorIs(t, CheckAppend(s, &ghost), ErrOutOfOrder)

	// Broker-owned kinds are rejected outright.
	branch := event.Event{ExecutionID: 1, Kind: event.KindBranchTaken}
	require.ErrorIs(t, CheckAppend(s, &branch), ErrOutOfOrder)
}

func TestCheckAppendCancelledExecution(t *testing.T) {
	b := newLog(t).started().
		add(event.KindStepEnqueued, "x", 1, nil, event.StepEnqueued{Tool: "shell", Capability: "cpu"}).
		add(event.KindStepStarted, "x", 1, nil, event.StepStarted{Worker: "w1"}).
		add(event.KindExecutionCancelled, "", 0, nil, event.ExecutionCancelled{Reason: "deadline"})
	s, err := Project(b.events)
	require.NoError(t, err)

	completed := event.Event{ExecutionID: 1, Kind: event.KindStepCompleted, StepName: "x", Attempt: 1}
	require.ErrorIs(t, CheckAppend(s, &completed), ErrExecutionDone)
}

func TestCompletedSteps(t *testing.T) {
	b := newLog(t).started().
		add(event.KindStepEnqueued, "a", 1, nil, event.StepEnqueued{Tool: "noop", Capability: "cpu"}).
		add(event.KindStepStarted, "a", 1, nil, event.StepStarted{Worker: "w"}).
		add(event.KindStepCompleted, "a", 1, nil, event.StepCompleted{}).
		add(event.KindStepEnqueued, "b", 1, nil, event.StepEnqueued{Tool: "noop", Capability: "cpu"}).
		add(event.KindStepStarted, "b", 1, nil, event.StepStarted{Worker: "w"}).
		add(event.KindStepCompleted, "b", 1, nil, event.StepCompleted{}).
		add(event.KindStepSkipped, "c", 0, nil, event.StepSkipped{Reason: "branch_not_taken"})
	s, err := Project(b.events)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, s.CompletedSteps())
	require.Equal(t, StatusSkipped, s.Step("c").Status)
}
