package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"noetl.io/noetl/runtime/event"
)

func ev(execID, seq int64, kind event.Kind, step string, attempt int) event.Event {
	return event.Event{
		ExecutionID: execID,
		Seq:         seq,
		Timestamp:   time.Now().UTC(),
		Kind:        kind,
		StepName:    step,
		Attempt:     attempt,
	}
}

func TestAppendAndRead(t *testing.T) {
	l := NewLog()
	ctx := context.Background()

	require.NoError(t, l.Append(ctx, ev(1, 0, event.KindExecutionStarted, "", 0)))
	require.NoError(t, l.Append(ctx, ev(1, 1, event.KindStepEnqueued, "start", 1)))

	evs, err := l.Read(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	require.Equal(t, event.KindExecutionStarted, evs[0].Kind)

	evs, err = l.Read(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	require.Equal(t, event.KindStepEnqueued, evs[0].Kind)

	_, err = l.Read(ctx, 99, 0)
	require.ErrorIs(t, err, event.ErrNotFound)
}

func TestAppendConflict(t *testing.T) {
	l := NewLog()
	ctx := context.Background()

	require.NoError(t, l.Append(ctx, ev(1, 0, event.KindExecutionStarted, "", 0)))
	err := l.Append(ctx, ev(1, 0, event.KindStepEnqueued, "start", 1))
	require.ErrorIs(t, err, event.ErrConflict)

	var conflict *event.ConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, int64(1), conflict.CurrentSeq)

	// A gap is a conflict too.
	err = l.Append(ctx, ev(1, 5, event.KindStepEnqueued, "start", 1))
	require.ErrorIs(t, err, event.ErrConflict)
}

func TestAppendAfterTerminal(t *testing.T) {
	l := NewLog()
	ctx := context.Background()

	require.NoError(t, l.Append(ctx, ev(1, 0, event.KindExecutionStarted, "", 0)))
	require.NoError(t, l.Append(ctx, ev(1, 1, event.KindExecutionCompleted, "", 0)))
	err := l.Append(ctx, ev(1, 2, event.KindStepEnqueued, "start", 1))
	require.ErrorIs(t, err, event.ErrTerminal)
}

func TestDuplicateTerminalTuple(t *testing.T) {
	l := NewLog()
	ctx := context.Background()

	require.NoError(t, l.Append(ctx, ev(1, 0, event.KindExecutionStarted, "", 0)))
	require.NoError(t, l.Append(ctx, ev(1, 1, event.KindStepCompleted, "build", 1)))

	err := l.Append(ctx, ev(1, 2, event.KindStepFailed, "build", 1))
	require.ErrorIs(t, err, event.ErrDuplicateTerminal)

	// A different attempt of the same step is fine.
	require.NoError(t, l.Append(ctx, ev(1, 2, event.KindStepCompleted, "build", 2)))

	// Distinct loop indexes are distinct tuples.
	childA := ev(1, 3, event.KindStepCompleted, "fan", 1)
	childA.LoopIndex = event.LoopPtr(0)
	require.NoError(t, l.Append(ctx, childA))
	childB := ev(1, 4, event.KindStepCompleted, "fan", 1)
	childB.LoopIndex = event.LoopPtr(1)
	require.NoError(t, l.Append(ctx, childB))
	dup := ev(1, 5, event.KindStepFailed, "fan", 1)
	dup.LoopIndex = event.LoopPtr(1)
	require.ErrorIs(t, l.Append(ctx, dup), event.ErrDuplicateTerminal)
}

func TestLiveExecutions(t *testing.T) {
	l := NewLog()
	ctx := context.Background()

	require.NoError(t, l.Append(ctx, ev(1, 0, event.KindExecutionStarted, "", 0)))
	require.NoError(t, l.Append(ctx, ev(2, 0, event.KindExecutionStarted, "", 0)))
	require.NoError(t, l.Append(ctx, ev(2, 1, event.KindExecutionFailed, "", 0)))

	live, err := l.LiveExecutions(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{1}, live)
}

func TestAllocateExecutionID(t *testing.T) {
	l := NewLog()
	ctx := context.Background()
	a, err := l.AllocateExecutionID(ctx)
	require.NoError(t, err)
	b, err := l.AllocateExecutionID(ctx)
	require.NoError(t, err)
	require.Greater(t, b, a)
}

func TestNotifier(t *testing.T) {
	n := NewNotifier()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, stop, err := n.Subscribe(ctx)
	require.NoError(t, err)
	defer stop()

	require.NoError(t, n.Publish(ctx, 42))
	select {
	case id := <-ch:
		require.Equal(t, int64(42), id)
	case <-time.After(time.Second):
		t.Fatal("notification not delivered")
	}

	stop()
	require.NoError(t, n.Publish(ctx, 43), "publish after unsubscribe must not fail")
}

func TestWithNotifyPublishesOnAppend(t *testing.T) {
	l := NewLog()
	n := NewNotifier()
	ctx := context.Background()

	ch, stop, err := n.Subscribe(ctx)
	require.NoError(t, err)
	defer stop()

	log := event.WithNotify(l, n)
	require.NoError(t, log.Append(ctx, ev(7, 0, event.KindExecutionStarted, "", 0)))

	select {
	case id := <-ch:
		require.Equal(t, int64(7), id)
	case <-time.After(time.Second):
		t.Fatal("append did not notify")
	}

	// Failed appends must not notify.
	require.Error(t, log.Append(ctx, ev(7, 0, event.KindExecutionStarted, "", 0)))
	select {
	case <-ch:
		t.Fatal("conflicting append must not notify")
	case <-time.After(50 * time.Millisecond):
	}
}
