package pulse

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"noetl.io/noetl/features/internal/redistest"
	"noetl.io/noetl/runtime/queue"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := New(Config{Redis: redistest.Start(t)})
	require.NoError(t, err)
	t.Cleanup(func() { q.Close(context.Background()) })
	return q
}

func job(id int64, step string, attempt int) *queue.Job {
	return &queue.Job{
		ExecutionID: id,
		StepName:    step,
		Attempt:     attempt,
		Capability:  "cpu",
		Tool:        "noop",
		Args:        map[string]any{"step": step},
		CreatedAt:   time.Now().UTC(),
	}
}

// leaseEventually polls Lease until the stream delivery arrives.
func leaseEventually(t *testing.T, q *Queue, tag, worker string, d time.Duration) *queue.LeasedJob {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		leased, err := q.Lease(ctx, tag, worker, d)
		if err == nil {
			return leased
		}
		require.ErrorIs(t, err, queue.ErrEmpty)
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("no job delivered before deadline")
	return nil
}

func TestEnqueueLeaseAck(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	j := job(1, "fetch", 1)
	require.NoError(t, q.Enqueue(ctx, j))

	depth, err := q.Depth(ctx, "cpu")
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	leased := leaseEventually(t, q, "cpu", "w1", 30*time.Second)
	assert.Equal(t, j.Key(), leased.Key())
	assert.Equal(t, "fetch", leased.Args["step"])

	require.NoError(t, q.Extend(ctx, leased.Key(), "w1", 30*time.Second))
	require.ErrorIs(t, q.Ack(ctx, leased.Key(), "w2"), queue.ErrNotLeased)
	require.NoError(t, q.Ack(ctx, leased.Key(), "w1"))

	depth, err = q.Depth(ctx, "cpu")
	require.NoError(t, err)
	assert.Equal(t, 0, depth)

	_, err = q.Lease(ctx, "cpu", "w1", 30*time.Second)
	require.ErrorIs(t, err, queue.ErrEmpty)
}

func TestEnqueueIsIdempotent(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	j := job(2, "once", 1)
	require.NoError(t, q.Enqueue(ctx, j))
	require.NoError(t, q.Enqueue(ctx, j))

	depth, err := q.Depth(ctx, "cpu")
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	leased := leaseEventually(t, q, "cpu", "w1", 30*time.Second)
	require.NoError(t, q.Ack(ctx, leased.Key(), "w1"))
	_, err = q.Lease(ctx, "cpu", "w1", 30*time.Second)
	require.ErrorIs(t, err, queue.ErrEmpty)
}

func TestNackRedelivers(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, job(3, "flaky", 1)))
	leased := leaseEventually(t, q, "cpu", "w1", 30*time.Second)
	require.NoError(t, q.Nack(ctx, leased.Key(), "w1", "transient"))

	again := leaseEventually(t, q, "cpu", "w2", 30*time.Second)
	assert.Equal(t, leased.Key(), again.Key())
	require.NoError(t, q.Ack(ctx, again.Key(), "w2"))
}

func TestNotBeforeDelaysDelivery(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	j := job(4, "retry", 2)
	due := time.Now().Add(700 * time.Millisecond)
	j.NotBefore = &due
	require.NoError(t, q.Enqueue(ctx, j))

	// The job is parked until NotBefore passes.
	waitUntil := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(waitUntil) {
		_, err := q.Lease(ctx, "cpu", "w1", 30*time.Second)
		require.ErrorIs(t, err, queue.ErrEmpty)
		time.Sleep(50 * time.Millisecond)
	}

	leased := leaseEventually(t, q, "cpu", "w1", 30*time.Second)
	assert.Equal(t, j.Key(), leased.Key())
	require.NoError(t, q.Ack(ctx, leased.Key(), "w1"))
}

func TestSettleUnknownJob(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	require.ErrorIs(t, q.Ack(ctx, "e9/none/1", "w1"), queue.ErrUnknownJob)
	require.ErrorIs(t, q.Extend(ctx, "e9/none/1", "w1", time.Second), queue.ErrUnknownJob)
}
