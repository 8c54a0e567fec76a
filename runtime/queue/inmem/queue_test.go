package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"noetl.io/noetl/runtime/queue"
)

func job(id int64, step string, attempt int) *queue.Job {
	return &queue.Job{
		ExecutionID: id,
		StepName:    step,
		Attempt:     attempt,
		Capability:  "cpu",
		Tool:        "noop",
	}
}

func TestLeaseLifecycle(t *testing.T) {
	ctx := context.Background()
	q := New()

	j := job(1, "fetch", 1)
	require.NoError(t, q.Enqueue(ctx, j))

	depth, err := q.Depth(ctx, "cpu")
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	leased, err := q.Lease(ctx, "cpu", "w1", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, j.Key(), leased.Key())

	// The leased job is invisible to other workers.
	_, err = q.Lease(ctx, "cpu", "w2", 30*time.Second)
	require.ErrorIs(t, err, queue.ErrEmpty)

	require.NoError(t, q.Extend(ctx, leased.Key(), "w1", time.Minute))
	require.ErrorIs(t, q.Ack(ctx, leased.Key(), "w2"), queue.ErrNotLeased)
	require.NoError(t, q.Ack(ctx, leased.Key(), "w1"))

	depth, err = q.Depth(ctx, "cpu")
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}

func TestEnqueueIsIdempotent(t *testing.T) {
	ctx := context.Background()
	q := New()

	j := job(2, "once", 1)
	require.NoError(t, q.Enqueue(ctx, j))
	require.NoError(t, q.Enqueue(ctx, j))

	depth, err := q.Depth(ctx, "cpu")
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	_, err = q.Lease(ctx, "cpu", "w1", time.Minute)
	require.NoError(t, err)
	_, err = q.Lease(ctx, "cpu", "w1", time.Minute)
	require.ErrorIs(t, err, queue.ErrEmpty)
}

func TestNackRedelivers(t *testing.T) {
	ctx := context.Background()
	q := New()

	require.NoError(t, q.Enqueue(ctx, job(3, "flaky", 1)))
	leased, err := q.Lease(ctx, "cpu", "w1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, q.Nack(ctx, leased.Key(), "w1", "transient"))

	again, err := q.Lease(ctx, "cpu", "w2", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, leased.Key(), again.Key())
}

func TestExpiredLeaseIsReclaimed(t *testing.T) {
	ctx := context.Background()
	q := New()
	now := time.Now()
	q.SetClock(func() time.Time { return now })

	require.NoError(t, q.Enqueue(ctx, job(4, "slow", 1)))
	leased, err := q.Lease(ctx, "cpu", "w1", 30*time.Second)
	require.NoError(t, err)

	now = now.Add(31 * time.Second)

	again, err := q.Lease(ctx, "cpu", "w2", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, leased.Key(), again.Key())

	// The original worker lost the lease on expiry.
	require.ErrorIs(t, q.Ack(ctx, leased.Key(), "w1"), queue.ErrNotLeased)
	require.NoError(t, q.Ack(ctx, again.Key(), "w2"))
}

func TestNotBeforeHoldsDelivery(t *testing.T) {
	ctx := context.Background()
	q := New()
	now := time.Now()
	q.SetClock(func() time.Time { return now })

	j := job(5, "retry", 2)
	due := now.Add(10 * time.Second)
	j.NotBefore = &due
	require.NoError(t, q.Enqueue(ctx, j))

	_, err := q.Lease(ctx, "cpu", "w1", time.Minute)
	require.ErrorIs(t, err, queue.ErrEmpty)

	now = now.Add(11 * time.Second)
	leased, err := q.Lease(ctx, "cpu", "w1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, j.Key(), leased.Key())
}

func TestSettleUnknownJob(t *testing.T) {
	ctx := context.Background()
	q := New()

	require.ErrorIs(t, q.Ack(ctx, "e9/none/1", "w1"), queue.ErrUnknownJob)
	require.ErrorIs(t, q.Nack(ctx, "e9/none/1", "w1", "x"), queue.ErrUnknownJob)
	require.ErrorIs(t, q.Extend(ctx, "e9/none/1", "w1", time.Second), queue.ErrUnknownJob)
}
