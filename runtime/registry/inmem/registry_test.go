package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"noetl.io/noetl/runtime/registry"
)

func TestRegisterAndList(t *testing.T) {
	ctx := context.Background()
	r := New()

	require.NoError(t, r.Register(ctx, registry.WorkerInfo{
		Name:           "w2",
		Capabilities:   []string{"cpu", "gpu"},
		MaxConcurrency: 4,
	}))
	require.NoError(t, r.Register(ctx, registry.WorkerInfo{
		Name:           "w1",
		Capabilities:   []string{"cpu"},
		MaxConcurrency: 2,
	}))

	workers, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 2)
	assert.Equal(t, "w1", workers[0].Name)
	assert.Equal(t, "w2", workers[1].Name)
	assert.Equal(t, registry.StatusReady, workers[0].Status)
	assert.False(t, workers[0].LastHeartbeat.IsZero())
}

func TestEligible(t *testing.T) {
	ctx := context.Background()
	r := New()

	require.NoError(t, r.Register(ctx, registry.WorkerInfo{Name: "w1", Capabilities: []string{"cpu"}}))

	ok, err := r.Eligible(ctx, "cpu")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.Eligible(ctx, "gpu")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStaleWorkerGoesOffline(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	r := New(
		WithStaleThreshold(10*time.Second),
		WithClock(func() time.Time { return now }),
	)

	require.NoError(t, r.Register(ctx, registry.WorkerInfo{Name: "w1", Capabilities: []string{"cpu"}}))

	now = now.Add(11 * time.Second)

	workers, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, registry.StatusOffline, workers[0].Status)

	ok, err := r.Eligible(ctx, "cpu")
	require.NoError(t, err)
	assert.False(t, ok, "stale workers are not eligible")

	// A heartbeat revives the worker.
	require.NoError(t, r.Heartbeat(ctx, "w1"))
	ok, err = r.Eligible(ctx, "cpu")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHeartbeatUnknownWorker(t *testing.T) {
	r := New()
	err := r.Heartbeat(context.Background(), "ghost")
	require.ErrorIs(t, err, registry.ErrNotFound)
}

func TestDeregisterIdempotent(t *testing.T) {
	ctx := context.Background()
	r := New()
	require.NoError(t, r.Register(ctx, registry.WorkerInfo{Name: "w1"}))
	require.NoError(t, r.Deregister(ctx, "w1"))
	require.NoError(t, r.Deregister(ctx, "w1"))

	workers, err := r.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, workers)
}
