package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"noetl.io/noetl/features/internal/redistest"
	"noetl.io/noetl/runtime/registry"
)

func TestRegistryLifecycle(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	clock := func() time.Time { return now }

	r, err := New(ctx, Config{Redis: redistest.Start(t), StaleThreshold: 30 * time.Second, Clock: clock})
	require.NoError(t, err)

	require.NoError(t, r.Register(ctx, registry.WorkerInfo{
		Name:           "w1",
		Capabilities:   []string{"cpu", "db"},
		MaxConcurrency: 4,
	}))
	require.NoError(t, r.Register(ctx, registry.WorkerInfo{
		Name:         "w2",
		Capabilities: []string{"gpu"},
	}))

	workers, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 2)
	assert.Equal(t, "w1", workers[0].Name)
	assert.Equal(t, registry.StatusReady, workers[0].Status)

	ok, err := r.Eligible(ctx, "db")
	require.NoError(t, err)
	assert.True(t, ok)

	// w1 goes stale, w2 heartbeats and stays READY.
	now = now.Add(45 * time.Second)
	require.NoError(t, r.Heartbeat(ctx, "w2"))

	workers, err = r.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusOffline, workers[0].Status)
	assert.Equal(t, registry.StatusReady, workers[1].Status)

	ok, err = r.Eligible(ctx, "db")
	require.NoError(t, err)
	assert.False(t, ok)

	require.ErrorIs(t, r.Heartbeat(ctx, "ghost"), registry.ErrNotFound)

	require.NoError(t, r.Deregister(ctx, "w1"))
	require.NoError(t, r.Deregister(ctx, "w1"))
	workers, err = r.List(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, "w2", workers[0].Name)
}
