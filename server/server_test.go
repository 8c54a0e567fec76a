package server_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"noetl.io/noetl/runtime/broker"
	"noetl.io/noetl/runtime/catalog"
	cataloginmem "noetl.io/noetl/runtime/catalog/inmem"
	"noetl.io/noetl/runtime/event"
	eventinmem "noetl.io/noetl/runtime/event/inmem"
	"noetl.io/noetl/runtime/projection"
	"noetl.io/noetl/runtime/queue"
	queueinmem "noetl.io/noetl/runtime/queue/inmem"
	"noetl.io/noetl/runtime/registry"
	registryinmem "noetl.io/noetl/runtime/registry/inmem"
	"noetl.io/noetl/runtime/worker"
	"noetl.io/noetl/server"
)

// The client doubles as the remote worker's control plane, queue and
// registry.
var (
	_ worker.Control    = (*server.Client)(nil)
	_ queue.Queue       = (*server.Client)(nil)
	_ registry.Registry = (*server.Client)(nil)
	_ server.Runner     = (*server.Client)(nil)
)

type testPlane struct {
	log      *eventinmem.Log
	queue    *queueinmem.Queue
	catalog  *cataloginmem.Catalog
	registry *registryinmem.Registry
	broker   *broker.Broker
	client   *server.Client
}

func newTestPlane(t *testing.T) *testPlane {
	t.Helper()
	ctx := context.Background()
	p := &testPlane{
		log:      eventinmem.NewLog(),
		queue:    queueinmem.New(),
		catalog:  cataloginmem.New(),
		registry: registryinmem.New(),
	}
	var err error
	p.broker, err = broker.New(ctx, broker.Config{
		ID:      "test-broker",
		Log:     p.log,
		Queue:   p.queue,
		Catalog: p.catalog,
	})
	require.NoError(t, err)

	srv, err := server.New(ctx, server.Config{
		Log:      p.log,
		Queue:    p.queue,
		Catalog:  p.catalog,
		Registry: p.registry,
		Runner:   p.broker,
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	p.client = server.NewClient(ts.URL)
	return p
}

const statusDoc = `
apiVersion: noetl.io/v2
kind: Playbook
metadata:
  name: status
  path: tests/status
workload:
  city: Oslo
workflow:
  - step: fetch
    tool: noop
    args:
      city: "{{ workload.city }}"
`

func TestServerNewValidatesConfig(t *testing.T) {
	_, err := server.New(context.Background(), server.Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Config.Log")
}

func TestPlaybookRegisterFetchList(t *testing.T) {
	p := newTestPlane(t)
	ctx := context.Background()

	entry, err := p.client.RegisterPlaybook(ctx, []byte(statusDoc))
	require.NoError(t, err)
	assert.Equal(t, "tests/status", entry.Path)
	assert.Equal(t, "1", entry.Version)
	assert.NotEmpty(t, entry.Hash)

	got, err := p.client.Playbook(ctx, "tests/status", "")
	require.NoError(t, err)
	assert.Equal(t, entry.Version, got.Version)
	assert.Contains(t, got.Raw, "tests/status")

	list, err := p.client.Playbooks(ctx, "tests/")
	require.NoError(t, err)
	require.Len(t, list, 1)

	_, err = p.client.Playbook(ctx, "tests/missing", "")
	require.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestPlaybookRegisterRejectsInvalid(t *testing.T) {
	p := newTestPlane(t)

	_, err := p.client.RegisterPlaybook(context.Background(), []byte("workflow: notalist"))
	require.Error(t, err)
	require.NotErrorIs(t, err, catalog.ErrNotFound)
}

func TestStartExecutionAndStatus(t *testing.T) {
	p := newTestPlane(t)
	ctx := context.Background()

	_, err := p.client.RegisterPlaybook(ctx, []byte(statusDoc))
	require.NoError(t, err)

	id, err := p.client.StartExecution(ctx, "tests/status", "", map[string]any{"city": "Bergen"})
	require.NoError(t, err)
	require.Positive(t, id)

	st, err := p.client.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, string(projection.ExecRunning), st.Status)
	assert.Equal(t, "tests/status", st.PlaybookPath)
	assert.False(t, st.Completed)
	assert.False(t, st.Failed)
	assert.Empty(t, st.CompletedSteps)
	assert.Equal(t, map[string]any{"city": "Bergen"}, st.Variables)

	events, err := p.client.Events(ctx, id, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, event.KindExecutionStarted, events[0].Kind)

	started, err := event.Decode[event.ExecutionStarted](events[0])
	require.NoError(t, err)
	assert.Equal(t, "Bergen", started.Workload["city"])

	sums, err := p.client.Executions(ctx, "tests/status")
	require.NoError(t, err)
	require.Len(t, sums, 1)
	assert.Equal(t, id, sums[0].ExecutionID)

	sums, err = p.client.Executions(ctx, "tests/other")
	require.NoError(t, err)
	assert.Empty(t, sums)
}

func TestStartExecutionUnknownPlaybook(t *testing.T) {
	p := newTestPlane(t)

	_, err := p.client.StartExecution(context.Background(), "tests/nope", "", nil)
	require.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestStatusUnknownExecution(t *testing.T) {
	p := newTestPlane(t)

	_, err := p.client.Status(context.Background(), 42)
	require.ErrorIs(t, err, event.ErrNotFound)
}

func TestCancelExecution(t *testing.T) {
	p := newTestPlane(t)
	ctx := context.Background()

	_, err := p.client.RegisterPlaybook(ctx, []byte(statusDoc))
	require.NoError(t, err)
	id, err := p.client.StartExecution(ctx, "tests/status", "", nil)
	require.NoError(t, err)

	require.NoError(t, p.client.Cancel(ctx, id, "operator request"))
	st, err := p.client.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, string(projection.ExecCancelled), st.Status)

	// Cancelling a terminal execution stays a no-op.
	require.NoError(t, p.client.Cancel(ctx, id, "again"))
}

func TestWorkerLifecycle(t *testing.T) {
	p := newTestPlane(t)
	ctx := context.Background()

	info := registry.WorkerInfo{Name: "w1", Capabilities: []string{"cpu"}, MaxConcurrency: 2}
	require.NoError(t, p.client.Register(ctx, info))
	require.NoError(t, p.client.Heartbeat(ctx, "w1"))

	workers, err := p.client.List(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, "w1", workers[0].Name)
	assert.Equal(t, registry.StatusReady, workers[0].Status)

	ok, err := p.client.Eligible(ctx, "cpu")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = p.client.Eligible(ctx, "gpu")
	require.NoError(t, err)
	assert.False(t, ok)

	require.ErrorIs(t, p.client.Heartbeat(ctx, "ghost"), registry.ErrNotFound)

	require.NoError(t, p.client.Deregister(ctx, "w1"))
	workers, err = p.client.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, workers)
}

func TestJobLeaseCycle(t *testing.T) {
	p := newTestPlane(t)
	ctx := context.Background()

	job := &queue.Job{
		ExecutionID: 1,
		StepName:    "fetch",
		Attempt:     1,
		Capability:  "cpu",
		Tool:        "noop",
		Args:        map[string]any{"city": "Oslo"},
	}
	require.NoError(t, p.client.Enqueue(ctx, job))

	depth, err := p.client.Depth(ctx, "cpu")
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	leased, err := p.client.Lease(ctx, "cpu", "w1", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, job.Key(), leased.Key())
	assert.Equal(t, "Oslo", leased.Args["city"])

	require.NoError(t, p.client.Extend(ctx, leased.Key(), "w1", 30*time.Second))

	// Another worker may not settle a lease it does not hold.
	require.ErrorIs(t, p.client.Ack(ctx, leased.Key(), "w2"), queue.ErrNotLeased)

	require.NoError(t, p.client.Ack(ctx, leased.Key(), "w1"))
	_, err = p.client.Lease(ctx, "cpu", "w1", 30*time.Second)
	require.ErrorIs(t, err, queue.ErrEmpty)
}

func TestJobNackRedelivers(t *testing.T) {
	p := newTestPlane(t)
	ctx := context.Background()

	job := &queue.Job{ExecutionID: 2, StepName: "flaky", Attempt: 1, Capability: "cpu", Tool: "noop"}
	require.NoError(t, p.client.Enqueue(ctx, job))

	leased, err := p.client.Lease(ctx, "cpu", "w1", 30*time.Second)
	require.NoError(t, err)
	require.NoError(t, p.client.Nack(ctx, leased.Key(), "w1", "transient"))

	again, err := p.client.Lease(ctx, "cpu", "w1", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, leased.Key(), again.Key())
}

func TestPublishEventProtocol(t *testing.T) {
	p := newTestPlane(t)
	ctx := context.Background()

	_, err := p.client.RegisterPlaybook(ctx, []byte(statusDoc))
	require.NoError(t, err)
	id, err := p.client.StartExecution(ctx, "tests/status", "", nil)
	require.NoError(t, err)

	started := &event.Event{
		ExecutionID: id,
		Kind:        event.KindStepStarted,
		StepName:    "fetch",
		Attempt:     1,
		Payload:     mustEncode(t, event.StepStarted{Worker: "w1"}),
	}
	// No enqueue was recorded yet, so started is out of order.
	require.ErrorIs(t, p.client.PublishEvent(ctx, started), projection.ErrOutOfOrder)

	enqueue(t, p.log, id, "fetch", 1)

	require.NoError(t, p.client.PublishEvent(ctx, started))
	assert.Equal(t, int64(2), started.Seq)

	// Redelivered started is already recorded.
	dup := *started
	require.ErrorIs(t, p.client.PublishEvent(ctx, &dup), projection.ErrAlreadyRecorded)

	completed := &event.Event{
		ExecutionID: id,
		Kind:        event.KindStepCompleted,
		StepName:    "fetch",
		Attempt:     1,
		Payload:     mustEncode(t, event.StepCompleted{Result: map[string]any{"ok": true}}),
	}
	require.NoError(t, p.client.PublishEvent(ctx, completed))

	dupDone := *completed
	require.ErrorIs(t, p.client.PublishEvent(ctx, &dupDone), projection.ErrAlreadyRecorded)

	// After cancellation the log admits no further step events.
	require.NoError(t, p.client.Cancel(ctx, id, "shutdown"))
	late := &event.Event{
		ExecutionID: id,
		Kind:        event.KindStepFailed,
		StepName:    "fetch",
		Attempt:     1,
		Payload:     mustEncode(t, event.StepFailed{Reason: "tool_error", Error: "late"}),
	}
	require.ErrorIs(t, p.client.PublishEvent(ctx, late), projection.ErrExecutionDone)
}

func TestPublishEventUnknownExecution(t *testing.T) {
	p := newTestPlane(t)

	e := &event.Event{
		ExecutionID: 99,
		Kind:        event.KindStepStarted,
		StepName:    "fetch",
		Attempt:     1,
	}
	require.ErrorIs(t, p.client.PublishEvent(context.Background(), e), event.ErrNotFound)
}

func TestCredentialRoundTrip(t *testing.T) {
	p := newTestPlane(t)
	ctx := context.Background()

	payload := json.RawMessage(`{"user":"svc","password":"hunter2"}`)
	require.NoError(t, p.client.PutCredential(ctx, "pg_main", "postgres", payload))

	cred, err := p.client.Credential(ctx, "pg_main")
	require.NoError(t, err)
	assert.Equal(t, "pg_main", cred.Name)
	assert.Equal(t, "postgres", cred.Kind)
	assert.JSONEq(t, string(payload), string(cred.Payload))

	_, err = p.client.Credential(ctx, "absent")
	require.ErrorIs(t, err, catalog.ErrCredentialNotFound)
}

// enqueue appends a step_enqueued event at the log head, standing in for a
// broker tick.
func enqueue(t *testing.T, log event.Log, id int64, step string, attempt int) {
	t.Helper()
	ctx := context.Background()
	events, err := log.Read(ctx, id, 0)
	require.NoError(t, err)
	payload, err := event.Encode(event.StepEnqueued{Tool: "noop", Capability: "cpu"})
	require.NoError(t, err)
	require.NoError(t, log.Append(ctx, event.Event{
		ExecutionID: id,
		Seq:         int64(len(events)),
		Timestamp:   time.Now().UTC(),
		Kind:        event.KindStepEnqueued,
		StepName:    step,
		Attempt:     attempt,
		Payload:     payload,
	}))
}

func mustEncode(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := event.Encode(v)
	require.NoError(t, err)
	return raw
}
