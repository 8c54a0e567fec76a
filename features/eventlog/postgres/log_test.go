package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"noetl.io/noetl/runtime/event"
)

// startPostgres launches a disposable Postgres and returns its DSN. Tests
// skip when Docker is unavailable.
func startPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	var (
		container testcontainers.Container
		err       error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("docker not available: %v", r)
			}
		}()
		container, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "postgres:16-alpine",
				ExposedPorts: []string{"5432/tcp"},
				Env: map[string]string{
					"POSTGRES_USER":     "noetl",
					"POSTGRES_PASSWORD": "noetl",
					"POSTGRES_DB":       "noetl",
				},
				WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
				Tmpfs:      map[string]string{"/var/lib/postgresql/data": "rw"},
			},
			Started: true,
		})
	}()
	if err != nil {
		t.Skipf("docker not available: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)
	return fmt.Sprintf("postgres://noetl:noetl@%s:%s/noetl?sslmode=disable", host, port.Port())
}

func newTestLog(t *testing.T) *Log {
	t.Helper()
	log, err := New(context.Background(), Config{DSN: startPostgres(t)})
	require.NoError(t, err)
	t.Cleanup(log.Close)
	return log
}

func mkEvent(id, seq int64, kind event.Kind, step string, attempt int) event.Event {
	return event.Event{
		ExecutionID: id,
		Seq:         seq,
		Timestamp:   time.Now().UTC(),
		Kind:        kind,
		StepName:    step,
		Attempt:     attempt,
	}
}

func TestAppendGuards(t *testing.T) {
	log := newTestLog(t)
	ctx := context.Background()

	id, err := log.AllocateExecutionID(ctx)
	require.NoError(t, err)
	require.Positive(t, id)

	require.NoError(t, log.Append(ctx, mkEvent(id, 0, event.KindExecutionStarted, "", 0)))
	require.NoError(t, log.Append(ctx, mkEvent(id, 1, event.KindStepEnqueued, "fetch", 1)))

	// Sequence CAS: the slot is taken.
	err = log.Append(ctx, mkEvent(id, 1, event.KindStepStarted, "fetch", 1))
	require.ErrorIs(t, err, event.ErrConflict)
	var conflict *event.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, int64(2), conflict.CurrentSeq)

	require.NoError(t, log.Append(ctx, mkEvent(id, 2, event.KindStepStarted, "fetch", 1)))
	require.NoError(t, log.Append(ctx, mkEvent(id, 3, event.KindStepCompleted, "fetch", 1)))

	// Tuple idempotency: a second terminal for the attempt is rejected.
	err = log.Append(ctx, mkEvent(id, 4, event.KindStepFailed, "fetch", 1))
	require.ErrorIs(t, err, event.ErrDuplicateTerminal)

	require.NoError(t, log.Append(ctx, mkEvent(id, 4, event.KindExecutionCompleted, "", 0)))

	// Terminal fence: nothing may follow.
	err = log.Append(ctx, mkEvent(id, 5, event.KindStepEnqueued, "late", 1))
	require.ErrorIs(t, err, event.ErrTerminal)
}

func TestReadAndListings(t *testing.T) {
	log := newTestLog(t)
	ctx := context.Background()

	_, err := log.Read(ctx, 404, 0)
	require.ErrorIs(t, err, event.ErrNotFound)

	a, err := log.AllocateExecutionID(ctx)
	require.NoError(t, err)
	b, err := log.AllocateExecutionID(ctx)
	require.NoError(t, err)
	require.Greater(t, b, a)

	require.NoError(t, log.Append(ctx, mkEvent(a, 0, event.KindExecutionStarted, "", 0)))
	require.NoError(t, log.Append(ctx, mkEvent(a, 1, event.KindExecutionCompleted, "", 0)))
	require.NoError(t, log.Append(ctx, mkEvent(b, 0, event.KindExecutionStarted, "", 0)))

	events, err := log.Read(ctx, a, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, event.KindExecutionStarted, events[0].Kind)
	assert.Equal(t, int64(1), events[1].Seq)

	tail, err := log.Read(ctx, a, 1)
	require.NoError(t, err)
	require.Len(t, tail, 1)

	beyond, err := log.Read(ctx, a, 10)
	require.NoError(t, err)
	assert.Empty(t, beyond)

	live, err := log.LiveExecutions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{b}, live)

	all, err := log.Executions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{a, b}, all)
}

func TestPayloadRoundTrip(t *testing.T) {
	log := newTestLog(t)
	ctx := context.Background()

	id, err := log.AllocateExecutionID(ctx)
	require.NoError(t, err)

	payload, err := event.Encode(event.ExecutionStarted{
		PlaybookPath: "tests/pg",
		Workload:     map[string]any{"city": "Oslo"},
	})
	require.NoError(t, err)
	e := mkEvent(id, 0, event.KindExecutionStarted, "", 0)
	e.Payload = payload
	require.NoError(t, log.Append(ctx, e))

	events, err := log.Read(ctx, id, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	started, err := event.Decode[event.ExecutionStarted](events[0])
	require.NoError(t, err)
	assert.Equal(t, "tests/pg", started.PlaybookPath)
	assert.Equal(t, "Oslo", started.Workload["city"])
}
