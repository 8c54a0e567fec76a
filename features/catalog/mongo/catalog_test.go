package mongo

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"noetl.io/noetl/runtime/catalog"
	"noetl.io/noetl/runtime/playbook"
)

// startMongo launches a disposable MongoDB and returns its URI. Tests skip
// when Docker is unavailable.
func startMongo(t *testing.T) string {
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
				Image:        "mongo:7",
				ExposedPorts: []string{"27017/tcp"},
				WaitingFor:   wait.ForLog("Waiting for connections").WithStartupTimeout(60 * time.Second),
				Tmpfs:        map[string]string{"/data/db": "rw"},
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
	port, err := container.MappedPort(ctx, "27017")
	require.NoError(t, err)
	return fmt.Sprintf("mongodb://%s:%s", host, port.Port())
}

func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	ctx := context.Background()
	cat, err := New(ctx, Config{URI: startMongo(t), Database: "noetl_test"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cat.Close(context.Background()) })
	return cat
}

func doc(path, arg string) string {
	return fmt.Sprintf(`
apiVersion: noetl.io/v2
kind: Playbook
metadata:
  name: sample
  path: %s
workflow:
  - step: only
    tool: noop
    args:
      value: %q
`, path, arg)
}

func TestRegisterVersioning(t *testing.T) {
	cat := newTestCatalog(t)
	ctx := context.Background()

	first, err := cat.Register(ctx, []byte(doc("tests/mongo", "one")))
	require.NoError(t, err)
	assert.Equal(t, "1", first.Version)
	require.NotNil(t, first.Playbook)

	// Identical content is a no-op returning the existing version.
	same, err := cat.Register(ctx, []byte(doc("tests/mongo", "one")))
	require.NoError(t, err)
	assert.Equal(t, "1", same.Version)
	assert.Equal(t, first.Hash, same.Hash)

	second, err := cat.Register(ctx, []byte(doc("tests/mongo", "two")))
	require.NoError(t, err)
	assert.Equal(t, "2", second.Version)
}

func TestRegisterRejectsInvalid(t *testing.T) {
	cat := newTestCatalog(t)

	_, err := cat.Register(context.Background(), []byte("workflow: notalist"))
	var verr *playbook.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestLookupAndList(t *testing.T) {
	cat := newTestCatalog(t)
	ctx := context.Background()

	_, err := cat.Register(ctx, []byte(doc("tests/a", "one")))
	require.NoError(t, err)
	_, err = cat.Register(ctx, []byte(doc("tests/a", "two")))
	require.NoError(t, err)
	_, err = cat.Register(ctx, []byte(doc("tests/b", "one")))
	require.NoError(t, err)
	_, err = cat.Register(ctx, []byte(doc("other/c", "one")))
	require.NoError(t, err)

	latest, err := cat.Lookup(ctx, "tests/a", "")
	require.NoError(t, err)
	assert.Equal(t, "2", latest.Version)

	pinned, err := cat.Lookup(ctx, "tests/a", "1")
	require.NoError(t, err)
	assert.Equal(t, "1", pinned.Version)

	_, err = cat.Lookup(ctx, "tests/a", "9")
	require.ErrorIs(t, err, catalog.ErrNotFound)
	_, err = cat.Lookup(ctx, "tests/missing", "")
	require.ErrorIs(t, err, catalog.ErrNotFound)

	entries, err := cat.List(ctx, "tests/")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "tests/a", entries[0].Path)
	assert.Equal(t, "2", entries[0].Version)
	assert.Equal(t, "tests/b", entries[1].Path)
}

func TestCredentialRoundTrip(t *testing.T) {
	cat := newTestCatalog(t)
	ctx := context.Background()

	payload := json.RawMessage(`{"user":"svc","password":"hunter2"}`)
	require.NoError(t, cat.PutCredential(ctx, &catalog.Credential{
		Name:    "pg_main",
		Kind:    "postgres",
		Payload: payload,
	}))

	cred, err := cat.Credential(ctx, "pg_main")
	require.NoError(t, err)
	assert.Equal(t, "postgres", cred.Kind)
	assert.JSONEq(t, string(payload), string(cred.Payload))

	// Replace is an upsert.
	require.NoError(t, cat.PutCredential(ctx, &catalog.Credential{
		Name:    "pg_main",
		Kind:    "postgres",
		Payload: json.RawMessage(`{"user":"svc2"}`),
	}))
	cred, err = cat.Credential(ctx, "pg_main")
	require.NoError(t, err)
	assert.Contains(t, string(cred.Payload), "svc2")

	_, err = cat.Credential(ctx, "absent")
	require.ErrorIs(t, err, catalog.ErrCredentialNotFound)
}
