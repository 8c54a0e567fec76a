package inmem

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"noetl.io/noetl/runtime/catalog"
	"noetl.io/noetl/runtime/playbook"
)

func doc(path, extra string) []byte {
	return []byte(fmt.Sprintf(`
apiVersion: noetl.io/v2
kind: Playbook
metadata:
  name: sample
  path: %s
workload:
  note: %q
workflow:
  - step: only
    tool: noop
`, path, extra))
}

func TestRegisterVersions(t *testing.T) {
	ctx := context.Background()
	c := New()

	first, err := c.Register(ctx, doc("etl/load", "v1"))
	require.NoError(t, err)
	assert.Equal(t, "1", first.Version)

	// Re-registering identical content is a no-op.
	again, err := c.Register(ctx, doc("etl/load", "v1"))
	require.NoError(t, err)
	assert.Equal(t, "1", again.Version)
	assert.Equal(t, first.Hash, again.Hash)

	second, err := c.Register(ctx, doc("etl/load", "v2"))
	require.NoError(t, err)
	assert.Equal(t, "2", second.Version)
	assert.NotEqual(t, first.Hash, second.Hash)
}

func TestRegisterRejectsInvalid(t *testing.T) {
	c := New()
	_, err := c.Register(context.Background(), []byte("workflow: {broken"))
	var verr *playbook.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestLookup(t *testing.T) {
	ctx := context.Background()
	c := New()
	_, err := c.Register(ctx, doc("etl/load", "v1"))
	require.NoError(t, err)
	_, err = c.Register(ctx, doc("etl/load", "v2"))
	require.NoError(t, err)

	latest, err := c.Lookup(ctx, "etl/load", "")
	require.NoError(t, err)
	assert.Equal(t, "2", latest.Version)

	pinned, err := c.Lookup(ctx, "etl/load", "1")
	require.NoError(t, err)
	assert.Equal(t, "1", pinned.Version)
	require.NotNil(t, pinned.Playbook)
	assert.Equal(t, "etl/load", pinned.Playbook.Metadata.Path)

	_, err = c.Lookup(ctx, "etl/load", "9")
	require.ErrorIs(t, err, catalog.ErrNotFound)
	_, err = c.Lookup(ctx, "etl/missing", "")
	require.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestListByPrefix(t *testing.T) {
	ctx := context.Background()
	c := New()
	for _, path := range []string{"etl/load", "etl/export", "reports/daily"} {
		_, err := c.Register(ctx, doc(path, "v1"))
		require.NoError(t, err)
	}

	all, err := c.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "etl/export", all[0].Path)

	etl, err := c.List(ctx, "etl/")
	require.NoError(t, err)
	require.Len(t, etl, 2)
}

func TestCredentialRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := New()

	_, err := c.Credential(ctx, "pg_main")
	require.ErrorIs(t, err, catalog.ErrCredentialNotFound)

	payload, _ := json.Marshal(map[string]string{"dsn": "postgres://localhost/app"})
	require.NoError(t, c.PutCredential(ctx, &catalog.Credential{
		Name:    "pg_main",
		Kind:    "postgres",
		Payload: payload,
	}))

	cred, err := c.Credential(ctx, "pg_main")
	require.NoError(t, err)
	assert.Equal(t, "postgres", cred.Kind)
	assert.False(t, cred.CreatedAt.IsZero())
}
