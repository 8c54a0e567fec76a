package template

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testScope() *Scope {
	return NewScope().
		WithWorkload(map[string]any{"env": "prod", "region": "us east 1", "count": 3}).
		WithVars(map[string]any{"prefix": "job"}).
		WithStepResult("fetch", map[string]any{"rows": []any{"a", "b"}, "total": 2}, "completed", "")
}

func TestResolveSoleExpressionKeepsType(t *testing.T) {
	s := testScope()

	v, err := ResolveString("{{ workload.count }}", s)
	require.NoError(t, err)
	require.Equal(t, 3, v)

	v, err = ResolveString("{{ workload.count > 1 }}", s)
	require.NoError(t, err)
	require.Equal(t, true, v)

	v, err = ResolveString("{{ fetch.rows }}", s)
	require.NoError(t, err)
	require.Equal(t, []any{"a", "b"}, v)
}

func TestResolveInterpolation(t *testing.T) {
	s := testScope()
	v, err := ResolveString("{{ vars.prefix }}-{{ workload.env }}-{{ workload.count }}", s)
	require.NoError(t, err)
	require.Equal(t, "job-prod-3", v)
}

func TestResolveStepResultProxy(t *testing.T) {
	s := testScope()

	// Plain access unwraps to the primary data payload.
	v, err := ResolveString("{{ fetch }}", s)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"rows": []any{"a", "b"}, "total": 2}, v)

	// Field access descends into the payload.
	v, err = ResolveString("{{ fetch.total }}", s)
	require.NoError(t, err)
	require.Equal(t, 2, v)

	// Envelope keys stay reachable.
	v, err = ResolveString("{{ fetch.status }}", s)
	require.NoError(t, err)
	require.Equal(t, "completed", v)
	v, err = ResolveString("{{ fetch.data.total }}", s)
	require.NoError(t, err)
	require.Equal(t, 2, v)
}

func TestResolveUnresolvedReference(t *testing.T) {
	s := testScope()
	_, err := ResolveString("{{ missing.field }}", s)
	var unresolved *UnresolvedError
	require.ErrorAs(t, err, &unresolved)
	require.Equal(t, "missing.field", unresolved.Path)

	// default suppresses the failure.
	v, err := ResolveString("{{ missing | default('fallback') }}", s)
	require.NoError(t, err)
	require.Equal(t, "fallback", v)

	// Only the root name is strict: a missing field under a present root
	// resolves to nil, like an absent map key.
	v, err = ResolveString("{{ workload.missing_field }}", s)
	require.NoError(t, err)
	require.Nil(t, v)
}

func TestResolveFilters(t *testing.T) {
	s := testScope()

	v, err := ResolveString("{{ fetch.rows | join(',') }}", s)
	require.NoError(t, err)
	require.Equal(t, "a,b", v)

	v, err = ResolveString("{{ workload.env | upper() }}", s)
	require.NoError(t, err)
	require.Equal(t, "PROD", v)

	v, err = ResolveString("{{ fetch.rows | length() }}", s)
	require.NoError(t, err)
	require.Equal(t, 2, v)

	v, err = ResolveString("{{ fetch | to_json() }}", s)
	require.NoError(t, err)
	require.JSONEq(t, `{"rows":["a","b"],"total":2}`, v.(string))

	v, err = ResolveString("{{ workload | keys() }}", s)
	require.NoError(t, err)
	require.Equal(t, []any{"count", "env", "region"}, v)
}

func TestResolveWalksStructures(t *testing.T) {
	s := testScope()
	in := map[string]any{
		"url":    "https://api/{{ workload.env }}/items",
		"params": map[string]any{"limit": "{{ workload.count }}"},
		"tags":   []any{"{{ vars.prefix }}", "static"},
		"n":      7,
	}
	out, err := Resolve(in, s)
	require.NoError(t, err)
	require.Equal(t, map[string]any{
		"url":    "https://api/prod/items",
		"params": map[string]any{"limit": 3},
		"tags":   []any{"job", "static"},
		"n":      7,
	}, out)
}

func TestResolveDeferredSecrets(t *testing.T) {
	s := testScope()
	in := map[string]any{
		"dsn":  "{{ secret.pg.dsn }}",
		"name": "{{ workload.env }}-db",
		"auth": "user={{ secret.pg.user }} env={{ workload.env }}",
	}
	out, err := Resolve(in, s, WithDeferredPrefixes(KeySecret))
	require.NoError(t, err)
	require.Equal(t, map[string]any{
		"dsn":  "{{ secret.pg.dsn }}",
		"name": "prod-db",
		"auth": "user={{ secret.pg.user }} env=prod",
	}, out)

	// Second pass with secrets bound completes the render.
	s2 := testScope().WithSecrets(map[string]any{
		"pg": map[string]any{"dsn": "postgres://db", "user": "etl"},
	})
	out, err = Resolve(out, s2)
	require.NoError(t, err)
	require.Equal(t, "postgres://db", out.(map[string]any)["dsn"])
	require.Equal(t, "user=etl env=prod", out.(map[string]any)["auth"])
}

func TestResolveErrors(t *testing.T) {
	s := testScope()
	_, err := ResolveString("{{ workload.env", s)
	require.ErrorIs(t, err, ErrUnbalanced)

	_, err = ResolveString("{{ }}", s)
	require.Error(t, err)
}

func TestLooseEqual(t *testing.T) {
	require.True(t, LooseEqual(" prod ", "prod"))
	require.True(t, LooseEqual("3", 3))
	require.True(t, LooseEqual(3.0, "3.0"))
	require.True(t, LooseEqual(nil, nil))
	require.False(t, LooseEqual(nil, "x"))
	require.False(t, LooseEqual("3", "4"))
	require.True(t, LooseEqual(true, "true"))
}

func TestResolveLooseEqualityOperators(t *testing.T) {
	s := NewScope().WithWorkload(map[string]any{"env": " prod ", "n": "3"})

	v, err := ResolveString("{{ workload.env == 'prod' }}", s)
	require.NoError(t, err)
	require.Equal(t, true, v)

	v, err = ResolveString("{{ workload.n == 3 }}", s)
	require.NoError(t, err)
	require.Equal(t, true, v)

	v, err = ResolveString("{{ workload.n != 4 }}", s)
	require.NoError(t, err)
	require.Equal(t, true, v)
}

func TestEvaluateCondition(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"prod == prod", true},
		{"prod == staging", false},
		{"3 == 3.0", true},
		{"3 < 10", true},
		{"10 <= 9", false},
		{"abc < abd", true},
		{"prod == prod and 1 == 1", true},
		{"prod == staging or 2 > 1", true},
		{"not (prod == staging)", true},
		{"true", true},
		{"false", false},
		{"", false},
		{"0", false},
		{"null", false},
		{"something", true},
		{"'us east 1' == us east 1", true},
		{"(1 == 2 or 3 == 3) and yes", true},
	}
	for _, tc := range cases {
		got, err := EvaluateCondition(tc.in)
		require.NoError(t, err, tc.in)
		require.Equal(t, tc.want, got, tc.in)
	}
}

func TestEvaluateWhen(t *testing.T) {
	s := testScope()

	ok, err := EvaluateWhen("{{ workload.env }} == prod", s)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = EvaluateWhen("{{ workload.count > 5 }}", s)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = EvaluateWhen("{{ fetch.total }} >= 2", s)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = EvaluateWhen("{{ nope }} == 1", s)
	var unresolved *UnresolvedError
	require.ErrorAs(t, err, &unresolved)
}

func TestStringify(t *testing.T) {
	require.Equal(t, "", Stringify(nil))
	require.Equal(t, "3.5", Stringify(3.5))
	require.Equal(t, "true", Stringify(true))
	require.Equal(t, `["a","b"]`, Stringify([]any{"a", "b"}))
	require.Equal(t, `{"k":1}`, Stringify(map[string]any{"k": 1}))
}
