package tool

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"noetl.io/noetl/runtime/event"
)

func TestRegistryLookup(t *testing.T) {
	reg := Builtin()

	tl, err := reg.Lookup("noop")
	require.NoError(t, err)
	assert.Equal(t, "noop", tl.Kind())

	_, err = reg.Lookup("quantum")
	require.ErrorIs(t, err, ErrUnknownTool)

	assert.Equal(t, []string{"http", "noop", "postgres", "shell"}, reg.Kinds())
}

func TestClassify(t *testing.T) {
	reason, retryable := Classify(Errorf(event.ReasonToolError, true, "boom"))
	assert.Equal(t, event.ReasonToolError, reason)
	assert.True(t, retryable)

	reason, retryable = Classify(context.DeadlineExceeded)
	assert.Equal(t, event.ReasonTimeout, reason)
	assert.True(t, retryable)

	reason, retryable = Classify(errors.New("plain"))
	assert.Equal(t, event.ReasonToolError, reason)
	assert.False(t, retryable)
}

func TestNoopEchoesArgs(t *testing.T) {
	res, err := Noop{}.Execute(context.Background(), &ExecRequest{
		Args: map[string]any{"city": "Oslo"},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"city": "Oslo"}, res.Data)

	res, err = Noop{}.Execute(context.Background(), &ExecRequest{})
	require.NoError(t, err)
	assert.Nil(t, res.Data)
}

func TestShellCapturesOutput(t *testing.T) {
	sh := &Shell{}
	res, err := sh.Execute(context.Background(), &ExecRequest{
		Spec: map[string]any{"command": `printf 'hello %s' "$NOETL_ARG_NAME"`},
		Args: map[string]any{"name": "world"},
	})
	require.NoError(t, err)

	data := res.Data.(map[string]any)
	assert.Equal(t, 0, data["exit_code"])
	assert.Equal(t, "hello world", data["stdout"])
}

func TestShellNonZeroExit(t *testing.T) {
	sh := &Shell{}
	_, err := sh.Execute(context.Background(), &ExecRequest{
		Spec: map[string]any{"command": "echo nope >&2; exit 3"},
	})
	require.Error(t, err)

	var te *Error
	require.ErrorAs(t, err, &te)
	assert.False(t, te.Retryable)
	assert.Contains(t, err.Error(), "exit 3")
	assert.Contains(t, err.Error(), "nope")
}

func TestShellMissingCommand(t *testing.T) {
	_, err := (&Shell{}).Execute(context.Background(), &ExecRequest{Spec: map[string]any{}})
	require.Error(t, err)
}

func TestHTTPJSONResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "42", r.URL.Query().Get("id"))
		assert.Equal(t, "token", r.Header.Get("X-Auth"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"temp": 21.5}`))
	}))
	defer srv.Close()

	res, err := NewHTTP().Execute(context.Background(), &ExecRequest{
		Spec: map[string]any{"endpoint": srv.URL, "method": "get"},
		Args: map[string]any{
			"params":  map[string]any{"id": 42},
			"headers": map[string]any{"X-Auth": "token"},
		},
	})
	require.NoError(t, err)

	data := res.Data.(map[string]any)
	assert.Equal(t, 200, data["status_code"])
	assert.Equal(t, map[string]any{"temp": 21.5}, data["data"])
}

func TestHTTPStatusClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/flaky":
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	_, err := NewHTTP().Execute(context.Background(), &ExecRequest{
		Spec: map[string]any{"endpoint": srv.URL + "/flaky"},
	})
	var te *Error
	require.ErrorAs(t, err, &te)
	assert.True(t, te.Retryable, "5xx responses retry")

	_, err = NewHTTP().Execute(context.Background(), &ExecRequest{
		Spec: map[string]any{"endpoint": srv.URL + "/missing"},
	})
	require.ErrorAs(t, err, &te)
	assert.False(t, te.Retryable, "4xx responses do not retry")
}
