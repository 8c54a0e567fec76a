package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"noetl.io/noetl/runtime/catalog"
	"noetl.io/noetl/runtime/playbook"
)

func TestExitCode(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"validation", &playbook.ValidationError{Issues: []string{"bad"}}, exitValidation},
		{"not found", fmt.Errorf("lookup: %w", catalog.ErrNotFound), exitNotFound},
		{"connection", &url.Error{Op: "Post", URL: "http://localhost:1", Err: errors.New("refused")}, exitConnection},
		{"usage", fmt.Errorf("%w: missing argument", errUsage), exitValidation},
		{"generic", errors.New("boom"), exitFailure},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, exitCode(tc.err))
		})
	}
}

func TestParsePayload(t *testing.T) {
	payload, err := parsePayload(`{"city":"Oslo"}`)
	require.NoError(t, err)
	assert.Equal(t, "Oslo", payload["city"])

	payload, err = parsePayload("")
	require.NoError(t, err)
	assert.Nil(t, payload)

	file := filepath.Join(t.TempDir(), "payload.json")
	require.NoError(t, os.WriteFile(file, []byte(`{"n":3}`), 0o600))
	payload, err = parsePayload("@" + file)
	require.NoError(t, err)
	assert.Equal(t, float64(3), payload["n"])

	_, err = parsePayload(`[1,2]`)
	require.ErrorIs(t, err, errUsage)
}
