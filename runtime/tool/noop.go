package tool

import (
	"context"

	"noetl.io/noetl/runtime/playbook"
)

// Noop echoes its args back as the step result. Playbooks use it for
// routing-only steps and tests use it as a predictable leaf.
type Noop struct{}

// Kind implements Tool.
func (Noop) Kind() string { return playbook.ToolNoop }

// Capability implements Tool.
func (Noop) Capability() string { return playbook.DefaultCapability }

// RequiredSecrets implements Tool.
func (Noop) RequiredSecrets(map[string]any) []string { return nil }

// Execute returns the rendered args unchanged, or nil when there are none.
func (Noop) Execute(_ context.Context, req *ExecRequest) (*Result, error) {
	if len(req.Args) == 0 {
		return &Result{}, nil
	}
	return &Result{Data: req.Args}, nil
}
