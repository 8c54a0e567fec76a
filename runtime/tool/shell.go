package tool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"noetl.io/noetl/runtime/event"
	"noetl.io/noetl/runtime/playbook"
	"noetl.io/noetl/runtime/template"
)

// Shell runs a command through the system shell. The spec's command field
// is required; env and cwd are optional. Rendered args are exported to the
// child process as NOETL_ARG_<NAME> variables.
type Shell struct{}

// Kind implements Tool.
func (*Shell) Kind() string { return playbook.ToolShell }

// Capability implements Tool.
func (*Shell) Capability() string { return playbook.DefaultCapability }

// RequiredSecrets implements Tool.
func (*Shell) RequiredSecrets(map[string]any) []string { return nil }

// Execute runs spec.command under sh -c and captures exit code, stdout and
// stderr. A non-zero exit is a non-retryable tool error; the captured
// output still lands in the error detail.
func (*Shell) Execute(ctx context.Context, req *ExecRequest) (*Result, error) {
	command, _ := req.Spec["command"].(string)
	if command == "" {
		return nil, Errorf(event.ReasonToolError, false, "shell: spec.command is required")
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	if cwd, ok := req.Spec["cwd"].(string); ok && cwd != "" {
		cmd.Dir = cwd
	}
	cmd.Env = shellEnv(req)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exit *exec.ExitError
		switch {
		case errors.As(err, &exit):
			exitCode = exit.ExitCode()
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			return nil, Errorf(event.ReasonToolError, false, "shell: %v", err)
		}
	}

	data := map[string]any{
		"exit_code": exitCode,
		"stdout":    strings.TrimRight(stdout.String(), "\n"),
		"stderr":    strings.TrimRight(stderr.String(), "\n"),
	}
	if exitCode != 0 {
		return nil, Errorf(event.ReasonToolError, false,
			"shell: exit %d: %s", exitCode, strings.TrimSpace(stderr.String()))
	}
	return &Result{Data: data}, nil
}

// shellEnv builds the child environment: the worker's own environment, any
// spec.env entries, and the rendered args as NOETL_ARG_* variables.
func shellEnv(req *ExecRequest) []string {
	env := os.Environ()
	if extra, ok := req.Spec["env"].(map[string]any); ok {
		for k, v := range extra {
			env = append(env, fmt.Sprintf("%s=%s", k, template.Stringify(v)))
		}
	}
	for k, v := range req.Args {
		name := "NOETL_ARG_" + strings.ToUpper(strings.ReplaceAll(k, "-", "_"))
		env = append(env, fmt.Sprintf("%s=%s", name, template.Stringify(v)))
	}
	return env
}
