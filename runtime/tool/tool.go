// Package tool defines the adapter interface between the worker and the
// systems a step acts on. Adapters receive fully rendered spec and args
// (including the worker-side second pass over secret references) and return
// a result payload that becomes the step's recorded result.
package tool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"noetl.io/noetl/runtime/event"
)

// ErrUnknownTool is returned when no adapter is registered for a kind.
var ErrUnknownTool = errors.New("tool: unknown tool kind")

type (
	// ExecRequest carries everything an adapter needs for one attempt.
	ExecRequest struct {
		// ExecutionID and StepName identify the attempt for logging.
		ExecutionID int64
		StepName    string
		// Attempt is 1-based.
		Attempt int
		// Spec is the rendered tool configuration.
		Spec map[string]any
		// Args is the rendered tool input.
		Args map[string]any
		// Workload, Vars and Item snapshot the scope the job was built
		// from. Most adapters ignore them; shell exposes them as env.
		Workload map[string]any
		Vars     map[string]any
		Item     any
		// Progress, when non-nil, receives advisory progress payloads.
		// The worker throttles and records them as step_progress events.
		Progress ProgressSink
	}

	// Result is a successful tool execution.
	Result struct {
		// Data is the payload recorded as the step result.
		Data any
	}

	// ProgressSink receives advisory progress from long-running adapters.
	ProgressSink func(data any)

	// Tool executes one kind of step.
	Tool interface {
		// Kind is the tool identifier steps reference.
		Kind() string
		// Capability is the default routing tag for jobs of this kind,
		// used when the step spec does not set one.
		Capability() string
		// RequiredSecrets lists the credential aliases the adapter needs
		// resolved before Execute, given the unrendered spec.
		RequiredSecrets(spec map[string]any) []string
		// Execute runs the attempt. The context carries the step timeout.
		Execute(ctx context.Context, req *ExecRequest) (*Result, error)
	}

	// Error classifies a tool failure for the retry policy.
	Error struct {
		// Reason is one of the step failure reasons.
		Reason string
		// Retryable marks failures worth re-attempting.
		Retryable bool
		// Err is the underlying cause.
		Err error
	}

	// Registry maps tool kinds to adapters.
	Registry struct {
		mu    sync.RWMutex
		tools map[string]Tool
	}
)

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Err.Error())
}

// Unwrap exposes the cause.
func (e *Error) Unwrap() error { return e.Err }

// Errorf builds a classified tool error.
func Errorf(reason string, retryable bool, format string, args ...any) *Error {
	return &Error{Reason: reason, Retryable: retryable, Err: fmt.Errorf(format, args...)}
}

// Classify maps an execution error to a failure reason and retry hint.
// Classified errors keep their own verdict, context expiry is a retryable
// timeout, everything else is a non-retryable tool error.
func Classify(err error) (reason string, retryable bool) {
	var te *Error
	if errors.As(err, &te) {
		return te.Reason, te.Retryable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return event.ReasonTimeout, true
	}
	return event.ReasonToolError, false
}

// NewRegistry constructs an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Builtin constructs a registry with the builtin adapters: noop, shell,
// http and postgres.
func Builtin() *Registry {
	r := NewRegistry()
	r.Register(Noop{})
	r.Register(&Shell{})
	r.Register(NewHTTP())
	r.Register(&Postgres{})
	return r
}

// Register adds or replaces the adapter for its kind.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Kind()] = t
}

// Lookup returns the adapter for kind, or ErrUnknownTool.
func (r *Registry) Lookup(kind string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, kind)
	}
	return t, nil
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.tools))
	for k := range r.tools {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
