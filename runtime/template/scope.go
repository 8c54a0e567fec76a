// Package template renders the {{...}} expressions playbooks embed in step
// arguments, tool specs and transition conditions.
//
// Expressions are evaluated against a hierarchical scope: workload, vars,
// one entry per completed step (a result view whose plain access yields the
// step's primary data payload), the current iterator item, and worker-side
// secrets. A scalar that consists of exactly one expression keeps the
// expression's native type; expressions interpolated into surrounding text
// are stringified. Missing references fail resolution unless the expression
// pipes through default.
package template

import "maps"

// Well-known scope keys.
const (
	KeyWorkload  = "workload"
	KeyVars      = "vars"
	KeyItem      = "item"
	KeyLoopIndex = "loop_index"
	KeySecret    = "secret"
	KeyEnv       = "env"
	KeyError     = "error"
)

type (
	// Scope is the named-value environment an expression evaluates against.
	// Scopes are cheap to clone; derived scopes never mutate their parent.
	Scope struct {
		vals map[string]any
	}

	// resultView exposes a step result to expressions. Field access reaches
	// the envelope keys (data, error, status) and the keys of the data
	// payload; plain access unwraps to the data payload.
	resultView map[string]any
)

// NewScope creates an empty scope.
func NewScope() *Scope {
	return &Scope{vals: make(map[string]any)}
}

// Clone returns an independent copy of the scope.
func (s *Scope) Clone() *Scope {
	return &Scope{vals: maps.Clone(s.vals)}
}

// Set binds a top-level name. It returns the scope for chaining.
func (s *Scope) Set(key string, v any) *Scope {
	s.vals[key] = v
	return s
}

// Get returns the binding for a top-level name.
func (s *Scope) Get(key string) (any, bool) {
	v, ok := s.vals[key]
	return v, ok
}

// Env returns the evaluation environment. The returned map is shared; do
// not mutate it.
func (s *Scope) Env() map[string]any { return s.vals }

// WithWorkload binds the execution workload.
func (s *Scope) WithWorkload(w map[string]any) *Scope { return s.Set(KeyWorkload, w) }

// WithVars binds the rendered playbook vars.
func (s *Scope) WithVars(v map[string]any) *Scope { return s.Set(KeyVars, v) }

// WithItem binds the iterator element and its zero-based index.
func (s *Scope) WithItem(item any, index int) *Scope {
	return s.Set(KeyItem, item).Set(KeyLoopIndex, index)
}

// WithSecrets binds resolved credential payloads under secret.*.
func (s *Scope) WithSecrets(secrets map[string]any) *Scope { return s.Set(KeySecret, secrets) }

// WithStepResult binds a completed step's result view under the step name.
// Plain access ({{ step }}) yields data; field access reaches the data keys
// and the data/error/status envelope.
func (s *Scope) WithStepResult(step string, data any, status, errMsg string) *Scope {
	return s.Set(step, newResultView(data, status, errMsg))
}

func newResultView(data any, status, errMsg string) resultView {
	view := make(resultView)
	if m, ok := data.(map[string]any); ok {
		for k, v := range m {
			view[k] = v
		}
	}
	// Envelope keys win over same-named data keys; nested payload fields
	// stay reachable through .data. error is an empty string rather than
	// nil so references to it resolve and stay falsy in conditions.
	view["data"] = data
	view["status"] = status
	view["error"] = errMsg
	return view
}

// unwrap returns the primary payload of result views and passes every other
// value through.
func unwrap(v any) any {
	if rv, ok := v.(resultView); ok {
		return rv["data"]
	}
	return v
}
