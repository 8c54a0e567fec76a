// Package playbook defines the declarative workflow document executed by the
// NoETL execution plane.
//
// A playbook is a YAML document describing a directed graph of steps. Each
// step invokes a tool with templated arguments and routes control to
// successor steps through case rules or an unconditional next list. Decode
// parses and normalizes the document; Validate checks it against the embedded
// JSON schema and the semantic rules the interpreter relies on (unique step
// names, resolvable successor references, at most one of case/next, acyclic
// transitions).
package playbook

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// APIVersion is the playbook document version this runtime executes.
const APIVersion = "noetl.io/v2"

// KindPlaybook is the only document kind accepted by Decode.
const KindPlaybook = "Playbook"

// Tool kinds understood by the execution plane. The interpreter handles
// iterator and playbook steps itself; every other kind is routed to a worker
// that resolves the adapter through its tool registry.
const (
	ToolShell     = "shell"
	ToolHTTP      = "http"
	ToolPostgres  = "postgres"
	ToolDuckDB    = "duckdb"
	ToolSnowflake = "snowflake"
	ToolPython    = "python"
	ToolIterator  = "iterator"
	ToolPlaybook  = "playbook"
	ToolTransfer  = "transfer"
	ToolRhai      = "rhai"
	ToolNoop      = "noop"
)

// DefaultCapability is the capability tag assigned to jobs whose tool spec
// does not request a specific worker pool.
const DefaultCapability = "cpu"

type (
	// Playbook is an immutable workflow document registered in the catalog
	// under (metadata.path, version).
	Playbook struct {
		// APIVersion is the document format version (noetl.io/v2).
		APIVersion string `yaml:"apiVersion"`
		// Kind is always "Playbook".
		Kind string `yaml:"kind"`
		// Metadata names and addresses the playbook.
		Metadata Metadata `yaml:"metadata"`
		// Executor hints where executions should run.
		Executor Executor `yaml:"executor"`
		// Workload holds default inputs merged with the caller payload at
		// execution start.
		Workload map[string]any `yaml:"workload"`
		// Vars are static values rendered once against the workload when the
		// execution starts and exposed as vars.* to every step.
		Vars map[string]any `yaml:"vars"`
		// Credentials maps credential aliases to catalog credential names.
		Credentials map[string]string `yaml:"credentials"`
		// Workflow is the ordered list of step definitions.
		Workflow []Step `yaml:"workflow"`
	}

	// Metadata identifies a playbook in the catalog.
	Metadata struct {
		// Name is the human-readable playbook name.
		Name string `yaml:"name"`
		// Path is the catalog address, unique per version.
		Path string `yaml:"path"`
	}

	// Executor hints at the runtime profile for executions of this playbook.
	Executor struct {
		// Profile is "local" or "distributed". Empty means distributed.
		Profile string `yaml:"profile"`
		// Version pins a minimum runtime version. Informational.
		Version string `yaml:"version"`
	}

	// Step is one node of the workflow graph.
	//
	// Tool-specific fields appear inline in the YAML mapping alongside the
	// fields below; Decode collects them into Spec verbatim. Templates inside
	// Spec and Args are resolved by the broker immediately before the step is
	// enqueued, except fragments rooted at secret.* which workers resolve.
	Step struct {
		// Name is unique within the playbook.
		Name string
		// Desc is an optional human-readable description.
		Desc string
		// Tool is the tool kind. Empty defaults to noop.
		Tool string
		// Spec holds the tool-specific fields of the step mapping.
		Spec map[string]any
		// Args are template-evaluated inputs passed to the tool.
		Args map[string]any
		// Save optionally persists the step result to external storage.
		Save *Save
		// Case is the ordered list of conditional transitions. Mutually
		// exclusive with Next.
		Case []CaseRule
		// Next is the unconditional successor list. Mutually exclusive with
		// Case. A step with neither is terminal.
		Next []Target
		// Retry controls re-execution after failures.
		Retry *Retry
		// TimeoutSeconds fails the step if no terminal event arrives within
		// the window after step_started. Zero means no step timeout.
		TimeoutSeconds float64
		// OnError is "fail" (default) or "continue". Continue routes a failed
		// step through its successor selection instead of failing the
		// execution.
		OnError string
		// OnFailure names a handler step flushed before the execution fails.
		OnFailure string
		// Credentials overrides playbook-level credential bindings for this
		// step.
		Credentials map[string]string
	}

	// Target references a successor step.
	Target struct {
		// Step is the successor step name.
		Step string `yaml:"step"`
	}

	// CaseRule is one conditional transition. A rule carries either When+Then
	// or Else; the first rule whose rendered When is truthy selects Then, and
	// the trailing Else rule applies when no When matched.
	CaseRule struct {
		// When is a template expression evaluated against the step scope.
		When string `yaml:"when"`
		// Then lists the successors selected when When is truthy.
		Then []Target `yaml:"then"`
		// Else lists the successors selected when no rule matched.
		Else []Target `yaml:"else"`
	}

	// Retry is the per-step retry policy. Max counts attempts, not retries:
	// max 3 allows three executions of the step in total.
	Retry struct {
		// Max is the maximum number of attempts.
		Max int `yaml:"max"`
		// BackoffSeconds is the base delay before attempt N+1. The delay
		// doubles with every failed attempt.
		BackoffSeconds float64 `yaml:"backoff_seconds"`
	}

	// Save describes result persistence for a step. Storage selects a Saver
	// implementation on the worker; the remaining fields of the mapping are
	// passed through as the saver spec after template resolution.
	Save struct {
		// Storage is the saver kind (for example postgres).
		Storage string
		// Spec holds the storage-specific fields.
		Spec map[string]any
	}
)

// Timeout returns the step timeout as a duration, zero when unset.
func (s *Step) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds * float64(time.Second))
}

// Terminal reports whether the step has no outgoing transitions.
func (s *Step) Terminal() bool {
	return len(s.Case) == 0 && len(s.Next) == 0
}

// ToolKind returns the effective tool kind, defaulting to noop.
func (s *Step) ToolKind() string {
	if s.Tool == "" {
		return ToolNoop
	}
	return s.Tool
}

// Capability returns the worker capability tag for this step. The tool spec
// may request a pool through the capability field; everything else runs on
// the default pool.
func (s *Step) Capability() string {
	if v, ok := s.Spec["capability"].(string); ok && v != "" {
		return v
	}
	return DefaultCapability
}

// BackoffDelay returns the delay before the given attempt (1-based). Attempt
// 1 runs immediately; attempt N waits base*2^(N-2).
func (r *Retry) BackoffDelay(attempt int) time.Duration {
	if r == nil || attempt <= 1 || r.BackoffSeconds <= 0 {
		return 0
	}
	d := time.Duration(r.BackoffSeconds * float64(time.Second))
	for i := 2; i < attempt; i++ {
		d *= 2
	}
	return d
}

// Step returns the step definition with the given name.
func (p *Playbook) Step(name string) (*Step, bool) {
	for i := range p.Workflow {
		if p.Workflow[i].Name == name {
			return &p.Workflow[i], true
		}
	}
	return nil, false
}

// EntryStep returns the step executions begin with: the step named "start",
// or the first workflow step when none is.
func (p *Playbook) EntryStep() *Step {
	if s, ok := p.Step("start"); ok {
		return s
	}
	if len(p.Workflow) == 0 {
		return nil
	}
	return &p.Workflow[0]
}

type (
	// IteratorSpec is the typed view of an iterator step's tool spec.
	IteratorSpec struct {
		// Collection is a template or literal list fanned across.
		Collection any
		// Mode is sequential, async or parallel.
		Mode string
		// Concurrency bounds in-flight children in parallel mode.
		Concurrency int
		// Task is the step definition executed once per element with item
		// and loop_index bound in scope.
		Task *Step
		// ContinueOnError keeps iterating past failed children.
		ContinueOnError bool
	}

	// PlaybookSpec is the typed view of a sub-playbook step's tool spec.
	PlaybookSpec struct {
		// Path addresses the child playbook in the catalog. Template allowed.
		Path string
		// Version pins a catalog version. Empty selects the latest.
		Version string
	}
)

// Iterator modes.
const (
	ModeSequential = "sequential"
	ModeAsync      = "async"
	ModeParallel   = "parallel"
)

// Iterator decodes the iterator substructure of the step spec. It returns an
// error when the step is not an iterator or the spec is malformed.
func (s *Step) Iterator() (*IteratorSpec, error) {
	if s.ToolKind() != ToolIterator {
		return nil, fmt.Errorf("step %q: not an iterator", s.Name)
	}
	it := &IteratorSpec{Mode: ModeSequential}
	it.Collection = s.Spec["collection"]
	if it.Collection == nil {
		return nil, fmt.Errorf("step %q: iterator requires a collection", s.Name)
	}
	if v, ok := s.Spec["mode"].(string); ok && v != "" {
		it.Mode = v
	}
	switch it.Mode {
	case ModeSequential, ModeAsync, ModeParallel:
	default:
		return nil, fmt.Errorf("step %q: unknown iterator mode %q", s.Name, it.Mode)
	}
	if v, ok := asInt(s.Spec["concurrency"]); ok {
		it.Concurrency = v
	}
	if it.Mode == ModeParallel && it.Concurrency <= 0 {
		return nil, fmt.Errorf("step %q: parallel iterator requires concurrency > 0", s.Name)
	}
	if v, ok := s.Spec["continue_on_error"].(bool); ok {
		it.ContinueOnError = v
	}
	raw, ok := s.Spec["task"]
	if !ok {
		return nil, fmt.Errorf("step %q: iterator requires a task", s.Name)
	}
	task, err := decodeSubStep(raw)
	if err != nil {
		return nil, fmt.Errorf("step %q: iterator task: %w", s.Name, err)
	}
	switch task.ToolKind() {
	case ToolIterator, ToolPlaybook:
		return nil, fmt.Errorf("step %q: iterator task cannot be %s", s.Name, task.ToolKind())
	}
	if task.Name == "" {
		task.Name = s.Name
	}
	it.Task = task
	return it, nil
}

// SubPlaybook decodes the sub-playbook substructure of the step spec.
func (s *Step) SubPlaybook() (*PlaybookSpec, error) {
	if s.ToolKind() != ToolPlaybook {
		return nil, fmt.Errorf("step %q: not a playbook step", s.Name)
	}
	ps := &PlaybookSpec{}
	if v, ok := s.Spec["path"].(string); ok {
		ps.Path = v
	}
	if ps.Path == "" {
		return nil, fmt.Errorf("step %q: playbook step requires a path", s.Name)
	}
	if v, ok := s.Spec["version"].(string); ok {
		ps.Version = v
	}
	return ps, nil
}

// decodeSubStep decodes a nested step definition (an iterator task) from the
// raw mapping produced by the YAML decoder.
func decodeSubStep(raw any) (*Step, error) {
	buf, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode task: %w", err)
	}
	var st Step
	if err := yaml.Unmarshal(buf, &st); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &st, nil
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
