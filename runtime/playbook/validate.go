package playbook

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schema.json
var schemaJSON []byte

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		var doc any
		if err := json.Unmarshal(schemaJSON, &doc); err != nil {
			schemaErr = fmt.Errorf("unmarshal playbook schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("playbook.json", doc); err != nil {
			schemaErr = fmt.Errorf("add playbook schema: %w", err)
			return
		}
		schema, schemaErr = c.Compile("playbook.json")
	})
	return schema, schemaErr
}

// validateSchema checks the decoded document against the embedded JSON
// schema. The document is round-tripped through encoding/json first so the
// validator sees canonical JSON value types regardless of what the YAML
// decoder produced. Shape errors are reported as a single validation issue.
func validateSchema(doc any) error {
	s, err := compiledSchema()
	if err != nil {
		return err
	}
	buf, err := json.Marshal(doc)
	if err != nil {
		return &ValidationError{Issues: []string{fmt.Sprintf("encode document: %v", err)}}
	}
	var jsonDoc any
	if err := json.Unmarshal(buf, &jsonDoc); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	if err := s.Validate(jsonDoc); err != nil {
		return &ValidationError{Issues: []string{err.Error()}}
	}
	return nil
}

// Validate applies the semantic rules the interpreter depends on. It returns
// a ValidationError listing every violation.
func (p *Playbook) Validate() error {
	var issues []string
	if p.APIVersion != APIVersion {
		issues = append(issues, fmt.Sprintf("apiVersion must be %q, got %q", APIVersion, p.APIVersion))
	}
	if p.Kind != KindPlaybook {
		issues = append(issues, fmt.Sprintf("kind must be %q, got %q", KindPlaybook, p.Kind))
	}
	if p.Metadata.Path == "" {
		issues = append(issues, "metadata.path is required")
	}
	if len(p.Workflow) == 0 {
		issues = append(issues, "workflow must contain at least one step")
	}

	names := make(map[string]struct{}, len(p.Workflow))
	for i := range p.Workflow {
		st := &p.Workflow[i]
		if st.Name == "" {
			issues = append(issues, fmt.Sprintf("workflow[%d]: step name is required", i))
			continue
		}
		if _, dup := names[st.Name]; dup {
			issues = append(issues, fmt.Sprintf("step %q: duplicate step name", st.Name))
		}
		names[st.Name] = struct{}{}
	}

	for i := range p.Workflow {
		st := &p.Workflow[i]
		issues = append(issues, validateStep(st, names)...)
	}

	if len(issues) == 0 {
		if cycle := p.Graph().findCycle(); cycle != "" {
			issues = append(issues, fmt.Sprintf("workflow contains a cycle through step %q", cycle))
		}
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

func validateStep(st *Step, names map[string]struct{}) []string {
	var issues []string
	switch st.ToolKind() {
	case ToolShell, ToolHTTP, ToolPostgres, ToolDuckDB, ToolSnowflake,
		ToolPython, ToolIterator, ToolPlaybook, ToolTransfer, ToolRhai, ToolNoop:
	default:
		issues = append(issues, fmt.Sprintf("step %q: unknown tool kind %q", st.Name, st.Tool))
	}

	if len(st.Case) > 0 && len(st.Next) > 0 {
		issues = append(issues, fmt.Sprintf("step %q: case and next are mutually exclusive", st.Name))
	}
	for i, rule := range st.Case {
		hasWhen := rule.When != ""
		hasElse := len(rule.Else) > 0
		switch {
		case hasWhen && hasElse:
			issues = append(issues, fmt.Sprintf("step %q: case[%d] mixes when and else", st.Name, i))
		case hasWhen && len(rule.Then) == 0:
			issues = append(issues, fmt.Sprintf("step %q: case[%d] has when without then", st.Name, i))
		case !hasWhen && !hasElse:
			issues = append(issues, fmt.Sprintf("step %q: case[%d] needs when or else", st.Name, i))
		case hasElse && i != len(st.Case)-1:
			issues = append(issues, fmt.Sprintf("step %q: else rule must be last", st.Name))
		}
	}
	for _, t := range st.successorTargets() {
		if _, ok := names[t.Step]; !ok {
			issues = append(issues, fmt.Sprintf("step %q: successor %q does not exist", st.Name, t.Step))
		}
	}
	if st.OnError != "" && st.OnError != "fail" && st.OnError != "continue" {
		issues = append(issues, fmt.Sprintf("step %q: on_error must be fail or continue", st.Name))
	}
	if st.OnFailure != "" {
		if _, ok := names[st.OnFailure]; !ok {
			issues = append(issues, fmt.Sprintf("step %q: on_failure step %q does not exist", st.Name, st.OnFailure))
		}
	}
	if st.Retry != nil && st.Retry.Max < 1 {
		issues = append(issues, fmt.Sprintf("step %q: retry.max must be at least 1", st.Name))
	}
	if st.TimeoutSeconds < 0 {
		issues = append(issues, fmt.Sprintf("step %q: timeout must not be negative", st.Name))
	}

	switch st.ToolKind() {
	case ToolIterator:
		if _, err := st.Iterator(); err != nil {
			issues = append(issues, err.Error())
		}
	case ToolPlaybook:
		if _, err := st.SubPlaybook(); err != nil {
			issues = append(issues, err.Error())
		}
	}
	return issues
}

// successorTargets returns every target the step can transition to, in
// declaration order: case thens, the else list, then next.
func (s *Step) successorTargets() []Target {
	var out []Target
	for _, rule := range s.Case {
		out = append(out, rule.Then...)
		out = append(out, rule.Else...)
	}
	out = append(out, s.Next...)
	return out
}
