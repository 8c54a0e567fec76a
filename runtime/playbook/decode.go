package playbook

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// stepFields are the step mapping keys owned by the execution plane. Every
// other key is a tool-specific field collected into Step.Spec.
var stepFields = map[string]struct{}{
	"step":        {},
	"desc":        {},
	"tool":        {},
	"args":        {},
	"save":        {},
	"case":        {},
	"next":        {},
	"retry":       {},
	"timeout":     {},
	"on_error":    {},
	"on_failure":  {},
	"credentials": {},
}

// UnmarshalYAML decodes a step mapping. Known fields populate the struct;
// the remaining keys form the tool spec.
func (s *Step) UnmarshalYAML(node *yaml.Node) error {
	var known struct {
		Step        string            `yaml:"step"`
		Desc        string            `yaml:"desc"`
		Tool        string            `yaml:"tool"`
		Args        map[string]any    `yaml:"args"`
		Save        *Save             `yaml:"save"`
		Case        []CaseRule        `yaml:"case"`
		Next        []Target          `yaml:"next"`
		Retry       *Retry            `yaml:"retry"`
		Timeout     float64           `yaml:"timeout"`
		OnError     string            `yaml:"on_error"`
		OnFailure   string            `yaml:"on_failure"`
		Credentials map[string]string `yaml:"credentials"`
	}
	if err := node.Decode(&known); err != nil {
		return err
	}
	var raw map[string]any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	spec := make(map[string]any, len(raw))
	for k, v := range raw {
		if _, owned := stepFields[k]; owned {
			continue
		}
		spec[k] = normalize(v)
	}
	*s = Step{
		Name:           known.Step,
		Desc:           known.Desc,
		Tool:           known.Tool,
		Spec:           spec,
		Args:           normalizeMap(known.Args),
		Save:           known.Save,
		Case:           known.Case,
		Next:           known.Next,
		Retry:          known.Retry,
		TimeoutSeconds: known.Timeout,
		OnError:        known.OnError,
		OnFailure:      known.OnFailure,
		Credentials:    known.Credentials,
	}
	return nil
}

// UnmarshalYAML decodes a save mapping: the storage key selects the saver,
// every other key is storage-specific.
func (s *Save) UnmarshalYAML(node *yaml.Node) error {
	var raw map[string]any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	storage, _ := raw["storage"].(string)
	spec := make(map[string]any, len(raw))
	for k, v := range raw {
		if k == "storage" {
			continue
		}
		spec[k] = normalize(v)
	}
	*s = Save{Storage: storage, Spec: spec}
	return nil
}

// Decode parses a playbook document and validates it. The returned playbook
// is safe to share between goroutines; callers must not mutate it.
func Decode(raw []byte) (*Playbook, error) {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, &ValidationError{Issues: []string{fmt.Sprintf("parse yaml: %v", err)}}
	}
	doc = normalize(doc)
	if err := validateSchema(doc); err != nil {
		return nil, err
	}
	var pb Playbook
	if err := yaml.Unmarshal(raw, &pb); err != nil {
		return nil, &ValidationError{Issues: []string{fmt.Sprintf("decode playbook: %v", err)}}
	}
	pb.Workload = normalizeMap(pb.Workload)
	pb.Vars = normalizeMap(pb.Vars)
	if err := pb.Validate(); err != nil {
		return nil, err
	}
	return &pb, nil
}

// normalize converts YAML-decoded values into their JSON-compatible
// representation: map keys become strings so payloads round-trip through
// encoding/json and the schema validator.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return normalizeMap(t)
	case map[any]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[fmt.Sprint(k)] = normalize(val)
		}
		return m
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	default:
		return v
	}
}

func normalizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalize(v)
	}
	return out
}
