package playbook

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const samplePlaybook = `
apiVersion: noetl.io/v2
kind: Playbook
metadata:
  name: demo
  path: examples/demo
executor:
  profile: distributed
workload:
  env: dev
  source_url: "https://api.example.com/data"
vars:
  greeting: "hello {{ workload.env }}"
workflow:
  - step: start
    next:
      - step: fetch
  - step: fetch
    tool: http
    method: GET
    url: "{{ workload.source_url }}"
    timeout: 30
    retry:
      max: 3
      backoff_seconds: 1.5
    next:
      - step: route
  - step: route
    tool: noop
    case:
      - when: "{{ workload.env }} == prod"
        then:
          - step: deploy
      - else:
          - step: report
  - step: deploy
    tool: shell
    command: "make deploy"
    on_error: continue
    next:
      - step: report
  - step: report
    tool: noop
    args:
      summary: "{{ fetch.status }}"
`

func TestDecode(t *testing.T) {
	pb, err := Decode([]byte(samplePlaybook))
	require.NoError(t, err)
	require.Equal(t, "examples/demo", pb.Metadata.Path)
	require.Len(t, pb.Workflow, 5)

	fetch, ok := pb.Step("fetch")
	require.True(t, ok)
	require.Equal(t, ToolHTTP, fetch.Tool)
	require.Equal(t, "GET", fetch.Spec["method"])
	require.Equal(t, "{{ workload.source_url }}", fetch.Spec["url"])
	require.NotContains(t, fetch.Spec, "retry", "owned fields must not leak into the tool spec")
	require.Equal(t, 30*time.Second, fetch.Timeout())
	require.Equal(t, 3, fetch.Retry.Max)

	route, ok := pb.Step("route")
	require.True(t, ok)
	require.Len(t, route.Case, 2)
	require.Equal(t, []Target{{Step: "deploy"}}, route.Case[0].Then)
	require.Equal(t, []Target{{Step: "report"}}, route.Case[1].Else)

	report, ok := pb.Step("report")
	require.True(t, ok)
	require.True(t, report.Terminal())
}

func TestDecodeRejectsUnknownTool(t *testing.T) {
	doc := `
apiVersion: noetl.io/v2
kind: Playbook
metadata: {path: p}
workflow:
  - step: a
    tool: quantum
`
	_, err := Decode([]byte(doc))
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestValidateIssues(t *testing.T) {
	pb := &Playbook{
		APIVersion: APIVersion,
		Kind:       KindPlaybook,
		Metadata:   Metadata{Path: "p"},
		Workflow: []Step{
			{Name: "a", Next: []Target{{Step: "missing"}}, Case: []CaseRule{{When: "x", Then: []Target{{Step: "a"}}}}},
			{Name: "a"},
		},
	}
	err := pb.Validate()
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Contains(t, verr.Error(), "duplicate step name")
	require.Contains(t, verr.Error(), `successor "missing" does not exist`)
	require.Contains(t, verr.Error(), "mutually exclusive")
}

func TestValidateRejectsCycle(t *testing.T) {
	pb := &Playbook{
		APIVersion: APIVersion,
		Kind:       KindPlaybook,
		Metadata:   Metadata{Path: "p"},
		Workflow: []Step{
			{Name: "a", Next: []Target{{Step: "b"}}},
			{Name: "b", Next: []Target{{Step: "a"}}},
		},
	}
	err := pb.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "cycle")
}

func TestEntryStep(t *testing.T) {
	pb := &Playbook{Workflow: []Step{{Name: "first"}, {Name: "start"}}}
	require.Equal(t, "start", pb.EntryStep().Name)

	pb = &Playbook{Workflow: []Step{{Name: "first"}, {Name: "second"}}}
	require.Equal(t, "first", pb.EntryStep().Name)
}

func TestIteratorSpec(t *testing.T) {
	doc := `
apiVersion: noetl.io/v2
kind: Playbook
metadata: {path: p}
workflow:
  - step: fan
    tool: iterator
    collection: "{{ workload.items }}"
    mode: parallel
    concurrency: 4
    continue_on_error: true
    task:
      tool: http
      method: POST
      url: "https://api.example.com/items/{{ item.id }}"
`
	pb, err := Decode([]byte(doc))
	require.NoError(t, err)
	st, _ := pb.Step("fan")
	it, err := st.Iterator()
	require.NoError(t, err)
	require.Equal(t, ModeParallel, it.Mode)
	require.Equal(t, 4, it.Concurrency)
	require.True(t, it.ContinueOnError)
	require.Equal(t, "fan", it.Task.Name, "unnamed task inherits the iterator step name")
	require.Equal(t, ToolHTTP, it.Task.Tool)
	require.Equal(t, "POST", it.Task.Spec["method"])
}

func TestIteratorSpecErrors(t *testing.T) {
	st := &Step{Name: "fan", Tool: ToolIterator, Spec: map[string]any{"task": map[string]any{}}}
	_, err := st.Iterator()
	require.ErrorContains(t, err, "collection")

	st = &Step{Name: "fan", Tool: ToolIterator, Spec: map[string]any{"collection": []any{1}, "mode": "parallel", "task": map[string]any{}}}
	_, err = st.Iterator()
	require.ErrorContains(t, err, "concurrency")
}

func TestSubPlaybookSpec(t *testing.T) {
	st := &Step{Name: "child", Tool: ToolPlaybook, Spec: map[string]any{"path": "examples/child", "version": "2"}}
	ps, err := st.SubPlaybook()
	require.NoError(t, err)
	require.Equal(t, "examples/child", ps.Path)
	require.Equal(t, "2", ps.Version)

	st = &Step{Name: "child", Tool: ToolPlaybook, Spec: map[string]any{}}
	_, err = st.SubPlaybook()
	require.ErrorContains(t, err, "path")
}

func TestBackoffDelay(t *testing.T) {
	r := &Retry{Max: 4, BackoffSeconds: 2}
	require.Equal(t, time.Duration(0), r.BackoffDelay(1))
	require.Equal(t, 2*time.Second, r.BackoffDelay(2))
	require.Equal(t, 4*time.Second, r.BackoffDelay(3))
	require.Equal(t, 8*time.Second, r.BackoffDelay(4))
}

func TestCapability(t *testing.T) {
	st := &Step{Spec: map[string]any{}}
	require.Equal(t, DefaultCapability, st.Capability())
	st = &Step{Spec: map[string]any{"capability": "gpu"}}
	require.Equal(t, "gpu", st.Capability())
}

func TestGraph(t *testing.T) {
	pb, err := Decode([]byte(samplePlaybook))
	require.NoError(t, err)
	g := pb.Graph()
	require.Equal(t, []string{"deploy", "report"}, g.Successors("route"))
	require.ElementsMatch(t, []string{"route", "deploy"}, g.Predecessors("report"))
	require.Empty(t, g.Successors("report"))
}
