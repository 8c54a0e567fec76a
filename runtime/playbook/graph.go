package playbook

type (
	// Graph is the adjacency view of a workflow used by the interpreter for
	// successor selection and skip propagation. Build it once per playbook;
	// it is immutable afterwards.
	Graph struct {
		successors   map[string][]string
		predecessors map[string][]string
		order        []string
	}
)

// Graph builds the adjacency view of the workflow.
func (p *Playbook) Graph() *Graph {
	g := &Graph{
		successors:   make(map[string][]string, len(p.Workflow)),
		predecessors: make(map[string][]string, len(p.Workflow)),
		order:        make([]string, 0, len(p.Workflow)),
	}
	for i := range p.Workflow {
		st := &p.Workflow[i]
		g.order = append(g.order, st.Name)
		seen := make(map[string]struct{})
		for _, t := range st.successorTargets() {
			if _, dup := seen[t.Step]; dup {
				continue
			}
			seen[t.Step] = struct{}{}
			g.successors[st.Name] = append(g.successors[st.Name], t.Step)
			g.predecessors[t.Step] = append(g.predecessors[t.Step], st.Name)
		}
	}
	return g
}

// Successors returns every step reachable from name in one transition, in
// declaration order.
func (g *Graph) Successors(name string) []string { return g.successors[name] }

// Predecessors returns every step with an edge into name.
func (g *Graph) Predecessors(name string) []string { return g.predecessors[name] }

// Order returns step names in workflow declaration order.
func (g *Graph) Order() []string { return g.order }

// findCycle returns the name of a step on a transition cycle, or empty when
// the graph is acyclic. Cycles cannot execute: re-entering a completed step
// at the same attempt would violate the terminal-event idempotency guard.
func (g *Graph) findCycle() string {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(g.order))
	var visit func(string) string
	visit = func(n string) string {
		color[n] = grey
		for _, succ := range g.successors[n] {
			switch color[succ] {
			case grey:
				return succ
			case white:
				if c := visit(succ); c != "" {
					return c
				}
			}
		}
		color[n] = black
		return ""
	}
	for _, n := range g.order {
		if color[n] == white {
			if c := visit(n); c != "" {
				return c
			}
		}
	}
	return ""
}
