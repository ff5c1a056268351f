package graph

import "github.com/aretw0/espalier/pkg/domain"

// Definition is a validated, immutable workflow graph.
// It is safe for concurrent use by any number of runs.
type Definition struct {
	name     string
	start    string
	finalize string
	order    []string
	nodes    map[string]domain.NodeSpec
	edges    map[string]string
	groups   map[string]domain.EdgeGroup
}

// Name returns the workflow name.
func (d *Definition) Name() string { return d.name }

// Start returns the ID of the first node.
func (d *Definition) Start() string { return d.start }

// Finalize returns the terminal node used when a run is cut short, or "".
func (d *Definition) Finalize() string { return d.finalize }

// Node looks up a node by ID.
func (d *Definition) Node(id string) (domain.NodeSpec, bool) {
	n, ok := d.nodes[id]
	return n, ok
}

// Nodes returns every node in declaration order.
func (d *Definition) Nodes() []domain.NodeSpec {
	out := make([]domain.NodeSpec, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, d.nodes[id])
	}
	return out
}

// Edge returns the unconditional successor of a node.
func (d *Definition) Edge(from string) (string, bool) {
	to, ok := d.edges[from]
	return to, ok
}

// Group returns the conditional edge group leaving a node.
func (d *Definition) Group(from string) (domain.EdgeGroup, bool) {
	g, ok := d.groups[from]
	if !ok {
		return domain.EdgeGroup{}, false
	}
	g.Cases = append([]domain.Case(nil), g.Cases...)
	return g, true
}

// Successors lists the nodes reachable in one step from id. Duplicates are removed.
func (d *Definition) Successors(id string) []string {
	if to, ok := d.edges[id]; ok {
		return []string{to}
	}
	g, ok := d.groups[id]
	if !ok {
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	for _, to := range g.Targets() {
		if !seen[to] {
			seen[to] = true
			out = append(out, to)
		}
	}
	return out
}
