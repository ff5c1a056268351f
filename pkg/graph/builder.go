package graph

import (
	"fmt"

	"github.com/aretw0/espalier/pkg/domain"
)

// Builder manages the graph construction.
// Problems are collected and reported together by Build.
type Builder struct {
	name     string
	start    string
	finalize string
	order    []string
	nodes    map[string]domain.NodeSpec
	edges    []domain.Edge
	groups   []domain.EdgeGroup
	problems []string
}

// New creates a new graph builder.
func New(name string) *Builder {
	return &Builder{
		name:  name,
		nodes: make(map[string]domain.NodeSpec),
	}
}

// AddNode declares a node. An empty kind means KindNormal.
func (b *Builder) AddNode(spec domain.NodeSpec) *Builder {
	if spec.ID == "" {
		b.problems = append(b.problems, "node with empty id")
		return b
	}
	if _, ok := b.nodes[spec.ID]; ok {
		b.problems = append(b.problems, fmt.Sprintf("duplicate node %q", spec.ID))
		return b
	}
	if spec.Kind == "" {
		spec.Kind = domain.KindNormal
	}
	if !spec.Kind.Valid() {
		b.problems = append(b.problems, fmt.Sprintf("node %q has unknown kind %q", spec.ID, spec.Kind))
	}
	b.nodes[spec.ID] = spec
	b.order = append(b.order, spec.ID)
	return b
}

// Node is shorthand for AddNode.
func (b *Builder) Node(id string, kind domain.NodeKind, h domain.Handler) *Builder {
	return b.AddNode(domain.NodeSpec{ID: id, Kind: kind, Handler: h})
}

// AddEdge adds an unconditional transition.
func (b *Builder) AddEdge(from, to string) *Builder {
	b.edges = append(b.edges, domain.Edge{From: from, To: to})
	return b
}

// AddConditionalEdgeGroup adds ordered cases leaving from. The first case
// whose predicate holds wins; def is taken otherwise.
func (b *Builder) AddConditionalEdgeGroup(from string, cases []domain.Case, def string) *Builder {
	b.groups = append(b.groups, domain.EdgeGroup{
		From:    from,
		Cases:   append([]domain.Case(nil), cases...),
		Default: def,
	})
	return b
}

// SetStart designates the first node.
func (b *Builder) SetStart(id string) *Builder {
	b.start = id
	return b
}

// SetFinalize designates the terminal node that runs when the step budget is
// exhausted, retries run out or an approval is rejected.
func (b *Builder) SetFinalize(id string) *Builder {
	b.finalize = id
	return b
}

// Build validates the graph and returns an immutable Definition.
// On failure it returns a *domain.GraphValidationError listing every problem.
func (b *Builder) Build() (*Definition, error) {
	problems := append([]string(nil), b.problems...)
	report := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}
	known := func(id string) bool {
		_, ok := b.nodes[id]
		return ok
	}

	def := &Definition{
		name:     b.name,
		start:    b.start,
		finalize: b.finalize,
		order:    append([]string(nil), b.order...),
		nodes:    make(map[string]domain.NodeSpec, len(b.nodes)),
		edges:    make(map[string]string),
		groups:   make(map[string]domain.EdgeGroup),
	}
	for id, n := range b.nodes {
		def.nodes[id] = n
	}

	switch {
	case b.start == "":
		report("no start node")
	case !known(b.start):
		report("start node %q is not declared", b.start)
	}

	for _, e := range b.edges {
		if !known(e.From) {
			report("edge from unknown node %q", e.From)
		}
		if !known(e.To) {
			report("edge %s -> %s targets unknown node %q", e.From, e.To, e.To)
		}
		if _, dup := def.edges[e.From]; dup {
			report("node %q has more than one edge; use an edge group to branch", e.From)
			continue
		}
		def.edges[e.From] = e.To
	}

	for _, g := range b.groups {
		if !known(g.From) {
			report("edge group from unknown node %q", g.From)
		}
		if _, dup := def.groups[g.From]; dup {
			report("node %q has more than one edge group", g.From)
			continue
		}
		for i, c := range g.Cases {
			if c.When == nil {
				report("edge group from %q: case %d has no predicate", g.From, i)
			}
			if !known(c.To) {
				report("edge group from %q targets unknown node %q", g.From, c.To)
			}
		}
		switch {
		case g.Default == "":
			report("edge group from %q has no default", g.From)
		case !known(g.Default):
			report("edge group from %q defaults to unknown node %q", g.From, g.Default)
		}
		def.groups[g.From] = g
	}

	for _, id := range b.order {
		n := b.nodes[id]
		_, hasEdge := def.edges[id]
		_, hasGroup := def.groups[id]

		switch {
		case n.Kind == domain.KindTerminal:
			if hasEdge || hasGroup {
				report("terminal node %q has outgoing routes", id)
			}
		case hasEdge && hasGroup:
			report("node %q has both an edge and an edge group", id)
		case !hasEdge && !hasGroup:
			report("node %q has no outgoing route", id)
		case n.Kind == domain.KindConditional && !hasGroup:
			report("conditional node %q must route through an edge group", id)
		}
	}

	if b.finalize != "" {
		n, ok := b.nodes[b.finalize]
		switch {
		case !ok:
			report("finalize node %q is not declared", b.finalize)
		case n.Kind != domain.KindTerminal:
			report("finalize node %q must be terminal", b.finalize)
		}
	}

	if known(b.start) {
		reached := reachable(def, b.start)
		for _, id := range b.order {
			if !reached[id] && id != b.finalize {
				report("node %q is unreachable from %q", id, b.start)
			}
		}
	}

	if len(problems) > 0 {
		return nil, &domain.GraphValidationError{Workflow: b.name, Problems: problems}
	}
	return def, nil
}

func reachable(def *Definition, start string) map[string]bool {
	seen := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range def.Successors(id) {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return seen
}
