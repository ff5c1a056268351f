package domain

// Predicate decides whether a conditional case applies to the merged state.
// Predicates must be pure: the engine may evaluate them again after a retry.
type Predicate func(state View) bool

// Edge is an unconditional transition between two nodes.
type Edge struct {
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
}

// Case is one ordered entry of an EdgeGroup.
type Case struct {
	// Name is used for logs and graph rendering.
	Name string    `json:"name,omitempty"`
	When Predicate `json:"-"`
	To   string    `json:"to"`
}

// EdgeGroup routes from a node by evaluating its cases in declared order.
// The first case whose predicate is true wins; Default is used otherwise.
type EdgeGroup struct {
	From    string `json:"from"`
	Cases   []Case `json:"cases"`
	Default string `json:"default"`
}

// Targets lists every node the group can route to, default last.
func (g EdgeGroup) Targets() []string {
	out := make([]string, 0, len(g.Cases)+1)
	for _, c := range g.Cases {
		out = append(out, c.To)
	}
	return append(out, g.Default)
}
