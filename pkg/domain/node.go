package domain

import "context"

// NodeKind defines the control flow behavior of a node.
type NodeKind string

const (
	// KindNormal runs its handler and follows its edge or edge group.
	KindNormal NodeKind = "normal"
	// KindConditional marks a node whose only purpose is to branch through an edge group.
	KindConditional NodeKind = "conditional_source"
	// KindApproval may suspend the run until a human decision arrives.
	KindApproval NodeKind = "approval"
	// KindTerminal ends the run once its handler (if any) has executed.
	KindTerminal NodeKind = "terminal"
)

// Valid reports whether k is one of the known kinds.
func (k NodeKind) Valid() bool {
	switch k {
	case KindNormal, KindConditional, KindApproval, KindTerminal:
		return true
	}
	return false
}

// Signal is the control outcome a handler returns alongside its update.
type Signal int

const (
	// Continue lets the engine route to the next node.
	Continue Signal = iota
	// Suspend pauses the run at an approval checkpoint. Only legal on approval nodes.
	Suspend
)

func (s Signal) String() string {
	switch s {
	case Continue:
		return "continue"
	case Suspend:
		return "suspend"
	}
	return "unknown"
}

// Handler is a unit of work.
// Returning a non-nil error is the Fail signal: the update is still merged
// and the run is routed through error recovery.
type Handler interface {
	Handle(ctx context.Context, state View) (Update, Signal, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, state View) (Update, Signal, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, state View) (Update, Signal, error) {
	return f(ctx, state)
}

// NodeSpec declares a node of a workflow. A nil Handler is a no-op that
// continues; on approval nodes a nil Handler suspends with no payload.
type NodeSpec struct {
	ID          string   `json:"id" yaml:"id"`
	Kind        NodeKind `json:"kind" yaml:"kind"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Handler     Handler  `json:"-" yaml:"-"`
}
