package domain

import (
	"context"
	"time"
)

// EventType defines the category of the event.
type EventType string

const (
	EventRunStart    EventType = "run_start"
	EventNodeEnter   EventType = "node_enter"
	EventNodeLeave   EventType = "node_leave"
	EventRecovery    EventType = "recovery"
	EventSuspend     EventType = "suspend"
	EventRunComplete EventType = "run_complete"
)

// EventBase contains common fields for all events.
type EventBase struct {
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	RunID     string    `json:"run_id"`
}

// RunEvent is emitted when a run starts or reaches a terminal status.
type RunEvent struct {
	EventBase
	Workflow string    `json:"workflow"`
	Status   RunStatus `json:"status"`
	Err      error     `json:"-"`
}

// NodeEvent represents entry or exit from a node.
type NodeEvent struct {
	EventBase
	NodeID   string        `json:"node_id"`
	NodeKind NodeKind      `json:"node_kind"`
	Step     int           `json:"step"`
	Duration time.Duration `json:"duration,omitempty"`
	Err      error         `json:"-"`
}

// RecoveryEvent is emitted for every recovery attempt and when retries run out.
type RecoveryEvent struct {
	EventBase
	NodeID    string           `json:"node_id"`
	Category  ErrorCategory    `json:"category"`
	Strategy  RecoveryStrategy `json:"strategy,omitempty"`
	Attempt   int              `json:"attempt"`
	Exhausted bool             `json:"exhausted,omitempty"`
	Err       error            `json:"-"`
}

// SuspendEvent is emitted when an approval node pauses the run.
type SuspendEvent struct {
	EventBase
	Request ApprovalRequest `json:"request"`
}

// LifecycleHooks defines callbacks for engine observability.
// Hooks run synchronously on the stepping goroutine and must not block.
type LifecycleHooks struct {
	OnRunStart    func(context.Context, *RunEvent)
	OnNodeEnter   func(context.Context, *NodeEvent)
	OnNodeLeave   func(context.Context, *NodeEvent)
	OnRecovery    func(context.Context, *RecoveryEvent)
	OnSuspend     func(context.Context, *SuspendEvent)
	OnRunComplete func(context.Context, *RunEvent)
}

// ChainHooks combines hooks so that each callback fires in order.
func ChainHooks(hooks ...LifecycleHooks) LifecycleHooks {
	var out LifecycleHooks
	for _, h := range hooks {
		out.OnRunStart = chain(out.OnRunStart, h.OnRunStart)
		out.OnNodeEnter = chain(out.OnNodeEnter, h.OnNodeEnter)
		out.OnNodeLeave = chain(out.OnNodeLeave, h.OnNodeLeave)
		out.OnRecovery = chain(out.OnRecovery, h.OnRecovery)
		out.OnSuspend = chain(out.OnSuspend, h.OnSuspend)
		out.OnRunComplete = chain(out.OnRunComplete, h.OnRunComplete)
	}
	return out
}

func chain[E any](a, b func(context.Context, E)) func(context.Context, E) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx context.Context, e E) {
		a(ctx, e)
		b(ctx, e)
	}
}

// StepEvent is published on the stream for every executed step.
type StepEvent struct {
	RunID  string     `json:"run_id"`
	NodeID string     `json:"node_id"`
	Step   int        `json:"step"`
	Status RunStatus  `json:"status"`
	Next   string     `json:"next,omitempty"`
	Err    *ErrorInfo `json:"error,omitempty"`
	Diff   *StateDiff `json:"diff,omitempty"`
	At     time.Time  `json:"at"`
}
