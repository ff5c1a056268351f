package domain

import "time"

// RunStatus is the lifecycle status of a run.
type RunStatus string

const (
	StatusPending   RunStatus = "pending"
	StatusRunning   RunStatus = "running"
	StatusSuspended RunStatus = "suspended"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
)

// Terminal reports whether no further step can happen.
func (s RunStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Decision is the outcome of an approval request.
type Decision string

const (
	DecisionPending  Decision = "pending"
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// ApprovalRequest is created when an approval node suspends a run.
// Its decision is written exactly once.
type ApprovalRequest struct {
	ID         string     `json:"id"`
	RunID      string     `json:"run_id"`
	NodeID     string     `json:"node_id"`
	Payload    any        `json:"payload,omitempty"`
	Decision   Decision   `json:"decision"`
	Feedback   string     `json:"feedback,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Resolve records the decision. A second call fails with ErrApprovalAlreadyResolved.
func (a *ApprovalRequest) Resolve(approved bool, feedback string, at time.Time) error {
	if a.Decision != DecisionPending {
		return ErrApprovalAlreadyResolved
	}
	a.Decision = DecisionRejected
	if approved {
		a.Decision = DecisionApproved
	}
	a.Feedback = feedback
	a.ResolvedAt = &at
	return nil
}

// ApprovalDecision is the payload accepted by Resume.
type ApprovalDecision struct {
	RunID     string `json:"run_id" validate:"required"`
	RequestID string `json:"request_id" validate:"required"`
	Approved  bool   `json:"approved"`
	Feedback  string `json:"feedback,omitempty"`
}

// NodeStatus is the outcome of one node execution.
type NodeStatus string

const (
	NodeSucceeded NodeStatus = "succeeded"
	NodeFailed    NodeStatus = "failed"
	NodeSuspended NodeStatus = "suspended"
)

// NodeExecutionMetric records one handler invocation.
type NodeExecutionMetric struct {
	NodeID      string        `json:"node_id"`
	ExecutionID string        `json:"execution_id"`
	Step        int           `json:"step"`
	StartTime   time.Time     `json:"start_time"`
	EndTime     time.Time     `json:"end_time"`
	Duration    time.Duration `json:"duration"`
	Status      NodeStatus    `json:"status"`
	Error       string        `json:"error,omitempty"`
}

// ExecutionRecord is everything the engine knows about one run.
// It is also the persisted snapshot format.
type ExecutionRecord struct {
	RunID       string    `json:"run_id"`
	Workflow    string    `json:"workflow"`
	Status      RunStatus `json:"status"`
	State       *State    `json:"state"`
	CurrentNode string    `json:"current_node"`
	// Resume is the node a suspended run continues from once approved.
	Resume         string                `json:"resume,omitempty"`
	Approval       *ApprovalRequest      `json:"approval,omitempty"`
	NodeExecutions []NodeExecutionMetric `json:"node_executions,omitempty"`
	Cancelled      bool                  `json:"cancelled,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
	UpdatedAt      time.Time             `json:"updated_at"`
	CompletedAt    *time.Time            `json:"completed_at,omitempty"`
}

// Clone returns a deep copy that shares nothing with the receiver.
func (r *ExecutionRecord) Clone() *ExecutionRecord {
	if r == nil {
		return nil
	}
	next := *r
	next.State = r.State.Clone()
	if r.Approval != nil {
		a := *r.Approval
		a.Payload = deepCopy(r.Approval.Payload)
		if r.Approval.ResolvedAt != nil {
			t := *r.Approval.ResolvedAt
			a.ResolvedAt = &t
		}
		next.Approval = &a
	}
	if r.NodeExecutions != nil {
		next.NodeExecutions = append([]NodeExecutionMetric(nil), r.NodeExecutions...)
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		next.CompletedAt = &t
	}
	return &next
}

// Visited returns the distinct node IDs executed so far, in first-visit order.
func (r *ExecutionRecord) Visited() []string {
	seen := make(map[string]bool, len(r.NodeExecutions))
	var out []string
	for _, m := range r.NodeExecutions {
		if !seen[m.NodeID] {
			seen[m.NodeID] = true
			out = append(out, m.NodeID)
		}
	}
	return out
}
