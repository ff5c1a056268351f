package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrRunNotFound is returned when a run ID is unknown to the registry and its store.
	ErrRunNotFound = errors.New("run not found")
	// ErrApprovalAlreadyResolved is returned when Resume targets a request that already has a decision.
	ErrApprovalAlreadyResolved = errors.New("approval already resolved")
	// ErrRunNotSuspended is returned when Resume targets a run that is not waiting for approval.
	ErrRunNotSuspended = errors.New("run is not suspended")
	// ErrApprovalMismatch is returned when the decision names a request other than the pending one.
	ErrApprovalMismatch = errors.New("approval request does not match the pending request")
	// ErrStepBudgetExceeded is recorded when a run executes more steps than allowed.
	ErrStepBudgetExceeded = errors.New("step budget exceeded")
	// ErrRunCancelled is recorded when a run stops because Cancel was requested.
	ErrRunCancelled = errors.New("run cancelled")
	// ErrRunFinished is returned when cancelling a run that already reached a terminal status.
	ErrRunFinished = errors.New("run already finished")
	// ErrUnknownWorkflow is returned when a workflow name was never registered.
	ErrUnknownWorkflow = errors.New("unknown workflow")
	// ErrIllegalSuspend is the handler error produced when a non-approval node asks to suspend.
	ErrIllegalSuspend = errors.New("suspend is only allowed on approval nodes")
)

// GraphValidationError lists every structural problem found while building a workflow.
type GraphValidationError struct {
	Workflow string
	Problems []string
}

func (e *GraphValidationError) Error() string {
	return fmt.Sprintf("workflow %q is invalid: %s", e.Workflow, strings.Join(e.Problems, "; "))
}

// ErrorCategory classifies handler failures for recovery.
type ErrorCategory string

const (
	CategoryToolFailure      ErrorCategory = "tool_failure"
	CategoryReasoningFailure ErrorCategory = "reasoning_failure"
	CategoryTimeout          ErrorCategory = "timeout"
	CategoryUnknown          ErrorCategory = "unknown"
)

// HandlerError lets a handler state the category of its failure explicitly.
type HandlerError struct {
	Node     string
	Category ErrorCategory
	Err      error
}

func (e *HandlerError) Error() string {
	if e.Node != "" {
		return fmt.Sprintf("%s: node %s: %v", e.Category, e.Node, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Category, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// ToolFailure wraps err as a tool failure.
func ToolFailure(err error) error {
	return &HandlerError{Category: CategoryToolFailure, Err: err}
}

// ReasoningFailure wraps err as a reasoning failure (bad or unparseable model output).
func ReasoningFailure(err error) error {
	return &HandlerError{Category: CategoryReasoningFailure, Err: err}
}

// Timeout wraps err as a timeout.
func Timeout(err error) error {
	return &HandlerError{Category: CategoryTimeout, Err: err}
}

// Error codes stored in State.Error.
const (
	CodeHandlerError     = "handler_error"
	CodeStepBudget       = "step_budget_exceeded"
	CodeApprovalRejected = "approval_rejected"
	CodeCancelled        = "cancelled"
	CodeRetriesExhausted = "retries_exhausted"
	CodeUnknownNode      = "unknown_node"
)

// ErrorInfo is the serializable failure record kept in the run state.
type ErrorInfo struct {
	Code     string        `json:"code"`
	Category ErrorCategory `json:"category,omitempty"`
	Message  string        `json:"message"`
	Node     string        `json:"node,omitempty"`
}

func (e *ErrorInfo) Error() string {
	if e.Node != "" {
		return fmt.Sprintf("%s at %s: %s", e.Code, e.Node, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Classify maps a handler error to a recovery category.
// An explicit HandlerError wins; otherwise the error chain and message are inspected.
func Classify(err error) ErrorCategory {
	if err == nil {
		return CategoryUnknown
	}
	var he *HandlerError
	if errors.As(err, &he) && he.Category != "" {
		return he.Category
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return CategoryTimeout
	case strings.Contains(msg, "tool"):
		return CategoryToolFailure
	case strings.Contains(msg, "reason"), strings.Contains(msg, "parse"), strings.Contains(msg, "invalid output"):
		return CategoryReasoningFailure
	}
	return CategoryUnknown
}
