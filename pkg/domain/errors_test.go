package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCategory
	}{
		{"explicit category wins", &HandlerError{Category: CategoryReasoningFailure, Err: errors.New("tool said no")}, CategoryReasoningFailure},
		{"wrapped explicit", fmt.Errorf("step: %w", ToolFailure(errors.New("x"))), CategoryToolFailure},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), CategoryTimeout},
		{"timeout message", errors.New("upstream timeout"), CategoryTimeout},
		{"timed out message", errors.New("request Timed Out"), CategoryTimeout},
		{"tool message", errors.New("search tool unavailable"), CategoryToolFailure},
		{"parse message", errors.New("could not parse plan"), CategoryReasoningFailure},
		{"reasoning message", errors.New("reasoning loop"), CategoryReasoningFailure},
		{"invalid output", errors.New("invalid output from model"), CategoryReasoningFailure},
		{"unknown", errors.New("disk full"), CategoryUnknown},
		{"nil", nil, CategoryUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestRecoveryPolicy_Decide(t *testing.T) {
	p := DefaultRecoveryPolicy()

	cat, s := p.Decide(ToolFailure(errors.New("x")))
	assert.Equal(t, CategoryToolFailure, cat)
	assert.Equal(t, StrategyRetryWithoutTools, s)

	cat, s = p.Decide(ReasoningFailure(errors.New("x")))
	assert.Equal(t, CategoryReasoningFailure, cat)
	assert.Equal(t, StrategyRetrySimplified, s)

	_, s = p.Decide(Timeout(errors.New("x")))
	assert.Equal(t, StrategyRestart, s)

	custom := RecoveryPolicy{
		Classify:   func(error) ErrorCategory { return "exotic" },
		Strategies: map[ErrorCategory]RecoveryStrategy{},
	}
	cat, s = custom.Decide(errors.New("x"))
	assert.Equal(t, ErrorCategory("exotic"), cat)
	assert.Equal(t, StrategyRestart, s, "unmapped categories restart")
}

func TestHandlerError_Unwrap(t *testing.T) {
	root := errors.New("root")
	err := ToolFailure(root)
	assert.ErrorIs(t, err, root)
	assert.Contains(t, err.Error(), "tool_failure")
}

func TestGraphValidationError(t *testing.T) {
	err := &GraphValidationError{Workflow: "w", Problems: []string{"no start node", "node \"x\" is unreachable"}}
	assert.Equal(t, `workflow "w" is invalid: no start node; node "x" is unreachable`, err.Error())
}

func TestApprovalRequest_ResolveOnce(t *testing.T) {
	req := &ApprovalRequest{ID: "a1", Decision: DecisionPending}
	now := time.Now()

	require.NoError(t, req.Resolve(false, "needs sources", now))
	assert.Equal(t, DecisionRejected, req.Decision)
	assert.Equal(t, "needs sources", req.Feedback)
	require.NotNil(t, req.ResolvedAt)

	assert.ErrorIs(t, req.Resolve(true, "", now), ErrApprovalAlreadyResolved)
	assert.Equal(t, DecisionRejected, req.Decision)
}

func TestExecutionRecord_Clone(t *testing.T) {
	rec := &ExecutionRecord{
		RunID:          "r",
		State:          NewState(map[string]any{"a": []any{1}}),
		Approval:       &ApprovalRequest{ID: "x", Decision: DecisionPending, Payload: map[string]any{"k": "v"}},
		NodeExecutions: []NodeExecutionMetric{{NodeID: "a"}, {NodeID: "b"}, {NodeID: "a"}},
	}
	c := rec.Clone()
	c.State.Fields["a"] = "z"
	c.Approval.Decision = DecisionApproved
	c.Approval.Payload.(map[string]any)["k"] = "w"
	c.NodeExecutions[0].NodeID = "q"

	assert.Equal(t, []any{1}, rec.State.Fields["a"])
	assert.Equal(t, DecisionPending, rec.Approval.Decision)
	assert.Equal(t, "v", rec.Approval.Payload.(map[string]any)["k"])
	assert.Equal(t, []string{"a", "b"}, rec.Visited())
}

func TestChainHooks(t *testing.T) {
	var order []string
	h := ChainHooks(
		LifecycleHooks{OnNodeEnter: func(context.Context, *NodeEvent) { order = append(order, "first") }},
		LifecycleHooks{},
		LifecycleHooks{OnNodeEnter: func(context.Context, *NodeEvent) { order = append(order, "second") }},
	)
	h.OnNodeEnter(context.Background(), &NodeEvent{})
	assert.Equal(t, []string{"first", "second"}, order)
	assert.Nil(t, h.OnSuspend)
}

func TestRunInfoContext(t *testing.T) {
	ctx := WithRunInfo(context.Background(), "run-1", "plan", 2)
	assert.Equal(t, "run-1", RunIDFrom(ctx))
	assert.Equal(t, "plan", NodeIDFrom(ctx))
	assert.Equal(t, 2, AttemptFrom(ctx))
	assert.Empty(t, RunIDFrom(context.Background()))
}
