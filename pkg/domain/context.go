package domain

import "context"

type ctxKey int

const (
	runIDKey ctxKey = iota
	nodeIDKey
	attemptKey
)

// WithRunInfo returns a context carrying the identifiers of the current step.
func WithRunInfo(ctx context.Context, runID, nodeID string, attempt int) context.Context {
	ctx = context.WithValue(ctx, runIDKey, runID)
	ctx = context.WithValue(ctx, nodeIDKey, nodeID)
	return context.WithValue(ctx, attemptKey, attempt)
}

// RunIDFrom returns the run executing the handler, or "".
func RunIDFrom(ctx context.Context) string {
	v, _ := ctx.Value(runIDKey).(string)
	return v
}

// NodeIDFrom returns the node being executed, or "".
func NodeIDFrom(ctx context.Context) string {
	v, _ := ctx.Value(nodeIDKey).(string)
	return v
}

// AttemptFrom returns the recovery attempt (retry_count) the handler runs under.
func AttemptFrom(ctx context.Context) int {
	v, _ := ctx.Value(attemptKey).(int)
	return v
}
