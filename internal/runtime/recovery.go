package runtime

import (
	"context"

	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/graph"
)

// recoverFrom answers a handler failure. Each attempt increments retry_count and
// appends a recovery entry to the history; once retry_count reaches the
// configured limit the run is finalized with the fallback message.
func (e *Engine) recoverFrom(ctx context.Context, def *graph.Definition, rec *domain.ExecutionRecord, spec domain.NodeSpec, cause error) {
	st := rec.State
	category, strategy := e.policy.Decide(cause)
	st.Error = &domain.ErrorInfo{
		Code:     domain.CodeHandlerError,
		Category: category,
		Message:  cause.Error(),
		Node:     spec.ID,
	}

	if st.RetryCount >= e.maxRetries {
		e.emitRecovery(ctx, rec, spec.ID, category, "", true, cause)
		e.logger.Error("Recovery exhausted", "run_id", rec.RunID, "node_id", spec.ID, "category", category, "retries", st.RetryCount, "err", cause)
		e.finalize(ctx, def, rec, &domain.ErrorInfo{
			Code:     domain.CodeRetriesExhausted,
			Category: category,
			Message:  cause.Error(),
			Node:     spec.ID,
		}, true)
		return
	}

	st.RetryCount++
	st.History = append(st.History, domain.HistoryEntry{
		Kind:     domain.HistoryRecovery,
		Node:     spec.ID,
		Strategy: strategy,
		Category: category,
		Attempt:  st.RetryCount,
		Detail:   cause.Error(),
		At:       e.now(),
	})

	switch strategy {
	case domain.StrategyRetryWithoutTools:
		st.Fields[domain.FieldDisableTools] = true
		rec.CurrentNode = spec.ID
	case domain.StrategyRetrySimplified:
		st.Fields[domain.FieldSimplifiedMode] = true
		rec.CurrentNode = spec.ID
	default:
		st.Fields[domain.FieldCurrentPlanStep] = 0
		rec.CurrentNode = def.Start()
	}

	e.emitRecovery(ctx, rec, spec.ID, category, strategy, false, cause)
	e.logger.Warn("Recovering from node failure",
		"run_id", rec.RunID,
		"node_id", spec.ID,
		"category", category,
		"strategy", strategy,
		"attempt", st.RetryCount,
		"next", rec.CurrentNode,
		"err", cause,
	)
}
