package runtime

import (
	"context"
	"time"

	"github.com/aretw0/espalier/pkg/domain"
)

func (e *Engine) base(t domain.EventType, runID string) domain.EventBase {
	return domain.EventBase{Timestamp: e.now(), Type: t, RunID: runID}
}

func (e *Engine) emitRunStart(ctx context.Context, rec *domain.ExecutionRecord) {
	if e.hooks.OnRunStart == nil {
		return
	}
	e.hooks.OnRunStart(ctx, &domain.RunEvent{
		EventBase: e.base(domain.EventRunStart, rec.RunID),
		Workflow:  rec.Workflow,
		Status:    rec.Status,
	})
}

func (e *Engine) emitRunComplete(ctx context.Context, rec *domain.ExecutionRecord, err error) {
	if e.hooks.OnRunComplete == nil {
		return
	}
	e.hooks.OnRunComplete(ctx, &domain.RunEvent{
		EventBase: e.base(domain.EventRunComplete, rec.RunID),
		Workflow:  rec.Workflow,
		Status:    rec.Status,
		Err:       err,
	})
}

func (e *Engine) emitNodeEnter(ctx context.Context, rec *domain.ExecutionRecord, spec domain.NodeSpec, step int) {
	if e.hooks.OnNodeEnter == nil {
		return
	}
	e.hooks.OnNodeEnter(ctx, &domain.NodeEvent{
		EventBase: e.base(domain.EventNodeEnter, rec.RunID),
		NodeID:    spec.ID,
		NodeKind:  spec.Kind,
		Step:      step,
	})
}

func (e *Engine) emitNodeLeave(ctx context.Context, rec *domain.ExecutionRecord, spec domain.NodeSpec, step int, d time.Duration, err error) {
	if e.hooks.OnNodeLeave == nil {
		return
	}
	e.hooks.OnNodeLeave(ctx, &domain.NodeEvent{
		EventBase: e.base(domain.EventNodeLeave, rec.RunID),
		NodeID:    spec.ID,
		NodeKind:  spec.Kind,
		Step:      step,
		Duration:  d,
		Err:       err,
	})
}

func (e *Engine) emitRecovery(ctx context.Context, rec *domain.ExecutionRecord, node string, cat domain.ErrorCategory, s domain.RecoveryStrategy, exhausted bool, err error) {
	if e.hooks.OnRecovery == nil {
		return
	}
	e.hooks.OnRecovery(ctx, &domain.RecoveryEvent{
		EventBase: e.base(domain.EventRecovery, rec.RunID),
		NodeID:    node,
		Category:  cat,
		Strategy:  s,
		Attempt:   rec.State.RetryCount,
		Exhausted: exhausted,
		Err:       err,
	})
}

func (e *Engine) emitSuspend(ctx context.Context, rec *domain.ExecutionRecord) {
	if e.hooks.OnSuspend == nil || rec.Approval == nil {
		return
	}
	e.hooks.OnSuspend(ctx, &domain.SuspendEvent{
		EventBase: e.base(domain.EventSuspend, rec.RunID),
		Request:   *rec.Approval,
	})
}
