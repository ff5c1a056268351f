package runtime

import (
	"context"
	"fmt"

	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/graph"
	"github.com/aretw0/espalier/pkg/observability"
	"github.com/aretw0/espalier/pkg/registry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// loop steps a running record until it stops being running.
// Every step is checkpointed before the next one starts.
func (e *Engine) loop(ctx context.Context, def *graph.Definition, run *registry.Run, sink chan<- domain.StepEvent) error {
	rec := run.Record
	ctx, span := observability.StartSpan(ctx, e.tracer, "espalier.run",
		attribute.String(observability.RunIDKey, rec.RunID),
		attribute.String(observability.WorkflowKey, rec.Workflow),
	)
	defer func() {
		span.SetAttributes(attribute.String(observability.StatusKey, string(rec.Status)))
		if rec.Status == domain.StatusFailed {
			span.SetStatus(codes.Error, errorMessage(rec.State.Error))
		}
		span.End()
	}()

	var cancelled <-chan struct{}
	if sink != nil {
		cancelled = run.CancelSignal()
	}
	publish := func(node string, before *domain.State) {
		e.publish(ctx, sink, cancelled, rec, node, before)
	}

	for rec.Status == domain.StatusRunning {
		if run.CancelRequested() || ctx.Err() != nil {
			cause := domain.ErrRunCancelled
			if err := ctx.Err(); err != nil {
				cause = fmt.Errorf("%w: %w", domain.ErrRunCancelled, err)
			}
			e.cancel(ctx, rec, cause)
			publish(rec.CurrentNode, nil)
			break
		}

		st := rec.State
		var before *domain.State
		if sink != nil {
			before = st.Clone()
		}

		current := rec.CurrentNode
		next := st.StepCount + 1
		if next > e.maxSteps {
			e.logger.Warn("Step budget exhausted", "run_id", rec.RunID, "node_id", current, "max_steps", e.maxSteps)
			e.finalize(ctx, def, rec, &domain.ErrorInfo{
				Code:    domain.CodeStepBudget,
				Message: fmt.Sprintf("%v: limit is %d", domain.ErrStepBudgetExceeded, e.maxSteps),
				Node:    current,
			}, false)
			publish(current, before)
			break
		}

		spec, ok := def.Node(current)
		if !ok {
			e.finalize(ctx, def, rec, &domain.ErrorInfo{
				Code:    domain.CodeUnknownNode,
				Message: fmt.Sprintf("node %q is not part of workflow %q", current, def.Name()),
				Node:    current,
			}, false)
			publish(current, before)
			break
		}

		st.StepCount = next
		u, sig, err := e.execute(ctx, rec, spec, next)
		if err != nil {
			e.recoverFrom(ctx, def, rec, spec, err)
		} else {
			st.Error = nil
			e.advance(ctx, def, rec, spec, u, sig)
		}

		publish(current, before)
		if err := run.Checkpoint(context.WithoutCancel(ctx)); err != nil {
			return fmt.Errorf("failed to checkpoint run: %w", err)
		}
	}
	return nil
}

// advance moves a run past a node that succeeded.
func (e *Engine) advance(ctx context.Context, def *graph.Definition, rec *domain.ExecutionRecord, spec domain.NodeSpec, u domain.Update, sig domain.Signal) {
	switch {
	case spec.Kind == domain.KindTerminal:
		status := domain.StatusCompleted
		if rec.State.Error != nil {
			status = domain.StatusFailed
		}
		e.complete(ctx, rec, status, nil)

	case spec.Kind == domain.KindApproval && sig == domain.Suspend:
		e.suspend(ctx, def, rec, spec, u)

	default:
		rec.CurrentNode = e.successor(def, rec, spec.ID)
	}
}

// successor resolves the next node from the merged state.
func (e *Engine) successor(def *graph.Definition, rec *domain.ExecutionRecord, from string) string {
	if to, ok := def.Edge(from); ok {
		return to
	}
	group, ok := def.Group(from)
	if !ok {
		return from
	}
	to, idx, err := Match(rec.State.View(), group)
	if err != nil {
		e.logger.Warn("Predicate panicked, treated as false", "run_id", rec.RunID, "node_id", from, "err", err)
	}
	if idx >= 0 {
		e.logger.Debug("Routing case matched", "run_id", rec.RunID, "node_id", from, "case", group.Cases[idx].Name, "next", to)
	} else {
		e.logger.Debug("Routing to default", "run_id", rec.RunID, "node_id", from, "next", to)
	}
	return to
}

func (e *Engine) suspend(ctx context.Context, def *graph.Definition, rec *domain.ExecutionRecord, spec domain.NodeSpec, u domain.Update) {
	now := e.now()
	rec.Resume = e.successor(def, rec, spec.ID)
	rec.Approval = &domain.ApprovalRequest{
		ID:        e.newID(),
		RunID:     rec.RunID,
		NodeID:    spec.ID,
		Payload:   u.Payload,
		Decision:  domain.DecisionPending,
		CreatedAt: now,
	}
	rec.Status = domain.StatusSuspended
	if n := len(rec.NodeExecutions); n > 0 {
		rec.NodeExecutions[n-1].Status = domain.NodeSuspended
	}

	e.emitSuspend(ctx, rec)
	e.recorder.CompleteRun(rec.RunID, domain.StatusSuspended, nil)
	e.logger.Info("Run suspended", "run_id", rec.RunID, "node_id", spec.ID, "request_id", rec.Approval.ID)
}

// execute runs one node handler and merges its update into the state.
func (e *Engine) execute(ctx context.Context, rec *domain.ExecutionRecord, spec domain.NodeSpec, step int) (domain.Update, domain.Signal, error) {
	st := rec.State
	execID := e.recorder.StartNode(rec.RunID, spec.ID)
	if execID == "" {
		execID = e.newID()
	}

	ctx = domain.WithRunInfo(ctx, rec.RunID, spec.ID, st.RetryCount)
	ctx, span := observability.StartSpan(ctx, e.tracer, "espalier.node",
		attribute.String(observability.RunIDKey, rec.RunID),
		attribute.String(observability.NodeIDKey, spec.ID),
		attribute.String(observability.NodeKindKey, string(spec.Kind)),
		attribute.Int(observability.StepKey, step),
		attribute.Int(observability.AttemptKey, st.RetryCount),
	)
	defer span.End()

	e.emitNodeEnter(ctx, rec, spec, step)
	e.logger.Debug("Executing node", "run_id", rec.RunID, "node_id", spec.ID, "step", step)

	start := e.now()
	u, sig, err := invoke(ctx, spec, st.View())
	if err == nil && sig == domain.Suspend && spec.Kind != domain.KindApproval {
		err = &domain.HandlerError{Node: spec.ID, Category: domain.CategoryUnknown, Err: domain.ErrIllegalSuspend}
	}
	end := e.now()

	if refused := st.Apply(spec.ID, u, end); len(refused) > 0 {
		e.logger.Warn("Update touched reserved keys", "run_id", rec.RunID, "node_id", spec.ID, "keys", refused)
	}

	metric := domain.NodeExecutionMetric{
		NodeID:      spec.ID,
		ExecutionID: execID,
		Step:        step,
		StartTime:   start,
		EndTime:     end,
		Duration:    end.Sub(start),
		Status:      domain.NodeSucceeded,
	}
	if err != nil {
		metric.Status = domain.NodeFailed
		metric.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	rec.NodeExecutions = append(rec.NodeExecutions, metric)
	e.recorder.CompleteNode(rec.RunID, execID, err)
	e.emitNodeLeave(ctx, rec, spec, step, metric.Duration, err)
	return u, sig, err
}

// invoke calls the handler, converting a panic into an error.
func invoke(ctx context.Context, spec domain.NodeSpec, view domain.View) (u domain.Update, sig domain.Signal, err error) {
	if spec.Handler == nil {
		if spec.Kind == domain.KindApproval {
			return domain.Update{}, domain.Suspend, nil
		}
		return domain.Update{}, domain.Continue, nil
	}
	defer func() {
		if r := recover(); r != nil {
			u, sig = domain.Update{}, domain.Continue
			err = &domain.HandlerError{Node: spec.ID, Category: domain.CategoryUnknown, Err: fmt.Errorf("handler panicked: %v", r)}
		}
	}()
	return spec.Handler.Handle(ctx, view)
}

// finalize ends a run that was cut short: step budget, exhausted retries or
// a rejected approval. The designated finalize node, when present, runs once
// without counting as a step and cannot fail the run a second time.
func (e *Engine) finalize(ctx context.Context, def *graph.Definition, rec *domain.ExecutionRecord, info *domain.ErrorInfo, forceFallback bool) {
	st := rec.State
	st.Error = info

	if id := def.Finalize(); id != "" {
		if spec, ok := def.Node(id); ok {
			rec.CurrentNode = id
			if _, _, err := e.execute(ctx, rec, spec, st.StepCount); err != nil {
				e.logger.Warn("Finalize node failed", "run_id", rec.RunID, "node_id", id, "err", err)
			}
			st.Error = info
		}
	}

	if _, ok := st.Fields[domain.FieldFinalAnswer]; forceFallback || !ok {
		st.Fields[domain.FieldFinalAnswer] = e.fallbackFor(info, forceFallback)
	}
	e.complete(ctx, rec, domain.StatusFailed, info)
}

// fallbackFor picks the final_answer of a run that ended without one.
func (e *Engine) fallbackFor(info *domain.ErrorInfo, forced bool) string {
	if !forced && info != nil && info.Code == domain.CodeApprovalRejected {
		return fmt.Sprintf(RejectedMessage, info.Message)
	}
	return e.fallback
}

// cancel fails a run in place. The finalize node is not executed.
func (e *Engine) cancel(ctx context.Context, rec *domain.ExecutionRecord, cause error) {
	info := &domain.ErrorInfo{
		Code:    domain.CodeCancelled,
		Message: cause.Error(),
		Node:    rec.CurrentNode,
	}
	rec.State.Error = info
	rec.Cancelled = true
	e.complete(ctx, rec, domain.StatusFailed, info)
}

func (e *Engine) complete(ctx context.Context, rec *domain.ExecutionRecord, status domain.RunStatus, info *domain.ErrorInfo) {
	now := e.now()
	rec.Status = status
	rec.CompletedAt = &now

	var err error
	if info != nil {
		err = info
	}
	e.emitRunComplete(ctx, rec, err)
	e.recorder.CompleteRun(rec.RunID, status, err)

	if status == domain.StatusFailed {
		e.logger.Warn("Run failed", "run_id", rec.RunID, "node_id", rec.CurrentNode, "code", errorCode(info), "steps", rec.State.StepCount)
		return
	}
	e.logger.Info("Run completed", "run_id", rec.RunID, "node_id", rec.CurrentNode, "steps", rec.State.StepCount)
}

// publish sends a step event to the stream, if any. A done context or a
// cancellation request drops the event rather than blocking the run.
func (e *Engine) publish(ctx context.Context, sink chan<- domain.StepEvent, cancelled <-chan struct{}, rec *domain.ExecutionRecord, node string, before *domain.State) {
	if sink == nil {
		return
	}
	ev := domain.StepEvent{
		RunID:  rec.RunID,
		NodeID: node,
		Step:   rec.State.StepCount,
		Status: rec.Status,
		At:     e.now(),
	}
	if rec.Status == domain.StatusRunning {
		ev.Next = rec.CurrentNode
	}
	if rec.State.Error != nil {
		info := *rec.State.Error
		ev.Err = &info
	}
	if before != nil {
		ev.Diff = domain.Diff(before, rec.State)
	}
	select {
	case sink <- ev:
		return
	default:
	}
	select {
	case sink <- ev:
	case <-ctx.Done():
	case <-cancelled:
	}
}

func errorCode(info *domain.ErrorInfo) string {
	if info == nil {
		return ""
	}
	return info.Code
}

func errorMessage(info *domain.ErrorInfo) string {
	if info == nil {
		return ""
	}
	return info.Message
}
