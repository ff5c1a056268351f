package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/aretw0/espalier/internal/logging"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/graph"
	"github.com/aretw0/espalier/pkg/observability"
	"github.com/aretw0/espalier/pkg/ports"
	"github.com/aretw0/espalier/pkg/registry"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultMaxSteps is the step budget of a run.
	DefaultMaxSteps = 25
	// DefaultMaxRetries is the number of recovery attempts before a run gives up.
	DefaultMaxRetries = 3
	// DefaultFallbackMessage is written to final_answer when recovery gives up.
	DefaultFallbackMessage = "Sorry, I couldn't complete this request after several attempts. Please try again later."
	// RejectedMessage formats the final_answer of a rejected run that has none.
	// The verb receives the reviewer's feedback.
	RejectedMessage = "The request was rejected: %s"
)

// Engine walks workflow definitions for many concurrent runs.
// Each run is stepped by one goroutine at a time, guarded by the registry.
type Engine struct {
	registry *registry.Registry
	recorder ports.Recorder
	hooks    domain.LifecycleHooks
	tracer   trace.Tracer
	logger   *slog.Logger
	validate *validator.Validate
	policy   domain.RecoveryPolicy

	maxSteps   int
	maxRetries int
	fallback   string
	now        func() time.Time
	newID      func() string

	mu        sync.RWMutex
	workflows map[string]*graph.Definition
}

// Option configures the Engine.
type Option func(*Engine)

// WithRegistry injects the run registry. Defaults to an in-memory registry.
func WithRegistry(r *registry.Registry) Option {
	return func(e *Engine) {
		if r != nil {
			e.registry = r
		}
	}
}

// WithRecorder sets the metrics recorder. Defaults to a no-op.
func WithRecorder(r ports.Recorder) Option {
	return func(e *Engine) {
		if r != nil {
			e.recorder = r
		}
	}
}

// WithLifecycleHooks registers observability callbacks. Repeated calls chain
// the hooks in order.
func WithLifecycleHooks(hooks domain.LifecycleHooks) Option {
	return func(e *Engine) {
		e.hooks = domain.ChainHooks(e.hooks, hooks)
	}
}

// WithTracer sets the OpenTelemetry tracer used for run and node spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithLogger configures a logger for the Engine.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMaxSteps sets the step budget. Non-positive values keep the default.
func WithMaxSteps(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxSteps = n
		}
	}
}

// WithMaxRetries sets the number of recovery attempts. Negative values keep the default.
func WithMaxRetries(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.maxRetries = n
		}
	}
}

// WithFallbackMessage overrides DefaultFallbackMessage.
func WithFallbackMessage(msg string) Option {
	return func(e *Engine) {
		if msg != "" {
			e.fallback = msg
		}
	}
}

// WithRecoveryPolicy overrides the error classification and strategy table.
func WithRecoveryPolicy(p domain.RecoveryPolicy) Option {
	return func(e *Engine) {
		e.policy = p
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithIDGenerator replaces the UUID generator used for run and approval IDs.
func WithIDGenerator(gen func() string) Option {
	return func(e *Engine) {
		if gen != nil {
			e.newID = gen
		}
	}
}

// New creates an engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		recorder:   ports.NopRecorder{},
		tracer:     observability.NopTracer(),
		logger:     logging.NewNop(),
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		policy:     domain.DefaultRecoveryPolicy(),
		maxSteps:   DefaultMaxSteps,
		maxRetries: DefaultMaxRetries,
		fallback:   DefaultFallbackMessage,
		now:        time.Now,
		newID:      uuid.NewString,
		workflows:  make(map[string]*graph.Definition),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.registry == nil {
		e.registry = registry.New(registry.WithLogger(e.logger), registry.WithClock(e.now))
	}
	return e
}

// Registry returns the run registry.
func (e *Engine) Registry() *registry.Registry {
	return e.registry
}

// Register makes a definition resumable and startable by name.
// A later registration under the same name replaces the earlier one.
func (e *Engine) Register(def *graph.Definition) error {
	if def == nil || def.Name() == "" {
		return errors.New("workflow definition must have a name")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.workflows[def.Name()] = def
	return nil
}

// Workflow returns a registered definition.
func (e *Engine) Workflow(name string) (*graph.Definition, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	def, ok := e.workflows[name]
	return def, ok
}

// Workflows lists registered workflow names, sorted.
func (e *Engine) Workflows() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.workflows))
	for name := range e.workflows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// remember registers def unless a definition is already known under its name.
func (e *Engine) remember(def *graph.Definition) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.workflows[def.Name()]; !ok {
		e.workflows[def.Name()] = def
	}
}

func (e *Engine) definition(name string) (*graph.Definition, error) {
	def, ok := e.Workflow(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownWorkflow, name)
	}
	return def, nil
}

// Start creates a run of def seeded with initial and steps it until it
// completes, fails or suspends. Handler failures never surface as errors;
// they are recorded in the returned record.
func (e *Engine) Start(ctx context.Context, def *graph.Definition, initial map[string]any) (*domain.ExecutionRecord, error) {
	rec, err := e.create(ctx, def, initial)
	if err != nil {
		return nil, err
	}
	return e.drive(ctx, def, rec.RunID, nil, nil)
}

// StartNamed is Start for a registered workflow.
func (e *Engine) StartNamed(ctx context.Context, workflow string, initial map[string]any) (*domain.ExecutionRecord, error) {
	def, err := e.definition(workflow)
	if err != nil {
		return nil, err
	}
	return e.Start(ctx, def, initial)
}

// Stream starts a run like Start but returns once the run is registered,
// with a channel of step events. The channel is closed once the run stops
// stepping. Every event carries the run ID.
// The caller must drain the channel: a full buffer pauses the run until the
// consumer reads again, ctx is done or the run is cancelled.
func (e *Engine) Stream(ctx context.Context, def *graph.Definition, initial map[string]any) (<-chan domain.StepEvent, error) {
	rec, err := e.create(ctx, def, initial)
	if err != nil {
		return nil, err
	}
	events := make(chan domain.StepEvent, 16)
	go func() {
		defer close(events)
		if _, err := e.drive(ctx, def, rec.RunID, nil, events); err != nil {
			e.logger.Error("Streamed run stopped", "run_id", rec.RunID, "err", err)
		}
	}()
	return events, nil
}

func (e *Engine) create(ctx context.Context, def *graph.Definition, initial map[string]any) (*domain.ExecutionRecord, error) {
	if def == nil {
		return nil, errors.New("nil workflow definition")
	}
	e.remember(def)

	now := e.now()
	rec := &domain.ExecutionRecord{
		RunID:       e.newID(),
		Workflow:    def.Name(),
		Status:      domain.StatusRunning,
		State:       domain.NewState(initial),
		CurrentNode: def.Start(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.registry.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to register run: %w", err)
	}

	e.recorder.StartRun(rec.RunID, rec.Workflow)
	e.emitRunStart(ctx, rec)
	e.logger.Info("Run started", "run_id", rec.RunID, "workflow", rec.Workflow)
	return rec, nil
}

// Resume delivers an approval decision. Misuse (unknown run, resolved or
// mismatched request, run not suspended) fails without changing the run.
func (e *Engine) Resume(ctx context.Context, decision domain.ApprovalDecision) (*domain.ExecutionRecord, error) {
	if err := e.validate.Struct(decision); err != nil {
		return nil, fmt.Errorf("invalid approval decision: %w", err)
	}

	var def *graph.Definition
	before := func(ctx context.Context, run *registry.Run) error {
		rec := run.Record
		switch {
		case rec.Approval != nil && rec.Approval.ID == decision.RequestID && rec.Approval.Decision != domain.DecisionPending:
			return domain.ErrApprovalAlreadyResolved
		case rec.Status != domain.StatusSuspended:
			return fmt.Errorf("%w: status is %s", domain.ErrRunNotSuspended, rec.Status)
		case rec.Approval == nil || rec.Approval.ID != decision.RequestID:
			return domain.ErrApprovalMismatch
		}
		var err error
		if def, err = e.definition(rec.Workflow); err != nil {
			return err
		}

		now := e.now()
		if err := rec.Approval.Resolve(decision.Approved, decision.Feedback, now); err != nil {
			return err
		}
		st := rec.State
		st.Fields[domain.FieldApprovalFeedback] = decision.Feedback
		st.History = append(st.History, domain.HistoryEntry{
			Kind:   domain.HistoryApproval,
			Node:   rec.Approval.NodeID,
			Detail: string(rec.Approval.Decision),
			At:     now,
		})
		rec.Status = domain.StatusRunning
		e.logger.Info("Run resumed", "run_id", rec.RunID, "decision", rec.Approval.Decision)

		if !decision.Approved {
			msg := decision.Feedback
			if msg == "" {
				msg = "approval rejected"
			}
			e.finalize(ctx, def, rec, &domain.ErrorInfo{
				Code:    domain.CodeApprovalRejected,
				Message: msg,
				Node:    rec.Approval.NodeID,
			}, false)
			return nil
		}
		rec.CurrentNode = rec.Resume
		rec.Resume = ""
		return nil
	}

	return e.drive(ctx, nil, decision.RunID, before, nil)
}

// GetStatus returns a snapshot of the run.
func (e *Engine) GetStatus(ctx context.Context, runID string) (*domain.ExecutionRecord, error) {
	return e.registry.Get(ctx, runID)
}

// ListRuns returns snapshots of every known run, newest first.
func (e *Engine) ListRuns(ctx context.Context) ([]*domain.ExecutionRecord, error) {
	return e.registry.List(ctx)
}

// DeleteRun evicts a run.
func (e *Engine) DeleteRun(ctx context.Context, runID string) error {
	return e.registry.Delete(ctx, runID)
}

// CleanupOldData evicts finished and suspended runs not updated within
// retention. A recorder that implements ports.Pruner is pruned to the same cutoff.
func (e *Engine) CleanupOldData(ctx context.Context, retention time.Duration) (int, error) {
	n, err := e.registry.CleanupOldData(ctx, retention)
	if p, ok := e.recorder.(ports.Pruner); ok {
		if pruned := p.Prune(e.now().Add(-retention)); pruned > 0 {
			e.logger.Debug("Pruned recorded runs", "count", pruned, "retention", retention)
		}
	}
	return n, err
}

// Cancel flags a run for cancellation. A running run stops at its next step
// boundary; a suspended run fails immediately.
func (e *Engine) Cancel(ctx context.Context, runID string) error {
	rec, err := e.registry.Get(ctx, runID)
	if err != nil {
		return err
	}
	if rec.Status.Terminal() {
		return domain.ErrRunFinished
	}
	e.registry.RequestCancel(runID)
	e.logger.Info("Run cancellation requested", "run_id", runID, "status", rec.Status)

	// the run may have stopped stepping before the request landed
	if rec, err = e.registry.Get(ctx, runID); err != nil {
		return err
	}
	switch {
	case rec.Status.Terminal():
		e.registry.ClearCancel(runID)
		return domain.ErrRunFinished
	case rec.Status == domain.StatusRunning:
		return nil
	}
	_, err = e.registry.WithRun(ctx, runID, func(ctx context.Context, run *registry.Run) error {
		if run.Record.Status != domain.StatusSuspended && run.Record.Status != domain.StatusPending {
			return nil // resumed or finished meanwhile
		}
		e.cancel(ctx, run.Record, domain.ErrRunCancelled)
		return nil
	})
	return err
}

// drive takes the run exclusively, applies before (if any) and steps it.
// A nil def is looked up by the run's workflow name.
func (e *Engine) drive(ctx context.Context, def *graph.Definition, runID string, before func(context.Context, *registry.Run) error, sink chan<- domain.StepEvent) (*domain.ExecutionRecord, error) {
	return e.registry.WithRun(ctx, runID, func(ctx context.Context, run *registry.Run) error {
		if before != nil {
			if err := before(ctx, run); err != nil {
				return err
			}
		}
		if run.Record.Status != domain.StatusRunning {
			return nil
		}
		if def == nil {
			var err error
			if def, err = e.definition(run.Record.Workflow); err != nil {
				return err
			}
		}
		return e.loop(ctx, def, run, sink)
	})
}
