package espalier

import (
	"context"
	"log/slog"
	"time"

	"github.com/aretw0/espalier/internal/logging"
	"github.com/aretw0/espalier/internal/runtime"
	"github.com/aretw0/espalier/pkg/adapters/memory"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/graph"
	"github.com/aretw0/espalier/pkg/ports"
	"github.com/aretw0/espalier/pkg/registry"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultMaxSteps   = runtime.DefaultMaxSteps
	DefaultMaxRetries = runtime.DefaultMaxRetries
)

// Engine is the high-level entry point for the espalier library.
// It wraps the internal runtime and the run registry behind a small API.
type Engine struct {
	runtime *runtime.Engine

	store      ports.RunStore
	locker     ports.DistributedLocker
	lockTTL    time.Duration
	logger     *slog.Logger
	hooks      domain.LifecycleHooks
	runtimeOps []runtime.Option
}

// Option defines a functional option for configuring the Engine.
type Option func(*Engine)

// WithLogger sets a custom structured logger for the engine.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithStore persists run snapshots. Defaults to an in-memory store.
func WithStore(store ports.RunStore) Option {
	return func(e *Engine) {
		e.store = store
	}
}

// WithLocker enables cross-process run exclusion, e.g. with the Redis locker.
func WithLocker(locker ports.DistributedLocker) Option {
	return func(e *Engine) {
		e.locker = locker
	}
}

// WithLockTTL sets how long a distributed run lock lives without renewal.
func WithLockTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		e.lockTTL = ttl
	}
}

// WithLifecycleHooks registers observability hooks.
// Calling it more than once chains the hooks.
func WithLifecycleHooks(hooks domain.LifecycleHooks) Option {
	return func(e *Engine) {
		e.hooks = domain.ChainHooks(e.hooks, hooks)
	}
}

// WithRecorder feeds node and run metrics to r (see observability.Recorder).
func WithRecorder(r ports.Recorder) Option {
	return runtimeOption(runtime.WithRecorder(r))
}

// WithTracer emits OpenTelemetry spans for runs and nodes.
func WithTracer(t trace.Tracer) Option {
	return runtimeOption(runtime.WithTracer(t))
}

// WithMaxSteps sets the per-run step budget (default 25).
func WithMaxSteps(n int) Option {
	return runtimeOption(runtime.WithMaxSteps(n))
}

// WithMaxRetries sets how many recovery attempts a run gets (default 3).
func WithMaxRetries(n int) Option {
	return runtimeOption(runtime.WithMaxRetries(n))
}

// WithFallbackMessage sets the final_answer written when recovery gives up.
func WithFallbackMessage(msg string) Option {
	return runtimeOption(runtime.WithFallbackMessage(msg))
}

// WithRecoveryPolicy overrides error classification and recovery strategies.
func WithRecoveryPolicy(p domain.RecoveryPolicy) Option {
	return runtimeOption(runtime.WithRecoveryPolicy(p))
}

func runtimeOption(opt runtime.Option) Option {
	return func(e *Engine) {
		e.runtimeOps = append(e.runtimeOps, opt)
	}
}

// New initializes an Engine. Runs live in memory unless WithStore is given.
func New(opts ...Option) *Engine {
	e := &Engine{}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = logging.NewNop()
	}
	if e.store == nil {
		e.store = memory.NewStore()
	}

	reg := registry.New(
		registry.WithStore(e.store),
		registry.WithLocker(e.locker),
		registry.WithLockTTL(e.lockTTL),
		registry.WithLogger(e.logger),
	)

	runtimeOpts := []runtime.Option{
		runtime.WithRegistry(reg),
		runtime.WithLogger(e.logger),
		runtime.WithLifecycleHooks(e.hooks),
	}
	e.runtime = runtime.New(append(runtimeOpts, e.runtimeOps...)...)
	return e
}

// Register makes a workflow startable by name and resumable from a snapshot.
func (e *Engine) Register(defs ...*graph.Definition) error {
	for _, def := range defs {
		if err := e.runtime.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// Start runs def from its start node until it completes, fails or suspends.
// Handler failures are reported in the record, not as an error.
func (e *Engine) Start(ctx context.Context, def *graph.Definition, initial map[string]any) (*domain.ExecutionRecord, error) {
	return e.runtime.Start(ctx, def, initial)
}

// StartNamed starts a registered workflow.
func (e *Engine) StartNamed(ctx context.Context, workflow string, initial map[string]any) (*domain.ExecutionRecord, error) {
	return e.runtime.StartNamed(ctx, workflow, initial)
}

// Stream starts def and returns a channel of step events, closed when the
// run stops stepping. Drain it: an unread channel pauses the run until ctx
// is done or the run is cancelled.
func (e *Engine) Stream(ctx context.Context, def *graph.Definition, initial map[string]any) (<-chan domain.StepEvent, error) {
	return e.runtime.Stream(ctx, def, initial)
}

// Resume delivers an approval decision to a suspended run.
func (e *Engine) Resume(ctx context.Context, decision domain.ApprovalDecision) (*domain.ExecutionRecord, error) {
	return e.runtime.Resume(ctx, decision)
}

// GetStatus returns a snapshot of the run.
func (e *Engine) GetStatus(ctx context.Context, runID string) (*domain.ExecutionRecord, error) {
	return e.runtime.GetStatus(ctx, runID)
}

// Cancel stops a run at its next step boundary.
func (e *Engine) Cancel(ctx context.Context, runID string) error {
	return e.runtime.Cancel(ctx, runID)
}

// ListRuns returns every known run, newest first.
func (e *Engine) ListRuns(ctx context.Context) ([]*domain.ExecutionRecord, error) {
	return e.runtime.ListRuns(ctx)
}

// DeleteRun evicts a run.
func (e *Engine) DeleteRun(ctx context.Context, runID string) error {
	return e.runtime.DeleteRun(ctx, runID)
}

// CleanupOldData evicts finished and suspended runs older than retention.
func (e *Engine) CleanupOldData(ctx context.Context, retention time.Duration) (int, error) {
	return e.runtime.CleanupOldData(ctx, retention)
}

// Workflow returns a registered definition.
func (e *Engine) Workflow(name string) (*graph.Definition, bool) {
	return e.runtime.Workflow(name)
}

// Workflows lists registered workflow names.
func (e *Engine) Workflows() []string {
	return e.runtime.Workflows()
}

// Store returns the run store backing the engine.
func (e *Engine) Store() ports.RunStore {
	return e.store
}

var _ ports.Engine = (*Engine)(nil)
