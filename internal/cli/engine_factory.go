package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aretw0/espalier"
	"github.com/aretw0/espalier/internal/config"
	"github.com/aretw0/espalier/internal/demo"
	"github.com/aretw0/espalier/pkg/adapters/file"
	"github.com/aretw0/espalier/pkg/adapters/memory"
	"github.com/aretw0/espalier/pkg/adapters/redis"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/graph"
	"github.com/aretw0/espalier/pkg/observability"
	"github.com/aretw0/espalier/pkg/persistence/middleware"
	"github.com/aretw0/espalier/pkg/ports"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Features selects the optional parts of a Runtime.
type Features struct {
	// Analytics wires the watermill-backed metrics recorder.
	Analytics bool
	// Metrics registers prometheus collectors.
	Metrics bool
	// Debug logs every node transition.
	Debug bool
	// Workflows are registered in addition to the demo workflow.
	Workflows []*graph.Definition
}

// Runtime is an engine plus everything the CLI has to release on exit.
type Runtime struct {
	Engine   *espalier.Engine
	Recorder *observability.Recorder
	Registry *prometheus.Registry
	Logger   *slog.Logger

	closers []func(context.Context) error
}

// Close releases the store, flushes the recorder and shuts the tracer down.
func (r *Runtime) Close(ctx context.Context) error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NewRuntime builds an engine following the configuration.
func NewRuntime(ctx context.Context, cfg config.Config, features Features) (*Runtime, error) {
	logger := cfg.Logger()
	rt := &Runtime{Logger: logger}

	store, locker, closeStore, err := NewStore(cfg.Store, logger)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, func(context.Context) error { return closeStore() })

	opts := []espalier.Option{
		espalier.WithLogger(logger),
		espalier.WithStore(store),
		espalier.WithMaxSteps(cfg.MaxSteps),
		espalier.WithMaxRetries(cfg.MaxRetries),
		espalier.WithFallbackMessage(cfg.FallbackMessage),
	}
	if locker != nil {
		opts = append(opts, espalier.WithLocker(locker), espalier.WithLockTTL(cfg.Store.LockTTL))
	}
	if features.Debug {
		opts = append(opts, espalier.WithLifecycleHooks(createDebugHooks(logger)))
	}

	if features.Metrics {
		rt.Registry = prometheus.NewRegistry()
		rt.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics, err := observability.NewMetrics(rt.Registry)
		if err != nil {
			_ = rt.Close(ctx)
			return nil, fmt.Errorf("metrics: %w", err)
		}
		opts = append(opts, espalier.WithLifecycleHooks(metrics.Hooks()))
	}

	if features.Analytics {
		rec, err := observability.NewRecorder(observability.WithLogger(logger))
		if err != nil {
			_ = rt.Close(ctx)
			return nil, fmt.Errorf("recorder: %w", err)
		}
		rt.Recorder = rec
		rt.closers = append(rt.closers, func(context.Context) error { return rec.Close() })
		opts = append(opts, espalier.WithRecorder(rec))
	}

	if cfg.Tracing.Enabled {
		tp, err := observability.NewTracerProvider(ctx, cfg.Tracing.ServiceName)
		if err != nil {
			_ = rt.Close(ctx)
			return nil, fmt.Errorf("tracing: %w", err)
		}
		rt.closers = append(rt.closers, tp.Shutdown)
		opts = append(opts, espalier.WithTracer(tp.Tracer("espalier")))
	}

	rt.Engine = espalier.New(opts...)

	def, err := demo.Workflow()
	if err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}
	if err := rt.Engine.Register(append([]*graph.Definition{def}, features.Workflows...)...); err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}
	return rt, nil
}

// NewStore opens the configured run store, wrapped in the configured
// middlewares. The locker is only set for redis.
func NewStore(cfg config.StoreConfig, logger *slog.Logger) (ports.RunStore, ports.DistributedLocker, func() error, error) {
	var (
		store  ports.RunStore
		locker ports.DistributedLocker
		closer = func() error { return nil }
	)

	switch cfg.Kind {
	case "", config.StoreMemory:
		store = memory.NewStore()
	case config.StoreFile:
		store = file.New(cfg.Path)
	case config.StoreRedis:
		rs := redis.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB,
			redis.WithPrefix(cfg.Prefix),
			redis.WithTTL(cfg.TTL),
		)
		store = rs
		locker = redis.NewLocker(rs.Client(), cfg.Prefix, redis.WithLockerLogger(logger))
		closer = rs.Close
	default:
		return nil, nil, nil, fmt.Errorf("unknown store kind %q", cfg.Kind)
	}

	mws, err := cfg.Middlewares()
	if err != nil {
		_ = closer()
		return nil, nil, nil, err
	}
	return middleware.Chain(store, mws...), locker, closer, nil
}

func createDebugHooks(logger *slog.Logger) domain.LifecycleHooks {
	return domain.LifecycleHooks{
		OnNodeEnter: func(ctx context.Context, e *domain.NodeEvent) {
			logger.Debug("Enter Node", "run_id", e.RunID, "node_id", e.NodeID, "kind", e.NodeKind, "step", e.Step)
		},
		OnNodeLeave: func(ctx context.Context, e *domain.NodeEvent) {
			if e.Err != nil {
				logger.Debug("Leave Node (Error)", "run_id", e.RunID, "node_id", e.NodeID, "duration", e.Duration, "err", e.Err)
				return
			}
			logger.Debug("Leave Node", "run_id", e.RunID, "node_id", e.NodeID, "duration", e.Duration)
		},
		OnRecovery: func(ctx context.Context, e *domain.RecoveryEvent) {
			logger.Debug("Recovery", "run_id", e.RunID, "node_id", e.NodeID, "strategy", e.Strategy, "attempt", e.Attempt, "exhausted", e.Exhausted)
		},
	}
}
