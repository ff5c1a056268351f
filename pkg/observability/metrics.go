package observability

import (
	"context"

	"github.com/aretw0/espalier/pkg/domain"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes engine activity as Prometheus collectors.
type Metrics struct {
	runs         *prometheus.CounterVec
	nodeDuration *prometheus.HistogramVec
	recoveries   *prometheus.CounterVec
	suspensions  prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "espalier_runs_total",
				Help: "Runs that reached a terminal status",
			},
			[]string{"workflow", "status"},
		),
		nodeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "espalier_node_duration_seconds",
				Help:    "Duration of node handler executions",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"node_id", "outcome"},
		),
		recoveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "espalier_recoveries_total",
				Help: "Error recovery attempts by strategy",
			},
			[]string{"strategy"},
		),
		suspensions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "espalier_suspensions_total",
				Help: "Runs suspended at an approval checkpoint",
			},
		),
	}

	for _, c := range []prometheus.Collector{m.runs, m.nodeDuration, m.recoveries, m.suspensions} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Hooks returns lifecycle hooks feeding the collectors.
func (m *Metrics) Hooks() domain.LifecycleHooks {
	return domain.LifecycleHooks{
		OnNodeLeave: func(_ context.Context, e *domain.NodeEvent) {
			outcome := "ok"
			if e.Err != nil {
				outcome = "error"
			}
			m.nodeDuration.WithLabelValues(e.NodeID, outcome).Observe(e.Duration.Seconds())
		},
		OnRecovery: func(_ context.Context, e *domain.RecoveryEvent) {
			strategy := string(e.Strategy)
			if e.Exhausted {
				strategy = "exhausted"
			}
			m.recoveries.WithLabelValues(strategy).Inc()
		},
		OnSuspend: func(context.Context, *domain.SuspendEvent) {
			m.suspensions.Inc()
		},
		OnRunComplete: func(_ context.Context, e *domain.RunEvent) {
			m.runs.WithLabelValues(e.Workflow, string(e.Status)).Inc()
		},
	}
}
