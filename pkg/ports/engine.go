package ports

import (
	"context"

	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/graph"
)

// Engine is the surface used by driving adapters (HTTP, MCP, CLI).
// Workflows are addressed by the name they were registered under.
type Engine interface {
	// StartNamed starts a new run of a registered workflow and steps it until it stops.
	StartNamed(ctx context.Context, workflow string, initial map[string]any) (*domain.ExecutionRecord, error)

	// Resume delivers an approval decision to a suspended run.
	Resume(ctx context.Context, decision domain.ApprovalDecision) (*domain.ExecutionRecord, error)

	// GetStatus returns a snapshot of the run.
	GetStatus(ctx context.Context, runID string) (*domain.ExecutionRecord, error)

	// Cancel requests cancellation; the run stops at its next step boundary.
	Cancel(ctx context.Context, runID string) error

	// ListRuns returns snapshots of every known run.
	ListRuns(ctx context.Context) ([]*domain.ExecutionRecord, error)

	// Workflow returns a registered definition.
	Workflow(name string) (*graph.Definition, bool)

	// Workflows lists registered workflow names, sorted.
	Workflows() []string
}
