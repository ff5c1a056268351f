package ports

import (
	"context"

	"github.com/aretw0/espalier/pkg/domain"
)

// RunStore defines the interface for persisting run snapshots.
// This allows a suspended run to be resumed after a restart, or by another replica.
type RunStore interface {
	// Save persists the snapshot for a given run ID, replacing any previous one.
	Save(ctx context.Context, runID string, rec *domain.ExecutionRecord) error

	// Load retrieves the snapshot for a given run ID.
	// Returns domain.ErrRunNotFound if the run does not exist.
	Load(ctx context.Context, runID string) (*domain.ExecutionRecord, error)

	// Delete removes the snapshot for a given run ID. Deleting an unknown run is not an error.
	Delete(ctx context.Context, runID string) error

	// List returns the IDs of all persisted runs.
	List(ctx context.Context) ([]string, error)
}
