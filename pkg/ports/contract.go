package ports

import (
	"context"
	"testing"
	"time"

	"github.com/aretw0/espalier/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunStoreContract runs a suite of tests to verify that a RunStore implementation
// adheres to the defined interface contract.
func RunStoreContract(t *testing.T, store RunStore) {
	ctx := context.Background()
	runID := "contract-test-run-" + time.Now().Format("20060102150405")

	newRecord := func(id string) *domain.ExecutionRecord {
		st := domain.NewState(map[string]any{"query": "q"})
		return &domain.ExecutionRecord{
			RunID:       id,
			Workflow:    "contract",
			Status:      domain.StatusSuspended,
			State:       st,
			CurrentNode: "approve",
			Resume:      "finalize",
			CreatedAt:   time.Now().UTC().Truncate(time.Millisecond),
			UpdatedAt:   time.Now().UTC().Truncate(time.Millisecond),
		}
	}

	t.Run("Save and Load", func(t *testing.T) {
		rec := newRecord(runID)
		rec.State.Fields["count"] = 42
		rec.State.StepCount = 3
		rec.State.RetryCount = 1
		rec.State.CurrentPhase = "review"
		rec.State.Error = &domain.ErrorInfo{Code: domain.CodeHandlerError, Category: domain.CategoryToolFailure, Message: "x"}
		rec.Approval = &domain.ApprovalRequest{ID: "req-1", RunID: runID, NodeID: "approve", Decision: domain.DecisionPending}

		err := store.Save(ctx, runID, rec)
		require.NoError(t, err, "Save should not return error")

		loaded, err := store.Load(ctx, runID)
		require.NoError(t, err, "Load should not return error")
		assert.Equal(t, rec.RunID, loaded.RunID)
		assert.Equal(t, rec.Status, loaded.Status)
		assert.Equal(t, rec.CurrentNode, loaded.CurrentNode)
		assert.Equal(t, rec.Resume, loaded.Resume)
		assert.Equal(t, "q", loaded.State.Fields["query"])
		// JSON persistence may turn ints into float64; only existence is part of the contract.
		assert.NotNil(t, loaded.State.Fields["count"])
		assert.Equal(t, 3, loaded.State.StepCount)
		assert.Equal(t, 1, loaded.State.RetryCount)
		assert.Equal(t, "review", loaded.State.CurrentPhase)
		require.NotNil(t, loaded.State.Error)
		assert.Equal(t, domain.CategoryToolFailure, loaded.State.Error.Category)
		require.NotNil(t, loaded.Approval)
		assert.Equal(t, "req-1", loaded.Approval.ID)
		assert.True(t, rec.UpdatedAt.Equal(loaded.UpdatedAt))
	})

	t.Run("Save Overwrites", func(t *testing.T) {
		rec := newRecord(runID)
		rec.Status = domain.StatusCompleted
		require.NoError(t, store.Save(ctx, runID, rec))

		loaded, err := store.Load(ctx, runID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCompleted, loaded.Status)
	})

	t.Run("Load Non-Existent", func(t *testing.T) {
		_, err := store.Load(ctx, "non-existent-"+runID)
		assert.ErrorIs(t, err, domain.ErrRunNotFound)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, store.Save(ctx, runID, newRecord(runID)))

		err := store.Delete(ctx, runID)
		require.NoError(t, err, "Delete should not return error")

		_, err = store.Load(ctx, runID)
		assert.ErrorIs(t, err, domain.ErrRunNotFound, "Load after Delete should return ErrRunNotFound")

		assert.NoError(t, store.Delete(ctx, runID), "deleting twice is not an error")
	})

	t.Run("List", func(t *testing.T) {
		id1 := runID + "-1"
		id2 := runID + "-2"
		require.NoError(t, store.Save(ctx, id1, newRecord(id1)))
		require.NoError(t, store.Save(ctx, id2, newRecord(id2)))

		defer func() {
			_ = store.Delete(ctx, id1)
			_ = store.Delete(ctx, id2)
		}()

		runs, err := store.List(ctx)
		require.NoError(t, err)
		assert.Contains(t, runs, id1)
		assert.Contains(t, runs, id2)
	})
}
