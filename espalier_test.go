package espalier_test

import (
	"context"
	"errors"
	"testing"

	"github.com/aretw0/espalier"
	"github.com/aretw0/espalier/pkg/adapters/memory"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/graph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func approvalFlow(t *testing.T) *graph.Definition {
	t.Helper()
	def, err := graph.New("approval").
		Node("plan", domain.KindNormal, nil).
		Node("gate", domain.KindApproval, nil).
		Node("done", domain.KindTerminal, nil).
		AddEdge("plan", "gate").
		AddEdge("gate", "done").
		SetStart("plan").
		Build()
	require.NoError(t, err)
	return def
}

// A second engine sharing the store resumes a run suspended by the first,
// as a restarted process would.
func TestEngine_ResumeAcrossInstances(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	def := approvalFlow(t)

	first := espalier.New(espalier.WithStore(store))
	rec, err := first.Start(ctx, def, nil)
	require.NoError(t, err)
	require.Equal(t, domain.StatusSuspended, rec.Status)

	second := espalier.New(espalier.WithStore(store))
	_, err = second.Resume(ctx, domain.ApprovalDecision{RunID: rec.RunID, RequestID: rec.Approval.ID, Approved: true})
	assert.ErrorIs(t, err, domain.ErrUnknownWorkflow)

	require.NoError(t, second.Register(def))
	out, err := second.Resume(ctx, domain.ApprovalDecision{RunID: rec.RunID, RequestID: rec.Approval.ID, Approved: true})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, out.Status)
}

func TestEngine_Options(t *testing.T) {
	var completed []domain.RunStatus
	hooks := domain.LifecycleHooks{
		OnRunComplete: func(_ context.Context, e *domain.RunEvent) { completed = append(completed, e.Status) },
	}
	var entered int
	more := domain.LifecycleHooks{
		OnNodeEnter: func(context.Context, *domain.NodeEvent) { entered++ },
	}

	fail := domain.HandlerFunc(func(context.Context, domain.View) (domain.Update, domain.Signal, error) {
		return domain.Update{}, domain.Continue, errors.New("boom")
	})
	def, err := graph.New("failing").
		Node("A", domain.KindNormal, fail).
		Node("done", domain.KindTerminal, nil).
		AddEdge("A", "done").
		SetStart("A").
		Build()
	require.NoError(t, err)

	eng := espalier.New(
		espalier.WithMaxRetries(1),
		espalier.WithFallbackMessage("nope"),
		espalier.WithLifecycleHooks(hooks),
		espalier.WithLifecycleHooks(more),
	)
	rec, err := eng.Start(context.Background(), def, nil)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusFailed, rec.Status)
	assert.Equal(t, "nope", rec.State.Fields[domain.FieldFinalAnswer])
	assert.Equal(t, []domain.RunStatus{domain.StatusFailed}, completed)
	assert.Equal(t, 2, entered)
	assert.Equal(t, []string{"failing"}, eng.Workflows())
}
