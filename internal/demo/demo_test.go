package demo

import (
	"context"
	"testing"

	"github.com/aretw0/espalier"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngine(t *testing.T, opts ...espalier.Option) *espalier.Engine {
	t.Helper()
	def, err := Workflow()
	require.NoError(t, err)
	eng := espalier.New(opts...)
	require.NoError(t, eng.Register(def))
	return eng
}

func TestWorkflow_Builds(t *testing.T) {
	def, err := Workflow()
	require.NoError(t, err)
	assert.Equal(t, WorkflowName, def.Name())
	assert.Equal(t, "plan", def.Start())
	assert.Equal(t, "wrap_up", def.Finalize())
	assert.ElementsMatch(t, []string{"research", "review"}, def.Successors("research"))
}

func TestDemo_ApprovedRun(t *testing.T) {
	eng := newEngine(t)
	ctx := context.Background()

	rec, err := eng.StartNamed(ctx, WorkflowName, map[string]any{FieldTopic: "tide pools"})
	require.NoError(t, err)
	require.Equal(t, domain.StatusSuspended, rec.Status)
	assert.Equal(t, "approve", rec.CurrentNode)

	// plan, 3 research steps, one retried tool failure, review, approve
	assert.Equal(t, 7, rec.State.StepCount)
	assert.Equal(t, 1, rec.State.RetryCount)
	recoveries := rec.State.RecoveryEntries()
	require.Len(t, recoveries, 1)
	assert.Equal(t, domain.StrategyRetryWithoutTools, recoveries[0].Strategy)
	assert.Equal(t, "research", recoveries[0].Node)

	view := rec.State.View()
	assert.True(t, view.Bool(domain.FieldDisableTools))
	assert.True(t, view.Bool(FieldNeedsApproval))
	assert.Nil(t, view.Error())

	payload, ok := rec.Approval.Payload.(map[string]any)
	require.True(t, ok)
	assert.Contains(t, payload[FieldDraft], "# Research: tide pools")

	done, err := eng.Resume(ctx, domain.ApprovalDecision{
		RunID:     rec.RunID,
		RequestID: rec.Approval.ID,
		Approved:  true,
		Feedback:  "looks good",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, done.Status)

	final := done.State.View().String(domain.FieldFinalAnswer)
	assert.Contains(t, final, "search results for background of tide pools")
	assert.Contains(t, final, "notes on current state of tide pools (from memory)")
	assert.Contains(t, final, "Reviewer: looks good")
	assert.Equal(t, "done", done.State.CurrentPhase)
}

func TestDemo_RejectedRun(t *testing.T) {
	eng := newEngine(t)
	ctx := context.Background()

	rec, err := eng.StartNamed(ctx, WorkflowName, map[string]any{FieldTopic: "kelp"})
	require.NoError(t, err)
	require.Equal(t, domain.StatusSuspended, rec.Status)

	done, err := eng.Resume(ctx, domain.ApprovalDecision{
		RunID:     rec.RunID,
		RequestID: rec.Approval.ID,
		Feedback:  "too thin",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, done.Status)
	assert.Equal(t, "The draft was rejected: too thin", done.State.View().String(domain.FieldFinalAnswer))
}

func TestDemo_MissingTopicFallsBack(t *testing.T) {
	eng := newEngine(t, espalier.WithMaxRetries(2), espalier.WithFallbackMessage("no answer"))

	rec, err := eng.StartNamed(context.Background(), WorkflowName, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, rec.Status)
	assert.Equal(t, 2, rec.State.RetryCount)
	assert.Equal(t, "no answer", rec.State.View().String(domain.FieldFinalAnswer))
	require.NotNil(t, rec.State.Error)
	assert.Equal(t, domain.CodeRetriesExhausted, rec.State.Error.Code)
}

func TestCatalog_BadConfig(t *testing.T) {
	_, err := Catalog().Handler("plan", map[string]any{"steps": 0})
	assert.ErrorContains(t, err, "steps must be positive")
}
