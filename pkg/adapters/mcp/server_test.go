package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/aretw0/espalier"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/graph"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	def, err := graph.New("review").
		Node("draft", domain.KindNormal, domain.HandlerFunc(func(ctx context.Context, v domain.View) (domain.Update, domain.Signal, error) {
			return domain.Set("draft", "notes on "+v.String("topic")), domain.Continue, nil
		})).
		Node("gate", domain.KindApproval, domain.HandlerFunc(func(ctx context.Context, v domain.View) (domain.Update, domain.Signal, error) {
			return domain.Update{}.WithPayload(v.String("draft")), domain.Suspend, nil
		})).
		Node("done", domain.KindTerminal, domain.HandlerFunc(func(ctx context.Context, v domain.View) (domain.Update, domain.Signal, error) {
			return domain.Set(domain.FieldFinalAnswer, v.String("draft")), domain.Continue, nil
		})).
		AddEdge("draft", "gate").
		AddEdge("gate", "done").
		SetStart("draft").
		Build()
	require.NoError(t, err)

	eng := espalier.New()
	require.NoError(t, eng.Register(def))
	return NewServer(eng, "0.0.0-test\n")
}

func TestServer_StartAndResume(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	started, err := s.handleStartRun(ctx, mcp.CallToolRequest{}, StartRunArgs{
		Workflow: "review",
		Input:    map[string]any{"topic": "go"},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuspended, started.Status)
	assert.Equal(t, "gate", started.CurrentNode)
	require.NotNil(t, started.Approval)
	assert.Equal(t, domain.DecisionPending, started.Approval.Decision)
	assert.Equal(t, "notes on go", started.Approval.Payload)

	got, err := s.handleGetRun(ctx, mcp.CallToolRequest{}, RunArgs{RunID: started.RunID})
	require.NoError(t, err)
	assert.Equal(t, started.RunID, got.RunID)
	assert.Equal(t, domain.StatusSuspended, got.Status)

	resumed, err := s.handleResumeRun(ctx, mcp.CallToolRequest{}, ResumeRunArgs{
		RunID:     started.RunID,
		RequestID: started.Approval.RequestID,
		Approved:  true,
		Feedback:  "ship it",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, resumed.Status)
	assert.Equal(t, "notes on go", resumed.FinalAnswer)
	assert.Nil(t, resumed.Error)

	_, err = s.handleResumeRun(ctx, mcp.CallToolRequest{}, ResumeRunArgs{
		RunID:     started.RunID,
		RequestID: started.Approval.RequestID,
		Approved:  false,
	})
	assert.ErrorIs(t, err, domain.ErrApprovalAlreadyResolved)
}

func TestServer_Cancel(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	started, err := s.handleStartRun(ctx, mcp.CallToolRequest{}, StartRunArgs{Workflow: "review"})
	require.NoError(t, err)

	cancelled, err := s.handleCancelRun(ctx, mcp.CallToolRequest{}, RunArgs{RunID: started.RunID})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, cancelled.Status)
	require.NotNil(t, cancelled.Error)
	assert.Equal(t, domain.CodeCancelled, cancelled.Error.Code)

	_, err = s.handleCancelRun(ctx, mcp.CallToolRequest{}, RunArgs{RunID: started.RunID})
	assert.ErrorIs(t, err, domain.ErrRunFinished)
}

func TestServer_Errors(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	_, err := s.handleStartRun(ctx, mcp.CallToolRequest{}, StartRunArgs{})
	assert.ErrorContains(t, err, "invalid arguments")

	_, err = s.handleStartRun(ctx, mcp.CallToolRequest{}, StartRunArgs{Workflow: "missing"})
	assert.ErrorIs(t, err, domain.ErrUnknownWorkflow)

	_, err = s.handleGetRun(ctx, mcp.CallToolRequest{}, RunArgs{RunID: "nope"})
	assert.ErrorIs(t, err, domain.ErrRunNotFound)

	_, err = s.handleResumeRun(ctx, mcp.CallToolRequest{}, ResumeRunArgs{RunID: "nope"})
	assert.ErrorContains(t, err, "invalid arguments")
}

func TestServer_WorkflowsResource(t *testing.T) {
	s := newTestServer(t)

	contents, err := s.handleWorkflows(context.Background(), mcp.ReadResourceRequest{})
	require.NoError(t, err)
	require.Len(t, contents, 1)

	text, ok := contents[0].(mcp.TextResourceContents)
	require.True(t, ok)
	assert.Equal(t, WorkflowsURI, text.URI)
	assert.Equal(t, "application/json", text.MIMEType)

	var infos []WorkflowInfo
	require.NoError(t, json.Unmarshal([]byte(text.Text), &infos))
	require.Len(t, infos, 1)
	assert.Equal(t, "review", infos[0].Name)
	assert.Equal(t, "draft", infos[0].Start)
	require.Len(t, infos[0].Nodes, 3)
	assert.Equal(t, domain.KindApproval, infos[0].Nodes[1].Kind)
}
