package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aretw0/espalier/internal/logging"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/graph"
	"github.com/aretw0/espalier/pkg/ports"
	"github.com/go-playground/validator/v10"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// WorkflowsURI is the resource listing the registered workflows.
const WorkflowsURI = "espalier://workflows"

// RunResult is the structured output shared by every run tool.
type RunResult struct {
	RunID       string            `json:"run_id" jsonschema_description:"The run identifier"`
	Workflow    string            `json:"workflow" jsonschema_description:"The workflow the run executes"`
	Status      domain.RunStatus  `json:"status" jsonschema_description:"pending, running, suspended, completed or failed"`
	CurrentNode string            `json:"current_node" jsonschema_description:"The node the run is at"`
	Steps       int               `json:"steps" jsonschema_description:"Handler steps executed so far"`
	FinalAnswer string            `json:"final_answer,omitempty" jsonschema_description:"The user-facing answer once the run finished"`
	Approval    *ApprovalResult   `json:"approval,omitempty" jsonschema_description:"The approval request a suspended run waits on"`
	Error       *domain.ErrorInfo `json:"error,omitempty" jsonschema_description:"The last recorded failure"`
}

// ApprovalResult is the subset of an approval request an agent needs to resume a run.
type ApprovalResult struct {
	RequestID string          `json:"request_id"`
	NodeID    string          `json:"node_id"`
	Decision  domain.Decision `json:"decision"`
	Payload   any             `json:"payload,omitempty"`
}

// WorkflowInfo describes a registered workflow in the workflows resource.
type WorkflowInfo struct {
	Name     string            `json:"name"`
	Start    string            `json:"start"`
	Finalize string            `json:"finalize,omitempty"`
	Nodes    []domain.NodeSpec `json:"nodes"`
}

// StartRunArgs are the arguments of start_run.
type StartRunArgs struct {
	Workflow string         `json:"workflow" validate:"required"`
	Input    map[string]any `json:"input"`
}

// RunArgs are the arguments of get_run and cancel_run.
type RunArgs struct {
	RunID string `json:"run_id" validate:"required"`
}

// ResumeRunArgs are the arguments of resume_run.
type ResumeRunArgs struct {
	RunID     string `json:"run_id" validate:"required"`
	RequestID string `json:"request_id" validate:"required"`
	Approved  bool   `json:"approved"`
	Feedback  string `json:"feedback"`
}

// Server exposes an engine as an MCP server.
type Server struct {
	engine    ports.Engine
	mcpServer *server.MCPServer
	logger    *slog.Logger
	validate  *validator.Validate
}

// Option configures the Server.
type Option func(*Server)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewServer creates a new MCP Server instance.
func NewServer(engine ports.Engine, version string, opts ...Option) *Server {
	s := &Server{
		engine:   engine,
		logger:   logging.NewNop(),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.mcpServer = server.NewMCPServer("espalier-mcp", strings.TrimSpace(version),
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)
	s.registerTools()
	s.registerResources()
	return s
}

// MCPServer returns the underlying mcp-go server.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// ServeStdio starts the server on Stdin/Stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

// ServeSSE serves the MCP SSE transport on addr until ctx is done.
func (s *Server) ServeSSE(ctx context.Context, addr string) error {
	sseServer := server.NewSSEServer(s.mcpServer, server.WithBaseURL("http://"+localAddr(addr)))

	mux := http.NewServeMux()
	mux.Handle("/sse", sseServer.SSEHandler())
	mux.Handle("/message", sseServer.MessageHandler())

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("MCP server listening (SSE)", "address", addr)
		serverErrors <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("could not stop server gracefully: %w", err)
		}
		return nil
	}
}

func localAddr(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "localhost" + addr
	}
	return addr
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool("start_run",
		mcp.WithDescription("Start a run of a registered workflow and step it until it completes, fails or waits for approval."),
		mcp.WithString("workflow", mcp.Required(), mcp.Description("Name of the registered workflow")),
		mcp.WithObject("input", mcp.Description("Initial state fields")),
		mcp.WithOutputSchema[RunResult](),
	), mcp.NewStructuredToolHandler(s.handleStartRun))

	s.mcpServer.AddTool(mcp.NewTool("get_run",
		mcp.WithDescription("Get the current status of a run."),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("The run identifier")),
		mcp.WithOutputSchema[RunResult](),
	), mcp.NewStructuredToolHandler(s.handleGetRun))

	s.mcpServer.AddTool(mcp.NewTool("resume_run",
		mcp.WithDescription("Approve or reject the pending approval request of a suspended run."),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("The run identifier")),
		mcp.WithString("request_id", mcp.Required(), mcp.Description("The approval request identifier")),
		mcp.WithBoolean("approved", mcp.Required(), mcp.Description("Whether the request is approved")),
		mcp.WithString("feedback", mcp.Description("Reviewer feedback passed to the workflow")),
		mcp.WithOutputSchema[RunResult](),
	), mcp.NewStructuredToolHandler(s.handleResumeRun))

	s.mcpServer.AddTool(mcp.NewTool("cancel_run",
		mcp.WithDescription("Request cancellation of a run. The run stops at its next step boundary."),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("The run identifier")),
		mcp.WithOutputSchema[RunResult](),
	), mcp.NewStructuredToolHandler(s.handleCancelRun))
}

func (s *Server) handleStartRun(ctx context.Context, _ mcp.CallToolRequest, args StartRunArgs) (RunResult, error) {
	if err := s.validate.Struct(args); err != nil {
		return RunResult{}, fmt.Errorf("invalid arguments: %w", err)
	}
	rec, err := s.engine.StartNamed(ctx, args.Workflow, args.Input)
	if err != nil {
		return RunResult{}, fmt.Errorf("start failed: %w", err)
	}
	s.logger.Debug("MCP start_run", "run_id", rec.RunID, "workflow", rec.Workflow, "status", rec.Status)
	return resultFor(rec), nil
}

func (s *Server) handleGetRun(ctx context.Context, _ mcp.CallToolRequest, args RunArgs) (RunResult, error) {
	if err := s.validate.Struct(args); err != nil {
		return RunResult{}, fmt.Errorf("invalid arguments: %w", err)
	}
	rec, err := s.engine.GetStatus(ctx, args.RunID)
	if err != nil {
		return RunResult{}, err
	}
	return resultFor(rec), nil
}

func (s *Server) handleResumeRun(ctx context.Context, _ mcp.CallToolRequest, args ResumeRunArgs) (RunResult, error) {
	if err := s.validate.Struct(args); err != nil {
		return RunResult{}, fmt.Errorf("invalid arguments: %w", err)
	}
	rec, err := s.engine.Resume(ctx, domain.ApprovalDecision{
		RunID:     args.RunID,
		RequestID: args.RequestID,
		Approved:  args.Approved,
		Feedback:  args.Feedback,
	})
	if err != nil {
		s.logger.Warn("MCP resume_run rejected", "run_id", args.RunID, "err", err)
		return RunResult{}, fmt.Errorf("resume failed: %w", err)
	}
	return resultFor(rec), nil
}

func (s *Server) handleCancelRun(ctx context.Context, _ mcp.CallToolRequest, args RunArgs) (RunResult, error) {
	if err := s.validate.Struct(args); err != nil {
		return RunResult{}, fmt.Errorf("invalid arguments: %w", err)
	}
	if err := s.engine.Cancel(ctx, args.RunID); err != nil {
		return RunResult{}, fmt.Errorf("cancel failed: %w", err)
	}
	rec, err := s.engine.GetStatus(ctx, args.RunID)
	if err != nil {
		return RunResult{}, err
	}
	return resultFor(rec), nil
}

func (s *Server) registerResources() {
	s.mcpServer.AddResource(mcp.NewResource(WorkflowsURI, "Registered Workflows",
		mcp.WithResourceDescription("Workflows that start_run accepts, with their nodes"),
		mcp.WithMIMEType("application/json"),
	), s.handleWorkflows)
}

func (s *Server) handleWorkflows(_ context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	infos := []WorkflowInfo{}
	for _, name := range s.engine.Workflows() {
		def, ok := s.engine.Workflow(name)
		if !ok {
			continue
		}
		infos = append(infos, describe(def))
	}
	jsonBytes, err := json.Marshal(infos)
	if err != nil {
		return nil, fmt.Errorf("failed to encode workflows: %w", err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      WorkflowsURI,
			MIMEType: "application/json",
			Text:     string(jsonBytes),
		},
	}, nil
}

func describe(def *graph.Definition) WorkflowInfo {
	return WorkflowInfo{
		Name:     def.Name(),
		Start:    def.Start(),
		Finalize: def.Finalize(),
		Nodes:    def.Nodes(),
	}
}

func resultFor(rec *domain.ExecutionRecord) RunResult {
	res := RunResult{
		RunID:       rec.RunID,
		Workflow:    rec.Workflow,
		Status:      rec.Status,
		CurrentNode: rec.CurrentNode,
	}
	if rec.State != nil {
		res.Steps = rec.State.StepCount
		res.Error = rec.State.Error
		res.FinalAnswer = rec.State.View().String(domain.FieldFinalAnswer)
	}
	if rec.Approval != nil {
		res.Approval = &ApprovalResult{
			RequestID: rec.Approval.ID,
			NodeID:    rec.Approval.NodeID,
			Decision:  rec.Approval.Decision,
			Payload:   rec.Approval.Payload,
		}
	}
	return res
}
