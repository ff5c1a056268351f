package http

import (
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
	"github.com/aretw0/espalier/pkg/observability"
	"github.com/aretw0/espalier/pkg/ports"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Analytics is the aggregate query served on /analytics.
type Analytics interface {
	Analytics(window time.Duration) observability.Summary
}

// Server exposes an engine over HTTP/JSON.
type Server struct {
	Engine    ports.Engine
	Analytics Analytics
	Streams   *StreamManager

	gatherer prometheus.Gatherer
	version  string
	logger   *slog.Logger
	validate *validator.Validate
}

// Option configures the Server.
type Option func(*Server)

// WithAnalytics serves Summary queries from a.
func WithAnalytics(a Analytics) Option {
	return func(s *Server) {
		s.Analytics = a
	}
}

// WithGatherer exposes a Prometheus registry on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// WithVersion sets the version reported by /info.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = strings.TrimSpace(v)
	}
}

// WithLogger configures a logger for the Server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// StartRunRequest is the body of POST /runs.
type StartRunRequest struct {
	Workflow string         `json:"workflow" validate:"required"`
	Input    map[string]any `json:"input,omitempty"`
}

// ResumeRequest is the body of POST /runs/{runID}/resume.
type ResumeRequest struct {
	RequestID string `json:"request_id" validate:"required"`
	Approved  bool   `json:"approved"`
	Feedback  string `json:"feedback,omitempty"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// NewHandler creates a new HTTP handler for the engine.
func NewHandler(engine ports.Engine, opts ...Option) http.Handler {
	s := &Server{
		Engine:   engine,
		Streams:  NewStreamManager(),
		version:  "dev",
		logger:   logging.NewNop(),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.Streams.logger = s.logger

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(enableCORS)

	r.Get("/health", s.GetHealth)
	r.Get("/info", s.GetInfo)
	r.Get("/workflows", s.ListWorkflows)
	r.Get("/workflows/{name}/graph", s.GetWorkflowGraph)
	r.Route("/runs", func(r chi.Router) {
		r.Get("/", s.ListRuns)
		r.Post("/", s.StartRun)
		r.Route("/{runID}", func(r chi.Router) {
			r.Get("/", s.GetRun)
			r.Post("/resume", s.ResumeRun)
			r.Post("/cancel", s.CancelRun)
			r.Get("/graph", s.GetRunGraph)
			r.Get("/events", s.SubscribeEvents)
		})
	})
	r.Get("/analytics", s.GetAnalytics)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetHealth handles GET /health.
func (s *Server) GetHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetInfo handles GET /info.
func (s *Server) GetInfo(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"app":     "espalier-http",
		"version": s.version,
	})
}

// ListWorkflows handles GET /workflows.
func (s *Server) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string][]string{"workflows": s.Engine.Workflows()})
}

// GetWorkflowGraph handles GET /workflows/{name}/graph and returns Mermaid text.
func (s *Server) GetWorkflowGraph(w http.ResponseWriter, r *http.Request) {
	def, ok := s.Engine.Workflow(chi.URLParam(r, "name"))
	if !ok {
		s.writeError(w, fmt.Errorf("%w: %s", domain.ErrUnknownWorkflow, chi.URLParam(r, "name")))
		return
	}
	s.writeMermaid(w, graph.Mermaid(def, nil))
}

// StartRun handles POST /runs. The call returns once the run has stopped
// stepping (completed, failed or suspended).
func (s *Server) StartRun(w http.ResponseWriter, r *http.Request) {
	var body StartRunRequest
	if !s.decode(w, r, &body) {
		return
	}
	rec, err := s.Engine.StartNamed(r.Context(), body.Workflow, body.Input)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, rec)
}

// ListRuns handles GET /runs. The optional status query filters results.
func (s *Server) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.Engine.ListRuns(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := runs[:0]
		for _, rec := range runs {
			if string(rec.Status) == status {
				filtered = append(filtered, rec)
			}
		}
		runs = filtered
	}
	summaries := make([]RunSummary, 0, len(runs))
	for _, rec := range runs {
		summaries = append(summaries, summarize(rec))
	}
	s.writeJSON(w, http.StatusOK, map[string][]RunSummary{"runs": summaries})
}

// GetRun handles GET /runs/{runID}.
func (s *Server) GetRun(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Engine.GetStatus(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

// ResumeRun handles POST /runs/{runID}/resume.
func (s *Server) ResumeRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	var body ResumeRequest
	if !s.decode(w, r, &body) {
		return
	}

	before, err := s.Engine.GetStatus(r.Context(), runID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	rec, err := s.Engine.Resume(r.Context(), domain.ApprovalDecision{
		RunID:     runID,
		RequestID: body.RequestID,
		Approved:  body.Approved,
		Feedback:  body.Feedback,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.broadcast(before, rec)
	s.writeJSON(w, http.StatusOK, rec)
}

// CancelRun handles POST /runs/{runID}/cancel.
func (s *Server) CancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	before, err := s.Engine.GetStatus(r.Context(), runID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.Engine.Cancel(r.Context(), runID); err != nil {
		s.writeError(w, err)
		return
	}
	rec, err := s.Engine.GetStatus(r.Context(), runID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.broadcast(before, rec)
	s.writeJSON(w, http.StatusAccepted, rec)
}

// GetRunGraph handles GET /runs/{runID}/graph: the workflow with the run's
// visited and current nodes highlighted.
func (s *Server) GetRunGraph(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Engine.GetStatus(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	def, ok := s.Engine.Workflow(rec.Workflow)
	if !ok {
		s.writeError(w, fmt.Errorf("%w: %s", domain.ErrUnknownWorkflow, rec.Workflow))
		return
	}
	s.writeMermaid(w, graph.Mermaid(def, graph.OverlayFor(rec)))
}

// GetAnalytics handles GET /analytics?window=1h. An empty window covers all runs.
func (s *Server) GetAnalytics(w http.ResponseWriter, r *http.Request) {
	if s.Analytics == nil {
		s.writeJSON(w, http.StatusNotImplemented, ErrorResponse{Error: "analytics are not enabled"})
		return
	}
	var window time.Duration
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			s.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("invalid window %q", raw)})
			return
		}
		window = d
	}
	s.writeJSON(w, http.StatusOK, s.Analytics.Analytics(window))
}

// RunSummary is the list view of a run.
type RunSummary struct {
	RunID       string           `json:"run_id"`
	Workflow    string           `json:"workflow"`
	Status      domain.RunStatus `json:"status"`
	CurrentNode string           `json:"current_node"`
	Steps       int              `json:"steps"`
	Retries     int              `json:"retries"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

func summarize(rec *domain.ExecutionRecord) RunSummary {
	return RunSummary{
		RunID:       rec.RunID,
		Workflow:    rec.Workflow,
		Status:      rec.Status,
		CurrentNode: rec.CurrentNode,
		Steps:       rec.State.StepCount,
		Retries:     rec.State.RetryCount,
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
	}
}

func (s *Server) broadcast(before, after *domain.ExecutionRecord) {
	ev := RunUpdate{RunID: after.RunID, Status: after.Status, CurrentNode: after.CurrentNode}
	if before != nil {
		ev.Diff = domain.Diff(before.State, after.State)
		ev.StatusChanged = before.Status != after.Status
	}
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Warn("Failed to encode run update", "run_id", after.RunID, "err", err)
		return
	}
	s.Streams.Broadcast(after.RunID, string(data))
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		s.logger.Warn("Invalid request body", "path", r.URL.Path, "err", err)
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		s.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return false
	}
	return true
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	var verr validator.ValidationErrors
	switch {
	case errors.Is(err, domain.ErrRunNotFound), errors.Is(err, domain.ErrUnknownWorkflow):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrApprovalAlreadyResolved),
		errors.Is(err, domain.ErrRunNotSuspended),
		errors.Is(err, domain.ErrApprovalMismatch),
		errors.Is(err, domain.ErrRunFinished):
		return http.StatusConflict
	case errors.As(err, &verr):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.logger.Error("Request failed", "err", err)
	}
	s.writeJSON(w, code, ErrorResponse{Error: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Response encode failed", "err", err)
	}
}

func (s *Server) writeMermaid(w http.ResponseWriter, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(text))
}
