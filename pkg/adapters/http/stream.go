package http

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/aretw0/espalier/internal/logging"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/go-chi/chi/v5"
)

// RunUpdate is pushed to SSE subscribers when a run changes through this server.
type RunUpdate struct {
	RunID       string           `json:"run_id"`
	Status      domain.RunStatus `json:"status"`
	CurrentNode string           `json:"current_node"`
	// StatusChanged is set when the update moved the run to a new status.
	StatusChanged bool              `json:"status_changed,omitempty"`
	Diff          *domain.StateDiff `json:"diff,omitempty"`
}

// StreamManager handles active SSE connections.
type StreamManager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan<- string]struct{} // runID -> set of channels
	logger      *slog.Logger
}

func NewStreamManager() *StreamManager {
	return &StreamManager{
		subscribers: make(map[string]map[chan<- string]struct{}),
		logger:      logging.NewNop(),
	}
}

// Subscribe registers a channel for a run. The returned func unsubscribes and closes it.
func (sm *StreamManager) Subscribe(runID string) (chan string, func()) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	ch := make(chan string, 10)
	if _, ok := sm.subscribers[runID]; !ok {
		sm.subscribers[runID] = make(map[chan<- string]struct{})
	}
	sm.subscribers[runID][ch] = struct{}{}

	return ch, func() {
		sm.mu.Lock()
		defer sm.mu.Unlock()
		if subs, ok := sm.subscribers[runID]; ok {
			delete(subs, ch)
			close(ch)
			if len(subs) == 0 {
				delete(sm.subscribers, runID)
			}
		}
	}
}

// Broadcast sends msg to every subscriber of the run. Slow clients lose messages.
func (sm *StreamManager) Broadcast(runID string, msg string) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	for ch := range sm.subscribers[runID] {
		select {
		case ch <- msg:
		default:
			sm.logger.Warn("SSE: Client buffer full, dropping message", "run_id", runID)
		}
	}
}

// Subscribers returns the number of open streams for a run.
func (sm *StreamManager) Subscribers(runID string) int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.subscribers[runID])
}

// SubscribeEvents handles GET /runs/{runID}/events (SSE).
// The optional watch query (comma separated: fields, history, status)
// filters updates by what changed.
func (s *Server) SubscribeEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}
	runID := chi.URLParam(r, "runID")
	if _, err := s.Engine.GetStatus(r.Context(), runID); err != nil {
		s.writeError(w, err)
		return
	}

	var watch []string
	if raw := r.URL.Query().Get("watch"); raw != "" {
		for _, f := range strings.Split(raw, ",") {
			watch = append(watch, strings.TrimSpace(f))
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := s.Streams.Subscribe(runID)
	defer cancel()

	fmt.Fprintf(w, "event: ping\ndata: connected\n\n")
	flusher.Flush()
	s.logger.Debug("SSE: Subscribed", "run_id", runID)

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if len(watch) > 0 && !wanted(msg, watch) {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", msg)
			flusher.Flush()
		}
	}
}

func wanted(msg string, watch []string) bool {
	var update RunUpdate
	if err := json.Unmarshal([]byte(msg), &update); err != nil {
		return true
	}
	for _, field := range watch {
		switch field {
		case "fields":
			if update.Diff != nil && len(update.Diff.Fields) > 0 {
				return true
			}
		case "history":
			if update.Diff != nil && update.Diff.History != nil {
				return true
			}
		case "status":
			if update.StatusChanged {
				return true
			}
		}
	}
	return false
}
