package domain

import (
	"encoding/json"
	"reflect"
	"time"
)

// Reserved state keys. Predicates can read them through View.Get, handlers
// cannot overwrite them through an Update (except current_phase).
const (
	KeyStepCount    = "step_count"
	KeyError        = "error"
	KeyRetryCount   = "retry_count"
	KeyCurrentPhase = "current_phase"
	KeyHistory      = "history"
)

// Well-known application fields written by the engine.
const (
	// FieldFinalAnswer holds the user-facing answer of a run. The engine writes
	// the fallback message here when recovery gives up.
	FieldFinalAnswer = "final_answer"
	// FieldDisableTools is set when a tool failure is retried without tools.
	FieldDisableTools = "disable_tools"
	// FieldSimplifiedMode is set when a reasoning failure is retried in simplified mode.
	FieldSimplifiedMode = "simplified_mode"
	// FieldCurrentPlanStep is reset to 0 when the workflow restarts from its first node.
	FieldCurrentPlanStep = "current_plan_step"
	// FieldApprovalFeedback carries the reviewer's feedback after Resume.
	FieldApprovalFeedback = "approval_feedback"
)

// HistoryKind tags a history entry.
type HistoryKind string

const (
	HistoryPhase    HistoryKind = "phase"
	HistoryRecovery HistoryKind = "recovery"
	HistoryApproval HistoryKind = "approval"
)

// HistoryEntry is one append-only record of a phase transition, a recovery
// attempt or an approval decision.
type HistoryEntry struct {
	Kind     HistoryKind      `json:"kind"`
	Node     string           `json:"node,omitempty"`
	Phase    string           `json:"phase,omitempty"`
	Strategy RecoveryStrategy `json:"strategy,omitempty"`
	Category ErrorCategory    `json:"category,omitempty"`
	Attempt  int              `json:"attempt,omitempty"`
	Detail   string           `json:"detail,omitempty"`
	At       time.Time        `json:"at"`
}

// State is the mutable record threaded through one run.
// It is owned by exactly one run and never shared.
type State struct {
	// Fields holds application data (strings, numbers, nested maps, lists).
	Fields map[string]any `json:"fields"`

	StepCount    int            `json:"step_count"`
	Error        *ErrorInfo     `json:"error,omitempty"`
	RetryCount   int            `json:"retry_count"`
	CurrentPhase string         `json:"current_phase,omitempty"`
	History      []HistoryEntry `json:"history,omitempty"`
}

// NewState creates a clean state seeded with a copy of the initial fields.
func NewState(initial map[string]any) *State {
	s := &State{Fields: make(map[string]any, len(initial))}
	for k, v := range initial {
		s.Fields[k] = deepCopy(v)
	}
	return s
}

// Clone returns a deep copy of the state.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	next := *s
	next.Fields = make(map[string]any, len(s.Fields))
	for k, v := range s.Fields {
		next.Fields[k] = deepCopy(v)
	}
	if s.Error != nil {
		e := *s.Error
		next.Error = &e
	}
	if s.History != nil {
		next.History = append([]HistoryEntry(nil), s.History...)
	}
	return &next
}

// Get reads a field, resolving reserved keys to the engine-owned fields.
func (s *State) Get(key string) (any, bool) {
	switch key {
	case KeyStepCount:
		return s.StepCount, true
	case KeyRetryCount:
		return s.RetryCount, true
	case KeyCurrentPhase:
		return s.CurrentPhase, true
	case KeyError:
		if s.Error == nil {
			return nil, false
		}
		return *s.Error, true
	case KeyHistory:
		return append([]HistoryEntry(nil), s.History...), true
	}
	v, ok := s.Fields[key]
	return v, ok
}

// View returns a read-only snapshot of the state.
func (s *State) View() View {
	return View{s: s.Clone()}
}

// Apply merges a partial update into the state.
// Fields are overwritten at the top level; lists and maps are replaced, not
// deep-merged. Appends extend list fields explicitly. A phase change is
// recorded in History. Reserved keys other than current_phase are refused
// and returned to the caller.
func (s *State) Apply(node string, u Update, now time.Time) []string {
	if s.Fields == nil {
		s.Fields = make(map[string]any)
	}

	var refused []string
	for k, v := range u.Fields {
		switch k {
		case KeyCurrentPhase:
			if phase, ok := v.(string); ok && u.Phase == "" {
				u.Phase = phase
				continue
			}
			refused = append(refused, k)
		case KeyStepCount, KeyRetryCount, KeyError, KeyHistory:
			refused = append(refused, k)
		default:
			s.Fields[k] = deepCopy(v)
		}
	}

	for k, values := range u.Appends {
		if isReserved(k) {
			refused = append(refused, k)
			continue
		}
		existing := toList(s.Fields[k])
		for _, v := range values {
			existing = append(existing, deepCopy(v))
		}
		s.Fields[k] = existing
	}

	if u.Phase != "" && u.Phase != s.CurrentPhase {
		s.History = append(s.History, HistoryEntry{
			Kind:   HistoryPhase,
			Node:   node,
			Phase:  u.Phase,
			Detail: s.CurrentPhase + " -> " + u.Phase,
			At:     now,
		})
		s.CurrentPhase = u.Phase
	}
	return refused
}

// RecoveryEntries returns the history entries written by error recovery.
func (s *State) RecoveryEntries() []HistoryEntry {
	var out []HistoryEntry
	for _, h := range s.History {
		if h.Kind == HistoryRecovery {
			out = append(out, h)
		}
	}
	return out
}

func isReserved(key string) bool {
	switch key {
	case KeyStepCount, KeyRetryCount, KeyError, KeyHistory, KeyCurrentPhase:
		return true
	}
	return false
}

// toList converts any slice value into a fresh []any so it can be appended to.
func toList(v any) []any {
	if v == nil {
		return nil
	}
	if l, ok := v.([]any); ok {
		return append([]any(nil), l...)
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return []any{v}
	}
	out := make([]any, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		out[i] = rv.Index(i).Interface()
	}
	return out
}

// deepCopy copies the JSON-like containers (maps and slices) so that a
// snapshot never aliases the live state.
func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[k] = deepCopy(val)
		}
		return m
	case []any:
		l := make([]any, len(t))
		for i, val := range t {
			l[i] = deepCopy(val)
		}
		return l
	case []string:
		return append([]string(nil), t...)
	case json.RawMessage:
		return append(json.RawMessage(nil), t...)
	default:
		return v
	}
}
