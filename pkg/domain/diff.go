package domain

import (
	"reflect"
)

// StateDiff represents the changes between two states.
// It is designed to be serialized to JSON for partial updates on the client.
type StateDiff struct {
	// Fields contains only changed, added or deleted keys.
	// For deletions, the key is present with a nil value.
	Fields map[string]any `json:"fields,omitempty"`

	StepCount  *int    `json:"step_count,omitempty"`
	RetryCount *int    `json:"retry_count,omitempty"`
	Phase      *string `json:"current_phase,omitempty"`

	// Error is set when a new failure was recorded; ErrorCleared when a success cleared it.
	Error        *ErrorInfo `json:"error,omitempty"`
	ErrorCleared bool       `json:"error_cleared,omitempty"`

	// History contains entries appended since the old state.
	History *HistoryDelta `json:"history,omitempty"`
}

// HistoryDelta represents changes to the history log.
type HistoryDelta struct {
	Appended []HistoryEntry `json:"appended"`
}

// Diff calculates the difference between oldState and newState.
// If oldState is nil, it returns a diff representing the entire newState (initial load).
func Diff(oldState, newState *State) *StateDiff {
	if newState == nil {
		return nil
	}

	diff := &StateDiff{}
	if oldState == nil {
		oldState = &State{}
	}

	if oldState.StepCount != newState.StepCount {
		diff.StepCount = &newState.StepCount
	}
	if oldState.RetryCount != newState.RetryCount {
		diff.RetryCount = &newState.RetryCount
	}
	if oldState.CurrentPhase != newState.CurrentPhase {
		diff.Phase = &newState.CurrentPhase
	}

	switch {
	case newState.Error != nil && (oldState.Error == nil || *oldState.Error != *newState.Error):
		e := *newState.Error
		diff.Error = &e
	case newState.Error == nil && oldState.Error != nil:
		diff.ErrorCleared = true
	}

	diff.Fields = diffFields(oldState.Fields, newState.Fields)
	diff.History = diffHistory(oldState.History, newState.History)

	if diff.IsEmpty() {
		return nil
	}
	return diff
}

func diffFields(old, new map[string]any) map[string]any {
	delta := make(map[string]any)

	for k, newVal := range new {
		oldVal, exists := old[k]
		if !exists || !reflect.DeepEqual(oldVal, newVal) {
			delta[k] = deepCopy(newVal)
		}
	}

	for k := range old {
		if _, exists := new[k]; !exists {
			delta[k] = nil
		}
	}

	// nil so omitempty can remove the key
	if len(delta) == 0 {
		return nil
	}
	return delta
}

// diffHistory assumes append-only history.
func diffHistory(old, new []HistoryEntry) *HistoryDelta {
	if len(new) <= len(old) {
		return nil
	}
	return &HistoryDelta{
		Appended: append([]HistoryEntry(nil), new[len(old):]...),
	}
}

// IsEmpty checks if the diff contains any actionable changes.
func (d *StateDiff) IsEmpty() bool {
	return d.StepCount == nil &&
		d.RetryCount == nil &&
		d.Phase == nil &&
		d.Error == nil &&
		!d.ErrorCleared &&
		len(d.Fields) == 0 &&
		d.History == nil
}
