package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// View is the read-only state snapshot handed to handlers and predicates.
// It owns a private copy, so nothing a handler does to values it reads can
// leak back into the run.
type View struct {
	s *State
}

// Get reads a field or a reserved key.
func (v View) Get(key string) (any, bool) {
	if v.s == nil {
		return nil, false
	}
	val, ok := v.s.Get(key)
	if !ok {
		return nil, false
	}
	return deepCopy(val), true
}

// String returns the field formatted as a string, or "" when absent.
func (v View) String(key string) string {
	val, ok := v.Get(key)
	if !ok || val == nil {
		return ""
	}
	if s, ok := val.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", val)
}

// Bool reports whether the field holds a truthy value.
func (v View) Bool(key string) bool {
	val, ok := v.Get(key)
	if !ok {
		return false
	}
	return Truthy(val)
}

// Int returns the field as an int. JSON numbers decoded as float64 or
// json.Number are converted; anything else yields 0.
func (v View) Int(key string) int {
	val, ok := v.Get(key)
	if !ok {
		return 0
	}
	switch n := val.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float64:
		return int(n)
	case float32:
		return int(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			f, _ := n.Float64()
			return int(f)
		}
		return int(i)
	case string:
		i, _ := strconv.Atoi(strings.TrimSpace(n))
		return i
	}
	return 0
}

// Has reports whether the field is present.
func (v View) Has(key string) bool {
	_, ok := v.Get(key)
	return ok
}

// Fields returns a copy of the application fields.
func (v View) Fields() map[string]any {
	if v.s == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(v.s.Fields))
	for k, val := range v.s.Fields {
		out[k] = deepCopy(val)
	}
	return out
}

func (v View) StepCount() int {
	if v.s == nil {
		return 0
	}
	return v.s.StepCount
}

func (v View) RetryCount() int {
	if v.s == nil {
		return 0
	}
	return v.s.RetryCount
}

func (v View) Phase() string {
	if v.s == nil {
		return ""
	}
	return v.s.CurrentPhase
}

// Error returns the last recorded failure, if any.
func (v View) Error() *ErrorInfo {
	if v.s == nil || v.s.Error == nil {
		return nil
	}
	e := *v.s.Error
	return &e
}

func (v View) History() []HistoryEntry {
	if v.s == nil {
		return nil
	}
	return append([]HistoryEntry(nil), v.s.History...)
}

// NewView wraps a copy of the state. Mostly useful in tests of handlers and predicates.
func NewView(s *State) View {
	return s.View()
}

// Truthy implements the loose truthiness used by predicates and the YAML
// "field:" shorthand.
func Truthy(val any) bool {
	switch t := val.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		clean := strings.ToLower(strings.TrimSpace(t))
		return clean != "" && clean != "false" && clean != "no" && clean != "0"
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	case json.Number:
		f, err := t.Float64()
		return err == nil && f != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}
	return true
}
