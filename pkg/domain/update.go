package domain

// Update is the partial state a handler returns. The engine merges it with
// field-level overwrite semantics (see State.Apply).
type Update struct {
	// Fields overwrite top-level state fields.
	Fields map[string]any
	// Appends extend list fields instead of replacing them.
	Appends map[string][]any
	// Phase moves the run to a new application phase and is recorded in History.
	Phase string
	// Payload is attached to the ApprovalRequest when an approval node suspends.
	// It is not merged into the state.
	Payload any
}

// Set starts an update with one field.
func Set(key string, value any) Update {
	return Update{}.With(key, value)
}

// With returns the update with one more field set.
func (u Update) With(key string, value any) Update {
	fields := make(map[string]any, len(u.Fields)+1)
	for k, v := range u.Fields {
		fields[k] = v
	}
	fields[key] = value
	u.Fields = fields
	return u
}

// Append returns the update with values appended to a list field.
func (u Update) Append(key string, values ...any) Update {
	appends := make(map[string][]any, len(u.Appends)+1)
	for k, v := range u.Appends {
		appends[k] = v
	}
	appends[key] = append(append([]any(nil), appends[key]...), values...)
	u.Appends = appends
	return u
}

// WithPhase returns the update with a phase transition.
func (u Update) WithPhase(phase string) Update {
	u.Phase = phase
	return u
}

// WithPayload returns the update carrying an approval payload.
func (u Update) WithPayload(payload any) Update {
	u.Payload = payload
	return u
}

// IsEmpty reports whether applying the update would change nothing.
func (u Update) IsEmpty() bool {
	return len(u.Fields) == 0 && len(u.Appends) == 0 && u.Phase == ""
}
