package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// MarshalRecord encodes a snapshot for persistence.
func MarshalRecord(rec *ExecutionRecord) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal run %s: %w", rec.RunID, err)
	}
	return data, nil
}

// UnmarshalRecord decodes a persisted snapshot. Numbers in state fields are
// kept as json.Number so that large integers survive the round trip; View.Int
// and Truthy understand them.
func UnmarshalRecord(data []byte) (*ExecutionRecord, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var rec ExecutionRecord
	if err := dec.Decode(&rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run: %w", err)
	}
	if rec.State == nil {
		rec.State = NewState(nil)
	}
	if rec.State.Fields == nil {
		rec.State.Fields = make(map[string]any)
	}
	return &rec, nil
}
