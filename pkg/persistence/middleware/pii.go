package middleware

import (
	"context"
	"regexp"

	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/ports"
)

// Mask replaces the values of masked fields.
const Mask = "***"

type piiMiddleware struct {
	next     ports.RunStore
	patterns []*regexp.Regexp
}

// NewPIIMiddleware creates a middleware that masks, in persisted snapshots,
// the values of state fields whose key matches any of the patterns. Nested
// maps are masked too. The live record held by the engine is never touched.
func NewPIIMiddleware(patternStrings []string) (Middleware, error) {
	patterns := make([]*regexp.Regexp, len(patternStrings))
	for i, p := range patternStrings {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		patterns[i] = re
	}
	return func(next ports.RunStore) ports.RunStore {
		return &piiMiddleware{next: next, patterns: patterns}
	}, nil
}

func (m *piiMiddleware) Save(ctx context.Context, runID string, rec *domain.ExecutionRecord) error {
	cloned := rec.Clone()
	if cloned.State != nil {
		maskMap(cloned.State.Fields, m.patterns)
	}
	return m.next.Save(ctx, runID, cloned)
}

func (m *piiMiddleware) Load(ctx context.Context, runID string) (*domain.ExecutionRecord, error) {
	return m.next.Load(ctx, runID)
}

func (m *piiMiddleware) Delete(ctx context.Context, runID string) error {
	return m.next.Delete(ctx, runID)
}

func (m *piiMiddleware) List(ctx context.Context) ([]string, error) {
	return m.next.List(ctx)
}

func maskMap(fields map[string]any, patterns []*regexp.Regexp) {
	for k, v := range fields {
		if matches(k, patterns) {
			fields[k] = Mask
			continue
		}
		switch t := v.(type) {
		case map[string]any:
			maskMap(t, patterns)
		case []any:
			for _, item := range t {
				if sub, ok := item.(map[string]any); ok {
					maskMap(sub, patterns)
				}
			}
		}
	}
}

func matches(key string, patterns []*regexp.Regexp) bool {
	for _, p := range patterns {
		if p.MatchString(key) {
			return true
		}
	}
	return false
}
