package runtime_test

import (
	"testing"

	"github.com/aretw0/espalier/internal/runtime"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoute_FirstTrueWins(t *testing.T) {
	view := domain.NewView(domain.NewState(map[string]any{"score": 9, "urgent": true}))
	group := domain.EdgeGroup{
		From: "triage",
		Cases: []domain.Case{
			{Name: "low", When: func(v domain.View) bool { return v.Int("score") < 3 }, To: "archive"},
			{Name: "urgent", When: func(v domain.View) bool { return v.Bool("urgent") }, To: "page"},
			{Name: "high", When: func(v domain.View) bool { return v.Int("score") > 5 }, To: "escalate"},
		},
		Default: "queue",
	}

	for i := 0; i < 10; i++ {
		assert.Equal(t, "page", runtime.Route(view, group))
	}

	to, idx, err := runtime.Match(view, group)
	require.NoError(t, err)
	assert.Equal(t, "page", to)
	assert.Equal(t, 1, idx)
}

func TestRoute_Default(t *testing.T) {
	view := domain.NewView(domain.NewState(nil))
	group := domain.EdgeGroup{
		Cases:   []domain.Case{{When: func(v domain.View) bool { return v.Bool("missing") }, To: "x"}, {To: "nil predicate"}},
		Default: "fallback",
	}

	to, idx, err := runtime.Match(view, group)
	require.NoError(t, err)
	assert.Equal(t, "fallback", to)
	assert.Equal(t, -1, idx)
}

func TestRoute_PanickingPredicate(t *testing.T) {
	view := domain.NewView(domain.NewState(nil))
	group := domain.EdgeGroup{
		From: "check",
		Cases: []domain.Case{
			{Name: "boom", When: func(domain.View) bool { panic("bad predicate") }, To: "never"},
			{Name: "ok", When: func(domain.View) bool { return true }, To: "next"},
		},
		Default: "fallback",
	}

	to, idx, err := runtime.Match(view, group)
	assert.Equal(t, "next", to)
	assert.Equal(t, 1, idx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad predicate")
}

func TestRoute_PredicatesCannotMutate(t *testing.T) {
	st := domain.NewState(map[string]any{"tags": []any{"a"}})
	group := domain.EdgeGroup{
		Cases: []domain.Case{{When: func(v domain.View) bool {
			tags, _ := v.Get("tags")
			tags.([]any)[0] = "mutated"
			return false
		}, To: "x"}},
		Default: "y",
	}

	runtime.Route(st.View(), group)
	assert.Equal(t, []any{"a"}, st.Fields["tags"])
}
