package observability_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/observability"
	"github.com/aretw0/espalier/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ ports.Recorder = (*observability.Recorder)(nil)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newRecorder(t *testing.T) (*observability.Recorder, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)}
	rec, err := observability.NewRecorder(observability.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = rec.Close() })
	return rec, clock
}

// run records a run with one node and returns after the run completed.
func run(rec *observability.Recorder, clock *fakeClock, id string, d time.Duration, nodeErr error) {
	rec.StartRun(id, "w")
	exec := rec.StartNode(id, "work")
	clock.Advance(d)
	rec.CompleteNode(id, exec, nodeErr)
	status := domain.StatusCompleted
	var runErr error
	if nodeErr != nil {
		status = domain.StatusFailed
		runErr = &domain.ErrorInfo{Code: domain.CodeRetriesExhausted, Message: "gave up"}
	}
	rec.CompleteRun(id, status, runErr)
}

func TestRecorder_Analytics(t *testing.T) {
	rec, clock := newRecorder(t)

	for i, d := range []time.Duration{1, 2, 3, 4, 10} {
		var err error
		if i == 4 {
			err = domain.ToolFailure(errors.New("search down"))
		}
		run(rec, clock, string(rune('a'+i)), d*time.Second, err)
	}
	rec.Flush()

	sum := rec.Analytics(0)
	assert.Equal(t, 5, sum.Total)
	assert.Equal(t, 4, sum.Succeeded)
	assert.Equal(t, 1, sum.Failed)
	assert.InDelta(t, 0.8, sum.SuccessRate(), 1e-9)
	assert.Equal(t, 4*time.Second, sum.AvgDuration)
	assert.Equal(t, 3*time.Second, sum.MedianDuration)
	assert.Equal(t, 10*time.Second, sum.P95Duration)

	require.Len(t, sum.Nodes, 1)
	node := sum.Nodes[0]
	assert.Equal(t, "work", node.NodeID)
	assert.Equal(t, 5, node.Executions)
	assert.Equal(t, 1, node.Failed)
	assert.InDelta(t, 0.8, node.SuccessRate, 1e-9)
	assert.Equal(t, 4*time.Second, node.AvgDuration)

	assert.Equal(t, []observability.ErrorCount{{Category: "retries_exhausted", Count: 1}}, sum.TopErrors)
	assert.Equal(t, []observability.ErrorCount{{Category: "tool_failure", Count: 1}}, sum.NodeErrors)
}

func TestRecorder_Window(t *testing.T) {
	rec, clock := newRecorder(t)

	run(rec, clock, "old", time.Second, nil)
	clock.Advance(2 * time.Hour)
	run(rec, clock, "new", time.Second, nil)
	rec.Flush()

	assert.Equal(t, 2, rec.Analytics(0).Total)
	assert.Equal(t, 1, rec.Analytics(time.Hour).Total)
}

func TestRecorder_ErrorCountsSorted(t *testing.T) {
	rec, clock := newRecorder(t)

	for i := 0; i < 3; i++ {
		id := string(rune('a' + i))
		rec.StartRun(id, "w")
		exec := rec.StartNode(id, "n")
		rec.CompleteNode(id, exec, errors.New("upstream timeout"))
		rec.CompleteRun(id, domain.StatusFailed, &domain.ErrorInfo{Code: domain.CodeStepBudget})
	}
	exec := rec.StartNode("a", "n")
	clock.Advance(time.Millisecond)
	rec.CompleteNode("a", exec, errors.New("could not parse plan"))
	rec.Flush()

	sum := rec.Analytics(0)
	// each failed run counts once, however many node failures led to it
	assert.Equal(t, []observability.ErrorCount{{Category: "step_budget_exceeded", Count: 3}}, sum.TopErrors)
	assert.Equal(t, []observability.ErrorCount{
		{Category: "timeout", Count: 3},
		{Category: "reasoning_failure", Count: 1},
	}, sum.NodeErrors)
}

func TestRecorder_Prune(t *testing.T) {
	rec, clock := newRecorder(t)

	run(rec, clock, "old", time.Second, errors.New("tool crashed"))
	rec.StartRun("waiting", "w")
	rec.CompleteRun("waiting", domain.StatusSuspended, nil)
	abandoned := rec.StartNode("gone", "work")
	require.NotEmpty(t, abandoned)

	clock.Advance(2 * time.Hour)
	cutoff := clock.Now().Add(-time.Hour)
	rec.StartRun("live", "w")
	rec.StartNode("live", "work")
	run(rec, clock, "new", time.Second, nil)

	assert.Equal(t, 2, rec.Prune(cutoff))

	sum := rec.Analytics(0)
	assert.Equal(t, 1, sum.Total)
	assert.Equal(t, 0, sum.Suspended)
	assert.Empty(t, sum.TopErrors)
	assert.Empty(t, sum.NodeErrors)
	require.Len(t, sum.Nodes, 1)
	assert.Equal(t, 1, sum.Nodes[0].Executions)

	assert.Zero(t, rec.Prune(cutoff))
}

func TestRecorder_SuspendedRunsAreNotFinished(t *testing.T) {
	rec, clock := newRecorder(t)

	rec.StartRun("r", "w")
	rec.CompleteRun("r", domain.StatusSuspended, nil)
	rec.Flush()
	sum := rec.Analytics(0)
	assert.Equal(t, 0, sum.Total)
	assert.Equal(t, 1, sum.Suspended)

	clock.Advance(time.Minute)
	rec.CompleteRun("r", domain.StatusCompleted, nil)
	rec.Flush()
	sum = rec.Analytics(0)
	assert.Equal(t, 1, sum.Total)
	assert.Equal(t, 0, sum.Suspended)
	assert.Equal(t, time.Minute, sum.AvgDuration)
}

func TestRecorder_ConcurrentStartsAndFlush(t *testing.T) {
	rec, clock := newRecorder(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			run(rec, clock, string(rune(0x4e00+i)), time.Millisecond, nil)
		}(i)
	}
	wg.Wait()
	rec.Flush()

	assert.Equal(t, 50, rec.Analytics(0).Total)
}

func TestRecorder_CloseIsIdempotent(t *testing.T) {
	rec, err := observability.NewRecorder()
	require.NoError(t, err)
	rec.StartRun("r", "w")
	require.NoError(t, rec.Close())
	assert.NoError(t, rec.Close())

	// publishing after close must not block or panic
	rec.StartRun("late", "w")
	rec.Flush()
}

func TestRecorder_DoesNotBlockCaller(t *testing.T) {
	rec, err := observability.NewRecorder(observability.WithBuffer(1))
	require.NoError(t, err)
	defer rec.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			rec.StartNode("r", "n")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("recording blocked the caller")
	}
}
