package registry

import (
	"context"
	"fmt"
	"testing"

	"github.com/aretw0/espalier/pkg/domain"
)

func TestRegistry_LockLifecycle(t *testing.T) {
	reg := New()
	ctx := context.Background()
	count := 10000

	// 1. Create and Delete many runs
	for i := 0; i < count; i++ {
		id := fmt.Sprintf("run-%d", i)
		_ = reg.Create(ctx, &domain.ExecutionRecord{RunID: id, State: domain.NewState(nil)})
		_ = reg.Delete(ctx, id)
	}

	// 2. Count locks remaining in map
	lockCount := len(reg.locks)

	// 3. Assert no leak
	t.Logf("Runs Created: %d, Locks Leaked: %d", count, lockCount)

	if lockCount != 0 {
		t.Errorf("Memory Leak Detected: %d locks remaining in memory after Delete", lockCount)
	}
}

func TestRegistry_CancelStateReleased(t *testing.T) {
	reg := New()
	ctx := context.Background()
	finish := func(status domain.RunStatus) func(context.Context, *Run) error {
		return func(_ context.Context, run *Run) error {
			run.Record.Status = status
			return nil
		}
	}

	for i, status := range []domain.RunStatus{domain.StatusRunning, domain.StatusFailed, domain.StatusCompleted, domain.StatusSuspended} {
		id := fmt.Sprintf("run-%d", i)
		if err := reg.Create(ctx, &domain.ExecutionRecord{RunID: id, Status: domain.StatusRunning, State: domain.NewState(nil)}); err != nil {
			t.Fatal(err)
		}
		reg.RequestCancel(id)
		sig := reg.cancelSignal(id)
		if _, err := reg.WithRun(ctx, id, finish(status)); err != nil {
			t.Fatal(err)
		}
		select {
		case <-sig:
		default:
			t.Errorf("%s: cancel signal should be closed", id)
		}
	}

	// only the run that is still running keeps its request
	if n := len(reg.cancels); n != 1 {
		t.Errorf("expected 1 pending cancellation, got %d", n)
	}
	if !reg.CancelRequested("run-0") {
		t.Error("running run lost its cancellation request")
	}
}
