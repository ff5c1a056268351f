package registry_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/ports"
	"github.com/aretw0/espalier/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRun(id string, status domain.RunStatus) *domain.ExecutionRecord {
	return &domain.ExecutionRecord{
		RunID:    id,
		Workflow: "w",
		Status:   status,
		State:    domain.NewState(map[string]any{"n": 0}),
	}
}

func TestRegistry_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	reg := registry.New()

	require.NoError(t, reg.Create(ctx, newRun("r1", domain.StatusRunning)))
	err := reg.Create(ctx, newRun("r1", domain.StatusRunning))
	assert.ErrorIs(t, err, registry.ErrRunExists)

	rec, err := reg.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "w", rec.Workflow)
	assert.False(t, rec.CreatedAt.IsZero())

	_, err = reg.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrRunNotFound)
}

func TestRegistry_WithRunIsExclusive(t *testing.T) {
	ctx := context.Background()
	reg := registry.New()
	require.NoError(t, reg.Create(ctx, newRun("race", domain.StatusRunning)))

	var active, maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := reg.WithRun(ctx, "race", func(ctx context.Context, run *registry.Run) error {
				now := atomic.AddInt32(&active, 1)
				for {
					old := atomic.LoadInt32(&maxActive)
					if now <= old || atomic.CompareAndSwapInt32(&maxActive, old, now) {
						break
					}
				}
				time.Sleep(time.Millisecond) // Simulate a handler
				run.Record.State.Fields["n"] = run.Record.State.Fields["n"].(int) + 1
				atomic.AddInt32(&active, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	rec, err := reg.Get(ctx, "race")
	require.NoError(t, err)
	assert.Equal(t, 20, rec.State.Fields["n"], "no lost updates")
	assert.Equal(t, int32(1), maxActive)
}

func TestRegistry_DifferentRunsInParallel(t *testing.T) {
	ctx := context.Background()
	reg := registry.New()
	require.NoError(t, reg.Create(ctx, newRun("a", domain.StatusRunning)))
	require.NoError(t, reg.Create(ctx, newRun("b", domain.StatusRunning)))

	inside := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = reg.WithRun(ctx, "a", func(context.Context, *registry.Run) error {
			close(inside)
			<-release
			return nil
		})
	}()
	<-inside

	done := make(chan struct{})
	go func() {
		_, _ = reg.WithRun(ctx, "b", func(context.Context, *registry.Run) error { return nil })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run b was blocked by run a")
	}
	close(release)
}

func TestRegistry_WithRunErrorDoesNotPersist(t *testing.T) {
	ctx := context.Background()
	reg := registry.New()
	require.NoError(t, reg.Create(ctx, newRun("r", domain.StatusSuspended)))

	boom := errors.New("boom")
	_, err := reg.WithRun(ctx, "r", func(ctx context.Context, run *registry.Run) error {
		run.Record.Status = domain.StatusCompleted
		return boom
	})
	assert.ErrorIs(t, err, boom)

	rec, err := reg.Get(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuspended, rec.Status)

	_, err = reg.WithRun(ctx, "ghost", func(context.Context, *registry.Run) error { return nil })
	assert.ErrorIs(t, err, domain.ErrRunNotFound)
}

func TestRegistry_Checkpoint(t *testing.T) {
	ctx := context.Background()
	reg := registry.New()
	require.NoError(t, reg.Create(ctx, newRun("r", domain.StatusRunning)))

	_, err := reg.WithRun(ctx, "r", func(ctx context.Context, run *registry.Run) error {
		run.Record.CurrentNode = "mid"
		require.NoError(t, run.Checkpoint(ctx))
		return errors.New("later failure")
	})
	require.Error(t, err)

	rec, err := reg.Get(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, "mid", rec.CurrentNode, "checkpointed progress survives")
}

func TestRegistry_Cancel(t *testing.T) {
	ctx := context.Background()
	reg := registry.New()
	require.NoError(t, reg.Create(ctx, newRun("r", domain.StatusRunning)))

	assert.False(t, reg.CancelRequested("r"))
	reg.RequestCancel("r")
	assert.True(t, reg.CancelRequested("r"))

	_, err := reg.WithRun(ctx, "r", func(ctx context.Context, run *registry.Run) error {
		assert.True(t, run.CancelRequested())
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, reg.Delete(ctx, "r"))
	assert.False(t, reg.CancelRequested("r"))
	assert.ErrorIs(t, reg.Delete(ctx, "r"), domain.ErrRunNotFound)
}

func TestRegistry_ListNewestFirst(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	reg := registry.New(registry.WithClock(func() time.Time { return clock }))

	require.NoError(t, reg.Create(ctx, newRun("old", domain.StatusCompleted)))
	clock = clock.Add(time.Minute)
	require.NoError(t, reg.Create(ctx, newRun("new", domain.StatusCompleted)))

	runs, err := reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "new", runs[0].RunID)
	assert.Equal(t, "old", runs[1].RunID)
}

func TestRegistry_CleanupOldData(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	reg := registry.New(registry.WithClock(func() time.Time { return clock }))

	require.NoError(t, reg.Create(ctx, newRun("done-old", domain.StatusCompleted)))
	require.NoError(t, reg.Create(ctx, newRun("failed-old", domain.StatusFailed)))
	require.NoError(t, reg.Create(ctx, newRun("suspended-old", domain.StatusSuspended)))
	require.NoError(t, reg.Create(ctx, newRun("running-old", domain.StatusRunning)))

	clock = clock.Add(48 * time.Hour)
	require.NoError(t, reg.Create(ctx, newRun("done-new", domain.StatusCompleted)))

	n, err := reg.CleanupOldData(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	runs, err := reg.List(ctx)
	require.NoError(t, err)
	var ids []string
	for _, r := range runs {
		ids = append(ids, r.RunID)
	}
	assert.ElementsMatch(t, []string{"running-old", "done-new"}, ids)

	_, err = reg.Get(ctx, "suspended-old")
	assert.ErrorIs(t, err, domain.ErrRunNotFound, "evicted runs can no longer be resumed")
}

type countingLocker struct {
	mu    sync.Mutex
	keys  []string
	ttls  []time.Duration
	freed int
}

func (l *countingLocker) Lock(ctx context.Context, key string, ttl time.Duration) (ports.UnlockFunc, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.keys = append(l.keys, key)
	l.ttls = append(l.ttls, ttl)
	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.freed++
		return nil
	}, nil
}

func TestRegistry_DistributedLocker(t *testing.T) {
	ctx := context.Background()
	locker := &countingLocker{}
	reg := registry.New(registry.WithLocker(locker), registry.WithLockTTL(5*time.Second))

	require.NoError(t, reg.Create(ctx, newRun("r", domain.StatusRunning)))
	_, err := reg.WithRun(ctx, "r", func(context.Context, *registry.Run) error { return nil })
	require.NoError(t, err)

	assert.Equal(t, []string{"run:r", "run:r"}, locker.keys)
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, locker.ttls)
	assert.Equal(t, 2, locker.freed)
}

type failingLocker struct{}

func (failingLocker) Lock(context.Context, string, time.Duration) (ports.UnlockFunc, error) {
	return nil, errors.New("redis down")
}

func TestRegistry_LockerFailure(t *testing.T) {
	reg := registry.New(registry.WithLocker(failingLocker{}))
	err := reg.Create(context.Background(), newRun("r", domain.StatusRunning))
	assert.ErrorContains(t, err, "failed to acquire distributed lock")
}
