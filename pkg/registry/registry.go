package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/aretw0/espalier/internal/logging"
	"github.com/aretw0/espalier/pkg/adapters/memory"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/ports"
)

// DefaultLockTTL bounds how long a distributed run lock survives a crashed holder.
const DefaultLockTTL = 30 * time.Second

// ErrRunExists is returned by Create when the run ID is already taken.
var ErrRunExists = errors.New("run already exists")

// lockEntry holds the mutex and the reference count.
type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// Registry tracks runs by ID and guarantees that at most one caller steps a
// given run at a time. Different runs proceed fully in parallel.
// It uses Reference Counting to garbage collect unused locks.
type Registry struct {
	store ports.RunStore

	mu      sync.Mutex            // Global lock for the maps
	locks   map[string]*lockEntry // Map of active locks
	cancels map[string]chan struct{} // Cancellation requests, closed once requested

	locker  ports.DistributedLocker // Optional distributed locker
	lockTTL time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures the Registry.
type Option func(*Registry)

// WithStore persists snapshots in store instead of process memory.
func WithStore(store ports.RunStore) Option {
	return func(r *Registry) {
		if store != nil {
			r.store = store
		}
	}
}

// WithLocker enables distributed locking.
func WithLocker(locker ports.DistributedLocker) Option {
	return func(r *Registry) {
		r.locker = locker
	}
}

// WithLockTTL overrides DefaultLockTTL.
func WithLockTTL(ttl time.Duration) Option {
	return func(r *Registry) {
		if ttl > 0 {
			r.lockTTL = ttl
		}
	}
}

// WithLogger configures a logger for the Registry.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// New creates a registry. Without WithStore, runs live in memory.
func New(opts ...Option) *Registry {
	r := &Registry{
		store:   memory.NewStore(),
		locks:   make(map[string]*lockEntry),
		cancels: make(map[string]chan struct{}),
		lockTTL: DefaultLockTTL,
		logger:  logging.NewNop(), // Default to no-op
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Store returns the underlying run store.
func (r *Registry) Store() ports.RunStore {
	return r.store
}

// Now returns the registry clock.
func (r *Registry) Now() time.Time {
	return r.now()
}

// acquire gets or creates a lock entry and increments its reference count.
// The caller MUST Lock the entry.mu, and then call release(runID) after unlocking.
func (r *Registry) acquire(runID string) *lockEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.locks[runID]
	if !exists {
		entry = &lockEntry{}
		r.locks[runID] = entry
	}
	entry.refs++
	return entry
}

// release decrements the reference count and deletes the entry if it reaches zero.
func (r *Registry) release(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.locks[runID]
	if !exists {
		return
	}

	entry.refs--
	if entry.refs <= 0 {
		delete(r.locks, runID)
	}
}

// withLock executes fn while holding the local and, if configured, the distributed lock for the run.
func (r *Registry) withLock(ctx context.Context, runID string, fn func(context.Context) error) error {
	entry := r.acquire(runID)
	entry.mu.Lock()
	defer func() {
		entry.mu.Unlock()
		r.release(runID)
	}()

	if r.locker != nil {
		unlock, err := r.locker.Lock(ctx, "run:"+runID, r.lockTTL)
		if err != nil {
			return fmt.Errorf("failed to acquire distributed lock: %w", err)
		}
		defer func() {
			// release even if ctx was cancelled while stepping
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				r.logger.Warn("Failed to release distributed lock (will expire via TTL)",
					"run_id", runID,
					"err", err,
				)
			}
		}()
	}

	return fn(ctx)
}

// Create registers a new run.
func (r *Registry) Create(ctx context.Context, rec *domain.ExecutionRecord) error {
	return r.withLock(ctx, rec.RunID, func(ctx context.Context) error {
		_, err := r.store.Load(ctx, rec.RunID)
		switch {
		case err == nil:
			return fmt.Errorf("%w: %s", ErrRunExists, rec.RunID)
		case !errors.Is(err, domain.ErrRunNotFound):
			return fmt.Errorf("failed to check run existence: %w", err)
		}
		now := r.now()
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = now
		}
		rec.UpdatedAt = now
		return r.store.Save(ctx, rec.RunID, rec)
	})
}

// Get returns a snapshot copy of the run.
func (r *Registry) Get(ctx context.Context, runID string) (*domain.ExecutionRecord, error) {
	rec, err := r.store.Load(ctx, runID)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Run is the exclusive handle passed to WithRun callbacks.
type Run struct {
	// Record is the working copy. Changes are persisted by Checkpoint and when the callback returns nil.
	Record *domain.ExecutionRecord

	reg *Registry
}

// Checkpoint persists the working copy without releasing the run.
func (h *Run) Checkpoint(ctx context.Context) error {
	h.Record.UpdatedAt = h.reg.now()
	return h.reg.store.Save(ctx, h.Record.RunID, h.Record)
}

// CancelRequested reports whether Cancel was called for this run.
func (h *Run) CancelRequested() bool {
	return h.Record.Cancelled || h.reg.CancelRequested(h.Record.RunID)
}

// CancelSignal is closed when cancellation is requested for this run.
func (h *Run) CancelSignal() <-chan struct{} {
	return h.reg.cancelSignal(h.Record.RunID)
}

// WithRun loads the run and executes fn with exclusive access.
// When fn returns nil the record is persisted and a copy returned.
// When fn fails nothing is persisted beyond earlier checkpoints.
// A pending cancellation request is dropped once the run stops running.
func (r *Registry) WithRun(ctx context.Context, runID string, fn func(ctx context.Context, run *Run) error) (*domain.ExecutionRecord, error) {
	var out *domain.ExecutionRecord
	err := r.withLock(ctx, runID, func(ctx context.Context) error {
		rec, err := r.store.Load(ctx, runID)
		if err != nil {
			return err
		}
		run := &Run{Record: rec, reg: r}
		if err := fn(ctx, run); err != nil {
			return err
		}
		// persist the outcome even when the caller's context is done
		if err := run.Checkpoint(context.WithoutCancel(ctx)); err != nil {
			return fmt.Errorf("failed to persist run: %w", err)
		}
		out = run.Record.Clone()
		if out.Status != domain.StatusRunning {
			r.ClearCancel(runID)
		}
		return nil
	})
	return out, err
}

// Delete evicts a run.
func (r *Registry) Delete(ctx context.Context, runID string) error {
	return r.withLock(ctx, runID, func(ctx context.Context) error {
		if _, err := r.store.Load(ctx, runID); err != nil {
			return err
		}
		r.ClearCancel(runID)
		return r.store.Delete(ctx, runID)
	})
}

// List returns snapshots of all runs, newest first.
func (r *Registry) List(ctx context.Context) ([]*domain.ExecutionRecord, error) {
	ids, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.ExecutionRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := r.store.Load(ctx, id)
		if errors.Is(err, domain.ErrRunNotFound) {
			continue // deleted meanwhile
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// RequestCancel flags the run for cancellation at its next step boundary.
func (r *Registry) RequestCancel(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := r.cancelLocked(runID)
	select {
	case <-ch:
	default:
		close(ch)
	}
}

// CancelRequested reports whether RequestCancel was called for the run.
func (r *Registry) CancelRequested(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.cancels[runID]
	if !ok {
		return false
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// ClearCancel drops the run's cancellation state.
func (r *Registry) ClearCancel(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cancels, runID)
}

func (r *Registry) cancelSignal(runID string) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelLocked(runID)
}

// cancelLocked must be called with r.mu held.
func (r *Registry) cancelLocked(runID string) chan struct{} {
	ch, ok := r.cancels[runID]
	if !ok {
		ch = make(chan struct{})
		r.cancels[runID] = ch
	}
	return ch
}

// CleanupOldData evicts runs that have not been updated within retention.
// Terminal and suspended runs are eligible; pending and running ones are kept.
// It returns the number of evicted runs.
func (r *Registry) CleanupOldData(ctx context.Context, retention time.Duration) (int, error) {
	ids, err := r.store.List(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := r.now().Add(-retention)

	evicted := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return evicted, err
		}
		err := r.withLock(ctx, id, func(ctx context.Context) error {
			rec, err := r.store.Load(ctx, id)
			if err != nil {
				return err
			}
			if rec.Status == domain.StatusRunning || rec.Status == domain.StatusPending {
				return nil
			}
			if !rec.UpdatedAt.Before(cutoff) {
				return nil
			}
			if err := r.store.Delete(ctx, id); err != nil {
				return err
			}
			r.ClearCancel(id)
			evicted++
			return nil
		})
		if err != nil && !errors.Is(err, domain.ErrRunNotFound) {
			return evicted, fmt.Errorf("cleanup of run %s: %w", id, err)
		}
	}
	if evicted > 0 {
		r.logger.Info("Evicted old runs", "count", evicted, "retention", retention)
	}
	return evicted, nil
}
