package ports

import (
	"context"
	"time"
)

// UnlockFunc is a function that releases a distributed lock.
type UnlockFunc func(ctx context.Context) error

// DistributedLocker defines the interface for distributed concurrency control.
// It lets the run registry keep a run exclusive across replicas that share a RunStore.
type DistributedLocker interface {
	// Lock acquires a lock for the given key (a run ID).
	// It blocks until the lock is acquired or the context is canceled.
	// The lock stays held until the UnlockFunc is called, however long that
	// takes; ttl only bounds how long it outlives a holder that died.
	// Returns an UnlockFunc that MUST be called to release the lock.
	Lock(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, error)
}
