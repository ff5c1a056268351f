package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aretw0/espalier/internal/logging"
	"github.com/aretw0/espalier/pkg/ports"
	"github.com/google/uuid"
	backend "github.com/redis/go-redis/v9"
)

// ErrLockAcquire is returned when the lock cannot be acquired.
var ErrLockAcquire = errors.New("failed to acquire distributed lock")

// DefaultRetryInterval is how often Lock polls a held lock.
const DefaultRetryInterval = 100 * time.Millisecond

// unlockScript deletes the lock only if it still holds our token.
var unlockScript = backend.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// refreshScript extends the lock only if it still holds our token.
var refreshScript = backend.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end
`)

// Locker implements ports.DistributedLocker using Redis SET NX PX.
// A held lock is refreshed every third of its TTL until it is released.
type Locker struct {
	client *backend.Client
	prefix string
	retry  time.Duration
	logger *slog.Logger
}

// LockerOption configures the Locker.
type LockerOption func(*Locker)

// WithRetryInterval overrides DefaultRetryInterval.
func WithRetryInterval(d time.Duration) LockerOption {
	return func(l *Locker) {
		if d > 0 {
			l.retry = d
		}
	}
}

// WithLockerLogger reports locks that could not be kept alive.
func WithLockerLogger(logger *slog.Logger) LockerOption {
	return func(l *Locker) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLocker creates a new Redis locker.
func NewLocker(client *backend.Client, prefix string, opts ...LockerOption) *Locker {
	l := &Locker{
		client: client,
		prefix: prefix,
		retry:  DefaultRetryInterval,
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Lock blocks until the lock for key is acquired or ctx is done.
// The lock expires after ttl if it is never released.
func (l *Locker) Lock(ctx context.Context, key string, ttl time.Duration) (ports.UnlockFunc, error) {
	lockKey := l.prefix + "lock:" + key
	token := uuid.NewString()

	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, lockKey, token, ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %w", ErrLockAcquire, err)
		}
		if ok {
			stop := l.keepAlive(lockKey, token, ttl)
			return func(ctx context.Context) error {
				stop()
				return unlockScript.Run(ctx, l.client, []string{lockKey}, token).Err()
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// keepAlive extends the lock until the returned stop func is called.
// stop waits for the refresher to exit and is safe to call twice.
func (l *Locker) keepAlive(lockKey, token string, ttl time.Duration) (stop func()) {
	interval := ttl / 3
	if interval <= 0 {
		interval = time.Millisecond
	}
	quit := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-quit:
				return
			case <-ticker.C:
			}
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			n, err := refreshScript.Run(ctx, l.client, []string{lockKey}, token, ttl.Milliseconds()).Int()
			cancel()
			switch {
			case err != nil:
				l.logger.Warn("Failed to refresh distributed lock", "key", lockKey, "err", err)
			case n == 0:
				l.logger.Error("Distributed lock lost before release", "key", lockKey)
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(quit)
			<-done
		})
	}
}

var _ ports.DistributedLocker = (*Locker)(nil)
