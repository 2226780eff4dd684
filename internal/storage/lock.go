package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	apperrors "github.com/portfolio-rebalancer/internal/errors"
	"github.com/portfolio-rebalancer/internal/logging"
)

// releaseScript deletes the lock only if it still holds our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RecordLocker serializes mutations of one portfolio record across processes
type RecordLocker struct {
	redis *RedisCache
	ttl   time.Duration
	wait  time.Duration
	poll  time.Duration
}

// NewRecordLocker creates a locker. ttl bounds how long a crashed holder blocks
// the record; wait is how long Acquire keeps trying.
func NewRecordLocker(cache *RedisCache, ttl, wait time.Duration) *RecordLocker {
	return &RecordLocker{
		redis: cache,
		ttl:   ttl,
		wait:  wait,
		poll:  50 * time.Millisecond,
	}
}

// Lock is a held record lock
type Lock struct {
	key    string
	token  string
	locker *RecordLocker
}

func lockKey(owner string) string {
	return ownerKey("lock:portfolio", owner)
}

// Acquire takes the lock for owner, waiting up to the configured wait.
// It returns RecordLocked when the record stays busy.
func (l *RecordLocker) Acquire(ctx context.Context, owner string) (*Lock, error) {
	key := lockKey(owner)
	token := uuid.New().String()
	deadline := time.Now().Add(l.wait)

	for {
		ok, err := l.redis.Client().SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, apperrors.NewCacheError("acquire lock", err)
		}
		if ok {
			return &Lock{key: key, token: token, locker: l}, nil
		}

		if !time.Now().Before(deadline) {
			return nil, apperrors.NewRecordLockedError(owner)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.poll):
		}
	}
}

// Release frees the lock if it is still ours. Releasing an expired lock is not an error.
func (lk *Lock) Release(ctx context.Context) error {
	err := releaseScript.Run(ctx, lk.locker.redis.Client(), []string{lk.key}, lk.token).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return apperrors.NewCacheError("release lock", err)
	}
	return nil
}

// WithLock runs fn while holding the lock for owner
func (l *RecordLocker) WithLock(ctx context.Context, owner string, fn func(ctx context.Context) error) error {
	lock, err := l.Acquire(ctx, owner)
	if err != nil {
		return err
	}
	defer func() {
		// A failed release expires with the TTL
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			logging.FromContext(ctx).WithError(err).WithField("owner", owner).Warn("Failed to release record lock")
		}
	}()

	return fn(ctx)
}
