package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/portfolio-rebalancer/internal/errors"
)

const replayNamespace = "replay"

// ReplayStore remembers the outcome of every mutation applied under a
// caller-supplied idempotency key, per owner, for ttl
type ReplayStore struct {
	redis *RedisCache
	ttl   time.Duration
}

// NewReplayStore creates a replay store
func NewReplayStore(cache *RedisCache, ttl time.Duration) *ReplayStore {
	return &ReplayStore{redis: cache, ttl: ttl}
}

func replayKey(owner, key string) string {
	return ownerKey(replayNamespace, owner, key)
}

// Lookup decodes the stored outcome of key into dest. An unknown key returns false.
func (s *ReplayStore) Lookup(ctx context.Context, owner, key string, dest interface{}) (bool, error) {
	data, err := s.redis.Client().Get(ctx, replayKey(owner, key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, apperrors.NewCacheError("lookup idempotency key", err)
	}

	if err := json.Unmarshal(data, dest); err != nil {
		return false, apperrors.NewInternalError("stored outcome is malformed", err)
	}
	return true, nil
}

// Remember stores outcome under key. The first stored outcome wins.
func (s *ReplayStore) Remember(ctx context.Context, owner, key string, outcome interface{}) error {
	data, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("failed to marshal outcome: %w", err)
	}

	if err := s.redis.Client().SetNX(ctx, replayKey(owner, key), data, s.ttl).Err(); err != nil {
		return apperrors.NewCacheError("remember idempotency key", err)
	}
	return nil
}
