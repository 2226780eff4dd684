package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	portfolioNamespace = "portfolio"
	historyNamespace   = "history"
)

// CacheService is the read-through cache for portfolio views
type CacheService struct {
	redis *RedisCache
	ttl   time.Duration
}

// NewCacheService creates a new cache service
func NewCacheService(redis *RedisCache, ttl time.Duration) *CacheService {
	return &CacheService{
		redis: redis,
		ttl:   ttl,
	}
}

// PortfolioKey returns the key of an owner's portfolio view
func (c *CacheService) PortfolioKey(owner string) string {
	return ownerKey(portfolioNamespace, owner)
}

// HistoryKey returns the key of one history range
func (c *CacheService) HistoryKey(owner string, from, to time.Time) string {
	return ownerKey(historyNamespace, owner,
		strconv.FormatInt(from.Unix(), 10), strconv.FormatInt(to.Unix(), 10))
}

// Set stores a value in cache with the configured TTL
func (c *CacheService) Set(ctx context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	return c.redis.Client().Set(ctx, key, data, c.ttl).Err()
}

// Get retrieves a value from cache and deserializes it. A miss returns false with no error.
func (c *CacheService) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	data, err := c.redis.Client().Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("failed to get from cache: %w", err)
	}

	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal cached value: %w", err)
	}
	return true, nil
}

// InvalidateOwner removes the owner's portfolio view and every cached history range
func (c *CacheService) InvalidateOwner(ctx context.Context, owner string) error {
	client := c.redis.Client()
	keys := []string{c.PortfolioKey(owner)}

	iter := client.Scan(ctx, 0, ownerKey(historyNamespace, owner, "*"), 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan history keys: %w", err)
	}

	return client.Del(ctx, keys...).Err()
}
