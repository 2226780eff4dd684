package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/portfolio-rebalancer/internal/config"
	apperrors "github.com/portfolio-rebalancer/internal/errors"
)

func TestNewRedisCache_Unreachable(t *testing.T) {
	_, err := NewRedisCache(testContext(t), &config.RedisConfig{Host: "127.0.0.1", Port: "1", MaxConnections: 1})
	assert.ErrorIs(t, err, apperrors.ErrCache)
}

func TestOwnerKey(t *testing.T) {
	tests := []struct {
		name      string
		namespace string
		owner     string
		parts     []string
		want      string
	}{
		{name: "owner only", namespace: "portfolio", owner: testOwner, want: "portfolio:" + testOwner},
		{name: "owner is lower-cased", namespace: "lock:portfolio", owner: "0x71C7656EC7ab88b098defB751B7401B5f6d8976F", want: "lock:portfolio:" + testOwner},
		{name: "parts keep their case", namespace: "replay", owner: testOwner, parts: []string{"Dep-1"}, want: "replay:" + testOwner + ":Dep-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ownerKey(tt.namespace, tt.owner, tt.parts...))
		})
	}
}

func TestRedisCache_Close(t *testing.T) {
	cache, _ := newTestRedis(t)
	assert.NoError(t, cache.Client().Ping(testContext(t)).Err())

	assert.NoError(t, (&RedisCache{}).Close())
}
