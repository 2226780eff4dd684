package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/portfolio-rebalancer/internal/errors"
)

var errUpstream = apperrors.NewSwapExecutionError(errors.New("upstream 502"))

func newTestBreaker() (*CircuitBreaker, *time.Time) {
	cfg := DefaultConfig("swap")
	cfg.MaxFailures = 3
	cfg.Timeout = time.Minute
	cfg.HalfOpenMaxCalls = 1

	cb := NewCircuitBreaker(cfg)
	clock := time.Unix(1_700_000_000, 0)
	cb.now = func() time.Time { return clock }
	cb.lastStateChange = clock
	return cb, &clock
}

func fail() error    { return errUpstream }
func succeed() error { return nil }

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cb, _ := newTestBreaker()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, fail), apperrors.ErrSwapExecutionFailed)
	}
	assert.Equal(t, StateOpen, cb.GetState())

	called := false
	err := cb.Execute(ctx, func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.True(t, IsOpen(err))
	assert.False(t, called)
}

func TestCircuitBreaker_IgnoresUserErrors(t *testing.T) {
	cb, _ := newTestBreaker()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		err := cb.Execute(ctx, func() error { return apperrors.NewInvalidAmountError("zero") })
		assert.ErrorIs(t, err, apperrors.ErrInvalidAmount)
	}
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	cb, clock := newTestBreaker()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, fail)
	}
	require.Equal(t, StateOpen, cb.GetState())

	*clock = clock.Add(2 * time.Minute)
	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, StateClosed, cb.GetState())
	assert.Zero(t, cb.GetStats().TotalCalls)
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb, clock := newTestBreaker()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, fail)
	}

	*clock = clock.Add(2 * time.Minute)
	assert.Error(t, cb.Execute(ctx, fail))
	assert.Equal(t, StateOpen, cb.GetState())
	assert.ErrorIs(t, cb.Execute(ctx, succeed), ErrCircuitOpen)
}

func TestCircuitBreaker_CancelledContext(t *testing.T) {
	cb, _ := newTestBreaker()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, cb.Execute(ctx, succeed), context.Canceled)
	assert.Zero(t, cb.GetStats().TotalCalls)
}

func TestCircuitBreakerManager(t *testing.T) {
	m := NewCircuitBreakerManager()

	swap := m.GetOrCreate("swap", nil)
	assert.Same(t, swap, m.GetOrCreate("swap", nil))
	m.GetOrCreate("transfer", nil)

	stats := m.GetAllStats()
	assert.Len(t, stats, 2)
	assert.Equal(t, StateClosed, stats["swap"].State)
	assert.False(t, m.AnyOpen())

	for i := 0; i < 5; i++ {
		_ = swap.Execute(context.Background(), fail)
	}
	assert.True(t, m.AnyOpen())

	swap.Reset()
	assert.False(t, m.AnyOpen())
}
