// Package circuitbreaker stops calls to a collaborator that keeps failing
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	apperrors "github.com/portfolio-rebalancer/internal/errors"
	"github.com/portfolio-rebalancer/internal/logging"
)

// State represents the circuit breaker state
type State string

const (
	// StateClosed lets every call through
	StateClosed State = "closed"
	// StateOpen refuses calls until the cool-down has passed
	StateOpen State = "open"
	// StateHalfOpen lets a few probe calls through
	StateHalfOpen State = "half_open"
)

var (
	// ErrCircuitOpen is returned while the circuit refuses calls
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrTooManyRequests is returned when every half-open probe slot is taken
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// IsOpen reports whether err was produced by a breaker refusing the call
func IsOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrTooManyRequests)
}

// Config configures a circuit breaker
type Config struct {
	Name string
	// MaxFailures opens the circuit after this many consecutive failures. It is
	// also the number of calls needed before FailureThreshold is considered.
	MaxFailures      int
	FailureThreshold float64       // Failure rate (0.0-1.0) that opens the circuit
	Timeout          time.Duration // Cool-down before probing a half-open circuit
	HalfOpenMaxCalls int

	// IsFailure decides which errors count against the circuit. Defaults to
	// errors.IsRetryable so a rejected request never opens the circuit.
	IsFailure func(error) bool
}

// DefaultConfig returns the configuration used for collaborator clients
func DefaultConfig(name string) *Config {
	return &Config{
		Name:             name,
		MaxFailures:      5,
		FailureThreshold: 0.5,
		Timeout:          30 * time.Second,
		HalfOpenMaxCalls: 2,
		IsFailure:        apperrors.IsRetryable,
	}
}

// counts are reset on every state change
type counts struct {
	calls       int
	failures    int
	successes   int
	consecutive int
}

func (c counts) failureRate() float64 {
	if c.calls == 0 {
		return 0
	}
	return float64(c.failures) / float64(c.calls)
}

// CircuitBreaker guards one collaborator
type CircuitBreaker struct {
	cfg Config
	now func() time.Time

	mu              sync.RWMutex
	state           State
	counts          counts
	lastFailureTime time.Time
	lastStateChange time.Time
}

// NewCircuitBreaker creates a closed circuit breaker
func NewCircuitBreaker(config *Config) *CircuitBreaker {
	cfg := *config
	if cfg.IsFailure == nil {
		cfg.IsFailure = apperrors.IsRetryable
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = 1
	}

	return &CircuitBreaker{
		cfg:             cfg,
		now:             time.Now,
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
}

// Execute runs fn unless the circuit refuses the call. A cancelled ctx is
// returned without touching the counts.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cb.admit(); err != nil {
		return err
	}

	err := fn()
	cb.record(err != nil && cb.cfg.IsFailure(err))
	return err
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.lastStateChange) <= cb.cfg.Timeout {
			return ErrCircuitOpen
		}
		cb.transition(StateHalfOpen)
	case StateHalfOpen:
		if cb.counts.calls >= cb.cfg.HalfOpenMaxCalls {
			return ErrTooManyRequests
		}
	}
	return nil
}

func (cb *CircuitBreaker) record(failed bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.counts.calls++
	if !failed {
		cb.counts.successes++
		cb.counts.consecutive = 0
		if cb.state == StateHalfOpen && cb.counts.successes >= cb.cfg.HalfOpenMaxCalls {
			cb.transition(StateClosed)
		}
		return
	}

	cb.counts.failures++
	cb.counts.consecutive++
	cb.lastFailureTime = cb.now()

	switch cb.state {
	case StateHalfOpen:
		cb.transition(StateOpen)
	case StateClosed:
		if cb.tripped() {
			cb.transition(StateOpen)
		}
	}
}

func (cb *CircuitBreaker) tripped() bool {
	if cb.counts.consecutive >= cb.cfg.MaxFailures {
		return true
	}
	return cb.counts.calls >= cb.cfg.MaxFailures && cb.counts.failureRate() >= cb.cfg.FailureThreshold
}

// transition must be called with mu held
func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	logger := logging.WithFields(map[string]interface{}{
		"circuitBreaker": cb.cfg.Name,
		"from":           from,
		"to":             to,
		"calls":          cb.counts.calls,
		"failures":       cb.counts.failures,
	})
	if to == StateOpen {
		logger.Warn("Circuit breaker opened")
	} else {
		logger.Info("Circuit breaker state changed")
	}

	cb.state = to
	cb.counts = counts{}
	cb.lastStateChange = cb.now()
}

// GetState returns the current state
func (cb *CircuitBreaker) GetState() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Name returns the breaker name
func (cb *CircuitBreaker) Name() string {
	return cb.cfg.Name
}

// Stats is the health view of one breaker
type Stats struct {
	Name             string     `json:"name"`
	State            State      `json:"state"`
	Failures         int        `json:"failures"`
	Successes        int        `json:"successes"`
	TotalCalls       int        `json:"totalCalls"`
	ConsecutiveFails int        `json:"consecutiveFails"`
	FailureRate      float64    `json:"failureRate"`
	LastFailureTime  time.Time  `json:"lastFailureTime"`
	LastStateChange  time.Time  `json:"lastStateChange"`
	RetryAt          *time.Time `json:"retryAt,omitempty"` // Set while open
}

// GetStats returns the counts since the last state change
func (cb *CircuitBreaker) GetStats() *Stats {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	stats := &Stats{
		Name:             cb.cfg.Name,
		State:            cb.state,
		Failures:         cb.counts.failures,
		Successes:        cb.counts.successes,
		TotalCalls:       cb.counts.calls,
		ConsecutiveFails: cb.counts.consecutive,
		FailureRate:      cb.counts.failureRate(),
		LastFailureTime:  cb.lastFailureTime,
		LastStateChange:  cb.lastStateChange,
	}
	if cb.state == StateOpen {
		retryAt := cb.lastStateChange.Add(cb.cfg.Timeout)
		stats.RetryAt = &retryAt
	}
	return stats
}

// Reset closes the circuit
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transition(StateClosed)
}

// CircuitBreakerManager manages the breakers of all collaborator clients
type CircuitBreakerManager struct {
	breakers map[string]*CircuitBreaker
	mu       sync.RWMutex
}

// NewCircuitBreakerManager creates an empty manager
func NewCircuitBreakerManager() *CircuitBreakerManager {
	return &CircuitBreakerManager{
		breakers: make(map[string]*CircuitBreaker),
	}
}

// GetOrCreate returns the breaker registered under name, creating it from
// config (or DefaultConfig when nil) on first use.
func (cbm *CircuitBreakerManager) GetOrCreate(name string, config *Config) *CircuitBreaker {
	cbm.mu.Lock()
	defer cbm.mu.Unlock()

	if cb, exists := cbm.breakers[name]; exists {
		return cb
	}
	if config == nil {
		config = DefaultConfig(name)
	}

	cb := NewCircuitBreaker(config)
	cbm.breakers[name] = cb
	return cb
}

// GetAllStats returns the stats of every registered breaker keyed by name
func (cbm *CircuitBreakerManager) GetAllStats() map[string]*Stats {
	cbm.mu.RLock()
	defer cbm.mu.RUnlock()

	result := make(map[string]*Stats, len(cbm.breakers))
	for name, cb := range cbm.breakers {
		result[name] = cb.GetStats()
	}
	return result
}

// AnyOpen reports whether some breaker currently refuses calls
func (cbm *CircuitBreakerManager) AnyOpen() bool {
	cbm.mu.RLock()
	defer cbm.mu.RUnlock()

	for _, cb := range cbm.breakers {
		if cb.GetState() == StateOpen {
			return true
		}
	}
	return false
}
