package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zoobzio/clockz"

	"github.com/tallisward/hooksd/core"
)

// CircuitState represents the state of one circuit
type CircuitState int

const (
	// StateClosed allows all requests through
	StateClosed CircuitState = iota
	// StateOpen blocks all requests
	StateOpen
	// StateHalfOpen allows limited requests for testing recovery
	StateHalfOpen
)

// String returns the string representation of the state
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MetricsCollector interface for circuit breaker metrics
type MetricsCollector interface {
	RecordSuccess(key string)
	RecordFailure(key string, errorType string)
	RecordStateChange(key string, from, to string)
	RecordRejection(key string)
}

// noopMetrics is a no-op metrics implementation
type noopMetrics struct{}

func (n *noopMetrics) RecordSuccess(key string)                      {}
func (n *noopMetrics) RecordFailure(key string, errorType string)    {}
func (n *noopMetrics) RecordStateChange(key string, from, to string) {}
func (n *noopMetrics) RecordRejection(key string)                    {}

// Config holds configuration shared by every circuit in the breaker
type Config struct {
	// FailureThreshold is the number of consecutive failures before opening
	FailureThreshold int

	// ResetTimeout is how long an open circuit waits before half-open
	ResetTimeout time.Duration

	// HalfOpenRequests is the number of successful test requests required
	// to close from half-open. Half-open admission is checked against the
	// successes recorded so far, so calls admitted concurrently before
	// those successes land are not capped
	HalfOpenRequests int

	// Logger for circuit breaker events
	Logger core.Logger

	// Metrics collector for monitoring
	Metrics MetricsCollector

	// Clock drives reset timers; defaults to the real clock
	Clock clockz.Clock
}

// DefaultConfig returns a production-ready default configuration
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold: 5,
		ResetTimeout:     60 * time.Second,
		HalfOpenRequests: 3,
		Logger:           &core.NoOpLogger{},
		Metrics:          &noopMetrics{},
		Clock:            clockz.RealClock,
	}
}

// Validate validates the circuit breaker configuration
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: configuration cannot be nil", core.ErrInvalidConfiguration)
	}
	if c.FailureThreshold < 1 {
		return fmt.Errorf("%w: failure threshold must be at least 1, got %d", core.ErrInvalidConfiguration, c.FailureThreshold)
	}
	if c.ResetTimeout <= 0 {
		return fmt.Errorf("%w: reset timeout must be positive, got %v", core.ErrInvalidConfiguration, c.ResetTimeout)
	}
	if c.HalfOpenRequests < 1 {
		return fmt.Errorf("%w: half-open requests must be at least 1, got %d", core.ErrInvalidConfiguration, c.HalfOpenRequests)
	}
	return nil
}

// CircuitStats is a point-in-time snapshot of one circuit
type CircuitStats struct {
	State               CircuitState `json:"state"`
	Failures            uint64       `json:"failures"`
	Successes           uint64       `json:"successes"`
	TotalRequests       uint64       `json:"total_requests"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	PendingRequests     int          `json:"pending_requests"`
	HalfOpenAttempts    int          `json:"half_open_attempts"`
	LastFailureTime     time.Time    `json:"last_failure_time"`
}

// circuit holds the state machine for one key. All fields are guarded by
// mu; the reset timer callback re-acquires mu before touching state.
type circuit struct {
	mu sync.Mutex

	state               CircuitState
	failures            uint64
	successes           uint64
	consecutiveFailures int
	pendingRequests     int
	halfOpenAttempts    int
	lastFailureTime     time.Time

	resetTimer clockz.Timer
}

// Operation is the closure admitted by Execute. It returns its payload and
// an error; a non-nil error counts as a failure for the circuit while the
// payload is still handed back to the caller.
type Operation func(ctx context.Context) (interface{}, error)

// CircuitBreaker maintains one circuit per opaque key, created on first
// use. Keys partition failure accounting so one misbehaving hook cannot
// open the circuit of another.
type CircuitBreaker struct {
	config *Config

	mu       sync.RWMutex
	circuits map[string]*circuit

	listeners []func(key string, from, to CircuitState)
}

// NewCircuitBreaker creates a keyed circuit breaker
func NewCircuitBreaker(config *Config) (*CircuitBreaker, error) {
	if config == nil {
		config = DefaultConfig()
	}

	if err := config.Validate(); err != nil {
		if config.Logger != nil {
			config.Logger.Error("Circuit breaker configuration validation failed", map[string]interface{}{
				"operation": "circuit_breaker_validation_failed",
				"error":     err.Error(),
			})
		}
		return nil, fmt.Errorf("invalid circuit breaker config: %w", err)
	}

	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &noopMetrics{}
	}
	if config.Clock == nil {
		config.Clock = clockz.RealClock
	}

	cb := &CircuitBreaker{
		config:   config,
		circuits: make(map[string]*circuit),
	}

	config.Logger.Info("Circuit breaker created", map[string]interface{}{
		"operation":          "circuit_breaker_created",
		"failure_threshold":  config.FailureThreshold,
		"reset_timeout_ms":   config.ResetTimeout.Milliseconds(),
		"half_open_requests": config.HalfOpenRequests,
	})

	return cb, nil
}

// SetLogger sets the logger provider. The component is always set to
// "hooksd/resilience" so logs attribute correctly regardless of caller.
func (cb *CircuitBreaker) SetLogger(logger core.Logger) {
	if logger == nil {
		cb.config.Logger = &core.NoOpLogger{}
		return
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		cb.config.Logger = cal.WithComponent("hooksd/resilience")
	} else {
		cb.config.Logger = logger
	}
}

// AddStateChangeListener adds a listener for state changes on any key
func (cb *CircuitBreaker) AddStateChangeListener(listener func(key string, from, to CircuitState)) {
	cb.mu.Lock()
	cb.listeners = append(cb.listeners, listener)
	cb.mu.Unlock()
}

// getCircuit returns the circuit for key, creating it on first use
func (cb *CircuitBreaker) getCircuit(key string) *circuit {
	cb.mu.RLock()
	c, ok := cb.circuits[key]
	cb.mu.RUnlock()
	if ok {
		return c
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if c, ok = cb.circuits[key]; ok {
		return c
	}
	c = &circuit{state: StateClosed}
	cb.circuits[key] = c
	return c
}

// Execute is the only admission path. It admits or rejects the call for
// key, runs op, and records the outcome. Whatever payload op produced is
// returned to the caller alongside op's error.
func (cb *CircuitBreaker) Execute(ctx context.Context, key string, op Operation) (interface{}, error) {
	c := cb.getCircuit(key)

	c.mu.Lock()
	if reason, ok := c.admitLocked(cb.config); !ok {
		c.mu.Unlock()

		cb.config.Logger.Info("Circuit breaker rejected execution", map[string]interface{}{
			"operation": "circuit_breaker_reject",
			"key":       key,
			"reason":    reason,
		})
		cb.config.Metrics.RecordRejection(key)
		return nil, fmt.Errorf("circuit breaker '%s' is open: %w", key, core.ErrCircuitBreakerOpen)
	}
	c.pendingRequests++
	c.mu.Unlock()

	result, err := op(ctx)

	c.mu.Lock()
	if c.pendingRequests > 0 {
		c.pendingRequests--
	}
	if err == nil {
		cb.successLocked(key, c)
	} else {
		cb.failureLocked(key, c, err)
	}
	c.mu.Unlock()

	return result, err
}

// admitLocked applies the admission rules in order. Caller holds c.mu.
func (c *circuit) admitLocked(cfg *Config) (rejectReason string, ok bool) {
	switch c.state {
	case StateOpen:
		return "circuit_open", false
	case StateHalfOpen:
		if c.halfOpenAttempts >= cfg.HalfOpenRequests {
			return "half_open_quota_exhausted", false
		}
		return "", true
	default:
		// Pre-emptive shedding: pending work would push us over the
		// threshold if every in-flight call failed.
		if c.consecutiveFailures+c.pendingRequests >= cfg.FailureThreshold {
			return "pending_would_exceed_threshold", false
		}
		return "", true
	}
}

// successLocked applies success accounting. Caller holds c.mu.
func (cb *CircuitBreaker) successLocked(key string, c *circuit) {
	c.successes++
	cb.config.Metrics.RecordSuccess(key)

	switch c.state {
	case StateHalfOpen:
		c.halfOpenAttempts++
		if c.halfOpenAttempts >= cb.config.HalfOpenRequests {
			cb.transitionLocked(key, c, StateClosed)
			c.consecutiveFailures = 0
			c.halfOpenAttempts = 0
			c.lastFailureTime = time.Time{}
		}
	case StateClosed:
		c.consecutiveFailures = 0
	}
}

// failureLocked applies failure accounting. Caller holds c.mu.
func (cb *CircuitBreaker) failureLocked(key string, c *circuit, err error) {
	c.failures++
	c.consecutiveFailures++
	c.lastFailureTime = cb.config.Clock.Now()
	cb.config.Metrics.RecordFailure(key, fmt.Sprintf("%T", err))

	switch c.state {
	case StateHalfOpen:
		cb.transitionLocked(key, c, StateOpen)
		c.halfOpenAttempts = 0
		cb.armResetTimerLocked(key, c)
	case StateClosed:
		if c.consecutiveFailures >= cb.config.FailureThreshold {
			cb.config.Logger.Info("Circuit breaker opening", map[string]interface{}{
				"operation":            "circuit_breaker_opening",
				"key":                  key,
				"consecutive_failures": c.consecutiveFailures,
				"failure_threshold":    cb.config.FailureThreshold,
			})
			cb.transitionLocked(key, c, StateOpen)
			cb.armResetTimerLocked(key, c)
		}
	}
}

// armResetTimerLocked schedules the OPEN -> HALF_OPEN transition. Arming
// replaces any existing timer. Caller holds c.mu.
func (cb *CircuitBreaker) armResetTimerLocked(key string, c *circuit) {
	if c.resetTimer != nil {
		c.resetTimer.Stop()
	}
	c.resetTimer = cb.config.Clock.AfterFunc(cb.config.ResetTimeout, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.resetTimer = nil
		if c.state != StateOpen {
			return
		}
		cb.transitionLocked(key, c, StateHalfOpen)
		c.halfOpenAttempts = 0
	})
}

// transitionLocked changes state and notifies. Caller holds c.mu.
func (cb *CircuitBreaker) transitionLocked(key string, c *circuit, newState CircuitState) {
	oldState := c.state
	if oldState == newState {
		return
	}
	c.state = newState

	cb.config.Logger.Info("Circuit breaker state changed", map[string]interface{}{
		"operation": "circuit_breaker_transition",
		"key":       key,
		"from":      oldState.String(),
		"to":        newState.String(),
	})
	cb.config.Metrics.RecordStateChange(key, oldState.String(), newState.String())

	cb.mu.RLock()
	listeners := cb.listeners
	cb.mu.RUnlock()
	for _, listener := range listeners {
		go listener(key, oldState, newState)
	}
}

// State returns the current state for key, creating the circuit on first
// use so a never-used key reads as closed.
func (cb *CircuitBreaker) State(key string) CircuitState {
	c := cb.getCircuit(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats returns a snapshot of the circuit for key
func (cb *CircuitBreaker) Stats(key string) CircuitStats {
	c := cb.getCircuit(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	return statsLocked(c)
}

func statsLocked(c *circuit) CircuitStats {
	return CircuitStats{
		State:               c.state,
		Failures:            c.failures,
		Successes:           c.successes,
		TotalRequests:       c.failures + c.successes,
		ConsecutiveFailures: c.consecutiveFailures,
		PendingRequests:     c.pendingRequests,
		HalfOpenAttempts:    c.halfOpenAttempts,
		LastFailureTime:     c.lastFailureTime,
	}
}

// AllStats returns a snapshot of every known circuit
func (cb *CircuitBreaker) AllStats() map[string]CircuitStats {
	cb.mu.RLock()
	keys := make([]string, 0, len(cb.circuits))
	circuits := make([]*circuit, 0, len(cb.circuits))
	for k, c := range cb.circuits {
		keys = append(keys, k)
		circuits = append(circuits, c)
	}
	cb.mu.RUnlock()

	stats := make(map[string]CircuitStats, len(keys))
	for i, c := range circuits {
		c.mu.Lock()
		stats[keys[i]] = statsLocked(c)
		c.mu.Unlock()
	}
	return stats
}

// Reset deletes the circuit for key and cancels its timer. The next use
// of the key starts from a fresh closed circuit.
func (cb *CircuitBreaker) Reset(key string) {
	cb.mu.Lock()
	c, ok := cb.circuits[key]
	if ok {
		delete(cb.circuits, key)
	}
	cb.mu.Unlock()
	if !ok {
		return
	}

	c.mu.Lock()
	if c.resetTimer != nil {
		c.resetTimer.Stop()
		c.resetTimer = nil
	}
	c.mu.Unlock()

	cb.config.Logger.Info("Circuit breaker reset", map[string]interface{}{
		"operation": "circuit_breaker_reset",
		"key":       key,
	})
}

// ResetAll deletes every circuit and cancels all timers
func (cb *CircuitBreaker) ResetAll() {
	cb.mu.Lock()
	circuits := cb.circuits
	cb.circuits = make(map[string]*circuit)
	cb.mu.Unlock()

	for _, c := range circuits {
		c.mu.Lock()
		if c.resetTimer != nil {
			c.resetTimer.Stop()
			c.resetTimer = nil
		}
		c.mu.Unlock()
	}

	cb.config.Logger.Info("Circuit breaker reset", map[string]interface{}{
		"operation": "circuit_breaker_reset_all",
		"circuits":  len(circuits),
	})
}
