package availability

import (
	"sync"
	"time"

	"github.com/relaywatch/relaywatch/internal/metrics"
)

// BreakerState is a circuit breaker state.
type BreakerState int

const (
	// BreakerClosed passes requests through and counts failures.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects requests until the recovery timeout elapses.
	BreakerOpen
	// BreakerHalfOpen admits trial requests to test recovery.
	BreakerHalfOpen
)

// String returns the lowercase state name.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

const (
	defaultFailureThreshold = 5
	defaultRecoveryTimeout  = 5 * time.Minute
	defaultSuccessThreshold = 3
)

// BreakerConfig tunes one circuit breaker. Zero values take defaults.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// breaker from closed.
	FailureThreshold int
	// RecoveryTimeout is how long the breaker stays open before
	// admitting a trial request.
	RecoveryTimeout time.Duration
	// SuccessThreshold is the half-open success count that closes the
	// breaker.
	SuccessThreshold int
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = defaultFailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = defaultRecoveryTimeout
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = defaultSuccessThreshold
	}
	return c
}

// CircuitBreaker tracks failures for a single model and trips open when
// they pile up. Safe for concurrent use.
type CircuitBreaker struct {
	mu  sync.Mutex
	cfg BreakerConfig

	state        BreakerState
	failureCount int
	successCount int
	lastFailure  time.Time

	now func() time.Time // stubbed in tests
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg.withDefaults(), now: time.Now}
}

// CanExecute reports whether a request may proceed. Calling it on an open
// breaker whose recovery timeout has elapsed moves it to half-open.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if cb.now().Sub(cb.lastFailure) >= cb.cfg.RecoveryTimeout {
			cb.transitionLocked(BreakerHalfOpen)
			cb.successCount = 0
			return true
		}
		return false
	case BreakerHalfOpen:
		return true
	default:
		return false
	}
}

// RecordSuccess feeds a successful outcome into the breaker. In the closed
// state each success decays one accumulated failure; in half-open, enough
// successes close the breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		if cb.failureCount > 0 {
			cb.failureCount--
		}
	case BreakerHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.cfg.SuccessThreshold {
			cb.transitionLocked(BreakerClosed)
			cb.failureCount = 0
			cb.successCount = 0
		}
	}
}

// RecordFailure feeds a failed outcome into the breaker. A single failure
// while half-open reopens it; otherwise the breaker opens once failures
// reach the threshold.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++
	cb.lastFailure = cb.now()

	if cb.state == BreakerHalfOpen {
		cb.transitionLocked(BreakerOpen)
		cb.successCount = 0
		return
	}
	if cb.failureCount >= cb.cfg.FailureThreshold {
		cb.transitionLocked(BreakerOpen)
	}
}

// State returns the current state without side effects.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// FailureCount returns the accumulated closed-state failure count.
func (cb *CircuitBreaker) FailureCount() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failureCount
}

func (cb *CircuitBreaker) transitionLocked(to BreakerState) {
	if cb.state == to {
		return
	}
	cb.state = to
	metrics.BreakerTransitions.WithLabelValues(to.String()).Inc()
}
