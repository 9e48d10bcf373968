package mcp

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when a call is rejected because the server's
// circuit breaker is open. Open-circuit rejections are never retried.
var ErrCircuitOpen = errors.New("circuit breaker open")

// Circuit breaker defaults.
const (
	DefaultFailureThreshold = 5
	DefaultResetTimeout     = 30 * time.Second
	DefaultHalfOpenMaxCalls = 3
)

// BreakerState enumerates the circuit breaker states.
type BreakerState int

const (
	// StateClosed admits all calls.
	StateClosed BreakerState = iota
	// StateOpen rejects calls until the reset timeout elapses.
	StateOpen
	// StateHalfOpen admits a bounded number of trial calls.
	StateHalfOpen
)

// String returns the canonical upper-case state name.
func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("BreakerState(%d)", int(s))
	}
}

type (
	// CircuitBreaker isolates a failing server. Consecutive failures open
	// the circuit; after the reset timeout a bounded number of trial calls
	// probe the server, and a single success closes the circuit again.
	// Transitions are linearisable: all state is guarded by one mutex and
	// the last recorded transition wins.
	CircuitBreaker struct {
		mu sync.Mutex

		state            BreakerState
		failureCount     int
		lastFailureTime  time.Time
		nextRetryTime    time.Time
		halfOpenInFlight int

		failureThreshold int
		resetTimeout     time.Duration
		halfOpenMaxCalls int

		now func() time.Time
	}

	// BreakerStatus is a point-in-time snapshot of a breaker.
	BreakerStatus struct {
		State           BreakerState
		FailureCount    int
		LastFailureTime time.Time
		NextRetryTime   time.Time
	}

	// BreakerOption configures a CircuitBreaker.
	BreakerOption func(*CircuitBreaker)
)

// WithFailureThreshold sets the consecutive-failure count that opens the
// circuit.
func WithFailureThreshold(n int) BreakerOption {
	return func(b *CircuitBreaker) { b.failureThreshold = n }
}

// WithResetTimeout sets how long the circuit stays open before admitting
// trial calls.
func WithResetTimeout(d time.Duration) BreakerOption {
	return func(b *CircuitBreaker) { b.resetTimeout = d }
}

// WithHalfOpenMaxCalls bounds concurrent trial calls in the half-open state.
func WithHalfOpenMaxCalls(n int) BreakerOption {
	return func(b *CircuitBreaker) { b.halfOpenMaxCalls = n }
}

// withClock overrides the breaker clock in tests.
func withClock(now func() time.Time) BreakerOption {
	return func(b *CircuitBreaker) { b.now = now }
}

// NewCircuitBreaker constructs a closed breaker with the default thresholds.
func NewCircuitBreaker(opts ...BreakerOption) *CircuitBreaker {
	b := &CircuitBreaker{
		failureThreshold: DefaultFailureThreshold,
		resetTimeout:     DefaultResetTimeout,
		halfOpenMaxCalls: DefaultHalfOpenMaxCalls,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow reports whether a call may proceed. In the open state it rejects
// with ErrCircuitOpen until the reset timeout elapses, then transitions to
// half-open and admits up to halfOpenMaxCalls concurrent trials. Callers
// that received a nil Allow must follow up with RecordSuccess or
// RecordFailure.
func (b *CircuitBreaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Before(b.nextRetryTime) {
			return fmt.Errorf("%w: retry after %s", ErrCircuitOpen, b.nextRetryTime.Format(time.RFC3339))
		}
		b.state = StateHalfOpen
		b.halfOpenInFlight = 1
		return nil
	case StateHalfOpen:
		if b.halfOpenInFlight >= b.halfOpenMaxCalls {
			return fmt.Errorf("%w: half-open trial limit reached", ErrCircuitOpen)
		}
		b.halfOpenInFlight++
		return nil
	default:
		return nil
	}
}

// RecordSuccess resets the breaker. A single success in half-open closes the
// circuit.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failureCount = 0
	b.halfOpenInFlight = 0
	b.nextRetryTime = time.Time{}
}

// RecordFailure counts a failure. Reaching the threshold in the closed
// state, or any failure in half-open, opens the circuit and schedules the
// next retry window.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	b.failureCount++
	b.lastFailureTime = now
	switch b.state {
	case StateClosed:
		if b.failureCount >= b.failureThreshold {
			b.state = StateOpen
			b.nextRetryTime = now.Add(b.resetTimeout)
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.halfOpenInFlight = 0
		b.nextRetryTime = now.Add(b.resetTimeout)
	case StateOpen:
		b.nextRetryTime = now.Add(b.resetTimeout)
	}
}

// State returns the current breaker state.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Status returns a snapshot of the breaker.
func (b *CircuitBreaker) Status() BreakerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerStatus{
		State:           b.state,
		FailureCount:    b.failureCount,
		LastFailureTime: b.lastFailureTime,
		NextRetryTime:   b.nextRetryTime,
	}
}
