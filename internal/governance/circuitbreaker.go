package governance

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the circuit breaker is in the open state.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerState represents the state of a circuit breaker.
type CircuitBreakerState string

const (
	// StateClosed indicates the circuit is closed and requests are allowed.
	StateClosed CircuitBreakerState = "closed"
	// StateOpen indicates the circuit is open and requests are rejected.
	StateOpen CircuitBreakerState = "open"
	// StateHalfOpen indicates the circuit is testing if the dependency recovered.
	StateHalfOpen CircuitBreakerState = "half-open"
)

// CircuitBreakerConfig defines thresholds for circuit breaking.
type CircuitBreakerConfig struct {
	// MaxFailures is the consecutive failure count that opens the circuit.
	MaxFailures int
	// Timeout is how long the circuit stays open before probing.
	Timeout time.Duration
	// MaxHalfOpenRequests is the number of probes allowed while half-open.
	MaxHalfOpenRequests int
}

// DefaultCircuitBreakerConfig returns the defaults used for external APIs.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxFailures:         5,
		Timeout:             30 * time.Second,
		MaxHalfOpenRequests: 1,
	}
}

// CircuitBreaker stops calling a dependency after repeated failures so
// callers can take their fallback immediately.
type CircuitBreaker struct {
	mu     sync.Mutex
	name   string
	config CircuitBreakerConfig
	now    func() time.Time

	state               CircuitBreakerState
	consecutiveFailures int
	halfOpenInFlight    int
	openUntil           time.Time
	onStateChange       func(name string, from, to CircuitBreakerState)
}

// BreakerOption customises a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithBreakerClock overrides the time source.
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(cb *CircuitBreaker) {
		cb.now = now
	}
}

// WithStateChangeHook is called, outside the lock, on every transition.
func WithStateChangeHook(fn func(name string, from, to CircuitBreakerState)) BreakerOption {
	return func(cb *CircuitBreaker) {
		cb.onStateChange = fn
	}
}

// NewCircuitBreaker creates a circuit breaker with the provided configuration.
func NewCircuitBreaker(name string, config CircuitBreakerConfig, opts ...BreakerOption) *CircuitBreaker {
	defaults := DefaultCircuitBreakerConfig()
	if config.MaxFailures <= 0 {
		config.MaxFailures = defaults.MaxFailures
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.MaxHalfOpenRequests <= 0 {
		config.MaxHalfOpenRequests = defaults.MaxHalfOpenRequests
	}
	cb := &CircuitBreaker{
		name:   name,
		config: config,
		now:    time.Now,
		state:  StateClosed,
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// State returns the current state, moving open to half-open once the
// timeout elapsed.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && !cb.now().Before(cb.openUntil) {
		return StateHalfOpen
	}
	return cb.state
}

// Execute runs fn unless the circuit is open. A nil receiver always runs fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if cb == nil {
		return fn(ctx)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cb.beforeRequest(); err != nil {
		return err
	}
	err := fn(ctx)
	// A caller that gave up says nothing about the dependency.
	if errors.Is(err, context.Canceled) {
		cb.release()
		return err
	}
	cb.afterRequest(err)
	return err
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	var from, to CircuitBreakerState
	defer func() {
		cb.mu.Unlock()
		cb.notify(from, to)
	}()

	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		if cb.now().Before(cb.openUntil) {
			return ErrCircuitOpen
		}
		from, to = cb.transitionLocked(StateHalfOpen)
		fallthrough
	default:
		if cb.halfOpenInFlight >= cb.config.MaxHalfOpenRequests {
			return ErrCircuitOpen
		}
		cb.halfOpenInFlight++
		return nil
	}
}

func (cb *CircuitBreaker) afterRequest(err error) {
	cb.mu.Lock()
	var from, to CircuitBreakerState
	defer func() {
		cb.mu.Unlock()
		cb.notify(from, to)
	}()

	if cb.state == StateHalfOpen && cb.halfOpenInFlight > 0 {
		cb.halfOpenInFlight--
	}
	if err == nil {
		cb.consecutiveFailures = 0
		if cb.state != StateClosed {
			from, to = cb.transitionLocked(StateClosed)
		}
		return
	}

	cb.consecutiveFailures++
	if cb.state == StateHalfOpen || cb.consecutiveFailures >= cb.config.MaxFailures {
		from, to = cb.transitionLocked(StateOpen)
		cb.openUntil = cb.now().Add(cb.config.Timeout)
	}
}

func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen && cb.halfOpenInFlight > 0 {
		cb.halfOpenInFlight--
	}
}

func (cb *CircuitBreaker) transitionLocked(to CircuitBreakerState) (CircuitBreakerState, CircuitBreakerState) {
	from := cb.state
	cb.state = to
	cb.halfOpenInFlight = 0
	if to == StateClosed {
		cb.consecutiveFailures = 0
	}
	return from, to
}

func (cb *CircuitBreaker) notify(from, to CircuitBreakerState) {
	if to == "" || from == to || cb.onStateChange == nil {
		return
	}
	cb.onStateChange(cb.name, from, to)
}
