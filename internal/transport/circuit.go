package transport

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/livetemplate/wizard"
)

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation, requests allowed
	CircuitOpen                         // Failures exceeded threshold, requests blocked
	CircuitHalfOpen                     // Testing if the backend recovered
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures the circuit breaker
type CircuitBreakerConfig struct {
	FailureThreshold int           // Failures within the window that open the circuit (default: 5)
	SuccessThreshold int           // Successes in half-open that close it (default: 1)
	Timeout          time.Duration // Time to wait before half-open (default: 30s)
	FailureWindow    time.Duration // Window to count failures (default: 1 minute)
	EnableLog        bool
}

// DefaultCircuitBreakerConfig returns the default circuit breaker configuration
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 1,
		Timeout:          30 * time.Second,
		FailureWindow:    time.Minute,
		EnableLog:        true,
	}
}

// CircuitBreaker stops calling a backend that keeps failing with transient
// or server errors, so the user sees a failure at once instead of waiting
// for every timeout.
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig

	mu              sync.Mutex
	state           CircuitState
	failures        []time.Time
	successes       int
	lastStateChange time.Time
	now             func() time.Time
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(name string, config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	return &CircuitBreaker{
		name:            name,
		config:          config,
		state:           CircuitClosed,
		lastStateChange: time.Now(),
		now:             time.Now,
	}
}

// Execute runs fn through the circuit breaker.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) (json.RawMessage, error)) (json.RawMessage, error) {
	if !cb.canExecute() {
		return nil, &wizard.Error{
			Kind:    wizard.KindServer,
			Code:    "circuit_open",
			Message: "the wizard backend is temporarily unavailable",
		}
	}

	result, err := fn(ctx)
	cb.recordResult(err)
	return result, err
}

func (cb *CircuitBreaker) canExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		if cb.now().Sub(cb.lastStateChange) >= cb.config.Timeout {
			cb.transitionTo(CircuitHalfOpen)
			return true
		}
		return false
	default:
		return true
	}
}

func (cb *CircuitBreaker) recordResult(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		cb.recordSuccess()
		return
	}
	// Only backend health counts; validation and auth answers prove it is up,
	// and so does a 2xx body that is merely wrapped in noise.
	we := wizard.Classify(err)
	if we.Code == CodeInvalidResponse {
		cb.recordSuccess()
		return
	}
	switch we.Kind {
	case wizard.KindTransient, wizard.KindServer:
		cb.recordFailure(cb.now())
	default:
		cb.recordSuccess()
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	switch cb.state {
	case CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.transitionTo(CircuitClosed)
		}
	case CircuitClosed:
		cb.failures = cb.failures[:0]
	}
}

func (cb *CircuitBreaker) recordFailure(now time.Time) {
	cb.failures = append(cb.failures, now)

	cutoff := now.Add(-cb.config.FailureWindow)
	kept := cb.failures[:0]
	for _, t := range cb.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	cb.failures = kept

	switch cb.state {
	case CircuitClosed:
		if len(cb.failures) >= cb.config.FailureThreshold {
			cb.transitionTo(CircuitOpen)
		}
	case CircuitHalfOpen:
		cb.transitionTo(CircuitOpen)
	}
}

func (cb *CircuitBreaker) transitionTo(newState CircuitState) {
	if cb.state == newState {
		return
	}

	oldState := cb.state
	cb.state = newState
	cb.lastStateChange = cb.now()
	cb.successes = 0
	if newState == CircuitClosed {
		cb.failures = cb.failures[:0]
	}

	if cb.config.EnableLog {
		log.Printf("[circuit/%s] State changed: %s -> %s", cb.name, oldState, newState)
	}
}

// State returns the current circuit state
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset forces the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = CircuitClosed
	cb.failures = cb.failures[:0]
	cb.successes = 0
	cb.lastStateChange = cb.now()
}
