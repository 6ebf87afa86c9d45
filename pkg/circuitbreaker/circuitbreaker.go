// Package circuitbreaker implements a consecutive-failure circuit breaker with atomic state.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// State represents the state of the circuit breaker
type State int32

const (
	// StateClosed means the circuit breaker is allowing requests
	StateClosed State = iota
	// StateOpen means the circuit breaker is blocking requests
	StateOpen
	// StateHalfOpen means the circuit breaker is testing if the service has recovered
	StateHalfOpen
)

// String returns the string representation of the state
func (s State) String() string {
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

// ErrOpenState is returned when the circuit breaker is open
var ErrOpenState = errors.New("circuit breaker is open")

// CircuitBreaker opens after a run of consecutive failures and probes
// recovery after the open timeout.
type CircuitBreaker struct {
	name             string
	failureThreshold int64
	openTimeout      time.Duration

	state               atomic.Int32
	lastStateTime       atomic.Int64
	consecutiveFailures atomic.Int64
}

// New creates a new circuit breaker.
func New(name string, failureThreshold int, openTimeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 1
	}
	cb := &CircuitBreaker{
		name:             name,
		failureThreshold: int64(failureThreshold),
		openTimeout:      openTimeout,
	}
	cb.state.Store(int32(StateClosed))
	cb.lastStateTime.Store(time.Now().UnixNano())
	return cb
}

// Execute runs the given function if the circuit breaker allows it
func (cb *CircuitBreaker) Execute(fn func() error) (err error) {
	if fn == nil {
		return errors.New("function cannot be nil")
	}
	if !cb.allow() {
		return fmt.Errorf("%s: %w", cb.name, ErrOpenState)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			cb.onFailure()
		}
	}()

	err = fn()
	if err != nil {
		cb.onFailure()
	} else {
		cb.onSuccess()
	}
	return err
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() string {
	return State(cb.state.Load()).String()
}

// allow reports whether a request may proceed, transitioning an expired
// open state to half-open.
func (cb *CircuitBreaker) allow() bool {
	if State(cb.state.Load()) != StateOpen {
		return true
	}
	elapsed := time.Now().UnixNano() - cb.lastStateTime.Load()
	if elapsed <= cb.openTimeout.Nanoseconds() {
		return false
	}
	if cb.state.CompareAndSwap(int32(StateOpen), int32(StateHalfOpen)) {
		cb.lastStateTime.Store(time.Now().UnixNano())
	}
	return State(cb.state.Load()) != StateOpen
}

func (cb *CircuitBreaker) onSuccess() {
	cb.consecutiveFailures.Store(0)
	if cb.state.CompareAndSwap(int32(StateHalfOpen), int32(StateClosed)) {
		cb.lastStateTime.Store(time.Now().UnixNano())
	}
}

func (cb *CircuitBreaker) onFailure() {
	failures := cb.consecutiveFailures.Add(1)

	if cb.state.CompareAndSwap(int32(StateHalfOpen), int32(StateOpen)) {
		cb.lastStateTime.Store(time.Now().UnixNano())
		return
	}
	if failures >= cb.failureThreshold &&
		cb.state.CompareAndSwap(int32(StateClosed), int32(StateOpen)) {
		cb.lastStateTime.Store(time.Now().UnixNano())
	}
}
