// Package resilience guards repeated operations against a target that keeps
// failing. [CircuitBreaker] is a three-state breaker (closed, open,
// half-open) used to stop rejoining a voice channel that refuses us.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// rejects calls.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls until the reset timeout has elapsed.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through. A failed
	// probe re-opens the breaker; enough successful probes close it.
	StateHalfOpen
)

// String returns the state name.
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

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero values take defaults.
type CircuitBreakerConfig struct {
	// Name labels log records.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of probe calls allowed while half-open.
	// Default: 3.
	HalfOpenMax int

	// OnStateChange is called with the lock released after every transition.
	OnStateChange func(from, to State)

	Logger *slog.Logger

	// Now overrides the clock. Default: time.Now.
	Now func() time.Time
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int
	onChange     func(from, to State)
	log          *slog.Logger
	now          func() time.Time

	mu              sync.Mutex
	state           State
	consecutiveFail int
	openedAt        time.Time
	halfOpenCalls   int
	halfOpenOK      int
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		onChange:     cfg.OnStateChange,
		log:          cfg.Logger.With("breaker", cfg.Name),
		now:          cfg.Now,
	}
}

// Execute runs fn unless the breaker rejects it with [ErrCircuitOpen].
// Cancellation errors are passed through without counting as failures.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	var transitions [][2]State
	if cb.state == StateOpen {
		if cb.now().Sub(cb.openedAt) < cb.resetTimeout {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		transitions = append(transitions, cb.setLocked(StateHalfOpen))
		cb.halfOpenCalls, cb.halfOpenOK = 0, 0
	}
	probe := cb.state == StateHalfOpen
	if probe {
		if cb.halfOpenCalls >= cb.halfOpenMax {
			cb.mu.Unlock()
			cb.notify(transitions)
			return ErrCircuitOpen
		}
		cb.halfOpenCalls++
	}
	cb.mu.Unlock()
	cb.notify(transitions)

	err := fn()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		cb.mu.Lock()
		if probe {
			cb.halfOpenCalls--
		}
		cb.mu.Unlock()
		return err
	}

	cb.mu.Lock()
	var t [2]State
	if err != nil {
		t = cb.failureLocked(probe)
	} else {
		t = cb.successLocked(probe)
	}
	cb.mu.Unlock()
	cb.notify([][2]State{t})
	return err
}

func (cb *CircuitBreaker) failureLocked(probe bool) [2]State {
	if probe {
		cb.openedAt = cb.now()
		cb.log.Warn("resilience: probe failed, breaker re-opened")
		return cb.setLocked(StateOpen)
	}
	cb.consecutiveFail++
	if cb.consecutiveFail >= cb.maxFailures && cb.state == StateClosed {
		cb.openedAt = cb.now()
		cb.log.Warn("resilience: breaker opened", "consecutive_failures", cb.consecutiveFail)
		return cb.setLocked(StateOpen)
	}
	return [2]State{cb.state, cb.state}
}

func (cb *CircuitBreaker) successLocked(probe bool) [2]State {
	if !probe {
		cb.consecutiveFail = 0
		return [2]State{cb.state, cb.state}
	}
	cb.halfOpenOK++
	if cb.halfOpenOK < cb.halfOpenMax || cb.state != StateHalfOpen {
		return [2]State{cb.state, cb.state}
	}
	cb.consecutiveFail = 0
	cb.log.Info("resilience: breaker closed after successful probes")
	return cb.setLocked(StateClosed)
}

func (cb *CircuitBreaker) setLocked(s State) [2]State {
	old := cb.state
	cb.state = s
	return [2]State{old, s}
}

func (cb *CircuitBreaker) notify(ts [][2]State) {
	if cb.onChange == nil {
		return
	}
	for _, t := range ts {
		if t[0] != t[1] {
			cb.onChange(t[0], t[1])
		}
	}
}

// State returns the current state. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// Execute.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	t := cb.setLocked(StateClosed)
	cb.consecutiveFail, cb.halfOpenCalls, cb.halfOpenOK = 0, 0, 0
	cb.mu.Unlock()
	cb.log.Info("resilience: breaker reset")
	cb.notify([][2]State{t})
}
