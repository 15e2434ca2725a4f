// SPDX-License-Identifier: Apache-2.0
// Package resilience provides the circuit breaker and retry/backoff
// policies guarding Conduit's per-server connections.
package resilience

import (
	goerrors "errors"
	"sync"
	"time"

	"github.com/nvela/conduit/pkg/errors"
)

// CircuitState represents the phase of a circuit breaker.
type CircuitState string

const (
	// CircuitClosed means calls pass through normally.
	CircuitClosed CircuitState = "closed"

	// CircuitOpen means calls fail fast without touching the backend.
	CircuitOpen CircuitState = "open"

	// CircuitHalfOpen means a limited number of trial calls are allowed
	// to probe recovery.
	CircuitHalfOpen CircuitState = "half-open"
)

// ErrCircuitOpen is returned by Allow when the circuit rejects a call.
var ErrCircuitOpen = goerrors.New("circuit breaker open")

// CircuitBreakerConfig configures one breaker. Zero values take defaults.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of failures within WindowDuration
	// before the circuit opens.
	FailureThreshold int

	// WindowDuration bounds the failure-counting window. Failures older
	// than the window no longer count toward the threshold.
	WindowDuration time.Duration

	// Cooldown is how long the circuit stays open before moving to
	// half-open.
	Cooldown time.Duration

	// HalfOpenTrialLimit caps concurrent trial calls while half-open.
	HalfOpenTrialLimit int

	// HalfOpenSuccessThreshold is the number of trial successes needed
	// to close the circuit again.
	HalfOpenSuccessThreshold int

	// Name identifies the breaker in logs and metrics.
	Name string
}

// DefaultCircuitBreakerConfig returns the stock per-server configuration.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:         5,
		WindowDuration:           60 * time.Second,
		Cooldown:                 30 * time.Second,
		HalfOpenTrialLimit:       1,
		HalfOpenSuccessThreshold: 1,
	}
}

// CircuitSnapshot is a read-only view of the breaker for health reporting.
type CircuitSnapshot struct {
	State    CircuitState
	Failures int
	OpenedAt time.Time
	Trials   int
}

// CircuitBreaker gates calls to one server. Outcomes are reported by the
// connection manager and stream coordinator; cancelled operations must
// never be reported (RecordOutcome enforces this for classified errors).
type CircuitBreaker struct {
	config CircuitBreakerConfig

	mu          sync.Mutex
	state       CircuitState
	failures    int
	windowStart time.Time
	openedAt    time.Time
	trials      int
	successes   int

	// now is swappable for tests.
	now func() time.Time
}

// NewCircuitBreaker creates a breaker with the given config.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold < 1 {
		config.FailureThreshold = 5
	}
	if config.WindowDuration <= 0 {
		config.WindowDuration = 60 * time.Second
	}
	if config.Cooldown <= 0 {
		config.Cooldown = 30 * time.Second
	}
	if config.HalfOpenTrialLimit < 1 {
		config.HalfOpenTrialLimit = 1
	}
	if config.HalfOpenSuccessThreshold < 1 {
		config.HalfOpenSuccessThreshold = 1
	}

	return &CircuitBreaker{
		config: config,
		state:  CircuitClosed,
		now:    time.Now,
	}
}

// Allow reports whether a call may proceed. While half-open it reserves
// one of the limited trial slots; the caller must follow up with
// RecordSuccess or RecordFailure to release it.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return nil
	case CircuitOpen:
		if cb.now().Sub(cb.openedAt) >= cb.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.trials = 1
			cb.successes = 0
			return nil
		}
		return ErrCircuitOpen
	case CircuitHalfOpen:
		if cb.trials >= cb.config.HalfOpenTrialLimit {
			return ErrCircuitOpen
		}
		cb.trials++
		return nil
	}
	return nil
}

// RecordSuccess reports a successful call outcome.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failures = 0
	case CircuitHalfOpen:
		if cb.trials > 0 {
			cb.trials--
		}
		cb.successes++
		if cb.successes >= cb.config.HalfOpenSuccessThreshold {
			cb.state = CircuitClosed
			cb.failures = 0
			cb.successes = 0
			cb.trials = 0
		}
	}
}

// RecordFailure reports a failed call outcome. In half-open any failure
// reopens the circuit and restarts the cooldown.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()

	switch cb.state {
	case CircuitClosed:
		if cb.failures == 0 || now.Sub(cb.windowStart) > cb.config.WindowDuration {
			cb.failures = 0
			cb.windowStart = now
		}
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.open(now)
		}
	case CircuitHalfOpen:
		cb.open(now)
	case CircuitOpen:
		// Late failure report from a call admitted before opening.
		cb.openedAt = now
	}
}

// RecordOutcome reports a call result from its error. Cancelled outcomes
// are ignored entirely: an interruption says nothing about server health.
func (cb *CircuitBreaker) RecordOutcome(err error) {
	if err == nil {
		cb.RecordSuccess()
		return
	}
	if errors.IsCancelled(err) {
		cb.releaseTrial()
		return
	}
	cb.RecordFailure()
}

// TripOpen forces the circuit open immediately, bypassing the failure
// threshold. Used for authentication failures where retrying with the
// same credentials cannot succeed.
func (cb *CircuitBreaker) TripOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.open(cb.now())
}

// State returns the current circuit phase.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Snapshot returns a read-only view for health reporting.
func (cb *CircuitBreaker) Snapshot() CircuitSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CircuitSnapshot{
		State:    cb.state,
		Failures: cb.failures,
		OpenedAt: cb.openedAt,
		Trials:   cb.trials,
	}
}

// Reset returns the breaker to closed with counters cleared.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = CircuitClosed
	cb.failures = 0
	cb.successes = 0
	cb.trials = 0
	cb.openedAt = time.Time{}
	cb.windowStart = time.Time{}
}

// open must be called under lock.
func (cb *CircuitBreaker) open(now time.Time) {
	cb.state = CircuitOpen
	cb.openedAt = now
	cb.failures = 0
	cb.successes = 0
	cb.trials = 0
}

// releaseTrial frees a half-open trial slot without recording an outcome.
func (cb *CircuitBreaker) releaseTrial() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitHalfOpen && cb.trials > 0 {
		cb.trials--
	}
}
