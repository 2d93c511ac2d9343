// Package breaker implements the circuit breaker guarding the order webhook.
package breaker

import (
	"sync"
	"time"
)

// State of the breaker.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Breaker counts consecutive dispatch failures and trips OPEN once the
// threshold is reached. While OPEN every attempt is rejected locally until the
// open duration elapses, at which point a single trial request is let through
// (HALF_OPEN). The breaker does no I/O; callers report outcomes.
type Breaker struct {
	threshold    int
	openDuration time.Duration
	now          func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock overrides the time source, used by tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// New creates a closed breaker. threshold <= 0 falls back to 5 consecutive
// failures, openDuration <= 0 to 300s.
func New(threshold int, openDuration time.Duration, opts ...Option) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openDuration <= 0 {
		openDuration = 300 * time.Second
	}
	b := &Breaker{
		threshold:    threshold,
		openDuration: openDuration,
		now:          time.Now,
		state:        StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow reports whether a dispatch attempt may proceed. An OPEN breaker whose
// open duration has elapsed moves to HALF_OPEN and admits exactly one trial.
// Rejections do not count as failures.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return true
	}
	if b.now().Sub(b.openedAt) >= b.openDuration {
		b.state = StateHalfOpen
		return true
	}
	return false
}

// RecordOutcome feeds the result of a dispatch attempt into the state machine
// and returns the resulting state. Success resets the failure count and closes
// the breaker; a failure in HALF_OPEN reopens it immediately with a fresh
// timer, otherwise failures accumulate until the threshold trips OPEN.
func (b *Breaker) RecordOutcome(success bool) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		b.failures = 0
		b.state = StateClosed
		return b.state
	}

	b.failures++
	if b.state == StateHalfOpen || b.failures >= b.threshold {
		b.state = StateOpen
		b.openedAt = b.now()
	}
	return b.state
}

// State returns the current state without admitting a trial request.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// RemainingOpen returns how long until an OPEN breaker will admit a trial
// request, zero when not OPEN.
func (b *Breaker) RemainingOpen() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return 0
	}
	remaining := b.openDuration - b.now().Sub(b.openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}
