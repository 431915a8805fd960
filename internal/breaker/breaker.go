// Package breaker implements a small circuit breaker guarding calls to the
// OAuth token endpoint. It never overrides the classification rules in pool/provider;
// it only short-circuits the HTTP call itself so a token endpoint outage
// doesn't spend every inline-refresh attempt waiting on a doomed connection.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Call when the breaker is open.
var ErrOpen = errors.New("breaker: circuit open")

// State is the breaker's current state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// Breaker trips open after MaxFailures consecutive failures, waits
// ResetTimeout, then allows a bounded number of half-open probes.
type Breaker struct {
	maxFailures      int
	resetTimeout     time.Duration
	halfOpenMaxCalls int

	mu            sync.Mutex
	state         State
	failureCount  int
	lastFailTime  time.Time
	halfOpenCalls int
}

// New builds a Breaker. halfOpenMaxCalls is the number of trial calls
// allowed while probing recovery.
func New(maxFailures int, resetTimeout time.Duration, halfOpenMaxCalls int) *Breaker {
	return &Breaker{
		maxFailures:      maxFailures,
		resetTimeout:     resetTimeout,
		halfOpenMaxCalls: halfOpenMaxCalls,
	}
}

// Call executes fn with circuit breaker protection, returning ErrOpen
// immediately without calling fn if the circuit is open.
func (b *Breaker) Call(fn func() error) error {
	b.mu.Lock()
	b.updateStateLocked()

	switch b.state {
	case StateOpen:
		b.mu.Unlock()
		return ErrOpen
	case StateHalfOpen:
		if b.halfOpenCalls >= b.halfOpenMaxCalls {
			b.mu.Unlock()
			return ErrOpen
		}
		b.halfOpenCalls++
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.recordFailureLocked()
		return err
	}
	b.recordSuccessLocked()
	return nil
}

// State reports the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) updateStateLocked() {
	now := time.Now()
	switch b.state {
	case StateClosed:
		if b.failureCount >= b.maxFailures {
			b.state = StateOpen
			b.lastFailTime = now
		}
	case StateOpen:
		if now.Sub(b.lastFailTime) >= b.resetTimeout {
			b.state = StateHalfOpen
			b.halfOpenCalls = 0
		}
	}
}

func (b *Breaker) recordFailureLocked() {
	b.failureCount++
	b.lastFailTime = time.Now()
	if b.state == StateHalfOpen {
		b.state = StateOpen
		b.halfOpenCalls = 0
	} else if b.failureCount >= b.maxFailures {
		b.state = StateOpen
	}
}

func (b *Breaker) recordSuccessLocked() {
	b.failureCount = 0
	if b.state == StateHalfOpen {
		b.state = StateClosed
		b.halfOpenCalls = 0
	}
}
