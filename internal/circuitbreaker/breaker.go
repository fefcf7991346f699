// Package circuitbreaker stops hammering endpoints that keep failing.
//
// State is tracked per endpoint URL. After threshold consecutive retryable
// failures the circuit opens and attempts fail fast until cooldown passes;
// then one probe is let through. A successful probe closes the circuit, a
// failed one reopens it.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

func (s state) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

type endpointState struct {
	state               state
	consecutiveFailures int
	openedAt            time.Time
	probeStartedAt      time.Time
}

type CircuitBreaker struct {
	mu        sync.Mutex
	states    map[string]*endpointState
	threshold int
	cooldown  time.Duration
	clock     func() time.Time
}

func New(threshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		states:    make(map[string]*endpointState),
		threshold: threshold,
		cooldown:  cooldown,
		clock:     time.Now,
	}
}

// WithClock replaces the time source.
func (cb *CircuitBreaker) WithClock(clock func() time.Time) *CircuitBreaker {
	cb.clock = clock
	return cb
}

// Allow returns ErrCircuitOpen if an attempt against endpoint must not be made.
func (cb *CircuitBreaker) Allow(endpoint string) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[endpoint]
	if !ok {
		return nil
	}

	now := cb.clock()
	switch s.state {
	case stateOpen:
		if now.Sub(s.openedAt) >= cb.cooldown {
			s.state = stateHalfOpen
			s.probeStartedAt = now
			return nil
		}
		return ErrCircuitOpen
	case stateHalfOpen:
		// A probe that never reported back must not wedge the circuit.
		if now.Sub(s.probeStartedAt) >= cb.cooldown {
			s.probeStartedAt = now
			return nil
		}
		return ErrCircuitOpen
	default:
		return nil
	}
}

// RecordSuccess closes the circuit for endpoint.
func (cb *CircuitBreaker) RecordSuccess(endpoint string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[endpoint]
	if !ok {
		return
	}
	s.state = stateClosed
	s.consecutiveFailures = 0
}

// RecordFailure counts a retryable failure against endpoint.
func (cb *CircuitBreaker) RecordFailure(endpoint string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[endpoint]
	if !ok {
		s = &endpointState{}
		cb.states[endpoint] = s
	}

	s.consecutiveFailures++
	if s.state == stateHalfOpen || s.consecutiveFailures >= cb.threshold {
		s.state = stateOpen
		s.openedAt = cb.clock()
	}
}

func (cb *CircuitBreaker) stateOf(endpoint string) string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if s, ok := cb.states[endpoint]; ok {
		return s.state.String()
	}
	return stateClosed.String()
}

// OpenCount returns the number of endpoints whose circuit is not closed.
func (cb *CircuitBreaker) OpenCount() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	n := 0
	for _, s := range cb.states {
		if s.state != stateClosed {
			n++
		}
	}
	return n
}
