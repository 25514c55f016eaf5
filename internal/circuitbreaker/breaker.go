// Package circuitbreaker provides a per-endpoint circuit breaker with
// closed → open → half-open state transitions.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal: deliveries flow through
	StateOpen                  // Tripped: deliveries are skipped
	StateHalfOpen              // Probing: one delivery allowed to test recovery
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var stateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "splitpay",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by endpoint, from-state, and to-state.",
}, []string{"endpoint", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(stateTransitions)
}

type entry struct {
	state       State
	failures    int
	lastFailure time.Time
}

// Breaker tracks consecutive failures per endpoint and trips open when
// they reach the threshold. After openDuration the circuit moves to
// half-open and lets a single probe through.
type Breaker struct {
	mu           sync.Mutex
	entries      map[string]*entry
	threshold    int
	openDuration time.Duration
	clock        clockwork.Clock
	onTransition func(endpoint string, from, to State)
}

// New creates a breaker that opens after threshold consecutive failures
// and stays open for openDuration before probing. A nil clock uses the
// real clock.
func New(threshold int, openDuration time.Duration, clock clockwork.Clock) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openDuration <= 0 {
		openDuration = 30 * time.Second
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Breaker{
		entries:      make(map[string]*entry),
		threshold:    threshold,
		openDuration: openDuration,
		clock:        clock,
	}
}

// OnTransition sets a callback invoked synchronously on state changes.
// It must not call back into the breaker.
func (b *Breaker) OnTransition(fn func(endpoint string, from, to State)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// Allow reports whether a delivery to endpoint may proceed.
func (b *Breaker) Allow(endpoint string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[endpoint]
	if !ok {
		return true
	}

	switch e.state {
	case StateOpen:
		if b.clock.Since(e.lastFailure) >= b.openDuration {
			b.transition(e, endpoint, StateHalfOpen)
			return true
		}
		return false
	case StateHalfOpen:
		return false
	default:
		return true
	}
}

// RecordSuccess resets the failure count and closes a half-open circuit.
func (b *Breaker) RecordSuccess(endpoint string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[endpoint]
	if !ok {
		return
	}
	if e.state == StateHalfOpen {
		b.transition(e, endpoint, StateClosed)
	}
	e.failures = 0
}

// RecordFailure counts a failed delivery. A failed probe reopens the
// circuit immediately.
func (b *Breaker) RecordFailure(endpoint string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[endpoint]
	if !ok {
		e = &entry{state: StateClosed}
		b.entries[endpoint] = e
	}

	e.failures++
	e.lastFailure = b.clock.Now()

	switch {
	case e.state == StateHalfOpen:
		b.transition(e, endpoint, StateOpen)
	case e.state == StateClosed && e.failures >= b.threshold:
		b.transition(e, endpoint, StateOpen)
	}
}

// State returns the current state for endpoint.
func (b *Breaker) State(endpoint string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[endpoint]
	if !ok {
		return StateClosed
	}
	return e.state
}

// caller holds b.mu
func (b *Breaker) transition(e *entry, endpoint string, to State) {
	from := e.state
	if from == to {
		return
	}
	e.state = to
	stateTransitions.WithLabelValues(endpoint, from.String(), to.String()).Inc()
	if b.onTransition != nil {
		b.onTransition(endpoint, from, to)
	}
}
