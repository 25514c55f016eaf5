// Package watchdog tracks the reachability of an upstream dependency and
// trips once it has been failing continuously for longer than a threshold.
//
// States move healthy -> degraded on the first failure and degraded ->
// halted when failures have persisted for the threshold. Any success while
// degraded returns to healthy. Halted is sticky until Reset, so a caller
// that stops work on halt does not silently resume on a lucky probe.
package watchdog

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mbd888/splitpay/internal/metrics"
)

// State is the watchdog state.
type State int

const (
	StateHealthy State = iota
	StateDegraded
	StateHalted
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateHalted:
		return "halted"
	default:
		return "unknown"
	}
}

// Watchdog is safe for concurrent use.
type Watchdog struct {
	mu           sync.Mutex
	name         string
	threshold    time.Duration
	clock        clockwork.Clock
	state        State
	failures     int
	firstFailure time.Time
	lastErr      error
	onHalt       func(err error)
}

// New creates a watchdog that halts after threshold of continuous failure.
func New(name string, threshold time.Duration, clock clockwork.Clock) *Watchdog {
	if threshold <= 0 {
		threshold = 2 * time.Minute
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Watchdog{name: name, threshold: threshold, clock: clock}
}

// OnHalt sets a callback invoked once, synchronously, when the watchdog
// halts. It receives the last recorded error.
func (w *Watchdog) OnHalt(fn func(err error)) {
	w.mu.Lock()
	w.onHalt = fn
	w.mu.Unlock()
}

// RecordSuccess clears a degraded state.
func (w *Watchdog) RecordSuccess() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == StateDegraded {
		w.transition(StateHealthy)
	}
	if w.state != StateHalted {
		w.failures = 0
		w.lastErr = nil
	}
}

// RecordFailure registers a failed call and reports whether the watchdog
// is now halted.
func (w *Watchdog) RecordFailure(err error) bool {
	w.mu.Lock()
	w.failures++
	w.lastErr = err
	now := w.clock.Now()

	var fire func(error)
	switch w.state {
	case StateHealthy:
		w.firstFailure = now
		w.transition(StateDegraded)
	case StateDegraded:
		if now.Sub(w.firstFailure) >= w.threshold {
			w.transition(StateHalted)
			fire = w.onHalt
		}
	}
	halted := w.state == StateHalted
	w.mu.Unlock()

	if fire != nil {
		fire(err)
	}
	return halted
}

// Reset returns a halted watchdog to healthy.
func (w *Watchdog) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.transition(StateHealthy)
	w.failures = 0
	w.lastErr = nil
}

func (w *Watchdog) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Watchdog) Halted() bool { return w.State() == StateHalted }

// Snapshot describes the current failure streak.
type Snapshot struct {
	State        State
	Failures     int
	FailingSince time.Time
	LastError    error
}

func (w *Watchdog) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := Snapshot{State: w.state, Failures: w.failures, LastError: w.lastErr}
	if w.state != StateHealthy {
		s.FailingSince = w.firstFailure
	}
	return s
}

// transition changes state. Caller must hold w.mu.
func (w *Watchdog) transition(to State) {
	from := w.state
	if from == to {
		return
	}
	w.state = to
	metrics.WatchdogTransitions.WithLabelValues(w.name, from.String(), to.String()).Inc()
}
