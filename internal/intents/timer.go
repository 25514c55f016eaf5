package intents

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultSweepInterval is how often the timer expires due intents.
const DefaultSweepInterval = 30 * time.Second

// Timer periodically runs ExpireSweep.
type Timer struct {
	service  *Service
	interval time.Duration
	clock    clockwork.Clock
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new expiry sweep timer.
func NewTimer(service *Service, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Timer{
		service:  service,
		interval: interval,
		clock:    service.clock,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := t.clock.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.Chan():
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in intent sweep", "panic", fmt.Sprint(r))
		}
	}()
	n, err := t.service.ExpireSweep(ctx)
	if err != nil {
		t.logger.Warn("intent sweep failed", "expired", n, "error", err)
		return
	}
	if n > 0 {
		t.logger.Debug("intent sweep", "expired", n)
	}
}
