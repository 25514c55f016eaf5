package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mbd888/splitpay/internal/metrics"
	"github.com/mbd888/splitpay/internal/retry"
)

// WorkerConfig tunes redelivery.
type WorkerConfig struct {
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultWorkerConfig retries for roughly a day before dead-lettering.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Interval:    2 * time.Second,
		BatchSize:   50,
		MaxAttempts: 12,
		BaseDelay:   5 * time.Second,
		MaxDelay:    time.Hour,
	}
}

// Worker drains the outbox into a sink.
type Worker struct {
	outbox  Outbox
	sink    Sink
	cfg     WorkerConfig
	clock   clockwork.Clock
	logger  *slog.Logger
	stop    chan struct{}
	running atomic.Bool
}

// NewWorker creates a delivery worker.
func NewWorker(outbox Outbox, sink Sink, cfg WorkerConfig, clock clockwork.Clock, logger *slog.Logger) *Worker {
	def := DefaultWorkerConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		outbox: outbox,
		sink:   sink,
		cfg:    cfg,
		clock:  clock,
		logger: logger,
		stop:   make(chan struct{}),
	}
}

// Running reports whether the delivery loop is active.
func (w *Worker) Running() bool {
	return w.running.Load()
}

// Start runs the delivery loop. Call in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.running.Store(true)
	defer w.running.Store(false)

	ticker := w.clock.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.Chan():
			w.safeDeliver(ctx)
		}
	}
}

// Stop signals the worker to stop.
func (w *Worker) Stop() {
	select {
	case w.stop <- struct{}{}:
	default:
	}
}

func (w *Worker) safeDeliver(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in notification worker", "panic", fmt.Sprint(r))
		}
	}()
	if _, err := w.DeliverDue(ctx); err != nil {
		w.logger.Warn("notification delivery pass failed", "error", err)
	}
}

// DeliverDue attempts every due message once and returns how many were
// delivered.
func (w *Worker) DeliverDue(ctx context.Context) (int, error) {
	now := w.clock.Now()
	due, err := w.outbox.Due(ctx, now, w.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, msg := range due {
		if ctx.Err() != nil {
			return delivered, ctx.Err()
		}
		if w.attempt(ctx, msg) {
			delivered++
		}
	}

	if n, err := w.outbox.PendingCount(ctx); err == nil {
		metrics.OutboxPending.Set(float64(n))
	}
	return delivered, nil
}

func (w *Worker) attempt(ctx context.Context, msg *Message) bool {
	sendErr := w.sink.Send(ctx, msg.Payload)
	now := w.clock.Now()

	if sendErr == nil {
		if err := w.outbox.MarkDelivered(ctx, msg.ID, now); err != nil {
			w.logger.Warn("failed to mark notification delivered", "id", msg.ID, "error", err)
		}
		metrics.NotificationsTotal.WithLabelValues("delivered").Inc()
		w.logger.Debug("notification delivered",
			"id", msg.ID, "settlementId", msg.Payload.SettlementID, "attempts", msg.Attempts+1)
		return true
	}

	attempts := msg.Attempts + 1
	var perm *retry.PermanentError
	dead := attempts >= w.cfg.MaxAttempts || errors.As(sendErr, &perm)
	next := now.Add(retry.Backoff(attempts, w.cfg.BaseDelay, w.cfg.MaxDelay))

	if err := w.outbox.MarkFailed(ctx, msg.ID, sendErr.Error(), next, dead); err != nil {
		w.logger.Warn("failed to record notification failure", "id", msg.ID, "error", err)
	}

	if dead {
		metrics.NotificationsTotal.WithLabelValues("dead").Inc()
		w.logger.Error("notification dead-lettered",
			"id", msg.ID,
			"settlementId", msg.Payload.SettlementID,
			"attempts", attempts,
			"error", sendErr,
		)
		return false
	}
	metrics.NotificationsTotal.WithLabelValues("retry").Inc()
	w.logger.Warn("notification delivery failed, will retry",
		"id", msg.ID,
		"settlementId", msg.Payload.SettlementID,
		"attempts", attempts,
		"nextAttemptAt", next,
		"error", sendErr,
	)
	return false
}
