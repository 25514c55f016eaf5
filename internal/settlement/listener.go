package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/jonboulle/clockwork"

	"github.com/mbd888/splitpay/internal/contracts/splitledger"
	"github.com/mbd888/splitpay/internal/intents"
	"github.com/mbd888/splitpay/internal/metrics"
	"github.com/mbd888/splitpay/internal/notify"
	"github.com/mbd888/splitpay/internal/traces"
	"github.com/mbd888/splitpay/internal/watchdog"
)

// LogSource is the read side of a ledger node. Both the in-process chain
// and go-ethereum's ethclient satisfy it.
type LogSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// IntentMatcher resolves and completes payment intents.
type IntentMatcher interface {
	FindPending(ctx context.Context, referenceID string) (*intents.Intent, error)
	Complete(ctx context.Context, id, settlementID string) error
}

// Notifier accepts settlement notifications for delivery.
type Notifier interface {
	Enqueue(ctx context.Context, n notify.Notification, now time.Time) error
}

// Config for the settlement listener.
type Config struct {
	ChainID           int64
	Ledger            common.Address
	ConfirmationDepth uint64
	PollInterval      time.Duration
	ChunkSize         uint64 // blocks per FilterLogs call
	StartBlock        uint64 // first block scanned when no checkpoint exists
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ConfirmationDepth: 12,
		PollInterval:      5 * time.Second,
		ChunkSize:         2000,
	}
}

// Listener is the single consumer of Settled events for one chain.
type Listener struct {
	source   LogSource
	store    Store
	intents  IntentMatcher
	notifier Notifier
	wd       *watchdog.Watchdog
	cfg      Config
	clock    clockwork.Clock
	logger   *slog.Logger
	chain    string

	// Poll is not reentrant.
	pollMu  sync.Mutex
	mu      sync.RWMutex
	next    uint64 // next block to scan
	resumed bool
	head    uint64

	stop    chan struct{}
	running atomic.Bool
}

// NewListener creates a settlement listener. wd guards the log source.
func NewListener(source LogSource, store Store, matcher IntentMatcher, notifier Notifier,
	wd *watchdog.Watchdog, cfg Config, clock clockwork.Clock, logger *slog.Logger) *Listener {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if wd == nil {
		wd = watchdog.New("rpc", 0, clock)
	}
	return &Listener{
		source:   source,
		store:    store,
		intents:  matcher,
		notifier: notifier,
		wd:       wd,
		cfg:      cfg,
		clock:    clock,
		logger:   logger,
		chain:    strconv.FormatInt(cfg.ChainID, 10),
		stop:     make(chan struct{}),
	}
}

// Running reports whether the poll loop is active.
func (l *Listener) Running() bool {
	return l.running.Load()
}

// Start runs the poll loop. Call in a goroutine.
func (l *Listener) Start(ctx context.Context) {
	l.running.Store(true)
	defer l.running.Store(false)

	l.logger.Info("settlement listener started",
		"chainId", l.cfg.ChainID,
		"ledger", l.cfg.Ledger.Hex(),
		"confirmations", l.cfg.ConfirmationDepth,
	)

	ticker := l.clock.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stop:
			return
		case <-ticker.Chan():
			l.safePoll(ctx)
		}
	}
}

// Stop signals the listener to stop.
func (l *Listener) Stop() {
	select {
	case l.stop <- struct{}{}:
	default:
	}
}

func (l *Listener) safePoll(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("panic in settlement listener", "panic", fmt.Sprint(r))
		}
	}()
	if _, err := l.Poll(ctx); err != nil && !errors.Is(err, ErrHalted) {
		l.logger.Warn("settlement poll failed", "error", err)
	}
}

// Poll processes every confirmed block not yet checkpointed and returns the
// number of Settled events handled. While the watchdog is halted it only
// probes the source; a successful probe resumes from the checkpoint.
func (l *Listener) Poll(ctx context.Context) (int, error) {
	l.pollMu.Lock()
	defer l.pollMu.Unlock()

	if l.wd.Halted() {
		if _, err := l.source.BlockNumber(ctx); err != nil {
			return 0, ErrHalted
		}
		l.wd.Reset()
		metrics.ListenerHalted.WithLabelValues(l.chain).Set(0)
		l.mu.Lock()
		l.resumed = false
		l.mu.Unlock()
		l.logger.Info("ledger source reachable again, resuming from checkpoint", "chainId", l.cfg.ChainID)
	}

	head, err := l.source.BlockNumber(ctx)
	if err != nil {
		return 0, l.sourceFailure(fmt.Errorf("failed to get block number: %w", err))
	}
	l.setHead(head)

	from, err := l.resume(ctx)
	if err != nil {
		return 0, err
	}
	if head < l.cfg.ConfirmationDepth {
		l.wd.RecordSuccess()
		return 0, nil
	}
	safe := head - l.cfg.ConfirmationDepth

	handled := 0
	for from <= safe {
		to := min(from+l.cfg.ChunkSize-1, safe)

		logs, err := l.source.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Addresses: []common.Address{l.cfg.Ledger},
			Topics:    [][]common.Hash{{splitledger.SettledTopic}},
		})
		if err != nil {
			return handled, l.sourceFailure(fmt.Errorf("failed to filter logs: %w", err))
		}
		l.wd.RecordSuccess()

		sort.Slice(logs, func(i, j int) bool {
			if logs[i].BlockNumber != logs[j].BlockNumber {
				return logs[i].BlockNumber < logs[j].BlockNumber
			}
			return logs[i].Index < logs[j].Index
		})
		for _, vLog := range logs {
			if vLog.Removed {
				continue
			}
			if err := l.processLog(ctx, vLog); err != nil {
				return handled, fmt.Errorf("tx %s log %d: %w", vLog.TxHash.Hex(), vLog.Index, err)
			}
			handled++
		}

		if err := l.store.SaveCheckpoint(ctx, l.cfg.ChainID, to); err != nil {
			return handled, fmt.Errorf("failed to save checkpoint: %w", err)
		}
		l.mu.Lock()
		l.next = to + 1
		l.mu.Unlock()
		metrics.ListenerBlock.WithLabelValues(l.chain, "processed").Set(float64(to))
		from = to + 1
	}
	return handled, nil
}

// resume returns the next block to scan, loading the checkpoint on the
// first poll and after a halt. The last depth blocks before the checkpoint
// are scanned again.
func (l *Listener) resume(ctx context.Context) (uint64, error) {
	l.mu.RLock()
	resumed, next := l.resumed, l.next
	l.mu.RUnlock()
	if resumed {
		return next, nil
	}

	last, ok, err := l.store.LastProcessed(ctx, l.cfg.ChainID)
	if err != nil {
		return 0, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	next = l.cfg.StartBlock
	if ok {
		next = 0
		if last > l.cfg.ConfirmationDepth {
			next = last - l.cfg.ConfirmationDepth
		}
		next = max(next, l.cfg.StartBlock)
	}

	l.mu.Lock()
	l.next = next
	l.resumed = true
	l.mu.Unlock()

	l.logger.Info("settlement listener resuming",
		"chainId", l.cfg.ChainID,
		"checkpoint", last,
		"hasCheckpoint", ok,
		"fromBlock", next,
	)
	return next, nil
}

func (l *Listener) sourceFailure(err error) error {
	if l.wd.RecordFailure(err) {
		metrics.ListenerHalted.WithLabelValues(l.chain).Set(1)
		l.logger.Error("settlement scanning halted, ledger source unreachable",
			"chainId", l.cfg.ChainID,
			"error", err,
		)
		return fmt.Errorf("%w: %v", ErrHalted, err)
	}
	return err
}

func (l *Listener) setHead(head uint64) {
	l.mu.Lock()
	l.head = head
	l.mu.Unlock()
	metrics.ListenerBlock.WithLabelValues(l.chain, "head").Set(float64(head))
}

// processLog handles one Settled log. Replaying a log that was already
// recorded repeats only the idempotent follow-up steps.
func (l *Listener) processLog(ctx context.Context, vLog types.Log) error {
	ctx, span := traces.StartSpan(ctx, "settlement.processLog",
		traces.TxHash(vLog.TxHash.Hex()),
		traces.Block(vLog.BlockNumber),
	)
	defer span.End()

	ev, err := splitledger.ParseSettled(vLog)
	if err != nil {
		metrics.SettlementsTotal.WithLabelValues("malformed").Inc()
		l.logger.Warn("skipping undecodable settlement log",
			"txHash", vLog.TxHash.Hex(),
			"logIndex", vLog.Index,
			"error", err,
		)
		return nil
	}

	now := l.clock.Now().UTC()
	rec, shares, err := l.recorded(ctx, ev)
	inserted := false
	switch {
	case errors.Is(err, ErrNotFound):
		intentID, err := l.match(ctx, ev)
		if err != nil {
			return traces.Fail(span, err)
		}
		rec, shares = FromEvent(ev, intentID, now)
		if inserted, err = l.store.Record(ctx, rec, shares); err != nil {
			return traces.Fail(span, fmt.Errorf("failed to record settlement: %w", err))
		}
		if !inserted {
			if rec, shares, err = l.recorded(ctx, ev); err != nil {
				return err
			}
		}
	case err != nil:
		return traces.Fail(span, err)
	}

	if inserted {
		result := "unmatched"
		if rec.Matched() {
			result = "matched"
		}
		metrics.SettlementsTotal.WithLabelValues(result).Inc()
		l.logger.Info("settlement recorded",
			"settlementId", rec.ID,
			"referenceId", rec.ReferenceID,
			"intentId", rec.PaymentIntentID,
			"txHash", rec.TxHash.Hex(),
			"logIndex", rec.LogIndex,
			"block", rec.BlockNumber,
		)
	} else {
		metrics.SettlementsTotal.WithLabelValues("duplicate").Inc()
		l.logger.Debug("duplicate settlement ignored",
			"txHash", rec.TxHash.Hex(),
			"logIndex", rec.LogIndex,
		)
	}
	span.SetAttributes(traces.Reference(rec.ReferenceID))

	if rec.Matched() {
		err := l.intents.Complete(ctx, rec.PaymentIntentID, rec.ID)
		switch {
		case err == nil:
		case errors.Is(err, intents.ErrNotPending):
			if inserted {
				l.logger.Warn("matched intent left pending state before completion",
					"intentId", rec.PaymentIntentID,
					"settlementId", rec.ID,
				)
			}
		default:
			return fmt.Errorf("failed to complete intent: %w", err)
		}
	}

	if err := l.notifier.Enqueue(ctx, Notification(rec, shares), now); err != nil {
		return fmt.Errorf("failed to enqueue notification: %w", err)
	}
	return nil
}

// recorded loads the settlement already stored for ev's log, or returns
// ErrNotFound.
func (l *Listener) recorded(ctx context.Context, ev *splitledger.Settled) (*Record, []Share, error) {
	rec, err := l.store.GetByLog(ctx, ev.Raw.TxHash, ev.Raw.Index)
	if errors.Is(err, ErrNotFound) {
		return nil, nil, err
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load recorded settlement: %w", err)
	}
	shares, err := l.store.Shares(ctx, rec.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load recorded shares: %w", err)
	}
	return rec, shares, nil
}

// match returns the pending intent this event pays, or "" when none does.
// The reference alone is not enough: the amount and all four recipients
// must agree too.
func (l *Listener) match(ctx context.Context, ev *splitledger.Settled) (string, error) {
	intent, err := l.intents.FindPending(ctx, ev.ReferenceID)
	if errors.Is(err, intents.ErrNotFound) {
		l.logger.Warn("settlement has no pending intent",
			"referenceId", ev.ReferenceID,
			"txHash", ev.Raw.TxHash.Hex(),
		)
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up intent: %w", err)
	}

	if intent.TotalAmount.Cmp(ev.Total()) != 0 || intent.Recipients != ev.Recipients() {
		l.logger.Warn("settlement does not match pending intent",
			"referenceId", ev.ReferenceID,
			"intentId", intent.ID,
			"txHash", ev.Raw.TxHash.Hex(),
		)
		return "", nil
	}
	return intent.ID, nil
}

// Status describes the listener's progress.
type Status struct {
	ChainID           int64     `json:"chainId"`
	Running           bool      `json:"running"`
	State             string    `json:"state"`
	Head              uint64    `json:"head"`
	NextBlock         uint64    `json:"nextBlock"`
	ConfirmationDepth uint64    `json:"confirmationDepth"`
	Failures          int       `json:"failures,omitempty"`
	FailingSince      time.Time `json:"failingSince,omitzero"`
	LastError         string    `json:"lastError,omitempty"`
}

// Status returns a snapshot of the listener's progress.
func (l *Listener) Status() Status {
	l.mu.RLock()
	s := Status{
		ChainID:           l.cfg.ChainID,
		Head:              l.head,
		NextBlock:         l.next,
		ConfirmationDepth: l.cfg.ConfirmationDepth,
	}
	l.mu.RUnlock()

	snap := l.wd.Snapshot()
	s.Running = l.Running()
	s.State = snap.State.String()
	s.Failures = snap.Failures
	s.FailingSince = snap.FailingSince
	if snap.LastError != nil {
		s.LastError = snap.LastError.Error()
	}
	return s
}

// Halted reports whether scanning is halted.
func (l *Listener) Halted() bool { return l.wd.Halted() }
