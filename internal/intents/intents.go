// Package intents manages payment intents: a priced, addressed request to
// pay one reference through the split ledger within a short window.
//
// Lifecycle:
//  1. CreateIntent validates and stores a pending intent with a payable instruction
//  2. The settlement listener completes it when a matching Settled event confirms
//  3. The sweep timer expires it once expiresAt passes unpaid
//
// pending→completed and pending→expired are the only transitions and are
// applied with status-conditioned updates, so exactly one of them wins.
package intents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"

	"github.com/mbd888/splitpay/internal/idgen"
	"github.com/mbd888/splitpay/internal/metrics"
	"github.com/mbd888/splitpay/internal/splits"
	"github.com/mbd888/splitpay/internal/syncutil"
	"github.com/mbd888/splitpay/internal/traces"
	"github.com/mbd888/splitpay/internal/usdc"
)

var (
	ErrNotFound          = errors.New("payment intent not found")
	ErrNotPending        = errors.New("payment intent is no longer pending")
	ErrIntentPending     = errors.New("a pending payment intent already exists for this reference")
	ErrInvalidReference  = errors.New("invalid reference id")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrAmountOutOfRange  = errors.New("amount outside the allowed range")
	ErrInvalidAddress    = errors.New("invalid recipient address")
	ErrReservedRecipient = errors.New("recipient may not be the treasury or staking pool")
)

// MaxReferenceLength bounds the opaque business reference.
const MaxReferenceLength = 128

// DefaultTTL is how long a payer has to settle an intent.
const DefaultTTL = 15 * time.Minute

// Status represents the state of a payment intent.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusExpired   Status = "expired"
)

// Intent is a request to pay one reference through the split ledger.
type Intent struct {
	ID           string
	ReferenceID  string
	TotalAmount  *big.Int
	Recipients   [4]common.Address // provider, beneficiary, treasury, staking pool
	SplitBPS     splits.Weights
	SplitVersion int
	Status       Status
	SettlementID string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	ResolvedAt   *time.Time
}

// IsTerminal returns true if the intent can no longer change.
func (i *Intent) IsTerminal() bool {
	return i.Status == StatusCompleted || i.Status == StatusExpired
}

// Due reports whether a pending intent's window has closed at now.
func (i *Intent) Due(now time.Time) bool {
	return i.Status == StatusPending && !now.Before(i.ExpiresAt)
}

// Preview splits the total with the weights recorded on the intent.
func (i *Intent) Preview() splits.Shares {
	shares, err := i.SplitBPS.Split(i.TotalAmount)
	if err != nil {
		return splits.Shares{new(big.Int), new(big.Int), new(big.Int), new(big.Int)}
	}
	return shares
}

// Provider is the first variable recipient.
func (i *Intent) Provider() common.Address { return i.Recipients[0] }

// Beneficiary is the second variable recipient.
func (i *Intent) Beneficiary() common.Address { return i.Recipients[1] }

func (i *Intent) clone() *Intent {
	cp := *i
	cp.TotalAmount = new(big.Int).Set(i.TotalAmount)
	if i.ResolvedAt != nil {
		t := *i.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

// SharePreview is one role's slice of the total.
type SharePreview struct {
	Role    splits.Role    `json:"role"`
	Address common.Address `json:"address"`
	BPS     uint32         `json:"bps"`
	Amount  string         `json:"amount"`
}

type intentJSON struct {
	ID           string         `json:"id"`
	ReferenceID  string         `json:"referenceId"`
	TotalAmount  string         `json:"totalAmount"`
	Split        []SharePreview `json:"split"`
	SplitVersion int            `json:"splitVersion"`
	Status       Status         `json:"status"`
	SettlementID string         `json:"settlementId,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	ExpiresAt    time.Time      `json:"expiresAt"`
	ResolvedAt   *time.Time     `json:"resolvedAt,omitempty"`
}

// MarshalJSON renders amounts as 6-decimal strings with the split preview.
func (i *Intent) MarshalJSON() ([]byte, error) {
	shares := i.Preview()
	split := make([]SharePreview, len(splits.Roles))
	for idx, role := range splits.Roles {
		split[idx] = SharePreview{
			Role:    role,
			Address: i.Recipients[idx],
			BPS:     i.SplitBPS[idx],
			Amount:  usdc.Format(shares[idx]),
		}
	}
	return json.Marshal(intentJSON{
		ID:           i.ID,
		ReferenceID:  i.ReferenceID,
		TotalAmount:  usdc.Format(i.TotalAmount),
		Split:        split,
		SplitVersion: i.SplitVersion,
		Status:       i.Status,
		SettlementID: i.SettlementID,
		CreatedAt:    i.CreatedAt,
		ExpiresAt:    i.ExpiresAt,
		ResolvedAt:   i.ResolvedAt,
	})
}

// Store persists payment intents.
type Store interface {
	// Create inserts a pending intent. It returns ErrIntentPending when the
	// reference already has one.
	Create(ctx context.Context, intent *Intent) error
	Get(ctx context.Context, id string) (*Intent, error)
	// FindPending returns the pending intent for a reference, or ErrNotFound.
	FindPending(ctx context.Context, referenceID string) (*Intent, error)
	// Complete moves a pending intent to completed, or returns ErrNotPending.
	Complete(ctx context.Context, id, settlementID string, at time.Time) error
	// Expire moves one pending intent whose window closed by now to expired.
	Expire(ctx context.Context, id string, now time.Time) error
	// ExpireDue expires up to limit pending intents whose window closed by
	// now and returns them.
	ExpireDue(ctx context.Context, now time.Time, limit int) ([]*Intent, error)
}

// Config carries the parameters intents are priced and addressed with.
type Config struct {
	Schedule    splits.Schedule
	MinAmount   *big.Int
	MaxAmount   *big.Int
	TTL         time.Duration
	ChainID     int64
	Token       common.Address
	Ledger      common.Address
	Treasury    common.Address
	StakingPool common.Address
}

// CreateRequest contains the parameters for creating an intent.
type CreateRequest struct {
	ReferenceID string `json:"referenceId" binding:"required"`
	Amount      string `json:"amount" binding:"required"`
	Provider    string `json:"provider" binding:"required"`
	Beneficiary string `json:"beneficiary" binding:"required"`
}

// Created is the result of CreateIntent.
type Created struct {
	Intent      *Intent      `json:"intent"`
	Instruction *Instruction `json:"paymentInstruction"`
}

// IntentID is the new intent's id.
func (c *Created) IntentID() string { return c.Intent.ID }

// ExpiresAt is when the payment window closes.
func (c *Created) ExpiresAt() time.Time { return c.Intent.ExpiresAt }

// Service implements payment intent business logic.
type Service struct {
	store  Store
	cfg    Config
	clock  clockwork.Clock
	logger *slog.Logger
	refs   *syncutil.KeyedMutex // serializes creation per reference

	onExpired func(ctx context.Context, intent *Intent)
}

// NewService creates a new payment intent service.
func NewService(store Store, cfg Config, clock clockwork.Clock, logger *slog.Logger) *Service {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, cfg: cfg, clock: clock, logger: logger, refs: syncutil.NewKeyedMutex()}
}

// OnExpired registers fn to run for each intent ExpireSweep expires. It
// is called synchronously from the sweep; set it before the timer starts.
func (s *Service) OnExpired(fn func(ctx context.Context, intent *Intent)) {
	s.onExpired = fn
}

// Config returns the service configuration.
func (s *Service) Config() Config { return s.cfg }

// CreateIntent validates the request and stores a pending intent. Nothing
// is stored when validation fails.
func (s *Service) CreateIntent(ctx context.Context, req CreateRequest) (*Created, error) {
	ctx, span := traces.StartSpan(ctx, "intents.CreateIntent",
		traces.Reference(req.ReferenceID), traces.Amount(req.Amount))
	defer span.End()

	intent, err := s.newIntent(req)
	if err != nil {
		metrics.IntentsTotal.WithLabelValues("rejected").Inc()
		return nil, traces.Fail(span, err)
	}
	span.SetAttributes(traces.IntentID(intent.ID))

	unlock, err := s.refs.Lock(ctx, intent.ReferenceID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// A pending intent whose window already closed is expired inline so the
	// reference can be retried before the next sweep.
	if existing, err := s.store.FindPending(ctx, intent.ReferenceID); err == nil {
		if !existing.Due(intent.CreatedAt) {
			metrics.IntentsTotal.WithLabelValues("rejected").Inc()
			return nil, ErrIntentPending
		}
		if err := s.store.Expire(ctx, existing.ID, intent.CreatedAt); err != nil && !errors.Is(err, ErrNotPending) {
			return nil, fmt.Errorf("failed to expire stale intent: %w", err)
		}
		metrics.IntentsTotal.WithLabelValues(string(StatusExpired)).Inc()
	} else if !errors.Is(err, ErrNotFound) {
		return nil, traces.Fail(span, fmt.Errorf("failed to look up pending intent: %w", err))
	}

	instr, err := BuildInstruction(s.cfg, intent)
	if err != nil {
		return nil, fmt.Errorf("failed to build payment instruction: %w", err)
	}

	if err := s.store.Create(ctx, intent); err != nil {
		if errors.Is(err, ErrIntentPending) {
			metrics.IntentsTotal.WithLabelValues("rejected").Inc()
			return nil, err
		}
		return nil, traces.Fail(span, fmt.Errorf("failed to create payment intent: %w", err))
	}

	metrics.IntentsTotal.WithLabelValues(string(StatusPending)).Inc()
	s.logger.Info("payment intent created",
		"intentId", intent.ID,
		"referenceId", intent.ReferenceID,
		"amount", usdc.Format(intent.TotalAmount),
		"expiresAt", intent.ExpiresAt,
	)
	return &Created{Intent: intent.clone(), Instruction: instr}, nil
}

func (s *Service) newIntent(req CreateRequest) (*Intent, error) {
	ref := strings.TrimSpace(req.ReferenceID)
	if ref == "" || len(ref) > MaxReferenceLength {
		return nil, fmt.Errorf("%w: must be 1-%d characters", ErrInvalidReference, MaxReferenceLength)
	}

	total, ok := usdc.Parse(req.Amount)
	if !ok || total.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, req.Amount)
	}
	if s.cfg.MinAmount != nil && total.Cmp(s.cfg.MinAmount) < 0 {
		return nil, fmt.Errorf("%w: minimum is %s", ErrAmountOutOfRange, usdc.Format(s.cfg.MinAmount))
	}
	if s.cfg.MaxAmount != nil && total.Cmp(s.cfg.MaxAmount) > 0 {
		return nil, fmt.Errorf("%w: maximum is %s", ErrAmountOutOfRange, usdc.Format(s.cfg.MaxAmount))
	}

	provider, err := s.recipient("provider", req.Provider)
	if err != nil {
		return nil, err
	}
	beneficiary, err := s.recipient("beneficiary", req.Beneficiary)
	if err != nil {
		return nil, err
	}

	if err := s.cfg.Schedule.Weights.Validate(); err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	return &Intent{
		ID:           idgen.WithPrefix("pi_"),
		ReferenceID:  ref,
		TotalAmount:  total,
		Recipients:   [4]common.Address{provider, beneficiary, s.cfg.Treasury, s.cfg.StakingPool},
		SplitBPS:     s.cfg.Schedule.Weights,
		SplitVersion: s.cfg.Schedule.Version,
		Status:       StatusPending,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.cfg.TTL),
	}, nil
}

func (s *Service) recipient(field, value string) (common.Address, error) {
	if !common.IsHexAddress(value) {
		return common.Address{}, fmt.Errorf("%w: %s", ErrInvalidAddress, field)
	}
	addr := common.HexToAddress(value)
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%w: %s is the zero address", ErrInvalidAddress, field)
	}
	if addr == s.cfg.Treasury || addr == s.cfg.StakingPool {
		return common.Address{}, fmt.Errorf("%w: %s", ErrReservedRecipient, field)
	}
	return addr, nil
}

// Get returns an intent by id.
func (s *Service) Get(ctx context.Context, id string) (*Intent, error) {
	return s.store.Get(ctx, id)
}

// Instruction rebuilds the payment instruction for a stored intent.
func (s *Service) Instruction(intent *Intent) (*Instruction, error) {
	return BuildInstruction(s.cfg, intent)
}

// Now is the service clock's current time.
func (s *Service) Now() time.Time { return s.clock.Now() }

// FindPending returns the pending intent for a reference.
func (s *Service) FindPending(ctx context.Context, referenceID string) (*Intent, error) {
	return s.store.FindPending(ctx, referenceID)
}

// Complete marks a pending intent as paid by a settlement.
func (s *Service) Complete(ctx context.Context, id, settlementID string) error {
	if err := s.store.Complete(ctx, id, settlementID, s.clock.Now().UTC()); err != nil {
		return err
	}
	metrics.IntentsTotal.WithLabelValues(string(StatusCompleted)).Inc()
	return nil
}

// ExpireSweep expires every pending intent whose window has closed. Running
// it again without new due intents changes nothing.
func (s *Service) ExpireSweep(ctx context.Context) (int, error) {
	const batch = 100
	now := s.clock.Now().UTC()
	total := 0
	for {
		expired, err := s.store.ExpireDue(ctx, now, batch)
		if err != nil {
			return total, err
		}
		for _, intent := range expired {
			s.logger.Info("payment intent expired",
				"intentId", intent.ID,
				"referenceId", intent.ReferenceID,
			)
			if s.onExpired != nil {
				s.onExpired(ctx, intent)
			}
		}
		total += len(expired)
		metrics.IntentsTotal.WithLabelValues(string(StatusExpired)).Add(float64(len(expired)))
		if len(expired) < batch {
			return total, nil
		}
	}
}
