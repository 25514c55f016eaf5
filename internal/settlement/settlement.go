// Package settlement reconciles Settled events from the split ledger into
// durable settlement records.
//
// A Listener scans confirmed blocks in order and, per event, records the
// settlement keyed by (txHash, logIndex), stores its four shares, completes
// the matching payment intent and hands the result to the notifier. Every
// step is idempotent, so replays after a restart or reorg change nothing.
package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/splitpay/internal/contracts/splitledger"
	"github.com/mbd888/splitpay/internal/idgen"
	"github.com/mbd888/splitpay/internal/notify"
	"github.com/mbd888/splitpay/internal/pagination"
	"github.com/mbd888/splitpay/internal/splits"
	"github.com/mbd888/splitpay/internal/usdc"
)

var (
	ErrNotFound = errors.New("settlement not found")
	ErrHalted   = errors.New("settlement listener halted")
)

// Record is one confirmed Settled event. Created once, never mutated.
type Record struct {
	ID              string
	PaymentIntentID string // empty when no pending intent matched
	ReferenceID     string
	Payer           common.Address
	TxHash          common.Hash
	LogIndex        uint
	BlockNumber     uint64
	TotalAmount     *big.Int
	SettledAt       time.Time
	RecordedAt      time.Time
}

// Share is one recipient's cut of a settlement.
type Share struct {
	ID           string
	SettlementID string
	Role         splits.Role
	Address      common.Address
	Amount       *big.Int
}

// Matched reports whether the settlement paid a known intent.
func (r *Record) Matched() bool { return r.PaymentIntentID != "" }

func (r *Record) clone() *Record {
	cp := *r
	cp.TotalAmount = new(big.Int).Set(r.TotalAmount)
	return &cp
}

type recordJSON struct {
	ID              string    `json:"id"`
	PaymentIntentID string    `json:"paymentIntentId,omitempty"`
	ReferenceID     string    `json:"referenceId"`
	Payer           string    `json:"payer"`
	TxHash          string    `json:"txHash"`
	LogIndex        uint      `json:"logIndex"`
	BlockNumber     uint64    `json:"blockNumber"`
	TotalAmount     string    `json:"totalAmount"`
	SettledAt       time.Time `json:"settledAt"`
	RecordedAt      time.Time `json:"recordedAt"`
}

func (r *Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(recordJSON{
		ID:              r.ID,
		PaymentIntentID: r.PaymentIntentID,
		ReferenceID:     r.ReferenceID,
		Payer:           r.Payer.Hex(),
		TxHash:          r.TxHash.Hex(),
		LogIndex:        r.LogIndex,
		BlockNumber:     r.BlockNumber,
		TotalAmount:     usdc.Format(r.TotalAmount),
		SettledAt:       r.SettledAt,
		RecordedAt:      r.RecordedAt,
	})
}

func (s Share) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Role    splits.Role `json:"role"`
		Address string      `json:"address"`
		Amount  string      `json:"amount"`
	}{s.Role, s.Address.Hex(), usdc.Format(s.Amount)})
}

// FromEvent builds the record and shares for a decoded Settled event.
func FromEvent(ev *splitledger.Settled, intentID string, now time.Time) (*Record, []Share) {
	rec := &Record{
		ID:              idgen.WithPrefix("stl_"),
		PaymentIntentID: intentID,
		ReferenceID:     ev.ReferenceID,
		Payer:           ev.Payer,
		TxHash:          ev.Raw.TxHash,
		LogIndex:        ev.Raw.Index,
		BlockNumber:     ev.Raw.BlockNumber,
		TotalAmount:     ev.Total(),
		SettledAt:       time.Unix(ev.Timestamp.Int64(), 0).UTC(),
		RecordedAt:      now,
	}

	amounts := ev.Shares()
	addrs := ev.Recipients()
	shares := make([]Share, len(splits.Roles))
	for i, role := range splits.Roles {
		shares[i] = Share{
			ID:           idgen.WithPrefix("shr_"),
			SettlementID: rec.ID,
			Role:         role,
			Address:      addrs[i],
			Amount:       new(big.Int).Set(amounts[i]),
		}
	}
	return rec, shares
}

// Notification renders the notifier payload for a record.
func Notification(rec *Record, shares []Share) notify.Notification {
	n := notify.Notification{
		SettlementID:    rec.ID,
		PaymentIntentID: rec.PaymentIntentID,
		ReferenceID:     rec.ReferenceID,
		Payer:           rec.Payer.Hex(),
		Total:           usdc.Format(rec.TotalAmount),
		Amounts:         make(map[string]string, len(shares)),
		Recipients:      make(map[string]string, len(shares)),
		TxHash:          rec.TxHash.Hex(),
		LogIndex:        rec.LogIndex,
		BlockNumber:     rec.BlockNumber,
		SettledAt:       rec.SettledAt,
	}
	for _, s := range shares {
		n.Amounts[string(s.Role)] = usdc.Format(s.Amount)
		n.Recipients[string(s.Role)] = s.Address.Hex()
	}
	return n
}

// Store persists settlement records and the listener checkpoint.
type Store interface {
	// Record inserts rec and its shares atomically. It reports false, and
	// writes nothing, when (txHash, logIndex) is already recorded.
	Record(ctx context.Context, rec *Record, shares []Share) (bool, error)
	Get(ctx context.Context, id string) (*Record, error)
	GetByLog(ctx context.Context, txHash common.Hash, logIndex uint) (*Record, error)
	ListByTx(ctx context.Context, txHash common.Hash) ([]*Record, error)
	ListByReference(ctx context.Context, referenceID string, limit int) ([]*Record, error)
	// ListRecent pages through records newest first by (RecordedAt, ID).
	// A nil cursor starts from the newest.
	ListRecent(ctx context.Context, after *pagination.Cursor, limit int) ([]*Record, error)
	Shares(ctx context.Context, settlementID string) ([]Share, error)

	// LastProcessed returns the last fully processed block for a chain.
	LastProcessed(ctx context.Context, chainID int64) (uint64, bool, error)
	SaveCheckpoint(ctx context.Context, chainID int64, block uint64) error
}
