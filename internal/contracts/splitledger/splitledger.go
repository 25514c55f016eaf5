// Package splitledger implements the SplitLedger contract: one call pulls
// an approved stable-token payment from the payer and pays four fixed
// basis-point shares out in the same transaction, emitting a single
// Settled event.
package splitledger

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/mbd888/splitpay/internal/chain"
	"github.com/mbd888/splitpay/internal/splits"
)

var (
	ErrEmptyReference    = errors.New("splitledger: reference id is required")
	ErrZeroRecipient     = errors.New("splitledger: recipient is the zero address")
	ErrReservedRecipient = errors.New("splitledger: recipient is the treasury or staking pool")
	ErrInvalidAmount     = errors.New("splitledger: total amount must be positive")
	ErrNotSettled        = errors.New("splitledger: log is not a Settled event")
	ErrUnknownMethod     = errors.New("splitledger: unknown method")
)

// ABI is the on-ledger interface of the contract.
var ABI = chain.MustParseABI(`[
	{"type":"function","name":"settle","stateMutability":"nonpayable","inputs":[
		{"name":"referenceId","type":"string"},
		{"name":"provider","type":"address"},
		{"name":"beneficiary","type":"address"},
		{"name":"totalAmount","type":"uint256"}],"outputs":[]},
	{"type":"event","name":"Settled","anonymous":false,"inputs":[
		{"name":"referenceId","type":"string","indexed":false},
		{"name":"payer","type":"address","indexed":true},
		{"name":"provider","type":"address","indexed":false},
		{"name":"beneficiary","type":"address","indexed":false},
		{"name":"treasury","type":"address","indexed":false},
		{"name":"stakingPool","type":"address","indexed":false},
		{"name":"providerAmount","type":"uint256","indexed":false},
		{"name":"beneficiaryAmount","type":"uint256","indexed":false},
		{"name":"treasuryAmount","type":"uint256","indexed":false},
		{"name":"stakingAmount","type":"uint256","indexed":false},
		{"name":"timestamp","type":"uint256","indexed":false}]}
]`)

// SettledTopic is topic 0 of every Settled log.
var SettledTopic = ABI.Events["Settled"].ID

// Config is fixed at deployment.
type Config struct {
	Address     common.Address
	Treasury    common.Address
	StakingPool common.Address
	Schedule    splits.Schedule
}

type state struct {
	settlements  uint64
	totalSettled *big.Int
}

// Ledger is a deployed SplitLedger.
type Ledger struct {
	chain *chain.Chain
	token *chain.Token
	cfg   Config
	st    state
}

// Deploy registers a SplitLedger on c paying out in token.
func Deploy(c *chain.Chain, token *chain.Token, cfg Config) (*Ledger, error) {
	if err := cfg.Schedule.Weights.Validate(); err != nil {
		return nil, err
	}
	if cfg.Treasury == (common.Address{}) || cfg.StakingPool == (common.Address{}) {
		return nil, ErrZeroRecipient
	}
	l := &Ledger{chain: c, token: token, cfg: cfg, st: state{totalSettled: new(big.Int)}}
	c.Register(l)
	return l, nil
}

func (l *Ledger) Address() common.Address { return l.cfg.Address }

func (l *Ledger) Schedule() splits.Schedule { return l.cfg.Schedule }

func (l *Ledger) Snapshot() any {
	return state{settlements: l.st.settlements, totalSettled: new(big.Int).Set(l.st.totalSettled)}
}

func (l *Ledger) Restore(snapshot any) { l.st = snapshot.(state) }

// Settle pulls total from the caller and pays the four shares. The caller
// must have approved the ledger for at least total. Any failing transfer
// reverts the whole call.
func (l *Ledger) Settle(tx *chain.Tx, referenceID string, provider, beneficiary common.Address, total *big.Int) (splits.Shares, error) {
	var shares splits.Shares

	// checks
	if referenceID == "" {
		return shares, ErrEmptyReference
	}
	if total == nil || total.Sign() <= 0 {
		return shares, ErrInvalidAmount
	}
	for _, r := range []common.Address{provider, beneficiary} {
		if r == (common.Address{}) {
			return shares, ErrZeroRecipient
		}
		if r == l.cfg.Treasury || r == l.cfg.StakingPool {
			return shares, fmt.Errorf("%w: %s", ErrReservedRecipient, r.Hex())
		}
	}
	shares, err := l.cfg.Schedule.Weights.Split(total)
	if err != nil {
		return shares, err
	}

	// effects
	l.st.settlements++
	l.st.totalSettled.Add(l.st.totalSettled, total)

	// interactions
	payer := tx.Sender
	self := tx.As(l.cfg.Address)
	if err := l.token.TransferFrom(self, payer, l.cfg.Address, total); err != nil {
		return shares, err
	}
	recipients := [4]common.Address{provider, beneficiary, l.cfg.Treasury, l.cfg.StakingPool}
	for i, to := range recipients {
		if shares[i].Sign() == 0 {
			continue
		}
		if err := l.token.Transfer(self, to, shares[i]); err != nil {
			return shares, fmt.Errorf("pay %s: %w", splits.Roles[i], err)
		}
	}

	err = tx.Emit(l.cfg.Address, ABI.Events["Settled"],
		[]common.Hash{common.BytesToHash(payer.Bytes())},
		referenceID, provider, beneficiary, l.cfg.Treasury, l.cfg.StakingPool,
		shares[0], shares[1], shares[2], shares[3],
		big.NewInt(tx.Time.Unix()),
	)
	return shares, err
}

// Call executes ABI-encoded calldata against the ledger.
func (l *Ledger) Call(tx *chain.Tx, data []byte) error {
	if len(data) < 4 {
		return ErrUnknownMethod
	}
	m, err := ABI.MethodById(data[:4])
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnknownMethod, err)
	}
	switch m.Name {
	case "settle":
		vals, err := m.Inputs.Unpack(data[4:])
		if err != nil {
			return err
		}
		ref, _ := vals[0].(string)
		provider, _ := vals[1].(common.Address)
		beneficiary, _ := vals[2].(common.Address)
		total, _ := vals[3].(*big.Int)
		_, err = l.Settle(tx, ref, provider, beneficiary, total)
		return err
	}
	return ErrUnknownMethod
}

// PackSettle encodes a settle call.
func PackSettle(referenceID string, provider, beneficiary common.Address, total *big.Int) ([]byte, error) {
	return ABI.Pack("settle", referenceID, provider, beneficiary, total)
}

// Stats returns the number of settlements and the total value settled.
func (l *Ledger) Stats() (uint64, *big.Int) {
	var n uint64
	var total *big.Int
	l.chain.View(func() {
		n = l.st.settlements
		total = new(big.Int).Set(l.st.totalSettled)
	})
	return n, total
}

// Settled is a decoded Settled log.
type Settled struct {
	ReferenceID       string
	Payer             common.Address
	Provider          common.Address
	Beneficiary       common.Address
	Treasury          common.Address
	StakingPool       common.Address
	ProviderAmount    *big.Int
	BeneficiaryAmount *big.Int
	TreasuryAmount    *big.Int
	StakingAmount     *big.Int
	Timestamp         *big.Int
	Raw               types.Log
}

// Shares returns the payout amounts in canonical role order.
func (s *Settled) Shares() splits.Shares {
	return splits.Shares{s.ProviderAmount, s.BeneficiaryAmount, s.TreasuryAmount, s.StakingAmount}
}

// Recipients returns the payout addresses in canonical role order.
func (s *Settled) Recipients() [4]common.Address {
	return [4]common.Address{s.Provider, s.Beneficiary, s.Treasury, s.StakingPool}
}

// Total is the sum of the four shares.
func (s *Settled) Total() *big.Int { return s.Shares().Sum() }

// ParseSettled decodes a Settled log.
func ParseSettled(log types.Log) (*Settled, error) {
	ev := ABI.Events["Settled"]
	if len(log.Topics) != 2 || log.Topics[0] != ev.ID {
		return nil, ErrNotSettled
	}
	vals, err := ev.Inputs.NonIndexed().Unpack(log.Data)
	if err != nil {
		return nil, fmt.Errorf("unpack Settled: %w", err)
	}
	if len(vals) != 10 {
		return nil, ErrNotSettled
	}

	out := &Settled{Payer: common.BytesToAddress(log.Topics[1].Bytes()), Raw: log}
	var ok [10]bool
	out.ReferenceID, ok[0] = vals[0].(string)
	out.Provider, ok[1] = vals[1].(common.Address)
	out.Beneficiary, ok[2] = vals[2].(common.Address)
	out.Treasury, ok[3] = vals[3].(common.Address)
	out.StakingPool, ok[4] = vals[4].(common.Address)
	out.ProviderAmount, ok[5] = vals[5].(*big.Int)
	out.BeneficiaryAmount, ok[6] = vals[6].(*big.Int)
	out.TreasuryAmount, ok[7] = vals[7].(*big.Int)
	out.StakingAmount, ok[8] = vals[8].(*big.Int)
	out.Timestamp, ok[9] = vals[9].(*big.Int)
	for _, v := range ok {
		if !v {
			return nil, ErrNotSettled
		}
	}
	return out, nil
}
