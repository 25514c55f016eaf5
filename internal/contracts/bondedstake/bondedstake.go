// Package bondedstake implements the BondedStake contract.
//
// Participants lock stable tokens to unlock a capacity tier. Withdrawal is
// two-phase: InitiateUnstake moves part of the active stake into an
// unbonding bucket, and FinalizeUnstake pays it out once the unbonding delay
// has elapsed. Unbonding funds remain slashable. Slashed value is burned.
// Stakes earn no yield, so the sum of all positions always equals the
// contract's token balance.
package bondedstake

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/splitpay/internal/chain"
	"github.com/mbd888/splitpay/internal/usdc"
)

var (
	ErrInvalidAmount     = errors.New("bondedstake: amount must be positive")
	ErrNoStake           = errors.New("bondedstake: no stake")
	ErrExceedsStake      = errors.New("bondedstake: amount exceeds active stake")
	ErrUnstakePending    = errors.New("bondedstake: an unstake is already pending")
	ErrNoPendingUnstake  = errors.New("bondedstake: no pending unstake")
	ErrUnbondingLocked   = errors.New("bondedstake: unbonding delay has not elapsed")
	ErrUnbondingElapsed  = errors.New("bondedstake: unbonding delay has elapsed")
	ErrFrozen            = errors.New("bondedstake: stake is frozen by an open slash case")
	ErrNotEnforcer       = errors.New("bondedstake: caller is not the penalty enforcer")
	ErrNothingToSlash    = errors.New("bondedstake: stake is not slashable")
	ErrInvalidThresholds = errors.New("bondedstake: tier thresholds must be strictly increasing")
)

// DefaultUnbondingDelay is seven days.
const DefaultUnbondingDelay = 7 * 24 * time.Hour

// Status is the lifecycle state of a position.
type Status string

const (
	StatusNone      Status = "none"
	StatusActive    Status = "active"
	StatusUnbonding Status = "unbonding"
	StatusWithdrawn Status = "withdrawn"
	StatusSlashed   Status = "slashed"
)

// Tier is a capacity tier unlocked by stake.
type Tier string

const (
	TierNone         Tier = "None"
	TierBasic        Tier = "Basic"
	TierStandard     Tier = "Standard"
	TierProfessional Tier = "Professional"
	TierEnterprise   Tier = "Enterprise"
)

// Threshold is the minimum active stake for a tier.
type Threshold struct {
	Tier Tier
	Min  *big.Int
}

// DefaultThresholds is 100/500/2,000/10,000 tokens.
func DefaultThresholds() []Threshold {
	return []Threshold{
		{TierBasic, usdc.Units(100)},
		{TierStandard, usdc.Units(500)},
		{TierProfessional, usdc.Units(2_000)},
		{TierEnterprise, usdc.Units(10_000)},
	}
}

// ThresholdsFromUnits builds a threshold table from whole-token minimums
// in Basic..Enterprise order.
func ThresholdsFromUnits(mins [4]int64) []Threshold {
	tiers := [4]Tier{TierBasic, TierStandard, TierProfessional, TierEnterprise}
	out := make([]Threshold, len(tiers))
	for i, t := range tiers {
		out[i] = Threshold{Tier: t, Min: usdc.Units(mins[i])}
	}
	return out
}

// Config is fixed at deployment.
type Config struct {
	Address        common.Address
	Enforcer       common.Address
	UnbondingDelay time.Duration
	Thresholds     []Threshold
}

// Position is one participant's stake.
type Position struct {
	Owner              common.Address `json:"owner"`
	Active             *big.Int       `json:"active"`
	Unbonding          *big.Int       `json:"unbonding"`
	StakedAt           time.Time      `json:"stakedAt"`
	UnstakeRequestedAt time.Time      `json:"unstakeRequestedAt,omitzero"`
	Status             Status         `json:"status"`
	Frozen             bool           `json:"frozen"`
	TotalSlashed       *big.Int       `json:"totalSlashed"`
}

// Amount is the total slashable stake.
func (p Position) Amount() *big.Int {
	return new(big.Int).Add(p.Active, p.Unbonding)
}

// unlockAt is when a pending unstake may be finalized.
func (p Position) unlockAt(delay time.Duration) time.Time {
	return p.UnstakeRequestedAt.Add(delay)
}

func (p Position) clone() Position {
	p.Active = new(big.Int).Set(p.Active)
	p.Unbonding = new(big.Int).Set(p.Unbonding)
	p.TotalSlashed = new(big.Int).Set(p.TotalSlashed)
	return p
}

func emptyPosition(owner common.Address) Position {
	return Position{
		Owner:        owner,
		Active:       new(big.Int),
		Unbonding:    new(big.Int),
		Status:       StatusNone,
		TotalSlashed: new(big.Int),
	}
}

// ABI holds the contract's events.
var ABI = chain.MustParseABI(`[
	{"type":"event","name":"Staked","inputs":[{"name":"staker","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false},{"name":"active","type":"uint256","indexed":false}]},
	{"type":"event","name":"UnstakeInitiated","inputs":[{"name":"staker","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false},{"name":"unlockAt","type":"uint256","indexed":false}]},
	{"type":"event","name":"UnstakeCancelled","inputs":[{"name":"staker","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}]},
	{"type":"event","name":"UnstakeFinalized","inputs":[{"name":"staker","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}]},
	{"type":"event","name":"Slashed","inputs":[{"name":"staker","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false},{"name":"remaining","type":"uint256","indexed":false},{"name":"reason","type":"string","indexed":false}]},
	{"type":"event","name":"FreezeChanged","inputs":[{"name":"staker","type":"address","indexed":true},{"name":"frozen","type":"bool","indexed":false}]}
]`)

// Staking is a deployed BondedStake contract.
type Staking struct {
	chain     *chain.Chain
	token     *chain.Token
	cfg       Config
	positions map[common.Address]Position
}

// Deploy registers a BondedStake contract on c.
func Deploy(c *chain.Chain, token *chain.Token, cfg Config) (*Staking, error) {
	if cfg.UnbondingDelay <= 0 {
		cfg.UnbondingDelay = DefaultUnbondingDelay
	}
	if len(cfg.Thresholds) == 0 {
		cfg.Thresholds = DefaultThresholds()
	}
	for i := 1; i < len(cfg.Thresholds); i++ {
		if cfg.Thresholds[i].Min.Cmp(cfg.Thresholds[i-1].Min) <= 0 {
			return nil, ErrInvalidThresholds
		}
	}
	s := &Staking{chain: c, token: token, cfg: cfg, positions: make(map[common.Address]Position)}
	c.Register(s)
	return s, nil
}

func (s *Staking) Address() common.Address { return s.cfg.Address }

func (s *Staking) UnbondingDelay() time.Duration { return s.cfg.UnbondingDelay }

func (s *Staking) Thresholds() []Threshold { return s.cfg.Thresholds }

func (s *Staking) emit(tx *chain.Tx, name string, who common.Address, args ...any) error {
	return tx.Emit(s.cfg.Address, ABI.Events[name], []common.Hash{common.BytesToHash(who.Bytes())}, args...)
}

func (s *Staking) Snapshot() any {
	cp := make(map[common.Address]Position, len(s.positions))
	for k, v := range s.positions {
		cp[k] = v.clone()
	}
	return cp
}

func (s *Staking) Restore(snapshot any) {
	s.positions = snapshot.(map[common.Address]Position)
}

func (s *Staking) position(owner common.Address) Position {
	if p, ok := s.positions[owner]; ok {
		return p
	}
	return emptyPosition(owner)
}

// Stake locks amount of the caller's tokens. The caller must have approved
// the contract.
func (s *Staking) Stake(tx *chain.Tx, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	owner := tx.Sender
	p := s.position(owner)
	if p.Status == StatusNone || p.Amount().Sign() == 0 {
		p.StakedAt = tx.Time
	}
	p.Active = new(big.Int).Add(p.Active, amount)
	if p.Unbonding.Sign() == 0 {
		p.Status = StatusActive
	}
	s.positions[owner] = p

	if err := s.token.TransferFrom(tx.As(s.cfg.Address), owner, s.cfg.Address, amount); err != nil {
		return err
	}
	return s.emit(tx, "Staked", owner, new(big.Int).Set(amount), new(big.Int).Set(p.Active))
}

// InitiateUnstake starts the unbonding delay for amount of the active
// stake. Only one unstake may be pending at a time.
func (s *Staking) InitiateUnstake(tx *chain.Tx, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	p := s.position(tx.Sender)
	if p.Amount().Sign() == 0 {
		return ErrNoStake
	}
	if p.Unbonding.Sign() > 0 {
		return ErrUnstakePending
	}
	if amount.Cmp(p.Active) > 0 {
		return fmt.Errorf("%w: active %s, requested %s", ErrExceedsStake, usdc.Format(p.Active), usdc.Format(amount))
	}
	p.Active = new(big.Int).Sub(p.Active, amount)
	p.Unbonding = new(big.Int).Set(amount)
	p.UnstakeRequestedAt = tx.Time
	p.Status = StatusUnbonding
	s.positions[tx.Sender] = p

	return s.emit(tx, "UnstakeInitiated", tx.Sender, new(big.Int).Set(amount),
		big.NewInt(p.unlockAt(s.cfg.UnbondingDelay).Unix()))
}

// FinalizeUnstake pays out the pending unstake. It fails until the
// unbonding delay has fully elapsed, and while the stake is frozen.
func (s *Staking) FinalizeUnstake(tx *chain.Tx) error {
	owner := tx.Sender
	p := s.position(owner)
	if p.Unbonding.Sign() == 0 {
		return ErrNoPendingUnstake
	}
	if p.Frozen {
		return ErrFrozen
	}
	if unlock := p.unlockAt(s.cfg.UnbondingDelay); tx.Time.Before(unlock) {
		return fmt.Errorf("%w: unlocks at %s", ErrUnbondingLocked, unlock.UTC().Format(time.RFC3339))
	}

	amount := p.Unbonding
	p.Unbonding = new(big.Int)
	p.UnstakeRequestedAt = time.Time{}
	if p.Active.Sign() > 0 {
		p.Status = StatusActive
	} else {
		p.Status = StatusWithdrawn
	}
	s.positions[owner] = p

	if err := s.token.Transfer(tx.As(s.cfg.Address), owner, amount); err != nil {
		return err
	}
	return s.emit(tx, "UnstakeFinalized", owner, new(big.Int).Set(amount))
}

// CancelUnstake returns the pending amount to the active stake. It is only
// available while the delay is still running.
func (s *Staking) CancelUnstake(tx *chain.Tx) error {
	owner := tx.Sender
	p := s.position(owner)
	if p.Unbonding.Sign() == 0 {
		return ErrNoPendingUnstake
	}
	if !tx.Time.Before(p.unlockAt(s.cfg.UnbondingDelay)) {
		return ErrUnbondingElapsed
	}
	amount := p.Unbonding
	p.Active = new(big.Int).Add(p.Active, amount)
	p.Unbonding = new(big.Int)
	p.UnstakeRequestedAt = time.Time{}
	p.Status = StatusActive
	s.positions[owner] = p

	return s.emit(tx, "UnstakeCancelled", owner, new(big.Int).Set(amount))
}

// Slash burns up to amount of subject's stake, taking from the active
// stake first and then from any pending unstake. It returns the amount
// actually burned. Only the penalty enforcer may call it.
func (s *Staking) Slash(tx *chain.Tx, subject common.Address, amount *big.Int, reason string) (*big.Int, error) {
	if tx.Sender != s.cfg.Enforcer {
		return nil, ErrNotEnforcer
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	p := s.position(subject)
	if p.Status != StatusActive && p.Status != StatusUnbonding {
		return nil, ErrNothingToSlash
	}
	total := p.Amount()
	if total.Sign() == 0 {
		return nil, ErrNothingToSlash
	}

	taken := new(big.Int).Set(amount)
	if taken.Cmp(total) > 0 {
		taken.Set(total)
	}
	fromActive := new(big.Int).Set(taken)
	if fromActive.Cmp(p.Active) > 0 {
		fromActive.Set(p.Active)
	}
	fromUnbonding := new(big.Int).Sub(taken, fromActive)

	p.Active = new(big.Int).Sub(p.Active, fromActive)
	p.Unbonding = new(big.Int).Sub(p.Unbonding, fromUnbonding)
	p.TotalSlashed = new(big.Int).Add(p.TotalSlashed, taken)
	switch {
	case p.Amount().Sign() == 0:
		p.Status = StatusSlashed
		p.UnstakeRequestedAt = time.Time{}
	case p.Unbonding.Sign() == 0:
		p.Status = StatusActive
		p.UnstakeRequestedAt = time.Time{}
	}
	s.positions[subject] = p

	if err := s.token.Burn(tx.As(s.cfg.Address), taken); err != nil {
		return nil, err
	}
	if err := s.emit(tx, "Slashed", subject, new(big.Int).Set(taken), p.Amount(), reason); err != nil {
		return nil, err
	}
	return taken, nil
}

// SetFrozen blocks or unblocks FinalizeUnstake for subject while a slash
// case is open. Only the penalty enforcer may call it.
func (s *Staking) SetFrozen(tx *chain.Tx, subject common.Address, frozen bool) error {
	if tx.Sender != s.cfg.Enforcer {
		return ErrNotEnforcer
	}
	p := s.position(subject)
	if p.Frozen == frozen {
		return nil
	}
	p.Frozen = frozen
	s.positions[subject] = p
	return s.emit(tx, "FreezeChanged", subject, frozen)
}

// PositionAt reads a position inside a transaction.
func (s *Staking) PositionAt(_ *chain.Tx, owner common.Address) Position {
	return s.position(owner).clone()
}

// Position returns a copy of owner's position.
func (s *Staking) Position(owner common.Address) Position {
	var p Position
	s.chain.View(func() { p = s.position(owner).clone() })
	return p
}

// CapacityTier maps owner's active stake onto the threshold table.
func (s *Staking) CapacityTier(owner common.Address) Tier {
	return s.TierFor(s.Position(owner).Active)
}

// TierFor returns the highest tier whose minimum amount meets.
func (s *Staking) TierFor(amount *big.Int) Tier {
	tier := TierNone
	for _, th := range s.cfg.Thresholds {
		if amount.Cmp(th.Min) < 0 {
			break
		}
		tier = th.Tier
	}
	return tier
}

// TotalStaked sums every position, active and unbonding.
func (s *Staking) TotalStaked() *big.Int {
	total := new(big.Int)
	s.chain.View(func() {
		for _, p := range s.positions {
			total.Add(total, p.Amount())
		}
	})
	return total
}
