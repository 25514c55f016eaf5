// Package penalty implements the PenaltyEnforcer contract.
//
// A case moves proposed -> executed when its appeal window lapses, or
// proposed -> appealed -> {overturned, executed} when the subject posts an
// appeal bond and the resolver rules. Deadlines are plain timestamps
// compared against the transaction time; nothing waits on a timer, and
// anyone may trigger execution once the window is over. Every executed
// slash is burned through BondedStake.
package penalty

import (
	"errors"
	"fmt"
	"math/big"
	"slices"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/splitpay/internal/chain"
	"github.com/mbd888/splitpay/internal/contracts/bondedstake"
)

var (
	ErrNotReporter        = errors.New("penalty: caller is not an authorized reporter")
	ErrNotResolver        = errors.New("penalty: caller is not the resolver")
	ErrNotSubject         = errors.New("penalty: only the subject may appeal")
	ErrInvalidTier        = errors.New("penalty: invalid tier")
	ErrCaseOpen           = errors.New("penalty: subject already has an open case")
	ErrCaseNotFound       = errors.New("penalty: case not found")
	ErrInvalidStatus      = errors.New("penalty: case is not in the required status")
	ErrAppealWindowOpen   = errors.New("penalty: appeal window has not closed")
	ErrAppealWindowClosed = errors.New("penalty: appeal window has closed")
	ErrNoStake            = errors.New("penalty: subject has no slashable stake")
)

const (
	DefaultAppealWindow  = 72 * time.Hour
	DefaultAppealBondBPS = 1000
)

// Tier is the severity of a misconduct finding.
type Tier uint8

const (
	TierMinor Tier = iota
	TierModerate
	TierMajor
	TierFraud
)

var tierNames = [...]string{"minor", "moderate", "major", "fraud"}

func (t Tier) String() string {
	if int(t) < len(tierNames) {
		return tierNames[t]
	}
	return fmt.Sprintf("tier(%d)", t)
}

func (t Tier) Valid() bool { return int(t) < len(tierNames) }

// ParseTier accepts a tier name.
func ParseTier(s string) (Tier, error) {
	i := slices.Index(tierNames[:], strings.ToLower(strings.TrimSpace(s)))
	if i < 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTier, s)
	}
	return Tier(i), nil
}

func (t Tier) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// DefaultTierBPS slashes 10/30/60/100 percent of the stake.
var DefaultTierBPS = [4]uint32{1000, 3000, 6000, 10000}

// Status is the state of a case.
type Status string

const (
	StatusProposed   Status = "proposed"
	StatusAppealed   Status = "appealed"
	StatusExecuted   Status = "executed"
	StatusOverturned Status = "overturned"
)

// Case is a slash proposal against one subject.
type Case struct {
	ID             uint64         `json:"id"`
	Subject        common.Address `json:"subject"`
	Reporter       common.Address `json:"reporter"`
	Tier           Tier           `json:"tier"`
	EvidenceRef    string         `json:"evidenceRef"`
	ProposedAmount *big.Int       `json:"proposedAmount"`
	Status         Status         `json:"status"`
	AppealDeadline time.Time      `json:"appealDeadline"`
	AppealBond     *big.Int       `json:"appealBond"`
	SlashedAmount  *big.Int       `json:"slashedAmount"`
	CreatedAt      time.Time      `json:"createdAt"`
	ResolvedAt     time.Time      `json:"resolvedAt,omitzero"`
}

func (c Case) clone() Case {
	c.ProposedAmount = new(big.Int).Set(c.ProposedAmount)
	c.AppealBond = new(big.Int).Set(c.AppealBond)
	c.SlashedAmount = new(big.Int).Set(c.SlashedAmount)
	return c
}

// Open reports whether the case still freezes the subject's stake.
func (c Case) Open() bool {
	return c.Status == StatusProposed || c.Status == StatusAppealed
}

// Config is fixed at deployment.
type Config struct {
	Address       common.Address
	Resolver      common.Address
	Reporters     []common.Address
	AppealWindow  time.Duration
	AppealBondBPS uint32
	TierBPS       [4]uint32
}

// ABI holds the contract's events. Each carries tier, amount and deadline
// so the subject can see the full terms of the case from the log alone.
var ABI = chain.MustParseABI(`[
	{"type":"event","name":"SlashProposed","inputs":[{"name":"caseId","type":"uint256","indexed":true},{"name":"subject","type":"address","indexed":true},{"name":"tier","type":"uint8","indexed":false},{"name":"amount","type":"uint256","indexed":false},{"name":"appealDeadline","type":"uint256","indexed":false},{"name":"evidenceRef","type":"string","indexed":false}]},
	{"type":"event","name":"SlashAppealed","inputs":[{"name":"caseId","type":"uint256","indexed":true},{"name":"subject","type":"address","indexed":true},{"name":"tier","type":"uint8","indexed":false},{"name":"amount","type":"uint256","indexed":false},{"name":"appealDeadline","type":"uint256","indexed":false},{"name":"bond","type":"uint256","indexed":false}]},
	{"type":"event","name":"SlashOverturned","inputs":[{"name":"caseId","type":"uint256","indexed":true},{"name":"subject","type":"address","indexed":true},{"name":"tier","type":"uint8","indexed":false},{"name":"amount","type":"uint256","indexed":false},{"name":"appealDeadline","type":"uint256","indexed":false},{"name":"bondReturned","type":"uint256","indexed":false}]},
	{"type":"event","name":"SlashExecuted","inputs":[{"name":"caseId","type":"uint256","indexed":true},{"name":"subject","type":"address","indexed":true},{"name":"tier","type":"uint8","indexed":false},{"name":"amount","type":"uint256","indexed":false},{"name":"appealDeadline","type":"uint256","indexed":false},{"name":"bondForfeited","type":"uint256","indexed":false}]}
]`)

type state struct {
	cases     map[uint64]Case
	open      map[common.Address]uint64
	nextID    uint64
	forfeited *big.Int
}

// Enforcer is a deployed PenaltyEnforcer.
type Enforcer struct {
	chain *chain.Chain
	token *chain.Token
	stake *bondedstake.Staking
	cfg   Config
	st    state
}

// Deploy registers a PenaltyEnforcer on c. The BondedStake contract must
// have been deployed with cfg.Address as its enforcer.
func Deploy(c *chain.Chain, token *chain.Token, stake *bondedstake.Staking, cfg Config) *Enforcer {
	if cfg.AppealWindow <= 0 {
		cfg.AppealWindow = DefaultAppealWindow
	}
	if cfg.AppealBondBPS == 0 {
		cfg.AppealBondBPS = DefaultAppealBondBPS
	}
	if cfg.TierBPS == ([4]uint32{}) {
		cfg.TierBPS = DefaultTierBPS
	}
	e := &Enforcer{
		chain: c,
		token: token,
		stake: stake,
		cfg:   cfg,
		st: state{
			cases:  make(map[uint64]Case),
			open:      make(map[common.Address]uint64),
			nextID:    1,
			forfeited: new(big.Int),
		},
	}
	c.Register(e)
	return e
}

func (e *Enforcer) Address() common.Address { return e.cfg.Address }

func (e *Enforcer) AppealWindow() time.Duration { return e.cfg.AppealWindow }

func (e *Enforcer) Snapshot() any {
	cp := state{
		cases:     make(map[uint64]Case, len(e.st.cases)),
		open:      make(map[common.Address]uint64, len(e.st.open)),
		nextID:    e.st.nextID,
		forfeited: new(big.Int).Set(e.st.forfeited),
	}
	for k, v := range e.st.cases {
		cp.cases[k] = v.clone()
	}
	for k, v := range e.st.open {
		cp.open[k] = v
	}
	return cp
}

func (e *Enforcer) Restore(snapshot any) { e.st = snapshot.(state) }

// ProposeSlash opens a case against subject sized by tier and freezes the
// subject's withdrawals until the case closes.
func (e *Enforcer) ProposeSlash(tx *chain.Tx, subject common.Address, tier Tier, evidenceRef string) (uint64, error) {
	if !slices.Contains(e.cfg.Reporters, tx.Sender) {
		return 0, ErrNotReporter
	}
	if !tier.Valid() {
		return 0, ErrInvalidTier
	}
	if _, ok := e.st.open[subject]; ok {
		return 0, ErrCaseOpen
	}

	pos := e.stake.PositionAt(tx, subject)
	if pos.Status != bondedstake.StatusActive && pos.Status != bondedstake.StatusUnbonding {
		return 0, ErrNoStake
	}
	amount := new(big.Int).Mul(pos.Amount(), big.NewInt(int64(e.cfg.TierBPS[tier])))
	amount.Quo(amount, big.NewInt(10000))
	if amount.Sign() == 0 {
		return 0, ErrNoStake
	}

	c := Case{
		ID:             e.st.nextID,
		Subject:        subject,
		Reporter:       tx.Sender,
		Tier:           tier,
		EvidenceRef:    evidenceRef,
		ProposedAmount: amount,
		Status:         StatusProposed,
		AppealDeadline: tx.Time.Add(e.cfg.AppealWindow),
		AppealBond:     new(big.Int),
		SlashedAmount:  new(big.Int),
		CreatedAt:      tx.Time,
	}
	e.st.nextID++
	e.st.cases[c.ID] = c
	e.st.open[subject] = c.ID

	if err := e.stake.SetFrozen(tx.As(e.cfg.Address), subject, true); err != nil {
		return 0, err
	}
	if err := e.emit(tx, "SlashProposed", c, evidenceRef); err != nil {
		return 0, err
	}
	return c.ID, nil
}

// AppealBondFor is the bond required to appeal a proposed amount.
func (e *Enforcer) AppealBondFor(proposed *big.Int) *big.Int {
	bond := new(big.Int).Mul(proposed, big.NewInt(int64(e.cfg.AppealBondBPS)))
	return bond.Quo(bond, big.NewInt(10000))
}

// Appeal posts the subject's bond before the deadline, which blocks
// Execute until the resolver rules. The subject must have approved the
// enforcer for the bond.
func (e *Enforcer) Appeal(tx *chain.Tx, caseID uint64) error {
	c, ok := e.st.cases[caseID]
	if !ok {
		return ErrCaseNotFound
	}
	if tx.Sender != c.Subject {
		return ErrNotSubject
	}
	if c.Status != StatusProposed {
		return fmt.Errorf("%w: %s", ErrInvalidStatus, c.Status)
	}
	if !tx.Time.Before(c.AppealDeadline) {
		return ErrAppealWindowClosed
	}

	bond := e.AppealBondFor(c.ProposedAmount)
	c.Status = StatusAppealed
	c.AppealBond = bond
	e.st.cases[caseID] = c

	if bond.Sign() > 0 {
		if err := e.token.TransferFrom(tx.As(e.cfg.Address), c.Subject, e.cfg.Address, bond); err != nil {
			return err
		}
	}
	return e.emit(tx, "SlashAppealed", c, new(big.Int).Set(bond))
}

// Resolve rules on an appealed case. An upheld appeal overturns the case
// and returns the bond; a rejected one executes the slash and the bond
// stays with the enforcer.
func (e *Enforcer) Resolve(tx *chain.Tx, caseID uint64, upheld bool) error {
	if tx.Sender != e.cfg.Resolver {
		return ErrNotResolver
	}
	c, ok := e.st.cases[caseID]
	if !ok {
		return ErrCaseNotFound
	}
	if c.Status != StatusAppealed {
		return fmt.Errorf("%w: %s", ErrInvalidStatus, c.Status)
	}
	if !upheld {
		return e.execute(tx, c)
	}

	c.Status = StatusOverturned
	c.ResolvedAt = tx.Time
	e.st.cases[caseID] = c
	delete(e.st.open, c.Subject)

	self := tx.As(e.cfg.Address)
	if err := e.stake.SetFrozen(self, c.Subject, false); err != nil {
		return err
	}
	if c.AppealBond.Sign() > 0 {
		if err := e.token.Transfer(self, c.Subject, c.AppealBond); err != nil {
			return err
		}
	}
	return e.emit(tx, "SlashOverturned", c, new(big.Int).Set(c.AppealBond))
}

// Execute applies an unappealed case once its appeal window has closed.
// Anyone may call it.
func (e *Enforcer) Execute(tx *chain.Tx, caseID uint64) error {
	c, ok := e.st.cases[caseID]
	if !ok {
		return ErrCaseNotFound
	}
	if c.Status != StatusProposed {
		return fmt.Errorf("%w: %s", ErrInvalidStatus, c.Status)
	}
	if tx.Time.Before(c.AppealDeadline) {
		return fmt.Errorf("%w: deadline %s", ErrAppealWindowOpen, c.AppealDeadline.UTC().Format(time.RFC3339))
	}
	return e.execute(tx, c)
}

func (e *Enforcer) execute(tx *chain.Tx, c Case) error {
	self := tx.As(e.cfg.Address)
	if err := e.stake.SetFrozen(self, c.Subject, false); err != nil {
		return err
	}

	// The stake may have shrunk since the proposal; the slash is capped at
	// whatever remains.
	slashed, err := e.stake.Slash(self, c.Subject, c.ProposedAmount, fmt.Sprintf("case %d: %s", c.ID, c.Tier))
	if err != nil && !errors.Is(err, bondedstake.ErrNothingToSlash) {
		return err
	}
	if slashed == nil {
		slashed = new(big.Int)
	}

	c.Status = StatusExecuted
	c.SlashedAmount = slashed
	c.ResolvedAt = tx.Time
	e.st.cases[c.ID] = c
	delete(e.st.open, c.Subject)

	// A forfeited bond is already in the enforcer's balance. It is held
	// there, never paid out, so only the slash itself is burned.
	e.st.forfeited.Add(e.st.forfeited, c.AppealBond)
	return e.emit(tx, "SlashExecuted", c, new(big.Int).Set(c.AppealBond))
}

func (e *Enforcer) emit(tx *chain.Tx, name string, c Case, extra any) error {
	amount := c.ProposedAmount
	if c.Status == StatusExecuted {
		amount = c.SlashedAmount
	}
	return tx.Emit(e.cfg.Address, ABI.Events[name],
		[]common.Hash{common.BigToHash(new(big.Int).SetUint64(c.ID)), common.BytesToHash(c.Subject.Bytes())},
		uint8(c.Tier), new(big.Int).Set(amount), big.NewInt(c.AppealDeadline.Unix()), extra)
}

// Case returns a copy of a case.
func (e *Enforcer) Case(id uint64) (Case, bool) {
	var c Case
	var ok bool
	e.chain.View(func() {
		c, ok = e.st.cases[id]
		if ok {
			c = c.clone()
		}
	})
	return c, ok
}

// Forfeited is the total of appeal bonds kept from rejected appeals.
func (e *Enforcer) Forfeited() *big.Int {
	var v *big.Int
	e.chain.View(func() { v = new(big.Int).Set(e.st.forfeited) })
	return v
}

// OpenCase returns the subject's open case, if any.
func (e *Enforcer) OpenCase(subject common.Address) (Case, bool) {
	var id uint64
	var ok bool
	e.chain.View(func() { id, ok = e.st.open[subject] })
	if !ok {
		return Case{}, false
	}
	return e.Case(id)
}
