package penalty

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/splitpay/internal/chain"
	"github.com/mbd888/splitpay/internal/contracts/bondedstake"
	"github.com/mbd888/splitpay/internal/usdc"
)

var (
	minter   = chain.AddressOf("minter")
	reporter = chain.AddressOf("reporter")
	resolver = chain.AddressOf("resolver")
	subject  = chain.AddressOf("subject")
	bystand  = chain.AddressOf("bystander")
)

type fixture struct {
	chain    *chain.Chain
	clock    *clockwork.FakeClock
	token    *chain.Token
	stake    *bondedstake.Staking
	enforcer *Enforcer
}

func setup(t *testing.T, staked int64) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
	c := chain.New(1337, clock, nil)
	tok := chain.NewToken(c, chain.AddressOf("token"), minter)
	enforcerAddr := chain.AddressOf("penalty-enforcer")
	s, err := bondedstake.Deploy(c, tok, bondedstake.Config{
		Address:  chain.AddressOf("bonded-stake"),
		Enforcer: enforcerAddr,
	})
	require.NoError(t, err)
	e := Deploy(c, tok, s, Config{
		Address:   enforcerAddr,
		Resolver:  resolver,
		Reporters: []common.Address{reporter},
	})

	f := &fixture{chain: c, clock: clock, token: tok, stake: s, enforcer: e}
	require.NoError(t, f.do(minter, func(tx *chain.Tx) error {
		if err := tok.Mint(tx, subject, usdc.Units(staked+1_000)); err != nil {
			return err
		}
		return tok.Mint(tx, bystand, usdc.Units(50))
	}))
	require.NoError(t, f.do(subject, func(tx *chain.Tx) error {
		if err := tok.Approve(tx, s.Address(), usdc.Units(staked)); err != nil {
			return err
		}
		return s.Stake(tx, usdc.Units(staked))
	}))
	return f
}

func (f *fixture) do(from common.Address, fn func(tx *chain.Tx) error) error {
	_, err := f.chain.Transact(context.Background(), from, fn)
	return err
}

func (f *fixture) propose(t *testing.T, tier Tier) uint64 {
	t.Helper()
	var id uint64
	require.NoError(t, f.do(reporter, func(tx *chain.Tx) error {
		var err error
		id, err = f.enforcer.ProposeSlash(tx, subject, tier, "ipfs://evidence")
		return err
	}))
	return id
}

func (f *fixture) appeal(id uint64) error {
	return f.do(subject, func(tx *chain.Tx) error {
		if err := f.token.Approve(tx, f.enforcer.Address(), usdc.Units(1_000)); err != nil {
			return err
		}
		return f.enforcer.Appeal(tx, id)
	})
}

// balances of every account that could receive slashed value
func (f *fixture) balances() map[common.Address]*big.Int {
	out := make(map[common.Address]*big.Int)
	for _, a := range []common.Address{subject, bystand, reporter, resolver, minter, f.enforcer.Address(), f.stake.Address()} {
		out[a] = f.token.BalanceOf(a)
	}
	return out
}

func TestExecute_ModerateScenario(t *testing.T) {
	f := setup(t, 600)
	assert.Equal(t, bondedstake.TierStandard, f.stake.CapacityTier(subject))

	id := f.propose(t, TierModerate)
	c, ok := f.enforcer.Case(id)
	require.True(t, ok)
	assert.Equal(t, usdc.Units(180), c.ProposedAmount)
	assert.Equal(t, StatusProposed, c.Status)
	assert.Equal(t, f.clock.Now().Add(DefaultAppealWindow), c.AppealDeadline)
	assert.True(t, f.stake.Position(subject).Frozen)

	// not yet
	err := f.do(bystand, func(tx *chain.Tx) error { return f.enforcer.Execute(tx, id) })
	require.ErrorIs(t, err, ErrAppealWindowOpen)

	burnedBefore := f.token.TotalBurned()
	before := f.balances()

	f.clock.Advance(DefaultAppealWindow)
	require.NoError(t, f.do(bystand, func(tx *chain.Tx) error { return f.enforcer.Execute(tx, id) }))

	c, _ = f.enforcer.Case(id)
	assert.Equal(t, StatusExecuted, c.Status)
	assert.Equal(t, usdc.Units(180), c.SlashedAmount)
	assert.Equal(t, usdc.Units(180), new(big.Int).Sub(f.token.TotalBurned(), burnedBefore))

	for addr, was := range before {
		assert.True(t, f.token.BalanceOf(addr).Cmp(was) <= 0, "balance of %s increased", addr.Hex())
	}

	p := f.stake.Position(subject)
	assert.Equal(t, "420.000000", usdc.Format(p.Active))
	assert.False(t, p.Frozen)
	assert.Equal(t, bondedstake.TierBasic, f.stake.CapacityTier(subject))

	err = f.do(bystand, func(tx *chain.Tx) error { return f.enforcer.Execute(tx, id) })
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestAppeal_UpheldReturnsBond(t *testing.T) {
	f := setup(t, 1000)
	id := f.propose(t, TierMajor)
	walletBefore := f.token.BalanceOf(subject)
	burnedBefore := f.token.TotalBurned()

	require.NoError(t, f.appeal(id))
	c, _ := f.enforcer.Case(id)
	assert.Equal(t, StatusAppealed, c.Status)
	// 10% of a 600 proposal
	assert.Equal(t, usdc.Units(60), c.AppealBond)
	assert.Equal(t, new(big.Int).Sub(walletBefore, usdc.Units(60)), f.token.BalanceOf(subject))

	// an appealed case cannot be executed directly, even after the deadline
	f.clock.Advance(DefaultAppealWindow + time.Hour)
	err := f.do(bystand, func(tx *chain.Tx) error { return f.enforcer.Execute(tx, id) })
	require.ErrorIs(t, err, ErrInvalidStatus)

	require.NoError(t, f.do(resolver, func(tx *chain.Tx) error { return f.enforcer.Resolve(tx, id, true) }))

	c, _ = f.enforcer.Case(id)
	assert.Equal(t, StatusOverturned, c.Status)
	assert.Equal(t, walletBefore, f.token.BalanceOf(subject))
	assert.Equal(t, burnedBefore, f.token.TotalBurned())
	assert.Equal(t, usdc.Units(1000), f.stake.Position(subject).Active)
	assert.False(t, f.stake.Position(subject).Frozen)
	_, open := f.enforcer.OpenCase(subject)
	assert.False(t, open)
}

func TestAppeal_RejectedBurnsOnlySlash(t *testing.T) {
	f := setup(t, 1000)
	id := f.propose(t, TierMinor)
	require.NoError(t, f.appeal(id))
	burnedBefore := f.token.TotalBurned()
	before := f.balances()

	require.NoError(t, f.do(resolver, func(tx *chain.Tx) error { return f.enforcer.Resolve(tx, id, false) }))

	c, _ := f.enforcer.Case(id)
	assert.Equal(t, StatusExecuted, c.Status)
	assert.Equal(t, usdc.Units(100), c.SlashedAmount)
	assert.Equal(t, c.SlashedAmount, new(big.Int).Sub(f.token.TotalBurned(), burnedBefore))

	// the 10 bond stays where it was escrowed
	assert.Equal(t, usdc.Units(10), f.enforcer.Forfeited())
	assert.Equal(t, usdc.Units(10), f.token.BalanceOf(f.enforcer.Address()))
	for addr, was := range before {
		assert.True(t, f.token.BalanceOf(addr).Cmp(was) <= 0, "balance of %s increased", addr.Hex())
	}
	assert.Equal(t, usdc.Units(900), f.stake.Position(subject).Active)
}

func TestAppeal_Preconditions(t *testing.T) {
	f := setup(t, 1000)
	id := f.propose(t, TierMinor)

	err := f.do(bystand, func(tx *chain.Tx) error { return f.enforcer.Appeal(tx, id) })
	assert.ErrorIs(t, err, ErrNotSubject)

	err = f.do(subject, func(tx *chain.Tx) error { return f.enforcer.Appeal(tx, 999) })
	assert.ErrorIs(t, err, ErrCaseNotFound)

	f.clock.Advance(DefaultAppealWindow)
	assert.ErrorIs(t, f.appeal(id), ErrAppealWindowClosed)

	err = f.do(resolver, func(tx *chain.Tx) error { return f.enforcer.Resolve(tx, id, true) })
	assert.ErrorIs(t, err, ErrInvalidStatus, "only appealed cases can be resolved")
}

func TestAppeal_RequiresBondFunds(t *testing.T) {
	f := setup(t, 1000)
	id := f.propose(t, TierFraud)

	// spend the wallet so the 100 bond cannot be posted
	require.NoError(t, f.do(subject, func(tx *chain.Tx) error {
		return f.token.Transfer(tx, bystand, usdc.Units(1_000))
	}))
	err := f.appeal(id)
	require.ErrorIs(t, err, chain.ErrInsufficientBalance)

	c, _ := f.enforcer.Case(id)
	assert.Equal(t, StatusProposed, c.Status)
}

func TestResolve_OnlyResolver(t *testing.T) {
	f := setup(t, 1000)
	id := f.propose(t, TierMinor)
	require.NoError(t, f.appeal(id))

	err := f.do(reporter, func(tx *chain.Tx) error { return f.enforcer.Resolve(tx, id, false) })
	assert.ErrorIs(t, err, ErrNotResolver)
}

func TestProposeSlash_Preconditions(t *testing.T) {
	f := setup(t, 1000)

	err := f.do(bystand, func(tx *chain.Tx) error {
		_, err := f.enforcer.ProposeSlash(tx, subject, TierMinor, "")
		return err
	})
	assert.ErrorIs(t, err, ErrNotReporter)

	err = f.do(reporter, func(tx *chain.Tx) error {
		_, err := f.enforcer.ProposeSlash(tx, bystand, TierMinor, "")
		return err
	})
	assert.ErrorIs(t, err, ErrNoStake)

	err = f.do(reporter, func(tx *chain.Tx) error {
		_, err := f.enforcer.ProposeSlash(tx, subject, Tier(9), "")
		return err
	})
	assert.ErrorIs(t, err, ErrInvalidTier)

	f.propose(t, TierMinor)
	err = f.do(reporter, func(tx *chain.Tx) error {
		_, err := f.enforcer.ProposeSlash(tx, subject, TierMajor, "")
		return err
	})
	assert.ErrorIs(t, err, ErrCaseOpen)
}

func TestOpenCaseFreezesWithdrawal(t *testing.T) {
	f := setup(t, 1000)
	require.NoError(t, f.do(subject, func(tx *chain.Tx) error {
		return f.stake.InitiateUnstake(tx, usdc.Units(1000))
	}))
	id := f.propose(t, TierFraud)

	f.clock.Advance(bondedstake.DefaultUnbondingDelay)
	err := f.do(subject, func(tx *chain.Tx) error { return f.stake.FinalizeUnstake(tx) })
	require.ErrorIs(t, err, bondedstake.ErrFrozen)

	// unbonding funds are still slashable
	require.NoError(t, f.do(bystand, func(tx *chain.Tx) error { return f.enforcer.Execute(tx, id) }))
	p := f.stake.Position(subject)
	assert.Zero(t, p.Amount().Sign())
	assert.Equal(t, bondedstake.StatusSlashed, p.Status)
}

func TestParseTier(t *testing.T) {
	for i, name := range []string{"minor", "Moderate", " major ", "FRAUD"} {
		tier, err := ParseTier(name)
		require.NoError(t, err)
		assert.Equal(t, Tier(i), tier)
	}
	_, err := ParseTier("catastrophic")
	assert.ErrorIs(t, err, ErrInvalidTier)
	assert.Equal(t, "moderate", TierModerate.String())
}

func TestEventsSurfaceTierAmountDeadline(t *testing.T) {
	f := setup(t, 600)
	r, err := f.chain.Transact(context.Background(), reporter, func(tx *chain.Tx) error {
		_, err := f.enforcer.ProposeSlash(tx, subject, TierModerate, "ticket-42")
		return err
	})
	require.NoError(t, err)

	ev := ABI.Events["SlashProposed"]
	var found bool
	for _, l := range r.Logs {
		if l.Topics[0] != ev.ID {
			continue
		}
		found = true
		vals, err := ev.Inputs.NonIndexed().Unpack(l.Data)
		require.NoError(t, err)
		assert.Equal(t, uint8(TierModerate), vals[0])
		assert.Equal(t, usdc.Units(180), vals[1])
		assert.Equal(t, f.clock.Now().Add(DefaultAppealWindow).Unix(), vals[2].(*big.Int).Int64())
		assert.Equal(t, "ticket-42", vals[3])
		assert.Equal(t, common.BytesToHash(subject.Bytes()), l.Topics[2])
	}
	assert.True(t, found)
}
