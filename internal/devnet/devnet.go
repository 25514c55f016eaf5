// Package devnet deploys the stable token, SplitLedger, BondedStake and
// PenaltyEnforcer on an in-process chain and exposes the calls the HTTP
// API submits on behalf of test accounts.
package devnet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"

	"github.com/mbd888/splitpay/internal/chain"
	"github.com/mbd888/splitpay/internal/config"
	"github.com/mbd888/splitpay/internal/contracts/bondedstake"
	"github.com/mbd888/splitpay/internal/contracts/penalty"
	"github.com/mbd888/splitpay/internal/contracts/splitledger"
)

var (
	ErrUnknownContract = errors.New("devnet: no contract at address")
	ErrFaucetLimit     = errors.New("devnet: faucet amount above limit")
)

// Well-known devnet accounts.
var (
	Minter   = chain.AddressOf("faucet")
	Reporter = chain.AddressOf("reporter")
	Resolver = chain.AddressOf("resolver")
)

// FaucetLimit caps a single faucet mint.
var FaucetLimit = new(big.Int).Mul(big.NewInt(1_000_000), big.NewInt(1_000_000))

// Addresses lists the deployed contracts and system accounts.
type Addresses struct {
	Token       common.Address `json:"token"`
	SplitLedger common.Address `json:"splitLedger"`
	BondedStake common.Address `json:"bondedStake"`
	Penalty     common.Address `json:"penaltyEnforcer"`
	Treasury    common.Address `json:"treasury"`
	StakingPool common.Address `json:"stakingPool"`
	Reporter    common.Address `json:"reporter"`
	Resolver    common.Address `json:"resolver"`
}

// Network is a deployed devnet.
type Network struct {
	Chain   *chain.Chain
	Token   *chain.Token
	Ledger  *splitledger.Ledger
	Staking *bondedstake.Staking
	Penalty *penalty.Enforcer

	addrs  Addresses
	logger *slog.Logger
}

func addressOr(hex, label string) common.Address {
	if hex != "" {
		return common.HexToAddress(hex)
	}
	return chain.AddressOf(label)
}

// New deploys all contracts with the economic parameters in cfg.
func New(cfg *config.Config, clock clockwork.Clock, logger *slog.Logger) (*Network, error) {
	if logger == nil {
		logger = slog.Default()
	}
	econ := cfg.Economics
	addrs := Addresses{
		Token:       addressOr(cfg.TokenContract, "token"),
		SplitLedger: addressOr(cfg.SplitLedgerContract, "split-ledger"),
		BondedStake: chain.AddressOf("bonded-stake"),
		Penalty:     chain.AddressOf("penalty-enforcer"),
		Treasury:    addressOr(cfg.TreasuryAddress, "treasury"),
		StakingPool: addressOr(cfg.StakingPoolAddress, "staking-pool"),
		Reporter:    Reporter,
		Resolver:    Resolver,
	}

	c := chain.New(cfg.ChainID, clock, logger)
	tok := chain.NewToken(c, addrs.Token, Minter)

	ledger, err := splitledger.Deploy(c, tok, splitledger.Config{
		Address:     addrs.SplitLedger,
		Treasury:    addrs.Treasury,
		StakingPool: addrs.StakingPool,
		Schedule:    econ.SplitSchedule(),
	})
	if err != nil {
		return nil, fmt.Errorf("deploy split ledger: %w", err)
	}

	staking, err := bondedstake.Deploy(c, tok, bondedstake.Config{
		Address:        addrs.BondedStake,
		Enforcer:       addrs.Penalty,
		UnbondingDelay: econ.UnbondingDelay,
		Thresholds:     bondedstake.ThresholdsFromUnits(econ.TierThresholds),
	})
	if err != nil {
		return nil, fmt.Errorf("deploy bonded stake: %w", err)
	}

	enforcer := penalty.Deploy(c, tok, staking, penalty.Config{
		Address:       addrs.Penalty,
		Resolver:      Resolver,
		Reporters:     []common.Address{Reporter},
		AppealWindow:  econ.AppealWindow,
		AppealBondBPS: econ.AppealBondBPS,
		TierBPS:       econ.SlashTierBPS,
	})

	logger.Info("devnet deployed",
		"chainId", cfg.ChainID,
		"token", addrs.Token.Hex(),
		"splitLedger", addrs.SplitLedger.Hex(),
		"bondedStake", addrs.BondedStake.Hex(),
		"penaltyEnforcer", addrs.Penalty.Hex(),
		"splitVersion", econ.Version,
	)

	return &Network{
		Chain:   c,
		Token:   tok,
		Ledger:  ledger,
		Staking: staking,
		Penalty: enforcer,
		addrs:   addrs,
		logger:  logger,
	}, nil
}

// Addresses returns the deployment addresses.
func (n *Network) Addresses() Addresses { return n.addrs }

// Faucet mints amount to to.
func (n *Network) Faucet(ctx context.Context, to common.Address, amount *big.Int) (*chain.Receipt, error) {
	if amount != nil && amount.Cmp(FaucetLimit) > 0 {
		return nil, ErrFaucetLimit
	}
	return n.Chain.Transact(ctx, Minter, func(tx *chain.Tx) error {
		return n.Token.Mint(tx, to, amount)
	})
}

// Submit executes calldata from an account against the token or the split
// ledger, the two contracts a payment instruction targets.
func (n *Network) Submit(ctx context.Context, from, to common.Address, data []byte) (*chain.Receipt, error) {
	var call func(tx *chain.Tx, data []byte) error
	switch to {
	case n.addrs.Token:
		call = n.Token.Call
	case n.addrs.SplitLedger:
		call = n.Ledger.Call
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownContract, to.Hex())
	}
	return n.Chain.Transact(ctx, from, func(tx *chain.Tx) error {
		return call(tx, data)
	})
}

// Stake approves and stakes amount in one transaction.
func (n *Network) Stake(ctx context.Context, from common.Address, amount *big.Int) (*chain.Receipt, error) {
	return n.Chain.Transact(ctx, from, func(tx *chain.Tx) error {
		if err := n.Token.Approve(tx, n.addrs.BondedStake, amount); err != nil {
			return err
		}
		return n.Staking.Stake(tx, amount)
	})
}

// InitiateUnstake starts unbonding amount for from.
func (n *Network) InitiateUnstake(ctx context.Context, from common.Address, amount *big.Int) (*chain.Receipt, error) {
	return n.Chain.Transact(ctx, from, func(tx *chain.Tx) error {
		return n.Staking.InitiateUnstake(tx, amount)
	})
}

// FinalizeUnstake withdraws from's unbonded stake.
func (n *Network) FinalizeUnstake(ctx context.Context, from common.Address) (*chain.Receipt, error) {
	return n.Chain.Transact(ctx, from, n.Staking.FinalizeUnstake)
}

// CancelUnstake returns from's pending unstake to active.
func (n *Network) CancelUnstake(ctx context.Context, from common.Address) (*chain.Receipt, error) {
	return n.Chain.Transact(ctx, from, n.Staking.CancelUnstake)
}

// ProposeSlash opens a case as the devnet reporter.
func (n *Network) ProposeSlash(ctx context.Context, subject common.Address, tier penalty.Tier, evidenceRef string) (uint64, error) {
	var id uint64
	_, err := n.Chain.Transact(ctx, Reporter, func(tx *chain.Tx) error {
		var err error
		id, err = n.Penalty.ProposeSlash(tx, subject, tier, evidenceRef)
		return err
	})
	return id, err
}

// Appeal approves the bond and appeals a case as its subject.
func (n *Network) Appeal(ctx context.Context, subject common.Address, caseID uint64) (*chain.Receipt, error) {
	c, ok := n.Penalty.Case(caseID)
	if !ok {
		return nil, penalty.ErrCaseNotFound
	}
	bond := n.Penalty.AppealBondFor(c.ProposedAmount)
	return n.Chain.Transact(ctx, subject, func(tx *chain.Tx) error {
		if bond.Sign() > 0 {
			if err := n.Token.Approve(tx, n.addrs.Penalty, bond); err != nil {
				return err
			}
		}
		return n.Penalty.Appeal(tx, caseID)
	})
}

// Resolve rules on an appealed case as the devnet resolver.
func (n *Network) Resolve(ctx context.Context, caseID uint64, upheld bool) (*chain.Receipt, error) {
	return n.Chain.Transact(ctx, Resolver, func(tx *chain.Tx) error {
		return n.Penalty.Resolve(tx, caseID, upheld)
	})
}

// Execute carries out a case whose appeal window closed unappealed.
func (n *Network) Execute(ctx context.Context, caller common.Address, caseID uint64) (*chain.Receipt, error) {
	return n.Chain.Transact(ctx, caller, func(tx *chain.Tx) error {
		return n.Penalty.Execute(tx, caseID)
	})
}
