// Package chain is an in-process ledger runtime for the settlement
// contracts.
//
// Every call runs as a transaction: calls are serialized behind one lock,
// each transaction is mined into its own block, and any error returned by
// the call body restores every registered contract to its pre-call state,
// so a failed call leaves no partial effects and emits no logs. Logs are
// go-ethereum types.Log values and the chain answers BlockNumber and
// FilterLogs exactly like ethclient, so off-chain consumers cannot tell a
// devnet from a real RPC endpoint.
package chain

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/jonboulle/clockwork"
)

var (
	ErrReverted      = errors.New("chain: execution reverted")
	ErrReorgTooDeep  = errors.New("chain: reorg deeper than chain")
	ErrZeroAddress   = errors.New("chain: zero address")
	ErrInvalidAmount = errors.New("chain: invalid amount")
)

// Snapshotter is implemented by every contract with mutable state. Snapshot
// must return a deep copy that Restore can reinstate.
type Snapshotter interface {
	Snapshot() any
	Restore(snapshot any)
}

type block struct {
	number uint64
	hash   common.Hash
	time   time.Time
	logs   []*types.Log
}

// Chain is a single-node, automining ledger.
type Chain struct {
	mu     sync.RWMutex
	id     *big.Int
	clock  clockwork.Clock
	logger *slog.Logger
	blocks []*block
	state  []Snapshotter
	nonces map[common.Address]uint64
	reorgs uint64
}

// New creates a chain with a genesis block.
func New(chainID int64, clock clockwork.Clock, logger *slog.Logger) *Chain {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Chain{
		id:     big.NewInt(chainID),
		clock:  clock,
		logger: logger,
		nonces: make(map[common.Address]uint64),
	}
	c.blocks = []*block{{number: 0, hash: blockHash(common.Hash{}, 0, common.Hash{}, clock.Now()), time: clock.Now()}}
	return c
}

// ID returns the chain id.
func (c *Chain) ID() *big.Int { return new(big.Int).Set(c.id) }

// Now returns the chain clock's current time.
func (c *Chain) Now() time.Time { return c.clock.Now() }

// Register adds a contract to the set restored on revert.
func (c *Chain) Register(s Snapshotter) {
	c.mu.Lock()
	c.state = append(c.state, s)
	c.mu.Unlock()
}

// Receipt describes a mined transaction.
type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	Time        time.Time
	Logs        []types.Log
}

// Tx is the execution context of one call. Sender is the immediate caller
// (msg.sender); Origin is the externally owned account that submitted it.
type Tx struct {
	Hash   common.Hash
	Origin common.Address
	Sender common.Address
	Time   time.Time
	Block  uint64
	logs   *[]*types.Log
}

// As returns a view of tx where contract addr is the caller, for
// contract-to-contract calls.
func (tx *Tx) As(addr common.Address) *Tx {
	cp := *tx
	cp.Sender = addr
	return &cp
}

// Emit appends a log for event ev. indexed holds the topic values after the
// event id; args are the non-indexed inputs in declaration order.
func (tx *Tx) Emit(addr common.Address, ev abi.Event, indexed []common.Hash, args ...any) error {
	data, err := ev.Inputs.NonIndexed().Pack(args...)
	if err != nil {
		return fmt.Errorf("pack %s: %w", ev.Name, err)
	}
	topics := append([]common.Hash{ev.ID}, indexed...)
	*tx.logs = append(*tx.logs, &types.Log{Address: addr, Topics: topics, Data: data})
	return nil
}

// Transact runs fn as one atomic transaction from the given account. If fn
// returns an error, all registered state is restored and the error is
// returned wrapped in ErrReverted.
func (c *Chain) Transact(ctx context.Context, from common.Address, fn func(tx *Tx) error) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	snapshots := make([]any, len(c.state))
	for i, s := range c.state {
		snapshots[i] = s.Snapshot()
	}

	nonce := c.nonces[from]
	now := c.clock.Now()
	head := c.blocks[len(c.blocks)-1]
	var logs []*types.Log
	tx := &Tx{
		Hash:   txHash(c.id, from, nonce),
		Origin: from,
		Sender: from,
		Time:   now,
		Block:  head.number + 1,
		logs:   &logs,
	}

	if err := fn(tx); err != nil {
		for i, s := range c.state {
			s.Restore(snapshots[i])
		}
		c.logger.Debug("transaction reverted", "from", from.Hex(), "tx", tx.Hash.Hex(), "error", err)
		return nil, fmt.Errorf("%w: %w", ErrReverted, err)
	}

	c.nonces[from] = nonce + 1
	b := &block{number: tx.Block, time: now, logs: logs}
	b.hash = blockHash(head.hash, b.number, tx.Hash, now)
	for i, l := range logs {
		l.BlockNumber = b.number
		l.BlockHash = b.hash
		l.TxHash = tx.Hash
		l.TxIndex = 0
		l.Index = uint(i)
	}
	c.blocks = append(c.blocks, b)

	receipt := &Receipt{TxHash: tx.Hash, BlockNumber: b.number, Time: now, Logs: make([]types.Log, len(logs))}
	for i, l := range logs {
		receipt.Logs[i] = *l
	}
	return receipt, nil
}

// View runs fn under the read lock. Contract read methods use it.
func (c *Chain) View(fn func()) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fn()
}

// Mine appends n empty blocks.
func (c *Chain) Mine(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for range n {
		head := c.blocks[len(c.blocks)-1]
		now := c.clock.Now()
		c.blocks = append(c.blocks, &block{
			number: head.number + 1,
			hash:   blockHash(head.hash, head.number+1, common.Hash{}, now),
			time:   now,
		})
	}
}

// Reorg drops the last depth blocks and replaces them with a fork that is
// one block longer: an empty block followed by the same transactions, so
// every dropped log is re-emitted with its original tx hash and log index
// one block later. Contract state is unchanged.
func (c *Chain) Reorg(depth int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if depth <= 0 || depth >= len(c.blocks) {
		return ErrReorgTooDeep
	}
	c.reorgs++
	dropped := append([]*block(nil), c.blocks[len(c.blocks)-depth:]...)
	c.blocks = c.blocks[:len(c.blocks)-depth]

	salt := common.BigToHash(new(big.Int).SetUint64(c.reorgs))
	head := c.blocks[len(c.blocks)-1]
	filler := &block{number: head.number + 1, time: head.time}
	filler.hash = blockHash(head.hash, filler.number, salt, filler.time)
	c.blocks = append(c.blocks, filler)

	for _, old := range dropped {
		parent := c.blocks[len(c.blocks)-1]
		nb := &block{number: parent.number + 1, time: old.time}
		nb.hash = blockHash(parent.hash, nb.number, salt, nb.time)
		for _, l := range old.logs {
			cp := *l
			cp.BlockNumber = nb.number
			cp.BlockHash = nb.hash
			nb.logs = append(nb.logs, &cp)
		}
		c.blocks = append(c.blocks, nb)
	}
	c.logger.Info("chain reorganized", "depth", depth, "head", c.blocks[len(c.blocks)-1].number)
	return nil
}

// BlockNumber returns the head block number.
func (c *Chain) BlockNumber(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.blocks[len(c.blocks)-1].number, nil
}

// FilterLogs returns logs matching q in block and log order.
func (c *Chain) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	head := c.blocks[len(c.blocks)-1].number
	from, to := uint64(0), head
	if q.FromBlock != nil {
		from = q.FromBlock.Uint64()
	}
	if q.ToBlock != nil && q.ToBlock.Uint64() < to {
		to = q.ToBlock.Uint64()
	}

	var out []types.Log
	for _, b := range c.blocks {
		if b.number < from || b.number > to {
			continue
		}
		if q.BlockHash != nil && *q.BlockHash != b.hash {
			continue
		}
		for _, l := range b.logs {
			if matches(l, q) {
				out = append(out, *l)
			}
		}
	}
	return out, nil
}

func matches(l *types.Log, q ethereum.FilterQuery) bool {
	if len(q.Addresses) > 0 {
		found := false
		for _, a := range q.Addresses {
			if a == l.Address {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for i, set := range q.Topics {
		if len(set) == 0 {
			continue
		}
		if i >= len(l.Topics) {
			return false
		}
		found := false
		for _, t := range set {
			if t == l.Topics[i] {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// AddressOf derives a stable address from a label, for devnet deployments
// and test fixtures.
func AddressOf(label string) common.Address {
	return common.BytesToAddress(crypto.Keccak256([]byte(label))[12:])
}

func txHash(chainID *big.Int, from common.Address, nonce uint64) common.Hash {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], nonce)
	return crypto.Keccak256Hash(chainID.Bytes(), from.Bytes(), n[:])
}

func blockHash(parent common.Hash, number uint64, salt common.Hash, t time.Time) common.Hash {
	var n, ts [8]byte
	binary.BigEndian.PutUint64(n[:], number)
	binary.BigEndian.PutUint64(ts[:], uint64(t.UnixNano()))
	return crypto.Keccak256Hash(parent.Bytes(), n[:], salt.Bytes(), ts[:])
}

// MustParseABI parses a contract ABI definition at package init.
func MustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic("chain: invalid ABI: " + err.Error())
	}
	return parsed
}
