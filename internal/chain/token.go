package chain

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInsufficientBalance   = errors.New("token: transfer amount exceeds balance")
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")
	ErrNotMinter             = errors.New("token: caller is not the minter")
	ErrUnknownMethod         = errors.New("token: unknown method")
)

// TokenABI is the ERC-20 surface of the stable token.
var TokenABI = MustParseABI(`[
	{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"transferFrom","stateMutability":"nonpayable","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"event","name":"Transfer","anonymous":false,"inputs":[{"name":"from","type":"address","indexed":true},{"name":"to","type":"address","indexed":true},{"name":"value","type":"uint256","indexed":false}]},
	{"type":"event","name":"Approval","anonymous":false,"inputs":[{"name":"owner","type":"address","indexed":true},{"name":"spender","type":"address","indexed":true},{"name":"value","type":"uint256","indexed":false}]}
]`)

type tokenState struct {
	balances   map[common.Address]*big.Int
	allowances map[common.Address]map[common.Address]*big.Int
	supply     *big.Int
	burned     *big.Int
}

func (s tokenState) clone() tokenState {
	cp := tokenState{
		balances:   make(map[common.Address]*big.Int, len(s.balances)),
		allowances: make(map[common.Address]map[common.Address]*big.Int, len(s.allowances)),
		supply:     new(big.Int).Set(s.supply),
		burned:     new(big.Int).Set(s.burned),
	}
	for k, v := range s.balances {
		cp.balances[k] = new(big.Int).Set(v)
	}
	for owner, m := range s.allowances {
		inner := make(map[common.Address]*big.Int, len(m))
		for spender, v := range m {
			inner[spender] = new(big.Int).Set(v)
		}
		cp.allowances[owner] = inner
	}
	return cp
}

// Token is a mintable ERC-20 style stable token. Burns are transfers to the
// zero address and are tracked separately so destroyed value is auditable.
type Token struct {
	chain   *Chain
	address common.Address
	minter  common.Address
	st      tokenState
}

// NewToken deploys a token at address. Only minter may mint.
func NewToken(c *Chain, address, minter common.Address) *Token {
	t := &Token{
		chain:   c,
		address: address,
		minter:  minter,
		st: tokenState{
			balances:   make(map[common.Address]*big.Int),
			allowances: make(map[common.Address]map[common.Address]*big.Int),
			supply:     new(big.Int),
			burned:     new(big.Int),
		},
	}
	c.Register(t)
	return t
}

func (t *Token) Address() common.Address { return t.address }

func (t *Token) Snapshot() any { return t.st.clone() }

func (t *Token) Restore(snapshot any) { t.st = snapshot.(tokenState) }

func (t *Token) balance(addr common.Address) *big.Int {
	if b, ok := t.st.balances[addr]; ok {
		return b
	}
	return new(big.Int)
}

func validAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	return nil
}

// Mint creates amount for to.
func (t *Token) Mint(tx *Tx, to common.Address, amount *big.Int) error {
	if tx.Sender != t.minter {
		return ErrNotMinter
	}
	if err := validAmount(amount); err != nil {
		return err
	}
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	t.st.balances[to] = new(big.Int).Add(t.balance(to), amount)
	t.st.supply.Add(t.st.supply, amount)
	return t.emitTransfer(tx, common.Address{}, to, amount)
}

// Transfer moves amount from the caller to to.
func (t *Token) Transfer(tx *Tx, to common.Address, amount *big.Int) error {
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	return t.move(tx, tx.Sender, to, amount)
}

// TransferFrom moves amount from owner to to, spending the caller's
// allowance.
func (t *Token) TransferFrom(tx *Tx, owner, to common.Address, amount *big.Int) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	allowed := t.allowance(owner, tx.Sender)
	if allowed.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientAllowance, allowed, amount)
	}
	t.setAllowance(owner, tx.Sender, new(big.Int).Sub(allowed, amount))
	return t.move(tx, owner, to, amount)
}

// Approve sets the caller's allowance for spender.
func (t *Token) Approve(tx *Tx, spender common.Address, amount *big.Int) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	if spender == (common.Address{}) {
		return ErrZeroAddress
	}
	t.setAllowance(tx.Sender, spender, amount)
	return tx.Emit(t.address, TokenABI.Events["Approval"],
		[]common.Hash{common.BytesToHash(tx.Sender.Bytes()), common.BytesToHash(spender.Bytes())},
		new(big.Int).Set(amount))
}

// Burn destroys amount of the caller's balance.
func (t *Token) Burn(tx *Tx, amount *big.Int) error {
	if err := t.move(tx, tx.Sender, common.Address{}, amount); err != nil {
		return err
	}
	t.st.supply.Sub(t.st.supply, amount)
	t.st.burned.Add(t.st.burned, amount)
	return nil
}

// Balance reads a balance inside a transaction.
func (t *Token) Balance(_ *Tx, addr common.Address) *big.Int {
	return new(big.Int).Set(t.balance(addr))
}

func (t *Token) move(tx *Tx, from, to common.Address, amount *big.Int) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	have := t.balance(from)
	if have.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has %s, need %s", ErrInsufficientBalance, from.Hex(), have, amount)
	}
	t.st.balances[from] = new(big.Int).Sub(have, amount)
	if to != (common.Address{}) {
		t.st.balances[to] = new(big.Int).Add(t.balance(to), amount)
	}
	return t.emitTransfer(tx, from, to, amount)
}

func (t *Token) emitTransfer(tx *Tx, from, to common.Address, amount *big.Int) error {
	return tx.Emit(t.address, TokenABI.Events["Transfer"],
		[]common.Hash{common.BytesToHash(from.Bytes()), common.BytesToHash(to.Bytes())},
		new(big.Int).Set(amount))
}

func (t *Token) allowance(owner, spender common.Address) *big.Int {
	if m, ok := t.st.allowances[owner]; ok {
		if v, ok := m[spender]; ok {
			return v
		}
	}
	return new(big.Int)
}

func (t *Token) setAllowance(owner, spender common.Address, amount *big.Int) {
	m, ok := t.st.allowances[owner]
	if !ok {
		m = make(map[common.Address]*big.Int)
		t.st.allowances[owner] = m
	}
	m[spender] = new(big.Int).Set(amount)
}

// BalanceOf returns the current balance of addr.
func (t *Token) BalanceOf(addr common.Address) *big.Int {
	var out *big.Int
	t.chain.View(func() { out = new(big.Int).Set(t.balance(addr)) })
	return out
}

// Allowance returns how much spender may move on behalf of owner.
func (t *Token) Allowance(owner, spender common.Address) *big.Int {
	var out *big.Int
	t.chain.View(func() { out = new(big.Int).Set(t.allowance(owner, spender)) })
	return out
}

func (t *Token) TotalSupply() *big.Int {
	var out *big.Int
	t.chain.View(func() { out = new(big.Int).Set(t.st.supply) })
	return out
}

// TotalBurned is the cumulative amount sent to the zero address.
func (t *Token) TotalBurned() *big.Int {
	var out *big.Int
	t.chain.View(func() { out = new(big.Int).Set(t.st.burned) })
	return out
}

// Call executes ABI-encoded approve, transfer or transferFrom calldata.
func (t *Token) Call(tx *Tx, data []byte) error {
	if len(data) < 4 {
		return ErrUnknownMethod
	}
	m, err := TokenABI.MethodById(data[:4])
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnknownMethod, err)
	}
	vals, err := m.Inputs.Unpack(data[4:])
	if err != nil {
		return err
	}
	switch m.Name {
	case "approve":
		spender, _ := vals[0].(common.Address)
		amount, _ := vals[1].(*big.Int)
		return t.Approve(tx, spender, amount)
	case "transfer":
		to, _ := vals[0].(common.Address)
		amount, _ := vals[1].(*big.Int)
		return t.Transfer(tx, to, amount)
	case "transferFrom":
		owner, _ := vals[0].(common.Address)
		to, _ := vals[1].(common.Address)
		amount, _ := vals[2].(*big.Int)
		return t.TransferFrom(tx, owner, to, amount)
	}
	return ErrUnknownMethod
}
