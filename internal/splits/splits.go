// Package splits holds the basis-point split schedule shared by the
// on-ledger SplitLedger and the off-ledger payment intent preview.
//
// Shares are computed with integer math only: each non-treasury role gets
// floor(total * bps / 10000) and the treasury receives whatever remains, so
// the four shares always sum exactly to the total.
package splits

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// TotalBPS is 100% in basis points.
const TotalBPS = 10000

var (
	ErrWeightsSum    = errors.New("splits: weights must sum to 10000 basis points")
	ErrInvalidTotal  = errors.New("splits: total must be positive")
	ErrInvalidFormat = errors.New("splits: weights must be four comma-separated integers")
)

// Role identifies a payout recipient.
type Role string

const (
	RoleProvider    Role = "provider"
	RoleBeneficiary Role = "beneficiary"
	RoleTreasury    Role = "treasury"
	RoleStakingPool Role = "stakingPool"
)

// Roles lists recipients in canonical order. Every [4] array in this
// module is indexed by this order.
var Roles = [4]Role{RoleProvider, RoleBeneficiary, RoleTreasury, RoleStakingPool}

// Index returns the canonical position of r, or -1.
func (r Role) Index() int {
	for i, role := range Roles {
		if role == r {
			return i
		}
	}
	return -1
}

// Weights are basis points per role in canonical order.
type Weights [4]uint32

// DefaultWeights is 60/20/15/5.
var DefaultWeights = Weights{6000, 2000, 1500, 500}

// Validate checks the weights sum to exactly 10000.
func (w Weights) Validate() error {
	var sum uint64
	for _, v := range w {
		sum += uint64(v)
	}
	if sum != TotalBPS {
		return fmt.Errorf("%w (got %d)", ErrWeightsSum, sum)
	}
	return nil
}

func (w Weights) String() string {
	parts := make([]string, len(w))
	for i, v := range w {
		parts[i] = strconv.FormatUint(uint64(v), 10)
	}
	return strings.Join(parts, ",")
}

// ParseWeights parses "6000,2000,1500,500".
func ParseWeights(s string) (Weights, error) {
	var w Weights
	parts := strings.Split(s, ",")
	if len(parts) != len(w) {
		return w, ErrInvalidFormat
	}
	for i, p := range parts {
		v, err := strconv.ParseUint(strings.TrimSpace(p), 10, 32)
		if err != nil {
			return w, ErrInvalidFormat
		}
		w[i] = uint32(v)
	}
	return w, w.Validate()
}

// Shares are payout amounts in canonical role order.
type Shares [4]*big.Int

// Of returns the share for role r.
func (s Shares) Of(r Role) *big.Int {
	if i := r.Index(); i >= 0 {
		return s[i]
	}
	return nil
}

// Sum adds all four shares.
func (s Shares) Sum() *big.Int {
	total := new(big.Int)
	for _, v := range s {
		if v != nil {
			total.Add(total, v)
		}
	}
	return total
}

// Split divides total by the weights. The treasury absorbs the integer
// division remainder.
func (w Weights) Split(total *big.Int) (Shares, error) {
	var shares Shares
	if err := w.Validate(); err != nil {
		return shares, err
	}
	if total == nil || total.Sign() <= 0 {
		return shares, ErrInvalidTotal
	}

	treasury := RoleTreasury.Index()
	allocated := new(big.Int)
	denom := big.NewInt(TotalBPS)
	for i := range w {
		if i == treasury {
			continue
		}
		share := new(big.Int).Mul(total, big.NewInt(int64(w[i])))
		share.Quo(share, denom)
		shares[i] = share
		allocated.Add(allocated, share)
	}
	shares[treasury] = new(big.Int).Sub(total, allocated)
	return shares, nil
}

// Schedule is a versioned set of weights. Intents record the version they
// were priced with so a later change never applies retroactively.
type Schedule struct {
	Version int     `json:"version"`
	Weights Weights `json:"weights"`
}

// DefaultSchedule is version 1 of the default weights.
func DefaultSchedule() Schedule {
	return Schedule{Version: 1, Weights: DefaultWeights}
}
