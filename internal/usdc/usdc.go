// Package usdc parses and formats stable-token amounts.
//
// The settlement token uses 6 decimal places. Amounts travel through the
// system as big.Int in the smallest unit (1 token = 1,000,000 units) and are
// rendered as fixed 6-decimal strings at the edges (API, database NUMERIC).
package usdc

import (
	"math/big"
	"strings"
)

const Decimals = 6

// One is 1.000000 in smallest units.
var One = big.NewInt(1_000_000)

// Parse converts a decimal string (e.g. "1.50") to smallest units (1500000).
// Returns (nil, false) for empty, negative, or malformed input, and for
// inputs with more than 6 fractional digits; amounts are never silently
// truncated.
func Parse(s string) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return nil, false
	}

	whole, frac, hasDot := strings.Cut(s, ".")
	if strings.Contains(frac, ".") {
		return nil, false
	}
	if whole == "" {
		whole = "0"
	}
	if hasDot && frac == "" {
		return nil, false
	}
	if len(frac) > Decimals {
		return nil, false
	}
	frac += strings.Repeat("0", Decimals-len(frac))

	for _, r := range whole + frac {
		if r < '0' || r > '9' {
			return nil, false
		}
	}

	result, ok := new(big.Int).SetString(whole+frac, 10)
	return result, ok
}

// MustParse is Parse for trusted constants; it panics on invalid input.
func MustParse(s string) *big.Int {
	v, ok := Parse(s)
	if !ok {
		panic("usdc: invalid amount " + s)
	}
	return v
}

// Units returns n whole tokens in smallest units.
func Units(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), One)
}

// Format renders smallest units as a 6-decimal string (e.g. "1.500000").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.000000"
	}
	neg := amount.Sign() < 0
	s := new(big.Int).Abs(amount).String()
	if len(s) <= Decimals {
		s = strings.Repeat("0", Decimals+1-len(s)) + s
	}
	point := len(s) - Decimals
	out := s[:point] + "." + s[point:]
	if neg {
		return "-" + out
	}
	return out
}
