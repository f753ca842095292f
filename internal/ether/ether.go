// Package ether converts between human-readable ether amounts and wei.
//
// All balances in escrowd are *big.Int wei (1 ether = 10^18 wei).
package ether

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/params"
)

const Decimals = 18

// MaxWei is the largest representable amount, 2^256-1.
var MaxWei = new(big.Int).Set(math.MaxBig256)

// Parse converts a decimal ether string (e.g. "1.5") to wei.
// Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - More than 18 fractional digits are rejected, never truncated
//   - A decimal point needs digits after it ("1." and "." are rejected)
//   - Amounts above MaxWei are rejected
func Parse(s string) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return big.NewInt(0), true
	}
	if strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return nil, false
	}

	whole, frac, hasDot := strings.Cut(s, ".")
	if hasDot && frac == "" {
		return nil, false
	}
	if strings.Contains(frac, ".") || len(frac) > Decimals {
		return nil, false
	}
	if whole == "" {
		whole = "0"
	}
	frac += strings.Repeat("0", Decimals-len(frac))

	for _, r := range whole + frac {
		if r < '0' || r > '9' {
			return nil, false
		}
	}
	return bounded(new(big.Int).SetString(whole+frac, 10))
}

// ParseWei parses a base-10 wei integer string no larger than MaxWei.
func ParseWei(s string) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return nil, false
	}
	return bounded(new(big.Int).SetString(s, 10))
}

func bounded(v *big.Int, ok bool) (*big.Int, bool) {
	if !ok || v.Cmp(MaxWei) > 0 {
		return nil, false
	}
	return v, true
}

// Format renders wei as a decimal ether string without trailing zeros
// ("1", "0.25", "0.000000000000000001").
func Format(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	neg := wei.Sign() < 0
	abs := new(big.Int).Abs(wei)

	q, r := new(big.Int).QuoRem(abs, big.NewInt(params.Ether), new(big.Int))
	out := q.String()
	if r.Sign() != 0 {
		frac := r.String()
		frac = strings.Repeat("0", Decimals-len(frac)) + frac
		out += "." + strings.TrimRight(frac, "0")
	}
	if neg {
		out = "-" + out
	}
	return out
}

// Ether returns n whole ether in wei.
func Ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(params.Ether))
}
