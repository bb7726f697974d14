// Package money handles fixed-point token amounts.
//
// Amounts are carried as decimal strings of integer base units (for an
// 18-decimal token, "1000000000000000000" is one whole token) and are only
// ever manipulated as *big.Int. Floating point never touches a balance.
package money

import "math/big"

// MaxBasisPoints is 100% expressed in basis points.
const MaxBasisPoints = 10_000

// ParseUnits parses an integer base-unit amount. Signs, decimal points,
// whitespace and empty strings are rejected.
func ParseUnits(s string) (*big.Int, bool) {
	if s == "" {
		return nil, false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return nil, false
		}
	}
	return new(big.Int).SetString(s, 10)
}

// SplitFee divides amount into the seller's share and the protocol fee.
// The fee is rounded down, so net + fee == amount always holds.
func SplitFee(amount *big.Int, basisPoints int) (net, fee *big.Int) {
	if basisPoints < 0 {
		basisPoints = 0
	}
	if basisPoints > MaxBasisPoints {
		basisPoints = MaxBasisPoints
	}
	fee = new(big.Int).Mul(amount, big.NewInt(int64(basisPoints)))
	fee.Quo(fee, big.NewInt(MaxBasisPoints))
	net = new(big.Int).Sub(amount, fee)
	return net, fee
}

