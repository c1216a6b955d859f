// Package usdc converts between human-readable token amounts and the
// smallest-unit integers carried on the wire.
//
// USDC uses 6 decimal places (1 USDC = 1,000,000 units). Other ERC-20
// assets are handled by passing their decimals explicitly.
package usdc

import (
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/shopspring/decimal"
)

const Decimals = 6

var (
	ErrInvalidAmount = errors.New("usdc: invalid amount")
	ErrNegative      = errors.New("usdc: negative amount")
	ErrPrecision     = errors.New("usdc: more precision than the asset supports")
	ErrOverflow      = errors.New("usdc: amount overflows uint64")
)

// ParseUnits converts a decimal string into smallest units for an asset
// with the given number of decimals. It refuses to truncate: a budget of
// "0.0000015" USDC is an error, not 1 unit.
func ParseUnits(s string, decimals int32) (uint64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("%w: %q", ErrNegative, s)
	}
	units := d.Shift(decimals)
	if !units.IsInteger() {
		return 0, fmt.Errorf("%w: %q with %d decimals", ErrPrecision, s, decimals)
	}
	b := units.BigInt()
	if !b.IsUint64() {
		return 0, fmt.Errorf("%w: %q", ErrOverflow, s)
	}
	return b.Uint64(), nil
}

// FormatUnits renders a smallest-unit amount with the asset's decimals.
// Out-of-range decimals fall back to USDC's.
func FormatUnits(amount uint64, decimals int32) string {
	if decimals < 0 || decimals > math.MaxInt16 {
		decimals = Decimals
	}
	return decimal.NewFromBigInt(new(big.Int).SetUint64(amount), -decimals).StringFixed(decimals)
}
