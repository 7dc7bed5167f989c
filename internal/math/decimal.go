package math

import (
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// ParseFixed parses a human decimal such as "3000.5" into an int64 at the
// given number of decimals. Values with more precision than the scale carries
// are rejected rather than rounded.
func ParseFixed(s string, decimals int32) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse fixed %q: %w", s, err)
	}
	scaled := d.Shift(decimals)
	if !scaled.IsInteger() {
		return 0, fmt.Errorf("parse fixed %q: more than %d decimals", s, decimals)
	}
	bi := scaled.BigInt()
	if !bi.IsInt64() {
		return 0, fmt.Errorf("parse fixed %q: %w", s, ErrOverflow)
	}
	return bi.Int64(), nil
}

// FormatFixed renders a scaled int64 as a decimal string.
func FormatFixed(v int64, decimals int32) string {
	return decimal.New(v, -decimals).String()
}

// ParseU256 parses a non-negative human decimal into a 256-bit integer.
func ParseU256(s string, decimals int32) (*uint256.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("parse amount %q: negative", s)
	}
	scaled := d.Shift(decimals)
	if !scaled.IsInteger() {
		return nil, fmt.Errorf("parse amount %q: more than %d decimals", s, decimals)
	}
	v, overflow := uint256.FromBig(scaled.BigInt())
	if overflow {
		return nil, fmt.Errorf("parse amount %q: %w", s, ErrOverflow)
	}
	return v, nil
}

// FormatU256 renders a scaled 256-bit integer as a decimal string.
func FormatU256(v *uint256.Int, decimals int32) string {
	return decimal.NewFromBigInt(v.ToBig(), -decimals).String()
}
