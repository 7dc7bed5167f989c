package math

import (
	"fmt"

	"github.com/holiman/uint256"
)

// RewardScale is the 1e18 precision of reward-per-share accumulators.
var RewardScale = uint256.NewInt(1_000_000_000_000_000_000)

// U256 converts a non-negative int64 to a 256-bit integer.
func U256(v int64) (*uint256.Int, error) {
	if v < 0 {
		return nil, fmt.Errorf("negative value %d: %w", v, ErrOverflow)
	}
	return uint256.NewInt(uint64(v)), nil
}

// Int64FromU256 narrows v to int64.
func Int64FromU256(v *uint256.Int) (int64, error) {
	if !v.IsUint64() || v.Uint64() > 1<<63-1 {
		return 0, fmt.Errorf("value %s exceeds int64: %w", v.Dec(), ErrOverflow)
	}
	return int64(v.Uint64()), nil
}

// AddU256 returns x + y or ErrOverflow.
func AddU256(x, y *uint256.Int) (*uint256.Int, error) {
	sum, overflow := new(uint256.Int).AddOverflow(x, y)
	if overflow {
		return nil, fmt.Errorf("add %s + %s: %w", x.Dec(), y.Dec(), ErrOverflow)
	}
	return sum, nil
}

// SubU256 returns x - y or ErrOverflow when y > x.
func SubU256(x, y *uint256.Int) (*uint256.Int, error) {
	diff, underflow := new(uint256.Int).SubOverflow(x, y)
	if underflow {
		return nil, fmt.Errorf("sub %s - %s: %w", x.Dec(), y.Dec(), ErrOverflow)
	}
	return diff, nil
}

// MulU256 returns x * y or ErrOverflow.
func MulU256(x, y *uint256.Int) (*uint256.Int, error) {
	product, overflow := new(uint256.Int).MulOverflow(x, y)
	if overflow {
		return nil, fmt.Errorf("mul %s * %s: %w", x.Dec(), y.Dec(), ErrOverflow)
	}
	return product, nil
}

// MulDivU256 returns x * y / d, rounded down, with a 512-bit intermediate.
func MulDivU256(x, y, d *uint256.Int) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, ErrDivideByZero
	}
	result, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, fmt.Errorf("muldiv %s * %s / %s: %w", x.Dec(), y.Dec(), d.Dec(), ErrOverflow)
	}
	return result, nil
}

// MinU256 returns the smaller of x and y.
func MinU256(x, y *uint256.Int) *uint256.Int {
	if x.Lt(y) {
		return x
	}
	return y
}
