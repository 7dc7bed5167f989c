package math

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
)

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int   // Number of decimal places
	Scale            int64 // 10^DecimalPrecision
}

var (
	// Settlement amounts, prices, leverage and vault shares all share the 1e8 scale.
	PriceConfig    = DecimalConfig{DecimalPrecision: 8, Scale: 100_000_000}
	AmountConfig   = DecimalConfig{DecimalPrecision: 8, Scale: 100_000_000}
	LeverageConfig = DecimalConfig{DecimalPrecision: 8, Scale: 100_000_000}
	// Reward and governance token amounts.
	TokenConfig = DecimalConfig{DecimalPrecision: 18, Scale: 1_000_000_000_000_000_000}
)

const (
	// Scale is the 1e8 unit shared by prices, leverage and amounts.
	Scale int64 = 100_000_000

	// BpsDenominator is 100% in basis points.
	BpsDenominator int64 = 10_000

	SecondsPerYear int64 = 365 * 86_400
)

var (
	ErrOverflow     = errors.New("fixed-point overflow")
	ErrDivideByZero = errors.New("fixed-point division by zero")
)

// Int128 is a pooled big.Int for intermediate calculations
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0)
	int128Pool.Put(v)
}

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding
	RoundDown                         // toward zero
	RoundUp                           // toward +inf
)

// MultiplyInt128 performs a * b without overflow. Release the result with
// Release when it is no longer needed.
func MultiplyInt128(a, b int64) *big.Int {
	result := getInt128()
	result.Mul(big.NewInt(a), big.NewInt(b))
	return result
}

// Release returns an intermediate obtained from this package to the pool.
func Release(v *big.Int) {
	if v != nil {
		putInt128(v)
	}
}

// DivideInt128 performs numerator / denominator with rounding. The quotient
// must fit in int64.
func DivideInt128(numerator *big.Int, denominator int64, roundingMode RoundingMode) (int64, error) {
	if denominator == 0 {
		return 0, ErrDivideByZero
	}
	denom := getInt128().SetInt64(denominator)
	defer putInt128(denom)
	return divideBig(numerator, denom, roundingMode)
}

func divideBig(numerator, denom *big.Int, roundingMode RoundingMode) (int64, error) {
	if denom.Sign() == 0 {
		return 0, ErrDivideByZero
	}

	quotient := getInt128()
	remainder := getInt128()
	defer putInt128(quotient)
	defer putInt128(remainder)

	// QuoRem truncates toward zero
	quotient.QuoRem(numerator, denom, remainder)

	if remainder.Sign() != 0 {
		sameSign := numerator.Sign() == denom.Sign()
		switch roundingMode {
		case RoundUp:
			if sameSign {
				quotient.Add(quotient, big.NewInt(1))
			}
		case RoundHalfEven:
			twice := getInt128()
			twice.Abs(remainder)
			twice.Lsh(twice, 1)
			absDen := getInt128()
			absDen.Abs(denom)
			cmp := twice.Cmp(absDen)
			putInt128(twice)
			putInt128(absDen)

			if cmp > 0 || (cmp == 0 && quotient.Bit(0) == 1) {
				if sameSign {
					quotient.Add(quotient, big.NewInt(1))
				} else {
					quotient.Sub(quotient, big.NewInt(1))
				}
			}
		}
	}

	if !quotient.IsInt64() {
		return 0, ErrOverflow
	}
	return quotient.Int64(), nil
}

// MulDiv computes a * b / denominator with the given rounding.
func MulDiv(a, b, denominator int64, roundingMode RoundingMode) (int64, error) {
	product := MultiplyInt128(a, b)
	defer putInt128(product)
	return DivideInt128(product, denominator, roundingMode)
}

// Ratio computes prod(numerators) / prod(denominators). Both products are
// carried in arbitrary precision so only the final quotient must fit int64.
func Ratio(numerators, denominators []int64, roundingMode RoundingMode) (int64, error) {
	num := getInt128().SetInt64(1)
	den := getInt128().SetInt64(1)
	defer putInt128(num)
	defer putInt128(den)

	for _, n := range numerators {
		num.Mul(num, big.NewInt(n))
	}
	for _, d := range denominators {
		den.Mul(den, big.NewInt(d))
	}
	return divideBig(num, den, roundingMode)
}

// BpsOf returns amount * bps / 10_000 rounded toward zero.
func BpsOf(amount, bps int64) (int64, error) {
	return MulDiv(amount, bps, BpsDenominator, RoundDown)
}

// CheckedAdd returns a + b or ErrOverflow.
func CheckedAdd(a, b int64) (int64, error) {
	sum := a + b
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		return 0, fmt.Errorf("add %d + %d: %w", a, b, ErrOverflow)
	}
	return sum, nil
}

// CheckedSub returns a - b or ErrOverflow.
func CheckedSub(a, b int64) (int64, error) {
	diff := a - b
	if (b > 0 && diff > a) || (b < 0 && diff < a) {
		return 0, fmt.Errorf("sub %d - %d: %w", a, b, ErrOverflow)
	}
	return diff, nil
}

// ComputeNotional returns margin * leverage / 1e8.
func ComputeNotional(margin, leverage int64) (int64, error) {
	return MulDiv(margin, leverage, Scale, RoundDown)
}

// ComputeAvgEntryPrice calculates the notional-weighted average entry price
func ComputeAvgEntryPrice(oldNotional, oldPrice, addedNotional, addedPrice int64) (int64, error) {
	if oldNotional == 0 {
		return addedPrice, nil
	}

	// numerator = oldNotional * oldPrice + addedNotional * addedPrice
	term1 := MultiplyInt128(oldNotional, oldPrice)
	term2 := MultiplyInt128(addedNotional, addedPrice)
	numerator := getInt128()
	numerator.Add(term1, term2)
	putInt128(term1)
	putInt128(term2)
	defer putInt128(numerator)

	denominator, err := CheckedAdd(oldNotional, addedNotional)
	if err != nil {
		return 0, err
	}
	return DivideInt128(numerator, denominator, RoundHalfEven)
}

// ComputePnL returns notional * (price - entry) / entry, negated for shorts.
// Truncates toward zero.
func ComputePnL(isLong bool, notional, entryPrice, price int64) (int64, error) {
	if entryPrice <= 0 {
		return 0, ErrDivideByZero
	}
	diff := price - entryPrice
	if !isLong {
		diff = -diff
	}
	return MulDiv(notional, diff, entryPrice, RoundDown)
}

// Abs returns |v|.
func Abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// Min returns the smaller of a and b.
func Min(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
