package state

import (
	"fmt"
	"math/big"

	fpmath "PerpVault/internal/math"
)

// DefaultMaxShift caps the skew shift at 0.3% of the oracle price.
const DefaultMaxShift int64 = 300_000

// PriceInput is everything an execution price depends on.
type PriceInput struct {
	OraclePrice       int64
	IsLong            bool // side of the book the order adds to
	OpenInterestLong  int64
	OpenInterestShort int64
	MaxExposure       int64
	Reserve           int64
	Amount            int64 // notional
	Closing           bool  // closes price without skew when no exposure budget is left
}

// PriceEngine computes execution prices from oracle price, skew and size.
// It holds no mutable state.
type PriceEngine struct {
	maxShift int64
}

func NewPriceEngine(maxShift int64) *PriceEngine {
	if maxShift <= 0 {
		maxShift = DefaultMaxShift
	}
	return &PriceEngine{maxShift: maxShift}
}

// Shift returns (OIL - OIS) * maxShift / maxExposure, truncated toward zero.
func (pe *PriceEngine) Shift(openInterestLong, openInterestShort, maxExposure int64) (int64, error) {
	if maxExposure <= 0 {
		return 0, fmt.Errorf("max exposure %d: %w", maxExposure, ErrExposureExceeded)
	}
	return fpmath.MulDiv(openInterestLong-openInterestShort, pe.maxShift, maxExposure, fpmath.RoundDown)
}

// Slippage returns the 1e8-scaled price multiplier including skew shift.
//
//	long:  (r^2/(r-a) - r) * 1e8 / a
//	short: (r - r^2/(r+a)) * 1e8 / a
//
// A positive shift is added in full to longs and halved for shorts; a
// negative shift is halved for longs and applied in full to shorts.
func (pe *PriceEngine) Slippage(in PriceInput) (int64, error) {
	if in.Amount <= 0 {
		return 0, fmt.Errorf("amount must be > 0: %w", ErrInvalidArgument)
	}
	if in.Reserve <= 0 || (in.IsLong && in.Amount >= in.Reserve) {
		return 0, fmt.Errorf("amount %d against reserve %d: %w", in.Amount, in.Reserve, ErrExposureExceeded)
	}

	reserve := big.NewInt(in.Reserve)
	amount := big.NewInt(in.Amount)
	r2 := new(big.Int).Mul(reserve, reserve)

	impact := new(big.Int)
	if in.IsLong {
		impact.Quo(r2, new(big.Int).Sub(reserve, amount))
		impact.Sub(impact, reserve)
	} else {
		impact.Quo(r2, new(big.Int).Add(reserve, amount))
		impact.Sub(reserve, impact)
	}
	impact.Mul(impact, big.NewInt(fpmath.Scale))
	impact.Quo(impact, amount)
	if !impact.IsInt64() {
		return 0, fmt.Errorf("slippage: %w", fpmath.ErrOverflow)
	}
	slippage := impact.Int64()

	var shift int64
	if !in.Closing || in.MaxExposure > 0 {
		var err error
		if shift, err = pe.Shift(in.OpenInterestLong, in.OpenInterestShort, in.MaxExposure); err != nil {
			return 0, err
		}
	}

	switch {
	case in.IsLong && shift >= 0:
		slippage += shift
	case in.IsLong:
		slippage -= -shift / 2
	case shift >= 0:
		slippage += shift / 2
	default:
		slippage -= -shift
	}

	if slippage <= 0 {
		return 0, fmt.Errorf("non-positive slippage %d: %w", slippage, ErrExposureExceeded)
	}
	return slippage, nil
}

// ExecutionPrice returns ceil(oracle * slippage / 1e8).
func (pe *PriceEngine) ExecutionPrice(in PriceInput) (int64, error) {
	if in.OraclePrice <= 0 {
		return 0, fmt.Errorf("oracle price %d: %w", in.OraclePrice, ErrPriceUnavailable)
	}
	slippage, err := pe.Slippage(in)
	if err != nil {
		return 0, err
	}
	return fpmath.MulDiv(in.OraclePrice, slippage, fpmath.Scale, fpmath.RoundUp)
}

// ResolveMaxExposure returns the product's configured exposure or, when
// unset, its weighted share of the vault balance.
func ResolveMaxExposure(p *Product, vault Vault, totalWeight int64) (int64, error) {
	if p.MaxExposure > 0 {
		return p.MaxExposure, nil
	}
	if totalWeight <= 0 || p.Weight <= 0 || vault.Balance <= 0 {
		return 0, fmt.Errorf("product %d has no exposure budget: %w", p.ProductID, ErrExposureExceeded)
	}
	return fpmath.Ratio(
		[]int64{vault.Balance, p.Weight, vault.ExposureMultiplier},
		[]int64{totalWeight, fpmath.BpsDenominator},
		fpmath.RoundDown,
	)
}

// CheckExposure rejects opens that push one side further than maxExposure
// past the other.
func CheckExposure(p *Product, isLong bool, amount, maxExposure int64) error {
	if isLong {
		if p.OpenInterestLong+amount > p.OpenInterestShort+maxExposure {
			return fmt.Errorf("long open interest %d + %d exceeds short %d + %d: %w",
				p.OpenInterestLong, amount, p.OpenInterestShort, maxExposure, ErrExposureExceeded)
		}
		return nil
	}
	if p.OpenInterestShort+amount > p.OpenInterestLong+maxExposure {
		return fmt.Errorf("short open interest %d + %d exceeds long %d + %d: %w",
			p.OpenInterestShort, amount, p.OpenInterestLong, maxExposure, ErrExposureExceeded)
	}
	return nil
}

// CheckPriceChange rejects when the oracle has moved less than minBps
// from the reference price.
func CheckPriceChange(minBps, referencePrice, oraclePrice int64) error {
	if minBps == 0 || referencePrice <= 0 {
		return nil
	}
	moved := new(big.Int).Mul(big.NewInt(fpmath.Abs(oraclePrice-referencePrice)), big.NewInt(fpmath.BpsDenominator))
	needed := new(big.Int).Mul(big.NewInt(minBps), big.NewInt(referencePrice))
	if moved.Cmp(needed) < 0 {
		return fmt.Errorf("oracle moved from %d to %d, need %d bps: %w",
			referencePrice, oraclePrice, minBps, ErrStalePriceChange)
	}
	return nil
}
