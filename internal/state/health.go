package state

import (
	"fmt"
	"math"

	fpmath "PerpVault/internal/math"
)

// HealthStatus represents a position's margin health
type HealthStatus int

const (
	HealthStatusHealthy HealthStatus = iota
	HealthStatusAtRisk               // loss past half the liquidation threshold
	HealthStatusLiquidatable
)

func (hs HealthStatus) String() string {
	switch hs {
	case HealthStatusHealthy:
		return "Healthy"
	case HealthStatusAtRisk:
		return "AtRisk"
	case HealthStatusLiquidatable:
		return "Liquidatable"
	default:
		return "Unknown"
	}
}

// PositionHealth is the derived margin state of one position at the
// oracle price.
type PositionHealth struct {
	OraclePrice      int64        `json:"oracle_price"`
	Notional         int64        `json:"notional"`
	UnrealizedPnL    int64        `json:"unrealized_pnl"`
	Equity           int64        `json:"equity"`
	MarginRatioBps   int64        `json:"margin_ratio_bps"` // equity / notional
	LiquidationPrice int64        `json:"liquidation_price"`
	Status           HealthStatus `json:"status"`
}

func (h PositionHealth) Liquidatable() bool {
	return h.Status == HealthStatusLiquidatable
}

// EvaluateHealth computes a position's health. A position is liquidatable
// once its loss reaches thresholdBps of its margin.
func EvaluateHealth(pos *Position, product *Product, oraclePrice int64) (PositionHealth, error) {
	if oraclePrice <= 0 {
		return PositionHealth{}, fmt.Errorf("oracle price %d: %w", oraclePrice, ErrPriceUnavailable)
	}
	notional, err := pos.Notional()
	if err != nil {
		return PositionHealth{}, err
	}
	pnl, err := fpmath.ComputePnL(pos.IsLong, notional, pos.Price, oraclePrice)
	if err != nil {
		return PositionHealth{}, err
	}
	threshold, err := fpmath.BpsOf(pos.Margin, product.LiquidationThresholdBps)
	if err != nil {
		return PositionHealth{}, err
	}

	h := PositionHealth{
		OraclePrice:   oraclePrice,
		Notional:      notional,
		UnrealizedPnL: pnl,
		Equity:        pos.Margin + pnl,
	}

	if notional == 0 {
		// No exposure: always healthy.
		h.MarginRatioBps = math.MaxInt64
	} else if h.MarginRatioBps, err = fpmath.MulDiv(h.Equity, fpmath.BpsDenominator, notional, fpmath.RoundDown); err != nil {
		return PositionHealth{}, err
	}

	switch {
	case pnl <= -threshold:
		h.Status = HealthStatusLiquidatable
	case pnl <= -threshold/2:
		h.Status = HealthStatusAtRisk
	default:
		h.Status = HealthStatusHealthy
	}

	if notional > 0 {
		// entry * margin * threshold / (1e4 * notional) away from entry
		distance, err := fpmath.Ratio(
			[]int64{pos.Price, pos.Margin, product.LiquidationThresholdBps},
			[]int64{fpmath.BpsDenominator, notional},
			fpmath.RoundDown,
		)
		if err != nil {
			return PositionHealth{}, err
		}
		if pos.IsLong {
			h.LiquidationPrice = fpmath.Max(pos.Price-distance, 0)
		} else {
			h.LiquidationPrice = pos.Price + distance
		}
	}

	return h, nil
}
