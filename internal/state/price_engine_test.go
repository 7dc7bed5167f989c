package state_test

import (
	"errors"
	"testing"

	"PerpVault/internal/state"
)

const e8 = int64(100_000_000)

func baseInput() state.PriceInput {
	return state.PriceInput{
		OraclePrice: 3000 * e8,
		IsLong:      true,
		MaxExposure: 10_000 * e8,
		Reserve:     5000 * e8,
		Amount:      10 * e8,
	}
}

// ============================================================================
// Test: Execution price
// ============================================================================

func TestExecutionPrice_LongAtZeroSkew(t *testing.T) {
	pe := state.NewPriceEngine(state.DefaultMaxShift)

	price, err := pe.ExecutionPrice(baseInput())
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if price != 300_601_200_000 {
		t.Errorf("got %d, want 300601200000", price)
	}
}

func TestExecutionPrice_ShortAtZeroSkew(t *testing.T) {
	pe := state.NewPriceEngine(state.DefaultMaxShift)
	in := baseInput()
	in.IsLong = false

	price, err := pe.ExecutionPrice(in)
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if price != 299_401_197_000 {
		t.Errorf("got %d, want 299401197000", price)
	}
}

func TestExecutionPrice_MonotonicInSize(t *testing.T) {
	pe := state.NewPriceEngine(state.DefaultMaxShift)

	prevLong, prevShort := int64(0), int64(1<<62)
	for _, amount := range []int64{1 * e8, 10 * e8, 100 * e8, 1000 * e8} {
		in := baseInput()
		in.Amount = amount
		long, err := pe.ExecutionPrice(in)
		if err != nil {
			t.Fatalf("long %d: %v", amount, err)
		}
		in.IsLong = false
		short, err := pe.ExecutionPrice(in)
		if err != nil {
			t.Fatalf("short %d: %v", amount, err)
		}
		if long <= prevLong {
			t.Errorf("long price should rise with size: %d after %d", long, prevLong)
		}
		if short >= prevShort {
			t.Errorf("short price should fall with size: %d after %d", short, prevShort)
		}
		prevLong, prevShort = long, short
	}
}

func TestExecutionPrice_SkewShift(t *testing.T) {
	pe := state.NewPriceEngine(state.DefaultMaxShift)

	shift, err := pe.Shift(100*e8, 0, 1000*e8)
	if err != nil {
		t.Fatalf("shift: %v", err)
	}
	if shift != 30_000 {
		t.Errorf("shift: got %d, want 30000", shift)
	}

	flat, _ := pe.Slippage(baseInput())
	in := baseInput()
	in.OpenInterestLong = 100 * e8
	in.MaxExposure = 1000 * e8
	skewedLong, _ := pe.Slippage(in)
	in.IsLong = false
	skewedShort, _ := pe.Slippage(in)

	in.OpenInterestLong = 0
	flatShort, _ := pe.Slippage(in)

	if skewedLong-flat != 30_000 {
		t.Errorf("long-heavy book should add the full shift to longs, got %d", skewedLong-flat)
	}
	if skewedShort-flatShort != 15_000 {
		t.Errorf("long-heavy book should add half the shift to shorts, got %d", skewedShort-flatShort)
	}
}

func TestExecutionPrice_LongAtReserveRejected(t *testing.T) {
	pe := state.NewPriceEngine(state.DefaultMaxShift)
	in := baseInput()
	in.Amount = in.Reserve

	if _, err := pe.ExecutionPrice(in); !errors.Is(err, state.ErrExposureExceeded) {
		t.Errorf("got %v, want ErrExposureExceeded", err)
	}
}

func TestExecutionPrice_ClosingIgnoresMissingExposure(t *testing.T) {
	pe := state.NewPriceEngine(state.DefaultMaxShift)
	in := baseInput()
	in.MaxExposure = 0

	if _, err := pe.ExecutionPrice(in); !errors.Is(err, state.ErrExposureExceeded) {
		t.Errorf("open without exposure budget: got %v, want ErrExposureExceeded", err)
	}
	in.Closing = true
	price, err := pe.ExecutionPrice(in)
	if err != nil {
		t.Fatalf("closing price: %v", err)
	}
	if price != 300_601_200_000 {
		t.Errorf("got %d, want unshifted 300601200000", price)
	}
}

// ============================================================================
// Test: Exposure
// ============================================================================

func TestCheckExposure(t *testing.T) {
	p := &state.Product{OpenInterestLong: 50 * e8, OpenInterestShort: 20 * e8}

	if err := state.CheckExposure(p, true, 70*e8, 100*e8); err != nil {
		t.Errorf("long up to the limit should pass: %v", err)
	}
	if err := state.CheckExposure(p, true, 71*e8, 100*e8); !errors.Is(err, state.ErrExposureExceeded) {
		t.Errorf("long past the limit: got %v", err)
	}
	if err := state.CheckExposure(p, false, 130*e8, 100*e8); err != nil {
		t.Errorf("short up to the limit should pass: %v", err)
	}
}

func TestResolveMaxExposure_Derived(t *testing.T) {
	p := &state.Product{ProductID: 1, Weight: 10}
	vault := state.Vault{Balance: 1000 * e8, ExposureMultiplier: 20_000}

	got, err := state.ResolveMaxExposure(p, vault, 40)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	// 1000 * 10/40 * 2
	if got != 500*e8 {
		t.Errorf("got %d, want %d", got, 500*e8)
	}

	p.MaxExposure = 7 * e8
	if got, _ := state.ResolveMaxExposure(p, vault, 40); got != 7*e8 {
		t.Errorf("configured exposure should win, got %d", got)
	}
}

func TestCheckPriceChange(t *testing.T) {
	if err := state.CheckPriceChange(150, 3000*e8, 3040*e8); !errors.Is(err, state.ErrStalePriceChange) {
		t.Errorf("1.33%% move: got %v, want ErrStalePriceChange", err)
	}
	if err := state.CheckPriceChange(150, 3000*e8, 3045*e8); err != nil {
		t.Errorf("1.5%% move should pass: %v", err)
	}
	if err := state.CheckPriceChange(0, 3000*e8, 3000*e8); err != nil {
		t.Errorf("disabled gate should pass: %v", err)
	}
}
