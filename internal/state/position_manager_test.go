package state_test

import (
	"errors"
	"testing"

	"PerpVault/internal/event"
	"PerpVault/internal/state"

	"github.com/google/uuid"
)

const t0 = int64(1_700_000_000)

var trader = uuid.MustParse("6f1c2a1e-8d5b-4c1a-9a57-2b7f0e0c1d01")

func newLedger(t *testing.T) (*state.PositionLedger, *state.ProductBook) {
	t.Helper()
	products := state.NewProductBook()
	p := state.DefaultProduct
	p.ProductID = 1
	p.Feed = "ETH-USD"
	p.MaxExposure = 10_000 * e8
	planned, err := products.PrepareUpsert(p)
	if err != nil {
		t.Fatalf("upsert product: %v", err)
	}
	products.CommitUpsert(planned)
	return state.NewPositionLedger(products, state.NewPriceEngine(state.DefaultMaxShift)), products
}

func market(oracle int64) state.MarketContext {
	return state.MarketContext{
		OraclePrice:   oracle,
		MaxExposure:   10_000 * e8,
		MinProfitTime: state.DefaultMinProfitTime,
		VaultBalance:  1_000 * e8,
	}
}

func openLong(t *testing.T, pl *state.PositionLedger, margin, oracle, now int64) *state.OpenPlan {
	t.Helper()
	plan, err := pl.PrepareOpen(state.OpenRequest{
		Account:   trader,
		ProductID: 1,
		Margin:    margin,
		IsLong:    true,
		Leverage:  10 * e8,
		Now:       now,
	}, market(oracle))
	if err != nil {
		t.Fatalf("prepare open: %v", err)
	}
	pl.CommitOpen(plan)
	return plan
}

func closeLong(t *testing.T, pl *state.PositionLedger, margin int64, mc state.MarketContext, now int64) *state.ClosePlan {
	t.Helper()
	plan, err := pl.PrepareClose(state.CloseRequest{
		Account:   trader,
		ProductID: 1,
		IsLong:    true,
		Margin:    margin,
		Now:       now,
	}, mc)
	if err != nil {
		t.Fatalf("prepare close: %v", err)
	}
	pl.CommitClose(plan)
	return plan
}

// ============================================================================
// Test: Open
// ============================================================================

func TestOpen_LongScenario(t *testing.T) {
	pl, products := newLedger(t)

	plan := openLong(t, pl, 1*e8, 3000*e8, t0)

	if plan.Price != 300_601_200_000 {
		t.Errorf("price: got %d, want 300601200000", plan.Price)
	}
	if plan.TradingFee != 1_000_000 {
		t.Errorf("fee: got %d, want 1000000", plan.TradingFee)
	}
	pos := pl.GetPosition(event.DerivePositionKey(trader, 1, true))
	if pos == nil {
		t.Fatal("position not stored")
	}
	if pos.Margin != 1*e8 || pos.Leverage != 10*e8 || pos.Timestamp != t0 {
		t.Errorf("unexpected position %+v", pos)
	}
	p, _ := products.Get(1)
	if p.OpenInterestLong != 10*e8 {
		t.Errorf("open interest long: got %d, want %d", p.OpenInterestLong, 10*e8)
	}
}

func TestOpen_IncreaseAveragesEntry(t *testing.T) {
	pl, products := newLedger(t)
	openLong(t, pl, 1*e8, 3000*e8, t0)

	second := openLong(t, pl, 1*e8, 3000*e8, t0+60)

	// One-sided open interest of 10e8 shifts the second fill by 300.
	if second.Price != 300_602_100_000 {
		t.Errorf("second price: got %d, want 300602100000", second.Price)
	}
	if !second.IsIncrease {
		t.Error("second open should be an increase")
	}
	pos := pl.GetPosition(second.Key)
	if pos.Price != 300_601_650_000 {
		t.Errorf("entry: got %d, want 300601650000", pos.Price)
	}
	if pos.Margin != 2*e8 || pos.Leverage != 10*e8 {
		t.Errorf("margin/leverage: got %d/%d", pos.Margin, pos.Leverage)
	}
	if pos.Timestamp != t0+60 {
		t.Errorf("timestamp should reset on increase, got %d", pos.Timestamp)
	}
	p, _ := products.Get(1)
	if p.OpenInterestLong != 20*e8 {
		t.Errorf("open interest long: got %d", p.OpenInterestLong)
	}
}

func TestOpen_IncreaseBlendsLeverage(t *testing.T) {
	pl, _ := newLedger(t)
	openLong(t, pl, 1*e8, 3000*e8, t0)

	plan, err := pl.PrepareOpen(state.OpenRequest{
		Account: trader, ProductID: 1, Margin: 1 * e8, IsLong: true, Leverage: 20 * e8, Now: t0 + 1,
	}, market(3000*e8))
	if err != nil {
		t.Fatalf("increase: %v", err)
	}
	// (10 + 20) / 2
	if plan.Result.Leverage != 15*e8 {
		t.Errorf("leverage: got %d, want %d", plan.Result.Leverage, 15*e8)
	}
}

func TestOpen_Rejections(t *testing.T) {
	pl, products := newLedger(t)
	openLong(t, pl, 1*e8, 3000*e8, t0)

	cases := []struct {
		name string
		req  state.OpenRequest
		mc   state.MarketContext
		want error
	}{
		{"zero margin", state.OpenRequest{Account: trader, ProductID: 1, Leverage: 10 * e8}, market(3000 * e8), state.ErrInvalidArgument},
		{"leverage below 1x", state.OpenRequest{Account: trader, ProductID: 1, Margin: e8, Leverage: e8 - 1}, market(3000 * e8), state.ErrMarginOutOfBounds},
		{"leverage above max", state.OpenRequest{Account: trader, ProductID: 1, Margin: e8, Leverage: 51 * e8}, market(3000 * e8), state.ErrMarginOutOfBounds},
		{"unknown product", state.OpenRequest{Account: trader, ProductID: 9, Margin: e8, Leverage: 10 * e8}, market(3000 * e8), state.ErrUnknownProduct},
		{"stale price", state.OpenRequest{Account: trader, ProductID: 1, Margin: e8, IsLong: true, Leverage: 10 * e8, RequirePriceChange: true}, market(3010 * e8), state.ErrStalePriceChange},
		{"exposure", state.OpenRequest{Account: trader, ProductID: 1, Margin: 1000 * e8, IsLong: false, Leverage: 11 * e8}, market(3000 * e8), state.ErrExposureExceeded},
		{"notional below min", state.OpenRequest{Account: trader, ProductID: 1, Margin: e8, Leverage: 10 * e8}, state.MarketContext{OraclePrice: 3000 * e8, MaxExposure: 10_000 * e8, MinMargin: 11 * e8}, state.ErrMarginOutOfBounds},
	}
	for _, tc := range cases {
		if _, err := pl.PrepareOpen(tc.req, tc.mc); !errors.Is(err, tc.want) {
			t.Errorf("%s: got %v, want %v", tc.name, err, tc.want)
		}
	}

	if err := products.SetMaxPositionMargin(1, 15*e7()); err != nil {
		t.Fatalf("set cap: %v", err)
	}
	_, err := pl.PrepareOpen(state.OpenRequest{
		Account: trader, ProductID: 1, Margin: 1 * e8, IsLong: true, Leverage: 10 * e8,
	}, market(3000*e8))
	if !errors.Is(err, state.ErrMarginOutOfBounds) {
		t.Errorf("position margin cap: got %v", err)
	}

	if err := products.SetActive(1, false); err != nil {
		t.Fatalf("pause: %v", err)
	}
	_, err = pl.PrepareOpen(state.OpenRequest{
		Account: trader, ProductID: 1, Margin: e7(), IsLong: true, Leverage: 10 * e8,
	}, market(3000*e8))
	if !errors.Is(err, state.ErrUnknownProduct) {
		t.Errorf("inactive product: got %v", err)
	}
}

func e7() int64 { return e8 / 10 }

func TestOpen_PrepareDoesNotMutate(t *testing.T) {
	pl, products := newLedger(t)

	if _, err := pl.PrepareOpen(state.OpenRequest{
		Account: trader, ProductID: 1, Margin: e8, IsLong: true, Leverage: 10 * e8, Now: t0,
	}, market(3000*e8)); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if pl.Positions().Len() != 0 {
		t.Error("prepare must not store a position")
	}
	if p, _ := products.Get(1); p.OpenInterestLong != 0 {
		t.Error("prepare must not touch open interest")
	}
}

// ============================================================================
// Test: Close
// ============================================================================

func TestClose_FullAtLoss(t *testing.T) {
	pl, products := newLedger(t)
	openLong(t, pl, 1*e8, 3000*e8, t0)

	plan := closeLong(t, pl, 1*e8, market(3000*e8), t0+60)

	if plan.Price != 299_401_647_000 {
		t.Errorf("close price: got %d, want 299401647000", plan.Price)
	}
	if plan.PnL != -3_990_513 {
		t.Errorf("pnl: got %d, want -3990513", plan.PnL)
	}
	if plan.FeeCharged != 1_000_000 {
		t.Errorf("fee: got %d, want 1000000", plan.FeeCharged)
	}
	if plan.Payout != 95_009_487 {
		t.Errorf("payout: got %d, want 95009487", plan.Payout)
	}
	if plan.VaultDelta() != 3_990_513 {
		t.Errorf("vault delta: got %d", plan.VaultDelta())
	}
	if plan.Payout+plan.FeeCharged+plan.Loss != plan.CloseMargin {
		t.Error("margin must be fully accounted for")
	}
	if !plan.IsFullClose || pl.Positions().Len() != 0 {
		t.Error("full close should delete the position")
	}
	if p, _ := products.Get(1); p.OpenInterestLong != 0 {
		t.Errorf("open interest should return to zero, got %d", p.OpenInterestLong)
	}
}

func TestClose_PartialKeepsEntry(t *testing.T) {
	pl, _ := newLedger(t)
	open := openLong(t, pl, 1*e8, 3000*e8, t0)

	plan := closeLong(t, pl, e8/4, market(3000*e8), t0+60)

	if plan.IsFullClose {
		t.Fatal("quarter close should be partial")
	}
	pos := pl.GetPosition(open.Key)
	if pos.Margin != 3*e8/4 {
		t.Errorf("margin: got %d, want %d", pos.Margin, 3*e8/4)
	}
	if pos.Price != open.Price || pos.Leverage != 10*e8 || pos.Timestamp != t0 {
		t.Errorf("partial close changed entry fields: %+v", pos)
	}
}

func TestClose_RequestAboveMarginClamps(t *testing.T) {
	pl, _ := newLedger(t)
	openLong(t, pl, 1*e8, 3000*e8, t0)

	plan := closeLong(t, pl, 5*e8, market(3000*e8), t0+60)
	if plan.CloseMargin != 1*e8 || !plan.IsFullClose {
		t.Errorf("close margin: got %d", plan.CloseMargin)
	}
}

func TestClose_MinProfitRule(t *testing.T) {
	pl, _ := newLedger(t)
	openLong(t, pl, 1*e8, 3000*e8, t0)

	early, err := pl.PrepareClose(state.CloseRequest{
		Account: trader, ProductID: 1, IsLong: true, Margin: e8, Now: t0 + 3600,
	}, market(3050*e8))
	if err != nil {
		t.Fatalf("early close: %v", err)
	}
	if early.PnL != 0 {
		t.Errorf("small early profit should be voided, got %d", early.PnL)
	}
	if early.Payout != 99_000_000 {
		t.Errorf("payout: got %d, want margin minus fee", early.Payout)
	}

	late, err := pl.PrepareClose(state.CloseRequest{
		Account: trader, ProductID: 1, IsLong: true, Margin: e8, Now: t0 + state.DefaultMinProfitTime,
	}, market(3050*e8))
	if err != nil {
		t.Fatalf("late close: %v", err)
	}
	if late.PnL <= 0 {
		t.Errorf("profit after the window should be paid, got %d", late.PnL)
	}
}

func TestClose_ProfitCappedByVault(t *testing.T) {
	pl, _ := newLedger(t)
	openLong(t, pl, 1*e8, 3000*e8, t0)

	mc := market(3300 * e8)
	mc.VaultBalance = 10_000_000
	plan := closeLong(t, pl, 1*e8, mc, t0+13*3600)

	if plan.PnL <= mc.VaultBalance {
		t.Fatalf("setup: pnl %d should exceed vault balance", plan.PnL)
	}
	if !plan.PayoutCapped {
		t.Error("payout should be flagged as capped")
	}
	if plan.ProfitPaid != mc.VaultBalance {
		t.Errorf("profit paid: got %d, want %d", plan.ProfitPaid, mc.VaultBalance)
	}
	if plan.Payout != 99_000_000+mc.VaultBalance {
		t.Errorf("payout: got %d", plan.Payout)
	}
}

func TestClose_MissingPosition(t *testing.T) {
	pl, _ := newLedger(t)

	_, err := pl.PrepareClose(state.CloseRequest{
		Account: trader, ProductID: 1, IsLong: true, Margin: e8, Now: t0,
	}, market(3000*e8))
	if !errors.Is(err, state.ErrPositionNotFound) {
		t.Errorf("got %v, want ErrPositionNotFound", err)
	}
}

func TestClose_InterestChargedAsFee(t *testing.T) {
	pl, products := newLedger(t)
	p, _ := products.Get(1)
	p.InterestBps = 1000 // 10% a year

	openLong(t, pl, 1*e8, 3000*e8, t0)
	plan := closeLong(t, pl, 1*e8, market(3000*e8), t0+365*86_400)

	// 10e8 notional at 10% for a year
	if plan.Interest != 1*e8 {
		t.Errorf("interest: got %d, want %d", plan.Interest, 1*e8)
	}
	if plan.FeeCharged != plan.CloseMargin || plan.Payout != 0 {
		t.Errorf("fee should be capped at margin: fee=%d payout=%d", plan.FeeCharged, plan.Payout)
	}
}

func TestClose_FeesBeyondMarginComeOutOfProfit(t *testing.T) {
	cases := []struct {
		name        string
		interestBps int64
		elapsed     int64
	}{
		{"fees exceed margin and profit", 10_000, 2 * 365 * 86_400},
		{"fees exceed margin only", 1_000, 365 * 86_400},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pl, products := newLedger(t)
			p, _ := products.Get(1)
			p.InterestBps = tc.interestBps

			openLong(t, pl, 1*e8, 3000*e8, t0)
			plan := closeLong(t, pl, 1*e8, market(3600*e8), t0+tc.elapsed)

			if plan.PnL <= 0 {
				t.Fatalf("setup: want a profitable close, got pnl %d", plan.PnL)
			}
			fees := plan.TradingFee + plan.Interest
			if fees <= plan.CloseMargin {
				t.Fatalf("setup: fees %d should exceed margin %d", fees, plan.CloseMargin)
			}
			want := plan.CloseMargin + plan.PnL - fees
			if want < 0 {
				want = 0
			}
			if plan.Payout != want {
				t.Errorf("payout: got %d, want %d", plan.Payout, want)
			}
			if plan.ProfitPaid != want {
				t.Errorf("profit paid: got %d, want %d", plan.ProfitPaid, want)
			}
			if plan.VaultDelta() != -plan.ProfitPaid {
				t.Errorf("vault delta: got %d, want %d", plan.VaultDelta(), -plan.ProfitPaid)
			}
		})
	}
}
