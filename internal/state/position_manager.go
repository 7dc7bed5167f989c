package state

import (
	"fmt"

	"PerpVault/internal/event"
	fpmath "PerpVault/internal/math"

	"github.com/google/uuid"
)

// DefaultMinProfitTime is the window in which small profits are voided.
const DefaultMinProfitTime int64 = 12 * 3600

// MarketContext carries the global inputs a position command depends on.
type MarketContext struct {
	OraclePrice   int64
	MaxExposure   int64
	MinMargin     int64 // bounds on notional, 0 = unbounded
	MaxMargin     int64
	MinProfitTime int64
	VaultBalance  int64
}

// OpenRequest opens or increases a position.
type OpenRequest struct {
	Account            uuid.UUID
	ProductID          uint64
	Margin             int64
	IsLong             bool
	Leverage           int64
	RequirePriceChange bool
	Now                int64
}

// OpenPlan is a validated open or increase.
type OpenPlan struct {
	Key         event.PositionKey
	Account     uuid.UUID
	ProductID   uint64
	IsLong      bool
	Margin      int64 // margin added
	Notional    int64 // notional added
	Price       int64 // execution price of the added notional
	OraclePrice int64
	TradingFee  int64
	Interest    int64 // charged on the existing position
	IsIncrease  bool
	Result      Position
}

// Fee is the total taken from the caller on top of margin.
func (p *OpenPlan) Fee() int64 {
	return p.TradingFee + p.Interest
}

// CloseRequest closes part or all of a position.
type CloseRequest struct {
	Account   uuid.UUID
	ProductID uint64
	IsLong    bool
	Margin    int64
	Now       int64
}

// ClosePlan is a validated close. All amounts are final.
type ClosePlan struct {
	Key          event.PositionKey
	Before       Position
	CloseMargin  int64
	Notional     int64
	Price        int64
	PnL          int64 // after the min-profit rule
	TradingFee   int64
	Interest     int64
	FeeCharged   int64 // min(TradingFee+Interest, CloseMargin), margin -> fee split
	FeeNetted    int64 // fees beyond the margin, kept by the vault out of profit
	ProfitPaid   int64 // vault -> wallet
	Loss         int64 // margin -> vault
	Payout       int64 // total to the wallet
	PayoutCapped bool
	IsFullClose  bool
}

// VaultDelta is the change to vault balance from trader PnL.
func (p *ClosePlan) VaultDelta() int64 {
	return p.Loss - p.ProfitPaid
}

// PositionLedger owns positions and the open interest on products.
type PositionLedger struct {
	positions *PositionIndex
	products  *ProductBook
	pricer    *PriceEngine
}

func NewPositionLedger(products *ProductBook, pricer *PriceEngine) *PositionLedger {
	return &PositionLedger{
		positions: NewPositionIndex(),
		products:  products,
		pricer:    pricer,
	}
}

// Positions exposes the ordered index.
func (pl *PositionLedger) Positions() *PositionIndex {
	return pl.positions
}

// GetPosition returns a position by key or nil.
func (pl *PositionLedger) GetPosition(key event.PositionKey) *Position {
	pos, ok := pl.positions.Get(key)
	if !ok {
		return nil
	}
	return pos
}

// PrepareOpen validates an open or increase and prices it.
func (pl *PositionLedger) PrepareOpen(req OpenRequest, mc MarketContext) (*OpenPlan, error) {
	product, err := pl.products.Active(req.ProductID)
	if err != nil {
		return nil, err
	}
	if req.Margin <= 0 {
		return nil, fmt.Errorf("margin must be > 0, got %d: %w", req.Margin, ErrInvalidArgument)
	}
	if req.Leverage < fpmath.Scale || req.Leverage > product.MaxLeverage {
		return nil, fmt.Errorf("leverage %d outside [%d, %d]: %w",
			req.Leverage, fpmath.Scale, product.MaxLeverage, ErrMarginOutOfBounds)
	}

	notional, err := fpmath.ComputeNotional(req.Margin, req.Leverage)
	if err != nil {
		return nil, err
	}
	if notional < mc.MinMargin || (mc.MaxMargin > 0 && notional > mc.MaxMargin) {
		return nil, fmt.Errorf("notional %d outside [%d, %d]: %w",
			notional, mc.MinMargin, mc.MaxMargin, ErrMarginOutOfBounds)
	}

	key := event.DerivePositionKey(req.Account, req.ProductID, req.IsLong)
	existing := pl.GetPosition(key)

	totalMargin := req.Margin
	if existing != nil {
		if totalMargin, err = fpmath.CheckedAdd(existing.Margin, req.Margin); err != nil {
			return nil, err
		}
	}
	if product.MaxPositionMargin > 0 && totalMargin > product.MaxPositionMargin {
		return nil, fmt.Errorf("position margin %d exceeds cap %d: %w",
			totalMargin, product.MaxPositionMargin, ErrMarginOutOfBounds)
	}

	if existing != nil && req.RequirePriceChange {
		if err := CheckPriceChange(product.MinPriceChangeBps, existing.OraclePrice, mc.OraclePrice); err != nil {
			return nil, err
		}
	}

	if err := CheckExposure(product, req.IsLong, notional, mc.MaxExposure); err != nil {
		return nil, err
	}

	price, err := pl.pricer.ExecutionPrice(PriceInput{
		OraclePrice:       mc.OraclePrice,
		IsLong:            req.IsLong,
		OpenInterestLong:  product.OpenInterestLong,
		OpenInterestShort: product.OpenInterestShort,
		MaxExposure:       mc.MaxExposure,
		Reserve:           product.Reserve,
		Amount:            notional,
	})
	if err != nil {
		return nil, err
	}

	tradingFee, err := fpmath.BpsOf(notional, product.FeeBps)
	if err != nil {
		return nil, err
	}

	plan := &OpenPlan{
		Key:         key,
		Account:     req.Account,
		ProductID:   req.ProductID,
		IsLong:      req.IsLong,
		Margin:      req.Margin,
		Notional:    notional,
		Price:       price,
		OraclePrice: mc.OraclePrice,
		TradingFee:  tradingFee,
		IsIncrease:  existing != nil,
		Result: Position{
			Key:         key,
			Account:     req.Account,
			ProductID:   req.ProductID,
			IsLong:      req.IsLong,
			Margin:      req.Margin,
			Leverage:    req.Leverage,
			Price:       price,
			OraclePrice: mc.OraclePrice,
			Timestamp:   req.Now,
		},
	}

	if existing == nil {
		return plan, nil
	}

	// Increase: charge interest so far, then average into the position.
	plan.Interest, err = fpmath.ComputeInterest(existing.Margin, existing.Leverage, product.InterestBps, req.Now-existing.Timestamp)
	if err != nil {
		return nil, err
	}
	oldNotional, err := existing.Notional()
	if err != nil {
		return nil, err
	}
	totalNotional, err := fpmath.CheckedAdd(oldNotional, notional)
	if err != nil {
		return nil, err
	}
	leverage, err := fpmath.MulDiv(totalNotional, fpmath.Scale, totalMargin, fpmath.RoundDown)
	if err != nil {
		return nil, err
	}
	entry, err := fpmath.ComputeAvgEntryPrice(oldNotional, existing.Price, notional, price)
	if err != nil {
		return nil, err
	}
	plan.Result.Margin = totalMargin
	plan.Result.Leverage = leverage
	plan.Result.Price = entry

	return plan, nil
}

// CommitOpen applies a prepared open. It cannot fail.
func (pl *PositionLedger) CommitOpen(plan *OpenPlan) {
	product, _ := pl.products.Get(plan.ProductID)
	if plan.IsLong {
		product.OpenInterestLong += plan.Notional
	} else {
		product.OpenInterestShort += plan.Notional
	}
	pos := plan.Result
	pl.positions.Put(&pos)
}

// PrepareClose validates a close and settles its amounts.
func (pl *PositionLedger) PrepareClose(req CloseRequest, mc MarketContext) (*ClosePlan, error) {
	key := event.DerivePositionKey(req.Account, req.ProductID, req.IsLong)
	pos := pl.GetPosition(key)
	if pos == nil {
		return nil, fmt.Errorf("position %s: %w", key, ErrPositionNotFound)
	}
	if req.Margin <= 0 {
		return nil, fmt.Errorf("close margin must be > 0, got %d: %w", req.Margin, ErrInvalidArgument)
	}
	product, err := pl.products.Existing(req.ProductID)
	if err != nil {
		return nil, err
	}

	closeMargin := fpmath.Min(req.Margin, pos.Margin)
	notional, err := fpmath.ComputeNotional(closeMargin, pos.Leverage)
	if err != nil {
		return nil, err
	}

	// A close trades against the opposite side of the book.
	price, err := pl.pricer.ExecutionPrice(PriceInput{
		OraclePrice:       mc.OraclePrice,
		IsLong:            !pos.IsLong,
		OpenInterestLong:  product.OpenInterestLong,
		OpenInterestShort: product.OpenInterestShort,
		MaxExposure:       mc.MaxExposure,
		Reserve:           product.Reserve,
		Amount:            notional,
		Closing:           true,
	})
	if err != nil {
		return nil, err
	}

	pnl, err := fpmath.ComputePnL(pos.IsLong, notional, pos.Price, price)
	if err != nil {
		return nil, err
	}
	if pnl > 0 && req.Now-pos.Timestamp < mc.MinProfitTime &&
		CheckPriceChange(product.MinPriceChangeBps, pos.Price, price) != nil {
		pnl = 0
	}

	interest, err := fpmath.ComputeInterest(closeMargin, pos.Leverage, product.InterestBps, req.Now-pos.Timestamp)
	if err != nil {
		return nil, err
	}
	tradingFee, err := fpmath.BpsOf(notional, product.FeeBps)
	if err != nil {
		return nil, err
	}

	plan := &ClosePlan{
		Key:         key,
		Before:      *pos,
		CloseMargin: closeMargin,
		Notional:    notional,
		Price:       price,
		PnL:         pnl,
		TradingFee:  tradingFee,
		Interest:    interest,
		FeeCharged:  fpmath.Min(tradingFee+interest, closeMargin),
		IsFullClose: closeMargin == pos.Margin,
	}

	// Payout is max(0, closeMargin + pnl - fees), then capped by the vault.
	afterFee := closeMargin - plan.FeeCharged
	if pnl >= 0 {
		excess := tradingFee + interest - plan.FeeCharged
		plan.FeeNetted = fpmath.Min(excess, pnl)
		profit := pnl - plan.FeeNetted
		plan.ProfitPaid = fpmath.Min(profit, fpmath.Max(mc.VaultBalance, 0))
		plan.PayoutCapped = plan.ProfitPaid < profit
		plan.Payout = afterFee + plan.ProfitPaid
	} else {
		plan.Loss = fpmath.Min(-pnl, afterFee)
		plan.Payout = afterFee - plan.Loss
	}

	return plan, nil
}

// CommitClose applies a prepared close. It cannot fail.
func (pl *PositionLedger) CommitClose(plan *ClosePlan) {
	pl.decrementOpenInterest(plan.Before.ProductID, plan.Before.IsLong, plan.Notional)

	if plan.IsFullClose {
		pl.positions.Delete(plan.Key)
		return
	}
	pos := pl.GetPosition(plan.Key)
	pos.Margin -= plan.CloseMargin
}

// RemovePosition deletes a position and its open interest. Used by
// liquidation, which settles amounts itself.
func (pl *PositionLedger) RemovePosition(key event.PositionKey) {
	pos := pl.GetPosition(key)
	if pos == nil {
		return
	}
	notional, err := pos.Notional()
	if err == nil {
		pl.decrementOpenInterest(pos.ProductID, pos.IsLong, notional)
	}
	pl.positions.Delete(key)
}

func (pl *PositionLedger) decrementOpenInterest(productID uint64, isLong bool, notional int64) {
	product, ok := pl.products.Get(productID)
	if !ok {
		return
	}
	if isLong {
		product.OpenInterestLong = fpmath.Max(product.OpenInterestLong-notional, 0)
	} else {
		product.OpenInterestShort = fpmath.Max(product.OpenInterestShort-notional, 0)
	}
}

// GetUserPositions returns all positions for an account in key order.
func (pl *PositionLedger) GetUserPositions(account uuid.UUID) []*Position {
	return pl.positions.ByAccount(account)
}

// GetAllPositions returns every position in key order.
func (pl *PositionLedger) GetAllPositions() []*Position {
	result := make([]*Position, 0, pl.positions.Len())
	pl.positions.Ascend(func(p *Position) bool {
		result = append(result, p)
		return true
	})
	return result
}

// SetPosition directly sets a position (used for snapshot restore)
func (pl *PositionLedger) SetPosition(pos *Position) {
	pl.positions.Put(pos)
}
