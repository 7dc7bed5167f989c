package state

import (
	"fmt"

	"PerpVault/internal/event"
	fpmath "PerpVault/internal/math"

	"github.com/google/uuid"
)

// LiquidationItem is the settlement of one liquidated position.
type LiquidationItem struct {
	Before      Position
	OraclePrice int64
	Health      PositionHealth
	Bounty      int64 // margin -> liquidator wallet
	Interest    int64 // margin -> fee split
	ToVault     int64 // margin -> vault
}

// LiquidationPlan is a validated liquidation batch. It applies all or
// nothing.
type LiquidationPlan struct {
	Liquidator uuid.UUID
	Items      []LiquidationItem
}

// TotalInterest is the fee amount routed through the fee split.
func (lp *LiquidationPlan) TotalInterest() int64 {
	var total int64
	for _, it := range lp.Items {
		total += it.Interest
	}
	return total
}

// LiquidationEngine force-closes positions whose loss has reached the
// product's threshold.
type LiquidationEngine struct {
	ledger   *PositionLedger
	products *ProductBook
	oracles  *OracleBook
}

func NewLiquidationEngine(pl *PositionLedger, products *ProductBook, oracles *OracleBook) *LiquidationEngine {
	return &LiquidationEngine{
		ledger:   pl,
		products: products,
		oracles:  oracles,
	}
}

// Health evaluates one position at the current oracle price.
func (le *LiquidationEngine) Health(pos *Position) (PositionHealth, error) {
	product, err := le.products.Existing(pos.ProductID)
	if err != nil {
		return PositionHealth{}, err
	}
	price, err := le.oracles.Price(product.Feed)
	if err != nil {
		return PositionHealth{}, err
	}
	return EvaluateHealth(pos, product, price)
}

// PrepareLiquidation validates every key and settles each position. Any
// missing, healthy or repeated key rejects the whole batch.
func (le *LiquidationEngine) PrepareLiquidation(keys []event.PositionKey, liquidator uuid.UUID, now int64) (*LiquidationPlan, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("no positions given: %w", ErrInvalidArgument)
	}

	plan := &LiquidationPlan{Liquidator: liquidator, Items: make([]LiquidationItem, 0, len(keys))}
	seen := make(map[event.PositionKey]bool, len(keys))

	for _, key := range keys {
		if seen[key] {
			return nil, fmt.Errorf("position %s listed twice: %w", key, ErrPositionNotLiquidatable)
		}
		seen[key] = true

		pos := le.ledger.GetPosition(key)
		if pos == nil {
			return nil, fmt.Errorf("position %s does not exist: %w", key, ErrPositionNotLiquidatable)
		}
		product, err := le.products.Existing(pos.ProductID)
		if err != nil {
			return nil, err
		}
		health, err := le.Health(pos)
		if err != nil {
			return nil, err
		}
		if !health.Liquidatable() {
			return nil, fmt.Errorf("position %s pnl %d above threshold: %w",
				key, health.UnrealizedPnL, ErrPositionNotLiquidatable)
		}

		item, err := settleLiquidation(pos, product, health, now)
		if err != nil {
			return nil, err
		}
		plan.Items = append(plan.Items, item)
	}

	return plan, nil
}

func settleLiquidation(pos *Position, product *Product, health PositionHealth, now int64) (LiquidationItem, error) {
	var bounty int64
	if product.LiquidationBountyFixed > 0 {
		bounty = fpmath.Min(product.LiquidationBountyFixed, pos.Margin)
	} else {
		var err error
		if bounty, err = fpmath.BpsOf(pos.Margin, product.LiquidationBountyBps); err != nil {
			return LiquidationItem{}, err
		}
	}

	interest, err := fpmath.ComputeInterest(pos.Margin, pos.Leverage, product.InterestBps, now-pos.Timestamp)
	if err != nil {
		return LiquidationItem{}, err
	}
	interest = fpmath.Min(interest, pos.Margin-bounty)

	return LiquidationItem{
		Before:      *pos,
		OraclePrice: health.OraclePrice,
		Health:      health,
		Bounty:      bounty,
		Interest:    interest,
		ToVault:     pos.Margin - bounty - interest,
	}, nil
}

// CommitLiquidation removes every liquidated position. It cannot fail.
func (le *LiquidationEngine) CommitLiquidation(plan *LiquidationPlan) {
	for _, it := range plan.Items {
		le.ledger.RemovePosition(it.Before.Key)
	}
}

// ScanLiquidatable returns the keys of every liquidatable position in key
// order. Positions without a price are skipped.
func (le *LiquidationEngine) ScanLiquidatable() []event.PositionKey {
	var keys []event.PositionKey
	le.ledger.Positions().Ascend(func(p *Position) bool {
		h, err := le.Health(p)
		if err == nil && h.Liquidatable() {
			keys = append(keys, p.Key)
		}
		return true
	})
	return keys
}
