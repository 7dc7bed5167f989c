package state

import (
	"fmt"
	"sort"

	fpmath "PerpVault/internal/math"
)

// Product is a trading instrument. Open interest is maintained by the
// position ledger; everything else changes only through configuration.
type Product struct {
	ProductID               uint64 `json:"product_id"`
	Feed                    string `json:"feed"`
	MaxLeverage             int64  `json:"max_leverage"` // 1e8
	FeeBps                  int64  `json:"fee_bps"`
	IsActive                bool   `json:"is_active"`
	MaxExposure             int64  `json:"max_exposure"` // 0: derived from the vault
	OpenInterestLong        int64  `json:"open_interest_long"`
	OpenInterestShort       int64  `json:"open_interest_short"`
	InterestBps             int64  `json:"interest_bps"` // annual
	LiquidationThresholdBps int64  `json:"liquidation_threshold_bps"`
	LiquidationBountyBps    int64  `json:"liquidation_bounty_bps"`
	LiquidationBountyFixed  int64  `json:"liquidation_bounty_fixed"` // 0: use bps
	MinPriceChangeBps       int64  `json:"min_price_change_bps"`
	Weight                  int64  `json:"weight"`
	Reserve                 int64  `json:"reserve"`
	MaxPositionMargin       int64  `json:"max_position_margin"` // 0: unbounded
}

// DefaultProduct carries the parameters products start from when a
// configuration leaves a field unset.
var DefaultProduct = Product{
	MaxLeverage:             50 * fpmath.Scale,
	FeeBps:                  10,
	IsActive:                true,
	InterestBps:             0,
	LiquidationThresholdBps: 8000,
	LiquidationBountyBps:    5000,
	MinPriceChangeBps:       150,
	Weight:                  10,
	Reserve:                 5000 * fpmath.Scale,
}

// ValidateProduct checks that product parameters are within valid ranges.
func ValidateProduct(p *Product) error {
	if p.Feed == "" {
		return fmt.Errorf("feed must be set")
	}
	if p.MaxLeverage < fpmath.Scale {
		return fmt.Errorf("max_leverage must be >= 1x, got %d", p.MaxLeverage)
	}
	if p.FeeBps < 0 || p.FeeBps >= fpmath.BpsDenominator {
		return fmt.Errorf("fee_bps must be in [0, 10000), got %d", p.FeeBps)
	}
	if p.MaxExposure < 0 {
		return fmt.Errorf("max_exposure must be >= 0, got %d", p.MaxExposure)
	}
	if p.InterestBps < 0 {
		return fmt.Errorf("interest_bps must be >= 0, got %d", p.InterestBps)
	}
	if p.LiquidationThresholdBps <= 0 || p.LiquidationThresholdBps > fpmath.BpsDenominator {
		return fmt.Errorf("liquidation_threshold_bps must be in (0, 10000], got %d", p.LiquidationThresholdBps)
	}
	if p.LiquidationBountyBps < 0 || p.LiquidationBountyBps > fpmath.BpsDenominator {
		return fmt.Errorf("liquidation_bounty_bps must be in [0, 10000], got %d", p.LiquidationBountyBps)
	}
	if p.LiquidationBountyFixed < 0 {
		return fmt.Errorf("liquidation_bounty_fixed must be >= 0, got %d", p.LiquidationBountyFixed)
	}
	if p.MinPriceChangeBps < 0 {
		return fmt.Errorf("min_price_change_bps must be >= 0, got %d", p.MinPriceChangeBps)
	}
	if p.Weight < 0 {
		return fmt.Errorf("weight must be >= 0, got %d", p.Weight)
	}
	if p.Reserve <= 0 {
		return fmt.Errorf("reserve must be > 0, got %d", p.Reserve)
	}
	if p.MaxPositionMargin < 0 {
		return fmt.Errorf("max_position_margin must be >= 0, got %d", p.MaxPositionMargin)
	}
	return nil
}

// ProductBook holds the product table
type ProductBook struct {
	products map[uint64]*Product
}

func NewProductBook() *ProductBook {
	return &ProductBook{
		products: make(map[uint64]*Product),
	}
}

func (pb *ProductBook) Get(productID uint64) (*Product, bool) {
	p, ok := pb.products[productID]
	return p, ok
}

// Active returns a product that accepts new positions.
func (pb *ProductBook) Active(productID uint64) (*Product, error) {
	p, ok := pb.products[productID]
	if !ok {
		return nil, fmt.Errorf("product %d: %w", productID, ErrUnknownProduct)
	}
	if !p.IsActive {
		return nil, fmt.Errorf("product %d is inactive: %w", productID, ErrUnknownProduct)
	}
	return p, nil
}

// Existing returns a product regardless of its active flag. Closing and
// liquidating stay possible on paused products.
func (pb *ProductBook) Existing(productID uint64) (*Product, error) {
	p, ok := pb.products[productID]
	if !ok {
		return nil, fmt.Errorf("product %d: %w", productID, ErrUnknownProduct)
	}
	return p, nil
}

// PrepareUpsert validates a product configuration. Open interest and the
// per-position cap are carried over from the existing entry.
func (pb *ProductBook) PrepareUpsert(p Product) (*Product, error) {
	if existing, ok := pb.products[p.ProductID]; ok {
		p.OpenInterestLong = existing.OpenInterestLong
		p.OpenInterestShort = existing.OpenInterestShort
		if p.MaxPositionMargin == 0 {
			p.MaxPositionMargin = existing.MaxPositionMargin
		}
	} else {
		p.OpenInterestLong = 0
		p.OpenInterestShort = 0
	}
	if err := ValidateProduct(&p); err != nil {
		return nil, fmt.Errorf("invalid product %d: %v: %w", p.ProductID, err, ErrInvalidArgument)
	}
	return &p, nil
}

func (pb *ProductBook) CommitUpsert(p *Product) {
	pb.products[p.ProductID] = p
}

func (pb *ProductBook) SetActive(productID uint64, active bool) error {
	p, err := pb.Existing(productID)
	if err != nil {
		return err
	}
	p.IsActive = active
	return nil
}

func (pb *ProductBook) SetMaxPositionMargin(productID uint64, maxMargin int64) error {
	if maxMargin < 0 {
		return fmt.Errorf("max_position_margin must be >= 0: %w", ErrInvalidArgument)
	}
	p, err := pb.Existing(productID)
	if err != nil {
		return err
	}
	p.MaxPositionMargin = maxMargin
	return nil
}

// TotalWeight sums the weights of every product.
func (pb *ProductBook) TotalWeight() int64 {
	var total int64
	for _, p := range pb.products {
		total += p.Weight
	}
	return total
}

// All returns the products ordered by id.
func (pb *ProductBook) All() []*Product {
	result := make([]*Product, 0, len(pb.products))
	for _, p := range pb.products {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ProductID < result[j].ProductID })
	return result
}

// Restore replaces the table (snapshot restore).
func (pb *ProductBook) Restore(products []Product) {
	pb.products = make(map[uint64]*Product, len(products))
	for i := range products {
		p := products[i]
		pb.products[p.ProductID] = &p
	}
}

// CanonicalBytes returns deterministic serialization for hashing
func (p *Product) CanonicalBytes() []byte {
	buf := make([]byte, 0, 128)
	buf = appendInt64LE(buf, int64(p.ProductID))
	buf = append(buf, byte(len(p.Feed)))
	buf = append(buf, []byte(p.Feed)...)
	for _, v := range []int64{
		p.MaxLeverage, p.FeeBps, p.MaxExposure, p.OpenInterestLong, p.OpenInterestShort,
		p.InterestBps, p.LiquidationThresholdBps, p.LiquidationBountyBps, p.LiquidationBountyFixed,
		p.MinPriceChangeBps, p.Weight, p.Reserve, p.MaxPositionMargin,
	} {
		buf = appendInt64LE(buf, v)
	}
	if p.IsActive {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return buf
}
