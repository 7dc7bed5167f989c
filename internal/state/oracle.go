package state

import (
	"fmt"
	"sort"
)

// OraclePriceState tracks the latest resolved price per feed
type OraclePriceState struct {
	Feed          string `json:"feed"`
	Price         int64  `json:"price"`
	PriceSequence int64  `json:"price_sequence"`
	Timestamp     int64  `json:"timestamp"`
}

// OracleBook caches oracle readings delivered as commands.
type OracleBook struct {
	prices map[string]*OraclePriceState
}

func NewOracleBook() *OracleBook {
	return &OracleBook{prices: make(map[string]*OraclePriceState)}
}

// Update records a reading. Stale or duplicate sequences are ignored and
// reported as not applied.
func (ob *OracleBook) Update(feed string, price, sequence, timestamp int64) (bool, error) {
	if price <= 0 {
		return false, fmt.Errorf("price for %s must be > 0: %w", feed, ErrInvalidArgument)
	}
	if current := ob.prices[feed]; current != nil && sequence <= current.PriceSequence {
		return false, nil
	}
	ob.prices[feed] = &OraclePriceState{
		Feed:          feed,
		Price:         price,
		PriceSequence: sequence,
		Timestamp:     timestamp,
	}
	return true, nil
}

// Price returns the latest price for a feed.
func (ob *OracleBook) Price(feed string) (int64, error) {
	s := ob.prices[feed]
	if s == nil {
		return 0, fmt.Errorf("feed %s: %w", feed, ErrPriceUnavailable)
	}
	return s.Price, nil
}

// All returns every feed ordered by name.
func (ob *OracleBook) All() []OraclePriceState {
	result := make([]OraclePriceState, 0, len(ob.prices))
	for _, s := range ob.prices {
		result = append(result, *s)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Feed < result[j].Feed })
	return result
}

func (ob *OracleBook) Restore(states []OraclePriceState) {
	ob.prices = make(map[string]*OraclePriceState, len(states))
	for i := range states {
		s := states[i]
		ob.prices[s.Feed] = &s
	}
}
