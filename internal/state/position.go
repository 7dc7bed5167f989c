package state

import (
	"PerpVault/internal/event"
	fpmath "PerpVault/internal/math"

	"github.com/google/uuid"
)

// Position is one account's exposure on one side of one product
type Position struct {
	Key         event.PositionKey `json:"key"`
	Account     uuid.UUID         `json:"account"`
	ProductID   uint64            `json:"product_id"`
	IsLong      bool              `json:"is_long"`
	Margin      int64             `json:"margin"`       // 1e8
	Leverage    int64             `json:"leverage"`     // 1e8
	Price       int64             `json:"price"`        // notional-weighted entry, 1e8
	OraclePrice int64             `json:"oracle_price"` // oracle at last (re)price
	Timestamp   int64             `json:"timestamp"`    // unix seconds of last (re)price
}

// Notional returns margin * leverage.
func (p *Position) Notional() (int64, error) {
	return fpmath.ComputeNotional(p.Margin, p.Leverage)
}

// CanonicalBytes returns deterministic serialization for hashing
func (p *Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 128)

	buf = append(buf, p.Key[:]...)
	buf = append(buf, p.Account[:]...)
	buf = appendInt64LE(buf, int64(p.ProductID))
	if p.IsLong {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = appendInt64LE(buf, p.Margin)
	buf = appendInt64LE(buf, p.Leverage)
	buf = appendInt64LE(buf, p.Price)
	buf = appendInt64LE(buf, p.OraclePrice)
	buf = appendInt64LE(buf, p.Timestamp)

	return buf
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}
