package event

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// PositionKey identifies a position: sha256(account || productId || isLong).
// Callers derive it without a lookup table.
type PositionKey [32]byte

// DerivePositionKey computes the key for (account, productID, isLong).
func DerivePositionKey(account uuid.UUID, productID uint64, isLong bool) PositionKey {
	var buf [16 + 8 + 1]byte
	copy(buf[:16], account[:])
	binary.BigEndian.PutUint64(buf[16:24], productID)
	if isLong {
		buf[24] = 1
	}
	return PositionKey(sha256.Sum256(buf[:]))
}

func (k PositionKey) String() string {
	return hex.EncodeToString(k[:])
}

func (k PositionKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *PositionKey) UnmarshalText(text []byte) error {
	parsed, err := ParsePositionKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParsePositionKey decodes a hex position key.
func ParsePositionKey(s string) (PositionKey, error) {
	var key PositionKey
	raw, err := hex.DecodeString(s)
	if err != nil {
		return key, fmt.Errorf("parse position key: %w", err)
	}
	if len(raw) != len(key) {
		return key, fmt.Errorf("parse position key: want %d bytes, got %d", len(key), len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

// OpenPosition opens or increases the caller's position.
// Margin and leverage are 1e8-scaled.
type OpenPosition struct {
	Header
	// Account defaults to the caller.
	Account  uuid.UUID `json:"account,omitempty"`
	Product  uint64    `json:"product_id"`
	Margin   int64     `json:"margin"`
	IsLong   bool      `json:"is_long"`
	Leverage int64     `json:"leverage"`

	// RequirePriceChange enables the minimum price-change gate on increases.
	RequirePriceChange bool `json:"require_price_change,omitempty"`
}

func (o *OpenPosition) EventType() EventType {
	return EventTypeOpenPosition
}

func (o *OpenPosition) ProductID() *uint64 {
	return productRef(o.Product)
}

// Owner returns the account the open acts on.
func (o *OpenPosition) Owner() uuid.UUID {
	if o.Account == uuid.Nil {
		return o.CallerID
	}
	return o.Account
}

// ClosePosition closes up to Margin of the caller's position.
type ClosePosition struct {
	Header
	Account uuid.UUID `json:"account,omitempty"`
	Product uint64    `json:"product_id"`
	Margin  int64     `json:"margin"`
	IsLong  bool      `json:"is_long"`
}

func (c *ClosePosition) EventType() EventType {
	return EventTypeClosePosition
}

func (c *ClosePosition) ProductID() *uint64 {
	return productRef(c.Product)
}

// Owner returns the account the close acts on.
func (c *ClosePosition) Owner() uuid.UUID {
	if c.Account == uuid.Nil {
		return c.CallerID
	}
	return c.Account
}

// LiquidatePositions force-closes every listed position or none of them.
type LiquidatePositions struct {
	Header
	PositionKeys []PositionKey `json:"position_keys"`
}

func (l *LiquidatePositions) EventType() EventType {
	return EventTypeLiquidatePositions
}
