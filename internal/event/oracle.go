package event

import "fmt"

// OraclePrice publishes a resolved oracle reading for a feed.
type OraclePrice struct {
	Header
	Feed          string `json:"feed"`
	Price         int64  `json:"price"` // 1e8
	PriceSequence int64  `json:"price_sequence"`
}

func (o *OraclePrice) IdempotencyKey() string {
	return fmt.Sprintf("%s:price:%d", o.Feed, o.PriceSequence)
}

func (o *OraclePrice) EventType() EventType {
	return EventTypeOraclePrice
}

func (o *OraclePrice) SourceSequence() int64 {
	return o.PriceSequence
}
