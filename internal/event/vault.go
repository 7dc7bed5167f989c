package event

import "github.com/google/uuid"

// Stake deposits Amount of the settlement asset into the vault and mints
// shares to Recipient.
type Stake struct {
	Header
	Amount    int64     `json:"amount"`
	Recipient uuid.UUID `json:"recipient"`
}

func (s *Stake) EventType() EventType {
	return EventTypeStake
}

// Redeem burns the caller's shares and pays the proportional balance to
// Recipient.
type Redeem struct {
	Header
	Shares    int64     `json:"shares"`
	Recipient uuid.UUID `json:"recipient"`
}

func (r *Redeem) EventType() EventType {
	return EventTypeRedeem
}
