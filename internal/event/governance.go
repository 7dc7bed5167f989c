package event

import "github.com/google/uuid"

// UpsertProduct adds a product or replaces its configuration. Open interest
// is never taken from the command.
type UpsertProduct struct {
	Header
	Product                 uint64 `json:"product_id"`
	Feed                    string `json:"feed"`
	MaxLeverage             int64  `json:"max_leverage"`
	FeeBps                  int64  `json:"fee_bps"`
	IsActive                bool   `json:"is_active"`
	MaxExposure             int64  `json:"max_exposure"`
	InterestBps             int64  `json:"interest_bps"`
	LiquidationThresholdBps int64  `json:"liquidation_threshold_bps"`
	LiquidationBountyBps    int64  `json:"liquidation_bounty_bps"`
	LiquidationBountyFixed  int64  `json:"liquidation_bounty_fixed"`
	MinPriceChangeBps       int64  `json:"min_price_change_bps"`
	Weight                  int64  `json:"weight"`
	Reserve                 int64  `json:"reserve"`
}

func (u *UpsertProduct) EventType() EventType {
	return EventTypeUpsertProduct
}

func (u *UpsertProduct) ProductID() *uint64 {
	return productRef(u.Product)
}

type SetProductActive struct {
	Header
	Product  uint64 `json:"product_id"`
	IsActive bool   `json:"is_active"`
}

func (s *SetProductActive) EventType() EventType {
	return EventTypeSetProductActive
}

func (s *SetProductActive) ProductID() *uint64 {
	return productRef(s.Product)
}

// SetMaxPositionMargin caps the total margin of any single position on a product.
type SetMaxPositionMargin struct {
	Header
	Product           uint64 `json:"product_id"`
	MaxPositionMargin int64  `json:"max_position_margin"`
}

func (s *SetMaxPositionMargin) EventType() EventType {
	return EventTypeSetMaxPositionMargin
}

func (s *SetMaxPositionMargin) ProductID() *uint64 {
	return productRef(s.Product)
}

type UpdateVault struct {
	Header
	Cap                 int64 `json:"cap"`
	CooldownSeconds     int64 `json:"cooldown_seconds"`
	MaxDailyDrawdownBps int64 `json:"max_daily_drawdown_bps"`
	ExposureMultiplier  int64 `json:"exposure_multiplier"`
}

func (u *UpdateVault) EventType() EventType {
	return EventTypeUpdateVault
}

// SetMarginBounds bounds the notional of opens. Zero disables a bound.
type SetMarginBounds struct {
	Header
	MinMargin int64 `json:"min_margin"`
	MaxMargin int64 `json:"max_margin"`
}

func (s *SetMarginBounds) EventType() EventType {
	return EventTypeSetMarginBounds
}

type SetMinProfitTime struct {
	Header
	Seconds int64 `json:"seconds"`
}

func (s *SetMinProfitTime) EventType() EventType {
	return EventTypeSetMinProfitTime
}

type SetFeeSplit struct {
	Header
	ProtocolBps  int64 `json:"protocol_bps"`
	StakerBps    int64 `json:"staker_bps"`
	DepositorBps int64 `json:"depositor_bps"`
	VaultBps     int64 `json:"vault_bps"`
}

func (s *SetFeeSplit) EventType() EventType {
	return EventTypeSetFeeSplit
}

type SetPublicLiquidation struct {
	Header
	Enabled bool `json:"enabled"`
}

func (s *SetPublicLiquidation) EventType() EventType {
	return EventTypeSetPublicLiquidation
}

type SetCanUserStake struct {
	Header
	Enabled bool `json:"enabled"`
}

func (s *SetCanUserStake) EventType() EventType {
	return EventTypeSetCanUserStake
}

// SetRole grants or revokes governor/manager rights.
type SetRole struct {
	Header
	Role    string    `json:"role"` // "governor" or "manager"
	Account uuid.UUID `json:"account"`
	Enabled bool      `json:"enabled"`
}

func (s *SetRole) EventType() EventType {
	return EventTypeSetRole
}

type TransferOwnership struct {
	Header
	NewOwner uuid.UUID `json:"new_owner"`
}

func (t *TransferOwnership) EventType() EventType {
	return EventTypeTransferOwnership
}

// WithdrawProtocolReserve pays accumulated protocol fees to Recipient.
type WithdrawProtocolReserve struct {
	Header
	Amount    int64     `json:"amount"`
	Recipient uuid.UUID `json:"recipient"`
}

func (w *WithdrawProtocolReserve) EventType() EventType {
	return EventTypeWithdrawProtocolReserve
}
