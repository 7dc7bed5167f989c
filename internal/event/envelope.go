package event

import (
	"time"

	"github.com/google/uuid"
)

// EventType discriminator for command payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeOpenPosition
	EventTypeClosePosition
	EventTypeLiquidatePositions
	EventTypeStake
	EventTypeRedeem
	EventTypeStakeToken
	EventTypeWithdrawToken
	EventTypeExitStaking
	EventTypeClaimReward
	EventTypeClaimAllRewards
	EventTypeFundReward
	EventTypeNotifyReward
	EventTypeSetRewardDuration
	EventTypeAddRewardPool
	EventTypeOraclePrice
	EventTypeUpsertProduct
	EventTypeSetProductActive
	EventTypeSetMaxPositionMargin
	EventTypeUpdateVault
	EventTypeSetMarginBounds
	EventTypeSetMinProfitTime
	EventTypeSetFeeSplit
	EventTypeSetPublicLiquidation
	EventTypeSetCanUserStake
	EventTypeSetRole
	EventTypeTransferOwnership
	EventTypeWithdrawProtocolReserve
)

var eventTypeNames = map[EventType][2]string{
	EventTypeOpenPosition:            {"OpenPosition", "open_position"},
	EventTypeClosePosition:           {"ClosePosition", "close_position"},
	EventTypeLiquidatePositions:      {"LiquidatePositions", "liquidate_positions"},
	EventTypeStake:                   {"Stake", "stake"},
	EventTypeRedeem:                  {"Redeem", "redeem"},
	EventTypeStakeToken:              {"StakeToken", "stake_token"},
	EventTypeWithdrawToken:           {"WithdrawToken", "withdraw_token"},
	EventTypeExitStaking:             {"ExitStaking", "exit_staking"},
	EventTypeClaimReward:             {"ClaimReward", "claim_reward"},
	EventTypeClaimAllRewards:         {"ClaimAllRewards", "claim_all_rewards"},
	EventTypeFundReward:              {"FundReward", "fund_reward"},
	EventTypeNotifyReward:            {"NotifyReward", "notify_reward"},
	EventTypeSetRewardDuration:       {"SetRewardDuration", "set_reward_duration"},
	EventTypeAddRewardPool:           {"AddRewardPool", "add_reward_pool"},
	EventTypeOraclePrice:             {"OraclePrice", "oracle_price"},
	EventTypeUpsertProduct:           {"UpsertProduct", "upsert_product"},
	EventTypeSetProductActive:        {"SetProductActive", "set_product_active"},
	EventTypeSetMaxPositionMargin:    {"SetMaxPositionMargin", "set_max_position_margin"},
	EventTypeUpdateVault:             {"UpdateVault", "update_vault"},
	EventTypeSetMarginBounds:         {"SetMarginBounds", "set_margin_bounds"},
	EventTypeSetMinProfitTime:        {"SetMinProfitTime", "set_min_profit_time"},
	EventTypeSetFeeSplit:             {"SetFeeSplit", "set_fee_split"},
	EventTypeSetPublicLiquidation:    {"SetPublicLiquidation", "set_public_liquidation"},
	EventTypeSetCanUserStake:         {"SetCanUserStake", "set_can_user_stake"},
	EventTypeSetRole:                 {"SetRole", "set_role"},
	EventTypeTransferOwnership:       {"TransferOwnership", "transfer_ownership"},
	EventTypeWithdrawProtocolReserve: {"WithdrawProtocolReserve", "withdraw_protocol_reserve"},
}

func (et EventType) String() string {
	if names, ok := eventTypeNames[et]; ok {
		return names[0]
	}
	return "Unknown"
}

// WireName is the snake_case name used in NATS subjects and JSON routes.
func (et EventType) WireName() string {
	if names, ok := eventTypeNames[et]; ok {
		return names[1]
	}
	return "unknown"
}

// ParseEventType resolves a wire name back to its EventType.
func ParseEventType(wireName string) (EventType, bool) {
	for et, names := range eventTypeNames {
		if names[1] == wireName {
			return et, true
		}
	}
	return EventTypeUnknown, false
}

// EventTypeFromName resolves the CamelCase name stored in the event log.
func EventTypeFromName(name string) (EventType, bool) {
	for et, names := range eventTypeNames {
		if names[0] == name {
			return et, true
		}
	}
	return EventTypeUnknown, false
}

// AllEventTypes lists every command type in declaration order.
func AllEventTypes() []EventType {
	types := make([]EventType, 0, len(eventTypeNames))
	for et := EventTypeOpenPosition; et <= EventTypeWithdrawProtocolReserve; et++ {
		types = append(types, et)
	}
	return types
}

// EventEnvelope wraps every command in the log, accepted or rejected
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	EventType EventType

	// Product context (nil for global commands)
	ProductID *uint64

	// Environment-supplied command time (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded command
	Payload []byte

	// JSON-encoded outcomes emitted by the command
	Outcomes []byte

	// Non-empty when the command was rejected; no state changed
	Rejection string

	// SHA-256 of state AFTER applying this command
	StateHash [32]byte

	// Previous command's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all commands implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	EventType() EventType

	// ProductID returns the product context (nil for global commands)
	ProductID() *uint64

	// SourceSequence returns the upstream ordering key
	SourceSequence() int64

	// SourceName names the upstream sequencer the sequence belongs to
	SourceName() string

	// Timestamp is the environment clock reading for this command
	Timestamp() time.Time

	// Caller is the account the command is executed on behalf of
	Caller() uuid.UUID
}

// Header carries the fields every command shares.
type Header struct {
	CommandID uuid.UUID `json:"command_id"`
	CallerID  uuid.UUID `json:"caller"`
	Source    string    `json:"source,omitempty"`
	Sequence  int64     `json:"sequence"`
	Time      time.Time `json:"timestamp"`
}

func (h *Header) IdempotencyKey() string {
	return h.CommandID.String()
}

func (h *Header) ProductID() *uint64 {
	return nil
}

func (h *Header) SourceSequence() int64 {
	return h.Sequence
}

func (h *Header) SourceName() string {
	if h.Source == "" {
		return "default"
	}
	return h.Source
}

func (h *Header) Timestamp() time.Time {
	return h.Time
}

func (h *Header) Caller() uuid.UUID {
	return h.CallerID
}

// Head exposes the embedded header so shells can stamp sequence and time.
func (h *Header) Head() *Header {
	return h
}

// Stamped is implemented by every command through its Header.
type Stamped interface {
	Head() *Header
}

func productRef(id uint64) *uint64 {
	return &id
}
