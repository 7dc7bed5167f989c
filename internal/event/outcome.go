package event

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Outcome is a domain event emitted by an accepted command.
type Outcome interface {
	OutcomeType() string
}

// NewPositionEvent is emitted on every open or increase.
type NewPositionEvent struct {
	PositionKey PositionKey `json:"position_key"`
	Account     uuid.UUID   `json:"account"`
	ProductID   uint64      `json:"product_id"`
	IsLong      bool        `json:"is_long"`
	ExecPrice   int64       `json:"exec_price"`
	OraclePrice int64       `json:"oracle_price"`
	AddedMargin int64       `json:"added_margin"`
	Fee         int64       `json:"fee"`
	IsIncrease  bool        `json:"is_increase"`

	// Resulting position
	Margin     int64 `json:"margin"`
	Leverage   int64 `json:"leverage"`
	EntryPrice int64 `json:"entry_price"`
	Timestamp  int64 `json:"timestamp"`
}

func (*NewPositionEvent) OutcomeType() string { return "new_position" }

// ClosePositionEvent is emitted on close and liquidation.
type ClosePositionEvent struct {
	PositionKey     PositionKey `json:"position_key"`
	Account         uuid.UUID   `json:"account"`
	ProductID       uint64      `json:"product_id"`
	IsLong          bool        `json:"is_long"`
	ExecPrice       int64       `json:"exec_price"`
	EntryPrice      int64       `json:"entry_price"`
	ClosedMargin    int64       `json:"closed_margin"`
	RemainingMargin int64       `json:"remaining_margin"`
	Leverage        int64       `json:"leverage"`
	TotalFee        int64       `json:"total_fee"`
	PnL             int64       `json:"pnl"`
	Payout          int64       `json:"payout"`
	IsFullClose     bool        `json:"is_full_close"`
	IsLiquidation   bool        `json:"is_liquidation"`
	PayoutCapped    bool        `json:"payout_capped,omitempty"`
	Liquidator      *uuid.UUID  `json:"liquidator,omitempty"`
	Bounty          int64       `json:"bounty,omitempty"`
}

func (*ClosePositionEvent) OutcomeType() string { return "close_position" }

type StakedEvent struct {
	Account   uuid.UUID `json:"account"`
	Recipient uuid.UUID `json:"recipient"`
	Amount    int64     `json:"amount"`
	Shares    int64     `json:"shares"`
}

func (*StakedEvent) OutcomeType() string { return "staked" }

type RedeemedEvent struct {
	Account   uuid.UUID `json:"account"`
	Recipient uuid.UUID `json:"recipient"`
	Shares    int64     `json:"shares"`
	Amount    int64     `json:"amount"`
}

func (*RedeemedEvent) OutcomeType() string { return "redeemed" }

// FeeDistributedEvent records how one fee was split.
type FeeDistributedEvent struct {
	Total      int64 `json:"total"`
	Protocol   int64 `json:"protocol"`
	Stakers    int64 `json:"stakers"`
	Depositors int64 `json:"depositors"`
	Vault      int64 `json:"vault"`
}

func (*FeeDistributedEvent) OutcomeType() string { return "fee_distributed" }

type RewardNotifiedEvent struct {
	PoolID       string      `json:"pool_id"`
	Amount       TokenAmount `json:"amount"`
	RewardRate   TokenAmount `json:"reward_rate"`
	PeriodFinish int64       `json:"period_finish"`
}

func (*RewardNotifiedEvent) OutcomeType() string { return "reward_notified" }

type RewardClaimedEvent struct {
	PoolID  string      `json:"pool_id"`
	Account uuid.UUID   `json:"account"`
	Amount  TokenAmount `json:"amount"`
}

func (*RewardClaimedEvent) OutcomeType() string { return "reward_claimed" }

type TokenStakeChangedEvent struct {
	Account uuid.UUID   `json:"account"`
	Delta   TokenAmount `json:"delta"`
	Balance TokenAmount `json:"balance"`
	Staked  bool        `json:"staked"`
}

func (*TokenStakeChangedEvent) OutcomeType() string { return "token_stake_changed" }

// LiquidationCandidatesEvent lists positions that became liquidatable
// after a price update on Feed.
type LiquidationCandidatesEvent struct {
	Feed         string        `json:"feed"`
	Price        int64         `json:"price"`
	PositionKeys []PositionKey `json:"position_keys"`
}

func (*LiquidationCandidatesEvent) OutcomeType() string { return "liquidation_candidates" }

// ConfigChangedEvent is emitted by configuration commands.
type ConfigChangedEvent struct {
	Command string `json:"command"`
}

func (*ConfigChangedEvent) OutcomeType() string { return "config_changed" }

// EncodeOutcomes serializes outcomes as a JSON array of {type, data}.
func EncodeOutcomes(outcomes []Outcome) ([]byte, error) {
	if len(outcomes) == 0 {
		return nil, nil
	}
	type wire struct {
		Type string  `json:"type"`
		Data Outcome `json:"data"`
	}
	out := make([]wire, len(outcomes))
	for i, o := range outcomes {
		out[i] = wire{Type: o.OutcomeType(), Data: o}
	}
	return json.Marshal(out)
}

// RawOutcome is an outcome decoded only as far as its type.
type RawOutcome struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// DecodeOutcomes splits an encoded outcome array.
func DecodeOutcomes(data []byte) ([]RawOutcome, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var raw []RawOutcome
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}
