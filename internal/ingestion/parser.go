package ingestion

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"PerpVault/internal/event"

	"github.com/google/uuid"
)

// ErrMalformedCommand marks payloads that never reach the core.
var ErrMalformedCommand = errors.New("malformed command")

// NewCommand returns an empty command of the given type.
func NewCommand(et event.EventType) (event.Event, error) {
	switch et {
	case event.EventTypeOpenPosition:
		return &event.OpenPosition{}, nil
	case event.EventTypeClosePosition:
		return &event.ClosePosition{}, nil
	case event.EventTypeLiquidatePositions:
		return &event.LiquidatePositions{}, nil
	case event.EventTypeStake:
		return &event.Stake{}, nil
	case event.EventTypeRedeem:
		return &event.Redeem{}, nil
	case event.EventTypeStakeToken:
		return &event.StakeToken{}, nil
	case event.EventTypeWithdrawToken:
		return &event.WithdrawToken{}, nil
	case event.EventTypeExitStaking:
		return &event.ExitStaking{}, nil
	case event.EventTypeClaimReward:
		return &event.ClaimReward{}, nil
	case event.EventTypeClaimAllRewards:
		return &event.ClaimAllRewards{}, nil
	case event.EventTypeFundReward:
		return &event.FundReward{}, nil
	case event.EventTypeNotifyReward:
		return &event.NotifyReward{}, nil
	case event.EventTypeSetRewardDuration:
		return &event.SetRewardDuration{}, nil
	case event.EventTypeAddRewardPool:
		return &event.AddRewardPool{}, nil
	case event.EventTypeOraclePrice:
		return &event.OraclePrice{}, nil
	case event.EventTypeUpsertProduct:
		return &event.UpsertProduct{}, nil
	case event.EventTypeSetProductActive:
		return &event.SetProductActive{}, nil
	case event.EventTypeSetMaxPositionMargin:
		return &event.SetMaxPositionMargin{}, nil
	case event.EventTypeUpdateVault:
		return &event.UpdateVault{}, nil
	case event.EventTypeSetMarginBounds:
		return &event.SetMarginBounds{}, nil
	case event.EventTypeSetMinProfitTime:
		return &event.SetMinProfitTime{}, nil
	case event.EventTypeSetFeeSplit:
		return &event.SetFeeSplit{}, nil
	case event.EventTypeSetPublicLiquidation:
		return &event.SetPublicLiquidation{}, nil
	case event.EventTypeSetCanUserStake:
		return &event.SetCanUserStake{}, nil
	case event.EventTypeSetRole:
		return &event.SetRole{}, nil
	case event.EventTypeTransferOwnership:
		return &event.TransferOwnership{}, nil
	case event.EventTypeWithdrawProtocolReserve:
		return &event.WithdrawProtocolReserve{}, nil
	default:
		return nil, fmt.Errorf("unknown command type %d: %w", et, ErrMalformedCommand)
	}
}

// ParseCommand decodes a JSON payload for the command named by its wire
// name ("open_position") and checks the shared header.
func ParseCommand(wireName string, payload []byte) (event.Event, error) {
	et, ok := event.ParseEventType(wireName)
	if !ok {
		return nil, fmt.Errorf("unknown command %q: %w", wireName, ErrMalformedCommand)
	}
	return DecodeCommand(et, payload)
}

// DecodeCommand decodes a JSON payload into a command of type et. Unknown
// fields are rejected so producer typos fail loudly.
func DecodeCommand(et event.EventType, payload []byte) (event.Event, error) {
	cmd, err := NewCommand(et)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cmd); err != nil {
		return nil, fmt.Errorf("decode %s: %v: %w", et.WireName(), err, ErrMalformedCommand)
	}
	if err := validateHeader(cmd); err != nil {
		return nil, fmt.Errorf("%s: %w", et.WireName(), err)
	}
	return cmd, nil
}

// EncodeCommand is the inverse of ParseCommand and returns the wire name
// with the payload.
func EncodeCommand(cmd event.Event) (string, []byte, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return "", nil, err
	}
	return cmd.EventType().WireName(), data, nil
}

func validateHeader(cmd event.Event) error {
	stamped, ok := cmd.(event.Stamped)
	if !ok {
		return fmt.Errorf("command carries no header: %w", ErrMalformedCommand)
	}
	h := stamped.Head()

	// oracle readings are keyed by feed and price sequence
	if _, isOracle := cmd.(*event.OraclePrice); !isOracle && h.CommandID == uuid.Nil {
		return fmt.Errorf("command_id is required: %w", ErrMalformedCommand)
	}
	if h.CallerID == uuid.Nil {
		return fmt.Errorf("caller is required: %w", ErrMalformedCommand)
	}
	if h.Time.IsZero() {
		return fmt.Errorf("timestamp is required: %w", ErrMalformedCommand)
	}
	if h.Sequence < 0 {
		return fmt.Errorf("sequence must be >= 0: %w", ErrMalformedCommand)
	}
	return nil
}
