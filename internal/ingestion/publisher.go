package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"PerpVault/internal/event"
	"PerpVault/internal/observability"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	// EventSubjectPrefix prefixes outbound subjects: perp.vault.events.<type>.
	EventSubjectPrefix = "perp.vault.events."
	EventStream        = "PERP_VAULT_EVENTS"

	// RejectedEventType is published for commands the core rejected.
	RejectedEventType = "command_rejected"
)

// PublishableEvent is one outcome of a processed command.
type PublishableEvent struct {
	Sequence       int64           `json:"sequence"`
	Command        string          `json:"command"`
	IdempotencyKey string          `json:"idempotency_key"`
	Index          int             `json:"index"` // position among the command's outcomes
	Type           string          `json:"type"`
	Data           json.RawMessage `json:"data,omitempty"`
	Rejection      string          `json:"rejection,omitempty"`
	StateHash      string          `json:"state_hash"`
	Timestamp      time.Time       `json:"timestamp"`
}

// Subject returns the outbound subject of the event.
func (e PublishableEvent) Subject() string {
	return EventSubjectPrefix + e.Type
}

// EventsFromEnvelope splits an envelope into publishable events: one per
// outcome, or a single rejection notice.
func EventsFromEnvelope(env *event.EventEnvelope) ([]PublishableEvent, error) {
	base := PublishableEvent{
		Sequence:       env.Sequence,
		Command:        env.EventType.WireName(),
		IdempotencyKey: env.IdempotencyKey,
		StateHash:      hex.EncodeToString(env.StateHash[:]),
		Timestamp:      env.Timestamp,
	}
	if env.Rejection != "" {
		base.Type = RejectedEventType
		base.Rejection = env.Rejection
		return []PublishableEvent{base}, nil
	}

	raw, err := event.DecodeOutcomes(env.Outcomes)
	if err != nil {
		return nil, fmt.Errorf("decode outcomes of %d: %w", env.Sequence, err)
	}
	out := make([]PublishableEvent, 0, len(raw))
	for i, o := range raw {
		e := base
		e.Index = i
		e.Type = o.Type
		e.Data = o.Data
		out = append(out, e)
	}
	return out, nil
}

// OutboundPublisher publishes processed events to NATS for downstream
// consumers. Failures are logged; the event log stays authoritative.
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan PublishableEvent
	log       zerolog.Logger
	metrics   *observability.Metrics
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan PublishableEvent, metrics *observability.Metrics) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		metrics:   metrics,
		log:       observability.NewLogger("publisher"),
	}
}

// Run publishes until ctx is cancelled or the input closes.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			if err := op.publish(ctx, evt); err != nil {
				op.log.Warn().Err(err).Int64("sequence", evt.Sequence).Str("type", evt.Type).Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	// the message ID lets JetStream drop republished duplicates
	msgID := fmt.Sprintf("%d:%d", evt.Sequence, evt.Index)
	_, err = op.js.Publish(ctx, evt.Subject(), data, jetstream.WithMsgID(msgID))
	return err
}
