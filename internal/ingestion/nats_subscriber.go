package ingestion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"PerpVault/internal/event"
	"PerpVault/internal/observability"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	// CommandSubjectPrefix prefixes inbound subjects: perp.cmd.<wire name>.
	CommandSubjectPrefix = "perp.cmd."
	CommandStream        = "PERP_COMMANDS"
	commandConsumer      = "perpvault-commands"
)

// CommandSubject returns the inbound subject of a command type.
func CommandSubject(et event.EventType) string {
	return CommandSubjectPrefix + et.WireName()
}

// CommandSink accepts parsed commands; the Dispatcher implements it.
type CommandSink interface {
	Enqueue(ctx context.Context, cmd event.Event) error
}

// NATSSubscriber consumes perp.cmd.> from JetStream and feeds the core.
// A single durable consumer keeps delivery in stream order.
type NATSSubscriber struct {
	js       jetstream.JetStream
	sink     CommandSink
	consumer jetstream.ConsumeContext
	metrics  *observability.Metrics
	log      zerolog.Logger
}

func NewNATSSubscriber(js jetstream.JetStream, sink CommandSink, metrics *observability.Metrics) *NATSSubscriber {
	return &NATSSubscriber{
		js:      js,
		sink:    sink,
		metrics: metrics,
		log:     observability.NewLogger("nats"),
	}
}

// Subscribe creates the durable consumer. Messages are acked once the
// command is queued for the core; malformed ones are terminated so they
// are not redelivered.
func (ns *NATSSubscriber) Subscribe(ctx context.Context) error {
	consumer, err := ns.js.CreateOrUpdateConsumer(ctx, CommandStream, jetstream.ConsumerConfig{
		Durable:       commandConsumer,
		FilterSubject: CommandSubjectPrefix + ">",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		MaxAckPending: 1,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", commandConsumer, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		ns.handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", commandConsumer, err)
	}
	ns.consumer = cc
	ns.log.Info().Str("subject", CommandSubjectPrefix+">").Msg("subscribed")
	return nil
}

func (ns *NATSSubscriber) handle(ctx context.Context, msg jetstream.Msg) {
	wireName := strings.TrimPrefix(msg.Subject(), CommandSubjectPrefix)
	cmd, err := ParseCommand(wireName, msg.Data())
	if err != nil {
		ns.log.Warn().Err(err).Str("subject", msg.Subject()).Msg("dropping malformed command")
		if ns.metrics != nil {
			ns.metrics.CoreEventsRejected.WithLabelValues(wireName, "malformed").Inc()
		}
		_ = msg.Term()
		return
	}

	if err := ns.sink.Enqueue(ctx, cmd); err != nil {
		if !errors.Is(err, context.Canceled) {
			ns.log.Error().Err(err).Str("subject", msg.Subject()).Msg("enqueue failed")
		}
		_ = msg.Nak()
		return
	}
	_ = msg.Ack()
}

// Stop stops the consumer.
func (ns *NATSSubscriber) Stop() {
	if ns.consumer != nil {
		ns.consumer.Stop()
	}
	ns.log.Info().Msg("NATS subscriber stopped")
}

// EnsureStreams creates the inbound command stream and the outbound event
// stream when missing.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      CommandStream,
			Subjects:  []string{CommandSubjectPrefix + ">"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      EventStream,
			Subjects:  []string{EventSubjectPrefix + ">"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}
	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	log := observability.NewLogger("nats")
	nc, err := nats.Connect(url,
		nats.Name("perpvault"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
