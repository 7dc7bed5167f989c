package ingestion

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"time"

	"PerpVault/internal/core"
	"PerpVault/internal/event"
	"PerpVault/internal/observability"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// KeeperSource is the sequencing source of keeper-issued commands.
const KeeperSource = "keeper"

var keeperNamespace = uuid.MustParse("8d1e4a52-3c0f-4b7e-9a61-2f5c9e0b7d14")

// LiquidationTask is a batch of positions an oracle update made liquidatable.
type LiquidationTask struct {
	Sequence  int64 // sequence of the oracle command that flagged them
	Feed      string
	Keys      []event.PositionKey
	Timestamp time.Time
}

// TaskFromPublished extracts a task from a liquidation_candidates event.
func TaskFromPublished(e PublishableEvent) (LiquidationTask, bool) {
	if e.Type != (&event.LiquidationCandidatesEvent{}).OutcomeType() {
		return LiquidationTask{}, false
	}
	var cand event.LiquidationCandidatesEvent
	if err := json.Unmarshal(e.Data, &cand); err != nil || len(cand.PositionKeys) == 0 {
		return LiquidationTask{}, false
	}
	return LiquidationTask{
		Sequence:  e.Sequence,
		Feed:      cand.Feed,
		Keys:      cand.PositionKeys,
		Timestamp: e.Timestamp,
	}, true
}

// Submitter is the part of the Dispatcher the keeper needs.
type Submitter interface {
	SubmitSequenced(ctx context.Context, source string, cmd event.Event) (core.Receipt, error)
}

// Keeper liquidates flagged positions on behalf of a configured account.
// The account needs manager rights unless public liquidation is enabled.
type Keeper struct {
	account uuid.UUID
	sub     Submitter
	tasks   <-chan LiquidationTask
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewKeeper(account uuid.UUID, sub Submitter, tasks <-chan LiquidationTask, metrics *observability.Metrics) *Keeper {
	return &Keeper{
		account: account,
		sub:     sub,
		tasks:   tasks,
		metrics: metrics,
		log:     observability.NewLogger("keeper"),
	}
}

// Run submits one LiquidatePositions per task until ctx is cancelled.
func (k *Keeper) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case task, ok := <-k.tasks:
			if !ok {
				return nil
			}
			k.liquidate(ctx, task)
		}
	}
}

func (k *Keeper) liquidate(ctx context.Context, task LiquidationTask) {
	cmd := k.Command(task)
	receipt, err := k.sub.SubmitSequenced(ctx, KeeperSource, cmd)
	switch {
	case err != nil:
		k.log.Error().Err(err).Int64("trigger", task.Sequence).Msg("liquidation not sequenced")
	case receipt.Rejection != nil:
		// positions closed or recovered since the price update
		k.log.Debug().Err(receipt.Rejection).Int64("trigger", task.Sequence).Msg("liquidation rejected")
	case receipt.Duplicate:
	default:
		k.log.Info().
			Int64("sequence", receipt.Sequence).
			Str("feed", task.Feed).
			Int("positions", len(task.Keys)).
			Msg("positions liquidated")
	}
}

// Command builds the liquidation for a task. Its ID is derived from the
// triggering sequence so a re-delivered task is deduplicated.
func (k *Keeper) Command(task LiquidationTask) *event.LiquidatePositions {
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], uint64(task.Sequence))
	return &event.LiquidatePositions{
		Header: event.Header{
			CommandID: uuid.NewSHA1(keeperNamespace, seq[:]),
			CallerID:  k.account,
			Time:      task.Timestamp,
		},
		PositionKeys: task.Keys,
	}
}
