// Package recovery rebuilds in-memory and read-model state from the
// event log.
package recovery

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"PerpVault/internal/core"
	"PerpVault/internal/event"
	"PerpVault/internal/ingestion"
	"PerpVault/internal/observability"
	"PerpVault/internal/persistence"
	"PerpVault/internal/projection"
)

// replayPageSize is how many log rows are loaded per query.
const replayPageSize = 1000

// ErrDivergence means replaying a logged command produced a different
// state hash than the one recorded with it.
var ErrDivergence = errors.New("replay diverged from event log")

// Gate wraps the Postgres dedup tier so it can stay closed while the log
// is replayed. Every logged command is in the table, so an open tier would
// mark the whole replay as duplicates.
type Gate struct {
	inner core.DBIdempotencyChecker
	open  atomic.Bool
}

func NewGate(inner core.DBIdempotencyChecker) *Gate {
	return &Gate{inner: inner}
}

// Open enables the wrapped checker.
func (g *Gate) Open() {
	g.open.Store(true)
}

func (g *Gate) IsDuplicate(eventType, idempotencyKey string) (bool, error) {
	if !g.open.Load() || g.inner == nil {
		return false, nil
	}
	return g.inner.IsDuplicate(eventType, idempotencyKey)
}

// Restore loads the latest verified snapshot into c. It returns the
// snapshot's sequence, or -1 when the core starts from genesis.
func Restore(ctx context.Context, sm *persistence.SnapshotManager, c *core.DeterministicCore) (int64, error) {
	log := observability.NewLogger("recovery")

	rec, err := sm.LoadLatestSnapshot(ctx)
	if err != nil {
		return 0, fmt.Errorf("load snapshot: %w", err)
	}
	if rec == nil {
		log.Info().Msg("no verified snapshot, starting from genesis")
		return -1, nil
	}

	var snap core.SnapshotState
	if err := json.Unmarshal(rec.Data, &snap); err != nil {
		return 0, fmt.Errorf("decode snapshot %d: %w", rec.Sequence, err)
	}
	if !bytes.Equal(snap.StateHash[:], rec.StateHash) {
		return 0, fmt.Errorf("snapshot %d: stored hash does not match payload", rec.Sequence)
	}
	c.RestoreFromSnapshot(&snap)
	return snap.Sequence, nil
}

// Replay feeds every logged command after fromSequence through c and
// checks each resulting state hash against the log. It returns the number
// of commands replayed.
func Replay(ctx context.Context, sm *persistence.SnapshotManager, c *core.DeterministicCore, fromSequence int64) (int64, error) {
	log := observability.NewLogger("recovery")

	var replayed int64
	next := fromSequence + 1
	for {
		rows, err := sm.LoadEventsFrom(ctx, next, replayPageSize)
		if err != nil {
			return replayed, fmt.Errorf("load events from %d: %w", next, err)
		}
		for _, row := range rows {
			if err := ctx.Err(); err != nil {
				return replayed, err
			}
			if err := replayRow(c, row); err != nil {
				return replayed, err
			}
			replayed++
			next = row.Sequence + 1
		}
		if len(rows) < replayPageSize {
			break
		}
	}

	if replayed > 0 {
		log.Info().
			Int64("from", fromSequence+1).
			Int64("to", next-1).
			Int64("commands", replayed).
			Msg("event log replayed")
	}
	return replayed, nil
}

func replayRow(c *core.DeterministicCore, row persistence.EventRow) error {
	if row.Sequence != c.GetSequence() {
		return fmt.Errorf("%w: log has sequence %d, core expects %d", ErrDivergence, row.Sequence, c.GetSequence())
	}
	et, ok := event.EventTypeFromName(row.EventType)
	if !ok {
		return fmt.Errorf("sequence %d: unknown event type %q", row.Sequence, row.EventType)
	}
	cmd, err := ingestion.DecodeCommand(et, row.Payload)
	if err != nil {
		return fmt.Errorf("sequence %d: %w", row.Sequence, err)
	}

	receipt, err := c.ProcessCommand(cmd)
	if err != nil {
		return fmt.Errorf("%w: sequence %d: %v", ErrDivergence, row.Sequence, err)
	}
	if receipt.Duplicate {
		return fmt.Errorf("%w: sequence %d replayed as duplicate", ErrDivergence, row.Sequence)
	}
	if !bytes.Equal(receipt.StateHash[:], row.StateHash) {
		return fmt.Errorf("%w: state hash mismatch at sequence %d", ErrDivergence, row.Sequence)
	}
	return nil
}

// RebuildProjections empties the read models and replays the whole log
// through a scratch core, applying each output synchronously.
func RebuildProjections(ctx context.Context, db *sql.DB, genesis core.Genesis, metrics *observability.Metrics) (int64, error) {
	if err := projection.Truncate(ctx, db); err != nil {
		return 0, err
	}

	outputs := make(chan core.CoreOutput, 1)
	scratch, err := core.NewDeterministicCore(genesis, 0, nil, outputs, nil, nil)
	if err != nil {
		return 0, fmt.Errorf("scratch core: %w", err)
	}
	worker := projection.NewProjectionWorker(db, nil, metrics)
	sm := persistence.NewSnapshotManager(db)

	var applied int64
	next := int64(0)
	for {
		rows, err := sm.LoadEventsFrom(ctx, next, replayPageSize)
		if err != nil {
			return applied, fmt.Errorf("load events from %d: %w", next, err)
		}
		for _, row := range rows {
			if err := replayRow(scratch, row); err != nil {
				return applied, err
			}
			out := <-outputs
			if err := worker.Apply(ctx, projection.FromCoreOutput(out)); err != nil {
				return applied, fmt.Errorf("apply sequence %d: %w", row.Sequence, err)
			}
			applied++
			next = row.Sequence + 1
		}
		if len(rows) < replayPageSize {
			break
		}
	}

	log := observability.NewLogger("recovery")
	log.Info().Int64("sequence", next-1).Msg("projections rebuilt")
	return applied, nil
}
