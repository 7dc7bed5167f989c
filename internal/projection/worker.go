package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"PerpVault/internal/core"
	"PerpVault/internal/event"
	"PerpVault/internal/observability"

	"github.com/rs/zerolog"
)

// WorkerID names the watermark row of the main projection worker.
const WorkerID = "main"

// ProjectionOutput is what the read models need from one core output.
type ProjectionOutput struct {
	Sequence  int64
	Command   string
	Timestamp time.Time
	Outcomes  []event.Outcome
	Delta     *core.StateDelta // nil for rejected commands
}

// FromCoreOutput converts a core output for the projection channel.
func FromCoreOutput(out core.CoreOutput) ProjectionOutput {
	return ProjectionOutput{
		Sequence:  out.Envelope.Sequence,
		Command:   out.Envelope.EventType.String(),
		Timestamp: out.Envelope.Timestamp,
		Outcomes:  out.Outcomes,
		Delta:     out.Delta,
	}
}

// ProjectionWorker maintains the read models from core outputs. The
// projection channel drops when full; every record in a delta is written
// as a full upsert so the next output touching it repairs a drop, and a
// gap in sequences is reported so the caller can rebuild.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan ProjectionOutput
	lastSeq   int64
	gaps      int64
	metrics   *observability.Metrics
	log       zerolog.Logger
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan ProjectionOutput, metrics *observability.Metrics) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		lastSeq:   -1,
		metrics:   metrics,
		log:       observability.NewLogger("projection"),
	}
}

// Resume sets the last applied sequence, read from the watermark.
func (pw *ProjectionWorker) Resume(lastSeq int64) {
	pw.lastSeq = lastSeq
}

// Gaps returns how many sequence gaps the worker has observed.
func (pw *ProjectionWorker) Gaps() int64 {
	return pw.gaps
}

// Run applies outputs until ctx is cancelled or the input closes.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			if err := pw.Apply(ctx, output); err != nil {
				// read models are eventually consistent and rebuildable
				pw.log.Warn().Err(err).Int64("sequence", output.Sequence).Msg("projection update failed")
			}
		}
	}
}

// Apply writes one output in a single transaction.
func (pw *ProjectionWorker) Apply(ctx context.Context, output ProjectionOutput) error {
	if output.Sequence <= pw.lastSeq {
		return nil
	}
	if pw.lastSeq >= 0 && output.Sequence != pw.lastSeq+1 {
		pw.gaps++
		pw.log.Error().
			Int64("expected", pw.lastSeq+1).
			Int64("got", output.Sequence).
			Msg("projection gap, rebuild recommended")
	}

	start := time.Now()
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if output.Delta != nil {
		if err := applyDelta(ctx, tx, output.Sequence, output.Delta); err != nil {
			return err
		}
		if err := appendHistory(ctx, tx, output); err != nil {
			return fmt.Errorf("position history: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $2, updated_at = NOW()
	`, WorkerID, output.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	pw.lastSeq = output.Sequence

	if pw.metrics != nil {
		pw.metrics.ProjectionUpdateDur.WithLabelValues(output.Command).Observe(time.Since(start).Seconds())
	}
	return nil
}

func applyDelta(ctx context.Context, tx *sql.Tx, seq int64, d *core.StateDelta) error {
	for _, b := range d.Balances {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (account_path, asset_id) DO UPDATE SET balance = $3, last_sequence = $4
		`, b.Account.AccountPath(), uint16(b.Account.AssetID), b.Balance, seq); err != nil {
			return fmt.Errorf("balance %s: %w", b.Account.AccountPath(), err)
		}
	}

	for _, p := range d.Positions {
		if p.Position == nil {
			if _, err := tx.ExecContext(ctx, `DELETE FROM projections.positions WHERE position_key = $1`, p.Key.String()); err != nil {
				return fmt.Errorf("delete position: %w", err)
			}
			continue
		}
		pos := p.Position
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.positions
				(position_key, account, product_id, is_long, margin, leverage, entry_price, oracle_price, timestamp, last_sequence)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (position_key) DO UPDATE SET
				margin = $5, leverage = $6, entry_price = $7, oracle_price = $8, timestamp = $9, last_sequence = $10
		`, p.Key.String(), pos.Account, int64(pos.ProductID), pos.IsLong, pos.Margin, pos.Leverage,
			pos.Price, pos.OraclePrice, pos.Timestamp, seq); err != nil {
			return fmt.Errorf("upsert position: %w", err)
		}
	}

	for _, p := range d.Products {
		if err := upsertJSON(ctx, tx, `
			INSERT INTO projections.products (product_id, data, last_sequence) VALUES ($1, $2, $3)
			ON CONFLICT (product_id) DO UPDATE SET data = $2, last_sequence = $3
		`, int64(p.ProductID), p, seq); err != nil {
			return fmt.Errorf("product %d: %w", p.ProductID, err)
		}
	}

	vault, err := json.Marshal(d.Vault)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.vault (id, data, protocol_reserve, last_sequence) VALUES (1, $1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET data = $1, protocol_reserve = $2, last_sequence = $3
	`, vault, d.ProtocolReserve, seq); err != nil {
		return fmt.Errorf("vault: %w", err)
	}

	for _, s := range d.Stakes {
		if s.Stake == nil {
			if _, err := tx.ExecContext(ctx, `DELETE FROM projections.stakes WHERE account = $1`, s.Account); err != nil {
				return fmt.Errorf("delete stake: %w", err)
			}
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.stakes (account, shares, amount, timestamp, last_sequence)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (account) DO UPDATE SET shares = $2, amount = $3, timestamp = $4, last_sequence = $5
		`, s.Account, s.Stake.Shares, s.Stake.Amount, s.Stake.Timestamp, seq); err != nil {
			return fmt.Errorf("upsert stake: %w", err)
		}
	}

	for _, ts := range d.TokenStakes {
		if ts.Amount == nil || ts.Amount.IsZero() {
			if _, err := tx.ExecContext(ctx, `DELETE FROM projections.token_stakes WHERE account = $1`, ts.Account); err != nil {
				return fmt.Errorf("delete token stake: %w", err)
			}
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.token_stakes (account, amount, last_sequence) VALUES ($1, $2, $3)
			ON CONFLICT (account) DO UPDATE SET amount = $2, last_sequence = $3
		`, ts.Account, ts.Amount.Dec(), seq); err != nil {
			return fmt.Errorf("upsert token stake: %w", err)
		}
	}

	for _, p := range d.Pools {
		if err := upsertJSON(ctx, tx, `
			INSERT INTO projections.reward_pools (pool_id, data, last_sequence) VALUES ($1, $2, $3)
			ON CONFLICT (pool_id) DO UPDATE SET data = $2, last_sequence = $3
		`, p.ID, p, seq); err != nil {
			return fmt.Errorf("pool %s: %w", p.ID, err)
		}
	}

	for _, a := range d.AccountRewards {
		data, err := json.Marshal(a.AccountReward)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.reward_accounts (pool_id, account, data, last_sequence) VALUES ($1, $2, $3, $4)
			ON CONFLICT (pool_id, account) DO UPDATE SET data = $3, last_sequence = $4
		`, a.PoolID, a.Account, data, seq); err != nil {
			return fmt.Errorf("reward account: %w", err)
		}
	}

	if d.Governance != nil {
		if err := upsertJSON(ctx, tx, `
			INSERT INTO projections.governance (id, data, last_sequence) VALUES ($1, $2, $3)
			ON CONFLICT (id) DO UPDATE SET data = $2, last_sequence = $3
		`, 1, d.Governance, seq); err != nil {
			return fmt.Errorf("governance: %w", err)
		}
	}
	return nil
}

func upsertJSON(ctx context.Context, tx *sql.Tx, query string, id interface{}, v interface{}, seq int64) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, query, id, data, seq)
	return err
}

func appendHistory(ctx context.Context, tx *sql.Tx, output ProjectionOutput) error {
	const insert = `
		INSERT INTO projections.position_history
			(sequence, position_key, account, product_id, is_long, kind, price, margin, fee, pnl, payout, liquidator, bounty, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (sequence, position_key) DO NOTHING`

	for _, o := range output.Outcomes {
		switch e := o.(type) {
		case *event.NewPositionEvent:
			kind := "open"
			if e.IsIncrease {
				kind = "increase"
			}
			if _, err := tx.ExecContext(ctx, insert,
				output.Sequence, e.PositionKey.String(), e.Account, int64(e.ProductID), e.IsLong, kind,
				e.ExecPrice, e.AddedMargin, e.Fee, int64(0), int64(0), nil, int64(0), output.Timestamp,
			); err != nil {
				return err
			}
		case *event.ClosePositionEvent:
			kind := "close"
			if e.IsLiquidation {
				kind = "liquidation"
			}
			if _, err := tx.ExecContext(ctx, insert,
				output.Sequence, e.PositionKey.String(), e.Account, int64(e.ProductID), e.IsLong, kind,
				e.ExecPrice, e.ClosedMargin, e.TotalFee, e.PnL, e.Payout, e.Liquidator, e.Bounty, output.Timestamp,
			); err != nil {
				return err
			}
		}
	}
	return nil
}

// Watermark returns the last sequence applied to the read models, or -1.
func Watermark(ctx context.Context, db *sql.DB) (int64, error) {
	var seq int64
	err := db.QueryRowContext(ctx,
		`SELECT last_sequence FROM projections.watermark WHERE worker_id = $1`, WorkerID,
	).Scan(&seq)
	if err == sql.ErrNoRows {
		return -1, nil
	}
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// Truncate empties every read model ahead of a rebuild.
func Truncate(ctx context.Context, db *sql.DB) error {
	tables := []string{
		"projections.balances",
		"projections.positions",
		"projections.position_history",
		"projections.products",
		"projections.vault",
		"projections.stakes",
		"projections.token_stakes",
		"projections.reward_pools",
		"projections.reward_accounts",
		"projections.governance",
	}
	for _, t := range tables {
		if _, err := db.ExecContext(ctx, "TRUNCATE "+t); err != nil {
			return fmt.Errorf("truncate %s: %w", t, err)
		}
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM projections.watermark WHERE worker_id = $1`, WorkerID); err != nil {
		return fmt.Errorf("reset watermark: %w", err)
	}
	return nil
}
