package query

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"PerpVault/internal/event"
	"PerpVault/internal/ledger"
	"PerpVault/internal/projection"
	"PerpVault/internal/reward"
	"PerpVault/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidQuery = errors.New("invalid query")
)

// MaxHistoryLimit caps paginated history queries.
const MaxHistoryLimit = 500

// QueryService provides read-only access to projection tables. Every
// response carries as_of_sequence, the last command the read models
// reflect.
type QueryService struct {
	db    *sql.DB
	cache *Cache
}

// NewQueryService builds the service; cache may be nil.
func NewQueryService(db *sql.DB, cache *Cache) *QueryService {
	return &QueryService{db: db, cache: cache}
}

// GetPosition returns the position stored under key.
func (qs *QueryService) GetPosition(ctx context.Context, key event.PositionKey) (*PositionResponse, error) {
	return cached(ctx, qs.cache, "position:"+key.String(), func() (*PositionResponse, error) {
		asOfSeq, err := qs.getWatermark(ctx)
		if err != nil {
			return nil, fmt.Errorf("watermark: %w", err)
		}
		p, err := scanPosition(qs.db.QueryRowContext(ctx, positionSelect+` WHERE position_key = $1`, key.String()))
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("position %s: %w", key, ErrNotFound)
		}
		if err != nil {
			return nil, err
		}
		p.AsOfSequence = asOfSeq
		return p, nil
	})
}

// GetPositions looks up several keys at once, preserving their order.
func (qs *QueryService) GetPositions(ctx context.Context, keys []event.PositionKey) ([]PositionLookup, error) {
	out := make([]PositionLookup, 0, len(keys))
	for _, key := range keys {
		p, err := qs.GetPosition(ctx, key)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		out = append(out, PositionLookup{Key: key.String(), Position: p})
	}
	return out, nil
}

// GetPositionsByAccount returns every open position of an account.
func (qs *QueryService) GetPositionsByAccount(ctx context.Context, account uuid.UUID) ([]PositionResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, positionSelect+`
		WHERE account = $1
		ORDER BY product_id, is_long DESC
	`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []PositionResponse
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		p.AsOfSequence = asOfSeq
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

// GetPositionHistory returns an account's position events, newest first.
// beforeSequence pages backwards.
func (qs *QueryService) GetPositionHistory(
	ctx context.Context,
	account uuid.UUID,
	limit int,
	beforeSequence *int64,
) ([]PositionHistoryEntry, error) {
	limit = clampLimit(limit)

	query := `
		SELECT sequence, position_key, product_id, is_long, kind, price, margin,
		       fee, pnl, payout, liquidator, bounty, created_at
		FROM projections.position_history
		WHERE account = $1
	`
	args := []interface{}{account}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []PositionHistoryEntry
	for rows.Next() {
		var h PositionHistoryEntry
		var productID int64
		var liquidator uuid.NullUUID
		if err := rows.Scan(
			&h.Sequence, &h.PositionKey, &productID, &h.IsLong, &h.Kind, &h.Price, &h.Margin,
			&h.Fee, &h.PnL, &h.Payout, &liquidator, &h.Bounty, &h.CreatedAt,
		); err != nil {
			return nil, err
		}
		h.ProductID = uint64(productID)
		if liquidator.Valid {
			id := liquidator.UUID
			h.Liquidator = &id
		}
		history = append(history, h)
	}
	return history, rows.Err()
}

// GetVault returns the vault and the protocol reserve.
func (qs *QueryService) GetVault(ctx context.Context) (*VaultResponse, error) {
	return cached(ctx, qs.cache, "vault", func() (*VaultResponse, error) {
		v, err := qs.loadVault(ctx)
		if err != nil {
			return nil, err
		}
		v.AsOfSequence, err = qs.getWatermark(ctx)
		return v, err
	})
}

func (qs *QueryService) loadVault(ctx context.Context) (*VaultResponse, error) {
	var data []byte
	v := &VaultResponse{}
	err := qs.db.QueryRowContext(ctx,
		`SELECT data, protocol_reserve FROM projections.vault WHERE id = 1`,
	).Scan(&data, &v.ProtocolReserve)
	if errors.Is(err, sql.ErrNoRows) {
		// no command applied yet
		return v, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &v.Vault); err != nil {
		return nil, fmt.Errorf("decode vault: %w", err)
	}
	return v, nil
}

// GetStake returns an account's vault stake; zero when it holds none.
func (qs *QueryService) GetStake(ctx context.Context, account uuid.UUID) (*StakeResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}
	s := &StakeResponse{Account: account, AsOfSequence: asOfSeq}
	err = qs.db.QueryRowContext(ctx,
		`SELECT shares, amount, timestamp FROM projections.stakes WHERE account = $1`, account,
	).Scan(&s.Shares, &s.Amount, &s.Timestamp)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return s, nil
}

// GetProducts returns the product catalog ordered by id.
func (qs *QueryService) GetProducts(ctx context.Context) (*ProductsResponse, error) {
	return cached(ctx, qs.cache, "products", func() (*ProductsResponse, error) {
		asOfSeq, err := qs.getWatermark(ctx)
		if err != nil {
			return nil, err
		}
		rows, err := qs.db.QueryContext(ctx, `SELECT data FROM projections.products ORDER BY product_id`)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		resp := &ProductsResponse{Products: []state.Product{}, AsOfSequence: asOfSeq}
		for rows.Next() {
			var data []byte
			if err := rows.Scan(&data); err != nil {
				return nil, err
			}
			var p state.Product
			if err := json.Unmarshal(data, &p); err != nil {
				return nil, fmt.Errorf("decode product: %w", err)
			}
			resp.Products = append(resp.Products, p)
		}
		return resp, rows.Err()
	})
}

// GetPendingReward returns what a pool still has to stream after at. A nil
// at means the time of the last applied command.
func (qs *QueryService) GetPendingReward(ctx context.Context, poolID string, at *int64) (*RewardResponse, error) {
	pool, err := qs.loadPool(ctx, poolID)
	if err != nil {
		return nil, err
	}
	now, asOfSeq, err := qs.resolveTime(ctx, at)
	if err != nil {
		return nil, err
	}
	shares, err := qs.loadShares(ctx, pool.Source, uuid.Nil)
	if err != nil {
		return nil, err
	}
	view := reward.NewPoolView(*pool, nil, shares)
	return &RewardResponse{
		PoolID:       poolID,
		Amount:       view.Pending(now).Dec(),
		At:           now,
		AsOfSequence: asOfSeq,
	}, nil
}

// GetEarned returns an account's claimable reward in a pool at at.
func (qs *QueryService) GetEarned(ctx context.Context, poolID string, account uuid.UUID, at *int64) (*RewardResponse, error) {
	pool, err := qs.loadPool(ctx, poolID)
	if err != nil {
		return nil, err
	}
	now, asOfSeq, err := qs.resolveTime(ctx, at)
	if err != nil {
		return nil, err
	}

	accounts, err := qs.loadRewardAccount(ctx, poolID, account)
	if err != nil {
		return nil, err
	}
	shares, err := qs.loadShares(ctx, pool.Source, account)
	if err != nil {
		return nil, err
	}

	view := reward.NewPoolView(*pool, accounts, shares)
	return &RewardResponse{
		PoolID:       poolID,
		Account:      &account,
		Amount:       view.Earned(account, now).Dec(),
		At:           now,
		AsOfSequence: asOfSeq,
	}, nil
}

func (qs *QueryService) loadPool(ctx context.Context, poolID string) (*reward.Pool, error) {
	var data []byte
	err := qs.db.QueryRowContext(ctx,
		`SELECT data FROM projections.reward_pools WHERE pool_id = $1`, poolID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("reward pool %q: %w", poolID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var p reward.Pool
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode pool %q: %w", poolID, err)
	}
	return &p, nil
}

func (qs *QueryService) loadRewardAccount(ctx context.Context, poolID string, account uuid.UUID) ([]reward.AccountReward, error) {
	var data []byte
	err := qs.db.QueryRowContext(ctx,
		`SELECT data FROM projections.reward_accounts WHERE pool_id = $1 AND account = $2`, poolID, account,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var a reward.AccountReward
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decode reward account: %w", err)
	}
	return []reward.AccountReward{a}, nil
}

// loadShares freezes the share source of a pool for one account.
func (qs *QueryService) loadShares(ctx context.Context, kind reward.SourceKind, account uuid.UUID) (reward.FixedShares, error) {
	shares := reward.FixedShares{Holdings: make(map[uuid.UUID]*uint256.Int, 1)}

	switch kind {
	case reward.SourceVaultShares:
		v, err := qs.loadVault(ctx)
		if err != nil {
			return shares, err
		}
		shares.Total = uint256.NewInt(uint64(v.Shares))
		var held int64
		err = qs.db.QueryRowContext(ctx,
			`SELECT shares FROM projections.stakes WHERE account = $1`, account,
		).Scan(&held)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return shares, err
		}
		shares.Holdings[account] = uint256.NewInt(uint64(held))

	case reward.SourceTokenStakes:
		var total, held string
		if err := qs.db.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(amount), 0)::TEXT,
			       COALESCE(SUM(amount) FILTER (WHERE account = $1), 0)::TEXT
			FROM projections.token_stakes
		`, account).Scan(&total, &held); err != nil {
			return shares, err
		}
		t, err := uint256.FromDecimal(total)
		if err != nil {
			return shares, fmt.Errorf("token stake total: %w", err)
		}
		h, err := uint256.FromDecimal(held)
		if err != nil {
			return shares, fmt.Errorf("token stake: %w", err)
		}
		shares.Total = t
		shares.Holdings[account] = h

	default:
		return shares, fmt.Errorf("source %q: %w", kind, ErrInvalidQuery)
	}
	return shares, nil
}

// GetBalance returns an account's margin escrow and wallet flow in asset.
func (qs *QueryService) GetBalance(ctx context.Context, account uuid.UUID, asset string) (*BalanceResponse, error) {
	assetID, ok := ledger.GetAssetID(asset)
	if !ok {
		return nil, fmt.Errorf("asset %q: %w", asset, ErrInvalidQuery)
	}
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	escrow, err := qs.getProjectedBalance(ctx, ledger.MarginAccount(account, assetID).AccountPath())
	if err != nil {
		return nil, err
	}
	wallet, err := qs.getProjectedBalance(ctx, ledger.NewWalletAccountKey(account, assetID).AccountPath())
	if err != nil {
		return nil, err
	}

	return &BalanceResponse{
		Account:       account,
		Asset:         asset,
		MarginEscrow:  escrow,
		WalletNetFlow: wallet,
		AsOfSequence:  asOfSeq,
	}, nil
}

// GetJournalHistory returns the journal entries touching an account,
// newest first.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	account uuid.UUID,
	limit int,
	beforeSequence *int64,
) ([]JournalHistoryEntry, error) {
	limit = clampLimit(limit)
	pattern := fmt.Sprintf("%%:%s:%%", account)

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset_id, amount, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{pattern}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.AssetID, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity in the log and that
// projected balances sum to zero per asset.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash != e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT asset_id, SUM(balance) AS total
		FROM projections.balances
		GROUP BY asset_id
		HAVING SUM(balance) != 0
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var assetID uint16
		var total int64
		if err := balanceRows.Scan(&assetID, &total); err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, UnbalancedAsset{
			AssetID:   assetID,
			Imbalance: total,
		})
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	report.AsOfSequence, err = qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}
	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedAssets) == 0
	return report, nil
}

// --- helpers ---

const positionSelect = `
	SELECT position_key, account, product_id, is_long, margin, leverage,
	       entry_price, oracle_price, timestamp
	FROM projections.positions`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPosition(row rowScanner) (*PositionResponse, error) {
	var p PositionResponse
	var productID int64
	if err := row.Scan(
		&p.Key, &p.Account, &productID, &p.IsLong, &p.Margin, &p.Leverage,
		&p.EntryPrice, &p.OraclePrice, &p.Timestamp,
	); err != nil {
		return nil, err
	}
	p.ProductID = uint64(productID)
	return &p, nil
}

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	return projection.Watermark(ctx, qs.db)
}

// resolveTime returns at, or the command time of the last applied
// command when at is nil.
func (qs *QueryService) resolveTime(ctx context.Context, at *int64) (int64, int64, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return 0, 0, err
	}
	if at != nil {
		return *at, asOfSeq, nil
	}
	var ts time.Time
	err = qs.db.QueryRowContext(ctx,
		`SELECT timestamp FROM event_log.events WHERE sequence = $1`, asOfSeq,
	).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, asOfSeq, nil
	}
	if err != nil {
		return 0, 0, err
	}
	return ts.Unix(), asOfSeq, nil
}

func (qs *QueryService) getProjectedBalance(ctx context.Context, accountPath string) (int64, error) {
	var balance int64
	err := qs.db.QueryRowContext(ctx,
		`SELECT balance FROM projections.balances WHERE account_path = $1`, accountPath,
	).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return balance, err
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return limit
}

// ParseAt reads an optional unix-seconds query parameter.
func ParseAt(raw string) (*int64, error) {
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("at %q: %w", raw, ErrInvalidQuery)
	}
	return &v, nil
}
