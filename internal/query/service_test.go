package query_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"PerpVault/internal/core"
	"PerpVault/internal/event"
	"PerpVault/internal/projection"
	"PerpVault/internal/query"
	"PerpVault/internal/reward"
	"PerpVault/internal/state"
	"PerpVault/internal/testutil"

	"github.com/google/uuid"
)

const (
	e8 = int64(100_000_000)
	t0 = int64(1_700_000_000)
)

var (
	owner   = uuid.MustParse("5e0b9a12-6c3f-4d21-8e7a-000000000001")
	manager = uuid.MustParse("5e0b9a12-6c3f-4d21-8e7a-000000000002")
	trader  = uuid.MustParse("5e0b9a12-6c3f-4d21-8e7a-000000000003")
	staker  = uuid.MustParse("5e0b9a12-6c3f-4d21-8e7a-000000000004")
)

// fixture runs commands through a core and applies every output to the
// read models before returning.
type fixture struct {
	t        *testing.T
	db       *sql.DB
	c        *core.DeterministicCore
	out      chan core.CoreOutput
	pw       *projection.ProjectionWorker
	qs       *query.QueryService
	seq      int64
	priceSeq int64
	now      int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.SetupTestDB(t)

	g := core.DefaultGenesis(owner)
	g.Managers = []uuid.UUID{manager}
	p := state.DefaultProduct
	p.ProductID = 1
	p.Feed = "ETH-USD"
	p.MaxExposure = 10_000 * e8
	g.Products = []state.Product{p}

	out := make(chan core.CoreOutput, 1)
	c, err := core.NewDeterministicCore(g, 0, nil, out, nil, nil)
	if err != nil {
		t.Fatalf("new core: %v", err)
	}
	return &fixture{
		t:   t,
		db:  db,
		c:   c,
		out: out,
		pw:  projection.NewProjectionWorker(db, nil, nil),
		qs:  query.NewQueryService(db, nil),
		now: t0,
	}
}

func (f *fixture) run(cmd event.Event, caller uuid.UUID) {
	f.t.Helper()
	head := cmd.(event.Stamped).Head()
	head.CommandID = uuid.New()
	head.CallerID = caller
	head.Time = time.Unix(f.now, 0)
	if oracle, ok := cmd.(*event.OraclePrice); ok {
		f.priceSeq++
		oracle.PriceSequence = f.priceSeq
	} else {
		head.Sequence = f.seq
		f.seq++
	}
	r, err := f.c.ProcessCommand(cmd)
	if err != nil {
		f.t.Fatalf("process %s: %v", cmd.EventType(), err)
	}
	if r.Rejection != nil {
		f.t.Fatalf("%s rejected: %v", cmd.EventType(), r.Rejection)
	}
	if err := f.pw.Apply(context.Background(), projection.FromCoreOutput(<-f.out)); err != nil {
		f.t.Fatalf("apply: %v", err)
	}
}

func (f *fixture) trade() {
	f.run(&event.Stake{Amount: 100 * e8, Recipient: staker}, owner)
	f.run(&event.OraclePrice{Feed: "ETH-USD", Price: 3000 * e8}, manager)
	f.run(&event.OpenPosition{Product: 1, Margin: 2 * e8, IsLong: true, Leverage: 10 * e8}, trader)
}

// ============================================================================
// Test: positions
// ============================================================================

func TestGetPosition(t *testing.T) {
	f := newFixture(t)
	f.trade()
	ctx := context.Background()

	key := event.DerivePositionKey(trader, 1, true)
	p, err := f.qs.GetPosition(ctx, key)
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if p.Account != trader || p.Margin != 2*e8 || !p.IsLong {
		t.Errorf("unexpected position %+v", p)
	}
	if p.AsOfSequence != 2 {
		t.Errorf("as of: got %d, want 2", p.AsOfSequence)
	}

	_, err = f.qs.GetPosition(ctx, event.DerivePositionKey(trader, 1, false))
	if !errors.Is(err, query.ErrNotFound) {
		t.Errorf("missing position: got %v, want ErrNotFound", err)
	}

	lookups, err := f.qs.GetPositions(ctx, []event.PositionKey{
		event.DerivePositionKey(trader, 1, false),
		key,
	})
	if err != nil {
		t.Fatalf("get positions: %v", err)
	}
	if len(lookups) != 2 || lookups[0].Position != nil || lookups[1].Position == nil {
		t.Errorf("lookups: got %+v", lookups)
	}

	byAccount, err := f.qs.GetPositionsByAccount(ctx, trader)
	if err != nil {
		t.Fatalf("by account: %v", err)
	}
	if len(byAccount) != 1 || byAccount[0].Key != key.String() {
		t.Errorf("by account: got %+v", byAccount)
	}

	history, err := f.qs.GetPositionHistory(ctx, trader, 10, nil)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].Kind != "open" || history[0].Fee != 2_000_000 {
		t.Errorf("history: got %+v", history)
	}
}

// ============================================================================
// Test: vault and balances
// ============================================================================

func TestGetVaultStakeAndBalance(t *testing.T) {
	f := newFixture(t)
	f.trade()
	ctx := context.Background()

	v, err := f.qs.GetVault(ctx)
	if err != nil {
		t.Fatalf("get vault: %v", err)
	}
	live := f.c.Vault().Vault()
	if v.Balance != live.Balance || v.Shares != live.Shares {
		t.Errorf("vault: got balance %d shares %d, want %d and %d", v.Balance, v.Shares, live.Balance, live.Shares)
	}
	if v.ProtocolReserve != f.c.Fees().ProtocolReserve() {
		t.Errorf("reserve: got %d, want %d", v.ProtocolReserve, f.c.Fees().ProtocolReserve())
	}

	s, err := f.qs.GetStake(ctx, staker)
	if err != nil {
		t.Fatalf("get stake: %v", err)
	}
	if s.Shares != 100*e8 {
		t.Errorf("shares: got %d, want %d", s.Shares, 100*e8)
	}
	none, err := f.qs.GetStake(ctx, trader)
	if err != nil {
		t.Fatalf("get stake: %v", err)
	}
	if none.Shares != 0 {
		t.Errorf("non-staker shares: got %d, want 0", none.Shares)
	}

	b, err := f.qs.GetBalance(ctx, trader, "USDC")
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if b.MarginEscrow != 2*e8 {
		t.Errorf("escrow: got %d, want %d", b.MarginEscrow, 2*e8)
	}
	if b.WalletNetFlow != -(2*e8 + 2_000_000) {
		t.Errorf("wallet: got %d, want %d", b.WalletNetFlow, -(2*e8 + 2_000_000))
	}

	if _, err := f.qs.GetBalance(ctx, trader, "DOGE"); !errors.Is(err, query.ErrInvalidQuery) {
		t.Errorf("unknown asset: got %v, want ErrInvalidQuery", err)
	}

	report, err := f.qs.VerifyIntegrity(ctx)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if len(report.UnbalancedAssets) != 0 {
		t.Errorf("projected balances do not sum to zero: %+v", report.UnbalancedAssets)
	}

	products, err := f.qs.GetProducts(ctx)
	if err != nil {
		t.Fatalf("products: %v", err)
	}
	if len(products.Products) != 1 || products.Products[0].OpenInterestLong == 0 {
		t.Errorf("products: got %+v", products.Products)
	}
}

// ============================================================================
// Test: rewards
// ============================================================================

func TestGetEarned_MatchesCore(t *testing.T) {
	f := newFixture(t)
	f.trade()
	ctx := context.Background()

	at := t0 + reward.DefaultDuration/2
	got, err := f.qs.GetEarned(ctx, state.DepositorFeePoolID, staker, &at)
	if err != nil {
		t.Fatalf("earned: %v", err)
	}
	want, err := f.c.Rewards().Earned(state.DepositorFeePoolID, staker, at)
	if err != nil {
		t.Fatalf("core earned: %v", err)
	}
	if got.Amount != want.Dec() {
		t.Errorf("earned: got %s, want %s", got.Amount, want.Dec())
	}

	pool, err := f.c.Rewards().Pool(state.DepositorFeePoolID)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	pending, err := f.qs.GetPendingReward(ctx, state.DepositorFeePoolID, &at)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if pending.Amount != pool.Pending(at).Dec() {
		t.Errorf("pending: got %s, want %s", pending.Amount, pool.Pending(at).Dec())
	}

	if _, err := f.qs.GetEarned(ctx, "nope", staker, nil); !errors.Is(err, query.ErrNotFound) {
		t.Errorf("unknown pool: got %v, want ErrNotFound", err)
	}
}

func TestParseAt(t *testing.T) {
	at, err := query.ParseAt("")
	if err != nil || at != nil {
		t.Errorf("empty: got (%v, %v), want (nil, nil)", at, err)
	}
	at, err = query.ParseAt("1700000000")
	if err != nil || at == nil || *at != 1_700_000_000 {
		t.Errorf("valid: got (%v, %v)", at, err)
	}
	if _, err := query.ParseAt("soon"); !errors.Is(err, query.ErrInvalidQuery) {
		t.Errorf("invalid: got %v, want ErrInvalidQuery", err)
	}
}
