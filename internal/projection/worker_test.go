package projection_test

import (
	"context"
	"testing"
	"time"

	"PerpVault/internal/core"
	"PerpVault/internal/event"
	"PerpVault/internal/ledger"
	"PerpVault/internal/projection"
	"PerpVault/internal/state"
	"PerpVault/internal/testutil"

	"github.com/google/uuid"
)

const (
	e8 = int64(100_000_000)
	t0 = int64(1_700_000_000)
)

var (
	owner   = uuid.MustParse("7a6d0c44-1f2e-4b8a-9c3d-000000000001")
	manager = uuid.MustParse("7a6d0c44-1f2e-4b8a-9c3d-000000000002")
	trader  = uuid.MustParse("7a6d0c44-1f2e-4b8a-9c3d-000000000003")
)

// market drives a core and collects its projection outputs.
type market struct {
	t        *testing.T
	c        *core.DeterministicCore
	out      chan core.CoreOutput
	seq      int64
	priceSeq int64
	now      int64
}

func newMarket(t *testing.T) *market {
	t.Helper()
	g := core.DefaultGenesis(owner)
	g.Managers = []uuid.UUID{manager}
	p := state.DefaultProduct
	p.ProductID = 1
	p.Feed = "ETH-USD"
	p.MaxExposure = 10_000 * e8
	g.Products = []state.Product{p}

	out := make(chan core.CoreOutput, 64)
	c, err := core.NewDeterministicCore(g, 0, nil, out, nil, nil)
	if err != nil {
		t.Fatalf("new core: %v", err)
	}
	return &market{t: t, c: c, out: out, now: t0}
}

func (m *market) run(cmd event.Event, caller uuid.UUID) projection.ProjectionOutput {
	m.t.Helper()
	head := cmd.(event.Stamped).Head()
	head.CommandID = uuid.New()
	head.CallerID = caller
	head.Time = time.Unix(m.now, 0)
	if oracle, ok := cmd.(*event.OraclePrice); ok {
		m.priceSeq++
		oracle.PriceSequence = m.priceSeq
	} else {
		head.Sequence = m.seq
		m.seq++
	}
	if _, err := m.c.ProcessCommand(cmd); err != nil {
		m.t.Fatalf("process %s: %v", cmd.EventType(), err)
	}
	return projection.FromCoreOutput(<-m.out)
}

func (m *market) price(p int64) projection.ProjectionOutput {
	return m.run(&event.OraclePrice{Feed: "ETH-USD", Price: p}, manager)
}

// ============================================================================
// Test: conversion
// ============================================================================

func TestFromCoreOutput(t *testing.T) {
	m := newMarket(t)
	m.price(3000 * e8)

	out := m.run(&event.OpenPosition{Product: 1, Margin: 1 * e8, IsLong: true, Leverage: 10 * e8}, trader)

	if out.Sequence != 1 {
		t.Errorf("sequence: got %d, want 1", out.Sequence)
	}
	if out.Command != "OpenPosition" {
		t.Errorf("command: got %q, want OpenPosition", out.Command)
	}
	if out.Delta == nil {
		t.Fatal("accepted command should carry a delta")
	}
	if len(out.Delta.Positions) != 1 || out.Delta.Positions[0].Position == nil {
		t.Fatalf("delta positions: got %+v", out.Delta.Positions)
	}
	if len(out.Delta.Balances) == 0 {
		t.Error("delta should carry the balances the journals touched")
	}

	rejected := m.run(&event.ClosePosition{Product: 1, Margin: 1 * e8, IsLong: false}, trader)
	if rejected.Delta != nil {
		t.Error("rejected command should carry no delta")
	}
}

// ============================================================================
// Test: read models
// ============================================================================

func TestProjectionWorker_OpenAndClose(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	m := newMarket(t)
	pw := projection.NewProjectionWorker(db, nil, nil)

	apply := func(out projection.ProjectionOutput) {
		t.Helper()
		if err := pw.Apply(ctx, out); err != nil {
			t.Fatalf("apply %d: %v", out.Sequence, err)
		}
	}

	apply(m.price(3000 * e8))
	apply(m.run(&event.OpenPosition{Product: 1, Margin: 1 * e8, IsLong: true, Leverage: 10 * e8}, trader))

	var margin, leverage int64
	err := db.QueryRowContext(ctx,
		`SELECT margin, leverage FROM projections.positions WHERE account = $1`, trader,
	).Scan(&margin, &leverage)
	if err != nil {
		t.Fatalf("query position: %v", err)
	}
	if margin != 1*e8 || leverage != 10*e8 {
		t.Errorf("position: got margin %d leverage %d, want %d and %d", margin, leverage, 1*e8, 10*e8)
	}

	asset, _ := ledger.GetAssetID("USDC")
	marginPath := ledger.MarginAccount(trader, asset).AccountPath()
	var escrow int64
	if err := db.QueryRowContext(ctx,
		`SELECT balance FROM projections.balances WHERE account_path = $1`, marginPath,
	).Scan(&escrow); err != nil {
		t.Fatalf("query balance: %v", err)
	}
	if escrow != 1*e8 {
		t.Errorf("margin balance: got %d, want %d", escrow, 1*e8)
	}

	m.now += 3600
	apply(m.price(3100 * e8))
	apply(m.run(&event.ClosePosition{Product: 1, Margin: 1 * e8, IsLong: true}, trader))

	var open int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM projections.positions`).Scan(&open); err != nil {
		t.Fatalf("count positions: %v", err)
	}
	if open != 0 {
		t.Errorf("open positions after close: got %d, want 0", open)
	}

	rows, err := db.QueryContext(ctx,
		`SELECT kind FROM projections.position_history WHERE account = $1 ORDER BY sequence`, trader)
	if err != nil {
		t.Fatalf("query history: %v", err)
	}
	defer rows.Close()
	var kinds []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			t.Fatalf("scan: %v", err)
		}
		kinds = append(kinds, k)
	}
	if len(kinds) != 2 || kinds[0] != "open" || kinds[1] != "close" {
		t.Errorf("history: got %v, want [open close]", kinds)
	}

	wm, err := projection.Watermark(ctx, db)
	if err != nil {
		t.Fatalf("watermark: %v", err)
	}
	if wm != 3 {
		t.Errorf("watermark: got %d, want 3", wm)
	}
}

func TestProjectionWorker_SkipsAppliedAndCountsGaps(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	m := newMarket(t)
	pw := projection.NewProjectionWorker(db, nil, nil)

	first := m.price(3000 * e8)
	m.price(3001 * e8) // dropped
	third := m.price(3002 * e8)

	if err := pw.Apply(ctx, first); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := pw.Apply(ctx, third); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if pw.Gaps() != 1 {
		t.Errorf("gaps: got %d, want 1", pw.Gaps())
	}

	// replaying an older output must not move the watermark back
	if err := pw.Apply(ctx, first); err != nil {
		t.Fatalf("re-apply: %v", err)
	}
	wm, err := projection.Watermark(ctx, db)
	if err != nil {
		t.Fatalf("watermark: %v", err)
	}
	if wm != 2 {
		t.Errorf("watermark: got %d, want 2", wm)
	}

	if err := projection.Truncate(ctx, db); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	if wm, _ := projection.Watermark(ctx, db); wm != -1 {
		t.Errorf("watermark after truncate: got %d, want -1", wm)
	}
}
