package persistence_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"PerpVault/internal/event"
	"PerpVault/internal/ledger"
	"PerpVault/internal/persistence"
	"PerpVault/internal/testutil"

	"github.com/google/uuid"
)

var alice = uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")

func envelope(seq int64, rejection string) *event.EventEnvelope {
	product := uint64(1)
	env := &event.EventEnvelope{
		Sequence:       seq,
		IdempotencyKey: uuid.NewSHA1(uuid.NameSpaceOID, []byte{byte(seq)}).String(),
		EventType:      event.EventTypeOpenPosition,
		ProductID:      &product,
		Timestamp:      time.Unix(1_700_000_000+seq, 0),
		SourceSequence: seq,
		Payload:        []byte(`{"margin":100000000}`),
		Rejection:      rejection,
	}
	env.StateHash[0] = byte(seq)
	env.PrevHash[0] = byte(seq - 1)
	if rejection == "" {
		env.Outcomes = []byte(`[{"type":"new_position","data":{}}]`)
	}
	return env
}

func marginBatch(t *testing.T, seq int64) *ledger.Batch {
	t.Helper()
	asset, ok := ledger.GetAssetID("USDC")
	if !ok {
		t.Fatal("USDC should be a known asset")
	}
	b := ledger.NewJournalGenerator(asset).NewBatch(fmt.Sprintf("ref-%d", seq), seq, 1_700_000_000_000_000)
	b.Transfer(ledger.NewWalletAccountKey(alice, asset), ledger.MarginAccount(alice, asset), 100_000_000, ledger.JournalTypeMarginLock)
	b.Transfer(ledger.NewWalletAccountKey(alice, asset), ledger.VaultAccount(asset), 1_000_000, ledger.JournalTypeTradeFee)
	return b.Build()
}

// ============================================================================
// Test: row conversion
// ============================================================================

func TestNewCoreOutput_Accepted(t *testing.T) {
	out := persistence.NewCoreOutput(envelope(3, ""), marginBatch(t, 3))

	row := out.EventRow
	if row.Sequence != 3 {
		t.Errorf("sequence: got %d, want 3", row.Sequence)
	}
	if row.EventType != "OpenPosition" {
		t.Errorf("event type: got %q, want OpenPosition", row.EventType)
	}
	if row.ProductID == nil || *row.ProductID != 1 {
		t.Errorf("product id: got %v, want 1", row.ProductID)
	}
	if row.Rejection != nil {
		t.Errorf("accepted command should have no rejection, got %q", *row.Rejection)
	}
	if len(row.StateHash) != 32 || row.StateHash[0] != 3 {
		t.Errorf("state hash not copied: %x", row.StateHash)
	}

	if len(out.JournalRows) != 2 {
		t.Fatalf("journals: got %d, want 2", len(out.JournalRows))
	}
	j := out.JournalRows[0]
	if j.DebitAccount != "user:550e8400-e29b-41d4-a716-446655440000:margin:USDC" {
		t.Errorf("debit account: got %q", j.DebitAccount)
	}
	if j.CreditAccount != "external:550e8400-e29b-41d4-a716-446655440000:wallet:USDC" {
		t.Errorf("credit account: got %q", j.CreditAccount)
	}
	if j.JournalType != "margin_lock" {
		t.Errorf("journal type: got %q, want margin_lock", j.JournalType)
	}
	if j.Sequence != 3 {
		t.Errorf("journal sequence: got %d, want 3", j.Sequence)
	}
}

func TestNewCoreOutput_Rejected(t *testing.T) {
	out := persistence.NewCoreOutput(envelope(4, "margin below minimum"), nil)

	if out.EventRow.Rejection == nil || *out.EventRow.Rejection != "margin below minimum" {
		t.Errorf("rejection: got %v", out.EventRow.Rejection)
	}
	if len(out.JournalRows) != 0 {
		t.Errorf("rejected command should carry no journals, got %d", len(out.JournalRows))
	}
}

// ============================================================================
// Test: Postgres (skipped without PERP_TEST_POSTGRES_DSN)
// ============================================================================

func TestPersistenceWorker_FlushesOnClose(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()

	in := make(chan persistence.CoreOutput, 8)
	worker := persistence.NewPersistenceWorker(persistence.NewEventLogWriter(db), in, 100, time.Hour, nil)
	var flushed int64 = -1
	worker.OnFlush(func(seq int64) { flushed = seq })

	in <- persistence.NewCoreOutput(envelope(0, ""), marginBatch(t, 0))
	in <- persistence.NewCoreOutput(envelope(1, "rejected"), nil)
	close(in)

	if err := worker.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if flushed != 1 {
		t.Errorf("last flushed: got %d, want 1", flushed)
	}

	var events, journals int
	if err := db.QueryRow(`SELECT COUNT(*) FROM event_log.events`).Scan(&events); err != nil {
		t.Fatalf("count events: %v", err)
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM event_log.journal`).Scan(&journals); err != nil {
		t.Fatalf("count journals: %v", err)
	}
	if events != 2 || journals != 2 {
		t.Errorf("got %d events and %d journals, want 2 and 2", events, journals)
	}
}

func TestWriter_RetriedBatchIsIdempotent(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	w := persistence.NewEventLogWriter(db)

	out := persistence.NewCoreOutput(envelope(0, ""), marginBatch(t, 0))
	for i := 0; i < 2; i++ {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		if err := w.WriteEventBatch(ctx, tx, []persistence.EventRow{out.EventRow}); err != nil {
			t.Fatalf("write events: %v", err)
		}
		if err := w.WriteJournalBatch(ctx, tx, out.JournalRows); err != nil {
			t.Fatalf("write journals: %v", err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatalf("commit: %v", err)
		}
	}

	var journals int
	if err := db.QueryRow(`SELECT COUNT(*) FROM event_log.journal`).Scan(&journals); err != nil {
		t.Fatalf("count: %v", err)
	}
	if journals != 2 {
		t.Errorf("got %d journals, want 2", journals)
	}
}

func TestPostgresIdempotencyChecker(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()

	out := persistence.NewCoreOutput(envelope(0, ""), nil)
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := persistence.NewEventLogWriter(db).WriteEventBatch(ctx, tx, []persistence.EventRow{out.EventRow}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	checker := persistence.NewPostgresIdempotencyChecker(db, nil)
	dup, err := checker.IsDuplicate("OpenPosition", out.EventRow.IdempotencyKey)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !dup {
		t.Error("logged command should be a duplicate")
	}
	dup, err = checker.IsDuplicate("ClosePosition", out.EventRow.IdempotencyKey)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if dup {
		t.Error("same key under another command type is not a duplicate")
	}
}

func TestSnapshotManager_VerifyAgainstLog(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	sm := persistence.NewSnapshotManager(db)

	if seq, err := sm.GetLatestSequence(ctx); err != nil || seq != -1 {
		t.Fatalf("empty log: got %d, %v; want -1", seq, err)
	}

	in := make(chan persistence.CoreOutput, 4)
	for seq := int64(0); seq < 3; seq++ {
		in <- persistence.NewCoreOutput(envelope(seq, ""), marginBatch(t, seq))
	}
	close(in)
	if err := persistence.NewPersistenceWorker(persistence.NewEventLogWriter(db), in, 10, time.Hour, nil).Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	good := envelope(1, "")
	if err := sm.SaveSnapshot(ctx, persistence.SnapshotRecord{Sequence: 1, StateHash: good.StateHash[:], Data: []byte(`{"sequence":1}`)}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := sm.SaveSnapshot(ctx, persistence.SnapshotRecord{Sequence: 2, StateHash: make([]byte, 32), Data: []byte(`{"sequence":2}`)}); err != nil {
		t.Fatalf("save: %v", err)
	}

	n, err := sm.VerifyPending(ctx)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if n != 1 {
		t.Errorf("verified: got %d, want 1", n)
	}

	snap, err := sm.LoadLatestSnapshot(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if snap == nil || snap.Sequence != 1 {
		t.Fatalf("latest verified snapshot: got %+v, want sequence 1", snap)
	}

	events, err := sm.LoadEventsFrom(ctx, snap.Sequence+1, 100)
	if err != nil {
		t.Fatalf("load events: %v", err)
	}
	if len(events) != 1 || events[0].Sequence != 2 {
		t.Fatalf("replay tail: got %d events", len(events))
	}
	if events[0].ProductID == nil || *events[0].ProductID != 1 {
		t.Errorf("product id lost in round trip")
	}

	journals, err := sm.LoadJournalsFor(ctx, 0, 2)
	if err != nil {
		t.Fatalf("load journals: %v", err)
	}
	if len(journals) != 6 {
		t.Errorf("journals: got %d, want 6", len(journals))
	}

	keys, err := sm.RecentIdempotencyKeys(ctx, 2)
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 2 || keys[1] != "OpenPosition:"+envelope(2, "").IdempotencyKey {
		t.Errorf("recent keys: got %v", keys)
	}
}

func TestMigrator_StatusAfterUp(t *testing.T) {
	db := testutil.SetupTestDB(t)

	status, err := persistence.NewMigrator(db, testutil.MigrationsDir(t)).Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(status) < 2 {
		t.Fatalf("got %d migrations, want at least 2", len(status))
	}
	for _, s := range status {
		if !s.Applied {
			t.Errorf("migration %s not applied", s.Filename)
		}
	}
	if status[0].Version != "000001" {
		t.Errorf("first version: got %q, want 000001", status[0].Version)
	}
}
