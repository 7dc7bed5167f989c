package ledger_test

import (
	"testing"

	"PerpVault/internal/ledger"

	"github.com/google/uuid"
)

func usdc(t *testing.T) ledger.AssetID {
	t.Helper()
	id, ok := ledger.GetAssetID("USDC")
	if !ok {
		t.Fatal("USDC should be a known asset")
	}
	return id
}

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_MarginPath(t *testing.T) {
	userID := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	key := ledger.MarginAccount(userID, usdc(t))

	path := key.AccountPath()
	expected := "user:550e8400-e29b-41d4-a716-446655440000:margin:USDC"
	if path != expected {
		t.Errorf("got %q, want %q", path, expected)
	}
}

func TestAccountKey_SystemPaths(t *testing.T) {
	asset := usdc(t)
	cases := []struct {
		key  ledger.AccountKey
		want string
	}{
		{ledger.VaultAccount(asset), "system:vault:USDC"},
		{ledger.ProtocolReserveAccount(asset), "system:protocol_reserve:USDC"},
		{ledger.RewardPoolAccount("fee-stakers", asset), "system:reward_pool:fee-stakers:USDC"},
	}
	for _, tc := range cases {
		if got := tc.key.AccountPath(); got != tc.want {
			t.Errorf("got %q, want %q", got, tc.want)
		}
	}
}

func TestAccountKey_WalletIsExternal(t *testing.T) {
	userID := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	key := ledger.NewWalletAccountKey(userID, usdc(t))

	if !key.IsExternal() {
		t.Error("wallet account should be external")
	}
	if got := key.AccountPath(); got != "external:550e8400-e29b-41d4-a716-446655440000:wallet:USDC" {
		t.Errorf("unexpected path %q", got)
	}
}

// ============================================================================
// Test: JournalGenerator
// ============================================================================

func TestBatchBuilder_SkipsZeroAndReversesNegative(t *testing.T) {
	asset := usdc(t)
	gen := ledger.NewJournalGenerator(asset)
	user := uuid.New()

	b := gen.NewBatch("cmd-1", 7, 1_000)
	b.Transfer(ledger.NewWalletAccountKey(user, asset), ledger.MarginAccount(user, asset), 0, ledger.JournalTypeMarginLock)
	b.Transfer(ledger.VaultAccount(asset), ledger.NewWalletAccountKey(user, asset), -50, ledger.JournalTypeTradePnL)

	batch := b.Build()
	if batch == nil {
		t.Fatal("expected a batch")
	}
	if len(batch.Journals) != 1 {
		t.Fatalf("got %d journals, want 1", len(batch.Journals))
	}
	j := batch.Journals[0]
	if j.Amount != 50 {
		t.Errorf("amount: got %d, want 50", j.Amount)
	}
	if j.DebitAccount != ledger.VaultAccount(asset) {
		t.Errorf("negative transfer should credit the vault, debit=%s", j.DebitAccount.AccountPath())
	}
}

func TestBatchBuilder_DeterministicIDs(t *testing.T) {
	asset := usdc(t)
	gen := ledger.NewJournalGenerator(asset)
	user := uuid.New()

	build := func() *ledger.Batch {
		b := gen.NewBatch("cmd-42", 1, 1)
		b.Transfer(ledger.NewWalletAccountKey(user, asset), ledger.VaultAccount(asset), 10, ledger.JournalTypeVaultDeposit)
		return b.Build()
	}

	a, b := build(), build()
	if a.BatchID != b.BatchID || a.Journals[0].JournalID != b.Journals[0].JournalID {
		t.Error("batch and journal ids should be derived from the command")
	}
}

func TestBatchBuilder_EmptyBuildsNil(t *testing.T) {
	gen := ledger.NewJournalGenerator(usdc(t))
	if gen.NewBatch("cmd", 1, 1).Build() != nil {
		t.Error("empty builder should produce nil batch")
	}
}

// ============================================================================
// Test: BalanceTracker + InvariantValidator
// ============================================================================

func TestBalanceTracker_ZeroSum(t *testing.T) {
	asset := usdc(t)
	bt := ledger.NewBalanceTracker()
	v := ledger.NewInvariantValidator(bt)
	user := uuid.New()

	b := ledger.NewJournalGenerator(asset).NewBatch("cmd", 1, 1)
	b.Transfer(ledger.NewWalletAccountKey(user, asset), ledger.MarginAccount(user, asset), 100, ledger.JournalTypeMarginLock)
	b.Transfer(ledger.MarginAccount(user, asset), ledger.VaultAccount(asset), 30, ledger.JournalTypeTradePnL)
	batch := b.Build()

	if err := bt.ApplyBatch(batch); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if got := bt.GetMarginBalance(user, asset); got != 70 {
		t.Errorf("margin: got %d, want 70", got)
	}
	if got := bt.GetWalletBalance(user, asset); got != -100 {
		t.Errorf("wallet: got %d, want -100", got)
	}
	if err := v.ValidateGlobalBalance(); err != nil {
		t.Errorf("ledger should be zero-sum: %v", err)
	}
	if err := v.ValidateInternalNonNegative(batch); err != nil {
		t.Errorf("internal accounts should be non-negative: %v", err)
	}
	if err := v.ValidateMatches(ledger.VaultAccount(asset), 30); err != nil {
		t.Errorf("vault mismatch: %v", err)
	}
	if net := batch.NetFor(ledger.MarginAccount(user, asset)); net != 70 {
		t.Errorf("net margin effect: got %d, want 70", net)
	}
}

func TestInvariantValidator_DetectsOverdraft(t *testing.T) {
	asset := usdc(t)
	bt := ledger.NewBalanceTracker()
	v := ledger.NewInvariantValidator(bt)

	b := ledger.NewJournalGenerator(asset).NewBatch("cmd", 1, 1)
	b.Transfer(ledger.VaultAccount(asset), ledger.ProtocolReserveAccount(asset), 5, ledger.JournalTypeTradeFee)
	batch := b.Build()
	if err := bt.ApplyBatch(batch); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	if err := v.ValidateInternalNonNegative(batch); err == nil {
		t.Error("expected overdraft of the vault account to be reported")
	}
}

func TestBatch_ValidateRejectsSelfTransfer(t *testing.T) {
	asset := usdc(t)
	b := ledger.NewJournalGenerator(asset).NewBatch("cmd", 1, 1)
	b.Transfer(ledger.VaultAccount(asset), ledger.VaultAccount(asset), 5, ledger.JournalTypeTradeFee)

	if err := b.Build().Validate(); err == nil {
		t.Error("expected self-transfer to fail validation")
	}
}
