package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeMarginLock JournalType = iota
	JournalTypeMarginRelease
	JournalTypeTradeFee
	JournalTypeTradePnL
	JournalTypeLiquidationForfeit
	JournalTypeLiquidationBounty
	JournalTypeVaultDeposit
	JournalTypeVaultRedeem
	JournalTypeRewardFund
	JournalTypeRewardClaim
	JournalTypeProtocolWithdraw
)

func (jt JournalType) String() string {
	switch jt {
	case JournalTypeMarginLock:
		return "margin_lock"
	case JournalTypeMarginRelease:
		return "margin_release"
	case JournalTypeTradeFee:
		return "trade_fee"
	case JournalTypeTradePnL:
		return "trade_pnl"
	case JournalTypeLiquidationForfeit:
		return "liquidation_forfeit"
	case JournalTypeLiquidationBounty:
		return "liquidation_bounty"
	case JournalTypeVaultDeposit:
		return "vault_deposit"
	case JournalTypeVaultRedeem:
		return "vault_redeem"
	case JournalTypeRewardFund:
		return "reward_fund"
	case JournalTypeRewardClaim:
		return "reward_claim"
	case JournalTypeProtocolWithdraw:
		return "protocol_withdraw"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID   // Deterministic: derived from the batch
	BatchID       uuid.UUID   // Groups balanced entries
	EventRef      string      // Idempotency key of source command
	Sequence      int64       // Global command sequence
	DebitAccount  AccountKey  // Account receiving debit (balance increases)
	CreditAccount AccountKey  // Account receiving credit (balance decreases)
	AssetID       AssetID     // Asset being transferred
	Amount        int64       // Fixed-point amount (ALWAYS positive)
	JournalType   JournalType // Entry type
	Timestamp     int64       // Command timestamp (epoch microseconds)
}

// Batch represents the balanced set of journal entries of one command
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed. Each entry moves one positive
// amount from its credit account to its debit account, so every entry is
// balanced by construction.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %d", j.JournalID, j.Amount)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		if j.DebitAccount.AssetID != j.AssetID || j.CreditAccount.AssetID != j.AssetID {
			return fmt.Errorf("journal %s mixes assets", j.JournalID)
		}
	}

	return nil
}

// NetFor returns the signed effect of the batch on one account.
func (b *Batch) NetFor(key AccountKey) int64 {
	var net int64
	for _, j := range b.Journals {
		if j.DebitAccount == key {
			net += j.Amount
		}
		if j.CreditAccount == key {
			net -= j.Amount
		}
	}
	return net
}
