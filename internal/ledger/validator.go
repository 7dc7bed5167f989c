package ledger

import (
	"fmt"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is balanced
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateInternalNonNegative checks that no account inside the venue
// boundary is overdrawn. Wallets are external and may go negative.
func (v *InvariantValidator) ValidateInternalNonNegative(batch *Batch) error {
	seen := make(map[AccountKey]bool, len(batch.Journals)*2)
	for _, j := range batch.Journals {
		for _, key := range [2]AccountKey{j.DebitAccount, j.CreditAccount} {
			if seen[key] || key.IsExternal() {
				continue
			}
			seen[key] = true
			if err := v.tracker.ValidateNonNegative(key); err != nil {
				return err
			}
		}
	}
	return nil
}

// ValidateMatches checks that an account equals the figure its owning
// component reports.
func (v *InvariantValidator) ValidateMatches(key AccountKey, expected int64) error {
	if got := v.tracker.GetBalance(key); got != expected {
		return fmt.Errorf("account %s: ledger=%d component=%d", key.AccountPath(), got, expected)
	}
	return nil
}

// ValidateGlobalBalance verifies system is zero-sum
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()

	for assetID, total := range totals {
		if total != 0 {
			assetName, _ := GetAssetName(assetID)
			return fmt.Errorf("global balance for %s is non-zero: %d", assetName, total)
		}
	}

	return nil
}
