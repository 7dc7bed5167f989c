package query

import (
	"time"

	"PerpVault/internal/state"

	"github.com/google/uuid"
)

// PositionResponse represents a position for API queries.
type PositionResponse struct {
	Key          string    `json:"key"`
	Account      uuid.UUID `json:"account"`
	ProductID    uint64    `json:"product_id"`
	IsLong       bool      `json:"is_long"`
	Margin       int64     `json:"margin"`
	Leverage     int64     `json:"leverage"`
	EntryPrice   int64     `json:"entry_price"`
	OraclePrice  int64     `json:"oracle_price"`
	Timestamp    int64     `json:"timestamp"`
	AsOfSequence int64     `json:"as_of_sequence"`
}

// PositionLookup is one entry of a batch lookup; Position is nil when no
// position exists under Key.
type PositionLookup struct {
	Key      string            `json:"key"`
	Position *PositionResponse `json:"position,omitempty"`
}

// PositionHistoryEntry is one open, increase, close or liquidation.
type PositionHistoryEntry struct {
	Sequence    int64      `json:"sequence"`
	PositionKey string     `json:"position_key"`
	ProductID   uint64     `json:"product_id"`
	IsLong      bool       `json:"is_long"`
	Kind        string     `json:"kind"`
	Price       int64      `json:"price"`
	Margin      int64      `json:"margin"`
	Fee         int64      `json:"fee"`
	PnL         int64      `json:"pnl"`
	Payout      int64      `json:"payout"`
	Liquidator  *uuid.UUID `json:"liquidator,omitempty"`
	Bounty      int64      `json:"bounty,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

type VaultResponse struct {
	state.Vault
	ProtocolReserve int64 `json:"protocol_reserve"`
	AsOfSequence    int64 `json:"as_of_sequence"`
}

// StakeResponse is zero-valued for accounts without shares.
type StakeResponse struct {
	Account      uuid.UUID `json:"account"`
	Shares       int64     `json:"shares"`
	Amount       int64     `json:"amount"`
	Timestamp    int64     `json:"timestamp"`
	AsOfSequence int64     `json:"as_of_sequence"`
}

// RewardResponse carries a 1e18-scaled reward amount as a decimal string.
type RewardResponse struct {
	PoolID       string     `json:"pool_id"`
	Account      *uuid.UUID `json:"account,omitempty"`
	Amount       string     `json:"amount"`
	At           int64      `json:"at"`
	AsOfSequence int64      `json:"as_of_sequence"`
}

type ProductsResponse struct {
	Products     []state.Product `json:"products"`
	AsOfSequence int64           `json:"as_of_sequence"`
}

// BalanceResponse is an account's ledger balances for one asset.
type BalanceResponse struct {
	Account uuid.UUID `json:"account"`
	Asset   string    `json:"asset"`

	// MarginEscrow is the sum of open position margins.
	MarginEscrow int64 `json:"margin_escrow"`
	// WalletNetFlow is the external wallet balance: negative when the
	// account has paid in more than it has been paid out.
	WalletNetFlow int64 `json:"wallet_net_flow"`

	AsOfSequence int64 `json:"as_of_sequence"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	AssetID       uint16 `json:"asset_id"`
	Amount        int64  `json:"amount"`
	JournalType   string `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
	AsOfSequence     int64             `json:"as_of_sequence"`
}

// UnbalancedAsset represents an asset with non-zero global balance sum.
type UnbalancedAsset struct {
	AssetID   uint16 `json:"asset_id"`
	Imbalance int64  `json:"imbalance"`
}
