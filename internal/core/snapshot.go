package core

import (
	"PerpVault/internal/ledger"
	"PerpVault/internal/reward"
	"PerpVault/internal/state"

	"github.com/google/uuid"
)

// BalanceEntry is one ledger account balance.
type BalanceEntry struct {
	Account ledger.AccountKey `json:"account"`
	Balance int64             `json:"balance"`
}

// SnapshotState is the serializable in-memory state of the core. Restoring
// it and replaying the log from Sequence+1 reproduces the live state.
type SnapshotState struct {
	Sequence      int64    `json:"sequence"` // last processed
	StateHash     [32]byte `json:"state_hash"`
	LastTimestamp int64    `json:"last_timestamp"`

	Balances        []BalanceEntry           `json:"balances"`
	Positions       []state.Position         `json:"positions"`
	Products        []state.Product          `json:"products"`
	Oracles         []state.OraclePriceState `json:"oracles"`
	Vault           state.Vault              `json:"vault"`
	Stakes          []state.Stake            `json:"stakes"`
	FeeSplit        state.FeeSplit           `json:"fee_split"`
	ProtocolReserve int64                    `json:"protocol_reserve"`
	Governance      state.Governance         `json:"governance"`
	Pools           []reward.PoolState       `json:"pools"`
	TokenStakes     []reward.TokenStake      `json:"token_stakes"`
	SequenceState   map[string]int64         `json:"sequence_state"`
	IdempotencyKeys []string                 `json:"idempotency_keys"`
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (c *DeterministicCore) CreateSnapshotState() *SnapshotState {
	balances := c.balanceTracker.Snapshot()
	entries := make([]BalanceEntry, 0, len(balances))
	for _, key := range c.balanceTracker.SortedKeys() {
		entries = append(entries, BalanceEntry{Account: key, Balance: balances[key]})
	}

	all := c.positions.GetAllPositions()
	positions := make([]state.Position, 0, len(all))
	for _, p := range all {
		positions = append(positions, *p)
	}

	allProducts := c.products.All()
	products := make([]state.Product, 0, len(allProducts))
	for _, p := range allProducts {
		products = append(products, *p)
	}

	gov := *c.gov
	gov.Governors = copySet(c.gov.Governors)
	gov.Managers = copySet(c.gov.Managers)

	return &SnapshotState{
		Sequence:        c.sequence - 1,
		StateHash:       c.hasher.Tip(),
		LastTimestamp:   c.lastTimestamp,
		Balances:        entries,
		Positions:       positions,
		Products:        products,
		Oracles:         c.oracles.All(),
		Vault:           c.vault.Vault(),
		Stakes:          c.vault.Stakes(),
		FeeSplit:        c.fees.Split(),
		ProtocolReserve: c.fees.ProtocolReserve(),
		Governance:      gov,
		Pools:           c.rewards.Export(),
		TokenStakes:     c.rewards.TokenStakes().All(),
		SequenceState:   c.sequenceValidator.GetAllPartitions(),
		IdempotencyKeys: c.idempotency.Keys(),
	}
}

// RestoreFromSnapshot replaces the core's in-memory state. It must run
// before the first command.
func (c *DeterministicCore) RestoreFromSnapshot(snap *SnapshotState) {
	c.sequence = snap.Sequence + 1
	c.lastTimestamp = snap.LastTimestamp
	c.hasher.Reset(snap.StateHash)

	for _, b := range snap.Balances {
		c.balanceTracker.SetBalance(b.Account, b.Balance)
	}

	c.products.Restore(snap.Products)
	c.oracles.Restore(snap.Oracles)
	for i := range snap.Positions {
		pos := snap.Positions[i]
		c.positions.SetPosition(&pos)
	}

	c.vault.Restore(snap.Vault, snap.Stakes)
	c.fees.Restore(snap.FeeSplit, snap.ProtocolReserve)
	c.rewards.Restore(snap.Pools, snap.TokenStakes)

	gov := snap.Governance
	if gov.Governors == nil {
		gov.Governors = make(map[uuid.UUID]bool)
	}
	if gov.Managers == nil {
		gov.Managers = make(map[uuid.UUID]bool)
	}
	*c.gov = gov

	for partition, next := range snap.SequenceState {
		c.sequenceValidator.RestorePartition(partition, next)
	}
	c.WarmLRU(snap.IdempotencyKeys)

	c.log.Info().
		Int64("sequence", snap.Sequence).
		Int("positions", len(snap.Positions)).
		Int("balances", len(snap.Balances)).
		Msg("state restored from snapshot")
}

func copySet(set map[uuid.UUID]bool) map[uuid.UUID]bool {
	out := make(map[uuid.UUID]bool, len(set))
	for k, v := range set {
		out[k] = v
	}
	return out
}

// WarmLRU loads recent idempotency keys into the first dedup tier.
func (c *DeterministicCore) WarmLRU(keys []string) {
	c.idempotency.Warm(keys)
}
