package core

import (
	"PerpVault/internal/event"
	"PerpVault/internal/ledger"
	"PerpVault/internal/reward"
	"PerpVault/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// StateDelta is the post-command state of every record the command
// touched. Projections apply it as upserts; all values are copies.
type StateDelta struct {
	Balances        []BalanceEntry       `json:"balances,omitempty"`
	Positions       []PositionDelta      `json:"positions,omitempty"`
	Products        []state.Product      `json:"products,omitempty"`
	Vault           state.Vault          `json:"vault"`
	ProtocolReserve int64                `json:"protocol_reserve"`
	Stakes          []StakeDelta         `json:"stakes,omitempty"`
	Pools           []reward.Pool        `json:"pools"`
	AccountRewards  []AccountRewardDelta `json:"account_rewards,omitempty"`
	TokenStakes     []reward.TokenStake  `json:"token_stakes,omitempty"`
	Governance      *GovernanceView      `json:"governance,omitempty"`
}

// PositionDelta carries a position after the command; nil when it was
// closed or liquidated.
type PositionDelta struct {
	Key      event.PositionKey `json:"key"`
	Position *state.Position   `json:"position"`
}

// StakeDelta carries a vault stake after the command; nil when the account
// holds no shares.
type StakeDelta struct {
	Account uuid.UUID    `json:"account"`
	Stake   *state.Stake `json:"stake"`
}

type AccountRewardDelta struct {
	PoolID string `json:"pool_id"`
	reward.AccountReward
}

// GovernanceView is the governance state without role sets.
type GovernanceView struct {
	Owner                 uuid.UUID      `json:"owner"`
	AllowPublicLiquidator bool           `json:"allow_public_liquidator"`
	CanUserStake          bool           `json:"can_user_stake"`
	MinMargin             int64          `json:"min_margin"`
	MaxMargin             int64          `json:"max_margin"`
	MinProfitTime         int64          `json:"min_profit_time"`
	FeeSplit              state.FeeSplit `json:"fee_split"`
}

func (c *DeterministicCore) buildDelta(cmd event.Event, tx *txn, batch *ledger.Batch) *StateDelta {
	d := &StateDelta{
		Vault:           c.vault.Vault(),
		ProtocolReserve: c.fees.ProtocolReserve(),
	}

	if batch != nil {
		seen := make(map[ledger.AccountKey]bool, 2*len(batch.Journals))
		for _, j := range batch.Journals {
			for _, key := range [2]ledger.AccountKey{j.DebitAccount, j.CreditAccount} {
				if seen[key] {
					continue
				}
				seen[key] = true
				d.Balances = append(d.Balances, BalanceEntry{Account: key, Balance: c.balanceTracker.GetBalance(key)})
			}
		}
	}

	for _, key := range tx.touchedPositions() {
		pd := PositionDelta{Key: key}
		if pos := c.positions.GetPosition(key); pos != nil {
			cp := *pos
			pd.Position = &cp
		}
		d.Positions = append(d.Positions, pd)
	}
	for _, id := range tx.touchedProducts() {
		if p, ok := c.products.Get(id); ok {
			d.Products = append(d.Products, *p)
		}
	}

	pools := c.rewards.Pools()
	for _, p := range pools {
		d.Pools = append(d.Pools, p.Detach())
	}
	stakes := c.rewards.TokenStakes()
	for _, account := range tx.touchedAccounts() {
		sd := StakeDelta{Account: account}
		if s, ok := c.vault.Stake(account); ok {
			sd.Stake = &s
		}
		d.Stakes = append(d.Stakes, sd)
		for _, p := range pools {
			d.AccountRewards = append(d.AccountRewards, AccountRewardDelta{PoolID: p.ID, AccountReward: p.AccountOf(account)})
		}
		d.TokenStakes = append(d.TokenStakes, reward.TokenStake{
			Account: account,
			Amount:  new(uint256.Int).Set(stakes.SharesOf(account)),
		})
	}

	if isConfigCommand(cmd) {
		d.Governance = &GovernanceView{
			Owner:                 c.gov.Owner,
			AllowPublicLiquidator: c.gov.AllowPublicLiquidator,
			CanUserStake:          c.gov.CanUserStake,
			MinMargin:             c.gov.MinMargin,
			MaxMargin:             c.gov.MaxMargin,
			MinProfitTime:         c.gov.MinProfitTime,
			FeeSplit:              c.fees.Split(),
		}
	}
	return d
}

func isConfigCommand(cmd event.Event) bool {
	return cmd.EventType() >= event.EventTypeUpsertProduct
}
