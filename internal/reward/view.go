package reward

import (
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Detach returns a deep copy of the pool's scalar state, without accounts.
// The copy is safe to hand to another goroutine.
func (p *Pool) Detach() Pool {
	return Pool{
		ID:                   p.ID,
		Source:               p.Source,
		Asset:                p.Asset,
		Duration:             p.Duration,
		RewardRate:           new(uint256.Int).Set(p.RewardRate),
		PeriodFinish:         p.PeriodFinish,
		LastUpdateTime:       p.LastUpdateTime,
		RewardPerShareStored: new(uint256.Int).Set(p.RewardPerShareStored),
		Funded:               new(uint256.Int).Set(p.Funded),
		Claimed:              new(uint256.Int).Set(p.Claimed),
		Notified:             new(uint256.Int).Set(p.Notified),
		Queued:               new(uint256.Int).Set(p.Queued),
		Unassigned:           new(uint256.Int).Set(p.Unassigned),
	}
}

// AccountOf returns a copy of an account's state; zero when the account
// never checkpointed.
func (p *Pool) AccountOf(account uuid.UUID) AccountReward {
	a, ok := p.accounts[account]
	if !ok {
		return AccountReward{
			Account:            account,
			RewardPerSharePaid: new(uint256.Int),
			Accrued:            new(uint256.Int),
			Claimed:            new(uint256.Int),
		}
	}
	return AccountReward{
		Account:            a.Account,
		RewardPerSharePaid: new(uint256.Int).Set(a.RewardPerSharePaid),
		Accrued:            new(uint256.Int).Set(a.Accrued),
		Claimed:            new(uint256.Int).Set(a.Claimed),
	}
}

// NewPoolView rebuilds a pool from stored state for read-only
// computations such as Earned and Pending.
func NewPoolView(pool Pool, accounts []AccountReward, source ShareSource) *Pool {
	p := pool
	p.source = source
	p.accounts = make(map[uuid.UUID]*AccountReward, len(accounts))
	for i := range accounts {
		a := accounts[i]
		p.accounts[a.Account] = &a
	}
	return &p
}

// FixedShares is a ShareSource frozen at read time.
type FixedShares struct {
	Total    *uint256.Int
	Holdings map[uuid.UUID]*uint256.Int
}

func (f FixedShares) TotalShares() *uint256.Int {
	if f.Total == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(f.Total)
}

func (f FixedShares) SharesOf(account uuid.UUID) *uint256.Int {
	if v, ok := f.Holdings[account]; ok {
		return new(uint256.Int).Set(v)
	}
	return new(uint256.Int)
}
