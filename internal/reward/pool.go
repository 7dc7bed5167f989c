package reward

import (
	"fmt"
	"sort"

	fpmath "PerpVault/internal/math"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// DefaultDuration is the length of one reward period.
const DefaultDuration int64 = 7 * 86_400

// AccountReward is one account's position in a pool.
type AccountReward struct {
	Account            uuid.UUID    `json:"account"`
	RewardPerSharePaid *uint256.Int `json:"reward_per_share_paid"`
	Accrued            *uint256.Int `json:"accrued"`
	Claimed            *uint256.Int `json:"claimed"`
}

// Pool streams a notified amount linearly over Duration to the holders of
// its share source. RewardPerShareStored is scaled by 1e18.
type Pool struct {
	ID                   string       `json:"id"`
	Source               SourceKind   `json:"source"`
	Asset                string       `json:"asset"`
	Duration             int64        `json:"duration"`
	RewardRate           *uint256.Int `json:"reward_rate"` // per second
	PeriodFinish         int64        `json:"period_finish"`
	LastUpdateTime       int64        `json:"last_update_time"`
	RewardPerShareStored *uint256.Int `json:"reward_per_share_stored"`
	Funded               *uint256.Int `json:"funded"`     // cumulative
	Claimed              *uint256.Int `json:"claimed"`    // cumulative
	Notified             *uint256.Int `json:"notified"`   // cumulative
	Queued               *uint256.Int `json:"queued"`     // fees waiting for a notify
	Unassigned           *uint256.Int `json:"unassigned"` // streamed while no shares existed

	accounts map[uuid.UUID]*AccountReward
	source   ShareSource
}

func newPool(id string, kind SourceKind, asset string, duration int64, source ShareSource) *Pool {
	return &Pool{
		ID:                   id,
		Source:               kind,
		Asset:                asset,
		Duration:             duration,
		RewardRate:           new(uint256.Int),
		RewardPerShareStored: new(uint256.Int),
		Funded:               new(uint256.Int),
		Claimed:              new(uint256.Int),
		Notified:             new(uint256.Int),
		Queued:               new(uint256.Int),
		Unassigned:           new(uint256.Int),
		accounts:             make(map[uuid.UUID]*AccountReward),
		source:               source,
	}
}

// Held is the amount the pool still holds: funded minus claimed.
func (p *Pool) Held() *uint256.Int {
	return new(uint256.Int).Sub(p.Funded, p.Claimed)
}

func (p *Pool) lastTimeRewardApplicable(now int64) int64 {
	if now < p.PeriodFinish {
		return now
	}
	return p.PeriodFinish
}

// rewardPerShareAt returns the accumulator and unassigned amount as of now
// without storing them.
func (p *Pool) rewardPerShareAt(now int64) (rps, unassigned *uint256.Int) {
	rps = new(uint256.Int).Set(p.RewardPerShareStored)
	unassigned = new(uint256.Int).Set(p.Unassigned)

	until := p.lastTimeRewardApplicable(now)
	if until <= p.LastUpdateTime || p.RewardRate.IsZero() {
		return rps, unassigned
	}
	streamed := new(uint256.Int).Mul(uint256.NewInt(uint64(until-p.LastUpdateTime)), p.RewardRate)

	total := p.source.TotalShares()
	if total.IsZero() {
		unassigned.Add(unassigned, streamed)
		return rps, unassigned
	}
	delta, _ := new(uint256.Int).MulDivOverflow(streamed, fpmath.RewardScale, total)
	rps.Add(rps, delta)
	return rps, unassigned
}

func (p *Pool) update(now int64) {
	p.RewardPerShareStored, p.Unassigned = p.rewardPerShareAt(now)
	if until := p.lastTimeRewardApplicable(now); until > p.LastUpdateTime {
		p.LastUpdateTime = until
	}
}

func (p *Pool) account(account uuid.UUID) *AccountReward {
	a, ok := p.accounts[account]
	if !ok {
		a = &AccountReward{
			Account:            account,
			RewardPerSharePaid: new(uint256.Int),
			Accrued:            new(uint256.Int),
			Claimed:            new(uint256.Int),
		}
		p.accounts[account] = a
	}
	return a
}

func (p *Pool) earnedWith(account uuid.UUID, rps *uint256.Int) *uint256.Int {
	a, ok := p.accounts[account]
	paid, accrued := new(uint256.Int), new(uint256.Int)
	if ok {
		paid.Set(a.RewardPerSharePaid)
		accrued.Set(a.Accrued)
	}
	diff := new(uint256.Int).Sub(rps, paid)
	pending, _ := new(uint256.Int).MulDivOverflow(p.source.SharesOf(account), diff, fpmath.RewardScale)
	return pending.Add(pending, accrued)
}

// Earned returns what account could claim at now.
func (p *Pool) Earned(account uuid.UUID, now int64) *uint256.Int {
	rps, _ := p.rewardPerShareAt(now)
	return p.earnedWith(account, rps)
}

// Checkpoint settles an account's accrual. It must run before the
// account's shares change.
func (p *Pool) Checkpoint(account uuid.UUID, now int64) {
	p.update(now)
	earned := p.earnedWith(account, p.RewardPerShareStored)
	a := p.account(account)
	a.Accrued = earned
	a.RewardPerSharePaid = new(uint256.Int).Set(p.RewardPerShareStored)
}

// Claim pays out everything the account has earned.
func (p *Pool) Claim(account uuid.UUID, now int64) *uint256.Int {
	p.Checkpoint(account, now)
	a := p.account(account)
	amount := a.Accrued
	a.Accrued = new(uint256.Int)
	a.Claimed = new(uint256.Int).Add(a.Claimed, amount)
	p.Claimed = new(uint256.Int).Add(p.Claimed, amount)
	return amount
}

// Pending is what the pool still has to stream at now: the rest of the
// period plus queued and unassigned amounts.
func (p *Pool) Pending(now int64) *uint256.Int {
	_, unassigned := p.rewardPerShareAt(now)
	pending := new(uint256.Int).Add(unassigned, p.Queued)
	if now < p.PeriodFinish {
		remaining := new(uint256.Int).Mul(uint256.NewInt(uint64(p.PeriodFinish-now)), p.RewardRate)
		pending.Add(pending, remaining)
	}
	return pending
}

// NotifyPlan is a validated notify.
type NotifyPlan struct {
	PoolID         string
	Amount         *uint256.Int // newly notified, queued amounts included
	Rate           *uint256.Int
	RewardPerShare *uint256.Int
	Now            int64
	PeriodFinish   int64
}

// PrepareNotify computes the new rate. The undistributed remainder of a
// running period and any unassigned stream roll into the new period.
func (p *Pool) PrepareNotify(amount *uint256.Int, now int64) (*NotifyPlan, error) {
	rps, unassigned := p.rewardPerShareAt(now)

	notified, err := fpmath.AddU256(amount, p.Queued)
	if err != nil {
		return nil, err
	}
	total, err := fpmath.AddU256(notified, unassigned)
	if err != nil {
		return nil, err
	}
	if now < p.PeriodFinish {
		remaining, err := fpmath.MulU256(uint256.NewInt(uint64(p.PeriodFinish-now)), p.RewardRate)
		if err != nil {
			return nil, err
		}
		if total, err = fpmath.AddU256(total, remaining); err != nil {
			return nil, err
		}
	}

	duration := uint256.NewInt(uint64(p.Duration))
	rate := new(uint256.Int).Div(total, duration)
	if rate.IsZero() {
		return nil, fmt.Errorf("pool %s: reward %s is too small for %ds: %w",
			p.ID, total.Dec(), p.Duration, ErrRewardAmountOutOfBounds)
	}
	// Every notified amount stays owed until claimed, so cumulative
	// commitments may not exceed cumulative funding.
	committed, err := fpmath.AddU256(p.Notified, notified)
	if err != nil {
		return nil, err
	}
	if committed.Gt(p.Funded) {
		return nil, fmt.Errorf("pool %s: reward %s exceeds uncommitted balance %s: %w",
			p.ID, notified.Dec(), new(uint256.Int).Sub(p.Funded, p.Notified).Dec(), ErrRewardAmountOutOfBounds)
	}

	return &NotifyPlan{
		PoolID:         p.ID,
		Amount:         notified,
		Rate:           rate,
		RewardPerShare: rps,
		Now:            now,
		PeriodFinish:   now + p.Duration,
	}, nil
}

func (p *Pool) CommitNotify(plan *NotifyPlan) {
	p.RewardPerShareStored = plan.RewardPerShare
	p.Unassigned = new(uint256.Int)
	p.Queued = new(uint256.Int)
	p.RewardRate = plan.Rate
	p.LastUpdateTime = plan.Now
	p.PeriodFinish = plan.PeriodFinish
	p.Notified = new(uint256.Int).Add(p.Notified, plan.Amount)
}

// Fund adds tokens to the pool without starting a period.
func (p *Pool) Fund(amount *uint256.Int) {
	p.Funded = new(uint256.Int).Add(p.Funded, amount)
}

// AcceptFee funds the pool and streams the fee immediately, or queues it
// when the amount is too small to give a non-zero rate.
func (p *Pool) AcceptFee(amount *uint256.Int, now int64) bool {
	p.Fund(amount)
	p.Queued = new(uint256.Int).Add(p.Queued, amount)

	plan, err := p.PrepareNotify(new(uint256.Int), now)
	if err != nil {
		return false
	}
	p.CommitNotify(plan)
	return true
}

func (p *Pool) PrepareSetDuration(duration, now int64) error {
	if duration <= 0 {
		return fmt.Errorf("duration must be > 0, got %d: %w", duration, ErrInvalidAmount)
	}
	if now < p.PeriodFinish {
		return fmt.Errorf("pool %s runs until %d: %w", p.ID, p.PeriodFinish, ErrRewardPeriodNotFinished)
	}
	return nil
}

func (p *Pool) CommitSetDuration(duration int64) {
	p.Duration = duration
}

// Accounts returns per-account state ordered by account.
func (p *Pool) Accounts() []AccountReward {
	result := make([]AccountReward, 0, len(p.accounts))
	for _, a := range p.accounts {
		result = append(result, *a)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Account.String() < result[j].Account.String()
	})
	return result
}

// CanonicalBytes returns deterministic serialization for hashing
func (p *Pool) CanonicalBytes() []byte {
	buf := make([]byte, 0, 512)
	buf = append(buf, byte(len(p.ID)))
	buf = append(buf, p.ID...)
	buf = append(buf, string(p.Source)...)
	buf = append(buf, p.Asset...)
	buf = appendInt64(buf, p.Duration)
	buf = appendInt64(buf, p.PeriodFinish)
	buf = appendInt64(buf, p.LastUpdateTime)
	for _, v := range []*uint256.Int{
		p.RewardRate, p.RewardPerShareStored, p.Funded, p.Claimed, p.Notified, p.Queued, p.Unassigned,
	} {
		b := v.Bytes32()
		buf = append(buf, b[:]...)
	}
	for _, a := range p.Accounts() {
		buf = append(buf, a.Account[:]...)
		for _, v := range []*uint256.Int{a.RewardPerSharePaid, a.Accrued, a.Claimed} {
			b := v.Bytes32()
			buf = append(buf, b[:]...)
		}
	}
	return buf
}

func appendInt64(buf []byte, v int64) []byte {
	for i := 0; i < 8; i++ {
		buf = append(buf, byte(v>>(8*i)))
	}
	return buf
}
