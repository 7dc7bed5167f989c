package reward_test

import (
	"testing"

	"PerpVault/internal/reward"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	t0   = int64(1_700_000_000)
	week = reward.DefaultDuration
)

var (
	alice = uuid.MustParse("a1a1a1a1-0000-4000-8000-000000000001")
	bob   = uuid.MustParse("b2b2b2b2-0000-4000-8000-000000000002")
)

type fakeVault map[uuid.UUID]int64

func (f fakeVault) TotalShares() int64 {
	var total int64
	for _, v := range f {
		total += v
	}
	return total
}

func (f fakeVault) SharesOf(account uuid.UUID) int64 { return f[account] }

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

func newTokenPool(t *testing.T) (*reward.Registry, *reward.Pool) {
	t.Helper()
	r := reward.NewRegistry(fakeVault{})
	p, err := r.AddPool(reward.PoolConfig{ID: "gov", Source: reward.SourceTokenStakes, Asset: "GOV"})
	require.NoError(t, err)
	return r, p
}

func stake(t *testing.T, r *reward.Registry, account uuid.UUID, amount uint64, now int64) {
	t.Helper()
	require.NoError(t, r.TokenStakes().PrepareStake(u(amount)))
	r.CommitStakeToken(account, u(amount), now)
}

func notify(t *testing.T, r *reward.Registry, poolID string, amount uint64, now int64) {
	t.Helper()
	plan, err := r.PrepareNotify(poolID, u(amount), now)
	require.NoError(t, err)
	r.CommitNotify(plan)
}

// ============================================================================
// Test: Streaming
// ============================================================================

func TestPool_SingleStakerEarnsWholePeriod(t *testing.T) {
	r, p := newTokenPool(t)
	stake(t, r, alice, 100, t0)
	p.Fund(u(uint64(week) * 1000))
	notify(t, r, "gov", uint64(week)*1000, t0)

	assert.Equal(t, u(1000), p.RewardRate)
	assert.Equal(t, u(uint64(week/2)*1000), p.Earned(alice, t0+week/2))
	assert.Equal(t, u(uint64(week)*1000), p.Earned(alice, t0+2*week), "accrual stops at period finish")
}

func TestPool_ProportionalToShares(t *testing.T) {
	r, p := newTokenPool(t)
	stake(t, r, alice, 100, t0)
	stake(t, r, bob, 300, t0)
	p.Fund(u(uint64(week) * 400))
	notify(t, r, "gov", uint64(week)*400, t0)

	a := p.Earned(alice, t0+week)
	b := p.Earned(bob, t0+week)
	assert.Equal(t, new(uint256.Int).Mul(a, u(3)), b)
	assert.Equal(t, u(uint64(week)*100), a)
}

func TestPool_LateStakerOnlyEarnsAfterJoining(t *testing.T) {
	r, p := newTokenPool(t)
	stake(t, r, alice, 100, t0)
	p.Fund(u(uint64(week) * 1000))
	notify(t, r, "gov", uint64(week)*1000, t0)

	stake(t, r, bob, 100, t0+week/2)

	half := uint64(week/2) * 1000
	assert.Equal(t, u(half+half/2), p.Earned(alice, t0+week))
	assert.Equal(t, u(half/2), p.Earned(bob, t0+week))
}

func TestPool_LeftoverRollsIntoNextNotify(t *testing.T) {
	r, p := newTokenPool(t)
	stake(t, r, alice, 100, t0)
	p.Fund(u(uint64(week) * 3000))
	notify(t, r, "gov", uint64(week)*1000, t0)

	notify(t, r, "gov", uint64(week)*1000, t0+week/2)

	// (remaining half + new amount) / duration
	assert.Equal(t, u(1500), p.RewardRate)
	assert.Equal(t, t0+week/2+week, p.PeriodFinish)
}

func TestPool_NotifyBounds(t *testing.T) {
	r, p := newTokenPool(t)
	p.Fund(u(uint64(week) * 10))

	_, err := r.PrepareNotify("gov", u(uint64(week)-1), t0)
	assert.ErrorIs(t, err, reward.ErrRewardAmountOutOfBounds, "too small")

	_, err = r.PrepareNotify("gov", u(uint64(week)*11), t0)
	assert.ErrorIs(t, err, reward.ErrRewardAmountOutOfBounds, "too big")

	_, err = r.PrepareNotify("gov", u(uint64(week)*10), t0)
	assert.NoError(t, err)
}

func TestPool_NotifyBoundedByUncommittedFunds(t *testing.T) {
	r, p := newTokenPool(t)
	stake(t, r, alice, 100, t0)
	p.Fund(u(uint64(week) * 1000))
	notify(t, r, "gov", uint64(week)*1000, t0)

	// the period has ended but nothing was claimed; the funds are still owed
	_, err := r.PrepareNotify("gov", u(uint64(week)*1000), t0+week+1)
	assert.ErrorIs(t, err, reward.ErrRewardAmountOutOfBounds)

	p.Fund(u(uint64(week) * 500))
	_, err = r.PrepareNotify("gov", u(uint64(week)*501), t0+week+1)
	assert.ErrorIs(t, err, reward.ErrRewardAmountOutOfBounds)
	_, err = r.PrepareNotify("gov", u(uint64(week)*500), t0+week+1)
	assert.NoError(t, err)
}

func TestPool_SetDurationMidPeriod(t *testing.T) {
	r, p := newTokenPool(t)
	p.Fund(u(uint64(week)))
	notify(t, r, "gov", uint64(week), t0)

	assert.ErrorIs(t, p.PrepareSetDuration(86_400, t0+10), reward.ErrRewardPeriodNotFinished)
	assert.NoError(t, p.PrepareSetDuration(86_400, t0+week))
}

func TestPool_UnassignedRecycled(t *testing.T) {
	r, p := newTokenPool(t)
	p.Fund(u(uint64(week) * 2000))
	notify(t, r, "gov", uint64(week)*1000, t0)

	// Nobody staked for the first half.
	stake(t, r, alice, 100, t0+week/2)
	assert.Equal(t, u(uint64(week/2)*1000), p.Unassigned)

	notify(t, r, "gov", uint64(week)*1000, t0+week)
	assert.True(t, p.Unassigned.IsZero())
	assert.Equal(t, u(1500), p.RewardRate)
}

// ============================================================================
// Test: Claims and conservation
// ============================================================================

func TestPool_ClaimConservesReward(t *testing.T) {
	r, p := newTokenPool(t)
	stake(t, r, alice, 7, t0)
	stake(t, r, bob, 13, t0)
	amount := uint64(week) * 997
	p.Fund(u(amount))
	notify(t, r, "gov", amount, t0)

	claimedA := p.Claim(alice, t0+week/3)
	stake(t, r, bob, 5, t0+week/2)

	total := new(uint256.Int).Add(claimedA, p.Earned(alice, t0+week))
	total.Add(total, p.Earned(bob, t0+week))

	streamed := u(amount)
	assert.True(t, total.Cmp(streamed) <= 0, "never pays more than streamed")
	dust := new(uint256.Int).Sub(streamed, total)
	assert.True(t, dust.Lt(u(10)), "rounding dust %s", dust.Dec())
	assert.Equal(t, claimedA, p.Claimed)
}

func TestRegistry_ClaimAllAndExit(t *testing.T) {
	vault := fakeVault{alice: 50}
	r := reward.NewRegistry(vault)
	gov, err := r.AddPool(reward.PoolConfig{ID: "gov", Source: reward.SourceTokenStakes, Asset: "GOV"})
	require.NoError(t, err)
	dep, err := r.AddPool(reward.PoolConfig{ID: "deposit", Source: reward.SourceVaultShares, Asset: "USDC"})
	require.NoError(t, err)

	stake(t, r, alice, 10, t0)
	gov.Fund(u(uint64(week)))
	dep.Fund(u(uint64(week)))
	notify(t, r, "gov", uint64(week), t0)
	notify(t, r, "deposit", uint64(week), t0)

	amount, err := r.PrepareExit(alice)
	require.NoError(t, err)
	claims := r.CommitExit(alice, amount, t0+week)
	require.Len(t, claims, 1, "exit only claims token-source pools")
	assert.Equal(t, "gov", claims[0].PoolID)
	assert.Equal(t, u(uint64(week)), claims[0].Amount)
	assert.True(t, r.TokenStakes().SharesOf(alice).IsZero())

	claims = r.ClaimAll(alice, t0+week)
	require.Len(t, claims, 1)
	assert.Equal(t, "deposit", claims[0].PoolID)
	assert.Equal(t, u(uint64(week)), claims[0].Amount)
}

func TestRegistry_AcceptFeeQueuesSmallAmounts(t *testing.T) {
	r := reward.NewRegistry(fakeVault{alice: 1})
	p, err := r.AddPool(reward.PoolConfig{ID: "fee-depositors", Source: reward.SourceVaultShares, Asset: "USDC"})
	require.NoError(t, err)

	r.AcceptFee("fee-depositors", week-1, t0)
	assert.Equal(t, u(uint64(week-1)), p.Queued)
	assert.True(t, p.RewardRate.IsZero())

	r.AcceptFee("fee-depositors", 1, t0+1)
	assert.True(t, p.Queued.IsZero())
	assert.Equal(t, u(1), p.RewardRate)
	assert.Equal(t, u(uint64(week)), p.Funded)
}

func TestRegistry_PoolValidation(t *testing.T) {
	r := reward.NewRegistry(fakeVault{})
	_, err := r.AddPool(reward.PoolConfig{ID: "this-id-is-too-long", Source: reward.SourceTokenStakes, Asset: "GOV"})
	assert.ErrorIs(t, err, reward.ErrInvalidAmount)

	_, err = r.AddPool(reward.PoolConfig{ID: "x", Source: reward.SourceTokenStakes, Asset: "GOV"})
	require.NoError(t, err)
	_, err = r.AddPool(reward.PoolConfig{ID: "x", Source: reward.SourceTokenStakes, Asset: "GOV"})
	assert.ErrorIs(t, err, reward.ErrPoolExists)

	_, err = r.Pool("missing")
	assert.ErrorIs(t, err, reward.ErrUnknownPool)
}

func TestRegistry_RestoreRoundTrip(t *testing.T) {
	r, p := newTokenPool(t)
	stake(t, r, alice, 100, t0)
	p.Fund(u(uint64(week) * 1000))
	notify(t, r, "gov", uint64(week)*1000, t0)
	p.Checkpoint(alice, t0+100)

	restored := reward.NewRegistry(fakeVault{})
	restored.Restore(r.Export(), r.TokenStakes().All())

	assert.Equal(t, r.CanonicalBytes(), restored.CanonicalBytes())
	rp, err := restored.Pool("gov")
	require.NoError(t, err)
	assert.Equal(t, p.Earned(alice, t0+week), rp.Earned(alice, t0+week))
}

// ============================================================================
// Test: Read views
// ============================================================================

func TestPoolView_MatchesLivePool(t *testing.T) {
	r, p := newTokenPool(t)
	stake(t, r, alice, 100, t0)
	stake(t, r, bob, 300, t0)
	p.Fund(u(uint64(week) * 400))
	notify(t, r, "gov", uint64(week)*400, t0)
	p.Checkpoint(alice, t0+week/4)

	source := reward.FixedShares{
		Total:    u(400),
		Holdings: map[uuid.UUID]*uint256.Int{alice: u(100), bob: u(300)},
	}
	view := reward.NewPoolView(p.Detach(), []reward.AccountReward{p.AccountOf(alice), p.AccountOf(bob)}, source)

	now := t0 + week/2
	assert.Equal(t, p.Earned(alice, now), view.Earned(alice, now))
	assert.Equal(t, p.Earned(bob, now), view.Earned(bob, now))
	assert.Equal(t, p.Pending(now), view.Pending(now))
}

func TestPool_DetachIsIndependent(t *testing.T) {
	_, p := newTokenPool(t)
	detached := p.Detach()

	p.Fund(u(500))
	assert.True(t, detached.Funded.IsZero(), "detached copy must not follow the live pool")
}
