package reward

import (
	"fmt"
	"sort"

	fpmath "PerpVault/internal/math"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// MaxPoolIDLen bounds pool ids so they fit a system account name.
const MaxPoolIDLen = 16

// PoolConfig describes a pool to create.
type PoolConfig struct {
	ID       string
	Source   SourceKind
	Asset    string
	Duration int64
}

// Claim is one paid-out reward.
type Claim struct {
	PoolID string
	Asset  string
	Amount *uint256.Int
}

// Registry owns every reward pool and the token stake book that backs
// token-source pools.
type Registry struct {
	pools   map[string]*Pool
	stakes  *TokenStakeBook
	sources map[SourceKind]ShareSource
}

func NewRegistry(vault Int64Shares) *Registry {
	stakes := NewTokenStakeBook()
	return &Registry{
		pools:  make(map[string]*Pool),
		stakes: stakes,
		sources: map[SourceKind]ShareSource{
			SourceVaultShares: VaultShares{Book: vault},
			SourceTokenStakes: stakes,
		},
	}
}

func (r *Registry) TokenStakes() *TokenStakeBook {
	return r.stakes
}

func (r *Registry) Pool(id string) (*Pool, error) {
	p, ok := r.pools[id]
	if !ok {
		return nil, fmt.Errorf("pool %q: %w", id, ErrUnknownPool)
	}
	return p, nil
}

// Pools returns every pool ordered by id.
func (r *Registry) Pools() []*Pool {
	result := make([]*Pool, 0, len(r.pools))
	for _, p := range r.pools {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

func (r *Registry) PrepareAddPool(cfg PoolConfig) error {
	if cfg.ID == "" || len(cfg.ID) > MaxPoolIDLen {
		return fmt.Errorf("pool id %q must be 1..%d bytes: %w", cfg.ID, MaxPoolIDLen, ErrInvalidAmount)
	}
	if _, ok := r.pools[cfg.ID]; ok {
		return fmt.Errorf("pool %q: %w", cfg.ID, ErrPoolExists)
	}
	if _, ok := r.sources[cfg.Source]; !ok {
		return fmt.Errorf("pool %q source %q: %w", cfg.ID, cfg.Source, ErrInvalidAmount)
	}
	if cfg.Asset == "" {
		return fmt.Errorf("pool %q needs an asset: %w", cfg.ID, ErrInvalidAmount)
	}
	if cfg.Duration < 0 {
		return fmt.Errorf("pool %q duration %d: %w", cfg.ID, cfg.Duration, ErrInvalidAmount)
	}
	return nil
}

func (r *Registry) CommitAddPool(cfg PoolConfig) *Pool {
	if cfg.Duration == 0 {
		cfg.Duration = DefaultDuration
	}
	p := newPool(cfg.ID, cfg.Source, cfg.Asset, cfg.Duration, r.sources[cfg.Source])
	r.pools[cfg.ID] = p
	return p
}

// AddPool validates and creates a pool in one step. Used at genesis.
func (r *Registry) AddPool(cfg PoolConfig) (*Pool, error) {
	if err := r.PrepareAddPool(cfg); err != nil {
		return nil, err
	}
	return r.CommitAddPool(cfg), nil
}

// CheckpointSource settles account in every pool fed by kind. Call it
// before the account's shares in that source change.
func (r *Registry) CheckpointSource(kind SourceKind, account uuid.UUID, now int64) {
	for _, p := range r.Pools() {
		if p.Source == kind {
			p.Checkpoint(account, now)
		}
	}
}

// AcceptFee routes a settlement-asset fee share into a pool.
func (r *Registry) AcceptFee(poolID string, amount int64, now int64) {
	p, ok := r.pools[poolID]
	if !ok || amount <= 0 {
		return
	}
	p.AcceptFee(uint256.NewInt(uint64(amount)), now)
}

func (r *Registry) PrepareNotify(poolID string, amount *uint256.Int, now int64) (*NotifyPlan, error) {
	p, err := r.Pool(poolID)
	if err != nil {
		return nil, err
	}
	if amount == nil || amount.IsZero() {
		return nil, fmt.Errorf("notify amount must be > 0: %w", ErrRewardAmountOutOfBounds)
	}
	return p.PrepareNotify(amount, now)
}

func (r *Registry) CommitNotify(plan *NotifyPlan) {
	r.pools[plan.PoolID].CommitNotify(plan)
}

func (r *Registry) PrepareFund(poolID string, amount *uint256.Int) (*Pool, error) {
	p, err := r.Pool(poolID)
	if err != nil {
		return nil, err
	}
	if amount == nil || amount.IsZero() {
		return nil, fmt.Errorf("fund amount must be > 0: %w", ErrInvalidAmount)
	}
	if _, err := fpmath.AddU256(p.Funded, amount); err != nil {
		return nil, err
	}
	return p, nil
}

// Earned returns the claimable amount for account in a pool.
func (r *Registry) Earned(poolID string, account uuid.UUID, now int64) (*uint256.Int, error) {
	p, err := r.Pool(poolID)
	if err != nil {
		return nil, err
	}
	return p.Earned(account, now), nil
}

// ClaimAll claims from every pool, or only from pools fed by kinds when
// any are given. Zero claims are omitted.
func (r *Registry) ClaimAll(account uuid.UUID, now int64, kinds ...SourceKind) []Claim {
	var claims []Claim
	for _, p := range r.Pools() {
		if len(kinds) > 0 && !containsKind(kinds, p.Source) {
			continue
		}
		if amount := p.Claim(account, now); !amount.IsZero() {
			claims = append(claims, Claim{PoolID: p.ID, Asset: p.Asset, Amount: amount})
		}
	}
	return claims
}

func containsKind(kinds []SourceKind, k SourceKind) bool {
	for _, kind := range kinds {
		if kind == k {
			return true
		}
	}
	return false
}

func (r *Registry) CommitStakeToken(account uuid.UUID, amount *uint256.Int, now int64) {
	r.CheckpointSource(SourceTokenStakes, account, now)
	r.stakes.CommitStake(account, amount)
}

func (r *Registry) CommitWithdrawToken(account uuid.UUID, amount *uint256.Int, now int64) {
	r.CheckpointSource(SourceTokenStakes, account, now)
	r.stakes.CommitWithdraw(account, amount)
}

// PrepareExit returns the full token stake of account.
func (r *Registry) PrepareExit(account uuid.UUID) (*uint256.Int, error) {
	amount := r.stakes.SharesOf(account)
	if amount.IsZero() {
		return nil, fmt.Errorf("account %s has no token stake: %w", account, ErrInsufficientStake)
	}
	return amount, nil
}

// CommitExit withdraws the whole token stake and claims every
// token-source pool.
func (r *Registry) CommitExit(account uuid.UUID, amount *uint256.Int, now int64) []Claim {
	r.CommitWithdrawToken(account, amount, now)
	return r.ClaimAll(account, now, SourceTokenStakes)
}

// PoolState is a pool with its accounts, for snapshots.
type PoolState struct {
	Pool
	Accounts []AccountReward `json:"accounts"`
}

func (r *Registry) Export() []PoolState {
	pools := r.Pools()
	result := make([]PoolState, 0, len(pools))
	for _, p := range pools {
		result = append(result, PoolState{Pool: *p, Accounts: p.Accounts()})
	}
	return result
}

// Restore replaces every pool and the token stake book (snapshot restore).
func (r *Registry) Restore(pools []PoolState, stakes []TokenStake) {
	r.stakes.Restore(stakes)
	r.pools = make(map[string]*Pool, len(pools))
	for _, ps := range pools {
		p := ps.Pool
		p.source = r.sources[p.Source]
		p.accounts = make(map[uuid.UUID]*AccountReward, len(ps.Accounts))
		for i := range ps.Accounts {
			a := ps.Accounts[i]
			p.accounts[a.Account] = &a
		}
		r.pools[p.ID] = &p
	}
}

// CanonicalBytes returns deterministic serialization for hashing
func (r *Registry) CanonicalBytes() []byte {
	var buf []byte
	for _, p := range r.Pools() {
		buf = append(buf, p.CanonicalBytes()...)
	}
	for _, s := range r.stakes.All() {
		buf = append(buf, s.Account[:]...)
		b := s.Amount.Bytes32()
		buf = append(buf, b[:]...)
	}
	return buf
}
