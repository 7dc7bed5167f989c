package state

import (
	"fmt"
	"sort"

	fpmath "PerpVault/internal/math"

	"github.com/google/uuid"
)

const checkpointInterval int64 = 86_400

// Vault is the singleton liquidity pool
type Vault struct {
	Cap                   int64 `json:"cap"`
	Balance               int64 `json:"balance"`
	Staked                int64 `json:"staked"` // principal still deposited
	Shares                int64 `json:"shares"`
	CooldownSeconds       int64 `json:"cooldown_seconds"`
	MaxDailyDrawdownBps   int64 `json:"max_daily_drawdown_bps"`
	LastCheckpointBalance int64 `json:"last_checkpoint_balance"`
	LastCheckpointTime    int64 `json:"last_checkpoint_time"`
	ExposureMultiplier    int64 `json:"exposure_multiplier"` // bps
}

// Stake is one account's claim on the vault
type Stake struct {
	Account   uuid.UUID `json:"account"`
	Shares    int64     `json:"shares"`
	Amount    int64     `json:"amount"`    // principal
	Timestamp int64     `json:"timestamp"` // last deposit, unix seconds
}

// VaultParams are the configurable vault parameters.
type VaultParams struct {
	Cap                 int64
	CooldownSeconds     int64
	MaxDailyDrawdownBps int64
	ExposureMultiplier  int64
}

// DefaultVaultParams mirror the reference deployment.
var DefaultVaultParams = VaultParams{
	Cap:                 1_000 * 100_000_000,
	CooldownSeconds:     60,
	MaxDailyDrawdownBps: 4000,
	ExposureMultiplier:  fpmath.BpsDenominator,
}

func (vp VaultParams) Validate() error {
	if vp.Cap < 0 {
		return fmt.Errorf("cap must be >= 0, got %d", vp.Cap)
	}
	if vp.CooldownSeconds < 0 {
		return fmt.Errorf("cooldown must be >= 0, got %d", vp.CooldownSeconds)
	}
	if vp.MaxDailyDrawdownBps < 0 || vp.MaxDailyDrawdownBps > fpmath.BpsDenominator {
		return fmt.Errorf("max_daily_drawdown_bps must be in [0, 10000], got %d", vp.MaxDailyDrawdownBps)
	}
	if vp.ExposureMultiplier <= 0 {
		return fmt.Errorf("exposure_multiplier must be > 0, got %d", vp.ExposureMultiplier)
	}
	return nil
}

// VaultAccounting owns the vault and the stake table.
type VaultAccounting struct {
	vault  Vault
	stakes map[uuid.UUID]*Stake
}

func NewVaultAccounting(params VaultParams) *VaultAccounting {
	return &VaultAccounting{
		vault: Vault{
			Cap:                 params.Cap,
			CooldownSeconds:     params.CooldownSeconds,
			MaxDailyDrawdownBps: params.MaxDailyDrawdownBps,
			ExposureMultiplier:  params.ExposureMultiplier,
		},
		stakes: make(map[uuid.UUID]*Stake),
	}
}

// Vault returns a copy of the vault state.
func (va *VaultAccounting) Vault() Vault {
	return va.vault
}

// Stake returns a copy of an account's stake.
func (va *VaultAccounting) Stake(account uuid.UUID) (Stake, bool) {
	s, ok := va.stakes[account]
	if !ok {
		return Stake{Account: account}, false
	}
	return *s, true
}

// SharesOf and TotalShares expose vault shares as a reward share source.
func (va *VaultAccounting) SharesOf(account uuid.UUID) int64 {
	if s, ok := va.stakes[account]; ok {
		return s.Shares
	}
	return 0
}

func (va *VaultAccounting) TotalShares() int64 {
	return va.vault.Shares
}

// AccountValue returns shares * balance / totalShares.
func (va *VaultAccounting) AccountValue(account uuid.UUID) (int64, error) {
	shares := va.SharesOf(account)
	if shares == 0 || va.vault.Shares == 0 {
		return 0, nil
	}
	return fpmath.MulDiv(shares, va.vault.Balance, va.vault.Shares, fpmath.RoundDown)
}

// StakePlan is a validated deposit.
type StakePlan struct {
	Caller    uuid.UUID
	Recipient uuid.UUID
	Amount    int64
	Shares    int64
	Now       int64
}

// PrepareStake validates a deposit and prices the new shares.
func (va *VaultAccounting) PrepareStake(caller, recipient uuid.UUID, amount, now int64) (*StakePlan, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("stake amount must be > 0: %w", ErrInvalidArgument)
	}
	if recipient == uuid.Nil {
		recipient = caller
	}

	newBalance, err := fpmath.CheckedAdd(va.vault.Balance, amount)
	if err != nil {
		return nil, err
	}
	if newBalance > va.vault.Cap {
		return nil, fmt.Errorf("balance %d + %d > cap %d: %w", va.vault.Balance, amount, va.vault.Cap, ErrVaultCapExceeded)
	}

	var shares int64
	switch {
	case va.vault.Shares == 0:
		shares = amount
	case va.vault.Balance <= 0:
		return nil, fmt.Errorf("vault balance exhausted with %d shares outstanding: %w",
			va.vault.Shares, ErrInsufficientVaultLiquidity)
	default:
		shares, err = fpmath.MulDiv(amount, va.vault.Shares, va.vault.Balance, fpmath.RoundDown)
		if err != nil {
			return nil, err
		}
	}
	if shares <= 0 {
		return nil, fmt.Errorf("stake of %d mints no shares: %w", amount, ErrInvalidArgument)
	}

	return &StakePlan{Caller: caller, Recipient: recipient, Amount: amount, Shares: shares, Now: now}, nil
}

func (va *VaultAccounting) CommitStake(plan *StakePlan) {
	va.rollCheckpoint(plan.Now)

	s, ok := va.stakes[plan.Recipient]
	if !ok {
		s = &Stake{Account: plan.Recipient}
		va.stakes[plan.Recipient] = s
	}
	s.Shares += plan.Shares
	s.Amount += plan.Amount
	s.Timestamp = plan.Now

	va.vault.Balance += plan.Amount
	va.vault.Staked += plan.Amount
	va.vault.Shares += plan.Shares
}

// RedeemPlan is a validated withdrawal.
type RedeemPlan struct {
	Account   uuid.UUID
	Recipient uuid.UUID
	Shares    int64
	Amount    int64 // payout
	Principal int64 // principal retired with the shares
	Now       int64
}

// PrepareRedeem validates a withdrawal. The payout is rounded down.
func (va *VaultAccounting) PrepareRedeem(account, recipient uuid.UUID, shares, now int64) (*RedeemPlan, error) {
	if recipient == uuid.Nil {
		recipient = account
	}
	s, ok := va.stakes[account]
	if shares <= 0 || !ok || shares > s.Shares {
		have := int64(0)
		if ok {
			have = s.Shares
		}
		return nil, fmt.Errorf("redeem %d shares, have %d: %w", shares, have, ErrInvalidArgument)
	}
	if now < s.Timestamp+va.vault.CooldownSeconds {
		return nil, fmt.Errorf("redeem at %d before %d: %w",
			now, s.Timestamp+va.vault.CooldownSeconds, ErrCooldownNotElapsed)
	}

	amount, err := fpmath.MulDiv(shares, va.vault.Balance, va.vault.Shares, fpmath.RoundDown)
	if err != nil {
		return nil, err
	}
	if amount > va.vault.Balance {
		return nil, fmt.Errorf("payout %d > balance %d: %w", amount, va.vault.Balance, ErrInsufficientVaultLiquidity)
	}
	if floor := va.drawdownFloor(now); va.vault.Balance-amount < floor {
		return nil, fmt.Errorf("payout %d would take balance below daily floor %d: %w",
			amount, floor, ErrInsufficientVaultLiquidity)
	}

	principal, err := fpmath.MulDiv(s.Amount, shares, s.Shares, fpmath.RoundDown)
	if err != nil {
		return nil, err
	}

	return &RedeemPlan{
		Account:   account,
		Recipient: recipient,
		Shares:    shares,
		Amount:    amount,
		Principal: principal,
		Now:       now,
	}, nil
}

func (va *VaultAccounting) CommitRedeem(plan *RedeemPlan) {
	va.rollCheckpoint(plan.Now)

	s := va.stakes[plan.Account]
	s.Shares -= plan.Shares
	s.Amount -= plan.Principal
	if s.Shares == 0 {
		delete(va.stakes, plan.Account)
	}

	va.vault.Balance -= plan.Amount
	va.vault.Staked -= plan.Principal
	va.vault.Shares -= plan.Shares
}

// ComputeCoverage returns how much of a requested payout the vault can
// cover and the shortfall left uncovered.
func (va *VaultAccounting) ComputeCoverage(requested int64) (covered int64, shortfall int64) {
	if va.vault.Balance >= requested {
		return requested, 0
	}
	if va.vault.Balance <= 0 {
		return 0, requested
	}
	return va.vault.Balance, requested - va.vault.Balance
}

// ApplyPnL moves trader losses into (delta > 0) or profits out of
// (delta < 0) the vault. Callers cap profits with ComputeCoverage first.
func (va *VaultAccounting) ApplyPnL(delta int64, now int64) {
	va.rollCheckpoint(now)
	va.vault.Balance += delta
}

// CreditFee adds the vault's share of a fee.
func (va *VaultAccounting) CreditFee(amount int64) {
	va.vault.Balance += amount
}

// PrepareUpdateParams validates new vault parameters.
func (va *VaultAccounting) PrepareUpdateParams(params VaultParams) error {
	if err := params.Validate(); err != nil {
		return fmt.Errorf("invalid vault params: %v: %w", err, ErrInvalidArgument)
	}
	return nil
}

func (va *VaultAccounting) CommitUpdateParams(params VaultParams) {
	va.vault.Cap = params.Cap
	va.vault.CooldownSeconds = params.CooldownSeconds
	va.vault.MaxDailyDrawdownBps = params.MaxDailyDrawdownBps
	va.vault.ExposureMultiplier = params.ExposureMultiplier
}

// drawdownFloor is the lowest balance redemptions may leave behind today.
func (va *VaultAccounting) drawdownFloor(now int64) int64 {
	if va.vault.MaxDailyDrawdownBps == 0 || va.vault.MaxDailyDrawdownBps == fpmath.BpsDenominator {
		return 0
	}
	checkpoint := va.vault.LastCheckpointBalance
	if now >= va.vault.LastCheckpointTime+checkpointInterval {
		checkpoint = va.vault.Balance
	}
	floor, err := fpmath.MulDiv(checkpoint, fpmath.BpsDenominator-va.vault.MaxDailyDrawdownBps, fpmath.BpsDenominator, fpmath.RoundDown)
	if err != nil {
		return 0
	}
	return floor
}

func (va *VaultAccounting) rollCheckpoint(now int64) {
	if now >= va.vault.LastCheckpointTime+checkpointInterval {
		va.vault.LastCheckpointBalance = va.vault.Balance
		va.vault.LastCheckpointTime = now
	}
}

// Stakes returns every stake ordered by account.
func (va *VaultAccounting) Stakes() []Stake {
	result := make([]Stake, 0, len(va.stakes))
	for _, s := range va.stakes {
		result = append(result, *s)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Account.String() < result[j].Account.String()
	})
	return result
}

// Restore replaces vault state (snapshot restore).
func (va *VaultAccounting) Restore(vault Vault, stakes []Stake) {
	va.vault = vault
	va.stakes = make(map[uuid.UUID]*Stake, len(stakes))
	for i := range stakes {
		s := stakes[i]
		va.stakes[s.Account] = &s
	}
}

// CanonicalBytes returns deterministic serialization for hashing
func (v *Vault) CanonicalBytes() []byte {
	buf := make([]byte, 0, 72)
	for _, x := range []int64{
		v.Cap, v.Balance, v.Staked, v.Shares, v.CooldownSeconds,
		v.MaxDailyDrawdownBps, v.LastCheckpointBalance, v.LastCheckpointTime, v.ExposureMultiplier,
	} {
		buf = appendInt64LE(buf, x)
	}
	return buf
}

// CanonicalBytes returns deterministic serialization for hashing
func (s *Stake) CanonicalBytes() []byte {
	buf := make([]byte, 0, 40)
	buf = append(buf, s.Account[:]...)
	buf = appendInt64LE(buf, s.Shares)
	buf = appendInt64LE(buf, s.Amount)
	buf = appendInt64LE(buf, s.Timestamp)
	return buf
}
