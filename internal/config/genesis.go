package config

import (
	"bytes"
	"fmt"
	"os"

	"PerpVault/internal/core"
	fpmath "PerpVault/internal/math"
	"PerpVault/internal/reward"
	"PerpVault/internal/state"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.yaml.in/yaml/v2"
)

// Decimal is a human-readable amount in the genesis file ("3000.5"). YAML
// numbers and strings are both accepted.
type Decimal struct {
	decimal.Decimal
	set bool
}

func (d *Decimal) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return fmt.Errorf("decimal %q: %w", raw, err)
	}
	d.Decimal = v
	d.set = true
	return nil
}

// Fixed returns the value scaled to 1e8, or def when the field was omitted.
func (d Decimal) Fixed(def int64) (int64, error) {
	if !d.set {
		return def, nil
	}
	return fpmath.ParseFixed(d.String(), int32(fpmath.AmountConfig.DecimalPrecision))
}

// GenesisFile is the YAML layout of the genesis catalog.
type GenesisFile struct {
	Owner           string   `yaml:"owner"`
	Governors       []string `yaml:"governors"`
	Managers        []string `yaml:"managers"`
	SettlementAsset string   `yaml:"settlement_asset"`
	IncentiveAsset  string   `yaml:"incentive_asset"`

	Vault struct {
		Cap                 Decimal `yaml:"cap"`
		CooldownSeconds     *int64  `yaml:"cooldown_seconds"`
		MaxDailyDrawdownBps *int64  `yaml:"max_daily_drawdown_bps"`
		ExposureMultiplier  *int64  `yaml:"exposure_multiplier_bps"`
	} `yaml:"vault"`

	FeeSplit *struct {
		ProtocolBps  int64 `yaml:"protocol_bps"`
		StakerBps    int64 `yaml:"staker_bps"`
		DepositorBps int64 `yaml:"depositor_bps"`
		VaultBps     int64 `yaml:"vault_bps"`
	} `yaml:"fee_split"`

	MaxShift              Decimal `yaml:"max_shift"`
	MinMargin             Decimal `yaml:"min_margin"`
	MaxMargin             Decimal `yaml:"max_margin"`
	MinProfitTime         *int64  `yaml:"min_profit_time_seconds"`
	AllowPublicLiquidator bool    `yaml:"allow_public_liquidator"`
	CanUserStake          bool    `yaml:"can_user_stake"`
	RewardDuration        *int64  `yaml:"reward_duration_seconds"`

	Products []ProductFile `yaml:"products"`
	Pools    []PoolFile    `yaml:"reward_pools"`
}

// ProductFile is one product entry. Omitted fields take state.DefaultProduct.
type ProductFile struct {
	ProductID               uint64  `yaml:"product_id"`
	Feed                    string  `yaml:"feed"`
	MaxLeverage             Decimal `yaml:"max_leverage"`
	FeeBps                  *int64  `yaml:"fee_bps"`
	Active                  *bool   `yaml:"active"`
	MaxExposure             Decimal `yaml:"max_exposure"`
	InterestBps             *int64  `yaml:"interest_bps"`
	LiquidationThresholdBps *int64  `yaml:"liquidation_threshold_bps"`
	LiquidationBountyBps    *int64  `yaml:"liquidation_bounty_bps"`
	LiquidationBountyFixed  Decimal `yaml:"liquidation_bounty_fixed"`
	MinPriceChangeBps       *int64  `yaml:"min_price_change_bps"`
	Weight                  *int64  `yaml:"weight"`
	Reserve                 Decimal `yaml:"reserve"`
	MaxPositionMargin       Decimal `yaml:"max_position_margin"`
}

// PoolFile declares an extra reward pool.
type PoolFile struct {
	ID       string `yaml:"id"`
	Source   string `yaml:"source"`
	Asset    string `yaml:"asset"`
	Duration int64  `yaml:"duration_seconds"`
}

// LoadGenesis reads and converts a genesis file.
func LoadGenesis(path string) (core.Genesis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return core.Genesis{}, fmt.Errorf("read genesis: %w", err)
	}
	return ParseGenesis(data)
}

// ParseGenesis converts YAML into a core genesis. Unknown keys are rejected.
func ParseGenesis(data []byte) (core.Genesis, error) {
	var f GenesisFile
	if err := yaml.UnmarshalStrict(bytes.TrimSpace(data), &f); err != nil {
		return core.Genesis{}, fmt.Errorf("parse genesis: %w", err)
	}
	return f.Genesis()
}

// Genesis applies the file on top of core.DefaultGenesis.
func (f *GenesisFile) Genesis() (core.Genesis, error) {
	owner, err := uuid.Parse(f.Owner)
	if err != nil {
		return core.Genesis{}, fmt.Errorf("owner: %w", err)
	}
	g := core.DefaultGenesis(owner)

	if g.Governors, err = parseAccounts("governors", f.Governors); err != nil {
		return core.Genesis{}, err
	}
	if g.Managers, err = parseAccounts("managers", f.Managers); err != nil {
		return core.Genesis{}, err
	}
	if f.SettlementAsset != "" {
		g.SettlementAsset = f.SettlementAsset
	}
	if f.IncentiveAsset != "" {
		g.IncentiveAsset = f.IncentiveAsset
	}

	if g.Vault.Cap, err = f.Vault.Cap.Fixed(g.Vault.Cap); err != nil {
		return core.Genesis{}, fmt.Errorf("vault.cap: %w", err)
	}
	setInt(&g.Vault.CooldownSeconds, f.Vault.CooldownSeconds)
	setInt(&g.Vault.MaxDailyDrawdownBps, f.Vault.MaxDailyDrawdownBps)
	setInt(&g.Vault.ExposureMultiplier, f.Vault.ExposureMultiplier)
	if err := g.Vault.Validate(); err != nil {
		return core.Genesis{}, fmt.Errorf("vault: %w", err)
	}

	if f.FeeSplit != nil {
		g.FeeSplit = state.FeeSplit{
			ProtocolBps:  f.FeeSplit.ProtocolBps,
			StakerBps:    f.FeeSplit.StakerBps,
			DepositorBps: f.FeeSplit.DepositorBps,
			VaultBps:     f.FeeSplit.VaultBps,
		}
	}
	if err := g.FeeSplit.Validate(); err != nil {
		return core.Genesis{}, fmt.Errorf("fee_split: %w", err)
	}

	if g.MaxShift, err = f.MaxShift.Fixed(g.MaxShift); err != nil {
		return core.Genesis{}, fmt.Errorf("max_shift: %w", err)
	}
	if g.MinMargin, err = f.MinMargin.Fixed(0); err != nil {
		return core.Genesis{}, fmt.Errorf("min_margin: %w", err)
	}
	if g.MaxMargin, err = f.MaxMargin.Fixed(0); err != nil {
		return core.Genesis{}, fmt.Errorf("max_margin: %w", err)
	}
	setInt(&g.MinProfitTime, f.MinProfitTime)
	setInt(&g.RewardDuration, f.RewardDuration)
	g.AllowPublicLiquidator = f.AllowPublicLiquidator
	g.CanUserStake = f.CanUserStake

	seen := make(map[uint64]bool, len(f.Products))
	for i := range f.Products {
		p, err := f.Products[i].product()
		if err != nil {
			return core.Genesis{}, fmt.Errorf("products[%d]: %w", i, err)
		}
		if seen[p.ProductID] {
			return core.Genesis{}, fmt.Errorf("products[%d]: duplicate product_id %d", i, p.ProductID)
		}
		seen[p.ProductID] = true
		g.Products = append(g.Products, p)
	}

	for i, pf := range f.Pools {
		kind, err := reward.ParseSourceKind(pf.Source)
		if err != nil {
			return core.Genesis{}, fmt.Errorf("reward_pools[%d]: %w", i, err)
		}
		if pf.ID == "" {
			return core.Genesis{}, fmt.Errorf("reward_pools[%d]: id must be set", i)
		}
		duration := pf.Duration
		if duration == 0 {
			duration = g.RewardDuration
		}
		g.Pools = append(g.Pools, reward.PoolConfig{ID: pf.ID, Source: kind, Asset: pf.Asset, Duration: duration})
	}
	return g, nil
}

func (pf *ProductFile) product() (state.Product, error) {
	p := state.DefaultProduct
	p.ProductID = pf.ProductID
	p.Feed = pf.Feed

	var err error
	if p.MaxLeverage, err = pf.MaxLeverage.Fixed(p.MaxLeverage); err != nil {
		return p, fmt.Errorf("max_leverage: %w", err)
	}
	if p.MaxExposure, err = pf.MaxExposure.Fixed(p.MaxExposure); err != nil {
		return p, fmt.Errorf("max_exposure: %w", err)
	}
	if p.LiquidationBountyFixed, err = pf.LiquidationBountyFixed.Fixed(p.LiquidationBountyFixed); err != nil {
		return p, fmt.Errorf("liquidation_bounty_fixed: %w", err)
	}
	if p.Reserve, err = pf.Reserve.Fixed(p.Reserve); err != nil {
		return p, fmt.Errorf("reserve: %w", err)
	}
	if p.MaxPositionMargin, err = pf.MaxPositionMargin.Fixed(p.MaxPositionMargin); err != nil {
		return p, fmt.Errorf("max_position_margin: %w", err)
	}
	setInt(&p.FeeBps, pf.FeeBps)
	setInt(&p.InterestBps, pf.InterestBps)
	setInt(&p.LiquidationThresholdBps, pf.LiquidationThresholdBps)
	setInt(&p.LiquidationBountyBps, pf.LiquidationBountyBps)
	setInt(&p.MinPriceChangeBps, pf.MinPriceChangeBps)
	setInt(&p.Weight, pf.Weight)
	if pf.Active != nil {
		p.IsActive = *pf.Active
	}
	if err := state.ValidateProduct(&p); err != nil {
		return p, err
	}
	return p, nil
}

func parseAccounts(field string, raw []string) ([]uuid.UUID, error) {
	out := make([]uuid.UUID, 0, len(raw))
	for i, s := range raw {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", field, i, err)
		}
		out = append(out, id)
	}
	return out, nil
}

func setInt(dst *int64, v *int64) {
	if v != nil {
		*dst = *v
	}
}
