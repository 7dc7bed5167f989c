package config_test

import (
	"testing"
	"time"

	"PerpVault/internal/config"
	"PerpVault/internal/core"
	"PerpVault/internal/reward"
	"PerpVault/internal/state"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const owner = "3f1c2b9e-8a44-4d7b-9c1e-5a0f6e2d7b10"

// ==========================================================================
// Environment
// ==========================================================================

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PERP_OWNER_ACCOUNT", owner)
	t.Setenv("PERP_GENESIS_FILE", "")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, uuid.MustParse(owner), cfg.OwnerAccount)
	assert.Equal(t, uuid.Nil, cfg.KeeperAccount)
	assert.Equal(t, ":9090", cfg.GRPCAddr)
	assert.Equal(t, int64(100_000), cfg.SnapshotInterval)
	assert.Equal(t, 2*time.Second, cfg.CacheTTL)
	assert.Empty(t, cfg.RedisURL)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PERP_OWNER_ACCOUNT", owner)
	t.Setenv("PERP_KEEPER_ACCOUNT", "0b6d0c3a-1f2e-4c5d-8e9f-a0b1c2d3e4f5")
	t.Setenv("PERP_SNAPSHOT_INTERVAL", "500")
	t.Setenv("PERP_CACHE_TTL", "250ms")
	t.Setenv("PERP_PERSIST_BATCH_SIZE", "not-a-number")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, int64(500), cfg.SnapshotInterval)
	assert.Equal(t, 250*time.Millisecond, cfg.CacheTTL)
	assert.Equal(t, 50, cfg.PersistBatchSize, "unparseable values fall back to the default")
	assert.NotEqual(t, uuid.Nil, cfg.KeeperAccount)
}

func TestLoad_RequiresOwnerOrGenesis(t *testing.T) {
	t.Setenv("PERP_OWNER_ACCOUNT", "")
	t.Setenv("PERP_GENESIS_FILE", "")

	_, err := config.Load()
	assert.Error(t, err)
}

func TestLoad_RejectsBadAccount(t *testing.T) {
	t.Setenv("PERP_OWNER_ACCOUNT", "nope")

	_, err := config.Load()
	assert.Error(t, err)
}

// ==========================================================================
// Genesis
// ==========================================================================

const genesisYAML = `
owner: 3f1c2b9e-8a44-4d7b-9c1e-5a0f6e2d7b10
governors: [7a9e3c21-0d4b-4f6a-b8c2-1e5d9f0a3b47]
managers: [0b6d0c3a-1f2e-4c5d-8e9f-a0b1c2d3e4f5]
settlement_asset: USDC
vault:
  cap: "250000"
  cooldown_seconds: 3600
fee_split:
  protocol_bps: 1000
  staker_bps: 3000
  depositor_bps: 6000
  vault_bps: 0
max_shift: 0.003
min_margin: 10
max_margin: "50000.5"
allow_public_liquidator: true
can_user_stake: true
products:
  - product_id: 1
    feed: ETH-USD
    max_leverage: 50
    fee_bps: 10
  - product_id: 2
    feed: BTC-USD
    max_leverage: "100"
    active: false
    liquidation_bounty_fixed: "2.5"
reward_pools:
  - id: incentives
    source: token_stakes
    asset: PERP
`

func TestParseGenesis(t *testing.T) {
	g, err := config.ParseGenesis([]byte(genesisYAML))
	require.NoError(t, err)

	assert.Equal(t, uuid.MustParse(owner), g.Owner)
	require.Len(t, g.Governors, 1)
	require.Len(t, g.Managers, 1)

	assert.Equal(t, int64(250_000*100_000_000), g.Vault.Cap)
	assert.Equal(t, int64(3600), g.Vault.CooldownSeconds)
	assert.Equal(t, state.DefaultVaultParams.MaxDailyDrawdownBps, g.Vault.MaxDailyDrawdownBps)
	assert.Equal(t, int64(6000), g.FeeSplit.DepositorBps)
	assert.Equal(t, state.DefaultMaxShift, g.MaxShift)
	assert.Equal(t, int64(10*100_000_000), g.MinMargin)
	assert.Equal(t, int64(5_000_050_000_000), g.MaxMargin)
	assert.True(t, g.AllowPublicLiquidator)
	assert.True(t, g.CanUserStake)
	assert.Equal(t, reward.DefaultDuration, g.RewardDuration)

	require.Len(t, g.Products, 2)
	eth, btc := g.Products[0], g.Products[1]
	assert.Equal(t, "ETH-USD", eth.Feed)
	assert.Equal(t, int64(50*100_000_000), eth.MaxLeverage)
	assert.True(t, eth.IsActive)
	assert.Equal(t, state.DefaultProduct.Reserve, eth.Reserve)
	assert.Equal(t, int64(100*100_000_000), btc.MaxLeverage)
	assert.False(t, btc.IsActive)
	assert.Equal(t, int64(250_000_000), btc.LiquidationBountyFixed)

	require.Len(t, g.Pools, 1)
	assert.Equal(t, reward.SourceTokenStakes, g.Pools[0].Source)
	assert.Equal(t, reward.DefaultDuration, g.Pools[0].Duration)
}

func TestParseGenesis_BootsCore(t *testing.T) {
	g, err := config.ParseGenesis([]byte(genesisYAML))
	require.NoError(t, err)

	c, err := core.NewDeterministicCore(g, 0, nil, nil, nil, nil)
	require.NoError(t, err)

	p, ok := c.Products().Get(2)
	require.True(t, ok)
	assert.Equal(t, "BTC-USD", p.Feed)
}

func TestParseGenesis_Rejects(t *testing.T) {
	cases := map[string]string{
		"unknown key":          "owner: " + owner + "\nbogus: 1\n",
		"bad owner":            "owner: nobody\n",
		"too many decimals":    "owner: " + owner + "\nmin_margin: 0.000000001\n",
		"fee split not 100%":   "owner: " + owner + "\nfee_split: {protocol_bps: 1, staker_bps: 1, depositor_bps: 1, vault_bps: 1}\n",
		"duplicate product":    "owner: " + owner + "\nproducts: [{product_id: 1, feed: A}, {product_id: 1, feed: B}]\n",
		"product without feed": "owner: " + owner + "\nproducts: [{product_id: 1}]\n",
		"unknown pool source":  "owner: " + owner + "\nreward_pools: [{id: x, source: nft}]\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := config.ParseGenesis([]byte(doc))
			assert.Error(t, err)
		})
	}
}
