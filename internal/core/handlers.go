package core

import (
	"bytes"
	"fmt"
	"sort"

	"PerpVault/internal/event"
	"PerpVault/internal/ledger"
	fpmath "PerpVault/internal/math"
	"PerpVault/internal/reward"
	"PerpVault/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// txn collects the effects of one command while it commits.
type txn struct {
	now           int64
	b             *ledger.BatchBuilder
	outcomes      []event.Outcome
	positions     map[event.PositionKey]bool
	products      map[uint64]bool
	accounts      map[uuid.UUID]bool // stake or reward rows changed
	stakesChanged bool
}

func (c *DeterministicCore) newTxn(cmd event.Event, now int64) *txn {
	return &txn{
		now:       now,
		b:         c.journalGen.NewBatch(cmd.IdempotencyKey(), c.sequence, cmd.Timestamp().UnixMicro()),
		positions: make(map[event.PositionKey]bool),
		products:  make(map[uint64]bool),
		accounts:  make(map[uuid.UUID]bool),
	}
}

func (t *txn) emit(o event.Outcome) {
	t.outcomes = append(t.outcomes, o)
}

func (t *txn) touchPosition(key event.PositionKey, productID uint64) {
	t.positions[key] = true
	t.products[productID] = true
}

func (t *txn) touchAccount(account uuid.UUID) {
	t.accounts[account] = true
}

func (t *txn) touchedAccounts() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(t.accounts))
	for id := range t.accounts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return bytes.Compare(ids[i][:], ids[j][:]) < 0 })
	return ids
}

func (t *txn) touchedPositions() []event.PositionKey {
	keys := make([]event.PositionKey, 0, len(t.positions))
	for k := range t.positions {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i][:], keys[j][:]) < 0 })
	return keys
}

func (t *txn) touchedProducts() []uint64 {
	ids := make([]uint64, 0, len(t.products))
	for id := range t.products {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// capability returns who may submit cmd. It is the only authorization
// point in the core.
func (c *DeterministicCore) capability(cmd event.Event) state.Capability {
	switch e := cmd.(type) {
	case *event.OpenPosition:
		return state.Self{Account: e.Owner()}
	case *event.ClosePosition:
		return state.Self{Account: e.Owner()}
	case *event.LiquidatePositions:
		return state.PublicWhenFlagged{Flag: state.FlagPublicLiquidation, Otherwise: state.ManagerOrAbove{}}
	case *event.Stake:
		return state.PublicWhenFlagged{Flag: state.FlagUserStake, Otherwise: state.OwnerOnly{}}
	case *event.Redeem, *event.StakeToken, *event.WithdrawToken, *event.ExitStaking,
		*event.ClaimReward, *event.ClaimAllRewards:
		// act on the caller's own balances
		return state.Anyone{}
	case *event.FundReward, *event.NotifyReward, *event.OraclePrice:
		return state.ManagerOrAbove{}
	case *event.SetRole, *event.TransferOwnership, *event.WithdrawProtocolReserve:
		return state.OwnerOnly{}
	default:
		return state.GovernorOrOwner{}
	}
}

func (c *DeterministicCore) dispatchCommand(cmd event.Event, tx *txn) error {
	switch e := cmd.(type) {
	case *event.OpenPosition:
		return c.handleOpenPosition(e, tx)
	case *event.ClosePosition:
		return c.handleClosePosition(e, tx)
	case *event.LiquidatePositions:
		return c.handleLiquidatePositions(e, tx)
	case *event.Stake:
		return c.handleStake(e, tx)
	case *event.Redeem:
		return c.handleRedeem(e, tx)
	case *event.StakeToken:
		return c.handleStakeToken(e, tx)
	case *event.WithdrawToken:
		return c.handleWithdrawToken(e, tx)
	case *event.ExitStaking:
		return c.handleExitStaking(e, tx)
	case *event.ClaimReward:
		return c.handleClaimReward(e, tx)
	case *event.ClaimAllRewards:
		return c.handleClaimAllRewards(e, tx)
	case *event.FundReward:
		return c.handleFundReward(e, tx)
	case *event.NotifyReward:
		return c.handleNotifyReward(e, tx)
	case *event.SetRewardDuration:
		return c.handleSetRewardDuration(e, tx)
	case *event.AddRewardPool:
		return c.handleAddRewardPool(e, tx)
	case *event.OraclePrice:
		return c.handleOraclePrice(e, tx)
	case *event.UpsertProduct:
		return c.handleUpsertProduct(e, tx)
	case *event.SetProductActive:
		return c.handleSetProductActive(e, tx)
	case *event.SetMaxPositionMargin:
		return c.handleSetMaxPositionMargin(e, tx)
	case *event.UpdateVault:
		return c.handleUpdateVault(e, tx)
	case *event.SetMarginBounds:
		return c.handleSetMarginBounds(e, tx)
	case *event.SetMinProfitTime:
		return c.handleSetMinProfitTime(e, tx)
	case *event.SetFeeSplit:
		return c.handleSetFeeSplit(e, tx)
	case *event.SetPublicLiquidation:
		return c.handleSetFlag(state.FlagPublicLiquidation, e.Enabled, e, tx)
	case *event.SetCanUserStake:
		return c.handleSetFlag(state.FlagUserStake, e.Enabled, e, tx)
	case *event.SetRole:
		return c.handleSetRole(e, tx)
	case *event.TransferOwnership:
		return c.handleTransferOwnership(e, tx)
	case *event.WithdrawProtocolReserve:
		return c.handleWithdrawProtocolReserve(e, tx)
	default:
		return fmt.Errorf("unknown command type %T: %w", cmd, state.ErrInvalidArgument)
	}
}

// ============================================================================
// Trading
// ============================================================================

// marketContext gathers the global inputs for a position command. Closes
// tolerate a missing exposure budget.
func (c *DeterministicCore) marketContext(product *state.Product, closing bool) (state.MarketContext, error) {
	price, err := c.oracles.Price(product.Feed)
	if err != nil {
		return state.MarketContext{}, err
	}
	vault := c.vault.Vault()
	maxExposure, err := state.ResolveMaxExposure(product, vault, c.products.TotalWeight())
	if err != nil {
		if !closing {
			return state.MarketContext{}, err
		}
		maxExposure = 0
	}
	return state.MarketContext{
		OraclePrice:   price,
		MaxExposure:   maxExposure,
		MinMargin:     c.gov.MinMargin,
		MaxMargin:     c.gov.MaxMargin,
		MinProfitTime: c.gov.MinProfitTime,
		VaultBalance:  vault.Balance,
	}, nil
}

func (c *DeterministicCore) handleOpenPosition(cmd *event.OpenPosition, tx *txn) error {
	account := cmd.Owner()
	product, err := c.products.Active(cmd.Product)
	if err != nil {
		return err
	}
	mc, err := c.marketContext(product, false)
	if err != nil {
		return err
	}
	plan, err := c.positions.PrepareOpen(state.OpenRequest{
		Account:            account,
		ProductID:          cmd.Product,
		Margin:             cmd.Margin,
		IsLong:             cmd.IsLong,
		Leverage:           cmd.Leverage,
		RequirePriceChange: cmd.RequirePriceChange,
		Now:                tx.now,
	}, mc)
	if err != nil {
		return err
	}
	shares, err := c.fees.Compute(plan.Fee())
	if err != nil {
		return err
	}

	// commit
	c.positions.CommitOpen(plan)
	tx.touchPosition(plan.Key, plan.ProductID)

	wallet := c.walletAccount(account)
	tx.b.Transfer(wallet, c.marginAccount(account), plan.Margin, ledger.JournalTypeMarginLock)
	c.distributeFee(tx, wallet, shares)

	tx.emit(&event.NewPositionEvent{
		PositionKey: plan.Key,
		Account:     account,
		ProductID:   plan.ProductID,
		IsLong:      plan.IsLong,
		ExecPrice:   plan.Price,
		OraclePrice: plan.OraclePrice,
		AddedMargin: plan.Margin,
		Fee:         plan.Fee(),
		IsIncrease:  plan.IsIncrease,
		Margin:      plan.Result.Margin,
		Leverage:    plan.Result.Leverage,
		EntryPrice:  plan.Result.Price,
		Timestamp:   plan.Result.Timestamp,
	})
	if c.metrics != nil {
		c.metrics.PositionsOpened.WithLabelValues(productLabel(plan.ProductID), sideLabel(plan.IsLong)).Inc()
		c.observeOpenInterest(plan.ProductID)
	}
	return nil
}

func (c *DeterministicCore) handleClosePosition(cmd *event.ClosePosition, tx *txn) error {
	account := cmd.Owner()
	product, err := c.products.Existing(cmd.Product)
	if err != nil {
		return err
	}
	mc, err := c.marketContext(product, true)
	if err != nil {
		return err
	}
	plan, err := c.positions.PrepareClose(state.CloseRequest{
		Account:   account,
		ProductID: cmd.Product,
		IsLong:    cmd.IsLong,
		Margin:    cmd.Margin,
		Now:       tx.now,
	}, mc)
	if err != nil {
		return err
	}
	shares, err := c.fees.Compute(plan.FeeCharged)
	if err != nil {
		return err
	}

	// commit
	c.positions.CommitClose(plan)
	c.vault.ApplyPnL(plan.VaultDelta(), tx.now)
	tx.touchPosition(plan.Key, plan.Before.ProductID)

	margin := c.marginAccount(account)
	wallet := c.walletAccount(account)
	c.distributeFee(tx, margin, shares)
	tx.b.Transfer(margin, c.vaultAccount(), plan.Loss, ledger.JournalTypeTradePnL)
	tx.b.Transfer(c.vaultAccount(), wallet, plan.ProfitPaid, ledger.JournalTypeTradePnL)
	tx.b.Transfer(margin, wallet, plan.CloseMargin-plan.FeeCharged-plan.Loss, ledger.JournalTypeMarginRelease)

	if plan.PayoutCapped {
		c.log.Warn().
			Str("position", plan.Key.String()).
			Int64("pnl", plan.PnL).
			Int64("paid", plan.ProfitPaid).
			Msg("profit capped by vault balance")
		if c.metrics != nil {
			c.metrics.PayoutCapped.WithLabelValues(productLabel(plan.Before.ProductID)).Inc()
		}
	}

	tx.emit(&event.ClosePositionEvent{
		PositionKey:     plan.Key,
		Account:         account,
		ProductID:       plan.Before.ProductID,
		IsLong:          plan.Before.IsLong,
		ExecPrice:       plan.Price,
		EntryPrice:      plan.Before.Price,
		ClosedMargin:    plan.CloseMargin,
		RemainingMargin: plan.Before.Margin - plan.CloseMargin,
		Leverage:        plan.Before.Leverage,
		TotalFee:        plan.FeeCharged + plan.FeeNetted,
		PnL:             plan.PnL,
		Payout:          plan.Payout,
		IsFullClose:     plan.IsFullClose,
		PayoutCapped:    plan.PayoutCapped,
	})
	if c.metrics != nil {
		c.metrics.PositionsClosed.WithLabelValues(productLabel(plan.Before.ProductID), sideLabel(plan.Before.IsLong)).Inc()
		c.observeOpenInterest(plan.Before.ProductID)
	}
	return nil
}

func (c *DeterministicCore) handleLiquidatePositions(cmd *event.LiquidatePositions, tx *txn) error {
	liquidator := cmd.Caller()
	plan, err := c.liquidations.PrepareLiquidation(cmd.PositionKeys, liquidator, tx.now)
	if err != nil {
		return err
	}
	shares := make([]state.FeeShares, len(plan.Items))
	for i, it := range plan.Items {
		if shares[i], err = c.fees.Compute(it.Interest); err != nil {
			return err
		}
	}

	// commit
	c.liquidations.CommitLiquidation(plan)
	for i, it := range plan.Items {
		pos := it.Before
		tx.touchPosition(pos.Key, pos.ProductID)
		c.vault.ApplyPnL(it.ToVault, tx.now)

		margin := c.marginAccount(pos.Account)
		tx.b.Transfer(margin, c.walletAccount(liquidator), it.Bounty, ledger.JournalTypeLiquidationBounty)
		c.distributeFee(tx, margin, shares[i])
		tx.b.Transfer(margin, c.vaultAccount(), it.ToVault, ledger.JournalTypeLiquidationForfeit)

		liq := liquidator
		tx.emit(&event.ClosePositionEvent{
			PositionKey:   pos.Key,
			Account:       pos.Account,
			ProductID:     pos.ProductID,
			IsLong:        pos.IsLong,
			ExecPrice:     it.OraclePrice,
			EntryPrice:    pos.Price,
			ClosedMargin:  pos.Margin,
			Leverage:      pos.Leverage,
			TotalFee:      it.Interest,
			PnL:           -pos.Margin,
			IsFullClose:   true,
			IsLiquidation: true,
			Liquidator:    &liq,
			Bounty:        it.Bounty,
		})
		if c.metrics != nil {
			c.metrics.LiquidationsTotal.WithLabelValues(productLabel(pos.ProductID)).Inc()
			c.metrics.LiquidationBounty.Add(float64(it.Bounty))
			c.observeOpenInterest(pos.ProductID)
		}
	}
	c.log.Info().
		Str("liquidator", liquidator.String()).
		Int("positions", len(plan.Items)).
		Msg("positions liquidated")
	return nil
}

// distributeFee moves a fee from payer to its recipients and updates the
// components that hold them.
func (c *DeterministicCore) distributeFee(tx *txn, payer ledger.AccountKey, shares state.FeeShares) {
	if shares.Total == 0 {
		return
	}
	tx.b.Transfer(payer, c.reserveAccount(), shares.Protocol, ledger.JournalTypeTradeFee)
	tx.b.Transfer(payer, c.vaultAccount(), shares.Vault, ledger.JournalTypeTradeFee)
	tx.b.Transfer(payer, c.poolAccount(state.StakerFeePoolID), shares.Stakers, ledger.JournalTypeTradeFee)
	tx.b.Transfer(payer, c.poolAccount(state.DepositorFeePoolID), shares.Depositors, ledger.JournalTypeTradeFee)
	c.fees.Distribute(shares, c.vault, tx.now)

	tx.emit(&event.FeeDistributedEvent{
		Total:      shares.Total,
		Protocol:   shares.Protocol,
		Stakers:    shares.Stakers,
		Depositors: shares.Depositors,
		Vault:      shares.Vault,
	})
	if c.metrics != nil {
		c.metrics.FeesCollected.WithLabelValues("protocol").Add(float64(shares.Protocol))
		c.metrics.FeesCollected.WithLabelValues("stakers").Add(float64(shares.Stakers))
		c.metrics.FeesCollected.WithLabelValues("depositors").Add(float64(shares.Depositors))
		c.metrics.FeesCollected.WithLabelValues("vault").Add(float64(shares.Vault))
	}
}

func (c *DeterministicCore) observeOpenInterest(productID uint64) {
	p, ok := c.products.Get(productID)
	if !ok {
		return
	}
	label := productLabel(productID)
	c.metrics.OpenInterest.WithLabelValues(label, "long").Set(float64(p.OpenInterestLong))
	c.metrics.OpenInterest.WithLabelValues(label, "short").Set(float64(p.OpenInterestShort))
}

func (c *DeterministicCore) handleOraclePrice(cmd *event.OraclePrice, tx *txn) error {
	applied, err := c.oracles.Update(cmd.Feed, cmd.Price, cmd.PriceSequence, tx.now)
	if err != nil || !applied {
		return err
	}

	var keys []event.PositionKey
	for _, key := range c.liquidations.ScanLiquidatable() {
		pos := c.positions.GetPosition(key)
		if p, ok := c.products.Get(pos.ProductID); ok && p.Feed == cmd.Feed {
			keys = append(keys, key)
		}
	}
	if len(keys) > 0 {
		tx.emit(&event.LiquidationCandidatesEvent{Feed: cmd.Feed, Price: cmd.Price, PositionKeys: keys})
	}
	return nil
}

// ============================================================================
// Vault
// ============================================================================

func (c *DeterministicCore) handleStake(cmd *event.Stake, tx *txn) error {
	plan, err := c.vault.PrepareStake(cmd.Caller(), cmd.Recipient, cmd.Amount, tx.now)
	if err != nil {
		return err
	}

	c.rewards.CheckpointSource(reward.SourceVaultShares, plan.Recipient, tx.now)
	c.vault.CommitStake(plan)
	tx.stakesChanged = true
	tx.touchAccount(plan.Recipient)

	tx.b.Transfer(c.walletAccount(plan.Caller), c.vaultAccount(), plan.Amount, ledger.JournalTypeVaultDeposit)
	tx.emit(&event.StakedEvent{
		Account:   plan.Caller,
		Recipient: plan.Recipient,
		Amount:    plan.Amount,
		Shares:    plan.Shares,
	})
	return nil
}

func (c *DeterministicCore) handleRedeem(cmd *event.Redeem, tx *txn) error {
	plan, err := c.vault.PrepareRedeem(cmd.Caller(), cmd.Recipient, cmd.Shares, tx.now)
	if err != nil {
		return err
	}

	c.rewards.CheckpointSource(reward.SourceVaultShares, plan.Account, tx.now)
	c.vault.CommitRedeem(plan)
	tx.stakesChanged = true
	tx.touchAccount(plan.Account)

	tx.b.Transfer(c.vaultAccount(), c.walletAccount(plan.Recipient), plan.Amount, ledger.JournalTypeVaultRedeem)
	tx.emit(&event.RedeemedEvent{
		Account:   plan.Account,
		Recipient: plan.Recipient,
		Shares:    plan.Shares,
		Amount:    plan.Amount,
	})
	return nil
}

// ============================================================================
// Rewards
// ============================================================================

func (c *DeterministicCore) handleStakeToken(cmd *event.StakeToken, tx *txn) error {
	amount := cmd.Amount.U256()
	stakes := c.rewards.TokenStakes()
	if err := stakes.PrepareStake(amount); err != nil {
		return err
	}
	c.rewards.CommitStakeToken(cmd.Caller(), amount, tx.now)
	tx.touchAccount(cmd.Caller())
	tx.emit(&event.TokenStakeChangedEvent{
		Account: cmd.Caller(),
		Delta:   event.NewTokenAmount(amount),
		Balance: event.NewTokenAmount(stakes.SharesOf(cmd.Caller())),
		Staked:  true,
	})
	return nil
}

func (c *DeterministicCore) handleWithdrawToken(cmd *event.WithdrawToken, tx *txn) error {
	amount := cmd.Amount.U256()
	stakes := c.rewards.TokenStakes()
	if err := stakes.PrepareWithdraw(cmd.Caller(), amount); err != nil {
		return err
	}
	c.rewards.CommitWithdrawToken(cmd.Caller(), amount, tx.now)
	tx.touchAccount(cmd.Caller())
	tx.emit(&event.TokenStakeChangedEvent{
		Account: cmd.Caller(),
		Delta:   event.NewTokenAmount(amount),
		Balance: event.NewTokenAmount(stakes.SharesOf(cmd.Caller())),
	})
	return nil
}

func (c *DeterministicCore) handleExitStaking(cmd *event.ExitStaking, tx *txn) error {
	account := cmd.Caller()
	amount, err := c.rewards.PrepareExit(account)
	if err != nil {
		return err
	}
	claims := c.rewards.CommitExit(account, amount, tx.now)
	tx.emit(&event.TokenStakeChangedEvent{
		Account: account,
		Delta:   event.NewTokenAmount(amount),
		Balance: event.NewTokenAmount(uint256.NewInt(0)),
	})
	c.payClaims(tx, account, claims)
	return nil
}

func (c *DeterministicCore) handleClaimReward(cmd *event.ClaimReward, tx *txn) error {
	pool, err := c.rewards.Pool(cmd.PoolID)
	if err != nil {
		return err
	}
	amount := pool.Claim(cmd.Caller(), tx.now)
	tx.touchAccount(cmd.Caller())
	if amount.IsZero() {
		return nil
	}
	c.payClaims(tx, cmd.Caller(), []reward.Claim{{PoolID: pool.ID, Asset: pool.Asset, Amount: amount}})
	return nil
}

func (c *DeterministicCore) handleClaimAllRewards(cmd *event.ClaimAllRewards, tx *txn) error {
	c.payClaims(tx, cmd.Caller(), c.rewards.ClaimAll(cmd.Caller(), tx.now))
	return nil
}

// payClaims journals settlement-asset claims out of their pools. Claims in
// other assets are reported but have no ledger leg.
func (c *DeterministicCore) payClaims(tx *txn, account uuid.UUID, claims []reward.Claim) {
	tx.touchAccount(account)
	for _, cl := range claims {
		if cl.Asset == c.settlementAsset {
			amount, err := fpmath.Int64FromU256(cl.Amount)
			if err != nil {
				panic(fmt.Sprintf("FATAL: settlement claim from %s: %v", cl.PoolID, err))
			}
			tx.b.Transfer(c.poolAccount(cl.PoolID), c.walletAccount(account), amount, ledger.JournalTypeRewardClaim)
		}
		tx.emit(&event.RewardClaimedEvent{
			PoolID:  cl.PoolID,
			Account: account,
			Amount:  event.NewTokenAmount(cl.Amount),
		})
		if c.metrics != nil {
			c.metrics.RewardClaimedTotal.WithLabelValues(cl.PoolID).Inc()
		}
	}
}

func (c *DeterministicCore) handleFundReward(cmd *event.FundReward, tx *txn) error {
	amount := cmd.Amount.U256()
	pool, err := c.rewards.PrepareFund(cmd.PoolID, amount)
	if err != nil {
		return err
	}
	var ledgerAmount int64
	if pool.Asset == c.settlementAsset {
		if ledgerAmount, err = fpmath.Int64FromU256(amount); err != nil {
			return err
		}
	}

	pool.Fund(amount)
	tx.b.Transfer(c.walletAccount(cmd.Caller()), c.poolAccount(pool.ID), ledgerAmount, ledger.JournalTypeRewardFund)
	tx.emit(&event.ConfigChangedEvent{Command: cmd.EventType().WireName()})
	return nil
}

func (c *DeterministicCore) handleNotifyReward(cmd *event.NotifyReward, tx *txn) error {
	plan, err := c.rewards.PrepareNotify(cmd.PoolID, cmd.Amount.U256(), tx.now)
	if err != nil {
		return err
	}
	c.rewards.CommitNotify(plan)
	tx.emit(&event.RewardNotifiedEvent{
		PoolID:       plan.PoolID,
		Amount:       event.NewTokenAmount(plan.Amount),
		RewardRate:   event.NewTokenAmount(plan.Rate),
		PeriodFinish: plan.PeriodFinish,
	})
	return nil
}

func (c *DeterministicCore) handleSetRewardDuration(cmd *event.SetRewardDuration, tx *txn) error {
	pool, err := c.rewards.Pool(cmd.PoolID)
	if err != nil {
		return err
	}
	if err := pool.PrepareSetDuration(cmd.DurationSeconds, tx.now); err != nil {
		return err
	}
	pool.CommitSetDuration(cmd.DurationSeconds)
	tx.emit(&event.ConfigChangedEvent{Command: cmd.EventType().WireName()})
	return nil
}

func (c *DeterministicCore) handleAddRewardPool(cmd *event.AddRewardPool, tx *txn) error {
	kind, err := reward.ParseSourceKind(cmd.Source)
	if err != nil {
		return err
	}
	cfg := reward.PoolConfig{ID: cmd.PoolID, Source: kind, Asset: cmd.Asset, Duration: cmd.DurationSeconds}
	if err := c.rewards.PrepareAddPool(cfg); err != nil {
		return err
	}
	c.rewards.CommitAddPool(cfg)
	tx.emit(&event.ConfigChangedEvent{Command: cmd.EventType().WireName()})
	return nil
}

// ============================================================================
// Configuration & governance
// ============================================================================

func (c *DeterministicCore) handleUpsertProduct(cmd *event.UpsertProduct, tx *txn) error {
	prepared, err := c.products.PrepareUpsert(state.Product{
		ProductID:               cmd.Product,
		Feed:                    cmd.Feed,
		MaxLeverage:             cmd.MaxLeverage,
		FeeBps:                  cmd.FeeBps,
		IsActive:                cmd.IsActive,
		MaxExposure:             cmd.MaxExposure,
		InterestBps:             cmd.InterestBps,
		LiquidationThresholdBps: cmd.LiquidationThresholdBps,
		LiquidationBountyBps:    cmd.LiquidationBountyBps,
		LiquidationBountyFixed:  cmd.LiquidationBountyFixed,
		MinPriceChangeBps:       cmd.MinPriceChangeBps,
		Weight:                  cmd.Weight,
		Reserve:                 cmd.Reserve,
	})
	if err != nil {
		return err
	}
	c.products.CommitUpsert(prepared)
	tx.products[cmd.Product] = true
	tx.emit(&event.ConfigChangedEvent{Command: cmd.EventType().WireName()})
	return nil
}

func (c *DeterministicCore) handleSetProductActive(cmd *event.SetProductActive, tx *txn) error {
	if err := c.products.SetActive(cmd.Product, cmd.IsActive); err != nil {
		return err
	}
	tx.products[cmd.Product] = true
	tx.emit(&event.ConfigChangedEvent{Command: cmd.EventType().WireName()})
	return nil
}

func (c *DeterministicCore) handleSetMaxPositionMargin(cmd *event.SetMaxPositionMargin, tx *txn) error {
	if err := c.products.SetMaxPositionMargin(cmd.Product, cmd.MaxPositionMargin); err != nil {
		return err
	}
	tx.products[cmd.Product] = true
	tx.emit(&event.ConfigChangedEvent{Command: cmd.EventType().WireName()})
	return nil
}

func (c *DeterministicCore) handleUpdateVault(cmd *event.UpdateVault, tx *txn) error {
	params := state.VaultParams{
		Cap:                 cmd.Cap,
		CooldownSeconds:     cmd.CooldownSeconds,
		MaxDailyDrawdownBps: cmd.MaxDailyDrawdownBps,
		ExposureMultiplier:  cmd.ExposureMultiplier,
	}
	if err := c.vault.PrepareUpdateParams(params); err != nil {
		return err
	}
	c.vault.CommitUpdateParams(params)
	tx.emit(&event.ConfigChangedEvent{Command: cmd.EventType().WireName()})
	return nil
}

func (c *DeterministicCore) handleSetMarginBounds(cmd *event.SetMarginBounds, tx *txn) error {
	if err := c.gov.PrepareMarginBounds(cmd.MinMargin, cmd.MaxMargin); err != nil {
		return err
	}
	c.gov.CommitMarginBounds(cmd.MinMargin, cmd.MaxMargin)
	tx.emit(&event.ConfigChangedEvent{Command: cmd.EventType().WireName()})
	return nil
}

func (c *DeterministicCore) handleSetMinProfitTime(cmd *event.SetMinProfitTime, tx *txn) error {
	if err := c.gov.PrepareMinProfitTime(cmd.Seconds); err != nil {
		return err
	}
	c.gov.MinProfitTime = cmd.Seconds
	tx.emit(&event.ConfigChangedEvent{Command: cmd.EventType().WireName()})
	return nil
}

func (c *DeterministicCore) handleSetFeeSplit(cmd *event.SetFeeSplit, tx *txn) error {
	split := state.FeeSplit{
		ProtocolBps:  cmd.ProtocolBps,
		StakerBps:    cmd.StakerBps,
		DepositorBps: cmd.DepositorBps,
		VaultBps:     cmd.VaultBps,
	}
	if err := c.fees.PrepareSetSplit(split); err != nil {
		return err
	}
	c.fees.CommitSetSplit(split)
	tx.emit(&event.ConfigChangedEvent{Command: cmd.EventType().WireName()})
	return nil
}

func (c *DeterministicCore) handleSetFlag(flag state.Flag, enabled bool, cmd event.Event, tx *txn) error {
	c.gov.SetFlag(flag, enabled)
	tx.emit(&event.ConfigChangedEvent{Command: cmd.EventType().WireName()})
	return nil
}

func (c *DeterministicCore) handleSetRole(cmd *event.SetRole, tx *txn) error {
	role, err := state.ParseRole(cmd.Role)
	if err != nil {
		return err
	}
	if cmd.Account == uuid.Nil {
		return fmt.Errorf("role account must be set: %w", state.ErrInvalidArgument)
	}
	c.gov.SetRole(role, cmd.Account, cmd.Enabled)
	tx.emit(&event.ConfigChangedEvent{Command: cmd.EventType().WireName()})
	return nil
}

func (c *DeterministicCore) handleTransferOwnership(cmd *event.TransferOwnership, tx *txn) error {
	if cmd.NewOwner == uuid.Nil {
		return fmt.Errorf("new owner must be set: %w", state.ErrInvalidArgument)
	}
	c.gov.Owner = cmd.NewOwner
	c.log.Info().Str("owner", cmd.NewOwner.String()).Msg("ownership transferred")
	tx.emit(&event.ConfigChangedEvent{Command: cmd.EventType().WireName()})
	return nil
}

func (c *DeterministicCore) handleWithdrawProtocolReserve(cmd *event.WithdrawProtocolReserve, tx *txn) error {
	if err := c.fees.PrepareWithdrawReserve(cmd.Amount); err != nil {
		return err
	}
	recipient := cmd.Recipient
	if recipient == uuid.Nil {
		recipient = cmd.Caller()
	}
	c.fees.CommitWithdrawReserve(cmd.Amount)
	tx.b.Transfer(c.reserveAccount(), c.walletAccount(recipient), cmd.Amount, ledger.JournalTypeProtocolWithdraw)
	tx.emit(&event.ConfigChangedEvent{Command: cmd.EventType().WireName()})
	return nil
}
