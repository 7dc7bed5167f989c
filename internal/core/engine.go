package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"time"

	"PerpVault/internal/event"
	"PerpVault/internal/ledger"
	fpmath "PerpVault/internal/math"
	"PerpVault/internal/observability"
	"PerpVault/internal/reward"
	"PerpVault/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// globalCheckInterval is how often (in sequences) the full zero-sum check runs.
const globalCheckInterval = 1000

// Genesis is the configuration the core starts from before any command.
type Genesis struct {
	Owner           uuid.UUID
	Governors       []uuid.UUID
	Managers        []uuid.UUID
	SettlementAsset string
	IncentiveAsset  string

	Vault    state.VaultParams
	FeeSplit state.FeeSplit
	MaxShift int64

	MinMargin             int64
	MaxMargin             int64
	MinProfitTime         int64
	AllowPublicLiquidator bool
	CanUserStake          bool // false: only the owner stakes into the vault

	RewardDuration int64
	Products       []state.Product
	Pools          []reward.PoolConfig // in addition to the built-in pools
}

// DefaultGenesis returns a genesis with the reference parameters.
func DefaultGenesis(owner uuid.UUID) Genesis {
	return Genesis{
		Owner:           owner,
		SettlementAsset: "USDC",
		IncentiveAsset:  "PERP",
		Vault:           state.DefaultVaultParams,
		FeeSplit:        state.DefaultFeeSplit,
		MaxShift:        state.DefaultMaxShift,
		MinProfitTime:   state.DefaultMinProfitTime,
		RewardDuration:  reward.DefaultDuration,
	}
}

// DeterministicCore is the single-threaded command processor
type DeterministicCore struct {
	sequence      int64
	lastTimestamp int64

	hasher         *StateHasher
	balanceTracker *ledger.BalanceTracker
	journalGen     *ledger.JournalGenerator
	validator      *ledger.InvariantValidator

	products     *state.ProductBook
	oracles      *state.OracleBook
	pricer       *state.PriceEngine
	positions    *state.PositionLedger
	vault        *state.VaultAccounting
	fees         *state.FeeDistributor
	liquidations *state.LiquidationEngine
	gov          *state.Governance
	rewards      *reward.Registry

	settlementAsset string

	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics
	log               zerolog.Logger

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// CoreOutput is everything one processed command produced.
type CoreOutput struct {
	Envelope *event.EventEnvelope
	Batch    *ledger.Batch
	Outcomes []event.Outcome
	Delta    *StateDelta // nil for rejected commands
}

// Receipt tells the submitter what became of a command.
type Receipt struct {
	Sequence  int64
	Duplicate bool
	Rejection error
	StateHash [32]byte
	Outcomes  []event.Outcome
}

// Accepted reports whether the command changed state.
func (r Receipt) Accepted() bool {
	return !r.Duplicate && r.Rejection == nil
}

func NewDeterministicCore(
	genesis Genesis,
	startSequence int64,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
) (*DeterministicCore, error) {
	assetID, ok := ledger.GetAssetID(genesis.SettlementAsset)
	if !ok {
		return nil, fmt.Errorf("unknown settlement asset %q", genesis.SettlementAsset)
	}
	if genesis.Owner == uuid.Nil {
		return nil, fmt.Errorf("genesis owner must be set")
	}
	if err := genesis.Vault.Validate(); err != nil {
		return nil, fmt.Errorf("genesis vault: %w", err)
	}
	if err := genesis.FeeSplit.Validate(); err != nil {
		return nil, fmt.Errorf("genesis fee split: %w", err)
	}
	if genesis.MaxShift <= 0 {
		genesis.MaxShift = state.DefaultMaxShift
	}

	balanceTracker := ledger.NewBalanceTracker()
	products := state.NewProductBook()
	oracles := state.NewOracleBook()
	pricer := state.NewPriceEngine(genesis.MaxShift)
	positions := state.NewPositionLedger(products, pricer)
	vault := state.NewVaultAccounting(genesis.Vault)
	rewards := reward.NewRegistry(vault)

	c := &DeterministicCore{
		sequence:          startSequence,
		hasher:            NewStateHasher(),
		balanceTracker:    balanceTracker,
		journalGen:        ledger.NewJournalGenerator(assetID),
		validator:         ledger.NewInvariantValidator(balanceTracker),
		products:          products,
		oracles:           oracles,
		pricer:            pricer,
		positions:         positions,
		vault:             vault,
		fees:              state.NewFeeDistributor(genesis.FeeSplit, rewards),
		liquidations:      state.NewLiquidationEngine(positions, products, oracles),
		gov:               state.NewGovernance(genesis.Owner),
		rewards:           rewards,
		settlementAsset:   genesis.SettlementAsset,
		idempotency:       NewIdempotencyChecker(DefaultIdempotencyCapacity, dbChecker),
		sequenceValidator: NewSequenceValidator(),
		metrics:           metrics,
		log:               observability.NewLogger("core"),
		persistChan:       persistChan,
		projectionChan:    projectionChan,
	}

	if err := c.applyGenesis(genesis); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *DeterministicCore) applyGenesis(g Genesis) error {
	for _, id := range g.Governors {
		c.gov.SetRole(state.RoleGovernor, id, true)
	}
	for _, id := range g.Managers {
		c.gov.SetRole(state.RoleManager, id, true)
	}
	if err := c.gov.PrepareMarginBounds(g.MinMargin, g.MaxMargin); err != nil {
		return fmt.Errorf("genesis: %w", err)
	}
	c.gov.CommitMarginBounds(g.MinMargin, g.MaxMargin)
	if g.MinProfitTime > 0 {
		c.gov.MinProfitTime = g.MinProfitTime
	}
	c.gov.AllowPublicLiquidator = g.AllowPublicLiquidator
	c.gov.CanUserStake = g.CanUserStake

	incentive := g.IncentiveAsset
	if incentive == "" {
		incentive = g.SettlementAsset
	}
	builtin := []reward.PoolConfig{
		{ID: state.StakerFeePoolID, Source: reward.SourceTokenStakes, Asset: g.SettlementAsset, Duration: g.RewardDuration},
		{ID: state.DepositorFeePoolID, Source: reward.SourceVaultShares, Asset: g.SettlementAsset, Duration: g.RewardDuration},
		{ID: state.IncentivePoolID, Source: reward.SourceVaultShares, Asset: incentive, Duration: g.RewardDuration},
	}
	for _, cfg := range append(builtin, g.Pools...) {
		if _, err := c.rewards.AddPool(cfg); err != nil {
			return fmt.Errorf("genesis pool: %w", err)
		}
	}

	for _, p := range g.Products {
		prepared, err := c.products.PrepareUpsert(p)
		if err != nil {
			return fmt.Errorf("genesis: %w", err)
		}
		c.products.CommitUpsert(prepared)
	}
	return nil
}

// ProcessCommand is the main processing pipeline. The error is non-nil only
// when the command cannot be placed in the log at all (sequence gap or
// out-of-order delivery); business rejections are reported in the receipt
// and still consume a sequence number.
func (c *DeterministicCore) ProcessCommand(cmd event.Event) (Receipt, error) {
	start := time.Now()
	name := cmd.EventType().String()
	idempotencyKey := cmd.IdempotencyKey()

	// Step 1: idempotency (two-tier)
	isDuplicate := c.idempotency.IsDuplicate(name, idempotencyKey)

	// Step 2: source sequence. Oracle feeds carry their own, gap-tolerant sequence.
	if oracle, ok := cmd.(*event.OraclePrice); ok {
		if skipped := c.sequenceValidator.ValidatePriceSequence(oracle.Feed, oracle.PriceSequence); skipped > 0 {
			c.log.Debug().Str("feed", oracle.Feed).Int64("skipped", skipped).Msg("oracle feed gap")
			if c.metrics != nil {
				c.metrics.EventSequenceGap.WithLabelValues(PricePartition(oracle.Feed)).Inc()
			}
		}
	} else {
		partition := SourcePartition(cmd.SourceName())
		if err := c.sequenceValidator.ValidateSequence(partition, cmd.SourceSequence(), isDuplicate); err != nil {
			c.recordSequenceFailure(name, partition, err)
			return Receipt{}, fmt.Errorf("sequence validation failed: %w", err)
		}
	}

	if isDuplicate {
		if c.metrics != nil {
			c.metrics.CoreEventsRejected.WithLabelValues(name, "duplicate").Inc()
		}
		return Receipt{Duplicate: true}, nil
	}

	// Steps 3-6: clock, capability, prepare, commit
	now := cmd.Timestamp().Unix()
	tx := c.newTxn(cmd, now)
	rejection := c.execute(cmd, tx)

	var batch *ledger.Batch
	var digest []byte
	var delta *StateDelta
	if rejection == nil {
		// Step 7: value transfers
		batch = tx.b.Build()
		if batch != nil {
			if err := c.validator.ValidateBatchBalance(batch); err != nil {
				panic(fmt.Sprintf("FATAL: unbalanced batch: %v", err))
			}
			if err := c.balanceTracker.ApplyBatch(batch); err != nil {
				panic(fmt.Sprintf("FATAL: apply batch failed: %v", err))
			}
		}
		c.lastTimestamp = now

		// Step 8: post-checks
		if err := c.postCheckInvariants(batch, tx); err != nil {
			panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
		}

		hashStart := time.Now()
		digest = c.computeStateDigest(batch, tx)
		if c.metrics != nil {
			c.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
		}
		delta = c.buildDelta(cmd, tx, batch)
	}

	// Step 9: hash chain
	prevHash := c.hasher.Tip()
	stateHash := c.hasher.Extend(ChainLink{
		Sequence: c.sequence,
		Command:  cmd.EventType(),
		Key:      idempotencyKey,
		Rejected: rejection != nil,
		Digest:   digest,
	})

	envelope, err := c.buildEnvelope(cmd, tx, prevHash, stateHash, rejection)
	if err != nil {
		panic(fmt.Sprintf("FATAL: encode envelope: %v", err))
	}

	output := CoreOutput{
		Envelope: envelope,
		Batch:    batch,
		Outcomes: tx.outcomes,
		Delta:    delta,
	}
	receipt := Receipt{
		Sequence:  c.sequence,
		Rejection: rejection,
		StateHash: stateHash,
		Outcomes:  tx.outcomes,
	}
	c.sequence++

	// Step 10: outputs. Persistence blocks (durability before ack);
	// projections drop when full and rebuild from the log.
	if c.persistChan != nil {
		c.persistChan <- output
	}
	if c.projectionChan != nil {
		select {
		case c.projectionChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.ProjectionDrops.WithLabelValues("core").Inc()
			}
		}
	}

	c.idempotency.MarkProcessed(name, idempotencyKey)
	c.recordOutcome(name, rejection, batch, start)

	return receipt, nil
}

// execute runs the clock and capability checks and then the handler.
// A non-nil return means nothing was mutated.
func (c *DeterministicCore) execute(cmd event.Event, tx *txn) error {
	if tx.now < c.lastTimestamp {
		return fmt.Errorf("timestamp %d < %d: %w", tx.now, c.lastTimestamp, state.ErrClockRegression)
	}
	if err := c.gov.Authorize(c.capability(cmd), cmd.Caller()); err != nil {
		return err
	}
	return c.dispatchCommand(cmd, tx)
}

func (c *DeterministicCore) buildEnvelope(cmd event.Event, tx *txn, prevHash, stateHash [32]byte, rejection error) (*event.EventEnvelope, error) {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return nil, err
	}
	outcomes, err := event.EncodeOutcomes(tx.outcomes)
	if err != nil {
		return nil, err
	}
	env := &event.EventEnvelope{
		Sequence:       c.sequence,
		IdempotencyKey: cmd.IdempotencyKey(),
		EventType:      cmd.EventType(),
		ProductID:      cmd.ProductID(),
		Timestamp:      cmd.Timestamp(),
		SourceSequence: cmd.SourceSequence(),
		Payload:        payload,
		Outcomes:       outcomes,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
	if rejection != nil {
		env.Rejection = rejection.Error()
	}
	return env, nil
}

func (c *DeterministicCore) recordSequenceFailure(name, partition string, err error) {
	c.log.Warn().Str("command", name).Str("partition", partition).Err(err).Msg("sequence check failed")
	if c.metrics == nil {
		return
	}
	if errors.Is(err, ErrSequenceGap) {
		c.metrics.EventSequenceGap.WithLabelValues(partition).Inc()
		c.metrics.CoreEventsRejected.WithLabelValues(name, "gap").Inc()
	} else {
		c.metrics.EventOutOfOrder.WithLabelValues(partition).Inc()
		c.metrics.CoreEventsRejected.WithLabelValues(name, "out_of_order").Inc()
	}
}

func (c *DeterministicCore) recordOutcome(name string, rejection error, batch *ledger.Batch, start time.Time) {
	if rejection != nil {
		c.log.Warn().Str("command", name).Int64("seq", c.sequence-1).Err(rejection).Msg("command rejected")
	}
	if c.metrics == nil {
		return
	}
	if rejection != nil {
		c.metrics.CoreEventsRejected.WithLabelValues(name, RejectionReason(rejection)).Inc()
	} else {
		c.metrics.CoreEventsApplied.WithLabelValues(name).Inc()
		if batch != nil {
			for _, j := range batch.Journals {
				c.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
			}
		}
		v := c.vault.Vault()
		c.metrics.VaultBalance.Set(float64(v.Balance))
		c.metrics.VaultShares.Set(float64(v.Shares))
		c.metrics.ProtocolReserve.Set(float64(c.fees.ProtocolReserve()))
		for _, p := range c.rewards.Pools() {
			c.metrics.RewardPoolHeld.WithLabelValues(p.ID).Set(u256Float(p.Held()))
			c.metrics.RewardRate.WithLabelValues(p.ID).Set(u256Float(p.RewardRate))
		}
	}
	c.metrics.CoreEventDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	c.metrics.CoreSequence.Set(float64(c.sequence))
	c.metrics.DedupLRUSize.Set(float64(c.idempotency.Size()))
}

// RejectionReason maps a rejection to a short metric label.
func RejectionReason(err error) string {
	switch {
	case errors.Is(err, state.ErrAuthorization):
		return "unauthorized"
	case errors.Is(err, state.ErrClockRegression):
		return "clock_regression"
	case errors.Is(err, state.ErrUnknownProduct):
		return "unknown_product"
	case errors.Is(err, state.ErrMarginOutOfBounds):
		return "margin_out_of_bounds"
	case errors.Is(err, state.ErrExposureExceeded):
		return "exposure_exceeded"
	case errors.Is(err, state.ErrStalePriceChange):
		return "stale_price_change"
	case errors.Is(err, state.ErrVaultCapExceeded):
		return "vault_cap_exceeded"
	case errors.Is(err, state.ErrCooldownNotElapsed):
		return "cooldown"
	case errors.Is(err, state.ErrInsufficientVaultLiquidity):
		return "vault_liquidity"
	case errors.Is(err, state.ErrPositionNotLiquidatable):
		return "not_liquidatable"
	case errors.Is(err, state.ErrPositionNotFound):
		return "position_not_found"
	case errors.Is(err, state.ErrPriceUnavailable):
		return "price_unavailable"
	case errors.Is(err, reward.ErrRewardPeriodNotFinished):
		return "reward_period_running"
	case errors.Is(err, reward.ErrRewardAmountOutOfBounds):
		return "reward_amount"
	case errors.Is(err, fpmath.ErrOverflow):
		return "overflow"
	default:
		return "invalid"
	}
}

// computeStateDigest serializes every balance the batch touched plus the
// domain records the command touched, in a fixed order.
func (c *DeterministicCore) computeStateDigest(batch *ledger.Batch, tx *txn) []byte {
	affected := make(map[ledger.AccountKey]bool)
	if batch != nil {
		for _, j := range batch.Journals {
			affected[j.DebitAccount] = true
			affected[j.CreditAccount] = true
		}
	}
	accounts := make([]ledger.AccountKey, 0, len(affected))
	for key := range affected {
		accounts = append(accounts, key)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	digest := make([]byte, 0, len(accounts)*64+512)
	for _, key := range accounts {
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, path...)
		digest = appendInt64LE(digest, c.balanceTracker.GetBalance(key))
	}

	for _, key := range tx.touchedPositions() {
		digest = append(digest, key[:]...)
		if pos := c.positions.GetPosition(key); pos != nil {
			digest = append(digest, pos.CanonicalBytes()...)
		} else {
			digest = append(digest, 0)
		}
	}
	for _, id := range tx.touchedProducts() {
		if p, ok := c.products.Get(id); ok {
			digest = append(digest, p.CanonicalBytes()...)
		}
	}

	v := c.vault.Vault()
	digest = append(digest, v.CanonicalBytes()...)
	digest = append(digest, c.fees.CanonicalBytes()...)
	digest = append(digest, c.gov.CanonicalBytes()...)
	for _, p := range c.rewards.Pools() {
		digest = append(digest, p.CanonicalBytes()...)
	}
	return digest
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

// postCheckInvariants checks the ledger against the components after a
// command committed.
func (c *DeterministicCore) postCheckInvariants(batch *ledger.Batch, tx *txn) error {
	if batch != nil {
		if err := c.validator.ValidateInternalNonNegative(batch); err != nil {
			return fmt.Errorf("post-check non-negative: %w", err)
		}
		seen := make(map[uuid.UUID]bool)
		for _, j := range batch.Journals {
			for _, key := range [2]ledger.AccountKey{j.DebitAccount, j.CreditAccount} {
				if key.Scope != ledger.AccountScopeUser || key.SubType != ledger.SubTypeMargin {
					continue
				}
				account := uuid.UUID(key.EntityID)
				if seen[account] {
					continue
				}
				seen[account] = true
				if err := c.validator.ValidateMatches(key, c.positions.Positions().MarginOf(account)); err != nil {
					return fmt.Errorf("post-check margin escrow: %w", err)
				}
			}
		}
	}
	if err := c.checkSystemAccounts(); err != nil {
		return err
	}
	if tx.stakesChanged {
		if err := c.checkShareConservation(); err != nil {
			return err
		}
	}
	if c.sequence > 0 && c.sequence%globalCheckInterval == 0 {
		if err := c.validator.ValidateGlobalBalance(); err != nil {
			return fmt.Errorf("post-check zero-sum at seq %d: %w", c.sequence, err)
		}
	}
	return nil
}

func (c *DeterministicCore) checkSystemAccounts() error {
	if err := c.validator.ValidateMatches(c.vaultAccount(), c.vault.Vault().Balance); err != nil {
		return fmt.Errorf("post-check vault: %w", err)
	}
	if err := c.validator.ValidateMatches(c.reserveAccount(), c.fees.ProtocolReserve()); err != nil {
		return fmt.Errorf("post-check protocol reserve: %w", err)
	}
	for _, p := range c.rewards.Pools() {
		if p.Asset != c.settlementAsset {
			continue
		}
		held, err := fpmath.Int64FromU256(p.Held())
		if err != nil {
			return fmt.Errorf("post-check pool %s: %w", p.ID, err)
		}
		if err := c.validator.ValidateMatches(c.poolAccount(p.ID), held); err != nil {
			return fmt.Errorf("post-check pool %s: %w", p.ID, err)
		}
	}
	return nil
}

func (c *DeterministicCore) checkShareConservation() error {
	var sum int64
	for _, s := range c.vault.Stakes() {
		sum += s.Shares
	}
	if total := c.vault.Vault().Shares; sum != total {
		return fmt.Errorf("post-check shares: stakes sum to %d, vault has %d", sum, total)
	}
	return nil
}

// CheckInvariants runs every ledger and component check over the whole
// state. It is slower than the per-command post-check.
func (c *DeterministicCore) CheckInvariants() error {
	if err := c.validator.ValidateGlobalBalance(); err != nil {
		return err
	}
	if err := c.checkSystemAccounts(); err != nil {
		return err
	}
	if err := c.checkShareConservation(); err != nil {
		return err
	}
	for _, key := range c.balanceTracker.SortedKeys() {
		if key.IsExternal() {
			continue
		}
		if err := c.balanceTracker.ValidateNonNegative(key); err != nil {
			return err
		}
		if key.Scope == ledger.AccountScopeUser && key.SubType == ledger.SubTypeMargin {
			if err := c.validator.ValidateMatches(key, c.positions.Positions().MarginOf(uuid.UUID(key.EntityID))); err != nil {
				return err
			}
		}
	}
	// accounts with escrow but no ledger row
	for _, pos := range c.positions.GetAllPositions() {
		key := c.marginAccount(pos.Account)
		if err := c.validator.ValidateMatches(key, c.positions.Positions().MarginOf(pos.Account)); err != nil {
			return err
		}
	}
	return nil
}

// --- Accounts ---

func (c *DeterministicCore) walletAccount(account uuid.UUID) ledger.AccountKey {
	return ledger.NewWalletAccountKey(account, c.journalGen.AssetID())
}

func (c *DeterministicCore) marginAccount(account uuid.UUID) ledger.AccountKey {
	return ledger.MarginAccount(account, c.journalGen.AssetID())
}

func (c *DeterministicCore) vaultAccount() ledger.AccountKey {
	return ledger.VaultAccount(c.journalGen.AssetID())
}

func (c *DeterministicCore) reserveAccount() ledger.AccountKey {
	return ledger.ProtocolReserveAccount(c.journalGen.AssetID())
}

func (c *DeterministicCore) poolAccount(poolID string) ledger.AccountKey {
	return ledger.RewardPoolAccount(poolID, c.journalGen.AssetID())
}

func u256Float(v *uint256.Int) float64 {
	f, _ := new(big.Float).SetInt(v.ToBig()).Float64()
	return f
}

func productLabel(id uint64) string {
	return strconv.FormatUint(id, 10)
}

func sideLabel(isLong bool) string {
	if isLong {
		return "long"
	}
	return "short"
}

// --- Accessors (single goroutine only) ---

// GetSequence returns the next global sequence number.
func (c *DeterministicCore) GetSequence() int64 {
	return c.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (c *DeterministicCore) GetStateHash() [32]byte {
	return c.hasher.Tip()
}

// LastTimestamp returns the clock of the last accepted command (unix seconds).
func (c *DeterministicCore) LastTimestamp() int64 {
	return c.lastTimestamp
}

// NextSourceSequence returns the sequence the named source must send next.
func (c *DeterministicCore) NextSourceSequence(source string) int64 {
	return c.sequenceValidator.GetExpectedSequence(SourcePartition(source))
}

func (c *DeterministicCore) Vault() *state.VaultAccounting {
	return c.vault
}

func (c *DeterministicCore) Positions() *state.PositionLedger {
	return c.positions
}

func (c *DeterministicCore) Products() *state.ProductBook {
	return c.products
}

func (c *DeterministicCore) Rewards() *reward.Registry {
	return c.rewards
}

func (c *DeterministicCore) Fees() *state.FeeDistributor {
	return c.fees
}

func (c *DeterministicCore) Governance() *state.Governance {
	return c.gov
}

func (c *DeterministicCore) Liquidations() *state.LiquidationEngine {
	return c.liquidations
}

func (c *DeterministicCore) Balances() *ledger.BalanceTracker {
	return c.balanceTracker
}
