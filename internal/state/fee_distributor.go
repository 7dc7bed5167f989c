package state

import (
	"fmt"

	fpmath "PerpVault/internal/math"
)

// Built-in reward pools that receive fee shares.
const (
	StakerFeePoolID    = "fee-stakers"
	DepositorFeePoolID = "fee-depositors"
	IncentivePoolID    = "incentive"
)

// FeeSplit divides every fee. The four parts sum to 10_000 bps.
type FeeSplit struct {
	ProtocolBps  int64 `json:"protocol_bps"`
	StakerBps    int64 `json:"staker_bps"`
	DepositorBps int64 `json:"depositor_bps"`
	VaultBps     int64 `json:"vault_bps"`
}

var DefaultFeeSplit = FeeSplit{
	ProtocolBps:  2000,
	StakerBps:    3000,
	DepositorBps: 5000,
	VaultBps:     0,
}

func (fs FeeSplit) Validate() error {
	for _, bps := range []int64{fs.ProtocolBps, fs.StakerBps, fs.DepositorBps, fs.VaultBps} {
		if bps < 0 {
			return fmt.Errorf("fee split part %d is negative: %w", bps, ErrInvalidArgument)
		}
	}
	if sum := fs.ProtocolBps + fs.StakerBps + fs.DepositorBps + fs.VaultBps; sum != fpmath.BpsDenominator {
		return fmt.Errorf("fee split sums to %d, want %d: %w", sum, fpmath.BpsDenominator, ErrInvalidArgument)
	}
	return nil
}

// FeeShares is one fee broken down by recipient. Depositors take the
// rounding remainder so the parts always sum to Total.
type FeeShares struct {
	Total      int64
	Protocol   int64
	Stakers    int64
	Depositors int64
	Vault      int64
}

// FeeSink receives the staker and depositor shares. Acceptance cannot
// fail; amounts too small to stream are queued by the sink.
type FeeSink interface {
	AcceptFee(poolID string, amount int64, now int64)
}

// FeeDistributor splits fees and holds the protocol reserve.
type FeeDistributor struct {
	split           FeeSplit
	protocolReserve int64
	sink            FeeSink
}

func NewFeeDistributor(split FeeSplit, sink FeeSink) *FeeDistributor {
	return &FeeDistributor{split: split, sink: sink}
}

func (fd *FeeDistributor) Split() FeeSplit {
	return fd.split
}

func (fd *FeeDistributor) ProtocolReserve() int64 {
	return fd.protocolReserve
}

// Compute splits a fee without applying it.
func (fd *FeeDistributor) Compute(fee int64) (FeeShares, error) {
	if fee < 0 {
		return FeeShares{}, fmt.Errorf("negative fee %d: %w", fee, ErrInvalidArgument)
	}
	shares := FeeShares{Total: fee}
	if fee == 0 {
		return shares, nil
	}
	var err error
	if shares.Protocol, err = fpmath.BpsOf(fee, fd.split.ProtocolBps); err != nil {
		return FeeShares{}, err
	}
	if shares.Stakers, err = fpmath.BpsOf(fee, fd.split.StakerBps); err != nil {
		return FeeShares{}, err
	}
	if shares.Vault, err = fpmath.BpsOf(fee, fd.split.VaultBps); err != nil {
		return FeeShares{}, err
	}
	shares.Depositors = fee - shares.Protocol - shares.Stakers - shares.Vault
	return shares, nil
}

// Distribute applies computed shares: the protocol part to the reserve,
// the vault part to the vault and the rest to the reward pools.
func (fd *FeeDistributor) Distribute(shares FeeShares, vault *VaultAccounting, now int64) {
	if shares.Total == 0 {
		return
	}
	fd.protocolReserve += shares.Protocol
	if shares.Vault > 0 {
		vault.CreditFee(shares.Vault)
	}
	if fd.sink == nil {
		return
	}
	if shares.Stakers > 0 {
		fd.sink.AcceptFee(StakerFeePoolID, shares.Stakers, now)
	}
	if shares.Depositors > 0 {
		fd.sink.AcceptFee(DepositorFeePoolID, shares.Depositors, now)
	}
}

func (fd *FeeDistributor) PrepareSetSplit(split FeeSplit) error {
	return split.Validate()
}

func (fd *FeeDistributor) CommitSetSplit(split FeeSplit) {
	fd.split = split
}

// PrepareWithdrawReserve checks an owner withdrawal against the reserve.
func (fd *FeeDistributor) PrepareWithdrawReserve(amount int64) error {
	if amount <= 0 || amount > fd.protocolReserve {
		return fmt.Errorf("withdraw %d from reserve %d: %w", amount, fd.protocolReserve, ErrInvalidArgument)
	}
	return nil
}

func (fd *FeeDistributor) CommitWithdrawReserve(amount int64) {
	fd.protocolReserve -= amount
}

// Restore sets distributor state (used for snapshot restore)
func (fd *FeeDistributor) Restore(split FeeSplit, protocolReserve int64) {
	fd.split = split
	fd.protocolReserve = protocolReserve
}

// CanonicalBytes returns deterministic serialization for hashing
func (fd *FeeDistributor) CanonicalBytes() []byte {
	buf := make([]byte, 0, 40)
	for _, v := range []int64{
		fd.split.ProtocolBps, fd.split.StakerBps, fd.split.DepositorBps, fd.split.VaultBps, fd.protocolReserve,
	} {
		buf = appendInt64LE(buf, v)
	}
	return buf
}
