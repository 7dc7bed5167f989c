package ledger

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeMargin AccountSubType = iota

	// System sub-types
	SubTypeSystemVault
	SubTypeSystemProtocolReserve
	SubTypeSystemRewardPool

	// External sub-types
	SubTypeExternalWallet
)

// AssetID maps asset strings to numeric IDs for performance
type AssetID uint16

var (
	assetToID = map[string]AssetID{
		"USDT": 1,
		"USDC": 2,
		"BTC":  3,
		"ETH":  4,
	}
	idToAsset = map[AssetID]string{
		1: "USDT",
		2: "USDC",
		3: "BTC",
		4: "ETH",
	}
)

func GetAssetID(asset string) (AssetID, bool) {
	id, ok := assetToID[asset]
	return id, ok
}

func GetAssetName(id AssetID) (string, bool) {
	name, ok := idToAsset[id]
	return name, ok
}

// MaxSystemNameLen is the longest name a system account can carry.
const MaxSystemNameLen = 16

// AccountKey is the in-memory key for balance tracking (21 bytes, cache-friendly)
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // UUID for users and wallets, name for system accounts
	SubType  AccountSubType
	AssetID  AssetID
}

// NewUserAccountKey creates a key for accounts the venue holds on a user's behalf
func NewUserAccountKey(userID uuid.UUID, subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: userID,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// NewSystemAccountKey creates a key for system accounts. Names longer than
// MaxSystemNameLen are truncated.
func NewSystemAccountKey(name string, subType AccountSubType, assetID AssetID) AccountKey {
	var entityID [16]byte
	copy(entityID[:], []byte(name))
	return AccountKey{
		Scope:    AccountScopeSystem,
		EntityID: entityID,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// NewWalletAccountKey creates the external boundary account for a user's
// own funds. Its balance is unconstrained.
func NewWalletAccountKey(userID uuid.UUID, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeExternal,
		EntityID: userID,
		SubType:  SubTypeExternalWallet,
		AssetID:  assetID,
	}
}

// Shorthands for the venue's fixed accounts.
func VaultAccount(assetID AssetID) AccountKey {
	return NewSystemAccountKey("vault", SubTypeSystemVault, assetID)
}

func ProtocolReserveAccount(assetID AssetID) AccountKey {
	return NewSystemAccountKey("protocol", SubTypeSystemProtocolReserve, assetID)
}

func RewardPoolAccount(poolID string, assetID AssetID) AccountKey {
	return NewSystemAccountKey(poolID, SubTypeSystemRewardPool, assetID)
}

func MarginAccount(userID uuid.UUID, assetID AssetID) AccountKey {
	return NewUserAccountKey(userID, SubTypeMargin, assetID)
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	assetName, _ := GetAssetName(k.AssetID)

	switch k.Scope {
	case AccountScopeUser:
		uid := uuid.UUID(k.EntityID)
		return fmt.Sprintf("user:%s:%s:%s", uid.String(), k.subTypeName(), assetName)
	case AccountScopeSystem:
		if k.SubType == SubTypeSystemRewardPool {
			return fmt.Sprintf("system:%s:%s:%s", k.subTypeName(), k.entityName(), assetName)
		}
		return fmt.Sprintf("system:%s:%s", k.subTypeName(), assetName)
	case AccountScopeExternal:
		uid := uuid.UUID(k.EntityID)
		return fmt.Sprintf("external:%s:%s:%s", uid.String(), k.subTypeName(), assetName)
	}
	return "unknown"
}

func (k AccountKey) entityName() string {
	return string(bytes.TrimRight(k.EntityID[:], "\x00"))
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeMargin:
		return "margin"
	case SubTypeSystemVault:
		return "vault"
	case SubTypeSystemProtocolReserve:
		return "protocol_reserve"
	case SubTypeSystemRewardPool:
		return "reward_pool"
	case SubTypeExternalWallet:
		return "wallet"
	default:
		return "unknown"
	}
}

// IsExternal reports whether the account sits outside the venue boundary.
func (k AccountKey) IsExternal() bool {
	return k.Scope == AccountScopeExternal
}
