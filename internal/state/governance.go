package state

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// Role is a privilege level below the owner.
type Role string

const (
	RoleGovernor Role = "governor"
	RoleManager  Role = "manager"
)

func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleGovernor, RoleManager:
		return Role(s), nil
	default:
		return "", fmt.Errorf("unknown role %q: %w", s, ErrInvalidArgument)
	}
}

// Flag is a governance toggle that opens a command to everyone.
type Flag int

const (
	FlagPublicLiquidation Flag = iota
	FlagUserStake
)

func (f Flag) String() string {
	switch f {
	case FlagPublicLiquidation:
		return "allow_public_liquidator"
	case FlagUserStake:
		return "can_user_stake"
	default:
		return "unknown"
	}
}

// Governance holds roles, flags and global trading parameters.
type Governance struct {
	Owner                 uuid.UUID          `json:"owner"`
	Governors             map[uuid.UUID]bool `json:"governors"`
	Managers              map[uuid.UUID]bool `json:"managers"`
	AllowPublicLiquidator bool               `json:"allow_public_liquidator"`
	CanUserStake          bool               `json:"can_user_stake"`
	MinMargin             int64              `json:"min_margin"` // bound on notional
	MaxMargin             int64              `json:"max_margin"` // 0 = unbounded
	MinProfitTime         int64              `json:"min_profit_time"`
}

func NewGovernance(owner uuid.UUID) *Governance {
	return &Governance{
		Owner:         owner,
		Governors:     make(map[uuid.UUID]bool),
		Managers:      make(map[uuid.UUID]bool),
		MinProfitTime: DefaultMinProfitTime,
	}
}

func (g *Governance) IsOwner(caller uuid.UUID) bool {
	return caller == g.Owner
}

func (g *Governance) IsGovernor(caller uuid.UUID) bool {
	return g.IsOwner(caller) || g.Governors[caller]
}

func (g *Governance) IsManager(caller uuid.UUID) bool {
	return g.IsGovernor(caller) || g.Managers[caller]
}

func (g *Governance) Flag(f Flag) bool {
	switch f {
	case FlagPublicLiquidation:
		return g.AllowPublicLiquidator
	case FlagUserStake:
		return g.CanUserStake
	default:
		return false
	}
}

func (g *Governance) SetFlag(f Flag, enabled bool) {
	switch f {
	case FlagPublicLiquidation:
		g.AllowPublicLiquidator = enabled
	case FlagUserStake:
		g.CanUserStake = enabled
	}
}

func (g *Governance) SetRole(role Role, account uuid.UUID, enabled bool) {
	set := g.Governors
	if role == RoleManager {
		set = g.Managers
	}
	if enabled {
		set[account] = true
	} else {
		delete(set, account)
	}
}

func (g *Governance) PrepareMarginBounds(minMargin, maxMargin int64) error {
	if minMargin < 0 || maxMargin < 0 || (maxMargin > 0 && minMargin > maxMargin) {
		return fmt.Errorf("margin bounds [%d, %d]: %w", minMargin, maxMargin, ErrInvalidArgument)
	}
	return nil
}

func (g *Governance) CommitMarginBounds(minMargin, maxMargin int64) {
	g.MinMargin = minMargin
	g.MaxMargin = maxMargin
}

func (g *Governance) PrepareMinProfitTime(seconds int64) error {
	if seconds < 0 {
		return fmt.Errorf("min profit time %d: %w", seconds, ErrInvalidArgument)
	}
	return nil
}

// SortedGovernors returns governor ids in string order.
func (g *Governance) SortedGovernors() []uuid.UUID {
	return sortedSet(g.Governors)
}

func (g *Governance) SortedManagers() []uuid.UUID {
	return sortedSet(g.Managers)
}

func sortedSet(set map[uuid.UUID]bool) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// CanonicalBytes returns deterministic serialization for hashing
func (g *Governance) CanonicalBytes() []byte {
	buf := make([]byte, 0, 128)
	buf = append(buf, g.Owner[:]...)
	for _, id := range g.SortedGovernors() {
		buf = append(buf, 'g')
		buf = append(buf, id[:]...)
	}
	for _, id := range g.SortedManagers() {
		buf = append(buf, 'm')
		buf = append(buf, id[:]...)
	}
	for _, b := range []bool{g.AllowPublicLiquidator, g.CanUserStake} {
		if b {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	}
	buf = appendInt64LE(buf, g.MinMargin)
	buf = appendInt64LE(buf, g.MaxMargin)
	buf = appendInt64LE(buf, g.MinProfitTime)
	return buf
}

// Capability decides whether a caller may run a command.
type Capability interface {
	Permits(g *Governance, caller uuid.UUID) bool
	String() string
}

type OwnerOnly struct{}

func (OwnerOnly) Permits(g *Governance, caller uuid.UUID) bool { return g.IsOwner(caller) }
func (OwnerOnly) String() string                               { return "owner" }

type GovernorOrOwner struct{}

func (GovernorOrOwner) Permits(g *Governance, caller uuid.UUID) bool { return g.IsGovernor(caller) }
func (GovernorOrOwner) String() string                               { return "governor" }

type ManagerOrAbove struct{}

func (ManagerOrAbove) Permits(g *Governance, caller uuid.UUID) bool { return g.IsManager(caller) }
func (ManagerOrAbove) String() string                               { return "manager" }

// PublicWhenFlagged permits anyone while the flag is set and falls back
// to Otherwise when it is not.
type PublicWhenFlagged struct {
	Flag      Flag
	Otherwise Capability
}

func (c PublicWhenFlagged) Permits(g *Governance, caller uuid.UUID) bool {
	return g.Flag(c.Flag) || c.Otherwise.Permits(g, caller)
}

func (c PublicWhenFlagged) String() string {
	return fmt.Sprintf("public when %s, else %s", c.Flag, c.Otherwise)
}

// Self permits only the account a command acts on.
type Self struct {
	Account uuid.UUID
}

func (c Self) Permits(_ *Governance, caller uuid.UUID) bool { return caller == c.Account }
func (c Self) String() string                               { return "account holder" }

type Anyone struct{}

func (Anyone) Permits(*Governance, uuid.UUID) bool { return true }
func (Anyone) String() string                      { return "anyone" }

// Authorize returns ErrAuthorization when the capability rejects the caller.
func (g *Governance) Authorize(c Capability, caller uuid.UUID) error {
	if c.Permits(g, caller) {
		return nil
	}
	return fmt.Errorf("caller %s lacks %s capability: %w", caller, c, ErrAuthorization)
}
