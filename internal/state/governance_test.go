package state_test

import (
	"errors"
	"testing"

	"PerpVault/internal/state"

	"github.com/google/uuid"
)

// ============================================================================
// Test: Capabilities
// ============================================================================

func TestCapabilities_RoleHierarchy(t *testing.T) {
	owner := uuid.New()
	g := state.NewGovernance(owner)
	g.SetRole(state.RoleGovernor, alice, true)
	g.SetRole(state.RoleManager, bob, true)

	cases := []struct {
		c      state.Capability
		caller uuid.UUID
		want   bool
	}{
		{state.OwnerOnly{}, owner, true},
		{state.OwnerOnly{}, alice, false},
		{state.GovernorOrOwner{}, alice, true},
		{state.GovernorOrOwner{}, bob, false},
		{state.ManagerOrAbove{}, bob, true},
		{state.ManagerOrAbove{}, owner, true},
		{state.ManagerOrAbove{}, keeper, false},
		{state.Self{Account: keeper}, keeper, true},
		{state.Self{Account: keeper}, owner, false},
		{state.Anyone{}, keeper, true},
	}
	for _, tc := range cases {
		if got := tc.c.Permits(g, tc.caller); got != tc.want {
			t.Errorf("%s for %s: got %v, want %v", tc.c, tc.caller, got, tc.want)
		}
	}
}

func TestCapabilities_PublicWhenFlagged(t *testing.T) {
	g := state.NewGovernance(uuid.New())
	g.SetRole(state.RoleManager, bob, true)
	c := state.PublicWhenFlagged{Flag: state.FlagPublicLiquidation, Otherwise: state.ManagerOrAbove{}}

	if err := g.Authorize(c, keeper); !errors.Is(err, state.ErrAuthorization) {
		t.Errorf("flag off: got %v, want ErrAuthorization", err)
	}
	if err := g.Authorize(c, bob); err != nil {
		t.Errorf("manager with flag off: %v", err)
	}
	g.SetFlag(state.FlagPublicLiquidation, true)
	if err := g.Authorize(c, keeper); err != nil {
		t.Errorf("flag on: %v", err)
	}
}

func TestGovernance_RevokeRole(t *testing.T) {
	g := state.NewGovernance(uuid.New())
	g.SetRole(state.RoleGovernor, alice, true)
	g.SetRole(state.RoleGovernor, alice, false)

	if g.IsGovernor(alice) {
		t.Error("revoked governor should lose the role")
	}
}

func TestGovernance_MarginBounds(t *testing.T) {
	g := state.NewGovernance(uuid.New())
	if err := g.PrepareMarginBounds(10, 5); !errors.Is(err, state.ErrInvalidArgument) {
		t.Errorf("min > max: got %v", err)
	}
	if err := g.PrepareMarginBounds(10, 0); err != nil {
		t.Errorf("unbounded max: %v", err)
	}
}

func TestGovernance_UserStakeOffByDefault(t *testing.T) {
	owner := uuid.New()
	g := state.NewGovernance(owner)
	c := state.PublicWhenFlagged{Flag: state.FlagUserStake, Otherwise: state.OwnerOnly{}}

	if err := g.Authorize(c, alice); !errors.Is(err, state.ErrAuthorization) {
		t.Errorf("user stake on a fresh venue: got %v, want ErrAuthorization", err)
	}
	if err := g.Authorize(c, owner); err != nil {
		t.Errorf("owner stake: %v", err)
	}
	g.SetFlag(state.FlagUserStake, true)
	if err := g.Authorize(c, alice); err != nil {
		t.Errorf("user stake with the flag on: %v", err)
	}
}
