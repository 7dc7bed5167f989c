package reward

import (
	"fmt"
	"sort"

	fpmath "PerpVault/internal/math"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// SourceKind names what a pool's shares are.
type SourceKind string

const (
	SourceVaultShares SourceKind = "vault_shares"
	SourceTokenStakes SourceKind = "token_stakes"
)

func ParseSourceKind(s string) (SourceKind, error) {
	switch SourceKind(s) {
	case SourceVaultShares, SourceTokenStakes:
		return SourceKind(s), nil
	default:
		return "", fmt.Errorf("unknown share source %q: %w", s, ErrInvalidAmount)
	}
}

// ShareSource supplies the shares a pool streams rewards over.
type ShareSource interface {
	TotalShares() *uint256.Int
	SharesOf(account uuid.UUID) *uint256.Int
}

// Int64Shares is a share book kept in int64 units, such as vault shares.
type Int64Shares interface {
	TotalShares() int64
	SharesOf(account uuid.UUID) int64
}

// VaultShares adapts an int64 share book to a ShareSource.
type VaultShares struct {
	Book Int64Shares
}

func (v VaultShares) TotalShares() *uint256.Int {
	return toU256(v.Book.TotalShares())
}

func (v VaultShares) SharesOf(account uuid.UUID) *uint256.Int {
	return toU256(v.Book.SharesOf(account))
}

func toU256(v int64) *uint256.Int {
	u, err := fpmath.U256(v)
	if err != nil {
		return new(uint256.Int)
	}
	return u
}

// TokenStake is one account's staked token balance.
type TokenStake struct {
	Account uuid.UUID    `json:"account"`
	Amount  *uint256.Int `json:"amount"`
}

// TokenStakeBook holds staked reward-token balances.
type TokenStakeBook struct {
	balances map[uuid.UUID]*uint256.Int
	total    *uint256.Int
}

func NewTokenStakeBook() *TokenStakeBook {
	return &TokenStakeBook{
		balances: make(map[uuid.UUID]*uint256.Int),
		total:    new(uint256.Int),
	}
}

func (b *TokenStakeBook) TotalShares() *uint256.Int {
	return new(uint256.Int).Set(b.total)
}

func (b *TokenStakeBook) SharesOf(account uuid.UUID) *uint256.Int {
	if v, ok := b.balances[account]; ok {
		return new(uint256.Int).Set(v)
	}
	return new(uint256.Int)
}

// PrepareStake validates a deposit of staked tokens.
func (b *TokenStakeBook) PrepareStake(amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return fmt.Errorf("stake amount must be > 0: %w", ErrInvalidAmount)
	}
	if _, err := fpmath.AddU256(b.total, amount); err != nil {
		return err
	}
	return nil
}

func (b *TokenStakeBook) CommitStake(account uuid.UUID, amount *uint256.Int) {
	bal := b.balances[account]
	if bal == nil {
		bal = new(uint256.Int)
		b.balances[account] = bal
	}
	bal.Add(bal, amount)
	b.total.Add(b.total, amount)
}

// PrepareWithdraw validates a withdrawal of staked tokens.
func (b *TokenStakeBook) PrepareWithdraw(account uuid.UUID, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return fmt.Errorf("withdraw amount must be > 0: %w", ErrInvalidAmount)
	}
	if have := b.SharesOf(account); have.Lt(amount) {
		return fmt.Errorf("withdraw %s, staked %s: %w", amount.Dec(), have.Dec(), ErrInsufficientStake)
	}
	return nil
}

func (b *TokenStakeBook) CommitWithdraw(account uuid.UUID, amount *uint256.Int) {
	bal := b.balances[account]
	bal.Sub(bal, amount)
	b.total.Sub(b.total, amount)
	if bal.IsZero() {
		delete(b.balances, account)
	}
}

// All returns every stake ordered by account.
func (b *TokenStakeBook) All() []TokenStake {
	result := make([]TokenStake, 0, len(b.balances))
	for account, amount := range b.balances {
		result = append(result, TokenStake{Account: account, Amount: new(uint256.Int).Set(amount)})
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Account.String() < result[j].Account.String()
	})
	return result
}

// Restore replaces the book (snapshot restore).
func (b *TokenStakeBook) Restore(stakes []TokenStake) {
	b.balances = make(map[uuid.UUID]*uint256.Int, len(stakes))
	b.total = new(uint256.Int)
	for _, s := range stakes {
		b.balances[s.Account] = new(uint256.Int).Set(s.Amount)
		b.total.Add(b.total, s.Amount)
	}
}
