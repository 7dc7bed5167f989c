package state

import (
	"bytes"

	"PerpVault/internal/event"

	"github.com/google/btree"
	"github.com/google/uuid"
)

// PositionIndex keeps positions ordered by key so iteration, hashing and
// snapshots are deterministic.
type PositionIndex struct {
	tree *btree.BTreeG[*Position]
}

func positionLess(a, b *Position) bool {
	return bytes.Compare(a.Key[:], b.Key[:]) < 0
}

func NewPositionIndex() *PositionIndex {
	return &PositionIndex{tree: btree.NewG[*Position](32, positionLess)}
}

func (ix *PositionIndex) Get(key event.PositionKey) (*Position, bool) {
	return ix.tree.Get(&Position{Key: key})
}

func (ix *PositionIndex) Put(p *Position) {
	ix.tree.ReplaceOrInsert(p)
}

func (ix *PositionIndex) Delete(key event.PositionKey) {
	ix.tree.Delete(&Position{Key: key})
}

func (ix *PositionIndex) Len() int {
	return ix.tree.Len()
}

// Ascend visits positions in key order until fn returns false.
func (ix *PositionIndex) Ascend(fn func(*Position) bool) {
	ix.tree.Ascend(fn)
}

// ByAccount returns an account's positions in key order.
func (ix *PositionIndex) ByAccount(account uuid.UUID) []*Position {
	var result []*Position
	ix.tree.Ascend(func(p *Position) bool {
		if p.Account == account {
			result = append(result, p)
		}
		return true
	})
	return result
}

// MarginOf sums an account's posted margin.
func (ix *PositionIndex) MarginOf(account uuid.UUID) int64 {
	var total int64
	for _, p := range ix.ByAccount(account) {
		total += p.Margin
	}
	return total
}
