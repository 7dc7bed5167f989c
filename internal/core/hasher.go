package core

import (
	"crypto/sha256"
	"encoding/binary"

	"PerpVault/internal/event"
)

const GenesisHashSeed = "PerpVault:genesis:v1"

// ChainLink is what one sequence contributes to the hash chain. Rejected
// commands carry no digest but still bind their identity, so a log row
// cannot be swapped for another rejected command unnoticed.
type ChainLink struct {
	Sequence int64
	Command  event.EventType
	Key      string
	Rejected bool
	Digest   []byte
}

// StateHasher chains a hash over every sequenced command:
//
//	hash[N] = SHA-256(hash[N-1] || seq LE || type LE || len(key) LE || key || rejected || digest)
type StateHasher struct {
	tip [32]byte
}

// GenesisHash is the tip before sequence 0.
func GenesisHash() [32]byte {
	return sha256.Sum256([]byte(GenesisHashSeed))
}

func NewStateHasher() *StateHasher {
	return &StateHasher{tip: GenesisHash()}
}

// Extend appends link to the chain and returns the new tip.
func (h *StateHasher) Extend(link ChainLink) [32]byte {
	sum := sha256.New()
	sum.Write(h.tip[:])

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(link.Sequence))
	sum.Write(buf[:])
	binary.LittleEndian.PutUint32(buf[:4], uint32(link.Command))
	sum.Write(buf[:4])
	binary.LittleEndian.PutUint32(buf[:4], uint32(len(link.Key)))
	sum.Write(buf[:4])
	sum.Write([]byte(link.Key))
	if link.Rejected {
		sum.Write([]byte{1})
	} else {
		sum.Write([]byte{0})
	}
	sum.Write(link.Digest)

	copy(h.tip[:], sum.Sum(nil))
	return h.tip
}

// Tip returns the hash of the last sequenced command.
func (h *StateHasher) Tip() [32]byte {
	return h.tip
}

// Reset resumes the chain from a snapshot.
func (h *StateHasher) Reset(tip [32]byte) {
	h.tip = tip
}
