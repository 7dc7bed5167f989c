package ledger

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// journalNamespace roots deterministic batch and journal IDs, so replaying
// the command log reproduces identical journal rows.
var journalNamespace = uuid.MustParse("6f1c3b52-8e0a-4c57-9d7e-2a4b1f0c9e33")

// JournalGenerator creates balanced journal batches for commands
type JournalGenerator struct {
	assetID AssetID
}

func NewJournalGenerator(assetID AssetID) *JournalGenerator {
	return &JournalGenerator{assetID: assetID}
}

// AssetID is the settlement asset journals are written in.
func (jg *JournalGenerator) AssetID() AssetID {
	return jg.assetID
}

// BatchBuilder accumulates the transfers of one command.
type BatchBuilder struct {
	assetID AssetID
	batch   *Batch
}

// NewBatch starts a batch for the command identified by eventRef.
func (jg *JournalGenerator) NewBatch(eventRef string, sequence int64, timestampMicros int64) *BatchBuilder {
	return &BatchBuilder{
		assetID: jg.assetID,
		batch: &Batch{
			BatchID:   uuid.NewSHA1(journalNamespace, []byte(eventRef)),
			EventRef:  eventRef,
			Sequence:  sequence,
			Timestamp: timestampMicros,
		},
	}
}

// Transfer moves amount from one account to another. Zero amounts are
// skipped; negative amounts reverse the direction.
func (b *BatchBuilder) Transfer(from, to AccountKey, amount int64, journalType JournalType) {
	if amount == 0 {
		return
	}
	if amount < 0 {
		from, to, amount = to, from, -amount
	}

	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], uint64(len(b.batch.Journals)))

	b.batch.Journals = append(b.batch.Journals, Journal{
		JournalID:     uuid.NewSHA1(b.batch.BatchID, idx[:]),
		BatchID:       b.batch.BatchID,
		EventRef:      b.batch.EventRef,
		Sequence:      b.batch.Sequence,
		DebitAccount:  to,
		CreditAccount: from,
		AssetID:       b.assetID,
		Amount:        amount,
		JournalType:   journalType,
		Timestamp:     b.batch.Timestamp,
	})
}

// Len returns the number of journals staged so far.
func (b *BatchBuilder) Len() int {
	return len(b.batch.Journals)
}

// Build returns the batch, or nil when no value moved.
func (b *BatchBuilder) Build() *Batch {
	if len(b.batch.Journals) == 0 {
		return nil
	}
	return b.batch
}
