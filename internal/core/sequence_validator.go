package core

import (
	"errors"
	"fmt"
)

var (
	ErrSequenceGap = errors.New("source sequence gap")
	ErrOutOfOrder  = errors.New("out-of-order command")
)

// SequenceValidator validates source sequences per partition.
// Not thread-safe: owned by the core goroutine.
type SequenceValidator struct {
	expectedNextSeq map[string]int64 // partition -> next expected sequence
	metrics         *SequenceMetrics
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
		metrics:         NewSequenceMetrics(),
	}
}

// SourcePartition names the partition for an upstream sequencer.
func SourcePartition(source string) string {
	return "source:" + source
}

// PricePartition names the partition for an oracle feed.
func PricePartition(feed string) string {
	return "price:" + feed
}

// ValidateSequence checks source sequence ordering. A duplicate below the
// watermark is accepted so the caller can drop it quietly.
func (sv *SequenceValidator) ValidateSequence(
	partition string,
	sourceSequence int64,
	isDuplicate bool,
) error {
	expected := sv.expectedNextSeq[partition]

	if sourceSequence < expected {
		if isDuplicate {
			return nil
		}
		sv.metrics.RecordOutOfOrder(partition)
		return fmt.Errorf("partition=%s expected=%d got=%d: %w",
			partition, expected, sourceSequence, ErrOutOfOrder)
	}

	if sourceSequence == expected {
		sv.expectedNextSeq[partition] = expected + 1
		return nil
	}

	sv.metrics.RecordGap(partition, expected, sourceSequence)
	return fmt.Errorf("partition=%s expected=%d got=%d: %w",
		partition, expected, sourceSequence, ErrSequenceGap)
}

// ValidatePriceSequence tracks a feed's sequence and returns how many
// readings were skipped. Gaps are tolerated and stale readings are left for
// the oracle book to ignore.
func (sv *SequenceValidator) ValidatePriceSequence(feed string, priceSequence int64) (skipped int64) {
	partition := PricePartition(feed)
	expected, seen := sv.expectedNextSeq[partition]

	if priceSequence < expected {
		return 0
	}
	if seen && priceSequence > expected {
		sv.metrics.RecordPriceGap(feed, expected, priceSequence)
		skipped = priceSequence - expected
	}
	sv.expectedNextSeq[partition] = priceSequence + 1
	return skipped
}

// GetExpectedSequence returns next expected sequence for a partition
func (sv *SequenceValidator) GetExpectedSequence(partition string) int64 {
	return sv.expectedNextSeq[partition]
}

// RestorePartition initializes the watermark of a partition (recovery).
func (sv *SequenceValidator) RestorePartition(partition string, nextSeq int64) {
	sv.expectedNextSeq[partition] = nextSeq
}

// GetAllPartitions copies every watermark for a snapshot.
func (sv *SequenceValidator) GetAllPartitions() map[string]int64 {
	out := make(map[string]int64, len(sv.expectedNextSeq))
	for k, v := range sv.expectedNextSeq {
		out[k] = v
	}
	return out
}

func (sv *SequenceValidator) Metrics() *SequenceMetrics {
	return sv.metrics
}

// --- Metrics ---

// SequenceMetrics tracks sequence validation stats.
// Not thread-safe: owned by the core goroutine.
type SequenceMetrics struct {
	gaps       map[string]int64 // partition -> gap count
	outOfOrder map[string]int64 // partition -> out-of-order count
	priceGaps  map[string]int64 // feed -> price gap count
}

func NewSequenceMetrics() *SequenceMetrics {
	return &SequenceMetrics{
		gaps:       make(map[string]int64),
		outOfOrder: make(map[string]int64),
		priceGaps:  make(map[string]int64),
	}
}

func (m *SequenceMetrics) RecordGap(partition string, expected, got int64) {
	m.gaps[partition]++
}

func (m *SequenceMetrics) RecordOutOfOrder(partition string) {
	m.outOfOrder[partition]++
}

func (m *SequenceMetrics) RecordPriceGap(feed string, expected, got int64) {
	m.priceGaps[feed]++
}

func (m *SequenceMetrics) GetGaps(partition string) int64 {
	return m.gaps[partition]
}

func (m *SequenceMetrics) GetOutOfOrder(partition string) int64 {
	return m.outOfOrder[partition]
}

func (m *SequenceMetrics) GetPriceGaps(feed string) int64 {
	return m.priceGaps[feed]
}
