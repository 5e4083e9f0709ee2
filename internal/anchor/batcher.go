package anchor

import (
	"log/slog"
	"sync"

	"github.com/keyhaven/reclaim/internal/audit"
	"github.com/keyhaven/reclaim/internal/merkle"
	"github.com/keyhaven/reclaim/internal/record"
)

// Frozen is one emitted batch plus the exact ordered commitments it
// summarizes, so the caller can mark them batched in storage.
type Frozen struct {
	Batch       record.MerkleBatch
	Commitments []record.Commitment
}

// Batcher groups pending commitment hashes into fixed-size batches per
// logical ledger (not per subject) and computes each batch's Merkle
// root over the creation-order leaves.
//
// Freezing and dequeuing are atomic with respect to concurrent
// enqueues: a commitment arriving mid-freeze belongs unambiguously to
// the next batch, never split across two. The freeze critical section
// is the only point serializing otherwise-parallel commitment
// producers.
type Batcher struct {
	mu        sync.Mutex
	pending   []record.Commitment
	batchSize int
	submitter Address
	ids       record.IDGenerator
	clock     *audit.Clock
	emitter   audit.Emitter
}

// NewBatcher creates a Batcher that freezes after batchSize pending
// commitments. Interval-based flushing is driven externally via Flush.
func NewBatcher(batchSize int, submitter Address, ids record.IDGenerator, clock *audit.Clock, emitter audit.Emitter) *Batcher {
	if batchSize < 1 {
		batchSize = 1
	}
	return &Batcher{
		batchSize: batchSize,
		submitter: submitter,
		ids:       ids,
		clock:     clock,
		emitter:   emitter,
	}
}

// Add enqueues a commitment. When the queue reaches the configured
// batch size, the current snapshot is frozen and returned; otherwise
// returns nil.
func (b *Batcher) Add(c record.Commitment) (*Frozen, error) {
	b.mu.Lock()
	b.pending = append(b.pending, c)
	if len(b.pending) < b.batchSize {
		b.mu.Unlock()
		return nil, nil
	}
	snapshot := b.freezeLocked()
	b.mu.Unlock()
	return b.build(snapshot)
}

// Flush freezes whatever is pending, regardless of size. Returns nil
// when the queue is empty. Called by the scheduled flush ticker.
func (b *Batcher) Flush() (*Frozen, error) {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return nil, nil
	}
	snapshot := b.freezeLocked()
	b.mu.Unlock()
	return b.build(snapshot)
}

// Pending returns the current queue depth.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// freezeLocked snaps and resets the pending queue. Caller holds mu.
func (b *Batcher) freezeLocked() []record.Commitment {
	snapshot := b.pending
	b.pending = make([]record.Commitment, 0, b.batchSize)
	return snapshot
}

// build computes the Merkle root for a frozen snapshot. Runs outside
// the queue lock: tree construction must not stall enqueues.
func (b *Batcher) build(snapshot []record.Commitment) (*Frozen, error) {
	leaves := make([][32]byte, len(snapshot))
	for i, c := range snapshot {
		leaves[i] = c.PayloadHash
	}
	root, err := merkle.Root(leaves)
	if err != nil {
		return nil, err
	}

	batch := record.MerkleBatch{
		ID:            b.ids.NewID(),
		OrderedLeaves: leaves,
		Root:          root,
		Submitter:     string(b.submitter),
	}
	if b.emitter != nil {
		b.emitter.Emit(audit.Event{
			Seq:  b.clock.Next(),
			Kind: audit.KindBatchFrozen,
			Fields: map[string]any{
				"batch_id":   batch.ID,
				"batch_size": len(leaves),
			},
		})
	}
	slog.Debug("batch frozen", "batch_id", batch.ID, "batch_size", len(leaves))
	return &Frozen{Batch: batch, Commitments: snapshot}, nil
}
