// Package anchor batches commitment hashes into Merkle trees and
// maintains the ledger-side registry of anchored roots.
//
// The registry mirrors the on-chain contract surface exactly:
// authority-gated writes, public reads, and a pure inclusion verifier.
// No raw evidence ever reaches the registry, only roots over hashes.
package anchor

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/keyhaven/reclaim/internal/record"
)

// Address identifies a ledger caller, derived from a verification key.
type Address string

// AddressOf derives the ledger address for an Ed25519 public key:
// the low 20 bytes of SHA-256(key), hex-encoded with an 0x prefix.
func AddressOf(pub ed25519.PublicKey) Address {
	sum := sha256.Sum256(pub)
	return Address("0x" + hex.EncodeToString(sum[12:]))
}

// Record is the ledger state for one anchored root.
type Record struct {
	Exists     bool
	AnchoredAt time.Time
	BatchSize  uint64
	Submitter  Address
}

// CommitmentAnchored is the event emitted for every successful anchor
// call, matching the contract event signature.
type CommitmentAnchored struct {
	Root      [32]byte
	Timestamp time.Time
	BatchSize uint64
	Submitter Address
}

// Observer receives anchoring events. Implementations must be safe for
// concurrent use.
type Observer interface {
	CommitmentAnchored(CommitmentAnchored)
}

// Registry is the append-only key-value store of anchored roots behind
// a single-writer capability interface. There is no shared mutable
// global: callers receive the instance through the API boundary.
//
// Writes are serialized by the registry itself; reads are lock-free in
// spirit (RLock only) and never mutate.
type Registry struct {
	mu        sync.RWMutex
	authority ed25519.PublicKey
	owner     Address
	records   map[[32]byte]Record
	order     map[Address][][32]byte
	counts    map[Address]uint64
	observers []Observer
	now       func() time.Time
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithObserver registers an anchoring-event observer.
func WithObserver(o Observer) RegistryOption {
	return func(r *Registry) { r.observers = append(r.observers, o) }
}

// WithNow overrides the timestamp source. Used by tests for
// deterministic anchor timestamps.
func WithNow(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates a Registry gated on the given authority key.
// Only the authority's address may anchor.
func NewRegistry(authority ed25519.PublicKey, opts ...RegistryOption) *Registry {
	r := &Registry{
		authority: authority,
		owner:     AddressOf(authority),
		records:   make(map[[32]byte]Record),
		order:     make(map[Address][][32]byte),
		counts:    make(map[Address]uint64),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Owner returns the configured authority address.
func (r *Registry) Owner() Address { return r.owner }

// Anchor records a Merkle root permanently.
//
// Rejections, in check order:
//   - INVALID_BATCH_SIZE when batchSize is zero, regardless of
//     signature validity;
//   - UNAUTHORIZED when the caller is not the configured authority, or
//     when the signature over (root, batchSize) does not verify against
//     the authority key;
//   - ALREADY_ANCHORED when the root is present. The existing record
//     is left untouched.
//
// On success the record is stored atomically, the root appended to the
// submitter's ordered list, the submitter's batch count incremented,
// and a CommitmentAnchored event emitted.
func (r *Registry) Anchor(caller Address, root [32]byte, batchSize uint64, signature []byte) error {
	if batchSize == 0 {
		return &RegistryError{
			Code:    ErrCodeInvalidBatchSize,
			Message: "batch size must be at least 1",
			Root:    hex.EncodeToString(root[:]),
		}
	}
	if caller != r.owner {
		slog.Warn("anchor rejected: caller is not the authority",
			"caller", string(caller), "authority", string(r.owner))
		return &RegistryError{
			Code:    ErrCodeUnauthorized,
			Message: "caller is not the anchoring authority",
			Root:    hex.EncodeToString(root[:]),
		}
	}
	if !ed25519.Verify(r.authority, record.AnchorMessage(root, batchSize), signature) {
		slog.Warn("anchor rejected: signature did not verify", "caller", string(caller))
		return &RegistryError{
			Code:    ErrCodeUnauthorized,
			Message: "anchor signature did not verify",
			Root:    hex.EncodeToString(root[:]),
		}
	}

	r.mu.Lock()
	if _, exists := r.records[root]; exists {
		r.mu.Unlock()
		return &RegistryError{
			Code:    ErrCodeAlreadyAnchored,
			Message: "root is already anchored",
			Root:    hex.EncodeToString(root[:]),
		}
	}

	rec := Record{
		Exists:     true,
		AnchoredAt: r.now(),
		BatchSize:  batchSize,
		Submitter:  caller,
	}
	r.records[root] = rec
	r.order[caller] = append(r.order[caller], root)
	r.counts[caller]++
	r.mu.Unlock()

	ev := CommitmentAnchored{
		Root:      root,
		Timestamp: rec.AnchoredAt,
		BatchSize: batchSize,
		Submitter: caller,
	}
	for _, o := range r.observers {
		o.CommitmentAnchored(ev)
	}
	slog.Info("root anchored",
		"root", hex.EncodeToString(root[:]),
		"batch_size", batchSize,
		"submitter", string(caller),
	)
	return nil
}

// GetCommitment returns the stored record for a root, or a zero Record
// with Exists=false when absent. Never mutates.
func (r *Registry) GetCommitment(root [32]byte) Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.records[root]
}

// VerifyCommitment recomputes the root by folding the leaf through the
// proof elements in order: acc = SHA-256(acc ++ element).
//
// Pure: it reads no ledger state, so inclusion can be checked against a
// root that was never anchored. Anchoring status and cryptographic
// inclusion are orthogonal guarantees; callers wanting both must also
// call GetCommitment.
func (r *Registry) VerifyCommitment(root, leaf [32]byte, proof [][32]byte) bool {
	return FoldProof(leaf, proof) == root
}

// FoldProof folds a leaf through proof elements in order:
// acc = SHA-256(acc ++ element). This is the contract's inclusion
// computation, exposed for offline verification.
func FoldProof(leaf [32]byte, proof [][32]byte) [32]byte {
	acc := leaf
	for _, elem := range proof {
		h := sha256.New()
		h.Write(acc[:])
		h.Write(elem[:])
		copy(acc[:], h.Sum(nil))
	}
	return acc
}

// SubmitterCommitments returns the submitter's roots in anchoring order.
func (r *Registry) SubmitterCommitments(addr Address) [][32]byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([][32]byte, len(r.order[addr]))
	copy(out, r.order[addr])
	return out
}

// BatchCount returns how many batches the submitter has anchored.
func (r *Registry) BatchCount(addr Address) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counts[addr]
}
