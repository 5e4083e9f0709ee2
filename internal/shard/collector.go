package shard

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Collector tracks k-of-n share submissions per attempt.
//
// Inserts are idempotent keyed by (attemptID, shareIndex): re-sending
// the same share is a safe no-op, while the same index with different
// ciphertext signals tampering and is rejected.
//
// Thread-safety: all methods are safe for concurrent use. Submissions
// arrive from independent out-of-band holder channels and may race.
type Collector struct {
	mu       sync.Mutex
	attempts map[string]map[uint8]submission
}

type submission struct {
	holderID   string
	ciphertext []byte
}

// ErrDuplicateShareIndex is returned when a share index is re-submitted
// with different ciphertext. This is a tamper signal, not a retry.
var ErrDuplicateShareIndex = errors.New("duplicate share index with different ciphertext")

// ErrReconstructionFailed is returned when interpolation fails its
// consistency checks. The caller must fail the attempt rather than
// silently retry: ambiguous shares may be adversarial.
var ErrReconstructionFailed = errors.New("secret reconstruction failed")

// NewCollector creates an empty Collector.
func NewCollector() *Collector {
	return &Collector{attempts: make(map[string]map[uint8]submission)}
}

// Submit records a share for the attempt and returns the number of
// distinct share indexes held afterwards.
//
// Idempotent: the identical (index, ciphertext) pair is a no-op that
// still returns the current count. A conflicting ciphertext for an
// already-held index returns ErrDuplicateShareIndex.
func (c *Collector) Submit(attemptID, holderID string, shareIndex uint8, ciphertext []byte) (int, error) {
	if shareIndex == 0 {
		return 0, fmt.Errorf("share index 0 is reserved")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	shares, ok := c.attempts[attemptID]
	if !ok {
		shares = make(map[uint8]submission)
		c.attempts[attemptID] = shares
	}

	if prev, exists := shares[shareIndex]; exists {
		if !bytes.Equal(prev.ciphertext, ciphertext) {
			return len(shares), fmt.Errorf("share index %d for attempt %s: %w",
				shareIndex, attemptID, ErrDuplicateShareIndex)
		}
		return len(shares), nil
	}

	shares[shareIndex] = submission{holderID: holderID, ciphertext: append([]byte(nil), ciphertext...)}
	return len(shares), nil
}

// Count returns the number of distinct share indexes held for the attempt.
func (c *Collector) Count(attemptID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.attempts[attemptID])
}

// Reconstruct interpolates the secret from the attempt's shares once at
// least k distinct indexes are held.
//
// Consistency check: when more than k shares are available, the secret
// is reconstructed from two independent k-subsets and the SHA-256
// fingerprints compared. A mismatch means at least one share is
// corrupt or forged, and ErrReconstructionFailed is returned.
func (c *Collector) Reconstruct(attemptID string, k int) ([]byte, error) {
	c.mu.Lock()
	held := c.attempts[attemptID]
	shares := make([]Share, 0, len(held))
	for idx, sub := range held {
		shares = append(shares, Share{Index: idx, Value: append([]byte(nil), sub.ciphertext...)})
	}
	c.mu.Unlock()

	if len(shares) < k {
		return nil, fmt.Errorf("have %d of %d required shares: %w", len(shares), k, ErrReconstructionFailed)
	}

	// Deterministic subset selection: sort by index so replays agree.
	sort.Slice(shares, func(i, j int) bool { return shares[i].Index < shares[j].Index })

	secret, err := Combine(shares[:k])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReconstructionFailed, err)
	}

	if len(shares) > k {
		alt, err := Combine(shares[len(shares)-k:])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrReconstructionFailed, err)
		}
		if fingerprint(secret) != fingerprint(alt) {
			return nil, fmt.Errorf("secret fingerprint mismatch across subsets: %w", ErrReconstructionFailed)
		}
	}
	return secret, nil
}

// Drop discards all shares for an attempt. Called when the attempt
// reaches a terminal state.
func (c *Collector) Drop(attemptID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.attempts, attemptID)
}

func fingerprint(secret []byte) [32]byte {
	return sha256.Sum256(secret)
}
