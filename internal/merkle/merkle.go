// Package merkle builds binary SHA-256 Merkle trees over 32-byte
// commitment leaves and generates/verifies inclusion proofs.
//
// Interior nodes are SHA-256(left ++ right) over the raw 32-byte
// digests, with no domain prefix, so roots and proofs match the
// ledger contract surface byte for byte. Odd levels are padded by
// duplicating the last node.
package merkle

import (
	"crypto/sha256"
	"fmt"
)

// Root computes the Merkle root of the ordered leaves.
// Returns an error for an empty leaf set: an empty batch has no root
// and must never be anchored.
func Root(leaves [][32]byte) ([32]byte, error) {
	if len(leaves) == 0 {
		return [32]byte{}, fmt.Errorf("merkle: no leaves")
	}
	level := make([][32]byte, len(leaves))
	copy(level, leaves)
	for len(level) > 1 {
		level = nextLevel(level)
	}
	return level[0], nil
}

// Proof returns the inclusion proof for the leaf at index: the sibling
// hashes from the leaf's level up to just below the root, in
// combine order. Verifying is a pure fold, see Verify.
func Proof(leaves [][32]byte, index int) ([][32]byte, error) {
	if len(leaves) == 0 {
		return nil, fmt.Errorf("merkle: no leaves")
	}
	if index < 0 || index >= len(leaves) {
		return nil, fmt.Errorf("merkle: index %d out of range [0,%d)", index, len(leaves))
	}

	var proof [][32]byte
	level := make([][32]byte, len(leaves))
	copy(level, leaves)
	for len(level) > 1 {
		sibling := index ^ 1
		if sibling >= len(level) {
			// Odd level: the last node is paired with itself.
			sibling = index
		}
		proof = append(proof, level[sibling])
		level = nextLevel(level)
		index /= 2
	}
	return proof, nil
}

// Verify recomputes the root by iteratively combining leaf with each
// proof element in order and compares against root.
//
// Pure: it has no dependency on any ledger or tree state, so a proof
// can be checked against a root that was never anchored. Anchoring
// status and cryptographic inclusion are orthogonal checks.
//
// The combine order at each step depends on the leaf's position, which
// the index parameter encodes: even index hashes (acc ++ sibling), odd
// index hashes (sibling ++ acc).
func Verify(root, leaf [32]byte, proof [][32]byte, index int) bool {
	h := leaf
	for _, sibling := range proof {
		if index%2 == 0 {
			h = combine(h, sibling)
		} else {
			h = combine(sibling, h)
		}
		index /= 2
	}
	return h == root
}

// nextLevel computes the parent level, duplicating the last node when
// the level has odd length.
func nextLevel(level [][32]byte) [][32]byte {
	next := make([][32]byte, 0, (len(level)+1)/2)
	for i := 0; i < len(level); i += 2 {
		left := level[i]
		right := left
		if i+1 < len(level) {
			right = level[i+1]
		}
		next = append(next, combine(left, right))
	}
	return next
}

func combine(left, right [32]byte) [32]byte {
	h := sha256.New()
	h.Write(left[:])
	h.Write(right[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
