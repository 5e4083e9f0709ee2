package record

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for evidence hashing. The version suffix leaves room
// for algorithm migration without colliding with old leaves.
const (
	DomainCommitment = "reclaim/commitment/v1"
	DomainAnswer     = "reclaim/answer/v1"
	DomainApproval   = "reclaim/approval/v1"
	DomainAnchor     = "reclaim/anchor/v1"
)

// hashWithDomain computes SHA-256 over domain + 0x00 + data. The null
// separator prevents ambiguity at the domain/data boundary.
func hashWithDomain(domain string, data []byte) [32]byte {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// PayloadHash computes the 32-byte commitment leaf for a piece of
// recovery evidence. The evidence map is canonicalized first, so the
// same evidence always yields the same leaf regardless of field order.
func PayloadHash(subjectID, kind string, evidence map[string]any) ([32]byte, error) {
	obj := map[string]any{
		"subject_id": subjectID,
		"kind":       kind,
		"evidence":   evidence,
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return [32]byte{}, fmt.Errorf("payload hash: %w", err)
	}
	return hashWithDomain(DomainCommitment, canonical), nil
}

// AnswerHash computes the hex digest used to check challenge answers.
// The raw answer never leaves the caller; only this digest is stored.
func AnswerHash(answer string) string {
	sum := hashWithDomain(DomainAnswer, []byte(answer))
	return hex.EncodeToString(sum[:])
}

// ApprovalMessage is the exact byte string a guardian signs to approve
// an attempt. Binding the attempt ID into the message prevents replay
// of an approval across attempts.
func ApprovalMessage(attemptID string) []byte {
	msg := make([]byte, 0, len(DomainApproval)+1+len(attemptID))
	msg = append(msg, DomainApproval...)
	msg = append(msg, 0x00)
	msg = append(msg, attemptID...)
	return msg
}

// AnchorMessage is the exact byte string the anchoring authority signs:
// domain prefix, null separator, the 32-byte root, and the batch size
// as a big-endian uint64.
func AnchorMessage(root [32]byte, batchSize uint64) []byte {
	msg := make([]byte, 0, len(DomainAnchor)+1+32+8)
	msg = append(msg, DomainAnchor...)
	msg = append(msg, 0x00)
	msg = append(msg, root[:]...)
	for shift := 56; shift >= 0; shift -= 8 {
		msg = append(msg, byte(batchSize>>shift))
	}
	return msg
}

// MustPayloadHash is like PayloadHash but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustPayloadHash(subjectID, kind string, evidence map[string]any) [32]byte {
	h, err := PayloadHash(subjectID, kind, evidence)
	if err != nil {
		panic(err)
	}
	return h
}
