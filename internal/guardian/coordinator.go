// Package guardian tracks m-of-n guardian approvals for recovery
// attempts and verifies that every approval signature is bound to the
// attempt it approves.
package guardian

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/keyhaven/reclaim/internal/record"
)

// ErrUnknownGuardian is returned when the guardian is not registered
// for the attempt's subject. Logged as a security-relevant event by
// callers.
var ErrUnknownGuardian = errors.New("guardian not registered for subject")

// ErrInvalidApprovalSignature is returned when the signature does not
// verify against the guardian's key over the attempt-bound message.
var ErrInvalidApprovalSignature = errors.New("invalid approval signature")

// Coordinator verifies and accumulates guardian approvals.
//
// Approvals for an attempt form a set keyed by guardian ID: a duplicate
// approval from the same guardian is an idempotent no-op, never a
// second count. The distinct-set cardinality is the only approval
// count that exists.
//
// Thread-safety: all methods are safe for concurrent use. Approvals
// arrive from independent out-of-band channels and may race.
type Coordinator struct {
	mu        sync.Mutex
	keys      map[string]map[string]ed25519.PublicKey // subjectID -> guardianID -> key
	approvals map[string]map[string]record.GuardianApproval
}

// NewCoordinator creates an empty Coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{
		keys:      make(map[string]map[string]ed25519.PublicKey),
		approvals: make(map[string]map[string]record.GuardianApproval),
	}
}

// Register associates a guardian's verification key with a subject.
// Registering the same guardian again replaces the key.
func (c *Coordinator) Register(subjectID, guardianID string, key ed25519.PublicKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.keys[subjectID]
	if !ok {
		g = make(map[string]ed25519.PublicKey)
		c.keys[subjectID] = g
	}
	g[guardianID] = key
}

// GuardianIDs returns the guardians registered for a subject, sorted
// by ID for deterministic notification order.
func (c *Coordinator) GuardianIDs(subjectID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.keys[subjectID]))
	for id := range c.keys[subjectID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Guardians returns the number of guardians registered for a subject.
func (c *Coordinator) Guardians(subjectID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.keys[subjectID])
}

// RecordApproval verifies and records one guardian's approval of the
// attempt, returning the updated distinct-approval count.
//
// The signature must cover record.ApprovalMessage(attemptID), which
// binds the approval to this attempt and prevents replaying it against
// another attempt for the same subject.
func (c *Coordinator) RecordApproval(approval record.GuardianApproval, subjectID string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key, ok := c.keys[subjectID][approval.GuardianID]
	if !ok {
		return c.countLocked(approval.AttemptID), fmt.Errorf("guardian %s, subject %s: %w",
			approval.GuardianID, subjectID, ErrUnknownGuardian)
	}
	if !ed25519.Verify(key, record.ApprovalMessage(approval.AttemptID), approval.Signature) {
		return c.countLocked(approval.AttemptID), fmt.Errorf("guardian %s, attempt %s: %w",
			approval.GuardianID, approval.AttemptID, ErrInvalidApprovalSignature)
	}

	set, ok := c.approvals[approval.AttemptID]
	if !ok {
		set = make(map[string]record.GuardianApproval)
		c.approvals[approval.AttemptID] = set
	}
	if _, dup := set[approval.GuardianID]; !dup {
		set[approval.GuardianID] = approval
	}
	return len(set), nil
}

// Count returns the distinct-approval count for an attempt.
func (c *Coordinator) Count(attemptID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.countLocked(attemptID)
}

// Approvals returns the recorded approvals for an attempt. Order is
// unspecified; callers needing stable order sort by guardian ID.
func (c *Coordinator) Approvals(attemptID string) []record.GuardianApproval {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]record.GuardianApproval, 0, len(c.approvals[attemptID]))
	for _, a := range c.approvals[attemptID] {
		out = append(out, a)
	}
	return out
}

// Drop discards approval state for an attempt. Called when the attempt
// reaches a terminal state.
func (c *Coordinator) Drop(attemptID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.approvals, attemptID)
}

func (c *Coordinator) countLocked(attemptID string) int {
	return len(c.approvals[attemptID])
}
