// Package audit is the append-only audit stream for recovery and
// anchoring activity.
//
// Emission is decoupled from state mutation: components publish typed
// events through the Emitter interface, production wires a slog-backed
// emitter, and tests wire a Recorder and assert on the captured stream
// without any real ledger.
package audit

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Kind names the audit event categories.
type Kind string

const (
	KindAttemptInitiated   Kind = "attempt_initiated"
	KindPhaseTransition    Kind = "phase_transition"
	KindChallengeIssued    Kind = "challenge_issued"
	KindChallengeAnswered  Kind = "challenge_answered"
	KindGuardianApproved   Kind = "guardian_approved"
	KindShardSubmitted     Kind = "shard_submitted"
	KindCanaryAlerted      Kind = "canary_alerted"
	KindCanaryAcknowledged Kind = "canary_acknowledged"
	KindAttemptCompleted   Kind = "attempt_completed"
	KindAttemptFailed      Kind = "attempt_failed"
	KindSecurityRejection  Kind = "security_rejection"
	KindBatchFrozen        Kind = "batch_frozen"
	KindCommitmentAnchored Kind = "commitment_anchored"
)

// Event is one audit stream entry. Seq is a monotonic logical sequence
// number assigned at emission; ordering never depends on wall clocks.
type Event struct {
	Seq       int64          `json:"seq"`
	Kind      Kind           `json:"kind"`
	AttemptID string         `json:"attempt_id,omitempty"`
	SubjectID string         `json:"subject_id,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Emitter receives audit events. Implementations must be safe for
// concurrent use.
type Emitter interface {
	Emit(e Event)
}

// Clock stamps events with monotonic sequence numbers.
// Safe for concurrent use.
type Clock struct {
	seq atomic.Int64
}

// Next returns the next sequence number.
func (c *Clock) Next() int64 { return c.seq.Add(1) }

// Logger emits audit events through slog at Info level.
type Logger struct{}

// Emit implements Emitter.
func (Logger) Emit(e Event) {
	attrs := []any{
		"seq", e.Seq,
		"kind", string(e.Kind),
	}
	if e.AttemptID != "" {
		attrs = append(attrs, "attempt_id", e.AttemptID)
	}
	if e.SubjectID != "" {
		attrs = append(attrs, "subject_id", e.SubjectID)
	}
	for k, v := range e.Fields {
		attrs = append(attrs, k, v)
	}
	slog.Info("audit", attrs...)
}

// Recorder captures events in memory for tests and golden traces.
// Safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit implements Emitter.
func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the captured stream in emission order.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfKind returns captured events of one kind, in emission order.
func (r *Recorder) OfKind(kind Kind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// Multi fans one event out to several emitters.
type Multi []Emitter

// Emit implements Emitter.
func (m Multi) Emit(e Event) {
	for _, em := range m {
		em.Emit(e)
	}
}
