// Package engine implements the recovery state machine.
//
// The machine is the heart of reclaim - it receives recovery events
// (challenge responses, guardian approvals, shard submissions, canary
// signals), advances attempts through their phases, and feeds the
// evidence commitment pipeline.
//
// ARCHITECTURE:
//
// Per-Attempt Serialization:
// Attempts for different subjects run in parallel. All events for one
// attempt are applied inside that attempt's critical section, which
// ensures:
// - Exactly one transition per event
// - Exit conditions re-evaluated synchronously, never on a poll tick
// - A cancellation/completion race has a single well-defined winner
//
// Event Processing Flow:
// 1. Event arrives for an attempt (Respond/Approve/SubmitShard/Cancel)
// 2. The attempt's handle is locked; terminal, TTL and phase gates run
// 3. The event is applied and the phase exit condition evaluated
// 4. Attempt state is written to SQLite
// 5. Audit events, notifications and an evidence commitment are emitted
//
// Completion is the irrevocable commit point. Before it, canary
// cancellation always wins; after it, cancellation is rejected.
package engine
