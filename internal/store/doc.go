// Package store provides SQLite-backed durable storage for recovery
// attempts, challenges, approvals, shards, commitments and batches.
//
// Layout:
//   - attempts: one row per attempt, keyed by id, with status, trust
//     score and phase counters; a partial unique index enforces at most
//     one non-terminal attempt per subject
//   - challenges, approvals, shards: foreign-keyed to attempts(id);
//     approvals and shards carry identity-keyed primary keys so
//     concurrent duplicate submissions are idempotent no-ops
//   - commitments: nullable batch_id, NULL until batched
//   - batches: root plus the ordered leaf list, so roots are
//     reproducible from storage alone
//
// All multi-table mutations for one attempt run in a single
// transaction; no partial update is ever observable. All ordering
// columns use explicit ORDER BY so reads are deterministic.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON: enforce referential integrity
package store
