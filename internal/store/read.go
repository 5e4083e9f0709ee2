package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/keyhaven/reclaim/internal/record"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ReadAttempt loads one attempt by ID.
func (s *Store) ReadAttempt(ctx context.Context, id string) (record.RecoveryAttempt, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, subject_id, status, variant,
		       initiated_at, expires_at, completed_at,
		       trust_score, challenges_sent, challenges_completed,
		       guardian_approvals_required, guardians_approved,
		       shards_required, shard_holders_seen,
		       canary_alert_sent_at, canary_acknowledged, failure_reason
		FROM attempts WHERE id = ?
	`, id)
	return scanAttempt(row)
}

// ActiveAttemptID returns the ID of the subject's non-terminal attempt,
// if one exists.
func (s *Store) ActiveAttemptID(ctx context.Context, subjectID string) (string, bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM attempts
		WHERE subject_id = ? AND status NOT IN ('completed', 'failed')
	`, subjectID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read active attempt: %w", err)
	}
	return id, true, nil
}

// DueAttemptIDs returns non-terminal attempts whose TTL expired at or
// before now, in expiry order. The TTL sweeper feeds these back into
// the state machine as timer events.
func (s *Store) DueAttemptIDs(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM attempts
		WHERE status NOT IN ('completed', 'failed') AND expires_at <= ?
		ORDER BY expires_at ASC, id ASC
	`, now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("read due attempts: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan due attempt: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ReadChallenge loads one challenge by ID.
func (s *Store) ReadChallenge(ctx context.Context, id string) (record.Challenge, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, attempt_id, ordinal, total_for_attempt,
		       issued_at, expires_at, expected_answer_hash, weight, answered
		FROM challenges WHERE id = ?
	`, id)
	return scanChallenge(row)
}

// ReadChallenges loads an attempt's challenges in ordinal order.
func (s *Store) ReadChallenges(ctx context.Context, attemptID string) ([]record.Challenge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, attempt_id, ordinal, total_for_attempt,
		       issued_at, expires_at, expected_answer_hash, weight, answered
		FROM challenges WHERE attempt_id = ?
		ORDER BY ordinal ASC
	`, attemptID)
	if err != nil {
		return nil, fmt.Errorf("read challenges: %w", err)
	}
	defer rows.Close()

	var out []record.Challenge
	for rows.Next() {
		ch, err := scanChallenge(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

// ReadApprovals loads an attempt's approvals in guardian-ID order.
func (s *Store) ReadApprovals(ctx context.Context, attemptID string) ([]record.GuardianApproval, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT attempt_id, guardian_id, approved_at, signature
		FROM approvals WHERE attempt_id = ?
		ORDER BY guardian_id ASC
	`, attemptID)
	if err != nil {
		return nil, fmt.Errorf("read approvals: %w", err)
	}
	defer rows.Close()

	var out []record.GuardianApproval
	for rows.Next() {
		var a record.GuardianApproval
		var approvedAt int64
		if err := rows.Scan(&a.AttemptID, &a.GuardianID, &approvedAt, &a.Signature); err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		a.ApprovedAt = timeFromNanos(approvedAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

// ReadShards loads an attempt's shards in share-index order.
func (s *Store) ReadShards(ctx context.Context, attemptID string) ([]record.Shard, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT attempt_id, share_index, holder_id, ciphertext, received_at
		FROM shards WHERE attempt_id = ?
		ORDER BY share_index ASC
	`, attemptID)
	if err != nil {
		return nil, fmt.Errorf("read shards: %w", err)
	}
	defer rows.Close()

	var out []record.Shard
	for rows.Next() {
		var sh record.Shard
		var idx int
		var receivedAt int64
		if err := rows.Scan(&sh.AttemptID, &idx, &sh.HolderID, &sh.Ciphertext, &receivedAt); err != nil {
			return nil, fmt.Errorf("scan shard: %w", err)
		}
		sh.ShareIndex = uint8(idx)
		sh.ReceivedAt = timeFromNanos(receivedAt)
		out = append(out, sh)
	}
	return out, rows.Err()
}

// UnbatchedCommitments returns commitments without a batch, oldest
// first. Used to rehydrate the batcher queue on restart.
func (s *Store) UnbatchedCommitments(ctx context.Context) ([]record.Commitment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, subject_id, payload_hash, created_at
		FROM commitments WHERE batch_id IS NULL
		ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("read unbatched commitments: %w", err)
	}
	defer rows.Close()

	var out []record.Commitment
	for rows.Next() {
		var c record.Commitment
		var hash []byte
		var createdAt int64
		if err := rows.Scan(&c.ID, &c.SubjectID, &hash, &createdAt); err != nil {
			return nil, fmt.Errorf("scan commitment: %w", err)
		}
		if len(hash) != 32 {
			return nil, fmt.Errorf("commitment %s: payload hash is %d bytes, want 32", c.ID, len(hash))
		}
		copy(c.PayloadHash[:], hash)
		c.CreatedAt = timeFromNanos(createdAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

// ReadBatch loads one batch by ID.
func (s *Store) ReadBatch(ctx context.Context, id string) (record.MerkleBatch, error) {
	var b record.MerkleBatch
	var root []byte
	var leavesJSON string
	var size int
	var anchoredAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, root, leaves, batch_size, anchored_at, submitter
		FROM batches WHERE id = ?
	`, id).Scan(&b.ID, &root, &leavesJSON, &size, &anchoredAt, &b.Submitter)
	if errors.Is(err, sql.ErrNoRows) {
		return b, fmt.Errorf("batch %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return b, fmt.Errorf("read batch: %w", err)
	}
	if len(root) != 32 {
		return b, fmt.Errorf("batch %s: root is %d bytes, want 32", id, len(root))
	}
	copy(b.Root[:], root)
	b.AnchoredAt = timeFromNanos(anchoredAt)

	var leaves []string
	if err := json.Unmarshal([]byte(leavesJSON), &leaves); err != nil {
		return b, fmt.Errorf("batch %s: decode leaves: %w", id, err)
	}
	b.OrderedLeaves = make([][32]byte, len(leaves))
	for i, l := range leaves {
		raw, err := hex.DecodeString(l)
		if err != nil || len(raw) != 32 {
			return b, fmt.Errorf("batch %s: leaf %d malformed", id, i)
		}
		copy(b.OrderedLeaves[i][:], raw)
	}
	return b, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAttempt(row rowScanner) (record.RecoveryAttempt, error) {
	var a record.RecoveryAttempt
	var status, guardians, holders string
	var initiatedAt, expiresAt, completedAt, canaryAt int64
	var canaryAck int
	err := row.Scan(
		&a.ID, &a.SubjectID, &status, &a.Variant,
		&initiatedAt, &expiresAt, &completedAt,
		&a.TrustScore, &a.ChallengesSent, &a.ChallengesCompleted,
		&a.GuardianApprovalsRequired, &guardians,
		&a.ShardsRequired, &holders,
		&canaryAt, &canaryAck, &a.FailureReason,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	if err != nil {
		return a, fmt.Errorf("scan attempt: %w", err)
	}
	a.Status = record.Status(status)
	a.InitiatedAt = timeFromNanos(initiatedAt)
	a.ExpiresAt = timeFromNanos(expiresAt)
	a.CompletedAt = timeFromNanos(completedAt)
	a.CanaryAlertSentAt = timeFromNanos(canaryAt)
	a.CanaryAcknowledged = canaryAck != 0
	if err := json.Unmarshal([]byte(guardians), &a.GuardiansApproved); err != nil {
		return a, fmt.Errorf("decode guardians: %w", err)
	}
	if err := json.Unmarshal([]byte(holders), &a.ShardHoldersSeen); err != nil {
		return a, fmt.Errorf("decode shard holders: %w", err)
	}
	return a, nil
}

func scanChallenge(row rowScanner) (record.Challenge, error) {
	var ch record.Challenge
	var issuedAt, expiresAt int64
	var answered int
	err := row.Scan(
		&ch.ID, &ch.AttemptID, &ch.Ordinal, &ch.TotalForAttempt,
		&issuedAt, &expiresAt, &ch.ExpectedAnswerHash, &ch.Weight, &answered,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return ch, ErrNotFound
	}
	if err != nil {
		return ch, fmt.Errorf("scan challenge: %w", err)
	}
	ch.IssuedAt = timeFromNanos(issuedAt)
	ch.ExpiresAt = timeFromNanos(expiresAt)
	ch.Answered = answered != 0
	return ch, nil
}

func timeFromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
