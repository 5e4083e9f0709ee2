package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/keyhaven/reclaim/internal/record"
)

// CreateAttempt inserts a new attempt and its first challenge in one
// transaction. The partial unique index on attempts(subject_id)
// enforces the single-active-attempt invariant at the storage layer
// too; a violation surfaces as an error here.
func (s *Store) CreateAttempt(ctx context.Context, a record.RecoveryAttempt, first *record.Challenge) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := insertAttempt(ctx, tx, a); err != nil {
			return err
		}
		if first != nil {
			if err := insertChallenge(ctx, tx, *first); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpdateAttempt rewrites the mutable columns of an attempt row.
// Used for status-only transitions (cancel, expiry, completion).
func (s *Store) UpdateAttempt(ctx context.Context, a record.RecoveryAttempt) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return updateAttempt(ctx, tx, a)
	})
}

// RecordChallengeResponse applies one challenge response atomically:
// the attempt row update, the answered flag on the consumed challenge
// and the insert of the next challenge (when one is issued) commit or
// roll back together.
func (s *Store) RecordChallengeResponse(ctx context.Context, a record.RecoveryAttempt, answeredChallengeID string, next *record.Challenge) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := updateAttempt(ctx, tx, a); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE challenges SET answered = 1 WHERE id = ? AND answered = 0`,
			answeredChallengeID)
		if err != nil {
			return fmt.Errorf("mark challenge answered: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("mark challenge answered: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("challenge %s already consumed", answeredChallengeID)
		}
		if next != nil {
			if err := insertChallenge(ctx, tx, *next); err != nil {
				return err
			}
		}
		return nil
	})
}

// RecordApproval persists one guardian approval with the updated
// attempt row. The approvals primary key makes duplicate guardian IDs
// idempotent (ON CONFLICT DO NOTHING), matching the in-memory set.
func (s *Store) RecordApproval(ctx context.Context, a record.RecoveryAttempt, approval record.GuardianApproval) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := updateAttempt(ctx, tx, a); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO approvals (attempt_id, guardian_id, approved_at, signature)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(attempt_id, guardian_id) DO NOTHING
		`,
			approval.AttemptID,
			approval.GuardianID,
			approval.ApprovedAt.UnixNano(),
			approval.Signature,
		)
		if err != nil {
			return fmt.Errorf("write approval: %w", err)
		}
		return nil
	})
}

// RecordShard persists one shard submission with the updated attempt
// row, idempotent on (attempt_id, share_index).
func (s *Store) RecordShard(ctx context.Context, a record.RecoveryAttempt, sh record.Shard) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := updateAttempt(ctx, tx, a); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO shards (attempt_id, share_index, holder_id, ciphertext, received_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(attempt_id, share_index) DO NOTHING
		`,
			sh.AttemptID,
			int(sh.ShareIndex),
			sh.HolderID,
			sh.Ciphertext,
			sh.ReceivedAt.UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("write shard: %w", err)
		}
		return nil
	})
}

// InsertCommitment stores a new commitment with a NULL batch ID.
// Commitments are immutable once created; ON CONFLICT DO NOTHING makes
// re-inserts idempotent.
func (s *Store) InsertCommitment(ctx context.Context, c record.Commitment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO commitments (id, subject_id, payload_hash, created_at, batch_id)
		VALUES (?, ?, ?, ?, NULL)
		ON CONFLICT(id) DO NOTHING
	`,
		c.ID,
		c.SubjectID,
		c.PayloadHash[:],
		c.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("write commitment: %w", err)
	}
	return nil
}

// SaveBatch stores a frozen batch and stamps its commitments with the
// batch ID, atomically. A commitment is never split across batches:
// the batcher freeze already guaranteed membership, this persists it.
func (s *Store) SaveBatch(ctx context.Context, b record.MerkleBatch, commitmentIDs []string) error {
	leaves := make([]string, len(b.OrderedLeaves))
	for i, leaf := range b.OrderedLeaves {
		leaves[i] = hex.EncodeToString(leaf[:])
	}
	leavesJSON, err := json.Marshal(leaves)
	if err != nil {
		return fmt.Errorf("marshal leaves: %w", err)
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO batches (id, root, leaves, batch_size, anchored_at, submitter)
			VALUES (?, ?, ?, ?, ?, ?)
		`,
			b.ID,
			b.Root[:],
			string(leavesJSON),
			len(b.OrderedLeaves),
			nanosOrZero(b.AnchoredAt),
			b.Submitter,
		)
		if err != nil {
			return fmt.Errorf("write batch: %w", err)
		}

		if len(commitmentIDs) == 0 {
			return nil
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(commitmentIDs)), ",")
		args := make([]any, 0, len(commitmentIDs)+1)
		args = append(args, b.ID)
		for _, id := range commitmentIDs {
			args = append(args, id)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE commitments SET batch_id = ? WHERE id IN (`+placeholders+`)`, args...)
		if err != nil {
			return fmt.Errorf("mark commitments batched: %w", err)
		}
		return nil
	})
}

// MarkBatchAnchored stamps a batch with its anchoring time and
// submitter after the ledger accepted the root.
func (s *Store) MarkBatchAnchored(ctx context.Context, batchID string, at time.Time, submitter string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE batches SET anchored_at = ?, submitter = ? WHERE id = ?`,
		at.UnixNano(), submitter, batchID)
	if err != nil {
		return fmt.Errorf("mark batch anchored: %w", err)
	}
	return nil
}

func insertAttempt(ctx context.Context, tx *sql.Tx, a record.RecoveryAttempt) error {
	guardians, holders, err := marshalIdentitySets(a)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO attempts (
			id, subject_id, status, variant,
			initiated_at, expires_at, completed_at,
			trust_score, challenges_sent, challenges_completed,
			guardian_approvals_required, guardians_approved,
			shards_required, shard_holders_seen,
			canary_alert_sent_at, canary_acknowledged, failure_reason
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		a.ID, a.SubjectID, string(a.Status), a.Variant,
		a.InitiatedAt.UnixNano(), a.ExpiresAt.UnixNano(), nanosOrZero(a.CompletedAt),
		a.TrustScore, a.ChallengesSent, a.ChallengesCompleted,
		a.GuardianApprovalsRequired, guardians,
		a.ShardsRequired, holders,
		nanosOrZero(a.CanaryAlertSentAt), boolToInt(a.CanaryAcknowledged), a.FailureReason,
	)
	if err != nil {
		return fmt.Errorf("write attempt: %w", err)
	}
	return nil
}

func updateAttempt(ctx context.Context, tx *sql.Tx, a record.RecoveryAttempt) error {
	guardians, holders, err := marshalIdentitySets(a)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE attempts SET
			status = ?, completed_at = ?, trust_score = ?,
			challenges_sent = ?, challenges_completed = ?,
			guardians_approved = ?, shard_holders_seen = ?,
			canary_alert_sent_at = ?, canary_acknowledged = ?, failure_reason = ?
		WHERE id = ?
	`,
		string(a.Status), nanosOrZero(a.CompletedAt), a.TrustScore,
		a.ChallengesSent, a.ChallengesCompleted,
		guardians, holders,
		nanosOrZero(a.CanaryAlertSentAt), boolToInt(a.CanaryAcknowledged), a.FailureReason,
		a.ID,
	)
	if err != nil {
		return fmt.Errorf("update attempt: %w", err)
	}
	return nil
}

func insertChallenge(ctx context.Context, tx *sql.Tx, ch record.Challenge) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO challenges (
			id, attempt_id, ordinal, total_for_attempt,
			issued_at, expires_at, expected_answer_hash, weight, answered
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		ch.ID, ch.AttemptID, ch.Ordinal, ch.TotalForAttempt,
		ch.IssuedAt.UnixNano(), ch.ExpiresAt.UnixNano(),
		ch.ExpectedAnswerHash, ch.Weight, boolToInt(ch.Answered),
	)
	if err != nil {
		return fmt.Errorf("write challenge: %w", err)
	}
	return nil
}

func marshalIdentitySets(a record.RecoveryAttempt) (guardians, holders string, err error) {
	g, err := json.Marshal(emptyIfNil(a.GuardiansApproved))
	if err != nil {
		return "", "", fmt.Errorf("marshal guardians: %w", err)
	}
	h, err := json.Marshal(emptyIfNil(a.ShardHoldersSeen))
	if err != nil {
		return "", "", fmt.Errorf("marshal holders: %w", err)
	}
	return string(g), string(h), nil
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nanosOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
