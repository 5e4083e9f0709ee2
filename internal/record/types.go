package record

import "time"

// Status enumerates the lifecycle states of a recovery attempt.
//
// The ordering of the non-terminal phases is fixed: an attempt moves
// through challenge_phase, guardian_approval and shard_collection in
// that order, never skipping a phase. Completed and failed are terminal
// and retained forever for audit.
type Status string

const (
	StatusInitiated        Status = "initiated"
	StatusChallengePhase   Status = "challenge_phase"
	StatusGuardianApproval Status = "guardian_approval"
	StatusShardCollection  Status = "shard_collection"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
)

// Terminal reports whether the status is a terminal state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the defined statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusInitiated, StatusChallengePhase, StatusGuardianApproval,
		StatusShardCollection, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// RecoveryAttempt is the full state of one recovery attempt.
//
// At most one non-terminal attempt exists per subject at any time.
// Attempts are created on initiation and mutated only by the recovery
// engine; terminal attempts are never deleted.
type RecoveryAttempt struct {
	ID        string
	SubjectID string
	Status    Status
	Variant   string // name of the assigned variant configuration

	InitiatedAt time.Time
	ExpiresAt   time.Time
	CompletedAt time.Time // zero until terminal

	TrustScore          float64 // in [0,1]
	ChallengesSent      int
	ChallengesCompleted int

	GuardianApprovalsRequired int
	GuardiansApproved         []string // distinct guardian IDs, insertion order

	ShardsRequired   int
	ShardHoldersSeen []string // distinct holder IDs, insertion order

	CanaryAlertSentAt  time.Time // zero if never sent
	CanaryAcknowledged bool

	FailureReason string // empty unless Status == failed
}

// ApprovalCount returns the number of distinct guardians that approved.
func (a *RecoveryAttempt) ApprovalCount() int { return len(a.GuardiansApproved) }

// HasGuardianApproved reports whether the guardian already approved.
func (a *RecoveryAttempt) HasGuardianApproved(guardianID string) bool {
	for _, g := range a.GuardiansApproved {
		if g == guardianID {
			return true
		}
	}
	return false
}

// Challenge is a single temporal challenge issued during the challenge
// phase. A challenge is consumed (answered) exactly once.
type Challenge struct {
	ID                 string
	AttemptID          string
	Ordinal            int // 1-based position within the attempt
	TotalForAttempt    int
	IssuedAt           time.Time
	ExpiresAt          time.Time
	ExpectedAnswerHash string // hex SHA-256 of the expected answer
	Weight             float64
	Answered           bool
}

// GuardianApproval records one distinct guardian's approval of an
// attempt. The (AttemptID, GuardianID) pair is unique; duplicates are
// idempotent no-ops, never a second count.
type GuardianApproval struct {
	AttemptID  string
	GuardianID string
	ApprovedAt time.Time
	Signature  []byte
}

// Shard is one submitted share of the subject's recovery secret,
// unique per (AttemptID, ShareIndex).
type Shard struct {
	AttemptID  string
	HolderID   string
	ShareIndex uint8
	Ciphertext []byte
	ReceivedAt time.Time
}

// Commitment is a tamper-evidence leaf: the hash of one piece of
// recovery evidence, queued for Merkle batching. Immutable once
// created. BatchID stays empty until the commitment is batched.
type Commitment struct {
	ID          string
	SubjectID   string
	PayloadHash [32]byte
	CreatedAt   time.Time
	BatchID     string
}

// MerkleBatch is a frozen, ordered snapshot of commitments with its
// Merkle root. The root is a pure function of OrderedLeaves in order,
// so it is reproducible from the same commitment set.
type MerkleBatch struct {
	ID            string
	OrderedLeaves [][32]byte
	Root          [32]byte
	AnchoredAt    time.Time // zero until anchored
	Submitter     string
}

// BatchSize returns the number of leaves in the batch.
func (b *MerkleBatch) BatchSize() int { return len(b.OrderedLeaves) }
