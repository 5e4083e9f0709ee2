package engine

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyhaven/reclaim/internal/anchor"
	"github.com/keyhaven/reclaim/internal/audit"
	"github.com/keyhaven/reclaim/internal/guardian"
	"github.com/keyhaven/reclaim/internal/notify"
	"github.com/keyhaven/reclaim/internal/record"
	"github.com/keyhaven/reclaim/internal/shard"
	"github.com/keyhaven/reclaim/internal/store"
	"github.com/keyhaven/reclaim/internal/testutil"
	"github.com/keyhaven/reclaim/internal/trust"
)

const (
	testSubject = "subj-1"
	testAnswer  = "blue"
)

func baseVariant() trust.VariantConfig {
	return trust.VariantConfig{
		Name:              "control",
		PassThreshold:     0.6,
		ChallengeCount:    5,
		ChallengeWindow:   5 * time.Minute,
		MinChallengePhase: 0,
		AttemptTTL:        time.Hour,
		GuardiansRequired: 2,
		ShardsRequired:    2,
		TargetLatency:     30 * time.Second,
		SpeedBonusCap:     0.2,
		IncorrectPenalty:  1.0,
		SimilarityWeight:  0.5,
	}
}

type fixture struct {
	t       *testing.T
	machine *Machine
	store   *store.Store
	clock   *testutil.Clock
	rec     *audit.Recorder
	notes   *notify.Recorder
	signers map[string]ed25519.PrivateKey
	shares  []shard.Share
	secret  []byte
}

func newFixture(t *testing.T, cfg trust.VariantConfig, opts ...Option) *fixture {
	t.Helper()

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	guardians := guardian.NewCoordinator()
	signers := make(map[string]ed25519.PrivateKey)
	for _, gid := range []string{"g-1", "g-2", "g-3"} {
		seed := sha256.Sum256([]byte("machine-test-key/" + gid))
		priv := ed25519.NewKeyFromSeed(seed[:])
		signers[gid] = priv
		guardians.Register(testSubject, gid, priv.Public().(ed25519.PublicKey))
	}

	secret := []byte("vault-master-secret")
	shares, err := shard.Split(secret, cfg.ShardsRequired, 3)
	require.NoError(t, err)

	f := &fixture{
		t:       t,
		store:   st,
		clock:   testutil.NewClock(time.Unix(1700000000, 0).UTC()),
		rec:     &audit.Recorder{},
		notes:   &notify.Recorder{},
		signers: signers,
		shares:  shares,
		secret:  secret,
	}
	exp := trust.Experiment{ID: "machine-test", Variants: []trust.WeightedVariant{{Weight: 1, Config: cfg}}}
	machineOpts := append([]Option{
		WithClock(f.clock),
		WithIDGenerator(record.NewSequenceGenerator("id")),
		WithEmitter(f.rec),
		WithNotifier(f.notes),
		WithBatchConfig(100, "0xtest"),
	}, opts...)
	f.machine = New(st, guardians, shard.NewCollector(), exp, machineOpts...)
	f.machine.RegisterAnswers(testSubject, []AnswerSpec{{AnswerHash: record.AnswerHash(testAnswer), Weight: 1}})
	return f
}

func (f *fixture) initiate() record.RecoveryAttempt {
	f.t.Helper()
	a, err := f.machine.Initiate(context.Background(), testSubject)
	require.NoError(f.t, err)
	return a
}

// currentChallenge returns the most recently issued challenge.
func (f *fixture) currentChallenge() record.Challenge {
	f.t.Helper()
	issued := f.notes.IssuedChallenges()
	require.NotEmpty(f.t, issued)
	return issued[len(issued)-1]
}

func (f *fixture) answer(attemptID, answer string) (record.RecoveryAttempt, error) {
	ch := f.currentChallenge()
	return f.machine.RespondToChallenge(context.Background(), attemptID, ch.ID, answer, 0, false)
}

func (f *fixture) approve(attemptID, guardianID string) (int, error) {
	priv, ok := f.signers[guardianID]
	var sig []byte
	if ok {
		sig = ed25519.Sign(priv, record.ApprovalMessage(attemptID))
	} else {
		seed := sha256.Sum256([]byte("machine-test-key/" + guardianID))
		sig = ed25519.Sign(ed25519.NewKeyFromSeed(seed[:]), record.ApprovalMessage(attemptID))
	}
	return f.machine.Approve(context.Background(), attemptID, guardianID, sig)
}

// advanceToApproval pushes a fresh attempt into guardian_approval with
// one fast correct answer.
func (f *fixture) advanceToApproval() record.RecoveryAttempt {
	f.t.Helper()
	a := f.initiate()
	got, err := f.answer(a.ID, testAnswer)
	require.NoError(f.t, err)
	require.Equal(f.t, record.StatusGuardianApproval, got.Status)
	return got
}

// advanceToShards pushes a fresh attempt into shard_collection.
func (f *fixture) advanceToShards() record.RecoveryAttempt {
	f.t.Helper()
	a := f.advanceToApproval()
	_, err := f.approve(a.ID, "g-1")
	require.NoError(f.t, err)
	_, err = f.approve(a.ID, "g-2")
	require.NoError(f.t, err)
	got, err := f.machine.Status(context.Background(), a.ID)
	require.NoError(f.t, err)
	require.Equal(f.t, record.StatusShardCollection, got.Status)
	return got
}

func TestInitiate(t *testing.T) {
	f := newFixture(t, baseVariant())
	a := f.initiate()

	assert.Equal(t, record.StatusChallengePhase, a.Status)
	assert.Equal(t, "control", a.Variant)
	assert.Equal(t, 1, a.ChallengesSent)
	assert.Equal(t, 2, a.GuardianApprovalsRequired)
	assert.True(t, a.ExpiresAt.Equal(a.InitiatedAt.Add(time.Hour)))

	assert.Equal(t, 1, f.notes.CanaryCount())
	assert.Equal(t, 1, f.notes.ChallengeCount())

	// Persisted alongside the in-memory handle.
	stored, err := f.store.ReadAttempt(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, record.StatusChallengePhase, stored.Status)

	assert.Len(t, f.rec.OfKind(audit.KindAttemptInitiated), 1)
	assert.Len(t, f.rec.OfKind(audit.KindCanaryAlerted), 1)
	assert.Len(t, f.rec.OfKind(audit.KindChallengeIssued), 1)
}

func TestInitiateSecondAttemptRejected(t *testing.T) {
	f := newFixture(t, baseVariant())
	f.initiate()

	_, err := f.machine.Initiate(context.Background(), testSubject)
	assert.Equal(t, ErrCodeAttemptAlreadyActive, CodeOf(err))
}

func TestInitiateUnknownSubject(t *testing.T) {
	f := newFixture(t, baseVariant())
	_, err := f.machine.Initiate(context.Background(), "subj-unregistered")
	assert.Equal(t, ErrCodeUnknownSubject, CodeOf(err))
}

func TestFastCorrectAnswerAdvancesImmediately(t *testing.T) {
	f := newFixture(t, baseVariant())
	a := f.initiate()

	f.clock.Advance(10 * time.Second)
	got, err := f.answer(a.ID, testAnswer)
	require.NoError(t, err)

	assert.Equal(t, record.StatusGuardianApproval, got.Status)
	assert.Equal(t, 1.0, got.TrustScore)
	assert.Equal(t, 1, got.ChallengesCompleted)

	// All registered guardians are asked to review.
	assert.Equal(t, []string{"g-1", "g-2", "g-3"}, f.notes.Guardians)
	// No further challenge once the phase exit fired.
	assert.Equal(t, 1, f.notes.ChallengeCount())
}

func TestScoreBuildsAcrossChallenges(t *testing.T) {
	cfg := baseVariant()
	cfg.PassThreshold = 0.45
	cfg.MinChallengePhase = 10 * time.Minute
	cfg.ChallengeWindow = 20 * time.Minute
	cfg.AttemptTTL = 2 * time.Hour
	f := newFixture(t, cfg)
	a := f.initiate()

	// Slow answers earn no speed bonus, so four correct out of five at
	// full penalty normalize to exactly 0.5, crossing the threshold on
	// the final answer once the minimum phase time has also elapsed.
	answers := []string{testAnswer, "wrong", testAnswer, testAnswer, testAnswer}
	var got record.RecoveryAttempt
	var err error
	for i, ans := range answers {
		f.clock.Advance(3 * time.Minute)
		got, err = f.answer(a.ID, ans)
		require.NoError(t, err, "answer %d", i+1)
		if i < len(answers)-1 {
			assert.Equal(t, record.StatusChallengePhase, got.Status, "answer %d", i+1)
		}
	}

	assert.Equal(t, record.StatusGuardianApproval, got.Status)
	assert.InDelta(t, 0.5, got.TrustScore, 1e-12)
	assert.Equal(t, 5, got.ChallengesCompleted)
}

func TestWrongAnswersExhaustChallenges(t *testing.T) {
	f := newFixture(t, baseVariant())
	a := f.initiate()

	for i := 0; i < 5; i++ {
		got, err := f.answer(a.ID, "wrong")
		require.NoError(t, err)
		assert.Equal(t, record.StatusChallengePhase, got.Status)
	}
	// All five challenges are consumed; no sixth prompt exists.
	assert.Equal(t, 5, f.notes.ChallengeCount())

	_, err := f.approve(a.ID, "g-1")
	assert.Equal(t, ErrCodeNotInApprovalPhase, CodeOf(err))
}

func TestChallengeExpiryCountsAsIncorrect(t *testing.T) {
	f := newFixture(t, baseVariant())
	a := f.initiate()

	// Past the 5-minute window but well inside the attempt TTL.
	f.clock.Advance(10 * time.Minute)
	got, err := f.answer(a.ID, testAnswer)
	assert.Equal(t, ErrCodeChallengeExpired, CodeOf(err))

	// The late answer consumed the challenge as incorrect; the attempt
	// itself stays alive.
	assert.Equal(t, record.StatusChallengePhase, got.Status)
	assert.Equal(t, 1, got.ChallengesCompleted)
	assert.Equal(t, 0.0, got.TrustScore)
	assert.Equal(t, 2, f.notes.ChallengeCount())
}

func TestRespondRejectsUnknownAndConsumedChallenges(t *testing.T) {
	f := newFixture(t, baseVariant())
	a := f.initiate()
	ch := f.currentChallenge()

	_, err := f.machine.RespondToChallenge(context.Background(), a.ID, "ch-bogus", testAnswer, 0, false)
	assert.Equal(t, ErrCodeUnknownChallenge, CodeOf(err))

	_, err = f.machine.RespondToChallenge(context.Background(), a.ID, ch.ID, "wrong", 0, false)
	require.NoError(t, err)
	_, err = f.machine.RespondToChallenge(context.Background(), a.ID, ch.ID, testAnswer, 0, false)
	assert.Equal(t, ErrCodeChallengeAlreadyAnswered, CodeOf(err))
}

func TestApproveAccumulatesAndAdvances(t *testing.T) {
	f := newFixture(t, baseVariant())
	a := f.advanceToApproval()

	n, err := f.approve(a.ID, "g-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Same guardian again: idempotent, still one approval.
	n, err = f.approve(a.ID, "g-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.machine.Status(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, record.StatusGuardianApproval, got.Status)
	assert.Equal(t, []string{"g-1"}, got.GuardiansApproved)

	n, err = f.approve(a.ID, "g-2")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err = f.machine.Status(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, record.StatusShardCollection, got.Status)
	assert.Equal(t, []string{"g-1", "g-2"}, got.GuardiansApproved)
}

func TestApproveRejectionsAreSecurityEvents(t *testing.T) {
	f := newFixture(t, baseVariant())
	a := f.advanceToApproval()

	_, err := f.approve(a.ID, "g-stranger")
	assert.Equal(t, ErrCodeUnknownGuardian, CodeOf(err))
	assert.True(t, IsSecurityRejection(err))

	_, err = f.machine.Approve(context.Background(), a.ID, "g-1", []byte("garbage"))
	assert.Equal(t, ErrCodeInvalidApprovalSignature, CodeOf(err))

	rejections := f.rec.OfKind(audit.KindSecurityRejection)
	require.Len(t, rejections, 2)
	assert.Equal(t, string(ErrCodeUnknownGuardian), rejections[0].Fields["code"])
	assert.Equal(t, string(ErrCodeInvalidApprovalSignature), rejections[1].Fields["code"])

	// Neither rejection advanced anything.
	got, err := f.machine.Status(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Empty(t, got.GuardiansApproved)
}

func TestPhasesCannotBeSkipped(t *testing.T) {
	f := newFixture(t, baseVariant())
	a := f.initiate()

	_, err := f.approve(a.ID, "g-1")
	assert.Equal(t, ErrCodeNotInApprovalPhase, CodeOf(err))

	_, _, err = f.machine.SubmitShard(context.Background(), a.ID, "h-1", f.shares[0].Index, f.shares[0].Value)
	assert.Equal(t, ErrCodeNotInShardCollection, CodeOf(err))

	// Approval phase rejects challenge responses and shard submissions.
	got, err := f.answer(a.ID, testAnswer)
	require.NoError(t, err)
	require.Equal(t, record.StatusGuardianApproval, got.Status)

	_, err = f.machine.RespondToChallenge(context.Background(), a.ID, "ch-any", testAnswer, 0, false)
	assert.Equal(t, ErrCodeNotInChallengePhase, CodeOf(err))
	_, _, err = f.machine.SubmitShard(context.Background(), a.ID, "h-1", f.shares[0].Index, f.shares[0].Value)
	assert.Equal(t, ErrCodeNotInShardCollection, CodeOf(err))
}

func TestSubmitShardCompletesAttempt(t *testing.T) {
	f := newFixture(t, baseVariant())
	a := f.advanceToShards()

	n, secret, err := f.machine.SubmitShard(context.Background(), a.ID, "h-1", f.shares[0].Index, f.shares[0].Value)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Nil(t, secret)

	n, secret, err = f.machine.SubmitShard(context.Background(), a.ID, "h-2", f.shares[1].Index, f.shares[1].Value)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, f.secret, secret)

	got, err := f.machine.Status(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, record.StatusCompleted, got.Status)
	assert.False(t, got.CompletedAt.IsZero())
	assert.Equal(t, []string{"h-1", "h-2"}, got.ShardHoldersSeen)

	assert.Len(t, f.rec.OfKind(audit.KindAttemptCompleted), 1)

	// Completion is irrevocable: cancellation and further shares bounce.
	err = f.machine.Cancel(context.Background(), a.ID)
	assert.Equal(t, ErrCodeAttemptAlreadyCompleted, CodeOf(err))
	_, _, err = f.machine.SubmitShard(context.Background(), a.ID, "h-3", f.shares[2].Index, f.shares[2].Value)
	assert.Equal(t, ErrCodeAttemptAlreadyTerminal, CodeOf(err))

	// The subject may start fresh.
	_, err = f.machine.Initiate(context.Background(), testSubject)
	require.NoError(t, err)
}

func TestDuplicateShareIndexRejected(t *testing.T) {
	f := newFixture(t, baseVariant())
	a := f.advanceToShards()

	_, _, err := f.machine.SubmitShard(context.Background(), a.ID, "h-1", f.shares[0].Index, f.shares[0].Value)
	require.NoError(t, err)

	forged := append([]byte(nil), f.shares[0].Value...)
	forged[0] ^= 0xFF
	n, _, err := f.machine.SubmitShard(context.Background(), a.ID, "h-evil", f.shares[0].Index, forged)
	assert.Equal(t, ErrCodeDuplicateShareIndex, CodeOf(err))
	assert.Equal(t, 1, n)
	assert.Len(t, f.rec.OfKind(audit.KindSecurityRejection), 1)

	// Resubmitting the identical share is a harmless no-op.
	n, _, err = f.machine.SubmitShard(context.Background(), a.ID, "h-1", f.shares[0].Index, f.shares[0].Value)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestOneHolderSubmittingTwoIndexesPersistsBoth(t *testing.T) {
	f := newFixture(t, baseVariant())
	a := f.advanceToShards()

	n, secret, err := f.machine.SubmitShard(context.Background(), a.ID, "h-1", f.shares[0].Index, f.shares[0].Value)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Nil(t, secret)

	// Same holder, second distinct index. The distinct-index count is
	// what gates completion, so this share must be persisted and
	// audited like any other.
	n, secret, err = f.machine.SubmitShard(context.Background(), a.ID, "h-1", f.shares[1].Index, f.shares[1].Value)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, f.secret, secret)

	rows, err := f.store.ReadShards(context.Background(), a.ID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, f.shares[0].Index, rows[0].ShareIndex)
	assert.Equal(t, f.shares[1].Index, rows[1].ShareIndex)

	got, err := f.machine.Status(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, record.StatusCompleted, got.Status)
	assert.Equal(t, []string{"h-1"}, got.ShardHoldersSeen)

	assert.Len(t, f.rec.OfKind(audit.KindShardSubmitted), 2)
}

func TestCancelDuringShardCollection(t *testing.T) {
	f := newFixture(t, baseVariant())
	a := f.advanceToShards()

	_, _, err := f.machine.SubmitShard(context.Background(), a.ID, "h-1", f.shares[0].Index, f.shares[0].Value)
	require.NoError(t, err)

	require.NoError(t, f.machine.Cancel(context.Background(), a.ID))

	// The share that would have completed the attempt now bounces.
	_, _, err = f.machine.SubmitShard(context.Background(), a.ID, "h-2", f.shares[1].Index, f.shares[1].Value)
	assert.Equal(t, ErrCodeAttemptAlreadyTerminal, CodeOf(err))

	got, err := f.machine.Status(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, record.StatusFailed, got.Status)
	assert.Equal(t, "canary_cancelled", got.FailureReason)
	assert.Len(t, f.rec.OfKind(audit.KindAttemptCompleted), 0)
}

func TestReconstructionFailureFailsAttempt(t *testing.T) {
	f := newFixture(t, baseVariant())
	a := f.advanceToShards()

	// Shares of mismatched length cannot interpolate; the attempt must
	// fail rather than silently retry possibly-adversarial shares.
	_, _, err := f.machine.SubmitShard(context.Background(), a.ID, "h-1", 1, []byte{0x01, 0x02, 0x03})
	require.NoError(t, err)
	_, _, err = f.machine.SubmitShard(context.Background(), a.ID, "h-2", 2, []byte{0x04})
	assert.Equal(t, ErrCodeReconstructionFailed, CodeOf(err))

	got, err := f.machine.Status(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, record.StatusFailed, got.Status)
	assert.Equal(t, "reconstruction_failed", got.FailureReason)
	assert.Len(t, f.rec.OfKind(audit.KindAttemptFailed), 1)
}

func TestCancelFailsAttempt(t *testing.T) {
	f := newFixture(t, baseVariant())
	a := f.advanceToApproval()

	require.NoError(t, f.machine.Cancel(context.Background(), a.ID))

	got, err := f.machine.Status(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, record.StatusFailed, got.Status)
	assert.Equal(t, "canary_cancelled", got.FailureReason)

	// A second cancel is a terminal rejection, not a double fail.
	err = f.machine.Cancel(context.Background(), a.ID)
	assert.Equal(t, ErrCodeAttemptAlreadyTerminal, CodeOf(err))
	assert.Len(t, f.rec.OfKind(audit.KindAttemptFailed), 1)
}

func TestAcknowledgeCanary(t *testing.T) {
	f := newFixture(t, baseVariant())
	a := f.initiate()

	require.NoError(t, f.machine.AcknowledgeCanary(context.Background(), a.ID))
	got, err := f.machine.Status(context.Background(), a.ID)
	require.NoError(t, err)
	assert.True(t, got.CanaryAcknowledged)
	assert.Len(t, f.rec.OfKind(audit.KindCanaryAcknowledged), 1)

	require.NoError(t, f.machine.Cancel(context.Background(), a.ID))
	err = f.machine.AcknowledgeCanary(context.Background(), a.ID)
	assert.True(t, IsTerminalRejection(err))
}

func TestAttemptTTLExpiry(t *testing.T) {
	f := newFixture(t, baseVariant())
	a := f.initiate()

	f.clock.Advance(2 * time.Hour)

	// A state-advancing event discovers the elapsed TTL and fails the
	// attempt before rejecting the event.
	_, err := f.answer(a.ID, testAnswer)
	assert.Equal(t, ErrCodeAttemptExpired, CodeOf(err))

	got, err := f.machine.Status(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, record.StatusFailed, got.Status)
	assert.Equal(t, "attempt_ttl_expired", got.FailureReason)

	// Every later event reports expiry, not a generic terminal state.
	_, err = f.approve(a.ID, "g-1")
	assert.Equal(t, ErrCodeAttemptExpired, CodeOf(err))
}

func TestExpireDueSweep(t *testing.T) {
	f := newFixture(t, baseVariant())
	a := f.initiate()

	n, err := f.machine.ExpireDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	f.clock.Advance(2 * time.Hour)
	n, err = f.machine.ExpireDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.machine.Status(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, record.StatusFailed, got.Status)
	assert.Equal(t, "attempt_ttl_expired", got.FailureReason)

	// Sweep is idempotent.
	n, err = f.machine.ExpireDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestExpireDueSweepsRowsNotHeldInMemory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reclaim.db")
	st, err := store.Open(path)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	stale := record.RecoveryAttempt{
		ID:                        "att-orphan",
		SubjectID:                 "subj-orphan",
		Status:                    record.StatusChallengePhase,
		Variant:                   "control",
		InitiatedAt:               now.Add(-3 * time.Hour),
		ExpiresAt:                 now.Add(-2 * time.Hour),
		GuardianApprovalsRequired: 2,
		ShardsRequired:            2,
	}
	require.NoError(t, st.CreateAttempt(context.Background(), stale, nil))
	require.NoError(t, st.Close())

	// A fresh process opens the same database with no in-memory handle
	// for the stale attempt.
	st2, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { st2.Close() })

	rec := &audit.Recorder{}
	m := New(st2, guardian.NewCoordinator(), shard.NewCollector(),
		trust.Experiment{ID: "machine-test", Variants: []trust.WeightedVariant{{Weight: 1, Config: baseVariant()}}},
		WithClock(testutil.NewClock(now)),
		WithEmitter(rec),
	)

	n, err := m.ExpireDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := st2.ReadAttempt(context.Background(), "att-orphan")
	require.NoError(t, err)
	assert.Equal(t, record.StatusFailed, got.Status)
	assert.Equal(t, "attempt_ttl_expired", got.FailureReason)
	assert.Len(t, rec.OfKind(audit.KindAttemptFailed), 1)
}

func TestStatusUnknownAttempt(t *testing.T) {
	f := newFixture(t, baseVariant())
	_, err := f.machine.Status(context.Background(), "att-missing")
	assert.Equal(t, ErrCodeUnknownAttempt, CodeOf(err))
}

func TestStatusFallsBackToStorage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reclaim.db")
	st, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	a := record.RecoveryAttempt{
		ID:                        "att-old",
		SubjectID:                 "subj-old",
		Status:                    record.StatusCompleted,
		Variant:                   "control",
		InitiatedAt:               time.Unix(1700000000, 0).UTC(),
		ExpiresAt:                 time.Unix(1700003600, 0).UTC(),
		CompletedAt:               time.Unix(1700001000, 0).UTC(),
		GuardianApprovalsRequired: 2,
		ShardsRequired:            2,
	}
	require.NoError(t, st.CreateAttempt(context.Background(), a, nil))

	m := New(st, guardian.NewCoordinator(), shard.NewCollector(),
		trust.Experiment{ID: "machine-test", Variants: []trust.WeightedVariant{{Weight: 1, Config: baseVariant()}}})

	got, err := m.Status(context.Background(), "att-old")
	require.NoError(t, err)
	assert.Equal(t, record.StatusCompleted, got.Status)
	assert.Equal(t, "subj-old", got.SubjectID)
}

func TestCommitmentsBatchAndFlush(t *testing.T) {
	var sunk []*anchor.Frozen
	f := newFixture(t, baseVariant(),
		WithBatchSink(func(ctx context.Context, fr *anchor.Frozen) { sunk = append(sunk, fr) }))
	f.initiate()

	// Initiation produced one evidence commitment, still unbatched at
	// batch size 100.
	pending, err := f.store.UnbatchedCommitments(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, f.machine.FlushBatch(context.Background()))
	require.Len(t, sunk, 1)
	assert.Equal(t, 1, sunk[0].Batch.BatchSize())
	assert.Equal(t, pending[0].PayloadHash, sunk[0].Batch.Root)
	assert.Equal(t, "0xtest", sunk[0].Batch.Submitter)

	pending, err = f.store.UnbatchedCommitments(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)

	batch, err := f.store.ReadBatch(context.Background(), sunk[0].Batch.ID)
	require.NoError(t, err)
	assert.Equal(t, sunk[0].Batch.Root, batch.Root)

	// Nothing pending: flush is a no-op.
	require.NoError(t, f.machine.FlushBatch(context.Background()))
	assert.Len(t, sunk, 1)

	assert.Len(t, f.rec.OfKind(audit.KindBatchFrozen), 1)
}

func TestBatchFreezesAtConfiguredSize(t *testing.T) {
	var sunk []*anchor.Frozen
	f := newFixture(t, baseVariant(),
		WithBatchConfig(2, "0xtest"),
		WithBatchSink(func(ctx context.Context, fr *anchor.Frozen) { sunk = append(sunk, fr) }))
	a := f.initiate()

	// Initiation commits once; the first answer commits again and trips
	// the size-2 batch.
	_, err := f.answer(a.ID, "wrong")
	require.NoError(t, err)

	require.Len(t, sunk, 1)
	assert.Equal(t, 2, sunk[0].Batch.BatchSize())
}

func TestBatchSinkRunsOutsideAttemptLock(t *testing.T) {
	// The sink reads the triggering attempt's status through the
	// machine. That acquires the attempt's lock, so this deadlocks if
	// the sink were invoked inside the event's critical section.
	var f *fixture
	var attemptID string
	var seen []record.Status
	f = newFixture(t, baseVariant(),
		WithBatchConfig(2, "0xtest"),
		WithBatchSink(func(ctx context.Context, fr *anchor.Frozen) {
			got, err := f.machine.Status(ctx, attemptID)
			require.NoError(t, err)
			seen = append(seen, got.Status)
		}))

	a := f.initiate()
	attemptID = a.ID

	_, err := f.answer(a.ID, "wrong")
	require.NoError(t, err)

	require.Len(t, seen, 1)
	assert.Equal(t, record.StatusChallengePhase, seen[0])
}

func TestConcurrentSubjectsAreIndependent(t *testing.T) {
	f := newFixture(t, baseVariant())
	f.machine.RegisterAnswers("subj-2", []AnswerSpec{{AnswerHash: record.AnswerHash("green")}})

	a1 := f.initiate()
	a2, err := f.machine.Initiate(context.Background(), "subj-2")
	require.NoError(t, err)

	// Failing one subject's attempt leaves the other untouched.
	require.NoError(t, f.machine.Cancel(context.Background(), a1.ID))

	got, err := f.machine.Status(context.Background(), a2.ID)
	require.NoError(t, err)
	assert.Equal(t, record.StatusChallengePhase, got.Status)
}
