package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/keyhaven/reclaim/internal/anchor"
	"github.com/keyhaven/reclaim/internal/audit"
	"github.com/keyhaven/reclaim/internal/guardian"
	"github.com/keyhaven/reclaim/internal/notify"
	"github.com/keyhaven/reclaim/internal/record"
	"github.com/keyhaven/reclaim/internal/shard"
	"github.com/keyhaven/reclaim/internal/store"
	"github.com/keyhaven/reclaim/internal/trust"
)

// AnswerSpec is one pre-registered challenge answer for a subject:
// the answer digest and the challenge weight it carries. Raw answers
// never enter the core.
type AnswerSpec struct {
	AnswerHash string
	Weight     float64
}

// Machine drives recovery attempts through their phases.
//
// Attempts for different subjects are fully independent and processed
// in parallel. Per-attempt state is serialized: every event for an
// attempt is applied inside that attempt's critical section, so each
// event synchronously re-evaluates the current phase's exit condition
// and emits at most one transition. The machine is never polled on a
// tick; the only timer-driven transitions are TTL expiry (ExpireDue)
// and batch flushes (FlushBatch), both driven by the service runner.
//
// Completion is the single irrevocable commit point: a cancellation
// that wins its attempt's critical section before completion always
// takes effect; after completion it is rejected.
type Machine struct {
	store      *store.Store
	guardians  *guardian.Coordinator
	shards     *shard.Collector
	experiment trust.Experiment

	clock          Clock
	ids            record.IDGenerator
	notifier       notify.Notifier
	emitter        audit.Emitter
	seq            *audit.Clock
	batcher        *anchor.Batcher
	batchSize      int
	batchSubmitter anchor.Address
	onBatch        func(context.Context, *anchor.Frozen)

	mu        sync.Mutex
	handles   map[string]*attemptHandle
	bySubject map[string]string
	answers   map[string][]AnswerSpec

	sinkMu    sync.Mutex
	sinkQueue []*anchor.Frozen
}

// attemptHandle is one attempt's in-memory state plus its lock.
// All mutation of the attempt happens while holding mu.
type attemptHandle struct {
	mu         sync.Mutex
	a          record.RecoveryAttempt
	cfg        trust.VariantConfig
	history    []trust.ResponseEvent
	challenges map[string]*record.Challenge
	shardIdx   map[uint8]bool
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock overrides the wall-time source.
func WithClock(c Clock) Option { return func(m *Machine) { m.clock = c } }

// WithIDGenerator overrides the ID generator.
func WithIDGenerator(g record.IDGenerator) Option { return func(m *Machine) { m.ids = g } }

// WithNotifier overrides the outbound notification boundary.
func WithNotifier(n notify.Notifier) Option { return func(m *Machine) { m.notifier = n } }

// WithEmitter overrides the audit stream emitter.
func WithEmitter(e audit.Emitter) Option { return func(m *Machine) { m.emitter = e } }

// WithBatchConfig sets the commitment batch size and the submitter
// address stamped on frozen batches. The machine builds the batcher
// itself so batch events share its ID generator and sequence clock.
func WithBatchConfig(size int, submitter anchor.Address) Option {
	return func(m *Machine) {
		m.batchSize = size
		m.batchSubmitter = submitter
	}
}

// WithBatchSink installs a callback invoked for every frozen batch
// after it is persisted. The callback runs outside any attempt's
// critical section and may block. The service runner wires this to
// the anchor submitter.
func WithBatchSink(fn func(context.Context, *anchor.Frozen)) Option {
	return func(m *Machine) { m.onBatch = fn }
}

// New creates a Machine. The experiment supplies per-subject variant
// configurations; guardians and shards are the approval and share
// coordinators the machine gates phases on.
func New(s *store.Store, guardians *guardian.Coordinator, shards *shard.Collector, experiment trust.Experiment, opts ...Option) *Machine {
	m := &Machine{
		store:      s,
		guardians:  guardians,
		shards:     shards,
		experiment: experiment,
		clock:      SystemClock{},
		ids:        record.UUIDv7Generator{},
		notifier:   notify.Logged{},
		emitter:    audit.Logger{},
		seq:        &audit.Clock{},
		batchSize:  1000,
		handles:    make(map[string]*attemptHandle),
		bySubject:  make(map[string]string),
		answers:    make(map[string][]AnswerSpec),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.batcher = anchor.NewBatcher(m.batchSize, m.batchSubmitter, m.ids, m.seq, m.emitter)
	return m
}

// RegisterAnswers installs a subject's challenge answer bank. At least
// one entry is required before the subject can initiate recovery.
func (m *Machine) RegisterAnswers(subjectID string, bank []AnswerSpec) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.answers[subjectID] = append([]AnswerSpec(nil), bank...)
}

// Initiate opens a recovery attempt for the subject, issues the first
// challenge and sends the canary alert.
//
// Exactly one non-terminal attempt may exist per subject; a second
// initiation is rejected with ATTEMPT_ALREADY_ACTIVE.
func (m *Machine) Initiate(ctx context.Context, subjectID string) (record.RecoveryAttempt, error) {
	cfg, err := trust.VariantFor(subjectID, m.experiment)
	if err != nil {
		return record.RecoveryAttempt{}, fmt.Errorf("assign variant: %w", err)
	}

	m.mu.Lock()
	if id, ok := m.bySubject[subjectID]; ok {
		m.mu.Unlock()
		return record.RecoveryAttempt{}, &RecoveryError{
			Code:      ErrCodeAttemptAlreadyActive,
			Message:   "subject already has a non-terminal attempt: " + id,
			SubjectID: subjectID,
		}
	}
	bank := m.answers[subjectID]
	if len(bank) == 0 {
		m.mu.Unlock()
		return record.RecoveryAttempt{}, &RecoveryError{
			Code:      ErrCodeUnknownSubject,
			Message:   "no challenge answers registered for subject",
			SubjectID: subjectID,
		}
	}

	now := m.clock.Now()
	a := record.RecoveryAttempt{
		ID:                        m.ids.NewID(),
		SubjectID:                 subjectID,
		Status:                    record.StatusInitiated,
		Variant:                   cfg.Name,
		InitiatedAt:               now,
		ExpiresAt:                 now.Add(cfg.AttemptTTL),
		GuardianApprovalsRequired: cfg.GuardiansRequired,
		ShardsRequired:            cfg.ShardsRequired,
		CanaryAlertSentAt:         now,
	}

	h := &attemptHandle{
		a:          a,
		cfg:        cfg,
		challenges: make(map[string]*record.Challenge),
		shardIdx:   make(map[uint8]bool),
	}
	defer m.dispatchFrozen(ctx)
	h.mu.Lock()
	m.handles[a.ID] = h
	m.bySubject[subjectID] = a.ID
	m.mu.Unlock()
	defer h.mu.Unlock()

	first := m.newChallengeLocked(h, 1)
	h.a.ChallengesSent = 1
	h.a.Status = record.StatusChallengePhase

	if err := m.store.CreateAttempt(ctx, h.a, first); err != nil {
		m.mu.Lock()
		delete(m.handles, a.ID)
		delete(m.bySubject, subjectID)
		m.mu.Unlock()
		return record.RecoveryAttempt{}, fmt.Errorf("create attempt: %w", err)
	}

	m.emit(audit.KindAttemptInitiated, h.a, map[string]any{"variant": cfg.Name})
	m.emit(audit.KindCanaryAlerted, h.a, nil)
	m.emit(audit.KindPhaseTransition, h.a, map[string]any{
		"from": string(record.StatusInitiated), "to": string(record.StatusChallengePhase),
	})
	m.emit(audit.KindChallengeIssued, h.a, map[string]any{"ordinal": 1, "challenge_id": first.ID})

	m.notifier.CanaryAlert(subjectID, a.ID, now)
	m.notifier.ChallengeIssued(subjectID, *first)

	m.commit(ctx, subjectID, "attempt_initiated", map[string]any{
		"attempt_id": a.ID,
		"variant":    cfg.Name,
	})

	slog.Info("recovery attempt initiated",
		"attempt_id", a.ID, "subject_id", subjectID, "variant", cfg.Name)
	return h.a, nil
}

// RespondToChallenge applies one challenge response: checks the answer
// digest, recomputes the trust score from the full event history, and
// issues the next challenge or advances the phase.
//
// Answering after the challenge window counts as incorrect and returns
// CHALLENGE_EXPIRED; the attempt itself stays alive until its TTL.
func (m *Machine) RespondToChallenge(ctx context.Context, attemptID, challengeID, answer string, similarity float64, hasSimilarity bool) (record.RecoveryAttempt, error) {
	h, err := m.handle(attemptID)
	if err != nil {
		return record.RecoveryAttempt{}, err
	}
	defer m.dispatchFrozen(ctx)
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := m.gateLocked(ctx, h, record.StatusChallengePhase, ErrCodeNotInChallengePhase); err != nil {
		return h.a, err
	}

	ch, ok := h.challenges[challengeID]
	if !ok {
		return h.a, newError(ErrCodeUnknownChallenge, attemptID, "no such challenge: "+challengeID)
	}
	if ch.Answered {
		return h.a, newError(ErrCodeChallengeAlreadyAnswered, attemptID, "challenge already consumed: "+challengeID)
	}

	now := m.clock.Now()
	expired := now.After(ch.ExpiresAt)
	correct := !expired && record.AnswerHash(answer) == ch.ExpectedAnswerHash

	h.history = append(h.history, trust.ResponseEvent{
		Correct:       correct,
		Weight:        ch.Weight,
		Latency:       now.Sub(ch.IssuedAt),
		Similarity:    similarity,
		HasSimilarity: hasSimilarity,
	})
	h.a.TrustScore = trust.Score(h.history, h.cfg)
	h.a.ChallengesCompleted++
	ch.Answered = true

	advanced := h.a.TrustScore >= h.cfg.PassThreshold &&
		now.Sub(h.a.InitiatedAt) >= h.cfg.MinChallengePhase
	if advanced {
		h.a.Status = record.StatusGuardianApproval
	}

	var next *record.Challenge
	if !advanced && h.a.ChallengesSent < h.cfg.ChallengeCount {
		next = m.newChallengeLocked(h, h.a.ChallengesSent+1)
		h.a.ChallengesSent++
	}

	if err := m.store.RecordChallengeResponse(ctx, h.a, challengeID, next); err != nil {
		return h.a, fmt.Errorf("record challenge response: %w", err)
	}

	m.emit(audit.KindChallengeAnswered, h.a, map[string]any{
		"challenge_id": challengeID,
		"ordinal":      ch.Ordinal,
		"correct":      correct,
		"trust_score":  h.a.TrustScore,
	})
	m.commit(ctx, h.a.SubjectID, "challenge_response", map[string]any{
		"attempt_id":   attemptID,
		"challenge_id": challengeID,
		"ordinal":      ch.Ordinal,
		"correct":      correct,
	})

	if next != nil {
		m.emit(audit.KindChallengeIssued, h.a, map[string]any{
			"ordinal": next.Ordinal, "challenge_id": next.ID,
		})
		m.notifier.ChallengeIssued(h.a.SubjectID, *next)
	}

	if advanced {
		m.emit(audit.KindPhaseTransition, h.a, map[string]any{
			"from": string(record.StatusChallengePhase), "to": string(record.StatusGuardianApproval),
		})
		for _, gid := range m.guardians.GuardianIDs(h.a.SubjectID) {
			m.notifier.GuardianNotify(gid, attemptID)
		}
	}

	if expired {
		return h.a, newError(ErrCodeChallengeExpired, attemptID, "challenge answer window elapsed")
	}
	return h.a, nil
}

// Approve records one guardian's approval and returns the distinct
// approval count. Approvals are idempotent per guardian; the phase
// advances when the distinct count reaches the requirement.
func (m *Machine) Approve(ctx context.Context, attemptID, guardianID string, signature []byte) (int, error) {
	h, err := m.handle(attemptID)
	if err != nil {
		return 0, err
	}
	defer m.dispatchFrozen(ctx)
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := m.gateLocked(ctx, h, record.StatusGuardianApproval, ErrCodeNotInApprovalPhase); err != nil {
		return h.a.ApprovalCount(), err
	}

	approval := record.GuardianApproval{
		AttemptID:  attemptID,
		GuardianID: guardianID,
		ApprovedAt: m.clock.Now(),
		Signature:  signature,
	}
	count, err := m.guardians.RecordApproval(approval, h.a.SubjectID)
	if err != nil {
		code := ErrCodeInvalidApprovalSignature
		if errors.Is(err, guardian.ErrUnknownGuardian) {
			code = ErrCodeUnknownGuardian
		}
		m.securityRejection(h.a, string(code), map[string]any{"guardian_id": guardianID})
		return count, newError(code, attemptID, err.Error())
	}

	if h.a.HasGuardianApproved(guardianID) {
		// Duplicate approval: a no-op, not a second count.
		return count, nil
	}
	h.a.GuardiansApproved = append(h.a.GuardiansApproved, guardianID)

	if count >= h.a.GuardianApprovalsRequired {
		h.a.Status = record.StatusShardCollection
	}

	if err := m.store.RecordApproval(ctx, h.a, approval); err != nil {
		return count, fmt.Errorf("record approval: %w", err)
	}

	m.emit(audit.KindGuardianApproved, h.a, map[string]any{
		"guardian_id": guardianID, "approvals": count,
	})
	m.commit(ctx, h.a.SubjectID, "guardian_approval", map[string]any{
		"attempt_id":  attemptID,
		"guardian_id": guardianID,
	})

	if h.a.Status == record.StatusShardCollection {
		m.emit(audit.KindPhaseTransition, h.a, map[string]any{
			"from": string(record.StatusGuardianApproval), "to": string(record.StatusShardCollection),
		})
	}
	return count, nil
}

// SubmitShard records one secret share and returns the distinct-index
// count. When the count reaches the requirement the secret is
// reconstructed; on success the attempt completes and the secret is
// returned to the caller of the completing submission. Reconstruction
// failure fails the attempt: possibly-adversarial shares never trigger
// silent retries.
func (m *Machine) SubmitShard(ctx context.Context, attemptID, holderID string, shareIndex uint8, ciphertext []byte) (int, []byte, error) {
	h, err := m.handle(attemptID)
	if err != nil {
		return 0, nil, err
	}
	defer m.dispatchFrozen(ctx)
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := m.gateLocked(ctx, h, record.StatusShardCollection, ErrCodeNotInShardCollection); err != nil {
		return len(h.a.ShardHoldersSeen), nil, err
	}

	count, err := m.shards.Submit(attemptID, holderID, shareIndex, ciphertext)
	if err != nil {
		m.securityRejection(h.a, string(ErrCodeDuplicateShareIndex), map[string]any{
			"holder_id": holderID, "share_index": int(shareIndex),
		})
		return count, nil, newError(ErrCodeDuplicateShareIndex, attemptID, err.Error())
	}

	// Dedup on the share index, matching the collector's key and the
	// shards table primary key. A holder submitting a second distinct
	// index still advances the count, so it must be persisted and
	// audited like any other share.
	if !h.shardIdx[shareIndex] {
		h.shardIdx[shareIndex] = true
		holderSeen := false
		for _, id := range h.a.ShardHoldersSeen {
			if id == holderID {
				holderSeen = true
				break
			}
		}
		if !holderSeen {
			h.a.ShardHoldersSeen = append(h.a.ShardHoldersSeen, holderID)
		}
		sh := record.Shard{
			AttemptID:  attemptID,
			HolderID:   holderID,
			ShareIndex: shareIndex,
			Ciphertext: ciphertext,
			ReceivedAt: m.clock.Now(),
		}
		if err := m.store.RecordShard(ctx, h.a, sh); err != nil {
			return count, nil, fmt.Errorf("record shard: %w", err)
		}
		m.emit(audit.KindShardSubmitted, h.a, map[string]any{
			"holder_id": holderID, "share_index": int(shareIndex), "shares": count,
		})
		m.commit(ctx, h.a.SubjectID, "shard_submission", map[string]any{
			"attempt_id":  attemptID,
			"holder_id":   holderID,
			"share_index": int(shareIndex),
		})
	}

	if count < h.a.ShardsRequired {
		return count, nil, nil
	}

	secret, err := m.shards.Reconstruct(attemptID, h.a.ShardsRequired)
	if err != nil {
		m.failLocked(ctx, h, "reconstruction_failed")
		return count, nil, newError(ErrCodeReconstructionFailed, attemptID, err.Error())
	}

	now := m.clock.Now()
	h.a.Status = record.StatusCompleted
	h.a.CompletedAt = now
	if err := m.store.UpdateAttempt(ctx, h.a); err != nil {
		return count, nil, fmt.Errorf("record completion: %w", err)
	}
	m.emit(audit.KindPhaseTransition, h.a, map[string]any{
		"from": string(record.StatusShardCollection), "to": string(record.StatusCompleted),
	})
	m.emit(audit.KindAttemptCompleted, h.a, map[string]any{"shares": count})
	m.commit(ctx, h.a.SubjectID, "attempt_completed", map[string]any{"attempt_id": attemptID})
	m.release(h.a)

	slog.Info("recovery attempt completed", "attempt_id", attemptID, "subject_id", h.a.SubjectID)
	return count, secret, nil
}

// AcknowledgeCanary marks the canary alert as seen by the subject.
// Valid in any non-terminal state.
func (m *Machine) AcknowledgeCanary(ctx context.Context, attemptID string) error {
	h, err := m.handle(attemptID)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.a.Status.Terminal() {
		return m.terminalRejection(h)
	}
	h.a.CanaryAcknowledged = true
	if err := m.store.UpdateAttempt(ctx, h.a); err != nil {
		return fmt.Errorf("record canary ack: %w", err)
	}
	m.emit(audit.KindCanaryAcknowledged, h.a, nil)
	return nil
}

// Cancel is the canary cancellation path: the subject confirmed the
// attempt was not theirs. Cancellation wins any race with a
// state-advancing event it beats into the attempt's critical section;
// once the attempt is completed it is rejected with
// ATTEMPT_ALREADY_COMPLETED.
func (m *Machine) Cancel(ctx context.Context, attemptID string) error {
	h, err := m.handle(attemptID)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.a.Status {
	case record.StatusCompleted:
		return newError(ErrCodeAttemptAlreadyCompleted, attemptID, "attempt already completed")
	case record.StatusFailed:
		return m.terminalRejection(h)
	}
	m.failLocked(ctx, h, "canary_cancelled")
	return nil
}

// Status returns the attempt's current state. Idempotent read: falls
// back to storage for attempts no longer held in memory.
func (m *Machine) Status(ctx context.Context, attemptID string) (record.RecoveryAttempt, error) {
	m.mu.Lock()
	h, ok := m.handles[attemptID]
	m.mu.Unlock()
	if ok {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.a, nil
	}
	a, err := m.store.ReadAttempt(ctx, attemptID)
	if errors.Is(err, store.ErrNotFound) {
		return a, newError(ErrCodeUnknownAttempt, attemptID, "no such attempt")
	}
	return a, err
}

// ExpireDue fails every non-terminal attempt whose TTL has elapsed.
// Called by the service runner's sweep timer. Returns the number of
// attempts failed.
func (m *Machine) ExpireDue(ctx context.Context) (int, error) {
	now := m.clock.Now()
	ids, err := m.store.DueAttemptIDs(ctx, now)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, id := range ids {
		m.mu.Lock()
		h, ok := m.handles[id]
		m.mu.Unlock()
		if !ok {
			// Attempt survived a restart; fail it directly in storage.
			a, err := m.store.ReadAttempt(ctx, id)
			if err != nil || a.Status.Terminal() {
				continue
			}
			a.Status = record.StatusFailed
			a.CompletedAt = now
			a.FailureReason = "attempt_ttl_expired"
			if err := m.store.UpdateAttempt(ctx, a); err != nil {
				slog.Error("expire attempt failed", "attempt_id", id, "error", err)
				continue
			}
			m.emit(audit.KindAttemptFailed, a, map[string]any{"reason": a.FailureReason})
			expired++
			continue
		}
		h.mu.Lock()
		if !h.a.Status.Terminal() && now.After(h.a.ExpiresAt) {
			m.failLocked(ctx, h, "attempt_ttl_expired")
			expired++
		}
		h.mu.Unlock()
	}
	return expired, nil
}

// FlushBatch freezes whatever commitments are pending regardless of
// batch size. Called by the service runner's flush timer.
func (m *Machine) FlushBatch(ctx context.Context) error {
	frozen, err := m.batcher.Flush()
	if err != nil {
		return err
	}
	if frozen == nil {
		return nil
	}
	if err := m.persistFrozen(ctx, frozen); err != nil {
		return err
	}
	m.dispatchFrozen(ctx)
	return nil
}

// handle finds the in-memory handle for an attempt.
func (m *Machine) handle(attemptID string) (*attemptHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[attemptID]
	if !ok {
		return nil, newError(ErrCodeUnknownAttempt, attemptID, "no such attempt")
	}
	return h, nil
}

// gateLocked enforces the common preconditions for a state-advancing
// event: the attempt must be non-terminal, inside its TTL, and in the
// expected phase. TTL expiry discovered here fails the attempt before
// rejecting the event. Caller holds h.mu.
func (m *Machine) gateLocked(ctx context.Context, h *attemptHandle, want record.Status, wrongPhase RecoveryErrorCode) error {
	if h.a.Status.Terminal() {
		return m.terminalRejection(h)
	}
	if m.clock.Now().After(h.a.ExpiresAt) {
		m.failLocked(ctx, h, "attempt_ttl_expired")
		return newError(ErrCodeAttemptExpired, h.a.ID, "attempt ttl elapsed")
	}
	if h.a.Status != want {
		return newError(wrongPhase, h.a.ID,
			fmt.Sprintf("attempt is in %s, event requires %s", h.a.Status, want))
	}
	return nil
}

// terminalRejection maps a terminal attempt to the right rejection.
func (m *Machine) terminalRejection(h *attemptHandle) error {
	if h.a.Status == record.StatusFailed && h.a.FailureReason == "attempt_ttl_expired" {
		return newError(ErrCodeAttemptExpired, h.a.ID, "attempt expired")
	}
	return newError(ErrCodeAttemptAlreadyTerminal, h.a.ID,
		"attempt is already "+string(h.a.Status))
}

// failLocked transitions the attempt to failed and releases its
// coordinator state. Caller holds h.mu.
func (m *Machine) failLocked(ctx context.Context, h *attemptHandle, reason string) {
	from := h.a.Status
	h.a.Status = record.StatusFailed
	h.a.CompletedAt = m.clock.Now()
	h.a.FailureReason = reason
	if err := m.store.UpdateAttempt(ctx, h.a); err != nil {
		// Log and continue: the in-memory state is authoritative for
		// this process; the row converges on the next write.
		slog.Error("persist attempt failure", "attempt_id", h.a.ID, "error", err)
	}
	m.emit(audit.KindPhaseTransition, h.a, map[string]any{
		"from": string(from), "to": string(record.StatusFailed),
	})
	m.emit(audit.KindAttemptFailed, h.a, map[string]any{"reason": reason})
	m.release(h.a)
	slog.Info("recovery attempt failed",
		"attempt_id", h.a.ID, "subject_id", h.a.SubjectID, "reason", reason)
}

// release frees per-attempt coordinator state after a terminal
// transition and clears the subject's active-attempt slot.
func (m *Machine) release(a record.RecoveryAttempt) {
	m.mu.Lock()
	if m.bySubject[a.SubjectID] == a.ID {
		delete(m.bySubject, a.SubjectID)
	}
	m.mu.Unlock()
	m.guardians.Drop(a.ID)
	m.shards.Drop(a.ID)
}

// newChallengeLocked issues the next temporal challenge from the
// subject's answer bank. Caller holds h.mu.
func (m *Machine) newChallengeLocked(h *attemptHandle, ordinal int) *record.Challenge {
	m.mu.Lock()
	bank := m.answers[h.a.SubjectID]
	m.mu.Unlock()
	spec := bank[(ordinal-1)%len(bank)]
	weight := spec.Weight
	if weight == 0 {
		weight = 1
	}
	now := m.clock.Now()
	ch := &record.Challenge{
		ID:                 m.ids.NewID(),
		AttemptID:          h.a.ID,
		Ordinal:            ordinal,
		TotalForAttempt:    h.cfg.ChallengeCount,
		IssuedAt:           now,
		ExpiresAt:          now.Add(h.cfg.ChallengeWindow),
		ExpectedAnswerHash: spec.AnswerHash,
		Weight:             weight,
	}
	h.challenges[ch.ID] = ch
	return ch
}

// commit hashes one piece of evidence into a commitment and enqueues
// it for batching. Evidence commitment is best-effort relative to the
// recovery event itself: a storage or batching error is logged, never
// allowed to roll back an already-applied state transition.
func (m *Machine) commit(ctx context.Context, subjectID, kind string, evidence map[string]any) {
	hash, err := record.PayloadHash(subjectID, kind, evidence)
	if err != nil {
		slog.Error("commitment hash failed", "kind", kind, "error", err)
		return
	}
	c := record.Commitment{
		ID:          m.ids.NewID(),
		SubjectID:   subjectID,
		PayloadHash: hash,
		CreatedAt:   m.clock.Now(),
	}
	if err := m.store.InsertCommitment(ctx, c); err != nil {
		slog.Error("commitment write failed", "commitment_id", c.ID, "error", err)
		return
	}
	frozen, err := m.batcher.Add(c)
	if err != nil {
		slog.Error("commitment batching failed", "commitment_id", c.ID, "error", err)
		return
	}
	if frozen != nil {
		if err := m.persistFrozen(ctx, frozen); err != nil {
			slog.Error("batch persist failed", "batch_id", frozen.Batch.ID, "error", err)
		}
	}
}

// persistFrozen stores a frozen batch, stamps its commitments and
// queues it for the batch sink. The sink itself runs from
// dispatchFrozen, never inside an attempt's critical section: anchor
// submission may block on ledger latency and must not stall event
// application for the attempt that happened to tip the batch over.
func (m *Machine) persistFrozen(ctx context.Context, frozen *anchor.Frozen) error {
	ids := make([]string, len(frozen.Commitments))
	for i, c := range frozen.Commitments {
		ids[i] = c.ID
	}
	if err := m.store.SaveBatch(ctx, frozen.Batch, ids); err != nil {
		return fmt.Errorf("save batch %s: %w", frozen.Batch.ID, err)
	}
	if m.onBatch != nil {
		m.sinkMu.Lock()
		m.sinkQueue = append(m.sinkQueue, frozen)
		m.sinkMu.Unlock()
	}
	return nil
}

// dispatchFrozen drains the queued frozen batches into the batch sink.
// Called on the way out of every event entry point, after the
// attempt's lock is released.
func (m *Machine) dispatchFrozen(ctx context.Context) {
	if m.onBatch == nil {
		return
	}
	m.sinkMu.Lock()
	queued := m.sinkQueue
	m.sinkQueue = nil
	m.sinkMu.Unlock()
	for _, frozen := range queued {
		m.onBatch(ctx, frozen)
	}
}

// emit publishes one audit event stamped with the next logical
// sequence number.
func (m *Machine) emit(kind audit.Kind, a record.RecoveryAttempt, fields map[string]any) {
	m.emitter.Emit(audit.Event{
		Seq:       m.seq.Next(),
		Kind:      kind,
		AttemptID: a.ID,
		SubjectID: a.SubjectID,
		Fields:    fields,
	})
}

// securityRejection publishes an authorization failure to the audit
// stream.
func (m *Machine) securityRejection(a record.RecoveryAttempt, code string, fields map[string]any) {
	if fields == nil {
		fields = map[string]any{}
	}
	fields["code"] = code
	m.emit(audit.KindSecurityRejection, a, fields)
}
