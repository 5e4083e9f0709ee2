package harness

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"os"
	"time"

	"github.com/keyhaven/reclaim/internal/audit"
	"github.com/keyhaven/reclaim/internal/engine"
	"github.com/keyhaven/reclaim/internal/notify"
	"github.com/keyhaven/reclaim/internal/record"
	"github.com/keyhaven/reclaim/internal/shard"
	"github.com/keyhaven/reclaim/internal/store"
	"github.com/keyhaven/reclaim/internal/testutil"
	"github.com/keyhaven/reclaim/internal/trust"

	guardianpkg "github.com/keyhaven/reclaim/internal/guardian"
)

// Epoch is the fixed instant the deterministic clock starts at.
// Every scenario runs at the same wall time so traces and golden
// files are stable across runs and machines.
var Epoch = time.Unix(1700000000, 0).UTC()

// defaultSecret is split into shares when a scenario names none.
const defaultSecret = "reclaim-test-secret"

// Harness executes one scenario against a real recovery machine.
// All nondeterminism is pinned: clock, IDs, guardian keys.
type Harness struct {
	scenario *Scenario
	machine  *engine.Machine
	clock    *testutil.Clock
	recorder *audit.Recorder
	notes    *notify.Recorder

	signers map[string]ed25519.PrivateKey
	shares  map[string]shard.Share

	attemptID string
	pending   []record.Challenge
	answered  int
	secret    []byte
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against a fresh in-memory database. Execution
// flow:
// 1. Compile the experiment and derive the subject's variant
// 2. Derive guardian keypairs and split the secret into shares
// 3. Apply steps in order, advancing the pinned clock as directed
// 4. Evaluate assertions against the trace and final state
func Run(scenario *Scenario) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	source, err := os.ReadFile(scenario.Experiment)
	if err != nil {
		return nil, fmt.Errorf("failed to read experiment: %w", err)
	}
	experiment, err := trust.CompileExperiment(source)
	if err != nil {
		return nil, fmt.Errorf("failed to compile experiment: %w", err)
	}
	cfg, err := trust.VariantFor(scenario.Subject, experiment)
	if err != nil {
		return nil, err
	}

	clock := testutil.NewClock(Epoch)
	ids := record.NewSequenceGenerator("id")
	recorder := &audit.Recorder{}
	notes := &notify.Recorder{}

	batchSize := scenario.BatchSize
	if batchSize == 0 {
		batchSize = 100
	}

	guardians := guardianpkg.NewCoordinator()
	h := &Harness{
		scenario: scenario,
		clock:    clock,
		recorder: recorder,
		notes:    notes,
		signers:  make(map[string]ed25519.PrivateKey),
		shares:   make(map[string]shard.Share),
	}
	for _, gid := range scenario.Guardians {
		priv := deriveKey(gid)
		h.signers[gid] = priv
		guardians.Register(scenario.Subject, gid, priv.Public().(ed25519.PublicKey))
	}

	secret := scenario.Secret
	if secret == "" {
		secret = defaultSecret
	}
	if n := len(scenario.Holders); n > 0 {
		k := cfg.ShardsRequired
		if n < k {
			return nil, fmt.Errorf("scenario needs at least %d holders, has %d", k, n)
		}
		shares, err := shard.Split([]byte(secret), k, n)
		if err != nil {
			return nil, fmt.Errorf("failed to split secret: %w", err)
		}
		for i, holder := range scenario.Holders {
			h.shares[holder] = shares[i]
		}
	}

	h.machine = engine.New(st, guardians, shard.NewCollector(), experiment,
		engine.WithClock(clock),
		engine.WithIDGenerator(ids),
		engine.WithEmitter(recorder),
		engine.WithNotifier(notes),
		engine.WithBatchConfig(batchSize, "0xharness"),
	)
	bank := make([]engine.AnswerSpec, len(scenario.Answers))
	for i, entry := range scenario.Answers {
		bank[i] = engine.AnswerSpec{
			AnswerHash: record.AnswerHash(entry.Answer),
			Weight:     entry.Weight,
		}
	}
	h.machine.RegisterAnswers(scenario.Subject, bank)

	ctx := context.Background()
	result := NewResult()
	for i, step := range scenario.Steps {
		if err := h.executeStep(ctx, i, step, result); err != nil {
			return nil, err
		}
	}
	h.evaluateAssertions(ctx, result)
	result.Events = recorder.Events()
	return result, nil
}

// executeStep applies one step to the machine and checks its expected
// outcome. A mismatch between the step's error and expect_error marks
// the result failed; infrastructure errors abort the run.
func (h *Harness) executeStep(ctx context.Context, index int, step Step, result *Result) error {
	if step.Advance != "" {
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return fmt.Errorf("steps[%d]: %w", index, err)
		}
		h.clock.Advance(d)
	}

	var err error
	switch step.Op {
	case OpInitiate:
		var a record.RecoveryAttempt
		a, err = h.machine.Initiate(ctx, h.scenario.Subject)
		if err == nil {
			h.attemptID = a.ID
			h.drainChallenges()
		}
	case OpRespond:
		ch, ok := h.nextChallenge()
		if !ok {
			return fmt.Errorf("steps[%d]: no pending challenge to answer", index)
		}
		sim, hasSim := 0.0, false
		if step.Similarity != nil {
			sim, hasSim = *step.Similarity, true
		}
		_, err = h.machine.RespondToChallenge(ctx, h.attemptID, ch.ID, step.Answer, sim, hasSim)
		h.drainChallenges()
	case OpApprove:
		sig := []byte("not-a-signature")
		if !step.BadSignature {
			priv, ok := h.signers[step.Guardian]
			if !ok {
				priv = deriveKey(step.Guardian)
			}
			sig = ed25519.Sign(priv, record.ApprovalMessage(h.attemptID))
		}
		_, err = h.machine.Approve(ctx, h.attemptID, step.Guardian, sig)
	case OpShard:
		source := step.Holder
		if step.UseShareOf != "" {
			source = step.UseShareOf
		}
		share, ok := h.shares[source]
		if !ok {
			return fmt.Errorf("steps[%d]: no share for holder %q", index, source)
		}
		value := append([]byte(nil), share.Value...)
		if step.Corrupt {
			value[0] ^= 0xff
		}
		var secret []byte
		_, secret, err = h.machine.SubmitShard(ctx, h.attemptID, step.Holder, share.Index, value)
		if secret != nil {
			h.secret = secret
		}
	case OpAckCanary:
		err = h.machine.AcknowledgeCanary(ctx, h.attemptID)
	case OpCancel:
		err = h.machine.Cancel(ctx, h.attemptID)
	case OpExpire:
		_, err = h.machine.ExpireDue(ctx)
	case OpFlush:
		err = h.machine.FlushBatch(ctx)
	default:
		return fmt.Errorf("steps[%d]: unknown op %q", index, step.Op)
	}

	code := string(engine.CodeOf(err))
	switch {
	case step.ExpectError == "" && err != nil:
		result.AddError(fmt.Sprintf("steps[%d] %s: unexpected error: %v", index, step.Op, err))
	case step.ExpectError != "" && err == nil:
		result.AddError(fmt.Sprintf("steps[%d] %s: expected %s, got success", index, step.Op, step.ExpectError))
	case step.ExpectError != "" && code != step.ExpectError:
		result.AddError(fmt.Sprintf("steps[%d] %s: expected %s, got %v", index, step.Op, step.ExpectError, err))
	}
	return nil
}

// drainChallenges moves newly issued challenges from the notifier
// into the pending answer queue.
func (h *Harness) drainChallenges() {
	issued := h.notes.IssuedChallenges()
	for len(h.pending)+h.answered < len(issued) {
		h.pending = append(h.pending, issued[len(h.pending)+h.answered])
	}
}

// nextChallenge pops the oldest unanswered challenge.
func (h *Harness) nextChallenge() (record.Challenge, bool) {
	if len(h.pending) == 0 {
		return record.Challenge{}, false
	}
	ch := h.pending[0]
	h.pending = h.pending[1:]
	h.answered++
	return ch, true
}

// evaluateAssertions checks the scenario's assertions against the
// trace and final attempt state.
func (h *Harness) evaluateAssertions(ctx context.Context, result *Result) {
	for i, a := range h.scenario.Assertions {
		switch a.Type {
		case AssertFinalStatus:
			attempt, err := h.machine.Status(ctx, h.attemptID)
			if err != nil {
				result.AddError(fmt.Sprintf("assertions[%d]: status read failed: %v", i, err))
				continue
			}
			result.Final = attempt
			if string(attempt.Status) != a.Status {
				result.AddError(fmt.Sprintf("assertions[%d]: final status %s, want %s", i, attempt.Status, a.Status))
			}
		case AssertAuditCount:
			n := len(h.recorder.OfKind(audit.Kind(a.Kind)))
			if n != a.Count {
				result.AddError(fmt.Sprintf("assertions[%d]: %d %s events, want %d", i, n, a.Kind, a.Count))
			}
		case AssertAuditOrder:
			if !h.kindsInOrder(a.Kinds) {
				result.AddError(fmt.Sprintf("assertions[%d]: trace does not contain %v in order", i, a.Kinds))
			}
		case AssertSecret:
			if !bytes.Equal(h.secret, []byte(a.Value)) {
				result.AddError(fmt.Sprintf("assertions[%d]: reconstructed secret %q, want %q", i, h.secret, a.Value))
			}
		}
	}
	if result.Final.ID == "" && h.attemptID != "" {
		if attempt, err := h.machine.Status(ctx, h.attemptID); err == nil {
			result.Final = attempt
		}
	}
}

// kindsInOrder reports whether the kinds appear in the trace as a
// subsequence in the given order.
func (h *Harness) kindsInOrder(kinds []string) bool {
	events := h.recorder.Events()
	next := 0
	for _, ev := range events {
		if next < len(kinds) && string(ev.Kind) == kinds[next] {
			next++
		}
	}
	return next == len(kinds)
}

// deriveKey produces a guardian's deterministic ed25519 key from its
// identity. Test-only: real guardians hold their own keys.
func deriveKey(guardianID string) ed25519.PrivateKey {
	seed := sha256.Sum256([]byte("reclaim-harness-key/" + guardianID))
	return ed25519.NewKeyFromSeed(seed[:])
}
