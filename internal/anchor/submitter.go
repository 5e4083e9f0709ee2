package anchor

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/keyhaven/reclaim/internal/record"
)

// Ledger is the write surface the submitter anchors against. The
// in-process Registry implements it; a remote ledger client would too.
type Ledger interface {
	Anchor(caller Address, root [32]byte, batchSize uint64, signature []byte) error
}

// Submitter signs frozen batch roots with the authority key and
// anchors them, retrying transient ledger failures with exponential
// backoff. Registry rejections are permanent and never retried.
type Submitter struct {
	ledger     Ledger
	signingKey ed25519.PrivateKey
	caller     Address
	maxElapsed time.Duration
}

// NewSubmitter creates a Submitter anchoring as the holder of key.
func NewSubmitter(ledger Ledger, key ed25519.PrivateKey) *Submitter {
	return &Submitter{
		ledger:     ledger,
		signingKey: key,
		caller:     AddressOf(key.Public().(ed25519.PublicKey)),
		maxElapsed: 30 * time.Second,
	}
}

// WithMaxElapsed bounds total retry time. Zero disables the bound.
func (s *Submitter) WithMaxElapsed(d time.Duration) *Submitter {
	s.maxElapsed = d
	return s
}

// Caller returns the address the submitter anchors as.
func (s *Submitter) Caller() Address { return s.caller }

// Submit signs and anchors one frozen batch, stamping AnchoredAt on
// success. Idempotent from the pipeline's point of view: if a retried
// call discovers the root already anchored, the earlier write won and
// Submit reports success.
func (s *Submitter) Submit(ctx context.Context, frozen *Frozen) error {
	root := frozen.Batch.Root
	size := uint64(frozen.Batch.BatchSize())
	signature := ed25519.Sign(s.signingKey, record.AnchorMessage(root, size))

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = s.maxElapsed

	err := backoff.Retry(func() error {
		err := s.ledger.Anchor(s.caller, root, size, signature)
		if err == nil {
			return nil
		}
		if IsAlreadyAnchored(err) {
			// A prior retry landed; the ledger state is what we wanted.
			slog.Debug("root already anchored, treating as success",
				"root", hex.EncodeToString(root[:]))
			return nil
		}
		if IsUnauthorized(err) || IsInvalidBatchSize(err) {
			return backoff.Permanent(err)
		}
		slog.Warn("anchor submission failed, will retry", "error", err)
		return err
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return err
	}

	frozen.Batch.AnchoredAt = time.Now()
	frozen.Batch.Submitter = string(s.caller)
	return nil
}
