// Package notify is the outbound notification boundary. Delivery
// (email, SMS, push) lives outside the core; the core only declares
// what must be sent and when.
package notify

import (
	"log/slog"
	"sync"
	"time"

	"github.com/keyhaven/reclaim/internal/record"
)

// Notifier receives outbound notification requests. Implementations
// must be safe for concurrent use and must not block the caller on
// delivery.
type Notifier interface {
	// CanaryAlert tells the subject a recovery attempt was initiated,
	// so the legitimate owner can detect and cancel an unauthorized one.
	CanaryAlert(subjectID, attemptID string, at time.Time)

	// ChallengeIssued delivers a challenge prompt to the subject's
	// registered channel.
	ChallengeIssued(subjectID string, challenge record.Challenge)

	// GuardianNotify asks a guardian to review an attempt.
	GuardianNotify(guardianID, attemptID string)
}

// Logged writes notification requests to slog. The default production
// wiring hands these to the delivery collaborator out of process.
type Logged struct{}

func (Logged) CanaryAlert(subjectID, attemptID string, at time.Time) {
	slog.Info("canary alert requested", "subject_id", subjectID, "attempt_id", attemptID, "at", at)
}

func (Logged) ChallengeIssued(subjectID string, challenge record.Challenge) {
	slog.Info("challenge issue requested",
		"subject_id", subjectID,
		"challenge_id", challenge.ID,
		"ordinal", challenge.Ordinal,
		"expires_at", challenge.ExpiresAt,
	)
}

func (Logged) GuardianNotify(guardianID, attemptID string) {
	slog.Info("guardian notify requested", "guardian_id", guardianID, "attempt_id", attemptID)
}

// Recorder captures notification requests for tests.
// Safe for concurrent use.
type Recorder struct {
	mu         sync.Mutex
	Canaries   []string // attempt IDs
	Challenges []record.Challenge
	Guardians  []string // guardian IDs
}

func (r *Recorder) CanaryAlert(subjectID, attemptID string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Canaries = append(r.Canaries, attemptID)
}

func (r *Recorder) ChallengeIssued(subjectID string, challenge record.Challenge) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Challenges = append(r.Challenges, challenge)
}

func (r *Recorder) GuardianNotify(guardianID, attemptID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Guardians = append(r.Guardians, guardianID)
}

// CanaryCount returns how many canary alerts were requested.
func (r *Recorder) CanaryCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Canaries)
}

// ChallengeCount returns how many challenge prompts were requested.
func (r *Recorder) ChallengeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Challenges)
}

// IssuedChallenges returns a snapshot of every challenge prompt
// requested so far, in issue order.
func (r *Recorder) IssuedChallenges() []record.Challenge {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]record.Challenge(nil), r.Challenges...)
}
