package engine

import (
	"errors"
	"fmt"
)

// RecoveryErrorCode categorizes attempt-level rejections.
type RecoveryErrorCode string

const (
	// Input validation: rejected synchronously, attempt state unchanged.
	ErrCodeDuplicateShareIndex      RecoveryErrorCode = "DUPLICATE_SHARE_INDEX"
	ErrCodeInvalidApprovalSignature RecoveryErrorCode = "INVALID_APPROVAL_SIGNATURE"

	// State conflicts: rejected, no partial mutation; the caller must
	// retry through the correct path.
	ErrCodeAttemptAlreadyActive     RecoveryErrorCode = "ATTEMPT_ALREADY_ACTIVE"
	ErrCodeAttemptAlreadyTerminal   RecoveryErrorCode = "ATTEMPT_ALREADY_TERMINAL"
	ErrCodeAttemptAlreadyCompleted  RecoveryErrorCode = "ATTEMPT_ALREADY_COMPLETED"
	ErrCodeNotInChallengePhase      RecoveryErrorCode = "ATTEMPT_NOT_IN_CHALLENGE_PHASE"
	ErrCodeNotInApprovalPhase       RecoveryErrorCode = "ATTEMPT_NOT_IN_APPROVAL_PHASE"
	ErrCodeNotInShardCollection     RecoveryErrorCode = "ATTEMPT_NOT_IN_SHARD_COLLECTION"
	ErrCodeUnknownChallenge         RecoveryErrorCode = "UNKNOWN_CHALLENGE"
	ErrCodeChallengeAlreadyAnswered RecoveryErrorCode = "CHALLENGE_ALREADY_ANSWERED"

	// Authorization: rejected and logged as security-relevant.
	ErrCodeUnknownGuardian RecoveryErrorCode = "UNKNOWN_GUARDIAN"

	// Timeouts.
	ErrCodeAttemptExpired   RecoveryErrorCode = "ATTEMPT_EXPIRED"
	ErrCodeChallengeExpired RecoveryErrorCode = "CHALLENGE_EXPIRED"

	// Reconstruction.
	ErrCodeReconstructionFailed RecoveryErrorCode = "RECONSTRUCTION_FAILED"

	ErrCodeUnknownAttempt RecoveryErrorCode = "UNKNOWN_ATTEMPT"
	ErrCodeUnknownSubject RecoveryErrorCode = "UNKNOWN_SUBJECT"
)

// RecoveryError is an attempt-level rejection with a structured code.
type RecoveryError struct {
	Code      RecoveryErrorCode
	Message   string
	AttemptID string
	SubjectID string
}

// Error implements the error interface.
func (e *RecoveryError) Error() string {
	switch {
	case e.AttemptID != "":
		return fmt.Sprintf("%s: %s (attempt=%s)", e.Code, e.Message, e.AttemptID)
	case e.SubjectID != "":
		return fmt.Sprintf("%s: %s (subject=%s)", e.Code, e.Message, e.SubjectID)
	default:
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
}

// CodeOf extracts the RecoveryErrorCode from err, or "" when err is
// not a RecoveryError. Uses errors.As to handle wrapped errors.
func CodeOf(err error) RecoveryErrorCode {
	var re *RecoveryError
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}

// IsTerminalRejection reports whether err rejected an event because
// the attempt was already in a terminal state.
func IsTerminalRejection(err error) bool {
	switch CodeOf(err) {
	case ErrCodeAttemptAlreadyTerminal, ErrCodeAttemptAlreadyCompleted, ErrCodeAttemptExpired:
		return true
	}
	return false
}

// IsSecurityRejection reports whether err should be surfaced as a
// security-relevant event.
func IsSecurityRejection(err error) bool {
	switch CodeOf(err) {
	case ErrCodeUnknownGuardian, ErrCodeInvalidApprovalSignature, ErrCodeDuplicateShareIndex:
		return true
	}
	return false
}

func newError(code RecoveryErrorCode, attemptID, message string) *RecoveryError {
	return &RecoveryError{Code: code, Message: message, AttemptID: attemptID}
}
