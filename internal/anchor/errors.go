package anchor

import (
	"errors"
	"fmt"
)

// RegistryErrorCode categorizes ledger-write rejections.
type RegistryErrorCode string

const (
	// ErrCodeInvalidBatchSize indicates an anchor call with batch size zero.
	ErrCodeInvalidBatchSize RegistryErrorCode = "INVALID_BATCH_SIZE"

	// ErrCodeUnauthorized indicates the caller is not the configured
	// anchoring authority, or the anchor signature did not verify.
	ErrCodeUnauthorized RegistryErrorCode = "UNAUTHORIZED"

	// ErrCodeAlreadyAnchored indicates the root is already present.
	// A root, once anchored, is permanent and unique.
	ErrCodeAlreadyAnchored RegistryErrorCode = "ALREADY_ANCHORED"
)

// RegistryError is a ledger-write rejection. Rejections are atomic: no
// partial anchor record is ever observable after one.
type RegistryError struct {
	Code    RegistryErrorCode
	Message string
	Root    string // hex digest, when known
}

// Error implements the error interface.
func (e *RegistryError) Error() string {
	if e.Root != "" {
		return fmt.Sprintf("%s: %s (root=%s)", e.Code, e.Message, e.Root)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsAlreadyAnchored reports whether err is an ALREADY_ANCHORED rejection.
// Uses errors.As to handle wrapped errors.
func IsAlreadyAnchored(err error) bool {
	var re *RegistryError
	return errors.As(err, &re) && re.Code == ErrCodeAlreadyAnchored
}

// IsUnauthorized reports whether err is an UNAUTHORIZED rejection.
func IsUnauthorized(err error) bool {
	var re *RegistryError
	return errors.As(err, &re) && re.Code == ErrCodeUnauthorized
}

// IsInvalidBatchSize reports whether err is an INVALID_BATCH_SIZE rejection.
func IsInvalidBatchSize(err error) bool {
	var re *RegistryError
	return errors.As(err, &re) && re.Code == ErrCodeInvalidBatchSize
}
