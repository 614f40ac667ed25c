package sv

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is matched by every "does not exist" error, record or blob.
	ErrNotFound = errors.New("not found")

	// ErrRecordNotFound means the upload record does not exist (or is hidden from the requester).
	ErrRecordNotFound = fmt.Errorf("upload record %w", ErrNotFound)

	// ErrBlobNotFound means the record exists but its blob is gone from the object store.
	ErrBlobNotFound = fmt.Errorf("file %w in storage", ErrNotFound)

	ErrAccountNotFound = fmt.Errorf("account %w", ErrNotFound)

	ErrForbidden          = errors.New("forbidden")
	ErrValidation         = errors.New("validation failed")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrAlreadyDeleted     = errors.New("upload already deleted")
	ErrFileNotParsed      = errors.New("file has no parsed data")
	ErrNoSummarizer       = errors.New("no summarizer configured")

	// Gate state violations. These are programming errors and must not be degraded.
	ErrNotInitialized     = errors.New("object store not initialized")
	ErrNotReady           = errors.New("database connection not ready")
	ErrAlreadyInitialized = errors.New("object store already initialized")
)

// ValidationError reports a missing or malformed field. It matches ErrValidation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// PartialFailureError is returned alongside a successful primary effect when a
// secondary effect (the blob delete) did not complete.
type PartialFailureError struct {
	Op       string
	RecordID string
	BlobID   string
	Err      error
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("%s %s: blob %s not removed: %v", e.Op, e.RecordID, e.BlobID, e.Err)
}

func (e *PartialFailureError) Unwrap() error { return e.Err }

// StorageError wraps a backend failure so that it matches ErrStorageUnavailable
// while keeping the underlying cause reachable.
func StorageError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}
