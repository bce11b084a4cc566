package storage

import "errors"

var (
	// ErrNotFound indicates that the referenced session does not exist.
	ErrNotFound = errors.New("session not found")

	// ErrConflict indicates an optimistic-concurrency version mismatch:
	// the stored version advanced since the caller's last read.
	ErrConflict = errors.New("version conflict")

	// ErrStorage indicates an underlying backend I/O failure. Operations
	// failing with ErrStorage are retried with bounded exponential backoff
	// before surfacing to the caller.
	ErrStorage = errors.New("storage backend failure")

	// ErrTimeout indicates an operation exceeded its deadline. Distinct from
	// ErrStorage so callers can distinguish "definitely failed" from
	// "unknown outcome, must re-check".
	ErrTimeout = errors.New("storage operation timed out")

	// ErrCorruptedState indicates a partial multi-store failure was detected.
	// The affected session is marked unavailable until reconciled.
	ErrCorruptedState = errors.New("session state corrupted")

	// ErrInvalidInput indicates the input parameters are invalid. Never
	// retried; a caller error surfaced immediately.
	ErrInvalidInput = errors.New("invalid input")

	// ErrAlreadyExists indicates an insert collided with an existing session id.
	ErrAlreadyExists = errors.New("session already exists")
)

// IsRetryable reports whether an error is a transient infrastructure failure
// worth retrying. Conflicts, validation failures, and missing sessions are
// caller-visible immediately and never retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorage)
}
