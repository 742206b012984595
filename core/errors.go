package core

import (
	"errors"
	"fmt"
)

var (
	// ErrNotRegistered is returned when a registration handle references an
	// agent descriptor that is unknown to the directory (e.g. already evicted).
	ErrNotRegistered = errors.New("agent not registered")

	// ErrNotFound is returned when a referenced entity does not exist in the
	// underlying store.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict is returned by compare-and-swap writes when the
	// expected version no longer matches the stored record.
	ErrVersionConflict = errors.New("version conflict")

	// ErrCapabilityNotFound is returned by registry lookups when no live
	// descriptor declares the requested capability.
	ErrCapabilityNotFound = errors.New("capability not found")

	// ErrDuplicateStream is returned when opening a stream whose message id is
	// already open on the same emitter.
	ErrDuplicateStream = errors.New("stream already open")

	// ErrStreamClosed is returned when pushing to or closing an already closed
	// stream handle.
	ErrStreamClosed = errors.New("stream closed")

	// ErrReorderOverflow is returned by the assembler when out-of-order chunks
	// exceed the bounded reorder window.
	ErrReorderOverflow = errors.New("reorder window overflow")

	// ErrChecksumMismatch is returned by the assembler when the recomputed
	// checksum or chunk count disagrees with the End frame. It indicates chunk
	// loss or corruption and is always surfaced, never dropped.
	ErrChecksumMismatch = errors.New("stream checksum mismatch")

	// ErrDepthExhausted is returned when a delegation would exceed the hard
	// delegation depth limit, preventing unbounded coordinator cycles.
	ErrDepthExhausted = errors.New("delegation depth exhausted")
)

// ValidationError reports malformed input rejected before any side effect.
type ValidationError struct {
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Reason)
}

// NewValidationError constructs a ValidationError for the given field.
func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// transientError marks an error as retryable by the runtime shell.
type transientError struct{ err error }

func (e *transientError) Error() string { return "transient: " + e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// permanentError marks an error as non-retryable; the runtime shell routes it
// straight to the dead-letter destination without entering RETRY.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return "permanent: " + e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Transient wraps err so that IsTransient reports true. Wrapping nil returns nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// Permanent wraps err so that IsPermanent reports true. Wrapping nil returns nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsTransient reports whether err (or any error it wraps) was marked transient.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

// IsPermanent reports whether err (or any error it wraps) was marked permanent.
// Unclassified errors are neither transient nor permanent; callers decide a
// default. The runtime shell treats unclassified handler errors as permanent
// so that programming mistakes surface in the dead-letter queue instead of
// burning retry budget.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
