package audit

import (
	"errors"
	"fmt"
)

var (
	// ErrSignatureTooLong is returned when the signer's digest would exceed the configured cap.
	ErrSignatureTooLong = errors.New("signature exceeds configured maximum length")
	// ErrQueueClosed is returned by a dispatcher after shutdown has begun.
	ErrQueueClosed = errors.New("audit queue is closed")
	// ErrQueueFull is returned by a dispatcher that has no room for a job right now.
	ErrQueueFull = errors.New("audit queue is full")
)

// ValidationError is a malformed write-back payload. It is permanent and never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid audit payload: %s: %s", e.Field, e.Reason)
}

// TransientStorageError is an insert failure that is retried on the backoff schedule.
type TransientStorageError struct {
	Attempt int
	Err     error
}

func (e *TransientStorageError) Error() string {
	return fmt.Sprintf("audit insert attempt %d failed: %v", e.Attempt, e.Err)
}

func (e *TransientStorageError) Unwrap() error { return e.Err }

// TerminalPersistenceFailure means every attempt failed; it triggers the fallback record.
type TerminalPersistenceFailure struct {
	UUID     string
	Attempts int
	Err      error
}

func (e *TerminalPersistenceFailure) Error() string {
	return fmt.Sprintf("audit record %s not persisted after %d attempts: %v", e.UUID, e.Attempts, e.Err)
}

func (e *TerminalPersistenceFailure) Unwrap() error { return e.Err }

// FallbackFailure means the fallback record could not be written either. Nothing retries it.
type FallbackFailure struct {
	UUID  string
	Cause error
	Err   error
}

func (e *FallbackFailure) Error() string {
	return fmt.Sprintf("fallback record for %s not persisted: %v (original failure: %v)", e.UUID, e.Err, e.Cause)
}

func (e *FallbackFailure) Unwrap() error { return e.Err }

// TamperedRecordError is reported when a stored record no longer matches its signature.
type TamperedRecordError struct {
	ID   int64
	UUID string
}

func (e *TamperedRecordError) Error() string {
	return fmt.Sprintf("audit record %d (%s) failed signature verification", e.ID, e.UUID)
}
