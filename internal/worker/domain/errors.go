package domain

import (
	"errors"

	crerrors "github.com/cockroachdb/errors"
)

var (
	// ErrInvalidPayload is returned when a wake-up message or job row cannot be used
	ErrInvalidPayload = errors.New("invalid job payload")

	// ErrPermanent marks failures that retrying cannot fix
	ErrPermanent = errors.New("permanent failure")

	// ErrCallFailed is returned when the voice-call provider rejects a call
	ErrCallFailed = errors.New("voice call failed")
)

// MarkPermanent tags err so the classified retry policy fails the job at once.
// The message and the rest of the chain are preserved.
func MarkPermanent(err error) error {
	if err == nil {
		return nil
	}
	return crerrors.Mark(err, ErrPermanent)
}

// IsPermanent reports whether err was marked with MarkPermanent
func IsPermanent(err error) bool {
	return crerrors.Is(err, ErrPermanent)
}

// RetryableError wraps transient infrastructure errors that should trigger a
// redelivery of the wake-up message
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}
