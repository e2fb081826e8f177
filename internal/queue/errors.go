package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound is returned when a job id is unknown or was pruned
	ErrJobNotFound = errors.New("job not found")

	// ErrAlreadyClaimed is returned when another worker claimed the job first
	ErrAlreadyClaimed = errors.New("job already claimed or not in waiting state")

	// ErrNotDue is returned when claiming a waiting job whose run_at is in the future
	ErrNotDue = errors.New("job is not due yet")

	// ErrLeaseLost is returned when a worker acts on a job it no longer owns
	ErrLeaseLost = errors.New("job lease lost")
)

// ValidationError rejects a job before it enters the queue
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// NotFoundError carries the id of a missing job
type NotFoundError struct {
	JobID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("job %s not found", e.JobID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrJobNotFound
}
