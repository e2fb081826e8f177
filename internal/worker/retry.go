package worker

import (
	"errors"

	"github.com/cuongbtq/carecall/internal/patient"
	"github.com/cuongbtq/carecall/internal/worker/domain"
)

// RetryPolicy decides whether a failed attempt may consume another attempt
type RetryPolicy string

const (
	// RetryUniform retries every failure until the attempts run out
	RetryUniform RetryPolicy = "uniform"
	// RetryClassified fails permanent errors immediately
	RetryClassified RetryPolicy = "classified"
)

// Valid reports whether p is a known policy
func (p RetryPolicy) Valid() bool {
	return p == RetryUniform || p == RetryClassified
}

// Retryable reports whether err should be retried under p
func (p RetryPolicy) Retryable(err error) bool {
	if p != RetryClassified {
		return true
	}
	return !domain.IsPermanent(err)
}

// classify marks failures no retry can fix. The mark only matters under the
// classified policy.
func classify(err error) error {
	switch {
	case errors.Is(err, patient.ErrPatientNotFound),
		errors.Is(err, domain.ErrInvalidPayload):
		return domain.MarkPermanent(err)
	default:
		return err
	}
}
