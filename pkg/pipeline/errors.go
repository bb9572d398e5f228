package pipeline

import (
	"errors"
	"fmt"
)

// Step failure kinds. Terminal kinds mark the document failed once the
// retry budget is spent.
var (
	ErrOCRFailed        = errors.New("ocr failed")
	ErrExtractionFailed = errors.New("extraction failed")
	ErrSchemaViolation  = errors.New("extraction schema violation")
	ErrEmbeddingFailed  = errors.New("embedding failed")
	ErrVectorUpsert     = errors.New("vector upsert failed")
	ErrStepTimeout      = errors.New("step timeout")
	ErrCanceled         = errors.New("workflow canceled")
)

// StepError classifies a step failure. Retryable failures are retried
// under the step's policy; permanent ones short-circuit to terminal.
type StepError struct {
	Step      string
	Err       error
	Retryable bool
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Permanent wraps a non-retryable step failure.
func Permanent(step string, err error) error {
	return &StepError{Step: step, Err: err, Retryable: false}
}

// Transient wraps a retryable step failure.
func Transient(step string, err error) error {
	return &StepError{Step: step, Err: err, Retryable: true}
}

// IsRetryable reports whether err should be retried. Unknown errors are
// retryable; only an explicit permanent StepError is not.
func IsRetryable(err error) bool {
	var se *StepError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return true
}
