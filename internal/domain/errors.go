package domain

import "errors"

var (
	// ErrJobNotFound is returned when a job cannot be found in the database
	ErrJobNotFound = errors.New("job not found")

	// ErrJobConflict is returned when a job update presents a stale etag
	ErrJobConflict = errors.New("job was updated by another actor")

	// ErrJobAlreadyClaimed is returned when a job is not in a claimable status
	ErrJobAlreadyClaimed = errors.New("job already claimed or not in a claimable status")

	// ErrInvalidStatusTransition is returned when a status change would move a job backwards
	ErrInvalidStatusTransition = errors.New("invalid job status transition")

	// ErrSecretNotFound is returned when a secret name has no stored value
	ErrSecretNotFound = errors.New("secret not found")

	// ErrUnknownDestination is returned when no destination client is registered for a kind
	ErrUnknownDestination = errors.New("unknown destination kind")

	// ErrFileNotFound is returned when a destination file cannot be reopened
	ErrFileNotFound = errors.New("destination file not found")

	// ErrInvalidToken is returned when a continuation token cannot be decoded
	ErrInvalidToken = errors.New("invalid continuation token")
)

// RetryableError wraps transient errors that should trigger a requeue
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
