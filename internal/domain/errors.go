package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by adapters when the upstream entity does not
// exist. For source items the engine treats this as "source deleted".
var ErrNotFound = errors.New("not found")

// RetryableError wraps transient upstream failures: timeouts, 5xx,
// rate limits. The queue redelivers these after backoff.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return fmt.Sprintf("retryable: %v", e.Err) }
func (e *RetryableError) Unwrap() error { return e.Err }

// PermanentError wraps upstream failures that will not succeed on
// retry, such as validation errors. The worker records them and moves
// on without redelivery.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return fmt.Sprintf("permanent: %v", e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

// AuthError wraps 401/403 responses. These fail fast and degrade the
// process health rather than being retried per item.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return fmt.Sprintf("auth: %v", e.Err) }
func (e *AuthError) Unwrap() error { return e.Err }

// Retryable wraps err as transient.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// Permanent wraps err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsRetryable reports whether err is classified transient.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// IsPermanent reports whether err is classified permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// IsAuth reports whether err is an authentication/authorization failure.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}
