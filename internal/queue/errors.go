package queue

import (
	"errors"
)

// ErrNoHandler is returned when a job's type has no registered handler.
var ErrNoHandler = errors.New("no handler registered for job type")

// PermanentError marks a failure that retrying cannot fix: unknown job type,
// malformed payload, missing required config. The queue fails such jobs
// immediately instead of walking the backoff schedule.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the queue treats it as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err carries the non-retryable tag.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
