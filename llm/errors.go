package llm

import (
	"errors"
)

// Error classification for generation calls. Transient errors may succeed
// on retry and are scoped to one batch by the pipeline; fatal errors
// (bad credentials, malformed requests) abort the whole analysis.

// TransientError wraps a temporary failure such as a network blip,
// a rate limit, or a server-side 5xx.
type TransientError struct {
	err error
}

func (e *TransientError) Error() string { return e.err.Error() }

func (e *TransientError) Unwrap() error { return e.err }

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	return &TransientError{err: err}
}

// FatalError wraps a permanent failure that retrying cannot fix.
type FatalError struct {
	err error
}

func (e *FatalError) Error() string { return e.err.Error() }

func (e *FatalError) Unwrap() error { return e.err }

// NewFatalError marks err as permanent.
func NewFatalError(err error) error {
	return &FatalError{err: err}
}

// IsTransient reports whether err is classified as retryable.
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

// IsFatal reports whether err is classified as permanent.
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}
