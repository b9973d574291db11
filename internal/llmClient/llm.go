package llmclient

import (
	"context"
	"errors"
)

var (
	// ErrInvalidJSON marks a response that should have been a JSON decision
	// but was not.
	ErrInvalidJSON = errors.New("llm: invalid json in response")

	// ErrTimeout is returned when a backend call exceeds its per-call deadline
	// while the caller's context is still alive.
	ErrTimeout = errors.New("llm: backend timeout")

	ErrRateLimited   = errors.New("llm: rate limited")
	ErrUnsafeOutput  = errors.New("llm: response blocked by provider safety filter")
	ErrEmptyResponse = errors.New("llm: empty response")
)

// PermanentError indicates an error that will not resolve with retries.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

func NewPermanentError(err error) error {
	return &PermanentError{Err: err}
}

// IsPermanent reports whether retrying err is pointless.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var pErr *PermanentError
	if errors.As(err, &pErr) {
		return true
	}
	return errors.Is(err, ErrUnsafeOutput)
}

// IsTransient reports whether err is a timeout, rate limit or cancellation-free
// network style failure that a retry may fix.
func IsTransient(err error) bool {
	if err == nil || IsPermanent(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}
