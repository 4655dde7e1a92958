package executor

import (
	"context"
	"errors"
	"net"
)

// Kind classifies an execution failure for the retry policy.
type Kind string

const (
	// KindTransient failures are retried with backoff up to max attempts.
	KindTransient Kind = "transient"
	// KindNonRetriable failures terminate the job immediately.
	KindNonRetriable Kind = "non_retriable"
)

// ClassifiedError wraps a backend failure with its retry classification.
type ClassifiedError struct {
	Kind Kind
	Err  error
}

func (e *ClassifiedError) Error() string { return string(e.Kind) + ": " + e.Err.Error() }

func (e *ClassifiedError) Unwrap() error { return e.Err }

// Transient marks err as retriable.
func Transient(err error) error {
	return &ClassifiedError{Kind: KindTransient, Err: err}
}

// NonRetriable marks err as terminal.
func NonRetriable(err error) error {
	return &ClassifiedError{Kind: KindNonRetriable, Err: err}
}

// KindOf extracts the classification of err. Unclassified errors default to
// transient so a misbehaving backend is not misreported as a caller mistake.
func KindOf(err error) Kind {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return KindTransient
	}
	return KindTransient
}
