package pipeline

import (
	"context"
	"errors"
	"fmt"
)

// Kind buckets an error into the handling policy the stage workers apply:
// retry through the queue, absorb into counters, fail the item, or return the
// job to the queue untouched.
type Kind string

const (
	KindConfig              Kind = "config"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindUpstreamRejected    Kind = "upstream_rejected"
	KindRateLimited         Kind = "rate_limited"
	KindInvalidData         Kind = "invalid_data"
	KindCircuitOpen         Kind = "circuit_open"
	KindResourceExhausted   Kind = "resource_exhausted"
	KindCancelled           Kind = "cancelled"
	KindInternal            Kind = "internal"
)

// Error carries a classification kind alongside the wrapped cause.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds a classified error in the fmt.Errorf style.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a kind to an existing error. A nil error stays nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Classify returns the kind attached to err, falling back to KindCancelled
// for context errors and KindInternal for everything unclassified.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindInternal
}

// Retryable reports whether the job store should re-drive a job that failed
// with this error. Rejections and malformed data never become retries;
// cancellation returns the job to WAITING without burning an attempt.
func Retryable(err error) bool {
	switch Classify(err) {
	case KindUpstreamRejected, KindInvalidData, KindConfig, KindResourceExhausted:
		return false
	default:
		return true
	}
}
