package contracts

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrMalformedEnvelope     = errors.New("malformed envelope")
	ErrUnknownAction         = errors.New("no handler for action")
	ErrEmptyPayload          = errors.New("payload deserialized to null/empty")
	ErrMalformedPayload      = errors.New("payload does not match handler type")
	ErrUnknownCallbackMethod = errors.New("unknown callback method")
)

// Kind is the retry classification of a failure
type Kind int

const (
	// KindNone means no failure
	KindNone Kind = iota
	// KindRetryable failures are redelivered by the broker
	KindRetryable
	// KindFatal failures are never redelivered
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindRetryable:
		return "retryable"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Failure tags a cause with its retry classification
type Failure struct {
	Kind  Kind
	Cause error
}

func (f *Failure) Error() string {
	if f.Cause == nil {
		return f.Kind.String() + " failure"
	}
	return fmt.Sprintf("%s: %v", f.Kind, f.Cause)
}

func (f *Failure) Unwrap() error {
	return f.Cause
}

// Retryable tags err as transient
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &Failure{Kind: KindRetryable, Cause: err}
}

// Fatal tags err as non-retryable
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &Failure{Kind: KindFatal, Cause: err}
}

// Fatalf is Fatal(fmt.Errorf(format, args...))
func Fatalf(format string, args ...any) error {
	return Fatal(fmt.Errorf(format, args...))
}

// Classify maps any error to its retry kind.
// Untagged errors, including cancellation, are retryable.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}

	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}

	switch {
	case errors.Is(err, ErrMalformedEnvelope),
		errors.Is(err, ErrUnknownAction),
		errors.Is(err, ErrEmptyPayload),
		errors.Is(err, ErrMalformedPayload),
		errors.Is(err, ErrUnknownCallbackMethod):
		return KindFatal
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindRetryable
	}

	return KindRetryable
}

// IsFatal reports whether err must not be redelivered
func IsFatal(err error) bool {
	return Classify(err) == KindFatal
}

// IsRetryable reports whether err should be redelivered
func IsRetryable(err error) bool {
	return Classify(err) == KindRetryable
}
