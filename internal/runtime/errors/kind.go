package errors

import sterrors "errors"

// Kind is the tag carried by a processing result.
type Kind int

const (
	KindOK Kind = iota
	KindRetryable
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindRetryable:
		return "retryable"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// FatalError marks a failure that must stop the consumer without consulting
// the error policies.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return "fatal: " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// RetryableError marks a failure the error policies may retry.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// Fatal tags err as fatal. Nil stays nil and already fatal errors are returned as-is.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	var fatal *FatalError
	if sterrors.As(err, &fatal) {
		return err
	}
	return &FatalError{Err: err}
}

// Retryable tags err as retryable.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// Classify returns the tag of err. Untagged errors are retryable.
func Classify(err error) Kind {
	if err == nil {
		return KindOK
	}
	var fatal *FatalError
	if sterrors.As(err, &fatal) {
		return KindFatal
	}
	return KindRetryable
}

// IsFatal reports whether err carries the fatal tag.
func IsFatal(err error) bool {
	return Classify(err) == KindFatal
}
