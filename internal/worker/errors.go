package worker

import (
	"errors"
	"strings"
)

// ErrOutOfMemory marks an attempt that exhausted the memory of its machine class.
var ErrOutOfMemory = errors.New("out of memory")

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// IsExpectedBillingError reports billing provider errors that are routine for test and
// sandbox subscriptions and must not alert.
func IsExpectedBillingError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "no such subscription") &&
		(strings.Contains(msg, "temp") || strings.Contains(msg, "sandbox")) {
		return true
	}
	return strings.Contains(msg, "is not usage based")
}

type failureKind int

const (
	failureRetryable failureKind = iota
	failureExpected
	failurePermanent
	failureOutOfMemory
)

func (k failureKind) String() string {
	switch k {
	case failureExpected:
		return "expected"
	case failurePermanent:
		return "permanent"
	case failureOutOfMemory:
		return "out_of_memory"
	default:
		return "retryable"
	}
}

func classify(err error) failureKind {
	switch {
	case IsExpectedBillingError(err):
		return failureExpected
	case errors.Is(err, ErrOutOfMemory):
		return failureOutOfMemory
	case IsPermanent(err):
		return failurePermanent
	default:
		return failureRetryable
	}
}
