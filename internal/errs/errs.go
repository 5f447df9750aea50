// Package errs classifies orchestrator errors into retryability kinds. Every
// boundary error is wrapped with a kind and the operation that produced it;
// callers branch on KindOf rather than string matching.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry and reporting decisions.
type Kind int

const (
	KindUnknown Kind = iota
	// KindValidation marks caller mistakes. Never retried.
	KindValidation
	// KindNotFound marks lookups of absent entities.
	KindNotFound
	// KindCapacity marks resource exhaustion: pool full, all models
	// rate-limited, budget spent. Retried after backoff.
	KindCapacity
	// KindTransient marks failures expected to clear on their own.
	KindTransient
	// KindFatal marks failures that will not clear without intervention.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindCapacity:
		return "capacity"
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a classified error. Op names the operation in package.method form.
type Error struct {
	Knd Kind
	Op  string
	Msg string
	Err error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error from a message.
func New(kind Kind, op, msg string) error {
	return &Error{Knd: kind, Op: op, Msg: msg}
}

// Newf builds a classified error from a format string.
func Newf(kind Kind, op, format string, args ...any) error {
	return &Error{Knd: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Knd: kind, Op: op, Err: err}
}

// KindOf returns the outermost classification of err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Knd
	}
	return KindUnknown
}

// IsRetryable reports whether the failure may clear if the operation is
// attempted again.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindCapacity, KindTransient:
		return true
	default:
		return false
	}
}
