// Package uploaderr classifies upload failures so the manager can decide
// whether an outcome is terminal or worth another attempt.
package uploaderr

import (
	"errors"
	"fmt"
)

// Kind identifies a class of upload failure.
type Kind string

const (
	// KindInvalidArgument is bad caller input, rejected synchronously.
	KindInvalidArgument Kind = "INVALID_ARGUMENT"

	// KindSourceUnavailable means the local file is missing or unreadable.
	KindSourceUnavailable Kind = "SOURCE_UNAVAILABLE"

	// KindSourceTruncated means the local file became smaller than the size
	// recorded when the upload was registered.
	KindSourceTruncated Kind = "SOURCE_TRUNCATED"

	// KindNetwork covers connection failures, resets and timeouts.
	KindNetwork Kind = "NETWORK_ERROR"

	// KindRemoteRejected is a non-2xx answer from the destination.
	KindRemoteRejected Kind = "REMOTE_REJECTED"

	// KindCancelled is a caller-initiated abort.
	KindCancelled Kind = "CANCELLED"

	// KindConflictingWrite is a lost compare-and-set race inside the store.
	KindConflictingWrite Kind = "CONFLICTING_WRITE"

	// KindNotFound means the upload id is unknown.
	KindNotFound Kind = "NOT_FOUND"

	// KindUnknown is anything that was not classified.
	KindUnknown Kind = "UNKNOWN"
)

// Sentinels for errors.Is checks. Matching is done on Kind only.
var (
	ErrInvalidArgument   = &Error{Kind: KindInvalidArgument}
	ErrSourceUnavailable = &Error{Kind: KindSourceUnavailable}
	ErrSourceTruncated   = &Error{Kind: KindSourceTruncated}
	ErrNetwork           = &Error{Kind: KindNetwork}
	ErrRemoteRejected    = &Error{Kind: KindRemoteRejected}
	ErrCancelled         = &Error{Kind: KindCancelled}
	ErrConflictingWrite  = &Error{Kind: KindConflictingWrite}
	ErrNotFound          = &Error{Kind: KindNotFound}
)

// Error is a classified upload failure.
type Error struct {
	Kind Kind
	// Op names the operation that failed, e.g. "chunker.open".
	Op string
	// StatusCode and Body are set for remote rejections.
	StatusCode int
	Body       string
	// Transient marks a remote rejection that may succeed later (5xx, 408, 429).
	Transient bool
	Err       error
}

// Error implements error.
func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New returns a classified error built from a format string.
func New(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies err. A nil err stays nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Rejected builds a remote rejection for the given HTTP status.
func Rejected(op string, statusCode int, body string) *Error {
	return &Error{
		Kind:       KindRemoteRejected,
		Op:         op,
		StatusCode: statusCode,
		Body:       body,
		Transient:  statusCode >= 500 || statusCode == 408 || statusCode == 429,
		Err:        fmt.Errorf("HTTP %d: %s", statusCode, body),
	}
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// StatusCode returns the HTTP status attached to err, or 0.
func StatusCode(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode
	}
	return 0
}

// Retryable reports whether another attempt could change the outcome.
// Network failures and lost store races always qualify; remote rejections
// only when they are transient and retryServerErrors is set.
func Retryable(err error, retryServerErrors bool) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case KindNetwork, KindConflictingWrite:
		return true
	case KindRemoteRejected:
		return retryServerErrors && e.Transient
	default:
		return false
	}
}
