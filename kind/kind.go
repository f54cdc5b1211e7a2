// Package kind enumerates the discriminated error kinds of the
// synchronization core, so that callers may both log a rich
// causal chain (via github.com/pkg/errors) and branch on a stable,
// machine-readable classification.
package kind

import "github.com/pkg/errors"

// ErrorKind classifies a terminal condition encountered while serving
// a client or document session.
type ErrorKind string

const (
	MalformedFrame     ErrorKind = "malformed_frame"
	Unauthorized       ErrorKind = "unauthorized"
	RateLimited        ErrorKind = "rate_limited"
	SizeExceeded       ErrorKind = "size_exceeded"
	EncryptionMismatch ErrorKind = "encryption_mismatch"
	StorageError       ErrorKind = "storage_error"
	PubsubError        ErrorKind = "pubsub_error"
	SlowConsumer       ErrorKind = "slow_consumer"
	Internal           ErrorKind = "internal"
)

// Storage sub-kinds, as returned by storage.Classify.
type StorageErrorKind string

const (
	NotFound StorageErrorKind = "not_found"
	Conflict StorageErrorKind = "conflict"
	IOError  StorageErrorKind = "io_error"
	Timeout  StorageErrorKind = "timeout"
)

// Error is a classified, user-facing condition. Reason is the short
// machine-readable code sent to disconnected clients; Message is the
// human-readable string. Error never carries a stack trace to the wire;
// the wrapped Cause (if any) is for server-side logs only.
type Error struct {
	K       ErrorKind
	Reason  string
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

// Unwrap allows errors.Is / errors.As / errors.Cause to reach the
// underlying cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// New builds an Error of the given kind with no underlying cause.
func New(k ErrorKind, message string) *Error {
	return &Error{K: k, Reason: string(k), Message: message}
}

// Wrap builds an Error of the given kind, wrapping cause with
// github.com/pkg/errors so the full chain remains inspectable server-side.
func Wrap(k ErrorKind, cause error, message string) *Error {
	return &Error{K: k, Reason: string(k), Message: message, cause: errors.WithMessage(cause, message)}
}

// Of returns the ErrorKind of err, if err (or something in its chain)
// is a *Error. The second return is false otherwise.
func Of(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.K, true
	}
	return "", false
}
