// Package apperr defines the typed error kinds shared by the delivery core.
//
// Callers classify failures with errors.As or the KindOf/Is helpers:
//
//	if apperr.Is(err, apperr.KindPermissionDenied) { ... }
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and client reporting.
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindPermissionDenied
	KindConflict
	KindExpired
	KindClockRegression
	KindTransient
	KindInvalidArgument
)

var kindCodes = map[Kind]string{
	KindInternal:         "internal",
	KindNotFound:         "not_found",
	KindPermissionDenied: "permission_denied",
	KindConflict:         "conflict",
	KindExpired:          "expired",
	KindClockRegression:  "clock_regression",
	KindTransient:        "unavailable",
	KindInvalidArgument:  "invalid_argument",
}

// String returns the stable client-facing code for the kind.
func (k Kind) String() string {
	if code, ok := kindCodes[k]; ok {
		return code
	}
	return "internal"
}

// Error is a classified error. Message is safe to show to clients;
// Err carries the underlying cause and is never sent over the wire.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Code returns the client-facing error code.
func (e *Error) Code() string {
	return e.Kind.String()
}

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) *Error {
	return newf(KindNotFound, format, args...)
}

func PermissionDenied(format string, args ...any) *Error {
	return newf(KindPermissionDenied, format, args...)
}

func Conflict(format string, args ...any) *Error {
	return newf(KindConflict, format, args...)
}

func Expired(format string, args ...any) *Error {
	return newf(KindExpired, format, args...)
}

func InvalidArgument(format string, args ...any) *Error {
	return newf(KindInvalidArgument, format, args...)
}

// ClockRegression reports that the local clock moved behind the last
// issued timestamp.
func ClockRegression(format string, args ...any) *Error {
	return newf(KindClockRegression, format, args...)
}

// Transient wraps a storage, cache, or bus failure that may succeed on retry.
func Transient(err error, message string) *Error {
	return &Error{Kind: KindTransient, Message: message, Err: err}
}

// Wrap attaches a kind to an arbitrary error. A nil err returns nil.
func Wrap(err error, kind Kind, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindInternal when there is none.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}

// IsRetryable reports whether err should be retried by the calling layer.
func IsRetryable(err error) bool {
	return Is(err, KindTransient)
}

// Public returns the code and message suitable for a client response.
// Unclassified errors are reduced to a generic message.
func Public(err error) (code, message string) {
	var appErr *Error
	if errors.As(err, &appErr) {
		if appErr.Kind == KindInternal || appErr.Kind == KindTransient {
			return appErr.Code(), "service temporarily unavailable"
		}
		return appErr.Code(), appErr.Message
	}
	return KindInternal.String(), "internal error"
}
