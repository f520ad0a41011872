// Package apperr classifies errors surfaced by combat mutations into caller-facing kinds.
package apperr

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind is a machine-readable error classification.
type Kind string

const (
	// KindUnknown is used for errors that were never classified.
	KindUnknown Kind = "UNKNOWN"
	// KindUnauthorized means the caller lacks the capability for the operation.
	KindUnauthorized Kind = "UNAUTHORIZED"
	// KindNotFound means a referenced combat or participant does not exist.
	KindNotFound Kind = "NOT_FOUND"
	// KindInvalidArgument means the request itself is malformed.
	KindInvalidArgument Kind = "INVALID_ARGUMENT"
	// KindFailedPrecondition means the target is in a state that forbids the operation.
	KindFailedPrecondition Kind = "FAILED_PRECONDITION"
	// KindPersistence means the storage layer failed.
	KindPersistence Kind = "PERSISTENCE"
)

// GRPCCode maps the kind onto the closest gRPC status code.
func (k Kind) GRPCCode() codes.Code {
	switch k {
	case KindUnauthorized:
		return codes.PermissionDenied
	case KindNotFound:
		return codes.NotFound
	case KindInvalidArgument:
		return codes.InvalidArgument
	case KindFailedPrecondition:
		return codes.FailedPrecondition
	case KindPersistence:
		return codes.Internal
	default:
		return codes.Unknown
	}
}

// Error is a classified error with an optional underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// GRPCStatus lets status.FromError recognise classified errors.
func (e *Error) GRPCStatus() *status.Status {
	return status.New(e.Kind.GRPCCode(), e.Message)
}

// Sentinels for errors.Is comparisons by kind.
var (
	ErrUnauthorized       = &Error{Kind: KindUnauthorized}
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrInvalidArgument    = &Error{Kind: KindInvalidArgument}
	ErrFailedPrecondition = &Error{Kind: KindFailedPrecondition}
	ErrPersistence        = &Error{Kind: KindPersistence}
)

// New creates a classified error with a message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a classified error around cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf returns the kind of the first *Error in err's chain.
//
// Postcondition: Returns KindUnknown when err is nil or unclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
