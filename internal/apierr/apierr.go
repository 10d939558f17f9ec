// Package apierr defines the closed error-kind taxonomy every public
// operation in SysManage-Server maps its failures onto, independent of
// transport.
package apierr

import (
	"errors"
	"fmt"
)

// Kind is a closed enumeration of error categories.
type Kind string

const (
	KindInvalidInput     Kind = "invalid_input"
	KindUnauthenticated  Kind = "unauthenticated"
	KindPermissionDenied Kind = "permission_denied"
	KindNotFound         Kind = "not_found"
	KindConflict         Kind = "conflict"
	KindRateLimited      Kind = "rate_limited"
	KindDependencyFailed Kind = "dependency_failed"
	KindAgentError       Kind = "agent_error"
	KindInternal         Kind = "internal"
)

// Error wraps an underlying cause with a stable Kind so callers across
// transports can map it without inspecting message text.
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

func (e *Error) Unwrap() error { return e.Err }

// New constructs an *Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error carrying an underlying cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the Kind of err if it is (or wraps) an *Error, otherwise
// KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func NotFound(entity string) *Error {
	return New(KindNotFound, entity+" not found")
}

func PermissionDenied(action string) *Error {
	return New(KindPermissionDenied, "permission denied: "+action)
}

func Conflict(message string) *Error {
	return New(KindConflict, message)
}

func InvalidInput(message string) *Error {
	return New(KindInvalidInput, message)
}
