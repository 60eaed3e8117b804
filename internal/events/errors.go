package events

import (
	"context"
	"errors"
	"fmt"
)

// ErrorCode classifies why an intent or request failed
type ErrorCode string

const (
	CodeNotFound      ErrorCode = "not_found"
	CodeConflict      ErrorCode = "conflict"
	CodeForbidden     ErrorCode = "forbidden"
	CodeBusy          ErrorCode = "busy"
	CodeTransportLost ErrorCode = "transport_lost"
	CodeInvalid       ErrorCode = "invalid"
	CodeUnauthorized  ErrorCode = "unauthorized"
	CodeInternal      ErrorCode = "internal"
)

// Retryable reports whether a client may resubmit after this failure
func (c ErrorCode) Retryable() bool {
	return c == CodeBusy || c == CodeTransportLost
}

// Error is the error type carried on the wire and returned by the board.
// Two Errors match under errors.Is when their codes are equal.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Message
}

// Is matches any *Error with the same code
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Sentinels for errors.Is checks
var (
	ErrNotFound      = &Error{Code: CodeNotFound}
	ErrConflict      = &Error{Code: CodeConflict}
	ErrForbidden     = &Error{Code: CodeForbidden}
	ErrBusy          = &Error{Code: CodeBusy}
	ErrTransportLost = &Error{Code: CodeTransportLost}
	ErrInvalid       = &Error{Code: CodeInvalid}
	ErrUnauthorized  = &Error{Code: CodeUnauthorized}
	ErrInternal      = &Error{Code: CodeInternal}
)

// Errorf builds an *Error with a formatted message
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsError maps any error onto the wire taxonomy. Unknown errors become
// internal so storage details never leak to clients.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Code: CodeBusy, Message: "deadline exceeded"}
	}
	return &Error{Code: CodeInternal, Message: "internal error"}
}

// CodeOf returns the taxonomy code of err
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	return AsError(err).Code
}
