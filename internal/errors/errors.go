// Package errors defines the coded application errors shared by every layer
// of the approvals service. Repositories and services return *Error values;
// transports translate the code into an HTTP status or gRPC code.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode classifies an application error.
type ErrorCode string

const (
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	ErrCodeConflict     ErrorCode = "CONFLICT"
	ErrCodeExpired      ErrorCode = "EXPIRED"
	ErrCodeRevoked      ErrorCode = "REVOKED"
	ErrCodeAlreadyUsed  ErrorCode = "ALREADY_USED"
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeStorage      ErrorCode = "STORAGE_ERROR"
	ErrCodeInternal     ErrorCode = "INTERNAL"
)

// Error is a coded application error.
type Error struct {
	Code     ErrorCode
	Message  string
	Field    string // set for INVALID_INPUT
	Resource string // set for NOT_FOUND
	ID       string // set for NOT_FOUND
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an error with the given code and message.
func New(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// NotFound reports a missing resource by type and id.
func NotFound(resource, id string) *Error {
	return &Error{
		Code:     ErrCodeNotFound,
		Message:  fmt.Sprintf("%s not found: %s", resource, id),
		Resource: resource,
		ID:       id,
	}
}

// InvalidInput reports a validation failure on a named field.
func InvalidInput(field, message string) *Error {
	return &Error{Code: ErrCodeInvalidInput, Message: message, Field: field}
}

// CodeOf returns the code of the first *Error in err's chain, or
// ErrCodeInternal when err carries none.
func CodeOf(err error) ErrorCode {
	var appErr *Error
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// As unwraps err into the first *Error in its chain.
func As(err error) (*Error, bool) {
	var appErr *Error
	ok := stderrors.As(err, &appErr)
	return appErr, ok
}

// Is and Join pass through to the standard library so callers importing this
// package under the name errors keep access to them.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func Join(errs ...error) error { return stderrors.Join(errs...) }
