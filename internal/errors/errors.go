// Package errors defines the typed error taxonomy shared by the approvals
// service. Every error that leaves the engine is an *AppError carrying a
// machine-readable code and enough detail for callers to render a precise
// message.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"

	pkgerrors "github.com/pkg/errors"
)

// ErrorCode classifies an AppError.
type ErrorCode string

const (
	ErrCodeConfiguration ErrorCode = "CONFIGURATION"
	ErrCodeInvalidState  ErrorCode = "INVALID_STATE"
	ErrCodeAuthorization ErrorCode = "AUTHORIZATION"
	ErrCodePersistence   ErrorCode = "PERSISTENCE"
	ErrCodeNotFound      ErrorCode = "NOT_FOUND"
	ErrCodeInvalidInput  ErrorCode = "INVALID_INPUT"
	ErrCodeInternal      ErrorCode = "INTERNAL"
)

// AppError is the error type returned by repositories and services.
type AppError struct {
	Code      ErrorCode
	Message   string
	Details   map[string]interface{}
	Retryable bool
	cause     error
}

// Error implements error.
func (e *AppError) Error() string {
	var b strings.Builder
	b.WriteString(strings.ToLower(string(e.Code)))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.cause != nil {
		b.WriteString(": ")
		b.WriteString(e.cause.Error())
	}
	return b.String()
}

// Unwrap exposes the underlying cause.
func (e *AppError) Unwrap() error {
	return e.cause
}

// WithDetail attaches a key/value pair that is surfaced to API callers.
func (e *AppError) WithDetail(key string, value interface{}) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates an AppError without an underlying cause.
func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap annotates err with a code and message, capturing a stack trace.
// An AppError passed in keeps its own code.
func Wrap(err error, code ErrorCode, message string) error {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return err
	}
	return &AppError{Code: code, Message: message, cause: pkgerrors.WithStack(err)}
}

// NotFound reports a missing record.
func NotFound(entity, id string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", entity)).
		WithDetail("entity", entity).
		WithDetail("id", id)
}

// InvalidInput reports a malformed request field.
func InvalidInput(field, message string) *AppError {
	return New(ErrCodeInvalidInput, fmt.Sprintf("invalid %s: %s", field, message)).
		WithDetail("field", field)
}

// Configuration reports a misconfigured template, flow or node.
func Configuration(format string, args ...interface{}) *AppError {
	return New(ErrCodeConfiguration, fmt.Sprintf(format, args...))
}

// InvalidState reports a transition attempted from a state that does not
// permit it.
func InvalidState(entity, id, current string, required ...string) *AppError {
	msg := fmt.Sprintf("%s %s is %s", entity, id, current)
	if len(required) > 0 {
		msg += fmt.Sprintf(", expected %s", strings.Join(required, " or "))
	}
	return New(ErrCodeInvalidState, msg).
		WithDetail("entity", entity).
		WithDetail("id", id).
		WithDetail("current_status", current).
		WithDetail("required_status", required)
}

// Unauthorized reports an actor acting outside their authority.
func Unauthorized(message string) *AppError {
	return New(ErrCodeAuthorization, message)
}

// Persistence wraps a storage failure. Persistence errors are retryable.
func Persistence(err error, message string) *AppError {
	return &AppError{
		Code:      ErrCodePersistence,
		Message:   message,
		Retryable: true,
		cause:     pkgerrors.WithStack(err),
	}
}

// CodeOf returns the code of the first AppError in err's chain, or
// ErrCodeInternal.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// IsRetryable reports whether the caller may retry the operation.
func IsRetryable(err error) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr) && appErr.Retryable
}

// DetailsOf returns the details map of err, or nil.
func DetailsOf(err error) map[string]interface{} {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Details
	}
	return nil
}
