// ABOUTME: Closed error code set and the structured Error shape carried in responses
// ABOUTME: Maps arbitrary Go errors onto the protocol taxonomy at the dispatch boundary

package protocol

import (
	"errors"
	"fmt"
)

// ErrorCode is one of the fixed protocol failure causes.
type ErrorCode string

const (
	CodeNotLinked      ErrorCode = "NOT_LINKED"
	CodeNotPaired      ErrorCode = "NOT_PAIRED"
	CodeAgentTimeout   ErrorCode = "AGENT_TIMEOUT"
	CodeInvalidRequest ErrorCode = "INVALID_REQUEST"
	CodeUnavailable    ErrorCode = "UNAVAILABLE"
	CodeMethodNotFound ErrorCode = "METHOD_NOT_FOUND"
	CodeInternalError  ErrorCode = "INTERNAL_ERROR"
)

// Valid reports whether c belongs to the closed code set.
func (c ErrorCode) Valid() bool {
	switch c {
	case CodeNotLinked, CodeNotPaired, CodeAgentTimeout, CodeInvalidRequest,
		CodeUnavailable, CodeMethodNotFound, CodeInternalError:
		return true
	}
	return false
}

// Error is the error shape of a Response. It also implements the error
// interface so method handlers can return it directly.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError creates an Error. Codes outside the closed set collapse to
// INTERNAL_ERROR.
func NewError(code ErrorCode, message string) *Error {
	if !code.Valid() {
		return &Error{
			Code:    CodeInternalError,
			Message: message,
			Details: map[string]any{"code": string(code)},
		}
	}
	return &Error{Code: code, Message: message}
}

// Errorf creates an Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

// WithDetails returns a copy of e carrying details.
func (e *Error) WithDetails(details any) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// AsError converts err to a protocol Error. A wrapped *Error keeps its code;
// any other error becomes INTERNAL_ERROR with the original message in
// details.error.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return &Error{
		Code:    CodeInternalError,
		Message: "internal error",
		Details: map[string]any{"error": err.Error()},
	}
}

// ErrorCodeOf returns the code of err, or INTERNAL_ERROR for foreign errors.
func ErrorCodeOf(err error) ErrorCode {
	return AsError(err).Code
}
