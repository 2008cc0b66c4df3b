package llm

import (
	"context"
	"errors"
	"fmt"
)

// ErrorCode is a stable, caller-facing error identifier.
type ErrorCode string

const (
	CodeConfigNotFound    ErrorCode = "CONFIG_NOT_FOUND"
	CodeConfigDisabled    ErrorCode = "CONFIG_DISABLED"
	CodeMaxToolIterations ErrorCode = "MAX_TOOL_ITERATIONS"
	CodeNoHistory         ErrorCode = "NO_HISTORY"
	CodeInvalidState      ErrorCode = "INVALID_STATE"
	CodeNoFunctionCalls   ErrorCode = "NO_FUNCTION_CALLS"
	CodeProviderError     ErrorCode = "PROVIDER_ERROR"
	CodeCancelled         ErrorCode = "CANCELLED"
	CodeInternal          ErrorCode = "INTERNAL_ERROR"
)

// Error is the structured error returned across the core's boundary.
type Error struct {
	Code     ErrorCode
	Message  string
	Provider string
	Status   int
	Cause    error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Provider != "" {
		msg = fmt.Sprintf("%s: %s", e.Provider, msg)
	}
	if e.Status != 0 {
		return fmt.Sprintf("[%s] %s (status %d)", e.Code, msg, e.Status)
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates an Error with a formatted message.
func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf returns the ErrorCode carried by err. Context cancellation maps to
// CodeCancelled; any other untyped error is CodeInternal.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if errors.Is(err, context.Canceled) {
		return CodeCancelled
	}
	return CodeInternal
}

// IsCancelled reports whether err represents a caller cancellation.
func IsCancelled(err error) bool {
	return CodeOf(err) == CodeCancelled
}
