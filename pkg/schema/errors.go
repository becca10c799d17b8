package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeConfiguration     = "CONFIGURATION_ERROR"
	ErrCodeUnknownActionType = "UNKNOWN_ACTION_TYPE"
	ErrCodeActionExecution   = "ACTION_EXECUTION_ERROR"
	ErrCodeResource          = "RESOURCE_ERROR"
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeInterpolation     = "INTERPOLATION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeCancelled         = "CANCELLED"
)

// Error is the structured error type shared by the engine, actions and resources.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Step    string         `json:"step,omitempty"`
	Cause   error          `json:"-"`
}

func (e *Error) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.Step, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf creates a new Error with a formatted message.
func NewErrorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches the name of the failing step.
func (e *Error) WithStep(step string) *Error {
	e.Step = step
	return e
}

// WithCause attaches an underlying cause.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// IsConfiguration reports whether the error is a configuration problem.
// Configuration errors are fatal and never retried.
func (e *Error) IsConfiguration() bool {
	switch e.Code {
	case ErrCodeConfiguration, ErrCodeUnknownActionType, ErrCodeInterpolation:
		return true
	}
	return false
}

// IsRetryable reports whether an operation failing with this error may be retried.
func (e *Error) IsRetryable() bool {
	switch e.Code {
	case ErrCodeResource, ErrCodeTimeout, ErrCodeStore:
		return true
	}
	return false
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsConfigurationError reports whether err carries a configuration code.
func IsConfigurationError(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.IsConfiguration()
	}
	return false
}
