package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeConfiguration     = "CONFIGURATION_ERROR"
	ErrCodeProcess           = "PROCESS_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeUnknownStep       = "UNKNOWN_STEP"
	ErrCodePersistence       = "PERSISTENCE_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeIsolation         = "ISOLATION_ERROR"
)

// PipelineError is the structured error type for all pipeline operations.
type PipelineError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Step    string         `json:"step,omitempty"`
	Cause   error          `json:"-"`
}

func (e *PipelineError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.Step, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// NewError creates a new PipelineError.
func NewError(code, message string) *PipelineError {
	return &PipelineError{Code: code, Message: message}
}

// NewErrorf creates a new PipelineError with a formatted message.
func NewErrorf(code, format string, args ...any) *PipelineError {
	return &PipelineError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step name to the error.
func (e *PipelineError) WithStep(name string) *PipelineError {
	e.Step = name
	return e
}

// WithCause attaches an underlying cause.
func (e *PipelineError) WithCause(err error) *PipelineError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *PipelineError) WithDetails(details map[string]any) *PipelineError {
	e.Details = details
	return e
}

// IsRetryable reports whether a command retry policy may re-run after this error.
// Only process failures (nonzero exit or spawn error) qualify.
func (e *PipelineError) IsRetryable() bool {
	return e.Code == ErrCodeProcess
}

// HasCode reports whether err, or any error it wraps, is a PipelineError with code.
func HasCode(err error, code string) bool {
	var pErr *PipelineError
	for err != nil {
		if !errors.As(err, &pErr) {
			return false
		}
		if pErr.Code == code {
			return true
		}
		err = pErr.Cause
	}
	return false
}

// CodeOf returns the code of the outermost PipelineError in err's chain, or "".
func CodeOf(err error) string {
	var pErr *PipelineError
	if errors.As(err, &pErr) {
		return pErr.Code
	}
	return ""
}
