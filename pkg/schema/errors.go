package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeStepNotFound      = "STEP_NOT_FOUND"
	ErrCodeStepFailed        = "STEP_FAILED"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeActionNotFound    = "ACTION_NOT_FOUND"
	ErrCodeStepMismatch      = "STEP_MISMATCH"
	ErrCodeSchemaViolation   = "SCHEMA_VIOLATION"
	ErrCodeStore             = "STORE_ERROR"
)

// WorkflowError is the structured error type for every engine operation. A
// failed instance records one as its terminal error.
type WorkflowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"stepId,omitempty"`
	Cause   error          `json:"-"`
}

func (e *WorkflowError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *WorkflowError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a *WorkflowError with the same code, so
// errors.Is(err, schema.NewError(schema.ErrCodeNotFound, "")) works.
func (e *WorkflowError) Is(target error) bool {
	t, ok := target.(*WorkflowError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewError creates a new WorkflowError.
func NewError(code, message string) *WorkflowError {
	return &WorkflowError{Code: code, Message: message}
}

// NewErrorf creates a new WorkflowError with a formatted message.
func NewErrorf(code, format string, args ...any) *WorkflowError {
	return &WorkflowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *WorkflowError) WithStep(stepID string) *WorkflowError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *WorkflowError) WithCause(err error) *WorkflowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *WorkflowError) WithDetails(details map[string]any) *WorkflowError {
	e.Details = details
	return e
}

// Clone returns a copy safe to hand to callers.
func (e *WorkflowError) Clone() *WorkflowError {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Details = DeepCopyMap(e.Details)
	return &cp
}

// CodeOf returns the code of the first *WorkflowError in err's chain, or "".
func CodeOf(err error) string {
	var wfErr *WorkflowError
	if errors.As(err, &wfErr) {
		return wfErr.Code
	}
	return ""
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}
