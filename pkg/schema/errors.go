package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeExecutionNotFound  = "EXECUTION_NOT_FOUND"
	ErrCodeStepNotFound       = "STEP_NOT_FOUND"
	ErrCodeValidation         = "VALIDATION_FAILED"
	ErrCodeConfiguration      = "CONFIGURATION_ERROR"
	ErrCodeExternalService    = "EXTERNAL_SERVICE_FAILURE"
	ErrCodeTimeout            = "TIMEOUT_ERROR"
	ErrCodeInvalidTransition  = "INVALID_TRANSITION"
	ErrCodeStore              = "STORE_ERROR"
	ErrCodeRetryExhausted     = "RETRY_EXHAUSTED"
	ErrCodeAdvisorUnavailable = "ADVISOR_UNAVAILABLE"
)

// FlowError is the structured error type for all procflow operations.
type FlowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FlowError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the recovery queue should re-attempt the
// transition that produced this error. Validation, configuration and
// data-integrity faults are deterministic and never retried.
func (e *FlowError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeValidation, ErrCodeConfiguration, ErrCodeStepNotFound,
		ErrCodeExecutionNotFound, ErrCodeInvalidTransition, ErrCodeRetryExhausted:
		return false
	default:
		return true
	}
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *FlowError) WithStep(stepID string) *FlowError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	e.Details = details
	return e
}

// WithFields attaches the offending field names of a validation failure.
func (e *FlowError) WithFields(fields []string) *FlowError {
	if e.Details == nil {
		e.Details = make(map[string]any, 1)
	}
	e.Details["fields"] = fields
	return e
}
