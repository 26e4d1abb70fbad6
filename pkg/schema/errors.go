package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeConfigValidation  = "CONFIG_VALIDATION_ERROR"
	ErrCodeHandlerNotFound   = "HANDLER_NOT_FOUND"
	ErrCodeEvaluation        = "EVALUATION_ERROR"
	ErrCodeTransientNetwork  = "TRANSIENT_NETWORK_ERROR"
	ErrCodeHTTPStatus        = "HTTP_STATUS_ERROR"
	ErrCodeDelivery          = "DELIVERY_ERROR"
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeHookFailed        = "HOOK_FAILED"
)

// FlowError is the structured error type shared by the engine, the handlers
// and the caller-side packages. It is serialized verbatim into step and
// execution results.
type FlowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"stepId,omitempty"`
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

// IsRetryable reports whether the failure is worth another attempt.
// Only transient network failures qualify; everything else is deterministic.
func (e *FlowError) IsRetryable() bool {
	return e.Code == ErrCodeTransientNetwork
}
