package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeConfiguration     = "CONFIGURATION_ERROR"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeExpression        = "EXPRESSION_ERROR"
	ErrCodeTemplate          = "TEMPLATE_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeProvider          = "PROVIDER_ERROR"
	ErrCodeRateLimited       = "RATE_LIMITED"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeApprovalTimeout   = "APPROVAL_TIMEOUT"
	ErrCodeCache             = "CACHE_ERROR"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
)

// retryableCodes are the codes whose failures are worth another attempt.
var retryableCodes = map[string]bool{
	ErrCodeExecution:   true,
	ErrCodeProvider:    true,
	ErrCodeRateLimited: true,
	ErrCodeTimeout:     true,
}

// PipelineError is the structured error type for all pipeline operations.
type PipelineError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	AssetID string         `json:"asset_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *PipelineError) Error() string {
	switch {
	case e.StepID != "" && e.AssetID != "":
		return fmt.Sprintf("[%s] step %s (asset %s): %s", e.Code, e.StepID, e.AssetID, e.Message)
	case e.StepID != "":
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	default:
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
}

func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the error code belongs to the transient set.
func (e *PipelineError) IsRetryable() bool {
	return retryableCodes[e.Code]
}

// NewError creates a new PipelineError.
func NewError(code, message string) *PipelineError {
	return &PipelineError{Code: code, Message: message}
}

// NewErrorf creates a new PipelineError with a formatted message.
func NewErrorf(code, format string, args ...any) *PipelineError {
	return &PipelineError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *PipelineError) WithStep(stepID string) *PipelineError {
	e.StepID = stepID
	return e
}

// WithAsset attaches an asset ID to the error.
func (e *PipelineError) WithAsset(assetID string) *PipelineError {
	e.AssetID = assetID
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

// CodeOf returns the code of the first PipelineError in err's chain, or "".
func CodeOf(err error) string {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code string) bool {
	return CodeOf(err) == code
}
