package models

import (
	"errors"
	"fmt"
)

// Shape-violation errors. These indicate malformed persisted data and are
// surfaced as real errors, never as result values.
var (
	// ErrFlowRunInvalid indicates a flow run document that cannot be parsed.
	ErrFlowRunInvalid = errors.New("flow run invalid")

	// ErrStepInvalid indicates a step object missing required fields.
	ErrStepInvalid = errors.New("step invalid")

	// ErrInvalidStepInputs indicates report-step inputs that are missing or malformed.
	ErrInvalidStepInputs = errors.New("invalid step inputs")

	// ErrProfileInvalid indicates an LLM profile that violates the report contract.
	ErrProfileInvalid = errors.New("llm profile invalid")

	// ErrPromptInvalid indicates a prompt document that fails shape validation.
	ErrPromptInvalid = errors.New("prompt invalid")

	// ErrSchemaInvalid indicates a schema document that fails shape validation.
	ErrSchemaInvalid = errors.New("schema invalid")
)

// ErrorCode is the closed set of step failure codes persisted on the run
// document and emitted in completion records.
type ErrorCode string

const (
	CodeFlowRunNotFound         ErrorCode = "FLOW_RUN_NOT_FOUND"
	CodeFlowRunInvalid          ErrorCode = "FLOW_RUN_INVALID"
	CodeFirestoreClaimFailed    ErrorCode = "FIRESTORE_CLAIM_FAILED"
	CodeFirestoreFinalizeFailed ErrorCode = "FIRESTORE_FINALIZE_FAILED"
	CodeFirestoreUnavailable    ErrorCode = "FIRESTORE_UNAVAILABLE"
	CodeGCSWriteFailed          ErrorCode = "GCS_WRITE_FAILED"
	CodePromptNotFound          ErrorCode = "PROMPT_NOT_FOUND"
	CodeProfileInvalid          ErrorCode = "LLM_PROFILE_INVALID"
	CodeGeminiRequestFailed     ErrorCode = "GEMINI_REQUEST_FAILED"
	CodeRateLimited             ErrorCode = "RATE_LIMITED"
	CodeSafetyBlock             ErrorCode = "LLM_SAFETY_BLOCK"
	CodeInvalidStructuredOutput ErrorCode = "INVALID_STRUCTURED_OUTPUT"
	CodeInvalidStepInputs       ErrorCode = "INVALID_STEP_INPUTS"
	CodeStepClaimConflict       ErrorCode = "STEP_CLAIM_CONFLICT"
	CodeStepFinalizeConflict    ErrorCode = "STEP_FINALIZE_CONFLICT"
	CodeTimeBudgetExceeded      ErrorCode = "TIME_BUDGET_EXCEEDED"
	CodeNoReadyStep             ErrorCode = "NO_READY_STEP"
	CodeDependencyNotSucceeded  ErrorCode = "DEPENDENCY_NOT_SUCCEEDED"
)

// Retryable reports whether a subsequent retrigger may reasonably re-attempt
// a step that failed with this code.
func (c ErrorCode) Retryable() bool {
	switch c {
	case CodeFirestoreUnavailable, CodeGCSWriteFailed, CodeGeminiRequestFailed, CodeRateLimited:
		return true
	default:
		return false
	}
}

// StepError is the structured error payload written to a FAILED step.
type StepError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func NewStepError(code ErrorCode, message string) *StepError {
	return &StepError{Code: code, Message: message}
}

// ToMap renders the error in the document wire shape.
func (e *StepError) ToMap() map[string]any {
	payload := map[string]any{
		"code":    string(e.Code),
		"message": e.Message,
	}
	if e.Details != nil {
		payload["details"] = e.Details
	}
	return payload
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func invalidRun(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrFlowRunInvalid, fmt.Sprintf(format, args...))
}

func invalidStep(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrStepInvalid, fmt.Sprintf(format, args...))
}

func invalidInputs(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidStepInputs, fmt.Sprintf(format, args...))
}

func invalidProfile(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProfileInvalid, fmt.Sprintf(format, args...))
}
