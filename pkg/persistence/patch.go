package persistence

import (
	"fmt"
	"strings"

	"github.com/tickerlab/stepflow/pkg/models"
)

// BuildStepPatch prefixes every update key with the step's document path.
// Values pass through unchanged, including nil deletion markers.
func BuildStepPatch(stepID string, updates map[string]any) (map[string]any, error) {
	if !models.IsStepIDSafe(stepID) {
		return nil, fmt.Errorf("%w: stepId %q must be non-empty and contain neither '.' nor '/'",
			models.ErrFlowRunInvalid, stepID)
	}
	patch := make(map[string]any, len(updates))
	for key, value := range updates {
		patch[fmt.Sprintf("steps.%s.%s", stepID, key)] = value
	}
	return patch, nil
}

// BuildClaimPatch produces the READY→RUNNING transition: the new status, the
// start timestamp, and deletion of any stale terminal fields left over from a
// previous attempt on the same step.
func BuildClaimPatch(stepID, startedAt string) (map[string]any, error) {
	if strings.TrimSpace(startedAt) == "" {
		return nil, fmt.Errorf("startedAt must be a non-empty RFC 3339 timestamp")
	}
	return BuildStepPatch(stepID, map[string]any{
		"status":                             string(models.StepRunning),
		"outputs.execution.timing.startedAt": startedAt,
		"finishedAt":                         nil,
		"error":                              nil,
	})
}

// FinalizeFields are the optional payloads of a finalize patch.
type FinalizeFields struct {
	OutputURI string
	Execution map[string]any
	Error     *models.StepError
}

// BuildFinalizePatch produces the terminal transition patch for a step.
// Status must be one of the two terminal step statuses.
func BuildFinalizePatch(stepID string, status models.StepStatus, finishedAt string, fields FinalizeFields) (map[string]any, error) {
	if status != models.StepSucceeded && status != models.StepFailed {
		return nil, fmt.Errorf("finalize status must be SUCCEEDED or FAILED, got %q", status)
	}
	if strings.TrimSpace(finishedAt) == "" {
		return nil, fmt.Errorf("finishedAt must be a non-empty RFC 3339 timestamp")
	}
	updates := map[string]any{
		"status":     string(status),
		"finishedAt": finishedAt,
	}
	if fields.OutputURI != "" {
		updates["outputs.gcs_uri"] = fields.OutputURI
	}
	if fields.Execution != nil {
		updates["outputs.execution"] = fields.Execution
	}
	if fields.Error != nil {
		updates["error"] = fields.Error.ToMap()
	}
	return BuildStepPatch(stepID, updates)
}
