package persistence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tickerlab/stepflow/pkg/models"
)

func TestBuildStepPatch_PrefixesKeys(t *testing.T) {
	patch, err := BuildStepPatch("report_4h", map[string]any{
		"status":  "RUNNING",
		"attempt": 2,
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"steps.report_4h.status":  "RUNNING",
		"steps.report_4h.attempt": 2,
	}, patch)
}

func TestBuildStepPatch_RejectsUnsafeStepID(t *testing.T) {
	for _, stepID := range []string{"", "  ", "a.b", "a/b"} {
		_, err := BuildStepPatch(stepID, map[string]any{"status": "RUNNING"})
		require.ErrorIs(t, err, models.ErrFlowRunInvalid, stepID)
	}
}

func TestBuildClaimPatch(t *testing.T) {
	patch, err := BuildClaimPatch("report_4h", "2026-08-30T10:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"steps.report_4h.status":                             "RUNNING",
		"steps.report_4h.outputs.execution.timing.startedAt": "2026-08-30T10:00:00Z",
		"steps.report_4h.finishedAt":                         nil,
		"steps.report_4h.error":                              nil,
	}, patch)

	_, err = BuildClaimPatch("report_4h", "  ")
	require.Error(t, err)
}

func TestBuildFinalizePatch_Succeeded(t *testing.T) {
	patch, err := BuildFinalizePatch("report_4h", models.StepSucceeded, "2026-08-30T10:05:00Z", FinalizeFields{
		OutputURI: "gs://artifacts/run-1/4h/report_4h.json",
		Execution: map[string]any{"durationMs": 4200},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"steps.report_4h.status":            "SUCCEEDED",
		"steps.report_4h.finishedAt":        "2026-08-30T10:05:00Z",
		"steps.report_4h.outputs.gcs_uri":   "gs://artifacts/run-1/4h/report_4h.json",
		"steps.report_4h.outputs.execution": map[string]any{"durationMs": 4200},
	}, patch)
}

func TestBuildFinalizePatch_FailedWithError(t *testing.T) {
	stepErr := models.NewStepError(models.CodeRateLimited, "provider rate limit")
	patch, err := BuildFinalizePatch("report_4h", models.StepFailed, "2026-08-30T10:05:00Z", FinalizeFields{
		Error: stepErr,
	})
	require.NoError(t, err)
	assert.Equal(t, "FAILED", patch["steps.report_4h.status"])
	assert.Equal(t, map[string]any{
		"code":    "RATE_LIMITED",
		"message": "provider rate limit",
	}, patch["steps.report_4h.error"])
}

func TestBuildFinalizePatch_RejectsNonTerminalStatus(t *testing.T) {
	_, err := BuildFinalizePatch("report_4h", models.StepRunning, "2026-08-30T10:05:00Z", FinalizeFields{})
	require.Error(t, err)

	_, err = BuildFinalizePatch("report_4h", models.StepSucceeded, "", FinalizeFields{})
	require.Error(t, err)
}
