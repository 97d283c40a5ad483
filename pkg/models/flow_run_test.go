package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRunDoc() map[string]any {
	return map[string]any{
		"runId":  "run-1",
		"status": "RUNNING",
		"scope":  map[string]any{"symbol": "BTCUSDT"},
		"steps": map[string]any{
			"report_4h": map[string]any{
				"stepType":  StepTypeReport,
				"status":    "READY",
				"timeframe": "4h",
				"dependsOn": []any{"ohlcv_4h"},
			},
			"ohlcv_4h": map[string]any{
				"stepType": StepTypeOHLCVExport,
				"status":   "SUCCEEDED",
				"outputs":  map[string]any{"gcs_uri": "gs://artifacts/run-1/4h/ohlcv_4h.json"},
			},
		},
	}
}

func TestParseFlowRun_Valid(t *testing.T) {
	run, err := ParseFlowRun(validRunDoc(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", run.ID)
	assert.Equal(t, RunRunning, run.Status)
	assert.False(t, run.IsTerminal())

	symbol, ok := run.Symbol()
	require.True(t, ok)
	assert.Equal(t, "BTCUSDT", symbol)
}

func TestParseFlowRun_UnknownStatus(t *testing.T) {
	doc := validRunDoc()
	doc["status"] = "PAUSED"

	_, err := ParseFlowRun(doc, "run-1")
	require.ErrorIs(t, err, ErrFlowRunInvalid)
}

func TestParseFlowRun_UnsafeStepID(t *testing.T) {
	doc := validRunDoc()
	doc["steps"].(map[string]any)["bad.step"] = map[string]any{
		"stepType": StepTypeReport,
		"status":   "READY",
	}

	_, err := ParseFlowRun(doc, "run-1")
	require.ErrorIs(t, err, ErrFlowRunInvalid)
}

func TestParseFlowRun_RunIDMismatch(t *testing.T) {
	_, err := ParseFlowRun(validRunDoc(), "other-run")
	require.ErrorIs(t, err, ErrFlowRunInvalid)
}

func TestFlowRun_IsTerminal(t *testing.T) {
	for status, terminal := range map[string]bool{
		"PENDING":   false,
		"RUNNING":   false,
		"SUCCEEDED": true,
		"FAILED":    true,
		"CANCELLED": true,
	} {
		doc := validRunDoc()
		doc["status"] = status

		run, err := ParseFlowRun(doc, "run-1")
		require.NoError(t, err)
		assert.Equal(t, terminal, run.IsTerminal(), "status %s", status)
	}
}

func TestFlowRun_StepsSorted_LexicographicAndSkipsMalformed(t *testing.T) {
	doc := validRunDoc()
	steps := doc["steps"].(map[string]any)
	steps["a_first"] = map[string]any{"stepType": StepTypeReport, "status": "PENDING"}
	steps["z_last"] = map[string]any{"stepType": StepTypeReport, "status": "PENDING"}
	steps["malformed"] = map[string]any{"status": "READY"} // no stepType

	run, err := ParseFlowRun(doc, "run-1")
	require.NoError(t, err)

	ids := make([]string, 0)
	for _, step := range run.StepsSorted() {
		ids = append(ids, step.ID)
	}
	assert.Equal(t, []string{"a_first", "ohlcv_4h", "report_4h", "z_last"}, ids)
}

func TestFlowRun_Step_MalformedReturnsNil(t *testing.T) {
	doc := validRunDoc()
	doc["steps"].(map[string]any)["malformed"] = map[string]any{"status": "READY"}

	run, err := ParseFlowRun(doc, "run-1")
	require.NoError(t, err)
	assert.Nil(t, run.Step("malformed"))
	assert.Nil(t, run.Step("missing"))
	assert.NotNil(t, run.Step("report_4h"))
}

func TestFlowRun_StepStatus_ReadsRawStatus(t *testing.T) {
	doc := validRunDoc()
	doc["steps"].(map[string]any)["malformed"] = map[string]any{"status": "RUNNING"}

	run, err := ParseFlowRun(doc, "run-1")
	require.NoError(t, err)

	status, ok := run.StepStatus("malformed")
	require.True(t, ok)
	assert.Equal(t, StepRunning, status)

	_, ok = run.StepStatus("missing")
	assert.False(t, ok)
}

func TestParseFlowStep_DependsOnValidation(t *testing.T) {
	_, err := ParseFlowStep("s1", map[string]any{
		"stepType":  StepTypeReport,
		"status":    "READY",
		"dependsOn": []any{""},
	})
	require.ErrorIs(t, err, ErrStepInvalid)

	_, err = ParseFlowStep("s1", map[string]any{
		"stepType":  StepTypeReport,
		"status":    "READY",
		"dependsOn": "not-an-array",
	})
	require.ErrorIs(t, err, ErrStepInvalid)

	step, err := ParseFlowStep("s1", map[string]any{
		"stepType":  StepTypeReport,
		"status":    "READY",
		"dependsOn": []any{" a ", "b"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, step.DependsOn)
}

func TestFlowStep_Accessors(t *testing.T) {
	step, err := ParseFlowStep("report_4h", map[string]any{
		"stepType":  StepTypeReport,
		"status":    "READY",
		"timeframe": "4h",
		"inputs":    map[string]any{"k": "v"},
		"outputs":   map[string]any{"gcs_uri": "gs://b/p.json"},
	})
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"k": "v"}, step.Inputs())

	uri, ok := step.OutputURI()
	require.True(t, ok)
	assert.Equal(t, "gs://b/p.json", uri)

	tf, ok := step.Timeframe()
	require.True(t, ok)
	assert.Equal(t, "4h", tf)
}
