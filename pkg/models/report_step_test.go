package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reportRunDoc() map[string]any {
	return map[string]any{
		"runId":  "run-1",
		"status": "RUNNING",
		"steps": map[string]any{
			"ohlcv_4h": map[string]any{
				"stepType": StepTypeOHLCVExport,
				"status":   "SUCCEEDED",
				"outputs":  map[string]any{"gcs_uri": "gs://artifacts/run-1/4h/ohlcv_4h.json"},
			},
			"charts_4h": map[string]any{
				"stepType": StepTypeChartExport,
				"status":   "SUCCEEDED",
				"outputs":  map[string]any{"gcs_uri": "gs://artifacts/run-1/4h/charts_4h.json"},
			},
			"report_1h": map[string]any{
				"stepType": StepTypeReport,
				"status":   "SUCCEEDED",
				"outputs":  map[string]any{"gcs_uri": "gs://artifacts/run-1/1h/report_1h.json"},
			},
			"report_4h": map[string]any{
				"stepType":  StepTypeReport,
				"status":    "READY",
				"timeframe": "4h",
				"dependsOn": []any{"ohlcv_4h", "charts_4h", "report_1h"},
				"inputs": map[string]any{
					"llm": map[string]any{
						"promptId":   "llm_prompt_4h_report_v1_0",
						"llmProfile": validProfileDoc(),
					},
					"ohlcvStepId":           "ohlcv_4h",
					"chartsManifestStepId":  "charts_4h",
					"previousReportStepIds": []any{"report_1h"},
				},
			},
		},
	}
}

func reportStep(t *testing.T, doc map[string]any) (*FlowRun, *ReportStep) {
	t.Helper()
	run, err := ParseFlowRun(doc, "run-1")
	require.NoError(t, err)
	step := run.Step("report_4h")
	require.NotNil(t, step)
	report, err := AsReportStep(step)
	require.NoError(t, err)
	return run, report
}

func TestAsReportStep_WrongType(t *testing.T) {
	run, err := ParseFlowRun(reportRunDoc(), "run-1")
	require.NoError(t, err)

	_, err = AsReportStep(run.Step("ohlcv_4h"))
	require.ErrorIs(t, err, ErrStepInvalid)
}

func TestParseReportInputs_ResolvesUpstreamURIs(t *testing.T) {
	run, report := reportStep(t, reportRunDoc())

	inputs, err := report.ParseReportInputs(run)
	require.NoError(t, err)

	assert.Equal(t, "llm_prompt_4h_report_v1_0", inputs.PromptID)
	assert.Equal(t, "gemini-2.5-pro", inputs.Profile.ModelName)
	assert.Equal(t, "gs://artifacts/run-1/4h/ohlcv_4h.json", inputs.OHLCVURI)
	assert.Equal(t, "gs://artifacts/run-1/4h/charts_4h.json", inputs.ChartsManifestURI)
	assert.Equal(t, []string{"gs://artifacts/run-1/1h/report_1h.json"}, inputs.PreviousReportURIs)
}

func TestParseReportInputs_MissingLLMBlock(t *testing.T) {
	doc := reportRunDoc()
	step := doc["steps"].(map[string]any)["report_4h"].(map[string]any)
	delete(step["inputs"].(map[string]any), "llm")

	run, report := reportStep(t, doc)
	_, err := report.ParseReportInputs(run)
	require.ErrorIs(t, err, ErrInvalidStepInputs)
}

func TestParseReportInputs_ProfileViolation(t *testing.T) {
	doc := reportRunDoc()
	step := doc["steps"].(map[string]any)["report_4h"].(map[string]any)
	llm := step["inputs"].(map[string]any)["llm"].(map[string]any)
	llm["llmProfile"].(map[string]any)["responseMimeType"] = "text/plain"

	run, report := reportStep(t, doc)
	_, err := report.ParseReportInputs(run)
	require.ErrorIs(t, err, ErrProfileInvalid)
}

func TestParseReportInputs_UnknownUpstreamStep(t *testing.T) {
	doc := reportRunDoc()
	step := doc["steps"].(map[string]any)["report_4h"].(map[string]any)
	step["inputs"].(map[string]any)["ohlcvStepId"] = "ohlcv_1w"

	run, report := reportStep(t, doc)
	_, err := report.ParseReportInputs(run)
	require.ErrorIs(t, err, ErrInvalidStepInputs)
}

func TestParseReportInputs_UpstreamMissingOutput(t *testing.T) {
	doc := reportRunDoc()
	ohlcv := doc["steps"].(map[string]any)["ohlcv_4h"].(map[string]any)
	delete(ohlcv, "outputs")

	run, report := reportStep(t, doc)
	_, err := report.ParseReportInputs(run)
	require.ErrorIs(t, err, ErrInvalidStepInputs)
}

func TestParseReportInputs_PreviousReportMustBeReportStep(t *testing.T) {
	doc := reportRunDoc()
	step := doc["steps"].(map[string]any)["report_4h"].(map[string]any)
	step["inputs"].(map[string]any)["previousReportStepIds"] = []any{"ohlcv_4h"}

	run, report := reportStep(t, doc)
	_, err := report.ParseReportInputs(run)
	require.ErrorIs(t, err, ErrInvalidStepInputs)
}
