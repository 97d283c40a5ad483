package models

import "strings"

// Step types handled by this worker. Export steps produce plain artifacts
// upstream; only report steps are runnable here.
const (
	StepTypeReport      = "LLM_REPORT"
	StepTypeOHLCVExport = "OHLCV_EXPORT"
	StepTypeChartExport = "CHART_EXPORT"
)

// ReportStep wraps a FlowStep whose type is the report-generating type.
type ReportStep struct {
	*FlowStep
}

// AsReportStep returns the report view of a step, or ErrStepInvalid when the
// step is of a different type.
func AsReportStep(step *FlowStep) (*ReportStep, error) {
	if step.Type != StepTypeReport {
		return nil, invalidStep("step %s: stepType must be %s", step.ID, StepTypeReport)
	}
	return &ReportStep{FlowStep: step}, nil
}

// ReportInputs are the declared inputs of a report step with every upstream
// reference resolved against the run snapshot. Resolution is pure: it only
// inspects already-loaded data and never performs I/O.
type ReportInputs struct {
	PromptID string
	Profile  *LLMProfile

	OHLCVStepID           string
	ChartsManifestStepID  string
	PreviousReportStepIDs []string

	OHLCVURI           string
	ChartsManifestURI  string
	PreviousReportURIs []string
}

// ParseReportInputs validates the inputs object of a report step and resolves
// each referenced upstream step to its output artifact location. Profile
// violations return ErrProfileInvalid; every other failure returns
// ErrInvalidStepInputs.
func (s *ReportStep) ParseReportInputs(run *FlowRun) (*ReportInputs, error) {
	inputs := s.Inputs()
	llm, ok := inputs["llm"].(map[string]any)
	if !ok {
		return nil, invalidInputs("inputs.llm must be an object")
	}
	promptID, ok := llm["promptId"].(string)
	if !ok || strings.TrimSpace(promptID) == "" {
		return nil, invalidInputs("inputs.llm.promptId is required")
	}
	rawProfile, ok := llm["llmProfile"].(map[string]any)
	if !ok {
		return nil, invalidProfile("inputs.llm.llmProfile is required")
	}
	profile, err := ParseLLMProfile(rawProfile)
	if err != nil {
		return nil, err
	}
	if err := profile.ValidateForReport(); err != nil {
		return nil, err
	}

	ohlcvStepID, err := requireInputString(inputs, "ohlcvStepId")
	if err != nil {
		return nil, err
	}
	chartsStepID, err := requireInputString(inputs, "chartsManifestStepId")
	if err != nil {
		return nil, err
	}
	previousStepIDs, err := optionalStepIDs(inputs["previousReportStepIds"])
	if err != nil {
		return nil, err
	}

	ohlcvURI, err := resolveOutputURI(run, ohlcvStepID, false)
	if err != nil {
		return nil, err
	}
	chartsURI, err := resolveOutputURI(run, chartsStepID, false)
	if err != nil {
		return nil, err
	}
	previousURIs := make([]string, 0, len(previousStepIDs))
	for _, stepID := range previousStepIDs {
		uri, err := resolveOutputURI(run, stepID, true)
		if err != nil {
			return nil, err
		}
		previousURIs = append(previousURIs, uri)
	}

	return &ReportInputs{
		PromptID:              strings.TrimSpace(promptID),
		Profile:               profile,
		OHLCVStepID:           ohlcvStepID,
		ChartsManifestStepID:  chartsStepID,
		PreviousReportStepIDs: previousStepIDs,
		OHLCVURI:              ohlcvURI,
		ChartsManifestURI:     chartsURI,
		PreviousReportURIs:    previousURIs,
	}, nil
}

func requireInputString(inputs map[string]any, key string) (string, error) {
	value, ok := inputs[key].(string)
	if !ok || strings.TrimSpace(value) == "" {
		return "", invalidInputs("inputs.%s is required", key)
	}
	return strings.TrimSpace(value), nil
}

func optionalStepIDs(raw any) ([]string, error) {
	if raw == nil {
		return nil, nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, invalidInputs("inputs.previousReportStepIds must be an array")
	}
	ids := make([]string, 0, len(items))
	for _, item := range items {
		id, ok := item.(string)
		if !ok || strings.TrimSpace(id) == "" {
			return nil, invalidInputs("inputs.previousReportStepIds must contain non-empty strings")
		}
		ids = append(ids, strings.TrimSpace(id))
	}
	return ids, nil
}

func resolveOutputURI(run *FlowRun, stepID string, requireReport bool) (string, error) {
	step := run.Step(stepID)
	if step == nil {
		return "", invalidInputs("referenced step not found: %s", stepID)
	}
	if requireReport && step.Type != StepTypeReport {
		return "", invalidInputs("referenced step is not %s: %s", StepTypeReport, stepID)
	}
	uri, ok := step.OutputURI()
	if !ok {
		return "", invalidInputs("referenced step missing outputs.gcs_uri: %s", stepID)
	}
	return uri, nil
}
