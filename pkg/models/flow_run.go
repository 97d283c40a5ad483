// Package models defines the typed views over workflow run documents that the
// step execution engine operates on. Documents arrive as untyped maps from the
// document store; everything here is strict parse-time validation producing
// immutable values, so shape violations surface immediately instead of as
// missing-field panics deep in the orchestrator.
package models

import (
	"sort"
	"strings"
)

// RunStatus represents the lifecycle state of a workflow run.
type RunStatus string

const (
	RunPending   RunStatus = "PENDING"
	RunRunning   RunStatus = "RUNNING"
	RunSucceeded RunStatus = "SUCCEEDED"
	RunFailed    RunStatus = "FAILED"
	RunCancelled RunStatus = "CANCELLED"
)

// StepStatus represents the lifecycle state of a single step.
type StepStatus string

const (
	StepPending   StepStatus = "PENDING"
	StepReady     StepStatus = "READY"
	StepRunning   StepStatus = "RUNNING"
	StepSucceeded StepStatus = "SUCCEEDED"
	StepFailed    StepStatus = "FAILED"
)

// DependencyMissing is reported as the status of a dependency that is
// referenced by dependsOn but absent from the run (or fails shape validation).
const DependencyMissing = "MISSING"

var runStatuses = map[RunStatus]struct{}{
	RunPending: {}, RunRunning: {}, RunSucceeded: {}, RunFailed: {}, RunCancelled: {},
}

// IsStepIDSafe reports whether a step id can be used as a segment of a
// structured patch path. '.' and '/' are both path separators downstream.
func IsStepIDSafe(stepID string) bool {
	if strings.TrimSpace(stepID) == "" {
		return false
	}
	return !strings.ContainsAny(stepID, "./")
}

// FlowStep is a typed view over one step object inside a run document.
type FlowStep struct {
	ID        string
	Type      string
	Status    StepStatus
	DependsOn []string

	raw map[string]any
}

// ParseFlowStep validates a raw step object. Returns ErrStepInvalid on any
// shape violation.
func ParseFlowStep(stepID string, raw any) (*FlowStep, error) {
	if !IsStepIDSafe(stepID) {
		return nil, invalidStep("stepId %q must be non-empty and contain neither '.' nor '/'", stepID)
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, invalidStep("step %s must be an object", stepID)
	}
	stepType, ok := obj["stepType"].(string)
	if !ok || strings.TrimSpace(stepType) == "" {
		return nil, invalidStep("step %s: stepType is required", stepID)
	}
	status, ok := obj["status"].(string)
	if !ok || strings.TrimSpace(status) == "" {
		return nil, invalidStep("step %s: status is required", stepID)
	}
	dependsOn, err := parseDependsOn(stepID, obj["dependsOn"])
	if err != nil {
		return nil, err
	}
	return &FlowStep{
		ID:        stepID,
		Type:      stepType,
		Status:    StepStatus(status),
		DependsOn: dependsOn,
		raw:       obj,
	}, nil
}

func parseDependsOn(stepID string, raw any) ([]string, error) {
	if raw == nil {
		return nil, nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, invalidStep("step %s: dependsOn must be an array of strings", stepID)
	}
	deps := make([]string, 0, len(items))
	for _, item := range items {
		dep, ok := item.(string)
		if !ok || strings.TrimSpace(dep) == "" {
			return nil, invalidStep("step %s: dependsOn must contain non-empty strings", stepID)
		}
		deps = append(deps, strings.TrimSpace(dep))
	}
	return deps, nil
}

// Inputs returns the step's free-form inputs object, or an empty map when absent.
func (s *FlowStep) Inputs() map[string]any {
	if inputs, ok := s.raw["inputs"].(map[string]any); ok {
		return inputs
	}
	return map[string]any{}
}

// Outputs returns the step's free-form outputs object, or an empty map when absent.
func (s *FlowStep) Outputs() map[string]any {
	if outputs, ok := s.raw["outputs"].(map[string]any); ok {
		return outputs
	}
	return map[string]any{}
}

// OutputURI returns outputs.gcs_uri when present and non-blank.
func (s *FlowStep) OutputURI() (string, bool) {
	uri, ok := s.Outputs()["gcs_uri"].(string)
	if !ok || strings.TrimSpace(uri) == "" {
		return "", false
	}
	return strings.TrimSpace(uri), true
}

// Timeframe returns the step-level timeframe field when present.
func (s *FlowStep) Timeframe() (string, bool) {
	tf, ok := s.raw["timeframe"].(string)
	if !ok || strings.TrimSpace(tf) == "" {
		return "", false
	}
	return strings.TrimSpace(tf), true
}

func (s *FlowStep) IsReady() bool     { return s.Status == StepReady }
func (s *FlowStep) IsSucceeded() bool { return s.Status == StepSucceeded }

// FlowRun is an immutable typed view over one workflow run document. It is
// read fresh from the store on every invocation and never held across them.
type FlowRun struct {
	ID     string
	Status RunStatus

	steps map[string]any
	raw   map[string]any
}

// ParseFlowRun validates the document-level shape: a known run status, a steps
// object, safe step ids, and a runId consistent with the document id. Steps
// themselves are validated lazily so that one malformed step does not poison
// the whole run.
func ParseFlowRun(raw map[string]any, runID string) (*FlowRun, error) {
	if raw == nil {
		return nil, invalidRun("flow run must be an object")
	}
	status, ok := raw["status"].(string)
	if !ok {
		return nil, invalidRun("status must be a string")
	}
	if _, known := runStatuses[RunStatus(status)]; !known {
		return nil, invalidRun("status %q is not a valid run status", status)
	}
	steps, ok := raw["steps"].(map[string]any)
	if !ok {
		return nil, invalidRun("steps must be an object")
	}
	for stepID := range steps {
		if !IsStepIDSafe(stepID) {
			return nil, invalidRun("stepId %q must be non-empty and contain neither '.' nor '/'", stepID)
		}
	}
	if docRunID, present := raw["runId"]; present {
		id, ok := docRunID.(string)
		if !ok || strings.TrimSpace(id) == "" {
			return nil, invalidRun("runId must be a non-empty string")
		}
		if runID != "" && id != runID {
			return nil, invalidRun("runId mismatch between document id and payload")
		}
		runID = id
	}
	return &FlowRun{
		ID:     runID,
		Status: RunStatus(status),
		steps:  steps,
		raw:    raw,
	}, nil
}

// Step returns the typed step for stepID, or nil when the step is absent or
// fails shape validation. Existence checks that must distinguish malformed
// from missing should use StepStatus instead.
func (r *FlowRun) Step(stepID string) *FlowStep {
	raw, ok := r.steps[stepID]
	if !ok {
		return nil
	}
	step, err := ParseFlowStep(stepID, raw)
	if err != nil {
		return nil
	}
	return step
}

// StepStatus reads the raw status string of a step without full shape
// validation. Used by the claim/finalize protocol, which must observe the
// current status even on steps that would not pass ParseFlowStep.
func (r *FlowRun) StepStatus(stepID string) (StepStatus, bool) {
	raw, ok := r.steps[stepID].(map[string]any)
	if !ok {
		return "", false
	}
	status, ok := raw["status"].(string)
	if !ok {
		return "", false
	}
	return StepStatus(status), true
}

// StepsSorted returns all shape-valid steps in lexicographic stepId order.
// The ordering is load-bearing: the scheduler's determinism and any externally
// visible step listing depend on it.
func (r *FlowRun) StepsSorted() []*FlowStep {
	ids := make([]string, 0, len(r.steps))
	for id := range r.steps {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	steps := make([]*FlowStep, 0, len(ids))
	for _, id := range ids {
		step, err := ParseFlowStep(id, r.steps[id])
		if err != nil {
			continue
		}
		steps = append(steps, step)
	}
	return steps
}

// IsTerminal reports whether the run as a whole has finished.
func (r *FlowRun) IsTerminal() bool {
	switch r.Status {
	case RunSucceeded, RunFailed, RunCancelled:
		return true
	default:
		return false
	}
}

// Symbol returns the run-level scope.symbol field when present.
func (r *FlowRun) Symbol() (string, bool) {
	scope, ok := r.raw["scope"].(map[string]any)
	if !ok {
		return "", false
	}
	symbol, ok := scope["symbol"].(string)
	if !ok || strings.TrimSpace(symbol) == "" {
		return "", false
	}
	return strings.TrimSpace(symbol), true
}
