// Package scheduler selects the next runnable report step from a run
// snapshot. Selection is a pure function of the snapshot: given the same run
// document every worker picks the same step, so concurrent workers race on
// the claim rather than on the choice.
package scheduler

import (
	"github.com/tickerlab/stepflow/pkg/models"
)

// Selection reasons when no step is picked.
const (
	ReasonNoReadyStep            = "no_ready_step"
	ReasonDependencyNotSucceeded = "dependency_not_succeeded"
)

// BlockedDependency names one unmet dependency of a blocked step, with the
// status that made it unmet. A dependency that does not exist in the run is
// reported with status MISSING.
type BlockedDependency struct {
	StepID string `json:"stepId"`
	Status string `json:"status"`
}

// BlockedStep is a ready report step that could not be picked because at
// least one dependency has not succeeded.
type BlockedStep struct {
	StepID string              `json:"stepId"`
	Unmet  []BlockedDependency `json:"unmet"`
}

// Pick is the outcome of one selection pass. Exactly one of Step or Reason is
// meaningful: when Step is nil, Reason says why. The Blocked list carries
// every candidate visited before the decision that was held back by an unmet
// dependency, whether or not a later step was picked.
type Pick struct {
	Step    *models.ReportStep
	Reason  string
	Blocked []BlockedStep
}

// ReadyStepSelector picks the first satisfiable ready report step in
// lexicographic stepId order.
type ReadyStepSelector struct{}

func NewReadyStepSelector() *ReadyStepSelector {
	return &ReadyStepSelector{}
}

// Pick scans the run snapshot for the next runnable step. Runs that are not
// RUNNING never yield a step. Candidates are READY steps of the report type,
// visited in lexicographic order; the first one whose dependencies have all
// SUCCEEDED wins. Malformed steps are excluded as candidates and count as
// MISSING when referenced as dependencies.
func (s *ReadyStepSelector) Pick(run *models.FlowRun) Pick {
	if run.Status != models.RunRunning {
		return Pick{Reason: ReasonNoReadyStep}
	}

	var blocked []BlockedStep
	for _, step := range run.StepsSorted() {
		if step.Type != models.StepTypeReport || !step.IsReady() {
			continue
		}
		unmet := unmetDependencies(run, step)
		if len(unmet) == 0 {
			report, err := models.AsReportStep(step)
			if err != nil {
				continue
			}
			return Pick{Step: report, Blocked: blocked}
		}
		blocked = append(blocked, BlockedStep{StepID: step.ID, Unmet: unmet})
	}

	if len(blocked) > 0 {
		return Pick{Reason: ReasonDependencyNotSucceeded, Blocked: blocked}
	}
	return Pick{Reason: ReasonNoReadyStep}
}

func unmetDependencies(run *models.FlowRun, step *models.FlowStep) []BlockedDependency {
	var unmet []BlockedDependency
	for _, depID := range step.DependsOn {
		dep := run.Step(depID)
		if dep == nil {
			unmet = append(unmet, BlockedDependency{StepID: depID, Status: models.DependencyMissing})
			continue
		}
		if !dep.IsSucceeded() {
			unmet = append(unmet, BlockedDependency{StepID: depID, Status: string(dep.Status)})
		}
	}
	return unmet
}
