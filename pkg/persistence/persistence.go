// Package persistence defines the document store boundary for workflow runs
// and the prompt/schema catalogs, plus the optimistic-concurrency protocol
// that performs claim and finalize transitions on top of any store.
package persistence

import (
	"context"
	"errors"

	"github.com/tickerlab/stepflow/pkg/models"
)

var (
	// ErrFlowRunNotFound indicates the run document does not exist.
	ErrFlowRunNotFound = errors.New("flow run not found")

	// ErrPromptNotFound indicates a prompt document missing from the catalog.
	ErrPromptNotFound = errors.New("prompt not found")

	// ErrSchemaNotFound indicates a schema document missing from the catalog.
	ErrSchemaNotFound = errors.New("schema not found")

	// ErrPreconditionFailed indicates a conditional write rejected because
	// the document changed since the version it was conditioned on.
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrUnavailable indicates the store could not be reached at all.
	ErrUnavailable = errors.New("document store unavailable")
)

// Record is one consistent read of a run document: the parsed run plus the
// opaque version token a conditional write must present.
type Record struct {
	Run     *models.FlowRun
	Version any
}

// FlowRunStore reads and conditionally patches workflow run documents.
type FlowRunStore interface {
	// Get returns the current record, or ErrFlowRunNotFound.
	Get(ctx context.Context, runID string) (*Record, error)

	// Patch applies a flat patch of dotted field paths to the run document,
	// succeeding only when the document still matches version. A nil patch
	// value deletes the field. Returns ErrPreconditionFailed on a stale
	// version.
	Patch(ctx context.Context, runID string, patch map[string]any, version any) error
}

// PromptStore fetches prompt documents by id.
type PromptStore interface {
	// GetPrompt returns the prompt, or ErrPromptNotFound.
	GetPrompt(ctx context.Context, promptID string) (*models.Prompt, error)
}

// SchemaStore fetches structured-output schema documents by id.
type SchemaStore interface {
	// GetSchema returns the schema, or ErrSchemaNotFound.
	GetSchema(ctx context.Context, schemaID string) (*models.Schema, error)
}

// Claim and finalize refusal reasons. These are value results, not errors:
// losing a race is expected behavior under concurrent retriggers.
const (
	ReasonNotReady           = "not_ready"
	ReasonPreconditionFailed = "precondition_failed"
	ReasonAlreadyFinal       = "already_final"
	ReasonNotRunning         = "not_running"
)

// ClaimResult reports the outcome of a claim attempt. Status is the last
// observed status of the step.
type ClaimResult struct {
	Claimed bool
	Status  models.StepStatus
	Reason  string
}

// FinalizeResult reports the outcome of a finalize attempt.
type FinalizeResult struct {
	Updated bool
	Status  models.StepStatus
	Reason  string
}
