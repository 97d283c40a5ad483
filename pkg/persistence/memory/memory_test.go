package memory

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tickerlab/stepflow/pkg/models"
	"github.com/tickerlab/stepflow/pkg/persistence"
)

func seededStore() *Store {
	store := NewStore()
	store.PutRun("run-1", map[string]any{
		"runId":  "run-1",
		"status": "RUNNING",
		"steps": map[string]any{
			"report_4h": map[string]any{
				"stepType":   models.StepTypeReport,
				"status":     "READY",
				"finishedAt": "2026-08-29T10:00:00Z",
				"error":      map[string]any{"code": "RATE_LIMITED", "message": "old"},
				"inputs":     map[string]any{"ohlcvStepId": "ohlcv_4h"},
			},
		},
	})
	return store
}

func TestStore_GetMissingRun(t *testing.T) {
	_, err := NewStore().Get(context.Background(), "nope")
	require.ErrorIs(t, err, persistence.ErrFlowRunNotFound)
}

func TestStore_PatchStaleVersion(t *testing.T) {
	store := seededStore()
	ctx := context.Background()

	record, err := store.Get(ctx, "run-1")
	require.NoError(t, err)

	patch := map[string]any{"steps.report_4h.status": "RUNNING"}
	require.NoError(t, store.Patch(ctx, "run-1", patch, record.Version))

	// same version token again is now stale
	err = store.Patch(ctx, "run-1", patch, record.Version)
	require.ErrorIs(t, err, persistence.ErrPreconditionFailed)
}

func TestStore_PatchCreatesNestedFieldsAndDeletesNil(t *testing.T) {
	store := seededStore()
	ctx := context.Background()

	record, err := store.Get(ctx, "run-1")
	require.NoError(t, err)

	patch, err := persistence.BuildClaimPatch("report_4h", "2026-08-30T10:00:00Z")
	require.NoError(t, err)
	require.NoError(t, store.Patch(ctx, "run-1", patch, record.Version))

	raw, ok := store.RawRun("run-1")
	require.True(t, ok)
	step := raw["steps"].(map[string]any)["report_4h"].(map[string]any)
	assert.Equal(t, "RUNNING", step["status"])

	timing := step["outputs"].(map[string]any)["execution"].(map[string]any)["timing"].(map[string]any)
	assert.Equal(t, "2026-08-30T10:00:00Z", timing["startedAt"])

	_, hasFinishedAt := step["finishedAt"]
	assert.False(t, hasFinishedAt)
	_, hasError := step["error"]
	assert.False(t, hasError)
}

func TestStore_SingleClaimWinner(t *testing.T) {
	store := seededStore()
	ctx := context.Background()
	protocol := persistence.NewProtocol(store, persistence.WithRetry(1, 0))

	first, err := protocol.Claim(ctx, "run-1", "report_4h", "2026-08-30T10:00:00Z")
	require.NoError(t, err)
	assert.True(t, first.Claimed)

	second, err := protocol.Claim(ctx, "run-1", "report_4h", "2026-08-30T10:00:01Z")
	require.NoError(t, err)
	assert.False(t, second.Claimed)
	assert.Equal(t, persistence.ReasonNotReady, second.Reason)
	assert.Equal(t, models.StepRunning, second.Status)
}

func TestStore_GetReturnsIsolatedCopy(t *testing.T) {
	store := seededStore()
	ctx := context.Background()

	record, err := store.Get(ctx, "run-1")
	require.NoError(t, err)
	record.Run.Step("report_4h").Inputs()["mutated"] = true

	raw, ok := store.RawRun("run-1")
	require.True(t, ok)
	step := raw["steps"].(map[string]any)["report_4h"].(map[string]any)
	inputs := step["inputs"].(map[string]any)
	_, mutated := inputs["mutated"]
	assert.False(t, mutated)
}

func TestStore_PromptAndSchemaLookups(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	_, err := store.GetPrompt(ctx, "llm_prompt_4h_report_v1_0")
	require.ErrorIs(t, err, persistence.ErrPromptNotFound)
	_, err = store.GetSchema(ctx, "llm_schema_4h_report_v1_0")
	require.ErrorIs(t, err, persistence.ErrSchemaNotFound)

	store.PutPrompt("llm_prompt_4h_report_v1_0", map[string]any{
		"systemInstruction": "sys",
		"userPrompt":        "user",
	})
	store.PutSchema("llm_schema_4h_report_v1_0", map[string]any{
		"schemaId": "llm_schema_4h_report_v1_0",
		"sha256":   strings.Repeat("0", 64),
		"jsonSchema": map[string]any{
			"type":     "object",
			"required": []any{"summary", "details"},
			"properties": map[string]any{
				"summary": map[string]any{
					"type":     "object",
					"required": []any{"markdown"},
					"properties": map[string]any{
						"markdown": map[string]any{"type": "string"},
					},
				},
				"details": map[string]any{"type": "object"},
			},
		},
	})

	prompt, err := store.GetPrompt(ctx, "llm_prompt_4h_report_v1_0")
	require.NoError(t, err)
	assert.Equal(t, "sys", prompt.SystemInstruction)

	schema, err := store.GetSchema(ctx, "llm_schema_4h_report_v1_0")
	require.NoError(t, err)
	assert.Equal(t, "llm_schema_4h_report_v1_0", schema.ID)
}
