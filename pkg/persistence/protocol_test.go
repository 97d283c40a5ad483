package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tickerlab/stepflow/pkg/models"
)

// fakeStore serves a fixed run document and lets tests inject conditional
// write rejections.
type fakeStore struct {
	doc      map[string]any
	version  int64
	conflict int // number of patches to reject before accepting

	patches []map[string]any
}

func newFakeStore(stepStatus string) *fakeStore {
	return &fakeStore{
		doc: map[string]any{
			"runId":  "run-1",
			"status": "RUNNING",
			"steps": map[string]any{
				"report_4h": map[string]any{
					"stepType": models.StepTypeReport,
					"status":   stepStatus,
				},
			},
		},
		version: 1,
	}
}

func (f *fakeStore) setStepStatus(status string) {
	steps := f.doc["steps"].(map[string]any)
	steps["report_4h"].(map[string]any)["status"] = status
}

func (f *fakeStore) Get(_ context.Context, runID string) (*Record, error) {
	run, err := models.ParseFlowRun(f.doc, runID)
	if err != nil {
		return nil, err
	}
	return &Record{Run: run, Version: f.version}, nil
}

func (f *fakeStore) Patch(_ context.Context, _ string, patch map[string]any, _ any) error {
	if f.conflict > 0 {
		f.conflict--
		return ErrPreconditionFailed
	}
	f.patches = append(f.patches, patch)
	f.version++
	return nil
}

func noSleep(delays *[]time.Duration) func(context.Context, time.Duration) error {
	return func(_ context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
}

func TestClaim_ReadyStep(t *testing.T) {
	store := newFakeStore("READY")
	protocol := NewProtocol(store)

	result, err := protocol.Claim(context.Background(), "run-1", "report_4h", "2026-08-30T10:00:00Z")
	require.NoError(t, err)
	assert.True(t, result.Claimed)
	assert.Equal(t, models.StepReady, result.Status)

	require.Len(t, store.patches, 1)
	assert.Equal(t, "RUNNING", store.patches[0]["steps.report_4h.status"])
}

func TestClaim_NotReady(t *testing.T) {
	for _, status := range []string{"PENDING", "RUNNING", "SUCCEEDED", "FAILED"} {
		store := newFakeStore(status)
		protocol := NewProtocol(store)

		result, err := protocol.Claim(context.Background(), "run-1", "report_4h", "2026-08-30T10:00:00Z")
		require.NoError(t, err)
		assert.False(t, result.Claimed, "status %s", status)
		assert.Equal(t, ReasonNotReady, result.Reason, "status %s", status)
		assert.Equal(t, models.StepStatus(status), result.Status)
		assert.Empty(t, store.patches)
	}
}

func TestClaim_UnknownStep(t *testing.T) {
	store := newFakeStore("READY")
	protocol := NewProtocol(store)

	result, err := protocol.Claim(context.Background(), "run-1", "missing", "2026-08-30T10:00:00Z")
	require.NoError(t, err)
	assert.False(t, result.Claimed)
	assert.Equal(t, ReasonNotReady, result.Reason)
}

func TestClaim_ConflictRetriesWithBackoff(t *testing.T) {
	store := newFakeStore("READY")
	store.conflict = 2

	var delays []time.Duration
	protocol := NewProtocol(store, WithSleep(noSleep(&delays)))

	result, err := protocol.Claim(context.Background(), "run-1", "report_4h", "2026-08-30T10:00:00Z")
	require.NoError(t, err)
	assert.True(t, result.Claimed)
	assert.Equal(t, []time.Duration{200 * time.Millisecond, 400 * time.Millisecond}, delays)
}

func TestClaim_ConflictExhaustion(t *testing.T) {
	store := newFakeStore("READY")
	store.conflict = 3

	var delays []time.Duration
	protocol := NewProtocol(store, WithSleep(noSleep(&delays)))

	result, err := protocol.Claim(context.Background(), "run-1", "report_4h", "2026-08-30T10:00:00Z")
	require.NoError(t, err)
	assert.False(t, result.Claimed)
	assert.Equal(t, ReasonPreconditionFailed, result.Reason)
	assert.Len(t, delays, 2)
	assert.Empty(t, store.patches)
}

func TestClaim_LoserSeesRunningAfterConflict(t *testing.T) {
	store := newFakeStore("READY")
	store.conflict = 1

	var delays []time.Duration
	protocol := NewProtocol(store, WithSleep(noSleep(&delays)))

	// Another worker claimed between our read and write; after the conflict
	// the re-read observes RUNNING and the claim backs off as not_ready.
	store.setStepStatus("RUNNING")

	result, err := protocol.Claim(context.Background(), "run-1", "report_4h", "2026-08-30T10:00:00Z")
	require.NoError(t, err)
	assert.False(t, result.Claimed)
	assert.Equal(t, ReasonNotReady, result.Reason)
	assert.Equal(t, models.StepRunning, result.Status)
}

func TestFinalize_RunningStep(t *testing.T) {
	store := newFakeStore("RUNNING")
	protocol := NewProtocol(store)

	result, err := protocol.Finalize(context.Background(), "run-1", "report_4h",
		models.StepSucceeded, "2026-08-30T10:05:00Z",
		FinalizeFields{OutputURI: "gs://artifacts/run-1/4h/report_4h.json"}, false)
	require.NoError(t, err)
	assert.True(t, result.Updated)

	require.Len(t, store.patches, 1)
	assert.Equal(t, "SUCCEEDED", store.patches[0]["steps.report_4h.status"])
	assert.Equal(t, "gs://artifacts/run-1/4h/report_4h.json", store.patches[0]["steps.report_4h.outputs.gcs_uri"])
}

func TestFinalize_AlreadyFinalIsIdempotent(t *testing.T) {
	for _, status := range []string{"SUCCEEDED", "FAILED"} {
		store := newFakeStore(status)
		protocol := NewProtocol(store)

		result, err := protocol.Finalize(context.Background(), "run-1", "report_4h",
			models.StepFailed, "2026-08-30T10:05:00Z", FinalizeFields{}, false)
		require.NoError(t, err)
		assert.False(t, result.Updated)
		assert.Equal(t, ReasonAlreadyFinal, result.Reason)
		assert.Empty(t, store.patches)
	}
}

func TestFinalize_NotRunning(t *testing.T) {
	store := newFakeStore("READY")
	protocol := NewProtocol(store)

	result, err := protocol.Finalize(context.Background(), "run-1", "report_4h",
		models.StepFailed, "2026-08-30T10:05:00Z", FinalizeFields{}, false)
	require.NoError(t, err)
	assert.False(t, result.Updated)
	assert.Equal(t, ReasonNotRunning, result.Reason)
}

func TestFinalize_AllowReadyFailsUnclaimedStep(t *testing.T) {
	store := newFakeStore("READY")
	protocol := NewProtocol(store)

	result, err := protocol.Finalize(context.Background(), "run-1", "report_4h",
		models.StepFailed, "2026-08-30T10:05:00Z",
		FinalizeFields{Error: models.NewStepError(models.CodeTimeBudgetExceeded, "insufficient time remaining")},
		true)
	require.NoError(t, err)
	assert.True(t, result.Updated)
	assert.Equal(t, models.StepReady, result.Status)

	require.Len(t, store.patches, 1)
	assert.Equal(t, "FAILED", store.patches[0]["steps.report_4h.status"])
}

func TestFinalize_ConflictExhaustion(t *testing.T) {
	store := newFakeStore("RUNNING")
	store.conflict = 3

	var delays []time.Duration
	protocol := NewProtocol(store, WithSleep(noSleep(&delays)))

	result, err := protocol.Finalize(context.Background(), "run-1", "report_4h",
		models.StepSucceeded, "2026-08-30T10:05:00Z", FinalizeFields{}, false)
	require.NoError(t, err)
	assert.False(t, result.Updated)
	assert.Equal(t, ReasonPreconditionFailed, result.Reason)
}
