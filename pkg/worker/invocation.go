package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/tickerlab/stepflow/pkg/artifacts"
	"github.com/tickerlab/stepflow/pkg/llm"
	"github.com/tickerlab/stepflow/pkg/models"
	"github.com/tickerlab/stepflow/pkg/otelhelper"
	"github.com/tickerlab/stepflow/pkg/persistence"
	"github.com/tickerlab/stepflow/pkg/timebudget"
)

// invocation carries the state of one picked step through execution. It is
// created after scheduling and discarded when the outcome is settled;
// nothing survives across triggers.
type invocation struct {
	w      *Worker
	logger *slog.Logger
	span   trace.Span
	runID  string
	stepID string
	budget *timebudget.Budget
}

// execute runs the picked step to a terminal outcome. Every failure path
// finalizes the step before returning; a non-nil error means the document
// store was unreachable, nothing was finalized, and the trigger is safe to
// redeliver.
func (inv *invocation) execute(ctx context.Context, run *models.FlowRun, step *models.ReportStep, timeframe string) (result, error) {
	w := inv.w

	if !inv.budget.CanStartExternalCall() {
		inv.logger.WarnContext(ctx, "time_budget_exceeded",
			"action", "claim", "policy", inv.budget.Snapshot())
		return inv.failStep(ctx, models.CodeTimeBudgetExceeded,
			"Insufficient time budget for external calls", true), nil
	}

	claim, err := w.protocol.Claim(ctx, inv.runID, inv.stepID, rfc3339Now(w.now))
	if err != nil {
		otelhelper.SetError(inv.span, err)
		return result{outcome: OutcomeNoop, runID: inv.runID, stepID: inv.stepID}, err
	}
	if !claim.Claimed {
		level := slog.LevelInfo
		res := result{outcome: OutcomeNoop, runID: inv.runID, stepID: inv.stepID, reason: claim.Reason}
		if claim.Reason == persistence.ReasonPreconditionFailed {
			level = slog.LevelWarn
			res.stepErr = models.NewStepError(models.CodeStepClaimConflict, "claim lost to a concurrent writer")
		}
		inv.logger.Log(ctx, level, "claim_refused", "reason", claim.Reason, "status", string(claim.Status))
		return res, nil
	}

	inputs, err := step.ParseReportInputs(run)
	if err != nil {
		if errors.Is(err, models.ErrProfileInvalid) {
			inv.logger.ErrorContext(ctx, "structured_output_schema_invalid",
				"reason", err.Error(), "code", string(models.CodeProfileInvalid))
			return inv.failStep(ctx, models.CodeProfileInvalid, err.Error(), true), nil
		}
		return inv.failStep(ctx, models.CodeInvalidStepInputs, err.Error(), false), nil
	}

	inv.logger.InfoContext(ctx, "prompt_fetch_started", "promptId", inputs.PromptID)
	prompt, err := w.deps.Prompts.GetPrompt(ctx, inputs.PromptID)
	if err != nil {
		if errors.Is(err, persistence.ErrUnavailable) {
			otelhelper.SetError(inv.span, err)
			inv.logger.ErrorContext(ctx, "prompt_fetch_finished",
				"ok", false, "code", string(models.CodeFirestoreUnavailable), "error", err.Error())
			return result{outcome: OutcomeFailed, runID: inv.runID, stepID: inv.stepID}, err
		}
		// Missing and malformed prompt documents are the same case: the
		// declared id does not resolve to a usable prompt.
		inv.logger.ErrorContext(ctx, "prompt_fetch_finished",
			"ok", false, "code", string(models.CodePromptNotFound))
		res := inv.failStep(ctx, models.CodePromptNotFound, "Prompt not found", false)
		res.outcome = OutcomePromptNotFound
		return res, nil
	}
	inv.logger.InfoContext(ctx, "prompt_fetch_finished", "ok", true)

	schemaID := inputs.Profile.Structured.SchemaID
	schema, err := w.deps.Schemas.GetSchema(ctx, schemaID)
	if err != nil {
		if errors.Is(err, persistence.ErrUnavailable) {
			otelhelper.SetError(inv.span, err)
			inv.logger.ErrorContext(ctx, "schema_fetch_failed",
				"schemaId", schemaID, "code", string(models.CodeFirestoreUnavailable), "error", err.Error())
			return result{outcome: OutcomeFailed, runID: inv.runID, stepID: inv.stepID}, err
		}
		inv.logger.ErrorContext(ctx, "structured_output_schema_invalid",
			"schemaId", schemaID, "reason", "schema missing or violates invariants")
		res := inv.failStep(ctx, models.CodeProfileInvalid, "schema missing or violates invariants", true)
		res.outcome = OutcomeSchemaInvalid
		return res, nil
	}

	if !models.IsSchemaIDSafe(schema.ID) {
		inv.logger.ErrorContext(ctx, "structured_output_schema_invalid",
			"schemaId", schema.ID, "reason", "schemaId does not follow the versioned schema pattern")
		res := inv.failStep(ctx, models.CodeProfileInvalid, "Invalid schemaId format", true)
		res.outcome = OutcomeSchemaInvalid
		return res, nil
	}
	schemaVersion := (&models.StructuredOutputSpec{SchemaID: schema.ID}).SchemaVersion()

	symbol, ok := run.Symbol()
	if !ok || timeframe == "" {
		return inv.failStep(ctx, models.CodeInvalidStepInputs, "Missing timeframe or scope.symbol", false), nil
	}

	reportURI, err := w.paths.ReportURI(inv.runID, timeframe, inv.stepID)
	if err != nil {
		return inv.failStep(ctx, models.CodeInvalidStepInputs, err.Error(), false), nil
	}

	if w.cfg.DryRun {
		modelName := inputs.Profile.ModelName
		if modelName == "" {
			modelName = "dry_run"
		}
		return inv.writeAndFinalize(ctx, reportURI, &artifacts.ReportFile{
			Metadata: inv.buildMetadata(schemaVersion, symbol, timeframe, inputs, schema, "DRY_RUN", modelName, nil),
			Output: map[string]any{
				"summary": map[string]any{"markdown": "DRY_RUN"},
				"details": map[string]any{},
			},
		}), nil
	}

	if w.deps.LLM == nil {
		return inv.failStep(ctx, models.CodeGeminiRequestFailed, "LLM client unavailable", false), nil
	}

	if !w.cfg.ModelAllowed(inputs.Profile.ModelName) {
		return inv.failStep(ctx, models.CodeProfileInvalid, "Model not allowed", false), nil
	}

	inv.logger.InfoContext(ctx, "context_resolve_started",
		"ohlcvUri", inputs.OHLCVURI, "chartsManifestUri", inputs.ChartsManifestURI,
		"previousReportUris", inputs.PreviousReportURIs)

	if !inv.budget.CanStartExternalCall() {
		inv.logger.WarnContext(ctx, "time_budget_exceeded",
			"action", "llm_call", "policy", inv.budget.Snapshot())
		return inv.failStep(ctx, models.CodeTimeBudgetExceeded,
			"Insufficient time budget for LLM call", false), nil
	}

	resolved, err := w.assembler.Resolve(ctx, run, step, inputs)
	if err != nil {
		inv.logger.ErrorContext(ctx, "context_resolve_finished", "ok", false, "reason", err.Error())
		return inv.failStep(ctx, models.CodeInvalidStepInputs, err.Error(), false), nil
	}
	inv.logger.InfoContext(ctx, "context_resolve_finished",
		"ok", true,
		"ohlcvBytes", resolved.OHLCV.Bytes,
		"chartsManifestBytes", resolved.ChartsManifest.Bytes,
		"chartImages", len(resolved.ChartImages),
		"previousReports", len(resolved.PreviousReports))

	payload, err := w.assembler.Assemble(prompt.UserPrompt, resolved)
	if err != nil {
		return inv.failStep(ctx, models.CodeInvalidStepInputs, err.Error(), false), nil
	}

	parts := make([]llm.Part, 0, 1+len(payload.ChartImages))
	parts = append(parts, llm.TextPart(payload.Text))
	for _, image := range payload.ChartImages {
		parts = append(parts, llm.DataPart(image.Data, image.MIMEType))
	}

	inv.logger.InfoContext(ctx, "llm_request_started",
		"promptId", inputs.PromptID, "modelName", inputs.Profile.ModelName, "schemaId", schema.ID)

	response, err := w.deps.LLM.Generate(ctx, llm.Request{
		System:    prompt.SystemInstruction,
		UserParts: parts,
		Profile:   inputs.Profile,
		Schema:    schema,
	})
	if err != nil {
		code := models.CodeGeminiRequestFailed
		message := "Gemini request failed"
		switch {
		case errors.Is(err, llm.ErrRateLimited):
			code, message = models.CodeRateLimited, "Gemini rate limited"
		case errors.Is(err, llm.ErrSafetyBlocked):
			code, message = models.CodeSafetyBlock, "Gemini safety block"
		}
		inv.logger.ErrorContext(ctx, "llm_request_finished",
			"status", "failed", "code", string(code), "error", err.Error())
		return inv.failStep(ctx, code, message, false), nil
	}

	inv.logger.InfoContext(ctx, "llm_request_finished",
		"status", "succeeded", "finishReason", response.FinishReason, "usageMetadata", response.Usage)

	validated, rejection := w.validator.Validate(response.Text, schema, response.FinishReason)
	if rejection != nil {
		inv.logger.WarnContext(ctx, "structured_output_invalid",
			"kind", rejection.Kind,
			"message", rejection.Message,
			"finishReason", response.FinishReason,
			"textBytes", rejection.TextBytes,
			"textSha256", rejection.TextSHA256,
			"finalizeBudgetSeconds", w.cfg.FinalizeBudgetSeconds)
		return inv.failStep(ctx, models.CodeInvalidStructuredOutput, rejection.ErrorMessage(), false), nil
	}

	return inv.writeAndFinalize(ctx, reportURI, &artifacts.ReportFile{
		Metadata: inv.buildMetadata(schemaVersion, symbol, timeframe, inputs, schema,
			response.FinishReason, inputs.Profile.ModelName, response.Usage),
		Output: validated,
	}), nil
}

// buildMetadata assembles the metadata half of the persisted report file.
func (inv *invocation) buildMetadata(
	schemaVersion int,
	symbol, timeframe string,
	inputs *models.ReportInputs,
	schema *models.Schema,
	finishReason, modelName string,
	usage map[string]any,
) map[string]any {
	createdAt := rfc3339Now(inv.w.now)

	llmMeta := map[string]any{
		"promptId":     inputs.PromptID,
		"modelName":    modelName,
		"schemaId":     schema.ID,
		"schemaSha256": schema.SHA256,
		"llmProfile":   inputs.Profile.Raw(),
		"finishReason": finishReason,
	}
	if usage != nil {
		llmMeta["usageMetadata"] = usage
	}

	inputsMeta := map[string]any{
		"ohlcv_gcs_uri":                inputs.OHLCVURI,
		"charts_outputsManifestGcsUri": inputs.ChartsManifestURI,
	}
	if len(inputs.PreviousReportURIs) > 0 {
		inputsMeta["report_gcs_uris"] = inputs.PreviousReportURIs
	}

	return map[string]any{
		"schemaVersion": schemaVersion,
		"runId":         inv.runID,
		"stepId":        inv.stepID,
		"createdAt":     createdAt,
		"finishedAt":    createdAt,
		"symbol":        symbol,
		"timeframe":     timeframe,
		"llm":           llmMeta,
		"inputs":        inputsMeta,
	}
}

// writeAndFinalize persists the report artifact create-only and finalizes
// the step as SUCCEEDED pointing at it. A pre-existing object is reused,
// not treated as a failure: duplicate invocations of the same step produce
// the same bytes at the same path.
func (inv *invocation) writeAndFinalize(ctx context.Context, uri artifacts.URI, report *artifacts.ReportFile) result {
	w := inv.w

	data, err := report.MarshalBytes()
	if err != nil {
		return inv.failStep(ctx, models.CodeInvalidStepInputs, err.Error(), false)
	}

	inv.logger.InfoContext(ctx, "gcs_write_started", "gcsUri", uri.String(), "bytes", len(data))

	write, err := w.deps.Artifacts.WriteCreateOnly(ctx, uri, data, reportContentType)
	if err != nil {
		retryable := false
		var storeErr *artifacts.StoreError
		if errors.As(err, &storeErr) {
			retryable = storeErr.Retryable
		}
		inv.logger.ErrorContext(ctx, "gcs_write_finished",
			"gcsUri", uri.String(), "ok", false, "bytes", len(data),
			"code", string(models.CodeGCSWriteFailed), "retryable", retryable)
		return inv.failStep(ctx, models.CodeGCSWriteFailed, "Artifact write failed", false)
	}

	inv.logger.InfoContext(ctx, "gcs_write_finished",
		"gcsUri", uri.String(), "ok", true, "bytes", len(data), "reused", write.Reused)

	return inv.succeedStep(ctx, uri.String())
}

// failStep finalizes the step as FAILED with a structured error. A finalize
// that cannot be written at all leaves the step RUNNING for external
// reconciliation and is reported as its own failure.
func (inv *invocation) failStep(ctx context.Context, code models.ErrorCode, message string, allowReady bool) result {
	w := inv.w
	stepErr := models.NewStepError(code, message)

	finalize, err := w.protocol.Finalize(ctx, inv.runID, inv.stepID, models.StepFailed,
		rfc3339Now(w.now), persistence.FinalizeFields{Error: stepErr}, allowReady)
	if err != nil {
		otelhelper.SetError(inv.span, err)
		inv.logger.ErrorContext(ctx, "finalize_failed", "error", err)
		return result{
			outcome: OutcomeFailed,
			runID:   inv.runID,
			stepID:  inv.stepID,
			stepErr: models.NewStepError(models.CodeFirestoreFinalizeFailed, "Failed to finalize step"),
		}
	}
	if !finalize.Updated {
		return result{
			outcome: OutcomeNoop,
			runID:   inv.runID,
			stepID:  inv.stepID,
			reason:  finalize.Reason,
			stepErr: models.NewStepError(models.CodeStepFinalizeConflict, "finalize refused: "+finalize.Reason),
		}
	}
	otelhelper.SetError(inv.span, stepErr)
	return result{outcome: OutcomeFailed, runID: inv.runID, stepID: inv.stepID, stepErr: stepErr}
}

func (inv *invocation) succeedStep(ctx context.Context, outputURI string) result {
	w := inv.w

	finalize, err := w.protocol.Finalize(ctx, inv.runID, inv.stepID, models.StepSucceeded,
		rfc3339Now(w.now), persistence.FinalizeFields{OutputURI: outputURI}, false)
	if err != nil {
		otelhelper.SetError(inv.span, err)
		inv.logger.ErrorContext(ctx, "finalize_failed", "error", err)
		return result{
			outcome: OutcomeFailed,
			runID:   inv.runID,
			stepID:  inv.stepID,
			stepErr: models.NewStepError(models.CodeFirestoreFinalizeFailed, "Failed to finalize step"),
		}
	}
	if !finalize.Updated {
		return result{
			outcome: OutcomeNoop,
			runID:   inv.runID,
			stepID:  inv.stepID,
			reason:  finalize.Reason,
			stepErr: models.NewStepError(models.CodeStepFinalizeConflict, "finalize refused: "+finalize.Reason),
		}
	}
	return result{outcome: OutcomeOK, runID: inv.runID, stepID: inv.stepID}
}

func rfc3339Now(now func() time.Time) string {
	return now().UTC().Format(time.RFC3339)
}
