// Package worker drives one invocation of the report engine: it turns a run
// change notification into at most one executed step, talking to the
// document store, the artifact store, and the model provider, and always
// ends in exactly one completion outcome.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tickerlab/stepflow/pkg/artifacts"
	"github.com/tickerlab/stepflow/pkg/config"
	"github.com/tickerlab/stepflow/pkg/eventbus"
	"github.com/tickerlab/stepflow/pkg/events"
	"github.com/tickerlab/stepflow/pkg/llm"
	"github.com/tickerlab/stepflow/pkg/models"
	"github.com/tickerlab/stepflow/pkg/otelhelper"
	"github.com/tickerlab/stepflow/pkg/persistence"
	"github.com/tickerlab/stepflow/pkg/reporting"
	"github.com/tickerlab/stepflow/pkg/scheduler"
	"github.com/tickerlab/stepflow/pkg/structured"
	"github.com/tickerlab/stepflow/pkg/timebudget"
)

// Outcome is the terminal classification of one invocation.
type Outcome string

const (
	OutcomeIgnored        Outcome = "ignored"
	OutcomeNoop           Outcome = "noop"
	OutcomeFailed         Outcome = "failed"
	OutcomeOK             Outcome = "ok"
	OutcomePromptNotFound Outcome = "prompt_not_found"
	OutcomeSchemaInvalid  Outcome = "schema_invalid"
)

const reportContentType = "application/json"

// Deps are the external collaborators of a worker. LLM may be nil when the
// worker runs in dry-run mode; Publisher and Tracer may be nil when
// completions and traces are not wired.
type Deps struct {
	Runs      persistence.FlowRunStore
	Prompts   persistence.PromptStore
	Schemas   persistence.SchemaStore
	Artifacts artifacts.Store
	LLM       llm.Client
	Publisher eventbus.EventPublisher
	Tracer    trace.Tracer
}

// Worker executes report steps, one per trigger.
type Worker struct {
	workerID string
	cfg      config.Config
	deps     Deps
	logger   *slog.Logger

	parser    *events.SubjectParser
	selector  *scheduler.ReadyStepSelector
	protocol  *persistence.Protocol
	paths     *artifacts.PathPolicy
	assembler *reporting.Assembler
	validator *structured.Validator

	now func() time.Time
}

func NewWorker(workerID string, cfg config.Config, deps Deps, logger *slog.Logger) (*Worker, error) {
	paths, err := artifacts.NewPathPolicy(cfg.BucketName, cfg.ObjectPrefix)
	if err != nil {
		return nil, err
	}

	return &Worker{
		workerID:  workerID,
		cfg:       cfg,
		deps:      deps,
		logger:    logger,
		parser:    events.NewSubjectParser(cfg.RunsCollection),
		selector:  scheduler.NewReadyStepSelector(),
		protocol:  persistence.NewProtocol(deps.Runs),
		paths:     paths,
		assembler: reporting.NewAssembler(deps.Artifacts),
		validator: structured.NewValidator(),
		now:       time.Now,
	}, nil
}

// HandleEvent adapts Handle to the event bus handler contract. Only
// infrastructure failures return an error, so redelivery retries exactly the
// invocations that never recorded an outcome.
func (w *Worker) HandleEvent(ctx context.Context, event any) error {
	trigger, ok := event.(*events.RunChanged)
	if !ok {
		return errors.New("unexpected event payload for run change trigger")
	}

	_, err := w.Handle(ctx, *trigger)

	return err
}

// result is what one invocation attempt settled on before the completion
// record is emitted.
type result struct {
	outcome Outcome
	runID   string
	stepID  string
	reason  string
	stepErr *models.StepError
}

// Handle processes one trigger to completion. A returned error means the
// document store was unreachable and no outcome was recorded, so the trigger
// is safe to redeliver; every other path ends in exactly one completion
// record. When the outage hits after the claim, redelivery finds the step
// RUNNING and noops, the same stuck-claim gap the finalize failure path has.
func (w *Worker) Handle(ctx context.Context, trigger events.RunChanged) (Outcome, error) {
	started := w.now()

	res, err := w.process(ctx, trigger)
	if err != nil {
		return res.outcome, err
	}

	durationMs := w.now().Sub(started).Milliseconds()

	level := slog.LevelInfo
	attrs := []any{
		"eventId", trigger.ID,
		"runId", orUnknown(res.runID),
		"stepId", orUnknown(res.stepID),
		"outcome", string(res.outcome),
		"durationMs", durationMs,
	}
	if res.reason != "" {
		attrs = append(attrs, "reason", res.reason)
	}
	if res.stepErr != nil {
		attrs = append(attrs, "error", res.stepErr.ToMap())
		level = slog.LevelError
	}
	w.logger.Log(ctx, level, "invocation_finished", attrs...)

	if w.deps.Publisher != nil {
		finished := events.InvocationFinished{
			BaseEvent:  events.NewBaseEvent(events.InvocationFinishedEvent),
			RunID:      res.runID,
			StepID:     res.stepID,
			Outcome:    string(res.outcome),
			DurationMs: durationMs,
		}
		finished.WorkerID = w.workerID
		if res.stepErr != nil {
			finished.Error = res.stepErr.ToMap()
		}
		err := w.deps.Publisher.Publish(ctx, events.CompletionTopic, res.runID, finished)
		if err != nil {
			w.logger.ErrorContext(ctx, "completion_publish_failed",
				"eventId", trigger.ID, "runId", res.runID, "error", err)
		}
	}

	return res.outcome, nil
}

func (w *Worker) process(ctx context.Context, trigger events.RunChanged) (result, error) {
	logger := w.logger.With("eventId", trigger.ID)

	logger.InfoContext(ctx, "trigger_received",
		"eventType", string(trigger.Type), "subject", trigger.Subject)

	runID := w.parser.RunID(trigger.Subject)
	if runID == "" {
		logger.WarnContext(ctx, "trigger_ignored", "reason", "invalid_subject", "subject", trigger.Subject)
		return result{outcome: OutcomeIgnored, reason: "invalid_subject"}, nil
	}

	record, err := w.deps.Runs.Get(ctx, runID)
	if err != nil {
		if errors.Is(err, persistence.ErrFlowRunNotFound) {
			logger.WarnContext(ctx, "trigger_ignored", "reason", "flow_run_not_found", "runId", runID)
			return result{outcome: OutcomeIgnored, runID: runID, reason: "flow_run_not_found"}, nil
		}
		if errors.Is(err, models.ErrFlowRunInvalid) || errors.Is(err, models.ErrStepInvalid) {
			logger.ErrorContext(ctx, "trigger_ignored", "reason", "flow_run_invalid", "runId", runID, "error", err)
			return result{outcome: OutcomeIgnored, runID: runID, reason: "flow_run_invalid"}, nil
		}
		return result{outcome: OutcomeIgnored, runID: runID}, err
	}

	run := record.Run
	logger = logger.With("runId", runID)
	logger.InfoContext(ctx, "trigger_parsed",
		"flowRunStatus", string(run.Status), "flowRunSteps", stepSummaries(run))

	if run.IsTerminal() {
		logger.InfoContext(ctx, "trigger_noop", "reason", "already_final")
		return result{outcome: OutcomeNoop, runID: runID, reason: "already_final"}, nil
	}

	pick := w.selector.Pick(run)
	if pick.Step == nil {
		logger.InfoContext(ctx, "trigger_noop", "reason", pick.Reason, "blocked", pick.Blocked)
		return result{outcome: OutcomeNoop, runID: runID, reason: pick.Reason}, nil
	}

	step := pick.Step
	timeframe, _ := step.Timeframe()
	logger = logger.With("stepId", step.ID)
	logger.InfoContext(ctx, "ready_step_selected",
		"stepType", step.Type, "timeframe", timeframe)

	ctx, span := w.startSpan(ctx, runID, step.ID, timeframe)
	defer span.End()

	budget := timebudget.Start(
		time.Duration(w.cfg.InvocationTimeoutSeconds)*time.Second,
		time.Duration(w.cfg.FinalizeBudgetSeconds)*time.Second,
	)
	inv := &invocation{
		w:      w,
		logger: logger,
		span:   span,
		runID:  runID,
		stepID: step.ID,
		budget: budget,
	}

	res, err := inv.execute(ctx, run, step, timeframe)
	span.SetAttributes(attribute.String(otelhelper.OutcomeKey, string(res.outcome)))

	return res, err
}

func (w *Worker) startSpan(ctx context.Context, runID, stepID, timeframe string) (context.Context, trace.Span) {
	if w.deps.Tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return otelhelper.StartSpan(ctx, w.deps.Tracer, "worker.invocation",
		attribute.String(otelhelper.RunIDKey, runID),
		attribute.String(otelhelper.StepIDKey, stepID),
		attribute.String(otelhelper.TimeframeKey, timeframe),
		attribute.String(otelhelper.WorkerIDKey, w.workerID),
	)
}

func stepSummaries(run *models.FlowRun) []map[string]any {
	const maxSteps = 50

	steps := run.StepsSorted()
	if len(steps) > maxSteps {
		steps = steps[:maxSteps]
	}
	summaries := make([]map[string]any, 0, len(steps))
	for _, step := range steps {
		summaries = append(summaries, map[string]any{
			"stepId":    step.ID,
			"stepType":  step.Type,
			"status":    string(step.Status),
			"dependsOn": step.DependsOn,
		})
	}
	return summaries
}

func orUnknown(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
