package main

import (
	"context"
	"os"

	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"

	"github.com/tickerlab/stepflow/pkg/log"
)

func main() {
	cmd := &cli.Command{
		Name:                  "stepflow-worker",
		EnableShellCompletion: true,
		Usage:                 "Execute LLM report steps from flow run change notifications",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "Custom worker ID (auto-generated if not provided)",
				Value:   "",
				Sources: cli.EnvVars("WORKER_ID"),
			},
			&cli.StringFlag{
				Name:     "project-id",
				Usage:    "Google Cloud project hosting the Firestore database",
				Required: true,
				Sources:  cli.EnvVars("FIRESTORE_PROJECT_ID"),
			},
			&cli.StringFlag{
				Name:    "runs-collection",
				Usage:   "Firestore collection holding flow run documents",
				Value:   "flow_runs",
				Sources: cli.EnvVars("FLOW_RUNS_COLLECTION"),
			},
			&cli.StringFlag{
				Name:    "prompts-collection",
				Usage:   "Firestore collection holding prompt documents",
				Value:   "llm_prompts",
				Sources: cli.EnvVars("LLM_PROMPTS_COLLECTION"),
			},
			&cli.StringFlag{
				Name:    "schemas-collection",
				Usage:   "Firestore collection holding structured-output schema documents",
				Value:   "llm_schemas",
				Sources: cli.EnvVars("LLM_SCHEMAS_COLLECTION"),
			},
			&cli.StringFlag{
				Name:     "bucket",
				Usage:    "Object store bucket for report artifacts",
				Required: true,
				Sources:  cli.EnvVars("ARTIFACTS_BUCKET"),
			},
			&cli.StringFlag{
				Name:    "bucket-url",
				Usage:   "Driver URL for the artifact bucket (defaults to gs://<bucket>)",
				Value:   "",
				Sources: cli.EnvVars("ARTIFACTS_BUCKET_URL"),
			},
			&cli.StringFlag{
				Name:    "object-prefix",
				Usage:   "Optional object path prefix for report artifacts",
				Value:   "",
				Sources: cli.EnvVars("ARTIFACTS_OBJECT_PREFIX"),
			},
			&cli.StringFlag{
				Name:    "gemini-api-key",
				Usage:   "API key for the Gemini API (unused in dry-run mode)",
				Value:   "",
				Sources: cli.EnvVars("GEMINI_API_KEY"),
			},
			&cli.StringSliceFlag{
				Name:    "model-allowlist",
				Usage:   "Models the worker may call",
				Sources: cli.EnvVars("MODEL_ALLOWLIST"),
			},
			&cli.IntFlag{
				Name:    "invocation-timeout-seconds",
				Usage:   "Wall-clock allowance for one invocation",
				Value:   540,
				Sources: cli.EnvVars("INVOCATION_TIMEOUT_SECONDS"),
			},
			&cli.IntFlag{
				Name:    "finalize-budget-seconds",
				Usage:   "Allowance reserved for the terminal write",
				Value:   120,
				Sources: cli.EnvVars("FINALIZE_BUDGET_SECONDS"),
			},
			&cli.BoolFlag{
				Name:    "dry-run",
				Usage:   "Skip the model call and write a placeholder report",
				Sources: cli.EnvVars("ARTIFACTS_DRY_RUN"),
			},
			&cli.StringSliceFlag{
				Name:    "kafka-brokers",
				Usage:   "Kafka brokers for trigger consumption (HTTP receiver only when empty)",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.IntFlag{
				Name:    "http-port",
				Usage:   "Port for the HTTP trigger receiver",
				Value:   8080,
				Sources: cli.EnvVars("HTTP_PORT"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Export OpenTelemetry traces",
				Sources: cli.EnvVars("OTEL_TRACING_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "Log format (text, json)",
				Value:   "text",
				Sources: cli.EnvVars("LOG_FORMAT"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"), command.String("log-format"))

			workerID := command.String("worker-id")
			if workerID == "" {
				workerID = "worker-" + uuid.New().String()[:8]
			}

			logger := log.WithModule("stepflow-worker").With("workerId", workerID)
			logger.InfoContext(ctx, "Initializing Stepflow Worker")

			return run(ctx, command, workerID, logger)
		},
	}

	err := cmd.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
