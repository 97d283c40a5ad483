package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	gcfirestore "cloud.google.com/go/firestore"
	"github.com/ThreeDotsLabs/watermill"
	cli "github.com/urfave/cli/v3"

	artifactblob "github.com/tickerlab/stepflow/pkg/artifacts/blob"
	kafkachannel "github.com/tickerlab/stepflow/pkg/channels/kafka"
	"github.com/tickerlab/stepflow/pkg/config"
	"github.com/tickerlab/stepflow/pkg/eventbus"
	"github.com/tickerlab/stepflow/pkg/events"
	"github.com/tickerlab/stepflow/pkg/llm/gemini"
	"github.com/tickerlab/stepflow/pkg/otelhelper"
	fsstore "github.com/tickerlab/stepflow/pkg/persistence/firestore"
	"github.com/tickerlab/stepflow/pkg/web"
	"github.com/tickerlab/stepflow/pkg/worker"
)

const serviceName = "stepflow-worker"

func run(ctx context.Context, command *cli.Command, workerID string, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.FromCommand(command)
	if err := cfg.Validate(); err != nil {
		return err
	}

	client, err := gcfirestore.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return fmt.Errorf("failed to create Firestore client: %w", err)
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.ErrorContext(ctx, "Failed to close Firestore client", "error", err)
		}
	}()

	bucketURL := command.String("bucket-url")
	if bucketURL == "" {
		bucketURL = "gs://" + cfg.BucketName
	}
	artifactStore, err := artifactblob.NewStore(ctx, bucketURL, cfg.BucketName)
	if err != nil {
		return fmt.Errorf("failed to open artifact bucket: %w", err)
	}
	defer func() {
		if err := artifactStore.Close(); err != nil {
			logger.ErrorContext(ctx, "Failed to close artifact bucket", "error", err)
		}
	}()

	deps := worker.Deps{
		Runs:      fsstore.NewStore(client, fsstore.WithCollection(cfg.RunsCollection)),
		Prompts:   fsstore.NewPromptRepository(client, fsstore.WithPromptCollection(cfg.PromptsCollection)),
		Schemas:   fsstore.NewSchemaRepository(client, fsstore.WithSchemaCollection(cfg.SchemasCollection)),
		Artifacts: artifactStore,
	}

	if !cfg.DryRun {
		llmClient, err := gemini.NewClient(ctx, cfg.GeminiAPIKey)
		if err != nil {
			return fmt.Errorf("failed to create Gemini client: %w", err)
		}
		deps.LLM = llmClient
	}

	if command.Bool("tracing") {
		tracer, err := otelhelper.NewTracer(ctx, serviceName)
		if err != nil {
			return fmt.Errorf("failed to create tracer: %w", err)
		}
		deps.Tracer = tracer
	}

	brokers := command.StringSlice("kafka-brokers")
	var bus eventbus.EventBus
	if len(brokers) > 0 {
		watermillLogger := watermill.NewStdLogger(false, false)
		pub, sub, err := kafkachannel.CreateChannel(watermillLogger, brokers, serviceName)
		if err != nil {
			return fmt.Errorf("failed to create Kafka pub/sub: %w", err)
		}
		bus = eventbus.NewWatermillEventBus(pub, sub)
		deps.Publisher = bus
		defer func() {
			if err := bus.Close(); err != nil {
				logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
			}
		}()
	}

	w, err := worker.NewWorker(workerID, cfg, deps, logger)
	if err != nil {
		return err
	}

	if bus != nil {
		logger.InfoContext(ctx, "Consuming triggers from Kafka", "brokers", brokers)

		if err := bus.Handle(events.RunChangedEvent, w.HandleEvent); err != nil {
			return err
		}
		if err := bus.Subscribe(ctx); err != nil {
			return err
		}

		<-ctx.Done()

		return nil
	}

	port := command.Int("http-port")
	logger.InfoContext(ctx, "Serving HTTP trigger receiver", "port", port)

	app := web.NewServer(logger, w).App()

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down HTTP trigger receiver")

		if err := app.Shutdown(); err != nil {
			logger.Error("Failed to shut down HTTP receiver", "error", err)
		}
	}()

	return app.Listen(fmt.Sprintf(":%d", port))
}
