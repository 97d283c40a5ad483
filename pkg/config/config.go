// Package config provides configuration loading for the report worker.
package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
	cli "github.com/urfave/cli/v3"
)

// DefaultModelAllowlist lists the Gemini models the worker may call. A run
// profile naming a model outside this list is rejected before any request
// is made.
var DefaultModelAllowlist = []string{
	"gemini-2.5-pro",
	"gemini-2.5-flash",
	"gemini-2.0-flash",
}

// Config carries everything the report worker needs to serve invocations.
type Config struct {
	ProjectID string `validate:"required"`

	RunsCollection    string `validate:"required"`
	PromptsCollection string `validate:"required"`
	SchemasCollection string `validate:"required"`

	BucketName   string `validate:"required,excludes=/"`
	ObjectPrefix string `validate:"omitempty,excludes=?,excludes=#"`

	GeminiAPIKey   string   `validate:"required_unless=DryRun true"`
	ModelAllowlist []string `validate:"min=1,dive,required"`

	InvocationTimeoutSeconds int `validate:"gt=0"`
	FinalizeBudgetSeconds    int `validate:"gt=0"`

	DryRun bool

	LogLevel  string `validate:"oneof=debug info warn error"`
	LogFormat string `validate:"oneof=text json"`
}

// FromCommand builds a Config from parsed CLI flags.
func FromCommand(command *cli.Command) Config {
	cfg := Config{
		ProjectID:                command.String("project-id"),
		RunsCollection:           command.String("runs-collection"),
		PromptsCollection:        command.String("prompts-collection"),
		SchemasCollection:        command.String("schemas-collection"),
		BucketName:               command.String("bucket"),
		ObjectPrefix:             strings.Trim(command.String("object-prefix"), "/"),
		GeminiAPIKey:             command.String("gemini-api-key"),
		ModelAllowlist:           command.StringSlice("model-allowlist"),
		InvocationTimeoutSeconds: int(command.Int("invocation-timeout-seconds")),
		FinalizeBudgetSeconds:    int(command.Int("finalize-budget-seconds")),
		DryRun:                   command.Bool("dry-run"),
		LogLevel:                 command.String("log-level"),
		LogFormat:                command.String("log-format"),
	}

	if len(cfg.ModelAllowlist) == 0 {
		cfg.ModelAllowlist = slices.Clone(DefaultModelAllowlist)
	}

	return cfg
}

// Validate checks the configuration for completeness and consistency.
func (c Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())

	err := validate.Struct(c)
	if err != nil {
		return fmt.Errorf("invalid worker configuration: %w", err)
	}

	return nil
}

// ModelAllowed reports whether the worker may call the given model.
func (c Config) ModelAllowed(modelName string) bool {
	return slices.Contains(c.ModelAllowlist, modelName)
}
