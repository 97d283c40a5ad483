// Package firestore adapts the document store boundary to Google Cloud
// Firestore. Conditional writes use last-update-time preconditions, which is
// what the opaque version tokens carry here.
package firestore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tickerlab/stepflow/pkg/models"
	"github.com/tickerlab/stepflow/pkg/persistence"
)

const (
	defaultFlowRunsCollection = "flow_runs"
	defaultPromptsCollection  = "llm_prompts"
	defaultSchemasCollection  = "llm_schemas"
)

// Store implements persistence.FlowRunStore on a Firestore collection.
type Store struct {
	client     *firestore.Client
	collection string
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithCollection overrides the flow runs collection name.
func WithCollection(name string) StoreOption {
	return func(s *Store) {
		s.collection = name
	}
}

func NewStore(client *firestore.Client, opts ...StoreOption) *Store {
	s := &Store{client: client, collection: defaultFlowRunsCollection}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Get(ctx context.Context, runID string) (*persistence.Record, error) {
	snapshot, err := s.client.Collection(s.collection).Doc(runID).Get(ctx)
	if err != nil {
		return nil, translateError(err, fmt.Sprintf("run %s", runID), persistence.ErrFlowRunNotFound)
	}
	run, err := models.ParseFlowRun(snapshot.Data(), runID)
	if err != nil {
		return nil, err
	}
	return &persistence.Record{Run: run, Version: snapshot.UpdateTime}, nil
}

func (s *Store) Patch(ctx context.Context, runID string, patch map[string]any, version any) error {
	updates := make([]firestore.Update, 0, len(patch))
	paths := make([]string, 0, len(patch))
	for path := range patch {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		value := patch[path]
		if value == nil {
			value = firestore.Delete
		}
		updates = append(updates, firestore.Update{Path: path, Value: value})
	}

	var opts []firestore.Precondition
	if updateTime, ok := version.(time.Time); ok {
		opts = append(opts, firestore.LastUpdateTime(updateTime))
	}

	_, err := s.client.Collection(s.collection).Doc(runID).Update(ctx, updates, opts...)
	if err != nil {
		return translateError(err, fmt.Sprintf("run %s", runID), persistence.ErrFlowRunNotFound)
	}
	return nil
}

// PromptRepository implements persistence.PromptStore on Firestore. Ids are
// checked against the versioned prompt pattern before they are used as
// document ids.
type PromptRepository struct {
	client     *firestore.Client
	collection string
}

// PromptRepositoryOption configures a PromptRepository.
type PromptRepositoryOption func(*PromptRepository)

// WithPromptCollection overrides the prompts collection name.
func WithPromptCollection(name string) PromptRepositoryOption {
	return func(r *PromptRepository) {
		r.collection = name
	}
}

func NewPromptRepository(client *firestore.Client, opts ...PromptRepositoryOption) *PromptRepository {
	r := &PromptRepository{client: client, collection: defaultPromptsCollection}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *PromptRepository) GetPrompt(ctx context.Context, promptID string) (*models.Prompt, error) {
	if !models.IsPromptIDSafe(promptID) {
		return nil, fmt.Errorf("%w: prompt id %q does not follow the versioned prompt pattern",
			models.ErrPromptInvalid, promptID)
	}
	snapshot, err := r.client.Collection(r.collection).Doc(promptID).Get(ctx)
	if err != nil {
		return nil, translateError(err, fmt.Sprintf("prompt %s", promptID), persistence.ErrPromptNotFound)
	}
	return models.ParsePrompt(snapshot.Data(), promptID)
}

// SchemaRepository implements persistence.SchemaStore on Firestore.
type SchemaRepository struct {
	client     *firestore.Client
	collection string
}

// SchemaRepositoryOption configures a SchemaRepository.
type SchemaRepositoryOption func(*SchemaRepository)

// WithSchemaCollection overrides the schemas collection name.
func WithSchemaCollection(name string) SchemaRepositoryOption {
	return func(r *SchemaRepository) {
		r.collection = name
	}
}

func NewSchemaRepository(client *firestore.Client, opts ...SchemaRepositoryOption) *SchemaRepository {
	r := &SchemaRepository{client: client, collection: defaultSchemasCollection}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *SchemaRepository) GetSchema(ctx context.Context, schemaID string) (*models.Schema, error) {
	if !models.IsSchemaIDSafe(schemaID) {
		return nil, fmt.Errorf("%w: schema id %q does not follow the versioned schema pattern",
			models.ErrSchemaInvalid, schemaID)
	}
	snapshot, err := r.client.Collection(r.collection).Doc(schemaID).Get(ctx)
	if err != nil {
		return nil, translateError(err, fmt.Sprintf("schema %s", schemaID), persistence.ErrSchemaNotFound)
	}
	return models.ParseSchema(snapshot.Data(), schemaID)
}

// translateError maps grpc status codes onto the store's sentinel errors, so
// callers never import grpc to branch on outcomes.
func translateError(err error, subject string, notFound error) error {
	switch status.Code(err) {
	case codes.NotFound:
		return fmt.Errorf("%s: %w", subject, notFound)
	case codes.FailedPrecondition, codes.Aborted:
		return fmt.Errorf("%s: %w", subject, persistence.ErrPreconditionFailed)
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted:
		return fmt.Errorf("%s: %w: %v", subject, persistence.ErrUnavailable, err)
	default:
		return fmt.Errorf("%s: %w", subject, err)
	}
}
