// Package memory provides an in-memory document store used by tests and
// local development. It implements the same conditional-write contract as
// the hosted store: every successful patch bumps an integer version, and a
// patch presenting a stale version is rejected.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/tickerlab/stepflow/pkg/models"
	"github.com/tickerlab/stepflow/pkg/persistence"
)

type document struct {
	data    map[string]any
	version int64
}

// Store holds run documents and the prompt/schema catalogs.
type Store struct {
	mu      sync.Mutex
	runs    map[string]*document
	prompts map[string]map[string]any
	schemas map[string]map[string]any
}

func NewStore() *Store {
	return &Store{
		runs:    make(map[string]*document),
		prompts: make(map[string]map[string]any),
		schemas: make(map[string]map[string]any),
	}
}

// PutRun seeds or replaces a run document, resetting its version.
func (s *Store) PutRun(runID string, doc map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[runID] = &document{data: deepCopy(doc), version: 1}
}

// PutPrompt seeds a prompt document.
func (s *Store) PutPrompt(promptID string, doc map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts[promptID] = deepCopy(doc)
}

// PutSchema seeds a schema document.
func (s *Store) PutSchema(schemaID string, doc map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schemas[schemaID] = deepCopy(doc)
}

// RawRun returns a copy of the current run document, for assertions.
func (s *Store) RawRun(runID string) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.runs[runID]
	if !ok {
		return nil, false
	}
	return deepCopy(doc.data), true
}

func (s *Store) Get(_ context.Context, runID string) (*persistence.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, persistence.ErrFlowRunNotFound)
	}
	run, err := models.ParseFlowRun(deepCopy(doc.data), runID)
	if err != nil {
		return nil, err
	}
	return &persistence.Record{Run: run, Version: doc.version}, nil
}

func (s *Store) Patch(_ context.Context, runID string, patch map[string]any, version any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("run %s: %w", runID, persistence.ErrFlowRunNotFound)
	}
	if v, ok := version.(int64); !ok || v != doc.version {
		return fmt.Errorf("run %s: %w", runID, persistence.ErrPreconditionFailed)
	}
	for path, value := range patch {
		if err := applyField(doc.data, path, value); err != nil {
			return err
		}
	}
	doc.version++
	return nil
}

func (s *Store) GetPrompt(_ context.Context, promptID string) (*models.Prompt, error) {
	s.mu.Lock()
	raw, ok := s.prompts[promptID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("prompt %s: %w", promptID, persistence.ErrPromptNotFound)
	}
	return models.ParsePrompt(deepCopy(raw), promptID)
}

func (s *Store) GetSchema(_ context.Context, schemaID string) (*models.Schema, error) {
	s.mu.Lock()
	raw, ok := s.schemas[schemaID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("schema %s: %w", schemaID, persistence.ErrSchemaNotFound)
	}
	return models.ParseSchema(deepCopy(raw), schemaID)
}

// applyField walks a dotted path, creating intermediate objects, and sets the
// leaf. A nil value deletes the leaf instead.
func applyField(doc map[string]any, path string, value any) error {
	segments := strings.Split(path, ".")
	current := doc
	for _, segment := range segments[:len(segments)-1] {
		next, ok := current[segment].(map[string]any)
		if !ok {
			if existing, present := current[segment]; present && existing != nil {
				return fmt.Errorf("patch path %s crosses non-object field %s", path, segment)
			}
			next = make(map[string]any)
			current[segment] = next
		}
		current = next
	}
	leaf := segments[len(segments)-1]
	if value == nil {
		delete(current, leaf)
		return nil
	}
	current[leaf] = deepCopyValue(value)
	return nil
}

func deepCopy(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src))
	for key, value := range src {
		dst[key] = deepCopyValue(value)
	}
	return dst
}

func deepCopyValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return deepCopy(v)
	case []any:
		items := make([]any, len(v))
		for i, item := range v {
			items[i] = deepCopyValue(item)
		}
		return items
	default:
		return v
	}
}
