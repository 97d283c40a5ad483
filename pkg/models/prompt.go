package models

import (
	"fmt"
	"strings"
)

// Prompt is a versioned prompt document: a system instruction plus the base
// user prompt the context assembler extends.
type Prompt struct {
	ID                string
	SchemaVersion     int
	SystemInstruction string
	UserPrompt        string
}

// ParsePrompt validates a raw prompt document fetched by id.
func ParsePrompt(raw map[string]any, promptID string) (*Prompt, error) {
	if raw == nil {
		return nil, fmt.Errorf("%w: prompt %s must be an object", ErrPromptInvalid, promptID)
	}
	system, ok := raw["systemInstruction"].(string)
	if !ok || strings.TrimSpace(system) == "" {
		return nil, fmt.Errorf("%w: prompt %s: systemInstruction is required", ErrPromptInvalid, promptID)
	}
	user, ok := raw["userPrompt"].(string)
	if !ok || strings.TrimSpace(user) == "" {
		return nil, fmt.Errorf("%w: prompt %s: userPrompt is required", ErrPromptInvalid, promptID)
	}
	version := 0
	if v := intField(raw, "schemaVersion"); v != nil {
		version = *v
	}
	return &Prompt{
		ID:                promptID,
		SchemaVersion:     version,
		SystemInstruction: system,
		UserPrompt:        user,
	}, nil
}

// Schema is a versioned structured-output schema document. Every schema used
// by this system must at minimum require a summary.markdown string and a
// details object; documents violating that contract are rejected at parse
// time rather than at validation time.
type Schema struct {
	ID         string
	Kind       string
	JSONSchema map[string]any
	SHA256     string
}

// ParseSchema validates a raw schema document fetched by id, including the
// minimum output contract and the checksum format.
func ParseSchema(raw map[string]any, schemaID string) (*Schema, error) {
	if raw == nil {
		return nil, fmt.Errorf("%w: schema %s must be an object", ErrSchemaInvalid, schemaID)
	}
	if docID, ok := raw["schemaId"].(string); ok && docID != schemaID {
		return nil, fmt.Errorf("%w: schema %s: schemaId mismatch", ErrSchemaInvalid, schemaID)
	}
	jsonSchema, ok := raw["jsonSchema"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: schema %s: jsonSchema is required", ErrSchemaInvalid, schemaID)
	}
	if err := checkMinimumContract(jsonSchema); err != nil {
		return nil, fmt.Errorf("%w: schema %s: %s", ErrSchemaInvalid, schemaID, err)
	}
	sha, ok := raw["sha256"].(string)
	if !ok || !sha256HexPattern.MatchString(sha) {
		return nil, fmt.Errorf("%w: schema %s: sha256 must be 64 hex chars", ErrSchemaInvalid, schemaID)
	}
	schema := &Schema{
		ID:         schemaID,
		JSONSchema: jsonSchema,
		SHA256:     sha,
	}
	if kind, ok := raw["kind"].(string); ok {
		schema.Kind = kind
	}
	return schema, nil
}

// checkMinimumContract verifies the schema demands the output shape every
// consumer of report artifacts relies on: a top-level object requiring both
// summary (with a markdown string) and details (an object).
func checkMinimumContract(schema map[string]any) error {
	if t, _ := schema["type"].(string); t != "object" {
		return fmt.Errorf("top-level type must be object")
	}
	required := stringSet(schema["required"])
	if _, ok := required["summary"]; !ok {
		return fmt.Errorf("summary must be required")
	}
	if _, ok := required["details"]; !ok {
		return fmt.Errorf("details must be required")
	}
	properties, ok := schema["properties"].(map[string]any)
	if !ok {
		return fmt.Errorf("properties must be an object")
	}
	summary, ok := properties["summary"].(map[string]any)
	if !ok {
		return fmt.Errorf("properties.summary must be an object schema")
	}
	summaryRequired := stringSet(summary["required"])
	if _, ok := summaryRequired["markdown"]; !ok {
		return fmt.Errorf("summary.markdown must be required")
	}
	summaryProps, ok := summary["properties"].(map[string]any)
	if !ok {
		return fmt.Errorf("properties.summary.properties must be an object")
	}
	markdown, ok := summaryProps["markdown"].(map[string]any)
	if !ok {
		return fmt.Errorf("summary.markdown schema must be an object")
	}
	if t, _ := markdown["type"].(string); t != "string" {
		return fmt.Errorf("summary.markdown must be a string field")
	}
	details, ok := properties["details"].(map[string]any)
	if !ok {
		return fmt.Errorf("properties.details must be an object schema")
	}
	if t, _ := details["type"].(string); t != "object" {
		return fmt.Errorf("details must be an object field")
	}
	return nil
}

func stringSet(raw any) map[string]struct{} {
	set := make(map[string]struct{})
	items, ok := raw.([]any)
	if !ok {
		return set
	}
	for _, item := range items {
		if s, ok := item.(string); ok {
			set[s] = struct{}{}
		}
	}
	return set
}
