package models

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePrompt(t *testing.T) {
	prompt, err := ParsePrompt(map[string]any{
		"systemInstruction": "You are a market analyst.",
		"userPrompt":        "Analyze the data below.",
		"schemaVersion":     2,
	}, "llm_prompt_4h_report_v2_0")
	require.NoError(t, err)
	assert.Equal(t, "llm_prompt_4h_report_v2_0", prompt.ID)
	assert.Equal(t, 2, prompt.SchemaVersion)
	assert.Equal(t, "You are a market analyst.", prompt.SystemInstruction)

	_, err = ParsePrompt(map[string]any{"userPrompt": "x"}, "p")
	require.ErrorIs(t, err, ErrPromptInvalid)

	_, err = ParsePrompt(map[string]any{"systemInstruction": "x", "userPrompt": "  "}, "p")
	require.ErrorIs(t, err, ErrPromptInvalid)
}

func minimalJSONSchema() map[string]any {
	return map[string]any{
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
	}
}

func validSchemaDoc() map[string]any {
	return map[string]any{
		"schemaId":   "llm_schema_4h_report_v1_0",
		"kind":       "report",
		"jsonSchema": minimalJSONSchema(),
		"sha256":     strings.Repeat("cd", 32),
	}
}

func TestParseSchema_Valid(t *testing.T) {
	schema, err := ParseSchema(validSchemaDoc(), "llm_schema_4h_report_v1_0")
	require.NoError(t, err)
	assert.Equal(t, "llm_schema_4h_report_v1_0", schema.ID)
	assert.Equal(t, "report", schema.Kind)
	assert.Equal(t, strings.Repeat("cd", 32), schema.SHA256)
}

func TestParseSchema_IDMismatch(t *testing.T) {
	_, err := ParseSchema(validSchemaDoc(), "llm_schema_1d_report_v1_0")
	require.ErrorIs(t, err, ErrSchemaInvalid)
}

func TestParseSchema_BadChecksum(t *testing.T) {
	doc := validSchemaDoc()
	doc["sha256"] = "tooshort"

	_, err := ParseSchema(doc, "llm_schema_4h_report_v1_0")
	require.ErrorIs(t, err, ErrSchemaInvalid)
}

func TestParseSchema_MinimumContract(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(js map[string]any)
	}{
		{"top level not object", func(js map[string]any) { js["type"] = "array" }},
		{"summary not required", func(js map[string]any) { js["required"] = []any{"details"} }},
		{"details not required", func(js map[string]any) { js["required"] = []any{"summary"} }},
		{"markdown not required", func(js map[string]any) {
			js["properties"].(map[string]any)["summary"].(map[string]any)["required"] = []any{}
		}},
		{"markdown not string", func(js map[string]any) {
			js["properties"].(map[string]any)["summary"].(map[string]any)["properties"].(map[string]any)["markdown"] = map[string]any{"type": "number"}
		}},
		{"details not object", func(js map[string]any) {
			js["properties"].(map[string]any)["details"] = map[string]any{"type": "array"}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := validSchemaDoc()
			tt.mutate(doc["jsonSchema"].(map[string]any))

			_, err := ParseSchema(doc, "llm_schema_4h_report_v1_0")
			require.ErrorIs(t, err, ErrSchemaInvalid)
		})
	}
}
