package models

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsPromptIDSafe(t *testing.T) {
	valid := []string{
		"llm_prompt_4h_report_v1_0",
		"llm_prompt_1d_reco_v2_13",
		"llm_prompt_15m_report_swing_v1_0",
		"llm_prompt_4h_report_btc2024_v10_0",
	}
	for _, id := range valid {
		assert.True(t, IsPromptIDSafe(id), id)
	}

	invalid := []string{
		"",
		"llm_prompt_4h_report",          // no version
		"llm_prompt_4h_report_v0_1",     // zero major
		"llm_prompt_4h_report_v1_01",    // zero-padded minor
		"llm_prompt_4h_summary_v1_0",    // unknown kind
		"llm_prompt_h4_report_v1_0",     // timeframe must start with digits
		"llm_schema_4h_report_v1_0",     // wrong namespace
		"llm_prompt_4h_report_UP_v1_0",  // uppercase suffix
		"llm_prompt_4h_report_" + strings.Repeat("a", 24) + "x_v1_0", // suffix too long
	}
	for _, id := range invalid {
		assert.False(t, IsPromptIDSafe(id), id)
	}

	long := "llm_prompt_4h_report_" + strings.Repeat("a", 20) + "_v1_" + strings.Repeat("9", 100)
	require.Greater(t, len(long), 128)
	assert.False(t, IsPromptIDSafe(long))
}

func TestIsSchemaIDSafe(t *testing.T) {
	assert.True(t, IsSchemaIDSafe("llm_schema_4h_report_v1_0"))
	assert.True(t, IsSchemaIDSafe("llm_schema_1d_reco_alt_v3_2"))
	assert.False(t, IsSchemaIDSafe("llm_prompt_4h_report_v1_0"))
	assert.False(t, IsSchemaIDSafe("llm_schema_4h_report_v1"))
}

func TestStructuredOutputSpec_SchemaVersion(t *testing.T) {
	spec := &StructuredOutputSpec{SchemaID: "llm_schema_4h_report_v3_12"}
	assert.Equal(t, 3, spec.SchemaVersion())

	spec = &StructuredOutputSpec{SchemaID: "llm_schema_4h_report"}
	assert.Equal(t, 0, spec.SchemaVersion())
}

func validProfileDoc() map[string]any {
	return map[string]any{
		"modelName":        "gemini-2.5-pro",
		"temperature":      0.2,
		"maxOutputTokens":  8192,
		"candidateCount":   1,
		"responseMimeType": "application/json",
		"structuredOutput": map[string]any{
			"schemaId":     "llm_schema_4h_report_v1_0",
			"kind":         "report",
			"schemaSha256": strings.Repeat("ab", 32),
		},
	}
}

func TestParseLLMProfile_Valid(t *testing.T) {
	profile, err := ParseLLMProfile(validProfileDoc())
	require.NoError(t, err)
	require.NoError(t, profile.ValidateForReport())

	assert.Equal(t, "gemini-2.5-pro", profile.ModelName)
	require.NotNil(t, profile.Temperature)
	assert.InDelta(t, 0.2, *profile.Temperature, 1e-9)
	require.NotNil(t, profile.MaxOutputTokens)
	assert.Equal(t, 8192, *profile.MaxOutputTokens)
	require.NotNil(t, profile.Structured)
	assert.Equal(t, "llm_schema_4h_report_v1_0", profile.Structured.SchemaID)
}

func TestParseLLMProfile_ModelKeyFallback(t *testing.T) {
	doc := validProfileDoc()
	delete(doc, "modelName")
	doc["model"] = "gemini-2.5-flash"

	profile, err := ParseLLMProfile(doc)
	require.NoError(t, err)
	assert.Equal(t, "gemini-2.5-flash", profile.ModelName)
}

func TestValidateForReport_Violations(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(doc map[string]any)
	}{
		{"wrong mime type", func(doc map[string]any) { doc["responseMimeType"] = "text/plain" }},
		{"multiple candidates", func(doc map[string]any) { doc["candidateCount"] = 2 }},
		{"missing structured output", func(doc map[string]any) { delete(doc, "structuredOutput") }},
		{"unsafe schema id", func(doc map[string]any) {
			doc["structuredOutput"].(map[string]any)["schemaId"] = "not_a_schema_id"
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := validProfileDoc()
			tt.mutate(doc)

			profile, err := ParseLLMProfile(doc)
			require.NoError(t, err)
			require.ErrorIs(t, profile.ValidateForReport(), ErrProfileInvalid)
		})
	}
}

func TestParseStructuredOutputSpec_BadChecksum(t *testing.T) {
	_, err := ParseStructuredOutputSpec(map[string]any{
		"schemaId":     "llm_schema_4h_report_v1_0",
		"schemaSha256": "nothex",
	})
	require.ErrorIs(t, err, ErrProfileInvalid)
}
