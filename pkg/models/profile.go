package models

import (
	"regexp"
	"strconv"
	"strings"
)

// Identifier patterns for versioned prompt/schema documents:
// llm_prompt_<timeframe>_<kind>[_<suffix>]_v<major>_<minor>.
var (
	promptIDPattern = regexp.MustCompile(
		`^llm_prompt_[1-9][0-9]*[A-Za-z]+_(report|reco)(_[a-z0-9]{1,24})?_v[1-9][0-9]*_(0|[1-9][0-9]*)$`)
	schemaIDPattern = regexp.MustCompile(
		`^llm_schema_[1-9][0-9]*[A-Za-z]+_(report|reco)(_[a-z0-9]{1,24})?_v[1-9][0-9]*_(0|[1-9][0-9]*)$`)
	schemaMajorPattern = regexp.MustCompile(`_v([1-9][0-9]*)_(?:0|[1-9][0-9]*)$`)
	sha256HexPattern   = regexp.MustCompile(`^[0-9a-f]{64}$`)
)

const maxIdentifierLength = 128

// IsPromptIDSafe reports whether an id follows the versioned prompt pattern.
func IsPromptIDSafe(promptID string) bool {
	return len(promptID) <= maxIdentifierLength && promptIDPattern.MatchString(promptID)
}

// IsSchemaIDSafe reports whether an id follows the versioned schema pattern.
func IsSchemaIDSafe(schemaID string) bool {
	return len(schemaID) <= maxIdentifierLength && schemaIDPattern.MatchString(schemaID)
}

// StructuredOutputSpec names the schema a report step's output must validate
// against.
type StructuredOutputSpec struct {
	SchemaID     string
	Kind         string
	SchemaSHA256 string
}

// ParseStructuredOutputSpec validates the structuredOutput object of a profile.
func ParseStructuredOutputSpec(raw map[string]any) (*StructuredOutputSpec, error) {
	if raw == nil {
		return nil, invalidProfile("llmProfile.structuredOutput is required")
	}
	schemaID, ok := raw["schemaId"].(string)
	if !ok || strings.TrimSpace(schemaID) == "" {
		return nil, invalidProfile("llmProfile.structuredOutput.schemaId is required")
	}
	spec := &StructuredOutputSpec{SchemaID: strings.TrimSpace(schemaID)}
	if kind, ok := raw["kind"].(string); ok {
		spec.Kind = kind
	}
	if sha, ok := raw["schemaSha256"].(string); ok && sha != "" {
		if !sha256HexPattern.MatchString(sha) {
			return nil, invalidProfile("llmProfile.structuredOutput.schemaSha256 must be 64 hex chars")
		}
		spec.SchemaSHA256 = sha
	}
	return spec, nil
}

// SchemaVersion extracts the major version from the schema id, or 0 when the
// id does not carry one.
func (s *StructuredOutputSpec) SchemaVersion() int {
	match := schemaMajorPattern.FindStringSubmatch(s.SchemaID)
	if match == nil {
		return 0
	}
	major, err := strconv.Atoi(match[1])
	if err != nil {
		return 0
	}
	return major
}

func (s *StructuredOutputSpec) ToMap() map[string]any {
	payload := map[string]any{"schemaId": s.SchemaID}
	if s.Kind != "" {
		payload["kind"] = s.Kind
	}
	if s.SchemaSHA256 != "" {
		payload["schemaSha256"] = s.SchemaSHA256
	}
	return payload
}

// LLMProfile is the execution profile of a report step: model choice, sampling
// parameters, and the structured-output requirements.
type LLMProfile struct {
	ModelName        string
	Temperature      *float64
	TopP             *float64
	TopK             *int
	MaxOutputTokens  *int
	CandidateCount   *int
	StopSequences    []string
	ResponseMIMEType string
	Structured       *StructuredOutputSpec

	raw map[string]any
}

// ParseLLMProfile is a lenient parse: it records what the profile declares and
// leaves contract enforcement to ValidateForReport, so a malformed profile can
// still be reported with its declared model name.
func ParseLLMProfile(raw map[string]any) (*LLMProfile, error) {
	if raw == nil {
		return nil, invalidProfile("llmProfile is required")
	}
	profile := &LLMProfile{raw: raw}

	if name, ok := raw["modelName"].(string); ok && strings.TrimSpace(name) != "" {
		profile.ModelName = strings.TrimSpace(name)
	} else if name, ok := raw["model"].(string); ok && strings.TrimSpace(name) != "" {
		profile.ModelName = strings.TrimSpace(name)
	}

	profile.Temperature = floatField(raw, "temperature")
	profile.TopP = floatField(raw, "topP")
	profile.TopK = intField(raw, "topK")
	profile.MaxOutputTokens = intField(raw, "maxOutputTokens")
	profile.CandidateCount = intField(raw, "candidateCount")

	if mime, ok := raw["responseMimeType"].(string); ok {
		profile.ResponseMIMEType = mime
	}
	if stop, ok := raw["stopSequences"].([]any); ok {
		for _, item := range stop {
			if s, ok := item.(string); ok {
				profile.StopSequences = append(profile.StopSequences, s)
			}
		}
	}
	if structured, ok := raw["structuredOutput"].(map[string]any); ok {
		spec, err := ParseStructuredOutputSpec(structured)
		if err != nil {
			return nil, err
		}
		profile.Structured = spec
	}
	return profile, nil
}

// ValidateForReport enforces the report-step profile contract: JSON output,
// exactly one candidate, and a well-formed structured-output schema reference.
func (p *LLMProfile) ValidateForReport() error {
	if p.ResponseMIMEType != "application/json" {
		return invalidProfile("llmProfile.responseMimeType must be application/json")
	}
	if p.CandidateCount != nil && *p.CandidateCount != 1 {
		return invalidProfile("llmProfile.candidateCount must be 1")
	}
	if p.Structured == nil {
		return invalidProfile("llmProfile.structuredOutput is required")
	}
	if !IsSchemaIDSafe(p.Structured.SchemaID) {
		return invalidProfile("llmProfile.structuredOutput.schemaId %q does not follow the versioned schema pattern", p.Structured.SchemaID)
	}
	return nil
}

// Raw returns the profile as declared on the step, for artifact metadata.
func (p *LLMProfile) Raw() map[string]any {
	return p.raw
}

func floatField(raw map[string]any, key string) *float64 {
	switch v := raw[key].(type) {
	case float64:
		return &v
	case int:
		f := float64(v)
		return &f
	case int64:
		f := float64(v)
		return &f
	default:
		return nil
	}
}

func intField(raw map[string]any, key string) *int {
	switch v := raw[key].(type) {
	case int:
		return &v
	case int64:
		n := int(v)
		return &n
	case float64:
		n := int(v)
		return &n
	default:
		return nil
	}
}
