// Package structured validates model output text against the step's declared
// JSON schema. A rejection is a value, not an error: invalid model output is
// an expected outcome that finalizes the step as FAILED, while infrastructure
// failures remain real errors.
package structured

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/tickerlab/stepflow/pkg/models"
)

// Rejection kinds, ordered by validation stage.
const (
	KindMissingText      = "missing_text"
	KindJSONParse        = "json_parse"
	KindSchemaValidation = "schema_validation"
)

// Rejection describes why model output was not accepted. TextBytes and
// TextSHA256 identify the exact rejected text without persisting it.
type Rejection struct {
	Kind         string
	Message      string
	FinishReason string
	TextBytes    int
	TextSHA256   string
}

// ErrorMessage renders the rejection as the single message string persisted
// on the failed step.
func (r *Rejection) ErrorMessage() string {
	parts := []string{"kind=" + r.Kind}
	if r.Message != "" {
		parts = append(parts, r.Message)
	}
	if r.FinishReason != "" {
		parts = append(parts, "finishReason="+r.FinishReason)
	}
	return strings.Join(parts, " ")
}

// Validator checks response text against a schema document.
type Validator struct{}

func NewValidator() *Validator {
	return &Validator{}
}

// Validate parses text as JSON and validates it against the schema. On
// success it returns the decoded payload; otherwise a Rejection describing
// the first failure in deterministic path order. finishReason is carried
// into the rejection diagnostics, where MAX_TOKENS is the usual explanation
// for truncated JSON.
func (v *Validator) Validate(text string, schema *models.Schema, finishReason string) (map[string]any, *Rejection) {
	textBytes, textSHA := textDiagnostics(text)
	reject := func(kind, message string) *Rejection {
		rejection := &Rejection{
			Kind:         kind,
			Message:      message,
			FinishReason: finishReason,
			TextBytes:    textBytes,
			TextSHA256:   textSHA,
		}
		// The finish reason explains absent or truncated text. Once the
		// payload parsed, schema violations are independent of it.
		if kind == KindSchemaValidation {
			rejection.FinishReason = ""
		}
		return rejection
	}

	if strings.TrimSpace(text) == "" {
		return nil, reject(KindMissingText, "")
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		var anything any
		if jsonErr := json.Unmarshal([]byte(text), &anything); jsonErr != nil {
			return nil, reject(KindJSONParse, "")
		}
		return nil, reject(KindSchemaValidation, "path=<root> expected=object")
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(schema.JSONSchema),
		gojsonschema.NewGoLoader(payload),
	)
	if err != nil {
		return nil, reject(KindSchemaValidation, fmt.Sprintf("schema evaluation failed: %v", err))
	}
	if !result.Valid() {
		return nil, reject(KindSchemaValidation, formatFirstError(result.Errors()))
	}
	return payload, nil
}

func textDiagnostics(text string) (int, string) {
	raw := []byte(text)
	sum := sha256.Sum256(raw)
	return len(raw), hex.EncodeToString(sum[:])
}

// formatFirstError renders the lowest-path schema violation in the compact
// key=value form persisted on failed steps, for example
// "missing=summary.markdown" or "path=summary.markdown expected=string".
func formatFirstError(errs []gojsonschema.ResultError) string {
	if len(errs) == 0 {
		return "schema validation failed"
	}
	sorted := make([]gojsonschema.ResultError, len(errs))
	copy(sorted, errs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return errorPath(sorted[i]) < errorPath(sorted[j])
	})
	first := sorted[0]
	path := errorPath(first)

	switch first.Type() {
	case "required":
		property, _ := first.Details()["property"].(string)
		if property == "" {
			break
		}
		if path == "" {
			return "missing=" + property
		}
		return fmt.Sprintf("missing=%s.%s", path, property)
	case "invalid_type":
		expected, _ := first.Details()["expected"].(string)
		if expected == "" {
			expected = "unknown"
		}
		if path == "" {
			return "path=<root> expected=" + expected
		}
		return fmt.Sprintf("path=%s expected=%s", path, expected)
	}

	if path == "" {
		return "validator=" + first.Type()
	}
	return fmt.Sprintf("path=%s validator=%s", path, first.Type())
}

func errorPath(err gojsonschema.ResultError) string {
	field := err.Field()
	if field == gojsonschema.STRING_CONTEXT_ROOT {
		return ""
	}
	return field
}
