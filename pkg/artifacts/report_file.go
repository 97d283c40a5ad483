package artifacts

import (
	"encoding/json"
	"fmt"
)

// ReportFile is the persisted artifact of a succeeded report step: metadata
// about how the report was produced, plus the validated model output.
type ReportFile struct {
	Metadata map[string]any `json:"metadata"`
	Output   map[string]any `json:"output"`
}

// MarshalBytes serializes the report deterministically. Go's encoder writes
// object keys in sorted order, so byte-identical inputs produce
// byte-identical artifacts.
func (f *ReportFile) MarshalBytes() ([]byte, error) {
	payload, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("serialize report file: %w", err)
	}
	return payload, nil
}
