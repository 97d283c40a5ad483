// Package llm defines the generative model provider boundary.
package llm

import (
	"context"
	"errors"

	"github.com/tickerlab/stepflow/pkg/models"
)

// Provider failure classes. The orchestrator maps each onto its own error
// code on the failed step.
var (
	// ErrRateLimited indicates the provider rejected the call for quota.
	ErrRateLimited = errors.New("llm rate limited")

	// ErrSafetyBlocked indicates the provider suppressed the output.
	ErrSafetyBlocked = errors.New("llm safety blocked")

	// ErrRequestFailed indicates any other provider failure.
	ErrRequestFailed = errors.New("llm request failed")
)

// Part is one piece of the user content: text or inline binary data such as
// a chart image.
type Part struct {
	Text     string
	Data     []byte
	MIMEType string
}

// TextPart builds a text content part.
func TextPart(text string) Part {
	return Part{Text: text}
}

// DataPart builds an inline binary content part.
func DataPart(data []byte, mimeType string) Part {
	return Part{Data: data, MIMEType: mimeType}
}

// Request is one structured-output generation call.
type Request struct {
	System    string
	UserParts []Part
	Profile   *models.LLMProfile
	Schema    *models.Schema
}

// Response carries what the provider returned. Text may be empty when the
// provider produced no usable candidate; the validator treats that as a
// missing_text rejection rather than an error.
type Response struct {
	Text         string
	FinishReason string
	Usage        map[string]any
}

// Client calls a generative model provider.
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}
