// Package gemini implements the model provider boundary on the Gemini API.
package gemini

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"

	"github.com/tickerlab/stepflow/pkg/llm"
)

// Client calls Gemini through the official SDK.
type Client struct {
	client *genai.Client
}

// NewClient builds a Gemini-backed client using API key auth.
func NewClient(ctx context.Context, apiKey string) (*Client, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &Client{client: client}, nil
}

func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	config := buildConfig(req)

	parts := make([]*genai.Part, 0, len(req.UserParts))
	for _, part := range req.UserParts {
		if part.Data != nil {
			parts = append(parts, genai.NewPartFromBytes(part.Data, part.MIMEType))
			continue
		}
		parts = append(parts, genai.NewPartFromText(part.Text))
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	resp, err := c.client.Models.GenerateContent(ctx, req.Profile.ModelName, contents, config)
	if err != nil {
		return nil, translateError(err)
	}
	if blocked(resp) {
		return nil, fmt.Errorf("%w: finishReason=%s", llm.ErrSafetyBlocked, finishReason(resp))
	}

	return &llm.Response{
		Text:         resp.Text(),
		FinishReason: finishReason(resp),
		Usage:        usageMetadata(resp),
	}, nil
}

func buildConfig(req llm.Request) *genai.GenerateContentConfig {
	profile := req.Profile
	config := &genai.GenerateContentConfig{
		ResponseMIMEType: profile.ResponseMIMEType,
	}
	if req.System != "" {
		config.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if profile.Temperature != nil {
		config.Temperature = genai.Ptr(float32(*profile.Temperature))
	}
	if profile.TopP != nil {
		config.TopP = genai.Ptr(float32(*profile.TopP))
	}
	if profile.TopK != nil {
		config.TopK = genai.Ptr(float32(*profile.TopK))
	}
	if profile.MaxOutputTokens != nil {
		config.MaxOutputTokens = int32(*profile.MaxOutputTokens)
	}
	if profile.CandidateCount != nil {
		config.CandidateCount = int32(*profile.CandidateCount)
	}
	if len(profile.StopSequences) > 0 {
		config.StopSequences = profile.StopSequences
	}
	if req.Schema != nil {
		config.ResponseJsonSchema = req.Schema.JSONSchema
	}
	return config
}

func blocked(resp *genai.GenerateContentResponse) bool {
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return true
	}
	if len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason == genai.FinishReasonSafety {
		return true
	}
	return false
}

func finishReason(resp *genai.GenerateContentResponse) string {
	if len(resp.Candidates) == 0 {
		return ""
	}
	return string(resp.Candidates[0].FinishReason)
}

func usageMetadata(resp *genai.GenerateContentResponse) map[string]any {
	if resp.UsageMetadata == nil {
		return nil
	}
	return map[string]any{
		"promptTokenCount":     resp.UsageMetadata.PromptTokenCount,
		"candidatesTokenCount": resp.UsageMetadata.CandidatesTokenCount,
		"totalTokenCount":      resp.UsageMetadata.TotalTokenCount,
	}
}

func translateError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 429:
			return fmt.Errorf("%w: %v", llm.ErrRateLimited, err)
		}
	}
	return fmt.Errorf("%w: %v", llm.ErrRequestFailed, err)
}
