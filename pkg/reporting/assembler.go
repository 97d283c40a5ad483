// Package reporting assembles the model request context for a report step:
// it loads the upstream artifacts a step references, enforces size and
// format limits on them, and renders the final user prompt section.
package reporting

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/tickerlab/stepflow/pkg/artifacts"
	"github.com/tickerlab/stepflow/pkg/models"
)

// Hard limits on context assembly. Oversized artifacts fail the step instead
// of being injected into the model request.
const (
	MaxJSONArtifactBytes = 65536
	MaxChartImageBytes   = 262144
)

// JSONArtifact is one upstream JSON document, normalized to a canonical
// string for deterministic prompt injection.
type JSONArtifact struct {
	URI     string
	Payload string
	Bytes   int
	Data    any
}

// ChartImage is one chart referenced by the charts manifest.
type ChartImage struct {
	URI         string
	Description string
	MIMEType    string
	Data        []byte
}

// PreviousReport is an earlier report loaded as context. StepID is empty for
// reports referenced by external URI.
type PreviousReport struct {
	StepID   string
	Artifact JSONArtifact
}

// ResolvedInput is the fully materialized upstream context of a report step.
type ResolvedInput struct {
	Symbol          string
	Timeframe       string
	OHLCV           JSONArtifact
	ChartsManifest  JSONArtifact
	ChartImages     []ChartImage
	PreviousReports []PreviousReport
}

// Payload is the rendered model input: the prompt text plus chart images to
// attach as separate binary parts.
type Payload struct {
	Text        string
	ChartImages []ChartImage
}

// Assembler loads and renders upstream context through an artifact store.
type Assembler struct {
	store         artifacts.Store
	maxJSONBytes  int
	maxImageBytes int
}

// AssemblerOption configures an Assembler.
type AssemblerOption func(*Assembler)

// WithLimits overrides the artifact size caps.
func WithLimits(maxJSONBytes, maxImageBytes int) AssemblerOption {
	return func(a *Assembler) {
		a.maxJSONBytes = maxJSONBytes
		a.maxImageBytes = maxImageBytes
	}
}

func NewAssembler(store artifacts.Store, opts ...AssemblerOption) *Assembler {
	a := &Assembler{
		store:         store,
		maxJSONBytes:  MaxJSONArtifactBytes,
		maxImageBytes: MaxChartImageBytes,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Resolve materializes every upstream artifact the step's inputs reference.
// All failures return ErrInvalidStepInputs: a reference the run declared that
// cannot be loaded within limits makes the step invalid.
func (a *Assembler) Resolve(ctx context.Context, run *models.FlowRun, step *models.ReportStep, inputs *models.ReportInputs) (*ResolvedInput, error) {
	symbol, ok := run.Symbol()
	if !ok {
		return nil, invalidInputs("scope.symbol is required")
	}
	timeframe, ok := step.Timeframe()
	if !ok {
		return nil, invalidInputs("step timeframe is required")
	}

	ohlcv, err := a.loadJSON(ctx, inputs.OHLCVURI, "ohlcv")
	if err != nil {
		return nil, err
	}
	manifest, err := a.loadJSON(ctx, inputs.ChartsManifestURI, "charts_manifest")
	if err != nil {
		return nil, err
	}
	images, err := a.loadChartImages(ctx, manifest.Data)
	if err != nil {
		return nil, err
	}

	previous := make([]PreviousReport, 0, len(inputs.PreviousReportURIs))
	for i, uri := range inputs.PreviousReportURIs {
		stepID := ""
		if i < len(inputs.PreviousReportStepIDs) {
			stepID = inputs.PreviousReportStepIDs[i]
		}
		label := "previous_report:external"
		if stepID != "" {
			label = "previous_report:" + stepID
		}
		artifact, err := a.loadJSON(ctx, uri, label)
		if err != nil {
			return nil, err
		}
		previous = append(previous, PreviousReport{StepID: stepID, Artifact: artifact})
	}

	return &ResolvedInput{
		Symbol:          symbol,
		Timeframe:       timeframe,
		OHLCV:           ohlcv,
		ChartsManifest:  manifest,
		ChartImages:     images,
		PreviousReports: previous,
	}, nil
}

// Assemble renders the prompt text: the base user prompt followed by a
// deterministic UserInput section carrying scope, the JSON artifacts, and a
// listing of attached chart images.
func (a *Assembler) Assemble(basePrompt string, resolved *ResolvedInput) (*Payload, error) {
	if strings.TrimSpace(basePrompt) == "" {
		return nil, invalidInputs("userPrompt must be a non-empty string")
	}

	var b strings.Builder
	line := func(s string) {
		b.WriteString(s)
		b.WriteByte('\n')
	}

	line(strings.TrimRight(basePrompt, " \t\n"))
	line("")
	line("## UserInput")
	line("")
	line("Symbol: " + resolved.Symbol)
	line("Timeframe: " + resolved.Timeframe)
	line("")
	line("### OHLCV (time series)")
	line("Source: " + resolved.OHLCV.URI)
	line("```json")
	line(resolved.OHLCV.Payload)
	line("```")
	line("")
	line("### Charts (images)")
	if len(resolved.ChartImages) > 0 {
		for _, chart := range resolved.ChartImages {
			line(fmt.Sprintf("- %s (uri: %s)", chart.Description, chart.URI))
		}
	} else {
		line("- (no charts available)")
	}
	line("")
	line("### Charts manifest (JSON)")
	line("Source: " + resolved.ChartsManifest.URI)
	line("```json")
	line(resolved.ChartsManifest.Payload)
	line("```")
	line("")
	line("### Previous reports")
	if len(resolved.PreviousReports) > 0 {
		for _, report := range resolved.PreviousReports {
			label := report.StepID
			if label == "" {
				label = "external"
			}
			line(fmt.Sprintf("- %s (uri: %s)", label, report.Artifact.URI))
			line("```json")
			line(report.Artifact.Payload)
			line("```")
		}
	} else {
		line("(none)")
	}

	text := strings.TrimSpace(b.String()) + "\n"
	return &Payload{Text: text, ChartImages: resolved.ChartImages}, nil
}

func (a *Assembler) loadJSON(ctx context.Context, rawURI, label string) (JSONArtifact, error) {
	uri, err := artifacts.ParseURI(rawURI)
	if err != nil {
		return JSONArtifact{}, invalidInputs("%s must be a valid gs:// URI", label)
	}
	payload, err := a.store.ReadBytes(ctx, uri)
	if err != nil {
		return JSONArtifact{}, fmt.Errorf("load %s: %w", label, err)
	}
	if len(payload) > a.maxJSONBytes {
		return JSONArtifact{}, invalidInputs("%s exceeds maxContextBytesPerJsonArtifact", label)
	}
	if !utf8.Valid(payload) {
		return JSONArtifact{}, invalidInputs("%s must be utf-8 JSON", label)
	}
	var parsed any
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return JSONArtifact{}, invalidInputs("%s must be valid JSON", label)
	}
	normalized, err := json.Marshal(parsed)
	if err != nil {
		return JSONArtifact{}, invalidInputs("%s must be valid JSON", label)
	}
	return JSONArtifact{
		URI:     uri.String(),
		Payload: string(normalized),
		Bytes:   len(payload),
		Data:    parsed,
	}, nil
}

// loadChartImages walks the manifest's item list and loads each referenced
// image. Items without a recognizable URI are skipped, but a manifest
// yielding no usable image at all is invalid.
func (a *Assembler) loadChartImages(ctx context.Context, manifestData any) ([]ChartImage, error) {
	manifest, ok := manifestData.(map[string]any)
	if !ok {
		return nil, invalidInputs("charts manifest must be an object")
	}
	items, err := manifestItems(manifest)
	if err != nil {
		return nil, err
	}

	var images []ChartImage
	for _, rawItem := range items {
		item, ok := rawItem.(map[string]any)
		if !ok {
			continue
		}
		rawURI := chartURI(item)
		if rawURI == "" {
			continue
		}
		uri, err := artifacts.ParseURI(rawURI)
		if err != nil {
			return nil, invalidInputs("chart_image must be a valid gs:// URI")
		}
		data, err := a.store.ReadBytes(ctx, uri)
		if err != nil {
			return nil, fmt.Errorf("load chart_image: %w", err)
		}
		if len(data) > a.maxImageBytes {
			return nil, invalidInputs("chart image exceeds maxChartImageBytes")
		}
		images = append(images, ChartImage{
			URI:         uri.String(),
			Description: chartDescription(item),
			MIMEType:    "image/png",
			Data:        data,
		})
	}

	if len(images) == 0 {
		return nil, invalidInputs("charts manifest contains no valid image URIs")
	}
	return images, nil
}

func manifestItems(manifest map[string]any) ([]any, error) {
	for _, key := range []string{"items", "charts", "images"} {
		raw, present := manifest[key]
		if !present {
			continue
		}
		items, ok := raw.([]any)
		if !ok {
			return nil, invalidInputs("charts manifest items must be an array")
		}
		return items, nil
	}
	return nil, invalidInputs("charts manifest must include items")
}

var chartURIKeys = []string{"gcsUri", "gcs_uri", "pngGcsUri", "png_gcs_uri", "imageGcsUri", "uri"}

func chartURI(item map[string]any) string {
	for _, key := range chartURIKeys {
		if value, ok := item[key].(string); ok && strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	if artifact, ok := item["artifact"].(map[string]any); ok {
		for _, key := range chartURIKeys {
			if value, ok := artifact[key].(string); ok && strings.TrimSpace(value) != "" {
				return strings.TrimSpace(value)
			}
		}
	}
	return ""
}

func chartDescription(item map[string]any) string {
	for _, key := range []string{"description", "chartTemplateId", "kind", "templateId"} {
		if value, ok := item[key].(string); ok && strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return "chart"
}

func invalidInputs(format string, args ...any) error {
	return fmt.Errorf("%w: %s", models.ErrInvalidStepInputs, fmt.Sprintf(format, args...))
}
