package artifacts

import (
	"fmt"
	"regexp"
	"strings"
)

// timeframeTokenPattern matches step id tokens that look like a timeframe,
// for example 4h, 15m, 1D.
var timeframeTokenPattern = regexp.MustCompile(`^[0-9]+[A-Za-z]+$`)

// PathPolicy derives the canonical object location of a report artifact:
// [prefix/]<runId>/<timeframe>/<stepId>.json inside a fixed bucket.
type PathPolicy struct {
	bucket string
	prefix string
}

// NewPathPolicy builds a policy for the given bucket and optional prefix.
// Surrounding slashes in the prefix are ignored.
func NewPathPolicy(bucket, prefix string) (*PathPolicy, error) {
	if strings.TrimSpace(bucket) == "" {
		return nil, fmt.Errorf("%w: bucket must be non-empty", ErrInvalidIdentifier)
	}
	return &PathPolicy{
		bucket: bucket,
		prefix: strings.Trim(strings.TrimSpace(prefix), "/"),
	}, nil
}

// ReportURI returns the artifact location for one report step. When the step
// id embeds timeframe-shaped tokens, each must match the step's timeframe
// case-insensitively, which catches steps wired to the wrong timeframe
// before anything is written.
func (p *PathPolicy) ReportURI(runID, timeframe, stepID string) (URI, error) {
	runID, err := requireIdentifier(runID, "runId")
	if err != nil {
		return URI{}, err
	}
	timeframe, err = requireIdentifier(timeframe, "timeframe")
	if err != nil {
		return URI{}, err
	}
	stepID, err = requireIdentifier(stepID, "stepId")
	if err != nil {
		return URI{}, err
	}
	if err := checkTimeframeTokens(timeframe, stepID); err != nil {
		return URI{}, err
	}

	segments := make([]string, 0, 4)
	if p.prefix != "" {
		segments = append(segments, p.prefix)
	}
	segments = append(segments, runID, timeframe, stepID+".json")
	return NewURI(p.bucket, strings.Join(segments, "/"))
}

func requireIdentifier(value, label string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("%w: %s must be a non-empty string", ErrInvalidIdentifier, label)
	}
	if strings.Contains(value, "/") {
		return "", fmt.Errorf("%w: %s must not contain '/'", ErrInvalidIdentifier, label)
	}
	return value, nil
}

func checkTimeframeTokens(timeframe, stepID string) error {
	for _, token := range strings.Split(stepID, "_") {
		if token == "" || !timeframeTokenPattern.MatchString(token) {
			continue
		}
		if !strings.EqualFold(token, timeframe) {
			return fmt.Errorf("%w: timeframe %q does not match timeframe token %q in stepId",
				ErrInvalidIdentifier, timeframe, token)
		}
	}
	return nil
}
