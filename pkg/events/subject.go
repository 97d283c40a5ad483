package events

import "strings"

// SubjectParser recovers the run id from a document change subject, for
// example "documents/flow_runs/run-123/...". The id is the path segment
// following the configured collection name.
type SubjectParser struct {
	Collection string
}

func NewSubjectParser(collection string) *SubjectParser {
	return &SubjectParser{Collection: collection}
}

// RunID returns the run id embedded in subject, or "" when the subject does
// not reference the collection. Unparseable subjects are not errors; the
// invocation ignores them.
func (p *SubjectParser) RunID(subject string) string {
	if strings.TrimSpace(subject) == "" {
		return ""
	}
	parts := make([]string, 0, 8)
	for _, part := range strings.Split(subject, "/") {
		if part != "" {
			parts = append(parts, part)
		}
	}
	for i, part := range parts {
		if part == p.Collection && i+1 < len(parts) {
			return strings.TrimSpace(parts[i+1])
		}
	}
	return ""
}
