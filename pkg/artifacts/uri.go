// Package artifacts defines the object store boundary: URI and path rules
// for report artifacts, the serialized report file, and the store interface
// with create-only write semantics.
package artifacts

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidURI indicates a malformed object store URI.
var ErrInvalidURI = errors.New("invalid artifact uri")

// ErrInvalidIdentifier indicates a path identifier (runId, timeframe,
// stepId) that cannot form a valid object path.
var ErrInvalidIdentifier = errors.New("invalid path identifier")

// URI locates one object as bucket plus object path.
type URI struct {
	Bucket string
	Object string
}

// ParseURI parses a gs://bucket/object reference.
func ParseURI(value string) (URI, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return URI{}, fmt.Errorf("%w: must be a non-empty string", ErrInvalidURI)
	}
	rest, ok := strings.CutPrefix(value, "gs://")
	if !ok {
		return URI{}, fmt.Errorf("%w: must start with gs://", ErrInvalidURI)
	}
	bucket, object, found := strings.Cut(rest, "/")
	if !found {
		return URI{}, fmt.Errorf("%w: must include bucket and object path", ErrInvalidURI)
	}
	return NewURI(bucket, object)
}

// NewURI validates the components of an object reference.
func NewURI(bucket, object string) (URI, error) {
	if strings.TrimSpace(bucket) == "" {
		return URI{}, fmt.Errorf("%w: bucket must be non-empty", ErrInvalidURI)
	}
	if strings.TrimSpace(object) == "" {
		return URI{}, fmt.Errorf("%w: object path must be non-empty", ErrInvalidURI)
	}
	if strings.HasPrefix(object, "/") {
		return URI{}, fmt.Errorf("%w: object path must not start with '/'", ErrInvalidURI)
	}
	if strings.ContainsAny(object, "?#") {
		return URI{}, fmt.Errorf("%w: object path must not include query or fragment", ErrInvalidURI)
	}
	return URI{Bucket: bucket, Object: object}, nil
}

func (u URI) String() string {
	return fmt.Sprintf("gs://%s/%s", u.Bucket, u.Object)
}
