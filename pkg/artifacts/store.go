package artifacts

import (
	"context"
	"fmt"
)

// StoreError is a failed object store operation, flagged with whether a
// retriggered invocation may reasonably re-attempt it.
type StoreError struct {
	Op        string
	URI       URI
	Retryable bool
	Err       error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("artifact %s %s: %v", e.Op, e.URI, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// WriteResult reports the outcome of a create-only write. Reused means the
// object already existed and was left untouched, which finalize treats the
// same as a fresh write.
type WriteResult struct {
	URI     URI
	Created bool
	Reused  bool
	Bytes   int
}

// Store reads and writes artifact objects. Writes are create-only: a report
// artifact is immutable once written, and a duplicate invocation must reuse
// the existing object rather than overwrite it.
type Store interface {
	ReadBytes(ctx context.Context, uri URI) ([]byte, error)
	Exists(ctx context.Context, uri URI) (bool, error)
	WriteCreateOnly(ctx context.Context, uri URI, data []byte, contentType string) (WriteResult, error)
}
