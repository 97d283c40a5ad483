package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tickerlab/stepflow/pkg/models"
)

const (
	defaultMaxAttempts = 3
	defaultBaseBackoff = 200 * time.Millisecond
)

// Protocol performs the claim and finalize transitions on a FlowRunStore
// using optimistic concurrency: read, check the step status, then write
// conditioned on the read version. A conditional write rejected by the store
// means another worker moved first; the full read-check-write cycle retries
// with exponential backoff up to the attempt limit.
type Protocol struct {
	store       FlowRunStore
	maxAttempts int
	baseBackoff time.Duration

	sleep func(ctx context.Context, d time.Duration) error
}

// ProtocolOption configures a Protocol.
type ProtocolOption func(*Protocol)

// WithRetry overrides the conflict retry policy.
func WithRetry(maxAttempts int, baseBackoff time.Duration) ProtocolOption {
	return func(p *Protocol) {
		p.maxAttempts = maxAttempts
		p.baseBackoff = baseBackoff
	}
}

// WithSleep replaces the backoff sleep. Tests use this to record delays
// instead of waiting them out.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) ProtocolOption {
	return func(p *Protocol) {
		p.sleep = sleep
	}
}

func NewProtocol(store FlowRunStore, opts ...ProtocolOption) *Protocol {
	p := &Protocol{
		store:       store,
		maxAttempts: defaultMaxAttempts,
		baseBackoff: defaultBaseBackoff,
		sleep:       sleepContext,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Claim attempts the READY→RUNNING transition of one step. A step observed
// in any other status returns not_ready without writing. Exhausting the
// conflict retries returns precondition_failed. Both are value outcomes;
// errors are reserved for store failures and malformed documents.
func (p *Protocol) Claim(ctx context.Context, runID, stepID, startedAt string) (ClaimResult, error) {
	var lastStatus models.StepStatus

	for attempt := 0; attempt < p.maxAttempts; attempt++ {
		record, err := p.store.Get(ctx, runID)
		if err != nil {
			return ClaimResult{}, fmt.Errorf("claim %s/%s: %w", runID, stepID, err)
		}

		status, ok := record.Run.StepStatus(stepID)
		if !ok {
			return ClaimResult{Reason: ReasonNotReady}, nil
		}
		lastStatus = status
		if status != models.StepReady {
			return ClaimResult{Status: status, Reason: ReasonNotReady}, nil
		}

		patch, err := BuildClaimPatch(stepID, startedAt)
		if err != nil {
			return ClaimResult{}, err
		}
		err = p.store.Patch(ctx, runID, patch, record.Version)
		if err == nil {
			return ClaimResult{Claimed: true, Status: status}, nil
		}
		if !errors.Is(err, ErrPreconditionFailed) {
			return ClaimResult{}, fmt.Errorf("claim %s/%s: %w", runID, stepID, err)
		}
		if attempt < p.maxAttempts-1 {
			if err := p.sleep(ctx, p.backoff(attempt)); err != nil {
				return ClaimResult{}, err
			}
		}
	}

	return ClaimResult{Status: lastStatus, Reason: ReasonPreconditionFailed}, nil
}

// Finalize attempts the terminal transition of one step. An already terminal
// step returns already_final, making duplicate finalize attempts idempotent.
// A step that is neither RUNNING nor (READY with allowReady) returns
// not_running. allowReady covers steps rejected before they were ever
// claimed.
func (p *Protocol) Finalize(ctx context.Context, runID, stepID string, status models.StepStatus, finishedAt string, fields FinalizeFields, allowReady bool) (FinalizeResult, error) {
	var lastStatus models.StepStatus

	for attempt := 0; attempt < p.maxAttempts; attempt++ {
		record, err := p.store.Get(ctx, runID)
		if err != nil {
			return FinalizeResult{}, fmt.Errorf("finalize %s/%s: %w", runID, stepID, err)
		}

		current, ok := record.Run.StepStatus(stepID)
		if !ok {
			return FinalizeResult{Reason: ReasonNotRunning}, nil
		}
		lastStatus = current
		if current == models.StepSucceeded || current == models.StepFailed {
			return FinalizeResult{Status: current, Reason: ReasonAlreadyFinal}, nil
		}
		if current != models.StepRunning && !(allowReady && current == models.StepReady) {
			return FinalizeResult{Status: current, Reason: ReasonNotRunning}, nil
		}

		patch, err := BuildFinalizePatch(stepID, status, finishedAt, fields)
		if err != nil {
			return FinalizeResult{}, err
		}
		err = p.store.Patch(ctx, runID, patch, record.Version)
		if err == nil {
			return FinalizeResult{Updated: true, Status: current}, nil
		}
		if !errors.Is(err, ErrPreconditionFailed) {
			return FinalizeResult{}, fmt.Errorf("finalize %s/%s: %w", runID, stepID, err)
		}
		if attempt < p.maxAttempts-1 {
			if err := p.sleep(ctx, p.backoff(attempt)); err != nil {
				return FinalizeResult{}, err
			}
		}
	}

	return FinalizeResult{Status: lastStatus, Reason: ReasonPreconditionFailed}, nil
}

func (p *Protocol) backoff(attempt int) time.Duration {
	return p.baseBackoff * (1 << attempt)
}
