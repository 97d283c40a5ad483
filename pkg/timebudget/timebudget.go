// Package timebudget tracks how much of an invocation's wall-clock allowance
// remains and gates long external calls behind a finalize reserve, so the
// worker always has time left to persist an outcome before its host deadline.
package timebudget

import "time"

// Budget measures elapsed time against a total allowance, holding back a
// reserve for finalization. All measurements use the monotonic clock carried
// by time.Time, so wall-clock adjustments cannot inflate or shrink the budget.
type Budget struct {
	total   time.Duration
	reserve time.Duration
	started time.Time

	now func() time.Time
}

// Option configures a Budget.
type Option func(*Budget)

// WithClock replaces the time source. Tests use this to drive elapsed time
// deterministically.
func WithClock(now func() time.Time) Option {
	return func(b *Budget) {
		b.now = now
	}
}

// Start begins a budget of the given total allowance, keeping reserve aside
// for finalization. The budget starts immediately.
func Start(total, reserve time.Duration, opts ...Option) *Budget {
	b := &Budget{
		total:   total,
		reserve: reserve,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.started = b.now()
	return b
}

// Elapsed returns time spent since Start, never negative.
func (b *Budget) Elapsed() time.Duration {
	elapsed := b.now().Sub(b.started)
	if elapsed < 0 {
		return 0
	}
	return elapsed
}

// Remaining returns the unspent part of the total allowance, never negative.
func (b *Budget) Remaining() time.Duration {
	remaining := b.total - b.Elapsed()
	if remaining < 0 {
		return 0
	}
	return remaining
}

// CanStartExternalCall reports whether enough allowance remains to begin a
// long external call and still finalize afterwards. The reserve is compared
// against what remains now, not against an estimate of the call's duration.
func (b *Budget) CanStartExternalCall() bool {
	return b.Remaining() >= b.reserve
}

// Snapshot is a point-in-time reading of the budget for logs and error
// payloads.
type Snapshot struct {
	TotalSeconds     float64 `json:"totalSeconds"`
	ElapsedSeconds   float64 `json:"elapsedSeconds"`
	RemainingSeconds float64 `json:"remainingSeconds"`
	ReserveSeconds   float64 `json:"reserveSeconds"`
}

func (b *Budget) Snapshot() Snapshot {
	return Snapshot{
		TotalSeconds:     b.total.Seconds(),
		ElapsedSeconds:   b.Elapsed().Seconds(),
		RemainingSeconds: b.Remaining().Seconds(),
		ReserveSeconds:   b.reserve.Seconds(),
	}
}
