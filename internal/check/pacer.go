package check

import (
	"context"
	"time"
)

// Pacer holds a claim in the checking state long enough for a watcher to
// see it. It has no effect on results.
type Pacer interface {
	// Dwell blocks until the claim has been checking for the minimum time
	// since start, or ctx is done.
	Dwell(ctx context.Context, start time.Time) error
}

// FixedDwell enforces a minimum time in the checking state.
type FixedDwell time.Duration

// Dwell waits for the remainder of the dwell time.
func (d FixedDwell) Dwell(ctx context.Context, start time.Time) error {
	remaining := time.Duration(d) - time.Since(start)
	if remaining <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(remaining)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NoDwell completes immediately. Used by the CLI and tests.
type NoDwell struct{}

// Dwell returns ctx.Err() without waiting.
func (NoDwell) Dwell(ctx context.Context, _ time.Time) error {
	return ctx.Err()
}

// NewPacer returns NoDwell for a non-positive duration.
func NewPacer(dwell time.Duration) Pacer {
	if dwell <= 0 {
		return NoDwell{}
	}
	return FixedDwell(dwell)
}
