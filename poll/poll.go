// Package poll runs bounded "check until done" loops against an injectable
// clock so callers can drive them deterministically in tests.
package poll

import (
	"context"
	"time"
)

// State is the terminal state of a polling loop.
type State int

const (
	// Pending means the loop stopped before the condition held or the
	// budget ran out, either because the check failed or the context ended.
	Pending State = iota
	// Ready means the check reported done.
	Ready
	// TimedOut means the time or attempt budget was exhausted.
	TimedOut
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Ready:
		return "ready"
	case TimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Clock abstracts time for the polling loop.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// System is the wall clock.
var System Clock = systemClock{}

// Check is evaluated once per attempt. A non-nil error stops the loop.
type Check func(ctx context.Context) (done bool, err error)

// Poller holds the budget of a polling loop. The zero value polls once a
// second for up to a minute using the wall clock.
type Poller struct {
	Clock       Clock
	Timeout     time.Duration
	Interval    time.Duration
	MaxInterval time.Duration
	// Multiplier grows the interval after every attempt. Values <= 1 keep
	// the interval fixed.
	Multiplier float64
	// MaxAttempts caps the number of checks. Zero means no cap.
	MaxAttempts int
}

// Until evaluates check until it reports done, returns an error, or the
// budget runs out. The wait before the next attempt never overshoots the
// deadline.
func (p Poller) Until(ctx context.Context, check Check) (State, error) {
	clock := p.Clock
	if clock == nil {
		clock = System
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	interval := p.Interval
	if interval <= 0 {
		interval = time.Second
	}
	maxInterval := p.MaxInterval
	if maxInterval < interval {
		maxInterval = interval
	}

	deadline := clock.Now().Add(timeout)
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return Pending, err
		}

		done, err := check(ctx)
		if err != nil {
			return Pending, err
		}
		if done {
			return Ready, nil
		}

		if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
			return TimedOut, nil
		}
		now := clock.Now()
		if !now.Before(deadline) {
			return TimedOut, nil
		}

		wait := interval
		if remaining := deadline.Sub(now); wait > remaining {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return Pending, ctx.Err()
		case <-clock.After(wait):
		}

		if p.Multiplier > 1 {
			interval = time.Duration(float64(interval) * p.Multiplier)
			if interval > maxInterval {
				interval = maxInterval
			}
		}
	}
}
