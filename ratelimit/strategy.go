// Package ratelimit decides whether a request may proceed under a configured
// limit, keeping accurate usage counters in a pluggable storage backend.
//
// A caller holds a Strategy bound to a storage.Storage and calls Hit, Test or
// WindowStats with a Limit and identity components. Three strategies are
// provided:
//
//   - FixedWindow: one counter per wall-clock aligned window.
//   - MovingWindow: a timestamped log of hits over the trailing window.
//   - SlidingWindowCounter: weighted sum of the previous and current
//     fixed-window counters.
//
// Hit returns false only when the algorithm decided against admission.
// Storage failures are returned as errors, never converted to a denial, so
// callers can tell "rate limited" apart from "storage unreachable". A failed
// Hit should be treated as denied by the caller; the storage may or may not
// have counted it (over-counting is preferred to under-counting).
package ratelimit

import (
	"context"
	"time"
)

// WindowStats is a point-in-time snapshot of a limit's state. It is not a
// reservation; concurrent hits may consume the reported remainder.
type WindowStats struct {
	// Remaining is the number of hits still admissible in the current window.
	Remaining uint64
	// ResetTime is when a denied caller can expect admission again.
	ResetTime time.Time
}

// Strategy is the uniform admission interface implemented by all rate
// limiting algorithms.
type Strategy interface {
	// Hit consumes one unit of the limit for the given identity and reports
	// whether the request is admitted.
	Hit(ctx context.Context, limit Limit, identity ...string) (bool, error)

	// Test reports whether a hit would currently be admitted, without
	// consuming from the limit. It is a snapshot and races with concurrent
	// hits.
	Test(ctx context.Context, limit Limit, identity ...string) (bool, error)

	// WindowStats returns the remaining budget and reset time for the limit.
	WindowStats(ctx context.Context, limit Limit, identity ...string) (WindowStats, error)

	// Clear removes all state held for the limit and identity.
	Clear(ctx context.Context, limit Limit, identity ...string) error
}

type strategyConfig struct {
	timeNow func() time.Time
}

// Option configures a strategy.
type Option func(*strategyConfig)

// WithClock overrides the wall clock. Intended for tests; the clock is read
// once at the entry of each operation and that reading is used throughout.
func WithClock(now func() time.Time) Option {
	return func(c *strategyConfig) {
		c.timeNow = now
	}
}

func newStrategyConfig(opts []Option) strategyConfig {
	c := strategyConfig{timeNow: time.Now}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// windowStart aligns now to the start of the fixed window containing it.
func windowStart(now time.Time, window time.Duration) time.Time {
	seconds := int64(window / time.Second)
	start := now.Unix() - now.Unix()%seconds
	return time.Unix(start, 0).UTC()
}

func remaining(amount, used int64) uint64 {
	if used >= amount {
		return 0
	}
	return uint64(amount - used)
}
