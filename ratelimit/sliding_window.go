package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/Ofahmy143/ratelimit/ratelimit/storage"
)

var _ Strategy = &SlidingWindowCounter{}

// SlidingWindowCounter approximates a moving window with two fixed-window
// counters: usage is the current window's count plus the previous window's
// count weighted by how much of it still overlaps the trailing window. It
// stores two integers per key regardless of the limit's amount.
type SlidingWindowCounter struct {
	storage storage.SlidingWindowCounterSupport
	timeNow func() time.Time
}

// NewSlidingWindowCounter builds the sliding window counter strategy. The
// storage must provide the sliding window capability; otherwise
// ErrCapabilityMismatch is returned.
func NewSlidingWindowCounter(st storage.Storage, opts ...Option) (*SlidingWindowCounter, error) {
	sw, ok := st.(storage.SlidingWindowCounterSupport)
	if !ok {
		return nil, fmt.Errorf("%w: %T has no sliding window counter support", ErrCapabilityMismatch, st)
	}
	c := newStrategyConfig(opts)
	return &SlidingWindowCounter{storage: sw, timeNow: c.timeNow}, nil
}

// Hit admits when the weighted usage plus this hit stays within the limit,
// incrementing the current bucket on admission. The read-compute-write
// sequence is a single atomic step in the storage layer.
func (s *SlidingWindowCounter) Hit(ctx context.Context, limit Limit, identity ...string) (bool, error) {
	return s.storage.AcquireSlidingWindowEntry(ctx, limit.KeyFor(identity...), limit.Amount, limit.WindowDuration(), 1)
}

// Test reports whether the weighted usage is still under the limit, without
// consuming from it.
func (s *SlidingWindowCounter) Test(ctx context.Context, limit Limit, identity ...string) (bool, error) {
	usage, _, _, err := s.usage(ctx, limit, identity)
	if err != nil {
		return false, err
	}
	return usage < float64(limit.Amount), nil
}

// WindowStats reports the remaining weighted budget and the earliest time at
// which usage drops below the limit assuming no further hits.
func (s *SlidingWindowCounter) WindowStats(ctx context.Context, limit Limit, identity ...string) (WindowStats, error) {
	usage, prevCount, curCount, err := s.usage(ctx, limit, identity)
	if err != nil {
		return WindowStats{}, err
	}

	now := s.timeNow()
	window := limit.WindowDuration()
	start := windowStart(now, window)
	windowEnd := start.Add(window)

	reset := windowEnd
	if prevCount > 0 {
		fraction := 1 - float64(limit.Amount-curCount)/float64(prevCount)
		reset = start.Add(time.Duration(fraction * float64(window)))
		if reset.Before(now) {
			reset = now
		}
		if reset.After(windowEnd) {
			reset = windowEnd
		}
	}

	return WindowStats{
		Remaining: remaining(limit.Amount, int64(math.Floor(usage))),
		ResetTime: reset,
	}, nil
}

// Clear drops both buckets for the identity.
func (s *SlidingWindowCounter) Clear(ctx context.Context, limit Limit, identity ...string) error {
	return s.storage.ClearSlidingWindow(ctx, limit.KeyFor(identity...), limit.WindowDuration())
}

func (s *SlidingWindowCounter) usage(ctx context.Context, limit Limit, identity []string) (usage float64, prevCount, curCount int64, err error) {
	window := limit.WindowDuration()
	prevCount, prevTTL, curCount, _, err := s.storage.SlidingWindow(ctx, limit.KeyFor(identity...), window)
	if err != nil {
		return 0, 0, 0, err
	}
	weight := prevTTL.Seconds() / window.Seconds()
	return float64(prevCount)*weight + float64(curCount), prevCount, curCount, nil
}
