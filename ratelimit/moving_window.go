package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/Ofahmy143/ratelimit/ratelimit/storage"
)

var _ Strategy = &MovingWindow{}

// MovingWindow admits hits against a timestamped log of the hits seen in the
// trailing window. It never lets more than the limit through in any interval
// of one window length, at the cost of keeping up to Amount entries per key.
type MovingWindow struct {
	storage storage.MovingWindowSupport
	cleaner storage.Storage
	timeNow func() time.Time
}

// NewMovingWindow builds the moving window strategy. The storage must provide
// the moving window capability; otherwise ErrCapabilityMismatch is returned.
func NewMovingWindow(st storage.Storage, opts ...Option) (*MovingWindow, error) {
	mw, ok := st.(storage.MovingWindowSupport)
	if !ok {
		return nil, fmt.Errorf("%w: %T has no moving window support", ErrCapabilityMismatch, st)
	}
	c := newStrategyConfig(opts)
	return &MovingWindow{storage: mw, cleaner: st, timeNow: c.timeNow}, nil
}

// Hit appends the hit to the log when fewer than the limit's amount of
// entries remain in the window. Prune-and-append happens atomically in the
// storage layer.
func (s *MovingWindow) Hit(ctx context.Context, limit Limit, identity ...string) (bool, error) {
	return s.storage.AcquireEntry(ctx, limit.KeyFor(identity...), limit.Amount, limit.WindowDuration(), 1)
}

// Test reports whether a hit would be admitted. The answer races with
// concurrent hits.
func (s *MovingWindow) Test(ctx context.Context, limit Limit, identity ...string) (bool, error) {
	_, count, err := s.storage.MovingWindow(ctx, limit.KeyFor(identity...), limit.Amount, limit.WindowDuration())
	if err != nil {
		return false, err
	}
	return count < limit.Amount, nil
}

// WindowStats reports the remaining budget and the time the oldest retained
// entry falls out of the window. An empty window reports the current time,
// meaning the limit has already reset.
func (s *MovingWindow) WindowStats(ctx context.Context, limit Limit, identity ...string) (WindowStats, error) {
	window := limit.WindowDuration()
	oldest, count, err := s.storage.MovingWindow(ctx, limit.KeyFor(identity...), limit.Amount, window)
	if err != nil {
		return WindowStats{}, err
	}
	stats := WindowStats{Remaining: remaining(limit.Amount, count)}
	if count > 0 {
		stats.ResetTime = oldest.Add(window)
	} else {
		stats.ResetTime = s.timeNow()
	}
	return stats, nil
}

// Clear drops the whole log for the identity.
func (s *MovingWindow) Clear(ctx context.Context, limit Limit, identity ...string) error {
	return s.cleaner.Clear(ctx, limit.KeyFor(identity...))
}
