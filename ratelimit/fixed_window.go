package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/Ofahmy143/ratelimit/ratelimit/storage"
)

var _ Strategy = &FixedWindow{}

// FixedWindow admits hits against a single counter bucketed by wall-clock
// window start. The bucket key carries the window start epoch, so each window
// naturally begins from a fresh counter; no explicit reset is needed.
//
// At a window boundary a full burst can follow a full previous window, so up
// to 2x the amount may pass within one window length straddling the boundary.
// MovingWindow avoids that at a higher storage cost.
type FixedWindow struct {
	storage storage.Storage
	timeNow func() time.Time
}

// NewFixedWindow builds the fixed window strategy on top of any storage.
func NewFixedWindow(st storage.Storage, opts ...Option) *FixedWindow {
	c := newStrategyConfig(opts)
	return &FixedWindow{storage: st, timeNow: c.timeNow}
}

// Hit increments the current window's counter and admits the hit when the
// counter stays within the limit. A denied hit has still been counted: the
// counter stays above the limit, so every later hit in the window keeps
// being denied without a decrement round-trip.
func (s *FixedWindow) Hit(ctx context.Context, limit Limit, identity ...string) (bool, error) {
	now := s.timeNow()
	value, err := s.storage.Incr(ctx, s.bucket(limit, now, identity), limit.WindowDuration(), false, 1)
	if err != nil {
		return false, err
	}
	return value <= limit.Amount, nil
}

// Test reports whether a hit would be admitted, without counting it.
func (s *FixedWindow) Test(ctx context.Context, limit Limit, identity ...string) (bool, error) {
	value, err := s.storage.Get(ctx, s.bucket(limit, s.timeNow(), identity))
	if err != nil {
		return false, err
	}
	return value < limit.Amount, nil
}

// WindowStats reports the remaining budget and the end of the current window.
func (s *FixedWindow) WindowStats(ctx context.Context, limit Limit, identity ...string) (WindowStats, error) {
	now := s.timeNow()
	window := limit.WindowDuration()
	value, err := s.storage.Get(ctx, s.bucket(limit, now, identity))
	if err != nil {
		return WindowStats{}, err
	}
	return WindowStats{
		Remaining: remaining(limit.Amount, value),
		ResetTime: windowStart(now, window).Add(window),
	}, nil
}

// Clear drops the current window's counter.
func (s *FixedWindow) Clear(ctx context.Context, limit Limit, identity ...string) error {
	return s.storage.Clear(ctx, s.bucket(limit, s.timeNow(), identity))
}

func (s *FixedWindow) bucket(limit Limit, now time.Time, identity []string) string {
	start := windowStart(now, limit.WindowDuration())
	return limit.KeyFor(identity...) + "/" + strconv.FormatInt(start.Unix(), 10)
}
