package ratelimit

import (
	"sync"
	"time"
)

// testClock is a hand-cranked clock shared by a strategy and its storage so
// scenarios can move through windows deterministically.
type testClock struct {
	mu      sync.Mutex
	current time.Time
}

// windowEpoch is aligned to whole minutes so second and minute windows start
// exactly at the scenario's t=0.
var windowEpoch = time.Unix(1_650_000_000, 0).UTC()

func newTestClock(start time.Time) *testClock {
	return &testClock{current: start}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

func (c *testClock) SetOffset(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = windowEpoch.Add(d)
}
