package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ofahmy143/ratelimit/ratelimit/storage"
)

func newSlidingWindowUnderTest(t *testing.T) (*SlidingWindowCounter, *testClock) {
	t.Helper()
	clock := newTestClock(windowEpoch)
	st := storage.NewMemoryStorage(storage.WithClock(clock.Now))
	t.Cleanup(func() { st.Close() })
	strategy, err := NewSlidingWindowCounter(st, WithClock(clock.Now))
	require.NoError(t, err)
	return strategy, clock
}

func TestSlidingWindowCounter_WeightedAdmission(t *testing.T) {
	ctx := context.Background()
	strategy, clock := newSlidingWindowUnderTest(t)
	limit := Limit{Amount: 10, Multiples: 1, Granularity: Minute}

	// Five hits land in the first window.
	clock.SetOffset(10 * time.Second)
	for i := 0; i < 5; i++ {
		admitted, err := strategy.Hit(ctx, limit, "client")
		require.NoError(t, err)
		assert.True(t, admitted, "hit %d at t=10", i)
	}

	// At the boundary the previous window still weighs fully: usage is 5,
	// so another hit is admitted.
	clock.SetOffset(60 * time.Second)
	admitted, err := strategy.Hit(ctx, limit, "client")
	require.NoError(t, err)
	assert.True(t, admitted)

	// Halfway through the second window the previous five count for 2.5,
	// the current bucket holds 1: usage 3.5 leaves room for six hits and
	// denies the seventh (which would push the weighted usage past 10).
	clock.SetOffset(90 * time.Second)
	for i := 0; i < 6; i++ {
		admitted, err = strategy.Hit(ctx, limit, "client")
		require.NoError(t, err)
		assert.True(t, admitted, "hit %d at t=90", i)
	}
	admitted, err = strategy.Hit(ctx, limit, "client")
	require.NoError(t, err)
	assert.False(t, admitted)
}

func TestSlidingWindowCounter_PreviousWindowFadesOut(t *testing.T) {
	ctx := context.Background()
	strategy, clock := newSlidingWindowUnderTest(t)
	limit := Limit{Amount: 4, Multiples: 1, Granularity: Minute}

	for i := 0; i < 4; i++ {
		admitted, err := strategy.Hit(ctx, limit, "client")
		require.NoError(t, err)
		assert.True(t, admitted)
	}

	// Start of next window: previous weighs 4, nothing is admitted.
	clock.SetOffset(60 * time.Second)
	admitted, err := strategy.Hit(ctx, limit, "client")
	require.NoError(t, err)
	assert.False(t, admitted)

	// Three quarters in, previous weighs 1: three hits fit.
	clock.SetOffset(105 * time.Second)
	for i := 0; i < 3; i++ {
		admitted, err = strategy.Hit(ctx, limit, "client")
		require.NoError(t, err)
		assert.True(t, admitted, "hit %d at t=105", i)
	}
	admitted, err = strategy.Hit(ctx, limit, "client")
	require.NoError(t, err)
	assert.False(t, admitted)
}

func TestSlidingWindowCounter_TestDoesNotConsume(t *testing.T) {
	ctx := context.Background()
	strategy, clock := newSlidingWindowUnderTest(t)
	limit := Limit{Amount: 1, Multiples: 1, Granularity: Second}

	admitted, err := strategy.Hit(ctx, limit, "client")
	require.NoError(t, err)
	assert.True(t, admitted)
	admitted, err = strategy.Hit(ctx, limit, "client")
	require.NoError(t, err)
	assert.False(t, admitted)

	clock.SetOffset(100 * time.Millisecond)
	for i := 0; i < 5; i++ {
		allowed, err := strategy.Test(ctx, limit, "client")
		require.NoError(t, err)
		assert.False(t, allowed)
	}

	// Repeated tests consumed nothing: the stats are unchanged.
	stats, err := strategy.WindowStats(ctx, limit, "client")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), stats.Remaining)
}

func TestSlidingWindowCounter_WindowStats(t *testing.T) {
	ctx := context.Background()
	strategy, clock := newSlidingWindowUnderTest(t)
	limit := Limit{Amount: 10, Multiples: 1, Granularity: Minute}

	stats, err := strategy.WindowStats(ctx, limit, "client")
	require.NoError(t, err)
	assert.Equal(t, uint64(10), stats.Remaining)
	// With no previous window the usage drops only when this window ends.
	assert.Equal(t, windowEpoch.Add(time.Minute), stats.ResetTime)

	for i := 0; i < 4; i++ {
		_, err = strategy.Hit(ctx, limit, "client")
		require.NoError(t, err)
	}
	stats, err = strategy.WindowStats(ctx, limit, "client")
	require.NoError(t, err)
	assert.Equal(t, uint64(6), stats.Remaining)

	// In the next window the four hits weigh in from the previous bucket.
	clock.SetOffset(90 * time.Second)
	stats, err = strategy.WindowStats(ctx, limit, "client")
	require.NoError(t, err)
	assert.Equal(t, uint64(8), stats.Remaining)

	reset := stats.ResetTime
	assert.False(t, reset.Before(clock.Now()))
	assert.False(t, reset.After(windowEpoch.Add(2*time.Minute)))
}

func TestSlidingWindowCounter_CapabilityMismatch(t *testing.T) {
	_, err := NewSlidingWindowCounter(counterOnlyStorage{})
	assert.ErrorIs(t, err, ErrCapabilityMismatch)
}

func TestSlidingWindowCounter_Clear(t *testing.T) {
	ctx := context.Background()
	strategy, _ := newSlidingWindowUnderTest(t)
	limit := Limit{Amount: 1, Multiples: 1, Granularity: Minute}

	_, err := strategy.Hit(ctx, limit, "client")
	require.NoError(t, err)
	admitted, err := strategy.Hit(ctx, limit, "client")
	require.NoError(t, err)
	assert.False(t, admitted)

	require.NoError(t, strategy.Clear(ctx, limit, "client"))
	admitted, err = strategy.Hit(ctx, limit, "client")
	require.NoError(t, err)
	assert.True(t, admitted)
}
