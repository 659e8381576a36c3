//go:build integration
// +build integration

package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// These tests need a reachable MongoDB, e.g.:
//
//	docker run --rm -p 27017:27017 mongo:7
//	go test -tags integration ./ratelimit/storage/
func mongoURI() string {
	if uri := os.Getenv("MONGODB_URI"); uri != "" {
		return uri
	}
	return "mongodb://localhost:27017"
}

func newMongoIntegration(t *testing.T) (*MongoStorage, *manualClock) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	clock := &manualClock{now: testEpoch}
	st, err := NewMongoStorage(ctx, mongoURI(),
		WithClock(clock.Now),
		WithDatabase("limits_test"),
		WithKeyPrefix("LIMITS-"+uuid.NewString()),
	)
	if err != nil {
		t.Skipf("mongodb not reachable at %s: %v", mongoURI(), err)
	}
	t.Cleanup(func() {
		st.Reset(context.Background())
		st.Close()
	})
	return st, clock
}

func TestMongoStorage_Incr(t *testing.T) {
	ctx := context.Background()
	st, clock := newMongoIntegration(t)

	value, err := st.Incr(ctx, "key", time.Minute, false, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), value)

	value, err = st.Incr(ctx, "key", time.Minute, false, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), value)

	expiry, err := st.GetExpiry(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(time.Minute).Unix(), expiry.Unix())

	// Past the logical expiry the document reads as absent and the counter
	// starts over, even before the TTL monitor reaps it.
	clock.Advance(61 * time.Second)
	value, err = st.Get(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, int64(0), value)

	value, err = st.Incr(ctx, "key", time.Minute, false, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), value)
}

func TestMongoStorage_IncrElasticExpiry(t *testing.T) {
	ctx := context.Background()
	st, clock := newMongoIntegration(t)

	_, err := st.Incr(ctx, "key", time.Minute, true, 1)
	require.NoError(t, err)
	clock.Advance(30 * time.Second)
	_, err = st.Incr(ctx, "key", time.Minute, true, 1)
	require.NoError(t, err)

	expiry, err := st.GetExpiry(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(time.Minute).Unix(), expiry.Unix())
}

func TestMongoStorage_AcquireEntry(t *testing.T) {
	ctx := context.Background()
	st, clock := newMongoIntegration(t)

	for i := 0; i < 3; i++ {
		acquired, err := st.AcquireEntry(ctx, "key", 3, time.Minute, 1)
		require.NoError(t, err)
		assert.True(t, acquired, "entry %d", i)
	}
	acquired, err := st.AcquireEntry(ctx, "key", 3, time.Minute, 1)
	require.NoError(t, err)
	assert.False(t, acquired)

	oldest, count, err := st.MovingWindow(ctx, "key", 3, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
	assert.Equal(t, testEpoch.UnixMicro(), oldest.UnixMicro())

	// Entries aged a full window out of the log free their capacity.
	clock.Advance(time.Minute)
	acquired, err = st.AcquireEntry(ctx, "key", 3, time.Minute, 1)
	require.NoError(t, err)
	assert.True(t, acquired)

	_, count, err = st.MovingWindow(ctx, "key", 3, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestMongoStorage_SlidingWindow(t *testing.T) {
	ctx := context.Background()
	st, clock := newMongoIntegration(t)
	window := time.Minute

	for i := 0; i < 4; i++ {
		acquired, err := st.AcquireSlidingWindowEntry(ctx, "key", 5, window, 1)
		require.NoError(t, err)
		assert.True(t, acquired, "hit %d", i)
	}
	acquired, err := st.AcquireSlidingWindowEntry(ctx, "key", 5, window, 2)
	require.NoError(t, err)
	assert.False(t, acquired)

	prev, _, cur, _, err := st.SlidingWindow(ctx, "key", window)
	require.NoError(t, err)
	assert.Equal(t, int64(0), prev)
	assert.Equal(t, int64(4), cur)

	clock.Advance(90 * time.Second)
	prev, prevTTL, cur, _, err := st.SlidingWindow(ctx, "key", window)
	require.NoError(t, err)
	assert.Equal(t, int64(4), prev)
	assert.Equal(t, int64(0), cur)
	assert.Equal(t, 30*time.Second, prevTTL)

	acquired, err = st.AcquireSlidingWindowEntry(ctx, "key", 5, window, 1)
	require.NoError(t, err)
	assert.True(t, acquired) // weighted usage 2 + 1 fits under 5

	require.NoError(t, st.ClearSlidingWindow(ctx, "key", window))
	prev, _, cur, _, err = st.SlidingWindow(ctx, "key", window)
	require.NoError(t, err)
	assert.Equal(t, int64(0), prev)
	assert.Equal(t, int64(0), cur)
}

func TestMongoStorage_ClearAndReset(t *testing.T) {
	ctx := context.Background()
	st, _ := newMongoIntegration(t)

	_, err := st.Incr(ctx, "a", time.Minute, false, 1)
	require.NoError(t, err)
	_, err = st.AcquireEntry(ctx, "b", 5, time.Minute, 1)
	require.NoError(t, err)

	require.NoError(t, st.Clear(ctx, "a"))
	value, err := st.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(0), value)

	removed, err := st.Reset(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, removed, int64(1))
}
