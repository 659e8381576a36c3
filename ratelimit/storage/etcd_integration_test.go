//go:build integration
// +build integration

package storage

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// These tests need a reachable etcd, e.g.:
//
//	docker run --rm -p 2379:2379 quay.io/coreos/etcd:v3.5.17 \
//	  etcd --listen-client-urls http://0.0.0.0:2379 \
//	  --advertise-client-urls http://0.0.0.0:2379
//	go test -tags integration ./ratelimit/storage/
func etcdEndpoints() []string {
	if endpoints := os.Getenv("ETCD_ENDPOINTS"); endpoints != "" {
		return strings.Split(endpoints, ",")
	}
	return []string{"localhost:2379"}
}

func newEtcdIntegration(t *testing.T, opts ...Option) *EtcdStorage {
	t.Helper()
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   etcdEndpoints(),
		DialTimeout: 3 * time.Second,
	})
	require.NoError(t, err)

	opts = append([]Option{WithKeyPrefix("LIMITS-" + uuid.NewString())}, opts...)
	st := NewEtcdStorage(client, opts...)
	t.Cleanup(func() {
		st.Reset(context.Background())
		st.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if !st.Check(ctx) {
		t.Skipf("etcd not reachable at %v", etcdEndpoints())
	}
	return st
}

func TestEtcdStorage_Incr(t *testing.T) {
	ctx := context.Background()
	st := newEtcdIntegration(t)

	value, err := st.Incr(ctx, "key", time.Minute, false, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), value)

	value, err = st.Incr(ctx, "key", time.Minute, false, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), value)

	value, err = st.Get(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, int64(3), value)
}

func TestEtcdStorage_IncrConcurrent(t *testing.T) {
	ctx := context.Background()
	// Contended transactions need more retries than the default budget.
	st := newEtcdIntegration(t, WithCASRetryBudget(200))

	// Every transaction must land exactly once despite mod-revision
	// conflicts between the writers.
	var wg sync.WaitGroup
	wg.Add(50)
	for i := 0; i < 50; i++ {
		go func() {
			defer wg.Done()
			_, err := st.Incr(ctx, "key", time.Minute, false, 1)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	value, err := st.Get(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, int64(50), value)
}

func TestEtcdStorage_GetExpiry(t *testing.T) {
	ctx := context.Background()
	st := newEtcdIntegration(t)

	expiry, err := st.GetExpiry(ctx, "missing")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), expiry, time.Second)

	_, err = st.Incr(ctx, "key", time.Minute, false, 1)
	require.NoError(t, err)
	expiry, err = st.GetExpiry(ctx, "key")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Minute), expiry, 3*time.Second)
}

func TestEtcdStorage_ClearAndReset(t *testing.T) {
	ctx := context.Background()
	st := newEtcdIntegration(t)

	_, err := st.Incr(ctx, "a", time.Minute, false, 1)
	require.NoError(t, err)
	_, err = st.Incr(ctx, "b", time.Minute, false, 1)
	require.NoError(t, err)

	require.NoError(t, st.Clear(ctx, "a"))
	value, err := st.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(0), value)

	removed, err := st.Reset(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}
