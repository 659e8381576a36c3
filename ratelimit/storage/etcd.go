package storage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/Ofahmy143/ratelimit/internal/log"
)

var _ Storage = &EtcdStorage{}

// EtcdStorage backs rate limits with an etcd cluster. Counters are keys with
// a lease for the window's TTL; increments run as version-guarded
// transactions retried optimistically up to the configured budget.
//
// etcd offers no server-side scripting and its value model fits counters
// only, so neither the moving window nor the sliding window counter is
// supported.
type EtcdStorage struct {
	client  *clientv3.Client
	cfg     config
	timeNow func() time.Time
}

// NewEtcdStorage wraps an existing etcd client.
func NewEtcdStorage(client *clientv3.Client, opts ...Option) *EtcdStorage {
	c := newConfig(opts)
	return &EtcdStorage{client: client, cfg: c, timeNow: c.timeNow}
}

func (s *EtcdStorage) Incr(ctx context.Context, key string, expiry time.Duration, elasticExpiry bool, amount int64) (int64, error) {
	prefixed := s.cfg.prefixed(key)
	seconds := expirySeconds(expiry)

	for attempt := 0; attempt < s.cfg.casRetries; attempt++ {
		resp, err := s.client.Get(ctx, prefixed)
		if err != nil {
			log.Logger().Error("failed to read rate limit counter", zap.String("key", key), zap.Error(err))
			return 0, wrapErr("etcd", "get", key, err)
		}

		if len(resp.Kvs) == 0 {
			lease, err := s.client.Grant(ctx, seconds)
			if err != nil {
				return 0, wrapErr("etcd", "grant", key, err)
			}
			txn, err := s.client.Txn(ctx).
				If(clientv3.Compare(clientv3.CreateRevision(prefixed), "=", 0)).
				Then(clientv3.OpPut(prefixed, strconv.FormatInt(amount, 10), clientv3.WithLease(lease.ID))).
				Commit()
			if err != nil {
				return 0, wrapErr("etcd", "txn", key, err)
			}
			if txn.Succeeded {
				return amount, nil
			}
			continue // lost the creation race
		}

		kv := resp.Kvs[0]
		current, _ := strconv.ParseInt(string(kv.Value), 10, 64)
		value := current + amount

		put := clientv3.OpPut(prefixed, strconv.FormatInt(value, 10), clientv3.WithIgnoreLease())
		if elasticExpiry {
			lease, err := s.client.Grant(ctx, seconds)
			if err != nil {
				return 0, wrapErr("etcd", "grant", key, err)
			}
			put = clientv3.OpPut(prefixed, strconv.FormatInt(value, 10), clientv3.WithLease(lease.ID))
		}
		txn, err := s.client.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(prefixed), "=", kv.ModRevision)).
			Then(put).
			Commit()
		if err != nil {
			return 0, wrapErr("etcd", "txn", key, err)
		}
		if txn.Succeeded {
			return value, nil
		}
	}
	return 0, fmt.Errorf("incr %q: %w", key, ErrRetryBudgetExceeded)
}

func (s *EtcdStorage) Get(ctx context.Context, key string) (int64, error) {
	resp, err := s.client.Get(ctx, s.cfg.prefixed(key))
	if err != nil {
		return 0, wrapErr("etcd", "get", key, err)
	}
	if len(resp.Kvs) == 0 {
		return 0, nil
	}
	value, _ := strconv.ParseInt(string(resp.Kvs[0].Value), 10, 64)
	return value, nil
}

func (s *EtcdStorage) GetExpiry(ctx context.Context, key string) (time.Time, error) {
	resp, err := s.client.Get(ctx, s.cfg.prefixed(key))
	if err != nil {
		return time.Time{}, wrapErr("etcd", "get", key, err)
	}
	now := s.timeNow()
	if len(resp.Kvs) == 0 || resp.Kvs[0].Lease == 0 {
		return now, nil
	}
	ttl, err := s.client.TimeToLive(ctx, clientv3.LeaseID(resp.Kvs[0].Lease))
	if err != nil {
		return time.Time{}, wrapErr("etcd", "lease ttl", key, err)
	}
	if ttl.TTL < 0 {
		return now, nil
	}
	return now.Add(time.Duration(ttl.TTL) * time.Second), nil
}

func (s *EtcdStorage) Clear(ctx context.Context, key string) error {
	if _, err := s.client.Delete(ctx, s.cfg.prefixed(key)); err != nil {
		return wrapErr("etcd", "delete", key, err)
	}
	return nil
}

func (s *EtcdStorage) Check(ctx context.Context) bool {
	endpoints := s.client.Endpoints()
	if len(endpoints) == 0 {
		return false
	}
	_, err := s.client.Status(ctx, endpoints[0])
	return err == nil
}

func (s *EtcdStorage) Reset(ctx context.Context) (int64, error) {
	resp, err := s.client.Delete(ctx, s.cfg.prefixed(""), clientv3.WithPrefix())
	if err != nil {
		return 0, wrapErr("etcd", "reset", s.cfg.prefixed(""), err)
	}
	return resp.Deleted, nil
}

func (s *EtcdStorage) Close() error {
	return s.client.Close()
}
