package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// Factory builds a storage from its URI. The full URI is passed through so a
// factory can honor credentials, databases and query options.
type Factory func(ctx context.Context, uri string, opts ...Option) (Storage, error)

var registry = map[string]Factory{
	"memory":         newMemoryFromURI,
	"redis":          newRedisFromURI,
	"rediss":         newRedisFromURI,
	"redis+cluster":  newRedisClusterFromURI,
	"redis+sentinel": newRedisSentinelFromURI,
	"memcached":      newMemcachedFromURI,
	"mongodb":        newMongoFromURI,
	"etcd":           newEtcdFromURI,
}

// Register adds or replaces the factory for a scheme. Applications can plug
// their own backends into NewFromURI this way.
func Register(scheme string, factory Factory) {
	registry[scheme] = factory
}

// NewFromURI builds a storage from a URI, selecting the backend by scheme:
//
//	memory://
//	redis://host:port/db, rediss://host:port
//	redis+cluster://host:port,host:port
//	redis+sentinel://host:port,host:port/master-name
//	memcached://host:port,host:port
//	mongodb://host:port
//	etcd://host:port
func NewFromURI(ctx context.Context, uri string, opts ...Option) (Storage, error) {
	scheme, _, found := strings.Cut(uri, "://")
	if !found {
		return nil, fmt.Errorf("%w: %q has no scheme", ErrUnknownScheme, uri)
	}
	factory, ok := registry[strings.ToLower(scheme)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, scheme)
	}
	return factory(ctx, uri, opts...)
}

func newMemoryFromURI(ctx context.Context, uri string, opts ...Option) (Storage, error) {
	return NewMemoryStorage(opts...), nil
}

func newRedisFromURI(ctx context.Context, uri string, opts ...Option) (Storage, error) {
	redisOptions, err := redis.ParseURL(uri)
	if err != nil {
		return nil, fmt.Errorf("parse redis uri: %w", err)
	}
	return NewRedisStorage(redis.NewClient(redisOptions), opts...), nil
}

func newRedisClusterFromURI(ctx context.Context, uri string, opts ...Option) (Storage, error) {
	hosts, _, err := splitHostURI(uri, "redis+cluster")
	if err != nil {
		return nil, err
	}
	client := redis.NewClusterClient(&redis.ClusterOptions{Addrs: hosts})
	return NewRedisStorage(client, opts...), nil
}

func newRedisSentinelFromURI(ctx context.Context, uri string, opts ...Option) (Storage, error) {
	hosts, path, err := splitHostURI(uri, "redis+sentinel")
	if err != nil {
		return nil, err
	}
	master := strings.Trim(path, "/")
	if master == "" {
		master = "mymaster"
	}
	client := redis.NewFailoverClient(&redis.FailoverOptions{
		MasterName:    master,
		SentinelAddrs: hosts,
	})
	return NewRedisStorage(client, opts...), nil
}

func newMemcachedFromURI(ctx context.Context, uri string, opts ...Option) (Storage, error) {
	hosts, _, err := splitHostURI(uri, "memcached")
	if err != nil {
		return nil, err
	}
	return NewMemcachedStorage(hosts, opts...), nil
}

func newMongoFromURI(ctx context.Context, uri string, opts ...Option) (Storage, error) {
	return NewMongoStorage(ctx, uri, opts...)
}

func newEtcdFromURI(ctx context.Context, uri string, opts ...Option) (Storage, error) {
	hosts, _, err := splitHostURI(uri, "etcd")
	if err != nil {
		return nil, err
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   hosts,
		DialTimeout: 5 * time.Second,
		Context:     ctx,
	})
	if err != nil {
		return nil, fmt.Errorf("connect etcd: %w", err)
	}
	return NewEtcdStorage(client, opts...), nil
}

// splitHostURI breaks "<scheme>://h1:p1,h2:p2/path" into its host list and
// path. url.Parse rejects comma-separated host lists, so this stays manual.
func splitHostURI(uri, scheme string) (hosts []string, path string, err error) {
	rest, found := strings.CutPrefix(uri, scheme+"://")
	if !found {
		return nil, "", fmt.Errorf("%w: %q is not a %s uri", ErrUnknownScheme, uri, scheme)
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		path = rest[i:]
		rest = rest[:i]
	}
	for _, host := range strings.Split(rest, ",") {
		if host = strings.TrimSpace(host); host != "" {
			hosts = append(hosts, host)
		}
	}
	if len(hosts) == 0 {
		return nil, "", fmt.Errorf("%s uri %q names no hosts", scheme, uri)
	}
	return hosts, path, nil
}
