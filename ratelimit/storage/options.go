package storage

import "time"

const (
	defaultKeyPrefix     = "LIMITS"
	defaultCASRetries    = 10
	defaultMongoDatabase = "limits"
)

type config struct {
	timeNow    func() time.Time
	keyPrefix  string
	casRetries int
	database   string
}

// Option configures a storage backend. Options that do not apply to the
// backend being constructed are ignored.
type Option func(*config)

// WithClock overrides the wall clock used when stamping and expiring entries.
// Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(c *config) {
		c.timeNow = now
	}
}

// WithKeyPrefix changes the prefix added to every key written to a shared
// backend. The default is "LIMITS".
func WithKeyPrefix(prefix string) Option {
	return func(c *config) {
		c.keyPrefix = prefix
	}
}

// WithCASRetryBudget bounds the optimistic retry loop used by backends that
// emulate atomicity with compare-and-swap (Memcached, etcd). Exhausting the
// budget surfaces ErrRetryBudgetExceeded.
func WithCASRetryBudget(retries int) Option {
	return func(c *config) {
		if retries > 0 {
			c.casRetries = retries
		}
	}
}

// WithDatabase selects the MongoDB database holding the rate limiting
// collections. The default is "limits".
func WithDatabase(name string) Option {
	return func(c *config) {
		c.database = name
	}
}

func newConfig(opts []Option) config {
	c := config{
		timeNow:    time.Now,
		keyPrefix:  defaultKeyPrefix,
		casRetries: defaultCASRetries,
		database:   defaultMongoDatabase,
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

func (c config) prefixed(key string) string {
	return c.keyPrefix + ":" + key
}
