package storage

import (
	"context"
	"sync"
	"time"
)

var (
	_ Storage                     = &MemoryStorage{}
	_ MovingWindowSupport         = &MemoryStorage{}
	_ SlidingWindowCounterSupport = &MemoryStorage{}
)

type memoryCounter struct {
	value     int64
	expiresAt time.Time
}

// MemoryStorage keeps all rate limiting state in process memory. It supports
// every strategy and is the storage of choice for tests and single-instance
// deployments; it cannot enforce a global limit across replicas.
//
// A single mutex guards the tables and is held only for the arithmetic on one
// key. Expired counters are dropped lazily on access and by a background
// sweep. Moving window logs are pruned on every read and write, so memory per
// key is bounded by the limit's amount.
type MemoryStorage struct {
	mu       sync.Mutex
	counters map[string]*memoryCounter
	logs     map[string][]time.Time
	timeNow  func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
}

const memorySweepInterval = 10 * time.Second

// NewMemoryStorage builds an in-memory storage and starts its expiry sweep.
// Call Close to stop the sweep.
func NewMemoryStorage(opts ...Option) *MemoryStorage {
	c := newConfig(opts)
	s := &MemoryStorage{
		counters: make(map[string]*memoryCounter),
		logs:     make(map[string][]time.Time),
		timeNow:  c.timeNow,
		stop:     make(chan struct{}),
	}
	go s.sweep()
	return s
}

func (s *MemoryStorage) sweep() {
	ticker := time.NewTicker(memorySweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.expire()
		}
	}
}

func (s *MemoryStorage) expire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.timeNow()
	for key, counter := range s.counters {
		if !counter.expiresAt.After(now) {
			delete(s.counters, key)
		}
	}
	for key, log := range s.logs {
		if len(log) == 0 || !log[len(log)-1].After(now.Add(-24*time.Hour)) {
			// Logs carry no expiry of their own; drop those idle for a day.
			delete(s.logs, key)
		}
	}
}

func (s *MemoryStorage) Incr(ctx context.Context, key string, expiry time.Duration, elasticExpiry bool, amount int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.timeNow()
	counter, ok := s.counters[key]
	if !ok || !counter.expiresAt.After(now) {
		counter = &memoryCounter{value: amount, expiresAt: now.Add(expiry)}
		s.counters[key] = counter
		return counter.value, nil
	}
	counter.value += amount
	if elasticExpiry {
		counter.expiresAt = now.Add(expiry)
	}
	return counter.value, nil
}

func (s *MemoryStorage) Get(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counter, ok := s.counters[key]
	if !ok || !counter.expiresAt.After(s.timeNow()) {
		return 0, nil
	}
	return counter.value, nil
}

func (s *MemoryStorage) GetExpiry(ctx context.Context, key string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.timeNow()
	counter, ok := s.counters[key]
	if !ok || !counter.expiresAt.After(now) {
		return now, nil
	}
	return counter.expiresAt, nil
}

func (s *MemoryStorage) Clear(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.counters, key)
	delete(s.logs, key)
	return nil
}

func (s *MemoryStorage) Check(ctx context.Context) bool {
	return true
}

func (s *MemoryStorage) Reset(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := int64(len(s.counters) + len(s.logs))
	s.counters = make(map[string]*memoryCounter)
	s.logs = make(map[string][]time.Time)
	return removed, nil
}

func (s *MemoryStorage) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

// pruneLog drops entries aged one window or more. An entry exactly one window
// old is expired: the window is half-open, (now-window, now].
func pruneLog(log []time.Time, cutoff time.Time) []time.Time {
	kept := log[:0]
	for _, ts := range log {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	return kept
}

func (s *MemoryStorage) AcquireEntry(ctx context.Context, key string, limit int64, window time.Duration, amount int64) (bool, error) {
	if amount > limit {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.timeNow()
	log := pruneLog(s.logs[key], now.Add(-window))
	if int64(len(log))+amount > limit {
		s.logs[key] = log
		return false, nil
	}
	for i := int64(0); i < amount; i++ {
		log = append(log, now)
	}
	s.logs[key] = log
	return true, nil
}

func (s *MemoryStorage) MovingWindow(ctx context.Context, key string, limit int64, window time.Duration) (time.Time, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.timeNow()
	log := pruneLog(s.logs[key], now.Add(-window))
	s.logs[key] = log
	if len(log) == 0 {
		return now, 0, nil
	}
	return log[0], int64(len(log)), nil
}

func (s *MemoryStorage) AcquireSlidingWindowEntry(ctx context.Context, key string, limit int64, window time.Duration, amount int64) (bool, error) {
	if amount > limit {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.timeNow()
	previousKey, currentKey, start := windowKeys(key, now, window)

	previous := s.liveCount(previousKey, now)
	current := s.liveCount(currentKey, now)
	weight := float64(window-now.Sub(start)) / float64(window)
	if !slidingWindowAllows(previous, current, amount, limit, weight) {
		return false, nil
	}

	counter, ok := s.counters[currentKey]
	if !ok || !counter.expiresAt.After(now) {
		counter = &memoryCounter{expiresAt: start.Add(2 * window)}
		s.counters[currentKey] = counter
	}
	counter.value += amount
	return true, nil
}

func (s *MemoryStorage) SlidingWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, int64, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.timeNow()
	previousKey, currentKey, _ := windowKeys(key, now, window)

	var prevTTL, curTTL time.Duration
	previous := s.liveCount(previousKey, now)
	if previous > 0 {
		prevTTL = s.counters[previousKey].expiresAt.Sub(now)
	}
	current := s.liveCount(currentKey, now)
	if current > 0 {
		curTTL = s.counters[currentKey].expiresAt.Sub(now)
	}
	return previous, prevTTL, current, curTTL, nil
}

func (s *MemoryStorage) ClearSlidingWindow(ctx context.Context, key string, window time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	previousKey, currentKey, _ := windowKeys(key, s.timeNow(), window)
	delete(s.counters, previousKey)
	delete(s.counters, currentKey)
	return nil
}

// liveCount reads a counter without creating it, treating expired entries as
// absent. Callers hold the mutex.
func (s *MemoryStorage) liveCount(key string, now time.Time) int64 {
	counter, ok := s.counters[key]
	if !ok || !counter.expiresAt.After(now) {
		return 0
	}
	return counter.value
}
