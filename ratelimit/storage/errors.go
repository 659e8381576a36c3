package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrStorageUnavailable reports a backend that failed or timed out.
	// Backend I/O errors wrap it so callers can match the whole class.
	ErrStorageUnavailable = errors.New("rate limit storage unavailable")

	// ErrRetryBudgetExceeded reports an optimistic-concurrency loop that ran
	// out of retries. It is a kind of ErrStorageUnavailable.
	ErrRetryBudgetExceeded = fmt.Errorf("%w: compare-and-swap retries exhausted", ErrStorageUnavailable)

	// ErrNotSupported reports an operation the backend has no way to
	// perform, such as enumerating keys on Memcached.
	ErrNotSupported = errors.New("operation not supported by storage")

	// ErrUnknownScheme reports a storage URI whose scheme has no registered
	// backend.
	ErrUnknownScheme = errors.New("no storage registered for scheme")
)

func wrapErr(backend, op, key string, err error) error {
	return fmt.Errorf("%s: %s %q: %w: %w", backend, op, key, ErrStorageUnavailable, err)
}
