package ratelimit

import "errors"

var (
	// ErrMalformedLimit reports a limit expression that does not match the
	// grammar. This is a caller bug, not a transient condition.
	ErrMalformedLimit = errors.New("malformed limit expression")

	// ErrCapabilityMismatch reports a storage that lacks the atomic
	// operations required by the requested strategy. It is returned at
	// construction time, never during a hit.
	ErrCapabilityMismatch = errors.New("storage does not support strategy")
)
