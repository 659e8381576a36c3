package ratelimit

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// keyNamespace prefixes every storage key derived from a limit so rate
// limiting state never collides with other data in a shared backend.
const keyNamespace = "LIMITER"

// Granularity is the base time unit of a limit.
type Granularity int

const (
	Second Granularity = iota
	Minute
	Hour
	Day
	Month
	Year
)

// granularitySeconds maps each granularity to its length in seconds. Month and
// year are fixed approximations (30 and 365 days); no calendar arithmetic.
var granularitySeconds = [...]int64{
	Second: 1,
	Minute: 60,
	Hour:   3600,
	Day:    86400,
	Month:  30 * 86400,
	Year:   365 * 86400,
}

var granularityNames = [...]string{
	Second: "second",
	Minute: "minute",
	Hour:   "hour",
	Day:    "day",
	Month:  "month",
	Year:   "year",
}

func (g Granularity) String() string {
	if g < Second || g > Year {
		return "unknown"
	}
	return granularityNames[g]
}

// Seconds returns the length of one unit of the granularity.
func (g Granularity) Seconds() int64 {
	return granularitySeconds[g]
}

// Limit is an immutable description of a rate limit: Amount events per
// Multiples units of Granularity. The zero value is not a valid limit.
type Limit struct {
	Amount      int64
	Multiples   int64
	Granularity Granularity
}

// NewLimit builds a limit, normalizing a non-positive multiples to 1.
func NewLimit(amount int64, multiples int64, granularity Granularity) Limit {
	if multiples <= 0 {
		multiples = 1
	}
	return Limit{Amount: amount, Multiples: multiples, Granularity: granularity}
}

// WindowDuration is the length of the window over which Amount events are
// permitted.
func (l Limit) WindowDuration() time.Duration {
	return time.Duration(l.Multiples*l.Granularity.Seconds()) * time.Second
}

// String returns the canonical textual form, e.g. "10 per 1 minute".
// ParseLimit accepts this form back and yields an equal limit.
func (l Limit) String() string {
	return fmt.Sprintf("%d per %d %s", l.Amount, l.Multiples, l.Granularity)
}

// keyEscaper escapes "%" and "/" in identity components so a component cannot
// forge the key separator.
var keyEscaper = strings.NewReplacer("%", "%25", "/", "%2F")

// KeyFor derives the storage key for this limit and the given identity
// components. The key embeds amount, multiples and granularity, so limits
// that differ in shape occupy disjoint key spaces; identity components are
// escaped, so distinct identities never share a key.
func (l Limit) KeyFor(identity ...string) string {
	parts := make([]string, 0, len(identity)+4)
	parts = append(parts, keyNamespace)
	for _, component := range identity {
		parts = append(parts, keyEscaper.Replace(component))
	}
	parts = append(parts,
		strconv.FormatInt(l.Amount, 10),
		strconv.FormatInt(l.Multiples, 10),
		l.Granularity.String(),
	)
	return strings.Join(parts, "/")
}

var (
	limitExpr     = regexp.MustCompile(`(?i)^\s*(\d+)\s*(?:/|per)\s*(\d+)?\s*(second|minute|hour|day|month|year)s?\s*$`)
	limitSep      = regexp.MustCompile(`[,;|]`)
	granularities = map[string]Granularity{
		"second": Second,
		"minute": Minute,
		"hour":   Hour,
		"day":    Day,
		"month":  Month,
		"year":   Year,
	}
)

// ParseLimit parses a single textual limit such as "10/minute",
// "10 per minute" or "5 per 3 seconds". Parsing is case-insensitive and
// whitespace tolerant. A string that does not match the grammar yields an
// error wrapping ErrMalformedLimit.
func ParseLimit(s string) (Limit, error) {
	m := limitExpr.FindStringSubmatch(s)
	if m == nil {
		return Limit{}, fmt.Errorf("%w: %q", ErrMalformedLimit, s)
	}

	amount, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil || amount <= 0 {
		return Limit{}, fmt.Errorf("%w: amount in %q", ErrMalformedLimit, s)
	}

	multiples := int64(1)
	if m[2] != "" {
		multiples, err = strconv.ParseInt(m[2], 10, 64)
		if err != nil || multiples <= 0 {
			return Limit{}, fmt.Errorf("%w: multiples in %q", ErrMalformedLimit, s)
		}
	}

	granularity, ok := granularities[strings.ToLower(m[3])]
	if !ok {
		return Limit{}, fmt.Errorf("%w: granularity in %q", ErrMalformedLimit, s)
	}

	return Limit{Amount: amount, Multiples: multiples, Granularity: granularity}, nil
}

// ParseLimits parses a delimited list of limits. The separators are
// ",", ";" and "|".
func ParseLimits(s string) ([]Limit, error) {
	parts := limitSep.Split(s, -1)
	limits := make([]Limit, 0, len(parts))
	for _, part := range parts {
		limit, err := ParseLimit(part)
		if err != nil {
			return nil, err
		}
		limits = append(limits, limit)
	}
	return limits, nil
}
