package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLimit(t *testing.T) {
	var tests = []struct {
		name  string
		input string
		want  Limit
	}{
		{
			name:  "slash form",
			input: "10/minute",
			want:  Limit{Amount: 10, Multiples: 1, Granularity: Minute},
		},
		{
			name:  "per form",
			input: "10 per minute",
			want:  Limit{Amount: 10, Multiples: 1, Granularity: Minute},
		},
		{
			name:  "per form with multiples",
			input: "10 per 1 minute",
			want:  Limit{Amount: 10, Multiples: 1, Granularity: Minute},
		},
		{
			name:  "slash form with multiples",
			input: "10/1 minute",
			want:  Limit{Amount: 10, Multiples: 1, Granularity: Minute},
		},
		{
			name:  "multiple seconds",
			input: "5 per 3 seconds",
			want:  Limit{Amount: 5, Multiples: 3, Granularity: Second},
		},
		{
			name:  "case insensitive and padded",
			input: "  100 PER 2 Hours ",
			want:  Limit{Amount: 100, Multiples: 2, Granularity: Hour},
		},
		{
			name:  "plural granularity",
			input: "1/2 days",
			want:  Limit{Amount: 1, Multiples: 2, Granularity: Day},
		},
		{
			name:  "year granularity",
			input: "1000 per year",
			want:  Limit{Amount: 1000, Multiples: 1, Granularity: Year},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limit, err := ParseLimit(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, limit)
		})
	}
}

func TestParseLimit_Malformed(t *testing.T) {
	for _, input := range []string{
		"",
		"minute",
		"10",
		"10//minute",
		"ten per minute",
		"10 per fortnight",
		"-1/minute",
		"10 per minute extra",
	} {
		t.Run(input, func(t *testing.T) {
			_, err := ParseLimit(input)
			assert.ErrorIs(t, err, ErrMalformedLimit)
		})
	}
}

func TestParseLimit_EquivalentFormsShareKeys(t *testing.T) {
	first, err := ParseLimit("10/minute")
	require.NoError(t, err)
	second, err := ParseLimit("10 per minute")
	require.NoError(t, err)
	third, err := ParseLimit("10 per 1 minute")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, first, third)
	assert.Equal(t, first.KeyFor("user", "42"), second.KeyFor("user", "42"))
}

func TestLimit_CanonicalRoundTrip(t *testing.T) {
	limits := []Limit{
		{Amount: 10, Multiples: 1, Granularity: Minute},
		{Amount: 5, Multiples: 3, Granularity: Second},
		{Amount: 1, Multiples: 12, Granularity: Hour},
	}
	for _, limit := range limits {
		t.Run(limit.String(), func(t *testing.T) {
			parsed, err := ParseLimit(limit.String())
			require.NoError(t, err)
			assert.Equal(t, limit, parsed)
			assert.Equal(t, limit.String(), parsed.String())
		})
	}
}

func TestParseLimits(t *testing.T) {
	limits, err := ParseLimits("10/minute; 100 per hour,1000/day")
	require.NoError(t, err)
	assert.Equal(t, []Limit{
		{Amount: 10, Multiples: 1, Granularity: Minute},
		{Amount: 100, Multiples: 1, Granularity: Hour},
		{Amount: 1000, Multiples: 1, Granularity: Day},
	}, limits)

	_, err = ParseLimits("10/minute;bogus")
	assert.ErrorIs(t, err, ErrMalformedLimit)
}

func TestLimit_WindowDuration(t *testing.T) {
	assert.Equal(t, time.Minute, Limit{Amount: 1, Multiples: 1, Granularity: Minute}.WindowDuration())
	assert.Equal(t, 3*time.Second, Limit{Amount: 1, Multiples: 3, Granularity: Second}.WindowDuration())
	assert.Equal(t, 30*24*time.Hour, Limit{Amount: 1, Multiples: 1, Granularity: Month}.WindowDuration())
	assert.Equal(t, 365*24*time.Hour, Limit{Amount: 1, Multiples: 1, Granularity: Year}.WindowDuration())
}

func TestLimit_KeyForDisjointShapes(t *testing.T) {
	base := Limit{Amount: 10, Multiples: 1, Granularity: Minute}
	differentAmount := Limit{Amount: 20, Multiples: 1, Granularity: Minute}
	differentMultiples := Limit{Amount: 10, Multiples: 2, Granularity: Minute}
	differentGranularity := Limit{Amount: 10, Multiples: 1, Granularity: Hour}

	keys := map[string]bool{}
	for _, limit := range []Limit{base, differentAmount, differentMultiples, differentGranularity} {
		keys[limit.KeyFor("user")] = true
	}
	assert.Len(t, keys, 4)

	assert.NotEqual(t, base.KeyFor("alice"), base.KeyFor("bob"))
}
