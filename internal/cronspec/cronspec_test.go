package cronspec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_ValidExpression(t *testing.T) {
	s, err := Parse("0 */5 * * * *", "UTC")
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, time.UTC, s.Location())
}

func TestParse_AcceptsOneSecondInterval(t *testing.T) {
	_, err := Parse("* * * * * *", "UTC")
	assert.NoError(t, err)
}

func TestParse_UnknownTimezone(t *testing.T) {
	_, err := Parse("0 0 * * * *", "Not/AZone")
	assert.Error(t, err)
}

func TestParse_InvalidExpression(t *testing.T) {
	_, err := Parse("not a cron expr", "UTC")
	assert.Error(t, err)
}

func TestNext_MonotonicAndFuture(t *testing.T) {
	s, err := Parse("0 0 * * * *", "UTC")
	require.NoError(t, err)

	from := time.Date(2026, 1, 1, 0, 0, 30, 0, time.UTC)
	next := s.Next(from)
	assert.True(t, next.After(from))
	assert.Equal(t, 0, next.Second())
	assert.Equal(t, 0, next.Minute())
}

func TestNextN_ReturnsRequestedCount(t *testing.T) {
	s, err := Parse("0 0 * * * *", "UTC")
	require.NoError(t, err)

	times := s.NextN(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), 3)
	require.Len(t, times, 3)
	for i := 1; i < len(times); i++ {
		assert.True(t, times[i].After(times[i-1]))
	}
}

func TestParse_FormatParse_RoundTrip(t *testing.T) {
	exprs := []string{"0 */5 * * * *", "30 0 2 * * 1-5", "0 0 0 1 * *"}
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, expr := range exprs {
		s1, err := Parse(expr, "UTC")
		require.NoError(t, err)
		s2, err := Parse(s1.String(), "UTC")
		require.NoError(t, err)
		assert.Equal(t, s1.NextN(from, 5), s2.NextN(from, 5), "expr %q", expr)
	}
}

func TestValidate_WrapsParse(t *testing.T) {
	assert.NoError(t, Validate("0 0 * * * *", "UTC"))
	assert.Error(t, Validate("", "UTC"))
}
