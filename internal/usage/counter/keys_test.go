package counter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyHelpers(t *testing.T) {
	assert.Equal(t, Key("workspace:abc:links"), LinksKey("abc"))
	assert.Equal(t, Key("workspace:abc:members"), MembersKey("abc"))
	assert.Equal(t, Key("workspace:abc:clicks:2026-01"), ClicksKey("abc", "2026-01"))

	now := time.Date(2026, 3, 31, 23, 0, 0, 0, time.UTC)
	assert.Equal(t, Key("workspace:abc:clicks:2026-03"), KeyFor("abc", MetricClicks, now))
	assert.Equal(t, LinksKey("abc"), KeyFor("abc", MetricLinks, now))
}

func TestPeriodOf_UsesUTC(t *testing.T) {
	loc := time.FixedZone("UTC+9", 9*3600)
	// 2026-02-01 05:00 in UTC+9 is still January in UTC.
	assert.Equal(t, "2026-01", PeriodOf(time.Date(2026, 2, 1, 5, 0, 0, 0, loc)))
}

func TestParseKey(t *testing.T) {
	kp, err := ParseKey("workspace:abc:clicks:2026-01")
	require.NoError(t, err)
	assert.Equal(t, KeyParts{WorkspaceID: "abc", Metric: MetricClicks, Period: "2026-01"}, kp)

	kp, err = ParseKey("workspace:abc:links")
	require.NoError(t, err)
	assert.Equal(t, MetricLinks, kp.Metric)
	assert.Empty(t, kp.Period)

	bad := []string{
		"",
		"abc",
		"workspace::links",
		"tenant:abc:links",
		"workspace:abc:views",
		"workspace:abc:clicks",
		"workspace:abc:links:2026-01",
		"workspace:abc:clicks:2026-13",
		"workspace:abc:clicks:Jan",
		"workspace:a:b:links",
		"workspace:abc:clicks:2026-01:extra",
	}
	for _, s := range bad {
		_, err := ParseKey(s)
		assert.ErrorIs(t, err, ErrInvalidKey, s)
	}
}

func TestNewKey(t *testing.T) {
	k, err := NewKey("abc", MetricClicks, "2026-02")
	require.NoError(t, err)
	assert.Equal(t, ClicksKey("abc", "2026-02"), k)

	_, err = NewKey("a:b", MetricLinks, "")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestParseMetric(t *testing.T) {
	for _, m := range Metrics {
		got, err := ParseMetric(string(m))
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
	_, err := ParseMetric("views")
	assert.ErrorIs(t, err, ErrInvalidKey)
	assert.True(t, MetricClicks.Monthly())
	assert.False(t, MetricLinks.Monthly())
}
