package draw

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPeriodAt(t *testing.T) {
	cases := []struct {
		at    time.Time
		week  int
		year  int
		start time.Time
	}{
		{time.Date(2024, 3, 6, 15, 0, 0, 0, time.UTC), 10, 2024, time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)},
		{time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC), 10, 2024, time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)},
		{time.Date(2024, 3, 10, 23, 59, 59, 0, time.UTC), 10, 2024, time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)},
		{time.Date(2024, 12, 30, 9, 0, 0, 0, time.UTC), 1, 2025, time.Date(2024, 12, 30, 0, 0, 0, 0, time.UTC)},
		{time.Date(2021, 1, 3, 9, 0, 0, 0, time.UTC), 53, 2020, time.Date(2020, 12, 28, 0, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		p := PeriodAt(tc.at)
		require.Equal(t, tc.week, p.Week, tc.at)
		require.Equal(t, tc.year, p.Year, tc.at)
		require.True(t, p.Start.Equal(tc.start), tc.at)
		require.True(t, p.End.Equal(tc.start.Add(7*24*time.Hour-time.Second)), tc.at)
	}
}

func TestPeriodAtConvertsToUTC(t *testing.T) {
	zone := time.FixedZone("UTC+10", 10*3600)
	// Monday 05:00 local is still Sunday in UTC.
	p := PeriodAt(time.Date(2024, 3, 11, 5, 0, 0, 0, zone))
	require.Equal(t, 10, p.Week)
}

func TestPeriodOf(t *testing.T) {
	p, err := PeriodOf(2020, 53)
	require.NoError(t, err)
	require.True(t, p.Start.Equal(time.Date(2020, 12, 28, 0, 0, 0, 0, time.UTC)))

	p, err = PeriodOf(2025, 1)
	require.NoError(t, err)
	require.True(t, p.Start.Equal(time.Date(2024, 12, 30, 0, 0, 0, 0, time.UTC)))

	_, err = PeriodOf(2021, 53)
	require.Error(t, err)
	_, err = PeriodOf(2024, 0)
	require.Error(t, err)
}

func TestPeriodPrevious(t *testing.T) {
	p, err := PeriodOf(2025, 1)
	require.NoError(t, err)
	prev := p.Previous()
	require.Equal(t, 52, prev.Week)
	require.Equal(t, 2024, prev.Year)
	require.Equal(t, "52-2024", prev.Key())
}
