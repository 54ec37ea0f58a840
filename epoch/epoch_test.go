package epoch

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/e4s-data/timeindex"
)

func TestDayRoundTrip(t *testing.T) {
	// 2024-01-01T00:00:00Z
	require.Equal(t, uint32(19723), ToDay(1704067200000))
	require.Equal(t, int64(1704067200000), FromDay(19723))
}

func TestToValue(t *testing.T) {
	tests := []struct {
		name   string
		millis int64
		g      timeindex.Granularity
		want   uint32
	}{
		{"epoch day", 0, timeindex.Day, 0},
		{"mid-day truncates", 1704067200000 + 13*3600*1000, timeindex.Day, 19723},
		{"jan 2024 month", 1704067200000, timeindex.Month, 648},
		{"dec 1970 month", 28857600000, timeindex.Month, 11},
		{"year 2024", 1704067200000, timeindex.Year, 54},
		{"year 1970", 0, timeindex.Year, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ToValue(tt.millis, tt.g)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestToValueRejectsPreEpoch(t *testing.T) {
	_, err := ToValue(-1, timeindex.Day)
	require.Error(t, err)
	require.Equal(t, timeindex.EInvalid, timeindex.ErrorCode(err))
}

func TestMonthRoundTripsToFirstOfMonth(t *testing.T) {
	// 2024-03-17T09:30:00Z -> MONTH 650 -> 2024-03-01T00:00:00Z
	v, err := ToValue(1710667800000, timeindex.Month)
	require.NoError(t, err)
	require.Equal(t, uint32(650), v)
	require.Equal(t, int64(1709251200000), ToMillis(v, timeindex.Month))
}

func TestYearRoundTripsToJanFirst(t *testing.T) {
	v, err := ToValue(1710667800000, timeindex.Year)
	require.NoError(t, err)
	require.Equal(t, uint32(54), v)
	require.Equal(t, int64(1704067200000), ToMillis(v, timeindex.Year))
}

func TestRoundTripLawAtUnitStart(t *testing.T) {
	for _, g := range timeindex.Granularities() {
		for _, millis := range []int64{0, 1704067200000, 1709251200000} {
			v, err := ToValue(millis, g)
			require.NoError(t, err)
			back := ToMillis(v, g)
			v2, err := ToValue(back, g)
			require.NoError(t, err)
			require.Equal(t, v, v2, "granularity %s millis %d", g, millis)
		}
	}
}
