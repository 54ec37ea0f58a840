package epoch

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/e4s-data/timeindex"
)

func TestPartitionBoundaries(t *testing.T) {
	require.Equal(t, uint32(111), Partition(20159, timeindex.Day))
	require.Equal(t, uint32(112), Partition(20160, timeindex.Day))
	require.Equal(t, uint32(112), Partition(20178, timeindex.Day))

	require.Equal(t, uint32(108), Partition(648, timeindex.Month))
	require.Equal(t, uint32(54), Partition(54, timeindex.Year))
}

func TestPartitionStartAndOffset(t *testing.T) {
	require.Equal(t, uint32(20160), PartitionStart(112, timeindex.Day))
	require.Equal(t, uint32(18), Offset(20178, timeindex.Day))
	require.Equal(t, uint32(0), Offset(54, timeindex.Year))
}

func TestKeyFormat(t *testing.T) {
	require.Equal(t,
		"e4s:index:meter-data:day:12345:112",
		Key("meter-data", timeindex.Day, 12345, 112))
	require.Equal(t,
		"e4s:index:meter-data:day:12345:112",
		KeyForValue("meter-data", timeindex.Day, 12345, 20178))
	require.Equal(t,
		"e4s:index:meter-data:month:-7:108",
		KeyForValue("meter-data", timeindex.Month, -7, 648))
}

func TestPrefixes(t *testing.T) {
	require.Equal(t, "e4s:index:meter-data:", IndexPrefix("meter-data"))
	require.Equal(t, "e4s:index:meter-data:day:", GranularityPrefix("meter-data", timeindex.Day))
	require.Equal(t, "e4s:index:meter-data:day:42:", EntityPrefix("meter-data", timeindex.Day, 42))
}

func TestAdjacentPartitionKeys(t *testing.T) {
	prev, ok := PrevPartitionKey("m", timeindex.Day, 1, 20178)
	require.True(t, ok)
	require.Equal(t, "e4s:index:m:day:1:111", prev)

	_, ok = PrevPartitionKey("m", timeindex.Day, 1, 10)
	require.False(t, ok)

	require.Equal(t, "e4s:index:m:day:1:113", NextPartitionKey("m", timeindex.Day, 1, 20178))
}
