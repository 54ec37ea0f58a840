// Package epoch converts wall-clock milliseconds to the compact integer
// values the index stores, and maps those values onto fixed-size partitions
// and fast-store keys. Everything here is a pure function.
package epoch

import (
	"fmt"
	"math"
	"time"

	"github.com/e4s-data/timeindex"
)

const millisPerDay = 24 * 60 * 60 * 1000

// ToDay converts epoch milliseconds to days since 1970-01-01 UTC.
func ToDay(millis int64) uint32 {
	return uint32(millis / millisPerDay)
}

// ToMonth converts epoch milliseconds to months since January 1970, UTC.
func ToMonth(millis int64) uint32 {
	t := time.UnixMilli(millis).UTC()
	return uint32((t.Year()-1970)*12 + int(t.Month()) - 1)
}

// ToYear converts epoch milliseconds to years since 1970, UTC.
func ToYear(millis int64) uint32 {
	return uint32(time.UnixMilli(millis).UTC().Year() - 1970)
}

// ToValue converts epoch milliseconds to the compact value for g. Millis
// before the Unix epoch, or whose value would not fit in a uint32, are
// rejected: the value domain is non-negative 32-bit integers.
func ToValue(millis int64, g timeindex.Granularity) (uint32, error) {
	if millis < 0 {
		return 0, &timeindex.Error{
			Code: timeindex.EInvalid,
			Msg:  fmt.Sprintf("timestamp %d is before the Unix epoch", millis),
		}
	}
	if g == timeindex.Day && millis/millisPerDay > math.MaxUint32 {
		return 0, &timeindex.Error{
			Code: timeindex.EInvalid,
			Msg:  fmt.Sprintf("timestamp %d is beyond the value range", millis),
		}
	}
	switch g {
	case timeindex.Day:
		return ToDay(millis), nil
	case timeindex.Month:
		return ToMonth(millis), nil
	case timeindex.Year:
		return ToYear(millis), nil
	}
	return 0, &timeindex.Error{
		Code: timeindex.EInvalid,
		Msg:  fmt.Sprintf("unknown granularity %v", g),
	}
}

// FromDay converts days since the epoch back to milliseconds at UTC midnight.
func FromDay(v uint32) int64 {
	return int64(v) * millisPerDay
}

// FromMonth converts months since January 1970 back to milliseconds at the
// first of the month, UTC midnight.
func FromMonth(v uint32) int64 {
	year := 1970 + int(v)/12
	month := time.Month(int(v)%12 + 1)
	return time.Date(year, month, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
}

// FromYear converts years since 1970 back to milliseconds at Jan 1, UTC
// midnight.
func FromYear(v uint32) int64 {
	return time.Date(1970+int(v), time.January, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
}

// ToMillis converts a compact value back to epoch milliseconds at the start
// of its day, month, or year in UTC.
func ToMillis(v uint32, g timeindex.Granularity) int64 {
	switch g {
	case timeindex.Day:
		return FromDay(v)
	case timeindex.Month:
		return FromMonth(v)
	case timeindex.Year:
		return FromYear(v)
	}
	return math.MinInt64
}
