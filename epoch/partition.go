package epoch

import (
	"fmt"

	"github.com/e4s-data/timeindex"
)

// Partition sizes per granularity. 180 days and 6 months are both roughly
// half a year, so a DAY and a MONTH partition hold a comparable time span; a
// YEAR partition holds one year. Changing these is a backward-incompatible
// storage change.
const (
	PartitionDays   = 180
	PartitionMonths = 6
)

// RegistryKey is the fast-store set holding all known index names.
const RegistryKey = "e4s:index:registry"

// keyPrefix is the namespace every fast-store key lives under.
const keyPrefix = "e4s:index"

// PartitionSize returns the number of values one partition spans for g.
func PartitionSize(g timeindex.Granularity) uint32 {
	switch g {
	case timeindex.Day:
		return PartitionDays
	case timeindex.Month:
		return PartitionMonths
	default:
		return 1
	}
}

// Partition returns the partition a value falls into.
func Partition(v uint32, g timeindex.Granularity) uint32 {
	return v / PartitionSize(g)
}

// PartitionStart returns the first value of a partition.
func PartitionStart(p uint32, g timeindex.Granularity) uint32 {
	return p * PartitionSize(g)
}

// Offset returns the position of v within its partition. Always 0 for YEAR.
func Offset(v uint32, g timeindex.Granularity) uint32 {
	return v % PartitionSize(g)
}

// Key builds the fast-store key identifying one partition bitset. The same
// string keys the lock table and the hot cache.
func Key(name string, g timeindex.Granularity, entityID int64, partition uint32) string {
	return fmt.Sprintf("%s:%s:%s:%d:%d", keyPrefix, name, g.KeyPart(), entityID, partition)
}

// KeyForValue builds the key of the partition containing v.
func KeyForValue(name string, g timeindex.Granularity, entityID int64, v uint32) string {
	return Key(name, g, entityID, Partition(v, g))
}

// IndexPrefix returns the key prefix covering every key of one index.
func IndexPrefix(name string) string {
	return fmt.Sprintf("%s:%s:", keyPrefix, name)
}

// GranularityPrefix returns the key prefix covering one (index, granularity).
func GranularityPrefix(name string, g timeindex.Granularity) string {
	return fmt.Sprintf("%s:%s:%s:", keyPrefix, name, g.KeyPart())
}

// EntityPrefix returns the key prefix covering every partition of one
// (index, granularity, entity).
func EntityPrefix(name string, g timeindex.Granularity, entityID int64) string {
	return fmt.Sprintf("%s:%s:%s:%d:", keyPrefix, name, g.KeyPart(), entityID)
}

// PrevPartitionKey returns the key of the partition below the one containing
// v. ok is false when v is already in partition 0.
func PrevPartitionKey(name string, g timeindex.Granularity, entityID int64, v uint32) (string, bool) {
	p := Partition(v, g)
	if p == 0 {
		return "", false
	}
	return Key(name, g, entityID, p-1), true
}

// NextPartitionKey returns the key of the partition above the one containing
// v. Always defined.
func NextPartitionKey(name string, g timeindex.Granularity, entityID int64, v uint32) string {
	return Key(name, g, entityID, Partition(v, g)+1)
}
