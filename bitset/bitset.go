// Package bitset wraps a compressed roaring bitmap as the set of epoch
// values present within one partition. A Set carries no locking of its own;
// the engine serializes writers per key and lets readers share.
package bitset

import (
	"math"

	"github.com/RoaringBitmap/roaring"

	"github.com/e4s-data/timeindex"
)

// Set is a compressed set of non-negative 32-bit integers.
type Set struct {
	bitmap *roaring.Bitmap
}

// New returns an empty Set.
func New() *Set {
	return &Set{bitmap: roaring.NewBitmap()}
}

// FromBytes deserializes a Set from its portable roaring encoding. Empty
// input yields an empty set; malformed input returns an ECorrupt error.
func FromBytes(data []byte) (*Set, error) {
	s := New()
	if len(data) == 0 {
		return s, nil
	}
	if err := s.bitmap.UnmarshalBinary(data); err != nil {
		return nil, &timeindex.Error{
			Code: timeindex.ECorrupt,
			Msg:  "deserializing bitmap",
			Err:  err,
		}
	}
	return s, nil
}

// Bytes serializes the set in the portable roaring format. The encoding is
// deterministic for equal sets and stable across versions.
func (s *Set) Bytes() ([]byte, error) {
	b, err := s.bitmap.ToBytes()
	if err != nil {
		return nil, &timeindex.Error{
			Code: timeindex.EInternal,
			Msg:  "serializing bitmap",
			Err:  err,
		}
	}
	return b, nil
}

// Add inserts v. Idempotent.
func (s *Set) Add(v uint32) {
	s.bitmap.Add(v)
}

// AddAll inserts every value in vs.
func (s *Set) AddAll(vs []uint32) {
	if len(vs) == 0 {
		return
	}
	s.bitmap.AddMany(vs)
}

// Contains reports whether v is present.
func (s *Set) Contains(v uint32) bool {
	return s.bitmap.Contains(v)
}

// Prev returns the largest member strictly less than v.
func (s *Set) Prev(v uint32) (uint32, bool) {
	if v == 0 {
		return 0, false
	}
	r := s.bitmap.Rank(v - 1) // members <= v-1
	if r == 0 {
		return 0, false
	}
	x, err := s.bitmap.Select(uint32(r - 1))
	if err != nil {
		return 0, false
	}
	return x, true
}

// Next returns the smallest member strictly greater than v.
func (s *Set) Next(v uint32) (uint32, bool) {
	if v == math.MaxUint32 {
		return 0, false
	}
	r := s.bitmap.Rank(v) // members <= v
	if r >= s.bitmap.GetCardinality() {
		return 0, false
	}
	x, err := s.bitmap.Select(uint32(r))
	if err != nil {
		return 0, false
	}
	return x, true
}

// Min returns the smallest member.
func (s *Set) Min() (uint32, bool) {
	if s.bitmap.IsEmpty() {
		return 0, false
	}
	return s.bitmap.Minimum(), true
}

// Max returns the largest member.
func (s *Set) Max() (uint32, bool) {
	if s.bitmap.IsEmpty() {
		return 0, false
	}
	return s.bitmap.Maximum(), true
}

// Cardinality returns the number of members.
func (s *Set) Cardinality() uint64 {
	return s.bitmap.GetCardinality()
}

// SizeInBytes returns the approximate retained size of the set.
func (s *Set) SizeInBytes() int64 {
	return int64(s.bitmap.GetSizeInBytes())
}

// ToArray returns the members in ascending order.
func (s *Set) ToArray() []uint32 {
	return s.bitmap.ToArray()
}

// Clone returns an independent copy of the set.
func (s *Set) Clone() *Set {
	return &Set{bitmap: s.bitmap.Clone()}
}

// Union merges other into s.
func (s *Set) Union(other *Set) {
	s.bitmap.Or(other.bitmap)
}

// Equals reports set equality.
func (s *Set) Equals(other *Set) bool {
	return s.bitmap.Equals(other.bitmap)
}
