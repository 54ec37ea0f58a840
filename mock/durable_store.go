// Package mock provides in-memory doubles of the timeindex service
// contracts for tests.
package mock

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/e4s-data/timeindex"
)

type bitmapKey struct {
	Name        string
	EntityID    int64
	Granularity timeindex.Granularity
	Partition   uint32
}

// DurableStore is an in-memory timeindex.DurableStore and
// timeindex.ReindexStatusStore. Err, when set, is returned by every bitmap
// operation to exercise failure paths.
type DurableStore struct {
	mu       sync.Mutex
	bitmaps  map[bitmapKey][]byte
	statuses map[string]*timeindex.ReindexStatus

	Err error

	// UpsertCalls counts UpsertBitmap invocations.
	UpsertCalls int
}

var (
	_ timeindex.DurableStore       = (*DurableStore)(nil)
	_ timeindex.ReindexStatusStore = (*DurableStore)(nil)
)

// NewDurableStore returns an empty store.
func NewDurableStore() *DurableStore {
	return &DurableStore{
		bitmaps:  make(map[bitmapKey][]byte),
		statuses: make(map[string]*timeindex.ReindexStatus),
	}
}

func (s *DurableStore) GetBitmap(_ context.Context, name string, entityID int64, g timeindex.Granularity, partition uint32) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	data, ok := s.bitmaps[bitmapKey{name, entityID, g, partition}]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (s *DurableStore) UpsertBitmap(_ context.Context, name string, entityID int64, g timeindex.Granularity, partition uint32, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.UpsertCalls++
	stored := make([]byte, len(data))
	copy(stored, data)
	s.bitmaps[bitmapKey{name, entityID, g, partition}] = stored
	return nil
}

func (s *DurableStore) DeleteBitmap(_ context.Context, name string, entityID int64, g timeindex.Granularity, partition uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	delete(s.bitmaps, bitmapKey{name, entityID, g, partition})
	return nil
}

func (s *DurableStore) DeleteByIndexName(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	for k := range s.bitmaps {
		if k.Name == name {
			delete(s.bitmaps, k)
		}
	}
	return nil
}

func (s *DurableStore) CountByIndexName(_ context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return 0, s.Err
	}
	var count int64
	for k := range s.bitmaps {
		if k.Name == name {
			count++
		}
	}
	return count, nil
}

func (s *DurableStore) CountDistinctEntities(_ context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return 0, s.Err
	}
	entities := make(map[int64]struct{})
	for k := range s.bitmaps {
		if k.Name == name {
			entities[k.EntityID] = struct{}{}
		}
	}
	return int64(len(entities)), nil
}

func (s *DurableStore) EntityIDs(_ context.Context, name string) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	seen := make(map[int64]struct{})
	for k := range s.bitmaps {
		if k.Name == name {
			seen[k.EntityID] = struct{}{}
		}
	}
	ids := make([]int64, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *DurableStore) Partitions(_ context.Context, name string, entityID int64, g timeindex.Granularity) ([]uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var partitions []uint32
	for k := range s.bitmaps {
		if k.Name == name && k.EntityID == entityID && k.Granularity == g {
			partitions = append(partitions, k.Partition)
		}
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })
	return partitions, nil
}

func (s *DurableStore) PutReindexStatus(_ context.Context, key string, status *timeindex.ReindexStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *status
	s.statuses[key] = &copied
	return nil
}

func (s *DurableStore) GetReindexStatus(_ context.Context, key string) (*timeindex.ReindexStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status, ok := s.statuses[key]
	if !ok {
		return nil, nil
	}
	copied := *status
	return &copied, nil
}

// BitmapCount returns the number of stored partition rows across all
// indexes.
func (s *DurableStore) BitmapCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bitmaps)
}

// String summarizes the stored rows, for test failure messages.
func (s *DurableStore) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("mock.DurableStore{%d bitmaps}", len(s.bitmaps))
}
