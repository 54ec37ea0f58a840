// Package engine implements the index engine: the hot cache of partition
// bitsets, per-key locking, and the write-behind pipeline to the fast store
// and the durable store.
package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/e4s-data/timeindex"
	"github.com/e4s-data/timeindex/bitset"
	"github.com/e4s-data/timeindex/cache"
	"github.com/e4s-data/timeindex/epoch"
	"github.com/e4s-data/timeindex/keylock"
)

const (
	// DefaultCacheSize bounds the hot cache unless configured otherwise.
	DefaultCacheSize = 100000

	// DefaultFlushInterval is the write-behind period. Zero disables
	// write-behind and makes every mark write through synchronously.
	DefaultFlushInterval = 100 * time.Millisecond

	// closeGracePeriod bounds how long Close waits for the flusher to stop.
	closeGracePeriod = 5 * time.Second
)

// pendingWrite is one coalesced durable upsert awaiting the next flush.
// Repeated writes to the same durable key union into the same set.
type pendingWrite struct {
	name      string
	entityID  int64
	g         timeindex.Granularity
	partition uint32
	set       *bitset.Set
}

// Engine implements timeindex.IndexService.
type Engine struct {
	log     *zap.Logger
	kv      timeindex.KVStore
	durable timeindex.DurableStore

	// cacheMu guards structural changes to cache. Bitsets inside the cache
	// are mutated only under the per-key write lock.
	cacheMu sync.Mutex
	cache   *cache.Ordered
	locks   *keylock.Table

	dirty   *xsync.MapOf[string, struct{}]
	pending *xsync.MapOf[string, *pendingWrite]

	cacheSize     int
	flushInterval time.Duration
	asyncWrite    bool
	clock         clock.Clock

	closed    atomic.Bool
	stop      chan struct{}
	flushDone chan struct{}

	corruptLogged *xsync.MapOf[string, struct{}]
}

var _ timeindex.IndexService = (*Engine)(nil)

// Option configures an Engine.
type Option func(*Engine)

// WithDurable enables the durable-store path.
func WithDurable(store timeindex.DurableStore) Option {
	return func(e *Engine) { e.durable = store }
}

// WithCacheSize sets the hot-cache capacity.
func WithCacheSize(n int) Option {
	return func(e *Engine) { e.cacheSize = n }
}

// WithFlushInterval sets the write-behind period. Zero makes marks write
// through synchronously.
func WithFlushInterval(d time.Duration) Option {
	return func(e *Engine) { e.flushInterval = d }
}

// WithAsyncWrite controls whether durable upserts happen asynchronously.
func WithAsyncWrite(async bool) Option {
	return func(e *Engine) { e.asyncWrite = async }
}

// WithClock substitutes the clock driving the flusher. Tests pass a mock.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// New builds an engine over the fast store and starts the background
// flusher when the flush interval is non-zero.
func New(log *zap.Logger, kv timeindex.KVStore, opts ...Option) *Engine {
	e := &Engine{
		log:           log,
		kv:            kv,
		locks:         keylock.NewTable(),
		dirty:         xsync.NewMapOf[string, struct{}](),
		pending:       xsync.NewMapOf[string, *pendingWrite](),
		cacheSize:     DefaultCacheSize,
		flushInterval: DefaultFlushInterval,
		asyncWrite:    true,
		clock:         clock.New(),
		stop:          make(chan struct{}),
		flushDone:     make(chan struct{}),
		corruptLogged: xsync.NewMapOf[string, struct{}](),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.cache = cache.NewOrdered(e.cacheSize)
	// A dirty entry evicted for capacity must reach the fast store before
	// it leaves the cache.
	e.cache.OnEvict = e.flushEvicted

	if e.flushInterval > 0 {
		go e.runFlusher()
	} else {
		close(e.flushDone)
	}
	return e
}

func (e *Engine) checkOpen(op string) error {
	if e.closed.Load() {
		return timeindex.ErrClosed(op)
	}
	return nil
}

// CreateIndex adds name to the registry set. Idempotent.
func (e *Engine) CreateIndex(ctx context.Context, name string) error {
	if err := e.checkOpen("engine.CreateIndex"); err != nil {
		return err
	}
	if err := timeindex.ValidateIndexName(name); err != nil {
		return err
	}
	return e.kv.SetAdd(ctx, epoch.RegistryKey, name)
}

// IndexExists reports whether name is registered, falling back to the
// durable store when enabled.
func (e *Engine) IndexExists(ctx context.Context, name string) (bool, error) {
	if err := e.checkOpen("engine.IndexExists"); err != nil {
		return false, err
	}
	ok, err := e.kv.SetIsMember(ctx, epoch.RegistryKey, name)
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	if e.durable != nil {
		count, err := e.durable.CountByIndexName(ctx, name)
		if err != nil {
			return false, err
		}
		return count > 0, nil
	}
	return false, nil
}

// DeleteIndex removes every trace of name from the fast store, the cache,
// the write-behind state and, when enabled, the durable store. Idempotent.
func (e *Engine) DeleteIndex(ctx context.Context, name string) error {
	if err := e.checkOpen("engine.DeleteIndex"); err != nil {
		return err
	}
	prefix := epoch.IndexPrefix(name)

	keys, err := e.kv.ScanKeys(ctx, prefix)
	if err != nil {
		return err
	}
	if len(keys) > 0 {
		if err := e.kv.Delete(ctx, keys...); err != nil {
			return err
		}
	}
	if err := e.kv.SetRemove(ctx, epoch.RegistryKey, name); err != nil {
		return err
	}

	// Drop cached entries and any write-behind state; the data is gone.
	e.removeCached(prefix, false)
	durablePrefix := name + ":"
	e.pending.Range(func(k string, _ *pendingWrite) bool {
		if strings.HasPrefix(k, durablePrefix) {
			e.pending.Delete(k)
		}
		return true
	})

	if e.durable != nil {
		if err := e.durable.DeleteByIndexName(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// ListIndexes returns the registry set.
func (e *Engine) ListIndexes(ctx context.Context) ([]string, error) {
	if err := e.checkOpen("engine.ListIndexes"); err != nil {
		return nil, err
	}
	return e.kv.SetMembers(ctx, epoch.RegistryKey)
}

// Mark records value as present for (name, entityID, g).
func (e *Engine) Mark(ctx context.Context, name string, entityID int64, g timeindex.Granularity, value uint32) error {
	if err := e.checkOpen("engine.Mark"); err != nil {
		return err
	}
	if err := timeindex.ValidateIndexName(name); err != nil {
		return err
	}
	return e.markPartition(ctx, name, entityID, g, epoch.Partition(value, g), []uint32{value})
}

// MarkBatch records values, taking each partition's write lock once.
func (e *Engine) MarkBatch(ctx context.Context, name string, entityID int64, g timeindex.Granularity, values []uint32) error {
	if err := e.checkOpen("engine.MarkBatch"); err != nil {
		return err
	}
	if err := timeindex.ValidateIndexName(name); err != nil {
		return err
	}
	if len(values) == 0 {
		return nil
	}

	byPartition := make(map[uint32][]uint32)
	for _, v := range values {
		p := epoch.Partition(v, g)
		byPartition[p] = append(byPartition[p], v)
	}
	partitions := make([]uint32, 0, len(byPartition))
	for p := range byPartition {
		partitions = append(partitions, p)
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

	for _, p := range partitions {
		if err := e.markPartition(ctx, name, entityID, g, p, byPartition[p]); err != nil {
			return err
		}
	}
	return nil
}

// markPartition performs the write path for one partition under its
// exclusive key lock: load-or-create, add, mark dirty (or write through),
// submit to the durable pipeline.
func (e *Engine) markPartition(ctx context.Context, name string, entityID int64, g timeindex.Granularity, partition uint32, values []uint32) error {
	key := epoch.Key(name, g, entityID, partition)

	e.locks.Lock(key)
	defer e.locks.Unlock(key)

	set, err := e.loadForWrite(ctx, key, name, entityID, g, partition)
	if err != nil {
		return err
	}
	set.AddAll(values)

	if e.flushInterval > 0 {
		e.dirty.Store(key, struct{}{})
	} else if err := e.writeKV(ctx, key, set); err != nil {
		return err
	}

	if e.durable == nil {
		return nil
	}
	return e.submitDurable(ctx, name, entityID, g, partition, set)
}

// Exists reports whether value has been marked.
func (e *Engine) Exists(ctx context.Context, name string, entityID int64, g timeindex.Granularity, value uint32) (bool, error) {
	if err := e.checkOpen("engine.Exists"); err != nil {
		return false, err
	}
	var exists bool
	found, err := e.withPartition(ctx, name, entityID, g, epoch.Partition(value, g), func(set *bitset.Set) {
		exists = set.Contains(value)
	})
	if err != nil || !found {
		return false, err
	}
	return exists, nil
}

// FindPrev returns the greatest marked value strictly below value. When this
// partition has none, the adjacent partition below is read from the fast
// store directly, bypassing the cache.
func (e *Engine) FindPrev(ctx context.Context, name string, entityID int64, g timeindex.Granularity, value uint32) (uint32, bool, error) {
	if err := e.checkOpen("engine.FindPrev"); err != nil {
		return 0, false, err
	}

	var result uint32
	var ok bool
	_, err := e.withPartition(ctx, name, entityID, g, epoch.Partition(value, g), func(set *bitset.Set) {
		result, ok = set.Prev(value)
	})
	if err != nil {
		return 0, false, err
	}
	if ok {
		return result, true, nil
	}

	prevKey, hasPrev := epoch.PrevPartitionKey(name, g, entityID, value)
	if !hasPrev {
		return 0, false, nil
	}
	adjacent, err := e.loadDirect(ctx, prevKey)
	if err != nil {
		return 0, false, err
	}
	if adjacent == nil {
		return 0, false, nil
	}
	max, found := adjacent.Max()
	return max, found, nil
}

// FindNext returns the smallest marked value strictly above value,
// descending to at most the adjacent partition above.
func (e *Engine) FindNext(ctx context.Context, name string, entityID int64, g timeindex.Granularity, value uint32) (uint32, bool, error) {
	if err := e.checkOpen("engine.FindNext"); err != nil {
		return 0, false, err
	}

	var result uint32
	var ok bool
	_, err := e.withPartition(ctx, name, entityID, g, epoch.Partition(value, g), func(set *bitset.Set) {
		result, ok = set.Next(value)
	})
	if err != nil {
		return 0, false, err
	}
	if ok {
		return result, true, nil
	}

	adjacent, err := e.loadDirect(ctx, epoch.NextPartitionKey(name, g, entityID, value))
	if err != nil {
		return 0, false, err
	}
	if adjacent == nil {
		return 0, false, nil
	}
	min, found := adjacent.Min()
	return min, found, nil
}

// EvictEntity drops every cached partition of (name, entityID).
func (e *Engine) EvictEntity(ctx context.Context, name string, entityID int64) error {
	if err := e.checkOpen("engine.EvictEntity"); err != nil {
		return err
	}
	for _, g := range timeindex.Granularities() {
		e.removeCached(epoch.EntityPrefix(name, g, entityID), true)
	}
	return nil
}

// EvictIndex drops every cached partition of name.
func (e *Engine) EvictIndex(ctx context.Context, name string) error {
	if err := e.checkOpen("engine.EvictIndex"); err != nil {
		return err
	}
	e.removeCached(epoch.IndexPrefix(name), true)
	return nil
}

// EntityCount returns the number of distinct day-granularity keys in the
// fast store. A coarse proxy: entities present only at other granularities
// or only in the durable store are not counted.
func (e *Engine) EntityCount(ctx context.Context, name string) (int64, error) {
	if err := e.checkOpen("engine.EntityCount"); err != nil {
		return 0, err
	}
	keys, err := e.kv.ScanKeys(ctx, epoch.GranularityPrefix(name, timeindex.Day))
	if err != nil {
		return 0, err
	}
	return int64(len(keys)), nil
}

// Stats returns the entity-count proxy plus process-local cache figures.
func (e *Engine) Stats(ctx context.Context, name string) (timeindex.Stats, error) {
	if err := e.checkOpen("engine.Stats"); err != nil {
		return timeindex.Stats{}, err
	}
	entities, err := e.EntityCount(ctx, name)
	if err != nil {
		return timeindex.Stats{}, err
	}

	e.cacheMu.Lock()
	size := e.cache.Len()
	var memory int64
	e.cache.Range(func(_ string, set *bitset.Set) bool {
		memory += set.SizeInBytes()
		return true
	})
	e.cacheMu.Unlock()

	return timeindex.Stats{
		EntityCount:      entities,
		CacheSize:        size,
		MemoryUsageBytes: memory,
	}, nil
}

// Close flushes outstanding writes, stops the flusher within the grace
// period, and clears all process-local state. Idempotent; every other
// operation fails with EClosed afterwards.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(e.stop)
	select {
	case <-e.flushDone:
	case <-time.After(closeGracePeriod):
		// The durable store remains the source of truth for anything the
		// wedged flusher still held.
		e.log.Warn("Flusher did not stop within grace period, abandoning remaining writes")
	}
	e.flush(context.Background())

	e.cacheMu.Lock()
	e.cache.Clear()
	e.cacheMu.Unlock()
	e.locks.Clear()
	e.dirty.Clear()
	e.pending.Clear()
	return nil
}

// withPartition runs fn with the partition bitset under a shared lock.
// found is false when no bitset exists anywhere for the partition. A cache
// miss loads from the fast store and then, when enabled, the durable store;
// a durable hit warms the cache and re-registers the index name.
func (e *Engine) withPartition(ctx context.Context, name string, entityID int64, g timeindex.Granularity, partition uint32, fn func(*bitset.Set)) (bool, error) {
	key := epoch.Key(name, g, entityID, partition)

	e.locks.RLock(key)
	e.cacheMu.Lock()
	set, ok := e.cache.Get(key)
	e.cacheMu.Unlock()
	if ok {
		fn(set)
		e.locks.RUnlock(key)
		return true, nil
	}
	e.locks.RUnlock(key)

	// Slow path: load under the exclusive lock so only one goroutine
	// populates the cache entry.
	e.locks.Lock(key)
	defer e.locks.Unlock(key)

	e.cacheMu.Lock()
	set, ok = e.cache.Get(key)
	e.cacheMu.Unlock()
	if ok {
		fn(set)
		return true, nil
	}

	set, err := e.loadBacking(ctx, key, name, entityID, g, partition)
	if err != nil {
		return false, err
	}
	if set == nil {
		return false, nil
	}
	e.putInCache(key, set)
	fn(set)
	return true, nil
}

// loadForWrite returns the cached partition bitset, loading it from the
// backing stores or creating an empty one. Caller holds the exclusive lock
// for key.
func (e *Engine) loadForWrite(ctx context.Context, key, name string, entityID int64, g timeindex.Granularity, partition uint32) (*bitset.Set, error) {
	e.cacheMu.Lock()
	set, ok := e.cache.Get(key)
	e.cacheMu.Unlock()
	if ok {
		return set, nil
	}

	set, err := e.loadBacking(ctx, key, name, entityID, g, partition)
	if err != nil {
		return nil, err
	}
	if set == nil {
		set = bitset.New()
	}
	e.putInCache(key, set)
	return set, nil
}

// loadBacking reads one partition bitset from the fast store, falling back
// to the durable store. Returns (nil, nil) when neither has it. A corrupt
// blob is treated as absent after a one-time log per key.
func (e *Engine) loadBacking(ctx context.Context, key, name string, entityID int64, g timeindex.Granularity, partition uint32) (*bitset.Set, error) {
	data, err := e.kv.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(data) > 0 {
		set, err := bitset.FromBytes(data)
		if err == nil {
			return set, nil
		}
		e.logCorrupt(key, err)
	}

	if e.durable == nil {
		return nil, nil
	}
	data, err = e.durable.GetBitmap(ctx, name, entityID, g, partition)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	set, err := bitset.FromBytes(data)
	if err != nil {
		e.logCorrupt(key, err)
		return nil, nil
	}

	// The durable store knows this index even though the fast store lost
	// it; warm the registry back.
	if err := e.kv.SetAdd(ctx, epoch.RegistryKey, name); err != nil {
		e.log.Warn("Re-registering index after durable load failed",
			zap.String("index", name), zap.Error(err))
	}
	return set, nil
}

// loadDirect reads a partition bitset straight from the fast store without
// touching the cache. Used for adjacent-partition navigation so boundary
// lookups do not churn the hot set. Missing and corrupt blobs read as nil.
func (e *Engine) loadDirect(ctx context.Context, key string) (*bitset.Set, error) {
	data, err := e.kv.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	set, err := bitset.FromBytes(data)
	if err != nil {
		e.logCorrupt(key, err)
		return nil, nil
	}
	return set, nil
}

func (e *Engine) putInCache(key string, set *bitset.Set) {
	e.cacheMu.Lock()
	e.cache.Put(key, set)
	e.cacheMu.Unlock()
}

// removeCached drops every cache entry whose key starts with prefix. When
// flushDirty is set, dirty entries are written to the fast store first so
// eviction never loses marked values.
func (e *Engine) removeCached(prefix string, flushDirty bool) {
	var victims []string
	e.cacheMu.Lock()
	e.cache.Range(func(key string, _ *bitset.Set) bool {
		if strings.HasPrefix(key, prefix) {
			victims = append(victims, key)
		}
		return true
	})
	e.cacheMu.Unlock()

	for _, key := range victims {
		e.locks.RLock(key)
		e.cacheMu.Lock()
		set, ok := e.cache.Get(key)
		e.cache.Remove(key)
		e.cacheMu.Unlock()

		_, wasDirty := e.dirty.LoadAndDelete(key)
		if ok && wasDirty && flushDirty {
			if err := e.writeKV(context.Background(), key, set); err != nil {
				e.log.Error("Flushing dirty entry on eviction failed",
					zap.String("key", key), zap.Error(err))
			}
		}
		e.locks.RUnlock(key)
	}
}

// flushEvicted runs when the cache evicts its oldest entry on a
// capacity-bound insert. Dirty entries must hit the fast store before they
// are dropped.
func (e *Engine) flushEvicted(key string, set *bitset.Set) {
	if _, wasDirty := e.dirty.LoadAndDelete(key); !wasDirty {
		return
	}
	if err := e.writeKV(context.Background(), key, set); err != nil {
		e.log.Error("Flushing dirty entry on eviction failed",
			zap.String("key", key), zap.Error(err))
	}
}

// writeKV serializes set and stores it under key in the fast store.
func (e *Engine) writeKV(ctx context.Context, key string, set *bitset.Set) error {
	data, err := set.Bytes()
	if err != nil {
		return err
	}
	return e.kv.Set(ctx, key, data)
}

func (e *Engine) logCorrupt(key string, err error) {
	if _, loaded := e.corruptLogged.LoadOrStore(key, struct{}{}); loaded {
		return
	}
	e.log.Error("Stored bitmap failed to deserialize, treating as empty",
		zap.String("key", key), zap.Error(err))
}

func pendingKey(name string, entityID int64, g timeindex.Granularity, partition uint32) string {
	return fmt.Sprintf("%s:%d:%s:%d", name, entityID, g, partition)
}
