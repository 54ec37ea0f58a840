package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/e4s-data/timeindex"
	"github.com/e4s-data/timeindex/bitset"
)

// runFlusher is the engine's single background task. Each tick flushes the
// dirty fast-store keys and the pending durable writes.
func (e *Engine) runFlusher() {
	defer close(e.flushDone)

	ticker := e.clock.Ticker(e.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.flush(context.Background())
		}
	}
}

// flush writes every dirty fast-store key and every pending durable entry.
// Failures are logged and retried on the next tick; flush never fails.
func (e *Engine) flush(ctx context.Context) {
	var keys []string
	e.dirty.Range(func(key string, _ struct{}) bool {
		keys = append(keys, key)
		return true
	})
	for _, key := range keys {
		e.flushKey(ctx, key)
	}

	var pendingKeys []string
	e.pending.Range(func(key string, _ *pendingWrite) bool {
		pendingKeys = append(pendingKeys, key)
		return true
	})
	for _, key := range pendingKeys {
		w, ok := e.pending.LoadAndDelete(key)
		if !ok {
			continue
		}
		if err := e.upsertMerged(ctx, w.name, w.entityID, w.g, w.partition, w.set); err != nil {
			e.log.Error("Flushing pending durable write failed, will retry",
				zap.String("key", key), zap.Error(err))
			e.requeuePending(key, w)
		}
	}
}

// flushKey writes one dirty key's cached bitset to the fast store. The
// dirty flag is cleared before serializing so a concurrent mark re-flags the
// key rather than racing the clear. A key no longer in the cache is skipped:
// its eviction already flushed it.
func (e *Engine) flushKey(ctx context.Context, key string) {
	if _, ok := e.dirty.LoadAndDelete(key); !ok {
		return
	}

	e.locks.RLock(key)
	e.cacheMu.Lock()
	set, ok := e.cache.Get(key)
	e.cacheMu.Unlock()
	if !ok {
		e.locks.RUnlock(key)
		return
	}
	data, err := set.Bytes()
	e.locks.RUnlock(key)
	if err != nil {
		e.log.Error("Serializing dirty bitset failed", zap.String("key", key), zap.Error(err))
		e.dirty.Store(key, struct{}{})
		return
	}

	if err := e.kv.Set(ctx, key, data); err != nil {
		e.log.Error("Flushing dirty key failed, will retry",
			zap.String("key", key), zap.Error(err))
		e.dirty.Store(key, struct{}{})
	}
}

// submitDurable routes one partition write to the durable store according
// to the async/interval configuration. Caller holds the partition's write
// lock; set is snapshotted before it escapes the lock.
func (e *Engine) submitDurable(ctx context.Context, name string, entityID int64, g timeindex.Granularity, partition uint32, set *bitset.Set) error {
	snapshot := set.Clone()

	switch {
	case e.asyncWrite && e.flushInterval > 0:
		e.requeuePending(pendingKey(name, entityID, g, partition), &pendingWrite{
			name:      name,
			entityID:  entityID,
			g:         g,
			partition: partition,
			set:       snapshot,
		})
		return nil

	case e.asyncWrite:
		// Fire-and-forget: merges are commutative unions, so out-of-order
		// application is tolerated.
		go func() {
			if err := e.upsertMerged(context.Background(), name, entityID, g, partition, snapshot); err != nil {
				e.log.Error("Async durable write failed",
					zap.String("index", name),
					zap.Int64("entity", entityID),
					zap.Stringer("granularity", g),
					zap.Uint32("partition", partition),
					zap.Error(err))
			}
		}()
		return nil

	default:
		return e.upsertMerged(ctx, name, entityID, g, partition, snapshot)
	}
}

// requeuePending merges w into the pending durable map, unioning with any
// write already queued for the same durable key.
func (e *Engine) requeuePending(key string, w *pendingWrite) {
	e.pending.Compute(key, func(old *pendingWrite, loaded bool) (*pendingWrite, bool) {
		if !loaded {
			return w, false
		}
		old.set.Union(w.set)
		return old, false
	})
}

// upsertMerged widens the stored durable bitmap with snapshot and writes it
// back. Reading before writing keeps concurrent and out-of-order upserts
// monotonic: the stored set only ever grows.
func (e *Engine) upsertMerged(ctx context.Context, name string, entityID int64, g timeindex.Granularity, partition uint32, snapshot *bitset.Set) error {
	existing, err := e.durable.GetBitmap(ctx, name, entityID, g, partition)
	if err != nil {
		return err
	}

	merged := snapshot
	if len(existing) > 0 {
		stored, err := bitset.FromBytes(existing)
		if err != nil {
			e.logCorrupt(pendingKey(name, entityID, g, partition), err)
		} else {
			merged = snapshot.Clone()
			merged.Union(stored)
		}
	}

	data, err := merged.Bytes()
	if err != nil {
		return err
	}
	return e.durable.UpsertBitmap(ctx, name, entityID, g, partition, data)
}
