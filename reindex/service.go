// Package reindex rebuilds the fast store from the durable source of truth,
// either for a whole index or for a single partition. It is only wired up in
// deployments with durable persistence enabled.
package reindex

import (
	"context"
	"fmt"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/e4s-data/timeindex"
	"github.com/e4s-data/timeindex/bitset"
)

// DefaultBatchSize bounds how many values one MarkBatch replays at a time.
const DefaultBatchSize = 1000

// Service replays durable partition bitmaps through the engine's write path
// so the fast store and hot cache are rebuilt from scratch.
type Service struct {
	log         *zap.Logger
	index       timeindex.IndexService
	store       timeindex.DurableStore
	statusStore timeindex.ReindexStatusStore
	batchSize   int
	statuses    *xsync.MapOf[string, *timeindex.ReindexStatus]
	now         func() int64
}

// Option configures a Service.
type Option func(*Service)

// WithBatchSize overrides the replay batch size.
func WithBatchSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithStatusStore persists progress so it survives restarts.
func WithStatusStore(store timeindex.ReindexStatusStore) Option {
	return func(s *Service) { s.statusStore = store }
}

// WithNow substitutes the wall clock, for tests.
func WithNow(now func() int64) Option {
	return func(s *Service) { s.now = now }
}

// NewService builds a reindex service over the engine and the durable store.
func NewService(log *zap.Logger, index timeindex.IndexService, store timeindex.DurableStore, opts ...Option) *Service {
	s := &Service{
		log:       log,
		index:     index,
		store:     store,
		batchSize: DefaultBatchSize,
		statuses:  xsync.NewMapOf[string, *timeindex.ReindexStatus](),
		now:       func() int64 { return time.Now().UnixMilli() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Full rebuilds the fast store for every entity and granularity of name.
// Runs synchronously; progress is observable through Status.
func (s *Service) Full(ctx context.Context, name string) *timeindex.ReindexStatus {
	status := &timeindex.ReindexStatus{
		IndexName: name,
		Status:    timeindex.ReindexRunning,
		StartedAt: s.now(),
	}
	s.record(ctx, name, status)

	total, err := s.store.CountByIndexName(ctx, name)
	if err != nil {
		return s.fail(ctx, name, status, err)
	}
	status.TotalRecords = total

	entityIDs, err := s.store.EntityIDs(ctx, name)
	if err != nil {
		return s.fail(ctx, name, status, err)
	}
	s.log.Info("Starting full reindex",
		zap.String("index", name),
		zap.Int64("partitions", total),
		zap.Int("entities", len(entityIDs)))

	var processed int64
	for _, entityID := range entityIDs {
		for _, g := range timeindex.Granularities() {
			if err := s.replayEntity(ctx, name, entityID, g); err != nil {
				return s.fail(ctx, name, status, err)
			}
		}
		processed++
		status.ProcessedRecords = processed
		if processed%1000 == 0 {
			s.log.Info("Reindex progress",
				zap.String("index", name),
				zap.Int64("processed", processed),
				zap.Int("total", len(entityIDs)))
			s.record(ctx, name, status)
		}
	}

	s.complete(ctx, name, status)
	s.log.Info("Full reindex completed", zap.String("index", name))
	return status
}

// Partition rebuilds a single (granularity, partition) of name for every
// entity.
func (s *Service) Partition(ctx context.Context, name string, g timeindex.Granularity, partition uint32) *timeindex.ReindexStatus {
	key := statusKey(name, g, partition)
	status := &timeindex.ReindexStatus{
		IndexName:   name,
		Status:      timeindex.ReindexRunning,
		Granularity: &g,
		Partition:   &partition,
		StartedAt:   s.now(),
	}
	s.record(ctx, key, status)

	entityIDs, err := s.store.EntityIDs(ctx, name)
	if err != nil {
		return s.fail(ctx, key, status, err)
	}
	s.log.Info("Starting partition reindex",
		zap.String("index", name),
		zap.Stringer("granularity", g),
		zap.Uint32("partition", partition),
		zap.Int("entities", len(entityIDs)))

	var processed int64
	for _, entityID := range entityIDs {
		if err := s.replayPartition(ctx, name, entityID, g, partition); err != nil {
			return s.fail(ctx, key, status, err)
		}
		processed++
	}

	status.TotalRecords = processed
	status.ProcessedRecords = processed
	s.complete(ctx, key, status)
	s.log.Info("Partition reindex completed",
		zap.String("index", name), zap.Uint32("partition", partition))
	return status
}

// Status returns the progress of the last full reindex of name.
func (s *Service) Status(ctx context.Context, name string) *timeindex.ReindexStatus {
	return s.lookup(ctx, name, func() *timeindex.ReindexStatus {
		return &timeindex.ReindexStatus{
			IndexName: name,
			Status:    timeindex.ReindexNotStarted,
			StartedAt: s.now(),
		}
	})
}

// PartitionStatus returns the progress of the last reindex of one
// (granularity, partition).
func (s *Service) PartitionStatus(ctx context.Context, name string, g timeindex.Granularity, partition uint32) *timeindex.ReindexStatus {
	return s.lookup(ctx, statusKey(name, g, partition), func() *timeindex.ReindexStatus {
		return &timeindex.ReindexStatus{
			IndexName:   name,
			Status:      timeindex.ReindexNotStarted,
			Granularity: &g,
			Partition:   &partition,
			StartedAt:   s.now(),
		}
	})
}

// replayEntity replays every durable partition of one (entity, granularity)
// through the engine.
func (s *Service) replayEntity(ctx context.Context, name string, entityID int64, g timeindex.Granularity) error {
	partitions, err := s.store.Partitions(ctx, name, entityID, g)
	if err != nil {
		return err
	}
	for _, partition := range partitions {
		if err := s.replayPartition(ctx, name, entityID, g, partition); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) replayPartition(ctx context.Context, name string, entityID int64, g timeindex.Granularity, partition uint32) error {
	data, err := s.store.GetBitmap(ctx, name, entityID, g, partition)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	set, err := bitset.FromBytes(data)
	if err != nil {
		s.log.Error("Skipping corrupt durable bitmap",
			zap.String("index", name),
			zap.Int64("entity", entityID),
			zap.Stringer("granularity", g),
			zap.Uint32("partition", partition),
			zap.Error(err))
		return nil
	}

	values := set.ToArray()
	for start := 0; start < len(values); start += s.batchSize {
		end := start + s.batchSize
		if end > len(values) {
			end = len(values)
		}
		if err := s.index.MarkBatch(ctx, name, entityID, g, values[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) record(ctx context.Context, key string, status *timeindex.ReindexStatus) {
	copied := *status
	s.statuses.Store(key, &copied)
	if s.statusStore == nil {
		return
	}
	if err := s.statusStore.PutReindexStatus(ctx, key, &copied); err != nil {
		s.log.Warn("Persisting reindex status failed",
			zap.String("key", key), zap.Error(err))
	}
}

func (s *Service) complete(ctx context.Context, key string, status *timeindex.ReindexStatus) {
	completedAt := s.now()
	status.Status = timeindex.ReindexCompleted
	status.CompletedAt = &completedAt
	s.record(ctx, key, status)
}

func (s *Service) fail(ctx context.Context, key string, status *timeindex.ReindexStatus, err error) *timeindex.ReindexStatus {
	s.log.Error("Reindex failed", zap.String("key", key), zap.Error(err))
	status.Status = timeindex.ReindexFailed
	status.ErrorMessage = err.Error()
	s.record(ctx, key, status)
	return status
}

func (s *Service) lookup(ctx context.Context, key string, notStarted func() *timeindex.ReindexStatus) *timeindex.ReindexStatus {
	if status, ok := s.statuses.Load(key); ok {
		copied := *status
		return &copied
	}
	if s.statusStore != nil {
		status, err := s.statusStore.GetReindexStatus(ctx, key)
		if err != nil {
			s.log.Warn("Loading persisted reindex status failed",
				zap.String("key", key), zap.Error(err))
		} else if status != nil {
			return status
		}
	}
	return notStarted()
}

func statusKey(name string, g timeindex.Granularity, partition uint32) string {
	return fmt.Sprintf("%s:%s:%d", name, g, partition)
}
