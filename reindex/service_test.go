package reindex

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/e4s-data/timeindex"
	"github.com/e4s-data/timeindex/bitset"
	"github.com/e4s-data/timeindex/engine"
	"github.com/e4s-data/timeindex/kvstore"
	"github.com/e4s-data/timeindex/mock"
)

func seedBitmap(t *testing.T, store *mock.DurableStore, name string, entityID int64, g timeindex.Granularity, partition uint32, values ...uint32) {
	t.Helper()
	set := bitset.New()
	set.AddAll(values)
	data, err := set.Bytes()
	require.NoError(t, err)
	require.NoError(t, store.UpsertBitmap(context.Background(), name, entityID, g, partition, data))
}

func newFixture(t *testing.T) (*Service, *engine.Engine, *mock.DurableStore, timeindex.KVStore) {
	t.Helper()
	kv := kvstore.NewInmem()
	store := mock.NewDurableStore()
	eng := engine.New(zaptest.NewLogger(t), kv,
		engine.WithFlushInterval(0),
		engine.WithAsyncWrite(false),
		engine.WithDurable(store))
	t.Cleanup(func() { eng.Close() })

	svc := NewService(zaptest.NewLogger(t), eng, store,
		WithStatusStore(store),
		WithBatchSize(2),
		WithNow(func() int64 { return 1700000000000 }))
	return svc, eng, store, kv
}

func TestFullReindexRebuildsFastStore(t *testing.T) {
	ctx := context.Background()
	svc, eng, store, _ := newFixture(t)

	seedBitmap(t, store, "meter-data", 1, timeindex.Day, 111, 20100, 20101, 20102)
	seedBitmap(t, store, "meter-data", 1, timeindex.Month, 108, 650)
	seedBitmap(t, store, "meter-data", 2, timeindex.Day, 112, 20200)

	status := svc.Full(ctx, "meter-data")
	require.Equal(t, timeindex.ReindexCompleted, status.Status)
	require.Equal(t, int64(3), status.TotalRecords)
	require.Equal(t, int64(2), status.ProcessedRecords)
	require.NotNil(t, status.CompletedAt)

	for _, v := range []uint32{20100, 20101, 20102} {
		ok, err := eng.Exists(ctx, "meter-data", 1, timeindex.Day, v)
		require.NoError(t, err)
		require.True(t, ok, "value %d", v)
	}
	ok, err := eng.Exists(ctx, "meter-data", 1, timeindex.Month, 650)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = eng.Exists(ctx, "meter-data", 2, timeindex.Day, 20200)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestPartitionReindexTouchesOnlyThatPartition(t *testing.T) {
	ctx := context.Background()
	svc, eng, store, kv := newFixture(t)

	seedBitmap(t, store, "meter-data", 1, timeindex.Day, 111, 20100)
	seedBitmap(t, store, "meter-data", 1, timeindex.Day, 112, 20200)

	status := svc.Partition(ctx, "meter-data", timeindex.Day, 111)
	require.Equal(t, timeindex.ReindexCompleted, status.Status)
	require.Equal(t, int64(1), status.ProcessedRecords)

	ok, err := eng.Exists(ctx, "meter-data", 1, timeindex.Day, 20100)
	require.NoError(t, err)
	require.True(t, ok)

	// Partition 112 was not replayed into the fast store.
	data, err := kv.Get(ctx, "e4s:index:meter-data:day:1:112")
	require.NoError(t, err)
	require.Nil(t, data)
}

func TestStatusLifecycle(t *testing.T) {
	ctx := context.Background()
	svc, _, store, _ := newFixture(t)

	status := svc.Status(ctx, "meter-data")
	require.Equal(t, timeindex.ReindexNotStarted, status.Status)

	seedBitmap(t, store, "meter-data", 1, timeindex.Day, 111, 20100)
	svc.Full(ctx, "meter-data")

	status = svc.Status(ctx, "meter-data")
	require.Equal(t, timeindex.ReindexCompleted, status.Status)

	// The status was persisted: a fresh service with the same status store
	// still sees it.
	fresh := NewService(zaptest.NewLogger(t), nil, store, WithStatusStore(store))
	status = fresh.Status(ctx, "meter-data")
	require.Equal(t, timeindex.ReindexCompleted, status.Status)
}

func TestPartitionStatusKeyedSeparately(t *testing.T) {
	ctx := context.Background()
	svc, _, store, _ := newFixture(t)

	seedBitmap(t, store, "meter-data", 1, timeindex.Day, 111, 20100)
	svc.Partition(ctx, "meter-data", timeindex.Day, 111)

	status := svc.PartitionStatus(ctx, "meter-data", timeindex.Day, 111)
	require.Equal(t, timeindex.ReindexCompleted, status.Status)
	require.NotNil(t, status.Partition)
	require.Equal(t, uint32(111), *status.Partition)

	other := svc.PartitionStatus(ctx, "meter-data", timeindex.Day, 112)
	require.Equal(t, timeindex.ReindexNotStarted, other.Status)

	full := svc.Status(ctx, "meter-data")
	require.Equal(t, timeindex.ReindexNotStarted, full.Status)
}

func TestReindexFailureCapturedInStatus(t *testing.T) {
	ctx := context.Background()
	svc, _, store, _ := newFixture(t)

	seedBitmap(t, store, "meter-data", 1, timeindex.Day, 111, 20100)
	store.Err = &timeindex.Error{Code: timeindex.EUnavailable, Msg: "postgres down"}

	status := svc.Full(ctx, "meter-data")
	require.Equal(t, timeindex.ReindexFailed, status.Status)
	require.Contains(t, status.ErrorMessage, "postgres down")
}
