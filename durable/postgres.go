// Package durable implements the relational source of truth for partition
// bitmaps: one row per (index, entity, granularity, partition) carrying the
// serialized bitset, plus the reindex progress table.
package durable

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/e4s-data/timeindex"
)

// DefaultSchema is the schema the index tables live in unless configured
// otherwise.
const DefaultSchema = "e4s_index"

// psql builds queries with Postgres-style $N placeholders.
var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Postgres implements timeindex.DurableStore and timeindex.ReindexStatusStore.
type Postgres struct {
	db     *sqlx.DB
	log    *zap.Logger
	schema string
}

var (
	_ timeindex.DurableStore       = (*Postgres)(nil)
	_ timeindex.ReindexStatusStore = (*Postgres)(nil)
)

// Open connects to Postgres and verifies the connection.
func Open(dsn string, timeout time.Duration) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, &timeindex.Error{
			Code: timeindex.EInternal,
			Msg:  "opening postgres connection",
			Op:   "durable.Open",
			Err:  err,
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, &timeindex.Error{
			Code: timeindex.EUnavailable,
			Msg:  "pinging postgres",
			Op:   "durable.Open",
			Err:  err,
		}
	}
	return db, nil
}

// NewPostgres returns a store reading and writing schema-qualified tables.
// An empty schema falls back to DefaultSchema.
func NewPostgres(log *zap.Logger, db *sqlx.DB, schema string) *Postgres {
	if schema == "" {
		schema = DefaultSchema
	}
	return &Postgres{db: db, log: log, schema: schema}
}

func (p *Postgres) bitmapTable() string {
	return p.schema + ".meter_index_partitioned"
}

func (p *Postgres) statusTable() string {
	return p.schema + ".reindex_status"
}

func storeErr(op string, err error) error {
	return &timeindex.Error{Code: timeindex.EUnavailable, Op: op, Err: err}
}

// GetBitmap returns the serialized bitmap for one partition, or (nil, nil)
// when the row does not exist.
func (p *Postgres) GetBitmap(ctx context.Context, name string, entityID int64, g timeindex.Granularity, partition uint32) ([]byte, error) {
	query := fmt.Sprintf(`
        SELECT bitmap_data FROM %s
        WHERE index_name = $1 AND entity_id = $2 AND granularity = $3 AND partition_num = $4`,
		p.bitmapTable())

	var data []byte
	err := p.db.GetContext(ctx, &data, query, name, entityID, g.String(), int64(partition))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("durable.GetBitmap", err)
	}
	return data, nil
}

// UpsertBitmap inserts or replaces the bitmap for one partition.
func (p *Postgres) UpsertBitmap(ctx context.Context, name string, entityID int64, g timeindex.Granularity, partition uint32, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	query := fmt.Sprintf(`
        INSERT INTO %s (index_name, entity_id, granularity, partition_num, bitmap_data)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (index_name, entity_id, granularity, partition_num)
        DO UPDATE SET bitmap_data = EXCLUDED.bitmap_data, updated_at = NOW()`,
		p.bitmapTable())

	if _, err := p.db.ExecContext(ctx, query, name, entityID, g.String(), int64(partition), data); err != nil {
		return storeErr("durable.UpsertBitmap", err)
	}
	return nil
}

// DeleteBitmap removes the row for one partition.
func (p *Postgres) DeleteBitmap(ctx context.Context, name string, entityID int64, g timeindex.Granularity, partition uint32) error {
	q := psql.Delete(p.bitmapTable()).
		Where(sq.Eq{"index_name": name}).
		Where(sq.Eq{"entity_id": entityID}).
		Where(sq.Eq{"granularity": g.String()}).
		Where(sq.Eq{"partition_num": int64(partition)})

	query, args, err := q.ToSql()
	if err != nil {
		return storeErr("durable.DeleteBitmap", err)
	}
	if _, err := p.db.ExecContext(ctx, query, args...); err != nil {
		return storeErr("durable.DeleteBitmap", err)
	}
	return nil
}

// DeleteByIndexName removes every row of one index.
func (p *Postgres) DeleteByIndexName(ctx context.Context, name string) error {
	q := psql.Delete(p.bitmapTable()).Where(sq.Eq{"index_name": name})

	query, args, err := q.ToSql()
	if err != nil {
		return storeErr("durable.DeleteByIndexName", err)
	}
	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return storeErr("durable.DeleteByIndexName", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		p.log.Info("Deleted durable partitions for index",
			zap.String("index", name), zap.Int64("rows", n))
	}
	return nil
}

// CountByIndexName returns the number of partition rows for one index.
func (p *Postgres) CountByIndexName(ctx context.Context, name string) (int64, error) {
	q := psql.Select("COUNT(*)").From(p.bitmapTable()).Where(sq.Eq{"index_name": name})

	query, args, err := q.ToSql()
	if err != nil {
		return 0, storeErr("durable.CountByIndexName", err)
	}
	var count int64
	if err := p.db.GetContext(ctx, &count, query, args...); err != nil {
		return 0, storeErr("durable.CountByIndexName", err)
	}
	return count, nil
}

// CountDistinctEntities returns the number of distinct entities for one index.
func (p *Postgres) CountDistinctEntities(ctx context.Context, name string) (int64, error) {
	q := psql.Select("COUNT(DISTINCT entity_id)").From(p.bitmapTable()).Where(sq.Eq{"index_name": name})

	query, args, err := q.ToSql()
	if err != nil {
		return 0, storeErr("durable.CountDistinctEntities", err)
	}
	var count int64
	if err := p.db.GetContext(ctx, &count, query, args...); err != nil {
		return 0, storeErr("durable.CountDistinctEntities", err)
	}
	return count, nil
}

// EntityIDs returns the distinct entity ids of one index in ascending order.
func (p *Postgres) EntityIDs(ctx context.Context, name string) ([]int64, error) {
	q := psql.Select("DISTINCT entity_id").From(p.bitmapTable()).
		Where(sq.Eq{"index_name": name}).
		OrderBy("entity_id")

	query, args, err := q.ToSql()
	if err != nil {
		return nil, storeErr("durable.EntityIDs", err)
	}
	ids := []int64{}
	if err := p.db.SelectContext(ctx, &ids, query, args...); err != nil {
		return nil, storeErr("durable.EntityIDs", err)
	}
	return ids, nil
}

// Partitions returns the partition numbers stored for one
// (index, entity, granularity) in ascending order.
func (p *Postgres) Partitions(ctx context.Context, name string, entityID int64, g timeindex.Granularity) ([]uint32, error) {
	q := psql.Select("partition_num").From(p.bitmapTable()).
		Where(sq.Eq{"index_name": name}).
		Where(sq.Eq{"entity_id": entityID}).
		Where(sq.Eq{"granularity": g.String()}).
		OrderBy("partition_num")

	query, args, err := q.ToSql()
	if err != nil {
		return nil, storeErr("durable.Partitions", err)
	}
	nums := []int64{}
	if err := p.db.SelectContext(ctx, &nums, query, args...); err != nil {
		return nil, storeErr("durable.Partitions", err)
	}
	partitions := make([]uint32, 0, len(nums))
	for _, n := range nums {
		partitions = append(partitions, uint32(n))
	}
	return partitions, nil
}

// PutReindexStatus inserts or replaces the persisted status for key.
func (p *Postgres) PutReindexStatus(ctx context.Context, key string, status *timeindex.ReindexStatus) error {
	var granularity sql.NullString
	if status.Granularity != nil {
		granularity = sql.NullString{String: status.Granularity.String(), Valid: true}
	}
	var partition sql.NullInt64
	if status.Partition != nil {
		partition = sql.NullInt64{Int64: int64(*status.Partition), Valid: true}
	}
	var completedAt sql.NullInt64
	if status.CompletedAt != nil {
		completedAt = sql.NullInt64{Int64: *status.CompletedAt, Valid: true}
	}

	query := fmt.Sprintf(`
        INSERT INTO %s (status_key, index_name, status, granularity, partition_num,
                        total_records, processed_records, error_message, started_at, completed_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
        ON CONFLICT (status_key)
        DO UPDATE SET status = EXCLUDED.status,
                      total_records = EXCLUDED.total_records,
                      processed_records = EXCLUDED.processed_records,
                      error_message = EXCLUDED.error_message,
                      completed_at = EXCLUDED.completed_at,
                      updated_at = NOW()`,
		p.statusTable())

	_, err := p.db.ExecContext(ctx, query,
		key,
		status.IndexName,
		string(status.Status),
		granularity,
		partition,
		status.TotalRecords,
		status.ProcessedRecords,
		status.ErrorMessage,
		status.StartedAt,
		completedAt,
	)
	if err != nil {
		return storeErr("durable.PutReindexStatus", err)
	}
	return nil
}

// GetReindexStatus returns the persisted status for key, or (nil, nil) when
// none has been recorded.
func (p *Postgres) GetReindexStatus(ctx context.Context, key string) (*timeindex.ReindexStatus, error) {
	query := fmt.Sprintf(`
        SELECT index_name, status, granularity, partition_num,
               total_records, processed_records, error_message, started_at, completed_at
        FROM %s WHERE status_key = $1`,
		p.statusTable())

	var row struct {
		IndexName        string         `db:"index_name"`
		Status           string         `db:"status"`
		Granularity      sql.NullString `db:"granularity"`
		PartitionNum     sql.NullInt64  `db:"partition_num"`
		TotalRecords     int64          `db:"total_records"`
		ProcessedRecords int64          `db:"processed_records"`
		ErrorMessage     sql.NullString `db:"error_message"`
		StartedAt        int64          `db:"started_at"`
		CompletedAt      sql.NullInt64  `db:"completed_at"`
	}
	err := p.db.GetContext(ctx, &row, query, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("durable.GetReindexStatus", err)
	}

	status := &timeindex.ReindexStatus{
		IndexName:        row.IndexName,
		Status:           timeindex.ReindexState(row.Status),
		TotalRecords:     row.TotalRecords,
		ProcessedRecords: row.ProcessedRecords,
		ErrorMessage:     row.ErrorMessage.String,
		StartedAt:        row.StartedAt,
	}
	if row.Granularity.Valid {
		g, err := timeindex.ParseGranularity(row.Granularity.String)
		if err == nil {
			status.Granularity = &g
		}
	}
	if row.PartitionNum.Valid {
		partition := uint32(row.PartitionNum.Int64)
		status.Partition = &partition
	}
	if row.CompletedAt.Valid {
		completed := row.CompletedAt.Int64
		status.CompletedAt = &completed
	}
	return status, nil
}
