// Package timeindex holds the domain types and service contracts for the
// existence index: named, multi-tenant indexes that answer "does entity E
// have data at time T" at day, month, or year granularity.
package timeindex

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
)

// Granularity is the temporal quantization unit of an index. Each entity
// carries one bitset per granularity; the integer encoding of a timestamp
// depends on it (days, months, or years since the Unix epoch, UTC).
type Granularity int

const (
	// Day encodes timestamps as days since 1970-01-01 UTC.
	Day Granularity = iota
	// Month encodes timestamps as months since January 1970, UTC calendar.
	Month
	// Year encodes timestamps as years since 1970, UTC calendar.
	Year
)

// Granularities lists all granularities in declaration order.
func Granularities() []Granularity {
	return []Granularity{Day, Month, Year}
}

// String returns the wire form used by the HTTP API and the durable store.
func (g Granularity) String() string {
	switch g {
	case Day:
		return "DAY"
	case Month:
		return "MONTH"
	case Year:
		return "YEAR"
	}
	return fmt.Sprintf("Granularity(%d)", int(g))
}

// KeyPart returns the lowercase token used in fast-store keys.
func (g Granularity) KeyPart() string {
	switch g {
	case Day:
		return "day"
	case Month:
		return "month"
	case Year:
		return "year"
	}
	return "unknown"
}

// ParseGranularity parses the wire form ("DAY", "MONTH", "YEAR").
func ParseGranularity(s string) (Granularity, error) {
	switch s {
	case "DAY":
		return Day, nil
	case "MONTH":
		return Month, nil
	case "YEAR":
		return Year, nil
	}
	return 0, &Error{
		Code: EInvalid,
		Msg:  fmt.Sprintf("unknown granularity %q", s),
	}
}

// MarshalJSON implements json.Marshaler.
func (g Granularity) MarshalJSON() ([]byte, error) {
	return json.Marshal(g.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (g *Granularity) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseGranularity(s)
	if err != nil {
		return err
	}
	*g = parsed
	return nil
}

var indexNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateIndexName reports whether name is a legal index name. Index names
// are case-sensitive tenant boundaries and become fast-store key segments,
// so the character set is restricted.
func ValidateIndexName(name string) error {
	if name == "" {
		return &Error{Code: EInvalid, Msg: "index name is required"}
	}
	if !indexNamePattern.MatchString(name) {
		return &Error{
			Code: EInvalid,
			Msg:  fmt.Sprintf("index name %q must match [A-Za-z0-9_-]+", name),
		}
	}
	return nil
}

// Stats is a point-in-time snapshot of one index. EntityCount is a coarse
// proxy (distinct day-granularity keys in the fast store); CacheSize and
// MemoryUsageBytes are process-local.
type Stats struct {
	EntityCount      int64 `json:"entityCount"`
	CacheSize        int   `json:"cacheSize"`
	MemoryUsageBytes int64 `json:"memoryUsageBytes"`
}

// IndexService is the public surface of the index engine.
type IndexService interface {
	// CreateIndex registers name. Idempotent.
	CreateIndex(ctx context.Context, name string) error

	// IndexExists reports whether name is registered in the fast store or,
	// when durable persistence is enabled, has any durable rows.
	IndexExists(ctx context.Context, name string) (bool, error)

	// DeleteIndex removes every fast-store key, cache entry and (when
	// persistence is enabled) durable row for name. Idempotent.
	DeleteIndex(ctx context.Context, name string) error

	// ListIndexes returns the registered index names in unspecified order.
	ListIndexes(ctx context.Context) ([]string, error)

	// Mark records a single epoch value as present.
	Mark(ctx context.Context, name string, entityID int64, g Granularity, value uint32) error

	// MarkBatch records many epoch values, grouping them by partition so
	// each partition's write lock is taken once.
	MarkBatch(ctx context.Context, name string, entityID int64, g Granularity, values []uint32) error

	// Exists reports whether value has been marked.
	Exists(ctx context.Context, name string, entityID int64, g Granularity, value uint32) (bool, error)

	// FindPrev returns the greatest marked value strictly less than value,
	// searching this partition and at most the adjacent one below.
	FindPrev(ctx context.Context, name string, entityID int64, g Granularity, value uint32) (uint32, bool, error)

	// FindNext returns the smallest marked value strictly greater than
	// value, searching this partition and at most the adjacent one above.
	FindNext(ctx context.Context, name string, entityID int64, g Granularity, value uint32) (uint32, bool, error)

	// EvictEntity drops every cached partition of (name, entityID) across
	// all granularities.
	EvictEntity(ctx context.Context, name string, entityID int64) error

	// EvictIndex drops every cached partition of name.
	EvictIndex(ctx context.Context, name string) error

	// EntityCount returns the number of distinct day-granularity keys in
	// the fast store for name. A coarse, fast proxy for entity count.
	EntityCount(ctx context.Context, name string) (int64, error)

	// Stats returns the current Stats for name.
	Stats(ctx context.Context, name string) (Stats, error)

	// Close flushes pending writes and shuts the engine down. All other
	// operations fail with EClosed afterwards.
	Close() error
}

// KVStore is the byte-keyed fast store in front of the index. Implementations
// must be safe for concurrent use. Get returns (nil, nil) on a missing key.
type KVStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, keys ...string) error
	SetAdd(ctx context.Context, key, member string) error
	SetRemove(ctx context.Context, key, member string) error
	SetIsMember(ctx context.Context, key, member string) (bool, error)
	SetMembers(ctx context.Context, key string) ([]string, error)
	ScanKeys(ctx context.Context, prefix string) ([]string, error)
}

// DurableStore is the relational source of truth for per-partition bitmap
// blobs. GetBitmap returns (nil, nil) when the row does not exist.
type DurableStore interface {
	GetBitmap(ctx context.Context, name string, entityID int64, g Granularity, partition uint32) ([]byte, error)
	UpsertBitmap(ctx context.Context, name string, entityID int64, g Granularity, partition uint32, data []byte) error
	DeleteBitmap(ctx context.Context, name string, entityID int64, g Granularity, partition uint32) error
	DeleteByIndexName(ctx context.Context, name string) error
	CountByIndexName(ctx context.Context, name string) (int64, error)
	CountDistinctEntities(ctx context.Context, name string) (int64, error)
	EntityIDs(ctx context.Context, name string) ([]int64, error)
	Partitions(ctx context.Context, name string, entityID int64, g Granularity) ([]uint32, error)
}

// ReindexState enumerates the lifecycle of a reindex run.
type ReindexState string

const (
	ReindexNotStarted ReindexState = "NOT_STARTED"
	ReindexRunning    ReindexState = "RUNNING"
	ReindexCompleted  ReindexState = "COMPLETED"
	ReindexFailed     ReindexState = "FAILED"
)

// ReindexStatus tracks the progress of one reindex run, either for a whole
// index or for a single (granularity, partition).
type ReindexStatus struct {
	IndexName        string        `json:"indexName"`
	Status           ReindexState  `json:"status"`
	Granularity      *Granularity  `json:"granularity,omitempty"`
	Partition        *uint32       `json:"partition,omitempty"`
	TotalRecords     int64         `json:"totalRecords"`
	ProcessedRecords int64         `json:"processedRecords"`
	ErrorMessage     string        `json:"errorMessage,omitempty"`
	StartedAt        int64         `json:"startedAt"`
	CompletedAt      *int64        `json:"completedAt,omitempty"`
}

// ReindexStatusStore persists reindex progress so operators can poll it
// across process restarts.
type ReindexStatusStore interface {
	PutReindexStatus(ctx context.Context, key string, status *ReindexStatus) error
	GetReindexStatus(ctx context.Context, key string) (*ReindexStatus, error)
}
