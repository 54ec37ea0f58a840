package durable

import (
	"context"
	"embed"
	"fmt"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/e4s-data/timeindex"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrator applies the embedded SQL migrations for the configured schema.
// Applied migrations are recorded by file name in {schema}.migrations so
// re-running is a no-op.
type Migrator struct {
	db     *sqlx.DB
	log    *zap.Logger
	schema string
}

// NewMigrator returns a migrator for the given schema.
func NewMigrator(log *zap.Logger, db *sqlx.DB, schema string) *Migrator {
	if schema == "" {
		schema = DefaultSchema
	}
	return &Migrator{db: db, log: log, schema: schema}
}

// Up applies every migration that has not been applied yet, in file-name
// order.
func (m *Migrator) Up(ctx context.Context) error {
	if err := m.ensureTracking(ctx); err != nil {
		return err
	}

	list, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return &timeindex.Error{Code: timeindex.EInternal, Op: "durable.Migrator.Up", Err: err}
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].Name() < list[j].Name()
	})

	applied, err := m.applied(ctx)
	if err != nil {
		return err
	}

	pending := 0
	for _, f := range list {
		if !applied[f.Name()] {
			pending++
		}
	}
	if pending > 0 {
		m.log.Info("Bringing up index schema migrations", zap.Int("migration_count", pending))
	}

	for _, f := range list {
		name := f.Name()
		if applied[name] {
			continue
		}
		m.log.Debug("Executing schema migration", zap.String("migration_name", name))

		raw, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return &timeindex.Error{Code: timeindex.EInternal, Op: "durable.Migrator.Up", Err: err}
		}
		script := strings.ReplaceAll(string(raw), "{{schema}}", m.schema)

		if err := m.execTrans(ctx, script, name); err != nil {
			return err
		}
	}
	return nil
}

// ensureTracking creates the schema and the migrations bookkeeping table.
func (m *Migrator) ensureTracking(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", m.schema),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.migrations (
            name       TEXT PRIMARY KEY,
            applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        )`, m.schema),
	}
	for _, stmt := range stmts {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return &timeindex.Error{
				Code: timeindex.EInternal,
				Msg:  "preparing migration tracking",
				Op:   "durable.Migrator.Up",
				Err:  err,
			}
		}
	}
	return nil
}

func (m *Migrator) applied(ctx context.Context) (map[string]bool, error) {
	names := []string{}
	query := fmt.Sprintf("SELECT name FROM %s.migrations", m.schema)
	if err := m.db.SelectContext(ctx, &names, query); err != nil {
		return nil, &timeindex.Error{Code: timeindex.EUnavailable, Op: "durable.Migrator.Up", Err: err}
	}
	applied := make(map[string]bool, len(names))
	for _, n := range names {
		applied[n] = true
	}
	return applied, nil
}

// execTrans runs one migration script and records it in a single
// transaction.
func (m *Migrator) execTrans(ctx context.Context, script, name string) error {
	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return &timeindex.Error{Code: timeindex.EUnavailable, Op: "durable.Migrator.Up", Err: err}
	}
	if _, err := tx.ExecContext(ctx, script); err != nil {
		tx.Rollback()
		return &timeindex.Error{
			Code: timeindex.EInternal,
			Msg:  fmt.Sprintf("applying migration %s", name),
			Op:   "durable.Migrator.Up",
			Err:  err,
		}
	}
	record := fmt.Sprintf("INSERT INTO %s.migrations (name) VALUES ($1)", m.schema)
	if _, err := tx.ExecContext(ctx, record, name); err != nil {
		tx.Rollback()
		return &timeindex.Error{Code: timeindex.EInternal, Op: "durable.Migrator.Up", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &timeindex.Error{Code: timeindex.EUnavailable, Op: "durable.Migrator.Up", Err: err}
	}
	return nil
}
