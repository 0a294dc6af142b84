package store

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"strings"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/prospect-sync/internal/db"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	*sqlStore
	db   *sql.DB
	lock chan struct{}
}

var sqlitePragmas = []string{
	"busy_timeout(5000)",
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"foreign_keys(1)",
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
// The pragmas go on the DSN so every pooled connection gets them. Write
// transactions begin IMMEDIATE so concurrent writers wait on busy_timeout
// instead of failing on lock upgrade.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	var b strings.Builder
	b.WriteString(dsn)
	for _, p := range sqlitePragmas {
		b.WriteString(sep)
		b.WriteString("_pragma=")
		b.WriteString(p)
		sep = "&"
	}
	b.WriteString(sep + "_txlock=immediate")

	conn, err := sql.Open("sqlite", b.String())
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// Each connection to an in-memory database is a separate database.
	if strings.Contains(dsn, ":memory:") {
		conn.SetMaxOpenConns(1)
	}
	if err := conn.Ping(); err != nil {
		conn.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "sqlite: ping")
	}

	s := &SQLiteStore{db: conn, lock: make(chan struct{}, 1)}
	s.sqlStore = &sqlStore{q: sqlQuerier{c: conn}, be: s}
	return s, nil
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(q querier) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(sqlQuerier{c: tx}); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit tx")
}

// withSnapshot runs fn in a read transaction. WAL readers see the database
// as of their first read.
func (s *SQLiteStore) withSnapshot(ctx context.Context, fn func(q querier) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin snapshot")
	}
	defer tx.Rollback() //nolint:errcheck

	return fn(sqlQuerier{c: tx})
}

func (s *SQLiteStore) merge(ctx context.Context, q querier, cfg db.MergeConfig, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(cfg.Columns) == 0 || len(cfg.ConflictKeys) == 0 {
		return 0, eris.Errorf("sqlite: merge %s: columns and conflict keys required", cfg.Table)
	}
	stmt := upsertSQL(cfg)
	var total int64
	for _, row := range rows {
		n, err := q.exec(ctx, stmt, row...)
		if err != nil {
			return total, eris.Wrapf(err, "sqlite: merge into %s", cfg.Table)
		}
		total += n
	}
	return total, nil
}

func (s *SQLiteStore) appendRows(ctx context.Context, q querier, table string, cols []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), placeholders(len(cols)))
	var total int64
	for _, row := range rows {
		n, err := q.exec(ctx, stmt, row...)
		if err != nil {
			return total, eris.Wrapf(err, "sqlite: insert into %s", table)
		}
		total += n
	}
	return total, nil
}

func upsertSQL(cfg db.MergeConfig) string {
	action := "DO NOTHING"
	if len(cfg.UpdateCols) > 0 {
		sets := make([]string, len(cfg.UpdateCols))
		for i, c := range cfg.UpdateCols {
			sets[i] = c + " = excluded." + c
		}
		action = "DO UPDATE SET " + strings.Join(sets, ", ")
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) %s",
		cfg.Table, strings.Join(cfg.Columns, ", "), placeholders(len(cfg.Columns)),
		strings.Join(cfg.ConflictKeys, ", "), action)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// LockCanonical takes the canonical single-writer lock. SQLite stores are
// process-local, so an in-process semaphore is enough.
func (s *SQLiteStore) LockCanonical(ctx context.Context) (func(), error) {
	select {
	case s.lock <- struct{}{}:
		return func() { <-s.lock }, nil
	case <-ctx.Done():
		return nil, eris.Wrap(ctx.Err(), "sqlite: acquire canonical lock")
	}
}

// Migrate applies the embedded SQLite migrations.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	sub, err := fs.Sub(migrationsFS, "migrations/sqlite")
	if err != nil {
		return eris.Wrap(err, "sqlite: migrations fs")
	}
	return migrate(ctx, s, sub, migrationDialect{
		createTable: `CREATE TABLE IF NOT EXISTS schema_migrations (
	filename   TEXT PRIMARY KEY,
	applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
)`,
	})
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
