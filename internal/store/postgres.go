package store

import (
	"context"
	"io/fs"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-sync/internal/db"
)

// canonicalLockKey is the advisory lock guarding the canonical namespace.
const canonicalLockKey int64 = 0x70726f73

// migrationLockKey serializes concurrent migrators.
const migrationLockKey int64 = 8675309

// PostgresStore implements Store on a pgx pool.
type PostgresStore struct {
	*sqlStore
	pool db.Pool
}

// NewPostgres connects to PostgreSQL and returns a store.
func NewPostgres(ctx context.Context, databaseURL string, maxConns int32) (*PostgresStore, error) {
	pool, err := db.Connect(ctx, databaseURL, maxConns)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	return NewPostgresFromPool(pool), nil
}

// NewPostgresFromPool wraps an existing pool.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	s := &PostgresStore{pool: pool}
	s.sqlStore = &sqlStore{q: pgQuerier{q: pool}, be: s}
	return s
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(q querier) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(pgQuerier{q: tx}); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit tx")
}

func (s *PostgresStore) withSnapshot(ctx context.Context, fn func(q querier) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return eris.Wrap(err, "postgres: begin snapshot")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	return fn(pgQuerier{q: tx})
}

func (s *PostgresStore) merge(ctx context.Context, q querier, cfg db.MergeConfig, rows [][]any) (int64, error) {
	pq, ok := q.(pgQuerier)
	if !ok {
		return 0, eris.New("postgres: merge outside a pgx querier")
	}
	return db.BulkMerge(ctx, pq.q, cfg, rows)
}

func (s *PostgresStore) appendRows(ctx context.Context, q querier, table string, cols []string, rows [][]any) (int64, error) {
	pq, ok := q.(pgQuerier)
	if !ok {
		return 0, eris.New("postgres: copy outside a pgx querier")
	}
	return db.CopyFrom(ctx, pq.q, table, cols, rows)
}

// LockCanonical takes the canonical single-writer lock. The lock is held by a
// dedicated transaction and released when that transaction ends.
func (s *PostgresStore) LockCanonical(ctx context.Context) (func(), error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin lock tx")
	}
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", canonicalLockKey); err != nil {
		_ = tx.Rollback(ctx)
		return nil, eris.Wrap(err, "postgres: acquire canonical lock")
	}
	return func() {
		// The caller's context may already be done; releasing must still happen.
		if err := tx.Rollback(context.WithoutCancel(ctx)); err != nil {
			zap.L().Warn("postgres: release canonical lock", zap.Error(err))
		}
	}, nil
}

// Migrate applies the embedded PostgreSQL migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	sub, err := fs.Sub(migrationsFS, "migrations/postgres")
	if err != nil {
		return eris.Wrap(err, "postgres: migrations fs")
	}
	return migrate(ctx, s, sub, migrationDialect{
		createTable: `CREATE TABLE IF NOT EXISTS schema_migrations (
	filename   TEXT PRIMARY KEY,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		lock: func(ctx context.Context, q querier) error {
			_, err := q.exec(ctx, "SELECT pg_advisory_xact_lock(?)", migrationLockKey)
			return err
		},
	})
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
