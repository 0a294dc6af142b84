package store

import (
	"context"
	"embed"
	"io/fs"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

type migrationDialect struct {
	createTable string
	// lock, when set, runs first inside the migration transaction.
	lock func(ctx context.Context, q querier) error
}

// migrate applies every .sql file in fsys not yet recorded in
// schema_migrations, in lexicographic order, inside one transaction.
func migrate(ctx context.Context, be backend, fsys fs.FS, d migrationDialect) error {
	log := zap.L().With(zap.String("component", "store.migrate"))

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return eris.Wrap(err, "store: read migration dir")
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	return be.withTx(ctx, func(q querier) error {
		if d.lock != nil {
			if err := d.lock(ctx, q); err != nil {
				return eris.Wrap(err, "store: acquire migration lock")
			}
		}
		if _, err := q.exec(ctx, d.createTable); err != nil {
			return eris.Wrap(err, "store: ensure migration table")
		}

		applied, err := appliedMigrations(ctx, q)
		if err != nil {
			return err
		}

		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || !strings.HasSuffix(name, ".sql") || applied[name] {
				continue
			}
			data, err := fs.ReadFile(fsys, name)
			if err != nil {
				return eris.Wrapf(err, "store: read migration %s", name)
			}

			log.Info("applying migration", zap.String("file", name))
			if _, err := q.exec(ctx, string(data)); err != nil {
				return eris.Wrapf(err, "store: apply migration %s", name)
			}
			if _, err := q.exec(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
				return eris.Wrapf(err, "store: record migration %s", name)
			}
		}
		return nil
	})
}

func appliedMigrations(ctx context.Context, q querier) (map[string]bool, error) {
	rows, err := q.query(ctx, "SELECT filename FROM schema_migrations")
	if err != nil {
		return nil, eris.Wrap(err, "store: query applied migrations")
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, eris.Wrap(err, "store: scan migration row")
		}
		applied[name] = true
	}
	return applied, eris.Wrap(rows.Err(), "store: iterate migrations")
}
