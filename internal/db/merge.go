package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// MergeConfig describes a bulk merge into a table with a unique constraint.
type MergeConfig struct {
	Table        string
	Columns      []string
	ConflictKeys []string
	// UpdateCols are overwritten on conflict. Empty means rows that hit the
	// constraint are skipped, which makes the merge an append-if-absent.
	UpdateCols []string
}

// BulkMerge stages rows in a temp table via COPY, then moves them into the
// target with INSERT ... ON CONFLICT. It runs on q without committing, so a
// caller's transaction can cover several merges. It returns the number of
// rows inserted or updated.
func BulkMerge(ctx context.Context, q Querier, cfg MergeConfig, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(cfg.Columns) == 0 {
		return 0, eris.New("db: merge: no columns specified")
	}
	if len(cfg.ConflictKeys) == 0 {
		return 0, eris.New("db: merge: no conflict keys specified")
	}

	tempTable := "_tmp_merge_" + cfg.Table
	tmp := pgx.Identifier{tempTable}.Sanitize()
	target := pgx.Identifier{cfg.Table}.Sanitize()

	createSQL := fmt.Sprintf("CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP", tmp, target)
	if _, err := q.Exec(ctx, createSQL); err != nil {
		return 0, eris.Wrapf(err, "db: merge: create temp table for %s", cfg.Table)
	}

	if _, err := q.CopyFrom(ctx, pgx.Identifier{tempTable}, cfg.Columns, pgx.CopyFromRows(rows)); err != nil {
		return 0, eris.Wrapf(err, "db: merge: COPY into temp table for %s", cfg.Table)
	}

	tag, err := q.Exec(ctx, mergeSQL(cfg, tmp, target))
	if err != nil {
		return 0, eris.Wrapf(err, "db: merge: INSERT ON CONFLICT for %s", cfg.Table)
	}

	// The same table may be merged again before commit.
	if _, err := q.Exec(ctx, "DROP TABLE "+tmp); err != nil {
		return 0, eris.Wrapf(err, "db: merge: drop temp table for %s", cfg.Table)
	}

	return tag.RowsAffected(), nil
}

func mergeSQL(cfg MergeConfig, tmp, target string) string {
	colList := quoteAndJoin(cfg.Columns)
	action := "DO NOTHING"
	if len(cfg.UpdateCols) > 0 {
		sets := make([]string, len(cfg.UpdateCols))
		for i, col := range cfg.UpdateCols {
			c := pgx.Identifier{col}.Sanitize()
			sets[i] = fmt.Sprintf("%s = EXCLUDED.%s", c, c)
		}
		action = "DO UPDATE SET " + strings.Join(sets, ", ")
	}
	return fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) %s",
		target, colList, colList, tmp, quoteAndJoin(cfg.ConflictKeys), action,
	)
}

func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
