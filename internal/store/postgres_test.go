package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/prospect-sync/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPostgresFromPool(mock), mock
}

func TestRebind(t *testing.T) {
	assert.Equal(t, "SELECT 1", rebind("SELECT 1"))
	assert.Equal(t, "UPDATE t SET a = $1 WHERE id = $2 AND b = $3",
		rebind("UPDATE t SET a = ? WHERE id = ? AND b = ?"))
}

func TestDedupeRows_KeepsLast(t *testing.T) {
	rows := [][]any{
		{"a", "e1", 1},
		{"b", "e2", 2},
		{"c", "e1", 3},
	}
	out := dedupeRows(rows, 1)
	require.Len(t, out, 2)
	assert.Equal(t, "c", out[0][0])
	assert.Equal(t, "b", out[1][0])
}

func TestPostgresStore_GetRun_NotFound(t *testing.T) {
	st, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, extraction_id, status, .* FROM pipeline_run WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := st.GetRun(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertAlertIfAbsent_Duplicate(t *testing.T) {
	st, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO alert \(.*\) VALUES \(\$1, .*\$14\) ON CONFLICT DO NOTHING`).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	ok, err := st.InsertAlertIfAbsent(context.Background(), &model.Alert{
		ID: "a1", Type: model.AlertOutlier, Severity: model.SeverityCritical,
		Slice: model.Slice{Position: "QB", Source: model.SourceStats}, Fingerprint: "outlier|QB|stats",
		GeneratedAt: time.Now(),
	})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LockCanonical(t *testing.T) {
	st, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock\(\$1\)`).
		WithArgs(canonicalLockKey).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectRollback()

	release, err := st.LockCanonical(context.Background())
	require.NoError(t, err)
	release()
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendStaging_BulkMerge(t *testing.T) {
	st, mock := newMockPostgresStore(t)

	rec, err := model.NewStagingRecord(model.SourceGrading, "ext-1", map[string]any{"name": "John Smith"}, time.Now())
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_merge_staging_record"`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_merge_staging_record"}, cols(stagingCols)).WillReturnResult(1)
	mock.ExpectExec(`INSERT INTO "staging_record" .* ON CONFLICT \("source", "extraction_id", "content_hash"\) DO NOTHING`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`DROP TABLE "_tmp_merge_staging_record"`).WillReturnResult(pgxmock.NewResult("DROP", 0))
	mock.ExpectCommit()

	n, err := st.AppendStaging(context.Background(), []model.StagingRecord{rec})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Commit_RollsBackOnFailure(t *testing.T) {
	st, mock := newMockPostgresStore(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_merge_prospect"`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_merge_prospect"}, cols(prospectCols)).WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err := st.Commit(context.Background(), &LoadBatch{
		Prospects: []model.CanonicalProspect{testProspect("john", "smith", "WR", "state", now)},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "merge prospects")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FinalizeRun_Terminal(t *testing.T) {
	st, mock := newMockPostgresStore(t)
	run := &model.PipelineRun{ID: "run-1", Status: model.RunSuccess, StartedAt: time.Now()}

	mock.ExpectExec(`UPDATE pipeline_run SET .* WHERE id = \$12 AND status = \$13`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT status FROM pipeline_run WHERE id = \$1`).
		WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("failed"))

	err := st.FinalizeRun(context.Background(), run)
	assert.True(t, errors.Is(err, ErrRunTerminal))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Migrate(t *testing.T) {
	st, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock\(\$1\)`).
		WithArgs(migrationLockKey).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS schema_migrations`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectQuery(`SELECT filename FROM schema_migrations`).
		WillReturnRows(pgxmock.NewRows([]string{"filename"}))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS staging_record`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(`INSERT INTO schema_migrations \(filename\) VALUES \(\$1\)`).
		WithArgs("001_init.sql").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, st.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Migrate_SkipsApplied(t *testing.T) {
	st, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS schema_migrations`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectQuery(`SELECT filename FROM schema_migrations`).
		WillReturnRows(pgxmock.NewRows([]string{"filename"}).AddRow("001_init.sql"))
	mock.ExpectCommit()

	require.NoError(t, st.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
