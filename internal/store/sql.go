package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/prospect-sync/internal/db"
	"github.com/sells-group/prospect-sync/internal/model"
)

// backend is what differs between PostgreSQL and SQLite. Everything else in
// this file is shared SQL written with ? placeholders.
type backend interface {
	withTx(ctx context.Context, fn func(q querier) error) error
	withSnapshot(ctx context.Context, fn func(q querier) error) error
	// merge writes rows with INSERT ... ON CONFLICT semantics described by
	// cfg. It must run inside withTx.
	merge(ctx context.Context, q querier, cfg db.MergeConfig, rows [][]any) (int64, error)
	// appendRows inserts rows that are known to be new.
	appendRows(ctx context.Context, q querier, table string, cols []string, rows [][]any) (int64, error)
}

// sqlStore implements every Store method that is plain SQL.
type sqlStore struct {
	q  querier
	be backend
}

const (
	stagingCols     = "id, source, extraction_id, external_id, raw_payload, content_hash, received_at"
	prospectCols    = "id, first_name, last_name, norm_first, norm_last, position, college, external_ids, status, created_at, updated_at"
	fieldCols       = "entity_id, field_name, value, winning_source, confidence, rule_id, resolved_at"
	observationCols = "entity_id, source, field_name, value, extraction_id, observed_at"
	conflictCols    = "id, run_id, extraction_id, entity_id, field_name, candidates, tolerance_exceeded, resolution_rule, resolved_value, winning_source, requires_manual_review, created_at"
	lineageCols     = "id, entity_id, field_name, value_previous, value_current, source_system, transformation_rule_id, extraction_id, run_id, changed_at, had_conflict, actor"
	quarantineCols  = "staging_id, run_id, extraction_id, source, reason, created_at"
	metricCols      = "id, run_id, extraction_id, scope, position, source, expected, observed, coverage_pct, validation_pct, outlier_pct, quality_score, computed_at"
	alertCols       = "id, type, severity, position, source, fingerprint, metric_value, threshold_value, message, run_id, generated_at, acknowledged, acknowledged_by, acknowledged_at"
	runCols         = "id, extraction_id, status, failure_policy, started_at, finished_at, phase_timings, records_staged, records_transformed, records_quarantined, records_loaded, conflict_count, quality_score, source_status, error_summary"
	summaryCols     = "entity_id, display_name, position, college, status, field_count, source_count, manual_review_count, last_resolved_at, refreshed_at"
)

// openConflict matches conflict rows (aliased c) that are the latest for
// their field, still need review, and have not been superseded by a later
// canonical write.
const openConflict = `c.requires_manual_review = ?
	AND c.created_at = (SELECT MAX(c2.created_at) FROM conflict_record c2
		WHERE c2.entity_id = c.entity_id AND c2.field_name = c.field_name)
	AND NOT EXISTS (SELECT 1 FROM canonical_field f
		WHERE f.entity_id = c.entity_id AND f.field_name = c.field_name AND f.resolved_at > c.created_at)`

func cols(list string) []string {
	parts := strings.Split(list, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// where accumulates optional filter clauses.
type where struct {
	clauses []string
	args    []any
}

func (w *where) add(clause string, args ...any) {
	w.clauses = append(w.clauses, clause)
	w.args = append(w.args, args...)
}

func (w *where) String() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

func (w *where) page(limit, offset int) string {
	if limit <= 0 {
		return ""
	}
	w.args = append(w.args, limit)
	if offset <= 0 {
		return " LIMIT ?"
	}
	w.args = append(w.args, offset)
	return " LIMIT ? OFFSET ?"
}

func encodeJSON(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, eris.Wrap(err, "store: encode json")
	}
	return b, nil
}

func decodeJSON(b []byte, v any) error {
	if len(b) == 0 {
		return nil
	}
	return eris.Wrap(json.Unmarshal(b, v), "store: decode json")
}

func encodeOptValue(v *model.Value) *string {
	if v == nil {
		return nil
	}
	s := v.Encode()
	return &s
}

func decodeOptValue(s *string) (*model.Value, error) {
	if s == nil {
		return nil, nil
	}
	v, err := model.DecodeValue(*s)
	if err != nil {
		return nil, eris.Wrap(err, "store: decode value")
	}
	return &v, nil
}

// dedupeRows keeps the last row for each key so a single merge never touches
// the same target row twice.
func dedupeRows(rows [][]any, keyIdx ...int) [][]any {
	if len(rows) < 2 {
		return rows
	}
	pos := make(map[string]int, len(rows))
	out := make([][]any, 0, len(rows))
	for _, r := range rows {
		parts := make([]string, len(keyIdx))
		for i, k := range keyIdx {
			parts[i] = fmt.Sprint(r[k])
		}
		key := strings.Join(parts, "\x00")
		if i, ok := pos[key]; ok {
			out[i] = r
			continue
		}
		pos[key] = len(out)
		out = append(out, r)
	}
	return out
}

func utc(t time.Time) time.Time { return t.UTC() }

// --- Staging ---

func (s *sqlStore) AppendStaging(ctx context.Context, recs []model.StagingRecord) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	rows := make([][]any, 0, len(recs))
	for _, r := range recs {
		payload, err := encodeJSON(r.RawPayload)
		if err != nil {
			return 0, err
		}
		rows = append(rows, []any{
			r.ID, string(r.Source), r.ExtractionID, r.ExternalID, payload, r.ContentHash, utc(r.ReceivedAt),
		})
	}
	rows = dedupeRows(rows, 1, 2, 5)

	var n int64
	err := s.be.withTx(ctx, func(q querier) error {
		var err error
		n, err = s.be.merge(ctx, q, db.MergeConfig{
			Table:        "staging_record",
			Columns:      cols(stagingCols),
			ConflictKeys: []string{"source", "extraction_id", "content_hash"},
		}, rows)
		return err
	})
	if err != nil {
		return 0, eris.Wrap(err, "store: append staging")
	}
	return int(n), nil
}

func (s *sqlStore) ListStaging(ctx context.Context, extractionID string) ([]model.StagingRecord, error) {
	rows, err := s.q.query(ctx,
		`SELECT `+stagingCols+` FROM staging_record WHERE extraction_id = ? ORDER BY received_at, source, id`,
		extractionID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "store: list staging %s", extractionID)
	}
	defer rows.Close()

	var out []model.StagingRecord
	for rows.Next() {
		var (
			r       model.StagingRecord
			src     string
			payload []byte
		)
		if err := rows.Scan(&r.ID, &src, &r.ExtractionID, &r.ExternalID, &payload, &r.ContentHash, &r.ReceivedAt); err != nil {
			return nil, eris.Wrap(err, "store: scan staging")
		}
		r.Source = model.Source(src)
		if err := decodeJSON(payload, &r.RawPayload); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "store: iterate staging")
}

func (s *sqlStore) PurgeStaging(ctx context.Context, before time.Time) (int, error) {
	n, err := s.q.exec(ctx, `DELETE FROM staging_record WHERE received_at < ?`, utc(before))
	if err != nil {
		return 0, eris.Wrap(err, "store: purge staging")
	}
	return int(n), nil
}

// --- Canonical ---

func scanProspect(r scannable) (*model.CanonicalProspect, error) {
	var (
		p      model.CanonicalProspect
		extIDs []byte
		status string
	)
	if err := r.Scan(&p.ID, &p.FirstName, &p.LastName, &p.NormFirst, &p.NormLast, &p.Position, &p.College,
		&extIDs, &status, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Status = model.ProspectStatus(status)
	p.ExternalIDs = make(map[model.Source]string)
	if err := decodeJSON(extIDs, &p.ExternalIDs); err != nil {
		return nil, err
	}
	return &p, nil
}

func scanField(r scannable) (model.CanonicalField, error) {
	var (
		f     model.CanonicalField
		value string
		src   string
	)
	if err := r.Scan(&f.EntityID, &f.FieldName, &value, &src, &f.Confidence, &f.RuleID, &f.ResolvedAt); err != nil {
		return f, err
	}
	v, err := model.DecodeValue(value)
	if err != nil {
		return f, eris.Wrap(err, "store: decode field value")
	}
	f.Value = v
	f.WinningSource = model.Source(src)
	return f, nil
}

func scanObservation(r scannable) (model.SourceObservation, error) {
	var (
		o     model.SourceObservation
		src   string
		value string
	)
	if err := r.Scan(&o.EntityID, &src, &o.FieldName, &value, &o.ExtractionID, &o.ObservedAt); err != nil {
		return o, err
	}
	v, err := model.DecodeValue(value)
	if err != nil {
		return o, eris.Wrap(err, "store: decode observation value")
	}
	o.Value = v
	o.Source = model.Source(src)
	return o, nil
}

func (s *sqlStore) Snapshot(ctx context.Context) (*model.CanonicalSnapshot, error) {
	snap := &model.CanonicalSnapshot{}
	err := s.be.withSnapshot(ctx, func(q querier) error {
		rows, err := q.query(ctx, `SELECT `+prospectCols+` FROM prospect ORDER BY created_at, id`)
		if err != nil {
			return eris.Wrap(err, "store: snapshot prospects")
		}
		for rows.Next() {
			p, err := scanProspect(rows)
			if err != nil {
				rows.Close()
				return eris.Wrap(err, "store: scan prospect")
			}
			snap.Prospects = append(snap.Prospects, *p)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return eris.Wrap(err, "store: iterate prospects")
		}

		rows, err = q.query(ctx, `SELECT `+fieldCols+` FROM canonical_field ORDER BY entity_id, field_name`)
		if err != nil {
			return eris.Wrap(err, "store: snapshot fields")
		}
		for rows.Next() {
			f, err := scanField(rows)
			if err != nil {
				rows.Close()
				return eris.Wrap(err, "store: scan field")
			}
			snap.Fields = append(snap.Fields, f)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return eris.Wrap(err, "store: iterate fields")
		}

		rows, err = q.query(ctx, `SELECT `+observationCols+` FROM source_observation ORDER BY entity_id, source, field_name`)
		if err != nil {
			return eris.Wrap(err, "store: snapshot observations")
		}
		defer rows.Close()
		for rows.Next() {
			o, err := scanObservation(rows)
			if err != nil {
				return eris.Wrap(err, "store: scan observation")
			}
			snap.Observations = append(snap.Observations, o)
		}
		return eris.Wrap(rows.Err(), "store: iterate observations")
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Commit applies a Load batch atomically. Any failure rolls the whole batch
// back.
func (s *sqlStore) Commit(ctx context.Context, batch *LoadBatch) (*CommitResult, error) {
	res := &CommitResult{}
	prospects := make([][]any, 0, len(batch.Prospects))
	for _, p := range batch.Prospects {
		ext := p.ExternalIDs
		if ext == nil {
			ext = map[model.Source]string{}
		}
		extJSON, err := encodeJSON(ext)
		if err != nil {
			return nil, err
		}
		status := p.Status
		if status == "" {
			status = model.ProspectActive
		}
		prospects = append(prospects, []any{
			p.ID, p.FirstName, p.LastName, p.NormFirst, p.NormLast, p.Position, p.College,
			extJSON, string(status), utc(p.CreatedAt), utc(p.UpdatedAt),
		})
	}

	fields := make([][]any, 0, len(batch.Fields))
	for _, f := range batch.Fields {
		fields = append(fields, []any{
			f.EntityID, f.FieldName, f.Value.Encode(), string(f.WinningSource), f.Confidence, f.RuleID, utc(f.ResolvedAt),
		})
	}

	observations := make([][]any, 0, len(batch.Observations))
	for _, o := range batch.Observations {
		observations = append(observations, []any{
			o.EntityID, string(o.Source), o.FieldName, o.Value.Encode(), o.ExtractionID, utc(o.ObservedAt),
		})
	}

	conflicts := make([][]any, 0, len(batch.Conflicts))
	for _, c := range batch.Conflicts {
		cand, err := encodeJSON(c.CandidateValuesBySource)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, []any{
			c.ID, c.RunID, c.ExtractionID, c.EntityID, c.FieldName, cand, c.ToleranceExceeded,
			c.ResolutionRule, encodeOptValue(c.ResolvedValue), string(c.WinningSource), c.RequiresManualReview, utc(c.CreatedAt),
		})
	}

	lineage := make([][]any, 0, len(batch.Lineage))
	for _, e := range batch.Lineage {
		lineage = append(lineage, []any{
			e.ID, e.EntityID, e.FieldName, encodeOptValue(e.ValuePrevious), e.ValueCurrent.Encode(), e.ValueCurrent.Key(),
			string(e.SourceSystem), e.TransformationRuleID, e.ExtractionID, e.RunID, utc(e.ChangedAt), e.HadConflict, e.Actor,
		})
	}

	quarantined := make([][]any, 0, len(batch.Quarantined))
	for _, qr := range batch.Quarantined {
		quarantined = append(quarantined, []any{
			qr.StagingID, qr.RunID, qr.ExtractionID, string(qr.Source), qr.Reason, utc(qr.CreatedAt),
		})
	}

	err := s.be.withTx(ctx, func(q querier) error {
		if _, err := s.be.merge(ctx, q, db.MergeConfig{
			Table:        "prospect",
			Columns:      cols(prospectCols),
			ConflictKeys: []string{"id"},
			UpdateCols:   []string{"first_name", "last_name", "external_ids", "updated_at"},
		}, dedupeRows(prospects, 0)); err != nil {
			return eris.Wrap(err, "store: merge prospects")
		}
		if _, err := s.be.merge(ctx, q, db.MergeConfig{
			Table:        "canonical_field",
			Columns:      cols(fieldCols),
			ConflictKeys: []string{"entity_id", "field_name"},
			UpdateCols:   []string{"value", "winning_source", "confidence", "rule_id", "resolved_at"},
		}, dedupeRows(fields, 0, 1)); err != nil {
			return eris.Wrap(err, "store: merge canonical fields")
		}
		if _, err := s.be.merge(ctx, q, db.MergeConfig{
			Table:        "source_observation",
			Columns:      cols(observationCols),
			ConflictKeys: []string{"entity_id", "source", "field_name"},
			UpdateCols:   []string{"value", "extraction_id", "observed_at"},
		}, dedupeRows(observations, 0, 1, 2)); err != nil {
			return eris.Wrap(err, "store: merge observations")
		}
		if _, err := s.be.appendRows(ctx, q, "conflict_record", cols(conflictCols), conflicts); err != nil {
			return eris.Wrap(err, "store: append conflicts")
		}
		n, err := s.be.merge(ctx, q, db.MergeConfig{
			Table: "data_lineage",
			Columns: []string{"id", "entity_id", "field_name", "value_previous", "value_current", "value_key",
				"source_system", "transformation_rule_id", "extraction_id", "run_id", "changed_at", "had_conflict", "actor"},
			ConflictKeys: []string{"entity_id", "field_name", "extraction_id", "value_key"},
		}, dedupeRows(lineage, 1, 2, 8, 5))
		if err != nil {
			return eris.Wrap(err, "store: append lineage")
		}
		res.LineageAppended = n
		if _, err := s.be.merge(ctx, q, db.MergeConfig{
			Table:        "quarantined_record",
			Columns:      cols(quarantineCols),
			ConflictKeys: []string{"staging_id", "run_id"},
		}, dedupeRows(quarantined, 0, 1)); err != nil {
			return eris.Wrap(err, "store: append quarantine")
		}
		if batch.RunID != "" {
			if _, err := q.exec(ctx,
				`UPDATE pipeline_run SET records_loaded = ?, conflict_count = ? WHERE id = ? AND status = ?`,
				batch.RecordsLoaded, len(batch.Conflicts), batch.RunID, string(model.RunRunning),
			); err != nil {
				return eris.Wrap(err, "store: update run counters")
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *sqlStore) SetProspectStatus(ctx context.Context, id string, status model.ProspectStatus) error {
	n, err := s.q.exec(ctx,
		`UPDATE prospect SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "store: set prospect status %s", id)
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "store: prospect %s", id)
	}
	return nil
}

// RefreshAggregates rebuilds prospect_summary from the canonical tables.
func (s *sqlStore) RefreshAggregates(ctx context.Context) error {
	now := time.Now().UTC()
	err := s.be.withTx(ctx, func(q querier) error {
		if _, err := q.exec(ctx, `DELETE FROM prospect_summary`); err != nil {
			return eris.Wrap(err, "store: clear prospect summary")
		}
		_, err := q.exec(ctx, `INSERT INTO prospect_summary (`+summaryCols+`)
SELECT p.id,
	p.first_name || ' ' || p.last_name,
	p.position,
	p.college,
	p.status,
	(SELECT COUNT(*) FROM canonical_field f WHERE f.entity_id = p.id),
	(SELECT COUNT(DISTINCT o.source) FROM source_observation o WHERE o.entity_id = p.id),
	(SELECT COUNT(*) FROM conflict_record c WHERE c.entity_id = p.id AND `+openConflict+`),
	(SELECT MAX(f.resolved_at) FROM canonical_field f WHERE f.entity_id = p.id),
	?
FROM prospect p`, true, now)
		return eris.Wrap(err, "store: rebuild prospect summary")
	})
	return err
}

// --- Reader ---

func (s *sqlStore) ListProspects(ctx context.Context, filter ProspectFilter) ([]model.CanonicalProspect, error) {
	var w where
	if filter.Position != "" {
		w.add("position = ?", strings.ToUpper(filter.Position))
	}
	if filter.College != "" {
		w.add("LOWER(college) = ?", strings.ToLower(filter.College))
	}
	if filter.Status != "" {
		w.add("status = ?", string(filter.Status))
	}
	if filter.Name != "" {
		w.add("LOWER(first_name || ' ' || last_name) LIKE ?", "%"+strings.ToLower(filter.Name)+"%")
	}
	query := `SELECT ` + prospectCols + ` FROM prospect` + w.String() + ` ORDER BY last_name, first_name, id`
	query += w.page(filter.Limit, filter.Offset)

	rows, err := s.q.query(ctx, query, w.args...)
	if err != nil {
		return nil, eris.Wrap(err, "store: list prospects")
	}
	defer rows.Close()

	var out []model.CanonicalProspect
	for rows.Next() {
		p, err := scanProspect(rows)
		if err != nil {
			return nil, eris.Wrap(err, "store: scan prospect")
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "store: iterate prospects")
}

func (s *sqlStore) GetProspect(ctx context.Context, id string) (*model.CanonicalProspect, error) {
	p, err := scanProspect(s.q.queryRow(ctx, `SELECT `+prospectCols+` FROM prospect WHERE id = ?`, id))
	if err != nil {
		return nil, eris.Wrapf(err, "store: get prospect %s", id)
	}
	return p, nil
}

func (s *sqlStore) ListSummaries(ctx context.Context, filter ProspectFilter) ([]ProspectSummary, error) {
	var w where
	if filter.Position != "" {
		w.add("position = ?", strings.ToUpper(filter.Position))
	}
	if filter.College != "" {
		w.add("LOWER(college) = ?", strings.ToLower(filter.College))
	}
	if filter.Status != "" {
		w.add("status = ?", string(filter.Status))
	}
	if filter.Name != "" {
		w.add("LOWER(display_name) LIKE ?", "%"+strings.ToLower(filter.Name)+"%")
	}
	query := `SELECT ` + summaryCols + ` FROM prospect_summary` + w.String() + ` ORDER BY display_name, entity_id`
	query += w.page(filter.Limit, filter.Offset)

	rows, err := s.q.query(ctx, query, w.args...)
	if err != nil {
		return nil, eris.Wrap(err, "store: list summaries")
	}
	defer rows.Close()

	var out []ProspectSummary
	for rows.Next() {
		var (
			ps     ProspectSummary
			status string
		)
		if err := rows.Scan(&ps.EntityID, &ps.DisplayName, &ps.Position, &ps.College, &status,
			&ps.FieldCount, &ps.SourceCount, &ps.ManualReviewCount, &ps.LastResolvedAt, &ps.RefreshedAt); err != nil {
			return nil, eris.Wrap(err, "store: scan summary")
		}
		ps.Status = model.ProspectStatus(status)
		out = append(out, ps)
	}
	return out, eris.Wrap(rows.Err(), "store: iterate summaries")
}

func (s *sqlStore) ListFields(ctx context.Context, entityID string) ([]model.CanonicalField, error) {
	rows, err := s.q.query(ctx,
		`SELECT `+fieldCols+` FROM canonical_field WHERE entity_id = ? ORDER BY field_name`, entityID)
	if err != nil {
		return nil, eris.Wrapf(err, "store: list fields %s", entityID)
	}
	defer rows.Close()

	var out []model.CanonicalField
	for rows.Next() {
		f, err := scanField(rows)
		if err != nil {
			return nil, eris.Wrap(err, "store: scan field")
		}
		out = append(out, f)
	}
	return out, eris.Wrap(rows.Err(), "store: iterate fields")
}

func (s *sqlStore) ListLineage(ctx context.Context, entityID, fieldName string) ([]model.LineageEntry, error) {
	w := where{}
	w.add("entity_id = ?", entityID)
	if fieldName != "" {
		w.add("field_name = ?", fieldName)
	}
	rows, err := s.q.query(ctx,
		`SELECT `+lineageCols+` FROM data_lineage`+w.String()+` ORDER BY changed_at, field_name, id`, w.args...)
	if err != nil {
		return nil, eris.Wrapf(err, "store: list lineage %s", entityID)
	}
	defer rows.Close()

	var out []model.LineageEntry
	for rows.Next() {
		var (
			e        model.LineageEntry
			prev     *string
			cur, src string
		)
		if err := rows.Scan(&e.ID, &e.EntityID, &e.FieldName, &prev, &cur, &src, &e.TransformationRuleID,
			&e.ExtractionID, &e.RunID, &e.ChangedAt, &e.HadConflict, &e.Actor); err != nil {
			return nil, eris.Wrap(err, "store: scan lineage")
		}
		if e.ValuePrevious, err = decodeOptValue(prev); err != nil {
			return nil, err
		}
		if e.ValueCurrent, err = model.DecodeValue(cur); err != nil {
			return nil, eris.Wrap(err, "store: decode lineage value")
		}
		e.SourceSystem = model.Source(src)
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "store: iterate lineage")
}

func (s *sqlStore) ListConflicts(ctx context.Context, filter ConflictFilter) ([]model.ConflictRecord, error) {
	var w where
	if filter.EntityID != "" {
		w.add("c.entity_id = ?", filter.EntityID)
	}
	if filter.FieldName != "" {
		w.add("c.field_name = ?", filter.FieldName)
	}
	if filter.RunID != "" {
		w.add("c.run_id = ?", filter.RunID)
	}
	if filter.Open {
		w.add(openConflict, true)
	}
	query := `SELECT ` + prefixed("c", conflictCols) + ` FROM conflict_record c` + w.String() +
		` ORDER BY c.created_at DESC, c.entity_id, c.field_name`
	query += w.page(filter.Limit, 0)

	rows, err := s.q.query(ctx, query, w.args...)
	if err != nil {
		return nil, eris.Wrap(err, "store: list conflicts")
	}
	defer rows.Close()

	var out []model.ConflictRecord
	for rows.Next() {
		var (
			c        model.ConflictRecord
			cand     []byte
			resolved *string
			src      string
		)
		if err := rows.Scan(&c.ID, &c.RunID, &c.ExtractionID, &c.EntityID, &c.FieldName, &cand, &c.ToleranceExceeded,
			&c.ResolutionRule, &resolved, &src, &c.RequiresManualReview, &c.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "store: scan conflict")
		}
		if err := decodeJSON(cand, &c.CandidateValuesBySource); err != nil {
			return nil, err
		}
		if c.ResolvedValue, err = decodeOptValue(resolved); err != nil {
			return nil, err
		}
		c.WinningSource = model.Source(src)
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "store: iterate conflicts")
}

func prefixed(alias, list string) string {
	parts := cols(list)
	for i := range parts {
		parts[i] = alias + "." + parts[i]
	}
	return strings.Join(parts, ", ")
}

func (s *sqlStore) ListQuarantine(ctx context.Context, filter QuarantineFilter) ([]model.QuarantinedRecord, error) {
	var w where
	if filter.RunID != "" {
		w.add("run_id = ?", filter.RunID)
	}
	if filter.ExtractionID != "" {
		w.add("extraction_id = ?", filter.ExtractionID)
	}
	if filter.Source != "" {
		w.add("source = ?", string(filter.Source))
	}
	query := `SELECT ` + quarantineCols + ` FROM quarantined_record` + w.String() + ` ORDER BY created_at DESC, staging_id`
	query += w.page(filter.Limit, 0)

	rows, err := s.q.query(ctx, query, w.args...)
	if err != nil {
		return nil, eris.Wrap(err, "store: list quarantine")
	}
	defer rows.Close()

	var out []model.QuarantinedRecord
	for rows.Next() {
		var (
			r   model.QuarantinedRecord
			src string
		)
		if err := rows.Scan(&r.StagingID, &r.RunID, &r.ExtractionID, &src, &r.Reason, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "store: scan quarantine")
		}
		r.Source = model.Source(src)
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "store: iterate quarantine")
}

// --- Quality ---

func (s *sqlStore) SaveQualityMetrics(ctx context.Context, metrics []model.QualityMetric) error {
	if len(metrics) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(metrics))
	for _, m := range metrics {
		rows = append(rows, []any{
			m.ID, m.RunID, m.ExtractionID, string(m.Scope), m.Slice.Position, string(m.Slice.Source),
			m.Expected, m.Observed, m.CoveragePct, m.ValidationPct, m.OutlierPct, m.QualityScore, utc(m.ComputedAt),
		})
	}
	err := s.be.withTx(ctx, func(q querier) error {
		_, err := s.be.merge(ctx, q, db.MergeConfig{
			Table:        "quality_metric",
			Columns:      cols(metricCols),
			ConflictKeys: []string{"run_id", "scope", "position", "source"},
			UpdateCols: []string{"expected", "observed", "coverage_pct", "validation_pct",
				"outlier_pct", "quality_score", "computed_at"},
		}, dedupeRows(rows, 1, 3, 4, 5))
		return err
	})
	return eris.Wrap(err, "store: save quality metrics")
}

func (s *sqlStore) ListQualityMetrics(ctx context.Context, filter QualityFilter) ([]model.QualityMetric, error) {
	var w where
	if filter.RunID != "" {
		w.add("run_id = ?", filter.RunID)
	}
	if filter.Scope != "" {
		w.add("scope = ?", string(filter.Scope))
	}
	if filter.Position != "" {
		w.add("position = ?", filter.Position)
	}
	if filter.Source != "" {
		w.add("source = ?", string(filter.Source))
	}
	query := `SELECT ` + metricCols + ` FROM quality_metric` + w.String() + ` ORDER BY computed_at DESC, scope, position, source`
	query += w.page(filter.Limit, 0)

	rows, err := s.q.query(ctx, query, w.args...)
	if err != nil {
		return nil, eris.Wrap(err, "store: list quality metrics")
	}
	defer rows.Close()

	var out []model.QualityMetric
	for rows.Next() {
		var (
			m          model.QualityMetric
			scope, src string
		)
		if err := rows.Scan(&m.ID, &m.RunID, &m.ExtractionID, &scope, &m.Slice.Position, &src, &m.Expected, &m.Observed,
			&m.CoveragePct, &m.ValidationPct, &m.OutlierPct, &m.QualityScore, &m.ComputedAt); err != nil {
			return nil, eris.Wrap(err, "store: scan quality metric")
		}
		m.Scope = model.Scope(scope)
		m.Slice.Source = model.Source(src)
		out = append(out, m)
	}
	return out, eris.Wrap(rows.Err(), "store: iterate quality metrics")
}

// --- Alerts ---

func scanAlert(r scannable) (*model.Alert, error) {
	var (
		a                  model.Alert
		typ, sev, pos, src string
	)
	if err := r.Scan(&a.ID, &typ, &sev, &pos, &src, &a.Fingerprint, &a.MetricValue, &a.ThresholdValue, &a.Message,
		&a.RunID, &a.GeneratedAt, &a.Acknowledged, &a.AcknowledgedBy, &a.AcknowledgedAt); err != nil {
		return nil, err
	}
	a.Type = model.AlertType(typ)
	a.Severity = model.Severity(sev)
	a.Slice = model.Slice{Position: pos, Source: model.Source(src)}
	return &a, nil
}

// InsertAlertIfAbsent inserts the alert unless an unacknowledged alert with
// the same fingerprint exists. It reports whether a row was written.
func (s *sqlStore) InsertAlertIfAbsent(ctx context.Context, a *model.Alert) (bool, error) {
	n, err := s.q.exec(ctx,
		`INSERT INTO alert (`+alertCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		a.ID, string(a.Type), string(a.Severity), a.Slice.Position, string(a.Slice.Source), a.Fingerprint,
		a.MetricValue, a.ThresholdValue, a.Message, a.RunID, utc(a.GeneratedAt), false, "", nil,
	)
	if err != nil {
		return false, eris.Wrapf(err, "store: insert alert %s", a.Fingerprint)
	}
	return n > 0, nil
}

func (s *sqlStore) GetAlert(ctx context.Context, id string) (*model.Alert, error) {
	a, err := scanAlert(s.q.queryRow(ctx, `SELECT `+alertCols+` FROM alert WHERE id = ?`, id))
	if err != nil {
		return nil, eris.Wrapf(err, "store: get alert %s", id)
	}
	return a, nil
}

// AcknowledgeAlert marks an alert acknowledged. Acknowledging an already
// acknowledged alert returns it unchanged.
func (s *sqlStore) AcknowledgeAlert(ctx context.Context, id, by string, at time.Time) (*model.Alert, error) {
	if _, err := s.q.exec(ctx,
		`UPDATE alert SET acknowledged = ?, acknowledged_by = ?, acknowledged_at = ? WHERE id = ? AND acknowledged = ?`,
		true, by, utc(at), id, false,
	); err != nil {
		return nil, eris.Wrapf(err, "store: acknowledge alert %s", id)
	}
	return s.GetAlert(ctx, id)
}

func (s *sqlStore) ListAlerts(ctx context.Context, filter AlertFilter) ([]model.Alert, error) {
	var w where
	if filter.Severity != "" {
		w.add("severity = ?", string(filter.Severity))
	}
	if filter.Type != "" {
		w.add("type = ?", string(filter.Type))
	}
	if filter.Position != "" {
		w.add("position = ?", filter.Position)
	}
	if filter.Source != "" {
		w.add("source = ?", string(filter.Source))
	}
	if filter.Acknowledged != nil {
		w.add("acknowledged = ?", *filter.Acknowledged)
	}
	if !filter.Since.IsZero() {
		w.add("generated_at >= ?", utc(filter.Since))
	}
	query := `SELECT ` + alertCols + ` FROM alert` + w.String() + ` ORDER BY generated_at DESC, id`
	query += w.page(filter.Limit, 0)

	rows, err := s.q.query(ctx, query, w.args...)
	if err != nil {
		return nil, eris.Wrap(err, "store: list alerts")
	}
	defer rows.Close()

	var out []model.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, eris.Wrap(err, "store: scan alert")
		}
		out = append(out, *a)
	}
	return out, eris.Wrap(rows.Err(), "store: iterate alerts")
}

func (s *sqlStore) DeleteAlertsBefore(ctx context.Context, before time.Time) (int, error) {
	n, err := s.q.exec(ctx, `DELETE FROM alert WHERE generated_at < ?`, utc(before))
	if err != nil {
		return 0, eris.Wrap(err, "store: delete alerts")
	}
	return int(n), nil
}

// --- Runs ---

func (s *sqlStore) CreateRun(ctx context.Context, run *model.PipelineRun) error {
	timings, err := encodeJSON(nonNilTimings(run.PhaseTimings))
	if err != nil {
		return err
	}
	status, err := encodeJSON(nonNilStatus(run.SourceStatus))
	if err != nil {
		return err
	}
	errs, err := encodeJSON(nonNilErrors(run.ErrorSummary))
	if err != nil {
		return err
	}
	_, err = s.q.exec(ctx,
		`INSERT INTO pipeline_run (`+runCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.ExtractionID, string(run.Status), string(run.FailurePolicy), utc(run.StartedAt), nil,
		timings, run.RecordsStaged, run.RecordsTransformed, run.RecordsQuarantined, run.RecordsLoaded,
		run.ConflictCount, run.QualityScore, status, errs,
	)
	return eris.Wrapf(err, "store: create run %s", run.ID)
}

// FinalizeRun writes the terminal state of a run. A run that is already
// terminal is left untouched and ErrRunTerminal is returned.
func (s *sqlStore) FinalizeRun(ctx context.Context, run *model.PipelineRun) error {
	if !run.Status.IsTerminal() {
		return eris.Errorf("store: finalize run %s with non-terminal status %s", run.ID, run.Status)
	}
	timings, err := encodeJSON(nonNilTimings(run.PhaseTimings))
	if err != nil {
		return err
	}
	status, err := encodeJSON(nonNilStatus(run.SourceStatus))
	if err != nil {
		return err
	}
	errs, err := encodeJSON(nonNilErrors(run.ErrorSummary))
	if err != nil {
		return err
	}
	finished := time.Now().UTC()
	if run.FinishedAt != nil {
		finished = run.FinishedAt.UTC()
	}
	n, err := s.q.exec(ctx, `UPDATE pipeline_run SET
	status = ?, finished_at = ?, phase_timings = ?, records_staged = ?, records_transformed = ?,
	records_quarantined = ?, records_loaded = ?, conflict_count = ?, quality_score = ?,
	source_status = ?, error_summary = ?
WHERE id = ? AND status = ?`,
		string(run.Status), finished, timings, run.RecordsStaged, run.RecordsTransformed,
		run.RecordsQuarantined, run.RecordsLoaded, run.ConflictCount, run.QualityScore,
		status, errs, run.ID, string(model.RunRunning),
	)
	if err != nil {
		return eris.Wrapf(err, "store: finalize run %s", run.ID)
	}
	if n == 0 {
		var current string
		if err := s.q.queryRow(ctx, `SELECT status FROM pipeline_run WHERE id = ?`, run.ID).Scan(&current); err != nil {
			return eris.Wrapf(err, "store: finalize run %s", run.ID)
		}
		return eris.Wrapf(ErrRunTerminal, "store: run %s is %s", run.ID, current)
	}
	return nil
}

func scanRun(r scannable) (*model.PipelineRun, error) {
	var (
		run                      model.PipelineRun
		status, policy           string
		timings, srcStatus, errs []byte
	)
	if err := r.Scan(&run.ID, &run.ExtractionID, &status, &policy, &run.StartedAt, &run.FinishedAt, &timings,
		&run.RecordsStaged, &run.RecordsTransformed, &run.RecordsQuarantined, &run.RecordsLoaded,
		&run.ConflictCount, &run.QualityScore, &srcStatus, &errs); err != nil {
		return nil, err
	}
	run.Status = model.RunStatus(status)
	run.FailurePolicy = model.FailurePolicy(policy)
	if err := decodeJSON(timings, &run.PhaseTimings); err != nil {
		return nil, err
	}
	if err := decodeJSON(srcStatus, &run.SourceStatus); err != nil {
		return nil, err
	}
	if err := decodeJSON(errs, &run.ErrorSummary); err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *sqlStore) GetRun(ctx context.Context, id string) (*model.PipelineRun, error) {
	run, err := scanRun(s.q.queryRow(ctx, `SELECT `+runCols+` FROM pipeline_run WHERE id = ?`, id))
	if err != nil {
		return nil, eris.Wrapf(err, "store: get run %s", id)
	}
	return run, nil
}

func (s *sqlStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.PipelineRun, error) {
	var w where
	if filter.Status != "" {
		w.add("status = ?", string(filter.Status))
	}
	if filter.ExtractionID != "" {
		w.add("extraction_id = ?", filter.ExtractionID)
	}
	query := `SELECT ` + runCols + ` FROM pipeline_run` + w.String() + ` ORDER BY started_at DESC, id`
	query += w.page(filter.Limit, filter.Offset)

	rows, err := s.q.query(ctx, query, w.args...)
	if err != nil {
		return nil, eris.Wrap(err, "store: list runs")
	}
	defer rows.Close()

	var out []model.PipelineRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "store: scan run")
		}
		out = append(out, *run)
	}
	return out, eris.Wrap(rows.Err(), "store: iterate runs")
}

func nonNilTimings(t []model.PhaseTiming) []model.PhaseTiming {
	if t == nil {
		return []model.PhaseTiming{}
	}
	return t
}

func nonNilStatus(m map[model.Source]model.SourceStatus) map[model.Source]model.SourceStatus {
	if m == nil {
		return map[model.Source]model.SourceStatus{}
	}
	return m
}

func nonNilErrors(e []model.RunError) []model.RunError {
	if e == nil {
		return []model.RunError{}
	}
	return e
}
