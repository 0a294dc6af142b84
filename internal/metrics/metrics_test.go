package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/prospect-sync/internal/model"
)

func family(t *testing.T, r *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	fams, err := r.Gather()
	require.NoError(t, err)
	for _, f := range fams {
		if f.GetName() == name {
			return f
		}
	}
	t.Fatalf("metric family %s not gathered", name)
	return nil
}

func TestMetrics_Record(t *testing.T) {
	m := New()

	m.RunFinished(model.RunPartial, time.Unix(1700000000, 0))
	m.Staged(model.SourceCombine, 3)
	m.Staged(model.SourceCombine, 0)
	m.Quarantined(model.SourceStats, 2)
	m.Loaded(7)
	m.Conflict(&model.ConflictRecord{FieldName: "weight_lbs", ResolutionRule: "authority"})
	m.Conflict(&model.ConflictRecord{FieldName: "grade", ResolutionRule: "manual_review", RequiresManualReview: true})
	m.AlertRaised(model.Alert{Severity: model.SeverityCritical, Type: model.AlertCoverage})
	m.Phase(model.PhaseLoad, model.PhaseComplete, 250*time.Millisecond)
	m.QualityScore(91.5)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("partial")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.staged.WithLabelValues("combine")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.quarantined.WithLabelValues("stats")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.loaded))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.manualReview))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.conflicts.WithLabelValues("weight_lbs", "authority")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.alerts.WithLabelValues("CRITICAL", "coverage")))
	assert.Equal(t, 91.5, testutil.ToFloat64(m.qualityScore))
	assert.Equal(t, 1700000000.0, testutil.ToFloat64(m.lastRunUnix))

	h := family(t, m.Registry(), "prospect_sync_phase_duration_seconds")
	require.Len(t, h.GetMetric(), 1)
	assert.Equal(t, uint64(1), h.GetMetric()[0].GetHistogram().GetSampleCount())
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RunFinished(model.RunSuccess, time.Now())
		m.Staged(model.SourceGrading, 1)
		m.Quarantined(model.SourceGrading, 1)
		m.Loaded(1)
		m.Conflict(&model.ConflictRecord{})
		m.AlertRaised(model.Alert{})
		m.Phase(model.PhaseExtract, model.PhaseComplete, time.Second)
		m.QualityScore(1)
	})
	assert.Nil(t, m.Registry())
}

func TestMetrics_Handler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(WithRegistry(reg), WithBuckets([]float64{1, 10}))
	m.Loaded(4)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, string(body), "prospect_sync_records_loaded_total 4")
}
