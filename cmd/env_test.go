package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-sync/internal/config"
	"github.com/sells-group/prospect-sync/internal/model"
	"github.com/sells-group/prospect-sync/internal/resilience"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func withConfig(t *testing.T, c *config.Config) {
	t.Helper()
	prev := cfg
	cfg = c
	t.Cleanup(func() { cfg = prev })
}

func TestInitStore_SQLite(t *testing.T) {
	withConfig(t, &config.Config{Store: config.StoreConfig{
		Driver:      "sqlite",
		DatabaseURL: filepath.Join(t.TempDir(), "cmd.db"),
	}})

	st, err := openStore(context.Background())
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck
	assert.NoError(t, st.Ping(context.Background()))
}

func TestInitStore_UnknownDriver(t *testing.T) {
	withConfig(t, &config.Config{Store: config.StoreConfig{Driver: "mongo"}})

	_, err := initStore(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported store driver")
}

func TestInitPipeline_RejectsInvalidConfig(t *testing.T) {
	withConfig(t, &config.Config{
		Store:    config.StoreConfig{Driver: "sqlite"},
		Pipeline: config.PipelineConfig{FailurePolicy: "SOMETIMES"},
	})

	_, err := initPipeline(context.Background(), "run")
	var cfgErr *resilience.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.NotEmpty(t, cfgErr.Problems)
}

func TestRunOptions(t *testing.T) {
	reset := func() { runExtractionID, runReplay, runPolicy = "", false, "" }
	t.Cleanup(reset)

	reset()
	runReplay = true
	_, err := runOptions()
	var verr *resilience.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "extraction-id", verr.Field)

	reset()
	runReplay, runExtractionID, runPolicy = true, "ext-1", "retry_continue"
	opts, err := runOptions()
	require.NoError(t, err)
	assert.True(t, opts.Replay)
	assert.Equal(t, "ext-1", opts.ExtractionID)
	assert.Equal(t, model.RetryContinue, opts.Policy)

	reset()
	runPolicy = "whenever"
	_, err = runOptions()
	assert.Error(t, err)
}

func TestWriteSummary(t *testing.T) {
	score := 87.5
	var buf bytes.Buffer
	require.NoError(t, writeSummary(&buf, &model.RunSummary{
		RunID: "run-1", ExtractionID: "ext-1", Status: model.RunPartial, QualityScore: &score,
	}))
	out := buf.String()
	assert.Contains(t, out, `"runId": "run-1"`)
	assert.Contains(t, out, `"status": "partial"`)
	assert.Contains(t, out, `"qualityScore": 87.5`)
}

func TestFormatAlertsList(t *testing.T) {
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	formatAlertsList(&buf, []model.Alert{
		{
			ID: "a1b2c3d4-0000", Type: model.AlertCoverage, Severity: model.SeverityCritical,
			Slice: model.Slice{Position: "WR", Source: model.SourceCombine}, MetricValue: 55, ThresholdValue: 60,
			GeneratedAt: at,
		},
		{
			ID: "e5f6a7b8-0000", Type: model.AlertOutlier, Severity: model.SeverityWarning,
			Slice: model.Slice{Position: "QB", Source: model.SourceStats}, Acknowledged: true, AcknowledgedBy: "analyst",
			GeneratedAt: at,
		},
	})
	out := buf.String()
	assert.Contains(t, out, "a1b2c3d4")
	assert.Contains(t, out, "CRITICAL")
	assert.Contains(t, out, "WR/combine")
	assert.Contains(t, out, "55.0")
	assert.Contains(t, out, "analyst")
	assert.Contains(t, out, "2026-03-02 09:00")
}

func TestFormatConflicts(t *testing.T) {
	var buf bytes.Buffer
	formatConflicts(&buf, []model.ConflictRecord{{
		EntityID:  "0f1e2d3c-0000",
		FieldName: "weight_lbs",
		CandidateValuesBySource: map[model.Source]model.Value{
			model.SourceStats:   model.NumberValue(260),
			model.SourceCombine: model.NumberValue(218),
		},
		ResolutionRule:       "authority",
		WinningSource:        model.SourceCombine,
		RequiresManualReview: false,
	}})
	out := buf.String()
	assert.Contains(t, out, "weight_lbs")
	assert.Contains(t, out, "combine=218 stats=260")
	assert.Contains(t, out, "authority")
}
