package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-sync/internal/config"
	"github.com/sells-group/prospect-sync/internal/metrics"
	"github.com/sells-group/prospect-sync/internal/model"
	"github.com/sells-group/prospect-sync/internal/resilience"
	"github.com/sells-group/prospect-sync/internal/rules"
	"github.com/sells-group/prospect-sync/internal/source"
	"github.com/sells-group/prospect-sync/internal/store"
	"github.com/sells-group/prospect-sync/internal/transform"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var receivedAt = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func testConfig(policy model.FailurePolicy) *config.Config {
	phases := make(map[string]config.PhaseConfig)
	for _, p := range model.Phases() {
		phases[string(p)] = config.PhaseConfig{TimeoutSecs: 10, MaxAttempts: 3, Backoff: "fixed", InitialBackoffMs: 1, MaxBackoffMs: 2}
	}
	return &config.Config{
		Pipeline: config.PipelineConfig{
			FailurePolicy:      string(policy),
			MaxQuarantineRatio: 0.5,
			ResolveConcurrency: 2,
			Actor:              "test",
			Phases:             phases,
		},
		Resolve: config.ResolveConfig{FuzzyThreshold: 0.88},
		Quality: config.QualityConfig{OutlierMethod: "zscore", ZScoreSigma: 3, IQRK: 1.5, MinSample: 5},
	}
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func newTestOrchestrator(t *testing.T, st store.Store, policy model.FailurePolicy) (*Orchestrator, *metrics.Metrics) {
	t.Helper()
	return newOrchestratorWithConfig(t, st, testConfig(policy))
}

func newOrchestratorWithConfig(t *testing.T, st store.Store, cfg *config.Config) (*Orchestrator, *metrics.Metrics) {
	t.Helper()
	reg, err := transform.NewRegistry(transform.Options{})
	require.NoError(t, err)
	m := metrics.New(metrics.WithRegistry(prometheus.NewRegistry()))
	o, err := New(cfg, Deps{
		Store:    st,
		Registry: reg,
		Catalog:  rules.Default(),
		Metrics:  m,
	})
	require.NoError(t, err)
	return o, m
}

func static(src model.Source, payloads ...map[string]any) *source.StaticAdapter {
	return &source.StaticAdapter{Src: src, Payloads: payloads, Now: func() time.Time { return receivedAt }}
}

func failing(src model.Source, err error) *source.StaticAdapter {
	return &source.StaticAdapter{Src: src, Err: err}
}

// smithAdapters report J. Smith's weight as 215, 218 and 260.
func smithAdapters() []source.Adapter {
	return []source.Adapter{
		static(model.SourceGrading, map[string]any{
			"name": "J. Smith", "position": "QB", "college": "State U", "grade": "8.1", "weight": "215",
		}),
		static(model.SourceCombine, map[string]any{
			"name": "J. Smith", "position": "QB", "college": "State U", "weight": "218",
		}),
		static(model.SourceStats, map[string]any{
			"name": "J. Smith", "position": "QB", "college": "State U", "weight": "260", "pass_yds": "3,412",
		}),
	}
}

func phaseStatus(run *model.PipelineRun) map[model.Phase]model.PhaseStatus {
	out := make(map[model.Phase]model.PhaseStatus)
	for _, pt := range run.PhaseTimings {
		out[pt.Phase] = pt.Status
	}
	return out
}

func TestRun_ResolvesConflictByAuthority(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	o, _ := newTestOrchestrator(t, st, model.PartialSuccess)

	sum, err := o.Run(ctx, RunOptions{ExtractionID: "ext-1", Adapters: smithAdapters()})
	require.NoError(t, err)
	assert.Equal(t, model.RunSuccess, sum.Status)
	assert.Equal(t, 3, sum.RecordsStaged)
	assert.Equal(t, 3, sum.RecordsTransformed)
	assert.Equal(t, 3, sum.RecordsLoaded) // grade, weight_lbs, pass_yds
	assert.Equal(t, 1, sum.ConflictCount)
	require.NotNil(t, sum.QualityScore)

	prospects, err := st.ListProspects(ctx, store.ProspectFilter{})
	require.NoError(t, err)
	require.Len(t, prospects, 1)

	fields, err := st.ListFields(ctx, prospects[0].ID)
	require.NoError(t, err)
	byName := make(map[string]model.CanonicalField)
	for _, f := range fields {
		byName[f.FieldName] = f
	}
	require.Contains(t, byName, "weight_lbs")
	assert.Equal(t, 218.0, byName["weight_lbs"].Value.Float())
	assert.Equal(t, model.SourceCombine, byName["weight_lbs"].WinningSource)

	conflicts, err := st.ListConflicts(ctx, store.ConflictFilter{RunID: sum.RunID})
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "weight_lbs", conflicts[0].FieldName)
	assert.Len(t, conflicts[0].CandidateValuesBySource, 3)
	assert.False(t, conflicts[0].RequiresManualReview)

	entries, err := st.ListLineage(ctx, prospects[0].ID, "weight_lbs")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].HadConflict)
	assert.Equal(t, "test", entries[0].Actor)

	run, err := st.GetRun(ctx, sum.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunSuccess, run.Status)
	assert.NotNil(t, run.FinishedAt)
	assert.Equal(t, model.SourceOK, run.SourceStatus[model.SourceCombine])
	assert.Equal(t, model.SourceSkipped, run.SourceStatus[model.SourceInjury])
	for _, p := range model.Phases() {
		assert.Equal(t, model.PhaseComplete, phaseStatus(run)[p], p)
	}

	overall, err := st.ListQualityMetrics(ctx, store.QualityFilter{RunID: sum.RunID, Scope: model.ScopeOverall})
	require.NoError(t, err)
	require.Len(t, overall, 1)
	assert.Equal(t, *sum.QualityScore, overall[0].QualityScore)
}

func TestRun_ReplayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	o, _ := newTestOrchestrator(t, st, model.PartialSuccess)

	first, err := o.Run(ctx, RunOptions{ExtractionID: "ext-1", Adapters: smithAdapters()})
	require.NoError(t, err)
	require.Equal(t, model.RunSuccess, first.Status)

	second, err := o.Run(ctx, RunOptions{ExtractionID: "ext-1", Replay: true})
	require.NoError(t, err)
	assert.Equal(t, model.RunSuccess, second.Status)
	assert.Equal(t, first.RecordsStaged, second.RecordsStaged)
	assert.NotEqual(t, first.RunID, second.RunID)

	prospects, err := st.ListProspects(ctx, store.ProspectFilter{})
	require.NoError(t, err)
	require.Len(t, prospects, 1)

	for _, field := range []string{"grade", "weight_lbs", "pass_yds"} {
		entries, err := st.ListLineage(ctx, prospects[0].ID, field)
		require.NoError(t, err)
		assert.Len(t, entries, 1, field)
	}

	m1, err := st.ListQualityMetrics(ctx, store.QualityFilter{RunID: first.RunID})
	require.NoError(t, err)
	m2, err := st.ListQualityMetrics(ctx, store.QualityFilter{RunID: second.RunID})
	require.NoError(t, err)
	require.Len(t, m2, len(m1))
	for i := range m1 {
		assert.Equal(t, m1[i].Slice, m2[i].Slice)
		assert.Equal(t, m1[i].QualityScore, m2[i].QualityScore)
	}

	// A fresh extraction of the same data adds no prospects either.
	third, err := o.Run(ctx, RunOptions{ExtractionID: "ext-1", Adapters: smithAdapters()})
	require.NoError(t, err)
	assert.Equal(t, model.RunSuccess, third.Status)
	prospects, err = st.ListProspects(ctx, store.ProspectFilter{})
	require.NoError(t, err)
	assert.Len(t, prospects, 1)
}

func TestRun_QuarantineContainment(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	o, _ := newTestOrchestrator(t, st, model.PartialSuccess)

	adapters := smithAdapters()
	adapters[0] = static(model.SourceGrading,
		map[string]any{"name": "J. Smith", "position": "QB", "college": "State U", "grade": "8.1", "weight": "215"},
		map[string]any{"name": "Bad Grade", "position": "QB", "college": "State U", "grade": "n/a"},
	)

	sum, err := o.Run(ctx, RunOptions{ExtractionID: "ext-q", Adapters: adapters})
	require.NoError(t, err)
	assert.Equal(t, model.RunSuccess, sum.Status)
	assert.Equal(t, 4, sum.RecordsStaged)
	assert.Equal(t, 3, sum.RecordsTransformed)

	quarantined, err := st.ListQuarantine(ctx, store.QuarantineFilter{RunID: sum.RunID})
	require.NoError(t, err)
	require.Len(t, quarantined, 1)
	assert.Equal(t, model.SourceGrading, quarantined[0].Source)
	assert.Contains(t, quarantined[0].Reason, "non-numeric grade")

	run, err := st.GetRun(ctx, sum.RunID)
	require.NoError(t, err)
	assert.Equal(t, 1, run.RecordsQuarantined)
	var found bool
	for _, e := range run.ErrorSummary {
		if e.StagingID == quarantined[0].StagingID {
			found = true
			assert.Equal(t, model.OutcomeQuarantined, e.Outcome)
			assert.Equal(t, model.PhaseTransform, e.Phase)
		}
	}
	assert.True(t, found, "quarantined record missing from error summary")

	prospects, err := st.ListProspects(ctx, store.ProspectFilter{})
	require.NoError(t, err)
	require.Len(t, prospects, 1)
	assert.Equal(t, "SMITH", prospects[0].NormLast)
}

func TestRun_FailFastAbortsOnSourceFailure(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	o, m := newTestOrchestrator(t, st, model.FailFast)

	adapters := smithAdapters()
	adapters[2] = failing(model.SourceStats, errors.New("feed down"))

	sum, err := o.Run(ctx, RunOptions{ExtractionID: "ext-ff", Adapters: adapters})
	require.NoError(t, err)
	assert.Equal(t, model.RunFailed, sum.Status)
	assert.Zero(t, sum.RecordsLoaded)

	run, err := st.GetRun(ctx, sum.RunID)
	require.NoError(t, err)
	ps := phaseStatus(run)
	assert.Equal(t, model.PhaseFailed, ps[model.PhaseExtract])
	for _, p := range model.Phases()[1:] {
		assert.Equal(t, model.PhaseSkipped, ps[p], p)
	}
	assert.Equal(t, model.SourceFailed, run.SourceStatus[model.SourceStats])

	prospects, err := st.ListProspects(ctx, store.ProspectFilter{})
	require.NoError(t, err)
	assert.Empty(t, prospects)

	assert.Equal(t, 1.0, counterValue(t, m.Registry(), "prospect_sync_runs_total", "failed"))
}

func TestRun_PartialSuccessContinuesWithoutFailedSource(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	o, _ := newTestOrchestrator(t, st, model.PartialSuccess)

	adapters := smithAdapters()
	adapters[2] = failing(model.SourceStats, errors.New("feed down"))

	sum, err := o.Run(ctx, RunOptions{ExtractionID: "ext-ps", Adapters: adapters})
	require.NoError(t, err)
	assert.Equal(t, model.RunPartial, sum.Status)
	assert.Equal(t, 2, sum.RecordsStaged)
	assert.Positive(t, sum.RecordsLoaded)

	run, err := st.GetRun(ctx, sum.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.SourceFailed, run.SourceStatus[model.SourceStats])
	assert.Equal(t, model.SourceOK, run.SourceStatus[model.SourceGrading])
	assert.Equal(t, model.PhaseComplete, phaseStatus(run)[model.PhasePublish])
	require.NotEmpty(t, run.ErrorSummary)
	assert.Equal(t, model.SourceStats, run.ErrorSummary[0].Source)
}

// flaky fails its first call.
type flaky struct {
	*source.StaticAdapter
	calls atomic.Int32
}

func (f *flaky) Produce(ctx context.Context, extractionID string) ([]model.StagingRecord, error) {
	if f.calls.Add(1) == 1 {
		return nil, errors.New("malformed feed header")
	}
	return f.StaticAdapter.Produce(ctx, extractionID)
}

func TestRun_RetryContinueRetriesNonTransientFailures(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	o, _ := newTestOrchestrator(t, st, model.RetryContinue)

	adapters := smithAdapters()
	fl := &flaky{StaticAdapter: adapters[1].(*source.StaticAdapter)}
	adapters[1] = fl

	sum, err := o.Run(ctx, RunOptions{ExtractionID: "ext-rc", Adapters: adapters})
	require.NoError(t, err)
	assert.Equal(t, model.RunSuccess, sum.Status)
	assert.Equal(t, int32(2), fl.calls.Load())
	assert.Equal(t, 3, sum.RecordsStaged)
}

func TestRun_PartialSuccessDoesNotRetryNonTransientFailures(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	o, _ := newTestOrchestrator(t, st, model.PartialSuccess)

	adapters := smithAdapters()
	fl := &flaky{StaticAdapter: adapters[1].(*source.StaticAdapter)}
	adapters[1] = fl

	sum, err := o.Run(ctx, RunOptions{ExtractionID: "ext-nr", Adapters: adapters})
	require.NoError(t, err)
	assert.Equal(t, model.RunPartial, sum.Status)
	assert.Equal(t, int32(1), fl.calls.Load())
}

func TestRun_TransientSourceFailureIsRetried(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	o, _ := newTestOrchestrator(t, st, model.FailFast)

	adapters := smithAdapters()
	adapters[0] = &transientOnce{StaticAdapter: adapters[0].(*source.StaticAdapter)}

	sum, err := o.Run(ctx, RunOptions{ExtractionID: "ext-tr", Adapters: adapters})
	require.NoError(t, err)
	assert.Equal(t, model.RunSuccess, sum.Status)
}

type transientOnce struct {
	*source.StaticAdapter
	calls atomic.Int32
}

func (a *transientOnce) Produce(ctx context.Context, extractionID string) ([]model.StagingRecord, error) {
	if a.calls.Add(1) == 1 {
		return nil, resilience.NewTransientError(errors.New("staging unavailable"), 503)
	}
	return a.StaticAdapter.Produce(ctx, extractionID)
}

// stalled never returns records; it waits for its context to end.
type stalled struct {
	src   model.Source
	calls atomic.Int32
}

func (a *stalled) Source() model.Source { return a.src }

func (a *stalled) Produce(ctx context.Context, _ string) ([]model.StagingRecord, error) {
	a.calls.Add(1)
	<-ctx.Done()
	return nil, ctx.Err()
}

// shortExtract gives Extract a one second timeout and two attempts.
func shortExtract(policy model.FailurePolicy) *config.Config {
	cfg := testConfig(policy)
	cfg.Pipeline.Phases[string(model.PhaseExtract)] = config.PhaseConfig{
		TimeoutSecs: 1, MaxAttempts: 2, Backoff: "fixed", InitialBackoffMs: 1, MaxBackoffMs: 2,
	}
	return cfg
}

func phaseTiming(run *model.PipelineRun, p model.Phase) model.PhaseTiming {
	for _, pt := range run.PhaseTimings {
		if pt.Phase == p {
			return pt
		}
	}
	return model.PhaseTiming{}
}

func TestRun_SourceTimeoutFollowsPolicy(t *testing.T) {
	tests := []struct {
		policy      model.FailurePolicy
		status      model.RunStatus
		extract     model.PhaseStatus
		staged      int
		loadsFields bool
	}{
		{model.PartialSuccess, model.RunPartial, model.PhaseComplete, 2, true},
		{model.RetryContinue, model.RunPartial, model.PhaseComplete, 2, true},
		{model.FailFast, model.RunFailed, model.PhaseTimedOut, 0, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			ctx := context.Background()
			st := newTestStore(t)
			o, _ := newOrchestratorWithConfig(t, st, shortExtract(tt.policy))

			adapters := smithAdapters()
			slow := &stalled{src: model.SourceCombine}
			adapters[1] = slow

			start := time.Now()
			sum, err := o.Run(ctx, RunOptions{ExtractionID: "ext-slow", Adapters: adapters})
			require.NoError(t, err)
			assert.Less(t, time.Since(start), 10*time.Second)

			assert.Equal(t, tt.status, sum.Status)
			assert.Equal(t, tt.staged, sum.RecordsStaged)
			assert.Equal(t, tt.loadsFields, sum.RecordsLoaded > 0)
			// A timed-out attempt is retried within the budget.
			assert.Equal(t, int32(2), slow.calls.Load())

			run, err := st.GetRun(ctx, sum.RunID)
			require.NoError(t, err)
			extract := phaseTiming(run, model.PhaseExtract)
			assert.Equal(t, tt.extract, extract.Status)
			assert.Equal(t, model.SourceFailed, run.SourceStatus[model.SourceCombine])
			assert.Equal(t, model.SourceOK, run.SourceStatus[model.SourceGrading])
			assert.Equal(t, model.SourceOK, run.SourceStatus[model.SourceStats])

			var sourceErr *model.RunError
			for i := range run.ErrorSummary {
				if run.ErrorSummary[i].Source == model.SourceCombine {
					sourceErr = &run.ErrorSummary[i]
				}
			}
			require.NotNil(t, sourceErr)
			assert.Equal(t, model.OutcomeRetryable, sourceErr.Outcome)
			assert.Contains(t, sourceErr.Message, "deadline exceeded")

			if tt.status == model.RunPartial {
				assert.Equal(t, []any{"combine"}, extract.Metadata["timed_out"])
				assert.Equal(t, model.PhaseComplete, phaseTiming(run, model.PhasePublish).Status)
				prospects, err := st.ListProspects(ctx, store.ProspectFilter{})
				require.NoError(t, err)
				assert.Len(t, prospects, 1)
			} else {
				assert.Equal(t, model.PhaseSkipped, phaseTiming(run, model.PhaseTransform).Status)
			}
		})
	}
}

func TestRun_EverySourceTimedOutFailsRun(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	o, _ := newOrchestratorWithConfig(t, st, shortExtract(model.PartialSuccess))

	sum, err := o.Run(ctx, RunOptions{
		ExtractionID: "ext-stalled",
		Adapters:     []source.Adapter{&stalled{src: model.SourceGrading}, &stalled{src: model.SourceStats}},
	})
	require.NoError(t, err)
	assert.Equal(t, model.RunFailed, sum.Status)

	run, err := st.GetRun(ctx, sum.RunID)
	require.NoError(t, err)
	extract := phaseTiming(run, model.PhaseExtract)
	assert.Equal(t, model.PhaseTimedOut, extract.Status)
	assert.Contains(t, extract.Error, "every source failed")
	assert.Equal(t, model.SourceFailed, run.SourceStatus[model.SourceGrading])
	assert.Equal(t, model.SourceFailed, run.SourceStatus[model.SourceStats])
}

func TestRun_CancelledRunStopsExtract(t *testing.T) {
	st := newTestStore(t)
	o, _ := newOrchestratorWithConfig(t, st, shortExtract(model.PartialSuccess))

	ctx, cancel := context.WithCancel(context.Background())
	slow := &stalled{src: model.SourceCombine}
	go func() {
		for slow.calls.Load() == 0 {
			time.Sleep(5 * time.Millisecond)
		}
		cancel()
	}()

	adapters := smithAdapters()
	adapters[1] = slow
	sum, err := o.Run(ctx, RunOptions{ExtractionID: "ext-cancel", Adapters: adapters})
	require.NoError(t, err)
	assert.Equal(t, model.RunFailed, sum.Status)
	assert.Equal(t, int32(1), slow.calls.Load())

	run, err := st.GetRun(context.Background(), sum.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.PhaseFailed, phaseTiming(run, model.PhaseExtract).Status)
	assert.NotNil(t, run.FinishedAt)
}

func TestRun_ZeroRecordsCompletesTrivially(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	o, _ := newTestOrchestrator(t, st, model.FailFast)

	sum, err := o.Run(ctx, RunOptions{
		ExtractionID: "ext-empty",
		Adapters:     []source.Adapter{static(model.SourceCombine), static(model.SourceStats)},
	})
	require.NoError(t, err)
	assert.Equal(t, model.RunSuccess, sum.Status)
	assert.Zero(t, sum.RecordsStaged)
	assert.Nil(t, sum.QualityScore)

	run, err := st.GetRun(ctx, sum.RunID)
	require.NoError(t, err)
	ps := phaseStatus(run)
	assert.Equal(t, model.PhaseComplete, ps[model.PhaseExtract])
	assert.Equal(t, model.PhaseSkipped, ps[model.PhaseLoad])
	assert.Len(t, run.PhaseTimings, len(model.Phases()))
}

func TestRun_QuarantineRatioTripsFailFast(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	o, _ := newTestOrchestrator(t, st, model.FailFast)

	sum, err := o.Run(ctx, RunOptions{
		ExtractionID: "ext-ratio",
		Adapters: []source.Adapter{static(model.SourceGrading,
			map[string]any{"name": "A One", "position": "QB", "college": "State U", "grade": "x"},
			map[string]any{"name": "B Two", "position": "QB", "college": "State U", "grade": "y"},
			map[string]any{"name": "C Three", "position": "QB", "college": "State U", "grade": "8.0"},
		)},
	})
	require.NoError(t, err)
	assert.Equal(t, model.RunFailed, sum.Status)

	run, err := st.GetRun(ctx, sum.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.PhaseFailed, phaseStatus(run)[model.PhaseTransform])
	assert.Equal(t, model.PhaseSkipped, phaseStatus(run)[model.PhaseMerge])
	assert.Equal(t, 2, run.RecordsQuarantined)
}

func TestRun_QuarantineRatioMarksPartial(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	o, _ := newTestOrchestrator(t, st, model.PartialSuccess)

	sum, err := o.Run(ctx, RunOptions{
		ExtractionID: "ext-ratio",
		Adapters: []source.Adapter{
			static(model.SourceGrading,
				map[string]any{"name": "A One", "position": "QB", "college": "State U", "grade": "x"},
				map[string]any{"name": "B Two", "position": "QB", "college": "State U", "grade": "y"},
				map[string]any{"name": "C Three", "position": "QB", "college": "State U", "grade": "8.0"},
			),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, model.RunPartial, sum.Status)
	assert.Equal(t, 1, sum.RecordsTransformed)
}

// commitFails rejects every Load.
type commitFails struct {
	store.Store
	calls atomic.Int32
}

func (c *commitFails) Commit(ctx context.Context, batch *store.LoadBatch) (*store.CommitResult, error) {
	c.calls.Add(1)
	return nil, errors.New("constraint violated")
}

func TestRun_LoadFailureFailsRun(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	wrapped := &commitFails{Store: st}
	o, _ := newTestOrchestrator(t, wrapped, model.PartialSuccess)

	sum, err := o.Run(ctx, RunOptions{ExtractionID: "ext-load", Adapters: smithAdapters()})
	require.NoError(t, err)
	assert.Equal(t, model.RunFailed, sum.Status)
	assert.Equal(t, int32(1), wrapped.calls.Load())

	run, err := st.GetRun(ctx, sum.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.PhaseFailed, phaseStatus(run)[model.PhaseLoad])
	assert.Equal(t, model.PhaseSkipped, phaseStatus(run)[model.PhasePublish])
	last := run.ErrorSummary[len(run.ErrorSummary)-1]
	assert.Equal(t, model.PhaseLoad, last.Phase)
	assert.Equal(t, model.OutcomeFatal, last.Outcome)
	assert.Contains(t, last.Message, "load transaction")

	prospects, err := st.ListProspects(ctx, store.ProspectFilter{})
	require.NoError(t, err)
	assert.Empty(t, prospects)

	// The canonical lock was released.
	release, err := st.LockCanonical(ctx)
	require.NoError(t, err)
	release()
}

func TestRun_UsesGivenRunID(t *testing.T) {
	st := newTestStore(t)
	o, _ := newTestOrchestrator(t, st, model.PartialSuccess)

	sum, err := o.Run(context.Background(), RunOptions{RunID: "run-fixed", Adapters: smithAdapters()})
	require.NoError(t, err)
	assert.Equal(t, "run-fixed", sum.RunID)
	assert.NotEmpty(t, sum.ExtractionID)
}

func TestRun_InvalidOptions(t *testing.T) {
	st := newTestStore(t)
	o, _ := newTestOrchestrator(t, st, model.PartialSuccess)

	_, err := o.Run(context.Background(), RunOptions{ExtractionID: "ext"})
	var cfe *resilience.ConfigurationError
	assert.ErrorAs(t, err, &cfe)

	_, err = o.Run(context.Background(), RunOptions{Replay: true})
	assert.Error(t, err)

	runs, err := st.ListRuns(context.Background(), store.RunFilter{})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestNew_RequiresDeps(t *testing.T) {
	_, err := New(testConfig(model.FailFast), Deps{})
	var cfe *resilience.ConfigurationError
	require.ErrorAs(t, err, &cfe)
	assert.Len(t, cfe.Problems, 3)

	_, err = New(nil, Deps{})
	assert.Error(t, err)
}

func TestEscalate(t *testing.T) {
	tests := []struct {
		name    string
		policy  model.FailurePolicy
		phase   model.Phase
		outcome model.Outcome
		want    flow
		partial bool
	}{
		{"success", model.FailFast, model.PhasePublish, model.OutcomeSuccess, flowNext, false},
		{"fail fast publish", model.FailFast, model.PhasePublish, model.OutcomeFatal, flowAbort, false},
		{"partial publish", model.PartialSuccess, model.PhasePublish, model.OutcomeFatal, flowNext, true},
		{"retry continue publish", model.RetryContinue, model.PhasePublish, model.OutcomeRetryable, flowNext, true},
		{"partial load", model.PartialSuccess, model.PhaseLoad, model.OutcomeFatal, flowAbort, false},
		{"partial transform", model.PartialSuccess, model.PhaseTransform, model.OutcomeRetryable, flowAbort, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rc := &RunContext{Policy: tt.policy}
			assert.Equal(t, tt.want, escalate(rc, tt.phase, tt.outcome))
			assert.Equal(t, tt.partial, rc.isPartial())
		})
	}
}

func TestShouldRetry(t *testing.T) {
	transient := resilience.NewTransientError(errors.New("reset"), 0)
	plain := errors.New("boom")
	tx := &resilience.TransactionError{Err: plain}
	cfe := &resilience.ConfigurationError{Problems: []string{"x"}}

	strict := shouldRetry(model.PartialSuccess)
	assert.True(t, strict(transient))
	assert.True(t, strict(context.DeadlineExceeded))
	assert.False(t, strict(plain))

	lenient := shouldRetry(model.RetryContinue)
	assert.True(t, lenient(plain))
	assert.True(t, lenient(transient))
	assert.False(t, lenient(tx))
	assert.False(t, lenient(cfe))
	assert.False(t, lenient(context.Canceled))
}

func counterValue(t *testing.T, reg *prometheus.Registry, name, label string) float64 {
	t.Helper()
	fams, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range fams {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetValue() == label {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}
