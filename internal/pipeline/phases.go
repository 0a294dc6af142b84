package pipeline

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/prospect-sync/internal/conflict"
	"github.com/sells-group/prospect-sync/internal/lineage"
	"github.com/sells-group/prospect-sync/internal/model"
	"github.com/sells-group/prospect-sync/internal/quality"
	"github.com/sells-group/prospect-sync/internal/resilience"
	"github.com/sells-group/prospect-sync/internal/resolve"
	"github.com/sells-group/prospect-sync/internal/store"
)

// reasonNoIdentity quarantines fragments the resolver could not key.
const reasonNoIdentity = "incomplete identity key"

// --- Extract ---

func (o *Orchestrator) extract(ctx context.Context, rc *RunContext) flow {
	var out model.Outcome
	if rc.replay {
		out = o.runPhase(ctx, rc, model.PhaseExtract, phaseOpts{}, func(ctx context.Context) error {
			recs, err := o.store.ListStaging(ctx, rc.ExtractionID)
			if err != nil {
				return eris.Wrap(err, "pipeline: load staged records")
			}
			rc.Records = recs
			rc.setMeta(model.PhaseExtract, "replay", true)
			return nil
		})
		if out == model.OutcomeSuccess {
			for _, rec := range rc.Records {
				rc.setSource(rec.Source, model.SourceOK)
			}
		}
	} else {
		// Each source gets the phase timeout and retry budget of its own.
		out = o.runPhase(ctx, rc, model.PhaseExtract, phaseOpts{perSource: true}, func(ctx context.Context) error {
			return o.extractSources(ctx, rc)
		})
	}
	for _, src := range o.registry.Sources() {
		if _, ok := rc.Run.SourceStatus[src]; !ok {
			rc.setSource(src, model.SourceSkipped)
		}
	}

	rc.Run.RecordsStaged = len(rc.Records)
	if f := escalate(rc, model.PhaseExtract, out); f != flowNext {
		return f
	}
	if len(rc.Records) == 0 {
		zap.L().Info("pipeline: no staged records, nothing to do",
			zap.String("component", "pipeline"), zap.String("run_id", rc.Run.ID))
		return flowStop
	}
	return flowNext
}

// extractSources runs every adapter concurrently and stages what they
// produce. Each attempt of a source is bounded by the phase timeout; a
// source that times out or exhausts its retries is recorded as failed and,
// unless the policy is FAIL_FAST, the run continues without it. ctx is the
// run context: only its cancellation stops the whole phase.
func (o *Orchestrator) extractSources(ctx context.Context, rc *RunContext) error {
	pc := rc.Config.Phase(model.PhaseExtract)
	timeout := pc.Timeout()
	retry := pc.Retry()
	retry.ShouldRetry = shouldRetry(rc.Policy)

	results := make([][]model.StagingRecord, len(rc.adapters))
	var (
		mu     sync.Mutex
		failed = make(map[model.Source]error)
	)

	var g errgroup.Group
	for i, a := range rc.adapters {
		src := a.Source()
		r := retry
		r.OnRetry = resilience.RetryLogger("pipeline.extract", string(src))
		g.Go(func() error {
			recs, err := resilience.DoVal(ctx, r, func(ctx context.Context) ([]model.StagingRecord, error) {
				actx, cancel := context.WithTimeout(ctx, timeout)
				defer cancel()
				return a.Produce(actx, rc.ExtractionID)
			})
			if err != nil {
				rc.setSource(src, model.SourceFailed)
				rc.addError(model.RunError{
					Phase:   model.PhaseExtract,
					Source:  src,
					Outcome: resilience.Classify(err),
					Message: err.Error(),
				})
				mu.Lock()
				failed[src] = err
				mu.Unlock()
				return nil
			}
			results[i] = recs
			rc.setSource(src, model.SourceOK)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return eris.Wrap(err, "pipeline: extract")
	}
	if len(failed) > 0 {
		srcs := slices.Sorted(maps.Keys(failed))
		first := failed[srcs[0]]
		var timedOut []string
		for _, src := range srcs {
			if errors.Is(failed[src], context.DeadlineExceeded) {
				timedOut = append(timedOut, string(src))
			}
		}
		if len(timedOut) > 0 {
			rc.setMeta(model.PhaseExtract, "timed_out", timedOut)
		}
		if rc.Policy == model.FailFast {
			return eris.Wrapf(first, "pipeline: source %s failed", srcs[0])
		}
		if len(failed) == len(rc.adapters) {
			return eris.Wrap(first, "pipeline: every source failed")
		}
		rc.markPartial()
	}

	var recs []model.StagingRecord
	perSource := make(map[model.Source]int)
	for _, rs := range results {
		recs = append(recs, rs...)
		for _, rec := range rs {
			perSource[rec.Source]++
		}
	}
	if len(recs) > 0 {
		actx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		n, err := o.store.AppendStaging(actx, recs)
		if err != nil {
			return eris.Wrap(err, "pipeline: append staging")
		}
		rc.setMeta(model.PhaseExtract, "appended", n)
	}
	for src, n := range perSource {
		o.metrics.Staged(src, n)
		rc.setMeta(model.PhaseExtract, "staged_"+string(src), n)
	}
	rc.Records = recs
	return nil
}

// --- Transform ---

func (o *Orchestrator) transform(ctx context.Context, rc *RunContext) flow {
	total := len(rc.Records)
	out := o.runPhase(ctx, rc, model.PhaseTransform, phaseOpts{
		after: func() error { return o.checkQuarantineRatio(rc, total) },
	}, func(ctx context.Context) error {
		outputs, err := o.registry.TransformAll(ctx, rc.Records)
		if err != nil {
			return err
		}
		rc.Outputs = outputs
		rc.Fragments = outputs.Fragments()
		quarantined := make([]model.QuarantinedRecord, 0)
		for _, x := range outputs.Quarantined() {
			quarantined = append(quarantined, model.QuarantinedRecord{
				StagingID:    x.Record.ID,
				RunID:        rc.Run.ID,
				ExtractionID: rc.ExtractionID,
				Source:       x.Record.Source,
				Reason:       x.Result.Reason,
				CreatedAt:    rc.Now,
			})
		}
		rc.Quarantined = quarantined
		rc.setMeta(model.PhaseTransform, "fragments", len(rc.Fragments))
		rc.setMeta(model.PhaseTransform, "quarantined", len(quarantined))
		return nil
	})

	if rc.Outputs != nil {
		for _, q := range rc.Quarantined {
			o.quarantine(rc, model.PhaseTransform, q)
		}
		for src, counts := range rc.Outputs.CountBySource() {
			if counts[model.OutcomeSuccess] == 0 && counts[model.OutcomeQuarantined] > 0 {
				rc.setSource(src, model.SourceFailed)
				rc.markPartial()
			}
		}
		rc.Run.RecordsTransformed = len(rc.Fragments)
		rc.Run.RecordsQuarantined = len(rc.Quarantined)
	}
	return escalate(rc, model.PhaseTransform, out)
}

// checkQuarantineRatio trips FAIL_FAST when too many records were
// quarantined. Other policies continue with the run marked partial.
func (o *Orchestrator) checkQuarantineRatio(rc *RunContext, total int) error {
	limit := rc.Config.MaxQuarantineRatio
	if limit <= 0 || total == 0 {
		return nil
	}
	ratio := float64(len(rc.Quarantined)) / float64(total)
	if ratio <= limit {
		return nil
	}
	if rc.Policy == model.FailFast {
		return resilience.NewValidationError("records",
			"%d of %d records quarantined, above the %.0f%% limit", len(rc.Quarantined), total, limit*100)
	}
	zap.L().Warn("pipeline: quarantine ratio exceeded",
		zap.String("component", "pipeline"),
		zap.String("run_id", rc.Run.ID),
		zap.Float64("ratio", ratio),
		zap.Float64("limit", limit),
	)
	rc.markPartial()
	return nil
}

// quarantine records one excluded staging record in the error summary.
func (o *Orchestrator) quarantine(rc *RunContext, p model.Phase, q model.QuarantinedRecord) {
	rc.addError(model.RunError{
		Phase:     p,
		Source:    q.Source,
		StagingID: q.StagingID,
		Outcome:   model.OutcomeQuarantined,
		Message:   q.Reason,
	})
	o.metrics.Quarantined(q.Source, 1)
}

// --- Validate ---

// validate previews the quality of this run's fragments. It is advisory
// and never stops the run.
func (o *Orchestrator) validate(ctx context.Context, rc *RunContext) flow {
	out := o.runPhase(ctx, rc, model.PhaseValidate, phaseOpts{noRetry: true}, func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		rc.Preview = o.evaluator.Evaluate(quality.FromFragments(rc.Fragments), quality.Meta{
			RunID:        rc.Run.ID,
			ExtractionID: rc.ExtractionID,
			At:           rc.Now,
		})
		if s := rc.Preview.Score(); s != nil {
			rc.setMeta(model.PhaseValidate, "preview_score", *s)
		}
		return nil
	})
	if out != model.OutcomeSuccess {
		rc.markPartial()
	}
	return flowNext
}

// --- Merge ---

// merge resolves identities and field conflicts against the canonical
// snapshot and builds the Load batch. It takes the canonical lock, which
// is held until Load finishes.
func (o *Orchestrator) merge(ctx context.Context, rc *RunContext) flow {
	var unkeyed []model.QuarantinedRecord
	out := o.runPhase(ctx, rc, model.PhaseMerge, phaseOpts{}, func(ctx context.Context) error {
		if rc.release == nil {
			release, err := o.store.LockCanonical(ctx)
			if err != nil {
				return eris.Wrap(err, "pipeline: lock canonical store")
			}
			rc.release = release
		}

		snap, err := o.store.Snapshot(ctx)
		if err != nil {
			return eris.Wrap(err, "pipeline: snapshot")
		}

		res := resolve.New(o.cfg.Resolve.FuzzyThreshold).Resolve(snap.Prospects, rc.Fragments, rc.Now)
		assign := make(map[string]string, len(res.Assignments))
		for id, a := range res.Assignments {
			assign[id] = a.EntityID
		}
		unkeyed = unkeyed[:0]
		for _, f := range rc.Fragments {
			if _, ok := assign[f.StagingID]; !ok {
				unkeyed = append(unkeyed, model.QuarantinedRecord{
					StagingID:    f.StagingID,
					RunID:        rc.Run.ID,
					ExtractionID: rc.ExtractionID,
					Source:       f.Source,
					Reason:       reasonNoIdentity,
					CreatedAt:    rc.Now,
				})
			}
		}

		groups := conflict.Group(rc.Fragments, assign, snap.FieldsByEntity())
		resolver := conflict.New(o.catalog, conflict.Options{
			RunID:        rc.Run.ID,
			ExtractionID: rc.ExtractionID,
			Concurrency:  rc.Config.ResolveConcurrency,
			Now:          rc.Now,
		})
		decisions, err := resolver.ResolveAll(ctx, groups)
		if err != nil {
			return err
		}
		rc.Decisions = decisions
		rc.Batch = o.buildBatch(rc, res, groups, decisions, unkeyed)

		methods := make(map[string]int, len(res.Counts))
		for m, n := range res.Counts {
			methods[string(m)] = n
		}
		rc.setMeta(model.PhaseMerge, "prospects_created", len(res.Created))
		rc.setMeta(model.PhaseMerge, "match_methods", methods)
		rc.setMeta(model.PhaseMerge, "entities", len(groups))
		rc.setMeta(model.PhaseMerge, "conflicts", len(rc.Batch.Conflicts))
		return nil
	})

	if out == model.OutcomeSuccess {
		for _, q := range unkeyed {
			o.quarantine(rc, model.PhaseMerge, q)
		}
		rc.Quarantined = append(rc.Quarantined, unkeyed...)
		rc.Run.RecordsQuarantined = len(rc.Quarantined)
		rc.Run.ConflictCount = len(rc.Batch.Conflicts)
		for i := range rc.Batch.Conflicts {
			o.metrics.Conflict(&rc.Batch.Conflicts[i])
		}
	}
	return escalate(rc, model.PhaseMerge, out)
}

func (o *Orchestrator) buildBatch(rc *RunContext, res *resolve.Result, groups []conflict.EntityGroup, decisions []conflict.Decision, unkeyed []model.QuarantinedRecord) *store.LoadBatch {
	batch := &store.LoadBatch{
		RunID:        rc.Run.ID,
		ExtractionID: rc.ExtractionID,
		Prospects:    res.Changed(),
		Lineage:      lineage.NewRecorder(rc.Run.ID, rc.ExtractionID, rc.Config.Actor).Record(decisions),
	}
	for _, g := range groups {
		batch.Observations = append(batch.Observations, g.Observations(rc.ExtractionID)...)
	}
	for _, d := range decisions {
		if d.Write != nil {
			batch.Fields = append(batch.Fields, *d.Write)
		}
		if d.Conflict != nil {
			batch.Conflicts = append(batch.Conflicts, *d.Conflict)
		}
	}
	batch.Quarantined = append(slices.Clone(rc.Quarantined), unkeyed...)
	batch.RecordsLoaded = len(batch.Fields)
	return batch
}

// --- Load ---

// load commits the batch in one transaction. Any failure rolls the whole
// batch back and fails the run.
func (o *Orchestrator) load(ctx context.Context, rc *RunContext) flow {
	defer rc.unlock()

	var committed *store.CommitResult
	out := o.runPhase(ctx, rc, model.PhaseLoad, phaseOpts{
		wrap: func(err error) error { return &resilience.TransactionError{Err: err} },
	}, func(ctx context.Context) error {
		res, err := o.store.Commit(ctx, rc.Batch)
		if err != nil {
			return err
		}
		committed = res
		rc.setMeta(model.PhaseLoad, "fields", len(rc.Batch.Fields))
		rc.setMeta(model.PhaseLoad, "prospects", len(rc.Batch.Prospects))
		rc.setMeta(model.PhaseLoad, "lineage_appended", res.LineageAppended)
		return nil
	})
	if out != model.OutcomeSuccess {
		return flowAbort
	}
	rc.Run.RecordsLoaded = rc.Batch.RecordsLoaded
	o.metrics.Loaded(rc.Batch.RecordsLoaded)
	zap.L().Debug("pipeline: batch committed",
		zap.String("component", "pipeline"),
		zap.String("run_id", rc.Run.ID),
		zap.Int64("lineage_appended", committed.LineageAppended),
	)
	return flowNext
}

// --- Publish ---

// publish measures the committed canonical state, raises alerts and
// refreshes the read aggregates.
func (o *Orchestrator) publish(ctx context.Context, rc *RunContext) flow {
	var raised []model.Alert
	out := o.runPhase(ctx, rc, model.PhasePublish, phaseOpts{}, func(ctx context.Context) error {
		snap, err := o.store.Snapshot(ctx)
		if err != nil {
			return eris.Wrap(err, "pipeline: snapshot")
		}
		report := o.evaluator.Evaluate(quality.FromSnapshot(snap), quality.Meta{
			RunID:        rc.Run.ID,
			ExtractionID: rc.ExtractionID,
			At:           rc.Now,
		})
		if err := o.store.SaveQualityMetrics(ctx, report.Metrics); err != nil {
			return err
		}
		rc.Report = report

		emitted, err := o.alerts.Emit(ctx, report.Metrics, rc.Run.ID)
		if err != nil {
			return err
		}
		raised = emitted.Raised

		if err := o.store.RefreshAggregates(ctx); err != nil {
			return err
		}
		bySeverity := make(map[string]int)
		for _, a := range raised {
			bySeverity[string(a.Severity)]++
		}
		rc.setMeta(model.PhasePublish, "metrics", len(report.Metrics))
		rc.setMeta(model.PhasePublish, "alerts_raised", bySeverity)
		rc.setMeta(model.PhasePublish, "alerts_suppressed", emitted.Suppressed)
		return nil
	})

	if rc.Report != nil {
		rc.Run.QualityScore = rc.Report.Score()
		if s := rc.Run.QualityScore; s != nil {
			o.metrics.QualityScore(*s)
		}
	}
	for _, a := range raised {
		o.metrics.AlertRaised(a)
	}
	return escalate(rc, model.PhasePublish, out)
}
