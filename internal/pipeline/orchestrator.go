// Package pipeline drives one run through Extract, Transform, Validate,
// Merge, Load and Publish, applying the run's failure policy between
// phases and recording timings, counts and errors on the PipelineRun.
package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-sync/internal/config"
	"github.com/sells-group/prospect-sync/internal/metrics"
	"github.com/sells-group/prospect-sync/internal/model"
	"github.com/sells-group/prospect-sync/internal/monitoring"
	"github.com/sells-group/prospect-sync/internal/quality"
	"github.com/sells-group/prospect-sync/internal/resilience"
	"github.com/sells-group/prospect-sync/internal/rules"
	"github.com/sells-group/prospect-sync/internal/source"
	"github.com/sells-group/prospect-sync/internal/store"
	"github.com/sells-group/prospect-sync/internal/transform"
)

// Deps are the collaborators of an Orchestrator. Store, Registry and
// Catalog are required; the rest are built from config when nil. A nil
// Metrics records nothing.
type Deps struct {
	Store     store.Store
	Registry  *transform.Registry
	Catalog   *rules.Catalog
	Evaluator *quality.Evaluator
	Alerts    *monitoring.Manager
	Metrics   *metrics.Metrics
}

// Orchestrator runs pipeline runs against one canonical store.
type Orchestrator struct {
	cfg       *config.Config
	store     store.Store
	registry  *transform.Registry
	catalog   *rules.Catalog
	evaluator *quality.Evaluator
	alerts    *monitoring.Manager
	metrics   *metrics.Metrics
	now       func() time.Time
}

// New creates an Orchestrator.
func New(cfg *config.Config, deps Deps) (*Orchestrator, error) {
	if cfg == nil {
		return nil, eris.New("pipeline: config is required")
	}
	var problems []string
	if deps.Store == nil {
		problems = append(problems, "store is required")
	}
	if deps.Registry == nil {
		problems = append(problems, "transform registry is required")
	}
	if deps.Catalog == nil {
		problems = append(problems, "rules catalog is required")
	}
	if len(problems) > 0 {
		return nil, &resilience.ConfigurationError{Problems: problems}
	}

	o := &Orchestrator{
		cfg:       cfg,
		store:     deps.Store,
		registry:  deps.Registry,
		catalog:   deps.Catalog,
		evaluator: deps.Evaluator,
		alerts:    deps.Alerts,
		metrics:   deps.Metrics,
		now:       func() time.Time { return time.Now().UTC() },
	}
	if o.evaluator == nil {
		o.evaluator = quality.New(deps.Catalog, quality.OptionsFromConfig(cfg.Quality))
	}
	if o.alerts == nil {
		o.alerts = monitoring.NewManager(deps.Store, deps.Catalog, monitoring.RetentionDays(cfg.Monitoring.AlertRetentionDays))
	}
	return o, nil
}

// RunOptions selects what one run processes.
type RunOptions struct {
	// RunID is assigned when empty. Callers that hand the id out before
	// the run finishes set it themselves.
	RunID string
	// ExtractionID identifies the batch. A new id is assigned when empty.
	ExtractionID string
	// Adapters produce the staging records. Ignored when Replay is set.
	Adapters []source.Adapter
	// Replay re-processes the records already staged for ExtractionID
	// instead of extracting again.
	Replay bool
	// Policy overrides the configured failure policy.
	Policy model.FailurePolicy
}

// Run executes one run to a terminal status and returns its summary. A
// failed or partial run is not an error: the returned error is reserved for
// invalid options and run bookkeeping that could not be persisted.
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) (*model.RunSummary, error) {
	policy := opts.Policy
	if policy == "" {
		p, err := model.ParseFailurePolicy(o.cfg.Pipeline.FailurePolicy)
		if err != nil {
			return nil, &resilience.ConfigurationError{Problems: []string{err.Error()}}
		}
		policy = p
	}
	if opts.Replay && opts.ExtractionID == "" {
		return nil, eris.New("pipeline: replay requires an extraction id")
	}
	if !opts.Replay && len(opts.Adapters) == 0 {
		return nil, &resilience.ConfigurationError{Problems: []string{"no source adapters configured"}}
	}

	now := o.now()
	run := &model.PipelineRun{
		ID:            opts.RunID,
		ExtractionID:  opts.ExtractionID,
		Status:        model.RunRunning,
		FailurePolicy: policy,
		StartedAt:     now,
		SourceStatus:  make(map[model.Source]model.SourceStatus),
	}
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.ExtractionID == "" {
		run.ExtractionID = uuid.NewString()
	}

	log := zap.L().With(
		zap.String("component", "pipeline"),
		zap.String("run_id", run.ID),
		zap.String("extraction_id", run.ExtractionID),
	)

	if err := o.store.CreateRun(ctx, run); err != nil {
		return nil, eris.Wrap(err, "pipeline: create run")
	}
	log.Info("pipeline: run started",
		zap.String("policy", string(policy)),
		zap.Bool("replay", opts.Replay),
		zap.Int("adapters", len(opts.Adapters)),
	)

	rc := newRunContext(run, o.cfg.Pipeline, now)
	rc.adapters = opts.Adapters
	rc.replay = opts.Replay

	aborted := o.execute(ctx, rc)
	o.skipRemaining(rc)

	switch {
	case aborted:
		run.Status = model.RunFailed
	case rc.isPartial():
		run.Status = model.RunPartial
	default:
		run.Status = model.RunSuccess
	}
	finished := o.now()
	run.FinishedAt = &finished

	// The run record must reach a terminal state even when ctx is done.
	if err := o.store.FinalizeRun(context.WithoutCancel(ctx), run); err != nil {
		return nil, eris.Wrap(err, "pipeline: finalize run")
	}
	o.metrics.RunFinished(run.Status, finished)

	summary := run.Summary()
	log.Info("pipeline: run finished",
		zap.String("status", string(run.Status)),
		zap.Int64("duration_ms", summary.DurationMs),
		zap.Int("staged", run.RecordsStaged),
		zap.Int("transformed", run.RecordsTransformed),
		zap.Int("quarantined", run.RecordsQuarantined),
		zap.Int("loaded", run.RecordsLoaded),
		zap.Int("conflicts", run.ConflictCount),
		zap.Int("errors", len(run.ErrorSummary)),
	)
	return &summary, nil
}

// execute runs the phases in order and reports whether the run aborted.
func (o *Orchestrator) execute(ctx context.Context, rc *RunContext) bool {
	defer rc.unlock()

	phases := []func(context.Context, *RunContext) flow{
		o.extract,
		o.transform,
		o.validate,
		o.merge,
		o.load,
		o.publish,
	}
	for _, phase := range phases {
		switch phase(ctx, rc) {
		case flowStop:
			return false
		case flowAbort:
			return true
		}
	}
	return false
}
