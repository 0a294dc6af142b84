// Package quality measures coverage, validity and statistical outliers of
// source data per (position, source) slice and rolls them up.
package quality

import (
	"maps"
	"math"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-sync/internal/config"
	"github.com/sells-group/prospect-sync/internal/model"
	"github.com/sells-group/prospect-sync/internal/rules"
)

// Options configures an Evaluator.
type Options struct {
	Detector Detector
	// Sources always get a slice per position, even when they reported
	// nothing. Defaults to model.KnownSources().
	Sources []model.Source
}

// OptionsFromConfig maps the quality config section onto Options.
func OptionsFromConfig(cfg config.QualityConfig) Options {
	return Options{Detector: Detector{
		Method:    cfg.OutlierMethod,
		Sigma:     cfg.ZScoreSigma,
		K:         cfg.IQRK,
		MinSample: cfg.MinSample,
	}}
}

// Evaluator computes quality metrics against a rules catalog.
type Evaluator struct {
	catalog *rules.Catalog
	opts    Options
}

// New returns an Evaluator, filling unset options with defaults.
func New(catalog *rules.Catalog, opts Options) *Evaluator {
	if opts.Detector.Method == "" {
		opts.Detector.Method = MethodZScore
	}
	if opts.Detector.Sigma <= 0 {
		opts.Detector.Sigma = 3
	}
	if opts.Detector.K <= 0 {
		opts.Detector.K = 1.5
	}
	if opts.Detector.MinSample <= 0 {
		opts.Detector.MinSample = 5
	}
	if len(opts.Sources) == 0 {
		opts.Sources = model.KnownSources()
	}
	return &Evaluator{catalog: catalog, opts: opts}
}

// Meta stamps the metrics of one evaluation.
type Meta struct {
	RunID        string
	ExtractionID string
	At           time.Time
}

// Report holds the metrics of one evaluation: slices first, then position,
// source and overall roll-ups.
type Report struct {
	Metrics []model.QualityMetric
}

// Scope returns the metrics of one scope.
func (r *Report) Scope(s model.Scope) []model.QualityMetric {
	var out []model.QualityMetric
	for _, m := range r.Metrics {
		if m.Scope == s {
			out = append(out, m)
		}
	}
	return out
}

// Overall returns the overall roll-up, or nil when nothing was expected.
func (r *Report) Overall() *model.QualityMetric {
	for i := range r.Metrics {
		if r.Metrics[i].Scope == model.ScopeOverall {
			return &r.Metrics[i]
		}
	}
	return nil
}

// Score returns the overall quality score, or nil.
func (r *Report) Score() *float64 {
	if o := r.Overall(); o != nil {
		s := o.QualityScore
		return &s
	}
	return nil
}

type tally struct {
	covered  map[string]bool
	n        int
	valid    int
	numeric  int
	outliers int
}

func (t *tally) add(o Observation, valid, numeric, outlier bool) {
	if t.covered == nil {
		t.covered = make(map[string]bool)
	}
	t.covered[o.EntityID] = true
	t.n++
	if valid {
		t.valid++
	}
	if numeric {
		t.numeric++
		if outlier {
			t.outliers++
		}
	}
}

// Evaluate measures in. Observations of fields outside the catalog and of
// prospects that are not expected are ignored.
func (e *Evaluator) Evaluate(in Input, meta Meta) *Report {
	if meta.At.IsZero() {
		meta.At = time.Now()
	}
	meta.At = meta.At.UTC()

	expected := make(map[string]map[string]bool, len(in.Expected))
	total := 0
	for pos, ids := range in.Expected {
		set := make(map[string]bool, len(ids))
		for _, id := range ids {
			set[id] = true
		}
		expected[pos] = set
		total += len(set)
	}
	if total == 0 {
		return &Report{}
	}

	obs := make([]Observation, 0, len(in.Observations))
	for _, o := range in.Observations {
		if _, ok := e.catalog.Fields[o.Field]; !ok {
			continue
		}
		if !expected[o.Position][o.EntityID] {
			continue
		}
		obs = append(obs, o)
	}
	outliers := e.flagOutliers(obs)

	tallies := make(map[model.Slice]*tally)
	get := func(s model.Slice) *tally {
		t, ok := tallies[s]
		if !ok {
			t = &tally{}
			tallies[s] = t
		}
		return t
	}
	sources := make(map[model.Source]bool, len(e.opts.Sources))
	for _, s := range e.opts.Sources {
		sources[s] = true
	}
	for i, o := range obs {
		spec, _ := e.catalog.Field(o.Field)
		valid, _ := spec.Check(o.Value)
		numeric := o.Value.IsNumeric()
		sources[o.Source] = true
		for _, s := range []model.Slice{
			{Position: o.Position, Source: o.Source},
			{Position: o.Position, Source: model.AllDimensions},
			{Position: model.AllDimensions, Source: o.Source},
			{Position: model.AllDimensions, Source: model.AllDimensions},
		} {
			get(s).add(o, valid, numeric, outliers[i])
		}
	}

	positions := slices.Sorted(maps.Keys(expected))
	srcs := slices.Sorted(maps.Keys(sources))
	metric := func(scope model.Scope, s model.Slice, exp int) model.QualityMetric {
		t := get(s)
		m := model.QualityMetric{
			ID:            uuid.NewString(),
			RunID:         meta.RunID,
			ExtractionID:  meta.ExtractionID,
			Scope:         scope,
			Slice:         s,
			Expected:      exp,
			Observed:      len(t.covered),
			CoveragePct:   pct(len(t.covered), exp, 0),
			ValidationPct: pct(t.valid, t.n, 100),
			OutlierPct:    pct(t.outliers, t.numeric, 0),
			ComputedAt:    meta.At,
		}
		m.QualityScore = round(model.QualityScore(m.CoveragePct, m.ValidationPct, m.OutlierPct))
		return m
	}

	rep := &Report{}
	for _, pos := range positions {
		for _, src := range srcs {
			rep.Metrics = append(rep.Metrics, metric(model.ScopeSlice, model.Slice{Position: pos, Source: src}, len(expected[pos])))
		}
	}
	for _, pos := range positions {
		rep.Metrics = append(rep.Metrics, metric(model.ScopePosition, model.Slice{Position: pos, Source: model.AllDimensions}, len(expected[pos])))
	}
	for _, src := range srcs {
		rep.Metrics = append(rep.Metrics, metric(model.ScopeSource, model.Slice{Position: model.AllDimensions, Source: src}, total))
	}
	rep.Metrics = append(rep.Metrics, metric(model.ScopeOverall, model.Slice{Position: model.AllDimensions, Source: model.AllDimensions}, total))

	zap.L().With(zap.String("component", "quality")).Debug("quality evaluated",
		zap.String("run_id", meta.RunID),
		zap.Int("metrics", len(rep.Metrics)),
		zap.Int("observations", len(obs)),
		zap.Float64("score", rep.Overall().QualityScore),
	)
	return rep
}

// flagOutliers tests numeric values per (position, field) across sources.
func (e *Evaluator) flagOutliers(obs []Observation) []bool {
	type group struct {
		idx    []int
		values []float64
	}
	groups := make(map[[2]string]*group)
	for i, o := range obs {
		if !o.Value.IsNumeric() {
			continue
		}
		k := [2]string{o.Position, o.Field}
		g, ok := groups[k]
		if !ok {
			g = &group{}
			groups[k] = g
		}
		g.idx = append(g.idx, i)
		g.values = append(g.values, o.Value.Float())
	}

	flags := make([]bool, len(obs))
	for _, g := range groups {
		for j, f := range e.opts.Detector.Flags(g.values) {
			flags[g.idx[j]] = f
		}
	}
	return flags
}

// pct returns 100·n/d rounded, or empty when d is zero.
func pct(n, d int, empty float64) float64 {
	if d == 0 {
		return empty
	}
	return round(100 * float64(n) / float64(d))
}

func round(x float64) float64 {
	return math.Round(x*1000) / 1000
}
