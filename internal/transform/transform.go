// Package transform maps raw staging records onto canonical field fragments.
// Each source family has exactly one transformer in a closed registry.
package transform

import (
	"context"
	"slices"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/prospect-sync/internal/model"
)

// Transformer normalizes the records of one source. Transform never fails
// the run: malformed input is reported as a quarantine result.
type Transformer interface {
	Source() model.Source
	Transform(rec model.StagingRecord) model.TransformResult
}

// Options configures the built-in transformers.
type Options struct {
	// DefaultGradeScale names the scale of grading feeds that carry no
	// scale column. Defaults to "canonical".
	DefaultGradeScale string
}

// Registry maps sources to their transformers.
type Registry struct {
	transformers map[model.Source]Transformer
}

// NewRegistry creates a registry populated with the built-in transformers.
func NewRegistry(opts Options) (*Registry, error) {
	scale := opts.DefaultGradeScale
	if scale == "" {
		scale = "canonical"
	}
	rule, err := LookupScale(scale)
	if err != nil {
		return nil, err
	}

	r := &Registry{transformers: make(map[model.Source]Transformer)}
	for _, t := range []Transformer{NewGrading(rule), NewCombine(), NewStats(), NewInjury()} {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a transformer. A source may be registered once.
func (r *Registry) Register(t Transformer) error {
	if _, ok := r.transformers[t.Source()]; ok {
		return eris.Errorf("transform: source %q already registered", t.Source())
	}
	r.transformers[t.Source()] = t
	return nil
}

// Get returns the transformer for a source.
func (r *Registry) Get(src model.Source) (Transformer, error) {
	t, ok := r.transformers[src]
	if !ok {
		return nil, eris.Errorf("transform: no transformer for source %q", src)
	}
	return t, nil
}

// Sources returns the registered sources, sorted.
func (r *Registry) Sources() []model.Source {
	out := make([]model.Source, 0, len(r.transformers))
	for src := range r.transformers {
		out = append(out, src)
	}
	slices.Sort(out)
	return out
}

// Output pairs a staging record with its transform result.
type Output struct {
	Record model.StagingRecord
	Result model.TransformResult
}

// Outputs is the collected result of one Transform phase, in input order.
type Outputs []Output

// Fragments returns the successful fragments, in input order.
func (o Outputs) Fragments() []model.Fragment {
	var out []model.Fragment
	for _, x := range o {
		if x.Result.Outcome == model.OutcomeSuccess && x.Result.Fragment != nil {
			out = append(out, *x.Result.Fragment)
		}
	}
	return out
}

// Quarantined returns the records that failed to transform.
func (o Outputs) Quarantined() []Output {
	var out []Output
	for _, x := range o {
		if x.Result.Outcome == model.OutcomeQuarantined {
			out = append(out, x)
		}
	}
	return out
}

// CountBySource tallies outcomes per source.
func (o Outputs) CountBySource() map[model.Source]map[model.Outcome]int {
	out := make(map[model.Source]map[model.Outcome]int)
	for _, x := range o {
		m, ok := out[x.Record.Source]
		if !ok {
			m = make(map[model.Outcome]int)
			out[x.Record.Source] = m
		}
		m[x.Result.Outcome]++
	}
	return out
}

// TransformAll dispatches every record to its source's transformer. Sources
// run concurrently; each writes only its own slots of the result. Records
// with no registered transformer are quarantined. Cancellation of ctx stops
// all sources and returns the context error.
func (r *Registry) TransformAll(ctx context.Context, recs []model.StagingRecord) (Outputs, error) {
	log := zap.L().With(zap.String("component", "transform"))

	bySource := make(map[model.Source][]int)
	for i, rec := range recs {
		bySource[rec.Source] = append(bySource[rec.Source], i)
	}

	out := make(Outputs, len(recs))
	g, gctx := errgroup.WithContext(ctx)
	for src, idx := range bySource {
		t, err := r.Get(src)
		if err != nil {
			for _, i := range idx {
				out[i] = Output{Record: recs[i], Result: model.Quarantined(err.Error())}
			}
			continue
		}
		g.Go(func() error {
			quarantined := 0
			for _, i := range idx {
				if err := gctx.Err(); err != nil {
					return eris.Wrapf(err, "transform: source %s", src)
				}
				res := t.Transform(recs[i])
				if res.Outcome == model.OutcomeQuarantined {
					quarantined++
				}
				out[i] = Output{Record: recs[i], Result: res}
			}
			log.Debug("source transformed",
				zap.String("source", string(src)),
				zap.Int("records", len(idx)),
				zap.Int("quarantined", quarantined),
			)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
