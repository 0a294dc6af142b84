// Package conflict arbitrates competing field values for each canonical
// prospect: tolerance bucketing first, then the category authority, then the
// field's secondary rule. Every disagreement beyond tolerance is recorded.
package conflict

import (
	"context"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/prospect-sync/internal/model"
	"github.com/sells-group/prospect-sync/internal/resilience"
	"github.com/sells-group/prospect-sync/internal/rules"
)

// Resolution rule names recorded on fields, conflicts and lineage.
const (
	RuleSingleSource = "single_source"
	RuleAgreement    = "tolerance_agreement"
	RuleAuthority    = "authority"
	RuleMostRecent   = "most_recent"
	RuleManualReview = "manual_review"
)

// EntityGroup is every candidate value reported for one prospect in one run,
// with the fields currently stored for it.
type EntityGroup struct {
	EntityID   string
	Candidates map[string][]model.Candidate
	Prior      map[string]model.CanonicalField
}

// Decision is the outcome for one field of one prospect.
type Decision struct {
	EntityID  string
	FieldName string
	// Rule is the resolution rule that decided the field.
	Rule string
	// Winner is the chosen candidate; nil when the field is left unchanged.
	Winner *model.Candidate
	// Write is the new field row; nil when the field is left unchanged.
	Write *model.CanonicalField
	// Prior is the stored field before this run, if any.
	Prior *model.CanonicalField
	// Conflict is set when sources disagreed beyond tolerance.
	Conflict *model.ConflictRecord
}

// Unresolved reports whether the field was flagged for manual review.
func (d Decision) Unresolved() bool {
	return d.Conflict != nil && d.Conflict.RequiresManualReview
}

// Options configures a Resolver.
type Options struct {
	RunID        string
	ExtractionID string
	// Concurrency bounds parallel entity resolution. Defaults to 4.
	Concurrency int
	// Now stamps written fields and conflict records.
	Now time.Time
}

// Resolver applies the rules catalog to entity groups.
type Resolver struct {
	catalog *rules.Catalog
	opts    Options
}

// New returns a resolver for one run.
func New(catalog *rules.Catalog, opts Options) *Resolver {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}
	opts.Now = opts.Now.UTC()
	return &Resolver{catalog: catalog, opts: opts}
}

// ResolveAll resolves every group. Groups share no state, so they run in
// parallel; results keep group order, fields sorted by name.
func (r *Resolver) ResolveAll(ctx context.Context, groups []EntityGroup) ([]Decision, error) {
	log := zap.L().With(zap.String("component", "conflict"))

	slots := make([][]Decision, len(groups))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Concurrency)
	for i := range groups {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return eris.Wrap(err, "conflict: resolve entities")
			}
			slots[i] = r.ResolveEntity(groups[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []Decision
	conflicts, manual := 0, 0
	for _, s := range slots {
		for _, d := range s {
			if d.Conflict != nil {
				conflicts++
			}
			if d.Unresolved() {
				manual++
				log.Debug("field needs manual review",
					zap.Error(&resilience.ConflictUnresolvableError{EntityID: d.EntityID, FieldName: d.FieldName}))
			}
		}
		out = append(out, s...)
	}
	log.Info("conflicts resolved",
		zap.Int("entities", len(groups)),
		zap.Int("fields", len(out)),
		zap.Int("conflicts", conflicts),
		zap.Int("manual_review", manual),
	)
	return out, nil
}

// ResolveEntity decides every field of one group.
func (r *Resolver) ResolveEntity(g EntityGroup) []Decision {
	names := slices.Sorted(maps.Keys(g.Candidates))
	out := make([]Decision, 0, len(names))
	for _, name := range names {
		spec, ok := r.catalog.Field(name)
		if !ok {
			continue
		}
		var prior *model.CanonicalField
		if p, ok := g.Prior[name]; ok {
			prior = &p
		}
		d, ok := r.resolveField(g.EntityID, spec, g.Candidates[name], prior)
		if ok {
			out = append(out, d)
		}
	}
	return out
}

func (r *Resolver) resolveField(entityID string, spec rules.FieldSpec, cands []model.Candidate, prior *model.CanonicalField) (Decision, bool) {
	authority, hasAuthority := r.catalog.Authority(spec.Category)

	cands = slices.Clone(cands)
	if spec.Exclusive {
		cands = slices.DeleteFunc(cands, func(c model.Candidate) bool {
			return c.Source != authority
		})
	}
	if len(cands) == 0 {
		return Decision{}, false
	}
	slices.SortFunc(cands, func(a, b model.Candidate) int { return strings.Compare(string(a.Source), string(b.Source)) })

	d := Decision{EntityID: entityID, FieldName: spec.Name, Prior: prior}
	if len(cands) == 1 {
		r.win(&d, cands[0], RuleSingleSource)
		return d, true
	}

	buckets := Buckets(cands, spec.Tolerance)
	if len(buckets) == 1 {
		r.win(&d, best(buckets[0]), RuleAgreement)
		return d, true
	}

	// Disagreement beyond tolerance.
	if hasAuthority {
		if c, ok := fromSource(cands, authority); ok {
			r.win(&d, c, RuleAuthority)
			d.Conflict = r.record(&d, cands, false)
			return d, true
		}
	}

	if spec.Secondary == rules.SecondaryMostRecent {
		if c, ok := mostRecent(cands, spec.Tolerance); ok {
			r.win(&d, c, RuleMostRecent)
			d.Conflict = r.record(&d, cands, false)
			return d, true
		}
	}

	d.Rule = RuleManualReview
	d.Conflict = r.record(&d, cands, true)
	return d, true
}

func (r *Resolver) win(d *Decision, c model.Candidate, rule string) {
	d.Rule = rule
	d.Winner = &c
	d.Write = &model.CanonicalField{
		EntityID:      d.EntityID,
		FieldName:     d.FieldName,
		Value:         c.Value,
		WinningSource: c.Source,
		Confidence:    c.Confidence,
		RuleID:        c.RuleID,
		ResolvedAt:    r.opts.Now,
	}
}

func (r *Resolver) record(d *Decision, cands []model.Candidate, manual bool) *model.ConflictRecord {
	values := make(map[model.Source]model.Value, len(cands))
	for _, c := range cands {
		values[c.Source] = c.Value
	}
	rec := &model.ConflictRecord{
		ID:                      uuid.NewString(),
		RunID:                   r.opts.RunID,
		ExtractionID:            r.opts.ExtractionID,
		EntityID:                d.EntityID,
		FieldName:               d.FieldName,
		CandidateValuesBySource: values,
		ToleranceExceeded:       true,
		ResolutionRule:          d.Rule,
		RequiresManualReview:    manual,
		CreatedAt:               r.opts.Now,
	}
	if d.Winner != nil {
		v := d.Winner.Value
		rec.ResolvedValue = &v
		rec.WinningSource = d.Winner.Source
	}
	return rec
}

func fromSource(cands []model.Candidate, src model.Source) (model.Candidate, bool) {
	for _, c := range cands {
		if c.Source == src {
			return c, true
		}
	}
	return model.Candidate{}, false
}

// mostRecent returns the latest candidate. If candidates sharing the latest
// timestamp disagree beyond tolerance, no winner can be chosen.
func mostRecent(cands []model.Candidate, tol float64) (model.Candidate, bool) {
	latest := cands[0].ObservedAt
	for _, c := range cands[1:] {
		if c.ObservedAt.After(latest) {
			latest = c.ObservedAt
		}
	}
	var tied []model.Candidate
	for _, c := range cands {
		if c.ObservedAt.Equal(latest) {
			tied = append(tied, c)
		}
	}
	if len(tied) > 1 && len(Buckets(tied, tol)) > 1 {
		return model.Candidate{}, false
	}
	return best(tied), true
}
