package conflict

import (
	"maps"
	"slices"
	"strings"

	"github.com/sells-group/prospect-sync/internal/model"
)

// Group collects fragment fields into one EntityGroup per assigned prospect,
// sorted by entity id. assign maps staging ids to entity ids; fragments
// without an assignment are ignored. When a source reports the same field
// twice for one prospect, the most recent reading wins, then the more
// confident one, then the lower staging id.
func Group(frags []model.Fragment, assign map[string]string, prior map[string]map[string]model.CanonicalField) []EntityGroup {
	type reading struct {
		cand      model.Candidate
		stagingID string
	}
	// entity -> field -> source -> reading
	acc := make(map[string]map[string]map[model.Source]reading)

	for _, f := range frags {
		entityID, ok := assign[f.StagingID]
		if !ok {
			continue
		}
		byField, ok := acc[entityID]
		if !ok {
			byField = make(map[string]map[model.Source]reading)
			acc[entityID] = byField
		}
		for name, ff := range f.Fields {
			if ff.Value.IsZero() {
				continue
			}
			bySource, ok := byField[name]
			if !ok {
				bySource = make(map[model.Source]reading)
				byField[name] = bySource
			}
			next := reading{
				cand: model.Candidate{
					Source:     f.Source,
					Value:      ff.Value,
					Confidence: ff.Confidence,
					ObservedAt: ff.ObservedAt,
					RuleID:     ff.RuleID,
				},
				stagingID: f.StagingID,
			}
			if cur, ok := bySource[f.Source]; ok && !supersedes(next.cand, next.stagingID, cur.cand, cur.stagingID) {
				continue
			}
			bySource[f.Source] = next
		}
	}

	ids := slices.Sorted(maps.Keys(acc))
	out := make([]EntityGroup, 0, len(ids))
	for _, id := range ids {
		g := EntityGroup{
			EntityID:   id,
			Candidates: make(map[string][]model.Candidate, len(acc[id])),
			Prior:      prior[id],
		}
		for name, bySource := range acc[id] {
			srcs := slices.Sorted(maps.Keys(bySource))
			cands := make([]model.Candidate, 0, len(srcs))
			for _, s := range srcs {
				cands = append(cands, bySource[s].cand)
			}
			g.Candidates[name] = cands
		}
		out = append(out, g)
	}
	return out
}

func supersedes(a model.Candidate, aID string, b model.Candidate, bID string) bool {
	if !a.ObservedAt.Equal(b.ObservedAt) {
		return a.ObservedAt.After(b.ObservedAt)
	}
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	return strings.Compare(aID, bID) < 0
}

// Observations returns the latest reading of every source for every field
// of the group, sorted by field then source.
func (g EntityGroup) Observations(extractionID string) []model.SourceObservation {
	var out []model.SourceObservation
	for _, name := range slices.Sorted(maps.Keys(g.Candidates)) {
		for _, c := range g.Candidates[name] {
			out = append(out, model.SourceObservation{
				EntityID:     g.EntityID,
				Source:       c.Source,
				FieldName:    name,
				Value:        c.Value,
				ExtractionID: extractionID,
				ObservedAt:   c.ObservedAt,
			})
		}
	}
	return out
}
