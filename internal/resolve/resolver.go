// Package resolve assigns transformed fragments to canonical prospects using
// a deterministic key pass, an external-id pass and a fuzzy name pass.
package resolve

import (
	"maps"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/prospect-sync/internal/model"
)

// DefaultThreshold is the minimum fuzzy score for a match.
const DefaultThreshold = 0.88

// Method names how a fragment was matched.
type Method string

const (
	MethodDeterministic Method = "deterministic"
	MethodExternalID    Method = "external_id"
	MethodFuzzy         Method = "fuzzy"
	MethodCreated       Method = "created"
)

// Assignment maps one fragment to a canonical prospect.
type Assignment struct {
	StagingID string  `json:"staging_id"`
	EntityID  string  `json:"entity_id"`
	Method    Method  `json:"method"`
	Score     float64 `json:"score"`
}

// Result is the outcome of resolving one run's fragments.
type Result struct {
	// Assignments are keyed by staging id.
	Assignments map[string]Assignment
	// Prospects holds every prospect created or modified, by id.
	Prospects map[string]model.CanonicalProspect
	// Created lists ids of new prospects in creation order.
	Created []string
	// Counts tallies assignments per method.
	Counts map[Method]int
}

// Changed returns the created or modified prospects sorted by id.
func (r *Result) Changed() []model.CanonicalProspect {
	ids := slices.Sorted(maps.Keys(r.Prospects))
	out := make([]model.CanonicalProspect, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.Prospects[id])
	}
	return out
}

// Resolver matches fragments to prospects.
type Resolver struct {
	threshold float64
}

// New returns a resolver. A threshold outside (0, 1] uses DefaultThreshold.
func New(threshold float64) *Resolver {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	return &Resolver{threshold: threshold}
}

// index holds the prospect set being resolved against.
type index struct {
	byID     map[string]*model.CanonicalProspect
	byKey    map[string]string
	byExt    map[string]string
	byBucket map[string][]string
	keys     map[string]Key
}

func extKey(src model.Source, id string) string {
	return string(src) + "|" + id
}

func newIndex(existing []model.CanonicalProspect) *index {
	ix := &index{
		byID:     make(map[string]*model.CanonicalProspect, len(existing)),
		byKey:    make(map[string]string, len(existing)),
		byExt:    make(map[string]string),
		byBucket: make(map[string][]string),
		keys:     make(map[string]Key, len(existing)),
	}
	// Deterministic iteration regardless of caller order.
	sorted := slices.Clone(existing)
	slices.SortFunc(sorted, func(a, b model.CanonicalProspect) int { return strings.Compare(a.ID, b.ID) })
	for i := range sorted {
		sorted[i].ExternalIDs = maps.Clone(sorted[i].ExternalIDs)
		ix.add(&sorted[i])
	}
	return ix
}

func (ix *index) add(p *model.CanonicalProspect) {
	k := Key{First: p.NormFirst, Last: p.NormLast, Position: p.Position, College: p.College}
	ix.byID[p.ID] = p
	ix.keys[p.ID] = k
	if _, ok := ix.byKey[k.String()]; !ok {
		ix.byKey[k.String()] = p.ID
	}
	ix.byBucket[k.bucket()] = append(ix.byBucket[k.bucket()], p.ID)
	for src, ext := range p.ExternalIDs {
		ix.mapExternal(src, ext, p.ID)
	}
}

func (ix *index) mapExternal(src model.Source, ext, id string) {
	if ext == "" {
		return
	}
	if _, ok := ix.byExt[extKey(src, ext)]; !ok {
		ix.byExt[extKey(src, ext)] = id
	}
}

type keyedFragment struct {
	frag *model.Fragment
	key  Key
}

// Resolve assigns every fragment to a prospect. It is a pure function of
// its inputs: fragments are processed in identity-key order, full first
// names before initials so an initial sees every candidate, and at stamps
// any prospect it creates or modifies. Fragments with an incomplete key are
// skipped and left unassigned.
func (r *Resolver) Resolve(existing []model.CanonicalProspect, frags []model.Fragment, at time.Time) *Result {
	log := zap.L().With(zap.String("component", "resolve"))
	at = at.UTC()

	ix := newIndex(existing)
	res := &Result{
		Assignments: make(map[string]Assignment, len(frags)),
		Prospects:   make(map[string]model.CanonicalProspect),
		Counts:      make(map[Method]int),
	}

	ordered := make([]keyedFragment, 0, len(frags))
	for i := range frags {
		f := &frags[i]
		k := NormalizeKey(f.Identity.FirstName, f.Identity.LastName, f.Identity.Position, f.Identity.College)
		if !k.Complete() {
			log.Warn("fragment has incomplete identity", zap.String("staging_id", f.StagingID))
			continue
		}
		ordered = append(ordered, keyedFragment{frag: f, key: k})
	}
	slices.SortStableFunc(ordered, func(a, b keyedFragment) int {
		if ia, ib := isInitial(a.key.First), isInitial(b.key.First); ia != ib {
			if ia {
				return 1
			}
			return -1
		}
		if c := strings.Compare(a.key.String(), b.key.String()); c != 0 {
			return c
		}
		if c := strings.Compare(string(a.frag.Source), string(b.frag.Source)); c != 0 {
			return c
		}
		return strings.Compare(a.frag.StagingID, b.frag.StagingID)
	})

	for _, kf := range ordered {
		id, method, score := r.match(ix, kf)
		if method == MethodCreated {
			p := newProspect(kf, at)
			ix.add(&p)
			id = p.ID
			res.Created = append(res.Created, id)
			res.Prospects[id] = p
		}

		p := ix.byID[id]
		if absorb(p, kf.frag, at) || method == MethodCreated {
			ix.mapExternal(kf.frag.Source, kf.frag.ExternalID, id)
			res.Prospects[id] = cloneProspect(p)
		}

		res.Assignments[kf.frag.StagingID] = Assignment{
			StagingID: kf.frag.StagingID,
			EntityID:  id,
			Method:    method,
			Score:     score,
		}
		res.Counts[method]++
	}

	log.Debug("fragments resolved",
		zap.Int("fragments", len(ordered)),
		zap.Int("created", len(res.Created)),
		zap.Int("fuzzy", res.Counts[MethodFuzzy]),
	)
	return res
}

// match runs the three passes. MethodCreated means no prospect matched.
func (r *Resolver) match(ix *index, kf keyedFragment) (string, Method, float64) {
	if id, ok := ix.byKey[kf.key.String()]; ok {
		return id, MethodDeterministic, 1
	}
	if ext := kf.frag.ExternalID; ext != "" {
		if id, ok := ix.byExt[extKey(kf.frag.Source, ext)]; ok {
			return id, MethodExternalID, 1
		}
	}

	var (
		bestID    string
		bestScore float64
	)
	for _, id := range ix.byBucket[kf.key.bucket()] {
		k := ix.keys[id]
		score := NameScore(kf.key.First, kf.key.Last, k.First, k.Last)
		if score < r.threshold {
			continue
		}
		if bestID == "" || score > bestScore || (score == bestScore && preferred(ix.byID[id], ix.byID[bestID])) {
			bestID, bestScore = id, score
		}
	}
	if bestID != "" {
		return bestID, MethodFuzzy, bestScore
	}
	return "", MethodCreated, 0
}

// preferred orders equally scored candidates: most source coverage, then
// earliest creation, then id.
func preferred(a, b *model.CanonicalProspect) bool {
	if a.Coverage() != b.Coverage() {
		return a.Coverage() > b.Coverage()
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func newProspect(kf keyedFragment, at time.Time) model.CanonicalProspect {
	key := kf.key.String()
	return model.CanonicalProspect{
		ID:          model.ProspectID(key),
		FirstName:   strings.TrimSpace(kf.frag.Identity.FirstName),
		LastName:    strings.TrimSpace(kf.frag.Identity.LastName),
		NormFirst:   kf.key.First,
		NormLast:    kf.key.Last,
		Position:    kf.key.Position,
		College:     kf.key.College,
		ExternalIDs: make(map[model.Source]string),
		Status:      model.ProspectActive,
		CreatedAt:   at,
		UpdatedAt:   at,
	}
}

// absorb folds a matched fragment's external id and a fuller display first
// name into p. It reports whether p changed.
func absorb(p *model.CanonicalProspect, f *model.Fragment, at time.Time) bool {
	changed := false
	if f.ExternalID != "" && p.ExternalIDs[f.Source] != f.ExternalID {
		if p.ExternalIDs == nil {
			p.ExternalIDs = make(map[model.Source]string)
		}
		p.ExternalIDs[f.Source] = f.ExternalID
		changed = true
	}
	first := strings.TrimSpace(f.Identity.FirstName)
	if isInitial(NormalizeFirstName(p.FirstName)) && len(NormalizeFirstName(first)) > 1 {
		p.FirstName = first
		changed = true
	}
	if changed {
		p.UpdatedAt = at
	}
	return changed
}

func cloneProspect(p *model.CanonicalProspect) model.CanonicalProspect {
	c := *p
	c.ExternalIDs = maps.Clone(p.ExternalIDs)
	return c
}
