package quality

import (
	"github.com/sells-group/prospect-sync/internal/model"
	"github.com/sells-group/prospect-sync/internal/resolve"
)

// Observation is one source-reported field value for one prospect.
type Observation struct {
	EntityID string
	Position string
	Source   model.Source
	Field    string
	Value    model.Value
}

// Input is what the evaluator measures: the expected prospects per position
// and the values sources reported for them.
type Input struct {
	// Expected maps position to the prospect ids expected in that position.
	Expected     map[string][]string
	Observations []Observation
}

// FromSnapshot builds the evaluator input from the committed canonical
// state. Prospects that are not active are excluded on both sides.
func FromSnapshot(snap *model.CanonicalSnapshot) Input {
	in := Input{Expected: make(map[string][]string)}
	positions := make(map[string]string, len(snap.Prospects))
	for _, p := range snap.Prospects {
		if p.Status != "" && p.Status != model.ProspectActive {
			continue
		}
		positions[p.ID] = p.Position
		in.Expected[p.Position] = append(in.Expected[p.Position], p.ID)
	}
	for _, o := range snap.Observations {
		pos, ok := positions[o.EntityID]
		if !ok || o.Value.IsZero() {
			continue
		}
		in.Observations = append(in.Observations, Observation{
			EntityID: o.EntityID,
			Position: pos,
			Source:   o.Source,
			Field:    o.FieldName,
			Value:    o.Value,
		})
	}
	return in
}

// FromFragments builds a provisional input from transform output, before
// entity resolution. Prospects are identified by their normalized identity
// key, so the same player reported by two sources counts once.
func FromFragments(frags []model.Fragment) Input {
	in := Input{Expected: make(map[string][]string)}
	seen := make(map[string]bool)
	for _, f := range frags {
		k := resolve.NormalizeKey(f.Identity.FirstName, f.Identity.LastName, f.Identity.Position, f.Identity.College)
		if !k.Complete() {
			continue
		}
		id := k.String()
		if !seen[id] {
			seen[id] = true
			in.Expected[k.Position] = append(in.Expected[k.Position], id)
		}
		for name, ff := range f.Fields {
			if ff.Value.IsZero() {
				continue
			}
			in.Observations = append(in.Observations, Observation{
				EntityID: id,
				Position: k.Position,
				Source:   f.Source,
				Field:    name,
				Value:    ff.Value,
			})
		}
	}
	return in
}
