package transform

import (
	"math"
	"strings"

	"github.com/rotisserie/eris"
)

// Canonical grade bounds.
const (
	GradeMin = 5.0
	GradeMax = 10.0
)

// ScaleRule maps one raw grading scale linearly onto the canonical
// 5.0 to 10.0 scale. Rule ids are versioned; changing a mapping means adding a
// new rule, never editing an old one, so lineage stays interpretable.
type ScaleRule struct {
	ID  string
	Min float64
	Max float64
}

// Scale rules by scale name.
var scaleRules = map[string]ScaleRule{
	"pct100":    {ID: "grade.pct100.v1", Min: 0, Max: 100},
	"draft8":    {ID: "grade.draft8.v1", Min: 4, Max: 8},
	"unit":      {ID: "grade.unit.v1", Min: 0, Max: 1},
	"canonical": {ID: "grade.canonical.v1", Min: GradeMin, Max: GradeMax},
}

// LookupScale returns the rule for a scale name. Names are matched
// case-insensitively and may be given as the rule id.
func LookupScale(name string) (ScaleRule, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if r, ok := scaleRules[key]; ok {
		return r, nil
	}
	for _, r := range scaleRules {
		if r.ID == key {
			return r, nil
		}
	}
	return ScaleRule{}, eris.Errorf("transform: unknown grade scale %q", name)
}

// Apply maps a raw grade onto the canonical scale. A grade outside the
// rule's declared range is rejected.
func (r ScaleRule) Apply(raw float64) (float64, error) {
	if math.IsNaN(raw) || raw < r.Min || raw > r.Max {
		return 0, eris.Errorf("transform: grade %v outside scale %s [%v, %v]", raw, r.ID, r.Min, r.Max)
	}
	v := GradeMin + (raw-r.Min)/(r.Max-r.Min)*(GradeMax-GradeMin)
	return math.Round(v*1000) / 1000, nil
}
