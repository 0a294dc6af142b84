package resolve

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-sync/internal/model"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var runAt = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func frag(stagingID string, src model.Source, first, last, pos, college, ext string) model.Fragment {
	return model.Fragment{
		StagingID:  stagingID,
		Source:     src,
		ExternalID: ext,
		Identity:   model.Identity{FirstName: first, LastName: last, Position: pos, College: college},
	}
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "J", NormalizeFirstName(" J. "))
	assert.Equal(t, "JOSE", NormalizeFirstName("José"))
	assert.Equal(t, "ONEIL", NormalizeLastName("O'Neil"))
	assert.Equal(t, "HARRISON", NormalizeLastName("Harrison Jr."))
	assert.Equal(t, "SMITH JONES", NormalizeLastName("Smith-Jones III"))
	assert.Equal(t, "V", NormalizeLastName("V"))
	assert.Equal(t, "QB", NormalizePosition(" qb "))
	assert.Equal(t, "EDGE", NormalizePosition("ed-ge"))
	assert.Equal(t, "STATE U", NormalizeCollege("State University"))
	assert.Equal(t, "STATE U", NormalizeCollege("State U."))
	assert.Equal(t, "TEXAS A AND M", NormalizeCollege("Texas A&M"))
	assert.Equal(t, "", NormalizeCollege("  "))
}

func TestNormalizeKey(t *testing.T) {
	k := NormalizeKey("J.", "Smith", "qb", "State University")
	assert.Equal(t, "J|SMITH|QB|STATE U", k.String())
	assert.True(t, k.Complete())
	assert.False(t, NormalizeKey("", "Smith", "QB", "State").Complete())
}

func TestSoundex(t *testing.T) {
	tests := map[string]string{
		"Robert":   "R163",
		"Rupert":   "R163",
		"Ashcraft": "A261",
		"Tymczak":  "T522",
		"Pfister":  "P236",
		"Smith":    "S530",
		"Smyth":    "S530",
		"Lee":      "L000",
		"":         "",
	}
	for in, want := range tests {
		assert.Equal(t, want, Soundex(in), in)
	}
}

func TestEditSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, EditSimilarity("SMITH", "SMITH"))
	assert.InDelta(t, 0.8, EditSimilarity("SMITH", "SMYTH"), 1e-9)
	assert.Equal(t, 1.0, EditSimilarity("", ""))
	assert.Equal(t, 0.0, EditSimilarity("ABC", "XYZ"))
}

func TestNameScore(t *testing.T) {
	assert.Equal(t, 1.0, NameScore("J", "SMITH", "JOHN", "SMITH"))
	assert.InDelta(t, 0.7*0.9+0.3, NameScore("JOHN", "SMYTH", "JOHN", "SMITH"), 1e-9)
	assert.InDelta(t, 0.7+0.3*0.75, NameScore("JON", "SMITH", "JOHN", "SMITH"), 1e-9)
	assert.Equal(t, 0.0, NameScore("M", "SMITH", "JOHN", "SMITH"))
	assert.Less(t, NameScore("JANE", "SMITH", "JOHN", "SMITH"), DefaultThreshold)
}

func TestResolve_FourSourcesOneProspect(t *testing.T) {
	r := New(0)
	frags := []model.Fragment{
		frag("s1", model.SourceGrading, "John", "Smith", "QB", "State U", ""),
		frag("s2", model.SourceCombine, "john", "SMITH", "qb", "State University", ""),
		frag("s3", model.SourceStats, "John", "Smith", "QB", "State U.", ""),
		frag("s4", model.SourceInjury, "John", "Smith", "QB", "State U", ""),
	}

	res := r.Resolve(nil, frags, runAt)
	require.Len(t, res.Created, 1)
	id := res.Created[0]
	for _, f := range frags {
		assert.Equal(t, id, res.Assignments[f.StagingID].EntityID, f.StagingID)
	}
	assert.Equal(t, model.ProspectID("JOHN|SMITH|QB|STATE U"), id)
	assert.Equal(t, 1, res.Counts[MethodCreated])
	assert.Equal(t, 3, res.Counts[MethodDeterministic])
	assert.Equal(t, model.ProspectActive, res.Prospects[id].Status)
}

func TestResolve_DistinctKeyComponents(t *testing.T) {
	r := New(0)
	base := frag("s1", model.SourceGrading, "John", "Smith", "QB", "State U", "")
	for name, other := range map[string]model.Fragment{
		"position": frag("s2", model.SourceCombine, "John", "Smith", "WR", "State U", ""),
		"college":  frag("s2", model.SourceCombine, "John", "Smith", "QB", "Tech", ""),
		"name":     frag("s2", model.SourceCombine, "Mike", "Jones", "QB", "State U", ""),
	} {
		res := r.Resolve(nil, []model.Fragment{base, other}, runAt)
		assert.Len(t, res.Created, 2, name)
		assert.NotEqual(t, res.Assignments["s1"].EntityID, res.Assignments["s2"].EntityID, name)
	}
}

func TestResolve_InitialMatchesFullName(t *testing.T) {
	r := New(0)
	res := r.Resolve(nil, []model.Fragment{
		frag("s1", model.SourceGrading, "J.", "Smith", "QB", "State U", ""),
		frag("s2", model.SourceCombine, "John", "Smith", "QB", "State U", ""),
	}, runAt)

	require.Len(t, res.Created, 1)
	assert.Equal(t, model.ProspectID("JOHN|SMITH|QB|STATE U"), res.Created[0])
	a := res.Assignments["s1"]
	assert.Equal(t, MethodFuzzy, a.Method)
	assert.Equal(t, res.Created[0], a.EntityID)
	assert.Equal(t, "John", res.Prospects[a.EntityID].FirstName)
	assert.Equal(t, "JOHN", res.Prospects[a.EntityID].NormFirst)
}

func TestResolve_InitialSeesEveryFullName(t *testing.T) {
	frags := []model.Fragment{
		frag("s1", model.SourceGrading, "J.", "Smith", "QB", "State U", ""),
		frag("s2", model.SourceCombine, "James", "Smith", "QB", "State U", ""),
		frag("s3", model.SourceStats, "John", "Smith", "QB", "State U", "st-7"),
	}

	res := New(0).Resolve(nil, frags, runAt)
	require.Len(t, res.Created, 2)
	james := res.Assignments["s2"].EntityID
	john := res.Assignments["s3"].EntityID
	assert.NotEqual(t, james, john)
	assert.Equal(t, MethodCreated, res.Assignments["s3"].Method)

	// Both full names score 1.0 against the initial; John has more coverage.
	assert.Equal(t, john, res.Assignments["s1"].EntityID)
	assert.Equal(t, MethodFuzzy, res.Assignments["s1"].Method)

	// Order of arrival does not change the outcome.
	again := New(0).Resolve(nil, []model.Fragment{frags[2], frags[0], frags[1]}, runAt)
	assert.Equal(t, john, again.Assignments["s1"].EntityID)
}

func TestResolve_ExternalIDPass(t *testing.T) {
	existing := []model.CanonicalProspect{{
		ID: "p1", FirstName: "Bryce", LastName: "Young", NormFirst: "BRYCE", NormLast: "YOUNG",
		Position: "QB", College: "ALABAMA", ExternalIDs: map[model.Source]string{model.SourceStats: "st-9"},
		Status: model.ProspectActive, CreatedAt: runAt.Add(-time.Hour),
	}}

	res := New(0).Resolve(existing, []model.Fragment{
		frag("s1", model.SourceStats, "B.J.", "Young-Smith", "QB", "Alabama", "st-9"),
	}, runAt)

	assert.Empty(t, res.Created)
	assert.Equal(t, Assignment{StagingID: "s1", EntityID: "p1", Method: MethodExternalID, Score: 1}, res.Assignments["s1"])
	assert.Empty(t, res.Prospects)
}

func TestResolve_FuzzyTieBreak(t *testing.T) {
	older := runAt.Add(-48 * time.Hour)
	newer := runAt.Add(-24 * time.Hour)
	existing := []model.CanonicalProspect{
		{ID: "b", NormFirst: "JON", NormLast: "SMITH", Position: "QB", College: "STATE U", CreatedAt: older},
		{ID: "a", NormFirst: "JOHNNY", NormLast: "SMITH", Position: "QB", College: "STATE U", CreatedAt: newer,
			ExternalIDs: map[model.Source]string{model.SourceCombine: "c1"}},
		{ID: "c", NormFirst: "JOHNNIE", NormLast: "SMITH", Position: "QB", College: "STATE U", CreatedAt: older},
	}

	// "J" is an initial: every candidate scores 1.0, so coverage decides.
	res := New(0).Resolve(existing, []model.Fragment{
		frag("s1", model.SourceGrading, "J", "Smith", "QB", "State U", ""),
	}, runAt)
	assert.Equal(t, "a", res.Assignments["s1"].EntityID)

	// Without coverage differences the earliest prospect wins, then the id.
	existing[1].ExternalIDs = nil
	res = New(0).Resolve(existing, []model.Fragment{
		frag("s1", model.SourceGrading, "J", "Smith", "QB", "State U", ""),
	}, runAt)
	assert.Equal(t, "b", res.Assignments["s1"].EntityID)
}

func TestResolve_Idempotent(t *testing.T) {
	r := New(0)
	frags := []model.Fragment{
		frag("s1", model.SourceGrading, "J.", "Smith", "QB", "State U", "g-1"),
		frag("s2", model.SourceCombine, "John", "Smith", "QB", "State U", ""),
		frag("s3", model.SourceStats, "Mike", "Jones", "RB", "Tech", "st-2"),
	}

	first := r.Resolve(nil, frags, runAt)
	second := r.Resolve(first.Changed(), frags, runAt.Add(24*time.Hour))

	assert.Empty(t, second.Created)
	assert.Empty(t, second.Prospects)
	for id, a := range first.Assignments {
		assert.Equal(t, a.EntityID, second.Assignments[id].EntityID)
	}

	// Input order does not matter.
	reversed := []model.Fragment{frags[2], frags[1], frags[0]}
	third := r.Resolve(nil, reversed, runAt)
	assert.Equal(t, first.Created, third.Created)
}

func TestResolve_IncompleteIdentitySkipped(t *testing.T) {
	res := New(0).Resolve(nil, []model.Fragment{
		frag("s1", model.SourceGrading, "...", "Smith", "QB", "State U", ""),
	}, runAt)
	assert.Empty(t, res.Assignments)
	assert.Empty(t, res.Created)
}

func TestNew_ThresholdDefault(t *testing.T) {
	assert.Equal(t, DefaultThreshold, New(1.5).threshold)
	assert.Equal(t, 0.9, New(0.9).threshold)
}
