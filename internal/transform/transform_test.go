package transform

import (
	"context"
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

var received = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func record(t *testing.T, src model.Source, payload map[string]any) model.StagingRecord {
	t.Helper()
	rec, err := model.NewStagingRecord(src, "ext-1", payload, received)
	require.NoError(t, err)
	return rec
}

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry(Options{})
	require.NoError(t, err)
	return r
}

func TestParseHeight(t *testing.T) {
	tests := []struct {
		in   string
		want float64
		rule string
	}{
		{"6-2", 74, RuleHeightFeetInches},
		{"6-2.5", 74.5, RuleHeightFeetInches},
		{`6'2"`, 74, RuleHeightFeetInches},
		{`6' 2.5"`, 74.5, RuleHeightFeetInches},
		{"6 ft 1 in", 73, RuleHeightFeetInches},
		{"6022", 74.25, RuleHeightScout},
		{"5114", 71.5, RuleHeightScout},
		{"74", 74, RuleHeightInches},
		{"73 1/2", 73.5, RuleHeightInches},
		{`74.25"`, 74.25, RuleHeightInches},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, rule, err := ParseHeight(tt.in)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
			assert.Equal(t, tt.rule, rule)
		})
	}
}

func TestParseHeight_Invalid(t *testing.T) {
	for _, in := range []string{"", "tall", "6-13", "6132", "6029", `6'14"`} {
		_, _, err := ParseHeight(in)
		assert.Error(t, err, in)
	}
}

func TestParseWeight(t *testing.T) {
	tests := []struct {
		in   string
		want float64
		rule string
	}{
		{"215", 215, RuleWeightLbs},
		{"215 lbs", 215, RuleWeightLbs},
		{"215lb", 215, RuleWeightLbs},
		{"97.5 kg", 215, RuleWeightKg},
		{"215 lbs / 97.5 kg", 215, RuleWeightLbs},
		{"97.5 kg (216 lbs)", 216, RuleWeightLbs},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, rule, err := ParseWeight(tt.in)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 0.05)
			assert.Equal(t, tt.rule, rule)
		})
	}
}

func TestParseWeight_Invalid(t *testing.T) {
	for _, in := range []string{"", "heavy", "215 stone", "/"} {
		_, _, err := ParseWeight(in)
		assert.Error(t, err, in)
	}
}

func TestParseInches_Fractions(t *testing.T) {
	got, err := ParseInches("32 1/4")
	require.NoError(t, err)
	assert.InDelta(t, 32.25, got, 1e-9)

	got, err = ParseInches("9-5/8")
	require.NoError(t, err)
	assert.InDelta(t, 9.625, got, 1e-9)

	got, err = ParseInches("3/4")
	require.NoError(t, err)
	assert.InDelta(t, 0.75, got, 1e-9)

	_, err = ParseInches("9 5/0")
	assert.Error(t, err)
}

func TestParseLength_FeetInches(t *testing.T) {
	got, rule, err := ParseLength(`9'10"`)
	require.NoError(t, err)
	assert.InDelta(t, 118, got, 1e-9)
	assert.Equal(t, RuleLengthFeetInches, rule)

	got, rule, err = ParseLength("118")
	require.NoError(t, err)
	assert.InDelta(t, 118, got, 1e-9)
	assert.Equal(t, RuleLengthInches, rule)
}

func TestParseNumber(t *testing.T) {
	n, err := ParseNumber(" 3,412 ")
	require.NoError(t, err)
	assert.Equal(t, 3412.0, n)

	_, err = ParseNumber("NaN")
	assert.Error(t, err)
	_, err = ParseNumber("")
	assert.Error(t, err)
}

func TestScaleRule_Apply(t *testing.T) {
	tests := []struct {
		scale string
		raw   float64
		want  float64
		id    string
	}{
		{"pct100", 0, 5, "grade.pct100.v1"},
		{"pct100", 80, 9, "grade.pct100.v1"},
		{"draft8", 6, 7.5, "grade.draft8.v1"},
		{"unit", 0.5, 7.5, "grade.unit.v1"},
		{"canonical", 8.4, 8.4, "grade.canonical.v1"},
		{"GRADE.DRAFT8.V1", 8, 10, "grade.draft8.v1"},
	}
	for _, tt := range tests {
		rule, err := LookupScale(tt.scale)
		require.NoError(t, err)
		got, err := rule.Apply(tt.raw)
		require.NoError(t, err)
		assert.InDelta(t, tt.want, got, 1e-9, tt.scale)
		assert.Equal(t, tt.id, rule.ID)
	}
}

func TestScaleRule_OutOfRange(t *testing.T) {
	rule, err := LookupScale("draft8")
	require.NoError(t, err)
	_, err = rule.Apply(8.5)
	assert.Error(t, err)

	_, err = LookupScale("stars")
	assert.Error(t, err)
}

func TestGrading_Transform(t *testing.T) {
	r := newRegistry(t)
	tr, err := r.Get(model.SourceGrading)
	require.NoError(t, err)

	res := tr.Transform(record(t, model.SourceGrading, map[string]any{
		"name": "John Smith", "position": "QB", "college": "State U",
		"grade": "88", "scale": "pct100", "weight": "215 lbs", "as_of": "2026-02-20",
	}))
	require.Equal(t, model.OutcomeSuccess, res.Outcome)
	frag := res.Fragment
	assert.Equal(t, "John", frag.Identity.FirstName)
	assert.Equal(t, "Smith", frag.Identity.LastName)
	assert.InDelta(t, 9.4, frag.Fields["grade"].Value.Float(), 1e-9)
	assert.Equal(t, "grade.pct100.v1", frag.Fields["grade"].RuleID)
	assert.Equal(t, 215.0, frag.Fields["weight_lbs"].Value.Float())
	assert.Equal(t, secondaryConfidence, frag.Fields["weight_lbs"].Confidence)
	assert.Equal(t, time.Date(2026, 2, 20, 0, 0, 0, 0, time.UTC), frag.ObservedAt)
}

func TestGrading_NonNumericGradeQuarantined(t *testing.T) {
	r := newRegistry(t)
	tr, _ := r.Get(model.SourceGrading)

	res := tr.Transform(record(t, model.SourceGrading, map[string]any{
		"name": "John Smith", "position": "QB", "college": "State U", "grade": "A+",
	}))
	assert.Equal(t, model.OutcomeQuarantined, res.Outcome)
	assert.Contains(t, res.Reason, "non-numeric grade")
	assert.Nil(t, res.Fragment)
}

func TestGrading_GradeOutsideScaleQuarantined(t *testing.T) {
	r := newRegistry(t)
	tr, _ := r.Get(model.SourceGrading)

	res := tr.Transform(record(t, model.SourceGrading, map[string]any{
		"name": "John Smith", "position": "QB", "college": "State U", "grade": 11.0,
	}))
	assert.Equal(t, model.OutcomeQuarantined, res.Outcome)
	assert.Contains(t, res.Reason, "grade.canonical.v1")
}

func TestCombine_Transform(t *testing.T) {
	r := newRegistry(t)
	tr, _ := r.Get(model.SourceCombine)

	res := tr.Transform(record(t, model.SourceCombine, map[string]any{
		"first_name": "Jalen", "last_name": "Carter", "position": "DT", "college": "Georgia",
		"height": "6022", "weight": "97.5 kg", "arms": "32 1/4", "hands": "9 5/8",
		"forty": "4.84", "broad_jump": `9'10"`, "bench": "", "player_id": "cmb-7",
	}))
	require.Equal(t, model.OutcomeSuccess, res.Outcome)
	f := res.Fragment.Fields
	assert.InDelta(t, 74.25, f["height_in"].Value.Float(), 1e-9)
	assert.Equal(t, RuleHeightScout, f["height_in"].RuleID)
	assert.InDelta(t, 215, f["weight_lbs"].Value.Float(), 0.05)
	assert.Equal(t, RuleWeightKg, f["weight_lbs"].RuleID)
	assert.InDelta(t, 32.25, f["arm_length_in"].Value.Float(), 1e-9)
	assert.InDelta(t, 9.625, f["hand_size_in"].Value.Float(), 1e-9)
	assert.InDelta(t, 118, f["broad_jump_in"].Value.Float(), 1e-9)
	assert.NotContains(t, f, "bench_reps")
	assert.Equal(t, combineConfidence, f["height_in"].Confidence)
	assert.Equal(t, "cmb-7", res.Fragment.ExternalID)
	assert.Equal(t, received, res.Fragment.ObservedAt)
}

func TestCombine_UnparseableMeasurementQuarantined(t *testing.T) {
	r := newRegistry(t)
	tr, _ := r.Get(model.SourceCombine)

	res := tr.Transform(record(t, model.SourceCombine, map[string]any{
		"name": "Carter, Jalen", "position": "DT", "college": "Georgia", "height": "six two",
	}))
	assert.Equal(t, model.OutcomeQuarantined, res.Outcome)
	assert.Contains(t, res.Reason, "height_in")
}

func TestIdentity_MissingFieldsQuarantined(t *testing.T) {
	r := newRegistry(t)
	tr, _ := r.Get(model.SourceStats)

	tests := map[string]map[string]any{
		"missing prospect name": {"position": "QB", "college": "State U"},
		"missing position":      {"name": "John Smith", "college": "State U"},
		"missing college":       {"name": "John Smith", "position": "QB"},
	}
	for reason, payload := range tests {
		res := tr.Transform(record(t, model.SourceStats, payload))
		assert.Equal(t, model.OutcomeQuarantined, res.Outcome, reason)
		assert.Equal(t, reason, res.Reason)
	}
}

func TestSplitName(t *testing.T) {
	f, l := splitName("Smith, J.")
	assert.Equal(t, "J.", f)
	assert.Equal(t, "Smith", l)

	f, l = splitName("  Marvin   Harrison Jr. ")
	assert.Equal(t, "Marvin", f)
	assert.Equal(t, "Harrison Jr.", l)

	f, l = splitName("Prince")
	assert.Equal(t, "", f)
	assert.Equal(t, "Prince", l)
}

func TestInjury_Transform(t *testing.T) {
	r := newRegistry(t)
	tr, _ := r.Get(model.SourceInjury)

	res := tr.Transform(record(t, model.SourceInjury, map[string]any{
		"name": "John Smith", "position": "QB", "college": "State U",
		"status": "Questionable", "note": "hamstring",
	}))
	require.Equal(t, model.OutcomeSuccess, res.Outcome)
	assert.Equal(t, "questionable", res.Fragment.Fields["injury_status"].Value.Text)
	assert.Equal(t, "hamstring", res.Fragment.Fields["injury_note"].Value.Text)
}

func TestRegistry_DuplicateAndUnknown(t *testing.T) {
	r := newRegistry(t)
	assert.Error(t, r.Register(NewCombine()))
	assert.Len(t, r.Sources(), 4)

	_, err := r.Get(model.Source("scouting"))
	assert.Error(t, err)

	_, err = NewRegistry(Options{DefaultGradeScale: "stars"})
	assert.Error(t, err)
}

func TestTransformAll(t *testing.T) {
	r := newRegistry(t)
	recs := []model.StagingRecord{
		record(t, model.SourceGrading, map[string]any{"name": "J. Smith", "position": "QB", "college": "State U", "grade": "8.1", "weight": "215"}),
		record(t, model.SourceCombine, map[string]any{"name": "J. Smith", "position": "QB", "college": "State U", "weight": "218"}),
		record(t, model.SourceStats, map[string]any{"name": "J. Smith", "position": "QB", "college": "State U", "weight": "260", "pass_yds": "3,412"}),
		record(t, model.SourceGrading, map[string]any{"name": "Bad Grade", "position": "QB", "college": "State U", "grade": "n/a"}),
		record(t, model.Source("scouting"), map[string]any{"name": "X Y"}),
	}

	out, err := r.TransformAll(context.Background(), recs)
	require.NoError(t, err)
	require.Len(t, out, len(recs))
	for i := range recs {
		assert.Equal(t, recs[i].ID, out[i].Record.ID)
	}

	frags := out.Fragments()
	require.Len(t, frags, 3)
	assert.Equal(t, model.SourceGrading, frags[0].Source)
	assert.Equal(t, 3412.0, frags[2].Fields["pass_yds"].Value.Float())

	q := out.Quarantined()
	require.Len(t, q, 2)
	assert.Contains(t, q[1].Result.Reason, "no transformer")

	counts := out.CountBySource()
	assert.Equal(t, 1, counts[model.SourceGrading][model.OutcomeSuccess])
	assert.Equal(t, 1, counts[model.SourceGrading][model.OutcomeQuarantined])
}

func TestTransformAll_Cancelled(t *testing.T) {
	r := newRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.TransformAll(ctx, []model.StagingRecord{
		record(t, model.SourceCombine, map[string]any{"name": "J. Smith", "position": "QB", "college": "State U"}),
	})
	assert.ErrorIs(t, err, context.Canceled)
}
