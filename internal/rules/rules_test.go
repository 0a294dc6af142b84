package rules

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/prospect-sync/internal/model"
	"github.com/sells-group/prospect-sync/internal/resilience"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Validate(Default()))
}

func TestLoad_OverridesDefaults(t *testing.T) {
	doc := `
rules:
  fields:
    weight_lbs:
      category: measurements
      kind: numeric
      tolerance: 3
      min: 140
      max: 420
      secondary: manual_review
  thresholds:
    outlier:
      direction: high_is_bad
      info: 2
      warning: 4
      critical: 8
`
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cat, err := Load(path)
	require.NoError(t, err)

	w, ok := cat.Field("weight_lbs")
	require.True(t, ok)
	assert.Equal(t, "weight_lbs", w.Name)
	assert.Equal(t, 3.0, w.Tolerance)
	assert.Equal(t, SecondaryManualReview, w.Secondary)

	// Untouched entries keep their defaults.
	h, ok := cat.Field("height_in")
	require.True(t, ok)
	assert.Equal(t, 0.25, h.Tolerance)
	require.NotNil(t, cat.Thresholds[model.AlertOutlier].Info)
	assert.Equal(t, 80.0, cat.Thresholds[model.AlertCoverage].Warning)
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	cat, err := Load("")
	require.NoError(t, err)
	src, ok := cat.Authority(CategoryGrades)
	require.True(t, ok)
	assert.Equal(t, model.SourceGrading, src)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	cat := Default()
	delete(cat.Authorities, CategoryProduction)
	delete(cat.Thresholds, model.AlertOutlier)
	f := cat.Fields["pass_yds"]
	f.Secondary = SecondaryNone
	cat.Fields["pass_yds"] = f
	delete(cat.Authorities, CategoryInjury)

	err := Validate(cat)
	require.Error(t, err)
	var cfgErr *resilience.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Contains(t, err.Error(), "pass_yds")
	assert.Contains(t, err.Error(), "no threshold for outlier")
	assert.Contains(t, err.Error(), "exclusive field needs an authority")
}

func TestValidate_ThresholdOrdering(t *testing.T) {
	cat := Default()
	cat.Thresholds[model.AlertCoverage] = Threshold{Direction: LowIsBad, Warning: 60, Critical: 80}
	err := Validate(cat)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "critical above warning")
}

func TestThresholdClassify(t *testing.T) {
	info := 90.0
	low := Threshold{Direction: LowIsBad, Info: &info, Warning: 80, Critical: 60}

	sev, limit, ok := low.Classify(55)
	require.True(t, ok)
	assert.Equal(t, model.SeverityCritical, sev)
	assert.Equal(t, 60.0, limit)

	sev, _, ok = low.Classify(70)
	require.True(t, ok)
	assert.Equal(t, model.SeverityWarning, sev)

	sev, _, ok = low.Classify(85)
	require.True(t, ok)
	assert.Equal(t, model.SeverityInfo, sev)

	_, _, ok = low.Classify(95)
	assert.False(t, ok)

	high := Threshold{Direction: HighIsBad, Warning: 5, Critical: 10}
	sev, _, ok = high.Classify(12)
	require.True(t, ok)
	assert.Equal(t, model.SeverityCritical, sev)
	_, _, ok = high.Classify(5)
	assert.False(t, ok)
}

func TestThresholdFor_PrefersOverride(t *testing.T) {
	cat := Default()
	th, ok := cat.ThresholdFor(model.AlertCoverage, model.SourceInjury)
	require.True(t, ok)
	_, _, breached := th.Classify(3)
	assert.False(t, breached)

	th, ok = cat.ThresholdFor(model.AlertCoverage, model.SourceCombine)
	require.True(t, ok)
	_, _, breached = th.Classify(3)
	assert.True(t, breached)
}

func TestFieldSpecCheck(t *testing.T) {
	cat := Default()
	weight, _ := cat.Field("weight_lbs")
	ok, _ := weight.Check(model.NumberValue(215))
	assert.True(t, ok)
	ok, reason := weight.Check(model.NumberValue(40))
	assert.False(t, ok)
	assert.Contains(t, reason, "below minimum")
	ok, _ = weight.Check(model.TextValue("heavy"))
	assert.False(t, ok)

	status, _ := cat.Field("injury_status")
	ok, _ = status.Check(model.TextValue("Questionable"))
	assert.True(t, ok)
	ok, _ = status.Check(model.TextValue("day-to-day"))
	assert.False(t, ok)
}
