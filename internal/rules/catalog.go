// Package rules holds the field catalog that drives validation, conflict
// arbitration and alert classification.
package rules

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/sells-group/prospect-sync/internal/model"
)

// Category groups fields that share an authority source.
type Category string

const (
	CategoryGrades       Category = "grades"
	CategoryMeasurements Category = "measurements"
	CategoryProduction   Category = "production"
	CategoryInjury       Category = "injury"
)

// Kind is the value kind of a field.
type Kind string

const (
	KindNumeric Kind = "numeric"
	KindText    Kind = "text"
)

// SecondaryRule decides contested fields when no authority applies.
type SecondaryRule string

const (
	SecondaryNone         SecondaryRule = ""
	SecondaryMostRecent   SecondaryRule = "most_recent"
	SecondaryManualReview SecondaryRule = "manual_review"
)

// Direction says which side of a threshold is bad.
type Direction string

const (
	LowIsBad  Direction = "low_is_bad"
	HighIsBad Direction = "high_is_bad"
)

// FieldSpec declares how one canonical field is validated and arbitrated.
type FieldSpec struct {
	Name      string        `yaml:"-"`
	Category  Category      `yaml:"category"`
	Kind      Kind          `yaml:"kind"`
	Tolerance float64       `yaml:"tolerance"`
	Min       *float64      `yaml:"min,omitempty"`
	Max       *float64      `yaml:"max,omitempty"`
	Allowed   []string      `yaml:"allowed,omitempty"`
	Secondary SecondaryRule `yaml:"secondary"`
	// Exclusive fields accept values from the category authority only.
	Exclusive bool `yaml:"exclusive"`
}

// Check reports whether v passes the field's range or allowed-value rules.
// The returned string explains a failure.
func (f FieldSpec) Check(v model.Value) (bool, string) {
	if f.Kind == KindText {
		if v.Text == "" {
			return false, "empty value"
		}
		if len(f.Allowed) > 0 && !slices.ContainsFunc(f.Allowed, func(a string) bool {
			return strings.EqualFold(a, strings.TrimSpace(v.Text))
		}) {
			return false, fmt.Sprintf("%q not in allowed values", v.Text)
		}
		return true, ""
	}

	if !v.IsNumeric() {
		return false, "not numeric"
	}
	n := v.Float()
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return false, "not finite"
	}
	if f.Min != nil && n < *f.Min {
		return false, fmt.Sprintf("%v below minimum %v", n, *f.Min)
	}
	if f.Max != nil && n > *f.Max {
		return false, fmt.Sprintf("%v above maximum %v", n, *f.Max)
	}
	return true, ""
}

// Threshold is the tiered breach definition for one metric type. Info is
// optional; a nil Info disables the INFO tier.
type Threshold struct {
	Direction Direction `yaml:"direction"`
	Info      *float64  `yaml:"info,omitempty"`
	Warning   float64   `yaml:"warning"`
	Critical  float64   `yaml:"critical"`
}

func (t Threshold) breaches(value, limit float64) bool {
	if t.Direction == HighIsBad {
		return value > limit
	}
	return value < limit
}

// Classify returns the worst tier value breaches and the threshold value of
// that tier. ok is false when nothing is breached.
func (t Threshold) Classify(value float64) (sev model.Severity, limit float64, ok bool) {
	switch {
	case t.breaches(value, t.Critical):
		return model.SeverityCritical, t.Critical, true
	case t.breaches(value, t.Warning):
		return model.SeverityWarning, t.Warning, true
	case t.Info != nil && t.breaches(value, *t.Info):
		return model.SeverityInfo, *t.Info, true
	default:
		return "", 0, false
	}
}

// Catalog is the complete rule set.
type Catalog struct {
	Fields      map[string]FieldSpec                           `yaml:"fields"`
	Authorities map[Category]model.Source                      `yaml:"authorities"`
	Thresholds  map[model.AlertType]Threshold                  `yaml:"thresholds"`
	Overrides   map[model.Source]map[model.AlertType]Threshold `yaml:"source_overrides,omitempty"`
}

// Field looks up a field spec by name.
func (c *Catalog) Field(name string) (FieldSpec, bool) {
	f, ok := c.Fields[name]
	if ok {
		f.Name = name
	}
	return f, ok
}

// FieldNames returns every catalog field, sorted.
func (c *Catalog) FieldNames() []string {
	names := make([]string, 0, len(c.Fields))
	for n := range c.Fields {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Authority returns the authoritative source for a category.
func (c *Catalog) Authority(cat Category) (model.Source, bool) {
	src, ok := c.Authorities[cat]
	return src, ok && src != ""
}

// ThresholdFor returns the threshold for a metric type on a source slice,
// preferring a per-source override. Roll-up slices use the base thresholds.
func (c *Catalog) ThresholdFor(t model.AlertType, src model.Source) (Threshold, bool) {
	if byType, ok := c.Overrides[src]; ok {
		if th, ok := byType[t]; ok {
			return th, true
		}
	}
	th, ok := c.Thresholds[t]
	return th, ok
}
