package rules

import (
	"fmt"
	"slices"

	"github.com/sells-group/prospect-sync/internal/model"
	"github.com/sells-group/prospect-sync/internal/resilience"
)

var alertTypes = []model.AlertType{
	model.AlertCoverage, model.AlertValidation, model.AlertOutlier, model.AlertQualityScore,
}

// Validate checks the catalog for gaps that would leave a conflict or a
// metric without a rule. All problems are reported together.
func Validate(c *Catalog) error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if len(c.Fields) == 0 {
		add("no fields declared")
	}

	for cat, src := range c.Authorities {
		if _, err := model.ParseSource(string(src)); err != nil {
			add("authority for %s names unknown source %q", cat, src)
		}
	}

	for _, name := range c.FieldNames() {
		f := c.Fields[name]
		switch f.Kind {
		case KindNumeric, KindText:
		default:
			add("field %s: unknown kind %q", name, f.Kind)
		}
		if f.Tolerance < 0 {
			add("field %s: negative tolerance", name)
		}
		if f.Min != nil && f.Max != nil && *f.Min > *f.Max {
			add("field %s: min above max", name)
		}
		switch f.Secondary {
		case SecondaryNone, SecondaryMostRecent, SecondaryManualReview:
		default:
			add("field %s: unknown secondary rule %q", name, f.Secondary)
		}
		_, hasAuthority := c.Authority(f.Category)
		if !hasAuthority && f.Secondary == SecondaryNone {
			add("field %s: category %q has no authority and no secondary rule", name, f.Category)
		}
		if f.Exclusive && !hasAuthority {
			add("field %s: exclusive field needs an authority for %q", name, f.Category)
		}
	}

	for _, t := range alertTypes {
		th, ok := c.Thresholds[t]
		if !ok {
			add("no threshold for %s", t)
			continue
		}
		problems = append(problems, checkThreshold(string(t), th)...)
	}
	for src, byType := range c.Overrides {
		for t, th := range byType {
			if !slices.Contains(alertTypes, t) {
				add("override for %s: unknown metric %q", src, t)
				continue
			}
			problems = append(problems, checkThreshold(string(src)+"/"+string(t), th)...)
		}
	}

	if len(problems) > 0 {
		return &resilience.ConfigurationError{Problems: problems}
	}
	return nil
}

func checkThreshold(name string, th Threshold) []string {
	var out []string
	switch th.Direction {
	case LowIsBad:
		if th.Critical > th.Warning {
			out = append(out, fmt.Sprintf("threshold %s: critical above warning", name))
		}
		if th.Info != nil && *th.Info < th.Warning {
			out = append(out, fmt.Sprintf("threshold %s: info below warning", name))
		}
	case HighIsBad:
		if th.Critical < th.Warning {
			out = append(out, fmt.Sprintf("threshold %s: critical below warning", name))
		}
		if th.Info != nil && *th.Info > th.Warning {
			out = append(out, fmt.Sprintf("threshold %s: info above warning", name))
		}
	default:
		out = append(out, fmt.Sprintf("threshold %s: unknown direction %q", name, th.Direction))
	}
	return out
}
