package transform

import (
	"fmt"
	"time"

	"github.com/sells-group/prospect-sync/internal/model"
)

// Base confidences per source family. Authority is decided by the rules
// catalog; confidence only orders agreeing candidates.
const (
	gradingConfidence = 0.90
	combineConfidence = 0.95
	statsConfidence   = 0.90
	injuryConfidence  = 0.85
	// secondaryConfidence applies to fields outside a source's own category.
	secondaryConfidence = 0.60
)

// fieldSet is a transformer assembled from field tables.
type fieldSet struct {
	src     model.Source
	primary []fieldDef
	conf    float64
	// extra fields a source sometimes reports outside its own category.
	extra []fieldDef
	// pre runs before the field tables; it may add fields or reject.
	pre func(payload map[string]any, at time.Time, out map[string]model.FieldFragment) (reason string)
}

func (f *fieldSet) Source() model.Source { return f.src }

func (f *fieldSet) Transform(rec model.StagingRecord) model.TransformResult {
	id, reason := identity(rec.RawPayload)
	if reason != "" {
		return model.Quarantined(reason)
	}

	at := observedAt(rec.RawPayload, rec.ReceivedAt)
	fields := make(map[string]model.FieldFragment)
	if f.pre != nil {
		if reason := f.pre(rec.RawPayload, at, fields); reason != "" {
			return model.Quarantined(reason)
		}
	}
	if err := extract(rec.RawPayload, f.primary, f.conf, at, fields); err != nil {
		return model.Quarantined(err.Error())
	}
	if err := extract(rec.RawPayload, f.extra, secondaryConfidence, at, fields); err != nil {
		return model.Quarantined(err.Error())
	}

	return model.Transformed(model.Fragment{
		StagingID:    rec.ID,
		Source:       rec.Source,
		ExtractionID: rec.ExtractionID,
		ExternalID:   rec.ExternalID,
		Identity:     id,
		Fields:       fields,
		ObservedAt:   at,
	})
}

// NewGrading returns the grading-feed transformer. Raw grades are mapped onto
// the canonical scale named by the record's "scale" column, or defaultScale
// when the column is absent.
func NewGrading(defaultScale ScaleRule) Transformer {
	return &fieldSet{
		src:   model.SourceGrading,
		conf:  gradingConfidence,
		extra: concat(measurementFields, productionFields),
		pre: func(payload map[string]any, at time.Time, out map[string]model.FieldFragment) string {
			raw := str(payload, "grade", "rating", "score")
			if raw == "" {
				return "missing grade"
			}
			rule := defaultScale
			if name := str(payload, "scale", "grade_scale"); name != "" {
				r, err := LookupScale(name)
				if err != nil {
					return err.Error()
				}
				rule = r
			}
			n, err := ParseNumber(raw)
			if err != nil {
				return fmt.Sprintf("non-numeric grade %q", raw)
			}
			g, err := rule.Apply(n)
			if err != nil {
				return err.Error()
			}
			out["grade"] = model.FieldFragment{
				Value:      model.NumberValue(g),
				Confidence: gradingConfidence,
				RuleID:     rule.ID,
				ObservedAt: at,
			}
			return ""
		},
	}
}

// NewCombine returns the combine-measurement transformer.
func NewCombine() Transformer {
	return &fieldSet{
		src:     model.SourceCombine,
		conf:    combineConfidence,
		primary: measurementFields,
	}
}

// NewStats returns the college-statistics transformer. Stats feeds often
// carry roster height and weight, which are kept as secondary readings.
func NewStats() Transformer {
	return &fieldSet{
		src:     model.SourceStats,
		conf:    statsConfidence,
		primary: productionFields,
		extra:   measurementFields,
	}
}

// NewInjury returns the injury-report transformer.
func NewInjury() Transformer {
	return &fieldSet{
		src:     model.SourceInjury,
		conf:    injuryConfidence,
		primary: injuryFields,
	}
}

func concat(defs ...[]fieldDef) []fieldDef {
	var out []fieldDef
	for _, d := range defs {
		out = append(out, d...)
	}
	return out
}
