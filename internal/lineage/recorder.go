// Package lineage records every canonical field write and answers why a
// field holds its current value.
package lineage

import (
	"time"

	"github.com/google/uuid"

	"github.com/sells-group/prospect-sync/internal/conflict"
	"github.com/sells-group/prospect-sync/internal/model"
)

// DefaultActor is stamped on entries written by the pipeline.
const DefaultActor = "pipeline"

// Recorder turns resolution decisions into lineage entries for one run.
type Recorder struct {
	RunID        string
	ExtractionID string
	Actor        string
}

// NewRecorder returns a recorder for a run. An empty actor defaults to
// DefaultActor.
func NewRecorder(runID, extractionID, actor string) *Recorder {
	if actor == "" {
		actor = DefaultActor
	}
	return &Recorder{RunID: runID, ExtractionID: extractionID, Actor: actor}
}

// Record returns one entry per field write, in decision order. Writes that
// keep the stored value still produce an entry; fields left for manual
// review produce none.
func (r *Recorder) Record(decisions []conflict.Decision) []model.LineageEntry {
	out := make([]model.LineageEntry, 0, len(decisions))
	for _, d := range decisions {
		if e, ok := r.entry(d); ok {
			out = append(out, e)
		}
	}
	return out
}

func (r *Recorder) entry(d conflict.Decision) (model.LineageEntry, bool) {
	if d.Write == nil {
		return model.LineageEntry{}, false
	}
	e := model.LineageEntry{
		ID:                   uuid.NewString(),
		EntityID:             d.EntityID,
		FieldName:            d.FieldName,
		ValueCurrent:         d.Write.Value,
		SourceSystem:         d.Write.WinningSource,
		TransformationRuleID: RuleID(d.Write.RuleID, d.Rule),
		ExtractionID:         r.ExtractionID,
		RunID:                r.RunID,
		ChangedAt:            d.Write.ResolvedAt,
		HadConflict:          d.Conflict != nil,
		Actor:                r.Actor,
	}
	if d.Prior != nil {
		prev := d.Prior.Value
		e.ValuePrevious = &prev
	}
	if e.ChangedAt.IsZero() {
		e.ChangedAt = time.Now().UTC()
	}
	return e, true
}

// RuleID joins the transformation rule that produced a value with the
// resolution rule that selected it, e.g. "height.ftin.v1/authority".
func RuleID(transform, resolution string) string {
	switch {
	case transform == "":
		return resolution
	case resolution == "":
		return transform
	}
	return transform + "/" + resolution
}
