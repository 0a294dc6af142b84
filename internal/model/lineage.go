package model

import "time"

// LineageEntry records one field write. Entries are append-only.
type LineageEntry struct {
	ID                   string    `json:"id"`
	EntityID             string    `json:"entity_id"`
	FieldName            string    `json:"field_name"`
	ValuePrevious        *Value    `json:"value_previous"`
	ValueCurrent         Value     `json:"value_current"`
	SourceSystem         Source    `json:"source_system"`
	TransformationRuleID string    `json:"transformation_rule_id"`
	ExtractionID         string    `json:"extraction_id"`
	RunID                string    `json:"run_id"`
	ChangedAt            time.Time `json:"changed_at"`
	HadConflict          bool      `json:"had_conflict"`
	Actor                string    `json:"actor"`
}

// Changed reports whether the write altered the stored value.
func (e LineageEntry) Changed() bool {
	if e.ValuePrevious == nil {
		return true
	}
	return !e.ValuePrevious.Equal(e.ValueCurrent)
}
