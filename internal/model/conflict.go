package model

import "time"

// Candidate is one source's proposed value for a contested field.
type Candidate struct {
	Source     Source    `json:"source"`
	Value      Value     `json:"value"`
	Confidence float64   `json:"confidence"`
	ObservedAt time.Time `json:"observed_at"`
	RuleID     string    `json:"rule_id"`
}

// ConflictRecord documents a disagreement beyond tolerance between sources
// for one field in one run. Records are immutable; a still-unresolved
// conflict produces a fresh record on the next run.
type ConflictRecord struct {
	ID                      string           `json:"id"`
	RunID                   string           `json:"run_id"`
	ExtractionID            string           `json:"extraction_id"`
	EntityID                string           `json:"entity_id"`
	FieldName               string           `json:"field_name"`
	CandidateValuesBySource map[Source]Value `json:"candidate_values_by_source"`
	ToleranceExceeded       bool             `json:"tolerance_exceeded"`
	ResolutionRule          string           `json:"resolution_rule"`
	ResolvedValue           *Value           `json:"resolved_value,omitempty"`
	WinningSource           Source           `json:"winning_source,omitempty"`
	RequiresManualReview    bool             `json:"requires_manual_review"`
	CreatedAt               time.Time        `json:"created_at"`
}
