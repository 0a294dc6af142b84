package model

import "time"

// Identity holds the raw identifying attributes a source reported.
type Identity struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Position  string `json:"position"`
	College   string `json:"college"`
}

// FieldFragment is one normalized field value from one source.
type FieldFragment struct {
	Value      Value     `json:"value"`
	Confidence float64   `json:"confidence"`
	RuleID     string    `json:"rule_id"`
	ObservedAt time.Time `json:"observed_at"`
}

// Fragment is the canonical-schema output of transforming one staging record.
type Fragment struct {
	StagingID    string                   `json:"staging_id"`
	Source       Source                   `json:"source"`
	ExtractionID string                   `json:"extraction_id"`
	ExternalID   string                   `json:"external_id,omitempty"`
	Identity     Identity                 `json:"identity"`
	Fields       map[string]FieldFragment `json:"fields"`
	ObservedAt   time.Time                `json:"observed_at"`
}

// TransformResult is the outcome of a single transform. Fragment is set only
// when Outcome is OutcomeSuccess; Reason is set only for quarantines.
type TransformResult struct {
	Outcome  Outcome   `json:"outcome"`
	Fragment *Fragment `json:"fragment,omitempty"`
	Reason   string    `json:"reason,omitempty"`
}

// Transformed wraps a fragment as a successful result.
func Transformed(f Fragment) TransformResult {
	return TransformResult{Outcome: OutcomeSuccess, Fragment: &f}
}

// Quarantined returns a quarantine result with the given reason.
func Quarantined(reason string) TransformResult {
	return TransformResult{Outcome: OutcomeQuarantined, Reason: reason}
}
