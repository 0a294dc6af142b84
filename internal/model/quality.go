package model

import "time"

// AllDimensions marks the aggregated dimension of a roll-up slice.
const AllDimensions = "*"

// Scope names the aggregation level of a quality metric.
type Scope string

const (
	ScopeSlice    Scope = "slice"
	ScopePosition Scope = "position"
	ScopeSource   Scope = "source"
	ScopeOverall  Scope = "overall"
)

// Slice is a (position, source) pairing. Roll-ups use AllDimensions for the
// aggregated side.
type Slice struct {
	Position string `json:"position"`
	Source   Source `json:"source"`
}

func (s Slice) String() string {
	return s.Position + "/" + string(s.Source)
}

// QualityMetric is the quality measurement of one slice in one run.
type QualityMetric struct {
	ID            string    `json:"id"`
	RunID         string    `json:"run_id"`
	ExtractionID  string    `json:"extraction_id"`
	Scope         Scope     `json:"scope"`
	Slice         Slice     `json:"slice"`
	Expected      int       `json:"expected"`
	Observed      int       `json:"observed"`
	CoveragePct   float64   `json:"coverage_pct"`
	ValidationPct float64   `json:"validation_pct"`
	OutlierPct    float64   `json:"outlier_pct"`
	QualityScore  float64   `json:"quality_score"`
	ComputedAt    time.Time `json:"computed_at"`
}

// QualityScore combines the three rates into the composite score.
func QualityScore(coverage, validation, outlier float64) float64 {
	return 0.4*coverage + 0.4*validation + 0.2*(100-outlier)
}
