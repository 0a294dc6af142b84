// Package monitoring turns quality metrics into deduplicated alerts,
// composes digests, delivers them and enforces retention.
package monitoring

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sells-group/prospect-sync/internal/model"
	"github.com/sells-group/prospect-sync/internal/rules"
)

// alertTypes is the evaluation order of metric types.
var alertTypes = []model.AlertType{
	model.AlertCoverage,
	model.AlertValidation,
	model.AlertOutlier,
	model.AlertQualityScore,
}

// Alerter classifies quality metrics against the catalog thresholds.
type Alerter struct {
	catalog *rules.Catalog
}

// NewAlerter creates an Alerter for the given catalog.
func NewAlerter(catalog *rules.Catalog) *Alerter {
	return &Alerter{catalog: catalog}
}

// metricValue returns the measured value for an alert type.
func metricValue(m model.QualityMetric, t model.AlertType) float64 {
	switch t {
	case model.AlertCoverage:
		return m.CoveragePct
	case model.AlertValidation:
		return m.ValidationPct
	case model.AlertOutlier:
		return m.OutlierPct
	default:
		return m.QualityScore
	}
}

// Evaluate returns one candidate alert per breached threshold. Nothing is
// persisted; the Manager deduplicates and stores.
func (a *Alerter) Evaluate(metrics []model.QualityMetric, runID string, at time.Time) []model.Alert {
	var alerts []model.Alert
	for _, m := range metrics {
		for _, t := range alertTypes {
			th, ok := a.catalog.ThresholdFor(t, m.Slice.Source)
			if !ok {
				continue
			}
			value := metricValue(m, t)
			sev, limit, breached := th.Classify(value)
			if !breached {
				continue
			}
			dir := "below"
			if th.Direction == rules.HighIsBad {
				dir = "above"
			}
			alerts = append(alerts, model.Alert{
				ID:             uuid.NewString(),
				Type:           t,
				Severity:       sev,
				Slice:          m.Slice,
				Fingerprint:    model.Fingerprint(t, m.Slice),
				MetricValue:    value,
				ThresholdValue: limit,
				Message: fmt.Sprintf("%s %s %.1f is %s the %s threshold %.1f",
					m.Slice, t, value, dir, sev, limit),
				RunID:       runID,
				GeneratedAt: at.UTC(),
			})
		}
	}
	return alerts
}
