package model

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Severity is the alert tier.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Rank orders severities; higher is worse.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityWarning:
		return 2
	case SeverityInfo:
		return 1
	default:
		return 0
	}
}

// ParseSeverity validates a severity string, case-insensitively.
func ParseSeverity(s string) (Severity, error) {
	switch sev := Severity(strings.ToUpper(s)); sev {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return sev, nil
	default:
		return "", eris.Errorf("model: unknown severity %q", s)
	}
}

// AlertType names the metric an alert was raised for.
type AlertType string

const (
	AlertCoverage     AlertType = "coverage"
	AlertValidation   AlertType = "validation"
	AlertOutlier      AlertType = "outlier"
	AlertQualityScore AlertType = "quality_score"
)

// Fingerprint identifies alerts of the same type on the same slice.
func Fingerprint(t AlertType, s Slice) string {
	return string(t) + "|" + s.Position + "|" + string(s.Source)
}

// Alert is a persisted threshold breach. Only acknowledgment mutates it.
type Alert struct {
	ID             string     `json:"id"`
	Type           AlertType  `json:"type"`
	Severity       Severity   `json:"severity"`
	Slice          Slice      `json:"slice"`
	Fingerprint    string     `json:"fingerprint"`
	MetricValue    float64    `json:"metric_value"`
	ThresholdValue float64    `json:"threshold_value"`
	Message        string     `json:"message"`
	RunID          string     `json:"run_id"`
	GeneratedAt    time.Time  `json:"generated_at"`
	Acknowledged   bool       `json:"acknowledged"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
}

// Digest is a notification-ready summary of alerts.
type Digest struct {
	Subject       string   `json:"subject"`
	Body          string   `json:"body"`
	AlertCount    int      `json:"alertCount"`
	CriticalCount int      `json:"criticalCount"`
	WarningCount  int      `json:"warningCount"`
	InfoCount     int      `json:"infoCount"`
	TopSlices     []string `json:"topSlices"`
}
