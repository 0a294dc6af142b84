package model

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// RunStatus is the lifecycle state of a pipeline run.
type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunPartial RunStatus = "partial"
	RunFailed  RunStatus = "failed"
)

// IsTerminal reports whether the run can no longer change.
func (s RunStatus) IsTerminal() bool {
	return s == RunSuccess || s == RunPartial || s == RunFailed
}

// FailurePolicy selects how a run reacts to unrecoverable phase errors.
type FailurePolicy string

const (
	FailFast       FailurePolicy = "FAIL_FAST"
	PartialSuccess FailurePolicy = "PARTIAL_SUCCESS"
	RetryContinue  FailurePolicy = "RETRY_CONTINUE"
)

// ParseFailurePolicy validates a policy name, case-insensitively.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch p := FailurePolicy(strings.ToUpper(strings.TrimSpace(s))); p {
	case FailFast, PartialSuccess, RetryContinue:
		return p, nil
	default:
		return "", eris.Errorf("model: unknown failure policy %q", s)
	}
}

// Phase names an orchestrator phase.
type Phase string

const (
	PhaseExtract   Phase = "extract"
	PhaseTransform Phase = "transform"
	PhaseValidate  Phase = "validate"
	PhaseMerge     Phase = "merge"
	PhaseLoad      Phase = "load"
	PhasePublish   Phase = "publish"
)

// Phases returns the phases in execution order.
func Phases() []Phase {
	return []Phase{PhaseExtract, PhaseTransform, PhaseValidate, PhaseMerge, PhaseLoad, PhasePublish}
}

// PhaseStatus is the final state of one phase.
type PhaseStatus string

const (
	PhaseComplete PhaseStatus = "complete"
	PhaseFailed   PhaseStatus = "failed"
	PhaseSkipped  PhaseStatus = "skipped"
	PhaseTimedOut PhaseStatus = "timed_out"
)

// PhaseTiming records how one phase went.
type PhaseTiming struct {
	Phase      Phase          `json:"phase"`
	Status     PhaseStatus    `json:"status"`
	StartedAt  time.Time      `json:"started_at"`
	DurationMs int64          `json:"duration_ms"`
	Attempts   int            `json:"attempts"`
	Error      string         `json:"error,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// SourceStatus reports how one source fared in a run.
type SourceStatus string

const (
	SourceOK      SourceStatus = "ok"
	SourceFailed  SourceStatus = "failed"
	SourceSkipped SourceStatus = "skipped"
)

// RunError is one entry of a run's error summary.
type RunError struct {
	Phase     Phase   `json:"phase"`
	Source    Source  `json:"source,omitempty"`
	StagingID string  `json:"staging_id,omitempty"`
	Outcome   Outcome `json:"outcome"`
	Message   string  `json:"message"`
}

// PipelineRun is the bookkeeping record of one orchestration. It is created
// running and finalized exactly once.
type PipelineRun struct {
	ID                 string                  `json:"id"`
	ExtractionID       string                  `json:"extraction_id"`
	Status             RunStatus               `json:"status"`
	FailurePolicy      FailurePolicy           `json:"failure_policy"`
	StartedAt          time.Time               `json:"started_at"`
	FinishedAt         *time.Time              `json:"finished_at,omitempty"`
	PhaseTimings       []PhaseTiming           `json:"phase_timings"`
	RecordsStaged      int                     `json:"records_staged"`
	RecordsTransformed int                     `json:"records_transformed"`
	RecordsQuarantined int                     `json:"records_quarantined"`
	RecordsLoaded      int                     `json:"records_loaded"`
	ConflictCount      int                     `json:"conflict_count"`
	QualityScore       *float64                `json:"quality_score,omitempty"`
	SourceStatus       map[Source]SourceStatus `json:"source_status,omitempty"`
	ErrorSummary       []RunError              `json:"error_summary,omitempty"`
}

// DurationMs returns the run duration, or the time elapsed so far if the run
// has not finished.
func (r *PipelineRun) DurationMs(now time.Time) int64 {
	end := now
	if r.FinishedAt != nil {
		end = *r.FinishedAt
	}
	return end.Sub(r.StartedAt).Milliseconds()
}

// RunSummary is the result returned to the invoking scheduler or CLI.
type RunSummary struct {
	RunID              string    `json:"runId"`
	ExtractionID       string    `json:"extractionId"`
	Status             RunStatus `json:"status"`
	DurationMs         int64     `json:"durationMs"`
	RecordsStaged      int       `json:"recordsStaged"`
	RecordsTransformed int       `json:"recordsTransformed"`
	RecordsLoaded      int       `json:"recordsLoaded"`
	QualityScore       *float64  `json:"qualityScore"`
	ConflictCount      int       `json:"conflictCount"`
}

// Summary projects the run onto the summary shape.
func (r *PipelineRun) Summary() RunSummary {
	return RunSummary{
		RunID:              r.ID,
		ExtractionID:       r.ExtractionID,
		Status:             r.Status,
		DurationMs:         r.DurationMs(time.Now()),
		RecordsStaged:      r.RecordsStaged,
		RecordsTransformed: r.RecordsTransformed,
		RecordsLoaded:      r.RecordsLoaded,
		QualityScore:       r.QualityScore,
		ConflictCount:      r.ConflictCount,
	}
}
