// Package store persists staging records, the canonical namespace, lineage,
// quality metrics, alerts and run bookkeeping. PostgreSQL backs production;
// SQLite backs local runs and tests. Both share one SQL implementation.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/prospect-sync/internal/model"
)

// ErrNotFound is returned when a single-row lookup matches nothing.
var ErrNotFound = eris.New("store: not found")

// ErrRunTerminal is returned when finalizing a run that is no longer running.
var ErrRunTerminal = eris.New("store: run already finalized")

// ProspectFilter selects canonical prospects.
type ProspectFilter struct {
	Position string               `json:"position,omitempty"`
	College  string               `json:"college,omitempty"`
	Status   model.ProspectStatus `json:"status,omitempty"`
	Name     string               `json:"name,omitempty"`
	Limit    int                  `json:"limit,omitempty"`
	Offset   int                  `json:"offset,omitempty"`
}

// ConflictFilter selects conflict records. Open restricts the result to the
// latest record per (entity, field) that still requires manual review.
type ConflictFilter struct {
	EntityID  string `json:"entity_id,omitempty"`
	FieldName string `json:"field_name,omitempty"`
	RunID     string `json:"run_id,omitempty"`
	Open      bool   `json:"open,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// QuarantineFilter selects quarantined records.
type QuarantineFilter struct {
	RunID        string       `json:"run_id,omitempty"`
	ExtractionID string       `json:"extraction_id,omitempty"`
	Source       model.Source `json:"source,omitempty"`
	Limit        int          `json:"limit,omitempty"`
}

// QualityFilter selects quality metrics.
type QualityFilter struct {
	RunID    string       `json:"run_id,omitempty"`
	Scope    model.Scope  `json:"scope,omitempty"`
	Position string       `json:"position,omitempty"`
	Source   model.Source `json:"source,omitempty"`
	Limit    int          `json:"limit,omitempty"`
}

// AlertFilter selects alerts. A nil Acknowledged matches both states.
type AlertFilter struct {
	Severity     model.Severity  `json:"severity,omitempty"`
	Type         model.AlertType `json:"type,omitempty"`
	Position     string          `json:"position,omitempty"`
	Source       model.Source    `json:"source,omitempty"`
	Acknowledged *bool           `json:"acknowledged,omitempty"`
	Since        time.Time       `json:"since,omitempty"`
	Limit        int             `json:"limit,omitempty"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status       model.RunStatus `json:"status,omitempty"`
	ExtractionID string          `json:"extraction_id,omitempty"`
	Limit        int             `json:"limit,omitempty"`
	Offset       int             `json:"offset,omitempty"`
}

// ProspectSummary is a row of the read-optimized prospect aggregate.
type ProspectSummary struct {
	EntityID          string               `json:"entity_id"`
	DisplayName       string               `json:"display_name"`
	Position          string               `json:"position"`
	College           string               `json:"college"`
	Status            model.ProspectStatus `json:"status"`
	FieldCount        int                  `json:"field_count"`
	SourceCount       int                  `json:"source_count"`
	ManualReviewCount int                  `json:"manual_review_count"`
	LastResolvedAt    *time.Time           `json:"last_resolved_at,omitempty"`
	RefreshedAt       time.Time            `json:"refreshed_at"`
}

// LoadBatch is everything one Load phase writes. Commit applies it in a
// single transaction.
type LoadBatch struct {
	RunID        string
	ExtractionID string
	Prospects    []model.CanonicalProspect
	Fields       []model.CanonicalField
	Observations []model.SourceObservation
	Conflicts    []model.ConflictRecord
	Lineage      []model.LineageEntry
	Quarantined  []model.QuarantinedRecord
	// RecordsLoaded is written to the run inside the same transaction.
	RecordsLoaded int
}

// CommitResult reports what a Commit actually changed.
type CommitResult struct {
	LineageAppended int64 `json:"lineage_appended"`
}

// Reader is the canonical read interface exposed to API consumers.
type Reader interface {
	ListProspects(ctx context.Context, filter ProspectFilter) ([]model.CanonicalProspect, error)
	GetProspect(ctx context.Context, id string) (*model.CanonicalProspect, error)
	ListSummaries(ctx context.Context, filter ProspectFilter) ([]ProspectSummary, error)
	ListFields(ctx context.Context, entityID string) ([]model.CanonicalField, error)
	ListLineage(ctx context.Context, entityID, fieldName string) ([]model.LineageEntry, error)
	ListConflicts(ctx context.Context, filter ConflictFilter) ([]model.ConflictRecord, error)
	ListQuarantine(ctx context.Context, filter QuarantineFilter) ([]model.QuarantinedRecord, error)
	ListQualityMetrics(ctx context.Context, filter QualityFilter) ([]model.QualityMetric, error)
	ListAlerts(ctx context.Context, filter AlertFilter) ([]model.Alert, error)
	GetAlert(ctx context.Context, id string) (*model.Alert, error)
	GetRun(ctx context.Context, id string) (*model.PipelineRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.PipelineRun, error)
}

// Store defines the full persistence interface.
type Store interface {
	Reader

	// Staging
	AppendStaging(ctx context.Context, recs []model.StagingRecord) (int, error)
	ListStaging(ctx context.Context, extractionID string) ([]model.StagingRecord, error)
	PurgeStaging(ctx context.Context, before time.Time) (int, error)

	// Canonical
	LockCanonical(ctx context.Context) (release func(), err error)
	Snapshot(ctx context.Context) (*model.CanonicalSnapshot, error)
	Commit(ctx context.Context, batch *LoadBatch) (*CommitResult, error)
	SetProspectStatus(ctx context.Context, id string, status model.ProspectStatus) error
	RefreshAggregates(ctx context.Context) error

	// Quality
	SaveQualityMetrics(ctx context.Context, metrics []model.QualityMetric) error

	// Alerts
	InsertAlertIfAbsent(ctx context.Context, alert *model.Alert) (bool, error)
	AcknowledgeAlert(ctx context.Context, id, by string, at time.Time) (*model.Alert, error)
	DeleteAlertsBefore(ctx context.Context, before time.Time) (int, error)

	// Runs
	CreateRun(ctx context.Context, run *model.PipelineRun) error
	FinalizeRun(ctx context.Context, run *model.PipelineRun) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
