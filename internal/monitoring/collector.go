package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/prospect-sync/internal/model"
	"github.com/sells-group/prospect-sync/internal/store"
)

// HealthSnapshot is a point-in-time view of pipeline health.
type HealthSnapshot struct {
	RunsTotal     int                     `json:"runs_total"`
	RunsByStatus  map[model.RunStatus]int `json:"runs_by_status"`
	LastRun       *model.RunSummary       `json:"last_run,omitempty"`
	OpenAlerts    map[model.Severity]int  `json:"open_alerts"`
	OpenConflicts int                     `json:"open_conflicts"`
	LookbackHours int                     `json:"lookback_hours"`
	CollectedAt   time.Time               `json:"collected_at"`
}

// HealthReader is the read access the collector needs.
type HealthReader interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.PipelineRun, error)
	ListAlerts(ctx context.Context, filter store.AlertFilter) ([]model.Alert, error)
	ListConflicts(ctx context.Context, filter store.ConflictFilter) ([]model.ConflictRecord, error)
}

// Collector gathers health metrics from the store.
type Collector struct {
	store HealthReader
}

// NewCollector creates a new health collector.
func NewCollector(st HealthReader) *Collector {
	return &Collector{store: st}
}

// maxScan bounds the rows a snapshot reads per table.
const maxScan = 10000

// Collect gathers a snapshot. Runs are counted within the lookback window;
// open alerts and conflicts are counted regardless of age.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*HealthSnapshot, error) {
	now := time.Now().UTC()
	snap := &HealthSnapshot{
		RunsByStatus:  make(map[model.RunStatus]int),
		OpenAlerts:    make(map[model.Severity]int),
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	// Runs are listed newest first.
	runs, err := c.store.ListRuns(ctx, store.RunFilter{Limit: maxScan})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}
	for i := range runs {
		if i == 0 {
			s := runs[i].Summary()
			snap.LastRun = &s
		}
		if lookbackHours > 0 && runs[i].StartedAt.Before(cutoff) {
			continue
		}
		snap.RunsTotal++
		snap.RunsByStatus[runs[i].Status]++
	}

	open := false
	alerts, err := c.store.ListAlerts(ctx, store.AlertFilter{Acknowledged: &open, Limit: maxScan})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list alerts")
	}
	for _, a := range alerts {
		snap.OpenAlerts[a.Severity]++
	}

	conflicts, err := c.store.ListConflicts(ctx, store.ConflictFilter{Open: true, Limit: maxScan})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list conflicts")
	}
	snap.OpenConflicts = len(conflicts)

	return snap, nil
}
