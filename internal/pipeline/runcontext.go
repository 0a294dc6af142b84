package pipeline

import (
	"sync"
	"time"

	"github.com/sells-group/prospect-sync/internal/config"
	"github.com/sells-group/prospect-sync/internal/conflict"
	"github.com/sells-group/prospect-sync/internal/model"
	"github.com/sells-group/prospect-sync/internal/quality"
	"github.com/sells-group/prospect-sync/internal/source"
	"github.com/sells-group/prospect-sync/internal/store"
	"github.com/sells-group/prospect-sync/internal/transform"
)

// RunContext is the state of one run, threaded through every phase. Phases
// read what earlier phases produced and add their own results.
type RunContext struct {
	Run          *model.PipelineRun
	ExtractionID string
	Policy       model.FailurePolicy
	// Config is a snapshot taken when the run started.
	Config config.PipelineConfig
	Now    time.Time

	adapters []source.Adapter
	replay   bool

	Records     []model.StagingRecord
	Outputs     transform.Outputs
	Fragments   []model.Fragment
	Quarantined []model.QuarantinedRecord
	Preview     *quality.Report
	Decisions   []conflict.Decision
	Batch       *store.LoadBatch
	Report      *quality.Report

	// release drops the canonical lock taken by Merge.
	release func()

	mu       sync.Mutex
	partial  bool
	metadata map[model.Phase]map[string]any
}

// unlock releases the canonical lock if it is held.
func (rc *RunContext) unlock() {
	if rc.release != nil {
		rc.release()
		rc.release = nil
	}
}

func newRunContext(run *model.PipelineRun, cfg config.PipelineConfig, now time.Time) *RunContext {
	return &RunContext{
		Run:          run,
		ExtractionID: run.ExtractionID,
		Policy:       run.FailurePolicy,
		Config:       cfg,
		Now:          now,
		metadata:     make(map[model.Phase]map[string]any),
	}
}

// addError appends to the run's error summary.
func (rc *RunContext) addError(e model.RunError) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.Run.ErrorSummary = append(rc.Run.ErrorSummary, e)
}

// setSource records a source's status. A failure is never downgraded.
func (rc *RunContext) setSource(src model.Source, status model.SourceStatus) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.Run.SourceStatus == nil {
		rc.Run.SourceStatus = make(map[model.Source]model.SourceStatus)
	}
	if rc.Run.SourceStatus[src] == model.SourceFailed {
		return
	}
	rc.Run.SourceStatus[src] = status
}

// markPartial notes that the run lost data but kept going.
func (rc *RunContext) markPartial() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.partial = true
}

func (rc *RunContext) isPartial() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.partial
}

// setMeta attaches a value to a phase's timing metadata.
func (rc *RunContext) setMeta(p model.Phase, key string, v any) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	m, ok := rc.metadata[p]
	if !ok {
		m = make(map[string]any)
		rc.metadata[p] = m
	}
	m[key] = v
}

func (rc *RunContext) meta(p model.Phase) map[string]any {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.metadata[p]
}
