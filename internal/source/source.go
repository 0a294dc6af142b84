// Package source produces staging records from external prospect feeds.
// Network scraping is out of scope; adapters read feed files from a local
// path, an HTTP(S) URL or an FTP drop.
package source

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/prospect-sync/internal/model"
)

// Adapter produces the raw records one source delivered for an extraction.
type Adapter interface {
	Source() model.Source
	Produce(ctx context.Context, extractionID string) ([]model.StagingRecord, error)
}

// StaticAdapter serves fixed payloads. It backs tests and manual replays.
type StaticAdapter struct {
	Src      model.Source
	Payloads []map[string]any
	// Err, when set, is returned instead of records.
	Err error
	// Now stamps ReceivedAt; defaults to time.Now.
	Now func() time.Time
}

func (a *StaticAdapter) Source() model.Source { return a.Src }

func (a *StaticAdapter) Produce(ctx context.Context, extractionID string) ([]model.StagingRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if a.Err != nil {
		return nil, a.Err
	}
	now := time.Now
	if a.Now != nil {
		now = a.Now
	}
	return buildRecords(a.Src, extractionID, a.Payloads, now().UTC())
}

// buildRecords stamps payloads as staging records, skipping empty rows.
func buildRecords(src model.Source, extractionID string, payloads []map[string]any, at time.Time) ([]model.StagingRecord, error) {
	out := make([]model.StagingRecord, 0, len(payloads))
	for i, p := range payloads {
		if len(p) == 0 {
			continue
		}
		rec, err := model.NewStagingRecord(src, extractionID, p, at)
		if err != nil {
			return nil, eris.Wrapf(err, "source: %s row %d", src, i)
		}
		out = append(out, rec)
	}
	return out, nil
}
