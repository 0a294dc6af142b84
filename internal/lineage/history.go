package lineage

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/prospect-sync/internal/model"
	"github.com/sells-group/prospect-sync/internal/store"
)

// Reader is the subset of store.Reader the history needs.
type Reader interface {
	ListFields(ctx context.Context, entityID string) ([]model.CanonicalField, error)
	ListLineage(ctx context.Context, entityID, fieldName string) ([]model.LineageEntry, error)
	ListConflicts(ctx context.Context, filter store.ConflictFilter) ([]model.ConflictRecord, error)
}

// History answers lineage questions from persisted state. It never writes.
type History struct {
	r Reader
}

// NewHistory returns a History over r.
func NewHistory(r Reader) *History {
	return &History{r: r}
}

// Explanation describes how a field arrived at its current value.
type Explanation struct {
	EntityID  string                 `json:"entity_id"`
	FieldName string                 `json:"field_name"`
	Current   *model.CanonicalField  `json:"current,omitempty"`
	Entries   []model.LineageEntry   `json:"entries"`
	Conflicts []model.ConflictRecord `json:"conflicts"`
	// OpenReview is set when the latest conflict still awaits a reviewer.
	OpenReview bool `json:"open_review"`
}

// Latest returns the most recent lineage entry, or nil.
func (e *Explanation) Latest() *model.LineageEntry {
	if len(e.Entries) == 0 {
		return nil
	}
	return &e.Entries[len(e.Entries)-1]
}

// Explain returns the current value of a field, its ordered write history and
// every conflict recorded against it.
func (h *History) Explain(ctx context.Context, entityID, fieldName string) (*Explanation, error) {
	if entityID == "" || fieldName == "" {
		return nil, eris.New("lineage: entity id and field name are required")
	}

	fields, err := h.r.ListFields(ctx, entityID)
	if err != nil {
		return nil, eris.Wrap(err, "lineage: list fields")
	}
	entries, err := h.r.ListLineage(ctx, entityID, fieldName)
	if err != nil {
		return nil, eris.Wrap(err, "lineage: list entries")
	}
	conflicts, err := h.r.ListConflicts(ctx, store.ConflictFilter{EntityID: entityID, FieldName: fieldName})
	if err != nil {
		return nil, eris.Wrap(err, "lineage: list conflicts")
	}

	ex := &Explanation{
		EntityID:  entityID,
		FieldName: fieldName,
		Entries:   entries,
		Conflicts: conflicts,
	}
	for i := range fields {
		if fields[i].FieldName == fieldName {
			f := fields[i]
			ex.Current = &f
			break
		}
	}
	ex.OpenReview = openReview(conflicts, ex.Current)
	return ex, nil
}

// AsOf returns the entry that was in effect at t, or store.ErrNotFound when
// the field had not been written yet.
func (h *History) AsOf(ctx context.Context, entityID, fieldName string, t time.Time) (*model.LineageEntry, error) {
	entries, err := h.r.ListLineage(ctx, entityID, fieldName)
	if err != nil {
		return nil, eris.Wrap(err, "lineage: list entries")
	}
	var hit *model.LineageEntry
	for i := range entries {
		if entries[i].ChangedAt.After(t) {
			break
		}
		hit = &entries[i]
	}
	if hit == nil {
		return nil, store.ErrNotFound
	}
	return hit, nil
}

// openReview reports whether the newest conflict requires review and no
// write resolved the field after it.
func openReview(conflicts []model.ConflictRecord, current *model.CanonicalField) bool {
	var latest *model.ConflictRecord
	for i := range conflicts {
		if latest == nil || conflicts[i].CreatedAt.After(latest.CreatedAt) {
			latest = &conflicts[i]
		}
	}
	if latest == nil || !latest.RequiresManualReview {
		return false
	}
	return current == nil || !current.ResolvedAt.After(latest.CreatedAt)
}
