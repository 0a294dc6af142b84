package monitoring

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-sync/internal/model"
	"github.com/sells-group/prospect-sync/internal/rules"
	"github.com/sells-group/prospect-sync/internal/store"
)

// AlertStore is the persistence the Manager needs.
type AlertStore interface {
	InsertAlertIfAbsent(ctx context.Context, alert *model.Alert) (bool, error)
	ListAlerts(ctx context.Context, filter store.AlertFilter) ([]model.Alert, error)
	GetAlert(ctx context.Context, id string) (*model.Alert, error)
	AcknowledgeAlert(ctx context.Context, id, by string, at time.Time) (*model.Alert, error)
	DeleteAlertsBefore(ctx context.Context, before time.Time) (int, error)
}

// Manager owns the alert lifecycle: emission, listing, acknowledgment,
// digests and retention.
type Manager struct {
	store     AlertStore
	alerter   *Alerter
	retention time.Duration
	now       func() time.Time
}

// NewManager creates a Manager. A non-positive retention disables Purge.
func NewManager(st AlertStore, catalog *rules.Catalog, retention time.Duration) *Manager {
	return &Manager{
		store:     st,
		alerter:   NewAlerter(catalog),
		retention: retention,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// EmitResult reports what Emit did.
type EmitResult struct {
	// Raised are the alerts newly persisted.
	Raised []model.Alert `json:"raised"`
	// Suppressed counts breaches that matched an open alert.
	Suppressed int `json:"suppressed"`
}

// Emit evaluates metrics and persists every breach that has no open alert
// with the same fingerprint. Emission is idempotent.
func (m *Manager) Emit(ctx context.Context, metrics []model.QualityMetric, runID string) (*EmitResult, error) {
	log := zap.L().With(zap.String("component", "monitoring.manager"), zap.String("run_id", runID))

	res := &EmitResult{}
	for _, a := range m.alerter.Evaluate(metrics, runID, m.now()) {
		inserted, err := m.store.InsertAlertIfAbsent(ctx, &a)
		if err != nil {
			return res, eris.Wrapf(err, "monitoring: emit %s", a.Fingerprint)
		}
		if !inserted {
			res.Suppressed++
			continue
		}
		res.Raised = append(res.Raised, a)
		log.Info("alert raised",
			zap.String("fingerprint", a.Fingerprint),
			zap.String("severity", string(a.Severity)),
			zap.Float64("value", a.MetricValue),
			zap.Float64("threshold", a.ThresholdValue),
		)
	}
	log.Debug("alerts emitted", zap.Int("raised", len(res.Raised)), zap.Int("suppressed", res.Suppressed))
	return res, nil
}

// List returns alerts matching filter, newest first.
func (m *Manager) List(ctx context.Context, filter store.AlertFilter) ([]model.Alert, error) {
	alerts, err := m.store.ListAlerts(ctx, filter)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list alerts")
	}
	return alerts, nil
}

// Acknowledge marks an alert acknowledged by a named actor. Acknowledging
// an acknowledged alert is a no-op that returns its current state.
func (m *Manager) Acknowledge(ctx context.Context, id, by string) (*model.Alert, error) {
	by = strings.TrimSpace(by)
	if by == "" {
		return nil, eris.New("monitoring: acknowledgedBy is required")
	}
	a, err := m.store.AcknowledgeAlert(ctx, id, by, m.now())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return nil, eris.Wrapf(err, "monitoring: acknowledge %s", id)
	}
	return a, nil
}

// Digest composes a digest of the alerts matching filter. The zero filter
// selects every open alert.
func (m *Manager) Digest(ctx context.Context, filter store.AlertFilter) (*model.Digest, error) {
	if filter.Acknowledged == nil {
		open := false
		filter.Acknowledged = &open
	}
	alerts, err := m.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	d := ComposeDigest(alerts, DefaultTopSlices)
	return &d, nil
}

// RetentionDays converts a configured day count to a retention window.
func RetentionDays(days int) time.Duration {
	return time.Duration(days) * 24 * time.Hour
}

// Purge deletes alerts generated before the retention window, acknowledged
// or not.
func (m *Manager) Purge(ctx context.Context) (int, error) {
	if m.retention <= 0 {
		return 0, nil
	}
	n, err := m.store.DeleteAlertsBefore(ctx, m.now().Add(-m.retention))
	if err != nil {
		return 0, eris.Wrap(err, "monitoring: purge alerts")
	}
	return n, nil
}
