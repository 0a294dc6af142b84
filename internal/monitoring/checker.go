package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/prospect-sync/internal/config"
	"github.com/sells-group/prospect-sync/internal/store"
)

// StagingPurger deletes staging records older than a cutoff.
type StagingPurger interface {
	PurgeStaging(ctx context.Context, before time.Time) (int, error)
}

// Checker runs retention and digest delivery in the background.
type Checker struct {
	manager  *Manager
	staging  StagingPurger
	notifier Notifier
	cfg      config.MonitoringConfig
}

// NewChecker creates a background checker. staging and notifier may be nil.
func NewChecker(manager *Manager, staging StagingPurger, notifier Notifier, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		manager:  manager,
		staging:  staging,
		notifier: notifier,
		cfg:      cfg,
	}
}

// Run starts the periodic check loop. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting retention checker",
		zap.Duration("interval", interval),
		zap.Int("alert_retention_days", c.cfg.AlertRetentionDays),
		zap.Int("staging_retention_days", c.cfg.StagingRetentionDays),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("retention checker stopped")
			return
		case <-ticker.C:
			c.check(ctx, log)
		}
	}
}

func (c *Checker) check(ctx context.Context, log *zap.Logger) {
	if n, err := c.manager.Purge(ctx); err != nil {
		log.Error("monitoring: alert purge failed", zap.Error(err))
	} else if n > 0 {
		log.Info("monitoring: alerts purged", zap.Int("deleted", n))
	}

	if c.staging != nil && c.cfg.StagingRetentionDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -c.cfg.StagingRetentionDays)
		if n, err := c.staging.PurgeStaging(ctx, cutoff); err != nil {
			log.Error("monitoring: staging purge failed", zap.Error(err))
		} else if n > 0 {
			log.Info("monitoring: staging purged", zap.Int("deleted", n))
		}
	}

	if c.notifier == nil {
		return
	}
	d, err := c.manager.Digest(ctx, store.AlertFilter{})
	if err != nil {
		log.Error("monitoring: compose digest failed", zap.Error(err))
		return
	}
	if d.AlertCount == 0 {
		log.Debug("monitoring: no open alerts")
		return
	}
	if err := c.notifier.Notify(ctx, d); err != nil {
		log.Error("monitoring: digest delivery failed", zap.Error(err))
	}
}
