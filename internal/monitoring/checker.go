package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/halcyon-labs/homebase/internal/config"
)

// Checker runs periodic alert checks in the background for a fixed set of
// tenants.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig
	tenants   []string
}

// NewChecker creates a background alert checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig, tenants []string) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
		tenants:   tenants,
	}
}

// Run starts the periodic check loop. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting alert checker",
		zap.Duration("interval", interval),
		zap.Int("tenants", len(c.tenants)),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("alert checker stopped")
			return
		case <-ticker.C:
			c.CheckAll(ctx)
		}
	}
}

// CheckAll runs one check pass over every tenant. Exposed so one-shot sweeps
// can run the same evaluation the background loop does.
func (c *Checker) CheckAll(ctx context.Context) {
	log := zap.L().With(zap.String("component", "monitoring.checker"))
	for _, tenant := range c.tenants {
		snap, err := c.collector.Collect(ctx, tenant)
		if err != nil {
			log.Error("monitoring: failed to collect metrics",
				zap.String("tenant", tenant),
				zap.Error(err))
			continue
		}

		alerts := c.alerter.Evaluate(snap)
		if len(alerts) == 0 {
			log.Debug("monitoring: no alerts triggered", zap.String("tenant", tenant))
			continue
		}

		sent := c.alerter.SendAlerts(ctx, alerts)
		log.Info("monitoring: alert check complete",
			zap.String("tenant", tenant),
			zap.Int("alerts_triggered", len(alerts)),
			zap.Int("alerts_sent", sent),
		)
	}
}
