package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/halcyon-labs/homebase/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertAnalysisFailures AlertType = "analysis_failures"
	AlertSyncExhausted    AlertType = "sync_exhausted"
	AlertBacklogStalled   AlertType = "backlog_stalled"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Tenant    string         `json:"tenant"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds and
// sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
	now    func() time.Time
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		now:    time.Now,
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := a.now().UTC()

	if a.cfg.FailureThreshold > 0 && snap.FailedAnalyses >= a.cfg.FailureThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertAnalysisFailures,
			Severity: "high",
			Tenant:   snap.Tenant,
			Message: fmt.Sprintf(
				"%d message(s) have exhausted extraction attempts (threshold %d)",
				snap.FailedAnalyses, a.cfg.FailureThreshold,
			),
			Details: map[string]any{
				"failed_analyses": snap.FailedAnalyses,
				"threshold":       a.cfg.FailureThreshold,
				"unanalyzed":      snap.MessagesUnanalyzed,
			},
			Timestamp: now,
		})
	}

	if snap.ExhaustedEvents > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertSyncExhausted,
			Severity: "high",
			Tenant:   snap.Tenant,
			Message: fmt.Sprintf(
				"%d event(s) gave up calendar sync and need review",
				snap.ExhaustedEvents,
			),
			Details: map[string]any{
				"exhausted_events": snap.ExhaustedEvents,
				"events_failed":    snap.EventsFailed,
			},
			Timestamp: now,
		})
	}

	if a.cfg.StalledAfterHrs > 0 && !snap.OldestUnanalyzed.IsZero() {
		stalledCutoff := now.Add(-time.Duration(a.cfg.StalledAfterHrs) * time.Hour)
		if snap.OldestUnanalyzed.Before(stalledCutoff) {
			alerts = append(alerts, Alert{
				Type:     AlertBacklogStalled,
				Severity: "medium",
				Tenant:   snap.Tenant,
				Message: fmt.Sprintf(
					"analysis backlog stalled: oldest unanalyzed message waiting since %s (%d pending)",
					snap.OldestUnanalyzed.Format(time.RFC3339), snap.MessagesUnanalyzed,
				),
				Details: map[string]any{
					"oldest_unanalyzed": snap.OldestUnanalyzed,
					"unanalyzed":        snap.MessagesUnanalyzed,
					"stalled_after_hrs": a.cfg.StalledAfterHrs,
				},
				Timestamp: now,
			})
		}
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
			zap.String("tenant", alert.Tenant),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
