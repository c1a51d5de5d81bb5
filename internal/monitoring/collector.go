// Package monitoring watches pipeline health per tenant and pushes webhook
// alerts when extraction failures pile up, calendar sync gives up on events,
// or the analysis backlog stops moving.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/halcyon-labs/homebase/internal/store"
)

// MetricsSnapshot holds a point-in-time view of one tenant's pipeline.
type MetricsSnapshot struct {
	Tenant string `json:"tenant"`

	// Pipeline counts.
	Messages           int `json:"messages"`
	MessagesUnanalyzed int `json:"messages_unanalyzed"`
	EventsPending      int `json:"events_pending"`
	EventsSynced       int `json:"events_synced"`
	EventsFailed       int `json:"events_failed"`
	TasksOpen          int `json:"tasks_open"`

	// Failure detail.
	FailedAnalyses  int `json:"failed_analyses"`
	ExhaustedEvents int `json:"exhausted_events"`

	// OldestUnanalyzed is the ingestion time of the oldest message still
	// waiting for analysis; zero when the backlog is empty.
	OldestUnanalyzed time.Time `json:"oldest_unanalyzed,omitempty"`

	CollectedAt time.Time `json:"collected_at"`
}

// Collector gathers per-tenant metrics from the store. The attempt limits
// must match what the extraction and sync sweeps run with, so "failed" and
// "exhausted" here mean the same thing they mean to the sweeps.
type Collector struct {
	store          store.Store
	maxAttempts    int
	maxSyncRetries int
}

// NewCollector creates a metrics collector.
func NewCollector(st store.Store, maxAttempts, maxSyncRetries int) *Collector {
	return &Collector{store: st, maxAttempts: maxAttempts, maxSyncRetries: maxSyncRetries}
}

// Collect gathers a snapshot for one tenant.
func (c *Collector) Collect(ctx context.Context, tenant string) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{
		Tenant:      tenant,
		CollectedAt: time.Now().UTC(),
	}

	counts, err := c.store.PipelineCounts(ctx, tenant)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: pipeline counts")
	}
	snap.Messages = counts.Messages
	snap.MessagesUnanalyzed = counts.MessagesUnanalyzed
	snap.EventsPending = counts.EventsPending
	snap.EventsSynced = counts.EventsSynced
	snap.EventsFailed = counts.EventsFailed
	snap.TasksOpen = counts.TasksOpen

	failed, err := c.store.ListFailedAnalyses(ctx, tenant, c.maxAttempts)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list failed analyses")
	}
	snap.FailedAnalyses = len(failed)

	exhausted, err := c.store.ListExhaustedEvents(ctx, tenant, c.maxSyncRetries)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list exhausted events")
	}
	snap.ExhaustedEvents = len(exhausted)

	// Oldest-first ordering makes the head of the list the stall witness.
	if snap.MessagesUnanalyzed > 0 {
		msgs, err := c.store.ListUnanalyzedMessages(ctx, tenant, c.maxAttempts, 1)
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: oldest unanalyzed")
		}
		if len(msgs) > 0 {
			snap.OldestUnanalyzed = msgs[0].CreatedAt
		}
	}

	return snap, nil
}
