// Package calsync pushes pending candidate events to the external calendar.
// Each event moves through pending -> synced or pending -> failed -> synced,
// with a bounded retry count so a permanently rejected event cannot wedge the
// sweep. Duplicate detection against the remote calendar runs before every
// insert, so a crash between insert and the local status update cannot
// produce a second remote event on the next sweep.
package calsync

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/halcyon-labs/homebase/internal/model"
	"github.com/halcyon-labs/homebase/internal/resilience"
	"github.com/halcyon-labs/homebase/internal/store"
	"github.com/halcyon-labs/homebase/pkg/calendar"
)

// Config controls a sync sweep.
type Config struct {
	CalendarID string
	// DupWindow is how far around an event's start time to search for an
	// existing remote event with the same title.
	DupWindow  time.Duration
	BatchSize  int
	MaxRetries int
	Retry      resilience.RetryConfig
}

// Syncer reconciles local candidate events with the remote calendar.
type Syncer struct {
	store  store.Store
	client calendar.Client
	cfg    Config
	now    func() time.Time
}

// NewSyncer creates a calendar syncer.
func NewSyncer(st store.Store, client calendar.Client, cfg Config) *Syncer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.DupWindow <= 0 {
		cfg.DupWindow = 30 * time.Minute
	}
	cfg.Retry.ShouldRetry = retryableCalendarError
	return &Syncer{store: st, client: client, cfg: cfg, now: time.Now}
}

func retryableCalendarError(err error) bool {
	if apiErr, ok := calendar.AsAPIError(err); ok {
		return resilience.IsTransientHTTPStatus(apiErr.StatusCode)
	}
	return resilience.IsTransient(err)
}

// Result summarizes one sync sweep.
type Result struct {
	Scanned  int
	Synced   int
	Linked   int // matched an existing remote event instead of inserting
	Failed   int
	Inserted int
}

// SyncPending pushes the tenant's syncable events. Events whose retry count
// has reached MaxRetries are not selected; ListExhausted surfaces them for
// operator review. Per-event failures are recorded and the sweep continues.
func (s *Syncer) SyncPending(ctx context.Context, tenant string) (*Result, error) {
	log := zap.L().With(zap.String("tenant", tenant))

	events, err := s.store.ListSyncableEvents(ctx, tenant, s.cfg.MaxRetries, s.cfg.BatchSize)
	if err != nil {
		return nil, eris.Wrap(err, "calsync: list syncable events")
	}

	res := &Result{Scanned: len(events)}
	for i := range events {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		ev := &events[i]
		linked, err := s.syncOne(ctx, ev)
		if err != nil {
			res.Failed++
			log.Warn("event sync failed",
				zap.String("event_id", ev.ID),
				zap.String("title", ev.Title),
				zap.Error(err))
			if markErr := s.store.MarkEventSyncFailed(ctx, ev.TenantID, ev.ID, err.Error()); markErr != nil {
				log.Error("failed to record sync failure",
					zap.String("event_id", ev.ID),
					zap.Error(markErr))
			}
			continue
		}
		res.Synced++
		if linked {
			res.Linked++
		} else {
			res.Inserted++
		}
	}

	log.Info("calendar sync sweep complete",
		zap.Int("scanned", res.Scanned),
		zap.Int("synced", res.Synced),
		zap.Int("linked", res.Linked),
		zap.Int("inserted", res.Inserted),
		zap.Int("failed", res.Failed))
	return res, nil
}

// syncOne returns true when the event was linked to an existing remote event
// rather than inserted.
func (s *Syncer) syncOne(ctx context.Context, ev *model.CandidateEvent) (bool, error) {
	externalID, err := resilience.DoVal(ctx, s.cfg.Retry, func(ctx context.Context) (string, error) {
		return s.client.FindDuplicate(ctx, s.cfg.CalendarID, ev.Title, ev.StartAt, s.cfg.DupWindow)
	})
	if err != nil {
		return false, eris.Wrapf(err, "calsync: find duplicate for %s", ev.ID)
	}

	linked := externalID != ""
	if !linked {
		externalID, err = resilience.DoVal(ctx, s.cfg.Retry, func(ctx context.Context) (string, error) {
			return s.client.InsertEvent(ctx, s.cfg.CalendarID, calendar.Event{
				Title:       ev.Title,
				Description: ev.Description,
				Location:    ev.Location,
				StartAt:     ev.StartAt,
				EndAt:       ev.EndAt,
			})
		})
		if err != nil {
			return false, eris.Wrapf(err, "calsync: insert event %s", ev.ID)
		}
	}

	if err := s.store.MarkEventSynced(ctx, ev.TenantID, ev.ID, externalID, s.now()); err != nil {
		return linked, eris.Wrapf(err, "calsync: mark synced %s", ev.ID)
	}
	return linked, nil
}

// RemoveRemote deletes a synced event from the remote calendar. Used when a
// capability token removes an event that already made it out. Absent remote
// events are treated as already removed.
func (s *Syncer) RemoveRemote(ctx context.Context, ev *model.CandidateEvent) error {
	if ev.ExternalID == "" {
		return nil
	}
	err := resilience.Do(ctx, s.cfg.Retry, func(ctx context.Context) error {
		return s.client.DeleteEvent(ctx, s.cfg.CalendarID, ev.ExternalID)
	})
	return eris.Wrapf(err, "calsync: delete remote event %s", ev.ExternalID)
}

// ListExhausted returns events that have used up their sync attempts.
func (s *Syncer) ListExhausted(ctx context.Context, tenant string) ([]model.CandidateEvent, error) {
	events, err := s.store.ListExhaustedEvents(ctx, tenant, s.cfg.MaxRetries)
	return events, eris.Wrap(err, "calsync: list exhausted events")
}
