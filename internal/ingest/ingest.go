// Package ingest pulls messages from the mail provider into the store. The
// sweep is idempotent: already-stored messages are skipped by provider id,
// and messages whose content fetch failed are left as stub rows so the next
// sweep retries them.
package ingest

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/halcyon-labs/homebase/internal/model"
	"github.com/halcyon-labs/homebase/internal/resilience"
	"github.com/halcyon-labs/homebase/internal/store"
	"github.com/halcyon-labs/homebase/pkg/mailbox"
)

// TextExtractor converts an attachment into plain text. Implementations may
// shell out to OCR or a parsing service; extraction failures are tolerated.
type TextExtractor interface {
	Extract(ctx context.Context, filename, mimeType string, data []byte) (string, error)
}

// Config controls sweep behavior.
type Config struct {
	Label            string
	WindowDays       int
	BatchSize        int
	MaxFetchAttempts int
	Retry            resilience.RetryConfig
}

// Service ingests provider messages for a tenant.
type Service struct {
	store store.Store
	mail  mailbox.Client
	text  TextExtractor // nil disables attachment extraction
	cfg   Config
	now   func() time.Time
}

// NewService creates an ingest service.
func NewService(st store.Store, mail mailbox.Client, text TextExtractor, cfg Config) *Service {
	if cfg.WindowDays <= 0 {
		cfg.WindowDays = 30
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxFetchAttempts <= 0 {
		cfg.MaxFetchAttempts = 5
	}
	cfg.Retry.ShouldRetry = retryableMailboxError
	return &Service{store: st, mail: mail, text: text, cfg: cfg, now: time.Now}
}

// retryableMailboxError treats provider 408/429/5xx and network failures as
// transient.
func retryableMailboxError(err error) bool {
	if apiErr, ok := mailbox.AsAPIError(err); ok {
		return resilience.IsTransientHTTPStatus(apiErr.StatusCode)
	}
	return resilience.IsTransient(err)
}

// Result summarizes one ingestion sweep.
type Result struct {
	Listed     int
	Inserted   int
	Refetched  int
	Duplicates int
	FetchFails int
	Labeled    int
}

// FetchAndStore lists recent messages, fetches any not yet stored, and
// records them. Running it twice over the same window stores nothing new.
func (s *Service) FetchAndStore(ctx context.Context, tenant string) (*Result, error) {
	log := zap.L().With(zap.String("tenant", tenant))
	res := &Result{}

	after := s.now().AddDate(0, 0, -s.cfg.WindowDays)
	refs, err := resilience.DoVal(ctx, s.cfg.Retry, func(ctx context.Context) ([]mailbox.MessageRef, error) {
		return s.mail.ListMessages(ctx, mailbox.ListQuery{
			After:        after,
			ExcludeLabel: s.cfg.Label,
			Limit:        s.cfg.BatchSize,
		})
	})
	if err != nil {
		return nil, eris.Wrap(err, "ingest: list messages")
	}
	res.Listed = len(refs)

	for _, ref := range refs {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if err := s.ingestOne(ctx, tenant, ref, res, log); err != nil {
			// Per-message failures don't abort the sweep.
			log.Warn("message ingestion failed",
				zap.String("provider_message_id", ref.ID),
				zap.Error(err))
		}
	}

	log.Info("ingestion sweep complete",
		zap.Int("listed", res.Listed),
		zap.Int("inserted", res.Inserted),
		zap.Int("refetched", res.Refetched),
		zap.Int("duplicates", res.Duplicates),
		zap.Int("fetch_failures", res.FetchFails))
	return res, nil
}

func (s *Service) ingestOne(ctx context.Context, tenant string, ref mailbox.MessageRef, res *Result, log *zap.Logger) error {
	existing, err := s.store.GetMessageByProviderID(ctx, tenant, ref.ID)
	if err != nil {
		return err
	}
	if existing != nil && existing.Fetched {
		res.Duplicates++
		return nil
	}
	if existing != nil && existing.FetchAttempts >= s.cfg.MaxFetchAttempts {
		res.Duplicates++
		return nil
	}

	full, err := resilience.DoVal(ctx, s.cfg.Retry, func(ctx context.Context) (*mailbox.ProviderMessage, error) {
		return s.mail.GetMessage(ctx, ref.ID)
	})
	if err != nil {
		res.FetchFails++
		if existing == nil {
			stub := &model.Message{
				TenantID:          tenant,
				ProviderMessageID: ref.ID,
				ThreadID:          ref.ThreadID,
				SentAt:            s.now().UTC(),
			}
			if insErr := s.store.InsertMessage(ctx, stub); insErr != nil && !eris.Is(insErr, store.ErrDuplicate) {
				return insErr
			}
		}
		if recErr := s.store.RecordFetchError(ctx, tenant, ref.ID, err.Error()); recErr != nil {
			return recErr
		}
		return eris.Wrapf(err, "ingest: fetch message %s", ref.ID)
	}

	msg := s.buildMessage(ctx, tenant, full, log)
	if existing == nil {
		if err := s.store.InsertMessage(ctx, msg); err != nil {
			if eris.Is(err, store.ErrDuplicate) {
				res.Duplicates++
				return nil
			}
			return err
		}
		res.Inserted++
	} else {
		if err := s.store.UpdateMessageContent(ctx, msg); err != nil {
			return err
		}
		msg.ID = existing.ID
		res.Refetched++
	}

	// Labeling is best effort; ResyncLabels retries misses.
	if err := s.labelMessage(ctx, tenant, msg.ID, ref.ID); err != nil {
		log.Warn("label application failed",
			zap.String("provider_message_id", ref.ID),
			zap.Error(err))
	} else {
		res.Labeled++
	}
	return nil
}

func (s *Service) buildMessage(ctx context.Context, tenant string, full *mailbox.ProviderMessage, log *zap.Logger) *model.Message {
	msg := &model.Message{
		TenantID:          tenant,
		ProviderMessageID: full.ID,
		ThreadID:          full.ThreadID,
		Sender:            full.From,
		Subject:           full.Subject,
		SentAt:            full.SentAt,
		Body:              full.Body,
		Fetched:           true,
		Processed:         true,
	}

	if s.text != nil {
		for _, att := range full.Attachments {
			text, err := s.text.Extract(ctx, att.Filename, att.MimeType, att.Data)
			if err != nil {
				log.Warn("attachment extraction failed",
					zap.String("provider_message_id", full.ID),
					zap.String("filename", att.Filename),
					zap.Error(err))
				continue
			}
			if text != "" {
				if msg.AttachmentText != "" {
					msg.AttachmentText += "\n\n"
				}
				msg.AttachmentText += text
			}
		}
	}
	return msg
}

func (s *Service) labelMessage(ctx context.Context, tenant, messageID, providerID string) error {
	if s.cfg.Label == "" {
		return nil
	}
	err := resilience.Do(ctx, s.cfg.Retry, func(ctx context.Context) error {
		return s.mail.ApplyLabel(ctx, providerID, s.cfg.Label)
	})
	if err != nil {
		return err
	}
	return s.store.MarkMessageLabeled(ctx, tenant, messageID)
}

// ResyncLabels re-applies the processed label to stored messages that missed
// it, so they stop reappearing in provider listings.
func (s *Service) ResyncLabels(ctx context.Context, tenant string, limit int) (int, error) {
	msgs, err := s.store.ListUnlabeledMessages(ctx, tenant, limit)
	if err != nil {
		return 0, eris.Wrap(err, "ingest: list unlabeled")
	}

	relabeled := 0
	for _, m := range msgs {
		if err := s.labelMessage(ctx, tenant, m.ID, m.ProviderMessageID); err != nil {
			zap.L().Warn("label resync failed",
				zap.String("tenant", tenant),
				zap.String("provider_message_id", m.ProviderMessageID),
				zap.Error(err))
			continue
		}
		relabeled++
	}
	return relabeled, nil
}

// ParsedMessage is a pre-parsed message delivered by webhook.
type ParsedMessage struct {
	ProviderMessageID string    `json:"provider_message_id"`
	ThreadID          string    `json:"thread_id"`
	Sender            string    `json:"sender"`
	Subject           string    `json:"subject"`
	SentAt            time.Time `json:"sent_at"`
	Body              string    `json:"body"`
	AttachmentText    string    `json:"attachment_text"`
}

// IngestParsed stores a webhook-delivered message. Returns false when the
// message was already stored.
func (s *Service) IngestParsed(ctx context.Context, tenant string, pm ParsedMessage) (created bool, err error) {
	if pm.ProviderMessageID == "" {
		return false, eris.New("ingest: missing provider_message_id")
	}

	msg := &model.Message{
		TenantID:          tenant,
		ProviderMessageID: pm.ProviderMessageID,
		ThreadID:          pm.ThreadID,
		Sender:            pm.Sender,
		Subject:           pm.Subject,
		SentAt:            pm.SentAt,
		Body:              pm.Body,
		AttachmentText:    pm.AttachmentText,
		Fetched:           true,
		Processed:         true,
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = s.now().UTC()
	}

	if err := s.store.InsertMessage(ctx, msg); err != nil {
		if eris.Is(err, store.ErrDuplicate) {
			return false, nil
		}
		return false, eris.Wrap(err, "ingest: insert parsed message")
	}
	return true, nil
}
