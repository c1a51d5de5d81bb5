package extract

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/halcyon-labs/homebase/internal/model"
	"github.com/halcyon-labs/homebase/internal/resilience"
	"github.com/halcyon-labs/homebase/internal/store"
)

// Config controls the extraction sweep.
type Config struct {
	BatchSize     int
	MaxAttempts   int
	MinConfidence float64
	Retry         resilience.RetryConfig
	Circuit       resilience.CircuitBreakerConfig
}

// Orchestrator runs extraction over unanalyzed messages. The primary
// provider handles everything; the secondary is consulted only when the
// primary fails at the transport level (timeouts, quota, 5xx). Responses
// that fail schema validation are recorded and retried on a later sweep, up
// to MaxAttempts per message.
type Orchestrator struct {
	store     store.Store
	primary   Provider
	secondary Provider // nil disables fallback
	cfg       Config
	breakers  *resilience.ServiceBreakers
}

// NewOrchestrator creates an extraction orchestrator.
func NewOrchestrator(st store.Store, primary, secondary Provider, cfg Config) *Orchestrator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	// Only transport failures trip a provider's breaker.
	cfg.Circuit.ShouldTrip = resilience.IsTransient
	return &Orchestrator{
		store:     st,
		primary:   primary,
		secondary: secondary,
		cfg:       cfg,
		breakers:  resilience.NewServiceBreakers(cfg.Circuit),
	}
}

// Result summarizes one extraction sweep.
type Result struct {
	Scanned       int
	Analyzed      int
	Failed        int
	EventsCreated int
	TasksCreated  int
}

// AnalyzeUnanalyzed processes a batch of unanalyzed messages for the tenant.
// Messages that have exhausted their attempts are not selected. Per-message
// failures are recorded and do not abort the sweep, so an interrupted or
// partially failed sweep picks up where it left off next time.
func (o *Orchestrator) AnalyzeUnanalyzed(ctx context.Context, tenant string) (*Result, error) {
	log := zap.L().With(zap.String("tenant", tenant))

	msgs, err := o.store.ListUnanalyzedMessages(ctx, tenant, o.cfg.MaxAttempts, o.cfg.BatchSize)
	if err != nil {
		return nil, eris.Wrap(err, "extract: list unanalyzed")
	}

	res := &Result{Scanned: len(msgs)}
	for i := range msgs {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		m := &msgs[i]
		if err := o.analyzeMessage(ctx, tenant, m, res); err != nil {
			res.Failed++
			log.Warn("message analysis failed",
				zap.String("message_id", m.ID),
				zap.Error(err))
		}
	}

	log.Info("extraction sweep complete",
		zap.Int("scanned", res.Scanned),
		zap.Int("analyzed", res.Analyzed),
		zap.Int("failed", res.Failed),
		zap.Int("events_created", res.EventsCreated),
		zap.Int("tasks_created", res.TasksCreated))
	return res, nil
}

func (o *Orchestrator) analyzeMessage(ctx context.Context, tenant string, m *model.Message, res *Result) error {
	in := Input{
		Sender:         m.Sender,
		Subject:        m.Subject,
		SentAt:         m.SentAt,
		Body:           m.Body,
		AttachmentText: m.AttachmentText,
	}

	ext, providerName, err := o.analyze(ctx, in)
	if err != nil {
		if recErr := o.recordFailure(ctx, m.ID, providerName, err); recErr != nil {
			return recErr
		}
		return err
	}

	events, tasks := o.toCandidates(tenant, m.ID, ext)
	analysis := &model.Analysis{
		MessageID:       m.ID,
		Provider:        providerName,
		Summary:         ext.Summary,
		QualityScore:    ext.QualityScore,
		EventsExtracted: len(events),
		TasksExtracted:  len(tasks),
		Status:          model.ReviewAnalyzed,
	}

	evN, tkN, err := o.store.ApplyExtraction(ctx, tenant, m.ID, analysis, events, tasks)
	if err != nil {
		return eris.Wrapf(err, "extract: apply extraction %s", m.ID)
	}
	res.Analyzed++
	res.EventsCreated += evN
	res.TasksCreated += tkN
	return nil
}

// analyze calls the primary provider, falling back to the secondary only on
// transport failures. Validation failures never trigger fallback: a provider
// that answered badly should answer again, not be swapped out.
func (o *Orchestrator) analyze(ctx context.Context, in Input) (*Extraction, string, error) {
	ext, err := o.call(ctx, o.primary, in)
	if err == nil {
		return ext, o.primary.Name(), nil
	}
	if o.secondary == nil || !isTransportFailure(err) {
		return nil, o.primary.Name(), err
	}

	zap.L().Info("falling back to secondary provider",
		zap.String("primary", o.primary.Name()),
		zap.String("secondary", o.secondary.Name()),
		zap.Error(err))

	ext, err2 := o.call(ctx, o.secondary, in)
	if err2 != nil {
		return nil, o.secondary.Name(), err2
	}
	return ext, o.secondary.Name(), nil
}

func (o *Orchestrator) call(ctx context.Context, p Provider, in Input) (*Extraction, error) {
	cb := o.breakers.Get(p.Name())
	cfg := o.cfg.Retry
	cfg.OnRetry = resilience.RetryLogger(p.Name(), "analyze")

	return resilience.DoVal(ctx, cfg, func(ctx context.Context) (*Extraction, error) {
		return resilience.ExecuteVal(ctx, cb, func(ctx context.Context) (*Extraction, error) {
			return p.Analyze(ctx, in)
		})
	})
}

func isTransportFailure(err error) bool {
	return resilience.IsTransient(err) || eris.Is(err, resilience.ErrCircuitOpen)
}

func (o *Orchestrator) toCandidates(tenant, messageID string, ext *Extraction) ([]model.CandidateEvent, []model.CandidateTask) {
	var events []model.CandidateEvent
	for _, ev := range ext.Events {
		if ev.Confidence < o.cfg.MinConfidence {
			continue
		}
		events = append(events, model.CandidateEvent{
			TenantID:        tenant,
			SourceMessageID: messageID,
			Title:           ev.Title,
			StartAt:         ev.StartAt,
			EndAt:           ev.EndAt,
			Description:     ev.Description,
			Location:        ev.Location,
			SubjectTag:      ev.SubjectTag,
			Confidence:      ev.Confidence,
		})
	}

	var tasks []model.CandidateTask
	for _, tk := range ext.Tasks {
		if tk.Confidence < o.cfg.MinConfidence {
			continue
		}
		tasks = append(tasks, model.CandidateTask{
			TenantID:        tenant,
			SourceMessageID: messageID,
			Title:           tk.Title,
			Category:        tk.Category,
			DueDate:         tk.DueDate,
			Amount:          tk.Amount,
			URL:             tk.URL,
			SubjectTag:      tk.SubjectTag,
			Confidence:      tk.Confidence,
		})
	}
	return events, tasks
}

// recordFailure stores a failed analysis attempt. The attempt count carries
// forward from the previous failure so selection can exclude exhausted
// messages.
func (o *Orchestrator) recordFailure(ctx context.Context, messageID, providerName string, cause error) error {
	retryCount := 1
	if latest, err := o.store.LatestAnalysis(ctx, messageID); err == nil && latest != nil && latest.Error != "" {
		retryCount = latest.RetryCount + 1
	}

	return o.store.InsertAnalysis(ctx, &model.Analysis{
		MessageID:  messageID,
		Provider:   providerName,
		Status:     model.ReviewPending,
		Error:      cause.Error(),
		RetryCount: retryCount,
	})
}
