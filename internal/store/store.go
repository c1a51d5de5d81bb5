// Package store persists the pipeline's five entities in a relational
// database. Every query is tenant-scoped, and every state transition the
// pipeline's correctness depends on (message dedup, candidate-event dedup,
// token redemption) is a single atomic statement, so concurrent sweeps
// against the same tenant cannot corrupt state.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/halcyon-labs/homebase/internal/model"
)

// Sentinel errors returned by store implementations.
var (
	// ErrDuplicate signals a unique-constraint conflict on insert. For
	// message and candidate-event inserts this is an expected no-op, not a
	// failure.
	ErrDuplicate = eris.New("store: duplicate row")

	// ErrNotFound signals that a row targeted by id does not exist.
	ErrNotFound = eris.New("store: not found")

	// Token redemption failures, distinguished so the redemption endpoint
	// can surface a specific reason to the caller.
	ErrTokenNotFound = eris.New("store: token not found")
	ErrTokenUsed     = eris.New("store: token already used")
	ErrTokenExpired  = eris.New("store: token expired")
)

// Counts is a per-tenant snapshot of pipeline progress for reporting.
type Counts struct {
	Messages           int `json:"messages"`
	MessagesUnanalyzed int `json:"messages_unanalyzed"`
	EventsPending      int `json:"events_pending"`
	EventsSynced       int `json:"events_synced"`
	EventsFailed       int `json:"events_failed"`
	TasksOpen          int `json:"tasks_open"`
}

// Store defines the persistence contract for the assistant pipeline.
type Store interface {
	// Messages
	InsertMessage(ctx context.Context, msg *model.Message) error
	// UpdateMessageContent fills in the fetched content of a stub row left
	// behind by an earlier failed fetch, keyed by provider message id.
	UpdateMessageContent(ctx context.Context, msg *model.Message) error
	GetMessage(ctx context.Context, tenant, id string) (*model.Message, error)
	GetMessageByProviderID(ctx context.Context, tenant, providerID string) (*model.Message, error)
	ListUnanalyzedMessages(ctx context.Context, tenant string, maxAttempts, limit int) ([]model.Message, error)
	MarkMessageAnalyzed(ctx context.Context, tenant, id string) error
	RecordFetchError(ctx context.Context, tenant, providerID, errText string) error
	ListUnlabeledMessages(ctx context.Context, tenant string, limit int) ([]model.Message, error)
	MarkMessageLabeled(ctx context.Context, tenant, id string) error

	// Analyses (append-only, versioned per message)
	InsertAnalysis(ctx context.Context, a *model.Analysis) error
	LatestAnalysis(ctx context.Context, messageID string) (*model.Analysis, error)
	UpdateAnalysisStatus(ctx context.Context, id string, status model.ReviewStatus) error
	ListFailedAnalyses(ctx context.Context, tenant string, minRetries int) ([]model.Analysis, error)

	// ApplyExtraction commits the analysis row, the derived candidates, and
	// the message's analyzed flag in one transaction. Candidate-event
	// duplicates inside the transaction are tolerated and simply not
	// counted. Either the message ends fully analyzed or untouched.
	ApplyExtraction(ctx context.Context, tenant, messageID string, a *model.Analysis, events []model.CandidateEvent, tasks []model.CandidateTask) (eventsCreated, tasksCreated int, err error)

	// Candidate events
	InsertCandidateEvent(ctx context.Context, ev *model.CandidateEvent) error
	GetCandidateEvent(ctx context.Context, tenant, id string) (*model.CandidateEvent, error)
	ListSyncableEvents(ctx context.Context, tenant string, maxRetries, limit int) ([]model.CandidateEvent, error)
	MarkEventSynced(ctx context.Context, tenant, id, externalID string, at time.Time) error
	MarkEventSyncFailed(ctx context.Context, tenant, id, errText string) error
	ListExhaustedEvents(ctx context.Context, tenant string, maxRetries int) ([]model.CandidateEvent, error)
	DeleteCandidateEvent(ctx context.Context, tenant, id string) error

	// Candidate tasks
	InsertCandidateTask(ctx context.Context, tk *model.CandidateTask) error
	GetCandidateTask(ctx context.Context, tenant, id string) (*model.CandidateTask, error)
	CompleteCandidateTask(ctx context.Context, tenant, id string) error
	AutoCompleteOverdueTasks(ctx context.Context, tenant string, now time.Time) (int, error)
	DeleteCandidateTask(ctx context.Context, tenant, id string) error

	// Capability tokens
	InsertActionToken(ctx context.Context, t *model.ActionToken) error
	RedeemActionToken(ctx context.Context, token string, now time.Time) (*model.ActionToken, error)
	DeleteTokensForTarget(ctx context.Context, tenant string, action model.TokenAction, targetID string) (int, error)
	DeleteExpiredTokens(ctx context.Context, now time.Time) (int, error)

	// Reporting
	PipelineCounts(ctx context.Context, tenant string) (*Counts, error)

	// Lifecycle
	DeleteTenantData(ctx context.Context, tenant string) error
	Migrate(ctx context.Context) error
	Close() error
}
