package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/halcyon-labs/homebase/internal/db"
	"github.com/halcyon-labs/homebase/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS messages (
	id                  TEXT PRIMARY KEY,
	tenant_id           TEXT NOT NULL,
	provider_message_id TEXT NOT NULL,
	thread_id           TEXT NOT NULL DEFAULT '',
	sender              TEXT NOT NULL DEFAULT '',
	subject             TEXT NOT NULL DEFAULT '',
	sent_at             TIMESTAMPTZ NOT NULL,
	body                TEXT NOT NULL DEFAULT '',
	attachment_text     TEXT NOT NULL DEFAULT '',
	fetched             BOOLEAN NOT NULL DEFAULT FALSE,
	processed           BOOLEAN NOT NULL DEFAULT FALSE,
	analyzed            BOOLEAN NOT NULL DEFAULT FALSE,
	labeled             BOOLEAN NOT NULL DEFAULT FALSE,
	fetch_attempts      INTEGER NOT NULL DEFAULT 0,
	last_fetch_error    TEXT NOT NULL DEFAULT '',
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (tenant_id, provider_message_id)
);

CREATE INDEX IF NOT EXISTS idx_messages_unanalyzed ON messages(tenant_id, sent_at) WHERE processed AND NOT analyzed;
CREATE INDEX IF NOT EXISTS idx_messages_unlabeled ON messages(tenant_id) WHERE processed AND NOT labeled;

CREATE TABLE IF NOT EXISTS analyses (
	id               TEXT PRIMARY KEY,
	message_id       TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	version          INTEGER NOT NULL,
	provider         TEXT NOT NULL DEFAULT '',
	summary          TEXT NOT NULL DEFAULT '',
	quality_score    DOUBLE PRECISION NOT NULL DEFAULT 0,
	events_extracted INTEGER NOT NULL DEFAULT 0,
	tasks_extracted  INTEGER NOT NULL DEFAULT 0,
	status           TEXT NOT NULL DEFAULT 'pending',
	error            TEXT NOT NULL DEFAULT '',
	retry_count      INTEGER NOT NULL DEFAULT 0,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (message_id, version)
);

CREATE TABLE IF NOT EXISTS candidate_events (
	id                TEXT PRIMARY KEY,
	tenant_id         TEXT NOT NULL,
	source_message_id TEXT NOT NULL DEFAULT '',
	title             TEXT NOT NULL,
	start_at          TIMESTAMPTZ NOT NULL,
	end_at            TIMESTAMPTZ,
	description       TEXT NOT NULL DEFAULT '',
	location          TEXT NOT NULL DEFAULT '',
	subject_tag       TEXT NOT NULL DEFAULT '',
	confidence        DOUBLE PRECISION NOT NULL DEFAULT 0,
	sync_status       TEXT NOT NULL DEFAULT 'pending',
	external_id       TEXT NOT NULL DEFAULT '',
	last_sync_error   TEXT NOT NULL DEFAULT '',
	retry_count       INTEGER NOT NULL DEFAULT 0,
	synced_at         TIMESTAMPTZ,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_events_dedup
	ON candidate_events(tenant_id, source_message_id, title, start_at)
	WHERE source_message_id <> '';
CREATE INDEX IF NOT EXISTS idx_events_syncable ON candidate_events(tenant_id, created_at) WHERE sync_status <> 'synced';

CREATE TABLE IF NOT EXISTS candidate_tasks (
	id                TEXT PRIMARY KEY,
	tenant_id         TEXT NOT NULL,
	source_message_id TEXT NOT NULL DEFAULT '',
	title             TEXT NOT NULL,
	category          TEXT NOT NULL DEFAULT 'other',
	due_date          TIMESTAMPTZ,
	amount            DOUBLE PRECISION,
	url               TEXT NOT NULL DEFAULT '',
	subject_tag       TEXT NOT NULL DEFAULT '',
	confidence        DOUBLE PRECISION NOT NULL DEFAULT 0,
	completed         BOOLEAN NOT NULL DEFAULT FALSE,
	auto_completed    BOOLEAN NOT NULL DEFAULT FALSE,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_tasks_open ON candidate_tasks(tenant_id, due_date) WHERE NOT completed;

CREATE TABLE IF NOT EXISTS action_tokens (
	id         TEXT PRIMARY KEY,
	token      TEXT NOT NULL UNIQUE,
	tenant_id  TEXT NOT NULL,
	action     TEXT NOT NULL,
	target_id  TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	used_at    TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_tokens_target ON action_tokens(tenant_id, action, target_id);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// isUniqueViolation reports whether err is a Postgres unique-constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// --- Messages ---

const messageColumns = `id, tenant_id, provider_message_id, thread_id, sender, subject, sent_at, body, attachment_text, fetched, processed, analyzed, labeled, fetch_attempts, last_fetch_error, created_at`

func (s *PostgresStore) InsertMessage(ctx context.Context, msg *model.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO messages (`+messageColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		msg.ID, msg.TenantID, msg.ProviderMessageID, msg.ThreadID, msg.Sender,
		msg.Subject, msg.SentAt, msg.Body, msg.AttachmentText,
		msg.Fetched, msg.Processed, msg.Analyzed, msg.Labeled,
		msg.FetchAttempts, msg.LastFetchError, msg.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return eris.Wrap(err, "postgres: insert message")
}

func (s *PostgresStore) UpdateMessageContent(ctx context.Context, msg *model.Message) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE messages
		 SET thread_id = $1, sender = $2, subject = $3, sent_at = $4, body = $5,
		     attachment_text = $6, fetched = $7, processed = $8, last_fetch_error = $9
		 WHERE tenant_id = $10 AND provider_message_id = $11`,
		msg.ThreadID, msg.Sender, msg.Subject, msg.SentAt, msg.Body,
		msg.AttachmentText, msg.Fetched, msg.Processed, msg.LastFetchError,
		msg.TenantID, msg.ProviderMessageID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update message content %s", msg.ProviderMessageID)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanMessage(row pgx.Row) (*model.Message, error) {
	var m model.Message
	err := row.Scan(&m.ID, &m.TenantID, &m.ProviderMessageID, &m.ThreadID,
		&m.Sender, &m.Subject, &m.SentAt, &m.Body, &m.AttachmentText,
		&m.Fetched, &m.Processed, &m.Analyzed, &m.Labeled,
		&m.FetchAttempts, &m.LastFetchError, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, tenant, id string) (*model.Message, error) {
	m, err := scanMessage(s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE tenant_id = $1 AND id = $2`,
		tenant, id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, eris.Wrap(err, "postgres: get message")
}

func (s *PostgresStore) GetMessageByProviderID(ctx context.Context, tenant, providerID string) (*model.Message, error) {
	m, err := scanMessage(s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE tenant_id = $1 AND provider_message_id = $2`,
		tenant, providerID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return m, eris.Wrap(err, "postgres: get message by provider id")
}

func (s *PostgresStore) listMessages(ctx context.Context, query string, args ...any) ([]model.Message, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

func (s *PostgresStore) ListUnanalyzedMessages(ctx context.Context, tenant string, maxAttempts, limit int) ([]model.Message, error) {
	msgs, err := s.listMessages(ctx,
		`SELECT `+messageColumns+` FROM messages m
		 WHERE m.tenant_id = $1 AND m.processed AND NOT m.analyzed
		   AND NOT EXISTS (
		     SELECT 1 FROM analyses a WHERE a.message_id = m.id AND a.retry_count >= $2
		   )
		 ORDER BY m.sent_at ASC
		 LIMIT $3`,
		tenant, maxAttempts, limit,
	)
	return msgs, eris.Wrap(err, "postgres: list unanalyzed messages")
}

func (s *PostgresStore) MarkMessageAnalyzed(ctx context.Context, tenant, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE messages SET analyzed = TRUE WHERE tenant_id = $1 AND id = $2`,
		tenant, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark message analyzed %s", id)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) RecordFetchError(ctx context.Context, tenant, providerID, errText string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE messages SET fetch_attempts = fetch_attempts + 1, last_fetch_error = $1
		 WHERE tenant_id = $2 AND provider_message_id = $3`,
		errText, tenant, providerID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: record fetch error %s", providerID)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListUnlabeledMessages(ctx context.Context, tenant string, limit int) ([]model.Message, error) {
	msgs, err := s.listMessages(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE tenant_id = $1 AND processed AND NOT labeled
		 ORDER BY sent_at ASC
		 LIMIT $2`,
		tenant, limit,
	)
	return msgs, eris.Wrap(err, "postgres: list unlabeled messages")
}

func (s *PostgresStore) MarkMessageLabeled(ctx context.Context, tenant, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE messages SET labeled = TRUE WHERE tenant_id = $1 AND id = $2`,
		tenant, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark message labeled %s", id)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Analyses ---

const analysisColumns = `id, message_id, version, provider, summary, quality_score, events_extracted, tasks_extracted, status, error, retry_count, created_at`

const insertAnalysisSQL = `INSERT INTO analyses (id, message_id, version, provider, summary, quality_score, events_extracted, tasks_extracted, status, error, retry_count, created_at)
 VALUES ($1, $2, (SELECT COALESCE(MAX(version), 0) + 1 FROM analyses WHERE message_id = $2), $3, $4, $5, $6, $7, $8, $9, $10, $11)
 RETURNING version`

func (s *PostgresStore) InsertAnalysis(ctx context.Context, a *model.Analysis) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	err := s.pool.QueryRow(ctx, insertAnalysisSQL,
		a.ID, a.MessageID, a.Provider, a.Summary, a.QualityScore,
		a.EventsExtracted, a.TasksExtracted, string(a.Status), a.Error,
		a.RetryCount, a.CreatedAt,
	).Scan(&a.Version)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return eris.Wrap(err, "postgres: insert analysis")
}

func scanAnalysis(row pgx.Row) (*model.Analysis, error) {
	var a model.Analysis
	var status string
	err := row.Scan(&a.ID, &a.MessageID, &a.Version, &a.Provider, &a.Summary,
		&a.QualityScore, &a.EventsExtracted, &a.TasksExtracted, &status,
		&a.Error, &a.RetryCount, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	a.Status = model.ReviewStatus(status)
	return &a, nil
}

func (s *PostgresStore) LatestAnalysis(ctx context.Context, messageID string) (*model.Analysis, error) {
	a, err := scanAnalysis(s.pool.QueryRow(ctx,
		`SELECT `+analysisColumns+` FROM analyses
		 WHERE message_id = $1 ORDER BY version DESC LIMIT 1`,
		messageID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return a, eris.Wrap(err, "postgres: latest analysis")
}

func (s *PostgresStore) UpdateAnalysisStatus(ctx context.Context, id string, status model.ReviewStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE analyses SET status = $1 WHERE id = $2`,
		string(status), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update analysis status %s", id)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListFailedAnalyses(ctx context.Context, tenant string, minRetries int) ([]model.Analysis, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT a.id, a.message_id, a.version, a.provider, a.summary, a.quality_score,
		        a.events_extracted, a.tasks_extracted, a.status, a.error, a.retry_count, a.created_at
		 FROM analyses a
		 JOIN messages m ON m.id = a.message_id
		 WHERE m.tenant_id = $1 AND a.status = 'pending' AND a.error <> '' AND a.retry_count >= $2
		 ORDER BY a.created_at ASC`,
		tenant, minRetries,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list failed analyses")
	}
	defer rows.Close()

	var out []model.Analysis
	for rows.Next() {
		a, err := scanAnalysis(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan analysis")
		}
		out = append(out, *a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list failed analyses iterate")
}

// --- Extraction transaction ---

func (s *PostgresStore) ApplyExtraction(ctx context.Context, tenant, messageID string, a *model.Analysis, events []model.CandidateEvent, tasks []model.CandidateTask) (int, int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, 0, eris.Wrap(err, "postgres: apply extraction: begin")
	}
	defer tx.Rollback(ctx)

	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	err = tx.QueryRow(ctx, insertAnalysisSQL,
		a.ID, a.MessageID, a.Provider, a.Summary, a.QualityScore,
		a.EventsExtracted, a.TasksExtracted, string(a.Status), a.Error,
		a.RetryCount, a.CreatedAt,
	).Scan(&a.Version)
	if err != nil {
		return 0, 0, eris.Wrap(err, "postgres: apply extraction: insert analysis")
	}

	eventsCreated := 0
	for i := range events {
		ev := &events[i]
		if ev.ID == "" {
			ev.ID = uuid.New().String()
		}
		if ev.CreatedAt.IsZero() {
			ev.CreatedAt = time.Now().UTC()
		}
		tag, err := tx.Exec(ctx,
			`INSERT INTO candidate_events (id, tenant_id, source_message_id, title, start_at, end_at, description, location, subject_tag, confidence, sync_status, external_id, last_sync_error, retry_count, synced_at, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, '', '', 0, NULL, $12)
			 ON CONFLICT (tenant_id, source_message_id, title, start_at) WHERE source_message_id <> '' DO NOTHING`,
			ev.ID, ev.TenantID, ev.SourceMessageID, ev.Title, ev.StartAt, ev.EndAt,
			ev.Description, ev.Location, ev.SubjectTag, ev.Confidence,
			string(model.SyncPending), ev.CreatedAt,
		)
		if err != nil {
			return 0, 0, eris.Wrap(err, "postgres: apply extraction: insert event")
		}
		eventsCreated += int(tag.RowsAffected())
	}

	tasksCreated := 0
	for i := range tasks {
		tk := &tasks[i]
		if tk.ID == "" {
			tk.ID = uuid.New().String()
		}
		if tk.CreatedAt.IsZero() {
			tk.CreatedAt = time.Now().UTC()
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO candidate_tasks (id, tenant_id, source_message_id, title, category, due_date, amount, url, subject_tag, confidence, completed, auto_completed, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, FALSE, FALSE, $11)`,
			tk.ID, tk.TenantID, tk.SourceMessageID, tk.Title, string(tk.Category),
			tk.DueDate, tk.Amount, tk.URL, tk.SubjectTag, tk.Confidence, tk.CreatedAt,
		)
		if err != nil {
			return 0, 0, eris.Wrap(err, "postgres: apply extraction: insert task")
		}
		tasksCreated++
	}

	tag, err := tx.Exec(ctx,
		`UPDATE messages SET analyzed = TRUE WHERE tenant_id = $1 AND id = $2`,
		tenant, messageID,
	)
	if err != nil {
		return 0, 0, eris.Wrap(err, "postgres: apply extraction: mark analyzed")
	}
	if tag.RowsAffected() == 0 {
		return 0, 0, ErrNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, 0, eris.Wrap(err, "postgres: apply extraction: commit")
	}
	return eventsCreated, tasksCreated, nil
}

// --- Candidate events ---

const eventColumns = `id, tenant_id, source_message_id, title, start_at, end_at, description, location, subject_tag, confidence, sync_status, external_id, last_sync_error, retry_count, synced_at, created_at`

func (s *PostgresStore) InsertCandidateEvent(ctx context.Context, ev *model.CandidateEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	if ev.SyncStatus == "" {
		ev.SyncStatus = model.SyncPending
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO candidate_events (`+eventColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		ev.ID, ev.TenantID, ev.SourceMessageID, ev.Title, ev.StartAt, ev.EndAt,
		ev.Description, ev.Location, ev.SubjectTag, ev.Confidence,
		string(ev.SyncStatus), ev.ExternalID, ev.LastSyncError, ev.RetryCount,
		ev.SyncedAt, ev.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return eris.Wrap(err, "postgres: insert candidate event")
}

func scanEvent(row pgx.Row) (*model.CandidateEvent, error) {
	var ev model.CandidateEvent
	var status string
	err := row.Scan(&ev.ID, &ev.TenantID, &ev.SourceMessageID, &ev.Title,
		&ev.StartAt, &ev.EndAt, &ev.Description, &ev.Location, &ev.SubjectTag,
		&ev.Confidence, &status, &ev.ExternalID, &ev.LastSyncError,
		&ev.RetryCount, &ev.SyncedAt, &ev.CreatedAt)
	if err != nil {
		return nil, err
	}
	ev.SyncStatus = model.SyncStatus(status)
	return &ev, nil
}

func (s *PostgresStore) GetCandidateEvent(ctx context.Context, tenant, id string) (*model.CandidateEvent, error) {
	ev, err := scanEvent(s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM candidate_events WHERE tenant_id = $1 AND id = $2`,
		tenant, id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return ev, eris.Wrap(err, "postgres: get candidate event")
}

func (s *PostgresStore) listEvents(ctx context.Context, query string, args ...any) ([]model.CandidateEvent, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.CandidateEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListSyncableEvents(ctx context.Context, tenant string, maxRetries, limit int) ([]model.CandidateEvent, error) {
	evs, err := s.listEvents(ctx,
		`SELECT `+eventColumns+` FROM candidate_events
		 WHERE tenant_id = $1 AND sync_status IN ('pending', 'failed') AND retry_count < $2
		 ORDER BY created_at ASC
		 LIMIT $3`,
		tenant, maxRetries, limit,
	)
	return evs, eris.Wrap(err, "postgres: list syncable events")
}

func (s *PostgresStore) MarkEventSynced(ctx context.Context, tenant, id, externalID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE candidate_events
		 SET sync_status = 'synced', external_id = $1, synced_at = $2, last_sync_error = ''
		 WHERE tenant_id = $3 AND id = $4`,
		externalID, at, tenant, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark event synced %s", id)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MarkEventSyncFailed(ctx context.Context, tenant, id, errText string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE candidate_events
		 SET sync_status = 'failed', last_sync_error = $1, retry_count = retry_count + 1
		 WHERE tenant_id = $2 AND id = $3 AND sync_status <> 'synced'`,
		errText, tenant, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark event sync failed %s", id)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListExhaustedEvents(ctx context.Context, tenant string, maxRetries int) ([]model.CandidateEvent, error) {
	evs, err := s.listEvents(ctx,
		`SELECT `+eventColumns+` FROM candidate_events
		 WHERE tenant_id = $1 AND sync_status = 'failed' AND retry_count >= $2
		 ORDER BY created_at ASC`,
		tenant, maxRetries,
	)
	return evs, eris.Wrap(err, "postgres: list exhausted events")
}

func (s *PostgresStore) DeleteCandidateEvent(ctx context.Context, tenant, id string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM candidate_events WHERE tenant_id = $1 AND id = $2`,
		tenant, id,
	)
	return eris.Wrap(err, "postgres: delete candidate event")
}

// --- Candidate tasks ---

const taskColumns = `id, tenant_id, source_message_id, title, category, due_date, amount, url, subject_tag, confidence, completed, auto_completed, created_at`

func (s *PostgresStore) InsertCandidateTask(ctx context.Context, tk *model.CandidateTask) error {
	if tk.ID == "" {
		tk.ID = uuid.New().String()
	}
	if tk.CreatedAt.IsZero() {
		tk.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO candidate_tasks (`+taskColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		tk.ID, tk.TenantID, tk.SourceMessageID, tk.Title, string(tk.Category),
		tk.DueDate, tk.Amount, tk.URL, tk.SubjectTag, tk.Confidence,
		tk.Completed, tk.AutoCompleted, tk.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert candidate task")
}

func (s *PostgresStore) GetCandidateTask(ctx context.Context, tenant, id string) (*model.CandidateTask, error) {
	var tk model.CandidateTask
	var category string
	err := s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM candidate_tasks WHERE tenant_id = $1 AND id = $2`,
		tenant, id,
	).Scan(&tk.ID, &tk.TenantID, &tk.SourceMessageID, &tk.Title, &category,
		&tk.DueDate, &tk.Amount, &tk.URL, &tk.SubjectTag, &tk.Confidence,
		&tk.Completed, &tk.AutoCompleted, &tk.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get candidate task")
	}
	tk.Category = model.TaskCategory(category)
	return &tk, nil
}

func (s *PostgresStore) CompleteCandidateTask(ctx context.Context, tenant, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE candidate_tasks SET completed = TRUE WHERE tenant_id = $1 AND id = $2`,
		tenant, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete candidate task %s", id)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) AutoCompleteOverdueTasks(ctx context.Context, tenant string, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE candidate_tasks
		 SET completed = TRUE, auto_completed = TRUE
		 WHERE tenant_id = $1 AND NOT completed AND due_date IS NOT NULL AND due_date < $2`,
		tenant, now,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: auto-complete overdue tasks")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) DeleteCandidateTask(ctx context.Context, tenant, id string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM candidate_tasks WHERE tenant_id = $1 AND id = $2`,
		tenant, id,
	)
	return eris.Wrap(err, "postgres: delete candidate task")
}

// --- Capability tokens ---

const tokenColumns = `id, token, tenant_id, action, target_id, expires_at, used_at, created_at`

func (s *PostgresStore) InsertActionToken(ctx context.Context, t *model.ActionToken) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO action_tokens (`+tokenColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		t.ID, t.Token, t.TenantID, string(t.Action), t.TargetID,
		t.ExpiresAt, t.UsedAt, t.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return eris.Wrap(err, "postgres: insert action token")
}

// RedeemActionToken marks the token used in a single conditional UPDATE so
// two concurrent redemptions cannot both succeed. When the update matches no
// row, a follow-up lookup classifies the failure.
func (s *PostgresStore) RedeemActionToken(ctx context.Context, token string, now time.Time) (*model.ActionToken, error) {
	var t model.ActionToken
	var action string
	err := s.pool.QueryRow(ctx,
		`UPDATE action_tokens SET used_at = $1
		 WHERE token = $2 AND used_at IS NULL AND expires_at > $1
		 RETURNING `+tokenColumns,
		now, token,
	).Scan(&t.ID, &t.Token, &t.TenantID, &action, &t.TargetID,
		&t.ExpiresAt, &t.UsedAt, &t.CreatedAt)
	if err == nil {
		t.Action = model.TokenAction(action)
		return &t, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrap(err, "postgres: redeem action token")
	}

	var usedAt *time.Time
	var expiresAt time.Time
	err = s.pool.QueryRow(ctx,
		`SELECT used_at, expires_at FROM action_tokens WHERE token = $1`,
		token,
	).Scan(&usedAt, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: classify redemption failure")
	}
	if usedAt != nil {
		return nil, ErrTokenUsed
	}
	return nil, ErrTokenExpired
}

func (s *PostgresStore) DeleteTokensForTarget(ctx context.Context, tenant string, action model.TokenAction, targetID string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM action_tokens WHERE tenant_id = $1 AND action = $2 AND target_id = $3`,
		tenant, string(action), targetID,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete tokens for target")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) DeleteExpiredTokens(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM action_tokens WHERE expires_at <= $1`,
		now,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete expired tokens")
	}
	return int(tag.RowsAffected()), nil
}

// --- Reporting / lifecycle ---

func (s *PostgresStore) PipelineCounts(ctx context.Context, tenant string) (*Counts, error) {
	var c Counts
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE processed AND NOT analyzed)
		 FROM messages WHERE tenant_id = $1`,
		tenant,
	).Scan(&c.Messages, &c.MessagesUnanalyzed)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count messages")
	}

	err = s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FILTER (WHERE sync_status = 'pending'),
		        COUNT(*) FILTER (WHERE sync_status = 'synced'),
		        COUNT(*) FILTER (WHERE sync_status = 'failed')
		 FROM candidate_events WHERE tenant_id = $1`,
		tenant,
	).Scan(&c.EventsPending, &c.EventsSynced, &c.EventsFailed)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count events")
	}

	err = s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM candidate_tasks WHERE tenant_id = $1 AND NOT completed`,
		tenant,
	).Scan(&c.TasksOpen)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count tasks")
	}
	return &c, nil
}

func (s *PostgresStore) DeleteTenantData(ctx context.Context, tenant string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: delete tenant data: begin")
	}
	defer tx.Rollback(ctx)

	for _, stmt := range []string{
		`DELETE FROM action_tokens WHERE tenant_id = $1`,
		`DELETE FROM candidate_tasks WHERE tenant_id = $1`,
		`DELETE FROM candidate_events WHERE tenant_id = $1`,
		`DELETE FROM analyses WHERE message_id IN (SELECT id FROM messages WHERE tenant_id = $1)`,
		`DELETE FROM messages WHERE tenant_id = $1`,
	} {
		if _, err := tx.Exec(ctx, stmt, tenant); err != nil {
			return eris.Wrap(err, "postgres: delete tenant data")
		}
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: delete tenant data: commit")
}
