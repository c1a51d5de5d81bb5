package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	sqlite "modernc.org/sqlite"

	"github.com/halcyon-labs/homebase/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. It serves
// single-household deployments and the test suite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	sdb, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// Serialize access through one connection; SQLite handles its own
	// locking and the sweeps are low-throughput.
	sdb.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := sdb.Exec(pragma); err != nil {
			sdb.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: sdb}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS messages (
	id                  TEXT PRIMARY KEY,
	tenant_id           TEXT NOT NULL,
	provider_message_id TEXT NOT NULL,
	thread_id           TEXT NOT NULL DEFAULT '',
	sender              TEXT NOT NULL DEFAULT '',
	subject             TEXT NOT NULL DEFAULT '',
	sent_at             DATETIME NOT NULL,
	body                TEXT NOT NULL DEFAULT '',
	attachment_text     TEXT NOT NULL DEFAULT '',
	fetched             BOOLEAN NOT NULL DEFAULT 0,
	processed           BOOLEAN NOT NULL DEFAULT 0,
	analyzed            BOOLEAN NOT NULL DEFAULT 0,
	labeled             BOOLEAN NOT NULL DEFAULT 0,
	fetch_attempts      INTEGER NOT NULL DEFAULT 0,
	last_fetch_error    TEXT NOT NULL DEFAULT '',
	created_at          DATETIME NOT NULL,
	UNIQUE (tenant_id, provider_message_id)
);

CREATE TABLE IF NOT EXISTS analyses (
	id               TEXT PRIMARY KEY,
	message_id       TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	version          INTEGER NOT NULL,
	provider         TEXT NOT NULL DEFAULT '',
	summary          TEXT NOT NULL DEFAULT '',
	quality_score    REAL NOT NULL DEFAULT 0,
	events_extracted INTEGER NOT NULL DEFAULT 0,
	tasks_extracted  INTEGER NOT NULL DEFAULT 0,
	status           TEXT NOT NULL DEFAULT 'pending',
	error            TEXT NOT NULL DEFAULT '',
	retry_count      INTEGER NOT NULL DEFAULT 0,
	created_at       DATETIME NOT NULL,
	UNIQUE (message_id, version)
);

CREATE TABLE IF NOT EXISTS candidate_events (
	id                TEXT PRIMARY KEY,
	tenant_id         TEXT NOT NULL,
	source_message_id TEXT NOT NULL DEFAULT '',
	title             TEXT NOT NULL,
	start_at          DATETIME NOT NULL,
	end_at            DATETIME,
	description       TEXT NOT NULL DEFAULT '',
	location          TEXT NOT NULL DEFAULT '',
	subject_tag       TEXT NOT NULL DEFAULT '',
	confidence        REAL NOT NULL DEFAULT 0,
	sync_status       TEXT NOT NULL DEFAULT 'pending',
	external_id       TEXT NOT NULL DEFAULT '',
	last_sync_error   TEXT NOT NULL DEFAULT '',
	retry_count       INTEGER NOT NULL DEFAULT 0,
	synced_at         DATETIME,
	created_at        DATETIME NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_events_dedup
	ON candidate_events(tenant_id, source_message_id, title, start_at)
	WHERE source_message_id <> '';

CREATE TABLE IF NOT EXISTS candidate_tasks (
	id                TEXT PRIMARY KEY,
	tenant_id         TEXT NOT NULL,
	source_message_id TEXT NOT NULL DEFAULT '',
	title             TEXT NOT NULL,
	category          TEXT NOT NULL DEFAULT 'other',
	due_date          DATETIME,
	amount            REAL,
	url               TEXT NOT NULL DEFAULT '',
	subject_tag       TEXT NOT NULL DEFAULT '',
	confidence        REAL NOT NULL DEFAULT 0,
	completed         BOOLEAN NOT NULL DEFAULT 0,
	auto_completed    BOOLEAN NOT NULL DEFAULT 0,
	created_at        DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS action_tokens (
	id         TEXT PRIMARY KEY,
	token      TEXT NOT NULL UNIQUE,
	tenant_id  TEXT NOT NULL,
	action     TEXT NOT NULL,
	target_id  TEXT NOT NULL,
	expires_at DATETIME NOT NULL,
	used_at    DATETIME,
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_tenant ON messages(tenant_id, sent_at);
CREATE INDEX IF NOT EXISTS idx_events_tenant ON candidate_events(tenant_id, created_at);
CREATE INDEX IF NOT EXISTS idx_tokens_target ON action_tokens(tenant_id, action, target_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// isSQLiteUnique reports whether err is a SQLite unique-constraint violation.
func isSQLiteUnique(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		// SQLITE_CONSTRAINT_UNIQUE and SQLITE_CONSTRAINT_PRIMARYKEY
		return se.Code() == 2067 || se.Code() == 1555
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// --- Messages ---

func (s *SQLiteStore) InsertMessage(ctx context.Context, msg *model.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (`+messageColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.TenantID, msg.ProviderMessageID, msg.ThreadID, msg.Sender,
		msg.Subject, msg.SentAt.UTC(), msg.Body, msg.AttachmentText,
		msg.Fetched, msg.Processed, msg.Analyzed, msg.Labeled,
		msg.FetchAttempts, msg.LastFetchError, msg.CreatedAt.UTC(),
	)
	if isSQLiteUnique(err) {
		return ErrDuplicate
	}
	return eris.Wrap(err, "sqlite: insert message")
}

func (s *SQLiteStore) UpdateMessageContent(ctx context.Context, msg *model.Message) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages
		 SET thread_id = ?, sender = ?, subject = ?, sent_at = ?, body = ?,
		     attachment_text = ?, fetched = ?, processed = ?, last_fetch_error = ?
		 WHERE tenant_id = ? AND provider_message_id = ?`,
		msg.ThreadID, msg.Sender, msg.Subject, msg.SentAt.UTC(), msg.Body,
		msg.AttachmentText, msg.Fetched, msg.Processed, msg.LastFetchError,
		msg.TenantID, msg.ProviderMessageID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update message content %s", msg.ProviderMessageID)
	}
	return checkRowsAffected(res)
}

// checkRowsAffected maps a zero-row update to ErrNotFound.
func checkRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessageRow(row rowScanner) (*model.Message, error) {
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

func (s *SQLiteStore) GetMessage(ctx context.Context, tenant, id string) (*model.Message, error) {
	m, err := scanMessageRow(s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE tenant_id = ? AND id = ?`,
		tenant, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, eris.Wrap(err, "sqlite: get message")
}

func (s *SQLiteStore) GetMessageByProviderID(ctx context.Context, tenant, providerID string) (*model.Message, error) {
	m, err := scanMessageRow(s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE tenant_id = ? AND provider_message_id = ?`,
		tenant, providerID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, eris.Wrap(err, "sqlite: get message by provider id")
}

func (s *SQLiteStore) listMessages(ctx context.Context, query string, args ...any) ([]model.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		m, err := scanMessageRow(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

func (s *SQLiteStore) ListUnanalyzedMessages(ctx context.Context, tenant string, maxAttempts, limit int) ([]model.Message, error) {
	msgs, err := s.listMessages(ctx,
		`SELECT `+messageColumns+` FROM messages m
		 WHERE m.tenant_id = ? AND m.processed AND NOT m.analyzed
		   AND NOT EXISTS (
		     SELECT 1 FROM analyses a WHERE a.message_id = m.id AND a.retry_count >= ?
		   )
		 ORDER BY m.sent_at ASC
		 LIMIT ?`,
		tenant, maxAttempts, limit,
	)
	return msgs, eris.Wrap(err, "sqlite: list unanalyzed messages")
}

func (s *SQLiteStore) MarkMessageAnalyzed(ctx context.Context, tenant, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET analyzed = 1 WHERE tenant_id = ? AND id = ?`,
		tenant, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark message analyzed %s", id)
	}
	return checkRowsAffected(res)
}

func (s *SQLiteStore) RecordFetchError(ctx context.Context, tenant, providerID, errText string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET fetch_attempts = fetch_attempts + 1, last_fetch_error = ?
		 WHERE tenant_id = ? AND provider_message_id = ?`,
		errText, tenant, providerID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: record fetch error %s", providerID)
	}
	return checkRowsAffected(res)
}

func (s *SQLiteStore) ListUnlabeledMessages(ctx context.Context, tenant string, limit int) ([]model.Message, error) {
	msgs, err := s.listMessages(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE tenant_id = ? AND processed AND NOT labeled
		 ORDER BY sent_at ASC
		 LIMIT ?`,
		tenant, limit,
	)
	return msgs, eris.Wrap(err, "sqlite: list unlabeled messages")
}

func (s *SQLiteStore) MarkMessageLabeled(ctx context.Context, tenant, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET labeled = 1 WHERE tenant_id = ? AND id = ?`,
		tenant, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark message labeled %s", id)
	}
	return checkRowsAffected(res)
}

// --- Analyses ---

const sqliteInsertAnalysis = `INSERT INTO analyses (id, message_id, version, provider, summary, quality_score, events_extracted, tasks_extracted, status, error, retry_count, created_at)
 VALUES (?, ?, (SELECT COALESCE(MAX(version), 0) + 1 FROM analyses WHERE message_id = ?), ?, ?, ?, ?, ?, ?, ?, ?, ?)
 RETURNING version`

func (s *SQLiteStore) InsertAnalysis(ctx context.Context, a *model.Analysis) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	err := s.db.QueryRowContext(ctx, sqliteInsertAnalysis,
		a.ID, a.MessageID, a.MessageID, a.Provider, a.Summary, a.QualityScore,
		a.EventsExtracted, a.TasksExtracted, string(a.Status), a.Error,
		a.RetryCount, a.CreatedAt.UTC(),
	).Scan(&a.Version)
	if isSQLiteUnique(err) {
		return ErrDuplicate
	}
	return eris.Wrap(err, "sqlite: insert analysis")
}

func scanAnalysisRow(row rowScanner) (*model.Analysis, error) {
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

func (s *SQLiteStore) LatestAnalysis(ctx context.Context, messageID string) (*model.Analysis, error) {
	a, err := scanAnalysisRow(s.db.QueryRowContext(ctx,
		`SELECT `+analysisColumns+` FROM analyses
		 WHERE message_id = ? ORDER BY version DESC LIMIT 1`,
		messageID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, eris.Wrap(err, "sqlite: latest analysis")
}

func (s *SQLiteStore) UpdateAnalysisStatus(ctx context.Context, id string, status model.ReviewStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE analyses SET status = ? WHERE id = ?`,
		string(status), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update analysis status %s", id)
	}
	return checkRowsAffected(res)
}

func (s *SQLiteStore) ListFailedAnalyses(ctx context.Context, tenant string, minRetries int) ([]model.Analysis, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT a.id, a.message_id, a.version, a.provider, a.summary, a.quality_score,
		        a.events_extracted, a.tasks_extracted, a.status, a.error, a.retry_count, a.created_at
		 FROM analyses a
		 JOIN messages m ON m.id = a.message_id
		 WHERE m.tenant_id = ? AND a.status = 'pending' AND a.error <> '' AND a.retry_count >= ?
		 ORDER BY a.created_at ASC`,
		tenant, minRetries,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list failed analyses")
	}
	defer rows.Close()

	var out []model.Analysis
	for rows.Next() {
		a, err := scanAnalysisRow(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan analysis")
		}
		out = append(out, *a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list failed analyses iterate")
}

// --- Extraction transaction ---

func (s *SQLiteStore) ApplyExtraction(ctx context.Context, tenant, messageID string, a *model.Analysis, events []model.CandidateEvent, tasks []model.CandidateTask) (int, int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, eris.Wrap(err, "sqlite: apply extraction: begin")
	}
	defer tx.Rollback()

	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	err = tx.QueryRowContext(ctx, sqliteInsertAnalysis,
		a.ID, a.MessageID, a.MessageID, a.Provider, a.Summary, a.QualityScore,
		a.EventsExtracted, a.TasksExtracted, string(a.Status), a.Error,
		a.RetryCount, a.CreatedAt.UTC(),
	).Scan(&a.Version)
	if err != nil {
		return 0, 0, eris.Wrap(err, "sqlite: apply extraction: insert analysis")
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
		var endAt any
		if ev.EndAt != nil {
			endAt = ev.EndAt.UTC()
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO candidate_events (id, tenant_id, source_message_id, title, start_at, end_at, description, location, subject_tag, confidence, sync_status, external_id, last_sync_error, retry_count, synced_at, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', '', 0, NULL, ?)
			 ON CONFLICT (tenant_id, source_message_id, title, start_at) WHERE source_message_id <> '' DO NOTHING`,
			ev.ID, ev.TenantID, ev.SourceMessageID, ev.Title, ev.StartAt.UTC(), endAt,
			ev.Description, ev.Location, ev.SubjectTag, ev.Confidence,
			string(model.SyncPending), ev.CreatedAt.UTC(),
		)
		if err != nil {
			return 0, 0, eris.Wrap(err, "sqlite: apply extraction: insert event")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, 0, eris.Wrap(err, "sqlite: apply extraction: rows affected")
		}
		eventsCreated += int(n)
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
		var due any
		if tk.DueDate != nil {
			due = tk.DueDate.UTC()
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO candidate_tasks (id, tenant_id, source_message_id, title, category, due_date, amount, url, subject_tag, confidence, completed, auto_completed, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?)`,
			tk.ID, tk.TenantID, tk.SourceMessageID, tk.Title, string(tk.Category),
			due, tk.Amount, tk.URL, tk.SubjectTag, tk.Confidence, tk.CreatedAt.UTC(),
		)
		if err != nil {
			return 0, 0, eris.Wrap(err, "sqlite: apply extraction: insert task")
		}
		tasksCreated++
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE messages SET analyzed = 1 WHERE tenant_id = ? AND id = ?`,
		tenant, messageID,
	)
	if err != nil {
		return 0, 0, eris.Wrap(err, "sqlite: apply extraction: mark analyzed")
	}
	if err := checkRowsAffected(res); err != nil {
		return 0, 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, eris.Wrap(err, "sqlite: apply extraction: commit")
	}
	return eventsCreated, tasksCreated, nil
}

// --- Candidate events ---

func (s *SQLiteStore) InsertCandidateEvent(ctx context.Context, ev *model.CandidateEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	if ev.SyncStatus == "" {
		ev.SyncStatus = model.SyncPending
	}
	var endAt, syncedAt any
	if ev.EndAt != nil {
		endAt = ev.EndAt.UTC()
	}
	if ev.SyncedAt != nil {
		syncedAt = ev.SyncedAt.UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO candidate_events (`+eventColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.TenantID, ev.SourceMessageID, ev.Title, ev.StartAt.UTC(), endAt,
		ev.Description, ev.Location, ev.SubjectTag, ev.Confidence,
		string(ev.SyncStatus), ev.ExternalID, ev.LastSyncError, ev.RetryCount,
		syncedAt, ev.CreatedAt.UTC(),
	)
	if isSQLiteUnique(err) {
		return ErrDuplicate
	}
	return eris.Wrap(err, "sqlite: insert candidate event")
}

func scanEventRow(row rowScanner) (*model.CandidateEvent, error) {
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

func (s *SQLiteStore) GetCandidateEvent(ctx context.Context, tenant, id string) (*model.CandidateEvent, error) {
	ev, err := scanEventRow(s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM candidate_events WHERE tenant_id = ? AND id = ?`,
		tenant, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return ev, eris.Wrap(err, "sqlite: get candidate event")
}

func (s *SQLiteStore) listEvents(ctx context.Context, query string, args ...any) ([]model.CandidateEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.CandidateEvent
	for rows.Next() {
		ev, err := scanEventRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListSyncableEvents(ctx context.Context, tenant string, maxRetries, limit int) ([]model.CandidateEvent, error) {
	evs, err := s.listEvents(ctx,
		`SELECT `+eventColumns+` FROM candidate_events
		 WHERE tenant_id = ? AND sync_status IN ('pending', 'failed') AND retry_count < ?
		 ORDER BY created_at ASC
		 LIMIT ?`,
		tenant, maxRetries, limit,
	)
	return evs, eris.Wrap(err, "sqlite: list syncable events")
}

func (s *SQLiteStore) MarkEventSynced(ctx context.Context, tenant, id, externalID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE candidate_events
		 SET sync_status = 'synced', external_id = ?, synced_at = ?, last_sync_error = ''
		 WHERE tenant_id = ? AND id = ?`,
		externalID, at.UTC(), tenant, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark event synced %s", id)
	}
	return checkRowsAffected(res)
}

func (s *SQLiteStore) MarkEventSyncFailed(ctx context.Context, tenant, id, errText string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE candidate_events
		 SET sync_status = 'failed', last_sync_error = ?, retry_count = retry_count + 1
		 WHERE tenant_id = ? AND id = ? AND sync_status <> 'synced'`,
		errText, tenant, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark event sync failed %s", id)
	}
	return checkRowsAffected(res)
}

func (s *SQLiteStore) ListExhaustedEvents(ctx context.Context, tenant string, maxRetries int) ([]model.CandidateEvent, error) {
	evs, err := s.listEvents(ctx,
		`SELECT `+eventColumns+` FROM candidate_events
		 WHERE tenant_id = ? AND sync_status = 'failed' AND retry_count >= ?
		 ORDER BY created_at ASC`,
		tenant, maxRetries,
	)
	return evs, eris.Wrap(err, "sqlite: list exhausted events")
}

func (s *SQLiteStore) DeleteCandidateEvent(ctx context.Context, tenant, id string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM candidate_events WHERE tenant_id = ? AND id = ?`,
		tenant, id,
	)
	return eris.Wrap(err, "sqlite: delete candidate event")
}

// --- Candidate tasks ---

func (s *SQLiteStore) InsertCandidateTask(ctx context.Context, tk *model.CandidateTask) error {
	if tk.ID == "" {
		tk.ID = uuid.New().String()
	}
	if tk.CreatedAt.IsZero() {
		tk.CreatedAt = time.Now().UTC()
	}
	var due any
	if tk.DueDate != nil {
		due = tk.DueDate.UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO candidate_tasks (`+taskColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tk.ID, tk.TenantID, tk.SourceMessageID, tk.Title, string(tk.Category),
		due, tk.Amount, tk.URL, tk.SubjectTag, tk.Confidence,
		tk.Completed, tk.AutoCompleted, tk.CreatedAt.UTC(),
	)
	return eris.Wrap(err, "sqlite: insert candidate task")
}

func (s *SQLiteStore) GetCandidateTask(ctx context.Context, tenant, id string) (*model.CandidateTask, error) {
	var tk model.CandidateTask
	var category string
	err := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM candidate_tasks WHERE tenant_id = ? AND id = ?`,
		tenant, id,
	).Scan(&tk.ID, &tk.TenantID, &tk.SourceMessageID, &tk.Title, &category,
		&tk.DueDate, &tk.Amount, &tk.URL, &tk.SubjectTag, &tk.Confidence,
		&tk.Completed, &tk.AutoCompleted, &tk.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get candidate task")
	}
	tk.Category = model.TaskCategory(category)
	return &tk, nil
}

func (s *SQLiteStore) CompleteCandidateTask(ctx context.Context, tenant, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE candidate_tasks SET completed = 1 WHERE tenant_id = ? AND id = ?`,
		tenant, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete candidate task %s", id)
	}
	return checkRowsAffected(res)
}

func (s *SQLiteStore) AutoCompleteOverdueTasks(ctx context.Context, tenant string, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE candidate_tasks
		 SET completed = 1, auto_completed = 1
		 WHERE tenant_id = ? AND NOT completed AND due_date IS NOT NULL AND due_date < ?`,
		tenant, now.UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: auto-complete overdue tasks")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: rows affected")
	}
	return int(n), nil
}

func (s *SQLiteStore) DeleteCandidateTask(ctx context.Context, tenant, id string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM candidate_tasks WHERE tenant_id = ? AND id = ?`,
		tenant, id,
	)
	return eris.Wrap(err, "sqlite: delete candidate task")
}

// --- Capability tokens ---

func (s *SQLiteStore) InsertActionToken(ctx context.Context, t *model.ActionToken) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	var usedAt any
	if t.UsedAt != nil {
		usedAt = t.UsedAt.UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO action_tokens (`+tokenColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Token, t.TenantID, string(t.Action), t.TargetID,
		t.ExpiresAt.UTC(), usedAt, t.CreatedAt.UTC(),
	)
	if isSQLiteUnique(err) {
		return ErrDuplicate
	}
	return eris.Wrap(err, "sqlite: insert action token")
}

func (s *SQLiteStore) RedeemActionToken(ctx context.Context, token string, now time.Time) (*model.ActionToken, error) {
	var t model.ActionToken
	var action string
	err := s.db.QueryRowContext(ctx,
		`UPDATE action_tokens SET used_at = ?
		 WHERE token = ? AND used_at IS NULL AND expires_at > ?
		 RETURNING `+tokenColumns,
		now.UTC(), token, now.UTC(),
	).Scan(&t.ID, &t.Token, &t.TenantID, &action, &t.TargetID,
		&t.ExpiresAt, &t.UsedAt, &t.CreatedAt)
	if err == nil {
		t.Action = model.TokenAction(action)
		return &t, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrap(err, "sqlite: redeem action token")
	}

	var usedAt *time.Time
	var expiresAt time.Time
	err = s.db.QueryRowContext(ctx,
		`SELECT used_at, expires_at FROM action_tokens WHERE token = ?`,
		token,
	).Scan(&usedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: classify redemption failure")
	}
	if usedAt != nil {
		return nil, ErrTokenUsed
	}
	return nil, ErrTokenExpired
}

func (s *SQLiteStore) DeleteTokensForTarget(ctx context.Context, tenant string, action model.TokenAction, targetID string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM action_tokens WHERE tenant_id = ? AND action = ? AND target_id = ?`,
		tenant, string(action), targetID,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete tokens for target")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: rows affected")
	}
	return int(n), nil
}

func (s *SQLiteStore) DeleteExpiredTokens(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM action_tokens WHERE expires_at <= ?`,
		now.UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete expired tokens")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: rows affected")
	}
	return int(n), nil
}

// --- Reporting / lifecycle ---

func (s *SQLiteStore) PipelineCounts(ctx context.Context, tenant string) (*Counts, error) {
	var c Counts
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN processed AND NOT analyzed THEN 1 ELSE 0 END), 0)
		 FROM messages WHERE tenant_id = ?`,
		tenant,
	).Scan(&c.Messages, &c.MessagesUnanalyzed)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count messages")
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(CASE WHEN sync_status = 'pending' THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN sync_status = 'synced' THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN sync_status = 'failed' THEN 1 ELSE 0 END), 0)
		 FROM candidate_events WHERE tenant_id = ?`,
		tenant,
	).Scan(&c.EventsPending, &c.EventsSynced, &c.EventsFailed)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count events")
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM candidate_tasks WHERE tenant_id = ? AND NOT completed`,
		tenant,
	).Scan(&c.TasksOpen)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count tasks")
	}
	return &c, nil
}

func (s *SQLiteStore) DeleteTenantData(ctx context.Context, tenant string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: delete tenant data: begin")
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM action_tokens WHERE tenant_id = ?`,
		`DELETE FROM candidate_tasks WHERE tenant_id = ?`,
		`DELETE FROM candidate_events WHERE tenant_id = ?`,
		`DELETE FROM analyses WHERE message_id IN (SELECT id FROM messages WHERE tenant_id = ?)`,
		`DELETE FROM messages WHERE tenant_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, tenant); err != nil {
			return eris.Wrap(err, "sqlite: delete tenant data")
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: delete tenant data: commit")
}
