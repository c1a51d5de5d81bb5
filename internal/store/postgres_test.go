package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyon-labs/homebase/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_InsertMessage_Duplicate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO messages`).
		WithArgs(pgxmock.AnyArg(), "t1", "prov-A", "", "", "", pgxmock.AnyArg(),
			"", "", false, false, false, false, 0, "", pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	err := s.InsertMessage(context.Background(), &model.Message{
		TenantID:          "t1",
		ProviderMessageID: "prov-A",
		SentAt:            time.Now().UTC(),
	})
	require.ErrorIs(t, err, ErrDuplicate)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetMessage_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT .+ FROM messages WHERE tenant_id = \$1 AND id = \$2`).
		WithArgs("t1", "nonexistent").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetMessage(context.Background(), "t1", "nonexistent")
	require.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetMessageByProviderID_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT .+ FROM messages WHERE tenant_id = \$1 AND provider_message_id = \$2`).
		WithArgs("t1", "prov-unknown").
		WillReturnError(pgx.ErrNoRows)

	got, err := s.GetMessageByProviderID(context.Background(), "t1", "prov-unknown")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LatestAnalysis_None(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT .+ FROM analyses`).
		WithArgs("msg-1").
		WillReturnError(pgx.ErrNoRows)

	got, err := s.LatestAnalysis(context.Background(), "msg-1")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertAnalysis_AssignsVersion(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`INSERT INTO analyses`).
		WithArgs(pgxmock.AnyArg(), "msg-1", "anthropic", "summary", 0.9,
			1, 2, "analyzed", "", 0, pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"version"}).AddRow(3))

	a := &model.Analysis{
		MessageID:       "msg-1",
		Provider:        "anthropic",
		Summary:         "summary",
		QualityScore:    0.9,
		EventsExtracted: 1,
		TasksExtracted:  2,
		Status:          model.ReviewAnalyzed,
	}
	require.NoError(t, s.InsertAnalysis(context.Background(), a))
	assert.Equal(t, 3, a.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MarkEventSyncFailed_AlreadySynced(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE candidate_events`).
		WithArgs("late error", "t1", "ev-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.MarkEventSyncFailed(context.Background(), "t1", "ev-1", "late error")
	require.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RedeemActionToken_Classification(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("not found", func(t *testing.T) {
		s, mock := newMockPostgresStore(t)

		mock.ExpectQuery(`UPDATE action_tokens SET used_at`).
			WithArgs(now, "tok-x").
			WillReturnError(pgx.ErrNoRows)
		mock.ExpectQuery(`SELECT used_at, expires_at FROM action_tokens`).
			WithArgs("tok-x").
			WillReturnError(pgx.ErrNoRows)

		_, err := s.RedeemActionToken(context.Background(), "tok-x", now)
		require.ErrorIs(t, err, ErrTokenNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("already used", func(t *testing.T) {
		s, mock := newMockPostgresStore(t)
		used := now.Add(-time.Hour)

		mock.ExpectQuery(`UPDATE action_tokens SET used_at`).
			WithArgs(now, "tok-x").
			WillReturnError(pgx.ErrNoRows)
		mock.ExpectQuery(`SELECT used_at, expires_at FROM action_tokens`).
			WithArgs("tok-x").
			WillReturnRows(pgxmock.NewRows([]string{"used_at", "expires_at"}).
				AddRow(&used, now.Add(time.Hour)))

		_, err := s.RedeemActionToken(context.Background(), "tok-x", now)
		require.ErrorIs(t, err, ErrTokenUsed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("expired", func(t *testing.T) {
		s, mock := newMockPostgresStore(t)

		mock.ExpectQuery(`UPDATE action_tokens SET used_at`).
			WithArgs(now, "tok-x").
			WillReturnError(pgx.ErrNoRows)
		mock.ExpectQuery(`SELECT used_at, expires_at FROM action_tokens`).
			WithArgs("tok-x").
			WillReturnRows(pgxmock.NewRows([]string{"used_at", "expires_at"}).
				AddRow((*time.Time)(nil), now.Add(-time.Hour)))

		_, err := s.RedeemActionToken(context.Background(), "tok-x", now)
		require.ErrorIs(t, err, ErrTokenExpired)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresStore_DeleteTenantData_Transaction(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM action_tokens WHERE tenant_id = \$1`).
		WithArgs("t1").WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectExec(`DELETE FROM candidate_tasks WHERE tenant_id = \$1`).
		WithArgs("t1").WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec(`DELETE FROM candidate_events WHERE tenant_id = \$1`).
		WithArgs("t1").WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec(`DELETE FROM analyses WHERE message_id IN`).
		WithArgs("t1").WillReturnResult(pgxmock.NewResult("DELETE", 3))
	mock.ExpectExec(`DELETE FROM messages WHERE tenant_id = \$1`).
		WithArgs("t1").WillReturnResult(pgxmock.NewResult("DELETE", 3))
	mock.ExpectCommit()

	require.NoError(t, s.DeleteTenantData(context.Background(), "t1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
