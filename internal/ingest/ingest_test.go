package ingest

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/halcyon-labs/homebase/internal/resilience"
	"github.com/halcyon-labs/homebase/internal/store"
	"github.com/halcyon-labs/homebase/pkg/mailbox"
)

type mockMail struct {
	mock.Mock
}

func (m *mockMail) ListMessages(ctx context.Context, q mailbox.ListQuery) ([]mailbox.MessageRef, error) {
	args := m.Called(ctx, q)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]mailbox.MessageRef), args.Error(1)
}

func (m *mockMail) GetMessage(ctx context.Context, id string) (*mailbox.ProviderMessage, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*mailbox.ProviderMessage), args.Error(1)
}

func (m *mockMail) ApplyLabel(ctx context.Context, id, label string) error {
	return m.Called(ctx, id, label).Error(0)
}

type stubExtractor struct {
	text string
	err  error
}

func (s *stubExtractor) Extract(_ context.Context, _, _ string, _ []byte) (string, error) {
	return s.text, s.err
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func testConfig() Config {
	return Config{
		Label:            "homebase/processed",
		WindowDays:       30,
		BatchSize:        100,
		MaxFetchAttempts: 3,
		Retry:            resilience.RetryConfig{MaxAttempts: 1},
	}
}

func providerMsg(id string) *mailbox.ProviderMessage {
	return &mailbox.ProviderMessage{
		ID:      id,
		From:    "school@example.org",
		Subject: "Picture Day",
		SentAt:  time.Date(2026, 2, 20, 9, 0, 0, 0, time.UTC),
		Body:    "Picture day is March 2nd.",
	}
}

func TestFetchAndStore_Idempotent(t *testing.T) {
	st := newTestStore(t)
	mail := &mockMail{}
	refs := []mailbox.MessageRef{{ID: "m1"}, {ID: "m2"}}

	mail.On("ListMessages", mock.Anything, mock.Anything).Return(refs, nil)
	mail.On("GetMessage", mock.Anything, "m1").Return(providerMsg("m1"), nil).Once()
	mail.On("GetMessage", mock.Anything, "m2").Return(providerMsg("m2"), nil).Once()
	mail.On("ApplyLabel", mock.Anything, mock.Anything, "homebase/processed").Return(nil)

	svc := NewService(st, mail, nil, testConfig())

	res, err := svc.FetchAndStore(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)
	assert.Equal(t, 2, res.Labeled)
	assert.Zero(t, res.Duplicates)

	// Second sweep over the same window stores nothing new and never
	// refetches content.
	res, err = svc.FetchAndStore(context.Background(), "t1")
	require.NoError(t, err)
	assert.Zero(t, res.Inserted)
	assert.Equal(t, 2, res.Duplicates)
	mail.AssertExpectations(t)
}

func TestFetchAndStore_FetchFailureLeavesRetryableStub(t *testing.T) {
	st := newTestStore(t)
	mail := &mockMail{}

	mail.On("ListMessages", mock.Anything, mock.Anything).Return([]mailbox.MessageRef{{ID: "m1"}}, nil)
	mail.On("GetMessage", mock.Anything, "m1").Return(nil, errors.New("connection refused")).Once()

	svc := NewService(st, mail, nil, testConfig())

	res, err := svc.FetchAndStore(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.FetchFails)
	assert.Zero(t, res.Inserted)

	stub, err := st.GetMessageByProviderID(context.Background(), "t1", "m1")
	require.NoError(t, err)
	require.NotNil(t, stub)
	assert.False(t, stub.Fetched)
	assert.Equal(t, 1, stub.FetchAttempts)
	assert.Contains(t, stub.LastFetchError, "connection refused")

	// Next sweep retries the stub and fills in content.
	mail.On("GetMessage", mock.Anything, "m1").Return(providerMsg("m1"), nil).Once()
	mail.On("ApplyLabel", mock.Anything, "m1", "homebase/processed").Return(nil)

	res, err = svc.FetchAndStore(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Refetched)

	got, err := st.GetMessageByProviderID(context.Background(), "t1", "m1")
	require.NoError(t, err)
	assert.True(t, got.Fetched)
	assert.Equal(t, "Picture Day", got.Subject)
	mail.AssertExpectations(t)
}

func TestFetchAndStore_ExhaustedStubNotRetried(t *testing.T) {
	st := newTestStore(t)
	mail := &mockMail{}

	mail.On("ListMessages", mock.Anything, mock.Anything).Return([]mailbox.MessageRef{{ID: "m1"}}, nil)
	mail.On("GetMessage", mock.Anything, "m1").Return(nil, errors.New("boom"))

	cfg := testConfig()
	cfg.MaxFetchAttempts = 2
	svc := NewService(st, mail, nil, cfg)

	for i := 0; i < 2; i++ {
		_, err := svc.FetchAndStore(context.Background(), "t1")
		require.NoError(t, err)
	}

	// Attempts exhausted: the third sweep skips the stub entirely.
	res, err := svc.FetchAndStore(context.Background(), "t1")
	require.NoError(t, err)
	assert.Zero(t, res.FetchFails)
	assert.Equal(t, 1, res.Duplicates)
	mail.AssertNumberOfCalls(t, "GetMessage", 2)
}

func TestFetchAndStore_AttachmentText(t *testing.T) {
	st := newTestStore(t)
	mail := &mockMail{}

	msg := providerMsg("m1")
	msg.Attachments = []mailbox.Attachment{
		{Filename: "flyer.pdf", MimeType: "application/pdf", Data: []byte("pdf")},
	}
	mail.On("ListMessages", mock.Anything, mock.Anything).Return([]mailbox.MessageRef{{ID: "m1"}}, nil)
	mail.On("GetMessage", mock.Anything, "m1").Return(msg, nil)
	mail.On("ApplyLabel", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	svc := NewService(st, mail, &stubExtractor{text: "Picture packages from $15"}, testConfig())

	_, err := svc.FetchAndStore(context.Background(), "t1")
	require.NoError(t, err)

	got, err := st.GetMessageByProviderID(context.Background(), "t1", "m1")
	require.NoError(t, err)
	assert.Equal(t, "Picture packages from $15", got.AttachmentText)
}

func TestFetchAndStore_ExtractorFailureTolerated(t *testing.T) {
	st := newTestStore(t)
	mail := &mockMail{}

	msg := providerMsg("m1")
	msg.Attachments = []mailbox.Attachment{{Filename: "flyer.pdf"}}
	mail.On("ListMessages", mock.Anything, mock.Anything).Return([]mailbox.MessageRef{{ID: "m1"}}, nil)
	mail.On("GetMessage", mock.Anything, "m1").Return(msg, nil)
	mail.On("ApplyLabel", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	svc := NewService(st, mail, &stubExtractor{err: errors.New("ocr unavailable")}, testConfig())

	res, err := svc.FetchAndStore(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)

	got, err := st.GetMessageByProviderID(context.Background(), "t1", "m1")
	require.NoError(t, err)
	assert.Empty(t, got.AttachmentText)
	assert.Equal(t, "Picture day is March 2nd.", got.Body)
}

func TestResyncLabels(t *testing.T) {
	st := newTestStore(t)
	mail := &mockMail{}

	mail.On("ListMessages", mock.Anything, mock.Anything).Return([]mailbox.MessageRef{{ID: "m1"}}, nil)
	mail.On("GetMessage", mock.Anything, "m1").Return(providerMsg("m1"), nil)
	// Label fails during the sweep, succeeds on resync.
	mail.On("ApplyLabel", mock.Anything, "m1", "homebase/processed").Return(errors.New("label quota")).Once()
	mail.On("ApplyLabel", mock.Anything, "m1", "homebase/processed").Return(nil).Once()

	svc := NewService(st, mail, nil, testConfig())

	res, err := svc.FetchAndStore(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	assert.Zero(t, res.Labeled)

	n, err := svc.ResyncLabels(context.Background(), "t1", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	unlabeled, err := st.ListUnlabeledMessages(context.Background(), "t1", 10)
	require.NoError(t, err)
	assert.Empty(t, unlabeled)
	mail.AssertExpectations(t)
}

func TestIngestParsed(t *testing.T) {
	st := newTestStore(t)
	svc := NewService(st, &mockMail{}, nil, testConfig())

	pm := ParsedMessage{
		ProviderMessageID: "web-1",
		Sender:            "coach@example.org",
		Subject:           "Practice moved",
		SentAt:            time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
		Body:              "Practice is at 5pm now.",
	}

	created, err := svc.IngestParsed(context.Background(), "t1", pm)
	require.NoError(t, err)
	assert.True(t, created)

	// Redelivery of the same webhook is a no-op.
	created, err = svc.IngestParsed(context.Background(), "t1", pm)
	require.NoError(t, err)
	assert.False(t, created)

	_, err = svc.IngestParsed(context.Background(), "t1", ParsedMessage{})
	require.Error(t, err)
}
