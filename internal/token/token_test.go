package token

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyon-labs/homebase/internal/model"
	"github.com/halcyon-labs/homebase/internal/store"
)

type fakeRemover struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeRemover) RemoveRemote(_ context.Context, ev *model.CandidateEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, ev.ExternalID)
	return f.err
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func seedTask(t *testing.T, s store.Store, tenant string) *model.CandidateTask {
	t.Helper()
	tk := &model.CandidateTask{
		TenantID:   tenant,
		Title:      "Sign permission slip",
		Category:   model.CategorySignature,
		Confidence: 0.9,
	}
	require.NoError(t, s.InsertCandidateTask(context.Background(), tk))
	return tk
}

func seedSyncedEvent(t *testing.T, s store.Store, tenant string) *model.CandidateEvent {
	t.Helper()
	ctx := context.Background()
	ev := &model.CandidateEvent{
		TenantID:   tenant,
		Title:      "Picture Day",
		StartAt:    time.Date(2026, 9, 12, 9, 0, 0, 0, time.UTC),
		Confidence: 0.9,
		SyncStatus: model.SyncPending,
	}
	require.NoError(t, s.InsertCandidateEvent(ctx, ev))
	require.NoError(t, s.MarkEventSynced(ctx, tenant, ev.ID, "ext-42", time.Now().UTC()))
	return ev
}

func TestIssueAndRedeem_CompleteTask(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	tk := seedTask(t, s, "t1")

	svc := NewService(s, nil, Config{TTL: time.Hour, BaseURL: "https://app.example.com"})

	issued, err := svc.Issue(ctx, "t1", model.ActionCompleteTask, tk.ID)
	require.NoError(t, err)
	assert.Len(t, issued.Token, 43)
	assert.Equal(t, "https://app.example.com/a/"+issued.Token, svc.RedemptionURL(issued))

	redeemed, err := svc.Redeem(ctx, issued.Token)
	require.NoError(t, err)
	assert.Equal(t, tk.ID, redeemed.TargetID)

	got, err := s.GetCandidateTask(ctx, "t1", tk.ID)
	require.NoError(t, err)
	assert.True(t, got.Completed)
	assert.False(t, got.AutoCompleted)
}

func TestRedeem_SecondUseRejected(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	tk := seedTask(t, s, "t1")

	svc := NewService(s, nil, Config{TTL: time.Hour})
	issued, err := svc.Issue(ctx, "t1", model.ActionCompleteTask, tk.ID)
	require.NoError(t, err)

	_, err = svc.Redeem(ctx, issued.Token)
	require.NoError(t, err)

	_, err = svc.Redeem(ctx, issued.Token)
	assert.ErrorIs(t, err, store.ErrTokenUsed)
}

func TestRedeem_UnknownToken(t *testing.T) {
	s := newTestStore(t)
	svc := NewService(s, nil, Config{TTL: time.Hour})

	_, err := svc.Redeem(context.Background(), "no-such-token")
	assert.ErrorIs(t, err, store.ErrTokenNotFound)
}

func TestRedeem_Expired(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	tk := seedTask(t, s, "t1")

	svc := NewService(s, nil, Config{TTL: time.Hour})
	issued, err := svc.Issue(ctx, "t1", model.ActionCompleteTask, tk.ID)
	require.NoError(t, err)

	svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = svc.Redeem(ctx, issued.Token)
	assert.ErrorIs(t, err, store.ErrTokenExpired)
}

func TestRedeem_RemoveEventDeletesRemote(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ev := seedSyncedEvent(t, s, "t1")

	remover := &fakeRemover{}
	svc := NewService(s, remover, Config{TTL: time.Hour})

	issued, err := svc.Issue(ctx, "t1", model.ActionRemoveEvent, ev.ID)
	require.NoError(t, err)

	_, err = svc.Redeem(ctx, issued.Token)
	require.NoError(t, err)
	assert.Equal(t, []string{"ext-42"}, remover.calls)

	_, err = s.GetCandidateEvent(ctx, "t1", ev.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRedeem_RemoveEventUnsyncedSkipsRemote(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ev := &model.CandidateEvent{
		TenantID:   "t1",
		Title:      "Picture Day",
		StartAt:    time.Date(2026, 9, 12, 9, 0, 0, 0, time.UTC),
		Confidence: 0.9,
		SyncStatus: model.SyncPending,
	}
	require.NoError(t, s.InsertCandidateEvent(ctx, ev))

	remover := &fakeRemover{}
	svc := NewService(s, remover, Config{TTL: time.Hour})

	issued, err := svc.Issue(ctx, "t1", model.ActionRemoveEvent, ev.ID)
	require.NoError(t, err)

	_, err = svc.Redeem(ctx, issued.Token)
	require.NoError(t, err)
	assert.Empty(t, remover.calls)
}

func TestRedeem_DeletesSiblingTokens(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	tk := seedTask(t, s, "t1")

	svc := NewService(s, nil, Config{TTL: time.Hour})
	first, err := svc.Issue(ctx, "t1", model.ActionCompleteTask, tk.ID)
	require.NoError(t, err)
	second, err := svc.Issue(ctx, "t1", model.ActionCompleteTask, tk.ID)
	require.NoError(t, err)

	_, err = svc.Redeem(ctx, first.Token)
	require.NoError(t, err)

	_, err = svc.Redeem(ctx, second.Token)
	assert.ErrorIs(t, err, store.ErrTokenNotFound)
}

func TestRedeem_Concurrent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	tk := seedTask(t, s, "t1")

	svc := NewService(s, nil, Config{TTL: time.Hour})
	issued, err := svc.Issue(ctx, "t1", model.ActionCompleteTask, tk.ID)
	require.NoError(t, err)

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Redeem(ctx, issued.Token)
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range errs {
		if err == nil {
			successes++
		}
	}
	assert.Equal(t, 1, successes)
}

func TestIssue_MissingTarget(t *testing.T) {
	s := newTestStore(t)
	svc := NewService(s, nil, Config{TTL: time.Hour})

	_, err := svc.Issue(context.Background(), "t1", model.ActionCompleteTask, "no-such-task")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestIssue_InvalidAction(t *testing.T) {
	s := newTestStore(t)
	svc := NewService(s, nil, Config{TTL: time.Hour})

	_, err := svc.Issue(context.Background(), "t1", model.TokenAction("escalate"), "x")
	require.Error(t, err)
}

func TestCleanup(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	tk := seedTask(t, s, "t1")

	svc := NewService(s, nil, Config{TTL: time.Hour})
	_, err := svc.Issue(ctx, "t1", model.ActionCompleteTask, tk.ID)
	require.NoError(t, err)

	svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	n, err := svc.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = svc.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
