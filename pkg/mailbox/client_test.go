package mailbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListMessages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "Bearer mb-key", r.Header.Get("Authorization"))
		assert.Equal(t, "homebase/processed", r.URL.Query().Get("exclude_label"))
		assert.Equal(t, "50", r.URL.Query().Get("limit"))
		after, err := time.Parse(time.RFC3339, r.URL.Query().Get("after"))
		require.NoError(t, err)
		assert.Equal(t, 2026, after.Year())

		json.NewEncoder(w).Encode(map[string]any{
			"messages": []MessageRef{
				{ID: "m1", ThreadID: "t1"},
				{ID: "m2", ThreadID: "t1"},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "mb-key")
	refs, err := c.ListMessages(context.Background(), ListQuery{
		After:        time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		ExcludeLabel: "homebase/processed",
		Limit:        50,
	})
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, "m1", refs[0].ID)
}

func TestGetMessage(t *testing.T) {
	sentAt := time.Date(2026, 2, 20, 9, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages/m1", r.URL.Path)
		json.NewEncoder(w).Encode(ProviderMessage{
			ID:      "m1",
			From:    "school@example.org",
			Subject: "Picture Day",
			SentAt:  sentAt,
			Body:    "Picture day is March 2nd.",
			Attachments: []Attachment{
				{Filename: "flyer.pdf", MimeType: "application/pdf", Data: []byte("pdf")},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "mb-key")
	msg, err := c.GetMessage(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, "Picture Day", msg.Subject)
	assert.True(t, msg.SentAt.Equal(sentAt))
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "flyer.pdf", msg.Attachments[0].Filename)
}

func TestApplyLabel(t *testing.T) {
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/messages/m1/labels", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "mb-key")
	require.NoError(t, c.ApplyLabel(context.Background(), "m1", "homebase/processed"))
	assert.Equal(t, "homebase/processed", gotBody["label"])
}

func TestGetMessage_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte("slow down"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "mb-key")
	_, err := c.GetMessage(context.Background(), "m1")
	require.Error(t, err)

	apiErr, ok := AsAPIError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	assert.Equal(t, 3*time.Second, apiErr.RetryAfter)
}

func TestGetMessage_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "mb-key")
	_, err := c.GetMessage(context.Background(), "gone")
	require.Error(t, err)

	apiErr, ok := AsAPIError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestRateLimiterThrottles(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(map[string]any{"messages": []MessageRef{}})
	}))
	defer srv.Close()

	// Burst of 1 at 1 rps forces a wait between the two calls.
	c := NewClient(srv.URL, "mb-key", WithRateLimit(1))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.ListMessages(ctx, ListQuery{})
	require.NoError(t, err)

	// Second call must wait ~1s, exceeding the context deadline.
	_, err = c.ListMessages(ctx, ListQuery{})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
