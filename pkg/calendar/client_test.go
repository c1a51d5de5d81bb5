package calendar

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

func TestFindDuplicate_Match(t *testing.T) {
	start := time.Date(2026, 3, 2, 8, 30, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/calendars/family/events", r.URL.Path)
		assert.Equal(t, "Bearer cal-key", r.Header.Get("Authorization"))

		windowStart, err := time.Parse(time.RFC3339, r.URL.Query().Get("start"))
		require.NoError(t, err)
		windowEnd, err := time.Parse(time.RFC3339, r.URL.Query().Get("end"))
		require.NoError(t, err)
		assert.True(t, windowStart.Before(start))
		assert.True(t, windowEnd.After(start))

		json.NewEncoder(w).Encode(map[string]any{
			"events": []RemoteEvent{
				{ID: "ext-1", Title: "Soccer Practice", StartAt: start},
				{ID: "ext-2", Title: "picture day ", StartAt: start},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "cal-key")
	id, err := c.FindDuplicate(context.Background(), "family", "Picture Day", start, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "ext-2", id)
}

func TestFindDuplicate_NoMatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"events": []RemoteEvent{}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "cal-key")
	id, err := c.FindDuplicate(context.Background(), "family", "Picture Day", time.Now(), time.Hour)
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestInsertEvent(t *testing.T) {
	var gotEvent Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/calendars/family/events", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotEvent))
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"id": "ext-99"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "cal-key")
	id, err := c.InsertEvent(context.Background(), "family", Event{
		Title:    "Picture Day",
		Location: "Gym",
		StartAt:  time.Date(2026, 3, 2, 8, 30, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, "ext-99", id)
	assert.Equal(t, "Picture Day", gotEvent.Title)
	assert.Equal(t, "Gym", gotEvent.Location)
}

func TestInsertEvent_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("maintenance"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "cal-key")
	_, err := c.InsertEvent(context.Background(), "family", Event{Title: "X"})
	require.Error(t, err)

	apiErr, ok := AsAPIError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
}

func TestDeleteEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/calendars/family/events/ext-1", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "cal-key")
	require.NoError(t, c.DeleteEvent(context.Background(), "family", "ext-1"))
}

func TestDeleteEvent_AlreadyGone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "cal-key")
	require.NoError(t, c.DeleteEvent(context.Background(), "family", "ext-missing"))
}
