package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseReviewStatus(t *testing.T) {
	for _, s := range []string{"pending", "analyzed", "reviewed", "approved", "rejected"} {
		got, err := ParseReviewStatus(s)
		require.NoError(t, err)
		assert.Equal(t, ReviewStatus(s), got)
	}

	_, err := ParseReviewStatus("done")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid review status")
}

func TestParseSyncStatus(t *testing.T) {
	got, err := ParseSyncStatus("failed")
	require.NoError(t, err)
	assert.Equal(t, SyncFailed, got)

	_, err = ParseSyncStatus("retrying")
	require.Error(t, err)
}

func TestParseTaskCategory(t *testing.T) {
	got, err := ParseTaskCategory("payment")
	require.NoError(t, err)
	assert.Equal(t, CategoryPayment, got)

	_, err = ParseTaskCategory("chores")
	require.Error(t, err)
}

func TestParseTokenAction(t *testing.T) {
	got, err := ParseTokenAction("remove_event")
	require.NoError(t, err)
	assert.Equal(t, ActionRemoveEvent, got)

	_, err = ParseTokenAction("delete_everything")
	require.Error(t, err)
}

func TestActionTokenExpiredAndUsed(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tok := &ActionToken{ExpiresAt: now.Add(24 * time.Hour)}

	assert.False(t, tok.Expired(now))
	assert.True(t, tok.Expired(now.Add(24*time.Hour)))
	assert.True(t, tok.Expired(now.Add(48*time.Hour)))

	assert.False(t, tok.Used())
	used := now
	tok.UsedAt = &used
	assert.True(t, tok.Used())
}
