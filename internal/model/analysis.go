package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// ReviewStatus tracks an Analysis through the review workflow.
type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "pending"
	ReviewAnalyzed ReviewStatus = "analyzed"
	ReviewReviewed ReviewStatus = "reviewed"
	ReviewApproved ReviewStatus = "approved"
	ReviewRejected ReviewStatus = "rejected"
)

// ParseReviewStatus validates a review status string.
func ParseReviewStatus(s string) (ReviewStatus, error) {
	switch rs := ReviewStatus(s); rs {
	case ReviewPending, ReviewAnalyzed, ReviewReviewed, ReviewApproved, ReviewRejected:
		return rs, nil
	}
	return "", eris.Errorf("model: invalid review status %q", s)
}

// Analysis is one versioned extraction attempt for a message. Rows are
// append-only per message; the current analysis is the one with the highest
// version. A failed attempt is recorded as a pending row carrying the error
// and an incremented retry count.
type Analysis struct {
	ID              string       `json:"id"`
	MessageID       string       `json:"message_id"`
	Version         int          `json:"version"`
	Provider        string       `json:"provider"`
	Summary         string       `json:"summary,omitempty"`
	QualityScore    float64      `json:"quality_score"`
	EventsExtracted int          `json:"events_extracted"`
	TasksExtracted  int          `json:"tasks_extracted"`
	Status          ReviewStatus `json:"status"`
	Error           string       `json:"error,omitempty"`
	RetryCount      int          `json:"retry_count"`
	CreatedAt       time.Time    `json:"created_at"`
}
