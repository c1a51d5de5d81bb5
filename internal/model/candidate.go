package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// SyncStatus is the calendar sync state of a CandidateEvent.
type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSynced  SyncStatus = "synced"
	SyncFailed  SyncStatus = "failed"
)

// ParseSyncStatus validates a sync status string.
func ParseSyncStatus(s string) (SyncStatus, error) {
	switch ss := SyncStatus(s); ss {
	case SyncPending, SyncSynced, SyncFailed:
		return ss, nil
	}
	return "", eris.Errorf("model: invalid sync status %q", s)
}

// TaskCategory classifies a CandidateTask.
type TaskCategory string

const (
	CategoryPayment     TaskCategory = "payment"
	CategoryPurchase    TaskCategory = "purchase"
	CategoryPacking     TaskCategory = "packing"
	CategorySignature   TaskCategory = "signature"
	CategoryAppointment TaskCategory = "appointment"
	CategorySchool      TaskCategory = "school"
	CategoryOther       TaskCategory = "other"
)

// ParseTaskCategory validates a task category string.
func ParseTaskCategory(s string) (TaskCategory, error) {
	switch tc := TaskCategory(s); tc {
	case CategoryPayment, CategoryPurchase, CategoryPacking, CategorySignature,
		CategoryAppointment, CategorySchool, CategoryOther:
		return tc, nil
	}
	return "", eris.Errorf("model: invalid task category %q", s)
}

// CandidateEvent is a calendar-worthy fact derived from one message.
// (TenantID, SourceMessageID, Title, StartAt) is unique when SourceMessageID
// is set, so re-running extraction on the same message cannot duplicate it.
// Only the sync fields mutate after creation.
type CandidateEvent struct {
	ID              string     `json:"id"`
	TenantID        string     `json:"tenant_id"`
	SourceMessageID string     `json:"source_message_id,omitempty"`
	Title           string     `json:"title"`
	StartAt         time.Time  `json:"start_at"`
	EndAt           *time.Time `json:"end_at,omitempty"`
	Description     string     `json:"description,omitempty"`
	Location        string     `json:"location,omitempty"`
	SubjectTag      string     `json:"subject_tag,omitempty"`
	Confidence      float64    `json:"confidence"`
	SyncStatus      SyncStatus `json:"sync_status"`
	ExternalID      string     `json:"external_id,omitempty"`
	LastSyncError   string     `json:"last_sync_error,omitempty"`
	RetryCount      int        `json:"retry_count"`
	SyncedAt        *time.Time `json:"synced_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// CandidateTask is an actionable obligation derived from one message. Tasks
// have no external sync target; a cleanup sweep auto-completes tasks whose
// due date has passed.
type CandidateTask struct {
	ID              string       `json:"id"`
	TenantID        string       `json:"tenant_id"`
	SourceMessageID string       `json:"source_message_id,omitempty"`
	Title           string       `json:"title"`
	Category        TaskCategory `json:"category"`
	DueDate         *time.Time   `json:"due_date,omitempty"`
	Amount          *float64     `json:"amount,omitempty"`
	URL             string       `json:"url,omitempty"`
	SubjectTag      string       `json:"subject_tag,omitempty"`
	Confidence      float64      `json:"confidence"`
	Completed       bool         `json:"completed"`
	AutoCompleted   bool         `json:"auto_completed"`
	CreatedAt       time.Time    `json:"created_at"`
}
