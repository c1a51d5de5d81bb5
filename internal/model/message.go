// Package model defines the domain types shared across the ingestion,
// extraction, calendar sync, and capability token components.
package model

import "time"

// Message is a single message pulled from the external provider. Rows are
// immutable once stored except for the processing flags and fetch-error
// bookkeeping. The pair (TenantID, ProviderMessageID) is unique; re-ingesting
// the same provider id is a no-op.
type Message struct {
	ID                string    `json:"id"`
	TenantID          string    `json:"tenant_id"`
	ProviderMessageID string    `json:"provider_message_id"`
	ThreadID          string    `json:"thread_id,omitempty"`
	Sender            string    `json:"sender,omitempty"`
	Subject           string    `json:"subject,omitempty"`
	SentAt            time.Time `json:"sent_at"`
	Body              string    `json:"body,omitempty"`
	AttachmentText    string    `json:"attachment_text,omitempty"`
	Fetched           bool      `json:"fetched"`
	Processed         bool      `json:"processed"`
	Analyzed          bool      `json:"analyzed"`
	Labeled           bool      `json:"labeled"`
	FetchAttempts     int       `json:"fetch_attempts"`
	LastFetchError    string    `json:"last_fetch_error,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}
