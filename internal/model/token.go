package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// TokenAction is the single mutation a capability token authorizes.
type TokenAction string

const (
	ActionCompleteTask TokenAction = "complete_task"
	ActionRemoveEvent  TokenAction = "remove_event"
)

// ParseTokenAction validates a token action string.
func ParseTokenAction(s string) (TokenAction, error) {
	switch ta := TokenAction(s); ta {
	case ActionCompleteTask, ActionRemoveEvent:
		return ta, nil
	}
	return "", eris.Errorf("model: invalid token action %q", s)
}

// ActionToken is a single-use capability: an unguessable bearer string that
// lets an out-of-band actor perform exactly one mutation on one target,
// once, before it expires. The only permitted update is setting UsedAt.
type ActionToken struct {
	ID        string      `json:"id"`
	Token     string      `json:"token"`
	TenantID  string      `json:"tenant_id"`
	Action    TokenAction `json:"action"`
	TargetID  string      `json:"target_id"`
	ExpiresAt time.Time   `json:"expires_at"`
	UsedAt    *time.Time  `json:"used_at,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// Expired reports whether the token is past its expiry at the given instant.
func (t *ActionToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// Used reports whether the token has already been redeemed.
func (t *ActionToken) Used() bool {
	return t.UsedAt != nil
}
