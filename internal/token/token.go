// Package token issues and redeems single-use capability tokens. A token is
// an unguessable bearer string bound to one action on one target. Redemption
// is atomic in the store, so two racing redemptions of the same token yield
// exactly one success.
package token

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/halcyon-labs/homebase/internal/model"
	"github.com/halcyon-labs/homebase/internal/store"
)

// tokenBytes is the entropy of a token before encoding. 32 bytes gives a
// 43-character base64url string.
const tokenBytes = 32

// EventRemover removes the remote copy of a synced event. Implemented by the
// calendar syncer; nil disables remote removal.
type EventRemover interface {
	RemoveRemote(ctx context.Context, ev *model.CandidateEvent) error
}

// Config controls token issuance.
type Config struct {
	TTL time.Duration
	// BaseURL prefixes redemption links, e.g. https://app.example.com.
	BaseURL string
}

// Service issues, redeems, and cleans up action tokens.
type Service struct {
	store   store.Store
	remover EventRemover
	cfg     Config
	now     func() time.Time
}

// NewService creates a token service.
func NewService(st store.Store, remover EventRemover, cfg Config) *Service {
	if cfg.TTL <= 0 {
		cfg.TTL = 7 * 24 * time.Hour
	}
	return &Service{store: st, remover: remover, cfg: cfg, now: time.Now}
}

// Issue mints a token authorizing action on targetID for the tenant. The
// target must exist; issuing against a missing target returns ErrNotFound.
func (s *Service) Issue(ctx context.Context, tenant string, action model.TokenAction, targetID string) (*model.ActionToken, error) {
	if _, err := model.ParseTokenAction(string(action)); err != nil {
		return nil, err
	}
	if err := s.checkTarget(ctx, tenant, action, targetID); err != nil {
		return nil, err
	}

	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, eris.Wrap(err, "token: generate")
	}

	t := &model.ActionToken{
		Token:     base64.RawURLEncoding.EncodeToString(raw),
		TenantID:  tenant,
		Action:    action,
		TargetID:  targetID,
		ExpiresAt: s.now().Add(s.cfg.TTL).UTC(),
	}
	if err := s.store.InsertActionToken(ctx, t); err != nil {
		return nil, eris.Wrap(err, "token: insert")
	}

	zap.L().Info("issued action token",
		zap.String("tenant", tenant),
		zap.String("action", string(action)),
		zap.String("target_id", targetID),
		zap.Time("expires_at", t.ExpiresAt))
	return t, nil
}

func (s *Service) checkTarget(ctx context.Context, tenant string, action model.TokenAction, targetID string) error {
	switch action {
	case model.ActionCompleteTask:
		_, err := s.store.GetCandidateTask(ctx, tenant, targetID)
		return err
	case model.ActionRemoveEvent:
		_, err := s.store.GetCandidateEvent(ctx, tenant, targetID)
		return err
	}
	return nil
}

// RedemptionURL returns the link a recipient follows to redeem t.
func (s *Service) RedemptionURL(t *model.ActionToken) string {
	return s.cfg.BaseURL + "/a/" + t.Token
}

// Redeem consumes the token and applies its action. The store's redemption
// is the serialization point; the side effect runs only for the one caller
// that actually flipped the token to used. A failed side effect does not
// un-redeem the token: the token is still spent, and the error is returned.
func (s *Service) Redeem(ctx context.Context, tokenStr string) (*model.ActionToken, error) {
	t, err := s.store.RedeemActionToken(ctx, tokenStr, s.now())
	if err != nil {
		return nil, err
	}

	if err := s.applyAction(ctx, t); err != nil {
		return t, eris.Wrapf(err, "token: apply %s", t.Action)
	}

	// All sibling tokens for the same target are now pointless.
	if n, err := s.store.DeleteTokensForTarget(ctx, t.TenantID, t.Action, t.TargetID); err != nil {
		zap.L().Warn("failed to clean sibling tokens",
			zap.String("target_id", t.TargetID),
			zap.Error(err))
	} else if n > 0 {
		zap.L().Debug("deleted sibling tokens",
			zap.String("target_id", t.TargetID),
			zap.Int("count", n))
	}

	return t, nil
}

func (s *Service) applyAction(ctx context.Context, t *model.ActionToken) error {
	switch t.Action {
	case model.ActionCompleteTask:
		err := s.store.CompleteCandidateTask(ctx, t.TenantID, t.TargetID)
		if eris.Is(err, store.ErrNotFound) {
			// Target already gone; the redemption still counts.
			return nil
		}
		return err

	case model.ActionRemoveEvent:
		ev, err := s.store.GetCandidateEvent(ctx, t.TenantID, t.TargetID)
		if eris.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if s.remover != nil && ev.SyncStatus == model.SyncSynced {
			if err := s.remover.RemoveRemote(ctx, ev); err != nil {
				return err
			}
		}
		return s.store.DeleteCandidateEvent(ctx, t.TenantID, t.TargetID)
	}
	return eris.Errorf("token: unknown action %q", t.Action)
}

// Cleanup deletes expired tokens and reports how many were removed.
func (s *Service) Cleanup(ctx context.Context) (int, error) {
	n, err := s.store.DeleteExpiredTokens(ctx, s.now())
	if err != nil {
		return 0, eris.Wrap(err, "token: cleanup")
	}
	if n > 0 {
		zap.L().Info("deleted expired tokens", zap.Int("count", n))
	}
	return n, nil
}
