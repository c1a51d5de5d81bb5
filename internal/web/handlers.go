package web

import (
	"encoding/json"
	"fmt"
	"html"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/halcyon-labs/homebase/internal/ingest"
	"github.com/halcyon-labs/homebase/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type webhookHandler struct {
	ingestor Ingestor
}

type inboundRequest struct {
	TenantID string `json:"tenant_id"`
	ingest.ParsedMessage
}

// HandleInbound accepts a pre-parsed message pushed by the mail provider.
// Replays of the same provider message id return 200 instead of 201.
func (h *webhookHandler) HandleInbound(w http.ResponseWriter, r *http.Request) {
	var req inboundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}
	if req.ProviderMessageID == "" {
		writeError(w, http.StatusBadRequest, "provider_message_id is required")
		return
	}

	created, err := h.ingestor.IngestParsed(r.Context(), req.TenantID, req.ParsedMessage)
	if err != nil {
		zap.L().Error("webhook ingest failed",
			zap.String("tenant", req.TenantID),
			zap.String("provider_message_id", req.ProviderMessageID),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to store message")
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{
		"provider_message_id": req.ProviderMessageID,
		"created":             created,
	})
}

type tokenHandler struct {
	redeemer Redeemer
}

// ShowConfirmation renders a minimal confirmation page. The token is not
// inspected or consumed here.
func (h *tokenHandler) ShowConfirmation(w http.ResponseWriter, r *http.Request) {
	tok := chi.URLParam(r, "token")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `<!doctype html>
<html>
<head><title>Confirm action</title></head>
<body>
<h1>Confirm action</h1>
<p>This link can be used once.</p>
<form method="post" action="/a/%s"><button type="submit">Confirm</button></form>
</body>
</html>`, html.EscapeString(tok))
}

// HandleRedeem consumes the token and applies its action. The store
// distinguishes unknown, already used, and expired tokens so each gets its
// own status code.
func (h *tokenHandler) HandleRedeem(w http.ResponseWriter, r *http.Request) {
	tok := chi.URLParam(r, "token")

	redeemed, err := h.redeemer.Redeem(r.Context(), tok)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{
			"action":    redeemed.Action,
			"target_id": redeemed.TargetID,
		})
	case eris.Is(err, store.ErrTokenNotFound):
		writeError(w, http.StatusNotFound, "unknown token")
	case eris.Is(err, store.ErrTokenUsed):
		writeError(w, http.StatusConflict, "token already used")
	case eris.Is(err, store.ErrTokenExpired):
		writeError(w, http.StatusGone, "token expired")
	default:
		// The token is spent even when the side effect fails; surfacing a
		// 500 here is honest about the action not having happened.
		zap.L().Error("token redemption failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "redemption failed")
	}
}

type statusHandler struct {
	store store.Store
}

// HandleStatus reports per-tenant pipeline counts.
func (h *statusHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")

	counts, err := h.store.PipelineCounts(r.Context(), tenant)
	if err != nil {
		zap.L().Error("status query failed",
			zap.String("tenant", tenant),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "status query failed")
		return
	}
	writeJSON(w, http.StatusOK, counts)
}
