// Package web exposes the HTTP surface: the inbound message webhook, token
// redemption links, and pipeline status. Token redemption happens on POST
// only; the GET page exists so link-prefetching mail clients cannot burn a
// single-use token.
package web

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/halcyon-labs/homebase/internal/ingest"
	"github.com/halcyon-labs/homebase/internal/model"
	"github.com/halcyon-labs/homebase/internal/store"
)

// Ingestor stores webhook-delivered messages. Implemented by ingest.Service.
type Ingestor interface {
	IngestParsed(ctx context.Context, tenant string, pm ingest.ParsedMessage) (bool, error)
}

// Redeemer consumes capability tokens. Implemented by token.Service.
type Redeemer interface {
	Redeem(ctx context.Context, tokenStr string) (*model.ActionToken, error)
}

// Deps holds everything the router needs.
type Deps struct {
	Store          store.Store
	Ingestor       Ingestor
	Redeemer       Redeemer
	AllowedOrigins []string
}

// NewRouter wires all routes into a chi router.
func NewRouter(deps Deps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: deps.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	wh := &webhookHandler{ingestor: deps.Ingestor}
	th := &tokenHandler{redeemer: deps.Redeemer}
	sh := &statusHandler{store: deps.Store}

	r.Get("/health", handleHealth)
	r.Post("/webhook/messages", wh.HandleInbound)
	r.Get("/a/{token}", th.ShowConfirmation)
	r.Post("/a/{token}", th.HandleRedeem)
	r.Get("/tenants/{tenant}/status", sh.HandleStatus)

	return r
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
