package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/halcyon-labs/homebase/internal/calsync"
	"github.com/halcyon-labs/homebase/internal/extract"
	"github.com/halcyon-labs/homebase/internal/ingest"
	"github.com/halcyon-labs/homebase/internal/resilience"
	"github.com/halcyon-labs/homebase/internal/scan"
	"github.com/halcyon-labs/homebase/internal/store"
	"github.com/halcyon-labs/homebase/internal/token"
	anthropicpkg "github.com/halcyon-labs/homebase/pkg/anthropic"
	"github.com/halcyon-labs/homebase/pkg/calendar"
	"github.com/halcyon-labs/homebase/pkg/mailbox"
	"github.com/halcyon-labs/homebase/pkg/perplexity"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "homebase.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &cfg.Store.Pool)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func retryFromConfig() resilience.RetryConfig {
	return resilience.FromRetryConfig(
		cfg.Retry.MaxAttempts,
		cfg.Retry.InitialBackoffMs,
		cfg.Retry.MaxBackoffMs,
		cfg.Retry.Multiplier,
		cfg.Retry.JitterFraction,
	)
}

func initIngest(st store.Store) *ingest.Service {
	mail := mailbox.NewClient(cfg.Mailbox.BaseURL, cfg.Mailbox.Key,
		mailbox.WithRateLimit(cfg.Mailbox.RequestsPerSec),
		mailbox.WithTimeout(time.Duration(cfg.Mailbox.TimeoutSecs)*time.Second),
	)
	return ingest.NewService(st, mail, scan.NewExtractor(), ingest.Config{
		Label:            cfg.Mailbox.Label,
		WindowDays:       cfg.Mailbox.WindowDays,
		BatchSize:        cfg.Ingest.BatchSize,
		MaxFetchAttempts: cfg.Mailbox.MaxFetchAttempts,
		Retry:            retryFromConfig(),
	})
}

func initExtract(st store.Store) (*extract.Orchestrator, error) {
	examples, err := extract.LoadExamples(cfg.Extract.ExamplesPath)
	if err != nil {
		return nil, err
	}

	primary := extract.NewAnthropicProvider(
		anthropicpkg.NewClient(cfg.Anthropic.Key),
		cfg.Anthropic.Model,
		int64(cfg.Anthropic.MaxTokens),
		examples,
	)

	var secondary extract.Provider
	if cfg.Perplexity.Key != "" {
		secondary = extract.NewPerplexityProvider(
			perplexity.NewClient(cfg.Perplexity.Key,
				perplexity.WithBaseURL(cfg.Perplexity.BaseURL),
				perplexity.WithModel(cfg.Perplexity.Model)),
			cfg.Perplexity.Model,
			examples,
		)
		zap.L().Info("perplexity fallback enabled")
	} else {
		zap.L().Debug("HOMEBASE_PERPLEXITY_KEY not set, fallback provider disabled")
	}

	return extract.NewOrchestrator(st, primary, secondary, extract.Config{
		BatchSize:     cfg.Extract.BatchSize,
		MaxAttempts:   cfg.Extract.MaxAttempts,
		MinConfidence: cfg.Extract.MinConfidence,
		Retry:         retryFromConfig(),
		Circuit:       resilience.FromCircuitConfig(cfg.Retry.CircuitThreshold, cfg.Retry.CircuitResetSecs),
	}), nil
}

func initCalsync(st store.Store) *calsync.Syncer {
	cal := calendar.NewClient(cfg.Calendar.BaseURL, cfg.Calendar.Key,
		calendar.WithRateLimit(cfg.Calendar.RequestsPerSec),
		calendar.WithTimeout(time.Duration(cfg.Calendar.TimeoutSecs)*time.Second),
	)
	return calsync.NewSyncer(st, cal, calsync.Config{
		CalendarID: cfg.Calendar.CalendarID,
		DupWindow:  time.Duration(cfg.Calendar.DupWindowMins) * time.Minute,
		BatchSize:  cfg.Calsync.BatchSize,
		MaxRetries: cfg.Calsync.MaxRetries,
		Retry:      retryFromConfig(),
	})
}

func initTokens(st store.Store, remover token.EventRemover) *token.Service {
	return token.NewService(st, remover, token.Config{
		TTL:     time.Duration(cfg.Tokens.TTLHours) * time.Hour,
		BaseURL: cfg.Tokens.BaseURL,
	})
}
