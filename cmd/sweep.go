package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/halcyon-labs/homebase/internal/store"
)

var (
	sweepTenants     []string
	sweepConcurrency int
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run the full pipeline for every tenant",
	Long:  "Ingest, analyze, and calendar-sync each tenant, then auto-complete overdue tasks and delete expired action tokens.",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, mode := range []string{"ingest", "analyze", "calsync"} {
			if err := cfg.Validate(mode); err != nil {
				return err
			}
		}
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		ingestSvc := initIngest(st)
		orch, err := initExtract(st)
		if err != nil {
			return err
		}
		syncer := initCalsync(st)
		tokens := initTokens(st, syncer)

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(sweepConcurrency)

		for _, tenant := range sweepTenants {
			g.Go(func() error {
				sweepTenant(gctx, st, tenant,
					func(ctx context.Context) error {
						_, err := ingestSvc.FetchAndStore(ctx, tenant)
						return err
					},
					func(ctx context.Context) error {
						_, err := orch.AnalyzeUnanalyzed(ctx, tenant)
						return err
					},
					func(ctx context.Context) error {
						_, err := syncer.SyncPending(ctx, tenant)
						return err
					},
				)
				return nil // per-tenant failures never abort the sweep
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		if n, err := tokens.Cleanup(ctx); err != nil {
			zap.L().Error("token cleanup failed", zap.Error(err))
		} else if n > 0 {
			zap.L().Info("expired tokens removed", zap.Int("count", n))
		}

		return nil
	},
}

// sweepTenant runs the pipeline stages in order for one tenant. A stage
// failure skips the remaining stages; the next sweep resumes from stored
// state.
func sweepTenant(ctx context.Context, st store.Store, tenant string, stages ...func(context.Context) error) {
	log := zap.L().With(zap.String("tenant", tenant))
	names := []string{"ingest", "analyze", "calsync"}

	for i, stage := range stages {
		if err := stage(ctx); err != nil {
			log.Error("sweep stage failed",
				zap.String("stage", names[i]),
				zap.Error(err))
			return
		}
	}

	n, err := st.AutoCompleteOverdueTasks(ctx, tenant, time.Now().UTC())
	if err != nil {
		log.Error("auto-complete failed", zap.Error(err))
		return
	}
	if n > 0 {
		log.Info("auto-completed overdue tasks", zap.Int("count", n))
	}
}

func init() {
	sweepCmd.Flags().StringSliceVar(&sweepTenants, "tenant", []string{"default"}, "tenants to sweep (repeatable)")
	sweepCmd.Flags().IntVar(&sweepConcurrency, "concurrency", 2, "tenants processed in parallel")
	rootCmd.AddCommand(sweepCmd)
}
