package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var analyzeTenant string

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Run AI extraction over unanalyzed messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("analyze"); err != nil {
			return err
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

		orch, err := initExtract(st)
		if err != nil {
			return err
		}

		res, err := orch.AnalyzeUnanalyzed(ctx, analyzeTenant)
		if err != nil {
			return err
		}

		zap.L().Info("analysis complete",
			zap.String("tenant", analyzeTenant),
			zap.Int("scanned", res.Scanned),
			zap.Int("analyzed", res.Analyzed),
			zap.Int("failed", res.Failed),
			zap.Int("events_created", res.EventsCreated),
			zap.Int("tasks_created", res.TasksCreated),
		)
		return nil
	},
}

func init() {
	analyzeCmd.Flags().StringVar(&analyzeTenant, "tenant", "default", "tenant to analyze for")
	rootCmd.AddCommand(analyzeCmd)
}
