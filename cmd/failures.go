package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/halcyon-labs/homebase/internal/monitoring"
)

var failuresTenant string

var failuresCmd = &cobra.Command{
	Use:   "failures",
	Short: "Show messages and events the pipeline has given up on",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		failed, err := st.ListFailedAnalyses(ctx, failuresTenant, cfg.Extract.MaxAttempts)
		if err != nil {
			return err
		}
		exhausted, err := st.ListExhaustedEvents(ctx, failuresTenant, cfg.Calsync.MaxRetries)
		if err != nil {
			return err
		}

		collector := monitoring.NewCollector(st, cfg.Extract.MaxAttempts, cfg.Calsync.MaxRetries)
		snap, err := collector.Collect(ctx, failuresTenant)
		if err != nil {
			return err
		}

		out := map[string]any{
			"snapshot":         snap,
			"failed_analyses":  failed,
			"exhausted_events": exhausted,
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

func init() {
	failuresCmd.Flags().StringVar(&failuresTenant, "tenant", "default", "tenant to inspect")
	rootCmd.AddCommand(failuresCmd)
}
