package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var ingestTenant string

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Pull new messages from the mail provider",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("ingest"); err != nil {
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

		svc := initIngest(st)
		res, err := svc.FetchAndStore(ctx, ingestTenant)
		if err != nil {
			return err
		}

		zap.L().Info("ingest complete",
			zap.String("tenant", ingestTenant),
			zap.Int("listed", res.Listed),
			zap.Int("inserted", res.Inserted),
			zap.Int("refetched", res.Refetched),
			zap.Int("duplicates", res.Duplicates),
			zap.Int("fetch_failures", res.FetchFails),
		)
		return nil
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestTenant, "tenant", "default", "tenant to ingest for")
	rootCmd.AddCommand(ingestCmd)
}
