package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var calsyncTenant string

var calsyncCmd = &cobra.Command{
	Use:   "calsync",
	Short: "Push pending events to the calendar",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("calsync"); err != nil {
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

		syncer := initCalsync(st)
		res, err := syncer.SyncPending(ctx, calsyncTenant)
		if err != nil {
			return err
		}

		zap.L().Info("calendar sync complete",
			zap.String("tenant", calsyncTenant),
			zap.Int("scanned", res.Scanned),
			zap.Int("synced", res.Synced),
			zap.Int("linked", res.Linked),
			zap.Int("inserted", res.Inserted),
			zap.Int("failed", res.Failed),
		)
		return nil
	},
}

func init() {
	calsyncCmd.Flags().StringVar(&calsyncTenant, "tenant", "default", "tenant to sync for")
	rootCmd.AddCommand(calsyncCmd)
}
