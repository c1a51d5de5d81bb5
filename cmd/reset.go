package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	resetTenant  string
	resetConfirm bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete all stored data for a tenant",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !resetConfirm {
			return eris.New("refusing to delete tenant data without --yes")
		}
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.DeleteTenantData(ctx, resetTenant); err != nil {
			return err
		}

		zap.L().Info("tenant data deleted", zap.String("tenant", resetTenant))
		return nil
	},
}

func init() {
	resetCmd.Flags().StringVar(&resetTenant, "tenant", "", "tenant to wipe")
	resetCmd.Flags().BoolVar(&resetConfirm, "yes", false, "confirm deletion")
	resetCmd.MarkFlagRequired("tenant") //nolint:errcheck
	rootCmd.AddCommand(resetCmd)
}
