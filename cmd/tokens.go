package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/halcyon-labs/homebase/internal/model"
)

var (
	tokenTenant string
	tokenAction string
	tokenTarget string
)

var tokensCmd = &cobra.Command{
	Use:   "tokens",
	Short: "Manage single-use action tokens",
}

var tokensIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue a token for one action on one target",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		action, err := model.ParseTokenAction(tokenAction)
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		svc := initTokens(st, nil)
		issued, err := svc.Issue(ctx, tokenTenant, action, tokenTarget)
		if err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), svc.RedemptionURL(issued))
		return nil
	},
}

var tokensCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete expired tokens",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		svc := initTokens(st, nil)
		n, err := svc.Cleanup(ctx)
		if err != nil {
			return err
		}

		zap.L().Info("token cleanup complete", zap.Int("deleted", n))
		return nil
	},
}

func init() {
	tokensIssueCmd.Flags().StringVar(&tokenTenant, "tenant", "default", "tenant owning the target")
	tokensIssueCmd.Flags().StringVar(&tokenAction, "action", "", "complete_task or remove_event")
	tokensIssueCmd.Flags().StringVar(&tokenTarget, "target", "", "target task or event id")
	tokensIssueCmd.MarkFlagRequired("action") //nolint:errcheck
	tokensIssueCmd.MarkFlagRequired("target") //nolint:errcheck

	tokensCmd.AddCommand(tokensIssueCmd)
	tokensCmd.AddCommand(tokensCleanupCmd)
	rootCmd.AddCommand(tokensCmd)
}
