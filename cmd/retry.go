package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

func newRetryCmd(cfgFile func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Re-crawl the work items recorded in the retry ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWithApp(cmd, cfgFile(), func(ctx context.Context, a App) error {
				return a.Retry(ctx)
			})
		},
	}
}
