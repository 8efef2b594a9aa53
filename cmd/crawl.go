package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

func newCrawlCmd(cfgFile func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "crawl",
		Short: "Crawl a site from its seeds",
		Long: `Builds the site's seed work items, dispatches them in chunks to the worker
pool and follows the continuation targets the site reports, round after
round, up to crawler.max_rounds.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWithApp(cmd, cfgFile(), func(ctx context.Context, a App) error {
				return a.Crawl(ctx)
			})
		},
	}
}
