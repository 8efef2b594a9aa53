// Package cmd defines the harvest CLI.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-harvester/internal/app"
	"github.com/JakeFAU/listing-harvester/internal/config"
	"github.com/JakeFAU/listing-harvester/internal/logging"
)

// App is the part of *app.App the commands use. Tests swap in a fake.
type App interface {
	Crawl(ctx context.Context) error
	Retry(ctx context.Context) error
	Close(ctx context.Context) error
	Logger() *zap.Logger
}

// newApp is the application factory, replaceable in tests.
var newApp = func(ctx context.Context, cfg config.Config) (App, error) {
	return app.New(ctx, cfg)
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "harvest",
		Short: "Harvests product and catalogue listings from retail and media sites.",
		Long: `harvest fans the work items of a site out to a pool of workers, each
running a retrying HTTP engine with rotating identity, and persists the
extracted items to the configured sink. Items that keep failing are
recorded in a retry ledger for a later "harvest retry".`,
		SilenceUsage: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	flags.String("site", "", "site to crawl, see 'harvest sites'")
	flags.IntP("processes", "p", 5, "crawl with n workers")
	flags.IntP("chunk_size", "c", 20, "work items per chunk")
	flags.IntP("upper_limit", "u", 12900, "upper id limit for id-range sites")

	configFile := func() string { return cfgFile }
	cmd.AddCommand(newCrawlCmd(configFile), newRetryCmd(configFile), newSitesCmd())
	return cmd
}

// runWithApp loads configuration, builds the app, runs fn and always
// closes the app, so buffered items and pending retries are persisted
// even when fn fails or the process is interrupted.
func runWithApp(cmd *cobra.Command, cfgFile string, fn func(context.Context, App) error) (err error) {
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}
	if cfg.Site == "" {
		return errors.New("no site configured, pass --site or set site in the config file")
	}
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialize harvester: %w", err)
	}
	defer func() {
		if closeErr := a.Close(context.WithoutCancel(ctx)); closeErr != nil {
			a.Logger().Error("shutdown incomplete", zap.Error(closeErr))
		}
	}()

	if err := fn(ctx, a); err != nil {
		if errors.Is(err, context.Canceled) {
			a.Logger().Warn("interrupted, persisting progress")
			return nil
		}
		return err
	}
	return nil
}

// Execute runs the CLI. Setup and run failures are fatal.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		logger, _, logErr := logging.New(logging.Config{Development: true})
		if logErr != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		stop()
		logger.Fatal("harvest failed", zap.Error(err))
	}
}
