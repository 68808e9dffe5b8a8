// Package cmd defines the weather-ingest command line.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/weather-ingest/internal/app"
	"github.com/JakeFAU/weather-ingest/internal/config"
	"github.com/JakeFAU/weather-ingest/internal/ingest"
	"github.com/JakeFAU/weather-ingest/internal/logging"
)

type options struct {
	configFile string
	verbose    bool
}

// runIngest performs one run. It's a variable so tests can swap in a fake.
var runIngest = func(ctx context.Context, cfg config.Config, target string, logger *zap.Logger) (ingest.Summary, error) {
	a, err := app.New(ctx, cfg, target, logger)
	if err != nil {
		return ingest.Summary{}, fmt.Errorf("initialize: %w", err)
	}
	summary, runErr := a.Run(ctx)
	if closeErr := a.Close(context.WithoutCancel(ctx)); closeErr != nil {
		logger.Warn("shutdown incomplete", zap.Error(closeErr))
	}
	return summary, runErr
}

func newRootCmd() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:   "weather-ingest [flags] <database>",
		Short: "Ingest weather stations and measurements into a relational database.",
		Long: `weather-ingest downloads the station roster and every station's measurement
pages from the weather station service and writes them into a SQLite file or,
when <database> is a postgres:// DSN, a Postgres database. Runs are idempotent:
re-running against the same remote data adds nothing.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts, args[0])
		},
	}
	cmd.Flags().StringVar(&opts.configFile, "config", "", "config file (YAML, JSON or TOML)")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")
	return cmd
}

func run(ctx context.Context, opts options, target string) error {
	cfg, err := config.Load(opts.configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development, opts.verbose)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	summary, err := runIngest(ctx, cfg, target, logger)
	if err != nil {
		return err
	}
	if summary.StationsFailed > 0 {
		logger.Warn("some stations were skipped",
			zap.Int("failed", summary.StationsFailed),
			zap.Int64s("station_ids", summary.FailedStations),
		)
	}
	return nil
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "weather-ingest:", err)
		os.Exit(1)
	}
}
