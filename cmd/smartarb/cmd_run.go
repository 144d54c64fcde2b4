package main

import (
	"context"
	"errors"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/smartarb/internal/app"
)

var runMode string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the engine until interrupted",
	Long: `Run the engine in the configured mode. "trade" scans, assesses and
executes; "monitor" scans and publishes opportunities without placing orders.

Examples:
  smartarb run --config config.toml
  smartarb run --mode monitor`,
	RunE: runEngine,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runMode, "mode", "", "override the configured mode (trade|monitor)")
}

func runEngine(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if runMode != "" {
		cfg.Mode = runMode
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	logger := newLogger(cmd.OutOrStdout(), cfg.LogLevel)
	logger.Info("smartarb starting",
		slog.String("version", version),
		slog.String("mode", cfg.Mode),
		slog.String("config", configPath),
	)

	application := app.New(cfg, logger)
	defer application.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("application exited with error", slog.String("error", err.Error()))
		return err
	}
	logger.Info("smartarb stopped")
	return nil
}
