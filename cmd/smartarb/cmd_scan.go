package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/smartarb/internal/app"
	"github.com/alanyoungcy/smartarb/internal/domain"
)

var scanTimeout time.Duration

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run one scan and print the opportunities as JSON",
	Long: `Fetch quotes from every configured venue once, rank the opportunities
and print them. Nothing is executed and no backing service is contacted.`,
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)
	scanCmd.Flags().DurationVar(&scanTimeout, "timeout", 30*time.Second, "deadline for the scan")
}

func runScan(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// Logs go to stderr so stdout stays valid JSON.
	logger := newLogger(cmd.ErrOrStderr(), cfg.LogLevel)

	ctx, cancel := context.WithTimeout(cmd.Context(), scanTimeout)
	defer cancel()

	opps, err := app.New(cfg, logger).Scan(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	out := make([]domain.OpportunitySummary, 0, len(opps))
	for _, o := range opps {
		out = append(out, o.Summary(now))
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
