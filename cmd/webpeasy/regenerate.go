package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fpang/webpeasy/internal/admin"
	"github.com/fpang/webpeasy/internal/app"
	"github.com/fpang/webpeasy/internal/cli"
	"github.com/fpang/webpeasy/internal/logging"
	"github.com/fpang/webpeasy/internal/regenerate"
)

var (
	remoteFlag     string
	tokenFlag      string
	batchLimitFlag int
	pauseFlag      time.Duration
)

var regenerateCmd = &cobra.Command{
	Use:   "regenerate",
	Short: "Regenerate renditions and WebP siblings for every convertible image",
	Long: `Regenerate walks the catalog in batches, rebuilding every rendition of each
JPEG, PNG and GIF upload together with its WebP siblings. Batches run
locally against the configured catalog, or remotely through a site's admin
API with --remote. Ctrl+C stops between batches.`,
	RunE: runRegenerate,
}

func init() {
	regenerateCmd.Flags().StringVar(&remoteFlag, "remote", "", "Admin API base URL, e.g. https://example.com/wp-admin")
	regenerateCmd.Flags().StringVar(&tokenFlag, "token", logging.EnvOrDefault("WEBPEASY_TOKEN", ""), "Session token for --remote")
	regenerateCmd.Flags().IntVar(&batchLimitFlag, "limit", regenerate.DefaultBatchSize, "Images per batch (max 10)")
	regenerateCmd.Flags().DurationVar(&pauseFlag, "pause", 100*time.Millisecond, "Pause between batches")
	rootCmd.AddCommand(regenerateCmd)
}

func runRegenerate(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var batcher regenerate.Batcher
	if remoteFlag != "" {
		if tokenFlag == "" {
			return fmt.Errorf("--token is required with --remote")
		}
		batcher = admin.NewClient(remoteFlag, tokenFlag, nil)
	} else {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := app.Build(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()
		if !a.Plugin.Installed() {
			log.Warn().Msg("WebP is not supported here, only legacy renditions will be regenerated")
		}
		batcher = regenerate.Local{Regenerator: a.Regenerator}
	}

	out := cmd.OutOrStdout()
	start := time.Now()
	p, err := regenerate.Sweep(ctx, batcher, batchLimitFlag, pauseFlag, func(p regenerate.Progress) {
		fmt.Fprintf(out, "\r%s", cli.FormatProgress(p, time.Since(start)))
	})
	fmt.Fprintln(out)

	for _, m := range p.Messages {
		fmt.Fprintf(out, "  %s\n", m)
	}
	fmt.Fprintf(out, "Regeneration complete: %d processed, %d errors, %d total in %s\n",
		p.Processed, p.Errors, p.Total, cli.FormatDurationShort(time.Since(start)))
	if err != nil {
		return fmt.Errorf("regeneration stopped at %d/%d: %w", p.Offset, p.Total, err)
	}
	return nil
}
