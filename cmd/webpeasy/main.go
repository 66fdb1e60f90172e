// Command webpeasy serves a site with WebP-aware output rewriting and
// administers the WebP renditions of its uploads.
package main

import (
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fpang/webpeasy/internal/config"
	"github.com/fpang/webpeasy/internal/logging"
)

// version is set at build time with -ldflags.
var version = "dev"

var configFlag string

var rootCmd = &cobra.Command{
	Use:   "webpeasy",
	Short: "Serve and maintain WebP renditions of uploaded images",
	Long: `WebPeasy generates WebP siblings for JPEG, PNG and GIF uploads, serves
pages with image URLs swapped for their WebP siblings when the browser
accepts WebP, and exposes an admin API to tune quality and regenerate
existing uploads in batches.

Examples:
  webpeasy serve --config webpeasy.yaml
  webpeasy detect
  webpeasy catalog import
  webpeasy regenerate --limit 5
  webpeasy regenerate --remote https://example.com/wp-admin --token $TOKEN
  webpeasy settings set webp_quality 75`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Init()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c",
		logging.EnvOrDefault("WEBPEASY_CONFIG", ""), "Path to the YAML config file")
	rootCmd.Version = version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	return config.Load(configFlag)
}
