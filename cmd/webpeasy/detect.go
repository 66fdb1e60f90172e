package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fpang/webpeasy/internal/app"
)

var jsonFlag bool

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Probe the image libraries and report WebP support",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		d, err := app.Detector(cfg)
		if err != nil {
			return err
		}
		info := d.Info()

		out := cmd.OutOrStdout()
		if jsonFlag {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				Supported    bool   `json:"supported"`
				Library      string `json:"library"`
				LibraryLabel string `json:"library_label"`
				Notice       string `json:"notice,omitempty"`
			}{info.Supported, info.Library, info.LibraryLabel, info.Notice()})
		}

		fmt.Fprintf(out, "Image library: %s\n", info.LibraryLabel)
		fmt.Fprintf(out, "WebP support:  %v\n", info.Supported)
		if n := info.Notice(); n != "" {
			fmt.Fprintf(out, "\n%s\n", n)
		}
		return nil
	},
}

func init() {
	detectCmd.Flags().BoolVar(&jsonFlag, "json", false, "Print the result as JSON")
	rootCmd.AddCommand(detectCmd)
}
