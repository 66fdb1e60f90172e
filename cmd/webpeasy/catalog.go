package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fpang/webpeasy/internal/app"
	"github.com/fpang/webpeasy/internal/catalog"
	"github.com/fpang/webpeasy/internal/cli"
	"github.com/fpang/webpeasy/internal/media"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Manage the asset catalog",
}

var catalogImportCmd = &cobra.Command{
	Use:   "import [dir]",
	Short: "Register original uploads the catalog does not know yet",
	Long: `Import scans the uploads directory (or dir) for original JPEG, PNG and GIF
files, skipping generated renditions and WebP siblings, and adds every file
not already in the catalog.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		dir := cfg.Uploads.BaseDir
		if len(args) == 1 {
			dir = args[0]
		}
		dir, err = cli.ValidateAndResolveDirectory(dir)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		c, w, closeFn, err := app.OpenCatalog(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeFn()

		added, err := catalog.Import(ctx, c, w, dir)
		if err != nil {
			return err
		}
		total, err := c.CountByMime(ctx, media.ConvertibleMimeTypes)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Imported %d new assets; %d convertible images in catalog\n", added, total)
		return nil
	},
}

func init() {
	catalogCmd.AddCommand(catalogImportCmd)
	rootCmd.AddCommand(catalogCmd)
}
