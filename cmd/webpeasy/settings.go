package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/fpang/webpeasy/internal/app"
	"github.com/fpang/webpeasy/internal/cli"
	"github.com/fpang/webpeasy/internal/settings"
)

var yesFlag bool

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Read and change the " + settings.OptionName + " record",
}

var settingsGetCmd = &cobra.Command{
	Use:   "get [key]",
	Short: "Print all settings, or one key",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSettings(cmd, func(ctx context.Context, s *settings.Store) error {
			out := cmd.OutOrStdout()
			if len(args) == 1 {
				v, err := s.Get(ctx, args[0])
				if err != nil {
					return err
				}
				if v == nil {
					return fmt.Errorf("unknown setting %q", args[0])
				}
				fmt.Fprintln(out, v)
				return nil
			}
			return printSettings(cmd, ctx, s)
		})
	},
}

var settingsSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Change one setting",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSettings(cmd, func(ctx context.Context, s *settings.Store) error {
			changed, err := s.Update(ctx, map[string]any{args[0]: args[1]})
			if err != nil {
				return err
			}
			if !changed {
				return fmt.Errorf("unknown setting %q", args[0])
			}
			return printSettings(cmd, ctx, s)
		})
	},
}

var settingsResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Restore the default settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !yesFlag && !cli.Confirm(cmd.InOrStdin(), cmd.OutOrStdout(), "Reset all WebPeasy settings to their defaults?") {
			fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
			return nil
		}
		return withSettings(cmd, func(ctx context.Context, s *settings.Store) error {
			if _, err := s.Reset(ctx); err != nil {
				return err
			}
			return printSettings(cmd, ctx, s)
		})
	},
}

func init() {
	settingsResetCmd.Flags().BoolVarP(&yesFlag, "yes", "y", false, "Do not ask for confirmation")
	settingsCmd.AddCommand(settingsGetCmd, settingsSetCmd, settingsResetCmd)
	rootCmd.AddCommand(settingsCmd)
}

func withSettings(cmd *cobra.Command, fn func(context.Context, *settings.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	s, closeFn, err := app.OpenSettings(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(ctx, s)
}

func printSettings(cmd *cobra.Command, ctx context.Context, s *settings.Store) error {
	all, err := s.All(ctx)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(cmd.OutOrStdout(), "%s = %v\n", k, all[k])
	}
	return nil
}
