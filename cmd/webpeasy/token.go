package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fpang/webpeasy/internal/admin"
	"github.com/fpang/webpeasy/internal/app"
)

var (
	subjectFlag string
	capsFlag    []string
	nonceFlag   bool
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an operator session token for the admin API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		tokens, err := app.TokenIssuer(cmd.Context(), cfg)
		if err != nil {
			return err
		}

		session, err := tokens.IssueSession(subjectFlag, capsFlag)
		if err != nil {
			return fmt.Errorf("failed to sign session: %w", err)
		}
		out := cmd.OutOrStdout()
		if !nonceFlag {
			fmt.Fprintln(out, session)
			return nil
		}

		s, err := tokens.ParseSession(session)
		if err != nil {
			return err
		}
		nonce, err := tokens.IssueNonce(s, admin.NonceAction)
		if err != nil {
			return fmt.Errorf("failed to sign nonce: %w", err)
		}
		fmt.Fprintf(out, "session: %s\nnonce:   %s\n", session, nonce)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&subjectFlag, "subject", "admin", "Operator name recorded in the token")
	tokenCmd.Flags().StringSliceVar(&capsFlag, "cap", []string{admin.CapManageOptions}, "Capabilities granted to the session")
	tokenCmd.Flags().BoolVar(&nonceFlag, "nonce", false, "Also print a batch nonce bound to the session")
	rootCmd.AddCommand(tokenCmd)
}
