package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/family-bank/internal/auth"
	"github.com/example/family-bank/internal/client"
)

func newLoginCommand(g *globals) *cobra.Command {
	var email, password, code string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Obtain a bearer token",
		Long: `Log in as a parent or administrator with --email and --password, or as a
child with --code. The token is printed so it can be exported as
FAMILYBANK_TOKEN.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(g.server, nil)
			var (
				tok *auth.TokenResponse
				err error
			)
			switch {
			case code != "":
				tok, err = c.LoginChild(cmd.Context(), code)
			case email != "":
				tok, err = c.Login(cmd.Context(), email, password)
			default:
				return fmt.Errorf("either --email or --code is required")
			}
			if err != nil {
				return fmt.Errorf("login failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok.AccessToken)
			return nil
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "parent or administrator email")
	cmd.Flags().StringVar(&password, "password", "", "password")
	cmd.Flags().StringVar(&code, "code", "", "child access code")
	cmd.MarkFlagsMutuallyExclusive("email", "code")
	return cmd
}

func newAccountsCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "accounts <child-id>",
		Short: "Show a child's balances",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			accts, err := g.client().Accounts(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "child %s\n", args[0])
			printAccounts(cmd.OutOrStdout(), accts)
			return nil
		},
	}
}
