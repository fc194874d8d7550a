// Package commands implements familybankctl, the command line front end of
// the orchestration client.
package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/family-bank/internal/client"
	"github.com/example/family-bank/internal/ledger"
	"github.com/example/family-bank/internal/orchestrator"
)

// Version is set at build time.
var Version = "dev"

type globals struct {
	server string
	token  string
	child  string
	yes    bool
	in     io.Reader
}

// NewRootCommand creates the root CLI command with all subcommands registered.
func NewRootCommand() *cobra.Command {
	g := &globals{in: os.Stdin}

	rootCmd := &cobra.Command{
		Use:     "familybankctl",
		Short:   "Administer the family bank from the command line",
		Version: Version,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			g.in = cmd.InOrStdin()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&g.server, "server", envOr("FAMILYBANK_SERVER", "http://localhost:8080"), "family bank API base URL")
	flags.StringVar(&g.token, "token", os.Getenv("FAMILYBANK_TOKEN"), "bearer token (see the login commands)")
	flags.StringVar(&g.child, "child", "", "child id whose balances are shown after an action")
	flags.BoolVarP(&g.yes, "yes", "y", false, "skip confirmation of irreversible actions")

	rootCmd.AddCommand(
		newLoginCommand(g),
		newAccountsCommand(g),
		newTransactionCommand(g),
		newRatesCommand(g),
		newLoanCommand(g),
		newCDCommand(g),
		newWithdrawalCommand(g),
	)
	return rootCmd
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func (g *globals) client() *client.Client {
	return client.New(g.server, client.StaticToken(g.token), client.WithUserAgent("familybankctl/"+Version))
}

// promptConfirmer asks on the terminal and accepts only an explicit yes.
type promptConfirmer struct {
	in  io.Reader
	out io.Writer
}

func (p promptConfirmer) Confirm(ctx context.Context, prompt string) (bool, error) {
	fmt.Fprintf(p.out, "%s [y/N] ", prompt)
	line, err := bufio.NewReader(p.in).ReadString('\n')
	if err != nil && line == "" {
		if err == io.EOF {
			return false, nil
		}
		return false, fmt.Errorf("reading confirmation: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

func (g *globals) orchestrator(cmd *cobra.Command) *orchestrator.Orchestrator {
	var confirm orchestrator.Confirmer = promptConfirmer{in: g.in, out: cmd.OutOrStdout()}
	if g.yes {
		confirm = orchestrator.AlwaysConfirm
	}
	return orchestrator.New(g.client(), confirm)
}

// act runs one orchestrated action, prints its outcome and, when --child
// is set, the refreshed balances. Anything short of full success exits
// non-zero.
func (g *globals) act(cmd *cobra.Command, fn func(ctx context.Context, o *orchestrator.Orchestrator) *orchestrator.Outcome) error {
	ctx := cmd.Context()
	o := g.orchestrator(cmd)
	if g.child != "" {
		if err := o.Focus(ctx, g.child); err != nil {
			return err
		}
	}
	out := fn(ctx, o)
	fmt.Fprintln(cmd.OutOrStdout(), out.Message())
	if g.child != "" && out.Refreshed.Has(orchestrator.Accounts) {
		printAccounts(cmd.OutOrStdout(), o.View().Snapshot().Accounts)
	}
	if !out.OK() {
		return fmt.Errorf("%s did not complete", out.Action)
	}
	return nil
}

func printAccounts(w io.Writer, accts *ledger.AccountsResponse) {
	if accts == nil {
		return
	}
	for _, c := range []ledger.Category{ledger.Checking, ledger.Savings, ledger.CollegeSavings} {
		a := accts.ByCategory(c)
		if a == nil {
			continue
		}
		fmt.Fprintf(w, "  %-16s balance %s  available %s\n", c, formatCents(a.Balance), formatCents(a.AvailableBalance))
	}
	fmt.Fprintf(w, "  %-16s %s\n", "total", formatCents(accts.TotalBalance))
}
