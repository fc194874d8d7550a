package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/family-bank/internal/client"
	"github.com/example/family-bank/internal/ledger"
	"github.com/example/family-bank/internal/orchestrator"
	"github.com/example/family-bank/internal/rates"
	"github.com/example/family-bank/internal/withdrawals"
)

// idAction builds a subcommand that takes one object id and runs a single
// orchestrated action on it.
func idAction(g *globals, use, short string, fn func(ctx context.Context, o *orchestrator.Orchestrator, id string) *orchestrator.Outcome) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.act(cmd, func(ctx context.Context, o *orchestrator.Orchestrator) *orchestrator.Outcome {
				return fn(ctx, o, args[0])
			})
		},
	}
}

func newTransactionCommand(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tx",
		Short: "Record, amend and delete ledger transactions",
	}

	var account, txType, amount, memo string
	record := &cobra.Command{
		Use:   "record <child-id>",
		Short: "Record a credit or debit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cents, err := parseAmount(amount)
			if err != nil {
				return err
			}
			in := client.TransactionInput{
				ChildID:     args[0],
				AccountType: ledger.Category(account),
				Type:        ledger.TxType(txType),
				Amount:      cents,
				Memo:        memo,
			}
			return g.act(cmd, func(ctx context.Context, o *orchestrator.Orchestrator) *orchestrator.Outcome {
				return o.RecordTransaction(ctx, in)
			})
		},
	}
	record.Flags().StringVar(&account, "account", string(ledger.Checking), "checking, savings or college_savings")
	record.Flags().StringVar(&txType, "type", string(ledger.Credit), "credit or debit")
	record.Flags().StringVar(&amount, "amount", "", "amount in dollars, e.g. 12.50")
	record.Flags().StringVar(&memo, "memo", "", "memo")
	_ = record.MarkFlagRequired("amount")

	var newAmount, newMemo, newType string
	amend := &cobra.Command{
		Use:   "amend <transaction-id>",
		Short: "Change the amount, type or memo of a transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var p client.TransactionPatch
			if cmd.Flags().Changed("amount") {
				cents, err := parseAmount(newAmount)
				if err != nil {
					return err
				}
				p.Amount = &cents
			}
			if cmd.Flags().Changed("memo") {
				p.Memo = &newMemo
			}
			if cmd.Flags().Changed("type") {
				t := ledger.TxType(newType)
				p.Type = &t
			}
			return g.act(cmd, func(ctx context.Context, o *orchestrator.Orchestrator) *orchestrator.Outcome {
				return o.AmendTransaction(ctx, args[0], p)
			})
		},
	}
	amend.Flags().StringVar(&newAmount, "amount", "", "new amount in dollars")
	amend.Flags().StringVar(&newMemo, "memo", "", "new memo")
	amend.Flags().StringVar(&newType, "type", "", "new type")

	cmd.AddCommand(record, amend,
		idAction(g, "delete", "Delete a transaction", func(ctx context.Context, o *orchestrator.Orchestrator, id string) *orchestrator.Outcome {
			return o.DeleteTransaction(ctx, id)
		}),
	)
	return cmd
}

func newRatesCommand(g *globals) *cobra.Command {
	var in rates.Input
	cmd := &cobra.Command{
		Use:   "rates <child-id>",
		Short: "Change a child's rates, given in percent",
		Long: `Change any of a child's rates in one go. Each given rate is applied on its
own; if some fail, the output names the ones that took effect.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.act(cmd, func(ctx context.Context, o *orchestrator.Orchestrator) *orchestrator.Outcome {
				return o.UpdateRates(ctx, args[0], in)
			})
		},
	}
	cmd.Flags().StringVar(&in.SavingsRate, "savings", "", "savings interest rate")
	cmd.Flags().StringVar(&in.CollegeSavingsRate, "college-savings", "", "college savings interest rate")
	cmd.Flags().StringVar(&in.PenaltyRate, "penalty", "", "penalty interest rate on overdrawn checking")
	cmd.Flags().StringVar(&in.CDPenaltyRate, "cd-penalty", "", "CD early redemption penalty rate")
	return cmd
}

func newLoanCommand(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "loan",
		Short: "Manage loans",
	}

	var amount, purpose string
	request := &cobra.Command{
		Use:   "request <child-id>",
		Short: "Request a loan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cents, err := parseAmount(amount)
			if err != nil {
				return err
			}
			return g.act(cmd, func(ctx context.Context, o *orchestrator.Orchestrator) *orchestrator.Outcome {
				return o.RequestLoan(ctx, client.LoanInput{ChildID: args[0], Amount: cents, Purpose: purpose})
			})
		},
	}
	request.Flags().StringVar(&amount, "amount", "", "principal in dollars")
	request.Flags().StringVar(&purpose, "purpose", "", "what the loan is for")
	_ = request.MarkFlagRequired("amount")

	var rate, terms string
	approve := &cobra.Command{
		Use:   "approve <loan-id>",
		Short: "Approve and disburse a loan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := rates.FromPercent(rate)
			if err != nil {
				return err
			}
			return g.act(cmd, func(ctx context.Context, o *orchestrator.Orchestrator) *orchestrator.Outcome {
				return o.ApproveLoan(ctx, args[0], r, terms)
			})
		},
	}
	approve.Flags().StringVar(&rate, "rate", "0", "interest rate in percent")
	approve.Flags().StringVar(&terms, "terms", "", "repayment terms")

	var payment string
	pay := &cobra.Command{
		Use:   "pay <loan-id>",
		Short: "Record a repayment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cents, err := parseAmount(payment)
			if err != nil {
				return err
			}
			return g.act(cmd, func(ctx context.Context, o *orchestrator.Orchestrator) *orchestrator.Outcome {
				return o.RecordLoanPayment(ctx, args[0], cents)
			})
		},
	}
	pay.Flags().StringVar(&payment, "amount", "", "payment in dollars")
	_ = pay.MarkFlagRequired("amount")

	var newRate string
	setRate := &cobra.Command{
		Use:   "rate <loan-id>",
		Short: "Change the interest rate of an active loan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := rates.FromPercent(newRate)
			if err != nil {
				return err
			}
			return g.act(cmd, func(ctx context.Context, o *orchestrator.Orchestrator) *orchestrator.Outcome {
				return o.ChangeLoanRate(ctx, args[0], r)
			})
		},
	}
	setRate.Flags().StringVar(&newRate, "rate", "", "interest rate in percent")
	_ = setRate.MarkFlagRequired("rate")

	list := &cobra.Command{
		Use:   "list <child-id>",
		Short: "List a child's loans",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loans, err := g.client().Loans(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, l := range loans {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-9s  principal %s  remaining %s  rate %s%%\n",
					l.ID, l.Status, formatCents(l.Amount), formatCents(l.PrincipalRemaining), rates.ToPercent(l.InterestRate))
			}
			return nil
		},
	}

	cmd.AddCommand(request, approve, pay, setRate, list,
		idAction(g, "deny", "Deny a requested loan", func(ctx context.Context, o *orchestrator.Orchestrator, id string) *orchestrator.Outcome {
			return o.DenyLoan(ctx, id)
		}),
		idAction(g, "disburse", "Disburse an approved loan", func(ctx context.Context, o *orchestrator.Orchestrator, id string) *orchestrator.Outcome {
			return o.DisburseLoan(ctx, id)
		}),
		idAction(g, "close", "Close a repaid loan", func(ctx context.Context, o *orchestrator.Orchestrator, id string) *orchestrator.Outcome {
			return o.CloseLoan(ctx, id)
		}),
	)
	return cmd
}

func newCDCommand(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cd",
		Short: "Manage certificates of deposit",
	}

	var (
		amount, rate, account string
		term                  int
	)
	offer := &cobra.Command{
		Use:   "offer <child-id>",
		Short: "Offer a CD to a child",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cents, err := parseAmount(amount)
			if err != nil {
				return err
			}
			r, err := rates.FromPercent(rate)
			if err != nil {
				return err
			}
			in := client.CDInput{ChildID: args[0], Amount: cents, InterestRate: r, TermDays: term, AccountType: ledger.Category(account)}
			return g.act(cmd, func(ctx context.Context, o *orchestrator.Orchestrator) *orchestrator.Outcome {
				return o.OfferCD(ctx, in)
			})
		},
	}
	offer.Flags().StringVar(&amount, "amount", "", "principal in dollars")
	offer.Flags().StringVar(&rate, "rate", "", "interest rate in percent")
	offer.Flags().IntVar(&term, "term-days", 0, "term in days")
	offer.Flags().StringVar(&account, "account", string(ledger.Savings), "account that funds the CD")
	_ = offer.MarkFlagRequired("amount")
	_ = offer.MarkFlagRequired("rate")
	_ = offer.MarkFlagRequired("term-days")

	list := &cobra.Command{
		Use:   "list <child-id>",
		Short: "List a child's CDs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cds, err := g.client().CDs(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, cd := range cds {
				left := "-"
				if cd.DaysLeft != nil {
					left = fmt.Sprintf("%dd", *cd.DaysLeft)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-14s  %s at %s%%  left %s\n",
					cd.ID, cd.Status, formatCents(cd.Amount), rates.ToPercent(cd.InterestRate), left)
			}
			return nil
		},
	}

	matureDue := &cobra.Command{
		Use:   "mature-due",
		Short: "Settle every CD whose term has ended",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := g.client().MatureDue(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "matured %d\n", len(res.Matured))
			for _, e := range res.Errors {
				fmt.Fprintln(cmd.OutOrStdout(), "  error:", e)
			}
			if len(res.Errors) > 0 {
				return fmt.Errorf("%d cds could not be matured", len(res.Errors))
			}
			return nil
		},
	}

	cmd.AddCommand(offer, list, matureDue,
		idAction(g, "accept", "Accept an offered CD", func(ctx context.Context, o *orchestrator.Orchestrator, id string) *orchestrator.Outcome {
			return o.AcceptCD(ctx, id)
		}),
		idAction(g, "reject", "Reject an offered CD", func(ctx context.Context, o *orchestrator.Orchestrator, id string) *orchestrator.Outcome {
			return o.RejectCD(ctx, id)
		}),
		idAction(g, "redeem-early", "Redeem an active CD before maturity, paying the penalty", func(ctx context.Context, o *orchestrator.Orchestrator, id string) *orchestrator.Outcome {
			return o.RedeemCDEarly(ctx, id)
		}),
		idAction(g, "mature", "Settle a CD whose term has ended", func(ctx context.Context, o *orchestrator.Orchestrator, id string) *orchestrator.Outcome {
			return o.MatureCD(ctx, id)
		}),
	)
	return cmd
}

func newWithdrawalCommand(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "withdrawal",
		Short: "Request and review withdrawals",
	}

	var amount, account, memo string
	request := &cobra.Command{
		Use:   "request <child-id>",
		Short: "Ask for money to be taken out of an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cents, err := parseAmount(amount)
			if err != nil {
				return err
			}
			in := client.WithdrawalInput{ChildID: args[0], AccountType: ledger.Category(account), Amount: cents, Memo: memo}
			return g.act(cmd, func(ctx context.Context, o *orchestrator.Orchestrator) *orchestrator.Outcome {
				return o.RequestWithdrawal(ctx, in)
			})
		},
	}
	request.Flags().StringVar(&amount, "amount", "", "amount in dollars")
	request.Flags().StringVar(&account, "account", string(ledger.Checking), "checking or savings")
	request.Flags().StringVar(&memo, "memo", "", "what the money is for")
	_ = request.MarkFlagRequired("amount")

	var reason string
	deny := &cobra.Command{
		Use:   "deny <request-id>",
		Short: "Deny a pending request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.act(cmd, func(ctx context.Context, o *orchestrator.Orchestrator) *orchestrator.Outcome {
				return o.DenyWithdrawal(ctx, args[0], reason)
			})
		},
	}
	deny.Flags().StringVar(&reason, "reason", "", "reason shown to the child")

	var status string
	list := &cobra.Command{
		Use:   "list [child-id]",
		Short: "List withdrawal requests; without a child id, your own",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := g.client()
			var (
				reqs []withdrawals.Request
				err  error
			)
			if len(args) == 1 {
				reqs, err = c.Withdrawals(cmd.Context(), args[0], withdrawals.Status(status))
			} else {
				reqs, err = c.MyWithdrawals(cmd.Context())
			}
			if err != nil {
				return err
			}
			for _, r := range reqs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-9s  %s from %s  %s\n", r.ID, r.Status, formatCents(r.Amount), r.AccountType, r.Memo)
			}
			return nil
		},
	}
	list.Flags().StringVar(&status, "status", "", "pending, approved, denied or cancelled")

	cmd.AddCommand(request, deny, list,
		idAction(g, "approve", "Approve a pending request and debit the account", func(ctx context.Context, o *orchestrator.Orchestrator, id string) *orchestrator.Outcome {
			return o.ApproveWithdrawal(ctx, id)
		}),
		idAction(g, "cancel", "Cancel a pending request", func(ctx context.Context, o *orchestrator.Orchestrator, id string) *orchestrator.Outcome {
			return o.CancelWithdrawal(ctx, id)
		}),
	)
	return cmd
}
