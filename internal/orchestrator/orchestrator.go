// Package orchestrator turns each user action into one logical operation
// over the family bank API: it gates irreversible actions behind a
// confirmation, reports a single outcome per action, and re-reads the
// aggregates an action touched instead of predicting its effects.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/example/family-bank/internal/bankerr"
	"github.com/example/family-bank/internal/client"
	"github.com/example/family-bank/internal/instruments"
	"github.com/example/family-bank/internal/ledger"
	"github.com/example/family-bank/internal/rates"
	"github.com/example/family-bank/internal/recurring"
	"github.com/example/family-bank/internal/withdrawals"
)

// API is the server surface the orchestrator drives. *client.Client
// implements it.
type API interface {
	rates.Setter

	Accounts(ctx context.Context, childID string) (*ledger.AccountsResponse, error)
	Ledger(ctx context.Context, childID, accountID string) (*ledger.LedgerResponse, error)
	RecordTransaction(ctx context.Context, in client.TransactionInput) (*ledger.Transaction, error)
	AmendTransaction(ctx context.Context, id string, p client.TransactionPatch) (*ledger.Transaction, error)
	DeleteTransaction(ctx context.Context, id string) error

	Loans(ctx context.Context, childID string) ([]instruments.Loan, error)
	RequestLoan(ctx context.Context, in client.LoanInput) (*instruments.Loan, error)
	ApproveLoan(ctx context.Context, id string, rate float64, terms string) (*instruments.Loan, error)
	DenyLoan(ctx context.Context, id string) (*instruments.Loan, error)
	DisburseLoan(ctx context.Context, id string) (*instruments.Loan, error)
	RecordLoanPayment(ctx context.Context, id string, amount int64) (*instruments.Loan, error)
	ChangeLoanRate(ctx context.Context, id string, rate float64) (*instruments.Loan, error)
	CloseLoan(ctx context.Context, id string) (*instruments.Loan, error)

	CDs(ctx context.Context, childID string) ([]instruments.CD, error)
	OfferCD(ctx context.Context, in client.CDInput) (*instruments.CD, error)
	AcceptCD(ctx context.Context, id string) (*instruments.CD, error)
	RejectCD(ctx context.Context, id string) (*instruments.CD, error)
	RedeemCDEarly(ctx context.Context, id string) (*instruments.CD, error)
	MatureCD(ctx context.Context, id string) (*instruments.CD, error)

	Withdrawals(ctx context.Context, childID string, status withdrawals.Status) ([]withdrawals.Request, error)
	RequestWithdrawal(ctx context.Context, in client.WithdrawalInput) (*withdrawals.Request, error)
	ApproveWithdrawal(ctx context.Context, id string) (*withdrawals.Request, error)
	DenyWithdrawal(ctx context.Context, id, reason string) (*withdrawals.Request, error)
	CancelWithdrawal(ctx context.Context, id string) (*withdrawals.Request, error)

	RecurringCharges(ctx context.Context, childID string) ([]recurring.Charge, error)
}

// Confirmer asks the user to approve an irreversible action.
type Confirmer interface {
	Confirm(ctx context.Context, prompt string) (bool, error)
}

type ConfirmFunc func(ctx context.Context, prompt string) (bool, error)

func (f ConfirmFunc) Confirm(ctx context.Context, prompt string) (bool, error) { return f(ctx, prompt) }

// AlwaysConfirm approves everything, for non-interactive callers that
// were told to proceed.
var AlwaysConfirm = ConfirmFunc(func(context.Context, string) (bool, error) { return true, nil })

type Status string

const (
	Succeeded       Status = "success"
	NothingHappened Status = "nothing_happened"
	Partial         Status = "partial"
)

// Outcome is the single result of one user action.
type Outcome struct {
	Action string
	Status Status
	// Err is why the action did not fully succeed.
	Err error
	// Declined is set when the user refused the confirmation.
	Declined bool
	// Refreshed lists the aggregates re-read after the action.
	Refreshed Aggregate
	// RefreshErr reports a failed re-read. The action itself stands.
	RefreshErr error
	// Suppressed is set when the caller gave up after the call was sent:
	// the server effect stands but the view was left untouched.
	Suppressed bool
	// Result is the server's representation of the affected object.
	Result any
}

func (o *Outcome) OK() bool { return o.Status == Succeeded }

// Message renders the outcome as one line for the user.
func (o *Outcome) Message() string {
	switch {
	case o.Declined:
		return fmt.Sprintf("%s: cancelled, nothing happened", o.Action)
	case o.Status == NothingHappened:
		return fmt.Sprintf("%s: nothing happened: %v", o.Action, o.Err)
	case o.Status == Partial:
		var pf *bankerr.PartialFailureError
		if errors.As(o.Err, &pf) {
			return fmt.Sprintf("%s: partially applied; applied %s; failed %s",
				o.Action, strings.Join(pf.Succeeded, ", "), strings.Join(pf.FailedNames(), ", "))
		}
		return fmt.Sprintf("%s: partially applied: %v", o.Action, o.Err)
	}
	if o.RefreshErr != nil {
		return fmt.Sprintf("%s: done (refresh failed: %v)", o.Action, o.RefreshErr)
	}
	return fmt.Sprintf("%s: done", o.Action)
}

type Orchestrator struct {
	api     API
	confirm Confirmer
	view    *View
	logger  *slog.Logger
}

type Option func(*Orchestrator)

func WithLogger(l *slog.Logger) Option { return func(o *Orchestrator) { o.logger = l } }

func New(api API, confirm Confirmer, opts ...Option) *Orchestrator {
	o := &Orchestrator{api: api, confirm: confirm, view: &View{}, logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) View() *View { return o.view }

// Focus points the view at childID and loads everything for it.
func (o *Orchestrator) Focus(ctx context.Context, childID string) error {
	o.view.focus(childID)
	_, err := o.refresh(ctx, All)
	return err
}

// refresh re-reads the given aggregates of the focused child
// concurrently. Nothing is stored when ctx is done by the time the reads
// return, or when any read failed.
func (o *Orchestrator) refresh(ctx context.Context, which Aggregate) (suppressed bool, err error) {
	childID := o.view.childID()
	if childID == "" || which == 0 {
		return false, nil
	}
	var f Snapshot
	g, gctx := errgroup.WithContext(ctx)
	if which.Has(Accounts) {
		g.Go(func() (err error) { f.Accounts, err = o.api.Accounts(gctx, childID); return })
	}
	if which.Has(Ledger) {
		g.Go(func() (err error) { f.Ledger, err = o.api.Ledger(gctx, childID, ""); return })
	}
	if which.Has(Loans) {
		g.Go(func() (err error) { f.Loans, err = o.api.Loans(gctx, childID); return })
	}
	if which.Has(CDs) {
		g.Go(func() (err error) { f.CDs, err = o.api.CDs(gctx, childID); return })
	}
	if which.Has(Withdrawals) {
		g.Go(func() (err error) { f.Withdrawals, err = o.api.Withdrawals(gctx, childID, ""); return })
	}
	if which.Has(Recurring) {
		g.Go(func() (err error) { f.Recurring, err = o.api.RecurringCharges(gctx, childID); return })
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return true, nil
		}
		return false, fmt.Errorf("refresh %s: %w", which, err)
	}
	if ctx.Err() != nil {
		return true, nil
	}
	o.view.apply(childID, which, &f)
	return false, nil
}

// run performs one action. The call's error decides the status; after
// any call with effects the affected aggregates are re-read.
func (o *Orchestrator) run(ctx context.Context, action string, affected Aggregate, call func(ctx context.Context) (any, error)) *Outcome {
	out := &Outcome{Action: action, Status: Succeeded}
	res, err := call(ctx)
	out.Result = res
	if err != nil {
		out.Err = err
		if bankerr.KindOf(err) != bankerr.KindPartialFailure {
			out.Status = NothingHappened
			o.logger.Info("action_failed", "action", action, "kind", bankerr.KindOf(err), "error", err)
			return out
		}
		out.Status = Partial
	}
	if ctx.Err() != nil {
		out.Suppressed = true
		return out
	}
	suppressed, rerr := o.refresh(ctx, affected)
	out.Suppressed = suppressed
	if rerr != nil {
		out.RefreshErr = rerr
		o.logger.Warn("refresh_failed", "action", action, "error", rerr)
	} else if !suppressed {
		out.Refreshed = affected
	}
	return out
}

// confirmed runs an irreversible action only after the user agrees.
func (o *Orchestrator) confirmed(ctx context.Context, action, prompt string, affected Aggregate, call func(ctx context.Context) (any, error)) *Outcome {
	ok, err := o.confirm.Confirm(ctx, prompt)
	if err != nil {
		return &Outcome{Action: action, Status: NothingHappened, Err: err}
	}
	if !ok {
		return &Outcome{Action: action, Status: NothingHappened, Declined: true}
	}
	return o.run(ctx, action, affected, call)
}

func (o *Orchestrator) RecordTransaction(ctx context.Context, in client.TransactionInput) *Outcome {
	if in.ChildID == "" && in.AccountID == "" {
		in.ChildID = o.view.childID()
	}
	return o.run(ctx, "record transaction", Accounts|Ledger, func(ctx context.Context) (any, error) {
		return o.api.RecordTransaction(ctx, in)
	})
}

func (o *Orchestrator) AmendTransaction(ctx context.Context, id string, p client.TransactionPatch) *Outcome {
	return o.run(ctx, "amend transaction", Accounts|Ledger, func(ctx context.Context) (any, error) {
		return o.api.AmendTransaction(ctx, id, p)
	})
}

func (o *Orchestrator) DeleteTransaction(ctx context.Context, id string) *Outcome {
	return o.run(ctx, "delete transaction", Accounts|Ledger, func(ctx context.Context) (any, error) {
		return nil, o.api.DeleteTransaction(ctx, id)
	})
}

// UpdateRates validates every field locally, then sends one call per
// present field. A bad field stops the bundle before anything is sent.
func (o *Orchestrator) UpdateRates(ctx context.Context, childID string, in rates.Input) *Outcome {
	const action = "update rates"
	b, err := rates.ParseInput(in)
	if err != nil {
		return &Outcome{Action: action, Status: NothingHappened, Err: err}
	}
	if b.Empty() {
		return &Outcome{Action: action, Status: NothingHappened, Err: bankerr.Validation("orchestrator.UpdateRates", "no rates given")}
	}
	if childID == "" {
		childID = o.view.childID()
	}
	return o.run(ctx, action, Accounts, func(ctx context.Context) (any, error) {
		return rates.Apply(ctx, o.api, childID, b)
	})
}

func (o *Orchestrator) RequestLoan(ctx context.Context, in client.LoanInput) *Outcome {
	return o.run(ctx, "request loan", Loans, func(ctx context.Context) (any, error) {
		return o.api.RequestLoan(ctx, in)
	})
}

func (o *Orchestrator) ApproveLoan(ctx context.Context, id string, rate float64, terms string) *Outcome {
	return o.run(ctx, "approve loan", Loans|Accounts|Ledger, func(ctx context.Context) (any, error) {
		return o.api.ApproveLoan(ctx, id, rate, terms)
	})
}

func (o *Orchestrator) DenyLoan(ctx context.Context, id string) *Outcome {
	return o.run(ctx, "deny loan", Loans, func(ctx context.Context) (any, error) {
		return o.api.DenyLoan(ctx, id)
	})
}

func (o *Orchestrator) DisburseLoan(ctx context.Context, id string) *Outcome {
	return o.run(ctx, "disburse loan", Loans|Accounts|Ledger, func(ctx context.Context) (any, error) {
		return o.api.DisburseLoan(ctx, id)
	})
}

func (o *Orchestrator) RecordLoanPayment(ctx context.Context, id string, amount int64) *Outcome {
	return o.run(ctx, "record loan payment", Loans, func(ctx context.Context) (any, error) {
		return o.api.RecordLoanPayment(ctx, id, amount)
	})
}

func (o *Orchestrator) ChangeLoanRate(ctx context.Context, id string, rate float64) *Outcome {
	return o.run(ctx, "change loan rate", Loans, func(ctx context.Context) (any, error) {
		return o.api.ChangeLoanRate(ctx, id, rate)
	})
}

func (o *Orchestrator) CloseLoan(ctx context.Context, id string) *Outcome {
	return o.run(ctx, "close loan", Loans, func(ctx context.Context) (any, error) {
		return o.api.CloseLoan(ctx, id)
	})
}

func (o *Orchestrator) OfferCD(ctx context.Context, in client.CDInput) *Outcome {
	return o.run(ctx, "offer cd", CDs, func(ctx context.Context) (any, error) {
		return o.api.OfferCD(ctx, in)
	})
}

func (o *Orchestrator) AcceptCD(ctx context.Context, id string) *Outcome {
	return o.run(ctx, "accept cd", CDs|Accounts, func(ctx context.Context) (any, error) {
		return o.api.AcceptCD(ctx, id)
	})
}

func (o *Orchestrator) RejectCD(ctx context.Context, id string) *Outcome {
	return o.run(ctx, "reject cd", CDs, func(ctx context.Context) (any, error) {
		return o.api.RejectCD(ctx, id)
	})
}

// RedeemCDEarly asks for confirmation first: the penalty cannot be undone.
func (o *Orchestrator) RedeemCDEarly(ctx context.Context, id string) *Outcome {
	prompt := fmt.Sprintf("Redeem CD %s early? The penalty is %s%% of the principal and cannot be undone.",
		id, instruments.EarlyRedemptionPenalty.Mul(decimal.NewFromInt(100)).String())
	return o.confirmed(ctx, "redeem cd early", prompt, CDs|Accounts|Ledger, func(ctx context.Context) (any, error) {
		return o.api.RedeemCDEarly(ctx, id)
	})
}

func (o *Orchestrator) MatureCD(ctx context.Context, id string) *Outcome {
	return o.run(ctx, "mature cd", CDs|Accounts|Ledger, func(ctx context.Context) (any, error) {
		return o.api.MatureCD(ctx, id)
	})
}

func (o *Orchestrator) RequestWithdrawal(ctx context.Context, in client.WithdrawalInput) *Outcome {
	return o.run(ctx, "request withdrawal", Withdrawals, func(ctx context.Context) (any, error) {
		return o.api.RequestWithdrawal(ctx, in)
	})
}

func (o *Orchestrator) ApproveWithdrawal(ctx context.Context, id string) *Outcome {
	return o.run(ctx, "approve withdrawal", Withdrawals|Accounts|Ledger, func(ctx context.Context) (any, error) {
		return o.api.ApproveWithdrawal(ctx, id)
	})
}

func (o *Orchestrator) DenyWithdrawal(ctx context.Context, id, reason string) *Outcome {
	return o.run(ctx, "deny withdrawal", Withdrawals, func(ctx context.Context) (any, error) {
		return o.api.DenyWithdrawal(ctx, id, reason)
	})
}

// CancelWithdrawal asks for confirmation first: a cancelled request is
// final.
func (o *Orchestrator) CancelWithdrawal(ctx context.Context, id string) *Outcome {
	prompt := fmt.Sprintf("Cancel withdrawal request %s? This cannot be undone.", id)
	return o.confirmed(ctx, "cancel withdrawal", prompt, Withdrawals, func(ctx context.Context) (any, error) {
		return o.api.CancelWithdrawal(ctx, id)
	})
}
