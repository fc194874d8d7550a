package instruments

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/example/family-bank/internal/bankerr"
	"github.com/example/family-bank/internal/ledger"
	"github.com/example/family-bank/internal/lock"
	"github.com/example/family-bank/internal/principal"
)

// LoanRequest is a child's loan application.
type LoanRequest struct {
	ChildID string
	Amount  int64
	Purpose string
}

// RequestLoan creates a loan in the requested state.
func (s *Service) RequestLoan(ctx context.Context, req LoanRequest, actor principal.Principal) (*Loan, error) {
	const op = "instruments.RequestLoan"
	if req.Amount <= 0 {
		return nil, bankerr.Validation(op, "invalid amount %d: must be greater than zero", req.Amount)
	}
	if req.ChildID == "" {
		return nil, bankerr.Validation(op, "child id is required")
	}
	now := s.clock()
	l := &Loan{
		ID:                 uuid.NewString(),
		ChildID:            req.ChildID,
		Amount:             req.Amount,
		Purpose:            req.Purpose,
		Status:             LoanRequested,
		PrincipalRemaining: req.Amount,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	tr := s.transition(KindLoan, l.ID, "", string(LoanRequested), OpCreate, actor)
	if err := s.store.CreateLoan(ctx, l, tr); err != nil {
		return nil, storeErr(op, err)
	}
	s.record(ctx, actor, KindLoan, l.ID, l.ChildID, OpCreate, "", string(LoanRequested), map[string]any{"amount": l.Amount})
	return l, nil
}

func (s *Service) GetLoan(ctx context.Context, id string) (*Loan, error) {
	l, err := s.store.GetLoan(ctx, id)
	if err != nil {
		return nil, storeErr("instruments.GetLoan", err)
	}
	return l, nil
}

// ListLoans lists a child's loans, or every loan when childID is empty.
func (s *Service) ListLoans(ctx context.Context, childID string) ([]*Loan, error) {
	loans, err := s.store.ListLoans(ctx, childID)
	if err != nil {
		return nil, storeErr("instruments.ListLoans", err)
	}
	return loans, nil
}

// withLoan loads the loan under its lock and checks that op is allowed
// from its current status.
func (s *Service) withLoan(ctx context.Context, id string, op Operation, fn func(ctx context.Context, l *Loan) error) error {
	return s.locker.WithLock(ctx, lock.InstrumentKey(string(KindLoan), id), func(ctx context.Context) error {
		l, err := s.store.GetLoan(ctx, id)
		if err != nil {
			return storeErr("instruments."+string(op), err)
		}
		if err := ValidateLoanOperation(id, l.Status, op); err != nil {
			return err
		}
		return fn(ctx, l)
	})
}

// ApproveLoan moves a requested loan to approved, credits the full amount
// to the child's checking account and then activates it. If the credit
// fails the loan stays approved, the error is a PartialFailureError naming
// the approve step as done, and DisburseLoan retries the credit.
func (s *Service) ApproveLoan(ctx context.Context, id string, rate float64, terms string, actor principal.Principal) (*Loan, error) {
	const op = "instruments.ApproveLoan"
	if err := validateRate(op, rate); err != nil {
		return nil, err
	}
	var out *Loan
	err := s.withLoan(ctx, id, OpApprove, func(ctx context.Context, l *Loan) error {
		l.InterestRate = rate
		l.Terms = terms
		l.Status = LoanApproved
		l.UpdatedAt = s.clock()
		tr := s.transition(KindLoan, l.ID, string(LoanRequested), string(LoanApproved), OpApprove, actor)
		if err := s.store.UpdateLoan(ctx, l, LoanRequested, tr); err != nil {
			return storeErr(op, err)
		}
		s.record(ctx, actor, KindLoan, l.ID, l.ChildID, OpApprove, string(LoanRequested), string(LoanApproved), map[string]any{"interest_rate": rate})

		activated, err := s.disburse(ctx, l, actor)
		if err != nil {
			out = l
			return &bankerr.PartialFailureError{
				Op:        op,
				Succeeded: []string{string(OpApprove)},
				Failed:    map[string]error{string(OpDisburse): err},
			}
		}
		out = activated
		return nil
	})
	if err != nil {
		return out, err
	}
	return out, nil
}

// DisburseLoan retries the credit of a loan left approved by a failed
// credit. A loan is never credited twice.
func (s *Service) DisburseLoan(ctx context.Context, id string, actor principal.Principal) (*Loan, error) {
	var out *Loan
	err := s.withLoan(ctx, id, OpDisburse, func(ctx context.Context, l *Loan) error {
		activated, err := s.disburse(ctx, l, actor)
		out = activated
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) disburse(ctx context.Context, l *Loan, actor principal.Principal) (*Loan, error) {
	const op = "instruments.Disburse"
	checking, err := s.ledger.AccountByCategory(ctx, l.ChildID, ledger.Checking)
	if err != nil {
		return nil, err
	}
	txID := settlementID(KindLoan, l.ID, OpDisburse)
	if _, err := s.ledger.GetTransaction(ctx, txID); err != nil {
		if !errors.Is(err, bankerr.ErrNotFound) {
			return nil, err
		}
		_, err := s.ledger.RecordTransaction(ctx, ledger.RecordRequest{
			ID:        txID,
			AccountID: checking.ID,
			Type:      ledger.Credit,
			Amount:    l.Amount,
			Memo:      loanMemo(l),
			Initiator: actor,
		})
		if err != nil {
			s.logger.Error("loan_disbursement_failed", "loan_id", l.ID, "error", err)
			return nil, err
		}
	}

	l.DisbursementID = txID
	l.Status = LoanActive
	l.UpdatedAt = s.clock()
	tr := s.transition(KindLoan, l.ID, string(LoanApproved), string(LoanActive), opActivateLoan, actor)
	if err := s.store.UpdateLoan(ctx, l, LoanApproved, tr); err != nil {
		return nil, storeErr(op, err)
	}
	s.record(ctx, actor, KindLoan, l.ID, l.ChildID, opActivateLoan, string(LoanApproved), string(LoanActive), map[string]any{"disbursement_id": txID})
	return l, nil
}

func loanMemo(l *Loan) string {
	if l.Purpose != "" {
		return "Loan disbursement: " + l.Purpose
	}
	return "Loan disbursement"
}

// DenyLoan rejects a requested loan. No ledger effect.
func (s *Service) DenyLoan(ctx context.Context, id string, actor principal.Principal) (*Loan, error) {
	var out *Loan
	err := s.withLoan(ctx, id, OpDeny, func(ctx context.Context, l *Loan) error {
		l.Status = LoanDenied
		l.UpdatedAt = s.clock()
		tr := s.transition(KindLoan, l.ID, string(LoanRequested), string(LoanDenied), OpDeny, actor)
		if err := s.store.UpdateLoan(ctx, l, LoanRequested, tr); err != nil {
			return storeErr("instruments.DenyLoan", err)
		}
		s.record(ctx, actor, KindLoan, l.ID, l.ChildID, OpDeny, string(LoanRequested), string(LoanDenied), nil)
		out = l
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RecordLoanPayment reduces the remaining principal, floored at zero. A
// fully repaid loan stays active until an administrator closes it.
func (s *Service) RecordLoanPayment(ctx context.Context, id string, amount int64, actor principal.Principal) (*Loan, error) {
	const op = "instruments.RecordLoanPayment"
	if amount <= 0 {
		return nil, bankerr.Validation(op, "invalid amount %d: must be greater than zero", amount)
	}
	var out *Loan
	err := s.withLoan(ctx, id, OpPayment, func(ctx context.Context, l *Loan) error {
		l.PrincipalRemaining = max(l.PrincipalRemaining-amount, 0)
		l.UpdatedAt = s.clock()
		if err := s.store.UpdateLoan(ctx, l, LoanActive, nil); err != nil {
			return storeErr(op, err)
		}
		s.record(ctx, actor, KindLoan, l.ID, l.ChildID, OpPayment, string(LoanActive), string(LoanActive),
			map[string]any{"amount": amount, "principal_remaining": l.PrincipalRemaining})
		out = l
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ChangeLoanRate sets the rate going forward. Past interest is never
// recomputed.
func (s *Service) ChangeLoanRate(ctx context.Context, id string, rate float64, actor principal.Principal) (*Loan, error) {
	const op = "instruments.ChangeLoanRate"
	if err := validateRate(op, rate); err != nil {
		return nil, err
	}
	var out *Loan
	err := s.withLoan(ctx, id, OpChangeRate, func(ctx context.Context, l *Loan) error {
		old := l.InterestRate
		l.InterestRate = rate
		l.UpdatedAt = s.clock()
		if err := s.store.UpdateLoan(ctx, l, l.Status, nil); err != nil {
			return storeErr(op, err)
		}
		s.record(ctx, actor, KindLoan, l.ID, l.ChildID, OpChangeRate, string(l.Status), string(l.Status),
			map[string]any{"old_rate": old, "new_rate": rate})
		out = l
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CloseLoan closes an active loan, even with principal remaining.
func (s *Service) CloseLoan(ctx context.Context, id string, actor principal.Principal) (*Loan, error) {
	var out *Loan
	err := s.withLoan(ctx, id, OpClose, func(ctx context.Context, l *Loan) error {
		l.Status = LoanClosed
		l.UpdatedAt = s.clock()
		tr := s.transition(KindLoan, l.ID, string(LoanActive), string(LoanClosed), OpClose, actor)
		if err := s.store.UpdateLoan(ctx, l, LoanActive, tr); err != nil {
			return storeErr("instruments.CloseLoan", err)
		}
		s.record(ctx, actor, KindLoan, l.ID, l.ChildID, OpClose, string(LoanActive), string(LoanClosed),
			map[string]any{"principal_remaining": l.PrincipalRemaining})
		out = l
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
