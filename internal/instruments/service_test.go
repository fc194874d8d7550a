package instruments

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/family-bank/internal/bankerr"
	"github.com/example/family-bank/internal/ledger"
	"github.com/example/family-bank/internal/lock"
	"github.com/example/family-bank/internal/principal"
	"github.com/example/family-bank/internal/storage"
	"github.com/example/family-bank/pkg/audit"
)

var (
	parent = principal.Principal{ID: "parent-1", Role: principal.RoleParent, Children: []string{"child-1"}}
	child  = principal.Principal{ID: "child-1", Role: principal.RoleChild, ChildID: "child-1"}
)

type env struct {
	svc    *Service
	ledger *ledger.Service
	store  *SQLStore
	audit  *audit.ChainLogger
	now    time.Time
	accts  *ledger.AccountsResponse
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	e := &env{now: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return e.now }

	locker := lock.NewKeyedMutex()
	e.ledger = ledger.NewService(ledger.NewMemoryStore(), locker, ledger.WithClock(clock))
	accts, err := e.ledger.OpenAccounts(ctx, "child-1", e.now.Add(-time.Hour))
	require.NoError(t, err)
	e.accts = accts

	db, err := storage.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	e.store = NewSQLStore(db)
	require.NoError(t, e.store.Migrate(ctx))

	e.audit = audit.NewChainLogger(nil)
	e.svc = NewService(e.store, e.ledger, locker, WithClock(clock), WithAudit(e.audit))
	return e
}

func (e *env) fund(t *testing.T, c ledger.Category, amount int64) {
	t.Helper()
	_, err := e.ledger.RecordTransaction(context.Background(), ledger.RecordRequest{
		AccountID: e.accts.ByCategory(c).ID, Type: ledger.Credit, Amount: amount, Initiator: parent,
	})
	require.NoError(t, err)
}

func (e *env) account(t *testing.T, c ledger.Category) *ledger.Account {
	t.Helper()
	a, err := e.ledger.GetAccount(context.Background(), e.accts.ByCategory(c).ID)
	require.NoError(t, err)
	return a
}

func TestLoanApprovalCreditsCheckingAndActivates(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	l, err := e.svc.RequestLoan(ctx, LoanRequest{ChildID: "child-1", Amount: 5000, Purpose: "bike"}, child)
	require.NoError(t, err)
	assert.Equal(t, LoanRequested, l.Status)

	l, err = e.svc.ApproveLoan(ctx, l.ID, 0.1, "0% for 30 days then 5%", parent)
	require.NoError(t, err)
	assert.Equal(t, LoanActive, l.Status)
	assert.Equal(t, int64(5000), l.PrincipalRemaining)
	assert.Equal(t, 0.1, l.InterestRate)
	assert.NotEmpty(t, l.DisbursementID)

	assert.Equal(t, int64(5000), e.account(t, ledger.Checking).Balance)

	l, err = e.svc.RecordLoanPayment(ctx, l.ID, 2000, parent)
	require.NoError(t, err)
	assert.Equal(t, int64(3000), l.PrincipalRemaining)
	assert.Equal(t, LoanActive, l.Status)

	history, err := e.svc.Transitions(ctx, KindLoan, l.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, string(LoanActive), history[2].ToState)
}

func TestLoanPaymentFlooredAtZero(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	l, err := e.svc.RequestLoan(ctx, LoanRequest{ChildID: "child-1", Amount: 1000}, child)
	require.NoError(t, err)
	_, err = e.svc.ApproveLoan(ctx, l.ID, 0, "", parent)
	require.NoError(t, err)

	l, err = e.svc.RecordLoanPayment(ctx, l.ID, 5000, parent)
	require.NoError(t, err)
	assert.Equal(t, int64(0), l.PrincipalRemaining)
	assert.Equal(t, LoanActive, l.Status)

	l, err = e.svc.CloseLoan(ctx, l.ID, parent)
	require.NoError(t, err)
	assert.Equal(t, LoanClosed, l.Status)
}

func TestLoanInvalidTransitions(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	l, err := e.svc.RequestLoan(ctx, LoanRequest{ChildID: "child-1", Amount: 1000}, child)
	require.NoError(t, err)

	_, err = e.svc.RecordLoanPayment(ctx, l.ID, 100, parent)
	assert.ErrorIs(t, err, bankerr.ErrInvalidState)
	_, err = e.svc.CloseLoan(ctx, l.ID, parent)
	assert.ErrorIs(t, err, bankerr.ErrInvalidState)
	_, err = e.svc.ChangeLoanRate(ctx, l.ID, 0.05, parent)
	assert.ErrorIs(t, err, bankerr.ErrInvalidState)

	_, err = e.svc.DenyLoan(ctx, l.ID, parent)
	require.NoError(t, err)
	_, err = e.svc.ApproveLoan(ctx, l.ID, 0.1, "", parent)
	assert.ErrorIs(t, err, bankerr.ErrInvalidState)

	_, err = e.svc.ApproveLoan(ctx, l.ID, -0.1, "", parent)
	assert.ErrorIs(t, err, bankerr.ErrValidation)
	_, err = e.svc.RequestLoan(ctx, LoanRequest{ChildID: "child-1", Amount: 0}, child)
	assert.ErrorIs(t, err, bankerr.ErrValidation)
	_, err = e.svc.GetLoan(ctx, "missing")
	assert.ErrorIs(t, err, bankerr.ErrNotFound)
}

func TestChangeLoanRateGoingForward(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	l, err := e.svc.RequestLoan(ctx, LoanRequest{ChildID: "child-1", Amount: 1000}, child)
	require.NoError(t, err)
	_, err = e.svc.ApproveLoan(ctx, l.ID, 0, "0% for 30 days then 5%", parent)
	require.NoError(t, err)

	l, err = e.svc.ChangeLoanRate(ctx, l.ID, 0.05, parent)
	require.NoError(t, err)
	assert.Equal(t, 0.05, l.InterestRate)
	assert.Equal(t, "0% for 30 days then 5%", l.Terms)
	assert.Equal(t, int64(1000), e.account(t, ledger.Checking).Balance)
}

// flakyLedger fails the first credit.
type flakyLedger struct {
	Ledger
	failures int
}

func (f *flakyLedger) RecordTransaction(ctx context.Context, req ledger.RecordRequest) (*ledger.Transaction, error) {
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("ledger unavailable")
	}
	return f.Ledger.RecordTransaction(ctx, req)
}

func TestDisburseRetriesFailedCredit(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	flaky := &flakyLedger{Ledger: e.ledger, failures: 1}
	svc := NewService(e.store, flaky, lock.NewKeyedMutex(), WithClock(func() time.Time { return e.now }))

	l, err := svc.RequestLoan(ctx, LoanRequest{ChildID: "child-1", Amount: 700}, child)
	require.NoError(t, err)
	approved, err := svc.ApproveLoan(ctx, l.ID, 0.1, "", parent)
	require.ErrorIs(t, err, bankerr.ErrPartialFailure)
	var pf *bankerr.PartialFailureError
	require.ErrorAs(t, err, &pf)
	assert.Equal(t, []string{"approve"}, pf.Succeeded)
	assert.Equal(t, []string{"disburse"}, pf.FailedNames())
	require.NotNil(t, approved)
	assert.Equal(t, LoanApproved, approved.Status)

	l, err = svc.GetLoan(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, LoanApproved, l.Status)
	assert.Equal(t, int64(0), e.account(t, ledger.Checking).Balance)

	l, err = svc.DisburseLoan(ctx, l.ID, parent)
	require.NoError(t, err)
	assert.Equal(t, LoanActive, l.Status)
	assert.Equal(t, int64(700), e.account(t, ledger.Checking).Balance)

	_, err = svc.DisburseLoan(ctx, l.ID, parent)
	assert.ErrorIs(t, err, bankerr.ErrInvalidState)
	assert.Equal(t, int64(700), e.account(t, ledger.Checking).Balance)
}

func TestCDEarlyRedemption(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.fund(t, ledger.Savings, 10000)

	c, err := e.svc.OfferCD(ctx, CDOffer{ChildID: "child-1", Amount: 10000, InterestRate: 0.05, TermDays: 90}, parent)
	require.NoError(t, err)
	assert.Equal(t, ledger.Savings, c.AccountType)
	assert.Nil(t, c.DaysLeft)

	_, err = e.svc.RedeemCDEarly(ctx, c.ID, child)
	assert.ErrorIs(t, err, bankerr.ErrInvalidState)

	c, err = e.svc.AcceptCD(ctx, c.ID, child)
	require.NoError(t, err)
	require.NotNil(t, c.MaturesAt)
	assert.True(t, c.MaturesAt.Equal(e.now.Add(90*24*time.Hour)))
	assert.Equal(t, 90, *c.DaysLeft)

	savings := e.account(t, ledger.Savings)
	assert.Equal(t, int64(10000), savings.Balance)
	assert.Equal(t, int64(0), savings.AvailableBalance)

	_, err = e.svc.AcceptCD(ctx, c.ID, child)
	assert.ErrorIs(t, err, bankerr.ErrInvalidState)

	e.now = e.now.Add(30 * 24 * time.Hour)
	c, err = e.svc.RedeemCDEarly(ctx, c.ID, child)
	require.NoError(t, err)
	assert.Equal(t, CDRedeemedEarly, c.Status)
	require.NotNil(t, c.Payout)
	assert.Equal(t, int64(9000), *c.Payout)
	assert.Nil(t, c.DaysLeft)

	c, err = e.svc.GetCD(ctx, c.ID)
	require.NoError(t, err)
	assert.Nil(t, c.DaysLeft)
	assert.False(t, c.MaturationDue)

	savings = e.account(t, ledger.Savings)
	assert.Equal(t, int64(9000), savings.Balance)
	assert.Equal(t, int64(9000), savings.AvailableBalance)
}

func TestCDMaturation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.fund(t, ledger.Savings, 10000)

	c, err := e.svc.OfferCD(ctx, CDOffer{ChildID: "child-1", Amount: 10000, InterestRate: 0.05, TermDays: 90}, parent)
	require.NoError(t, err)
	c, err = e.svc.AcceptCD(ctx, c.ID, child)
	require.NoError(t, err)

	_, err = e.svc.MatureCD(ctx, c.ID, parent)
	assert.ErrorIs(t, err, bankerr.ErrInvalidState)

	e.now = e.now.Add(91 * 24 * time.Hour)
	c, err = e.svc.GetCD(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, *c.DaysLeft)
	assert.True(t, c.MaturationDue)

	_, err = e.svc.RedeemCDEarly(ctx, c.ID, child)
	assert.ErrorIs(t, err, bankerr.ErrInvalidState)

	matured, err := e.svc.MatureDue(ctx, parent)
	require.NoError(t, err)
	require.Len(t, matured, 1)
	assert.Equal(t, CDMatured, matured[0].Status)
	assert.Equal(t, int64(10500), *matured[0].Payout)
	assert.False(t, matured[0].MaturationDue)
	assert.Nil(t, matured[0].DaysLeft)

	assert.Equal(t, int64(10500), e.account(t, ledger.Savings).Balance)

	history, err := e.svc.Transitions(ctx, KindCD, c.ID)
	require.NoError(t, err)
	assert.Len(t, history, 3)
	assert.True(t, audit.VerifyChain(e.audit.Entries()))
}

func TestCDAcceptRequiresAvailableFunds(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.fund(t, ledger.Savings, 500)

	c, err := e.svc.OfferCD(ctx, CDOffer{ChildID: "child-1", Amount: 1000, InterestRate: 0.05, TermDays: 30}, parent)
	require.NoError(t, err)
	_, err = e.svc.AcceptCD(ctx, c.ID, child)
	assert.ErrorIs(t, err, bankerr.ErrInsufficientFunds)

	c, err = e.svc.GetCD(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, CDOffered, c.Status)

	c, err = e.svc.RejectCD(ctx, c.ID, child)
	require.NoError(t, err)
	assert.Equal(t, CDRejected, c.Status)
	assert.Equal(t, int64(500), e.account(t, ledger.Savings).AvailableBalance)
}

func TestOfferCDValidation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	cases := []CDOffer{
		{ChildID: "child-1", Amount: 0, TermDays: 30},
		{ChildID: "child-1", Amount: 100, TermDays: 0},
		{ChildID: "child-1", Amount: 100, TermDays: 30, InterestRate: -1},
		{ChildID: "child-1", Amount: 100, TermDays: 30, AccountType: "brokerage"},
	}
	for _, tc := range cases {
		_, err := e.svc.OfferCD(ctx, tc, parent)
		assert.ErrorIs(t, err, bankerr.ErrValidation)
	}
}

func TestPayoutArithmetic(t *testing.T) {
	assert.Equal(t, int64(9000), EarlyPayout(10000))
	assert.Equal(t, int64(90), EarlyPayout(100))
	assert.Equal(t, int64(500), MaturityInterest(10000, 0.05))
	assert.Equal(t, int64(0), MaturityInterest(10000, 0))
}

func TestDaysLeft(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Nil(t, DaysLeft(nil, now))

	in := now.Add(36 * time.Hour)
	assert.Equal(t, 2, *DaysLeft(&in, now))

	past := now.Add(-time.Hour)
	assert.Equal(t, 0, *DaysLeft(&past, now))
}
