package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/family-bank/internal/bankerr"
	"github.com/example/family-bank/internal/lock"
	"github.com/example/family-bank/internal/principal"
)

var (
	parent = principal.Principal{ID: "parent-1", Role: principal.RoleParent, Children: []string{"child-1"}}
	child  = principal.Principal{ID: "child-1", Role: principal.RoleChild, ChildID: "child-1"}
)

type fixture struct {
	svc   *Service
	store *MemoryStore
	now   time.Time
	accts *AccountsResponse
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{store: NewMemoryStore(), now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(func() time.Time { return f.now })}, opts...)
	f.svc = NewService(f.store, lock.NewKeyedMutex(), opts...)
	accts, err := f.svc.OpenAccounts(context.Background(), "child-1", f.now.Add(-30*24*time.Hour))
	require.NoError(t, err)
	f.accts = accts
	return f
}

func (f *fixture) credit(t *testing.T, accountID string, amount int64) *Transaction {
	t.Helper()
	tx, err := f.svc.RecordTransaction(context.Background(), RecordRequest{
		AccountID: accountID, Type: Credit, Amount: amount, Initiator: parent,
	})
	require.NoError(t, err)
	return tx
}

func TestOpenAccounts(t *testing.T) {
	f := newFixture(t, WithDefaults(Defaults{SavingsRate: 0.02, PenaltyRate: 0.1, CDPenaltyRate: 0.1}))

	// defaults are applied after the fixture opened child-1
	accts, err := f.svc.OpenAccounts(context.Background(), "child-2", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 0.02, accts.Savings.InterestRate)
	require.NotNil(t, accts.Checking.PenaltyInterestRate)
	assert.Equal(t, 0.1, *accts.Checking.PenaltyInterestRate)
	assert.Equal(t, int64(0), accts.TotalBalance)

	_, err = f.svc.OpenAccounts(context.Background(), "child-2", time.Time{})
	assert.ErrorIs(t, err, bankerr.ErrConflict)
}

func TestRecordTransactionUpdatesBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	checking := f.accts.Checking.ID

	f.credit(t, checking, 5000)
	_, err := f.svc.RecordTransaction(ctx, RecordRequest{AccountID: checking, Type: Debit, Amount: 1200, Initiator: parent})
	require.NoError(t, err)

	a, err := f.svc.GetAccount(ctx, checking)
	require.NoError(t, err)
	assert.Equal(t, int64(3800), a.Balance)

	ledger, err := f.svc.ListTransactions(ctx, "child-1", checking)
	require.NoError(t, err)
	assert.Equal(t, int64(3800), ledger.Balance)
	assert.Len(t, ledger.Transactions, 2)
}

func TestRecordTransactionRejectsInvalidAmount(t *testing.T) {
	f := newFixture(t)
	for _, amount := range []int64{0, -5} {
		_, err := f.svc.RecordTransaction(context.Background(), RecordRequest{
			AccountID: f.accts.Checking.ID, Type: Credit, Amount: amount, Initiator: parent,
		})
		assert.ErrorIs(t, err, bankerr.ErrValidation)
	}
}

func TestRecordTransactionUnknownAccount(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.RecordTransaction(context.Background(), RecordRequest{
		AccountID: "missing", Type: Credit, Amount: 1, Initiator: parent,
	})
	assert.ErrorIs(t, err, bankerr.ErrNotFound)
}

func TestCustomTimestamp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	checking := f.accts.Checking.ID

	past := f.now.Add(-48 * time.Hour)
	tx, err := f.svc.RecordTransaction(ctx, RecordRequest{
		AccountID: checking, Type: Credit, Amount: 100, Initiator: parent, Timestamp: &past,
	})
	require.NoError(t, err)
	assert.True(t, tx.Timestamp.Equal(past))

	_, err = f.svc.RecordTransaction(ctx, RecordRequest{
		AccountID: checking, Type: Credit, Amount: 100, Initiator: child, Timestamp: &past,
	})
	assert.ErrorIs(t, err, bankerr.ErrForbidden)

	future := f.now.Add(time.Hour)
	_, err = f.svc.RecordTransaction(ctx, RecordRequest{
		AccountID: checking, Type: Credit, Amount: 100, Initiator: parent, Timestamp: &future,
	})
	assert.ErrorIs(t, err, bankerr.ErrValidation)

	beforeOpen := f.now.Add(-60 * 24 * time.Hour)
	_, err = f.svc.RecordTransaction(ctx, RecordRequest{
		AccountID: checking, Type: Credit, Amount: 100, Initiator: parent, Timestamp: &beforeOpen,
	})
	assert.ErrorIs(t, err, bankerr.ErrValidation)
}

func TestRequireAvailable(t *testing.T) {
	f := newFixture(t)
	checking := f.accts.Checking.ID
	f.credit(t, checking, 1000)

	_, err := f.svc.RecordTransaction(context.Background(), RecordRequest{
		AccountID: checking, Type: Debit, Amount: 1001, Initiator: child, RequireAvailable: true,
	})
	assert.ErrorIs(t, err, bankerr.ErrInsufficientFunds)

	// plain debits may overdraw
	_, err = f.svc.RecordTransaction(context.Background(), RecordRequest{
		AccountID: checking, Type: Debit, Amount: 1500, Initiator: parent,
	})
	require.NoError(t, err)
	a, err := f.svc.GetAccount(context.Background(), checking)
	require.NoError(t, err)
	assert.Equal(t, int64(-500), a.Balance)
	assert.Equal(t, int64(-500), a.AvailableBalance)
}

func TestAmendAndDeleteTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	checking := f.accts.Checking.ID
	tx := f.credit(t, checking, 1000)

	amount := int64(400)
	debit := Debit
	memo := "corrected"
	amended, err := f.svc.AmendTransaction(ctx, tx.ID, AmendRequest{Amount: &amount, Type: &debit, Memo: &memo})
	require.NoError(t, err)
	assert.Equal(t, "corrected", amended.Memo)

	a, err := f.svc.GetAccount(ctx, checking)
	require.NoError(t, err)
	assert.Equal(t, int64(-400), a.Balance)

	require.NoError(t, f.svc.DeleteTransaction(ctx, tx.ID))
	a, err = f.svc.GetAccount(ctx, checking)
	require.NoError(t, err)
	assert.Equal(t, int64(0), a.Balance)

	assert.ErrorIs(t, f.svc.DeleteTransaction(ctx, tx.ID), bankerr.ErrNotFound)

	zero := int64(0)
	_, err = f.svc.AmendTransaction(ctx, "whatever", AmendRequest{Amount: &zero})
	assert.ErrorIs(t, err, bankerr.ErrValidation)
}

func TestHoldLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	savings := f.accts.Savings.ID
	f.credit(t, savings, 10000)

	h, err := f.svc.PlaceHold(ctx, savings, 10000, "cd:1")
	require.NoError(t, err)

	a, err := f.svc.GetAccount(ctx, savings)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), a.Balance)
	assert.Equal(t, int64(0), a.AvailableBalance)

	_, err = f.svc.PlaceHold(ctx, savings, 1, "cd:2")
	assert.ErrorIs(t, err, bankerr.ErrInsufficientFunds)

	tx, err := f.svc.ReleaseHold(ctx, h.ID, Settlement{Type: Debit, Amount: 1000, Memo: "penalty", Initiator: child})
	require.NoError(t, err)
	require.NotNil(t, tx)

	a, err = f.svc.GetAccount(ctx, savings)
	require.NoError(t, err)
	assert.Equal(t, int64(9000), a.Balance)
	assert.Equal(t, int64(9000), a.AvailableBalance)

	_, err = f.svc.ReleaseHold(ctx, h.ID, Settlement{})
	assert.ErrorIs(t, err, bankerr.ErrInvalidState)
}

func TestLockupReducesAvailable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lockup := 7
	savings := f.accts.Savings.ID
	f.store.accounts[savings].LockupPeriodDays = &lockup

	old := f.now.Add(-10 * 24 * time.Hour)
	_, err := f.svc.RecordTransaction(ctx, RecordRequest{AccountID: savings, Type: Credit, Amount: 300, Initiator: parent, Timestamp: &old})
	require.NoError(t, err)
	f.credit(t, savings, 200)

	a, err := f.svc.GetAccount(ctx, savings)
	require.NoError(t, err)
	assert.Equal(t, int64(500), a.Balance)
	assert.Equal(t, int64(300), a.AvailableBalance)

	f.now = f.now.Add(8 * 24 * time.Hour)
	a, err = f.svc.GetAccount(ctx, savings)
	require.NoError(t, err)
	assert.Equal(t, int64(500), a.AvailableBalance)
}

func TestRateChanges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.svc.SetInterestRate(ctx, "child-1", Savings, 0.025, parent)
	require.NoError(t, err)
	assert.Equal(t, 0.025, a.InterestRate)

	a, err = f.svc.SetCDPenaltyRate(ctx, "child-1", 0.1, parent)
	require.NoError(t, err)
	require.NotNil(t, a.CDPenaltyRate)
	assert.Equal(t, 0.1, *a.CDPenaltyRate)

	_, err = f.svc.SetPenaltyInterestRate(ctx, "child-1", Checking, -1, parent)
	assert.ErrorIs(t, err, bankerr.ErrValidation)

	_, err = f.svc.SetInterestRate(ctx, "nobody", Savings, 0.01, parent)
	assert.ErrorIs(t, err, bankerr.ErrNotFound)

	history, err := f.svc.RateHistory(ctx, f.accts.Savings.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, FieldInterestRate, history[0].Field)
	assert.Equal(t, "parent-1", history[0].ChangedBy)
}

func TestConcurrentTransactionsKeepBalanceConsistent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	checking := f.accts.Checking.ID

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			typ := Credit
			if i%3 == 0 {
				typ = Debit
			}
			_, err := f.svc.RecordTransaction(ctx, RecordRequest{AccountID: checking, Type: typ, Amount: int64(i + 1), Initiator: parent})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	v := NewValidator(f.store)
	for _, r := range v.ValidateChild(ctx, "child-1") {
		assert.True(t, r.IsValid, r.Message)
	}
}

func TestValidatorDetectsDrift(t *testing.T) {
	f := newFixture(t)
	checking := f.accts.Checking.ID
	f.credit(t, checking, 100)
	f.store.accounts[checking].Balance = 150

	r := NewValidator(f.store).ValidateBalanceConsistency(context.Background(), checking)
	assert.False(t, r.IsValid)
	assert.Equal(t, int64(50), r.Details["difference"])

	rep := f.svc.CheckChild(context.Background(), "child-1")
	assert.False(t, rep.Valid)
	assert.Len(t, rep.Results, 6)
}
