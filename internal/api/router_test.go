package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/family-bank/internal/auth"
	"github.com/example/family-bank/internal/client"
	"github.com/example/family-bank/internal/instruments"
	"github.com/example/family-bank/internal/ledger"
	"github.com/example/family-bank/internal/lock"
	"github.com/example/family-bank/internal/orchestrator"
	"github.com/example/family-bank/internal/principal"
	"github.com/example/family-bank/internal/recurring"
	"github.com/example/family-bank/internal/security"
	"github.com/example/family-bank/internal/storage"
	"github.com/example/family-bank/internal/withdrawals"
	"github.com/example/family-bank/pkg/audit"
)

type auditSpy struct{ calls int }

func (a *auditSpy) Append(payload string) *audit.LogEntry {
	a.calls++
	return &audit.LogEntry{Payload: payload}
}

type harness struct {
	deps      Dependencies
	recurring *recurring.Store
	audit     *auditSpy

	instStore *instruments.SQLStore
	ledger    *ledger.Service
	locker    lock.Locker
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	keySet, err := auth.NewKeySet()
	require.NoError(t, err)

	db, err := storage.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	locker := lock.NewKeyedMutex()
	l := ledger.NewService(ledger.NewMemoryStore(), locker)

	instStore := instruments.NewSQLStore(db)
	require.NoError(t, instStore.Migrate(ctx))
	wdStore := withdrawals.NewSQLStore(db)
	require.NoError(t, wdStore.Migrate(ctx))
	rec := recurring.NewStore(db)
	require.NoError(t, rec.Migrate(ctx))

	users := auth.NewMemoryUserStore()
	dir := &auth.Directory{Users: users, Accounts: l}
	require.NoError(t, dir.EnsureUser(ctx, auth.NewUser{Email: "admin@example.com", Password: "admin-password", Role: principal.RoleAdmin}))

	spy := &auditSpy{}
	return &harness{
		deps: Dependencies{
			Issuer:       &auth.Issuer{Users: users, Keys: keySet, Issuer: "test", AccessTokenTTL: 5 * time.Minute},
			JWTValidator: &auth.JWTValidator{KeySet: keySet, Issuer: "test"},
			Directory:    dir,
			Ledger:       l,
			Instruments:  instruments.NewService(instStore, l, locker),
			Withdrawals:  withdrawals.NewService(wdStore, l, locker),
			Recurring:    rec,
			Auditor:      spy,
			RateLimiter:  &security.RedisTokenBucket{Redis: rdb, Prefix: "test", Capacity: 1000, RefillRate: 1000},
			MaxBodyBytes: 1 << 20,
		},
		recurring: rec,
		audit:     spy,
		instStore: instStore,
		ledger:    l,
		locker:    locker,
	}
}

func (h *harness) start(t *testing.T) *httptest.Server {
	t.Helper()
	handler, err := NewRouter(h.deps)
	require.NoError(t, err)
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return ts
}

type caller struct {
	t     *testing.T
	base  string
	token string
}

func (c caller) do(method, path string, body any, out any) int {
	c.t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(c.t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, c.base+path, rd)
	require.NoError(c.t, err)
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(c.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func login(t *testing.T, base, path string, body any) caller {
	t.Helper()
	var tr auth.TokenResponse
	code := caller{t: t, base: base}.do(http.MethodPost, path, body, &tr)
	require.Equal(t, http.StatusOK, code)
	require.NotEmpty(t, tr.AccessToken)
	return caller{t: t, base: base, token: tr.AccessToken}
}

type family struct {
	admin, parent, kid caller
	childID            string
}

func setupFamily(t *testing.T, base string) family {
	t.Helper()
	admin := login(t, base, "/auth/login", map[string]string{"email": "admin@example.com", "password": "admin-password"})
	require.Equal(t, http.StatusCreated, admin.do(http.MethodPost, "/users",
		map[string]string{"email": "mom@example.com", "password": "mom-password", "role": "parent"}, nil))

	parent := login(t, base, "/auth/login", map[string]string{"email": "mom@example.com", "password": "mom-password"})
	var c auth.Child
	require.Equal(t, http.StatusCreated, parent.do(http.MethodPost, "/children",
		map[string]string{"first_name": "Ada", "access_code": "rocket"}, &c))

	kid := login(t, base, "/children/login", map[string]string{"access_code": "rocket"})
	return family{admin: admin, parent: parent, kid: kid, childID: c.ID}
}

func TestHealthAndAuthRequired(t *testing.T) {
	ts := newHarness(t).start(t)
	anon := caller{t: t, base: ts.URL}

	assert.Equal(t, http.StatusOK, anon.do(http.MethodGet, "/healthz", nil, nil))

	var body security.ErrorResponse
	assert.Equal(t, http.StatusUnauthorized, anon.do(http.MethodGet, "/children", nil, &body))
	assert.Equal(t, "unauthorized", body.Error)
	assert.NotEmpty(t, body.CorrelationID)

	body = security.ErrorResponse{}
	assert.Equal(t, http.StatusUnauthorized, anon.do(http.MethodPost, "/auth/login",
		map[string]string{"email": "admin@example.com", "password": "nope"}, &body))
	assert.Equal(t, "unauthorized", body.Error)
	assert.Equal(t, "invalid credentials", body.Message)

	assert.Equal(t, http.StatusNotFound, anon.do(http.MethodGet, "/nowhere", nil, nil))
}

func TestTransactionsAndAccounts(t *testing.T) {
	h := newHarness(t)
	ts := h.start(t)
	f := setupFamily(t, ts.URL)

	var tx ledger.Transaction
	require.Equal(t, http.StatusCreated, f.parent.do(http.MethodPost, "/transactions/",
		map[string]any{"child_id": f.childID, "type": "credit", "amount": 10000, "memo": "birthday"}, &tx))
	assert.Equal(t, principal.RoleParent, tx.InitiatorRole)

	var accts ledger.AccountsResponse
	require.Equal(t, http.StatusOK, f.kid.do(http.MethodGet, "/children/"+f.childID+"/accounts", nil, &accts))
	assert.Equal(t, int64(10000), accts.Checking.Balance)
	assert.Equal(t, int64(10000), accts.TotalBalance)

	var errBody security.ErrorResponse
	assert.Equal(t, http.StatusForbidden, f.kid.do(http.MethodPost, "/transactions/",
		map[string]any{"child_id": f.childID, "type": "credit", "amount": 100}, &errBody))
	assert.Equal(t, "forbidden", errBody.Error)

	errBody = security.ErrorResponse{}
	assert.Equal(t, http.StatusBadRequest, f.parent.do(http.MethodPost, "/transactions/",
		map[string]any{"child_id": f.childID, "type": "credit", "amount": 0}, &errBody))
	assert.Equal(t, "validation_error", errBody.Error)

	future := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	assert.Equal(t, http.StatusBadRequest, f.parent.do(http.MethodPost, "/transactions/",
		map[string]any{"child_id": f.childID, "type": "credit", "amount": 5, "timestamp": future}, nil))

	var amended ledger.Transaction
	require.Equal(t, http.StatusOK, f.parent.do(http.MethodPut, "/transactions/"+tx.ID, map[string]any{"amount": 8000}, &amended))
	assert.Equal(t, int64(8000), amended.Amount)

	var lr ledger.LedgerResponse
	require.Equal(t, http.StatusOK, f.kid.do(http.MethodGet, "/transactions/child/"+f.childID+"?account_id="+accts.Checking.ID, nil, &lr))
	assert.Equal(t, int64(8000), lr.Balance)
	require.Len(t, lr.Transactions, 1)

	assert.Equal(t, http.StatusNoContent, f.parent.do(http.MethodDelete, "/transactions/"+tx.ID, nil, nil))
	assert.Equal(t, http.StatusNotFound, f.parent.do(http.MethodDelete, "/transactions/"+tx.ID, nil, nil))
	assert.Greater(t, h.audit.calls, 0)
}

func TestOtherFamiliesAreForbidden(t *testing.T) {
	ts := newHarness(t).start(t)
	f := setupFamily(t, ts.URL)

	require.Equal(t, http.StatusCreated, f.admin.do(http.MethodPost, "/users",
		map[string]string{"email": "other@example.com", "password": "other-password", "role": "parent"}, nil))
	other := login(t, ts.URL, "/auth/login", map[string]string{"email": "other@example.com", "password": "other-password"})

	assert.Equal(t, http.StatusForbidden, other.do(http.MethodGet, "/children/"+f.childID+"/accounts", nil, nil))
	assert.Equal(t, http.StatusForbidden, other.do(http.MethodPut, "/children/"+f.childID+"/interest-rate",
		map[string]any{"interest_rate": 0.5}, nil))

	var children []auth.Child
	require.Equal(t, http.StatusOK, other.do(http.MethodGet, "/children", nil, &children))
	assert.Empty(t, children)
	require.Equal(t, http.StatusOK, f.admin.do(http.MethodGet, "/children", nil, &children))
	assert.Len(t, children, 1)

	var list []withdrawals.Request
	require.Equal(t, http.StatusOK, other.do(http.MethodGet, "/withdrawals/mine", nil, &list))
	assert.Empty(t, list)
}

func TestShareCodeAndParentAccess(t *testing.T) {
	ts := newHarness(t).start(t)
	f := setupFamily(t, ts.URL)

	require.Equal(t, http.StatusCreated, f.admin.do(http.MethodPost, "/users",
		map[string]string{"email": "dad@example.com", "password": "dad-password", "role": "parent"}, nil))
	dad := login(t, ts.URL, "/auth/login", map[string]string{"email": "dad@example.com", "password": "dad-password"})

	assert.Equal(t, http.StatusForbidden, dad.do(http.MethodGet, "/children/"+f.childID, nil, nil))

	var sc auth.ShareCode
	require.Equal(t, http.StatusCreated, f.parent.do(http.MethodPost, "/children/"+f.childID+"/sharecode", nil, &sc))
	require.NotEmpty(t, sc.Code)

	var linked auth.Child
	require.Equal(t, http.StatusOK, dad.do(http.MethodPost, "/children/sharecode/"+sc.Code, nil, &linked))
	assert.Equal(t, f.childID, linked.ID)
	assert.Equal(t, http.StatusNotFound, dad.do(http.MethodPost, "/children/sharecode/"+sc.Code, nil, nil))

	// The link applies to the existing token.
	var got auth.Child
	require.Equal(t, http.StatusOK, dad.do(http.MethodGet, "/children/"+f.childID, nil, &got))
	assert.Equal(t, "Ada", got.FirstName)

	var parents []auth.ParentLink
	require.Equal(t, http.StatusOK, f.kid.do(http.MethodGet, "/children/me/parents", nil, &parents))
	require.Len(t, parents, 2)
	assert.True(t, parents[0].Owner)
	assert.Equal(t, "dad@example.com", parents[1].Email)
	assert.Equal(t, http.StatusForbidden, f.parent.do(http.MethodGet, "/children/me/parents", nil, nil))
	assert.Equal(t, http.StatusForbidden, f.kid.do(http.MethodGet, "/children/"+f.childID+"/parents", nil, nil))

	var me auth.Child
	require.Equal(t, http.StatusOK, f.kid.do(http.MethodGet, "/children/me", nil, &me))
	assert.Equal(t, f.childID, me.ID)

	parents = nil
	require.Equal(t, http.StatusOK, dad.do(http.MethodGet, "/children/"+f.childID+"/parents", nil, &parents))
	require.Len(t, parents, 2)
	assert.Equal(t, http.StatusConflict, dad.do(http.MethodDelete, "/children/"+f.childID+"/parents/"+parents[0].ParentID, nil, nil))
	assert.Equal(t, http.StatusNoContent, f.parent.do(http.MethodDelete, "/children/"+f.childID+"/parents/"+parents[1].ParentID, nil, nil))
	assert.Equal(t, http.StatusForbidden, dad.do(http.MethodGet, "/children/"+f.childID+"/accounts", nil, nil))

	assert.Equal(t, http.StatusBadRequest, f.parent.do(http.MethodPut, "/children/"+f.childID+"/access-code",
		map[string]string{"access_code": "abc"}, nil))
	require.Equal(t, http.StatusOK, f.parent.do(http.MethodPut, "/children/"+f.childID+"/access-code",
		map[string]string{"access_code": "galaxy"}, nil))
	anon := caller{t: t, base: ts.URL}
	assert.Equal(t, http.StatusUnauthorized, anon.do(http.MethodPost, "/children/login", map[string]string{"access_code": "rocket"}, nil))
	login(t, ts.URL, "/children/login", map[string]string{"access_code": "galaxy"})
}

func TestLedgerCheckIsAdminOnly(t *testing.T) {
	ts := newHarness(t).start(t)
	f := setupFamily(t, ts.URL)

	require.Equal(t, http.StatusCreated, f.parent.do(http.MethodPost, "/transactions/",
		map[string]any{"child_id": f.childID, "type": "credit", "amount": 2500}, nil))

	var rep ledger.CheckReport
	require.Equal(t, http.StatusOK, f.admin.do(http.MethodGet, "/children/"+f.childID+"/ledger-check", nil, &rep))
	assert.True(t, rep.Valid)
	assert.Equal(t, f.childID, rep.ChildID)
	assert.Len(t, rep.Results, 6)

	assert.Equal(t, http.StatusForbidden, f.parent.do(http.MethodGet, "/children/"+f.childID+"/ledger-check", nil, nil))
	assert.Equal(t, http.StatusForbidden, f.kid.do(http.MethodGet, "/children/"+f.childID+"/ledger-check", nil, nil))
}

func TestForeignAccountIDsLookMissing(t *testing.T) {
	ts := newHarness(t).start(t)
	f := setupFamily(t, ts.URL)

	require.Equal(t, http.StatusCreated, f.admin.do(http.MethodPost, "/users",
		map[string]string{"email": "other@example.com", "password": "other-password", "role": "parent"}, nil))
	other := login(t, ts.URL, "/auth/login", map[string]string{"email": "other@example.com", "password": "other-password"})

	var accts ledger.AccountsResponse
	require.Equal(t, http.StatusOK, f.parent.do(http.MethodGet, "/children/"+f.childID+"/accounts", nil, &accts))

	record := func(accountID string) (int, security.ErrorResponse) {
		var body security.ErrorResponse
		code := other.do(http.MethodPost, "/transactions/",
			map[string]any{"account_id": accountID, "type": "credit", "amount": 100}, &body)
		return code, body
	}
	foreignCode, foreignBody := record(accts.Checking.ID)
	missingCode, missingBody := record("no-such-account")
	assert.Equal(t, http.StatusNotFound, foreignCode)
	assert.Equal(t, missingCode, foreignCode)
	assert.Equal(t, missingBody.Error, foreignBody.Error)

	assert.Equal(t, http.StatusNotFound, other.do(http.MethodGet, "/accounts/"+accts.Checking.ID+"/rate-history", nil, nil))
	assert.Equal(t, http.StatusNotFound, other.do(http.MethodGet, "/accounts/no-such-account/rate-history", nil, nil))

	// The child sees its own account but still may not post to it.
	assert.Equal(t, http.StatusForbidden, f.kid.do(http.MethodPost, "/transactions/",
		map[string]any{"account_id": accts.Checking.ID, "type": "credit", "amount": 100}, nil))
	assert.Equal(t, http.StatusOK, f.kid.do(http.MethodGet, "/accounts/"+accts.Checking.ID+"/rate-history", nil, nil))
}

func TestLoanLifecycle(t *testing.T) {
	ts := newHarness(t).start(t)
	f := setupFamily(t, ts.URL)

	var loan instruments.Loan
	require.Equal(t, http.StatusCreated, f.kid.do(http.MethodPost, "/loans/", map[string]any{"amount": 5000, "purpose": "bike"}, &loan))
	assert.Equal(t, instruments.LoanRequested, loan.Status)
	assert.Equal(t, f.childID, loan.ChildID)

	assert.Equal(t, http.StatusForbidden, f.kid.do(http.MethodPost, "/loans/"+loan.ID+"/approve", map[string]any{"interest_rate": 0.05}, nil))

	require.Equal(t, http.StatusOK, f.parent.do(http.MethodPost, "/loans/"+loan.ID+"/approve", map[string]any{"interest_rate": 0.05, "terms": "weekly"}, &loan))
	assert.Equal(t, instruments.LoanActive, loan.Status)

	var accts ledger.AccountsResponse
	require.Equal(t, http.StatusOK, f.parent.do(http.MethodGet, "/children/"+f.childID+"/accounts", nil, &accts))
	assert.Equal(t, int64(5000), accts.Checking.Balance)

	require.Equal(t, http.StatusOK, f.parent.do(http.MethodPost, "/loans/"+loan.ID+"/payment", map[string]any{"amount": 2000}, &loan))
	assert.Equal(t, int64(3000), loan.PrincipalRemaining)

	var errBody security.ErrorResponse
	assert.Equal(t, http.StatusConflict, f.parent.do(http.MethodPost, "/loans/"+loan.ID+"/approve", map[string]any{"interest_rate": 0.05}, &errBody))
	assert.Equal(t, "invalid_state", errBody.Error)

	var loans []instruments.Loan
	require.Equal(t, http.StatusOK, f.kid.do(http.MethodGet, "/loans", nil, &loans))
	assert.Len(t, loans, 1)

	var history []instruments.StateTransition
	require.Equal(t, http.StatusOK, f.kid.do(http.MethodGet, "/loans/"+loan.ID+"/transitions", nil, &history))
	assert.NotEmpty(t, history)

	require.Equal(t, http.StatusOK, f.parent.do(http.MethodPost, "/loans/"+loan.ID+"/close", nil, &loan))
	assert.Equal(t, instruments.LoanClosed, loan.Status)
}

// flakyCredits fails the next credits to checking.
type flakyCredits struct {
	instruments.Ledger

	mu       sync.Mutex
	failures int
}

func (f *flakyCredits) RecordTransaction(ctx context.Context, req ledger.RecordRequest) (*ledger.Transaction, error) {
	f.mu.Lock()
	fail := f.failures > 0 && req.Type == ledger.Credit
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return nil, errors.New("ledger unavailable")
	}
	return f.Ledger.RecordTransaction(ctx, req)
}

func TestLoanApprovalWithFailedCreditIsPartial(t *testing.T) {
	h := newHarness(t)
	h.deps.Instruments = instruments.NewService(h.instStore, &flakyCredits{Ledger: h.ledger, failures: 2}, h.locker)
	ts := h.start(t)
	f := setupFamily(t, ts.URL)

	var loan instruments.Loan
	require.Equal(t, http.StatusCreated, f.kid.do(http.MethodPost, "/loans/", map[string]any{"amount": 5000}, &loan))

	var errBody security.ErrorResponse
	require.Equal(t, http.StatusMultiStatus, f.parent.do(http.MethodPost, "/loans/"+loan.ID+"/approve", map[string]any{"interest_rate": 0.05}, &errBody))
	assert.Equal(t, "partial_failure", errBody.Error)
	assert.Equal(t, []string{"approve"}, errBody.Succeeded)
	assert.Equal(t, map[string]string{"disburse": "internal error"}, errBody.Failed)

	require.Equal(t, http.StatusOK, f.parent.do(http.MethodGet, "/loans/"+loan.ID, nil, &loan))
	assert.Equal(t, instruments.LoanApproved, loan.Status)

	// The same failure seen through the orchestration client.
	var second instruments.Loan
	require.Equal(t, http.StatusCreated, f.kid.do(http.MethodPost, "/loans/", map[string]any{"amount": 1000}, &second))
	ctx := context.Background()
	o := orchestrator.New(client.New(ts.URL, client.StaticToken(f.parent.token)), orchestrator.AlwaysConfirm)
	require.NoError(t, o.Focus(ctx, f.childID))

	out := o.ApproveLoan(ctx, second.ID, 0.05, "")
	assert.Equal(t, orchestrator.Partial, out.Status)
	assert.True(t, out.Refreshed.Has(orchestrator.Loans))
	assert.Contains(t, out.Message(), "applied approve")
	assert.Contains(t, out.Message(), "failed disburse")
	for _, l := range o.View().Snapshot().Loans {
		if l.ID == second.ID {
			assert.Equal(t, instruments.LoanApproved, l.Status)
		}
	}

	require.Equal(t, http.StatusOK, f.parent.do(http.MethodPost, "/loans/"+loan.ID+"/disburse", nil, &loan))
	assert.Equal(t, instruments.LoanActive, loan.Status)
	var accts ledger.AccountsResponse
	require.Equal(t, http.StatusOK, f.parent.do(http.MethodGet, "/children/"+f.childID+"/accounts", nil, &accts))
	assert.Equal(t, int64(5000), accts.Checking.Balance)
}

func TestCDEarlyRedemption(t *testing.T) {
	ts := newHarness(t).start(t)
	f := setupFamily(t, ts.URL)

	require.Equal(t, http.StatusCreated, f.parent.do(http.MethodPost, "/transactions/",
		map[string]any{"child_id": f.childID, "account_type": "savings", "type": "credit", "amount": 10000}, nil))

	var cd instruments.CD
	require.Equal(t, http.StatusCreated, f.parent.do(http.MethodPost, "/cds/",
		map[string]any{"child_id": f.childID, "amount": 10000, "interest_rate": 0.05, "term_days": 30}, &cd))
	assert.Nil(t, cd.DaysLeft)

	require.Equal(t, http.StatusOK, f.kid.do(http.MethodPost, "/cds/"+cd.ID+"/accept", nil, &cd))
	assert.Equal(t, instruments.CDAccepted, cd.Status)
	require.NotNil(t, cd.DaysLeft)
	assert.Equal(t, 30, *cd.DaysLeft)

	var accts ledger.AccountsResponse
	require.Equal(t, http.StatusOK, f.kid.do(http.MethodGet, "/children/"+f.childID+"/accounts", nil, &accts))
	assert.Equal(t, int64(10000), accts.Savings.Balance)
	assert.Equal(t, int64(0), accts.Savings.AvailableBalance)

	require.Equal(t, http.StatusOK, f.kid.do(http.MethodPost, "/cds/"+cd.ID+"/redeem-early", nil, &cd))
	assert.Equal(t, instruments.CDRedeemedEarly, cd.Status)
	require.NotNil(t, cd.Payout)
	assert.Equal(t, int64(9000), *cd.Payout)
	assert.Nil(t, cd.DaysLeft)

	require.Equal(t, http.StatusOK, f.kid.do(http.MethodGet, "/children/"+f.childID+"/accounts", nil, &accts))
	assert.Equal(t, int64(9000), accts.Savings.Balance)
	assert.Equal(t, int64(9000), accts.Savings.AvailableBalance)

	assert.Equal(t, http.StatusConflict, f.kid.do(http.MethodPost, "/cds/"+cd.ID+"/redeem-early", nil, nil))
	assert.Equal(t, http.StatusForbidden, f.parent.do(http.MethodPost, "/cds/mature-due", nil, nil))

	var due matureDueResponse
	require.Equal(t, http.StatusOK, f.admin.do(http.MethodPost, "/cds/mature-due", nil, &due))
	assert.Empty(t, due.Matured)
}

func TestWithdrawalFlow(t *testing.T) {
	ts := newHarness(t).start(t)
	f := setupFamily(t, ts.URL)
	require.Equal(t, http.StatusCreated, f.parent.do(http.MethodPost, "/transactions/",
		map[string]any{"child_id": f.childID, "type": "credit", "amount": 1000}, nil))

	var errBody security.ErrorResponse
	assert.Equal(t, http.StatusForbidden, f.kid.do(http.MethodPost, "/withdrawals/",
		map[string]any{"account_type": "college_savings", "amount": 100}, &errBody))
	assert.Equal(t, "forbidden_account", errBody.Error)

	var wr withdrawals.Request
	require.Equal(t, http.StatusCreated, f.kid.do(http.MethodPost, "/withdrawals/", map[string]any{"amount": 300, "memo": "game"}, &wr))
	assert.Equal(t, withdrawals.StatusPending, wr.Status)

	var mine []withdrawals.Request
	require.Equal(t, http.StatusOK, f.kid.do(http.MethodGet, "/withdrawals/mine", nil, &mine))
	assert.Len(t, mine, 1)
	require.Equal(t, http.StatusOK, f.parent.do(http.MethodGet, "/withdrawals?child_id="+f.childID+"&status=pending", nil, &mine))
	assert.Len(t, mine, 1)

	require.Equal(t, http.StatusOK, f.parent.do(http.MethodPost, "/withdrawals/"+wr.ID+"/approve", nil, &wr))
	assert.Equal(t, withdrawals.StatusApproved, wr.Status)

	var accts ledger.AccountsResponse
	require.Equal(t, http.StatusOK, f.kid.do(http.MethodGet, "/children/"+f.childID+"/accounts", nil, &accts))
	assert.Equal(t, int64(700), accts.Checking.Balance)

	require.Equal(t, http.StatusCreated, f.kid.do(http.MethodPost, "/withdrawals/", map[string]any{"amount": 100}, &wr))
	require.Equal(t, http.StatusOK, f.parent.do(http.MethodPost, "/withdrawals/"+wr.ID+"/deny", map[string]any{"reason": "not now"}, &wr))
	assert.Equal(t, "not now", wr.DenialReason)
	assert.Equal(t, http.StatusConflict, f.kid.do(http.MethodPost, "/withdrawals/"+wr.ID+"/cancel", nil, nil))

	require.Equal(t, http.StatusCreated, f.kid.do(http.MethodPost, "/withdrawals/", map[string]any{"amount": 50}, &wr))
	assert.Equal(t, http.StatusForbidden, f.parent.do(http.MethodPost, "/withdrawals/"+wr.ID+"/cancel", nil, nil))
	require.Equal(t, http.StatusOK, f.kid.do(http.MethodPost, "/withdrawals/"+wr.ID+"/cancel", nil, &wr))
	assert.Equal(t, withdrawals.StatusCancelled, wr.Status)
}

func TestRatesAndFreeze(t *testing.T) {
	h := newHarness(t)
	ts := h.start(t)
	f := setupFamily(t, ts.URL)

	var a ledger.Account
	require.Equal(t, http.StatusOK, f.parent.do(http.MethodPut, "/children/"+f.childID+"/interest-rate",
		map[string]any{"interest_rate": 0.03, "account_type": "savings"}, &a))
	assert.Equal(t, 0.03, a.InterestRate)
	require.Equal(t, http.StatusOK, f.parent.do(http.MethodPut, "/children/"+f.childID+"/cd-penalty-rate",
		map[string]any{"cd_penalty_rate": 0.2}, &a))
	assert.Equal(t, ledger.Checking, a.Category)
	assert.Equal(t, http.StatusBadRequest, f.parent.do(http.MethodPut, "/children/"+f.childID+"/penalty-interest-rate",
		map[string]any{"penalty_interest_rate": -1}, nil))

	var accts ledger.AccountsResponse
	require.Equal(t, http.StatusOK, f.parent.do(http.MethodGet, "/children/"+f.childID+"/accounts", nil, &accts))
	var history []ledger.RateChange
	require.Equal(t, http.StatusOK, f.kid.do(http.MethodGet, "/accounts/"+accts.Savings.ID+"/rate-history", nil, &history))
	require.Len(t, history, 1)
	assert.Equal(t, 0.03, history[0].NewRate)

	require.NoError(t, h.recurring.Seed(context.Background(), &recurring.Charge{
		ID: "r-1", ChildID: f.childID, Amount: 500, Type: ledger.Credit, Memo: "allowance", IntervalDays: 7, NextRun: time.Now().UTC(), Active: true,
	}))
	var charges []recurring.Charge
	require.Equal(t, http.StatusOK, f.kid.do(http.MethodGet, "/recurring-charges/child/"+f.childID, nil, &charges))
	assert.Len(t, charges, 1)

	assert.Equal(t, http.StatusForbidden, f.kid.do(http.MethodPost, "/children/"+f.childID+"/freeze", nil, nil))
	require.Equal(t, http.StatusOK, f.parent.do(http.MethodPost, "/children/"+f.childID+"/freeze", nil, nil))
	assert.Equal(t, http.StatusUnauthorized, caller{t: t, base: ts.URL}.do(http.MethodPost, "/children/login", map[string]string{"access_code": "rocket"}, nil))
	require.Equal(t, http.StatusOK, f.parent.do(http.MethodPost, "/children/"+f.childID+"/unfreeze", nil, nil))
	login(t, ts.URL, "/children/login", map[string]string{"access_code": "rocket"})
}

func TestRateLimitTrips(t *testing.T) {
	h := newHarness(t)
	h.deps.RateLimiter.Capacity = 1
	h.deps.RateLimiter.RefillRate = 0.0000001
	ts := h.start(t)
	anon := caller{t: t, base: ts.URL}

	assert.Equal(t, http.StatusOK, anon.do(http.MethodGet, "/auth/jwks.json", nil, nil))
	assert.Equal(t, http.StatusTooManyRequests, anon.do(http.MethodGet, "/auth/jwks.json", nil, nil))
}

func TestBodySizeLimit(t *testing.T) {
	h := newHarness(t)
	h.deps.MaxBodyBytes = 32
	ts := h.start(t)

	var body security.ErrorResponse
	code := caller{t: t, base: ts.URL}.do(http.MethodPost, "/auth/login",
		map[string]string{"email": "admin@example.com", "password": "a-password-long-enough-to-overflow"}, &body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, code)
	assert.Equal(t, "payload_too_large", body.Error)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, StatusFor("insufficient_funds"))
	assert.Equal(t, http.StatusForbidden, StatusFor("forbidden_account"))
	assert.Equal(t, http.StatusConflict, StatusFor("invalid_state"))
	assert.Equal(t, http.StatusInternalServerError, StatusFor("mystery"))
}
