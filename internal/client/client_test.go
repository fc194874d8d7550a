package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/family-bank/internal/bankerr"
	"github.com/example/family-bank/internal/instruments"
	"github.com/example/family-bank/internal/ledger"
	"github.com/example/family-bank/internal/rates"
	"github.com/example/family-bank/internal/withdrawals"
)

type seen struct {
	method, path, query, auth string
	body                      map[string]any
}

func fakeServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*httptest.Server, *[]seen) {
	t.Helper()
	var calls []seen
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := seen{method: r.Method, path: r.URL.Path, query: r.URL.RawQuery, auth: r.Header.Get("Authorization")}
		_ = json.NewDecoder(r.Body).Decode(&s.body)
		calls = append(calls, s)
		handler(w, r)
	}))
	t.Cleanup(ts.Close)
	return ts, &calls
}

func writeBody(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestRatesGoThroughTheRightRoutes(t *testing.T) {
	ts, calls := fakeServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeBody(w, http.StatusOK, ledger.Account{ID: "a-1", ChildID: "c-1"})
	})
	c := New(ts.URL, StaticToken("tok"))

	var s rates.Setter = c
	_, err := s.SetInterestRate(context.Background(), "c-1", ledger.Savings, 0.05)
	require.NoError(t, err)
	_, err = s.SetPenaltyInterestRate(context.Background(), "c-1", ledger.Checking, 0.2)
	require.NoError(t, err)
	a, err := s.SetCDPenaltyRate(context.Background(), "c-1", 0.1)
	require.NoError(t, err)
	assert.Equal(t, "a-1", a.ID)

	require.Len(t, *calls, 3)
	got := *calls
	assert.Equal(t, "/children/c-1/interest-rate", got[0].path)
	assert.Equal(t, http.MethodPut, got[0].method)
	assert.Equal(t, "Bearer tok", got[0].auth)
	assert.Equal(t, map[string]any{"interest_rate": 0.05, "account_type": "savings"}, got[0].body)
	assert.Equal(t, "/children/c-1/penalty-interest-rate", got[1].path)
	assert.Equal(t, 0.2, got[1].body["penalty_interest_rate"])
	assert.Equal(t, "/children/c-1/cd-penalty-rate", got[2].path)
	assert.Equal(t, map[string]any{"cd_penalty_rate": 0.1}, got[2].body)
}

func TestErrorBodiesBecomeKinds(t *testing.T) {
	cases := []struct {
		status int
		code   string
		want   error
	}{
		{http.StatusBadRequest, "validation_error", bankerr.ErrValidation},
		{http.StatusForbidden, "forbidden_account", bankerr.ErrForbiddenAccount},
		{http.StatusForbidden, "forbidden", bankerr.ErrForbidden},
		{http.StatusConflict, "invalid_state", bankerr.ErrInvalidState},
		{http.StatusNotFound, "not_found", bankerr.ErrNotFound},
		{http.StatusUnauthorized, "unauthorized", bankerr.ErrUnauthorized},
		{http.StatusTooManyRequests, "rate_limited", bankerr.ErrInternal},
		{http.StatusRequestEntityTooLarge, "payload_too_large", bankerr.ErrValidation},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			ts, _ := fakeServer(t, func(w http.ResponseWriter, r *http.Request) {
				writeBody(w, tc.status, map[string]string{"error": tc.code, "message": "nope", "correlation_id": "cid-1"})
			})
			_, err := New(ts.URL, StaticToken("tok")).RedeemCDEarly(context.Background(), "cd-1")
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.want)

			var se *StatusError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, tc.status, se.Status)
			assert.Equal(t, "nope", se.Message)
			assert.Equal(t, "cid-1", se.CorrelationID)
		})
	}
}

func TestMultiStatusIsPartialFailure(t *testing.T) {
	ts, _ := fakeServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeBody(w, http.StatusMultiStatus, map[string]any{
			"error":     "partial_failure",
			"message":   "partially applied",
			"succeeded": []string{"approve"},
			"failed":    map[string]string{"disburse": "internal error"},
		})
	})
	loan, err := New(ts.URL, StaticToken("tok")).ApproveLoan(context.Background(), "loan-1", 0.05, "")
	assert.Nil(t, loan)
	require.ErrorIs(t, err, bankerr.ErrPartialFailure)

	var pf *bankerr.PartialFailureError
	require.ErrorAs(t, err, &pf)
	assert.Equal(t, []string{"approve"}, pf.Succeeded)
	assert.Equal(t, []string{"disburse"}, pf.FailedNames())
	assert.EqualError(t, pf.Failed["disburse"], "internal error")
}

func TestMissingCredentialSendsNothing(t *testing.T) {
	ts, calls := fakeServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeBody(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	c := New(ts.URL, nil)

	_, err := c.Accounts(context.Background(), "c-1")
	assert.ErrorIs(t, err, bankerr.ErrUnauthorized)
	_, err = c.WithCredentials(StaticToken("")).CancelWithdrawal(context.Background(), "w-1")
	assert.ErrorIs(t, err, bankerr.ErrUnauthorized)
	assert.Empty(t, *calls)

	require.NoError(t, c.Health(context.Background()))
	assert.Len(t, *calls, 1)
}

func TestListQueriesAndBodies(t *testing.T) {
	ts, calls := fakeServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/withdrawals/":
			writeBody(w, http.StatusOK, []withdrawals.Request{{ID: "w-1", Status: withdrawals.StatusPending}})
		case "/cds/":
			writeBody(w, http.StatusOK, []instruments.CD{{ID: "cd-1"}})
		case "/transactions/t-1":
			w.WriteHeader(http.StatusNoContent)
		default:
			writeBody(w, http.StatusOK, instruments.Loan{ID: "l-1", Status: instruments.LoanActive})
		}
	})
	c := New(ts.URL+"/", StaticToken("tok"))
	ctx := context.Background()

	ws, err := c.Withdrawals(ctx, "c-1", withdrawals.StatusPending)
	require.NoError(t, err)
	require.Len(t, ws, 1)
	cds, err := c.CDs(ctx, "c-1")
	require.NoError(t, err)
	assert.Len(t, cds, 1)
	l, err := c.ApproveLoan(ctx, "l-1", 0.1, "monthly")
	require.NoError(t, err)
	assert.Equal(t, instruments.LoanActive, l.Status)
	require.NoError(t, c.DeleteTransaction(ctx, "t-1"))

	got := *calls
	assert.Equal(t, "child_id=c-1&status=pending", got[0].query)
	assert.Equal(t, "child_id=c-1", got[1].query)
	assert.Equal(t, "/loans/l-1/approve", got[2].path)
	assert.Equal(t, map[string]any{"interest_rate": 0.1, "terms": "monthly"}, got[2].body)
	assert.Equal(t, http.MethodDelete, got[3].method)
}
