package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/example/family-bank/internal/bankerr"
	"github.com/example/family-bank/internal/ledger"
)

type recordTransactionRequest struct {
	ChildID     string `json:"child_id"`
	AccountID   string `json:"account_id"`
	AccountType string `json:"account_type"`
	Type        string `json:"type"`
	Amount      int64  `json:"amount"`
	Memo        string `json:"memo"`
	Timestamp   string `json:"timestamp"`
}

type amendTransactionRequest struct {
	Type   *ledger.TxType `json:"type"`
	Amount *int64         `json:"amount"`
	Memo   *string        `json:"memo"`
}

type interestRateRequest struct {
	InterestRate float64 `json:"interest_rate"`
	AccountType  string  `json:"account_type"`
}

type penaltyRateRequest struct {
	PenaltyInterestRate float64 `json:"penalty_interest_rate"`
	AccountType         string  `json:"account_type"`
}

type cdPenaltyRateRequest struct {
	CDPenaltyRate float64 `json:"cd_penalty_rate"`
}

func categoryOr(raw string, def ledger.Category) (ledger.Category, error) {
	if raw == "" {
		return def, nil
	}
	c, err := ledger.ParseCategory(raw)
	if err != nil {
		return "", bankerr.Validation("api", "%v", err)
	}
	return c, nil
}

func (s *server) handleGetAccounts(w http.ResponseWriter, r *http.Request) {
	childID := chi.URLParam(r, "id")
	if !s.mustView(w, r, childID) {
		return
	}
	accts, err := s.Ledger.GetAccounts(r.Context(), childID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, accts)
}

func (s *server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	childID := chi.URLParam(r, "id")
	if !s.mustView(w, r, childID) {
		return
	}
	resp, err := s.Ledger.ListTransactions(r.Context(), childID, r.URL.Query().Get("account_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// visibleAccount loads an account by id. Accounts the caller cannot view
// answer exactly like missing ones.
func (s *server) visibleAccount(r *http.Request, accountID string) (*ledger.Account, error) {
	a, err := s.Ledger.GetAccount(r.Context(), accountID)
	if err != nil {
		return nil, err
	}
	if !actor(r).CanView(a.ChildID) {
		return nil, bankerr.NotFound("api", "account %s not found", accountID)
	}
	return a, nil
}

// resolveAccount finds the target account by id, or by child and
// category (checking when unset).
func (s *server) resolveAccount(r *http.Request, accountID, childID, category string) (*ledger.Account, error) {
	if accountID != "" {
		return s.visibleAccount(r, accountID)
	}
	if childID == "" {
		return nil, bankerr.Validation("api", "account_id or child_id is required")
	}
	c, err := categoryOr(category, ledger.Checking)
	if err != nil {
		return nil, err
	}
	return s.Ledger.AccountByCategory(r.Context(), childID, c)
}

func (s *server) handleRecordTransaction(w http.ResponseWriter, r *http.Request) {
	var req recordTransactionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	// Authorize against the child id before resolving.
	if req.AccountID == "" && req.ChildID != "" && !s.mustManage(w, r, req.ChildID) {
		return
	}
	account, err := s.resolveAccount(r, req.AccountID, req.ChildID, req.AccountType)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !s.mustManage(w, r, account.ChildID) {
		return
	}

	rr := ledger.RecordRequest{
		AccountID: account.ID,
		Type:      ledger.TxType(req.Type),
		Amount:    req.Amount,
		Memo:      req.Memo,
		Initiator: actor(r),
	}
	if req.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339, req.Timestamp)
		if err != nil {
			s.fail(w, r, bankerr.Validation("api", "timestamp must be RFC 3339"))
			return
		}
		rr.Timestamp = &ts
	}

	tx, err := s.Ledger.RecordTransaction(r.Context(), rr)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, tx)
}

func (s *server) managedTransaction(w http.ResponseWriter, r *http.Request) (*ledger.Transaction, bool) {
	tx, err := s.Ledger.GetTransaction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return nil, false
	}
	if !s.mustManage(w, r, tx.ChildID) {
		return nil, false
	}
	return tx, true
}

func (s *server) handleAmendTransaction(w http.ResponseWriter, r *http.Request) {
	var req amendTransactionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	tx, ok := s.managedTransaction(w, r)
	if !ok {
		return
	}
	out, err := s.Ledger.AmendTransaction(r.Context(), tx.ID, ledger.AmendRequest{Amount: req.Amount, Memo: req.Memo, Type: req.Type})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, out)
}

func (s *server) handleDeleteTransaction(w http.ResponseWriter, r *http.Request) {
	tx, ok := s.managedTransaction(w, r)
	if !ok {
		return
	}
	if err := s.Ledger.DeleteTransaction(r.Context(), tx.ID); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleSetInterestRate(w http.ResponseWriter, r *http.Request) {
	childID := chi.URLParam(r, "id")
	if !s.mustManage(w, r, childID) {
		return
	}
	var req interestRateRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	c, err := categoryOr(req.AccountType, ledger.Savings)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	a, err := s.Ledger.SetInterestRate(r.Context(), childID, c, req.InterestRate, actor(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, a)
}

func (s *server) handleSetPenaltyRate(w http.ResponseWriter, r *http.Request) {
	childID := chi.URLParam(r, "id")
	if !s.mustManage(w, r, childID) {
		return
	}
	var req penaltyRateRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	c, err := categoryOr(req.AccountType, ledger.Checking)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	a, err := s.Ledger.SetPenaltyInterestRate(r.Context(), childID, c, req.PenaltyInterestRate, actor(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, a)
}

func (s *server) handleSetCDPenaltyRate(w http.ResponseWriter, r *http.Request) {
	childID := chi.URLParam(r, "id")
	if !s.mustManage(w, r, childID) {
		return
	}
	var req cdPenaltyRateRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	a, err := s.Ledger.SetCDPenaltyRate(r.Context(), childID, req.CDPenaltyRate, actor(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, a)
}

func (s *server) handleRateHistory(w http.ResponseWriter, r *http.Request) {
	a, err := s.visibleAccount(r, chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	history, err := s.Ledger.RateHistory(r.Context(), a.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, history)
}

func (s *server) handleLedgerCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, s.Ledger.CheckChild(r.Context(), chi.URLParam(r, "id")))
}

func (s *server) handleRecurringCharges(w http.ResponseWriter, r *http.Request) {
	childID := chi.URLParam(r, "id")
	if !s.mustView(w, r, childID) {
		return
	}
	if s.Recurring == nil {
		writeJSON(w, r, http.StatusOK, []any{})
		return
	}
	charges, err := s.Recurring.ListByChild(r.Context(), childID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, charges)
}
