package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/example/family-bank/internal/bankerr"
	"github.com/example/family-bank/internal/ledger"
	"github.com/example/family-bank/internal/principal"
	"github.com/example/family-bank/internal/withdrawals"
)

type withdrawalRequestBody struct {
	ChildID     string `json:"child_id"`
	AccountType string `json:"account_type"`
	Amount      int64  `json:"amount"`
	Memo        string `json:"memo"`
}

type denyBody struct {
	Reason string `json:"reason"`
}

func (s *server) handleRequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req withdrawalRequestBody
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	out, err := s.Withdrawals.Request(r.Context(), withdrawals.NewRequest{
		ChildID:     req.ChildID,
		AccountType: ledger.Category(req.AccountType),
		Amount:      req.Amount,
		Memo:        req.Memo,
	}, actor(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, out)
}

// scope returns the children whose requests p sees by default; all is set
// for administrators, who see every child.
func scope(p principal.Principal) (childIDs []string, all bool) {
	switch p.Role {
	case principal.RoleAdmin:
		return nil, true
	case principal.RoleChild:
		return []string{p.ChildID}, false
	}
	return p.Children, false
}

func (s *server) listWithdrawals(w http.ResponseWriter, r *http.Request, childIDs []string, all bool) {
	if !all && len(childIDs) == 0 {
		writeJSON(w, r, http.StatusOK, []*withdrawals.Request{})
		return
	}
	status := withdrawals.Status(r.URL.Query().Get("status"))
	out, err := s.Withdrawals.List(r.Context(), withdrawals.Filter{ChildIDs: childIDs, Status: status})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, out)
}

func (s *server) handleMyWithdrawals(w http.ResponseWriter, r *http.Request) {
	ids, all := scope(actor(r))
	s.listWithdrawals(w, r, ids, all)
}

func (s *server) handleListWithdrawals(w http.ResponseWriter, r *http.Request) {
	childID := r.URL.Query().Get("child_id")
	if childID == "" {
		s.handleMyWithdrawals(w, r)
		return
	}
	if !s.mustView(w, r, childID) {
		return
	}
	s.listWithdrawals(w, r, []string{childID}, false)
}

func (s *server) handleApproveWithdrawal(w http.ResponseWriter, r *http.Request) {
	out, err := s.Withdrawals.Approve(r.Context(), chi.URLParam(r, "id"), actor(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, out)
}

func (s *server) handleDenyWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req denyBody
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			s.fail(w, r, bankerr.Validation("api", "invalid json: %v", err))
			return
		}
	}
	out, err := s.Withdrawals.Deny(r.Context(), chi.URLParam(r, "id"), req.Reason, actor(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, out)
}

func (s *server) handleCancelWithdrawal(w http.ResponseWriter, r *http.Request) {
	out, err := s.Withdrawals.Cancel(r.Context(), chi.URLParam(r, "id"), actor(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, out)
}
