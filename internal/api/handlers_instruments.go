package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/example/family-bank/internal/bankerr"
	"github.com/example/family-bank/internal/instruments"
	"github.com/example/family-bank/internal/ledger"
	"github.com/example/family-bank/internal/principal"
)

type loanRequestBody struct {
	ChildID string `json:"child_id"`
	Amount  int64  `json:"amount"`
	Purpose string `json:"purpose"`
}

type loanApproveBody struct {
	InterestRate float64 `json:"interest_rate"`
	Terms        string  `json:"terms"`
}

type amountBody struct {
	Amount int64 `json:"amount"`
}

type loanRateBody struct {
	InterestRate float64 `json:"interest_rate"`
}

type cdOfferBody struct {
	ChildID      string  `json:"child_id"`
	Amount       int64   `json:"amount"`
	InterestRate float64 `json:"interest_rate"`
	TermDays     int     `json:"term_days"`
	AccountType  string  `json:"account_type"`
}

type matureDueResponse struct {
	Matured []*instruments.CD `json:"matured"`
	Errors  []string          `json:"errors,omitempty"`
}

// visible filters items down to the children actor may view.
func visible[T any](p principal.Principal, items []T, childOf func(T) string) []T {
	out := make([]T, 0, len(items))
	for _, it := range items {
		if p.CanView(childOf(it)) {
			out = append(out, it)
		}
	}
	return out
}

func (s *server) handleListLoans(w http.ResponseWriter, r *http.Request) {
	childID := r.URL.Query().Get("child_id")
	if childID != "" && !s.mustView(w, r, childID) {
		return
	}
	loans, err := s.Instruments.ListLoans(r.Context(), childID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, visible(actor(r), loans, func(l *instruments.Loan) string { return l.ChildID }))
}

func (s *server) handleRequestLoan(w http.ResponseWriter, r *http.Request) {
	var req loanRequestBody
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	p := actor(r)
	if p.IsChild() && req.ChildID == "" {
		req.ChildID = p.ChildID
	}
	if req.ChildID == "" {
		s.fail(w, r, bankerr.Validation("api", "child_id is required"))
		return
	}
	if !s.mustView(w, r, req.ChildID) {
		return
	}
	l, err := s.Instruments.RequestLoan(r.Context(), instruments.LoanRequest{ChildID: req.ChildID, Amount: req.Amount, Purpose: req.Purpose}, p)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, l)
}

func (s *server) loadLoan(w http.ResponseWriter, r *http.Request, manage bool) (*instruments.Loan, bool) {
	l, err := s.Instruments.GetLoan(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return nil, false
	}
	if manage {
		return l, s.mustManage(w, r, l.ChildID)
	}
	return l, s.mustView(w, r, l.ChildID)
}

func (s *server) handleGetLoan(w http.ResponseWriter, r *http.Request) {
	l, ok := s.loadLoan(w, r, false)
	if !ok {
		return
	}
	writeJSON(w, r, http.StatusOK, l)
}

func (s *server) handleLoanAction(fn func(ctx context.Context, id string, actor principal.Principal) (*instruments.Loan, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		l, ok := s.loadLoan(w, r, true)
		if !ok {
			return
		}
		out, err := fn(r.Context(), l.ID, actor(r))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, out)
	}
}

func (s *server) handleApproveLoan(w http.ResponseWriter, r *http.Request) {
	var req loanApproveBody
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	l, ok := s.loadLoan(w, r, true)
	if !ok {
		return
	}
	out, err := s.Instruments.ApproveLoan(r.Context(), l.ID, req.InterestRate, req.Terms, actor(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, out)
}

func (s *server) handleLoanPayment(w http.ResponseWriter, r *http.Request) {
	var req amountBody
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	l, ok := s.loadLoan(w, r, true)
	if !ok {
		return
	}
	out, err := s.Instruments.RecordLoanPayment(r.Context(), l.ID, req.Amount, actor(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, out)
}

func (s *server) handleLoanRate(w http.ResponseWriter, r *http.Request) {
	var req loanRateBody
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	l, ok := s.loadLoan(w, r, true)
	if !ok {
		return
	}
	out, err := s.Instruments.ChangeLoanRate(r.Context(), l.ID, req.InterestRate, actor(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, out)
}

func (s *server) handleListCDs(w http.ResponseWriter, r *http.Request) {
	childID := r.URL.Query().Get("child_id")
	if childID != "" && !s.mustView(w, r, childID) {
		return
	}
	cds, err := s.Instruments.ListCDs(r.Context(), childID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, visible(actor(r), cds, func(c *instruments.CD) string { return c.ChildID }))
}

func (s *server) handleOfferCD(w http.ResponseWriter, r *http.Request) {
	var req cdOfferBody
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if !s.mustManage(w, r, req.ChildID) {
		return
	}
	c, err := s.Instruments.OfferCD(r.Context(), instruments.CDOffer{
		ChildID:      req.ChildID,
		Amount:       req.Amount,
		InterestRate: req.InterestRate,
		TermDays:     req.TermDays,
		AccountType:  ledger.Category(req.AccountType),
	}, actor(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, c)
}

func (s *server) loadCD(w http.ResponseWriter, r *http.Request, manage bool) (*instruments.CD, bool) {
	c, err := s.Instruments.GetCD(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return nil, false
	}
	if manage {
		return c, s.mustManage(w, r, c.ChildID)
	}
	return c, s.mustView(w, r, c.ChildID)
}

func (s *server) handleGetCD(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadCD(w, r, false)
	if !ok {
		return
	}
	writeJSON(w, r, http.StatusOK, c)
}

// handleCDAction runs a CD transition. The child the CD belongs to and
// its managers may accept, reject and redeem; maturing needs a manager.
func (s *server) handleCDAction(fn func(ctx context.Context, id string, actor principal.Principal) (*instruments.CD, error), manage bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, ok := s.loadCD(w, r, manage)
		if !ok {
			return
		}
		out, err := fn(r.Context(), c.ID, actor(r))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, out)
	}
}

func (s *server) handleMatureDue(w http.ResponseWriter, r *http.Request) {
	matured, err := s.Instruments.MatureDue(r.Context(), actor(r))
	resp := matureDueResponse{Matured: matured}
	if matured == nil {
		resp.Matured = []*instruments.CD{}
	}
	if err != nil {
		if len(matured) == 0 {
			s.fail(w, r, err)
			return
		}
		resp.Errors = append(resp.Errors, err.Error())
	}
	writeJSON(w, r, http.StatusOK, resp)
}

func (s *server) handleTransitions(kind instruments.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var ok bool
		if kind == instruments.KindLoan {
			_, ok = s.loadLoan(w, r, false)
		} else {
			_, ok = s.loadCD(w, r, false)
		}
		if !ok {
			return
		}
		history, err := s.Instruments.Transitions(r.Context(), kind, chi.URLParam(r, "id"))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, history)
	}
}
