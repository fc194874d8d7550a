package client

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/example/family-bank/internal/auth"
	"github.com/example/family-bank/internal/instruments"
	"github.com/example/family-bank/internal/ledger"
	"github.com/example/family-bank/internal/principal"
	"github.com/example/family-bank/internal/recurring"
	"github.com/example/family-bank/internal/withdrawals"
)

func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil, nil, true)
}

// Login authenticates a parent or administrator.
func (c *Client) Login(ctx context.Context, email, password string) (*auth.TokenResponse, error) {
	var out auth.TokenResponse
	body := map[string]string{"email": email, "password": password}
	if err := c.do(ctx, http.MethodPost, "/auth/login", nil, body, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

// LoginChild authenticates a child by access code.
func (c *Client) LoginChild(ctx context.Context, accessCode string) (*auth.TokenResponse, error) {
	var out auth.TokenResponse
	body := map[string]string{"access_code": accessCode}
	if err := c.do(ctx, http.MethodPost, "/children/login", nil, body, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Me(ctx context.Context) (*principal.Principal, error) {
	var out principal.Principal
	if err := c.get(ctx, "/auth/me", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CreateUser(ctx context.Context, in auth.NewUser) (*auth.User, error) {
	var out auth.User
	if err := c.post(ctx, "/users", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Children(ctx context.Context) ([]auth.Child, error) {
	var out []auth.Child
	if err := c.get(ctx, "/children/", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CreateChild(ctx context.Context, in auth.NewChild) (*auth.Child, error) {
	var out auth.Child
	if err := c.post(ctx, "/children/", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetFrozen freezes or unfreezes a child's login.
func (c *Client) SetFrozen(ctx context.Context, childID string, frozen bool) (*auth.Child, error) {
	action := "unfreeze"
	if frozen {
		action = "freeze"
	}
	var out auth.Child
	if err := c.post(ctx, "/children/"+seg(childID)+"/"+action, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Accounts(ctx context.Context, childID string) (*ledger.AccountsResponse, error) {
	var out ledger.AccountsResponse
	if err := c.get(ctx, "/children/"+seg(childID)+"/accounts", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Ledger lists a child's transactions, narrowed to one account when
// accountID is set.
func (c *Client) Ledger(ctx context.Context, childID, accountID string) (*ledger.LedgerResponse, error) {
	q := url.Values{}
	if accountID != "" {
		q.Set("account_id", accountID)
	}
	var out ledger.LedgerResponse
	if err := c.get(ctx, "/transactions/child/"+seg(childID), q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TransactionInput targets an account by id, or by child and account
// type (checking when empty).
type TransactionInput struct {
	ChildID     string          `json:"child_id,omitempty"`
	AccountID   string          `json:"account_id,omitempty"`
	AccountType ledger.Category `json:"account_type,omitempty"`
	Type        ledger.TxType   `json:"type"`
	Amount      int64           `json:"amount"`
	Memo        string          `json:"memo,omitempty"`
	Timestamp   *time.Time      `json:"timestamp,omitempty"`
}

func (c *Client) RecordTransaction(ctx context.Context, in TransactionInput) (*ledger.Transaction, error) {
	if in.Timestamp != nil {
		ts := in.Timestamp.UTC().Truncate(time.Second)
		in.Timestamp = &ts
	}
	var out ledger.Transaction
	if err := c.post(ctx, "/transactions/", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TransactionPatch amends a transaction. Nil fields are unchanged.
type TransactionPatch struct {
	Type   *ledger.TxType `json:"type,omitempty"`
	Amount *int64         `json:"amount,omitempty"`
	Memo   *string        `json:"memo,omitempty"`
}

func (c *Client) AmendTransaction(ctx context.Context, id string, p TransactionPatch) (*ledger.Transaction, error) {
	var out ledger.Transaction
	if err := c.put(ctx, "/transactions/"+seg(id), p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteTransaction(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/transactions/"+seg(id), nil, nil, nil, false)
}

func (c *Client) SetInterestRate(ctx context.Context, childID string, cat ledger.Category, rate float64) (*ledger.Account, error) {
	var out ledger.Account
	body := map[string]any{"interest_rate": rate, "account_type": cat}
	if err := c.put(ctx, "/children/"+seg(childID)+"/interest-rate", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SetPenaltyInterestRate(ctx context.Context, childID string, cat ledger.Category, rate float64) (*ledger.Account, error) {
	var out ledger.Account
	body := map[string]any{"penalty_interest_rate": rate, "account_type": cat}
	if err := c.put(ctx, "/children/"+seg(childID)+"/penalty-interest-rate", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SetCDPenaltyRate(ctx context.Context, childID string, rate float64) (*ledger.Account, error) {
	var out ledger.Account
	body := map[string]any{"cd_penalty_rate": rate}
	if err := c.put(ctx, "/children/"+seg(childID)+"/cd-penalty-rate", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) RateHistory(ctx context.Context, accountID string) ([]ledger.RateChange, error) {
	var out []ledger.RateChange
	if err := c.get(ctx, "/accounts/"+seg(accountID)+"/rate-history", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func childQuery(childID string) url.Values {
	if childID == "" {
		return nil
	}
	return url.Values{"child_id": {childID}}
}

func (c *Client) Loans(ctx context.Context, childID string) ([]instruments.Loan, error) {
	var out []instruments.Loan
	if err := c.get(ctx, "/loans/", childQuery(childID), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetLoan(ctx context.Context, id string) (*instruments.Loan, error) {
	var out instruments.Loan
	if err := c.get(ctx, "/loans/"+seg(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type LoanInput struct {
	ChildID string `json:"child_id,omitempty"`
	Amount  int64  `json:"amount"`
	Purpose string `json:"purpose,omitempty"`
}

func (c *Client) RequestLoan(ctx context.Context, in LoanInput) (*instruments.Loan, error) {
	var out instruments.Loan
	if err := c.post(ctx, "/loans/", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) loanAction(ctx context.Context, id, action string, body any) (*instruments.Loan, error) {
	var out instruments.Loan
	if err := c.post(ctx, "/loans/"+seg(id)+"/"+action, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ApproveLoan(ctx context.Context, id string, rate float64, terms string) (*instruments.Loan, error) {
	return c.loanAction(ctx, id, "approve", map[string]any{"interest_rate": rate, "terms": terms})
}

func (c *Client) DenyLoan(ctx context.Context, id string) (*instruments.Loan, error) {
	return c.loanAction(ctx, id, "deny", nil)
}

func (c *Client) DisburseLoan(ctx context.Context, id string) (*instruments.Loan, error) {
	return c.loanAction(ctx, id, "disburse", nil)
}

func (c *Client) RecordLoanPayment(ctx context.Context, id string, amount int64) (*instruments.Loan, error) {
	return c.loanAction(ctx, id, "payment", map[string]int64{"amount": amount})
}

func (c *Client) ChangeLoanRate(ctx context.Context, id string, rate float64) (*instruments.Loan, error) {
	return c.loanAction(ctx, id, "interest", map[string]float64{"interest_rate": rate})
}

func (c *Client) CloseLoan(ctx context.Context, id string) (*instruments.Loan, error) {
	return c.loanAction(ctx, id, "close", nil)
}

func (c *Client) Transitions(ctx context.Context, kind instruments.Kind, id string) ([]instruments.StateTransition, error) {
	base := "/loans/"
	if kind == instruments.KindCD {
		base = "/cds/"
	}
	var out []instruments.StateTransition
	if err := c.get(ctx, base+seg(id)+"/transitions", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CDs(ctx context.Context, childID string) ([]instruments.CD, error) {
	var out []instruments.CD
	if err := c.get(ctx, "/cds/", childQuery(childID), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetCD(ctx context.Context, id string) (*instruments.CD, error) {
	var out instruments.CD
	if err := c.get(ctx, "/cds/"+seg(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type CDInput struct {
	ChildID      string          `json:"child_id"`
	Amount       int64           `json:"amount"`
	InterestRate float64         `json:"interest_rate"`
	TermDays     int             `json:"term_days"`
	AccountType  ledger.Category `json:"account_type,omitempty"`
}

func (c *Client) OfferCD(ctx context.Context, in CDInput) (*instruments.CD, error) {
	var out instruments.CD
	if err := c.post(ctx, "/cds/", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) cdAction(ctx context.Context, id, action string) (*instruments.CD, error) {
	var out instruments.CD
	if err := c.post(ctx, "/cds/"+seg(id)+"/"+action, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) AcceptCD(ctx context.Context, id string) (*instruments.CD, error) {
	return c.cdAction(ctx, id, "accept")
}

func (c *Client) RejectCD(ctx context.Context, id string) (*instruments.CD, error) {
	return c.cdAction(ctx, id, "reject")
}

func (c *Client) RedeemCDEarly(ctx context.Context, id string) (*instruments.CD, error) {
	return c.cdAction(ctx, id, "redeem-early")
}

func (c *Client) MatureCD(ctx context.Context, id string) (*instruments.CD, error) {
	return c.cdAction(ctx, id, "mature")
}

// MatureDueResult lists the CDs a sweep matured and the ones it could not.
type MatureDueResult struct {
	Matured []instruments.CD `json:"matured"`
	Errors  []string         `json:"errors,omitempty"`
}

func (c *Client) MatureDue(ctx context.Context) (*MatureDueResult, error) {
	var out MatureDueResult
	if err := c.post(ctx, "/cds/mature-due", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Withdrawals lists requests, narrowed by child and status when set.
func (c *Client) Withdrawals(ctx context.Context, childID string, status withdrawals.Status) ([]withdrawals.Request, error) {
	q := url.Values{}
	if childID != "" {
		q.Set("child_id", childID)
	}
	if status != "" {
		q.Set("status", string(status))
	}
	var out []withdrawals.Request
	if err := c.get(ctx, "/withdrawals/", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) MyWithdrawals(ctx context.Context) ([]withdrawals.Request, error) {
	var out []withdrawals.Request
	if err := c.get(ctx, "/withdrawals/mine", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type WithdrawalInput struct {
	ChildID     string          `json:"child_id,omitempty"`
	AccountType ledger.Category `json:"account_type,omitempty"`
	Amount      int64           `json:"amount"`
	Memo        string          `json:"memo,omitempty"`
}

func (c *Client) RequestWithdrawal(ctx context.Context, in WithdrawalInput) (*withdrawals.Request, error) {
	var out withdrawals.Request
	if err := c.post(ctx, "/withdrawals/", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) withdrawalAction(ctx context.Context, id, action string, body any) (*withdrawals.Request, error) {
	var out withdrawals.Request
	if err := c.post(ctx, "/withdrawals/"+seg(id)+"/"+action, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ApproveWithdrawal(ctx context.Context, id string) (*withdrawals.Request, error) {
	return c.withdrawalAction(ctx, id, "approve", nil)
}

func (c *Client) DenyWithdrawal(ctx context.Context, id, reason string) (*withdrawals.Request, error) {
	var body any
	if reason != "" {
		body = map[string]string{"reason": reason}
	}
	return c.withdrawalAction(ctx, id, "deny", body)
}

func (c *Client) CancelWithdrawal(ctx context.Context, id string) (*withdrawals.Request, error) {
	return c.withdrawalAction(ctx, id, "cancel", nil)
}

func (c *Client) RecurringCharges(ctx context.Context, childID string) ([]recurring.Charge, error) {
	var out []recurring.Charge
	if err := c.get(ctx, "/recurring-charges/child/"+seg(childID), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
