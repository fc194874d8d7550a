package ledger

import (
	"context"
	"fmt"
	"time"
)

// Validator checks ledger invariants against stored data.
type Validator struct {
	store Store
	now   func() time.Time
}

func NewValidator(store Store) *Validator {
	return &Validator{store: store, now: time.Now}
}

// ValidationResult is the outcome of one invariant check.
type ValidationResult struct {
	IsValid        bool           `json:"is_valid"`
	ValidationType string         `json:"validation_type"`
	Message        string         `json:"message"`
	AccountID      string         `json:"account_id,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	Details        map[string]any `json:"details,omitempty"`
}

// ValidateBalanceConsistency checks that the stored balance equals the sum
// of the account's signed transactions.
func (v *Validator) ValidateBalanceConsistency(ctx context.Context, accountID string) *ValidationResult {
	a, err := v.store.GetAccount(ctx, accountID)
	if err != nil {
		return v.failure("balance_consistency", accountID, fmt.Sprintf("failed to get account: %v", err))
	}
	txs, err := v.store.ListTransactions(ctx, TransactionFilter{AccountID: accountID})
	if err != nil {
		return v.failure("balance_consistency", accountID, fmt.Sprintf("failed to list transactions: %v", err))
	}
	var expected int64
	for _, t := range txs {
		expected += t.Signed()
	}
	details := map[string]any{
		"actual_balance":   a.Balance,
		"expected_balance": expected,
		"account_type":     a.Category,
	}
	if a.Balance != expected {
		details["difference"] = a.Balance - expected
		return &ValidationResult{
			ValidationType: "balance_consistency",
			Message:        fmt.Sprintf("balance inconsistency: actual (%d) != expected (%d)", a.Balance, expected),
			AccountID:      accountID,
			Timestamp:      v.now(),
			Details:        details,
		}
	}
	return &ValidationResult{
		IsValid:        true,
		ValidationType: "balance_consistency",
		Message:        fmt.Sprintf("balance is consistent: %d", a.Balance),
		AccountID:      accountID,
		Timestamp:      v.now(),
		Details:        details,
	}
}

// ValidateHolds checks that active holds never exceed the balance of an
// account that is not overdrawn.
func (v *Validator) ValidateHolds(ctx context.Context, accountID string) *ValidationResult {
	a, err := v.store.GetAccount(ctx, accountID)
	if err != nil {
		return v.failure("holds", accountID, fmt.Sprintf("failed to get account: %v", err))
	}
	ok := a.Balance < 0 || a.Held <= a.Balance
	r := &ValidationResult{
		IsValid:        ok,
		ValidationType: "holds",
		Message:        fmt.Sprintf("held %d of balance %d", a.Held, a.Balance),
		AccountID:      accountID,
		Timestamp:      v.now(),
	}
	return r
}

// ValidateChild runs every check over the child's accounts.
func (v *Validator) ValidateChild(ctx context.Context, childID string) []*ValidationResult {
	accounts, err := v.store.ListAccounts(ctx, childID)
	if err != nil {
		return []*ValidationResult{v.failure("comprehensive", "", fmt.Sprintf("failed to list accounts: %v", err))}
	}
	var results []*ValidationResult
	for _, a := range accounts {
		results = append(results, v.ValidateBalanceConsistency(ctx, a.ID), v.ValidateHolds(ctx, a.ID))
	}
	return results
}

// CheckChild runs the ledger checks over childID's accounts. The report
// is valid only when every check passed.
func (s *Service) CheckChild(ctx context.Context, childID string) *CheckReport {
	rep := &CheckReport{ChildID: childID, Valid: true, Results: NewValidator(s.store).ValidateChild(ctx, childID)}
	for _, r := range rep.Results {
		if !r.IsValid {
			rep.Valid = false
		}
	}
	return rep
}

// CheckReport groups the results of CheckChild.
type CheckReport struct {
	ChildID string              `json:"child_id"`
	Valid   bool                `json:"valid"`
	Results []*ValidationResult `json:"results"`
}

func (v *Validator) failure(kind, accountID, msg string) *ValidationResult {
	return &ValidationResult{
		ValidationType: kind,
		Message:        msg,
		AccountID:      accountID,
		Timestamp:      v.now(),
	}
}
