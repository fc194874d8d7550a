package ledger

import (
	"fmt"
	"time"

	"github.com/example/family-bank/internal/principal"
)

// Category is the kind of account a child holds. Every child has exactly one
// account of each category.
type Category string

const (
	Checking       Category = "checking"
	Savings        Category = "savings"
	CollegeSavings Category = "college_savings"
)

// Categories lists the account categories in display order.
var Categories = []Category{Checking, Savings, CollegeSavings}

func ParseCategory(s string) (Category, error) {
	switch Category(s) {
	case Checking, Savings, CollegeSavings:
		return Category(s), nil
	}
	return "", fmt.Errorf("unknown account category %q", s)
}

// ChildRequestable reports whether a child may initiate withdrawals from
// accounts of this category.
func (c Category) ChildRequestable() bool {
	return c == Checking || c == Savings
}

type TxType string

const (
	Credit TxType = "credit"
	Debit  TxType = "debit"
)

func ParseTxType(s string) (TxType, error) {
	switch TxType(s) {
	case Credit, Debit:
		return TxType(s), nil
	}
	return "", fmt.Errorf("unknown transaction type %q", s)
}

// Account is a child's account. Amounts are minor units (cents); rates are
// fractions per period (0.025 == 2.5%).
type Account struct {
	ID                  string    `json:"id"`
	ChildID             string    `json:"child_id"`
	Category            Category  `json:"account_type"`
	Balance             int64     `json:"balance"`
	AvailableBalance    int64     `json:"available_balance"`
	InterestRate        float64   `json:"interest_rate"`
	LockupPeriodDays    *int      `json:"lockup_period_days,omitempty"`
	PenaltyInterestRate *float64  `json:"penalty_interest_rate,omitempty"`
	CDPenaltyRate       *float64  `json:"cd_penalty_rate,omitempty"`
	CreatedAt           time.Time `json:"created_at"`

	// Held is the sum of active holds. Stores fill it; it is not serialized.
	Held int64 `json:"-"`
}

// Transaction is an immutable ledger line, correctable only by an explicit
// administrative amendment.
type Transaction struct {
	ID            string         `json:"id"`
	AccountID     string         `json:"account_id"`
	ChildID       string         `json:"child_id"`
	Type          TxType         `json:"type"`
	Amount        int64          `json:"amount"`
	Memo          string         `json:"memo,omitempty"`
	InitiatorID   string         `json:"initiator_id"`
	InitiatorRole principal.Role `json:"initiated_by"`
	Timestamp     time.Time      `json:"timestamp"`
}

// Signed returns the balance effect of the transaction.
func (t *Transaction) Signed() int64 {
	if t.Type == Debit {
		return -t.Amount
	}
	return t.Amount
}

// Hold reserves funds of an account without moving them: the balance is
// unchanged, the available balance drops by Amount until release.
type Hold struct {
	ID         string     `json:"id"`
	AccountID  string     `json:"account_id"`
	Amount     int64      `json:"amount"`
	Reference  string     `json:"reference"`
	CreatedAt  time.Time  `json:"created_at"`
	ReleasedAt *time.Time `json:"released_at,omitempty"`
}

func (h *Hold) Active() bool { return h.ReleasedAt == nil }

type RateField string

const (
	FieldInterestRate        RateField = "interest_rate"
	FieldPenaltyInterestRate RateField = "penalty_interest_rate"
	FieldCDPenaltyRate       RateField = "cd_penalty_rate"
)

// RateChange records a forward-only rate update. Past interest is never
// recomputed.
type RateChange struct {
	ID          string    `json:"id"`
	AccountID   string    `json:"account_id"`
	Field       RateField `json:"field"`
	OldRate     *float64  `json:"old_rate,omitempty"`
	NewRate     float64   `json:"new_rate"`
	EffectiveAt time.Time `json:"effective_at"`
	ChangedBy   string    `json:"changed_by"`
}

// AccountsResponse is the per-child account read model.
type AccountsResponse struct {
	Checking       *Account `json:"checking"`
	Savings        *Account `json:"savings"`
	CollegeSavings *Account `json:"college_savings"`
	TotalBalance   int64    `json:"total_balance"`
}

// ByCategory returns the account of the given category.
func (r *AccountsResponse) ByCategory(c Category) *Account {
	switch c {
	case Checking:
		return r.Checking
	case Savings:
		return r.Savings
	case CollegeSavings:
		return r.CollegeSavings
	}
	return nil
}

// LedgerResponse is the transaction history read model.
type LedgerResponse struct {
	Balance      int64          `json:"balance"`
	Transactions []*Transaction `json:"transactions"`
}
