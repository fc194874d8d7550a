// Package instruments runs the loan and certificate-of-deposit lifecycles
// and their ledger settlements.
package instruments

import (
	"math"
	"time"

	"github.com/example/family-bank/internal/ledger"
)

type LoanStatus string

const (
	LoanRequested LoanStatus = "requested"
	LoanApproved  LoanStatus = "approved"
	LoanDenied    LoanStatus = "denied"
	LoanActive    LoanStatus = "active"
	LoanClosed    LoanStatus = "closed"
)

// Loan is a child's loan. Terms is free text and is never parsed: a
// schedule written there is applied by an administrator changing the rate.
type Loan struct {
	ID                 string     `json:"id"`
	ChildID            string     `json:"child_id"`
	Amount             int64      `json:"amount"`
	Purpose            string     `json:"purpose,omitempty"`
	InterestRate       float64    `json:"interest_rate"`
	Status             LoanStatus `json:"status"`
	PrincipalRemaining int64      `json:"principal_remaining"`
	Terms              string     `json:"terms,omitempty"`
	DisbursementID     string     `json:"disbursement_id,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

type CDStatus string

const (
	CDOffered       CDStatus = "offered"
	CDAccepted      CDStatus = "accepted"
	CDRejected      CDStatus = "rejected"
	CDRedeemedEarly CDStatus = "redeemed_early"
	CDMatured       CDStatus = "matured"
)

// CD is a certificate of deposit offered to a child. While accepted its
// principal is held on the funding account.
type CD struct {
	ID           string          `json:"id"`
	ChildID      string          `json:"child_id"`
	AccountType  ledger.Category `json:"account_type"`
	Amount       int64           `json:"amount"`
	InterestRate float64         `json:"interest_rate"`
	TermDays     int             `json:"term_days"`
	Status       CDStatus        `json:"status"`
	AcceptedAt   *time.Time      `json:"accepted_at,omitempty"`
	MaturesAt    *time.Time      `json:"matures_at,omitempty"`
	HoldID       string          `json:"hold_id,omitempty"`
	Payout       *int64          `json:"payout,omitempty"`
	SettledAt    *time.Time      `json:"settled_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`

	// Derived on read.
	DaysLeft      *int `json:"days_left"`
	MaturationDue bool `json:"maturation_due"`
}

// DaysLeft returns the whole days until maturesAt, rounded up and never
// negative. It is nil when maturesAt is nil.
func DaysLeft(maturesAt *time.Time, now time.Time) *int {
	if maturesAt == nil {
		return nil
	}
	remaining := maturesAt.Sub(now)
	days := 0
	if remaining > 0 {
		days = int(math.Ceil(remaining.Hours() / 24))
	}
	return &days
}

// Derive fills the read-only fields of c as of now. DaysLeft is only set
// while the CD is accepted; offered and settled CDs have no countdown.
func (c *CD) Derive(now time.Time) {
	c.DaysLeft = nil
	if c.Status == CDAccepted {
		c.DaysLeft = DaysLeft(c.MaturesAt, now)
	}
	c.MaturationDue = c.Status == CDAccepted && c.MaturesAt != nil && !now.Before(*c.MaturesAt)
}

// Kind names an instrument family in transition records and lock keys.
type Kind string

const (
	KindLoan Kind = "loan"
	KindCD   Kind = "cd"
)
