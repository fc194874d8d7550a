// Package withdrawals runs the child withdrawal request workflow.
package withdrawals

import (
	"slices"
	"time"

	"github.com/example/family-bank/internal/ledger"
	"github.com/example/family-bank/internal/principal"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusDenied    Status = "denied"
	StatusCancelled Status = "cancelled"
)

// AllowedTransitions defines valid withdrawal state transitions
func AllowedTransitions() map[Status][]Status {
	return map[Status][]Status{
		StatusPending:   {StatusApproved, StatusDenied, StatusCancelled},
		StatusApproved:  {},
		StatusDenied:    {},
		StatusCancelled: {},
	}
}

func IsValidTransition(from, to Status) bool {
	return slices.Contains(AllowedTransitions()[from], to)
}

// Request is a withdrawal request against one of a child's accounts.
type Request struct {
	ID            string          `json:"id"`
	ChildID       string          `json:"child_id"`
	AccountType   ledger.Category `json:"account_type"`
	Amount        int64           `json:"amount"`
	Memo          string          `json:"memo,omitempty"`
	Status        Status          `json:"status"`
	RequesterID   string          `json:"requester_id"`
	RequesterRole principal.Role  `json:"requester_role"`
	RequestedAt   time.Time       `json:"requested_at"`
	RespondedAt   *time.Time      `json:"responded_at,omitempty"`
	DenialReason  string          `json:"denial_reason,omitempty"`
	ApproverID    string          `json:"approver_id,omitempty"`
	TransactionID string          `json:"transaction_id,omitempty"`
}

// Filter narrows List. Empty fields match everything.
type Filter struct {
	ChildIDs []string
	Status   Status
}
