package instruments

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"time"

	"github.com/example/family-bank/internal/bankerr"
)

// LoanTransitions defines valid loan state transitions
func LoanTransitions() map[LoanStatus][]LoanStatus {
	return map[LoanStatus][]LoanStatus{
		LoanRequested: {LoanApproved, LoanDenied},
		LoanApproved:  {LoanActive},
		LoanActive:    {LoanClosed},
		LoanDenied:    {}, // Terminal state
		LoanClosed:    {}, // Terminal state
	}
}

// CDTransitions defines valid CD state transitions
func CDTransitions() map[CDStatus][]CDStatus {
	return map[CDStatus][]CDStatus{
		CDOffered:       {CDAccepted, CDRejected},
		CDAccepted:      {CDMatured, CDRedeemedEarly},
		CDRejected:      {},
		CDRedeemedEarly: {},
		CDMatured:       {},
	}
}

// Operation names a caller action on an instrument.
type Operation string

const (
	OpApprove        Operation = "approve"
	OpDeny           Operation = "deny"
	OpDisburse       Operation = "disburse"
	OpPayment        Operation = "payment"
	OpChangeRate     Operation = "change_interest_rate"
	OpClose          Operation = "close"
	OpAccept         Operation = "accept"
	OpReject         Operation = "reject"
	OpRedeemEarly    Operation = "redeem_early"
	OpMature         Operation = "mature"
	OpCreate         Operation = "create"
	opActivateLoan   Operation = "activate"
)

// loanOperations lists the states each loan operation may start from.
var loanOperations = map[Operation][]LoanStatus{
	OpApprove:      {LoanRequested},
	OpDeny:         {LoanRequested},
	OpDisburse:     {LoanApproved},
	opActivateLoan: {LoanApproved},
	OpPayment:      {LoanActive},
	OpChangeRate:   {LoanApproved, LoanActive},
	OpClose:        {LoanActive},
}

var cdOperations = map[Operation][]CDStatus{
	OpAccept:      {CDOffered},
	OpReject:      {CDOffered},
	OpRedeemEarly: {CDAccepted},
	OpMature:      {CDAccepted},
}

func IsValidLoanTransition(from, to LoanStatus) bool {
	return slices.Contains(LoanTransitions()[from], to)
}

func IsValidCDTransition(from, to CDStatus) bool {
	return slices.Contains(CDTransitions()[from], to)
}

// ValidateLoanOperation checks if an operation is allowed for the given state.
func ValidateLoanOperation(id string, state LoanStatus, op Operation) error {
	allowed, ok := loanOperations[op]
	if !ok {
		return fmt.Errorf("unknown loan operation: %s", op)
	}
	if !slices.Contains(allowed, state) {
		return bankerr.InvalidState("instruments."+string(op), "loan %s is %s; %s requires %v", id, state, op, allowed)
	}
	return nil
}

// ValidateCDOperation checks if an operation is allowed for the given state.
func ValidateCDOperation(id string, state CDStatus, op Operation) error {
	allowed, ok := cdOperations[op]
	if !ok {
		return fmt.Errorf("unknown cd operation: %s", op)
	}
	if !slices.Contains(allowed, state) {
		return bankerr.InvalidState("instruments."+string(op), "cd %s is %s; %s requires %v", id, state, op, allowed)
	}
	return nil
}

// StateTransition is one entry of an instrument's hash-chained transition
// journal.
type StateTransition struct {
	ID             string    `json:"id"`
	Kind           Kind      `json:"kind"`
	InstrumentID   string    `json:"instrument_id"`
	FromState      string    `json:"from_state"`
	ToState        string    `json:"to_state"`
	Operation      Operation `json:"operation"`
	TransitionHash string    `json:"transition_hash"`
	PrevHash       string    `json:"prev_hash"`
	CreatedAt      time.Time `json:"created_at"`
	CreatedBy      string    `json:"created_by"`
}

func calculateTransitionHash(t *StateTransition) string {
	data := fmt.Sprintf("%s|%s|%s|%s|%s|%s|%s|%s", t.Kind, t.InstrumentID, t.FromState, t.ToState,
		t.Operation, t.PrevHash, t.CreatedBy, t.CreatedAt.UTC().Format(time.RFC3339Nano))
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

// VerifyTransitions checks that history forms an unbroken chain whose
// states follow the transition table.
func VerifyTransitions(history []*StateTransition) error {
	prev := ""
	state := ""
	for i, t := range history {
		if t.PrevHash != prev {
			return fmt.Errorf("transition %d: broken chain", i)
		}
		if t.FromState != state {
			return fmt.Errorf("transition %d: from %q, expected %q", i, t.FromState, state)
		}
		if calculateTransitionHash(t) != t.TransitionHash {
			return fmt.Errorf("transition %d: hash mismatch", i)
		}
		if i > 0 {
			var ok bool
			switch t.Kind {
			case KindLoan:
				ok = IsValidLoanTransition(LoanStatus(t.FromState), LoanStatus(t.ToState))
			case KindCD:
				ok = IsValidCDTransition(CDStatus(t.FromState), CDStatus(t.ToState))
			}
			if !ok {
				return fmt.Errorf("transition %d: %s -> %s not allowed", i, t.FromState, t.ToState)
			}
		}
		prev = t.TransitionHash
		state = t.ToState
	}
	return nil
}
