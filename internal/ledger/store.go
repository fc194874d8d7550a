package ledger

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by stores for missing rows.
var ErrNotFound = errors.New("not found")

// TransactionFilter narrows ListTransactions. Since is inclusive.
type TransactionFilter struct {
	ChildID   string
	AccountID string
	Type      TxType
	Since     time.Time
}

// Store persists accounts, transactions, holds and rate history. Every
// mutating method applies its row changes and the resulting balance change
// as one indivisible step: no reader observes one without the other.
type Store interface {
	CreateAccounts(ctx context.Context, accounts []*Account) error
	GetAccount(ctx context.Context, id string) (*Account, error)
	ListAccounts(ctx context.Context, childID string) ([]*Account, error)

	InsertTransaction(ctx context.Context, tx *Transaction) error
	// UpdateTransaction replaces amount, memo and type of an existing
	// transaction. The account reference is never changed.
	UpdateTransaction(ctx context.Context, tx *Transaction) error
	DeleteTransaction(ctx context.Context, id string) error
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]*Transaction, error)

	InsertHold(ctx context.Context, h *Hold) error
	GetHold(ctx context.Context, id string) (*Hold, error)
	// ReleaseHold marks the hold released and, when tx is non-nil, inserts
	// tx in the same step.
	ReleaseHold(ctx context.Context, holdID string, at time.Time, tx *Transaction) error

	// ApplyRateChange sets the rate field on the account and appends the
	// change to its history.
	ApplyRateChange(ctx context.Context, change *RateChange) error
	RateHistory(ctx context.Context, accountID string) ([]*RateChange, error)
}
