package orchestrator

import (
	"slices"
	"strings"
	"sync"

	"github.com/example/family-bank/internal/instruments"
	"github.com/example/family-bank/internal/ledger"
	"github.com/example/family-bank/internal/recurring"
	"github.com/example/family-bank/internal/withdrawals"
)

// Aggregate names one server-side read model held by the View.
type Aggregate uint8

const (
	Accounts Aggregate = 1 << iota
	Ledger
	Loans
	CDs
	Withdrawals
	Recurring

	All = Accounts | Ledger | Loans | CDs | Withdrawals | Recurring
)

func (a Aggregate) Has(b Aggregate) bool { return a&b != 0 }

func (a Aggregate) String() string {
	names := []string{}
	for _, x := range []struct {
		agg  Aggregate
		name string
	}{
		{Accounts, "accounts"}, {Ledger, "ledger"}, {Loans, "loans"},
		{CDs, "cds"}, {Withdrawals, "withdrawals"}, {Recurring, "recurring"},
	} {
		if a.Has(x.agg) {
			names = append(names, x.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ",")
}

// Snapshot is a point-in-time copy of the View.
type Snapshot struct {
	ChildID     string
	Accounts    *ledger.AccountsResponse
	Ledger      *ledger.LedgerResponse
	Loans       []instruments.Loan
	CDs         []instruments.CD
	Withdrawals []withdrawals.Request
	Recurring   []recurring.Charge
}

// View caches the read models of the child being looked at. It is only
// ever filled from server reads, never from assumed effects of a call.
type View struct {
	mu   sync.RWMutex
	snap Snapshot
}

func (v *View) Snapshot() Snapshot {
	v.mu.RLock()
	defer v.mu.RUnlock()
	s := v.snap
	s.Loans = slices.Clone(s.Loans)
	s.CDs = slices.Clone(s.CDs)
	s.Withdrawals = slices.Clone(s.Withdrawals)
	s.Recurring = slices.Clone(s.Recurring)
	return s
}

func (v *View) childID() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.snap.ChildID
}

// focus switches the view to another child and drops what it held.
func (v *View) focus(childID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.snap.ChildID != childID {
		v.snap = Snapshot{ChildID: childID}
	}
}

// apply stores fetched aggregates unless the view has moved to another
// child in the meantime.
func (v *View) apply(childID string, which Aggregate, f *Snapshot) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.snap.ChildID != childID {
		return
	}
	if which.Has(Accounts) {
		v.snap.Accounts = f.Accounts
	}
	if which.Has(Ledger) {
		v.snap.Ledger = f.Ledger
	}
	if which.Has(Loans) {
		v.snap.Loans = f.Loans
	}
	if which.Has(CDs) {
		v.snap.CDs = f.CDs
	}
	if which.Has(Withdrawals) {
		v.snap.Withdrawals = f.Withdrawals
	}
	if which.Has(Recurring) {
		v.snap.Recurring = f.Recurring
	}
}
