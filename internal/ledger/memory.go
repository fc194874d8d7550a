package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps the ledger in process memory. A single RWMutex makes
// every mutation atomic with respect to readers.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*Account
	txs      map[string]*Transaction
	holds    map[string]*Hold
	rates    map[string][]*RateChange
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
		txs:      make(map[string]*Transaction),
		holds:    make(map[string]*Hold),
		rates:    make(map[string][]*RateChange),
	}
}

func (m *MemoryStore) CreateAccounts(ctx context.Context, accounts []*Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range accounts {
		if _, ok := m.accounts[a.ID]; ok {
			return fmt.Errorf("account %s already exists", a.ID)
		}
		for _, existing := range m.accounts {
			if existing.ChildID == a.ChildID && existing.Category == a.Category {
				return fmt.Errorf("child %s already has a %s account", a.ChildID, a.Category)
			}
		}
	}
	for _, a := range accounts {
		cp := *a
		cp.Balance, cp.Held = 0, 0
		m.accounts[a.ID] = &cp
	}
	return nil
}

func (m *MemoryStore) snapshot(a *Account) *Account {
	cp := *a
	cp.Held = 0
	for _, h := range m.holds {
		if h.AccountID == a.ID && h.Active() {
			cp.Held += h.Amount
		}
	}
	cp.AvailableBalance = cp.Balance - cp.Held
	return &cp
}

func (m *MemoryStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m.snapshot(a), nil
}

func (m *MemoryStore) ListAccounts(ctx context.Context, childID string) ([]*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Account
	for _, a := range m.accounts {
		if a.ChildID == childID {
			out = append(out, m.snapshot(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out, nil
}

func (m *MemoryStore) InsertTransaction(ctx context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(tx)
}

func (m *MemoryStore) insertLocked(tx *Transaction) error {
	a, ok := m.accounts[tx.AccountID]
	if !ok {
		return ErrNotFound
	}
	if _, dup := m.txs[tx.ID]; dup {
		return fmt.Errorf("transaction %s already exists", tx.ID)
	}
	cp := *tx
	m.txs[tx.ID] = &cp
	a.Balance += cp.Signed()
	return nil
}

func (m *MemoryStore) UpdateTransaction(ctx context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.txs[tx.ID]
	if !ok {
		return ErrNotFound
	}
	a := m.accounts[old.AccountID]
	a.Balance += tx.Signed() - old.Signed()
	old.Amount, old.Memo, old.Type = tx.Amount, tx.Memo, tx.Type
	return nil
}

func (m *MemoryStore) DeleteTransaction(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.txs[id]
	if !ok {
		return ErrNotFound
	}
	m.accounts[old.AccountID].Balance -= old.Signed()
	delete(m.txs, id)
	return nil
}

func (m *MemoryStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.txs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) ListTransactions(ctx context.Context, f TransactionFilter) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []*Transaction{}
	for _, t := range m.txs {
		if f.AccountID != "" && t.AccountID != f.AccountID {
			continue
		}
		if f.ChildID != "" && t.ChildID != f.ChildID {
			continue
		}
		if f.Type != "" && t.Type != f.Type {
			continue
		}
		if !f.Since.IsZero() && t.Timestamp.Before(f.Since) {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

func (m *MemoryStore) InsertHold(ctx context.Context, h *Hold) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[h.AccountID]; !ok {
		return ErrNotFound
	}
	cp := *h
	m.holds[h.ID] = &cp
	return nil
}

func (m *MemoryStore) GetHold(ctx context.Context, id string) (*Hold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.holds[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *h
	return &cp, nil
}

func (m *MemoryStore) ReleaseHold(ctx context.Context, holdID string, at time.Time, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.holds[holdID]
	if !ok {
		return ErrNotFound
	}
	if !h.Active() {
		return fmt.Errorf("hold %s already released", holdID)
	}
	if tx != nil {
		if err := m.insertLocked(tx); err != nil {
			return err
		}
	}
	released := at
	h.ReleasedAt = &released
	return nil
}

func (m *MemoryStore) ApplyRateChange(ctx context.Context, c *RateChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[c.AccountID]
	if !ok {
		return ErrNotFound
	}
	rate := c.NewRate
	switch c.Field {
	case FieldInterestRate:
		a.InterestRate = rate
	case FieldPenaltyInterestRate:
		a.PenaltyInterestRate = &rate
	case FieldCDPenaltyRate:
		a.CDPenaltyRate = &rate
	default:
		return fmt.Errorf("unknown rate field %q", c.Field)
	}
	cp := *c
	m.rates[c.AccountID] = append(m.rates[c.AccountID], &cp)
	return nil
}

func (m *MemoryStore) RateHistory(ctx context.Context, accountID string) ([]*RateChange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*RateChange, 0, len(m.rates[accountID]))
	for _, c := range m.rates[accountID] {
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}
