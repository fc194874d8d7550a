package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/family-bank/internal/bankerr"
	"github.com/example/family-bank/internal/lock"
	"github.com/example/family-bank/internal/principal"
)

// Defaults seeds the rates of newly opened accounts.
type Defaults struct {
	CheckingRate       float64
	SavingsRate        float64
	CollegeSavingsRate float64
	SavingsLockupDays  int
	PenaltyRate        float64
	CDPenaltyRate      float64
}

// Service is the ledger store API. Every account mutation runs under the
// account's lock so a read-modify-write on one account never interleaves
// with another.
type Service struct {
	store    Store
	locker   lock.Locker
	logger   *slog.Logger
	defaults Defaults
	now      func() time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithDefaults(d Defaults) Option { return func(s *Service) { s.defaults = d } }

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// NewService creates a ledger service.
func NewService(store Store, locker lock.Locker, opts ...Option) *Service {
	s := &Service{
		store:  store,
		locker: locker,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Now exposes the service clock so collaborating engines agree on time.
func (s *Service) Now() time.Time { return s.now().UTC() }

func storeErr(op string, err error) error {
	if errors.Is(err, ErrNotFound) {
		return bankerr.Wrap(bankerr.KindNotFound, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// OpenAccounts creates the checking, savings and college savings accounts
// of a new child.
func (s *Service) OpenAccounts(ctx context.Context, childID string, createdAt time.Time) (*AccountsResponse, error) {
	const op = "ledger.OpenAccounts"
	if childID == "" {
		return nil, bankerr.Validation(op, "child id is required")
	}
	if createdAt.IsZero() {
		createdAt = s.Now()
	}
	penalty := s.defaults.PenaltyRate
	cdPenalty := s.defaults.CDPenaltyRate
	lockup := s.defaults.SavingsLockupDays

	checking := &Account{
		ID: uuid.NewString(), ChildID: childID, Category: Checking,
		InterestRate: s.defaults.CheckingRate, PenaltyInterestRate: &penalty,
		CDPenaltyRate: &cdPenalty, CreatedAt: createdAt,
	}
	savings := &Account{
		ID: uuid.NewString(), ChildID: childID, Category: Savings,
		InterestRate: s.defaults.SavingsRate, CreatedAt: createdAt,
	}
	if lockup > 0 {
		savings.LockupPeriodDays = &lockup
	}
	college := &Account{
		ID: uuid.NewString(), ChildID: childID, Category: CollegeSavings,
		InterestRate: s.defaults.CollegeSavingsRate, CreatedAt: createdAt,
	}

	if err := s.store.CreateAccounts(ctx, []*Account{checking, savings, college}); err != nil {
		return nil, bankerr.Wrap(bankerr.KindConflict, op, err)
	}
	s.logger.Info("accounts_opened", "child_id", childID)
	return s.GetAccounts(ctx, childID)
}

// GetAccounts returns the three accounts of a child and their total.
func (s *Service) GetAccounts(ctx context.Context, childID string) (*AccountsResponse, error) {
	const op = "ledger.GetAccounts"
	accounts, err := s.store.ListAccounts(ctx, childID)
	if err != nil {
		return nil, storeErr(op, err)
	}
	resp := &AccountsResponse{}
	for _, a := range accounts {
		if err := s.decorate(ctx, a); err != nil {
			return nil, storeErr(op, err)
		}
		switch a.Category {
		case Checking:
			resp.Checking = a
		case Savings:
			resp.Savings = a
		case CollegeSavings:
			resp.CollegeSavings = a
		}
		resp.TotalBalance += a.Balance
	}
	if resp.Checking == nil || resp.Savings == nil || resp.CollegeSavings == nil {
		return nil, bankerr.NotFound(op, "accounts for child %s not found", childID)
	}
	return resp, nil
}

// GetAccount returns one account with its available balance computed.
func (s *Service) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	const op = "ledger.GetAccount"
	a, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, storeErr(op, err)
	}
	if err := s.decorate(ctx, a); err != nil {
		return nil, storeErr(op, err)
	}
	return a, nil
}

// AccountByCategory returns the child's account of category c.
func (s *Service) AccountByCategory(ctx context.Context, childID string, c Category) (*Account, error) {
	accounts, err := s.GetAccounts(ctx, childID)
	if err != nil {
		return nil, err
	}
	return accounts.ByCategory(c), nil
}

// decorate computes the available balance: balance minus active holds minus
// credits still inside the lockup window. It never exceeds the balance.
func (s *Service) decorate(ctx context.Context, a *Account) error {
	available := a.Balance - a.Held
	if a.LockupPeriodDays != nil && *a.LockupPeriodDays > 0 {
		since := s.Now().AddDate(0, 0, -*a.LockupPeriodDays)
		credits, err := s.store.ListTransactions(ctx, TransactionFilter{AccountID: a.ID, Type: Credit, Since: since})
		if err != nil {
			return err
		}
		for _, t := range credits {
			available -= t.Amount
		}
	}
	if available < 0 && a.Balance >= 0 {
		available = 0
	}
	a.AvailableBalance = available
	return nil
}

// ListTransactions returns a child's transactions. With accountID the
// balance is that account's; otherwise it is the child's total.
func (s *Service) ListTransactions(ctx context.Context, childID, accountID string) (*LedgerResponse, error) {
	const op = "ledger.ListTransactions"
	if accountID != "" {
		a, err := s.store.GetAccount(ctx, accountID)
		if err != nil {
			return nil, storeErr(op, err)
		}
		if a.ChildID != childID {
			return nil, bankerr.NotFound(op, "account %s not found", accountID)
		}
		txs, err := s.store.ListTransactions(ctx, TransactionFilter{AccountID: accountID})
		if err != nil {
			return nil, storeErr(op, err)
		}
		return &LedgerResponse{Balance: a.Balance, Transactions: txs}, nil
	}

	accounts, err := s.GetAccounts(ctx, childID)
	if err != nil {
		return nil, err
	}
	txs, err := s.store.ListTransactions(ctx, TransactionFilter{ChildID: childID})
	if err != nil {
		return nil, storeErr(op, err)
	}
	return &LedgerResponse{Balance: accounts.TotalBalance, Transactions: txs}, nil
}

// RecordRequest describes a new transaction.
type RecordRequest struct {
	// ID is optional. Callers that retry pass a stable id so the retry
	// cannot record the transaction twice.
	ID        string
	AccountID string
	Type      TxType
	Amount    int64
	Memo      string
	Initiator principal.Principal
	// Timestamp back-dates the transaction. Administrators only.
	Timestamp *time.Time
	// RequireAvailable makes a debit fail with InsufficientFunds when it
	// exceeds the available balance, checked under the account lock.
	RequireAvailable bool
}

// RecordTransaction appends a transaction and applies its balance effect as
// one step.
func (s *Service) RecordTransaction(ctx context.Context, req RecordRequest) (*Transaction, error) {
	const op = "ledger.RecordTransaction"
	if req.Amount <= 0 {
		return nil, bankerr.Validation(op, "invalid amount %d: must be greater than zero", req.Amount)
	}
	if _, err := ParseTxType(string(req.Type)); err != nil {
		return nil, bankerr.Validation(op, "%v", err)
	}
	if req.AccountID == "" {
		return nil, bankerr.Validation(op, "account id is required")
	}

	var out *Transaction
	err := s.locker.WithLock(ctx, lock.AccountKey(req.AccountID), func(ctx context.Context) error {
		a, err := s.GetAccount(ctx, req.AccountID)
		if err != nil {
			return err
		}

		ts := s.Now()
		if req.Timestamp != nil {
			if !req.Initiator.IsAdministrator() {
				return bankerr.Forbidden(op, "only parents and admins can set custom timestamps")
			}
			custom := req.Timestamp.UTC()
			if custom.After(ts) {
				return bankerr.Validation(op, "transaction timestamp cannot be in the future")
			}
			if custom.Before(a.CreatedAt) {
				return bankerr.Validation(op, "transaction timestamp cannot be before account creation")
			}
			ts = custom
		}

		if req.Type == Debit && req.RequireAvailable && req.Amount > a.AvailableBalance {
			return bankerr.E(bankerr.KindInsufficientFunds, op, "insufficient available balance: available %d, requested %d", a.AvailableBalance, req.Amount)
		}

		id := req.ID
		if id == "" {
			id = uuid.NewString()
		} else if _, err := s.store.GetTransaction(ctx, id); err == nil {
			return bankerr.E(bankerr.KindConflict, op, "transaction %s already recorded", id)
		}
		tx := &Transaction{
			ID:            id,
			AccountID:     a.ID,
			ChildID:       a.ChildID,
			Type:          req.Type,
			Amount:        req.Amount,
			Memo:          req.Memo,
			InitiatorID:   req.Initiator.ID,
			InitiatorRole: req.Initiator.Role,
			Timestamp:     ts,
		}
		if err := s.store.InsertTransaction(ctx, tx); err != nil {
			return storeErr(op, err)
		}
		out = tx
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("transaction_recorded", "transaction_id", out.ID, "account_id", out.AccountID, "type", out.Type, "amount", out.Amount)
	return out, nil
}

// AmendRequest carries the correctable fields of a transaction. Nil fields
// are left unchanged.
type AmendRequest struct {
	Amount *int64
	Memo   *string
	Type   *TxType
}

// AmendTransaction corrects a transaction after the fact and re-derives the
// account balance in the same step.
func (s *Service) AmendTransaction(ctx context.Context, id string, req AmendRequest) (*Transaction, error) {
	const op = "ledger.AmendTransaction"
	if req.Amount != nil && *req.Amount <= 0 {
		return nil, bankerr.Validation(op, "invalid amount %d: must be greater than zero", *req.Amount)
	}
	if req.Type != nil {
		if _, err := ParseTxType(string(*req.Type)); err != nil {
			return nil, bankerr.Validation(op, "%v", err)
		}
	}

	current, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, storeErr(op, err)
	}

	var out *Transaction
	err = s.locker.WithLock(ctx, lock.AccountKey(current.AccountID), func(ctx context.Context) error {
		tx, err := s.store.GetTransaction(ctx, id)
		if err != nil {
			return storeErr(op, err)
		}
		if req.Amount != nil {
			tx.Amount = *req.Amount
		}
		if req.Memo != nil {
			tx.Memo = *req.Memo
		}
		if req.Type != nil {
			tx.Type = *req.Type
		}
		if err := s.store.UpdateTransaction(ctx, tx); err != nil {
			return storeErr(op, err)
		}
		out = tx
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("transaction_amended", "transaction_id", id)
	return out, nil
}

// DeleteTransaction removes a transaction and its balance effect.
func (s *Service) DeleteTransaction(ctx context.Context, id string) error {
	const op = "ledger.DeleteTransaction"
	current, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return storeErr(op, err)
	}
	err = s.locker.WithLock(ctx, lock.AccountKey(current.AccountID), func(ctx context.Context) error {
		if err := s.store.DeleteTransaction(ctx, id); err != nil {
			return storeErr(op, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("transaction_deleted", "transaction_id", id)
	return nil
}

// GetTransaction returns one transaction.
func (s *Service) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	tx, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, storeErr("ledger.GetTransaction", err)
	}
	return tx, nil
}

// PlaceHold reserves amount on the account. The balance is unchanged; the
// available balance drops. Fails with InsufficientFunds when amount exceeds
// the available balance.
func (s *Service) PlaceHold(ctx context.Context, accountID string, amount int64, reference string) (*Hold, error) {
	const op = "ledger.PlaceHold"
	if amount <= 0 {
		return nil, bankerr.Validation(op, "invalid hold amount %d", amount)
	}
	var out *Hold
	err := s.locker.WithLock(ctx, lock.AccountKey(accountID), func(ctx context.Context) error {
		a, err := s.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		if amount > a.AvailableBalance {
			return bankerr.E(bankerr.KindInsufficientFunds, op, "insufficient available balance: available %d, requested %d", a.AvailableBalance, amount)
		}
		h := &Hold{
			ID:        uuid.NewString(),
			AccountID: accountID,
			Amount:    amount,
			Reference: reference,
			CreatedAt: s.Now(),
		}
		if err := s.store.InsertHold(ctx, h); err != nil {
			return storeErr(op, err)
		}
		out = h
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("hold_placed", "hold_id", out.ID, "account_id", accountID, "amount", amount, "reference", reference)
	return out, nil
}

// Settlement is the ledger effect applied when a hold is released. A zero
// Amount releases the hold without a transaction.
type Settlement struct {
	ID        string
	Type      TxType
	Amount    int64
	Memo      string
	Initiator principal.Principal
}

// ReleaseHold releases a hold and applies the settlement as one step. It
// returns the settlement transaction, if any.
func (s *Service) ReleaseHold(ctx context.Context, holdID string, st Settlement) (*Transaction, error) {
	const op = "ledger.ReleaseHold"
	if st.Amount < 0 {
		return nil, bankerr.Validation(op, "invalid settlement amount %d", st.Amount)
	}
	h, err := s.store.GetHold(ctx, holdID)
	if err != nil {
		return nil, storeErr(op, err)
	}

	var out *Transaction
	err = s.locker.WithLock(ctx, lock.AccountKey(h.AccountID), func(ctx context.Context) error {
		h, err := s.store.GetHold(ctx, holdID)
		if err != nil {
			return storeErr(op, err)
		}
		if !h.Active() {
			return bankerr.InvalidState(op, "hold %s already released", holdID)
		}
		a, err := s.store.GetAccount(ctx, h.AccountID)
		if err != nil {
			return storeErr(op, err)
		}
		now := s.Now()
		var tx *Transaction
		if st.Amount > 0 {
			id := st.ID
			if id == "" {
				id = uuid.NewString()
			}
			tx = &Transaction{
				ID:            id,
				AccountID:     a.ID,
				ChildID:       a.ChildID,
				Type:          st.Type,
				Amount:        st.Amount,
				Memo:          st.Memo,
				InitiatorID:   st.Initiator.ID,
				InitiatorRole: st.Initiator.Role,
				Timestamp:     now,
			}
		}
		if err := s.store.ReleaseHold(ctx, holdID, now, tx); err != nil {
			return storeErr(op, err)
		}
		out = tx
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("hold_released", "hold_id", holdID, "settlement_amount", st.Amount, "settlement_type", st.Type)
	return out, nil
}
