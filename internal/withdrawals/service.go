package withdrawals

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/family-bank/internal/bankerr"
	"github.com/example/family-bank/internal/ledger"
	"github.com/example/family-bank/internal/lock"
	"github.com/example/family-bank/internal/principal"
	"github.com/example/family-bank/pkg/audit"
)

// Ledger is the part of the ledger service withdrawals settle through.
type Ledger interface {
	AccountByCategory(ctx context.Context, childID string, c ledger.Category) (*ledger.Account, error)
	GetTransaction(ctx context.Context, id string) (*ledger.Transaction, error)
	RecordTransaction(ctx context.Context, req ledger.RecordRequest) (*ledger.Transaction, error)
}

type Service struct {
	store  Store
	ledger Ledger
	locker lock.Locker
	audit  audit.Recorder
	logger *slog.Logger
	now    func() time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

func WithAudit(r audit.Recorder) Option { return func(s *Service) { s.audit = r } }

func NewService(store Store, l Ledger, locker lock.Locker, opts ...Option) *Service {
	s := &Service{
		store:  store,
		ledger: l,
		locker: locker,
		audit:  audit.Nop{},
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func storeErr(op string, err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return bankerr.Wrap(bankerr.KindNotFound, op, err)
	case errors.Is(err, ErrStatusConflict):
		return bankerr.Wrap(bankerr.KindInvalidState, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// NewRequest is the input of Request.
type NewRequest struct {
	ChildID     string
	AccountType ledger.Category
	Amount      int64
	Memo        string
}

// Request files a pending withdrawal. Children may only draw on checking
// and savings; administrators may request any category.
func (s *Service) Request(ctx context.Context, req NewRequest, actor principal.Principal) (*Request, error) {
	const op = "withdrawals.Request"
	if req.Amount <= 0 {
		return nil, bankerr.Validation(op, "invalid amount %d: must be greater than zero", req.Amount)
	}
	category := req.AccountType
	if category == "" {
		category = ledger.Checking
	}
	if _, err := ledger.ParseCategory(string(category)); err != nil {
		return nil, bankerr.Validation(op, "%v", err)
	}

	switch {
	case actor.IsChild():
		if req.ChildID == "" {
			req.ChildID = actor.ChildID
		}
		if req.ChildID != actor.ChildID {
			return nil, bankerr.Forbidden(op, "children may only request withdrawals from their own accounts")
		}
		if !category.ChildRequestable() {
			return nil, bankerr.E(bankerr.KindForbiddenAccount, op, "%s withdrawals are administrator-only", category)
		}
	case actor.CanManage(req.ChildID):
	default:
		return nil, bankerr.Forbidden(op, "not allowed to request withdrawals for child %s", req.ChildID)
	}

	account, err := s.ledger.AccountByCategory(ctx, req.ChildID, category)
	if err != nil {
		return nil, err
	}
	if req.Amount > account.AvailableBalance {
		return nil, bankerr.E(bankerr.KindInsufficientFunds, op, "insufficient available balance: available %d, requested %d", account.AvailableBalance, req.Amount)
	}

	r := &Request{
		ID:            uuid.NewString(),
		ChildID:       req.ChildID,
		AccountType:   category,
		Amount:        req.Amount,
		Memo:          req.Memo,
		Status:        StatusPending,
		RequesterID:   actor.ID,
		RequesterRole: actor.Role,
		RequestedAt:   s.now().UTC(),
	}
	if err := s.store.Create(ctx, r); err != nil {
		return nil, storeErr(op, err)
	}
	s.record(ctx, actor, r, "request", "", StatusPending)
	return r, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Request, error) {
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, storeErr("withdrawals.Get", err)
	}
	return r, nil
}

// List returns requests matching f.
func (s *Service) List(ctx context.Context, f Filter) ([]*Request, error) {
	out, err := s.store.List(ctx, f)
	if err != nil {
		return nil, storeErr("withdrawals.List", err)
	}
	return out, nil
}

func (s *Service) record(ctx context.Context, actor principal.Principal, r *Request, action string, from, to Status) {
	s.audit.Record(ctx, audit.Event{
		Actor:      actor.ID,
		Role:       string(actor.Role),
		Action:     "withdrawal." + action,
		Resource:   "withdrawal",
		ResourceID: r.ID,
		ChildID:    r.ChildID,
		FromState:  string(from),
		ToState:    string(to),
		Details:    map[string]any{"amount": r.Amount, "account_type": r.AccountType},
	})
	s.logger.Info("withdrawal_transition", "id", r.ID, "action", action, "from", from, "to", to)
}

// withPending loads the request under its lock and requires it pending.
func (s *Service) withPending(ctx context.Context, op, id string, fn func(ctx context.Context, r *Request) error) error {
	return s.locker.WithLock(ctx, lock.InstrumentKey("withdrawal", id), func(ctx context.Context) error {
		r, err := s.store.Get(ctx, id)
		if err != nil {
			return storeErr(op, err)
		}
		if r.Status != StatusPending {
			return bankerr.InvalidState(op, "withdrawal %s is %s", id, r.Status)
		}
		return fn(ctx, r)
	})
}

// Cancel withdraws a pending request. Only the child who filed it may.
func (s *Service) Cancel(ctx context.Context, id string, actor principal.Principal) (*Request, error) {
	const op = "withdrawals.Cancel"
	var out *Request
	err := s.withPending(ctx, op, id, func(ctx context.Context, r *Request) error {
		if !actor.IsChild() || r.RequesterID != actor.ID {
			return bankerr.Forbidden(op, "only the requesting child may cancel withdrawal %s", id)
		}
		now := s.now().UTC()
		r.Status = StatusCancelled
		r.RespondedAt = &now
		if err := s.store.Update(ctx, r, StatusPending); err != nil {
			return storeErr(op, err)
		}
		s.record(ctx, actor, r, "cancel", StatusPending, StatusCancelled)
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) authorizeResponder(op string, actor principal.Principal, r *Request) error {
	if !actor.IsAdministrator() {
		return bankerr.Forbidden(op, "only parents and admins may respond to withdrawals")
	}
	if !actor.CanManage(r.ChildID) {
		return bankerr.Forbidden(op, "not allowed to manage child %s", r.ChildID)
	}
	return nil
}

// Approve debits the source account and marks the request approved. The
// debit requires the available balance again at approval time. When the
// debit lands but the request cannot be marked approved, the error is a
// PartialFailureError; approving again completes it without a second
// debit.
func (s *Service) Approve(ctx context.Context, id string, actor principal.Principal) (*Request, error) {
	const op = "withdrawals.Approve"
	var out *Request
	err := s.withPending(ctx, op, id, func(ctx context.Context, r *Request) error {
		if err := s.authorizeResponder(op, actor, r); err != nil {
			return err
		}
		account, err := s.ledger.AccountByCategory(ctx, r.ChildID, r.AccountType)
		if err != nil {
			return err
		}
		txID := uuid.NewSHA1(uuid.NameSpaceURL, []byte("familybank:withdrawal:"+r.ID)).String()
		if _, err := s.ledger.GetTransaction(ctx, txID); err != nil {
			if !errors.Is(err, bankerr.ErrNotFound) {
				return err
			}
			_, err := s.ledger.RecordTransaction(ctx, ledger.RecordRequest{
				ID:               txID,
				AccountID:        account.ID,
				Type:             ledger.Debit,
				Amount:           r.Amount,
				Memo:             r.Memo,
				Initiator:        principal.Principal{ID: r.RequesterID, Role: r.RequesterRole},
				RequireAvailable: true,
			})
			if err != nil {
				return err
			}
		}

		now := s.now().UTC()
		r.Status = StatusApproved
		r.RespondedAt = &now
		r.ApproverID = actor.ID
		r.TransactionID = txID
		if err := s.store.Update(ctx, r, StatusPending); err != nil {
			s.logger.Error("withdrawal_approve_incomplete", "withdrawal_id", r.ID, "transaction_id", txID, "error", err)
			return &bankerr.PartialFailureError{
				Op:        op,
				Succeeded: []string{"debit"},
				Failed:    map[string]error{"approve": storeErr(op, err)},
			}
		}
		s.record(ctx, actor, r, "approve", StatusPending, StatusApproved)
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Deny rejects a pending request, keeping the reason for display.
func (s *Service) Deny(ctx context.Context, id, reason string, actor principal.Principal) (*Request, error) {
	const op = "withdrawals.Deny"
	var out *Request
	err := s.withPending(ctx, op, id, func(ctx context.Context, r *Request) error {
		if err := s.authorizeResponder(op, actor, r); err != nil {
			return err
		}
		now := s.now().UTC()
		r.Status = StatusDenied
		r.RespondedAt = &now
		r.ApproverID = actor.ID
		r.DenialReason = reason
		if err := s.store.Update(ctx, r, StatusPending); err != nil {
			return storeErr(op, err)
		}
		s.record(ctx, actor, r, "deny", StatusPending, StatusDenied)
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
