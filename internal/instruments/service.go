package instruments

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

// Ledger is the part of the ledger service the instrument engine settles
// through. *ledger.Service implements it.
type Ledger interface {
	AccountByCategory(ctx context.Context, childID string, c ledger.Category) (*ledger.Account, error)
	GetTransaction(ctx context.Context, id string) (*ledger.Transaction, error)
	RecordTransaction(ctx context.Context, req ledger.RecordRequest) (*ledger.Transaction, error)
	PlaceHold(ctx context.Context, accountID string, amount int64, reference string) (*ledger.Hold, error)
	ReleaseHold(ctx context.Context, holdID string, st ledger.Settlement) (*ledger.Transaction, error)
}

// Service runs loan and CD operations. Each operation holds the
// instrument's lock; ledger effects then take the account lock, so the
// lock order is always instrument before account.
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

func (s *Service) clock() time.Time { return s.now().UTC() }

// settlementID derives a stable ledger transaction id for an instrument's
// settlement so a retried settlement is recognized.
func settlementID(kind Kind, id string, op Operation) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("familybank:%s:%s:%s", kind, id, op))).String()
}

func (s *Service) transition(kind Kind, id, from, to string, op Operation, actor principal.Principal) *StateTransition {
	return &StateTransition{
		ID:           uuid.NewString(),
		Kind:         kind,
		InstrumentID: id,
		FromState:    from,
		ToState:      to,
		Operation:    op,
		CreatedAt:    s.clock().Truncate(time.Microsecond),
		CreatedBy:    actor.ID,
	}
}

func (s *Service) record(ctx context.Context, actor principal.Principal, kind Kind, id, childID string, op Operation, from, to string, details map[string]any) {
	s.audit.Record(ctx, audit.Event{
		Actor:      actor.ID,
		Role:       string(actor.Role),
		Action:     string(kind) + "." + string(op),
		Resource:   string(kind),
		ResourceID: id,
		ChildID:    childID,
		FromState:  from,
		ToState:    to,
		Details:    details,
	})
	s.logger.Info("instrument_transition", "kind", kind, "id", id, "operation", op, "from", from, "to", to)
}

// storeErr classifies store failures for callers.
func storeErr(op string, err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return bankerr.Wrap(bankerr.KindNotFound, op, err)
	case errors.Is(err, ErrStatusConflict):
		return bankerr.Wrap(bankerr.KindInvalidState, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Transitions returns the verified transition journal of an instrument.
func (s *Service) Transitions(ctx context.Context, kind Kind, id string) ([]*StateTransition, error) {
	history, err := s.store.Transitions(ctx, kind, id)
	if err != nil {
		return nil, storeErr("instruments.Transitions", err)
	}
	if err := VerifyTransitions(history); err != nil {
		return nil, fmt.Errorf("instruments.Transitions: %w", err)
	}
	return history, nil
}

func validateRate(op string, rate float64) error {
	if rate < 0 {
		return bankerr.Validation(op, "interest rate must be >= 0, got %v", rate)
	}
	return nil
}
