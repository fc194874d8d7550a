package ledger

import (
	"context"

	"github.com/google/uuid"

	"github.com/example/family-bank/internal/bankerr"
	"github.com/example/family-bank/internal/lock"
	"github.com/example/family-bank/internal/principal"
)

// SetInterestRate changes the interest rate of one of the child's accounts.
// The change applies going forward only.
func (s *Service) SetInterestRate(ctx context.Context, childID string, c Category, rate float64, actor principal.Principal) (*Account, error) {
	return s.setRate(ctx, "ledger.SetInterestRate", childID, c, FieldInterestRate, rate, actor)
}

// SetPenaltyInterestRate changes the penalty rate applied while the account
// is overdrawn.
func (s *Service) SetPenaltyInterestRate(ctx context.Context, childID string, c Category, rate float64, actor principal.Principal) (*Account, error) {
	return s.setRate(ctx, "ledger.SetPenaltyInterestRate", childID, c, FieldPenaltyInterestRate, rate, actor)
}

// SetCDPenaltyRate records the child's CD penalty rate on the checking
// account, which carries child-level settings.
func (s *Service) SetCDPenaltyRate(ctx context.Context, childID string, rate float64, actor principal.Principal) (*Account, error) {
	return s.setRate(ctx, "ledger.SetCDPenaltyRate", childID, Checking, FieldCDPenaltyRate, rate, actor)
}

func (s *Service) setRate(ctx context.Context, op, childID string, c Category, field RateField, rate float64, actor principal.Principal) (*Account, error) {
	if rate < 0 {
		return nil, bankerr.Validation(op, "rate must be >= 0, got %v", rate)
	}
	if _, err := ParseCategory(string(c)); err != nil {
		return nil, bankerr.Validation(op, "%v", err)
	}
	a, err := s.AccountByCategory(ctx, childID, c)
	if err != nil {
		return nil, err
	}

	err = s.locker.WithLock(ctx, lock.AccountKey(a.ID), func(ctx context.Context) error {
		current, err := s.store.GetAccount(ctx, a.ID)
		if err != nil {
			return storeErr(op, err)
		}
		change := &RateChange{
			ID:          uuid.NewString(),
			AccountID:   a.ID,
			Field:       field,
			OldRate:     currentRate(current, field),
			NewRate:     rate,
			EffectiveAt: s.Now(),
			ChangedBy:   actor.ID,
		}
		if err := s.store.ApplyRateChange(ctx, change); err != nil {
			return storeErr(op, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("rate_changed", "child_id", childID, "account_type", c, "field", field, "rate", rate)
	return s.GetAccount(ctx, a.ID)
}

func currentRate(a *Account, field RateField) *float64 {
	switch field {
	case FieldInterestRate:
		r := a.InterestRate
		return &r
	case FieldPenaltyInterestRate:
		return a.PenaltyInterestRate
	case FieldCDPenaltyRate:
		return a.CDPenaltyRate
	}
	return nil
}

// RateHistory lists the rate changes of an account, oldest first.
func (s *Service) RateHistory(ctx context.Context, accountID string) ([]*RateChange, error) {
	if _, err := s.store.GetAccount(ctx, accountID); err != nil {
		return nil, storeErr("ledger.RateHistory", err)
	}
	return s.store.RateHistory(ctx, accountID)
}
