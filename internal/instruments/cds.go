package instruments

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/family-bank/internal/bankerr"
	"github.com/example/family-bank/internal/ledger"
	"github.com/example/family-bank/internal/lock"
	"github.com/example/family-bank/internal/principal"
)

// EarlyRedemptionPenalty is the fraction of principal forfeited on early
// redemption. Accrued interest is forfeited too.
var EarlyRedemptionPenalty = decimal.RequireFromString("0.10")

// EarlyPayout returns amount minus the early-redemption penalty.
func EarlyPayout(amount int64) int64 {
	return decimal.NewFromInt(amount).Mul(decimal.NewFromInt(1).Sub(EarlyRedemptionPenalty)).Round(0).IntPart()
}

// MaturityInterest returns the interest owed at maturity, amount × rate.
func MaturityInterest(amount int64, rate float64) int64 {
	return decimal.NewFromInt(amount).Mul(decimal.NewFromFloat(rate)).Round(0).IntPart()
}

// CDOffer describes a CD an administrator offers to a child.
type CDOffer struct {
	ChildID      string
	Amount       int64
	InterestRate float64
	TermDays     int
	// AccountType funds the CD. Defaults to savings.
	AccountType ledger.Category
}

// OfferCD creates a CD in the offered state.
func (s *Service) OfferCD(ctx context.Context, req CDOffer, actor principal.Principal) (*CD, error) {
	const op = "instruments.OfferCD"
	if req.Amount <= 0 {
		return nil, bankerr.Validation(op, "invalid amount %d: must be greater than zero", req.Amount)
	}
	if req.TermDays <= 0 {
		return nil, bankerr.Validation(op, "term_days must be greater than zero")
	}
	if err := validateRate(op, req.InterestRate); err != nil {
		return nil, err
	}
	if req.ChildID == "" {
		return nil, bankerr.Validation(op, "child id is required")
	}
	category := req.AccountType
	if category == "" {
		category = ledger.Savings
	}
	if _, err := ledger.ParseCategory(string(category)); err != nil {
		return nil, bankerr.Validation(op, "%v", err)
	}
	now := s.clock()
	c := &CD{
		ID:           uuid.NewString(),
		ChildID:      req.ChildID,
		AccountType:  category,
		Amount:       req.Amount,
		InterestRate: req.InterestRate,
		TermDays:     req.TermDays,
		Status:       CDOffered,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	tr := s.transition(KindCD, c.ID, "", string(CDOffered), OpCreate, actor)
	if err := s.store.CreateCD(ctx, c, tr); err != nil {
		return nil, storeErr(op, err)
	}
	s.record(ctx, actor, KindCD, c.ID, c.ChildID, OpCreate, "", string(CDOffered), map[string]any{"amount": c.Amount, "term_days": c.TermDays})
	c.Derive(now)
	return c, nil
}

func (s *Service) GetCD(ctx context.Context, id string) (*CD, error) {
	c, err := s.store.GetCD(ctx, id)
	if err != nil {
		return nil, storeErr("instruments.GetCD", err)
	}
	c.Derive(s.clock())
	return c, nil
}

// ListCDs lists a child's CDs, or every CD when childID is empty, with
// days_left and maturation_due derived as of now.
func (s *Service) ListCDs(ctx context.Context, childID string) ([]*CD, error) {
	cds, err := s.store.ListCDs(ctx, childID)
	if err != nil {
		return nil, storeErr("instruments.ListCDs", err)
	}
	now := s.clock()
	for _, c := range cds {
		c.Derive(now)
	}
	return cds, nil
}

func (s *Service) withCD(ctx context.Context, id string, op Operation, fn func(ctx context.Context, c *CD) error) error {
	return s.locker.WithLock(ctx, lock.InstrumentKey(string(KindCD), id), func(ctx context.Context) error {
		c, err := s.store.GetCD(ctx, id)
		if err != nil {
			return storeErr("instruments."+string(op), err)
		}
		if err := ValidateCDOperation(id, c.Status, op); err != nil {
			return err
		}
		return fn(ctx, c)
	})
}

// AcceptCD holds the principal on the funding account and starts the term.
// The balance is unchanged; the available balance drops by the amount.
func (s *Service) AcceptCD(ctx context.Context, id string, actor principal.Principal) (*CD, error) {
	const op = "instruments.AcceptCD"
	var out *CD
	err := s.withCD(ctx, id, OpAccept, func(ctx context.Context, c *CD) error {
		account, err := s.ledger.AccountByCategory(ctx, c.ChildID, c.AccountType)
		if err != nil {
			return err
		}
		hold, err := s.ledger.PlaceHold(ctx, account.ID, c.Amount, "cd:"+c.ID)
		if err != nil {
			return err
		}

		now := s.clock()
		matures := now.Add(time.Duration(c.TermDays) * 24 * time.Hour)
		c.Status = CDAccepted
		c.AcceptedAt = &now
		c.MaturesAt = &matures
		c.HoldID = hold.ID
		c.UpdatedAt = now
		tr := s.transition(KindCD, c.ID, string(CDOffered), string(CDAccepted), OpAccept, actor)
		if err := s.store.UpdateCD(ctx, c, CDOffered, tr); err != nil {
			if _, rerr := s.ledger.ReleaseHold(ctx, hold.ID, ledger.Settlement{}); rerr != nil {
				s.logger.Error("cd_hold_release_failed", "cd_id", c.ID, "hold_id", hold.ID, "error", rerr)
			}
			return storeErr(op, err)
		}
		s.record(ctx, actor, KindCD, c.ID, c.ChildID, OpAccept, string(CDOffered), string(CDAccepted),
			map[string]any{"hold_id": hold.ID, "matures_at": matures})
		c.Derive(now)
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RejectCD declines an offered CD. No ledger effect.
func (s *Service) RejectCD(ctx context.Context, id string, actor principal.Principal) (*CD, error) {
	var out *CD
	err := s.withCD(ctx, id, OpReject, func(ctx context.Context, c *CD) error {
		now := s.clock()
		c.Status = CDRejected
		c.UpdatedAt = now
		tr := s.transition(KindCD, c.ID, string(CDOffered), string(CDRejected), OpReject, actor)
		if err := s.store.UpdateCD(ctx, c, CDOffered, tr); err != nil {
			return storeErr("instruments.RejectCD", err)
		}
		s.record(ctx, actor, KindCD, c.ID, c.ChildID, OpReject, string(CDOffered), string(CDRejected), nil)
		c.Derive(now)
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RedeemCDEarly settles an accepted CD before maturity: the hold is
// released and the penalty is debited, so the funding account keeps
// amount × 0.90. Fails with InvalidState at or after maturity.
func (s *Service) RedeemCDEarly(ctx context.Context, id string, actor principal.Principal) (*CD, error) {
	const op = "instruments.RedeemCDEarly"
	var out *CD
	err := s.withCD(ctx, id, OpRedeemEarly, func(ctx context.Context, c *CD) error {
		now := s.clock()
		if c.MaturesAt == nil || !now.Before(*c.MaturesAt) {
			return bankerr.InvalidState(op, "cd %s has reached maturity and is owed a maturation settlement", c.ID)
		}
		payout := EarlyPayout(c.Amount)
		penalty := c.Amount - payout
		err := s.settle(ctx, c, OpRedeemEarly, ledger.Settlement{
			Type:      ledger.Debit,
			Amount:    penalty,
			Memo:      "CD early redemption penalty",
			Initiator: actor,
		})
		if err != nil {
			return err
		}
		if err := s.finish(ctx, c, CDRedeemedEarly, OpRedeemEarly, payout, actor); err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MatureCD settles an accepted CD at or after maturity: the hold is
// released and the interest is credited, so the funding account gains
// amount × rate on top of the returned principal. It is the contract for
// the external maturation scheduler.
func (s *Service) MatureCD(ctx context.Context, id string, actor principal.Principal) (*CD, error) {
	const op = "instruments.MatureCD"
	var out *CD
	err := s.withCD(ctx, id, OpMature, func(ctx context.Context, c *CD) error {
		now := s.clock()
		if c.MaturesAt == nil || now.Before(*c.MaturesAt) {
			return bankerr.InvalidState(op, "cd %s matures at %v", c.ID, c.MaturesAt)
		}
		interest := MaturityInterest(c.Amount, c.InterestRate)
		err := s.settle(ctx, c, OpMature, ledger.Settlement{
			Type:      ledger.Credit,
			Amount:    interest,
			Memo:      "CD interest",
			Initiator: actor,
		})
		if err != nil {
			return err
		}
		if err := s.finish(ctx, c, CDMatured, OpMature, c.Amount+interest, actor); err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// settle releases the CD's hold with st. A hold already released together
// with this settlement's transaction means an earlier attempt got that
// far; the caller then only finishes the status change.
func (s *Service) settle(ctx context.Context, c *CD, op Operation, st ledger.Settlement) error {
	st.ID = settlementID(KindCD, c.ID, op)
	_, err := s.ledger.ReleaseHold(ctx, c.HoldID, st)
	if err == nil {
		return nil
	}
	if !errors.Is(err, bankerr.ErrInvalidState) {
		return err
	}
	if st.Amount == 0 {
		return nil
	}
	if _, gerr := s.ledger.GetTransaction(ctx, st.ID); gerr == nil {
		return nil
	}
	return err
}

func (s *Service) finish(ctx context.Context, c *CD, to CDStatus, op Operation, payout int64, actor principal.Principal) error {
	now := s.clock()
	c.Status = to
	c.Payout = &payout
	c.SettledAt = &now
	c.UpdatedAt = now
	tr := s.transition(KindCD, c.ID, string(CDAccepted), string(to), op, actor)
	if err := s.store.UpdateCD(ctx, c, CDAccepted, tr); err != nil {
		return storeErr("instruments."+string(op), err)
	}
	s.record(ctx, actor, KindCD, c.ID, c.ChildID, op, string(CDAccepted), string(to), map[string]any{"payout": payout})
	c.Derive(now)
	return nil
}

// MatureDue matures every accepted CD whose term has ended. It keeps going
// past individual failures and reports them joined.
func (s *Service) MatureDue(ctx context.Context, actor principal.Principal) ([]*CD, error) {
	due, err := s.store.ListCDsDue(ctx, s.clock())
	if err != nil {
		return nil, storeErr("instruments.MatureDue", err)
	}
	matured := []*CD{}
	var errs []error
	for _, c := range due {
		m, err := s.MatureCD(ctx, c.ID, actor)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		matured = append(matured, m)
	}
	return matured, errors.Join(errs...)
}
