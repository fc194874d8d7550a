// Package rates applies a bundle of per-child rate changes as independent
// sub-operations and reports each one's result. There is no rollback: a
// bundle can end partially applied, and the outcome says exactly which
// fields took effect.
package rates

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/example/family-bank/internal/bankerr"
	"github.com/example/family-bank/internal/ledger"
	"github.com/example/family-bank/internal/principal"
)

type Field string

const (
	FieldSavings        Field = "savings_rate"
	FieldCollegeSavings Field = "college_savings_rate"
	FieldPenalty        Field = "penalty_rate"
	FieldCDPenalty      Field = "cd_penalty_rate"
)

// Fields lists bundle fields in the order they are applied.
var Fields = []Field{FieldSavings, FieldCollegeSavings, FieldPenalty, FieldCDPenalty}

var hundred = decimal.NewFromInt(100)

// Input carries rates as the user typed them, in percent. Empty means
// unchanged.
type Input struct {
	SavingsRate        string
	CollegeSavingsRate string
	PenaltyRate        string
	CDPenaltyRate      string
}

// Bundle carries rates as fractions. Nil means unchanged.
type Bundle struct {
	SavingsRate        *float64
	CollegeSavingsRate *float64
	PenaltyRate        *float64
	CDPenaltyRate      *float64
}

func (b Bundle) get(f Field) *float64 {
	switch f {
	case FieldSavings:
		return b.SavingsRate
	case FieldCollegeSavings:
		return b.CollegeSavingsRate
	case FieldPenalty:
		return b.PenaltyRate
	case FieldCDPenalty:
		return b.CDPenaltyRate
	}
	return nil
}

// Empty reports whether the bundle changes nothing.
func (b Bundle) Empty() bool {
	for _, f := range Fields {
		if b.get(f) != nil {
			return false
		}
	}
	return true
}

// FromPercent converts a displayed percent to the fraction submitted to the
// server. It is the exact inverse of ToPercent.
func FromPercent(text string) (float64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(text))
	if err != nil {
		return 0, fmt.Errorf("%q is not a number", text)
	}
	frac := d.Div(hundred)
	f, _ := frac.Float64()
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, fmt.Errorf("%q is out of range", text)
	}
	if f == 0 && !frac.IsZero() {
		return 0, fmt.Errorf("%q is too small to represent", text)
	}
	return f, nil
}

// ToPercent renders a fraction as percent text.
func ToPercent(fraction float64) string {
	return decimal.NewFromFloat(fraction).Mul(hundred).String()
}

// ParseInput validates every field before anything is sent. All problems
// are reported together as one validation error.
func ParseInput(in Input) (Bundle, error) {
	const op = "rates.ParseInput"
	var b Bundle
	var problems []string
	parse := func(f Field, text string, dst **float64) {
		if strings.TrimSpace(text) == "" {
			return
		}
		v, err := FromPercent(text)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", f, err))
			return
		}
		*dst = &v
	}
	parse(FieldSavings, in.SavingsRate, &b.SavingsRate)
	parse(FieldCollegeSavings, in.CollegeSavingsRate, &b.CollegeSavingsRate)
	parse(FieldPenalty, in.PenaltyRate, &b.PenaltyRate)
	parse(FieldCDPenalty, in.CDPenaltyRate, &b.CDPenaltyRate)
	if len(problems) > 0 {
		return Bundle{}, bankerr.Validation(op, "%s", strings.Join(problems, "; "))
	}
	if err := b.Validate(); err != nil {
		return Bundle{}, err
	}
	return b, nil
}

// Validate checks every present rate is finite and >= 0.
func (b Bundle) Validate() error {
	var problems []string
	for _, f := range Fields {
		v := b.get(f)
		switch {
		case v == nil:
		case math.IsInf(*v, 0) || math.IsNaN(*v):
			problems = append(problems, fmt.Sprintf("%s: must be a finite number", f))
		case *v < 0:
			problems = append(problems, fmt.Sprintf("%s: must be >= 0", f))
		}
	}
	if len(problems) > 0 {
		return bankerr.Validation("rates.Validate", "%s", strings.Join(problems, "; "))
	}
	return nil
}

// Setter performs the individual rate changes. The HTTP client implements
// it for remote use; Local adapts the ledger service in process.
type Setter interface {
	SetInterestRate(ctx context.Context, childID string, c ledger.Category, rate float64) (*ledger.Account, error)
	SetPenaltyInterestRate(ctx context.Context, childID string, c ledger.Category, rate float64) (*ledger.Account, error)
	SetCDPenaltyRate(ctx context.Context, childID string, rate float64) (*ledger.Account, error)
}

// FieldResult is the result of one sub-operation.
type FieldResult struct {
	Field Field   `json:"field"`
	Rate  float64 `json:"rate"`
	Err   error   `json:"-"`
}

func (r FieldResult) OK() bool { return r.Err == nil }

// Outcome aggregates the sub-operation results of one bundle.
type Outcome struct {
	ChildID string
	Results []FieldResult
}

func (o *Outcome) Succeeded() []Field {
	var out []Field
	for _, r := range o.Results {
		if r.OK() {
			out = append(out, r.Field)
		}
	}
	return out
}

func (o *Outcome) Failed() []Field {
	var out []Field
	for _, r := range o.Results {
		if !r.OK() {
			out = append(out, r.Field)
		}
	}
	return out
}

// Err summarizes the outcome: nil when every sub-operation succeeded, the
// joined field errors when none did, and a PartialFailureError otherwise.
func (o *Outcome) Err() error {
	failed := map[string]error{}
	var succeeded []string
	var errs []error
	for _, r := range o.Results {
		if r.OK() {
			succeeded = append(succeeded, string(r.Field))
			continue
		}
		failed[string(r.Field)] = r.Err
		errs = append(errs, fmt.Errorf("%s: %w", r.Field, r.Err))
	}
	switch {
	case len(failed) == 0:
		return nil
	case len(succeeded) == 0:
		return errors.Join(errs...)
	}
	return &bankerr.PartialFailureError{Op: "rates.Apply", Succeeded: succeeded, Failed: failed}
}

// Apply validates b and then issues one call per present field, in Fields
// order, continuing past failures. The returned error is Outcome.Err, or a
// validation error when nothing was sent.
func Apply(ctx context.Context, s Setter, childID string, b Bundle) (*Outcome, error) {
	if childID == "" {
		return nil, bankerr.Validation("rates.Apply", "child id is required")
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	o := &Outcome{ChildID: childID}
	for _, f := range Fields {
		v := b.get(f)
		if v == nil {
			continue
		}
		var err error
		switch f {
		case FieldSavings:
			_, err = s.SetInterestRate(ctx, childID, ledger.Savings, *v)
		case FieldCollegeSavings:
			_, err = s.SetInterestRate(ctx, childID, ledger.CollegeSavings, *v)
		case FieldPenalty:
			_, err = s.SetPenaltyInterestRate(ctx, childID, ledger.Checking, *v)
		case FieldCDPenalty:
			_, err = s.SetCDPenaltyRate(ctx, childID, *v)
		}
		o.Results = append(o.Results, FieldResult{Field: f, Rate: *v, Err: err})
	}
	return o, o.Err()
}

// Local applies rate changes through the in-process ledger as actor.
type Local struct {
	Ledger *ledger.Service
	Actor  principal.Principal
}

func (l Local) SetInterestRate(ctx context.Context, childID string, c ledger.Category, rate float64) (*ledger.Account, error) {
	return l.Ledger.SetInterestRate(ctx, childID, c, rate, l.Actor)
}

func (l Local) SetPenaltyInterestRate(ctx context.Context, childID string, c ledger.Category, rate float64) (*ledger.Account, error) {
	return l.Ledger.SetPenaltyInterestRate(ctx, childID, c, rate, l.Actor)
}

func (l Local) SetCDPenaltyRate(ctx context.Context, childID string, rate float64) (*ledger.Account, error) {
	return l.Ledger.SetCDPenaltyRate(ctx, childID, rate, l.Actor)
}
