package instruments

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/example/family-bank/internal/storage"
)

var (
	ErrNotFound = errors.New("instrument not found")
	// ErrStatusConflict means the row was no longer in the expected status.
	ErrStatusConflict = errors.New("instrument status changed concurrently")
)

// Store persists loans, CDs and their transition journals. Update methods
// compare-and-set on status: they fail with ErrStatusConflict when the
// stored status differs from `from`. A non-nil transition is appended in
// the same database transaction.
type Store interface {
	CreateLoan(ctx context.Context, l *Loan, tr *StateTransition) error
	GetLoan(ctx context.Context, id string) (*Loan, error)
	ListLoans(ctx context.Context, childID string) ([]*Loan, error)
	UpdateLoan(ctx context.Context, l *Loan, from LoanStatus, tr *StateTransition) error

	CreateCD(ctx context.Context, c *CD, tr *StateTransition) error
	GetCD(ctx context.Context, id string) (*CD, error)
	ListCDs(ctx context.Context, childID string) ([]*CD, error)
	ListCDsDue(ctx context.Context, now time.Time) ([]*CD, error)
	UpdateCD(ctx context.Context, c *CD, from CDStatus, tr *StateTransition) error

	Transitions(ctx context.Context, kind Kind, id string) ([]*StateTransition, error)
}

// Schema creates the instrument tables. It is valid for sqlite and Postgres.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS loans (
		id TEXT PRIMARY KEY,
		child_id TEXT NOT NULL,
		amount BIGINT NOT NULL CHECK (amount > 0),
		purpose TEXT NOT NULL DEFAULT '',
		interest_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		principal_remaining BIGINT NOT NULL CHECK (principal_remaining >= 0),
		terms TEXT NOT NULL DEFAULT '',
		disbursement_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS loans_child ON loans (child_id)`,
	`CREATE TABLE IF NOT EXISTS cd_offers (
		id TEXT PRIMARY KEY,
		child_id TEXT NOT NULL,
		account_type TEXT NOT NULL,
		amount BIGINT NOT NULL CHECK (amount > 0),
		interest_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
		term_days INTEGER NOT NULL CHECK (term_days > 0),
		status TEXT NOT NULL,
		accepted_at TIMESTAMP,
		matures_at TIMESTAMP,
		hold_id TEXT NOT NULL DEFAULT '',
		payout BIGINT,
		settled_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS cd_offers_child ON cd_offers (child_id)`,
	`CREATE TABLE IF NOT EXISTS instrument_transitions (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		instrument_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		from_state TEXT NOT NULL,
		to_state TEXT NOT NULL,
		operation TEXT NOT NULL,
		transition_hash TEXT NOT NULL,
		prev_hash TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		created_by TEXT NOT NULL,
		UNIQUE (kind, instrument_id, seq)
	)`,
}

// SQLStore implements Store on database/sql.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Migrate(ctx context.Context) error {
	return storage.Migrate(ctx, s.db, Schema)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type scanner interface {
	Scan(dest ...any) error
}

const loanColumns = `id, child_id, amount, purpose, interest_rate, status, principal_remaining, terms, disbursement_id, created_at, updated_at`

func scanLoan(row scanner) (*Loan, error) {
	var l Loan
	err := row.Scan(&l.ID, &l.ChildID, &l.Amount, &l.Purpose, &l.InterestRate, &l.Status,
		&l.PrincipalRemaining, &l.Terms, &l.DisbursementID, &l.CreatedAt, &l.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	l.CreatedAt, l.UpdatedAt = l.CreatedAt.UTC(), l.UpdatedAt.UTC()
	return &l, nil
}

func (s *SQLStore) CreateLoan(ctx context.Context, l *Loan, tr *StateTransition) error {
	return storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO loans (`+loanColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			l.ID, l.ChildID, l.Amount, l.Purpose, l.InterestRate, string(l.Status),
			l.PrincipalRemaining, l.Terms, l.DisbursementID, l.CreatedAt.UTC(), l.UpdatedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to insert loan: %w", err)
		}
		return appendTransition(ctx, tx, tr)
	})
}

func (s *SQLStore) GetLoan(ctx context.Context, id string) (*Loan, error) {
	return scanLoan(s.db.QueryRowContext(ctx, `SELECT `+loanColumns+` FROM loans WHERE id = $1`, id))
}

func (s *SQLStore) ListLoans(ctx context.Context, childID string) ([]*Loan, error) {
	query := `SELECT ` + loanColumns + ` FROM loans`
	var args []any
	if childID != "" {
		query += ` WHERE child_id = $1`
		args = append(args, childID)
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list loans: %w", err)
	}
	defer rows.Close()
	out := []*Loan{}
	for rows.Next() {
		l, err := scanLoan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *SQLStore) UpdateLoan(ctx context.Context, l *Loan, from LoanStatus, tr *StateTransition) error {
	return storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE loans SET interest_rate = $1, status = $2, principal_remaining = $3,
			terms = $4, disbursement_id = $5, updated_at = $6 WHERE id = $7 AND status = $8`,
			l.InterestRate, string(l.Status), l.PrincipalRemaining, l.Terms, l.DisbursementID,
			l.UpdatedAt.UTC(), l.ID, string(from))
		if err != nil {
			return fmt.Errorf("failed to update loan: %w", err)
		}
		if err := checkCAS(ctx, tx, res, "loans", l.ID); err != nil {
			return err
		}
		return appendTransition(ctx, tx, tr)
	})
}

const cdColumns = `id, child_id, account_type, amount, interest_rate, term_days, status, accepted_at, matures_at, hold_id, payout, settled_at, created_at, updated_at`

func scanCD(row scanner) (*CD, error) {
	var c CD
	var acceptedAt, maturesAt, settledAt sql.NullTime
	var payout sql.NullInt64
	err := row.Scan(&c.ID, &c.ChildID, &c.AccountType, &c.Amount, &c.InterestRate, &c.TermDays, &c.Status,
		&acceptedAt, &maturesAt, &c.HoldID, &payout, &settledAt, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.AcceptedAt = storage.TimePtr(acceptedAt)
	c.MaturesAt = storage.TimePtr(maturesAt)
	c.SettledAt = storage.TimePtr(settledAt)
	if payout.Valid {
		p := payout.Int64
		c.Payout = &p
	}
	c.CreatedAt, c.UpdatedAt = c.CreatedAt.UTC(), c.UpdatedAt.UTC()
	return &c, nil
}

func nullInt(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func (s *SQLStore) CreateCD(ctx context.Context, c *CD, tr *StateTransition) error {
	return storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO cd_offers (`+cdColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			c.ID, c.ChildID, string(c.AccountType), c.Amount, c.InterestRate, c.TermDays, string(c.Status),
			storage.NullTime(c.AcceptedAt), storage.NullTime(c.MaturesAt), c.HoldID, nullInt(c.Payout),
			storage.NullTime(c.SettledAt), c.CreatedAt.UTC(), c.UpdatedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to insert cd: %w", err)
		}
		return appendTransition(ctx, tx, tr)
	})
}

func (s *SQLStore) GetCD(ctx context.Context, id string) (*CD, error) {
	return scanCD(s.db.QueryRowContext(ctx, `SELECT `+cdColumns+` FROM cd_offers WHERE id = $1`, id))
}

func (s *SQLStore) listCDs(ctx context.Context, where string, args ...any) ([]*CD, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+cdColumns+` FROM cd_offers`+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list cds: %w", err)
	}
	defer rows.Close()
	out := []*CD{}
	for rows.Next() {
		c, err := scanCD(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLStore) ListCDs(ctx context.Context, childID string) ([]*CD, error) {
	if childID == "" {
		return s.listCDs(ctx, "")
	}
	return s.listCDs(ctx, ` WHERE child_id = $1`, childID)
}

// ListCDsDue returns accepted CDs whose maturity is at or before now. The
// time comparison runs in Go since sqlite stores timestamps as text.
func (s *SQLStore) ListCDsDue(ctx context.Context, now time.Time) ([]*CD, error) {
	accepted, err := s.listCDs(ctx, ` WHERE status = $1`, string(CDAccepted))
	if err != nil {
		return nil, err
	}
	due := []*CD{}
	for _, c := range accepted {
		if c.MaturesAt != nil && !now.Before(*c.MaturesAt) {
			due = append(due, c)
		}
	}
	return due, nil
}

func (s *SQLStore) UpdateCD(ctx context.Context, c *CD, from CDStatus, tr *StateTransition) error {
	return storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE cd_offers SET status = $1, accepted_at = $2, matures_at = $3,
			hold_id = $4, payout = $5, settled_at = $6, updated_at = $7 WHERE id = $8 AND status = $9`,
			string(c.Status), storage.NullTime(c.AcceptedAt), storage.NullTime(c.MaturesAt), c.HoldID,
			nullInt(c.Payout), storage.NullTime(c.SettledAt), c.UpdatedAt.UTC(), c.ID, string(from))
		if err != nil {
			return fmt.Errorf("failed to update cd: %w", err)
		}
		if err := checkCAS(ctx, tx, res, "cd_offers", c.ID); err != nil {
			return err
		}
		return appendTransition(ctx, tx, tr)
	})
}

// checkCAS tells a missing row from a status mismatch.
func checkCAS(ctx context.Context, tx *sql.Tx, res sql.Result, table, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM `+table+` WHERE id = $1`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrStatusConflict
}

const transitionColumns = `id, kind, instrument_id, from_state, to_state, operation, transition_hash, prev_hash, created_at, created_by`

func scanTransition(row scanner) (*StateTransition, error) {
	var t StateTransition
	err := row.Scan(&t.ID, &t.Kind, &t.InstrumentID, &t.FromState, &t.ToState, &t.Operation,
		&t.TransitionHash, &t.PrevHash, &t.CreatedAt, &t.CreatedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.CreatedAt = t.CreatedAt.UTC()
	return &t, nil
}

// appendTransition chains tr onto the instrument's latest transition and
// stores it.
func appendTransition(ctx context.Context, q querier, tr *StateTransition) error {
	if tr == nil {
		return nil
	}
	var seq int
	latest, err := scanTransition(q.QueryRowContext(ctx, `SELECT `+transitionColumns+` FROM instrument_transitions
		WHERE kind = $1 AND instrument_id = $2 ORDER BY seq DESC LIMIT 1`, string(tr.Kind), tr.InstrumentID))
	switch {
	case errors.Is(err, ErrNotFound):
		tr.PrevHash = ""
	case err != nil:
		return fmt.Errorf("failed to get latest transition: %w", err)
	default:
		tr.PrevHash = latest.TransitionHash
		if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM instrument_transitions WHERE kind = $1 AND instrument_id = $2`,
			string(tr.Kind), tr.InstrumentID).Scan(&seq); err != nil {
			return fmt.Errorf("failed to count transitions: %w", err)
		}
	}
	tr.TransitionHash = calculateTransitionHash(tr)
	_, err = q.ExecContext(ctx, `INSERT INTO instrument_transitions (id, kind, instrument_id, seq, from_state, to_state,
		operation, transition_hash, prev_hash, created_at, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		tr.ID, string(tr.Kind), tr.InstrumentID, seq, tr.FromState, tr.ToState, string(tr.Operation),
		tr.TransitionHash, tr.PrevHash, tr.CreatedAt.UTC(), tr.CreatedBy)
	if err != nil {
		return fmt.Errorf("failed to create transition: %w", err)
	}
	return nil
}

func (s *SQLStore) Transitions(ctx context.Context, kind Kind, id string) ([]*StateTransition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+transitionColumns+` FROM instrument_transitions
		WHERE kind = $1 AND instrument_id = $2 ORDER BY seq`, string(kind), id)
	if err != nil {
		return nil, fmt.Errorf("failed to list transitions: %w", err)
	}
	defer rows.Close()
	out := []*StateTransition{}
	for rows.Next() {
		t, err := scanTransition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
