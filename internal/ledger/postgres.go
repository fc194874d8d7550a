package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Pool is the subset of *pgxpool.Pool used by the Postgres stores.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

const (
	queryTimeout = 5 * time.Second
	maxRetries   = 3
)

// Schema creates the ledger tables.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS child_accounts (
		id TEXT PRIMARY KEY,
		child_id TEXT NOT NULL,
		account_type TEXT NOT NULL CHECK (account_type IN ('checking', 'savings', 'college_savings')),
		balance BIGINT NOT NULL DEFAULT 0,
		interest_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
		lockup_period_days INTEGER,
		penalty_interest_rate DOUBLE PRECISION,
		cd_penalty_rate DOUBLE PRECISION,
		created_at TIMESTAMPTZ NOT NULL,
		UNIQUE (child_id, account_type)
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_transactions (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES child_accounts(id) ON DELETE RESTRICT,
		child_id TEXT NOT NULL,
		type TEXT NOT NULL CHECK (type IN ('credit', 'debit')),
		amount BIGINT NOT NULL CHECK (amount > 0),
		memo TEXT NOT NULL DEFAULT '',
		initiator_id TEXT NOT NULL DEFAULT '',
		initiator_role TEXT NOT NULL DEFAULT '',
		ts TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS ledger_transactions_account_ts ON ledger_transactions (account_id, ts)`,
	`CREATE TABLE IF NOT EXISTS account_holds (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES child_accounts(id) ON DELETE RESTRICT,
		amount BIGINT NOT NULL CHECK (amount > 0),
		reference TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		released_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS rate_changes (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES child_accounts(id) ON DELETE CASCADE,
		field TEXT NOT NULL,
		old_rate DOUBLE PRECISION,
		new_rate DOUBLE PRECISION NOT NULL,
		effective_at TIMESTAMPTZ NOT NULL,
		changed_by TEXT NOT NULL DEFAULT ''
	)`,
}

// PostgresStore is the durable Store.
type PostgresStore struct {
	pool Pool
}

func NewPostgresStore(pool Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies Schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	for _, stmt := range Schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute migration: %w", err)
		}
	}
	return nil
}

// withTx runs fn in a SERIALIZABLE transaction, retrying serialization
// failures.
func (s *PostgresStore) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err = func() error {
			queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
			defer cancel()
			return pgx.BeginTxFunc(queryCtx, s.pool, pgx.TxOptions{
				IsoLevel:   pgx.Serializable,
				AccessMode: pgx.ReadWrite,
			}, fn)
		}()
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "40001" {
			time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
			continue
		}
		return err
	}
	return fmt.Errorf("transaction failed after %d retries due to serialization failure: %w", maxRetries, err)
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

const accountColumns = `a.id, a.child_id, a.account_type, a.balance, a.interest_rate,
	a.lockup_period_days, a.penalty_interest_rate, a.cd_penalty_rate, a.created_at,
	COALESCE((SELECT SUM(h.amount) FROM account_holds h WHERE h.account_id = a.id AND h.released_at IS NULL), 0)`

func scanAccount(row pgx.Row) (*Account, error) {
	var a Account
	var lockup *int32
	err := row.Scan(&a.ID, &a.ChildID, &a.Category, &a.Balance, &a.InterestRate,
		&lockup, &a.PenaltyInterestRate, &a.CDPenaltyRate, &a.CreatedAt, &a.Held)
	if err != nil {
		return nil, notFound(err)
	}
	if lockup != nil {
		d := int(*lockup)
		a.LockupPeriodDays = &d
	}
	a.CreatedAt = a.CreatedAt.UTC()
	a.AvailableBalance = a.Balance - a.Held
	return &a, nil
}

func (s *PostgresStore) CreateAccounts(ctx context.Context, accounts []*Account) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		for _, a := range accounts {
			_, err := tx.Exec(ctx, `
				INSERT INTO child_accounts (id, child_id, account_type, balance, interest_rate,
					lockup_period_days, penalty_interest_rate, cd_penalty_rate, created_at)
				VALUES ($1, $2, $3, 0, $4, $5, $6, $7, $8)`,
				a.ID, a.ChildID, a.Category, a.InterestRate, a.LockupPeriodDays,
				a.PenaltyInterestRate, a.CDPenaltyRate, a.CreatedAt)
			if err != nil {
				return fmt.Errorf("failed to insert account: %w", err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	return scanAccount(s.pool.QueryRow(queryCtx, `SELECT `+accountColumns+` FROM child_accounts a WHERE a.id = $1`, id))
}

func (s *PostgresStore) ListAccounts(ctx context.Context, childID string) ([]*Account, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	rows, err := s.pool.Query(queryCtx, `SELECT `+accountColumns+` FROM child_accounts a WHERE a.child_id = $1 ORDER BY a.account_type`, childID)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()
	var out []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// adjustBalance locks the account row and applies delta.
func adjustBalance(ctx context.Context, tx pgx.Tx, accountID string, delta int64) error {
	var id string
	if err := tx.QueryRow(ctx, `SELECT id FROM child_accounts WHERE id = $1 FOR UPDATE`, accountID).Scan(&id); err != nil {
		return notFound(err)
	}
	if _, err := tx.Exec(ctx, `UPDATE child_accounts SET balance = balance + $1 WHERE id = $2`, delta, accountID); err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	return nil
}

func insertTransaction(ctx context.Context, tx pgx.Tx, t *Transaction) error {
	if err := adjustBalance(ctx, tx, t.AccountID, t.Signed()); err != nil {
		return err
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO ledger_transactions (id, account_id, child_id, type, amount, memo, initiator_id, initiator_role, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		t.ID, t.AccountID, t.ChildID, t.Type, t.Amount, t.Memo, t.InitiatorID, t.InitiatorRole, t.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertTransaction(ctx context.Context, t *Transaction) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		return insertTransaction(ctx, tx, t)
	})
}

const transactionColumns = `id, account_id, child_id, type, amount, memo, initiator_id, initiator_role, ts`

func scanTransaction(row pgx.Row) (*Transaction, error) {
	var t Transaction
	err := row.Scan(&t.ID, &t.AccountID, &t.ChildID, &t.Type, &t.Amount, &t.Memo,
		&t.InitiatorID, &t.InitiatorRole, &t.Timestamp)
	if err != nil {
		return nil, notFound(err)
	}
	t.Timestamp = t.Timestamp.UTC()
	return &t, nil
}

func (s *PostgresStore) UpdateTransaction(ctx context.Context, t *Transaction) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		old, err := scanTransaction(tx.QueryRow(ctx, `SELECT `+transactionColumns+` FROM ledger_transactions WHERE id = $1 FOR UPDATE`, t.ID))
		if err != nil {
			return err
		}
		if err := adjustBalance(ctx, tx, old.AccountID, t.Signed()-old.Signed()); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `UPDATE ledger_transactions SET type = $1, amount = $2, memo = $3 WHERE id = $4`,
			t.Type, t.Amount, t.Memo, t.ID)
		if err != nil {
			return fmt.Errorf("failed to update transaction: %w", err)
		}
		t.AccountID = old.AccountID
		return nil
	})
}

func (s *PostgresStore) DeleteTransaction(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		old, err := scanTransaction(tx.QueryRow(ctx, `SELECT `+transactionColumns+` FROM ledger_transactions WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		if err := adjustBalance(ctx, tx, old.AccountID, -old.Signed()); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM ledger_transactions WHERE id = $1`, id); err != nil {
			return fmt.Errorf("failed to delete transaction: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	return scanTransaction(s.pool.QueryRow(queryCtx, `SELECT `+transactionColumns+` FROM ledger_transactions WHERE id = $1`, id))
}

func (s *PostgresStore) ListTransactions(ctx context.Context, f TransactionFilter) ([]*Transaction, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `SELECT ` + transactionColumns + ` FROM ledger_transactions WHERE TRUE`
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		query += fmt.Sprintf(" AND %s $%d", clause, len(args))
	}
	if f.ChildID != "" {
		add("child_id =", f.ChildID)
	}
	if f.AccountID != "" {
		add("account_id =", f.AccountID)
	}
	if f.Type != "" {
		add("type =", f.Type)
	}
	if !f.Since.IsZero() {
		add("ts >=", f.Since)
	}
	query += " ORDER BY ts, id"

	rows, err := s.pool.Query(queryCtx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()
	out := []*Transaction{}
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) InsertHold(ctx context.Context, h *Hold) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		var id string
		if err := tx.QueryRow(ctx, `SELECT id FROM child_accounts WHERE id = $1 FOR UPDATE`, h.AccountID).Scan(&id); err != nil {
			return notFound(err)
		}
		_, err := tx.Exec(ctx, `INSERT INTO account_holds (id, account_id, amount, reference, created_at) VALUES ($1, $2, $3, $4, $5)`,
			h.ID, h.AccountID, h.Amount, h.Reference, h.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert hold: %w", err)
		}
		return nil
	})
}

func scanHold(row pgx.Row) (*Hold, error) {
	var h Hold
	if err := row.Scan(&h.ID, &h.AccountID, &h.Amount, &h.Reference, &h.CreatedAt, &h.ReleasedAt); err != nil {
		return nil, notFound(err)
	}
	return &h, nil
}

func (s *PostgresStore) GetHold(ctx context.Context, id string) (*Hold, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	return scanHold(s.pool.QueryRow(queryCtx, `SELECT id, account_id, amount, reference, created_at, released_at FROM account_holds WHERE id = $1`, id))
}

func (s *PostgresStore) ReleaseHold(ctx context.Context, holdID string, at time.Time, t *Transaction) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE account_holds SET released_at = $1 WHERE id = $2 AND released_at IS NULL`, at, holdID)
		if err != nil {
			return fmt.Errorf("failed to release hold: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		if t != nil {
			return insertTransaction(ctx, tx, t)
		}
		return nil
	})
}

func (s *PostgresStore) ApplyRateChange(ctx context.Context, c *RateChange) error {
	var column string
	switch c.Field {
	case FieldInterestRate:
		column = "interest_rate"
	case FieldPenaltyInterestRate:
		column = "penalty_interest_rate"
	case FieldCDPenaltyRate:
		column = "cd_penalty_rate"
	default:
		return fmt.Errorf("unknown rate field %q", c.Field)
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE child_accounts SET `+column+` = $1 WHERE id = $2`, c.NewRate, c.AccountID)
		if err != nil {
			return fmt.Errorf("failed to update rate: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO rate_changes (id, account_id, field, old_rate, new_rate, effective_at, changed_by)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			c.ID, c.AccountID, c.Field, c.OldRate, c.NewRate, c.EffectiveAt, c.ChangedBy)
		if err != nil {
			return fmt.Errorf("failed to record rate change: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) RateHistory(ctx context.Context, accountID string) ([]*RateChange, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	rows, err := s.pool.Query(queryCtx, `
		SELECT id, account_id, field, old_rate, new_rate, effective_at, changed_by
		FROM rate_changes WHERE account_id = $1 ORDER BY effective_at, id`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rate changes: %w", err)
	}
	defer rows.Close()
	out := []*RateChange{}
	for rows.Next() {
		var c RateChange
		if err := rows.Scan(&c.ID, &c.AccountID, &c.Field, &c.OldRate, &c.NewRate, &c.EffectiveAt, &c.ChangedBy); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}
