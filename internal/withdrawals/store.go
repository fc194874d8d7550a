package withdrawals

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/example/family-bank/internal/storage"
)

var (
	ErrNotFound       = errors.New("withdrawal request not found")
	ErrStatusConflict = errors.New("withdrawal request status changed concurrently")
)

type Store interface {
	Create(ctx context.Context, r *Request) error
	Get(ctx context.Context, id string) (*Request, error)
	List(ctx context.Context, f Filter) ([]*Request, error)
	// Update compare-and-sets on status.
	Update(ctx context.Context, r *Request, from Status) error
}

var Schema = []string{
	`CREATE TABLE IF NOT EXISTS withdrawal_requests (
		id TEXT PRIMARY KEY,
		child_id TEXT NOT NULL,
		account_type TEXT NOT NULL,
		amount BIGINT NOT NULL CHECK (amount > 0),
		memo TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		requester_id TEXT NOT NULL,
		requester_role TEXT NOT NULL,
		requested_at TIMESTAMP NOT NULL,
		responded_at TIMESTAMP,
		denial_reason TEXT NOT NULL DEFAULT '',
		approver_id TEXT NOT NULL DEFAULT '',
		transaction_id TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS withdrawal_requests_child ON withdrawal_requests (child_id, status)`,
}

type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Migrate(ctx context.Context) error {
	return storage.Migrate(ctx, s.db, Schema)
}

const columns = `id, child_id, account_type, amount, memo, status, requester_id, requester_role, requested_at, responded_at, denial_reason, approver_id, transaction_id`

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(row scanner) (*Request, error) {
	var r Request
	var responded sql.NullTime
	err := row.Scan(&r.ID, &r.ChildID, &r.AccountType, &r.Amount, &r.Memo, &r.Status, &r.RequesterID,
		&r.RequesterRole, &r.RequestedAt, &responded, &r.DenialReason, &r.ApproverID, &r.TransactionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.RequestedAt = r.RequestedAt.UTC()
	r.RespondedAt = storage.TimePtr(responded)
	return &r, nil
}

func (s *SQLStore) Create(ctx context.Context, r *Request) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO withdrawal_requests (`+columns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		r.ID, r.ChildID, string(r.AccountType), r.Amount, r.Memo, string(r.Status), r.RequesterID,
		string(r.RequesterRole), r.RequestedAt.UTC(), storage.NullTime(r.RespondedAt), r.DenialReason,
		r.ApproverID, r.TransactionID)
	if err != nil {
		return fmt.Errorf("failed to insert withdrawal request: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Request, error) {
	return scanRequest(s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM withdrawal_requests WHERE id = $1`, id))
}

func (s *SQLStore) List(ctx context.Context, f Filter) ([]*Request, error) {
	var where []string
	var args []any
	if len(f.ChildIDs) > 0 {
		marks := make([]string, len(f.ChildIDs))
		for i, id := range f.ChildIDs {
			args = append(args, id)
			marks[i] = fmt.Sprintf("$%d", len(args))
		}
		where = append(where, "child_id IN ("+strings.Join(marks, ", ")+")")
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	query := `SELECT ` + columns + ` FROM withdrawal_requests`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	rows, err := s.db.QueryContext(ctx, query+" ORDER BY requested_at, id", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list withdrawal requests: %w", err)
	}
	defer rows.Close()
	out := []*Request{}
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLStore) Update(ctx context.Context, r *Request, from Status) error {
	return storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE withdrawal_requests SET status = $1, responded_at = $2,
			denial_reason = $3, approver_id = $4, transaction_id = $5 WHERE id = $6 AND status = $7`,
			string(r.Status), storage.NullTime(r.RespondedAt), r.DenialReason, r.ApproverID, r.TransactionID,
			r.ID, string(from))
		if err != nil {
			return fmt.Errorf("failed to update withdrawal request: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 1 {
			return nil
		}
		var one int
		err = tx.QueryRowContext(ctx, `SELECT 1 FROM withdrawal_requests WHERE id = $1`, r.ID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return ErrStatusConflict
	})
}
