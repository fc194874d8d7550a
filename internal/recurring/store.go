// Package recurring exposes the scheduled periodic charges of a child.
// They are executed by an external scheduler; this package only reads them.
package recurring

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/example/family-bank/internal/ledger"
	"github.com/example/family-bank/internal/storage"
)

// Charge is a scheduled periodic credit or debit.
type Charge struct {
	ID           string        `json:"id"`
	ChildID      string        `json:"child_id"`
	Amount       int64         `json:"amount"`
	Type         ledger.TxType `json:"type"`
	Memo         string        `json:"memo,omitempty"`
	IntervalDays int           `json:"interval_days"`
	NextRun      time.Time     `json:"next_run"`
	Active       bool          `json:"active"`
}

var Schema = []string{
	`CREATE TABLE IF NOT EXISTS recurring_charges (
		id TEXT PRIMARY KEY,
		child_id TEXT NOT NULL,
		amount BIGINT NOT NULL CHECK (amount > 0),
		type TEXT NOT NULL,
		memo TEXT NOT NULL DEFAULT '',
		interval_days INTEGER NOT NULL CHECK (interval_days > 0),
		next_run TIMESTAMP NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	`CREATE INDEX IF NOT EXISTS recurring_charges_child ON recurring_charges (child_id)`,
}

// Store reads charges written by the scheduler.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Migrate(ctx context.Context) error {
	return storage.Migrate(ctx, s.db, Schema)
}

// ListByChild returns a child's charges ordered by next run.
func (s *Store) ListByChild(ctx context.Context, childID string) ([]*Charge, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, child_id, amount, type, memo, interval_days, next_run, active
		FROM recurring_charges WHERE child_id = $1 ORDER BY next_run, id`, childID)
	if err != nil {
		return nil, fmt.Errorf("failed to list recurring charges: %w", err)
	}
	defer rows.Close()
	out := []*Charge{}
	for rows.Next() {
		var c Charge
		if err := rows.Scan(&c.ID, &c.ChildID, &c.Amount, &c.Type, &c.Memo, &c.IntervalDays, &c.NextRun, &c.Active); err != nil {
			return nil, err
		}
		c.NextRun = c.NextRun.UTC()
		out = append(out, &c)
	}
	return out, rows.Err()
}

// Seed inserts a charge. The server never calls it; the scheduler and
// tests do.
func (s *Store) Seed(ctx context.Context, c *Charge) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO recurring_charges (id, child_id, amount, type, memo, interval_days, next_run, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		c.ID, c.ChildID, c.Amount, string(c.Type), c.Memo, c.IntervalDays, c.NextRun.UTC(), c.Active)
	if err != nil {
		return fmt.Errorf("failed to insert recurring charge: %w", err)
	}
	return nil
}
