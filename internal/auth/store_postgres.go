package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the subset of *pgxpool.Pool used by PostgresUserStore.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var UserSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL CHECK (role IN ('admin', 'parent')),
		password_hash TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS children (
		id TEXT PRIMARY KEY,
		first_name TEXT NOT NULL,
		access_code_hash TEXT NOT NULL UNIQUE,
		frozen BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS parent_children (
		parent_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		child_id TEXT NOT NULL REFERENCES children(id) ON DELETE CASCADE,
		owner BOOLEAN NOT NULL DEFAULT FALSE,
		PRIMARY KEY (parent_id, child_id)
	)`,
	`ALTER TABLE parent_children ADD COLUMN IF NOT EXISTS owner BOOLEAN NOT NULL DEFAULT FALSE`,
	`CREATE TABLE IF NOT EXISTS share_codes (
		code_hash TEXT PRIMARY KEY,
		child_id TEXT NOT NULL REFERENCES children(id) ON DELETE CASCADE,
		created_by TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		used_by TEXT,
		used_at TIMESTAMPTZ
	)`,
}

type PostgresUserStore struct {
	Pool Querier
}

func (s *PostgresUserStore) Migrate(ctx context.Context) error {
	for _, stmt := range UserSchema {
		if _, err := s.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate user schema: %w", err)
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *PostgresUserStore) CreateUser(ctx context.Context, u *User) error {
	_, err := s.Pool.Exec(ctx, `INSERT INTO users (id, email, name, role, password_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		u.ID, normalizeEmail(u.Email), u.Name, string(u.Role), u.PasswordHash, u.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *PostgresUserStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	err := s.Pool.QueryRow(ctx, `SELECT id, email, name, role, password_hash, created_at FROM users WHERE email = $1`,
		normalizeEmail(email)).Scan(&u.ID, &u.Email, &u.Name, &u.Role, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (s *PostgresUserStore) CreateChild(ctx context.Context, c *Child) error {
	_, err := s.Pool.Exec(ctx, `INSERT INTO children (id, first_name, access_code_hash, frozen, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		c.ID, c.FirstName, c.AccessCodeHash, c.Frozen, c.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

const childColumns = `id, first_name, access_code_hash, frozen, created_at`

func scanChild(row pgx.Row) (*Child, error) {
	var c Child
	if err := row.Scan(&c.ID, &c.FirstName, &c.AccessCodeHash, &c.Frozen, &c.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrChildNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (s *PostgresUserStore) GetChild(ctx context.Context, id string) (*Child, error) {
	return scanChild(s.Pool.QueryRow(ctx, `SELECT `+childColumns+` FROM children WHERE id = $1`, id))
}

func (s *PostgresUserStore) GetChildByAccessCode(ctx context.Context, codeHash string) (*Child, error) {
	return scanChild(s.Pool.QueryRow(ctx, `SELECT `+childColumns+` FROM children WHERE access_code_hash = $1`, codeHash))
}

func (s *PostgresUserStore) ListChildren(ctx context.Context) ([]*Child, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+childColumns+` FROM children ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*Child{}
	for rows.Next() {
		c, err := scanChild(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresUserStore) SetChildFrozen(ctx context.Context, id string, frozen bool) error {
	tag, err := s.Pool.Exec(ctx, `UPDATE children SET frozen = $2 WHERE id = $1`, id, frozen)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrChildNotFound
	}
	return nil
}

func (s *PostgresUserStore) SetChildAccessCode(ctx context.Context, id, codeHash string) error {
	tag, err := s.Pool.Exec(ctx, `UPDATE children SET access_code_hash = $2 WHERE id = $1`, id, codeHash)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrChildNotFound
	}
	return nil
}

func (s *PostgresUserStore) LinkChild(ctx context.Context, parentID, childID string, owner bool) error {
	_, err := s.Pool.Exec(ctx, `INSERT INTO parent_children (parent_id, child_id, owner) VALUES ($1, $2, $3)
		ON CONFLICT (parent_id, child_id) DO UPDATE SET owner = parent_children.owner OR EXCLUDED.owner`,
		parentID, childID, owner)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return ErrChildNotFound
	}
	return err
}

func (s *PostgresUserStore) UnlinkChild(ctx context.Context, parentID, childID string) error {
	tag, err := s.Pool.Exec(ctx, `DELETE FROM parent_children WHERE parent_id = $1 AND child_id = $2`, parentID, childID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLinkNotFound
	}
	return nil
}

func (s *PostgresUserStore) ChildrenOf(ctx context.Context, parentID string) ([]string, error) {
	rows, err := s.Pool.Query(ctx, `SELECT child_id FROM parent_children WHERE parent_id = $1 ORDER BY child_id`, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *PostgresUserStore) ParentsOf(ctx context.Context, childID string) ([]*ParentLink, error) {
	rows, err := s.Pool.Query(ctx, `SELECT u.id, u.email, u.name, pc.owner
		FROM parent_children pc JOIN users u ON u.id = pc.parent_id
		WHERE pc.child_id = $1 ORDER BY pc.owner DESC, u.email`, childID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*ParentLink{}
	for rows.Next() {
		var l ParentLink
		if err := rows.Scan(&l.ParentID, &l.Email, &l.Name, &l.Owner); err != nil {
			return nil, err
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

func (s *PostgresUserStore) CreateShareCode(ctx context.Context, sc *ShareCode) error {
	_, err := s.Pool.Exec(ctx, `INSERT INTO share_codes (code_hash, child_id, created_by, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)`,
		sc.CodeHash, sc.ChildID, sc.CreatedBy, sc.CreatedAt, sc.ExpiresAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return ErrChildNotFound
	}
	return err
}

func (s *PostgresUserStore) ClaimShareCode(ctx context.Context, codeHash, parentID string, at time.Time) (*ShareCode, error) {
	var (
		sc     ShareCode
		usedBy *string
	)
	err := s.Pool.QueryRow(ctx, `UPDATE share_codes SET used_by = $2, used_at = $3
		WHERE code_hash = $1 AND used_by IS NULL AND expires_at > $3
		RETURNING code_hash, child_id, created_by, created_at, expires_at, used_by, used_at`,
		codeHash, parentID, at).Scan(&sc.CodeHash, &sc.ChildID, &sc.CreatedBy, &sc.CreatedAt, &sc.ExpiresAt, &usedBy, &sc.UsedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrShareCodeInvalid
		}
		return nil, err
	}
	if usedBy != nil {
		sc.UsedBy = *usedBy
	}
	return &sc, nil
}
