package users

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/retention/internal/platform/db"
)

const userColumns = `id, email, name, is_active, last_login_at, created_at, updated_at`

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool, now: time.Now}
}

// Begin opens a RepeatableRead transaction wrapped as a Session.
func (r *Repository) Begin(ctx context.Context) (Session, error) {
	if r == nil || r.pool == nil {
		return nil, errors.New("users: repository not configured")
	}
	tx, err := db.Begin(ctx, r.pool)
	if err != nil {
		return nil, err
	}
	return &pgSession{tx: tx, now: r.now}, nil
}

type pgSession struct {
	tx     pgx.Tx
	now    func() time.Time
	staged []int64
	done   bool
}

func (s *pgSession) QueryInactive(ctx context.Context, cutoff time.Time) ([]User, error) {
	if s.done {
		return nil, ErrSessionClosed
	}
	rows, err := s.tx.Query(ctx, `SELECT `+userColumns+` FROM users
		WHERE is_active
		  AND ((last_login_at IS NOT NULL AND last_login_at <= $1)
		    OR (last_login_at IS NULL AND created_at <= $1))
		ORDER BY id`, cutoff)
	if err != nil {
		return nil, err
	}
	return collectUsers(rows)
}

func (s *pgSession) Deactivate(u *User) {
	if u == nil || s.done {
		return
	}
	u.IsActive = false
	s.staged = append(s.staged, u.ID)
}

func (s *pgSession) Commit(ctx context.Context) error {
	if s.done {
		return ErrSessionClosed
	}
	s.done = true
	if len(s.staged) > 0 {
		if _, err := s.tx.Exec(ctx, `UPDATE users SET is_active = FALSE, updated_at = $2 WHERE id = ANY($1) AND is_active`, s.staged, s.now().UTC()); err != nil {
			_ = s.tx.Rollback(ctx)
			return fmt.Errorf("users: deactivate %d users: %w", len(s.staged), err)
		}
	}
	if err := s.tx.Commit(ctx); err != nil {
		return fmt.Errorf("users: commit: %w", err)
	}
	return nil
}

func (s *pgSession) Close(ctx context.Context) error {
	if s.done {
		return nil
	}
	s.done = true
	s.staged = nil
	if err := s.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}

func collectUsers(rows pgx.Rows) ([]User, error) {
	defer rows.Close()
	var users []User
	for rows.Next() {
		var user User
		if err := rows.Scan(&user.ID, &user.Email, &user.Name, &user.IsActive, &user.LastLoginAt, &user.CreatedAt, &user.UpdatedAt); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}
