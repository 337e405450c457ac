// Package sqlstore implements the users Store on top of bun so the
// deactivation job can run against PostgreSQL, MySQL or SQLite.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
	"github.com/uptrace/bun/dialect/mysqldialect"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	// SQL drivers selected by Open.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/odyssey-erp/retention/internal/users"
)

// Supported driver names.
const (
	DriverPostgres = "bun-postgres"
	DriverMySQL    = "mysql"
	DriverSQLite   = "sqlite"
)

// UserModel maps the users table for bun.
type UserModel struct {
	bun.BaseModel `bun:"table:users"`

	ID          int64      `bun:"id,pk,autoincrement"`
	Email       string     `bun:"email,notnull"`
	Name        string     `bun:"name,notnull"`
	IsActive    bool       `bun:"is_active,notnull"`
	LastLoginAt *time.Time `bun:"last_login_at"`
	CreatedAt   time.Time  `bun:"created_at,notnull"`
	UpdatedAt   time.Time  `bun:"updated_at,notnull"`
}

func (m UserModel) toDomain() users.User {
	u := users.User{
		ID:        m.ID,
		Email:     m.Email,
		Name:      m.Name,
		IsActive:  m.IsActive,
		CreatedAt: m.CreatedAt.UTC(),
		UpdatedAt: m.UpdatedAt.UTC(),
	}
	if m.LastLoginAt != nil {
		t := m.LastLoginAt.UTC()
		u.LastLoginAt = &t
	}
	return u
}

func fromDomain(u users.User) UserModel {
	m := UserModel{
		ID:        u.ID,
		Email:     u.Email,
		Name:      u.Name,
		IsActive:  u.IsActive,
		CreatedAt: u.CreatedAt.UTC(),
		UpdatedAt: u.UpdatedAt.UTC(),
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = m.CreatedAt
	}
	if u.LastLoginAt != nil {
		t := u.LastLoginAt.UTC()
		m.LastLoginAt = &t
	}
	return m
}

// Open connects to dsn with the driver matching name and wraps it in bun.
// MySQL DSNs need parseTime=true.
func Open(name, dsn string) (*bun.DB, error) {
	var (
		driverName string
		newDB      func(*sql.DB) *bun.DB
	)
	switch name {
	case DriverPostgres:
		driverName = "pgx"
		newDB = func(db *sql.DB) *bun.DB { return bun.NewDB(db, pgdialect.New()) }
	case DriverMySQL:
		driverName = "mysql"
		newDB = func(db *sql.DB) *bun.DB { return bun.NewDB(db, mysqldialect.New()) }
	case DriverSQLite:
		driverName = "sqlite"
		newDB = func(db *sql.DB) *bun.DB { return bun.NewDB(db, sqlitedialect.New()) }
	default:
		return nil, fmt.Errorf("sqlstore: unsupported driver %q", name)
	}
	sqlDB, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", name, err)
	}
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)
	return newDB(sqlDB), nil
}

// CreateSchema creates the users table when missing.
func CreateSchema(ctx context.Context, db bun.IDB) error {
	if _, err := db.NewCreateTable().Model((*UserModel)(nil)).IfNotExists().Exec(ctx); err != nil {
		return fmt.Errorf("sqlstore: create users table: %w", err)
	}
	return nil
}

// Store is a bun-backed users.Store.
type Store struct {
	db   *bun.DB
	opts *sql.TxOptions
	now  func() time.Time
}

// New wraps db. SQLite transactions are serializable already; other dialects
// request REPEATABLE READ so the candidate query reads one snapshot.
func New(db *bun.DB) *Store {
	s := &Store{db: db, now: time.Now}
	if db != nil && db.Dialect().Name() != dialect.SQLite {
		s.opts = &sql.TxOptions{Isolation: sql.LevelRepeatableRead}
	}
	return s
}

// DB exposes the underlying bun handle.
func (s *Store) DB() *bun.DB {
	return s.db
}

// Insert stores the given users. Intended for seeding and tests.
func (s *Store) Insert(ctx context.Context, list ...users.User) error {
	if len(list) == 0 {
		return nil
	}
	models := make([]UserModel, 0, len(list))
	for _, u := range list {
		models = append(models, fromDomain(u))
	}
	if _, err := s.db.NewInsert().Model(&models).Exec(ctx); err != nil {
		return fmt.Errorf("sqlstore: insert users: %w", err)
	}
	return nil
}

// ListUsers returns all users ordered by id.
func (s *Store) ListUsers(ctx context.Context) ([]users.User, error) {
	var rows []UserModel
	if err := s.db.NewSelect().Model(&rows).Order("id ASC").Scan(ctx); err != nil {
		return nil, err
	}
	return toDomain(rows), nil
}

// Begin opens a transaction wrapped as a users.Session.
func (s *Store) Begin(ctx context.Context) (users.Session, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlstore: store not configured")
	}
	tx, err := s.db.BeginTx(ctx, s.opts)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: begin tx: %w", err)
	}
	return &session{tx: tx, now: s.now}, nil
}

type session struct {
	tx     bun.Tx
	now    func() time.Time
	staged []int64
	done   bool
}

func (s *session) QueryInactive(ctx context.Context, cutoff time.Time) ([]users.User, error) {
	if s.done {
		return nil, users.ErrSessionClosed
	}
	// SQLite stores timestamps as text and compares them as strings. Insert
	// and the cutoff are both written in UTC, which keeps string order equal
	// to time order. Rows written in another offset by other tools would not
	// compare correctly.
	cutoff = cutoff.UTC()
	var rows []UserModel
	err := s.tx.NewSelect().
		Model(&rows).
		Where("is_active = ?", true).
		WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.
				Where("last_login_at IS NOT NULL AND last_login_at <= ?", cutoff).
				WhereOr("last_login_at IS NULL AND created_at <= ?", cutoff)
		}).
		Order("id ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return toDomain(rows), nil
}

func (s *session) Deactivate(u *users.User) {
	if u == nil || s.done {
		return
	}
	u.IsActive = false
	s.staged = append(s.staged, u.ID)
}

func (s *session) Commit(ctx context.Context) error {
	if s.done {
		return users.ErrSessionClosed
	}
	s.done = true
	if len(s.staged) > 0 {
		_, err := s.tx.NewUpdate().
			Model((*UserModel)(nil)).
			Set("is_active = ?", false).
			Set("updated_at = ?", s.now().UTC()).
			Where("id IN (?)", bun.In(s.staged)).
			Where("is_active = ?", true).
			Exec(ctx)
		if err != nil {
			_ = s.tx.Rollback()
			return fmt.Errorf("sqlstore: deactivate %d users: %w", len(s.staged), err)
		}
	}
	if err := s.tx.Commit(); err != nil {
		return fmt.Errorf("sqlstore: commit: %w", err)
	}
	return nil
}

func (s *session) Close(context.Context) error {
	if s.done {
		return nil
	}
	s.done = true
	s.staged = nil
	if err := s.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

func toDomain(rows []UserModel) []users.User {
	out := make([]users.User, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out
}
