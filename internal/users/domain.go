package users

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrSessionClosed is returned when a session is used after Commit or Close.
	ErrSessionClosed = errors.New("users: session closed")
)

// User represents a user account for management.
type User struct {
	ID          int64
	Email       string
	Name        string
	IsActive    bool
	LastLoginAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// LastActivity returns the timestamp the inactivity rule is evaluated against:
// the last login, or the creation time for accounts that never logged in.
func (u User) LastActivity() time.Time {
	if u.LastLoginAt != nil {
		return *u.LastLoginAt
	}
	return u.CreatedAt
}

// Inactive reports whether u qualifies for deactivation against cutoff.
// The comparison is inclusive.
func Inactive(u User, cutoff time.Time) bool {
	if !u.IsActive {
		return false
	}
	return !u.LastActivity().After(cutoff)
}

// Store opens repository sessions.
type Store interface {
	Begin(ctx context.Context) (Session, error)
}

// Session is a unit of work over the users table. Reads observe a single
// snapshot and staged deactivations become durable only through Commit.
type Session interface {
	// QueryInactive returns every active user whose last activity is at or
	// before cutoff.
	QueryInactive(ctx context.Context, cutoff time.Time) ([]User, error)
	// Deactivate flips the in-memory flag and stages the change.
	Deactivate(u *User)
	// Commit persists all staged changes atomically.
	Commit(ctx context.Context) error
	// Close discards uncommitted work. Safe to call after Commit.
	Close(ctx context.Context) error
}
