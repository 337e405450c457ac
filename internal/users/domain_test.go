package users

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestInactive(t *testing.T) {
	cutoff := time.Date(2021, time.January, 10, 0, 0, 0, 0, time.UTC)
	at := func(d time.Duration) *time.Time {
		v := cutoff.Add(d)
		return &v
	}
	old := cutoff.AddDate(-2, 0, 0)

	cases := []struct {
		name string
		user User
		want bool
	}{
		{"login before cutoff", User{IsActive: true, LastLoginAt: at(-time.Hour), CreatedAt: old}, true},
		{"login exactly at cutoff", User{IsActive: true, LastLoginAt: at(0), CreatedAt: old}, true},
		{"login after cutoff", User{IsActive: true, LastLoginAt: at(time.Nanosecond), CreatedAt: old}, false},
		{"never logged in, old account", User{IsActive: true, CreatedAt: old}, true},
		{"never logged in, created at cutoff", User{IsActive: true, CreatedAt: cutoff}, true},
		{"never logged in, new account", User{IsActive: true, CreatedAt: cutoff.AddDate(0, 0, 1)}, false},
		{"recent login wins over old creation", User{IsActive: true, LastLoginAt: at(24 * time.Hour), CreatedAt: old}, false},
		{"already inactive", User{IsActive: false, LastLoginAt: at(-time.Hour), CreatedAt: old}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Inactive(tc.user, cutoff))
		})
	}
}
