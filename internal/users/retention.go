package users

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rickb777/period"
)

// Retention is a calendar window after which an idle account is deactivated.
type Retention struct {
	Years  int
	Months int
	Days   int
}

// DefaultRetention is four calendar years.
var DefaultRetention = Retention{Years: 4}

// IsZero reports whether the window is empty.
func (r Retention) IsZero() bool {
	return r.Years == 0 && r.Months == 0 && r.Days == 0
}

// String formats the window the way ParseRetention accepts it.
func (r Retention) String() string {
	if r.IsZero() {
		return "0d"
	}
	var b strings.Builder
	if r.Years != 0 {
		b.WriteString(strconv.Itoa(r.Years) + "y")
	}
	if r.Months != 0 {
		b.WriteString(strconv.Itoa(r.Months) + "m")
	}
	if r.Days != 0 {
		b.WriteString(strconv.Itoa(r.Days) + "d")
	}
	return b.String()
}

// Decode implements envconfig.Decoder.
func (r *Retention) Decode(value string) error {
	parsed, err := ParseRetention(value)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// MaxRetentionYears bounds every component of a window so the cutoff stays
// a real calendar date.
const MaxRetentionYears = 1000

// ParseRetention parses windows such as "4y", "18m", "4y6m" or "90d", and the
// ISO 8601 date forms "P4Y", "P4Y6M" or "P90D". Weeks, fractions and time
// components are rejected.
func ParseRetention(value string) (Retention, error) {
	iso := strings.ToUpper(strings.TrimSpace(value))
	if iso == "" {
		return Retention{}, fmt.Errorf("users: empty retention window")
	}
	if strings.ContainsAny(iso, "TW.,") {
		return Retention{}, fmt.Errorf("users: retention window %q must use whole years, months or days", value)
	}
	if !strings.HasPrefix(iso, "P") {
		iso = "P" + iso
	}
	p, err := period.Parse(iso)
	if err != nil {
		return Retention{}, fmt.Errorf("users: invalid retention window %q: %w", value, err)
	}
	out := Retention{Years: p.Years(), Months: p.Months(), Days: p.Days()}
	if err := out.Validate(time.Now()); err != nil {
		return Retention{}, err
	}
	return out, nil
}

// Validate rejects empty or negative windows and windows that would put the
// cutoff computed at now before year 1.
func (r Retention) Validate(now time.Time) error {
	if r.Years < 0 || r.Months < 0 || r.Days < 0 {
		return fmt.Errorf("users: retention window %s is negative", r)
	}
	if r.IsZero() {
		return fmt.Errorf("users: retention window must be positive")
	}
	if r.Years > MaxRetentionYears || r.Months > MaxRetentionYears*12 || r.Days > MaxRetentionYears*366 {
		return fmt.Errorf("users: retention window %s exceeds %d years", r, MaxRetentionYears)
	}
	if Cutoff(now, r).Year() < 1 {
		return fmt.Errorf("users: retention window %s reaches before year 1", r)
	}
	return nil
}

// Cutoff truncates now to midnight UTC and steps back by the window, so every
// run on the same day evaluates against the same date. Years and months are
// subtracted first and clamp to the end of a shorter month (29 Feb minus one
// year is 28 Feb), then days.
func Cutoff(now time.Time, window Retention) time.Time {
	now = now.UTC()
	totalMonths := now.Year()*12 + int(now.Month()) - 1 - window.Years*12 - window.Months
	year, month := totalMonths/12, time.Month(totalMonths%12+1)
	day := now.Day()
	if last := daysIn(year, month); day > last {
		day = last
	}
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -window.Days)
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
