package domain

import (
	"strings"
	"time"
)

type Period string

const (
	PeriodDaily    Period = "DAILY"
	PeriodWeekly   Period = "WEEKLY"
	PeriodMonthly  Period = "MONTHLY"
	PeriodYearly   Period = "YEARLY"
	PeriodLifetime Period = "LIFETIME"
)

var (
	lifetimeStart = time.Date(1970, time.January, 1, 0, 0, 0, 0, time.UTC)
	lifetimeEnd   = time.Date(9999, time.December, 31, 0, 0, 0, 0, time.UTC)
)

// ParsePeriod normalizes a period name. Empty input yields MONTHLY.
func ParsePeriod(raw string) (Period, error) {
	value := Period(strings.ToUpper(strings.TrimSpace(raw)))
	if value == "" {
		return PeriodMonthly, nil
	}
	if !value.Valid() {
		return "", ErrInvalidPeriod
	}
	return value, nil
}

func (p Period) Valid() bool {
	switch p {
	case PeriodDaily, PeriodWeekly, PeriodMonthly, PeriodYearly, PeriodLifetime:
		return true
	default:
		return false
	}
}

// Window returns the half-open UTC window [start, end) of period containing at.
// Weeks start on Monday.
func (p Period) Window(at time.Time) (time.Time, time.Time) {
	at = at.UTC()
	y, m, d := at.Date()

	switch p {
	case PeriodDaily:
		start := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 0, 1)
	case PeriodWeekly:
		offset := (int(at.Weekday()) + 6) % 7
		start := time.Date(y, m, d-offset, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 0, 7)
	case PeriodYearly:
		start := time.Date(y, time.January, 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(1, 0, 0)
	case PeriodLifetime:
		return lifetimeStart, lifetimeEnd
	default:
		start := time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 1, 0)
	}
}
