package notifications

import (
	"fmt"
	"time"
)

// clock is a time of day in minutes since midnight.
type clock int

func parseClock(s string) (clock, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q, want HH:MM", s)
	}
	return clock(t.Hour()*60 + t.Minute()), nil
}

func clockOf(t time.Time) clock {
	return clock(t.Hour()*60 + t.Minute())
}

// inQuietHours reports whether t falls in [start, end). A window whose end
// is before its start wraps past midnight. Equal bounds mean no window.
func inQuietHours(t time.Time, start, end clock) bool {
	now := clockOf(t)
	switch {
	case start == end:
		return false
	case start < end:
		return now >= start && now < end
	default:
		return now >= start || now < end
	}
}

// nextActive returns the first moment at or after t outside the window.
func nextActive(t time.Time, start, end clock) time.Time {
	if !inQuietHours(t, start, end) {
		return t
	}
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	at := day.Add(time.Duration(end) * time.Minute)
	if !at.After(t) {
		at = at.AddDate(0, 0, 1)
	}
	return at
}
