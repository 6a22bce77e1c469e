package notifications

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestQuietHours(t *testing.T) {
	t.Parallel()
	at := func(h, m int) time.Time { return time.Date(2024, 3, 10, h, m, 0, 0, time.UTC) }

	testCases := []struct {
		name       string
		start, end string
		now        time.Time
		quiet      bool
		next       time.Time
	}{
		{name: "inside same-day window", start: "13:00", end: "15:00", now: at(14, 0), quiet: true, next: at(15, 0)},
		{name: "end is exclusive", start: "13:00", end: "15:00", now: at(15, 0), quiet: false, next: at(15, 0)},
		{name: "before overnight window", start: "22:00", end: "07:00", now: at(21, 59), quiet: false, next: at(21, 59)},
		{name: "late in overnight window", start: "22:00", end: "07:00", now: at(23, 30), quiet: true, next: at(7, 0).AddDate(0, 0, 1)},
		{name: "early in overnight window", start: "22:00", end: "07:00", now: at(3, 0), quiet: true, next: at(7, 0)},
		{name: "empty window", start: "08:00", end: "08:00", now: at(8, 0), quiet: false, next: at(8, 0)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			start, err := parseClock(tc.start)
			require.NoError(t, err)
			end, err := parseClock(tc.end)
			require.NoError(t, err)

			require.Equal(t, tc.quiet, inQuietHours(tc.now, start, end))
			require.Equal(t, tc.next, nextActive(tc.now, start, end))
		})
	}
}

func TestParseClock_Invalid(t *testing.T) {
	t.Parallel()
	_, err := parseClock("25:00")
	require.ErrorContains(t, err, "want HH:MM")
}
