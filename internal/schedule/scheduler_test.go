package schedule

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func kolkata(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)
	return loc
}

func TestMalformedEntriesRejected(t *testing.T) {
	loc := kolkata(t)
	bad := [][]RawEntry{
		{{Time: "25:00:00"}},
		{{Time: "15:61:00"}},
		{{Time: "three pm"}},
		{{Time: "15"}},
		{{Time: "15:15:00", Pct: 150}},
	}
	for _, raw := range bad {
		_, err := New(raw, loc)
		require.Error(t, err)
		require.True(t, errors.Is(err, ErrBadEntry), "err=%v", err)
	}

	_, err := New([]RawEntry{{Time: "15:15", Pct: 50}}, nil)
	require.ErrorIs(t, err, ErrBadEntry)
}

func TestFiresOnceWhenTimeCrossed(t *testing.T) {
	loc := kolkata(t)
	s, err := New([]RawEntry{{Time: "15:15:00", Pct: 50}}, loc)
	require.NoError(t, err)

	day := func(h, m, sec int) time.Time {
		return time.Date(2025, 6, 2, h, m, sec, 0, loc)
	}

	require.Empty(t, s.DueEntries(day(15, 14, 59)))

	due := s.DueEntries(day(15, 15, 0))
	require.Len(t, due, 1)
	require.Equal(t, 50.0, due[0].Pct)
	require.False(t, due[0].Final)

	// Not again later the same day.
	require.Empty(t, s.DueEntries(day(15, 30, 0)))
	require.Empty(t, s.DueEntries(day(18, 0, 0)))

	// Eligible again after the day rolls over.
	next := time.Date(2025, 6, 3, 15, 20, 0, 0, loc)
	require.Len(t, s.DueEntries(next), 1)
}

func TestFinalEntryClosesSession(t *testing.T) {
	loc := kolkata(t)
	s, err := New([]RawEntry{
		{Time: "15:00:00", Pct: 50},
		{Time: "15:25:00", Final: true},
		{Time: "15:26:00", Pct: 25},
	}, loc)
	require.NoError(t, err)

	now := time.Date(2025, 6, 2, 15, 30, 0, 0, loc)
	due := s.DueEntries(now)
	// Entries fire in schedule order and stop at the final entry; the later
	// entry never fires that day.
	require.Len(t, due, 2)
	require.True(t, due[1].Final)
	require.True(t, s.SessionClosed(now))

	require.Empty(t, s.DueEntries(now.Add(time.Hour)))

	// A new day reopens the session.
	next := time.Date(2025, 6, 3, 9, 30, 0, 0, loc)
	require.False(t, s.SessionClosed(next))
}

func TestWallClockUsesConfiguredTimezone(t *testing.T) {
	loc := kolkata(t)
	s, err := New([]RawEntry{{Time: "15:15:00", Pct: 100}}, loc)
	require.NoError(t, err)

	// 09:00 UTC is 14:30 IST: not due yet even though a UTC wall clock would
	// already have passed 15:15 somewhere else.
	require.Empty(t, s.DueEntries(time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)))

	// 09:45 UTC is 15:15 IST exactly.
	require.Len(t, s.DueEntries(time.Date(2025, 6, 2, 9, 45, 0, 0, time.UTC)), 1)
}
