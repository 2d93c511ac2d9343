// Package schedule evaluates the end-of-day exit schedule. All comparisons
// happen in wall-clock time within one configured timezone; naive timestamps
// are never compared.
package schedule

import (
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrBadEntry marks a malformed schedule entry. Fatal at startup.
var ErrBadEntry = errors.New("schedule: malformed entry")

// Entry is one configured exit trigger.
type Entry struct {
	ID    int
	Time  string  // "HH:MM:SS" wall-clock in the scheduler's timezone
	Pct   float64 // percentage of position to close; 0 means full close
	Final bool

	hour, min, sec int
}

// RawEntry is the configuration shape before validation.
type RawEntry struct {
	Time  string  `yaml:"time"`
	Pct   float64 `yaml:"pct"`
	Final bool    `yaml:"final"`
}

// Scheduler tracks which entries have fired per calendar day. The fired log is
// in-memory only and rebuilt empty at process start.
type Scheduler struct {
	loc     *time.Location
	entries []Entry

	mu           sync.Mutex
	firedByDay   map[string]map[int]bool
	finalFiredOn string
}

// New validates the configured entries and builds a scheduler.
func New(raw []RawEntry, loc *time.Location) (*Scheduler, error) {
	if loc == nil {
		return nil, fmt.Errorf("%w: nil timezone", ErrBadEntry)
	}
	entries := make([]Entry, 0, len(raw))
	for i, r := range raw {
		h, m, s, err := parseTimeOfDay(r.Time)
		if err != nil {
			return nil, fmt.Errorf("%w: entry %d time %q: %v", ErrBadEntry, i, r.Time, err)
		}
		if r.Pct < 0 || r.Pct > 100 {
			return nil, fmt.Errorf("%w: entry %d pct %.2f out of range", ErrBadEntry, i, r.Pct)
		}
		entries = append(entries, Entry{
			ID: i, Time: r.Time, Pct: r.Pct, Final: r.Final,
			hour: h, min: m, sec: s,
		})
	}
	return &Scheduler{
		loc:        loc,
		entries:    entries,
		firedByDay: make(map[string]map[int]bool),
	}, nil
}

func parseTimeOfDay(s string) (h, m, sec int, err error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, 0, 0, fmt.Errorf("expected HH:MM or HH:MM:SS")
	}
	vals := [3]int{}
	for i, p := range parts {
		v, convErr := strconv.Atoi(p)
		if convErr != nil {
			return 0, 0, 0, fmt.Errorf("non-numeric component %q", p)
		}
		vals[i] = v
	}
	h, m, sec = vals[0], vals[1], vals[2]
	if h < 0 || h > 23 || m < 0 || m > 59 || sec < 0 || sec > 59 {
		return 0, 0, 0, fmt.Errorf("out of range")
	}
	return h, m, sec, nil
}

// DueEntries returns, in schedule order, every entry whose wall-clock time has
// been reached today and that has not fired yet, marking each as fired
// (at-most-once per entry per day). After a final entry fires, nothing more is
// returned for the rest of the day.
func (s *Scheduler) DueEntries(now time.Time) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	local := now.In(s.loc)
	day := local.Format("2006-01-02")
	if s.finalFiredOn == day {
		return nil
	}

	fired := s.firedByDay[day]
	if fired == nil {
		fired = make(map[int]bool)
		s.firedByDay[day] = fired
		s.pruneLocked(local)
	}

	var due []Entry
	for _, e := range s.entries {
		if fired[e.ID] {
			continue
		}
		scheduled := time.Date(local.Year(), local.Month(), local.Day(), e.hour, e.min, e.sec, 0, s.loc)
		if local.Before(scheduled) {
			continue
		}
		fired[e.ID] = true
		due = append(due, e)
		log.Printf("schedule: entry %d (%s pct=%.0f final=%v) due", e.ID, e.Time, e.Pct, e.Final)
		if e.Final {
			s.finalFiredOn = day
			break
		}
	}
	return due
}

// SessionClosed reports whether a final entry already fired today; callers
// must not schedule work or open new entries for the rest of the day.
func (s *Scheduler) SessionClosed(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalFiredOn == now.In(s.loc).Format("2006-01-02")
}

// pruneLocked drops fired-sets older than yesterday so the map cannot grow
// unbounded in a long-lived process.
func (s *Scheduler) pruneLocked(local time.Time) {
	keep := map[string]bool{
		local.Format("2006-01-02"):                   true,
		local.AddDate(0, 0, -1).Format("2006-01-02"): true,
	}
	for day := range s.firedByDay {
		if !keep[day] {
			delete(s.firedByDay, day)
		}
	}
}
