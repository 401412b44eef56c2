package testutil

import (
	"sort"
	"sync"
	"time"

	"github.com/MEI-Research/ble-beacon-module/internal/beacon"
	"github.com/MEI-Research/ble-beacon-module/internal/scheduler"
)

// ManualScheduler records wake-up requests and releases them only when the
// test asks for the ones that are due.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type ManualScheduler struct {
	mu       sync.Mutex
	pending  []scheduler.Wake
	requests []scheduler.Wake
}

// NewManualScheduler creates an empty scheduler.
func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{}
}

// Schedule implements scheduler.Scheduler.
func (s *ManualScheduler) Schedule(deadline time.Time, key beacon.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := scheduler.Wake{Key: key, ScheduledFor: deadline}
	s.pending = append(s.pending, w)
	s.requests = append(s.requests, w)
}

// Due removes and returns every pending wake-up with a deadline at or before
// now, ordered by deadline and then by key.
func (s *ManualScheduler) Due(now time.Time) []scheduler.Wake {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due, keep []scheduler.Wake
	for _, w := range s.pending {
		if w.ScheduledFor.After(now) {
			keep = append(keep, w)
		} else {
			due = append(due, w)
		}
	}
	s.pending = keep

	sortWakes(due)
	return due
}

// Next returns the earliest pending wake-up without removing it.
func (s *ManualScheduler) Next() (scheduler.Wake, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) == 0 {
		return scheduler.Wake{}, false
	}
	sorted := append([]scheduler.Wake(nil), s.pending...)
	sortWakes(sorted)
	return sorted[0], true
}

// Pending returns a copy of the outstanding wake-ups, sorted.
func (s *ManualScheduler) Pending() []scheduler.Wake {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]scheduler.Wake(nil), s.pending...)
	sortWakes(out)
	return out
}

// Requests returns every Schedule call in call order, including fired ones.
func (s *ManualScheduler) Requests() []scheduler.Wake {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]scheduler.Wake(nil), s.requests...)
}

func sortWakes(ws []scheduler.Wake) {
	sort.SliceStable(ws, func(i, j int) bool {
		if !ws[i].ScheduledFor.Equal(ws[j].ScheduledFor) {
			return ws[i].ScheduledFor.Before(ws[j].ScheduledFor)
		}
		return ws[i].Key.String() < ws[j].Key.String()
	})
}
