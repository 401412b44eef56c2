package engine

import (
	"fmt"
	"strconv"
	"time"

	"github.com/MEI-Research/ble-beacon-module/internal/beacon"
	"github.com/MEI-Research/ble-beacon-module/internal/config"
	"github.com/MEI-Research/ble-beacon-module/internal/stats"
)

// Status is an encounter's lifecycle state.
type Status string

const (
	StatusInactive  Status = "INACTIVE"
	StatusTransient Status = "TRANSIENT"
	StatusActual    Status = "ACTUAL"
)

// ParseStatus parses a persisted status name.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusInactive, StatusTransient, StatusActual:
		return st, nil
	default:
		return "", fmt.Errorf("unknown status %q", s)
	}
}

// persistKeyPrefix prefixes per-identity state keys: "Encounter-<major>-<minor>".
const persistKeyPrefix = "Encounter-"

// PersistKey returns the key-value key holding key's encounter state.
func PersistKey(key beacon.Key) string {
	return persistKeyPrefix + key.Major + "-" + key.Minor
}

// Record is the engine's state for one identity. It is created the first
// time the identity appears in a friend list and never deleted.
type Record struct {
	Identity       beacon.Identity
	Status         Status
	StartedAt      time.Time
	LastDetectedAt time.Time
	NextWakeAt     time.Time // zero when no wake-up is outstanding
	Stats          stats.Accumulator
}

func newRecord(id beacon.Identity) *Record {
	return &Record{Identity: id, Status: StatusInactive}
}

func (r *Record) key() beacon.Key {
	return r.Identity.Key()
}

func (r *Record) expiresAt(t config.Timeouts) time.Time {
	if r.Status == StatusActual {
		return r.LastDetectedAt.Add(t.Actual)
	}
	return r.LastDetectedAt.Add(t.Transient)
}

func (r *Record) actualAt(t config.Timeouts) time.Time {
	return r.StartedAt.Add(t.Minimum)
}

// nextDeadline is the earliest instant the record's status could change.
func (r *Record) nextDeadline(t config.Timeouts) time.Time {
	expires := r.expiresAt(t)
	if r.Status == StatusActual {
		return expires
	}
	if actual := r.actualAt(t); actual.Before(expires) {
		return actual
	}
	return expires
}

// persisted encodes {status, startedAt, lastDetectedAt} as a string tuple
// with times in Unix milliseconds.
func (r *Record) persisted() []string {
	return []string{
		string(r.Status),
		strconv.FormatInt(r.StartedAt.UnixMilli(), 10),
		strconv.FormatInt(r.LastDetectedAt.UnixMilli(), 10),
	}
}

// restore applies a persisted tuple. The record is left untouched if the
// tuple does not have exactly three well-formed fields.
func (r *Record) restore(values []string) error {
	if len(values) != 3 {
		return fmt.Errorf("want 3 fields, got %d", len(values))
	}
	status, err := ParseStatus(values[0])
	if err != nil {
		return err
	}
	started, err := strconv.ParseInt(values[1], 10, 64)
	if err != nil {
		return fmt.Errorf("started at: %w", err)
	}
	last, err := strconv.ParseInt(values[2], 10, 64)
	if err != nil {
		return fmt.Errorf("last detected at: %w", err)
	}

	r.Status = status
	r.StartedAt = time.UnixMilli(started)
	r.LastDetectedAt = time.UnixMilli(last)
	return nil
}

// Snapshot is a copy of a record for reporting.
type Snapshot struct {
	MajorID        string
	MinorID        string
	Name           string
	Tag            string
	Status         Status
	StartedAt      time.Time
	LastDetectedAt time.Time
	NextWakeAt     time.Time
	ExpiresAt      time.Time // zero when INACTIVE
	ActualAt       time.Time // zero when INACTIVE
	Stats          stats.Snapshot
}

// Key returns "major-minor".
func (s Snapshot) Key() string {
	return beacon.Key{Major: s.MajorID, Minor: s.MinorID}.String()
}

func (r *Record) snapshot(t config.Timeouts) Snapshot {
	s := Snapshot{
		MajorID:        r.Identity.Major,
		MinorID:        r.Identity.Minor,
		Name:           r.Identity.DisplayName,
		Tag:            r.Identity.Tag,
		Status:         r.Status,
		StartedAt:      r.StartedAt,
		LastDetectedAt: r.LastDetectedAt,
		NextWakeAt:     r.NextWakeAt,
		Stats:          r.Stats.Snapshot(),
	}
	if r.Status != StatusInactive {
		s.ExpiresAt = r.expiresAt(t)
		s.ActualAt = r.actualAt(t)
	}
	return s
}
