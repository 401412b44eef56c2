package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrKindMismatch is returned when a key holds a different kind of value
// than the one requested (for example GetList on a string).
var ErrKindMismatch = errors.New("value kind mismatch")

// Entry is one record of the append-only event log.
type Entry struct {
	ID         int64
	Payload    []byte
	EnqueuedAt time.Time
}

// GetString returns the string stored under key.
// Returns ok=false if the key does not exist.
func (s *Store) GetString(ctx context.Context, key string) (string, bool, error) {
	value, ok, err := s.getKV(ctx, key, kindString)
	if err != nil {
		return "", false, fmt.Errorf("get string %q: %w", key, err)
	}
	return value, ok, nil
}

// GetList returns the ordered string tuple stored under key.
// Returns ok=false if the key does not exist.
func (s *Store) GetList(ctx context.Context, key string) ([]string, bool, error) {
	data, ok, err := s.getKV(ctx, key, kindList)
	if err != nil || !ok {
		if err != nil {
			err = fmt.Errorf("get list %q: %w", key, err)
		}
		return nil, false, err
	}
	values, err := unmarshalList(data)
	if err != nil {
		return nil, false, fmt.Errorf("get list %q: %w", key, err)
	}
	return values, true, nil
}

func (s *Store) getKV(ctx context.Context, key, kind string) (string, bool, error) {
	var gotKind, value string
	err := s.db.QueryRowContext(ctx, `
		SELECT kind, value FROM kv WHERE key = ?
	`, key).Scan(&gotKind, &value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if gotKind != kind {
		return "", false, fmt.Errorf("%w: stored %s, requested %s", ErrKindMismatch, gotKind, kind)
	}
	return value, true, nil
}

// PeekEntry returns the oldest entry without removing it.
// Returns ok=false if the log is empty.
func (s *Store) PeekEntry(ctx context.Context) (Entry, bool, error) {
	var (
		e          Entry
		enqueuedAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, payload, enqueued_at FROM event_log ORDER BY id ASC LIMIT 1
	`).Scan(&e.ID, &e.Payload, &enqueuedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("peek entry: %w", err)
	}
	e.EnqueuedAt = time.UnixMilli(enqueuedAt)
	return e, true, nil
}

// CountEntries returns the number of entries in the log.
func (s *Store) CountEntries(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM event_log`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return n, nil
}

// OldestEntryAge returns how long the oldest entry has been queued, or zero
// if the log is empty.
func (s *Store) OldestEntryAge(ctx context.Context, now time.Time) (time.Duration, error) {
	var oldest sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MIN(enqueued_at) FROM event_log`).Scan(&oldest); err != nil {
		return 0, fmt.Errorf("oldest entry age: %w", err)
	}
	if !oldest.Valid {
		return 0, nil
	}
	return now.Sub(time.UnixMilli(oldest.Int64)), nil
}
