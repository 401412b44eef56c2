package store

import (
	"context"
	"fmt"
	"time"
)

// SetString stores a string value under key, replacing any previous value.
// Transient lock errors are retried with backoff.
func (s *Store) SetString(ctx context.Context, key, value string) error {
	if err := s.putKV(ctx, key, kindString, value); err != nil {
		return fmt.Errorf("set string %q: %w", key, err)
	}
	return nil
}

// SetList stores an ordered string tuple under key, replacing any previous value.
// Transient lock errors are retried with backoff.
func (s *Store) SetList(ctx context.Context, key string, values []string) error {
	data, err := marshalList(values)
	if err != nil {
		return fmt.Errorf("set list %q: %w", key, err)
	}
	if err := s.putKV(ctx, key, kindList, data); err != nil {
		return fmt.Errorf("set list %q: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	err := retryOp(ctx, s.retry, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

func (s *Store) putKV(ctx context.Context, key, kind, value string) error {
	now := time.Now().UnixMilli()
	return retryOp(ctx, s.retry, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO kv (key, kind, value, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
				kind = excluded.kind,
				value = excluded.value,
				updated_at = excluded.updated_at
		`, key, kind, value, now)
		return err
	})
}

// AppendEntry appends payload to the event log and returns its id.
// The write is committed before returning. Failures are returned to the
// caller and never retried here.
func (s *Store) AppendEntry(ctx context.Context, payload []byte) (int64, error) {
	if payload == nil {
		payload = []byte{}
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO event_log (payload, enqueued_at) VALUES (?, ?)
	`, payload, time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("append entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append entry: last insert id: %w", err)
	}
	return id, nil
}

// RemoveEntry deletes the log entry with the given id.
// Removing an id that no longer exists is not an error.
func (s *Store) RemoveEntry(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM event_log WHERE id = ?`, id); err != nil {
		return fmt.Errorf("remove entry %d: %w", id, err)
	}
	return nil
}
