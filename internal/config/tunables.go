package config

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"
)

// Keys under which tunables live in the key-value substrate.
const (
	KeyTransientTimeout = "transientTimeout"
	KeyActualTimeout    = "actualTimeout"
	KeyMinimumDuration  = "minimumDuration"
	KeyFriendList       = "friendList"
)

// Timeouts are the persisted, runtime-mutable encounter tunables.
type Timeouts struct {
	// Transient is how long after the last detection a transient
	// encounter expires.
	Transient time.Duration
	// Actual is how long after the last detection an actual encounter
	// expires.
	Actual time.Duration
	// Minimum is how long an encounter must last to become actual.
	Minimum time.Duration
}

// DefaultTimeouts returns 2 min transient, 3 min actual, 3 min minimum.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Transient: 2 * time.Minute,
		Actual:    3 * time.Minute,
		Minimum:   3 * time.Minute,
	}
}

// Validate rejects non-positive durations.
func (t Timeouts) Validate() error {
	for _, f := range []struct {
		name string
		d    time.Duration
	}{
		{"transient timeout", t.Transient},
		{"actual timeout", t.Actual},
		{"minimum duration", t.Minimum},
	} {
		if f.d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", f.name, f.d)
		}
	}
	return nil
}

// Millis converts t to its millisecond form.
func (t Timeouts) Millis() TimeoutsConfig {
	return TimeoutsConfig{
		TransientMS: t.Transient.Milliseconds(),
		ActualMS:    t.Actual.Milliseconds(),
		MinimumMS:   t.Minimum.Milliseconds(),
	}
}

// StringKV is the subset of the key-value substrate used for tunables.
type StringKV interface {
	GetString(ctx context.Context, key string) (string, bool, error)
	SetString(ctx context.Context, key, value string) error
}

// LoadTimeouts reads the persisted timeouts once. Missing keys fall back to
// defaults. A value that is not a positive integer number of milliseconds is
// logged and replaced by its default.
func LoadTimeouts(ctx context.Context, kv StringKV, defaults Timeouts) (Timeouts, error) {
	t := defaults
	for _, f := range []struct {
		key string
		dst *time.Duration
	}{
		{KeyTransientTimeout, &t.Transient},
		{KeyActualTimeout, &t.Actual},
		{KeyMinimumDuration, &t.Minimum},
	} {
		raw, ok, err := kv.GetString(ctx, f.key)
		if err != nil {
			return defaults, fmt.Errorf("load %s: %w", f.key, err)
		}
		if !ok {
			continue
		}
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || ms <= 0 {
			slog.Warn("ignoring invalid persisted tunable", "key", f.key, "value", raw)
			continue
		}
		*f.dst = time.Duration(ms) * time.Millisecond
	}
	return t, nil
}

// SaveTimeouts persists all three timeouts as millisecond strings.
func SaveTimeouts(ctx context.Context, kv StringKV, t Timeouts) error {
	if err := t.Validate(); err != nil {
		return err
	}
	for _, f := range []struct {
		key string
		d   time.Duration
	}{
		{KeyTransientTimeout, t.Transient},
		{KeyActualTimeout, t.Actual},
		{KeyMinimumDuration, t.Minimum},
	} {
		if err := kv.SetString(ctx, f.key, strconv.FormatInt(f.d.Milliseconds(), 10)); err != nil {
			return fmt.Errorf("save %s: %w", f.key, err)
		}
	}
	return nil
}

// LoadFriendList returns the persisted friend list string.
func LoadFriendList(ctx context.Context, kv StringKV) (string, bool, error) {
	s, ok, err := kv.GetString(ctx, KeyFriendList)
	if err != nil {
		return "", false, fmt.Errorf("load %s: %w", KeyFriendList, err)
	}
	return s, ok, nil
}

// SaveFriendList persists the friend list string.
func SaveFriendList(ctx context.Context, kv StringKV, list string) error {
	if err := kv.SetString(ctx, KeyFriendList, list); err != nil {
		return fmt.Errorf("save %s: %w", KeyFriendList, err)
	}
	return nil
}
