package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Type is the value of a record's event_type field.
type Type string

const (
	TypeMessage        Type = "message"
	TypeStartTransient Type = "start_transient_encounter"
	TypeEndTransient   Type = "end_transient_encounter"
	TypeStartActual    Type = "start_actual_encounter"
	TypeEndActual      Type = "end_actual_encounter"
	TypeDiagnostic     Type = "diagnostic"
)

// Field names shared by producers and consumers of records.
const (
	FieldEventID   = "event_id"
	FieldEventType = "event_type"
	FieldTimestamp = "timestamp"

	FieldFriendName       = "friend_name"
	FieldTag              = "tag"
	FieldMajorID          = "major_id"
	FieldMinorID          = "minor_id"
	FieldMinDuration      = "min_duration_secs"
	FieldActualTimeout    = "actual_enc_timeout_secs"
	FieldTransientTimeout = "transient_enc_timeout_secs"
	FieldStartedAt        = "started_at"
	FieldLastDetected     = "last_detected"

	FieldNumEvents = "num_events"
	FieldMaxDelta  = "max_detect_event_delta_t"
	FieldAvgDelta  = "avg_detect_event_delta_t"
	FieldSDDelta   = "sd_detect_event_delta_t"
	FieldPrevDelta = "prev_detect_event_delta_t"

	FieldMessage      = "message"
	FieldMoreData     = "more_data"
	FieldScheduledFor = "scheduled_for"
)

// TimestampLayout renders yyyy-MM-dd'T'HH:mm:ssZ, e.g. 2024-03-01T09:30:00+0000.
const TimestampLayout = "2006-01-02T15:04:05-0700"

// FormatTimestamp formats t in loc using TimestampLayout.
// A nil loc means time.Local.
func FormatTimestamp(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return t.In(loc).Format(TimestampLayout)
}

// ParseTimestamp parses a timestamp produced by FormatTimestamp.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(TimestampLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

// Record is a single structured event.
type Record map[string]any

// New creates a record with the fields every event carries.
func New(id string, typ Type, ts time.Time, loc *time.Location) Record {
	return Record{
		FieldEventID:   id,
		FieldEventType: string(typ),
		FieldTimestamp: FormatTimestamp(ts, loc),
	}
}

// Type returns the record's event_type, or "" if absent.
func (r Record) Type() Type {
	s, _ := r[FieldEventType].(string)
	return Type(s)
}

// String returns the string value of field, or "" if absent or not a string.
func (r Record) String(field string) string {
	s, _ := r[field].(string)
	return s
}

// Encode serializes the record as compact JSON without a trailing newline.
// Keys are emitted in sorted order.
func (r Record) Encode() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(map[string]any(r)); err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return bytes.TrimSpace(buf.Bytes()), nil
}

// Decode parses a record previously produced by Encode.
func Decode(data []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return r, nil
}
