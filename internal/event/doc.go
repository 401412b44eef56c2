// Package event defines the structured records the encounter engine writes
// into the durable queue.
//
// A record is a flat JSON object. Every record carries:
//
//   - event_id: a UUIDv7, so consumers can drop duplicates delivered under
//     the queue's at-least-once guarantee
//   - event_type: one of the Type constants
//   - timestamp: formatted with TimestampLayout
//
// Encounter records additionally carry the friend's name, tag, identity and
// the tunables in effect. End-of-encounter records add last_detected, and all
// encounter records except start_transient_encounter carry detection stats.
//
// Records are encoded with HTML escaping disabled so that names such as
// "Ann & Bob" survive byte-for-byte.
package event
