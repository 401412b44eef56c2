// Package engine implements the encounter lifecycle engine.
//
// The engine keeps one Record per known beacon identity and drives it
// through INACTIVE → TRANSIENT → ACTUAL → INACTIVE in response to beacon
// detections and scheduled wake-ups. Every transition is persisted to the
// key-value substrate and reported as an event into the durable queue.
//
// LIFECYCLE:
//
//   - INACTIVE, detected: start a transient encounter (startedAt =
//     lastDetectedAt = now, stats reset). Nothing is emitted yet.
//   - TRANSIENT or ACTUAL, detected: record the delta since the last
//     detection and move lastDetectedAt.
//   - TRANSIENT, now >= actualAt: become ACTUAL, emit
//     start_actual_encounter once, and tell the Notifier.
//   - TRANSIENT or ACTUAL, now >= expiresAt: become INACTIVE. A transient
//     encounter first emits the withheld start_transient_encounter, then
//     end_transient_encounter; an actual one emits end_actual_encounter.
//
// where
//
//	expiresAt = lastDetectedAt + (actual timeout if ACTUAL else transient timeout)
//	actualAt  = startedAt + minimum duration
//
// Expiry is checked before promotion, so a wake-up that arrives after both
// deadlines ends the encounter as transient.
//
// SCHEDULING:
//
// After every detection and every evaluation the engine picks the next
// instant the record could change: expiresAt when ACTUAL, otherwise
// min(expiresAt, actualAt). A deadline already reached is evaluated
// immediately. Otherwise a wake-up is requested unless one at or before
// that instant is still outstanding. Wake-ups are never cancelled; one that
// arrives early finds nothing to do and simply reschedules.
//
// CONCURRENCY:
//
// One mutex guards the identity registry and every record. Detection
// callbacks and wake-ups may arrive on any goroutine and are serialized by
// it. The Notifier runs after the mutex is released.
package engine
