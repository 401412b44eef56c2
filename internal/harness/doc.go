// Package harness replays encounter scenarios against the real engine.
//
// A scenario drives the engine with a timeline of detections and wake-ups,
// collects every record the engine writes into the durable queue, and checks
// assertions against the resulting trace and the final encounter statuses.
//
// # Scenario Format
//
// Scenarios are YAML files with the following structure:
//
//	name: actual_encounter
//	description: "Steady detections become one actual encounter"
//	friends: "bob-200-1-wristband"
//	timeouts: { transient_ms: 120000, actual_ms: 180000, minimum_ms: 60000 }
//	steps:
//	  - at_ms: 0
//	    detect: { major: "200", minor: "1" }
//	  - at_ms: 150000
//	    wake: { major: "200", minor: "1", scheduled_for_ms: 60000 }
//	  - at_ms: 400000
//	    advance: true
//	assertions:
//	  - type: event_order
//	    events: [start_actual_encounter, end_actual_encounter]
//	  - type: event_count
//	    event: start_actual_encounter
//	    count: 1
//	  - type: final_status
//	    beacon: "200-1"
//	    status: INACTIVE
//
// Each step moves the clock to at_ms. With advance set, every wake-up the
// engine scheduled up to at_ms is delivered first, each at its own deadline
// and in deadline order. A step then applies at most one of friends,
// timeouts, detect or wake. Wake-ups are never delivered implicitly; a
// scenario that never advances sees only the wake steps it spells out.
//
// # Assertion Types
//
//   - event_order: the listed event types appear in the trace in this order
//     (other events may come between them)
//   - event_count: the event type appears exactly count times, optionally
//     only counting records for one beacon ("major-minor")
//   - final_status: the beacon's encounter ends in the given status
//
// # Deterministic Testing
//
// Every run uses a fresh in-memory store, a fake clock starting at the Unix
// epoch, sequential event IDs (evt-0001, ...) and UTC timestamps, so traces
// are byte-for-byte reproducible and can be compared with golden files.
package harness
