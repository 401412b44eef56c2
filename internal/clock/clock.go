// Package clock abstracts wall-clock time so the encounter engine and the
// scheduler can be driven deterministically in tests and scenario replays.
package clock

import "time"

// Clock reports the current wall-clock time.
type Clock interface {
	Now() time.Time
}

// System is the real wall clock.
//
// Thread-safety: System is stateless and safe for concurrent use.
type System struct{}

// Now returns time.Now().
func (System) Now() time.Time {
	return time.Now()
}

// Func adapts a function to the Clock interface.
type Func func() time.Time

// Now calls f.
func (f Func) Now() time.Time {
	return f()
}
