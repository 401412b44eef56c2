// Package stats keeps running statistics over the time between consecutive
// beacon detections.
package stats

import (
	"math"
	"time"
)

// Accumulator tracks count, sum, sum of squares, max and last value of a
// stream of millisecond deltas. The zero value is ready to use.
//
// Accumulator is not safe for concurrent use; callers hold the engine lock.
type Accumulator struct {
	count      int
	sum        float64
	sumSquares float64
	max        float64
	last       float64
}

// Snapshot is a point-in-time summary in seconds.
//
// When Count is zero only Count and Max are meaningful; Mean, StdDev and
// LastDelta are zero and HasMoments is false.
type Snapshot struct {
	Count      int     `json:"count"`
	Mean       float64 `json:"mean_secs,omitempty"`
	StdDev     float64 `json:"stddev_secs,omitempty"`
	Max        float64 `json:"max_secs"`
	LastDelta  float64 `json:"last_delta_secs,omitempty"`
	HasMoments bool    `json:"-"`
}

// Reset zeroes all fields.
func (a *Accumulator) Reset() {
	*a = Accumulator{}
}

// Observe records one delta.
func (a *Accumulator) Observe(delta time.Duration) {
	a.ObserveMillis(float64(delta.Milliseconds()))
}

// ObserveMillis records one delta expressed in milliseconds.
func (a *Accumulator) ObserveMillis(ms float64) {
	a.count++
	a.sum += ms
	a.sumSquares += ms * ms
	if ms > a.max {
		a.max = ms
	}
	a.last = ms
}

// Count returns the number of observed deltas.
func (a *Accumulator) Count() int {
	return a.count
}

// Snapshot summarizes the observed deltas in seconds.
//
// The standard deviation is the population form
// sqrt((sumSquares - sum²/count) / count). Rounding can push the variance
// slightly below zero for long, near-constant streams, so it is clamped.
func (a *Accumulator) Snapshot() Snapshot {
	if a.count <= 0 {
		return Snapshot{Count: a.count, Max: a.max / 1000}
	}

	n := float64(a.count)
	variance := (a.sumSquares - a.sum*a.sum/n) / n
	if variance < 0 {
		variance = 0
	}

	return Snapshot{
		Count:      a.count,
		Mean:       a.sum / n / 1000,
		StdDev:     math.Sqrt(variance) / 1000,
		Max:        a.max / 1000,
		LastDelta:  a.last / 1000,
		HasMoments: true,
	}
}
