// Package testutil provides deterministic stand-ins for the wall clock and
// the wake-up scheduler, used by engine tests and the scenario harness.
package testutil
