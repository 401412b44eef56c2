package harness

import (
	"fmt"
	"strings"

	"github.com/MEI-Research/ble-beacon-module/internal/event"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nFull trace:\n")
	for i, ev := range e.Trace {
		fmt.Fprintf(&buf, "  [%d] step=%d %s %s\n", i+1, ev.Step, ev.Record.Type(), beaconOf(ev.Record))
	}

	return buf.String()
}

func beaconOf(r event.Record) string {
	major, minor := r.String(event.FieldMajorID), r.String(event.FieldMinorID)
	if major == "" && minor == "" {
		return ""
	}
	return major + "-" + minor
}

// assertEventOrder checks that the listed event types occur as a
// subsequence of the trace.
func assertEventOrder(trace []TraceEvent, a Assertion) error {
	next := 0
	for _, ev := range trace {
		if next < len(a.Events) && string(ev.Record.Type()) == a.Events[next] {
			next++
		}
	}
	if next == len(a.Events) {
		return nil
	}

	return &AssertionError{
		Type:     AssertEventOrder,
		Expected: fmt.Sprintf("events in order: %v", a.Events),
		Actual:   fmt.Sprintf("matched %v, then no %s", a.Events[:next], a.Events[next]),
		Trace:    trace,
	}
}

// assertEventCount checks that the event type appears exactly Count times.
func assertEventCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, ev := range trace {
		if string(ev.Record.Type()) != a.Event {
			continue
		}
		if a.Beacon != "" && beaconOf(ev.Record) != a.Beacon {
			continue
		}
		count++
	}

	if count == a.Count {
		return nil
	}

	what := a.Event
	if a.Beacon != "" {
		what += " for " + a.Beacon
	}
	return &AssertionError{
		Type:     AssertEventCount,
		Expected: fmt.Sprintf("%d occurrences of %s", a.Count, what),
		Actual:   fmt.Sprintf("%d occurrences", count),
		Trace:    trace,
	}
}

// assertFinalStatus checks a beacon's status after the last step.
func assertFinalStatus(result *Result, a Assertion) error {
	f, ok := result.FinalStatusOf(a.Beacon)
	if !ok {
		return &AssertionError{
			Type:     AssertFinalStatus,
			Expected: fmt.Sprintf("%s is %s", a.Beacon, a.Status),
			Actual:   "beacon not registered",
			Trace:    result.Trace,
		}
	}
	if string(f.Status) != a.Status {
		return &AssertionError{
			Type:     AssertFinalStatus,
			Expected: fmt.Sprintf("%s is %s", a.Beacon, a.Status),
			Actual:   string(f.Status),
			Trace:    result.Trace,
		}
	}
	return nil
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errors []string

	for i, a := range assertions {
		var err error

		switch a.Type {
		case AssertEventOrder:
			err = assertEventOrder(result.Trace, a)
		case AssertEventCount:
			err = assertEventCount(result.Trace, a)
		case AssertFinalStatus:
			err = assertFinalStatus(result, a)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, a.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
