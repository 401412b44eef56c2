package harness

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/MEI-Research/ble-beacon-module/internal/config"
	"github.com/MEI-Research/ble-beacon-module/internal/engine"
	"github.com/MEI-Research/ble-beacon-module/internal/event"
)

// Scenario is a replayable encounter timeline with assertions.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Friends is the friend list applied before the first step.
	Friends string `yaml:"friends,omitempty"`

	// Timeouts seeds the engine's timeouts. Defaults to
	// config.DefaultTimeouts when omitted.
	Timeouts *config.TimeoutsConfig `yaml:"timeouts,omitempty"`

	// Steps is the timeline, ordered by at_ms.
	Steps []Step `yaml:"steps"`

	// Assertions validate the trace and final statuses.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one instant on the scenario timeline.
type Step struct {
	// AtMS is the step's time in milliseconds since the Unix epoch.
	AtMS int64 `yaml:"at_ms"`

	// Advance delivers every wake-up due by AtMS before the step's action.
	Advance bool `yaml:"advance,omitempty"`

	Detect   *BeaconRef             `yaml:"detect,omitempty"`
	Wake     *WakeRef               `yaml:"wake,omitempty"`
	Friends  *string                `yaml:"friends,omitempty"`
	Timeouts *config.TimeoutsConfig `yaml:"timeouts,omitempty"`
}

// BeaconRef names a beacon by its identifiers.
type BeaconRef struct {
	Major string `yaml:"major"`
	Minor string `yaml:"minor"`
}

// WakeRef is an explicit wake-up delivered at the step's time. Setting
// ScheduledForMS earlier than the step simulates a late alarm.
type WakeRef struct {
	Major          string `yaml:"major"`
	Minor          string `yaml:"minor"`
	ScheduledForMS int64  `yaml:"scheduled_for_ms"`
}

func (s Step) actions() int {
	n := 0
	if s.Detect != nil {
		n++
	}
	if s.Wake != nil {
		n++
	}
	if s.Friends != nil {
		n++
	}
	if s.Timeouts != nil {
		n++
	}
	return n
}

// Assertion validates the trace or final state.
type Assertion struct {
	// Type is one of event_order, event_count, final_status.
	Type string `yaml:"type"`

	// Events is the expected relative order (event_order).
	Events []string `yaml:"events,omitempty"`

	// Event is the event type to count (event_count).
	Event string `yaml:"event,omitempty"`

	// Count is the expected number of occurrences (event_count).
	Count int `yaml:"count,omitempty"`

	// Beacon is "major-minor". Required for final_status, optional filter
	// for event_count.
	Beacon string `yaml:"beacon,omitempty"`

	// Status is the expected final status (final_status).
	Status string `yaml:"status,omitempty"`
}

// Assertion type constants.
const (
	AssertEventOrder  = "event_order"
	AssertEventCount  = "event_count"
	AssertFinalStatus = "final_status"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict decoding catches typos like "assertion:" vs "assertions:".
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// timeouts returns the scenario's seed timeouts.
func (s *Scenario) timeouts() config.Timeouts {
	if s.Timeouts == nil {
		return config.DefaultTimeouts()
	}
	return s.Timeouts.Durations()
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if strings.ContainsAny(s.Name, `/\ `) {
		return fmt.Errorf("name %q must not contain slashes or spaces", s.Name)
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	if s.Timeouts != nil {
		if err := s.Timeouts.Durations().Validate(); err != nil {
			return fmt.Errorf("timeouts: %w", err)
		}
	}

	var last int64
	for i, step := range s.Steps {
		if step.AtMS < 0 {
			return fmt.Errorf("steps[%d]: at_ms must be non-negative", i)
		}
		if step.AtMS < last {
			return fmt.Errorf("steps[%d]: at_ms %d is before the previous step (%d)", i, step.AtMS, last)
		}
		last = step.AtMS

		switch n := step.actions(); {
		case n > 1:
			return fmt.Errorf("steps[%d]: at most one of detect, wake, friends, timeouts", i)
		case n == 0 && !step.Advance:
			return fmt.Errorf("steps[%d]: nothing to do (set advance or an action)", i)
		}

		if d := step.Detect; d != nil && (d.Major == "" || d.Minor == "") {
			return fmt.Errorf("steps[%d].detect: major and minor are required", i)
		}
		if w := step.Wake; w != nil && (w.Major == "" || w.Minor == "") {
			return fmt.Errorf("steps[%d].wake: major and minor are required", i)
		}
		if t := step.Timeouts; t != nil {
			if err := t.Durations().Validate(); err != nil {
				return fmt.Errorf("steps[%d].timeouts: %w", i, err)
			}
		}
	}

	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}

	return nil
}

var knownEventTypes = map[string]bool{
	string(event.TypeMessage):        true,
	string(event.TypeStartTransient): true,
	string(event.TypeEndTransient):   true,
	string(event.TypeStartActual):    true,
	string(event.TypeEndActual):      true,
	string(event.TypeDiagnostic):     true,
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertEventOrder:
		if len(a.Events) == 0 {
			return fmt.Errorf("assertions[%d]: events list is required for event_order", index)
		}
		for _, ev := range a.Events {
			if !knownEventTypes[ev] {
				return fmt.Errorf("assertions[%d]: unknown event type %q", index, ev)
			}
		}
	case AssertEventCount:
		if !knownEventTypes[a.Event] {
			return fmt.Errorf("assertions[%d]: event_count needs a known event type, got %q", index, a.Event)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for event_count", index)
		}
	case AssertFinalStatus:
		if a.Beacon == "" {
			return fmt.Errorf("assertions[%d]: beacon is required for final_status", index)
		}
		if _, err := engine.ParseStatus(a.Status); err != nil {
			return fmt.Errorf("assertions[%d]: %w", index, err)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
