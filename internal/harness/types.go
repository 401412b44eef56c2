package harness

import (
	"github.com/MEI-Research/ble-beacon-module/internal/engine"
	"github.com/MEI-Research/ble-beacon-module/internal/event"
)

// TraceEvent is one record the engine queued while a step ran.
type TraceEvent struct {
	Step   int          `json:"step"`
	AtMS   int64        `json:"at_ms"`
	Record event.Record `json:"record"`
}

// Notable is one notable-encounter notification raised while a step ran.
type Notable struct {
	Step   int    `json:"step"`
	Beacon string `json:"beacon"`
	Friend string `json:"friend"`
}

// FinalStatus is an encounter's state after the last step.
type FinalStatus struct {
	Beacon string        `json:"beacon"`
	Friend string        `json:"friend"`
	Status engine.Status `json:"status"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool `json:"pass"`

	// Trace holds the queued records in queue order.
	Trace []TraceEvent `json:"trace"`

	// Notable holds notable-encounter notifications in delivery order.
	Notable []Notable `json:"notable,omitempty"`

	// Final holds every registered beacon's final status in registration
	// order.
	Final []FinalStatus `json:"final"`

	// Errors holds assertion failures. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Final:  []FinalStatus{},
		Errors: []string{},
	}
}

// AddError adds an assertion failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// EventTypes returns the event_type of every trace record, in order.
func (r *Result) EventTypes() []string {
	out := make([]string, len(r.Trace))
	for i, ev := range r.Trace {
		out[i] = string(ev.Record.Type())
	}
	return out
}

// FinalStatusOf returns the final status of beacon ("major-minor").
func (r *Result) FinalStatusOf(beacon string) (FinalStatus, bool) {
	for _, f := range r.Final {
		if f.Beacon == beacon {
			return f, true
		}
	}
	return FinalStatus{}, false
}
