package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/MEI-Research/ble-beacon-module/internal/engine"
	"github.com/MEI-Research/ble-beacon-module/internal/event"
	"github.com/MEI-Research/ble-beacon-module/internal/queue"
	"github.com/MEI-Research/ble-beacon-module/internal/store"
	"github.com/MEI-Research/ble-beacon-module/internal/testutil"
)

// Harness runs one scenario against a real engine wired to an in-memory
// store, a fake clock and a manual scheduler.
type Harness struct {
	store  *store.Store
	queue  *queue.Queue
	engine *engine.Engine
	clock  *testutil.FakeClock
	sched  *testutil.ManualScheduler
	logger *slog.Logger

	step    int
	notable []Notable
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database for isolation.
//
// Execution flow:
//  1. Create the store, queue and engine
//  2. Apply the scenario's friend list
//  3. Execute steps, draining the queue into the trace after each one
//  4. Record final statuses and evaluate assertions
func Run(scenario *Scenario) (*Result, error) {
	return RunContext(context.Background(), scenario, nil)
}

// RunContext is Run with a context and an optional logger for step
// progress. A nil logger discards output.
func RunContext(ctx context.Context, scenario *Scenario, logger *slog.Logger) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	h := &Harness{
		store:  st,
		queue:  queue.New(st),
		clock:  testutil.NewFakeClockMillis(0),
		sched:  testutil.NewManualScheduler(),
		logger: logger,
	}
	h.engine = engine.New(st, h.queue, h.sched, h.clock,
		engine.WithTimeouts(scenario.timeouts()),
		engine.WithIDGenerator(event.NewSequentialGenerator("evt")),
		engine.WithLocation(time.UTC),
		engine.WithNotifier(engine.NotifierFunc(h.onNotable)),
	)

	result := NewResult()

	if scenario.Friends != "" {
		if err := h.engine.SetFriendList(ctx, scenario.Friends); err != nil {
			return nil, fmt.Errorf("failed to apply friend list: %w", err)
		}
	}

	for i, step := range scenario.Steps {
		h.step = i
		if err := h.executeStep(ctx, step); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		if err := h.drain(ctx, step, result); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
	}
	result.Notable = append(result.Notable, h.notable...)

	for _, s := range h.engine.Snapshots() {
		result.Final = append(result.Final, FinalStatus{
			Beacon: s.Key(),
			Friend: s.Name,
			Status: s.Status,
		})
	}

	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

// executeStep moves the clock, optionally delivers due wake-ups, and applies
// the step's action.
func (h *Harness) executeStep(ctx context.Context, step Step) error {
	at := time.UnixMilli(step.AtMS).UTC()

	if step.Advance {
		h.advanceTo(ctx, at)
	}
	h.clock.Set(at)

	switch {
	case step.Friends != nil:
		h.logger.Debug("friends", "step", h.step, "list", *step.Friends)
		return h.engine.SetFriendList(ctx, *step.Friends)

	case step.Timeouts != nil:
		h.logger.Debug("timeouts", "step", h.step, "timeouts", *step.Timeouts)
		return h.engine.SetTimeouts(ctx, step.Timeouts.Durations())

	case step.Detect != nil:
		h.logger.Debug("detect", "step", h.step, "major", step.Detect.Major, "minor", step.Detect.Minor, "at_ms", step.AtMS)
		h.engine.OnBeaconDetected(ctx, step.Detect.Major, step.Detect.Minor, at)

	case step.Wake != nil:
		scheduled := time.UnixMilli(step.Wake.ScheduledForMS).UTC()
		h.logger.Debug("wake", "step", h.step, "major", step.Wake.Major, "minor", step.Wake.Minor,
			"scheduled_for_ms", step.Wake.ScheduledForMS, "at_ms", step.AtMS)
		h.engine.OnScheduledWake(ctx, step.Wake.Major, step.Wake.Minor, scheduled, at)
	}
	return nil
}

// advanceTo delivers every scheduled wake-up with a deadline at or before
// at, each at its own deadline. Wake-ups scheduled while delivering are
// picked up by the next round.
func (h *Harness) advanceTo(ctx context.Context, at time.Time) {
	for {
		due := h.sched.Due(at)
		if len(due) == 0 {
			return
		}
		for _, w := range due {
			h.clock.Set(w.ScheduledFor)
			h.logger.Debug("deliver wake-up", "step", h.step, "beacon", w.Key.String(),
				"scheduled_for_ms", w.ScheduledFor.UnixMilli())
			h.engine.HandleWake(ctx, w, w.ScheduledFor)
		}
	}
}

// drain withdraws everything the step queued and appends it to the trace.
func (h *Harness) drain(ctx context.Context, step Step, result *Result) error {
	for _, payload := range h.queue.WithdrawBatch(ctx, 0) {
		rec, err := event.Decode(payload)
		if err != nil {
			return err
		}
		result.Trace = append(result.Trace, TraceEvent{Step: h.step, AtMS: step.AtMS, Record: rec})
	}
	return nil
}

func (h *Harness) onNotable(_ context.Context, s engine.Snapshot) {
	h.notable = append(h.notable, Notable{Step: h.step, Beacon: s.Key(), Friend: s.Name})
}
