package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/MEI-Research/ble-beacon-module/internal/beacon"
	"github.com/MEI-Research/ble-beacon-module/internal/clock"
	"github.com/MEI-Research/ble-beacon-module/internal/config"
	"github.com/MEI-Research/ble-beacon-module/internal/event"
	"github.com/MEI-Research/ble-beacon-module/internal/metrics"
	"github.com/MEI-Research/ble-beacon-module/internal/scheduler"
)

// DefaultWakeDelayWarning is how far a wake-up may miss its scheduled time
// before the engine reports the delay as a message event.
const DefaultWakeDelayWarning = 5 * time.Minute

// KV is the key-value substrate the engine persists into.
// *store.Store implements it.
type KV interface {
	config.StringKV
	GetList(ctx context.Context, key string) ([]string, bool, error)
	SetList(ctx context.Context, key string, values []string) error
}

// Sink receives encoded events. *queue.Queue implements it.
type Sink interface {
	Enqueue(ctx context.Context, payload []byte) error
}

// Engine is the encounter lifecycle engine.
//
// Thread-safety model:
//   - OnBeaconDetected, OnScheduledWake, SetFriendList, SetTimeouts and the
//     read accessors are safe from any goroutine; all serialize on mu
//   - the Scheduler is called with mu held and must not call back
//     synchronously
type Engine struct {
	mu       sync.Mutex
	registry *beacon.Registry
	records  map[beacon.Key]*Record
	timeouts config.Timeouts

	kv      KV
	sink    Sink
	sched   scheduler.Scheduler
	clock   clock.Clock
	ids     event.IDGenerator
	loc     *time.Location
	metrics *metrics.Metrics

	notifier     Notifier
	pendingNotes []Snapshot // notable encounters to deliver after unlock

	wakeDelayWarning time.Duration
}

// EngineOption allows configuration of engine parameters.
type EngineOption func(*Engine)

// WithTimeouts sets the timeouts used until Restore loads persisted ones.
// Default: config.DefaultTimeouts().
func WithTimeouts(t config.Timeouts) EngineOption {
	return func(e *Engine) {
		e.timeouts = t
	}
}

// WithIDGenerator sets the event_id generator. Default: UUIDv7.
func WithIDGenerator(g event.IDGenerator) EngineOption {
	return func(e *Engine) {
		e.ids = g
	}
}

// WithLocation sets the zone event timestamps are rendered in.
// Default: time.Local.
func WithLocation(loc *time.Location) EngineOption {
	return func(e *Engine) {
		e.loc = loc
	}
}

// WithNotifier sets the notable-encounter side effect. Default: LogNotifier.
func WithNotifier(n Notifier) EngineOption {
	return func(e *Engine) {
		e.notifier = n
	}
}

// WithMetrics records engine activity into m.
func WithMetrics(m *metrics.Metrics) EngineOption {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithWakeDelayWarning overrides DefaultWakeDelayWarning.
func WithWakeDelayWarning(d time.Duration) EngineOption {
	return func(e *Engine) {
		e.wakeDelayWarning = d
	}
}

// New creates an Engine with an empty registry. Call Restore to load the
// persisted tunables and friend list.
func New(kv KV, sink Sink, sched scheduler.Scheduler, clk clock.Clock, opts ...EngineOption) *Engine {
	e := &Engine{
		registry:         beacon.NewRegistry(),
		records:          make(map[beacon.Key]*Record),
		timeouts:         config.DefaultTimeouts(),
		kv:               kv,
		sink:             sink,
		sched:            sched,
		clock:            clk,
		ids:              event.UUIDv7Generator{},
		loc:              time.Local,
		notifier:         LogNotifier{},
		wakeDelayWarning: DefaultWakeDelayWarning,
	}
	if e.clock == nil {
		e.clock = clock.System{}
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Restore loads the persisted timeouts and friend list once, restoring each
// identity's persisted state and re-arming its wake-ups. Encounters that
// expired while the process was down are closed out immediately.
func (e *Engine) Restore(ctx context.Context) error {
	e.mu.Lock()
	defer e.unlockAndNotify(ctx)

	t, err := config.LoadTimeouts(ctx, e.kv, e.timeouts)
	if err != nil {
		return newError(ErrCodePersistFailed, "", "load timeouts", err)
	}
	e.timeouts = t

	list, ok, err := config.LoadFriendList(ctx, e.kv)
	if err != nil {
		return newError(ErrCodePersistFailed, "", "load friend list", err)
	}
	if ok {
		e.applyFriendList(ctx, list, e.clock.Now())
	}

	slog.Info("engine restored",
		"identities", e.registry.Len(),
		"transient_timeout", e.timeouts.Transient,
		"actual_timeout", e.timeouts.Actual,
		"minimum_duration", e.timeouts.Minimum,
	)
	return nil
}

// SetFriendList parses list, registers its identities, persists the list
// and restores each identity's persisted state. Malformed entries are
// skipped.
func (e *Engine) SetFriendList(ctx context.Context, list string) error {
	e.mu.Lock()
	defer e.unlockAndNotify(ctx)

	e.applyFriendList(ctx, list, e.clock.Now())

	if err := config.SaveFriendList(ctx, e.kv, list); err != nil {
		e.metrics.PersistError()
		return newError(ErrCodePersistFailed, "", "save friend list", err)
	}
	return nil
}

// applyFriendList registers identities and reschedules them. Callers hold mu.
func (e *Engine) applyFriendList(ctx context.Context, list string, now time.Time) {
	ids := beacon.ParseFriendList(list)
	slog.Debug("setting friend list", "entries", len(ids))

	for _, id := range ids {
		key := id.Key()
		e.registry.Upsert(id)

		rec, ok := e.records[key]
		if !ok {
			rec = newRecord(id)
			e.records[key] = rec
			e.metrics.TrackRecord(string(rec.Status))
		}
		rec.Identity = id

		e.restoreRecord(ctx, rec)
		e.reschedule(ctx, rec, now)
	}
}

// restoreRecord applies persisted state if present. Callers hold mu.
func (e *Engine) restoreRecord(ctx context.Context, rec *Record) {
	key := rec.key()
	values, ok, err := e.kv.GetList(ctx, PersistKey(key))
	if err != nil {
		slog.Error("failed to read persisted encounter", "beacon", key.String(), "error", err)
		return
	}
	if !ok {
		return
	}

	before := rec.Status
	if err := rec.restore(values); err != nil {
		slog.Warn("ignoring persisted encounter state",
			"error", newError(ErrCodeBadPersistedState, key.String(), "restore", err),
			"values", values,
		)
		return
	}
	if before != rec.Status {
		e.metrics.Transition(string(before), string(rec.Status))
	}
}

// OnBeaconDetected handles one detection of (major, minor) at now.
// Detections of identities not in the registry are logged and ignored.
func (e *Engine) OnBeaconDetected(ctx context.Context, major, minor string, now time.Time) {
	e.mu.Lock()
	defer e.unlockAndNotify(ctx)

	id, ok := e.registry.Lookup(major, minor)
	if !ok {
		e.metrics.Detection("unknown")
		slog.Info("ignoring unknown beacon", "major", major, "minor", minor)
		return
	}
	rec := e.records[id.Key()]
	e.metrics.Detection("tracked")

	switch {
	case rec.Status == StatusInactive:
		e.becomeTransient(rec, now)
	case now.Before(rec.LastDetectedAt):
		// Out of order: count it, but never move the last detection back.
		slog.Warn("detection older than last detection",
			"beacon", id.Key().String(), "at", now, "last_detected", rec.LastDetectedAt)
		rec.Stats.Observe(0)
	default:
		rec.Stats.Observe(now.Sub(rec.LastDetectedAt))
		rec.LastDetectedAt = now
	}
	e.persist(ctx, rec)
	e.reschedule(ctx, rec, now)
}

// OnScheduledWake re-evaluates (major, minor) for a wake-up that was
// scheduled for scheduledFor and delivered at now.
func (e *Engine) OnScheduledWake(ctx context.Context, major, minor string, scheduledFor, now time.Time) {
	e.mu.Lock()
	defer e.unlockAndNotify(ctx)

	key := beacon.Key{Major: major, Minor: minor}
	if delay := now.Sub(scheduledFor); delay > e.wakeDelayWarning || -delay > e.wakeDelayWarning {
		e.metrics.Wake("delayed")
		e.appLog(ctx, now,
			fmt.Sprintf("Encounter receive alarm for %s was delayed by %.1f min", key, delay.Minutes()),
			map[string]any{event.FieldScheduledFor: event.FormatTimestamp(scheduledFor, e.loc)},
		)
	}

	rec, ok := e.records[key]
	if !ok {
		e.metrics.Wake("unknown")
		err := newError(ErrCodeUnknownIdentity, key.String(), "wake-up for untracked identity", nil)
		slog.Warn("stale wake-up", "error", err, "scheduled_for", scheduledFor)
		e.emitDiagnostic(ctx, key, scheduledFor, now, err.Error())
		return
	}

	// Only the wake-up we are waiting for (or one already overdue) releases
	// the outstanding slot; an older early one leaves it armed.
	if !rec.NextWakeAt.IsZero() && (rec.NextWakeAt.Equal(scheduledFor) || !rec.NextWakeAt.After(now)) {
		rec.NextWakeAt = time.Time{}
	}

	if rec.Status == StatusInactive {
		e.metrics.Wake("inactive")
		slog.Debug("ignoring wake-up for inactive encounter",
			"error", newError(ErrCodeStaleWake, key.String(), "record is inactive", nil))
		rec.NextWakeAt = time.Time{}
		return
	}

	e.metrics.Wake("evaluated")
	e.evaluate(ctx, rec, now)
}

// HandleWake adapts OnScheduledWake to scheduler.Handler.
func (e *Engine) HandleWake(ctx context.Context, w scheduler.Wake, now time.Time) {
	e.OnScheduledWake(ctx, w.Key.Major, w.Key.Minor, w.ScheduledFor, now)
}

// Snapshot returns a copy of the record for (major, minor).
func (e *Engine) Snapshot(major, minor string) (Snapshot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, ok := e.records[beacon.Key{Major: major, Minor: minor}]
	if !ok {
		return Snapshot{}, false
	}
	return rec.snapshot(e.timeouts), true
}

// Snapshots returns copies of all records in registration order.
func (e *Engine) Snapshots() []Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	ids := e.registry.Identities()
	out := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		out = append(out, e.records[id.Key()].snapshot(e.timeouts))
	}
	return out
}

// Friends returns the registered identities in registration order.
func (e *Engine) Friends() []beacon.Identity {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.registry.Identities()
}

// Timeouts returns the timeouts in effect.
func (e *Engine) Timeouts() config.Timeouts {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.timeouts
}

// SetTimeouts validates, persists and applies t, then reschedules every
// open encounter against the new deadlines.
func (e *Engine) SetTimeouts(ctx context.Context, t config.Timeouts) error {
	if err := t.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.unlockAndNotify(ctx)

	if err := config.SaveTimeouts(ctx, e.kv, t); err != nil {
		e.metrics.PersistError()
		return newError(ErrCodePersistFailed, "", "save timeouts", err)
	}
	e.timeouts = t
	slog.Info("timeouts updated",
		"transient_timeout", t.Transient,
		"actual_timeout", t.Actual,
		"minimum_duration", t.Minimum,
	)

	now := e.clock.Now()
	keys := make([]beacon.Key, 0, len(e.records))
	for key := range e.records {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	for _, key := range keys {
		e.reschedule(ctx, e.records[key], now)
	}
	return nil
}

// AppLog emits a message event stamped with the current time.
func (e *Engine) AppLog(ctx context.Context, message string, moreData map[string]any) {
	e.appLog(ctx, e.clock.Now(), message, moreData)
}

// unlockAndNotify releases mu and then delivers queued notable encounters.
func (e *Engine) unlockAndNotify(ctx context.Context) {
	notes := e.pendingNotes
	e.pendingNotes = nil
	e.mu.Unlock()

	if e.notifier == nil {
		return
	}
	for _, s := range notes {
		e.notifier.NotableEncounter(ctx, s)
	}
}
