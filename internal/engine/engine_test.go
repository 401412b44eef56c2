package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MEI-Research/ble-beacon-module/internal/config"
	"github.com/MEI-Research/ble-beacon-module/internal/event"
	"github.com/MEI-Research/ble-beacon-module/internal/store"
	"github.com/MEI-Research/ble-beacon-module/internal/testutil"
)

// captureSink decodes every enqueued payload.
type captureSink struct {
	mu      sync.Mutex
	records []event.Record
	fail    bool
}

func (s *captureSink) Enqueue(_ context.Context, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("disk full")
	}
	r, err := event.Decode(payload)
	if err != nil {
		return err
	}
	s.records = append(s.records, r)
	return nil
}

func (s *captureSink) types() []event.Type {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]event.Type, len(s.records))
	for i, r := range s.records {
		out[i] = r.Type()
	}
	return out
}

func (s *captureSink) all() []event.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]event.Record(nil), s.records...)
}

type fixture struct {
	t     *testing.T
	ctx   context.Context
	store *store.Store
	sink  *captureSink
	sched *testutil.ManualScheduler
	clock *testutil.FakeClock
	eng   *Engine
}

var testTimeouts = config.Timeouts{
	Transient: 120 * time.Second,
	Actual:    180 * time.Second,
	Minimum:   60 * time.Second,
}

func ms(n int64) time.Time { return time.UnixMilli(n).UTC() }

func newFixture(t *testing.T, opts ...EngineOption) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return newFixtureWithStore(t, st, opts...)
}

func newFixtureWithStore(t *testing.T, st *store.Store, opts ...EngineOption) *fixture {
	t.Helper()
	f := &fixture{
		t:     t,
		ctx:   context.Background(),
		store: st,
		sink:  &captureSink{},
		sched: testutil.NewManualScheduler(),
		clock: testutil.NewFakeClockMillis(0),
	}
	base := []EngineOption{
		WithTimeouts(testTimeouts),
		WithIDGenerator(event.NewSequentialGenerator("evt")),
		WithLocation(time.UTC),
	}
	f.eng = New(st, f.sink, f.sched, f.clock, append(base, opts...)...)
	return f
}

func (f *fixture) detect(atMS int64) {
	f.advanceTo(atMS)
	f.eng.OnBeaconDetected(f.ctx, "100", "7", ms(atMS))
}

// advanceTo delivers every due wake-up at its own deadline, then moves the
// clock to atMS.
func (f *fixture) advanceTo(atMS int64) {
	for {
		due := f.sched.Due(ms(atMS))
		if len(due) == 0 {
			break
		}
		for _, w := range due {
			f.clock.Set(w.ScheduledFor)
			f.eng.HandleWake(f.ctx, w, w.ScheduledFor)
		}
	}
	f.clock.Set(ms(atMS))
}

func (f *fixture) friends(list string) {
	require.NoError(f.t, f.eng.SetFriendList(f.ctx, list))
}

func TestEngine_TransientEncounterExpires(t *testing.T) {
	f := newFixture(t)
	f.friends("alice-100-7")

	f.eng.OnBeaconDetected(f.ctx, "100", "7", ms(0))
	f.eng.OnBeaconDetected(f.ctx, "100", "7", ms(30000))

	snap, ok := f.eng.Snapshot("100", "7")
	require.True(t, ok)
	assert.Equal(t, StatusTransient, snap.Status)
	assert.Equal(t, int64(150000), snap.ExpiresAt.UnixMilli())
	assert.Empty(t, f.sink.types(), "transient start is withheld")

	f.eng.OnScheduledWake(f.ctx, "100", "7", ms(150000), ms(150000))

	require.Equal(t, []event.Type{event.TypeStartTransient, event.TypeEndTransient}, f.sink.types())
	recs := f.sink.all()
	assert.Equal(t, "1970-01-01T00:00:00+0000", recs[0].String(event.FieldTimestamp))
	assert.Equal(t, "1970-01-01T00:02:30+0000", recs[1].String(event.FieldTimestamp))
	assert.Equal(t, "1970-01-01T00:00:30+0000", recs[1].String(event.FieldLastDetected))

	snap, _ = f.eng.Snapshot("100", "7")
	assert.Equal(t, StatusInactive, snap.Status)
	assert.True(t, snap.NextWakeAt.IsZero())
}

func TestEngine_StartTransientCarriesNoStats(t *testing.T) {
	f := newFixture(t, WithTimeouts(config.Timeouts{
		Transient: 120 * time.Second,
		Actual:    180 * time.Second,
		Minimum:   180 * time.Second,
	}))
	f.friends("alice-100-7")

	f.detect(0)
	f.detect(1000)
	f.detect(3000)
	f.advanceTo(200000)

	recs := f.sink.all()
	require.Len(t, recs, 2)
	start, end := recs[0], recs[1]

	assert.NotContains(t, start, event.FieldNumEvents)
	assert.NotContains(t, start, event.FieldLastDetected)
	assert.Equal(t, "alice", start.String(event.FieldFriendName))
	assert.Equal(t, "100-7", start.String(event.FieldTag))
	assert.Equal(t, 180.0, start[event.FieldMinDuration])
	assert.Equal(t, 120.0, start[event.FieldTransientTimeout])
	assert.Equal(t, 180.0, start[event.FieldActualTimeout])

	assert.Equal(t, 2.0, end[event.FieldNumEvents])
	assert.Equal(t, 2.0, end[event.FieldMaxDelta])
	assert.Equal(t, 1.5, end[event.FieldAvgDelta])
	assert.InDelta(t, 0.5, end[event.FieldSDDelta], 1e-9)
	assert.Equal(t, 2.0, end[event.FieldPrevDelta])
	// expired at lastDetected + transient timeout
	assert.Equal(t, "1970-01-01T00:02:03+0000", end.String(event.FieldTimestamp))
}

func TestEngine_SecondEncounterResetsStats(t *testing.T) {
	f := newFixture(t, WithTimeouts(config.Timeouts{
		Transient: 120 * time.Second,
		Actual:    180 * time.Second,
		Minimum:   180 * time.Second,
	}))
	f.friends("alice-100-7")

	f.detect(0)
	f.detect(1000)
	f.detect(3000)
	f.advanceTo(200000)
	require.Equal(t, []event.Type{event.TypeStartTransient, event.TypeEndTransient}, f.sink.types())

	f.detect(300000)
	f.detect(305000)
	f.advanceTo(500000)

	require.Equal(t, []event.Type{
		event.TypeStartTransient, event.TypeEndTransient,
		event.TypeStartTransient, event.TypeEndTransient,
	}, f.sink.types())

	recs := f.sink.all()
	start, end := recs[2], recs[3]
	assert.Equal(t, "1970-01-01T00:05:00+0000", start.String(event.FieldTimestamp))
	assert.Equal(t, "1970-01-01T00:05:00+0000", start.String(event.FieldStartedAt))
	assert.Equal(t, "1970-01-01T00:05:00+0000", end.String(event.FieldStartedAt))
	assert.Equal(t, "1970-01-01T00:07:05+0000", end.String(event.FieldTimestamp))
	assert.Equal(t, 1.0, end[event.FieldNumEvents])
	assert.Equal(t, 5.0, end[event.FieldMaxDelta])
	assert.Equal(t, 5.0, end[event.FieldAvgDelta])
}

func TestEngine_OutOfOrderDetectionKeepsLatest(t *testing.T) {
	f := newFixture(t)
	f.friends("alice-100-7")

	f.eng.OnBeaconDetected(f.ctx, "100", "7", ms(0))
	f.eng.OnBeaconDetected(f.ctx, "100", "7", ms(10000))
	f.eng.OnBeaconDetected(f.ctx, "100", "7", ms(5000))

	snap, ok := f.eng.Snapshot("100", "7")
	require.True(t, ok)
	assert.Equal(t, int64(10000), snap.LastDetectedAt.UnixMilli())
	assert.Equal(t, int64(130000), snap.ExpiresAt.UnixMilli())
	assert.Equal(t, 2, snap.Stats.Count)
	assert.InDelta(t, 10.0, snap.Stats.Max, 1e-9)
	assert.Zero(t, snap.Stats.LastDelta)
	assert.GreaterOrEqual(t, snap.Stats.Mean, 0.0)
}

func TestEngine_ActualEmittedOnce(t *testing.T) {
	f := newFixture(t)
	f.friends("alice-100-7")

	for at := int64(0); at <= 120000; at += 10000 {
		f.detect(at)
	}
	snap, _ := f.eng.Snapshot("100", "7")
	assert.Equal(t, StatusActual, snap.Status)

	f.advanceTo(400000)

	require.Equal(t, []event.Type{event.TypeStartActual, event.TypeEndActual}, f.sink.types())
	recs := f.sink.all()
	assert.Equal(t, "1970-01-01T00:00:00+0000", recs[0].String(event.FieldTimestamp),
		"start_actual is stamped with when the encounter started")
	assert.Equal(t, "1970-01-01T00:05:00+0000", recs[1].String(event.FieldTimestamp))
	assert.Equal(t, "1970-01-01T00:02:00+0000", recs[1].String(event.FieldLastDetected))
	assert.Equal(t, 12.0, recs[1][event.FieldNumEvents])
}

func TestEngine_ActualOnDetectionWithoutWake(t *testing.T) {
	f := newFixture(t)
	f.friends("alice-100-7")

	// Detections delivered directly, never firing scheduled wake-ups.
	for at := int64(0); at <= 90000; at += 10000 {
		f.eng.OnBeaconDetected(f.ctx, "100", "7", ms(at))
	}

	assert.Equal(t, []event.Type{event.TypeStartActual}, f.sink.types())
	snap, _ := f.eng.Snapshot("100", "7")
	assert.Equal(t, StatusActual, snap.Status)
	assert.Equal(t, int64(90000+180000), snap.ExpiresAt.UnixMilli())
}

func TestEngine_ExpiryCheckedBeforePromotion(t *testing.T) {
	f := newFixture(t, WithTimeouts(config.Timeouts{
		Transient: 30 * time.Second,
		Actual:    180 * time.Second,
		Minimum:   60 * time.Second,
	}))
	f.friends("alice-100-7")

	f.eng.OnBeaconDetected(f.ctx, "100", "7", ms(0))
	// Late wake-up, past both actualAt (60s) and expiresAt (30s).
	f.eng.OnScheduledWake(f.ctx, "100", "7", ms(30000), ms(90000))

	assert.Equal(t, []event.Type{event.TypeStartTransient, event.TypeEndTransient}, f.sink.types())
}

func TestEngine_UnknownDetectionIgnored(t *testing.T) {
	f := newFixture(t)
	f.friends("alice-100-7")

	f.eng.OnBeaconDetected(f.ctx, "999", "1", ms(0))

	assert.Empty(t, f.sink.types())
	assert.Empty(t, f.sched.Requests())
	_, ok := f.eng.Snapshot("999", "1")
	assert.False(t, ok)
}

func TestEngine_WakeForUnknownIdentityEmitsDiagnostic(t *testing.T) {
	f := newFixture(t)

	f.eng.OnScheduledWake(f.ctx, "5", "6", ms(1000), ms(1000))

	recs := f.sink.all()
	require.Len(t, recs, 1)
	assert.Equal(t, event.TypeDiagnostic, recs[0].Type())
	assert.Equal(t, "5", recs[0].String(event.FieldMajorID))
	assert.Equal(t, "6", recs[0].String(event.FieldMinorID))
	assert.Equal(t, "1970-01-01T00:00:01+0000", recs[0].String(event.FieldScheduledFor))
	assert.Contains(t, recs[0].String(event.FieldMessage), string(ErrCodeUnknownIdentity))
}

func TestEngine_WakeForInactiveRecordIgnored(t *testing.T) {
	f := newFixture(t)
	f.friends("alice-100-7")

	f.eng.OnBeaconDetected(f.ctx, "100", "7", ms(0))
	f.eng.OnScheduledWake(f.ctx, "100", "7", ms(120000), ms(120000))
	require.Len(t, f.sink.types(), 2)

	// The wake-up armed for actualAt arrives after the encounter ended.
	f.eng.OnScheduledWake(f.ctx, "100", "7", ms(60000), ms(130000))
	assert.Len(t, f.sink.types(), 2, "no duplicate end events")
}

func TestEngine_EarlyWakeReschedules(t *testing.T) {
	f := newFixture(t)
	f.friends("alice-100-7")

	f.eng.OnBeaconDetected(f.ctx, "100", "7", ms(0))
	require.Len(t, f.sched.Requests(), 1)

	// Delivered well before its deadline: nothing changes.
	f.eng.OnScheduledWake(f.ctx, "100", "7", ms(60000), ms(10000))
	assert.Empty(t, f.sink.types())
	snap, _ := f.eng.Snapshot("100", "7")
	assert.Equal(t, StatusTransient, snap.Status)
	assert.Equal(t, int64(60000), snap.NextWakeAt.UnixMilli())
	assert.Len(t, f.sched.Requests(), 2)
}

func TestEngine_SkipsRedundantSchedule(t *testing.T) {
	f := newFixture(t)
	f.friends("alice-100-7")

	for at := int64(0); at < 60000; at += 5000 {
		f.eng.OnBeaconDetected(f.ctx, "100", "7", ms(at))
	}

	reqs := f.sched.Requests()
	require.Len(t, reqs, 1, "one wake-up at actualAt covers every detection before it")
	assert.Equal(t, int64(60000), reqs[0].ScheduledFor.UnixMilli())
}

func TestEngine_PastDeadlineEvaluatesImmediately(t *testing.T) {
	f := newFixture(t)
	f.friends("alice-100-7")

	f.eng.OnBeaconDetected(f.ctx, "100", "7", ms(0))
	f.eng.OnBeaconDetected(f.ctx, "100", "7", ms(60000))

	assert.Equal(t, []event.Type{event.TypeStartActual}, f.sink.types())
	reqs := f.sched.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, int64(240000), reqs[1].ScheduledFor.UnixMilli())
}

func TestEngine_DelayedWakeEmitsMessage(t *testing.T) {
	f := newFixture(t)
	f.friends("alice-100-7")

	f.eng.OnBeaconDetected(f.ctx, "100", "7", ms(0))
	f.eng.OnScheduledWake(f.ctx, "100", "7", ms(60000), ms(60000+10*60000))

	types := f.sink.types()
	require.Len(t, types, 3)
	assert.Equal(t, event.TypeMessage, types[0])
	msg := f.sink.all()[0]
	assert.Contains(t, msg.String(event.FieldMessage), "delayed by 10.0 min")
	more, ok := msg[event.FieldMoreData].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "1970-01-01T00:01:00+0000", more[event.FieldScheduledFor])
}

func TestEngine_NotifierCalledOnActual(t *testing.T) {
	var got []Snapshot
	f := newFixture(t, WithNotifier(NotifierFunc(func(_ context.Context, s Snapshot) {
		got = append(got, s)
	})))
	f.friends("alice-100-7-tagA")

	f.eng.OnBeaconDetected(f.ctx, "100", "7", ms(0))
	f.eng.OnScheduledWake(f.ctx, "100", "7", ms(60000), ms(60000))

	require.Len(t, got, 1)
	assert.Equal(t, "alice", got[0].Name)
	assert.Equal(t, "tagA", got[0].Tag)
	assert.Equal(t, StatusActual, got[0].Status)
}

func TestEngine_NotifierMayReadEngine(t *testing.T) {
	var f *fixture
	f = newFixture(t, WithNotifier(NotifierFunc(func(context.Context, Snapshot) {
		// Would deadlock if called with the engine lock held.
		_, _ = f.eng.Snapshot("100", "7")
	})))
	f.friends("alice-100-7")

	f.eng.OnBeaconDetected(f.ctx, "100", "7", ms(0))
	f.eng.OnBeaconDetected(f.ctx, "100", "7", ms(60000))
	assert.Equal(t, []event.Type{event.TypeStartActual}, f.sink.types())
}

func TestEngine_PersistsEveryMutation(t *testing.T) {
	f := newFixture(t)
	f.friends("alice-100-7")

	f.eng.OnBeaconDetected(f.ctx, "100", "7", ms(1000))
	f.eng.OnBeaconDetected(f.ctx, "100", "7", ms(5000))

	got, ok, err := f.store.GetList(f.ctx, "Encounter-100-7")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"TRANSIENT", "1000", "5000"}, got)

	f.eng.OnScheduledWake(f.ctx, "100", "7", ms(61000), ms(61000))
	got, _, err = f.store.GetList(f.ctx, "Encounter-100-7")
	require.NoError(t, err)
	assert.Equal(t, []string{"ACTUAL", "1000", "5000"}, got)
}

func TestEngine_RestoreResumesEncounter(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "restore.db"))
	require.NoError(t, err)
	defer st.Close()

	first := newFixtureWithStore(t, st)
	first.friends("alice-100-7")
	first.eng.OnBeaconDetected(first.ctx, "100", "7", ms(0))
	first.eng.OnBeaconDetected(first.ctx, "100", "7", ms(20000))

	// Process restarts 10 seconds later.
	second := newFixtureWithStore(t, st)
	second.clock.Set(ms(30000))
	require.NoError(t, second.eng.Restore(second.ctx))

	snap, ok := second.eng.Snapshot("100", "7")
	require.True(t, ok)
	assert.Equal(t, StatusTransient, snap.Status)
	assert.Equal(t, int64(0), snap.StartedAt.UnixMilli())
	assert.Equal(t, int64(20000), snap.LastDetectedAt.UnixMilli())
	assert.Equal(t, 0, snap.Stats.Count, "stats are not persisted")

	reqs := second.sched.Requests()
	require.Len(t, reqs, 1, "restore re-arms the wake-up")
	assert.Equal(t, int64(60000), reqs[0].ScheduledFor.UnixMilli())
}

func TestEngine_RestoreClosesExpiredEncounter(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "restore.db"))
	require.NoError(t, err)
	defer st.Close()

	first := newFixtureWithStore(t, st)
	first.friends("alice-100-7")
	first.eng.OnBeaconDetected(first.ctx, "100", "7", ms(0))

	second := newFixtureWithStore(t, st)
	second.clock.Set(ms(3600000))
	require.NoError(t, second.eng.Restore(second.ctx))

	assert.Equal(t, []event.Type{event.TypeStartTransient, event.TypeEndTransient}, second.sink.types())
	snap, _ := second.eng.Snapshot("100", "7")
	assert.Equal(t, StatusInactive, snap.Status)
}

func TestEngine_RestoreLoadsPersistedTimeouts(t *testing.T) {
	f := newFixture(t)
	want := config.Timeouts{Transient: time.Minute, Actual: 2 * time.Minute, Minimum: 90 * time.Second}
	require.NoError(t, config.SaveTimeouts(f.ctx, f.store, want))

	require.NoError(t, f.eng.Restore(f.ctx))
	assert.Equal(t, want, f.eng.Timeouts())
}

func TestEngine_BadPersistedStateIgnored(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.SetList(f.ctx, "Encounter-100-7", []string{"ACTUAL", "0"}))
	require.NoError(t, f.store.SetList(f.ctx, "Encounter-100-8", []string{"DANCING", "0", "0"}))

	f.friends("alice-100-7, bob-100-8")

	for _, minor := range []string{"7", "8"} {
		snap, ok := f.eng.Snapshot("100", minor)
		require.True(t, ok)
		assert.Equal(t, StatusInactive, snap.Status)
	}
	assert.Empty(t, f.sched.Requests())
}

func TestEngine_SetFriendListIsIdempotentAndUpdatesNames(t *testing.T) {
	f := newFixture(t)
	f.friends("alice-100-7, bob-100-8")
	f.eng.OnBeaconDetected(f.ctx, "100", "7", ms(0))

	f.friends("alice-100-7, bob-100-8")
	assert.Len(t, f.eng.Friends(), 2)

	f.friends("alicia-100-7-kontakt")
	friends := f.eng.Friends()
	require.Len(t, friends, 2)
	assert.Equal(t, "alicia", friends[0].DisplayName)
	assert.Equal(t, "kontakt", friends[0].Tag)

	snap, _ := f.eng.Snapshot("100", "7")
	assert.Equal(t, StatusTransient, snap.Status, "re-parsing keeps the open encounter")

	persisted, ok, err := config.LoadFriendList(f.ctx, f.store)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "alicia-100-7-kontakt", persisted)
}

func TestEngine_SetFriendListSkipsMalformed(t *testing.T) {
	f := newFixture(t)
	f.friends("alice-100-7, nonsense, bob-1")

	friends := f.eng.Friends()
	require.Len(t, friends, 1)
	assert.Equal(t, "alice", friends[0].DisplayName)
}

func TestEngine_SetTimeouts(t *testing.T) {
	f := newFixture(t)
	f.friends("alice-100-7")
	f.eng.OnBeaconDetected(f.ctx, "100", "7", ms(0))

	shorter := config.Timeouts{Transient: 20 * time.Second, Actual: 60 * time.Second, Minimum: 30 * time.Second}
	require.NoError(t, f.eng.SetTimeouts(f.ctx, shorter))
	assert.Equal(t, shorter, f.eng.Timeouts())

	reqs := f.sched.Requests()
	require.Len(t, reqs, 2, "an earlier deadline gets its own wake-up")
	assert.Equal(t, int64(20000), reqs[1].ScheduledFor.UnixMilli())

	loaded, err := config.LoadTimeouts(f.ctx, f.store, config.DefaultTimeouts())
	require.NoError(t, err)
	assert.Equal(t, shorter, loaded)

	assert.Error(t, f.eng.SetTimeouts(f.ctx, config.Timeouts{}))
}

func TestEngine_EnqueueFailureDoesNotBlockTransitions(t *testing.T) {
	f := newFixture(t)
	f.friends("alice-100-7")
	f.sink.fail = true

	f.eng.OnBeaconDetected(f.ctx, "100", "7", ms(0))
	f.eng.OnScheduledWake(f.ctx, "100", "7", ms(120000), ms(120000))

	snap, _ := f.eng.Snapshot("100", "7")
	assert.Equal(t, StatusInactive, snap.Status)
}

func TestEngine_AppLog(t *testing.T) {
	f := newFixture(t)
	f.clock.Set(ms(5000))

	f.eng.AppLog(f.ctx, "service started", map[string]any{"undelivered": 3})

	recs := f.sink.all()
	require.Len(t, recs, 1)
	assert.Equal(t, event.TypeMessage, recs[0].Type())
	assert.Equal(t, "service started", recs[0].String(event.FieldMessage))
	assert.Equal(t, "1970-01-01T00:00:05+0000", recs[0].String(event.FieldTimestamp))
	assert.Equal(t, "evt-0001", recs[0].String(event.FieldEventID))
}

func TestEngine_ConcurrentCallbacks(t *testing.T) {
	f := newFixture(t)
	f.friends("alice-100-7, bob-100-8")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		at := int64(i * 1000)
		go func() {
			defer wg.Done()
			f.eng.OnBeaconDetected(f.ctx, "100", "7", ms(at))
		}()
		go func() {
			defer wg.Done()
			f.eng.OnBeaconDetected(f.ctx, "100", "8", ms(at))
		}()
	}
	wg.Wait()

	for _, s := range f.eng.Snapshots() {
		assert.NotEqual(t, StatusInactive, s.Status)
	}
}
