package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/MEI-Research/ble-beacon-module/internal/event"
)

// becomeTransient starts a new encounter. Nothing is emitted: the start of a
// transient encounter is reported when it expires, so single stray pings do
// not flood the queue.
func (e *Engine) becomeTransient(rec *Record, now time.Time) {
	slog.Info("become transient", "beacon", rec.key().String(), "friend", rec.Identity.DisplayName)
	e.metrics.Transition(string(rec.Status), string(StatusTransient))

	rec.Status = StatusTransient
	rec.StartedAt = now
	rec.LastDetectedAt = now
	rec.Stats.Reset()
}

// becomeActual promotes a transient encounter and emits
// start_actual_encounter, stamped with when the encounter started.
func (e *Engine) becomeActual(ctx context.Context, rec *Record, now time.Time) {
	slog.Info("become actual", "beacon", rec.key().String(), "friend", rec.Identity.DisplayName, "now", now)
	e.metrics.Transition(string(rec.Status), string(StatusActual))
	rec.Status = StatusActual
	e.persist(ctx, rec)

	r := e.encounterEvent(rec, event.TypeStartActual, rec.StartedAt, true)
	e.emit(ctx, r)

	e.pendingNotes = append(e.pendingNotes, rec.snapshot(e.timeouts))
}

// expire closes the encounter at now. A transient encounter first emits its
// withheld start event.
func (e *Engine) expire(ctx context.Context, rec *Record, now time.Time) {
	wasActual := rec.Status == StatusActual
	slog.Info("expire", "beacon", rec.key().String(), "friend", rec.Identity.DisplayName, "actual", wasActual, "now", now)
	e.metrics.Transition(string(rec.Status), string(StatusInactive))

	if !wasActual {
		e.emit(ctx, e.encounterEvent(rec, event.TypeStartTransient, rec.StartedAt, false))
	}

	endType := event.TypeEndTransient
	if wasActual {
		endType = event.TypeEndActual
	}
	end := e.encounterEvent(rec, endType, now, true)
	end[event.FieldLastDetected] = event.FormatTimestamp(rec.LastDetectedAt, e.loc)

	rec.Status = StatusInactive
	rec.NextWakeAt = time.Time{}
	e.persist(ctx, rec)

	e.emit(ctx, end)
}

// evaluate applies any time-based transition due at now and reschedules.
// Expiry is checked first.
func (e *Engine) evaluate(ctx context.Context, rec *Record, now time.Time) {
	if rec.Status == StatusInactive {
		return
	}
	if !now.Before(rec.expiresAt(e.timeouts)) {
		e.expire(ctx, rec, now)
		return
	}
	if rec.Status == StatusTransient && !now.Before(rec.actualAt(e.timeouts)) {
		e.becomeActual(ctx, rec, now)
	}
	e.reschedule(ctx, rec, now)
}

// reschedule arranges the next wake-up for rec, or evaluates immediately if
// its next deadline has already been reached.
func (e *Engine) reschedule(ctx context.Context, rec *Record, now time.Time) {
	if rec.Status == StatusInactive {
		rec.NextWakeAt = time.Time{}
		return
	}

	candidate := rec.nextDeadline(e.timeouts)
	if !candidate.After(now) {
		e.evaluate(ctx, rec, now)
		return
	}

	if !rec.NextWakeAt.IsZero() && !rec.NextWakeAt.After(candidate) && rec.NextWakeAt.After(now) {
		slog.Debug("earlier wake-up already scheduled",
			"beacon", rec.key().String(), "outstanding", rec.NextWakeAt, "candidate", candidate)
		return
	}

	slog.Debug("schedule wake-up", "beacon", rec.key().String(), "at", candidate)
	e.sched.Schedule(candidate, rec.key())
	rec.NextWakeAt = candidate
}

// persist writes {status, startedAt, lastDetectedAt} for rec. Failures are
// logged and counted; in-memory state stays authoritative.
func (e *Engine) persist(ctx context.Context, rec *Record) {
	key := rec.key()
	if err := e.kv.SetList(ctx, PersistKey(key), rec.persisted()); err != nil {
		e.metrics.PersistError()
		slog.Error("failed to persist encounter",
			"error", newError(ErrCodePersistFailed, key.String(), "save encounter", err))
	}
}
