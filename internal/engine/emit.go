package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/MEI-Research/ble-beacon-module/internal/beacon"
	"github.com/MEI-Research/ble-beacon-module/internal/event"
)

// encounterEvent builds the common fields of an encounter record.
func (e *Engine) encounterEvent(rec *Record, typ event.Type, ts time.Time, includeStats bool) event.Record {
	r := event.New(e.ids.Generate(), typ, ts, e.loc)
	r[event.FieldFriendName] = rec.Identity.DisplayName
	r[event.FieldTag] = rec.Identity.Tag
	r[event.FieldMajorID] = rec.Identity.Major
	r[event.FieldMinorID] = rec.Identity.Minor
	r[event.FieldMinDuration] = e.timeouts.Minimum.Seconds()
	r[event.FieldActualTimeout] = e.timeouts.Actual.Seconds()
	r[event.FieldTransientTimeout] = e.timeouts.Transient.Seconds()
	r[event.FieldStartedAt] = event.FormatTimestamp(rec.StartedAt, e.loc)

	if includeStats {
		s := rec.Stats.Snapshot()
		r[event.FieldNumEvents] = s.Count
		r[event.FieldMaxDelta] = s.Max
		if s.HasMoments {
			r[event.FieldAvgDelta] = s.Mean
			r[event.FieldSDDelta] = s.StdDev
			r[event.FieldPrevDelta] = s.LastDelta
		}
	}
	return r
}

// emitDiagnostic reports a wake-up for an identity the engine does not track.
func (e *Engine) emitDiagnostic(ctx context.Context, key beacon.Key, scheduledFor, now time.Time, message string) {
	r := event.New(e.ids.Generate(), event.TypeDiagnostic, now, e.loc)
	r[event.FieldMessage] = message
	r[event.FieldMajorID] = key.Major
	r[event.FieldMinorID] = key.Minor
	r[event.FieldScheduledFor] = event.FormatTimestamp(scheduledFor, e.loc)
	e.emit(ctx, r)
}

func (e *Engine) appLog(ctx context.Context, now time.Time, message string, moreData map[string]any) {
	if moreData == nil {
		moreData = map[string]any{}
	}
	r := event.New(e.ids.Generate(), event.TypeMessage, now, e.loc)
	r[event.FieldMessage] = message
	r[event.FieldMoreData] = moreData
	e.emit(ctx, r)
}

// emit encodes r and appends it to the sink. Failures are logged and
// counted; the engine carries on.
func (e *Engine) emit(ctx context.Context, r event.Record) {
	data, err := r.Encode()
	if err == nil {
		err = e.sink.Enqueue(ctx, data)
	}
	if err != nil {
		slog.Error("failed to emit event",
			"event_type", r.Type(),
			"event_id", r.String(event.FieldEventID),
			"error", newError(ErrCodeEnqueueFailed, "", "emit", err),
		)
		return
	}
	e.metrics.Event(string(r.Type()))
}
