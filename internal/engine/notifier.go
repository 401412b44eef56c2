package engine

import (
	"context"
	"log/slog"
)

// Notifier receives the "notable encounter" side effect when an encounter
// becomes actual. It runs after the engine lock is released and may block.
type Notifier interface {
	NotableEncounter(ctx context.Context, s Snapshot)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, s Snapshot)

// NotableEncounter calls f.
func (f NotifierFunc) NotableEncounter(ctx context.Context, s Snapshot) {
	f(ctx, s)
}

// LogNotifier logs notable encounters.
type LogNotifier struct{}

// NotableEncounter logs s at Info.
func (LogNotifier) NotableEncounter(_ context.Context, s Snapshot) {
	slog.Info("notable encounter",
		"friend", s.Name,
		"tag", s.Tag,
		"beacon", s.Key(),
		"started_at", s.StartedAt,
	)
}
