package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/MEI-Research/ble-beacon-module/internal/beacon"
	"github.com/MEI-Research/ble-beacon-module/internal/clock"
	"github.com/MEI-Research/ble-beacon-module/internal/config"
	"github.com/MEI-Research/ble-beacon-module/internal/engine"
	"github.com/MEI-Research/ble-beacon-module/internal/metrics"
	"github.com/MEI-Research/ble-beacon-module/internal/queue"
	"github.com/MEI-Research/ble-beacon-module/internal/scheduler"
	"github.com/MEI-Research/ble-beacon-module/internal/store"
)

// loadConfig resolves the process configuration: defaults, the --config
// file, the environment, then the global flags.
func loadConfig(opts *RootOptions) (config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Database != "" {
		cfg.DBPath = opts.Database
	}
	if opts.Driver != "" {
		cfg.Driver = opts.Driver
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, WrapExitError(ExitFailure, "invalid config", err)
	}
	return cfg, nil
}

// setupLogging installs the default slog handler on w.
func setupLogging(w io.Writer, verbose bool, format string) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler = slog.NewTextHandler(w, handlerOpts)
	if format == "json" {
		handler = slog.NewJSONHandler(w, handlerOpts)
	}
	slog.SetDefault(slog.New(handler))
}

// services is the wired engine stack over one database.
type services struct {
	cfg    config.Config
	loc    *time.Location
	store  *store.Store
	queue  *queue.Queue
	engine *engine.Engine
}

type serviceOptions struct {
	sched    scheduler.Scheduler
	listener queue.Listener
	metrics  *metrics.Metrics
	clock    clock.Clock
}

// openServices opens the store, restores the engine and seeds the friend
// list from config when none is persisted. The caller must Close it.
func openServices(ctx context.Context, cfg config.Config, so serviceOptions) (*services, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, WrapExitError(ExitFailure, "invalid config", err)
	}

	st, err := store.Open(cfg.DBPath, store.WithDriver(cfg.Driver))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	if so.sched == nil {
		so.sched = deferredScheduler{}
	}
	if so.clock == nil {
		so.clock = clock.System{}
	}

	q := queue.New(st,
		queue.WithEventName(cfg.EventName),
		queue.WithListener(so.listener),
		queue.WithMetrics(so.metrics),
	)
	eng := engine.New(st, q, so.sched, so.clock,
		engine.WithTimeouts(cfg.Timeouts.Durations()),
		engine.WithLocation(loc),
		engine.WithMetrics(so.metrics),
	)

	svc := &services{cfg: cfg, loc: loc, store: st, queue: q, engine: eng}
	if err := eng.Restore(ctx); err != nil {
		svc.Close()
		return nil, WrapExitError(ExitCommandError, "failed to restore engine state", err)
	}

	if cfg.Friends != "" {
		if _, ok, err := config.LoadFriendList(ctx, st); err == nil && !ok {
			slog.Info("seeding friend list from config")
			if err := eng.SetFriendList(ctx, cfg.Friends); err != nil {
				svc.Close()
				return nil, WrapExitError(ExitCommandError, "failed to seed friend list", err)
			}
		}
	}
	return svc, nil
}

// openFromFlags loads config and opens services with the offline defaults.
func openFromFlags(ctx context.Context, opts *RootOptions) (*services, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	setupLogging(os.Stderr, opts.Verbose, cfg.LogFormat)
	return openServices(ctx, cfg, serviceOptions{})
}

// Close closes the store.
func (s *services) Close() {
	if err := s.store.Close(); err != nil {
		slog.Error("error closing database", "error", err)
	}
}

// deferredScheduler is used by one-shot commands, which exit before any
// wake-up could fire. serve re-arms every outstanding wake-up on Restore.
type deferredScheduler struct{}

func (deferredScheduler) Schedule(deadline time.Time, key beacon.Key) {
	slog.Debug("wake-up deferred to serve", "key", key.String(), "deadline", deadline)
}

// parseAt parses an RFC 3339 time or a Unix millisecond count. Empty means
// now.
func parseAt(s string, clk clock.Clock) (time.Time, error) {
	if s == "" {
		return clk.Now(), nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	return time.Time{}, fmt.Errorf("invalid time %q: want RFC 3339 or unix milliseconds", s)
}
