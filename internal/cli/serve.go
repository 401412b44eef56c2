package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MEI-Research/ble-beacon-module/internal/api"
	"github.com/MEI-Research/ble-beacon-module/internal/clock"
	"github.com/MEI-Research/ble-beacon-module/internal/metrics"
	"github.com/MEI-Research/ble-beacon-module/internal/scheduler"
)

const shutdownTimeout = 10 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen string

	// Ready, if set, receives the bound address once the server is
	// accepting connections (for testing).
	Ready chan<- string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the encounter engine and the Fetch API",
		Long: `Run the encounter engine with its wake-up scheduler and serve the HTTP
API: detection intake, event fetch, friend list and timeout management,
and a websocket stream announcing new data.

Persisted encounters are restored on start and their wake-ups re-armed.

Example:
  encounterd serve --db ./encounters.db
  encounterd serve --config ./encounterd.yaml --listen :8787 --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (overrides config)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	if opts.Listen != "" {
		cfg.ListenAddr = opts.Listen
	}
	setupLogging(cmd.ErrOrStderr(), opts.Verbose, cfg.LogFormat)

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	m := metrics.New()
	hub := api.NewHub(cfg.CORSOrigins)
	sched := scheduler.NewTimerScheduler(clock.System{})

	slog.Info("opening database", "path", cfg.DBPath, "driver", cfg.Driver)
	svc, err := openServices(ctx, cfg, serviceOptions{
		sched:    sched,
		listener: hub,
		metrics:  m,
	})
	if err != nil {
		return err
	}
	defer svc.Close()

	if n, err := svc.queue.Size(ctx); err == nil {
		age, _ := svc.store.OldestEntryAge(ctx, time.Now())
		svc.engine.AppLog(ctx, fmt.Sprintf("Encounter service started with %d undelivered events", n),
			map[string]any{"undelivered": n, "oldest_age_secs": age.Seconds()})
	}

	router := api.NewRouter(api.Deps{
		Engine:         svc.engine,
		Queue:          svc.queue,
		Store:          svc.store,
		Metrics:        m,
		Hub:            hub,
		Location:       svc.loc,
		MaxFetchBytes:  cfg.MaxFetchBytes,
		CORSOrigins:    cfg.CORSOrigins,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	srv := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	schedDone := make(chan error, 1)
	go func() {
		schedDone <- sched.Run(ctx, svc.engine.HandleWake)
	}()

	srvDone := make(chan error, 1)
	go func() {
		srvDone <- srv.Serve(ln)
	}()

	addr := ln.Addr().String()
	slog.Info("server listening", "addr", addr)
	fmt.Fprintf(cmd.OutOrStdout(), "Listening on %s. Press Ctrl-C to stop.\n", addr)
	if opts.Ready != nil {
		opts.Ready <- addr
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-srvDone:
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown", "error", err)
	}
	sched.Close()
	<-schedDone

	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return WrapExitError(ExitFailure, "server error", serveErr)
	}

	slog.Info("server stopped gracefully")
	return nil
}
