package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/MEI-Research/ble-beacon-module/internal/api"
	"github.com/MEI-Research/ble-beacon-module/internal/clock"
	"github.com/MEI-Research/ble-beacon-module/internal/engine"
)

// DetectOptions holds flags for the detect and wake commands.
type DetectOptions struct {
	*RootOptions
	At           string
	ScheduledFor string
}

// NewDetectCommand creates the detect command.
func NewDetectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DetectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "detect <major-id> <minor-id>",
		Short: "Record one beacon detection",
		Long: `Feed one detection of a beacon into the engine and print the resulting
encounter state. Detections of unregistered beacons are ignored.

Wake-ups requested by the detection are re-armed the next time serve starts.

Examples:
  encounterd detect 100 1
  encounterd detect 100 1 --at 2024-03-01T09:30:00Z`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDetect(opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.At, "at", "", "detection time, RFC 3339 or unix ms (default: now)")

	return cmd
}

// NewWakeCommand creates the wake command.
func NewWakeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DetectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "wake <major-id> <minor-id>",
		Short: "Deliver a wake-up by hand",
		Long: `Re-evaluate a beacon's encounter as if its scheduled wake-up fired,
closing it out if it expired or promoting it if it lasted long enough.

Examples:
  encounterd wake 100 1
  encounterd wake 100 1 --scheduled-for 1709285400000`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWake(opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.At, "at", "", "delivery time, RFC 3339 or unix ms (default: now)")
	cmd.Flags().StringVar(&opts.ScheduledFor, "scheduled-for", "", "time the wake-up was scheduled for (default: --at)")

	return cmd
}

func runDetect(opts *DetectOptions, major, minor string, cmd *cobra.Command) error {
	at, err := parseAt(opts.At, clock.System{})
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --at", err)
	}

	ctx := cmd.Context()
	svc, err := openFromFlags(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer svc.Close()

	f := newFormatter(opts.RootOptions, cmd)
	if _, ok := svc.engine.Snapshot(major, minor); !ok {
		return unknownBeacon(f, major, minor)
	}

	svc.engine.OnBeaconDetected(ctx, major, minor, at)
	s, _ := svc.engine.Snapshot(major, minor)
	return emitEncounter(f, svc, s)
}

func runWake(opts *DetectOptions, major, minor string, cmd *cobra.Command) error {
	at, err := parseAt(opts.At, clock.System{})
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --at", err)
	}
	scheduledFor := at
	if opts.ScheduledFor != "" {
		if scheduledFor, err = parseAt(opts.ScheduledFor, clock.System{}); err != nil {
			return WrapExitError(ExitCommandError, "invalid --scheduled-for", err)
		}
	}

	ctx := cmd.Context()
	svc, err := openFromFlags(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer svc.Close()

	// An unregistered beacon still goes to the engine, which queues a
	// diagnostic for it.
	svc.engine.OnScheduledWake(ctx, major, minor, scheduledFor, at)

	f := newFormatter(opts.RootOptions, cmd)
	s, ok := svc.engine.Snapshot(major, minor)
	if !ok {
		return unknownBeacon(f, major, minor)
	}
	return emitEncounter(f, svc, s)
}

func unknownBeacon(f *OutputFormatter, major, minor string) error {
	msg := fmt.Sprintf("beacon %s-%s is not registered", major, minor)
	_ = f.Error(ErrCodeInput, msg, nil)
	return NewExitError(ExitFailure, msg)
}

func emitEncounter(f *OutputFormatter, svc *services, s engine.Snapshot) error {
	view := newEncounterView(s, svc)
	return f.Emit(view, func(w io.Writer) {
		writeEncounterText(w, view)
	})
}

func newEncounterView(s engine.Snapshot, svc *services) api.EncounterView {
	return api.NewEncounterView(s, svc.loc)
}

func writeEncounterText(w io.Writer, v api.EncounterView) {
	fmt.Fprintf(w, "%s-%s %s (%s) %s\n", v.MajorID, v.MinorID, v.FriendName, v.Tag, v.Status)
	for _, f := range []struct{ label, value string }{
		{"started", v.StartedAt},
		{"last detected", v.LastDetected},
		{"next wake-up", v.NextWakeAt},
		{"expires", v.ExpiresAt},
		{"actual at", v.ActualAt},
	} {
		if f.value != "" {
			fmt.Fprintf(w, "  %-14s %s\n", f.label+":", f.value)
		}
	}
	if v.Stats.Count > 0 {
		fmt.Fprintf(w, "  %-14s %d (mean %.1fs, max %.1fs)\n", "intervals:", v.Stats.Count, v.Stats.Mean, v.Stats.Max)
	}
}
