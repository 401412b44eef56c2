package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/MEI-Research/ble-beacon-module/internal/api"
	"github.com/MEI-Research/ble-beacon-module/internal/engine"
)

// StatusResult is the status command's JSON payload.
type StatusResult struct {
	Encounters    []api.EncounterView `json:"encounters"`
	Queued        int                 `json:"queued"`
	OldestAgeSecs float64             `json:"oldest_age_secs"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	var active bool

	cmd := &cobra.Command{
		Use:   "status [major-id minor-id]",
		Short: "Show encounter state and queue depth",
		Long: `Show every registered beacon's encounter state, or one beacon's, along
with how many events are waiting to be fetched.

Examples:
  encounterd status
  encounterd status --active
  encounterd status 100 1 --format json`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 && len(args) != 2 {
				return fmt.Errorf("accepts 0 or 2 arg(s), received %d", len(args))
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(rootOpts, args, active, cmd)
		},
	}

	cmd.Flags().BoolVar(&active, "active", false, "only show encounters in progress")

	return cmd
}

func runStatus(opts *RootOptions, args []string, active bool, cmd *cobra.Command) error {
	ctx := cmd.Context()
	svc, err := openFromFlags(ctx, opts)
	if err != nil {
		return err
	}
	defer svc.Close()

	f := newFormatter(opts, cmd)

	var snaps []engine.Snapshot
	if len(args) == 2 {
		s, ok := svc.engine.Snapshot(args[0], args[1])
		if !ok {
			return unknownBeacon(f, args[0], args[1])
		}
		snaps = []engine.Snapshot{s}
	} else {
		snaps = svc.engine.Snapshots()
	}

	result := StatusResult{Encounters: make([]api.EncounterView, 0, len(snaps))}
	for _, s := range snaps {
		if active && s.Status == engine.StatusInactive {
			continue
		}
		result.Encounters = append(result.Encounters, newEncounterView(s, svc))
	}

	if result.Queued, err = svc.queue.Size(ctx); err != nil {
		return WrapExitError(ExitCommandError, "failed to count queued events", err)
	}
	age, err := svc.store.OldestEntryAge(ctx, time.Now())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read queue age", err)
	}
	result.OldestAgeSecs = age.Seconds()

	return f.Emit(result, func(w io.Writer) {
		if len(result.Encounters) == 0 {
			fmt.Fprintln(w, "No encounters.")
		}
		for _, v := range result.Encounters {
			writeEncounterText(w, v)
		}
		fmt.Fprintf(w, "\n%d event(s) queued", result.Queued)
		if result.Queued > 0 {
			fmt.Fprintf(w, ", oldest %s ago", age.Round(time.Second))
		}
		fmt.Fprintln(w)
	})
}
