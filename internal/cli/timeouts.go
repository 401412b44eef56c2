package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/MEI-Research/ble-beacon-module/internal/config"
)

// TimeoutsOptions holds flags for the timeouts command.
type TimeoutsOptions struct {
	*RootOptions
	Transient time.Duration
	Actual    time.Duration
	Minimum   time.Duration
}

// NewTimeoutsCommand creates the timeouts command.
func NewTimeoutsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TimeoutsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "timeouts",
		Short: "Show or change the encounter timeouts",
		Long: `Show the persisted encounter timeouts, or change any of them.

Unset flags keep their current value. Encounters in progress pick up the
new values immediately.

Examples:
  encounterd timeouts
  encounterd timeouts --transient 90s --minimum 5m`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTimeouts(opts, cmd)
		},
	}

	cmd.Flags().DurationVar(&opts.Transient, "transient", 0, "transient encounter timeout")
	cmd.Flags().DurationVar(&opts.Actual, "actual", 0, "actual encounter timeout")
	cmd.Flags().DurationVar(&opts.Minimum, "minimum", 0, "minimum duration of an actual encounter")

	return cmd
}

func runTimeouts(opts *TimeoutsOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	svc, err := openFromFlags(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer svc.Close()

	t := svc.engine.Timeouts()
	changed := false
	for _, f := range []struct {
		flag string
		src  time.Duration
		dst  *time.Duration
	}{
		{"transient", opts.Transient, &t.Transient},
		{"actual", opts.Actual, &t.Actual},
		{"minimum", opts.Minimum, &t.Minimum},
	} {
		if cmd.Flags().Changed(f.flag) {
			*f.dst = f.src
			changed = true
		}
	}

	if changed {
		if err := t.Validate(); err != nil {
			return WrapExitError(ExitCommandError, "invalid timeouts", err)
		}
		if err := svc.engine.SetTimeouts(ctx, t); err != nil {
			return WrapExitError(ExitCommandError, "failed to save timeouts", err)
		}
	}

	current := svc.engine.Timeouts()
	return newFormatter(opts.RootOptions, cmd).Emit(current.Millis(), func(w io.Writer) {
		writeTimeoutsText(w, current)
	})
}

func writeTimeoutsText(w io.Writer, t config.Timeouts) {
	fmt.Fprintf(w, "transient: %s\n", t.Transient)
	fmt.Fprintf(w, "actual:    %s\n", t.Actual)
	fmt.Fprintf(w, "minimum:   %s\n", t.Minimum)
}
