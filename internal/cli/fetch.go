package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/MEI-Research/ble-beacon-module/internal/event"
)

// FetchOptions holds flags for the fetch command.
type FetchOptions struct {
	*RootOptions
	MaxBytes int
	Peek     bool
}

// FetchResult is the fetch command's JSON payload.
type FetchResult struct {
	Count  int               `json:"count"`
	Events []json.RawMessage `json:"events,omitempty"`
}

// NewFetchCommand creates the fetch command.
func NewFetchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &FetchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Withdraw queued events",
		Long: `Withdraw a batch of queued events from the database, oldest first.

Withdrawn events are removed from the queue. The batch stays within
--max-bytes when encoded as a JSON array, except that the oldest event is
always returned. Use --peek to report the queue size without withdrawing.

Examples:
  encounterd fetch --db ./encounters.db
  encounterd fetch --db ./encounters.db --max-bytes 4096 --format json
  encounterd fetch --peek`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFetch(opts, cmd)
		},
	}

	cmd.Flags().IntVar(&opts.MaxBytes, "max-bytes", 0, "encoded batch size limit (default: config max_fetch_bytes)")
	cmd.Flags().BoolVar(&opts.Peek, "peek", false, "only report the number of queued events")

	return cmd
}

func runFetch(opts *FetchOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	svc, err := openFromFlags(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer svc.Close()

	f := newFormatter(opts.RootOptions, cmd)

	if opts.Peek {
		n, err := svc.queue.Size(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to count queued events", err)
		}
		return f.Emit(FetchResult{Count: n}, func(w io.Writer) {
			fmt.Fprintf(w, "%d event(s) queued\n", n)
		})
	}

	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = svc.cfg.MaxFetchBytes
	}

	batch := svc.queue.WithdrawBatch(ctx, maxBytes)
	result := FetchResult{Count: len(batch), Events: make([]json.RawMessage, len(batch))}
	for i, p := range batch {
		result.Events[i] = json.RawMessage(p)
	}

	return f.Emit(result, func(w io.Writer) {
		if len(batch) == 0 {
			fmt.Fprintln(w, "No events queued.")
			return
		}
		for _, p := range batch {
			rec, err := event.Decode(p)
			if err != nil {
				fmt.Fprintf(w, "%s\n", p)
				continue
			}
			fmt.Fprintf(w, "%s %-26s %s", rec.String(event.FieldTimestamp), rec.Type(), rec.String(event.FieldEventID))
			if major := rec.String(event.FieldMajorID); major != "" {
				fmt.Fprintf(w, " beacon=%s-%s", major, rec.String(event.FieldMinorID))
			}
			if msg := rec.String(event.FieldMessage); msg != "" {
				fmt.Fprintf(w, " %q", msg)
			}
			fmt.Fprintln(w)
		}
		fmt.Fprintf(w, "Withdrew %d event(s).\n", len(batch))
	})
}
