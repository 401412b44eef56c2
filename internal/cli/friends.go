package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/MEI-Research/ble-beacon-module/internal/beacon"
)

// FriendsResult is the friends commands' JSON payload.
type FriendsResult struct {
	Friends []beacon.Identity `json:"friends"`
}

// NewFriendsCommand creates the friends command group.
func NewFriendsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "friends",
		Short: "Manage the friend list",
		Long: `Show or replace the registered beacon identities.

A friend list is a comma-separated list of name-majorId-minorId[-tag]
entries. Malformed entries are skipped.`,
	}

	cmd.AddCommand(newFriendsListCommand(rootOpts))
	cmd.AddCommand(newFriendsSetCommand(rootOpts))
	return cmd
}

func newFriendsListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List registered identities",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openFromFlags(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer svc.Close()

			return emitFriends(newFormatter(opts, cmd), svc.engine.Friends())
		},
	}
}

func newFriendsSetCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "set <friend-list>",
		Short: "Replace the friend list",
		Long: `Register every identity in the friend list and persist the list.

Identities already registered keep their encounter state.

Example:
  encounterd friends set "alice-100-1, bob-100-2-lanyard"`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := openFromFlags(ctx, opts)
			if err != nil {
				return err
			}
			defer svc.Close()

			if err := svc.engine.SetFriendList(ctx, args[0]); err != nil {
				return WrapExitError(ExitCommandError, "failed to save friend list", err)
			}
			return emitFriends(newFormatter(opts, cmd), svc.engine.Friends())
		},
	}
}

func emitFriends(f *OutputFormatter, ids []beacon.Identity) error {
	if ids == nil {
		ids = []beacon.Identity{}
	}
	return f.Emit(FriendsResult{Friends: ids}, func(w io.Writer) {
		if len(ids) == 0 {
			fmt.Fprintln(w, "No friends registered.")
			return
		}
		for _, id := range ids {
			fmt.Fprintf(w, "%-12s %-24s tag=%s\n", id.Key(), id.DisplayName, id.Tag)
		}
	})
}
