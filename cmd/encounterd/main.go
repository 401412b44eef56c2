// Command encounterd tracks BLE beacon encounters and queues encounter events
// for a consumer to fetch.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/MEI-Research/ble-beacon-module/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
