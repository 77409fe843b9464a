package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/elemental-dev/orchestrator/internal/orcherr"
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Control the daemon's dispatch loop",
}

var dispatchPollNowCmd = &cobra.Command{
	Use:   "poll-now",
	Short: "Trigger an immediate dispatch tick",
	RunE:  runDispatchPollNow,
}

func init() {
	dispatchCmd.AddCommand(dispatchPollNowCmd)
}

func runDispatchPollNow(cmd *cobra.Command, args []string) error {
	client := newAPIClient(addr)

	if err := client.postJSON("/dispatch/poll-now", nil, nil); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(orcherr.ExitCode(err))
	}
	return nil
}
