package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/elemental-dev/orchestrator/internal/orcherr"
)

var stopGraceful bool

var stopCmd = &cobra.Command{
	Use:   "stop <agent-id>",
	Short: "Stop an agent's current session",
	Args:  cobra.ExactArgs(1),
	RunE:  runStop,
}

func init() {
	stopCmd.Flags().BoolVar(&stopGraceful, "graceful", true, "Request a graceful shutdown before killing the process")
}

func runStop(cmd *cobra.Command, args []string) error {
	agentID := args[0]
	client := newAPIClient(addr)

	err := client.postJSON(fmt.Sprintf("/agents/%s/stop", agentID), map[string]any{
		"graceful": stopGraceful,
	}, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(orcherr.ExitCode(err))
	}
	return nil
}
