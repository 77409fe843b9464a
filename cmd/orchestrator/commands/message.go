package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/elemental-dev/orchestrator/internal/orcherr"
)

var messageCmd = &cobra.Command{
	Use:   "message <agent-id> <content>",
	Short: "Send a message to an agent's running session",
	Args:  cobra.ExactArgs(2),
	RunE:  runMessage,
}

func runMessage(cmd *cobra.Command, args []string) error {
	agentID, content := args[0], args[1]
	client := newAPIClient(addr)

	err := client.postJSON(fmt.Sprintf("/agents/%s/message", agentID), map[string]any{
		"content": content,
	}, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(orcherr.ExitCode(err))
	}
	return nil
}
