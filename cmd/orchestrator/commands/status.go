package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/elemental-dev/orchestrator/internal/orcherr"
	"github.com/elemental-dev/orchestrator/pkg/types"
)

var statusCmd = &cobra.Command{
	Use:   "status <agent-id>",
	Short: "Print an agent's current session as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	agentID := args[0]
	client := newAPIClient(addr)

	var resp struct {
		AgentID string        `json:"agent_id"`
		Session types.Session `json:"session"`
	}
	if err := client.get(fmt.Sprintf("/agents/%s/status", agentID), &resp); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(orcherr.ExitCode(err))
	}

	out, _ := json.MarshalIndent(resp, "", "  ")
	fmt.Println(string(out))
	return nil
}
