package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/elemental-dev/orchestrator/internal/orcherr"
)

var (
	startPrompt string
	startResume bool
)

var startCmd = &cobra.Command{
	Use:   "start <agent-id>",
	Short: "Start (or resume) a session for an agent",
	Args:  cobra.ExactArgs(1),
	RunE:  runStart,
}

func init() {
	startCmd.Flags().StringVar(&startPrompt, "prompt", "", "Initial prompt to send")
	startCmd.Flags().BoolVar(&startResume, "resume", false, "Resume the agent's most recent resumable session instead of starting fresh")
}

func runStart(cmd *cobra.Command, args []string) error {
	agentID := args[0]
	client := newAPIClient(addr)

	var resp struct {
		SessionID string `json:"session_id"`
	}
	err := client.postJSON(fmt.Sprintf("/agents/%s/start", agentID), map[string]any{
		"initial_prompt": startPrompt,
		"resume":         startResume,
	}, &resp)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(orcherr.ExitCode(err))
	}

	fmt.Println(resp.SessionID)
	return nil
}
