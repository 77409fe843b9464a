package commands

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/elemental-dev/orchestrator/internal/orcherr"
)

var attachCmd = &cobra.Command{
	Use:   "attach <agent-id>",
	Short: "Attach the local terminal to an interactive session's PTY",
	Long: `attach puts the local terminal into raw mode and forwards keystrokes
to an interactive session's pseudo-terminal, printing its pty-data
events as they arrive over the agent's SSE stream.

Ctrl-D (on an empty line) detaches without stopping the session.`,
	Args: cobra.ExactArgs(1),
	RunE: runAttach,
}

func runAttach(cmd *cobra.Command, args []string) error {
	agentID := args[0]

	fd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		// Not a terminal (e.g. piped input in a test harness); proceed
		// without raw mode rather than failing the attach outright.
		oldState = nil
	}
	if oldState != nil {
		defer term.Restore(fd, oldState)
	}

	errCh := make(chan error, 2)
	go pumpPTYOutput(addr, agentID, errCh)
	go pumpPTYInput(addr, agentID, errCh)

	err = <-errCh
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(orcherr.ExitCode(err))
	}
	return nil
}

// pumpPTYOutput reads the agent's SSE stream and writes pty-data chunks
// to stdout, best-effort: a malformed event is skipped rather than
// aborting the attach.
func pumpPTYOutput(baseURL, agentID string, errCh chan<- error) {
	resp, err := http.Get(fmt.Sprintf("%s/agents/%s/stream", baseURL, agentID))
	if err != nil {
		errCh <- orcherr.New(orcherr.UpstreamUnavailable, "cli.attach", err)
		return
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		var event struct {
			Type string `json:"type"`
			Data []byte `json:"data"`
		}
		if err := json.Unmarshal(line[len("data: "):], &event); err != nil {
			continue
		}
		if event.Type != "pty-data" || len(event.Data) == 0 {
			continue
		}
		os.Stdout.Write(event.Data)
	}
	errCh <- nil
}

// pumpPTYInput reads stdin a chunk at a time and POSTs each chunk to the
// session's pty endpoint.
func pumpPTYInput(baseURL, agentID string, errCh chan<- error) {
	client := newAPIClient(baseURL)
	buf := make([]byte, 1024)
	atLineStart := true
	for {
		n, err := os.Stdin.Read(buf)
		if n == 1 && buf[0] == 0x04 && atLineStart {
			// Ctrl-D on an empty line detaches; it is not forwarded.
			errCh <- nil
			return
		}
		if n > 0 {
			atLineStart = buf[n-1] == '\r' || buf[n-1] == '\n'
			req, reqErr := http.NewRequest(http.MethodPost, fmt.Sprintf("%s/agents/%s/pty", baseURL, agentID), bytes.NewReader(buf[:n]))
			if reqErr == nil {
				_ = client.do(req, nil)
			}
		}
		if err != nil {
			errCh <- nil
			return
		}
	}
}
