package spawner

import (
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"sync"

	"github.com/creack/pty"
)

// interactiveProc drives one subprocess attached to a pseudo-terminal: a
// login shell invokes the provider CLI inside it, and all output is
// forwarded opaquely rather than parsed as a protocol.
type interactiveProc struct {
	cmd  *exec.Cmd
	ptmx *os.File

	mu sync.Mutex
}

func startInteractive(binary string, args []string, dir string, env []string, cols, rows int) (*interactiveProc, error) {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}

	cmdLine := shellQuote(append([]string{binary}, args...))
	cmd := exec.Command(shell, "-l", "-c", cmdLine)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: uint16(cols),
		Rows: uint16(rows),
	})
	if err != nil {
		return nil, fmt.Errorf("allocate pty: %w", err)
	}

	return &interactiveProc{cmd: cmd, ptmx: ptmx}, nil
}

func shellQuote(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += " "
		}
		out += "'" + regexp.MustCompile(`'`).ReplaceAllString(p, `'\''`) + "'"
	}
	return out
}

func (p *interactiveProc) write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ptmx.Write(data)
}

// resize applies new dimensions. Resizing a PTY whose process has already
// exited returns an error the caller should log as a warning, not
// surface as a failure.
func (p *interactiveProc) resize(cols, rows int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return pty.Setsize(p.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

func (p *interactiveProc) close() {
	p.ptmx.Close()
}

func (p *interactiveProc) softShutdown() {
	// A PTY-attached login shell treats a literal "exit\r" the same as a
	// user typing it interactively.
	p.write([]byte("exit\r"))
}

// upstreamSessionIDPattern scrapes a best-effort upstream session id from
// terminal output by matching a "Session: <id>" line.
var upstreamSessionIDPattern = regexp.MustCompile(`Session:\s*([A-Za-z0-9_-]+)`)

func scrapeUpstreamSessionID(chunk []byte) (string, bool) {
	m := upstreamSessionIDPattern.FindSubmatch(chunk)
	if m == nil {
		return "", false
	}
	return string(m[1]), true
}
