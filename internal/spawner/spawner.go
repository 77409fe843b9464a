// Package spawner implements the Spawner: creates and supervises one
// subprocess per session, translates its output into typed events, and
// enforces the session state machine.
//
// Headless mode drives a subprocess over newline-delimited JSON on pipes
// (a background read loop, a mutex-guarded write path). Interactive mode
// allocates a pseudo-terminal via github.com/creack/pty and forwards its
// output opaquely.
package spawner

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/elemental-dev/orchestrator/internal/eventbus"
	"github.com/elemental-dev/orchestrator/internal/logging"
	"github.com/elemental-dev/orchestrator/internal/orcherr"
	"github.com/elemental-dev/orchestrator/internal/providerproc"
	"github.com/elemental-dev/orchestrator/pkg/types"
)

// Config tunes spawn behavior; it is the spawner-facing projection of
// config.SpawnerConfig so this package has no import-time dependency on
// the config package.
type Config struct {
	// Provider builds the CLI invocation for each spawn. When nil, New
	// wraps ProviderBinary in the default claude-cli provider.
	Provider providerproc.Provider

	ProviderBinary   string
	InitTimeout      time.Duration
	GracefulShutdown time.Duration
	PTYCols          int
	PTYRows          int
	EventBufferSize  int
}

// SpawnRequest describes a new session to start.
type SpawnRequest struct {
	AgentID          string
	AgentRole        types.AgentRole
	WorkerMode       types.WorkerMode
	Mode             types.SpawnMode
	WorkingDirectory string
	InitialPrompt    string
	ResumeUpstreamID string
	ExtraArgs        []string
	ExtraEnv         []string

	// SessionID, if set, is used instead of a freshly generated id. A
	// caller that needs to reference the session before Spawn returns
	// (the Session Manager pre-registering it as "starting" while a
	// handshake is still in flight) assigns one up front.
	SessionID string
}

// Spawner owns every live session's process handle and the single source
// of truth for its status transitions.
type Spawner struct {
	cfg Config
	bus *eventbus.Bus

	mu       sync.RWMutex
	sessions map[string]*liveSession
}

// liveSession bundles the public Session record with its process handle
// and a guard against double-transitioning on exit, which subprocess and
// PTY libraries may report twice.
type liveSession struct {
	mu   sync.Mutex
	sess types.Session

	headless *headlessProc
	pty      *interactiveProc

	endedOnce sync.Once
	exited    chan struct{}

	// suspending is set by Suspend before it kills the process, so the
	// exit handler racing in from the read loop knows not to clobber the
	// suspended status with terminated.
	suspending bool
}

func newLiveSession(sess types.Session) *liveSession {
	return &liveSession{sess: sess, exited: make(chan struct{})}
}

// New builds a Spawner that publishes parsed events onto bus.
func New(cfg Config, bus *eventbus.Bus) *Spawner {
	if cfg.InitTimeout == 0 {
		cfg.InitTimeout = 120 * time.Second
	}
	if cfg.GracefulShutdown == 0 {
		cfg.GracefulShutdown = 5 * time.Second
	}
	if cfg.PTYCols == 0 {
		cfg.PTYCols = 120
	}
	if cfg.PTYRows == 0 {
		cfg.PTYRows = 30
	}
	if cfg.Provider == nil {
		cfg.Provider = providerproc.NewClaudeCLI(cfg.ProviderBinary)
	}
	return &Spawner{
		cfg:      cfg,
		bus:      bus,
		sessions: make(map[string]*liveSession),
	}
}

func newSessionID() string {
	return ulid.Make().String()
}

// transition applies the single state-machine helper every status change
// must go through. Invalid edges are rejected.
func (ls *liveSession) transition(to types.SessionStatus) error {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	from := ls.sess.Status
	if from == to {
		// Idempotent: exit handlers and a racing explicit Terminate may
		// both land on the same state.
		return nil
	}
	if !types.CanTransition(from, to) {
		return orcherr.New(orcherr.InvalidTransition, "spawner.transition",
			fmt.Errorf("%s -> %s not allowed", from, to))
	}

	now := time.Now()
	ls.sess.Status = to
	switch to {
	case types.StatusRunning:
		if ls.sess.StartedAt == nil {
			ls.sess.StartedAt = &now
		}
	case types.StatusTerminated:
		if ls.sess.EndedAt == nil {
			ls.sess.EndedAt = &now
		}
	}
	return nil
}

func (ls *liveSession) snapshot() types.Session {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.sess
}

func (s *Spawner) register(ls *liveSession) {
	s.mu.Lock()
	s.sessions[ls.sess.ID] = ls
	s.mu.Unlock()
}

func (s *Spawner) lookup(sessionID string) (*liveSession, bool) {
	s.mu.RLock()
	ls, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	return ls, ok
}

// SpawnHeadless starts a subprocess that speaks line-delimited JSON over
// stdin/stdout. It writes the initial user turn to stdin immediately
// after process creation (the subprocess blocks waiting for it), then
// awaits the system/init record up to cfg.InitTimeout.
func (s *Spawner) SpawnHeadless(ctx context.Context, req SpawnRequest) (*types.Session, error) {
	now := time.Now()
	id := req.SessionID
	if id == "" {
		id = newSessionID()
	}
	ls := newLiveSession(types.Session{
		ID:               id,
		AgentID:          req.AgentID,
		AgentRole:        req.AgentRole,
		WorkerMode:       req.WorkerMode,
		Mode:             types.ModeHeadless,
		WorkingDirectory: req.WorkingDirectory,
		Status:           types.StatusStarting,
		CreatedAt:        now,
	})

	args := s.cfg.Provider.HeadlessArgs(req.ResumeUpstreamID, req.ExtraArgs)
	proc, err := startHeadless(ctx, s.cfg.Provider.Binary(), args, req.WorkingDirectory, sessionEnv(id, req))
	if err != nil {
		ls.transition(types.StatusTerminated)
		s.register(ls)
		return &ls.sess, orcherr.New(orcherr.SpawnFailure, "spawner.SpawnHeadless", err)
	}
	ls.headless = proc
	s.register(ls)

	if err := proc.writeLine(userTurn(req.InitialPrompt)); err != nil {
		ls.transition(types.StatusTerminated)
		return &ls.sess, orcherr.New(orcherr.SpawnFailure, "spawner.SpawnHeadless", err)
	}

	initDone := make(chan error, 1)
	go s.pumpHeadless(ls, proc, initDone)

	select {
	case err := <-initDone:
		if err != nil {
			return &ls.sess, err
		}
		return &ls.sess, nil
	case <-time.After(s.cfg.InitTimeout):
		s.bus.Publish(initTimeoutEvent(ls.sess.ID))
		ls.transition(types.StatusTerminated)
		proc.terminate(false, 0, nil)
		code := -1
		s.bus.Close(ls.sess.ID, &code)
		return &ls.sess, orcherr.New(orcherr.Timeout, "spawner.SpawnHeadless",
			fmt.Errorf("no system/init within %s", s.cfg.InitTimeout))
	}
}

// userTurn builds the wire record for one user message: the subprocess
// expects {"type":"user","message":{"role":"user","content":<text>}}.
func userTurn(text string) map[string]any {
	return map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": text,
		},
	}
}

// sessionEnv extends a request's environment with the variables every
// spawned agent receives: ELEMENTAL_SESSION_ID so the subprocess can
// self-identify, and ELEMENTAL_ROOT (defaulted to the session's working
// directory when the orchestrator itself wasn't launched with one).
func sessionEnv(sessionID string, req SpawnRequest) []string {
	env := append([]string(nil), req.ExtraEnv...)
	env = append(env, "ELEMENTAL_SESSION_ID="+sessionID)
	if os.Getenv("ELEMENTAL_ROOT") == "" {
		env = append(env, "ELEMENTAL_ROOT="+req.WorkingDirectory)
	}
	return env
}

// pumpHeadless runs the read loop for one headless session, publishing
// parsed events and signaling initDone exactly once, on the first
// system/init record or on EOF before one arrives.
func (s *Spawner) pumpHeadless(ls *liveSession, proc *headlessProc, initDone chan<- error) {
	sessionID := ls.sess.ID
	initSignaled := false
	signalInit := func(err error) {
		if !initSignaled {
			initSignaled = true
			initDone <- err
		}
	}

	onRecord := func(raw json.RawMessage) {
		event := parseHeadlessRecord(sessionID, raw)
		isInit := event.Kind == types.EventSystem && event.Subtype == "init"
		if isInit {
			ls.mu.Lock()
			ls.sess.UpstreamSessionID = event.UpstreamSessionID
			ls.mu.Unlock()
			if err := ls.transition(types.StatusRunning); err != nil {
				logging.Warn().Err(err).Str("sessionID", sessionID).Msg("spawner: init transition rejected")
			}
		}
		// Publish before signaling initDone so a caller that subscribes
		// the moment SpawnHeadless returns cannot race past this event.
		s.bus.Publish(event)
		if isInit {
			signalInit(nil)
		}
	}

	onRaw := func(line []byte) {
		s.bus.Publish(types.SessionEvent{
			Kind:       types.EventRaw,
			SessionID:  sessionID,
			ReceivedAt: time.Now(),
			Text:       string(line),
			Data:       append([]byte(nil), line...),
		})
	}

	onEOF := func(_ error) {
		proc.cmd.Wait() // reap the process so ProcessState carries its exit code
		s.endSession(ls)
		signalInit(orcherr.New(orcherr.SpawnFailure, "spawner.pumpHeadless", io.EOF))
	}

	proc.readLoop(onRecord, onRaw, onEOF)
}

func parseHeadlessRecord(sessionID string, raw json.RawMessage) types.SessionEvent {
	var envelope struct {
		Type    string `json:"type"`
		Subtype string `json:"subtype"`
		Text    string `json:"text"`
		Session string `json:"session_id"`
		Tool    string `json:"tool"`
		ToolID  string `json:"tool_use_id"`
		Input   any    `json:"input"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return types.SessionEvent{
			Kind:       types.EventRaw,
			SessionID:  sessionID,
			ReceivedAt: time.Now(),
			Raw:        raw,
		}
	}

	return types.SessionEvent{
		Kind:              types.SessionEventKind(envelope.Type),
		Subtype:           envelope.Subtype,
		SessionID:         sessionID,
		ReceivedAt:        time.Now(),
		Text:              envelope.Text,
		ToolName:          envelope.Tool,
		ToolUseID:         envelope.ToolID,
		ToolInput:         envelope.Input,
		UpstreamSessionID: envelope.Session,
		Raw:               raw,
	}
}

// endSession marks a session terminated exactly once and closes its
// event stream, regardless of how many times the underlying process
// library reports exit.
func (s *Spawner) endSession(ls *liveSession) {
	ls.endedOnce.Do(func() {
		ls.mu.Lock()
		suspending := ls.suspending
		ls.mu.Unlock()

		if !suspending {
			ls.transition(types.StatusTerminating)
			ls.transition(types.StatusTerminated)
		}

		code := exitCodeOf(ls)
		s.bus.Close(ls.sess.ID, &code)
		close(ls.exited)
	})
}

func exitCodeOf(ls *liveSession) int {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	code := 0
	switch {
	case ls.headless != nil && ls.headless.cmd.ProcessState != nil:
		code = ls.headless.cmd.ProcessState.ExitCode()
	case ls.pty != nil && ls.pty.cmd.ProcessState != nil:
		code = ls.pty.cmd.ProcessState.ExitCode()
	}
	ls.sess.ExitCode = &code
	return code
}

// SpawnInteractive allocates a PTY, spawns a login shell that invokes the
// provider CLI inside it, and forwards all output as opaque pty-data
// events. There is no protocol handshake: the session transitions to
// running as soon as the PTY is allocated.
func (s *Spawner) SpawnInteractive(ctx context.Context, req SpawnRequest) (*types.Session, error) {
	now := time.Now()
	id := req.SessionID
	if id == "" {
		id = newSessionID()
	}
	ls := newLiveSession(types.Session{
		ID:               id,
		AgentID:          req.AgentID,
		AgentRole:        req.AgentRole,
		WorkerMode:       req.WorkerMode,
		Mode:             types.ModeInteractive,
		WorkingDirectory: req.WorkingDirectory,
		Status:           types.StatusStarting,
		CreatedAt:        now,
	})

	args := s.cfg.Provider.InteractiveArgs(req.ResumeUpstreamID, req.ExtraArgs)
	proc, err := startInteractive(s.cfg.Provider.Binary(), args, req.WorkingDirectory, sessionEnv(id, req), s.cfg.PTYCols, s.cfg.PTYRows)
	if err != nil {
		ls.transition(types.StatusTerminated)
		s.register(ls)
		return &ls.sess, orcherr.New(orcherr.SpawnFailure, "spawner.SpawnInteractive", err)
	}
	ls.pty = proc
	s.register(ls)

	if err := ls.transition(types.StatusRunning); err != nil {
		return &ls.sess, err
	}

	go s.pumpInteractive(ls, proc)

	return &ls.sess, nil
}

func (s *Spawner) pumpInteractive(ls *liveSession, proc *interactiveProc) {
	sessionID := ls.sess.ID
	reader := bufio.NewReaderSize(proc.ptmx, 32*1024)
	buf := make([]byte, 4096)

	for {
		n, err := reader.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if id, ok := scrapeUpstreamSessionID(chunk); ok {
				ls.mu.Lock()
				if ls.sess.UpstreamSessionID == "" {
					ls.sess.UpstreamSessionID = id
				}
				ls.mu.Unlock()
			}
			s.bus.Publish(types.SessionEvent{
				Kind:       types.EventPTYData,
				SessionID:  sessionID,
				ReceivedAt: time.Now(),
				Data:       chunk,
			})
		}
		if err != nil {
			proc.cmd.Wait() // reap; the pty is already closed by whoever ended the session
			s.endSession(ls)
			return
		}
	}
}

// SendInput writes text to a running headless session's stdin.
func (s *Spawner) SendInput(sessionID, text string) error {
	ls, ok := s.lookup(sessionID)
	if !ok {
		return orcherr.New(orcherr.NotFound, "spawner.SendInput", fmt.Errorf("session %s", sessionID))
	}
	if ls.snapshot().Status != types.StatusRunning || ls.snapshot().Mode != types.ModeHeadless {
		return orcherr.New(orcherr.InvalidState, "spawner.SendInput", fmt.Errorf("session %s not running headless", sessionID))
	}

	return ls.headless.writeLine(userTurn(text))
}

// WritePTY writes raw bytes to a running interactive session's PTY.
func (s *Spawner) WritePTY(sessionID string, data []byte) error {
	ls, ok := s.lookup(sessionID)
	if !ok {
		return orcherr.New(orcherr.NotFound, "spawner.WritePTY", fmt.Errorf("session %s", sessionID))
	}
	if ls.snapshot().Status != types.StatusRunning || ls.snapshot().Mode != types.ModeInteractive {
		return orcherr.New(orcherr.InvalidState, "spawner.WritePTY", fmt.Errorf("session %s not running interactive", sessionID))
	}
	_, err := ls.pty.write(data)
	return err
}

// Resize changes an interactive session's PTY dimensions. A resize on a
// closed PTY is downgraded to a logged warning, not an error.
func (s *Spawner) Resize(sessionID string, cols, rows int) error {
	ls, ok := s.lookup(sessionID)
	if !ok {
		return orcherr.New(orcherr.NotFound, "spawner.Resize", fmt.Errorf("session %s", sessionID))
	}
	if ls.snapshot().Mode != types.ModeInteractive || ls.pty == nil {
		return orcherr.New(orcherr.InvalidState, "spawner.Resize", fmt.Errorf("session %s is not interactive", sessionID))
	}
	if err := ls.pty.resize(cols, rows); err != nil {
		logging.Warn().Err(err).Str("sessionID", sessionID).Msg("spawner: resize on closed pty")
	}
	return nil
}

// Terminate ends a session. Graceful sends a soft shutdown signal and
// waits up to cfg.GracefulShutdown before escalating to a forced kill;
// Forced kills immediately. Concurrent Terminate and a natural exit
// cannot double-transition, because endSession/transition are one-shot.
func (s *Spawner) Terminate(sessionID string, graceful bool) error {
	ls, ok := s.lookup(sessionID)
	if !ok {
		return orcherr.New(orcherr.NotFound, "spawner.Terminate", fmt.Errorf("session %s", sessionID))
	}

	snap := ls.snapshot()
	if snap.Status == types.StatusTerminated {
		return nil
	}
	if err := ls.transition(types.StatusTerminating); err != nil {
		return err
	}

	switch snap.Mode {
	case types.ModeHeadless:
		if ls.headless != nil {
			return ls.headless.terminate(graceful, s.cfg.GracefulShutdown, ls.exited)
		}
	case types.ModeInteractive:
		if ls.pty != nil {
			if graceful {
				ls.pty.softShutdown()
				select {
				case <-ls.exited:
					return nil
				case <-time.After(s.cfg.GracefulShutdown):
				}
			}
			ls.pty.close()
		}
	}
	return nil
}

// Suspend kills the process but keeps the session record (status
// suspended) and its upstream id so a caller can resume later.
func (s *Spawner) Suspend(sessionID string) error {
	ls, ok := s.lookup(sessionID)
	if !ok {
		return orcherr.New(orcherr.NotFound, "spawner.Suspend", fmt.Errorf("session %s", sessionID))
	}

	ls.mu.Lock()
	ls.suspending = true
	ls.mu.Unlock()

	mode := ls.snapshot().Mode
	if err := ls.transition(types.StatusSuspended); err != nil {
		return err
	}

	switch mode {
	case types.ModeHeadless:
		if ls.headless != nil {
			ls.headless.terminate(false, 0, nil)
		}
	case types.ModeInteractive:
		if ls.pty != nil {
			ls.pty.close()
		}
	}

	return nil
}

// Get returns the current snapshot of a session.
func (s *Spawner) Get(sessionID string) (types.Session, bool) {
	ls, ok := s.lookup(sessionID)
	if !ok {
		return types.Session{}, false
	}
	return ls.snapshot(), true
}

// ListActive returns every session whose status is not terminated.
func (s *Spawner) ListActive() []types.Session {
	return s.filter(func(sess types.Session) bool { return sess.Status != types.StatusTerminated })
}

// ListAll returns every session, including terminated ones.
func (s *Spawner) ListAll() []types.Session {
	return s.filter(func(types.Session) bool { return true })
}

// ListByAgent returns every session bound to agentID.
func (s *Spawner) ListByAgent(agentID string) []types.Session {
	return s.filter(func(sess types.Session) bool { return sess.AgentID == agentID })
}

// MostRecentForAgent returns the most recently created session for
// agentID, if any.
func (s *Spawner) MostRecentForAgent(agentID string) (types.Session, bool) {
	sessions := s.ListByAgent(agentID)
	if len(sessions) == 0 {
		return types.Session{}, false
	}
	best := sessions[0]
	for _, sess := range sessions[1:] {
		if sess.CreatedAt.After(best.CreatedAt) {
			best = sess
		}
	}
	return best, true
}

func (s *Spawner) filter(pred func(types.Session) bool) []types.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.Session, 0, len(s.sessions))
	for _, ls := range s.sessions {
		sess := ls.snapshot()
		if pred(sess) {
			out = append(out, sess)
		}
	}
	return out
}
