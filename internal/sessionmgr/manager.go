// Package sessionmgr implements the Session Manager: logical session
// identity atop the Spawner. It correlates a session's internal id with
// the subprocess-level upstream id for resume, buffers sends made while
// a session is still starting, and tracks a per-(agent, role) history.
package sessionmgr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/elemental-dev/orchestrator/internal/eventbus"
	"github.com/elemental-dev/orchestrator/internal/logging"
	"github.com/elemental-dev/orchestrator/internal/orcherr"
	"github.com/elemental-dev/orchestrator/internal/sharedserver"
	"github.com/elemental-dev/orchestrator/internal/spawner"
	"github.com/elemental-dev/orchestrator/internal/taskstore"
	"github.com/elemental-dev/orchestrator/pkg/types"
)

// StartOptions configures a start/resume call.
type StartOptions struct {
	InitialPrompt   string
	Mode            types.SpawnMode
	FallBackToStart bool

	// ConsultReadyQueue, when set on a worker Resume, refuses the resume
	// if CheckReadyQueue reports no work anchored to the agent.
	ConsultReadyQueue bool
}

// tracked is the Manager's own bookkeeping for one session, layered on
// top of whatever the Spawner separately tracks.
type tracked struct {
	mu      sync.Mutex
	agentID string
	role    types.AgentRole

	// pending holds text queued by Send while the session is still
	// starting; it is flushed or failed once the outcome is known.
	pending []string
	outcome *error // nil until the spawn call has resolved (success or failure)
}

// Manager owns logical session identity and per-(agent, role) history
// atop a Spawner.
type Manager struct {
	spawner *spawner.Spawner
	store   taskstore.Store
	bus     *eventbus.Bus

	mu       sync.Mutex
	tracking map[string]*tracked          // sessionID -> bookkeeping
	current  map[string]string            // "agentID|role" -> most recent sessionID
	history  map[string][]types.HistoryEntry

	// servers, when set, is the Shared-Server Coordinator every session
	// holds a lease on for its lifetime: the first session up starts the
	// provider's backing server, the last one out stops it.
	servers   *sharedserver.Coordinator
	serverKey string
}

// New builds a Manager. bus is the same Event Bus the Spawner publishes
// to; the Manager subscribes to it to learn when a session it started
// reaches a terminal status, so History can reflect the final outcome.
func New(sp *spawner.Spawner, store taskstore.Store, bus *eventbus.Bus) *Manager {
	return &Manager{
		spawner:  sp,
		store:    store,
		bus:      bus,
		tracking: make(map[string]*tracked),
		current:  make(map[string]string),
		history:  make(map[string][]types.HistoryEntry),
	}
}

func historyKey(agentID string, role types.AgentRole) string {
	return agentID + "|" + string(role)
}

// Start resolves the agent's working directory, spawns through the
// Spawner, and returns the session id immediately; the spawn itself
// proceeds in the background so a concurrent Send targeting this agent
// can queue against the session before its handshake completes.
func (m *Manager) Start(ctx context.Context, agentID string, role types.AgentRole, opts StartOptions) (string, error) {
	agent, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		return "", orcherr.New(orcherr.NotFound, "sessionmgr.Start", err)
	}

	mode := opts.Mode
	if mode == "" {
		mode = types.ModeHeadless
	}

	sessionID := ulid.Make().String()
	t := &tracked{agentID: agentID, role: role}

	m.mu.Lock()
	m.tracking[sessionID] = t
	m.current[historyKey(agentID, role)] = sessionID
	m.mu.Unlock()

	req := spawner.SpawnRequest{
		SessionID:        sessionID,
		AgentID:          agentID,
		AgentRole:        role,
		WorkingDirectory: agent.WorkingDirectory,
		InitialPrompt:    opts.InitialPrompt,
		Mode:             mode,
	}

	go m.runSpawn(context.Background(), req, t)

	return sessionID, nil
}

// Resume finds the most recent prior session for (agentID, role) whose
// upstream id is known and whose status is suspended or terminated, and
// asks the Spawner to resume it. When this Manager holds no in-memory
// history (a fresh process after a restart), the upstream id is
// rehydrated from the store's agent metadata instead. If neither source
// yields one and FallBackToStart is set, it starts fresh.
func (m *Manager) Resume(ctx context.Context, agentID string, role types.AgentRole, opts StartOptions) (string, error) {
	agent, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		return "", orcherr.New(orcherr.NotFound, "sessionmgr.Resume", err)
	}

	upstreamID := ""
	if entry, ok := m.mostRecentResumable(agentID, role); ok {
		upstreamID = entry.UpstreamSessionID
	} else if agent.UpstreamSessionID != "" &&
		(agent.SessionStatus == types.StatusSuspended || agent.SessionStatus == types.StatusTerminated) {
		upstreamID = agent.UpstreamSessionID
	}
	if upstreamID == "" {
		if opts.FallBackToStart {
			return m.Start(ctx, agentID, role, opts)
		}
		return "", orcherr.New(orcherr.NotFound, "sessionmgr.Resume",
			fmt.Errorf("no resumable session for agent %s role %s", agentID, role))
	}

	if opts.ConsultReadyQueue && role == types.RoleWorker {
		rq, err := CheckReadyQueue(ctx, m.store, agentID, ReadyQueueOptions{})
		if err != nil {
			return "", err
		}
		if rq.Empty {
			return "", orcherr.New(orcherr.InvalidState, "sessionmgr.Resume",
				fmt.Errorf("no work anchored to agent %s, refusing resume", agentID))
		}
	}

	mode := opts.Mode
	if mode == "" {
		mode = types.ModeHeadless
	}

	sessionID := ulid.Make().String()
	t := &tracked{agentID: agentID, role: role}

	m.mu.Lock()
	m.tracking[sessionID] = t
	m.current[historyKey(agentID, role)] = sessionID
	m.mu.Unlock()

	req := spawner.SpawnRequest{
		SessionID:        sessionID,
		AgentID:          agentID,
		AgentRole:        role,
		WorkingDirectory: agent.WorkingDirectory,
		InitialPrompt:    opts.InitialPrompt,
		Mode:             mode,
		ResumeUpstreamID: upstreamID,
	}

	go m.runSpawn(context.Background(), req, t)

	return sessionID, nil
}

func (m *Manager) mostRecentResumable(agentID string, role types.AgentRole) (types.HistoryEntry, bool) {
	m.mu.Lock()
	entries := append([]types.HistoryEntry(nil), m.history[historyKey(agentID, role)]...)
	m.mu.Unlock()

	var best types.HistoryEntry
	found := false
	for _, e := range entries {
		if !e.Resumable() {
			continue
		}
		if !found || e.CreatedAt.After(best.CreatedAt) {
			best = e
			found = true
		}
	}
	return best, found
}

// UseSharedServer routes every session this Manager spawns through a
// refcounted lease keyed by key on coord, so all of them share one
// backing server process. Call before the first Start.
func (m *Manager) UseSharedServer(coord *sharedserver.Coordinator, key string) {
	m.servers = coord
	m.serverKey = key
}

func (m *Manager) runSpawn(ctx context.Context, req spawner.SpawnRequest, t *tracked) {
	var release func()
	if m.servers != nil {
		_, token, err := m.servers.Acquire(ctx, m.serverKey, nil)
		if err != nil {
			m.resolveSpawn(req.SessionID, t, nil,
				orcherr.New(orcherr.SpawnFailure, "sessionmgr.runSpawn", err))
			return
		}
		release = func() {
			if relErr := m.servers.Release(token); relErr != nil {
				logging.Warn().Err(relErr).Str("sessionID", req.SessionID).Msg("sessionmgr: shared server release failed")
			}
		}
	}

	var sess *types.Session
	var err error
	if req.Mode == types.ModeInteractive {
		sess, err = m.spawner.SpawnInteractive(ctx, req)
	} else {
		sess, err = m.spawner.SpawnHeadless(ctx, req)
	}

	m.resolveSpawn(req.SessionID, t, sess, err)

	if err != nil || sess == nil {
		if release != nil {
			release()
		}
		return
	}
	m.persistBinding(*sess)
	go m.watchForEnd(sess.ID, release)
}

// resolveSpawn records a spawn's outcome: queued sends are flushed or
// dropped, and the history entry is written.
func (m *Manager) resolveSpawn(sessionID string, t *tracked, sess *types.Session, err error) {
	t.mu.Lock()
	outcome := err
	t.outcome = &outcome
	pending := t.pending
	t.pending = nil
	t.mu.Unlock()

	if err != nil {
		for _, text := range pending {
			logging.Warn().Str("sessionID", sessionID).Str("text", text).Msg("sessionmgr: dropping queued send, session never reached running")
		}
	} else {
		for _, text := range pending {
			if sendErr := m.spawner.SendInput(sessionID, text); sendErr != nil {
				logging.Warn().Err(sendErr).Str("sessionID", sessionID).Msg("sessionmgr: flush of queued send failed")
			}
		}
	}

	m.recordHistory(sess)
}

// persistBinding mirrors a session's current binding onto the store's
// agent record, so the association survives this process and a fresh
// Manager can resume by upstream id. Failures are logged, not
// propagated: the store lagging reality is recoverable, a dead spawn
// path is not.
func (m *Manager) persistBinding(sess types.Session) {
	err := m.store.UpdateAgentSession(context.Background(), sess.AgentID, types.AgentSessionUpdate{
		SessionID:         sess.ID,
		UpstreamSessionID: sess.UpstreamSessionID,
		Status:            sess.Status,
		LastSeen:          time.Now(),
	})
	if err != nil {
		logging.Warn().Err(err).Str("sessionID", sess.ID).Msg("sessionmgr: failed to persist session binding")
	}
}

func (m *Manager) recordHistory(sess *types.Session) {
	if sess == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := historyKey(sess.AgentID, sess.AgentRole)
	m.history[key] = append(m.history[key], types.HistoryEntry{
		SessionID:         sess.ID,
		AgentID:           sess.AgentID,
		AgentRole:         sess.AgentRole,
		Status:            sess.Status,
		WorkingDirectory:  sess.WorkingDirectory,
		UpstreamSessionID: sess.UpstreamSessionID,
		CreatedAt:         sess.CreatedAt,
		StartedAt:         sess.StartedAt,
		EndedAt:           sess.EndedAt,
	})
}

// watchForEnd subscribes to sessionID's event stream and waits for a
// terminal event, then refreshes the matching history entry with the
// session's final status and releases the session's shared-server
// lease. Without the refresh, a history entry frozen at "running"
// could never satisfy HistoryEntry.Resumable.
func (m *Manager) watchForEnd(sessionID string, release func()) {
	if release != nil {
		defer release()
	}

	sub := m.bus.Subscribe(sessionID)
	defer sub.Close()

	for event := range sub.Events() {
		if event.IsTerminal() {
			break
		}
	}

	sess, ok := m.spawner.Get(sessionID)
	if !ok {
		return
	}
	m.updateHistory(sess)
	m.persistBinding(sess)
}

func (m *Manager) updateHistory(sess types.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := historyKey(sess.AgentID, sess.AgentRole)
	entries := m.history[key]
	for i, e := range entries {
		if e.SessionID == sess.ID {
			entries[i].Status = sess.Status
			entries[i].StartedAt = sess.StartedAt
			entries[i].EndedAt = sess.EndedAt
			entries[i].UpstreamSessionID = sess.UpstreamSessionID
			return
		}
	}
}

// Stop delegates to the Spawner; watchForEnd picks up the resulting
// terminal status and refreshes the history entry.
func (m *Manager) Stop(sessionID string, graceful bool) error {
	return m.spawner.Terminate(sessionID, graceful)
}

// Suspend kills the session's process but keeps its record and upstream
// id resumable; watchForEnd refreshes the history entry once the
// process exit lands.
func (m *Manager) Suspend(sessionID string) error {
	return m.spawner.Suspend(sessionID)
}

// Send delegates to the Spawner's SendInput, queueing the text if the
// session is still starting and failing it with a descriptive error if
// the session never reaches running.
func (m *Manager) Send(sessionID, text string) error {
	m.mu.Lock()
	t, ok := m.tracking[sessionID]
	m.mu.Unlock()
	if !ok {
		// Not a session this Manager started (e.g. across a restart);
		// fall straight through to the Spawner, which has its own
		// not-found/invalid-state checks.
		return m.spawner.SendInput(sessionID, text)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.outcome == nil {
		t.pending = append(t.pending, text)
		return nil
	}
	if *t.outcome != nil {
		return orcherr.New(orcherr.InvalidState, "sessionmgr.Send",
			fmt.Errorf("session %s never reached running", sessionID))
	}
	return m.spawner.SendInput(sessionID, text)
}

// Stream returns an Event Bus subscription for sessionID.
func (m *Manager) Stream(sessionID string) *eventbus.Subscription {
	return m.bus.Subscribe(sessionID)
}

// WritePTY and Resize delegate to the Spawner for an interactive
// session, letting a PTY-attach client (cmd/orchestrator's attach
// subcommand) address a session without importing the spawner package
// directly.
func (m *Manager) WritePTY(sessionID string, data []byte) error {
	return m.spawner.WritePTY(sessionID, data)
}

func (m *Manager) Resize(sessionID string, cols, rows int) error {
	return m.spawner.Resize(sessionID, cols, rows)
}

// Get, List, and ListByAgent mirror the Spawner's query surface.
func (m *Manager) Get(sessionID string) (types.Session, bool) { return m.spawner.Get(sessionID) }

func (m *Manager) ListActive() []types.Session { return m.spawner.ListActive() }

func (m *Manager) ListAll() []types.Session { return m.spawner.ListAll() }

func (m *Manager) ListByAgent(agentID string) []types.Session { return m.spawner.ListByAgent(agentID) }

// MostRecentForAgent returns the most recently created session for
// agentID regardless of role, for callers (the HTTP API) that address a
// session by agent id alone.
func (m *Manager) MostRecentForAgent(agentID string) (types.Session, bool) {
	return m.spawner.MostRecentForAgent(agentID)
}

// History returns every recorded session for (agentID, role), oldest
// first.
func (m *Manager) History(agentID string, role types.AgentRole) []types.HistoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.HistoryEntry, len(m.history[historyKey(agentID, role)]))
	copy(out, m.history[historyKey(agentID, role)])
	return out
}

// CurrentSession returns the most recently started session id for
// (agentID, role), if any.
func (m *Manager) CurrentSession(agentID string, role types.AgentRole) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.current[historyKey(agentID, role)]
	return id, ok
}
