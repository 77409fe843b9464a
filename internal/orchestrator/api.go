// Package orchestrator wires the Session Manager, Dispatch Daemon, Event
// Bus, and Store into the externally served API: HTTP handlers for
// starting/stopping/messaging an agent's session, SSE/WebSocket fan-out
// for its events, and a manual dispatch trigger.
package orchestrator

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/elemental-dev/orchestrator/internal/dispatch"
	"github.com/elemental-dev/orchestrator/internal/eventbus"
	"github.com/elemental-dev/orchestrator/internal/logging"
	"github.com/elemental-dev/orchestrator/internal/orcherr"
	"github.com/elemental-dev/orchestrator/internal/sessionmgr"
	"github.com/elemental-dev/orchestrator/internal/taskstore"
	"github.com/elemental-dev/orchestrator/pkg/types"
)

// API serves the orchestration core's External API atop an already
// constructed Session Manager and Dispatch Daemon.
type API struct {
	sessions *sessionmgr.Manager
	daemon   *dispatch.Daemon
	bus      *eventbus.Bus
	store    taskstore.Store
}

// New builds an API. daemon may be nil, in which case /dispatch/poll-now
// responds 503.
func New(sessions *sessionmgr.Manager, daemon *dispatch.Daemon, bus *eventbus.Bus, store taskstore.Store) *API {
	return &API{sessions: sessions, daemon: daemon, bus: bus, store: store}
}

// Mount registers every External API route onto r.
func (a *API) Mount(r chi.Router) {
	r.Route("/agents/{agentID}", func(r chi.Router) {
		r.Post("/start", a.handleStart)
		r.Post("/stop", a.handleStop)
		r.Post("/message", a.handleMessage)
		r.Get("/stream", a.handleAgentStream)
		r.Post("/pty", a.handlePTYWrite)
		r.Get("/status", a.handleStatus)
	})
	r.Get("/api/events/stream", a.handleAggregatedStream)
	r.Get("/ws", a.handleWebSocket)
	r.Post("/dispatch/poll-now", a.handlePollNow)
}

type statusResponse struct {
	AgentID string        `json:"agent_id"`
	Session types.Session `json:"session"`
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	sess, ok := a.sessions.MostRecentForAgent(agentID)
	if !ok {
		writeErr(w, orcherr.New(orcherr.NotFound, "orchestrator.handleStatus", errNoSession(agentID)))
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{AgentID: agentID, Session: sess})
}

type startRequest struct {
	InitialPrompt string `json:"initial_prompt"`
	Resume        bool   `json:"resume"`
}

type startResponse struct {
	SessionID string `json:"session_id"`
}

func (a *API) handleStart(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	var req startRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, orcherr.New(orcherr.InvalidState, "orchestrator.handleStart", err))
			return
		}
	}

	agent, err := a.store.GetAgent(r.Context(), agentID)
	if err != nil {
		writeErr(w, err)
		return
	}

	opts := sessionmgr.StartOptions{InitialPrompt: req.InitialPrompt, FallBackToStart: true}

	var sessionID string
	if req.Resume {
		sessionID, err = a.sessions.Resume(r.Context(), agentID, agent.Role, opts)
	} else {
		sessionID, err = a.sessions.Start(r.Context(), agentID, agent.Role, opts)
	}
	if err != nil {
		writeErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, startResponse{SessionID: sessionID})
}

type stopRequest struct {
	Graceful *bool `json:"graceful"`
}

func (a *API) handleStop(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	var req stopRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, orcherr.New(orcherr.InvalidState, "orchestrator.handleStop", err))
			return
		}
	}
	graceful := true
	if req.Graceful != nil {
		graceful = *req.Graceful
	}

	sess, ok := a.sessions.MostRecentForAgent(agentID)
	if !ok {
		writeErr(w, orcherr.New(orcherr.NotFound, "orchestrator.handleStop", errNoSession(agentID)))
		return
	}

	if err := a.sessions.Stop(sess.ID, graceful); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

type messageRequest struct {
	Content string `json:"content"`
}

func (a *API) handleMessage(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, orcherr.New(orcherr.InvalidState, "orchestrator.handleMessage", err))
		return
	}

	sess, ok := a.sessions.MostRecentForAgent(agentID)
	if !ok {
		writeErr(w, orcherr.New(orcherr.NotFound, "orchestrator.handleMessage", errNoSession(agentID)))
		return
	}

	if err := a.sessions.Send(sess.ID, req.Content); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

// handlePTYWrite forwards the raw request body to an interactive
// session's pseudo-terminal, for the attach CLI's keystroke path.
func (a *API) handlePTYWrite(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	sess, ok := a.sessions.MostRecentForAgent(agentID)
	if !ok {
		writeErr(w, orcherr.New(orcherr.NotFound, "orchestrator.handlePTYWrite", errNoSession(agentID)))
		return
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeErr(w, orcherr.New(orcherr.InvalidState, "orchestrator.handlePTYWrite", err))
		return
	}

	if err := a.sessions.WritePTY(sess.ID, data); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (a *API) handlePollNow(w http.ResponseWriter, r *http.Request) {
	if a.daemon == nil {
		writeErr(w, orcherr.New(orcherr.UpstreamUnavailable, "orchestrator.handlePollNow", errNoDaemon()))
		return
	}
	a.daemon.PollNow()
	writeJSON(w, http.StatusAccepted, map[string]any{})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeErr maps an orcherr.Kind to an HTTP status and writes a JSON body
// of {error, kind}, so the CLI can print a one-line error naming the
// failing operation and the kind.
func writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch orcherr.KindOf(err) {
	case orcherr.NotFound:
		status = http.StatusNotFound
	case orcherr.InvalidState, orcherr.InvalidTransition:
		status = http.StatusBadRequest
	case orcherr.Timeout:
		status = http.StatusGatewayTimeout
	case orcherr.Conflict:
		status = http.StatusConflict
	case orcherr.ResourceExhausted:
		status = http.StatusTooManyRequests
	case orcherr.UpstreamUnavailable:
		status = http.StatusServiceUnavailable
	}
	logging.Warn().Err(err).Msg("orchestrator: request failed")
	writeJSON(w, status, map[string]any{
		"error": err.Error(),
		"kind":  string(orcherr.KindOf(err)),
	})
}

type simpleErr string

func (e simpleErr) Error() string { return string(e) }

func errNoSession(agentID string) error {
	return simpleErr("agent " + agentID + " has no session")
}

func errNoDaemon() error {
	return simpleErr("dispatch daemon not configured")
}

// publishAssignment bridges a successful dispatch assignment onto the
// Event Bus's aggregated feed, tagged so the SSE/WebSocket channel filter
// routes it to "tasks" subscribers. It carries no per-session meaning
// (SessionID is empty), which is fine: only the global subscription
// (SubscribeAll) ever sees it.
func publishAssignment(bus *eventbus.Bus, a dispatch.Assignment) {
	payload, _ := json.Marshal(map[string]any{
		"taskID":     a.TaskID,
		"agentID":    a.AgentID,
		"score":      a.Score,
		"assignedAt": a.AssignedAt,
	})
	bus.Publish(types.SessionEvent{
		Kind:       types.EventSystem,
		Subtype:    "task_assignment",
		ReceivedAt: time.Now(),
		Raw:        payload,
	})
}

// OnAssignHook returns a dispatch.Daemon onAssign callback that bridges
// assignments onto bus's aggregated feed.
func OnAssignHook(bus *eventbus.Bus) func(dispatch.Assignment) {
	return func(a dispatch.Assignment) { publishAssignment(bus, a) }
}
