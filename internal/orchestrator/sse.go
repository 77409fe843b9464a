package orchestrator

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/elemental-dev/orchestrator/internal/logging"
	"github.com/elemental-dev/orchestrator/internal/orcherr"
	"github.com/elemental-dev/orchestrator/pkg/types"
)

// sseHeartbeatInterval keeps intermediary proxies from timing out an
// idle stream.
const sseHeartbeatInterval = 30 * time.Second

// sseWriter wraps http.ResponseWriter for SSE framing and flushing.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	rc      *http.ResponseController
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}
	return &sseWriter{w: w, flusher: flusher, rc: http.NewResponseController(w)}, nil
}

func (s *sseWriter) writeEvent(event types.SessionEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", string(event.Kind), payload); err != nil {
		return err
	}
	if err := s.rc.Flush(); err != nil {
		s.flusher.Flush()
	}
	return nil
}

func (s *sseWriter) writeHeartbeat() {
	fmt.Fprint(s.w, ": heartbeat\n\n")
	s.flusher.Flush()
}

// handleAgentStream streams one agent's most recent session over SSE. It
// resolves the session lazily on each reconnect so a client that
// reconnects after a resume keeps following the same agent.
func (a *API) handleAgentStream(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	sess, ok := a.sessions.MostRecentForAgent(agentID)
	if !ok {
		writeErr(w, orcherr.New(orcherr.NotFound, "orchestrator.handleAgentStream", errNoSession(agentID)))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	sse, err := newSSEWriter(w)
	if err != nil {
		writeErr(w, orcherr.New(orcherr.InvalidState, "orchestrator.handleAgentStream", err))
		return
	}
	w.WriteHeader(http.StatusOK)
	sse.flusher.Flush()

	sub := a.sessions.Stream(sess.ID)
	defer sub.Close()

	a.pumpSSE(r, sse, sub.Events())
}

// handleAggregatedStream streams every session's events over SSE, for a
// dashboard-style consumer that wants one connection for the whole
// fleet rather than one per agent.
func (a *API) handleAggregatedStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	sse, err := newSSEWriter(w)
	if err != nil {
		writeErr(w, orcherr.New(orcherr.InvalidState, "orchestrator.handleAggregatedStream", err))
		return
	}
	w.WriteHeader(http.StatusOK)
	sse.flusher.Flush()

	sub := a.bus.SubscribeAll()
	defer sub.Close()

	a.pumpSSE(r, sse, sub.Events())
}

func (a *API) pumpSSE(r *http.Request, sse *sseWriter, events <-chan types.SessionEvent) {
	ticker := time.NewTicker(sseHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := sse.writeEvent(event); err != nil {
				logging.Warn().Err(err).Msg("orchestrator: sse write failed, dropping client")
				return
			}
		case <-ticker.C:
			sse.writeHeartbeat()
		}
	}
}
