package orchestrator

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/elemental-dev/orchestrator/internal/logging"
	"github.com/elemental-dev/orchestrator/pkg/types"
)

// wsChannel is one of the three coarse subscription channels a /ws
// client can opt into, matching the aggregated SSE feed's event
// taxonomy: messages (assistant/user/tool_use/tool_result), tasks
// (dispatch assignments), and sessions (everything else: system/error/
// result).
type wsChannel string

const (
	channelMessages wsChannel = "messages"
	channelTasks    wsChannel = "tasks"
	channelSessions wsChannel = "sessions"
)

// channelFor classifies event onto the channel a /ws or subscribe-filter
// client would expect it under.
func channelFor(event types.SessionEvent) wsChannel {
	switch event.Kind {
	case types.EventAssistant, types.EventUser, types.EventToolUse, types.EventToolResult:
		return channelMessages
	case types.EventSystem:
		if event.Subtype == "task_assignment" {
			return channelTasks
		}
		return channelSessions
	default:
		return channelSessions
	}
}

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// subscribeMessage is the client->server control frame used to narrow a
// connection down to a subset of channels. An empty or absent Channels
// list means "everything."
type subscribeMessage struct {
	Channels []wsChannel `json:"channels"`
}

type outboundMessage struct {
	Channel wsChannel         `json:"channel"`
	Event   types.SessionEvent `json:"event"`
}

// handleWebSocket serves the aggregated event feed over a WebSocket,
// with an optional client-sent subscribe frame to narrow which channels
// are forwarded; being bidirectional, the filter can change without a
// reconnect.
func (a *API) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn().Err(err).Msg("orchestrator: websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := a.bus.SubscribeAll()
	defer sub.Close()

	filter := &chanFilter{}

	done := make(chan struct{})
	go a.readControlFrames(conn, filter, done)

	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			ch := channelFor(event)
			if !filter.allows(ch) {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(outboundMessage{Channel: ch, Event: event}); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readControlFrames pumps client->server subscribe frames until the
// connection errors or closes, updating filter and then signaling done.
func (a *API) readControlFrames(conn *websocket.Conn, filter *chanFilter, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg subscribeMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		filter.set(msg.Channels)
	}
}

// chanFilter is the mutable set of channels a connection has opted into,
// read from the write loop and written from the control-frame reader
// goroutine. An empty set means "no filter applied yet" and allows
// everything, so a client that never sends a subscribe frame gets the
// unfiltered aggregated stream.
type chanFilter struct {
	mu     sync.RWMutex
	active map[wsChannel]bool
}

func (f *chanFilter) set(channels []wsChannel) {
	next := make(map[wsChannel]bool, len(channels))
	for _, c := range channels {
		next[c] = true
	}
	f.mu.Lock()
	f.active = next
	f.mu.Unlock()
}

func (f *chanFilter) allows(ch wsChannel) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if len(f.active) == 0 {
		return true
	}
	return f.active[ch]
}
