// Package eventbus implements the in-process publish/subscribe broadcast:
// per-session fan-out to N subscribers, each with an independent bounded
// buffer, and eviction of any subscriber that falls behind rather than
// blocking the producer.
package eventbus

import (
	"sync"
	"time"

	"github.com/elemental-dev/orchestrator/internal/logging"
	"github.com/elemental-dev/orchestrator/pkg/types"
)

// DefaultBufferSize is the minimum per-subscriber buffer depth.
const DefaultBufferSize = 64

// Bus fans out SessionEvents produced by the spawner to any number of
// subscribers, scoped per session id.
//
// Channel ownership: the bus alone closes subscriber channels, on
// slow-consumer eviction or session teardown. Subscription.Close only
// deregisters. Sends and closes both happen with the topic lock held;
// every send is a non-blocking select, so the lock is never held waiting
// on a consumer, and a racing Publish can never write to a closed
// channel.
type Bus struct {
	mu         sync.Mutex
	sessions   map[string]*sessionTopic
	bufferSize int

	globalMu     sync.Mutex
	global       map[uint64]*Subscription
	nextGlobalID uint64
}

// sessionTopic holds the subscriber list for one session.
type sessionTopic struct {
	mu          sync.Mutex
	subscribers map[uint64]*Subscription
	nextID      uint64
	closed      bool
}

// Subscription is a single subscriber's bounded view of a session's event
// stream.
type Subscription struct {
	id        uint64
	sessionID string
	global    bool
	ch        chan types.SessionEvent
	bus       *Bus
}

// Events returns the channel of events for this subscription. The channel
// is closed when the subscriber is evicted or the session ends.
func (s *Subscription) Events() <-chan types.SessionEvent {
	return s.ch
}

// Close deregisters the subscription: no further events arrive. It does
// not close the channel (the bus owns that, and closes it on eviction or
// teardown only), so it is safe to call at any time, any number of
// times, even after the bus has already torn the session down.
func (s *Subscription) Close() {
	if s.global {
		s.bus.removeGlobal(s.id)
	} else {
		s.bus.remove(s.sessionID, s.id)
	}
}

// New creates a Bus with the given per-subscriber buffer size. A size below
// DefaultBufferSize is raised to it.
func New(bufferSize int) *Bus {
	if bufferSize < DefaultBufferSize {
		bufferSize = DefaultBufferSize
	}
	return &Bus{
		sessions:   make(map[string]*sessionTopic),
		bufferSize: bufferSize,
		global:     make(map[uint64]*Subscription),
	}
}

// SubscribeAll starts a subscription that receives every event published
// across every session, feeding the aggregated consumers (the SSE
// `/api/events/stream` and WebSocket `/ws` adapters). It is never closed
// by a single session's teardown; only eviction or an explicit Close
// ends it.
func (b *Bus) SubscribeAll() *Subscription {
	b.globalMu.Lock()
	defer b.globalMu.Unlock()

	b.nextGlobalID++
	sub := &Subscription{
		id:     b.nextGlobalID,
		global: true,
		ch:     make(chan types.SessionEvent, b.bufferSize),
		bus:    b,
	}
	b.global[sub.id] = sub
	return sub
}

func (b *Bus) removeGlobal(id uint64) {
	b.globalMu.Lock()
	delete(b.global, id)
	b.globalMu.Unlock()
}

func (b *Bus) publishGlobal(event types.SessionEvent) {
	b.globalMu.Lock()
	defer b.globalMu.Unlock()

	for id, sub := range b.global {
		select {
		case sub.ch <- event:
		default:
			logging.Warn().Str("sessionID", event.SessionID).Msg("eventbus: evicting slow global consumer")
			delete(b.global, id)
			b.finishEviction(sub)
		}
	}
}

func (b *Bus) topic(sessionID string, createIfMissing bool) *sessionTopic {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.sessions[sessionID]
	if !ok {
		if !createIfMissing {
			return nil
		}
		t = &sessionTopic{subscribers: make(map[uint64]*Subscription)}
		b.sessions[sessionID] = t
	}
	return t
}

// Subscribe starts a lazy, non-replaying subscription to sessionID's event
// stream. Subscribing to an already-closed session immediately returns a
// closed stream.
func (b *Bus) Subscribe(sessionID string) *Subscription {
	t := b.topic(sessionID, true)

	t.mu.Lock()
	defer t.mu.Unlock()

	sub := &Subscription{
		sessionID: sessionID,
		ch:        make(chan types.SessionEvent, b.bufferSize),
		bus:       b,
	}

	if t.closed {
		close(sub.ch)
		return sub
	}

	t.nextID++
	sub.id = t.nextID
	t.subscribers[sub.id] = sub
	return sub
}

func (b *Bus) remove(sessionID string, id uint64) {
	t := b.topic(sessionID, false)
	if t == nil {
		return
	}
	t.mu.Lock()
	delete(t.subscribers, id)
	t.mu.Unlock()
}

// Publish delivers event to every current subscriber of its session. A
// subscriber whose buffer is full is evicted: it receives a terminal
// "slow_consumer" error event and its channel is closed. Evicting one
// subscriber never blocks delivery to the others, and never blocks the
// caller (the spawner's parse loop).
func (b *Bus) Publish(event types.SessionEvent) {
	b.publishGlobal(event)

	// Synthetic feed-only events (dispatch assignments) carry no session;
	// they go to the global subscribers alone rather than minting a
	// phantom "" topic.
	if event.SessionID == "" {
		return
	}

	t := b.topic(event.SessionID, true)

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	for id, sub := range t.subscribers {
		select {
		case sub.ch <- event:
		default:
			logging.Warn().Str("sessionID", sub.sessionID).Msg("eventbus: evicting slow consumer")
			delete(t.subscribers, id)
			b.finishEviction(sub)
		}
	}
}

// finishEviction delivers the final slow_consumer error event to an
// already-deregistered subscriber and closes its channel. The caller
// holds the lock that guards sends to sub, so the close cannot race a
// concurrent write.
func (b *Bus) finishEviction(sub *Subscription) {
	evictEvent := types.SessionEvent{
		Kind:        types.EventError,
		SessionID:   sub.sessionID,
		ReceivedAt:  time.Now(),
		ErrorReason: "slow_consumer",
	}
	// The buffer is full, so drain one slot before the final write; if the
	// subscriber is reading concurrently this is a harmless race, and if
	// it genuinely never reads again the drop is fine since we're about
	// to close its channel anyway.
	select {
	case <-sub.ch:
	default:
	}
	select {
	case sub.ch <- evictEvent:
	default:
	}
	close(sub.ch)
}

// Close ends sessionID's stream: every current subscriber receives a
// synthetic terminal result event, then every subscriber channel is
// closed. Subsequent Subscribe calls for this session get an
// already-closed stream.
func (b *Bus) Close(sessionID string, exitCode *int) {
	t := b.topic(sessionID, true)

	terminal := types.SessionEvent{
		Kind:       types.EventResult,
		Subtype:    "process_exit",
		SessionID:  sessionID,
		ReceivedAt: time.Now(),
		ExitCode:   exitCode,
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	for id, sub := range t.subscribers {
		select {
		case sub.ch <- terminal:
		default:
			// Subscriber already full; it misses the terminal event but
			// still observes the close below.
		}
		close(sub.ch)
		delete(t.subscribers, id)
	}
	t.mu.Unlock()

	b.publishGlobal(terminal)
}
