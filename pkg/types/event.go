package types

import (
	"encoding/json"
	"time"
)

// SessionEventKind is the tagged-variant discriminator for SessionEvent,
// mirroring the protocol's "type" field.
type SessionEventKind string

const (
	EventSystem     SessionEventKind = "system"
	EventAssistant  SessionEventKind = "assistant"
	EventUser       SessionEventKind = "user"
	EventToolUse    SessionEventKind = "tool_use"
	EventToolResult SessionEventKind = "tool_result"
	EventResult     SessionEventKind = "result"
	EventError      SessionEventKind = "error"

	// EventPTYData is an opaque byte chunk forwarded verbatim from a PTY
	// session. It has no Subtype and carries bytes in Data only.
	EventPTYData SessionEventKind = "pty-data"

	// EventRaw wraps a stdout line that failed to parse as JSON. It is
	// never fatal to the session (ParseFailure is isolated to one line).
	EventRaw SessionEventKind = "raw"
)

// SessionEvent is a parsed item emitted by a subprocess, or a synthetic
// event manufactured by the core (init timeout, process exit, eviction).
type SessionEvent struct {
	Kind      SessionEventKind `json:"type"`
	Subtype   string           `json:"subtype,omitempty"`
	SessionID string           `json:"sessionID"`
	ReceivedAt time.Time       `json:"receivedAt"`

	// Text holds extracted assistant/user text content, when present.
	Text string `json:"text,omitempty"`

	// Tool fields, populated for tool_use/tool_result events.
	ToolName  string `json:"tool,omitempty"`
	ToolUseID string `json:"toolUseID,omitempty"`
	ToolInput any    `json:"toolInput,omitempty"`

	// UpstreamSessionID is populated on the system/init event.
	UpstreamSessionID string `json:"upstreamSessionID,omitempty"`

	// ErrorReason carries the reason for a synthetic error event, e.g.
	// "slow_consumer".
	ErrorReason string `json:"errorReason,omitempty"`

	// ExitCode is populated on the terminal result event the bus
	// synthesizes when the process exits.
	ExitCode *int `json:"exitCode,omitempty"`

	// Raw carries the untouched JSON record a headless event was parsed
	// from. It is always valid JSON; opaque bytes go in Data instead.
	Raw json.RawMessage `json:"raw,omitempty"`

	// Data carries opaque non-JSON payloads: PTY output chunks and
	// unparseable stdout lines. Base64-encoded on the wire.
	Data []byte `json:"data,omitempty"`
}

// IsTerminal reports whether this event marks the end of a session's
// stream; the bus closes every subscriber after delivering one of these.
func (e SessionEvent) IsTerminal() bool {
	return e.Kind == EventResult && e.Subtype == "process_exit"
}
