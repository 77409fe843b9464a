package types

import "time"

// AgentMetadata is the subset of a store agent record the orchestration
// core reads and writes.
type AgentMetadata struct {
	ID               string        `json:"id"`
	Name             string        `json:"name"`
	Role             AgentRole     `json:"role"`
	WorkerMode       WorkerMode    `json:"workerMode,omitempty"`
	StewardFocus     string        `json:"stewardFocus,omitempty"`
	WorkingDirectory string        `json:"workingDirectory"`
	Capabilities     CapabilitySet `json:"capabilities"`

	// SessionStatus/SessionID mirror the most recent session this agent
	// was bound to, as last reported to the store; they may lag the
	// in-memory Spawner state after a restart. UpstreamSessionID is the
	// subprocess-level id of that session, kept so a fresh Session
	// Manager (no in-memory history) can still resume across a restart.
	SessionStatus     SessionStatus `json:"sessionStatus,omitempty"`
	SessionID         string        `json:"sessionID,omitempty"`
	UpstreamSessionID string        `json:"upstreamSessionID,omitempty"`
	LastSeen          time.Time     `json:"lastSeen,omitempty"`

	AssignedTaskCount int `json:"assignedTaskCount"`
}

// AgentSessionUpdate is the payload of Store.UpdateAgentSession: the
// session binding an agent record should now reflect.
type AgentSessionUpdate struct {
	SessionID         string
	UpstreamSessionID string
	Status            SessionStatus
	LastSeen          time.Time
}

// IdleWorker is the projection of AgentMetadata the Dispatch Daemon asks
// the store for: a worker with no session currently running.
type IdleWorker struct {
	AgentID           string
	Name              string
	Capabilities      CapabilitySet
	AssignedTaskCount int
}
