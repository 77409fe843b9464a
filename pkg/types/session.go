// Package types provides the core data types shared across the orchestration core.
package types

import "time"

// AgentRole identifies what kind of agent a session is bound to.
type AgentRole string

const (
	RoleDirector AgentRole = "director"
	RoleWorker   AgentRole = "worker"
	RoleSteward  AgentRole = "steward"
)

// WorkerMode further qualifies a worker session's lifetime.
type WorkerMode string

const (
	WorkerEphemeral  WorkerMode = "ephemeral"
	WorkerPersistent WorkerMode = "persistent"
)

// SpawnMode selects how a session's subprocess is driven.
type SpawnMode string

const (
	ModeHeadless    SpawnMode = "headless"
	ModeInteractive SpawnMode = "interactive"
)

// SessionStatus is the finite state machine status of a Session.
type SessionStatus string

const (
	StatusStarting    SessionStatus = "starting"
	StatusRunning     SessionStatus = "running"
	StatusSuspended   SessionStatus = "suspended"
	StatusTerminating SessionStatus = "terminating"
	StatusTerminated  SessionStatus = "terminated"
)

// Transitions enumerates the allowed status transition table. A transition
// not present here is invalid and must be rejected by the single transition
// helper in the spawner.
var Transitions = map[SessionStatus][]SessionStatus{
	StatusStarting:    {StatusRunning, StatusTerminated},
	StatusRunning:     {StatusSuspended, StatusTerminating, StatusTerminated},
	StatusSuspended:   {StatusRunning, StatusTerminated},
	StatusTerminating: {StatusTerminated},
	StatusTerminated:  {},
}

// CanTransition reports whether from -> to is an allowed edge.
func CanTransition(from, to SessionStatus) bool {
	for _, allowed := range Transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Session is the live, in-memory representation of one agent subprocess.
type Session struct {
	ID        string `json:"id"`
	AgentID   string `json:"agentID"`
	AgentRole AgentRole `json:"agentRole"`

	// WorkerMode is set only when AgentRole == RoleWorker.
	WorkerMode WorkerMode `json:"workerMode,omitempty"`

	Mode SpawnMode `json:"mode"`

	// UpstreamSessionID is the opaque id the subprocess produced in its
	// first event; empty until the init handshake completes.
	UpstreamSessionID string `json:"upstreamSessionID,omitempty"`

	WorkingDirectory string        `json:"workingDirectory"`
	Status           SessionStatus `json:"status"`

	CreatedAt      time.Time  `json:"createdAt"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	LastActivityAt *time.Time `json:"lastActivityAt,omitempty"`
	EndedAt        *time.Time `json:"endedAt,omitempty"`

	// ExitCode is set once the subprocess has exited.
	ExitCode *int `json:"exitCode,omitempty"`
}

// HistoryEntry is a per-(agent, role) ordered record of a prior session.
type HistoryEntry struct {
	SessionID         string        `json:"sessionID"`
	AgentID           string        `json:"agentID"`
	AgentRole         AgentRole     `json:"agentRole"`
	Status            SessionStatus `json:"status"`
	WorkingDirectory  string        `json:"workingDirectory"`
	UpstreamSessionID string        `json:"upstreamSessionID,omitempty"`
	CreatedAt         time.Time     `json:"createdAt"`
	StartedAt         *time.Time    `json:"startedAt,omitempty"`
	EndedAt           *time.Time    `json:"endedAt,omitempty"`
}

// Resumable reports whether this history entry can be resumed: it must
// carry an upstream id and have reached a non-live terminal status.
func (h HistoryEntry) Resumable() bool {
	if h.UpstreamSessionID == "" {
		return false
	}
	return h.Status == StatusSuspended || h.Status == StatusTerminated
}
