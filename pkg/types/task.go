package types

import "time"

// TaskStatus is the lifecycle status of a task as tracked by the
// external store.
type TaskStatus string

const (
	TaskOpen       TaskStatus = "open"
	TaskInProgress TaskStatus = "in_progress"
	TaskBlocked    TaskStatus = "blocked"
	TaskDone       TaskStatus = "done"
	TaskCancelled  TaskStatus = "cancelled"
)

// Task is the subset of a store task record the orchestration core
// reads and writes.
type Task struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Status    TaskStatus `json:"status"`
	Priority  int        `json:"priority"`
	CreatedAt time.Time  `json:"createdAt"`

	RequiredSkills     []string `json:"requiredSkills,omitempty"`
	PreferredSkills    []string `json:"preferredSkills,omitempty"`
	RequiredLanguages  []string `json:"requiredLanguages,omitempty"`
	PreferredLanguages []string `json:"preferredLanguages,omitempty"`

	// Blockers are other task ids that must reach TaskDone before this
	// task is ready. The store, not this package, resolves readiness;
	// the core treats a task as ready purely because the store returned
	// it from GetReadyTasks.
	Blockers []string `json:"blockers,omitempty"`

	AssigneeAgentID string             `json:"assigneeAgentID,omitempty"`
	Orchestrator    OrchestratorMeta   `json:"orchestrator,omitempty"`
}

// Requirements projects a Task down to the fields the Capability Matcher
// needs.
func (t Task) Requirements() TaskRequirements {
	return TaskRequirements{
		RequiredSkills:     t.RequiredSkills,
		PreferredSkills:    t.PreferredSkills,
		RequiredLanguages:  t.RequiredLanguages,
		PreferredLanguages: t.PreferredLanguages,
	}
}

// HandoffEntry records one session's contribution to a task, per the
// persisted orchestrator-metadata layout.
type HandoffEntry struct {
	SessionID string    `json:"sessionID"`
	Message   string    `json:"message,omitempty"`
	Branch    string    `json:"branch,omitempty"`
	Worktree  string    `json:"worktree,omitempty"`
	HandoffAt time.Time `json:"handoffAt"`
}

// OrchestratorMeta is the blob the core reads and writes on a task
// record; everything else on the task belongs to the store's own
// domain model.
type OrchestratorMeta struct {
	Branch          string         `json:"branch,omitempty"`
	Worktree        string         `json:"worktree,omitempty"`
	SessionID       string         `json:"sessionID,omitempty"`
	MergeStatus     string         `json:"mergeStatus,omitempty"`
	MergeRequestURL string         `json:"mergeRequestURL,omitempty"`
	HandoffHistory  []HandoffEntry `json:"handoffHistory,omitempty"`
}

// AssignmentResult is the outcome of an atomic task assignment attempt.
type AssignmentResult string

const (
	AssignmentOK       AssignmentResult = "ok"
	AssignmentConflict AssignmentResult = "conflict"
)
